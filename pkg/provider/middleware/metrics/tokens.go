package metrics

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

//nolint:gochecknoglobals // codec tables are loaded once per process
var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// EstimateTokens counts tokens with the GPT-4 encoding. Every backend is approximated with
// it; when the codec is unavailable the count falls back to four characters per token.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	codecOnce.Do(func() {
		c, err := tokenizer.ForModel(tokenizer.GPT4)
		if err == nil {
			codec = c
		}
	})
	if codec != nil {
		if n, err := codec.Count(text); err == nil {
			return n
		}
	}
	return charEstimate(text)
}

func charEstimate(text string) int {
	return (len(text) + 3) / 4
}
