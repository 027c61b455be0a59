package provider

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskengine/pkg/taskerrors"
)

type stubProvider struct {
	result *RoundResult
	calls  int
}

func (s *stubProvider) ID() string          { return "stub" }
func (s *stubProvider) SupportsTools() bool { return true }
func (s *stubProvider) Enabled() bool       { return true }
func (s *stubProvider) Notes() string       { return "always on" }

func (s *stubProvider) ExecuteRound(_ context.Context, req *RoundRequest) (*RoundResult, error) {
	s.calls++
	res := *s.result
	res.RequestID = req.RequestID
	return &res, nil
}

func TestChainOrder(t *testing.T) {
	base := &stubProvider{result: &RoundResult{OutputText: "base"}}
	var order []string

	tag := func(name string) Middleware {
		return func(next Provider) Provider {
			return Wrap(next, func(ctx context.Context, req *RoundRequest) (*RoundResult, error) {
				order = append(order, name)
				return next.ExecuteRound(ctx, req)
			})
		}
	}

	p := Chain(base, tag("outer"), tag("inner"))
	res, err := p.ExecuteRound(context.Background(), &RoundRequest{RequestID: "r1"})
	require.NoError(t, err)

	assert.Equal(t, []string{"outer", "inner"}, order)
	assert.Equal(t, "base", res.OutputText)
	assert.Equal(t, "stub", p.ID())
	assert.True(t, p.SupportsTools())
	assert.Equal(t, "always on", p.Notes())
	assert.Equal(t, 1, base.calls)
}

func TestChainWithoutMiddlewares(t *testing.T) {
	base := &stubProvider{result: &RoundResult{}}
	assert.Same(t, base, Chain(base))
}

func TestValidateResult(t *testing.T) {
	req := &RoundRequest{RequestID: "req-1"}
	negative := int64(-5)

	tests := []struct {
		name    string
		res     *RoundResult
		wantErr bool
	}{
		{"final text", &RoundResult{RequestID: "req-1", OutputText: "done"}, false},
		{"tool calls", &RoundResult{RequestID: "req-1", ToolCalls: []ToolCall{{CallID: "a", Name: "clock"}}}, false},
		{"nil result", nil, true},
		{"id mismatch", &RoundResult{RequestID: "req-2", OutputText: "done"}, true},
		{"missing id", &RoundResult{OutputText: "done"}, true},
		{"bad json", &RoundResult{RequestID: "req-1", OutputJSON: json.RawMessage(`{nope`)}, true},
		{"negative usage", &RoundResult{RequestID: "req-1", Usage: &Usage{PromptTokens: -1}}, true},
		{"negative latency", &RoundResult{RequestID: "req-1", ProviderLatencyMS: &negative}, true},
		{"call without id", &RoundResult{RequestID: "req-1", ToolCalls: []ToolCall{{Name: "clock"}}}, true},
		{"call without name", &RoundResult{RequestID: "req-1", ToolCalls: []ToolCall{{CallID: "a"}}}, true},
		{"duplicate ids", &RoundResult{RequestID: "req-1", ToolCalls: []ToolCall{{CallID: "a", Name: "x"}, {CallID: "a", Name: "y"}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateResult(req, tt.res)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, taskerrors.CodeGatewayResponseInvalid, taskerrors.CodeOf(err))
			assert.False(t, taskerrors.IsRetryable(err))
		})
	}
}

func TestValidateResultDefaultsArguments(t *testing.T) {
	res := &RoundResult{RequestID: "r", ToolCalls: []ToolCall{{CallID: "c1", Name: "clock"}}}
	require.NoError(t, ValidateResult(&RoundRequest{RequestID: "r"}, res))
	assert.NotNil(t, res.ToolCalls[0].Arguments)
}

func TestRoundResultHelpers(t *testing.T) {
	assert.True(t, (&RoundResult{}).IsFinal())
	assert.False(t, (&RoundResult{}).HasOutput())
	assert.True(t, (&RoundResult{OutputJSON: json.RawMessage(`{}`)}).HasOutput())
	assert.Equal(t, 7, Usage{PromptTokens: 3, CompletionTokens: 4}.Total())
}
