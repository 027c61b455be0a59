package tools

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"taskengine/pkg/safefetch"
	"taskengine/pkg/taskerrors"
)

// ToolWebFetch is the constant name for the web fetch tool.
const ToolWebFetch = "web_fetch"

const (
	defaultMaxChars = 20000
	maxMaxChars     = 50000
)

//nolint:gochecknoglobals // compiled once
var (
	titleRegex   = regexp.MustCompile(`(?i)<title[^>]*>([^<]+)</title>`)
	scriptRegex  = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRegex   = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	commentRegex = regexp.MustCompile(`(?s)<!--.*?-->`)
	blockRegex   = regexp.MustCompile(`(?i)</(p|div|h[1-6]|li|tr|br|hr)[^>]*>`)
	brRegex      = regexp.MustCompile(`(?i)<br[^>]*>`)
	tagRegex     = regexp.MustCompile(`<[^>]+>`)
	spaceRegex   = regexp.MustCompile(`[ \t]+`)
	newlineRegex = regexp.MustCompile(`\n{3,}`)
)

// WebFetchTool fetches a page through the outbound policy and returns its text.
type WebFetchTool struct {
	client *safefetch.Client
}

// NewWebFetchTool creates a web fetch tool bound to the policy client.
func NewWebFetchTool(client *safefetch.Client) *WebFetchTool {
	return &WebFetchTool{client: client}
}

// Name returns the tool name.
func (t *WebFetchTool) Name() string {
	return ToolWebFetch
}

// Critical implements Tool.
func (t *WebFetchTool) Critical() bool {
	return false
}

// Definition returns the tool definition for providers.
func (t *WebFetchTool) Definition() Definition {
	return Definition{
		Name: ToolWebFetch,
		Description: `Fetch a web page over HTTPS and return its title and text content (HTML stripped).
Only allow-listed public hosts are reachable and large pages are cut off.`,
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"url": {
					Type:        "string",
					Description: "Full URL to fetch (e.g., 'https://go.dev/doc/go1.22')",
				},
				"max_chars": {
					Type:        "integer",
					Description: fmt.Sprintf("Maximum characters of text to return (default %d, at most %d)", defaultMaxChars, maxMaxChars),
				},
			},
			Required: []string{"url"},
		},
	}
}

// Exec executes the web fetch tool. Policy rejections come back as error results.
func (t *WebFetchTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	urlStr, ok := args["url"].(string)
	if !ok || urlStr == "" {
		return nil, fmt.Errorf("url is required and must be a string")
	}
	maxChars := min(max(intArg(args, "max_chars", defaultMaxChars), 1), maxMaxChars)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, http.NoBody)
	if err != nil {
		return errorResult("failed to create request: " + err.Error())
	}
	req.Header.Set("User-Agent", "taskengine/1.0 (web_fetch tool)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,text/plain;q=0.8")

	resp, err := t.client.Do(req)
	if err != nil {
		return errorResult(fmt.Sprintf("fetch rejected (%s): %v", taskerrors.CodeOf(err), err))
	}
	body, err := safefetch.ReadAll(resp)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to read response (%s): %v", taskerrors.CodeOf(err), err))
	}

	if resp.StatusCode != http.StatusOK {
		return errorResult(fmt.Sprintf("HTTP error: %s", resp.Status))
	}
	contentType := resp.Header.Get("Content-Type")
	if !isTextContent(contentType) {
		return errorResult(fmt.Sprintf("unsupported content type: %s (only text/html and text/plain supported)", contentType))
	}

	content := string(body)
	text := extractText(content)
	truncated := false
	if len(text) > maxChars {
		text = text[:maxChars]
		truncated = true
	}

	return jsonResult(map[string]any{
		"success":   true,
		"url":       urlStr,
		"title":     extractTitle(content),
		"content":   text,
		"truncated": truncated,
	}, false)
}

// isTextContent checks if the content type is text-based.
func isTextContent(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/html") ||
		strings.Contains(ct, "text/plain") ||
		strings.Contains(ct, "application/xhtml") ||
		strings.Contains(ct, "application/xml") ||
		strings.Contains(ct, "text/xml")
}

// extractTitle extracts the title from HTML content.
func extractTitle(html string) string {
	matches := titleRegex.FindStringSubmatch(html)
	if len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}
	return ""
}

// extractText extracts readable text from HTML content.
func extractText(html string) string {
	html = scriptRegex.ReplaceAllString(html, "")
	html = styleRegex.ReplaceAllString(html, "")
	html = commentRegex.ReplaceAllString(html, "")

	// Block elements become line breaks.
	html = blockRegex.ReplaceAllString(html, "\n")
	html = brRegex.ReplaceAllString(html, "\n")
	text := tagRegex.ReplaceAllString(html, "")

	text = strings.NewReplacer(
		"&nbsp;", " ",
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", "\"",
		"&#39;", "'",
		"&apos;", "'",
	).Replace(text)

	text = spaceRegex.ReplaceAllString(text, " ")
	text = newlineRegex.ReplaceAllString(text, "\n\n")

	lines := strings.Split(text, "\n")
	cleanLines := make([]string, 0, len(lines))
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			cleanLines = append(cleanLines, trimmed)
		}
	}
	return strings.Join(cleanLines, "\n")
}
