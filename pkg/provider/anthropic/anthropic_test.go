package anthropic

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskengine/pkg/config"
	"taskengine/pkg/provider"
	"taskengine/pkg/safefetch"
	"taskengine/pkg/taskerrors"
	"taskengine/pkg/testkit"
)

func newProvider(t *testing.T, replies ...testkit.Reply) (*Provider, *testkit.MockServer) {
	t.Helper()
	srv := testkit.NewMockServer(t, replies...)
	cfg := config.SDKProviderConfig{APIKey: "test-key", BaseURL: srv.LocalURL(), Model: "claude-test"}
	return New(cfg, testkit.LoopbackFetch(), 5*time.Second), srv
}

func roundRequest() *provider.RoundRequest {
	return &provider.RoundRequest{
		RequestID: "req-7",
		TaskName:  "single_executor",
		Step:      1,
		Attempt:   1,
		Model:     "default",
		MaxTokens: 512,
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: "be brief"},
			{Role: provider.RoleUser, Content: "what time is it"},
		},
		Tools: []provider.ToolSpec{{
			Name:        "clock",
			Description: "current time",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"timezone": map[string]any{"type": "string"}},
				"required":   []any{"timezone"},
			},
		}},
	}
}

func TestDisabledWithoutKey(t *testing.T) {
	p := New(config.SDKProviderConfig{}, safefetch.New(safefetch.Options{}), time.Second)
	assert.False(t, p.Enabled())
	assert.Contains(t, p.Notes(), "ANTHROPIC_API_KEY")
	_, err := p.ExecuteRound(context.Background(), roundRequest())
	assert.Equal(t, taskerrors.CodeGatewayConfig, taskerrors.CodeOf(err))
}

func TestExecuteRoundText(t *testing.T) {
	p, srv := newProvider(t, testkit.Reply{Body: testkit.AnthropicMessage("claude-test", "It is noon.")})

	res, err := p.ExecuteRound(context.Background(), roundRequest())
	require.NoError(t, err)
	assert.Equal(t, "req-7", res.RequestID)
	assert.Equal(t, "It is noon.", res.OutputText)
	assert.True(t, res.IsFinal())
	assert.Equal(t, 300, res.Usage.Total())
	assert.Equal(t, "claude-test", res.Model)
	require.NotNil(t, res.ProviderLatencyMS)

	reqs := srv.Requests()
	require.Len(t, reqs, 1)
	body := reqs[0].Body
	assert.Equal(t, "claude-test", body["model"], "default alias maps to the configured model")
	assert.EqualValues(t, 512, body["max_tokens"])
	assert.Equal(t, "test-key", reqs[0].Header.Get("X-Api-Key"))

	system, ok := body["system"].([]any)
	require.True(t, ok)
	assert.Equal(t, "be brief", system[0].(map[string]any)["text"])

	tools, ok := body["tools"].([]any)
	require.True(t, ok)
	tool := tools[0].(map[string]any)
	assert.Equal(t, "clock", tool["name"])
	assert.Equal(t, "current time", tool["description"])
}

func TestExecuteRoundToolUse(t *testing.T) {
	p, _ := newProvider(t, testkit.Reply{Body: testkit.AnthropicMessage("claude-test", "",
		testkit.ToolUse{ID: "tu_1", Name: "clock", Input: map[string]any{"timezone": "UTC"}})})

	res, err := p.ExecuteRound(context.Background(), roundRequest())
	require.NoError(t, err)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "tu_1", res.ToolCalls[0].CallID)
	assert.Equal(t, "clock", res.ToolCalls[0].Name)
	assert.Equal(t, "UTC", res.ToolCalls[0].Arguments["timezone"])
}

func TestExecuteRoundErrors(t *testing.T) {
	tests := []struct {
		name      string
		reply     testkit.Reply
		wantCode  taskerrors.Code
		retryable bool
	}{
		{"overloaded", testkit.Reply{Status: 529, Body: testkit.AnthropicError("overloaded_error", "busy")}, taskerrors.CodeProviderHTTP, true},
		{"rate limited", testkit.Reply{Status: http.StatusTooManyRequests, Body: testkit.AnthropicError("rate_limit_error", "slow")}, taskerrors.CodeProviderHTTP, true},
		{"bad request", testkit.Reply{Status: http.StatusBadRequest, Body: testkit.AnthropicError("invalid_request_error", "bad")}, taskerrors.CodeProviderHTTP, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, srv := newProvider(t, tt.reply)
			_, err := p.ExecuteRound(context.Background(), roundRequest())
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, taskerrors.CodeOf(err))
			assert.Equal(t, tt.retryable, taskerrors.IsRetryable(err))
			assert.Len(t, srv.Requests(), 1, "the SDK must not retry on its own")
		})
	}
}

func TestExecuteRoundTimeout(t *testing.T) {
	p, _ := newProvider(t, testkit.Reply{Delay: time.Minute, Body: testkit.AnthropicMessage("m", "late")})
	req := roundRequest()
	req.Timeout = 50 * time.Millisecond

	_, err := p.ExecuteRound(context.Background(), req)
	assert.Equal(t, taskerrors.CodeProviderTimeout, taskerrors.CodeOf(err))
	assert.True(t, taskerrors.IsRetryable(err))
}

func TestOutboundPolicyApplies(t *testing.T) {
	cfg := config.SDKProviderConfig{APIKey: "k", BaseURL: "https://api.anthropic.com", Model: "m"}
	fetch := safefetch.New(safefetch.Options{AllowHosts: []string{"gateway.internal.example"}})
	p := New(cfg, fetch, time.Second)

	_, err := p.ExecuteRound(context.Background(), roundRequest())
	assert.Equal(t, taskerrors.CodeOutboundHostNotAllowed, taskerrors.CodeOf(err))
}

func TestConvertMessages(t *testing.T) {
	system, msgs, err := convertMessages([]provider.Message{
		{Role: provider.RoleSystem, Content: "a"},
		{Role: provider.RoleSystem, Content: "b"},
		{Role: provider.RoleUser, Content: "question"},
		{Role: provider.RoleAssistant, ToolCalls: []provider.ToolCall{
			{CallID: "c1", Name: "clock"},
			{CallID: "c2", Name: "web_fetch", Arguments: map[string]any{"url": "https://x"}},
		}},
		{Role: provider.RoleTool, ToolCallID: "c1", Content: "noon"},
		{Role: provider.RoleTool, ToolCallID: "c2", Content: "failed", IsError: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "a\n\nb", system)
	require.Len(t, msgs, 3)

	assert.Equal(t, anthropic.MessageParamRoleUser, msgs[0].Role)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, msgs[1].Role)
	require.Len(t, msgs[1].Content, 2)
	assert.NotNil(t, msgs[1].Content[0].OfToolUse)

	assert.Equal(t, anthropic.MessageParamRoleUser, msgs[2].Role)
	require.Len(t, msgs[2].Content, 2, "tool results merge into one user turn")
	require.NotNil(t, msgs[2].Content[1].OfToolResult)
	assert.Equal(t, "c2", msgs[2].Content[1].OfToolResult.ToolUseID)

	_, _, err = convertMessages([]provider.Message{{Role: provider.RoleSystem, Content: "only"}})
	assert.Error(t, err)
	_, _, err = convertMessages([]provider.Message{{Role: provider.RoleAssistant, Content: "first"}})
	assert.Error(t, err)
}

func TestRequiredFields(t *testing.T) {
	assert.Equal(t, []string{"a"}, requiredFields([]string{"a"}))
	assert.Equal(t, []string{"a", "b"}, requiredFields([]any{"a", 1, "b"}))
	assert.Nil(t, requiredFields(nil))
}
