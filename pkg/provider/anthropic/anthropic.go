// Package anthropic adapts the Anthropic Messages API to the provider contract.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"taskengine/pkg/config"
	"taskengine/pkg/logx"
	"taskengine/pkg/plan"
	"taskengine/pkg/provider"
	"taskengine/pkg/safefetch"
	"taskengine/pkg/taskerrors"
)

// ProviderID is the id this backend reports.
const ProviderID = "anthropic"

const defaultMaxTokens = 1024

// Provider calls Claude through the SDK, with every request routed through the outbound policy.
type Provider struct {
	client  anthropic.Client
	cfg     config.SDKProviderConfig
	logger  *logx.Logger
	ceiling time.Duration
	enabled bool
}

// New creates an Anthropic provider. The provider is disabled without an API key or outbound client.
func New(cfg config.SDKProviderConfig, fetch *safefetch.Client, ceiling time.Duration) *Provider {
	p := &Provider{
		cfg:     cfg,
		ceiling: ceiling,
		logger:  logx.NewLogger("anthropic"),
		enabled: cfg.APIKey != "" && fetch != nil,
	}
	if !p.enabled {
		return p
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(fetch),
		// Retries belong to the middleware chain so every attempt is budgeted.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	p.client = anthropic.NewClient(opts...)
	return p
}

// ID implements provider.Provider.
func (p *Provider) ID() string { return ProviderID }

// SupportsTools implements provider.Provider.
func (p *Provider) SupportsTools() bool { return true }

// Enabled implements provider.Provider.
func (p *Provider) Enabled() bool { return p.enabled }

// Notes implements provider.Provider.
func (p *Provider) Notes() string {
	if !p.enabled {
		return "disabled: ANTHROPIC_API_KEY is not set"
	}
	return "enabled: default model " + p.cfg.Model
}

// ExecuteRound implements provider.Provider.
func (p *Provider) ExecuteRound(ctx context.Context, req *provider.RoundRequest) (*provider.RoundResult, error) {
	if !p.enabled {
		return nil, taskerrors.New(taskerrors.CodeGatewayConfig, p.Notes())
	}

	system, messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, taskerrors.Wrap(taskerrors.CodeInternal, err, "preparing anthropic messages")
	}

	model := req.Model
	if model == "" || model == plan.DefaultModel {
		model = p.cfg.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}

	roundCtx, cancel := context.WithTimeout(ctx, provider.EffectiveTimeout(req.Timeout, p.ceiling))
	defer cancel()

	start := time.Now()
	resp, err := p.client.Messages.New(roundCtx, params)
	if err != nil {
		status := 0
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		p.logger.Debug("round %s failed: %v", req.RequestID, err)
		return nil, provider.ClassifyError(ctx, roundCtx, err, status)
	}
	latency := time.Since(start).Milliseconds()

	res, err := toResult(req.RequestID, resp)
	if err != nil {
		return nil, err
	}
	res.ProviderLatencyMS = &latency
	if err := provider.ValidateResult(req, res); err != nil {
		return nil, err
	}
	return res, nil
}

// convertMessages builds the Messages API transcript. System messages move to the top-level
// system prompt, and consecutive user-side entries (user text and tool results) merge into one
// user turn so roles strictly alternate.
func convertMessages(messages []provider.Message) (string, []anthropic.MessageParam, error) {
	var systemParts []string
	var out []anthropic.MessageParam
	var pending []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(pending) > 0 {
			out = append(out, anthropic.NewUserMessage(pending...))
			pending = nil
		}
	}

	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case provider.RoleSystem:
			systemParts = append(systemParts, msg.Content)
		case provider.RoleUser:
			pending = append(pending, anthropic.NewTextBlock(msg.Content))
		case provider.RoleTool:
			pending = append(pending, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))
		case provider.RoleAssistant:
			flush()
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				args := call.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(call.CallID, args, call.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		default:
			return "", nil, fmt.Errorf("unsupported message role %q", msg.Role)
		}
	}
	flush()

	if len(out) == 0 {
		return "", nil, fmt.Errorf("must have at least one non-system message")
	}
	if out[0].Role != anthropic.MessageParamRoleUser {
		return "", nil, fmt.Errorf("first message must be user role, got: %s", out[0].Role)
	}
	return strings.Join(systemParts, "\n\n"), out, nil
}

func convertTools(specs []provider.ToolSpec) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(specs))
	for i := range specs {
		spec := &specs[i]
		schema := anthropic.ToolInputSchemaParam{
			Properties: spec.InputSchema["properties"],
			Required:   requiredFields(spec.InputSchema["required"]),
		}
		tool := anthropic.ToolUnionParamOfTool(schema, spec.Name)
		if spec.Description != "" {
			tool.OfTool.Description = anthropic.String(spec.Description)
		}
		tools = append(tools, tool)
	}
	return tools
}

func requiredFields(v any) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func toResult(requestID string, resp *anthropic.Message) (*provider.RoundResult, error) {
	if resp == nil {
		return nil, taskerrors.New(taskerrors.CodeGatewayResponseInvalid, "empty response from anthropic")
	}

	var text strings.Builder
	calls := []provider.ToolCall{}
	for i := range resp.Content {
		block := &resp.Content[i]
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "tool_use":
			use := block.AsToolUse()
			args := map[string]any{}
			if len(use.Input) > 0 {
				if err := json.Unmarshal(use.Input, &args); err != nil {
					return nil, taskerrors.Wrap(taskerrors.CodeGatewayResponseInvalid, err,
						fmt.Sprintf("tool_use %s input is not an object", use.ID))
				}
			}
			calls = append(calls, provider.ToolCall{CallID: use.ID, Name: use.Name, Arguments: args})
		}
	}

	return &provider.RoundResult{
		RequestID:  requestID,
		OutputText: text.String(),
		ToolCalls:  calls,
		Usage: &provider.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
		},
		Model: string(resp.Model),
	}, nil
}
