// Package openai adapts the OpenAI Chat Completions API to the provider contract.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"taskengine/pkg/config"
	"taskengine/pkg/logx"
	"taskengine/pkg/plan"
	"taskengine/pkg/provider"
	"taskengine/pkg/safefetch"
	"taskengine/pkg/taskerrors"
)

// ProviderID is the id this backend reports.
const ProviderID = "openai"

// Provider calls OpenAI chat models through the SDK and the outbound policy.
type Provider struct {
	client  openai.Client
	cfg     config.SDKProviderConfig
	logger  *logx.Logger
	ceiling time.Duration
	enabled bool
}

// New creates an OpenAI provider. The provider is disabled without an API key or outbound client.
func New(cfg config.SDKProviderConfig, fetch *safefetch.Client, ceiling time.Duration) *Provider {
	p := &Provider{
		cfg:     cfg,
		ceiling: ceiling,
		logger:  logx.NewLogger("openai"),
		enabled: cfg.APIKey != "" && fetch != nil,
	}
	if !p.enabled {
		return p
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(fetch),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	p.client = openai.NewClient(opts...)
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
		return "disabled: OPENAI_API_KEY is not set"
	}
	return "enabled: default model " + p.cfg.Model
}

// ExecuteRound implements provider.Provider.
func (p *Provider) ExecuteRound(ctx context.Context, req *provider.RoundRequest) (*provider.RoundResult, error) {
	if !p.enabled {
		return nil, taskerrors.New(taskerrors.CodeGatewayConfig, p.Notes())
	}

	messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, taskerrors.Wrap(taskerrors.CodeInternal, err, "preparing openai messages")
	}

	model := req.Model
	if model == "" || model == plan.DefaultModel {
		model = p.cfg.Model
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}

	roundCtx, cancel := context.WithTimeout(ctx, provider.EffectiveTimeout(req.Timeout, p.ceiling))
	defer cancel()

	start := time.Now()
	resp, err := p.client.Chat.Completions.New(roundCtx, params)
	if err != nil {
		status := 0
		var apiErr *openai.Error
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

func convertMessages(messages []provider.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case provider.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case provider.RoleUser:
			out = append(out, openai.UserMessage(msg.Content))
		case provider.RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		case provider.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(msg.Content))
				continue
			}
			assistant := &openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				assistant.Content.OfString = openai.String(msg.Content)
			}
			for _, call := range msg.ToolCalls {
				args, err := json.Marshal(call.Arguments)
				if err != nil {
					return nil, fmt.Errorf("encoding arguments for %s: %w", call.CallID, err)
				}
				if call.Arguments == nil {
					args = []byte("{}")
				}
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: call.CallID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: string(args),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: assistant})
		default:
			return nil, fmt.Errorf("unsupported message role %q", msg.Role)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("message list cannot be empty")
	}
	return out, nil
}

func convertTools(specs []provider.ToolSpec) []openai.ChatCompletionToolParam {
	tools := make([]openai.ChatCompletionToolParam, 0, len(specs))
	for i := range specs {
		spec := &specs[i]
		fn := openai.FunctionDefinitionParam{
			Name:       spec.Name,
			Parameters: openai.FunctionParameters(spec.InputSchema),
		}
		if spec.Description != "" {
			fn.Description = openai.String(spec.Description)
		}
		tools = append(tools, openai.ChatCompletionToolParam{Function: fn})
	}
	return tools
}

func toResult(requestID string, resp *openai.ChatCompletion) (*provider.RoundResult, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, taskerrors.New(taskerrors.CodeGatewayResponseInvalid, "openai response has no choices")
	}
	msg := resp.Choices[0].Message

	calls := make([]provider.ToolCall, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, taskerrors.Wrap(taskerrors.CodeGatewayResponseInvalid, err,
					fmt.Sprintf("tool call %s arguments are not a JSON object", tc.ID))
			}
		}
		calls = append(calls, provider.ToolCall{CallID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}

	return &provider.RoundResult{
		RequestID:  requestID,
		OutputText: msg.Content,
		ToolCalls:  calls,
		Usage: &provider.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
		},
		Model: resp.Model,
	}, nil
}
