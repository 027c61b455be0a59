// Package ollama adapts a local or remote Ollama server's chat API to the provider contract.
package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"taskengine/pkg/config"
	"taskengine/pkg/logx"
	"taskengine/pkg/plan"
	"taskengine/pkg/provider"
	"taskengine/pkg/safefetch"
	"taskengine/pkg/taskerrors"
)

// ProviderID is the id this backend reports.
const ProviderID = "ollama"

// Provider calls an Ollama server through the outbound policy. Ollama needs no credential,
// so the host must still pass the allow-list (or allow_insecure_localhost for a local daemon).
type Provider struct {
	client  *api.Client
	cfg     config.OllamaConfig
	logger  *logx.Logger
	ceiling time.Duration
	reason  string
}

// New creates an Ollama provider. The provider is disabled without a valid host or outbound client.
func New(cfg config.OllamaConfig, fetch *safefetch.Client, ceiling time.Duration) *Provider {
	p := &Provider{
		cfg:     cfg,
		ceiling: ceiling,
		logger:  logx.NewLogger("ollama"),
	}
	if fetch == nil {
		p.reason = "no outbound client"
		return p
	}
	base, err := url.Parse(cfg.Host)
	if err != nil || base.Scheme == "" || base.Host == "" {
		p.reason = fmt.Sprintf("OLLAMA_HOST %q is not an absolute URL", cfg.Host)
		return p
	}
	p.client = api.NewClient(base, fetch.HTTPClient())
	return p
}

// ID implements provider.Provider.
func (p *Provider) ID() string { return ProviderID }

// SupportsTools implements provider.Provider.
func (p *Provider) SupportsTools() bool { return true }

// Enabled implements provider.Provider.
func (p *Provider) Enabled() bool { return p.client != nil }

// Notes implements provider.Provider.
func (p *Provider) Notes() string {
	if p.client == nil {
		return "disabled: " + p.reason
	}
	return fmt.Sprintf("enabled: %s, default model %s", p.cfg.Host, p.cfg.Model)
}

// ExecuteRound implements provider.Provider.
func (p *Provider) ExecuteRound(ctx context.Context, req *provider.RoundRequest) (*provider.RoundResult, error) {
	if p.client == nil {
		return nil, taskerrors.New(taskerrors.CodeGatewayConfig, p.Notes())
	}

	messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, taskerrors.Wrap(taskerrors.CodeInternal, err, "preparing ollama messages")
	}

	model := req.Model
	if model == "" || model == plan.DefaultModel {
		model = p.cfg.Model
	}
	stream := false
	chat := &api.ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   &stream,
		Options:  map[string]any{},
	}
	if req.MaxTokens > 0 {
		chat.Options["num_predict"] = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return nil, taskerrors.Wrap(taskerrors.CodeInternal, err, "preparing ollama tools")
		}
		chat.Tools = tools
	}

	roundCtx, cancel := context.WithTimeout(ctx, provider.EffectiveTimeout(req.Timeout, p.ceiling))
	defer cancel()

	start := time.Now()
	var resp api.ChatResponse
	var seen bool
	err = p.client.Chat(roundCtx, chat, func(r api.ChatResponse) error {
		resp = r
		seen = true
		return nil
	})
	if err != nil {
		p.logger.Debug("round %s failed: %v", req.RequestID, err)
		return nil, classifyError(ctx, roundCtx, err)
	}
	latency := time.Since(start).Milliseconds()

	if !seen || !resp.Done {
		return nil, taskerrors.New(taskerrors.CodeGatewayResponseInvalid, "ollama response was incomplete")
	}
	res, err := toResult(req.RequestID, model, &resp)
	if err != nil {
		return nil, err
	}
	res.ProviderLatencyMS = &latency
	if err := provider.ValidateResult(req, res); err != nil {
		return nil, err
	}
	return res, nil
}

// classifyError maps Ollama status errors onto HTTP classification. A missing model is a
// configuration problem, not something a retry can fix.
func classifyError(caller, round context.Context, err error) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode == 404 && strings.Contains(statusErr.ErrorMessage, "not found") {
			return taskerrors.Wrap(taskerrors.CodeGatewayConfig, err, "ollama model is not available")
		}
		return provider.ClassifyError(caller, round, err, statusErr.StatusCode)
	}
	return provider.ClassifyError(caller, round, err, 0)
}

func convertMessages(messages []provider.Message) ([]api.Message, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("message list cannot be empty")
	}
	out := make([]api.Message, 0, len(messages))
	for i := range messages {
		msg := &messages[i]
		m := api.Message{Role: string(msg.Role), Content: msg.Content}
		switch msg.Role {
		case provider.RoleSystem, provider.RoleUser:
		case provider.RoleTool:
			m.ToolCallID = msg.ToolCallID
		case provider.RoleAssistant:
			for _, call := range msg.ToolCalls {
				args, err := toArguments(call.Arguments)
				if err != nil {
					return nil, fmt.Errorf("encoding arguments for %s: %w", call.CallID, err)
				}
				m.ToolCalls = append(m.ToolCalls, api.ToolCall{
					ID:       call.CallID,
					Function: api.ToolCallFunction{Name: call.Name, Arguments: args},
				})
			}
		default:
			return nil, fmt.Errorf("unsupported message role %q", msg.Role)
		}
		out = append(out, m)
	}
	return out, nil
}

// The SDK's argument and parameter types serialize as plain JSON objects, so they are built
// through their JSON form.
func toArguments(args map[string]any) (api.ToolCallFunctionArguments, error) {
	var out api.ToolCallFunctionArguments
	if args == nil {
		args = map[string]any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(data, &out)
	return out, err
}

func fromArguments(args api.ToolCallFunctionArguments) (map[string]any, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if string(data) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func convertTools(specs []provider.ToolSpec) (api.Tools, error) {
	tools := make(api.Tools, 0, len(specs))
	for i := range specs {
		spec := &specs[i]
		schema := spec.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		data, err := json.Marshal(schema)
		if err != nil {
			return nil, fmt.Errorf("encoding schema for %s: %w", spec.Name, err)
		}
		var params api.ToolFunctionParameters
		if err := json.Unmarshal(data, &params); err != nil {
			return nil, fmt.Errorf("decoding schema for %s: %w", spec.Name, err)
		}
		tools = append(tools, api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  params,
			},
		})
	}
	return tools, nil
}

func toResult(requestID, model string, resp *api.ChatResponse) (*provider.RoundResult, error) {
	calls := make([]provider.ToolCall, 0, len(resp.Message.ToolCalls))
	for i := range resp.Message.ToolCalls {
		tc := &resp.Message.ToolCalls[i]
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		args, err := fromArguments(tc.Function.Arguments)
		if err != nil {
			return nil, taskerrors.Wrap(taskerrors.CodeGatewayResponseInvalid, err,
				fmt.Sprintf("tool call %s arguments are not a JSON object", id))
		}
		calls = append(calls, provider.ToolCall{CallID: id, Name: tc.Function.Name, Arguments: args})
	}

	res := &provider.RoundResult{
		RequestID:  requestID,
		OutputText: resp.Message.Content,
		ToolCalls:  calls,
		Model:      model,
		Usage: &provider.Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
		},
	}
	if resp.Model != "" {
		res.Model = resp.Model
	}
	return res, nil
}
