// Package gemini adapts the Google Gemini generateContent API to the provider contract.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/genai"

	"taskengine/pkg/config"
	"taskengine/pkg/logx"
	"taskengine/pkg/plan"
	"taskengine/pkg/provider"
	"taskengine/pkg/safefetch"
	"taskengine/pkg/taskerrors"
)

// ProviderID is the id this backend reports.
const ProviderID = "gemini"

// Gemini uses "model" where the transcript says "assistant".
const (
	roleUser  = "user"
	roleModel = "model"
)

// Provider calls Gemini models through the genai SDK, routed through the outbound policy.
type Provider struct {
	client  *genai.Client
	cfg     config.SDKProviderConfig
	logger  *logx.Logger
	ceiling time.Duration
	reason  string
}

// New creates a Gemini provider. The provider is disabled without an API key or outbound client,
// or when the SDK rejects the client configuration.
func New(cfg config.SDKProviderConfig, fetch *safefetch.Client, ceiling time.Duration) *Provider {
	p := &Provider{
		cfg:     cfg,
		ceiling: ceiling,
		logger:  logx.NewLogger("gemini"),
	}
	switch {
	case cfg.APIKey == "":
		p.reason = "GEMINI_API_KEY is not set"
		return p
	case fetch == nil:
		p.reason = "no outbound client"
		return p
	}

	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: fetch.HTTPClient(),
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		p.reason = fmt.Sprintf("client configuration rejected: %v", err)
		return p
	}
	p.client = client
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
	return "enabled: default model " + p.cfg.Model
}

// ExecuteRound implements provider.Provider.
func (p *Provider) ExecuteRound(ctx context.Context, req *provider.RoundRequest) (*provider.RoundResult, error) {
	if p.client == nil {
		return nil, taskerrors.New(taskerrors.CodeGatewayConfig, p.Notes())
	}

	contents, system, err := convertMessages(req.Messages)
	if err != nil {
		return nil, taskerrors.Wrap(taskerrors.CodeInternal, err, "preparing gemini contents")
	}

	model := req.Model
	if model == "" || model == plan.DefaultModel {
		model = p.cfg.Model
	}
	gc := &genai.GenerateContentConfig{}
	if req.MaxTokens > 0 {
		//nolint:gosec // MaxTokens is bounded by plan validation
		gc.MaxOutputTokens = int32(req.MaxTokens)
	}
	if system != "" {
		gc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if len(req.Tools) > 0 {
		gc.Tools = []*genai.Tool{{FunctionDeclarations: convertTools(req.Tools)}}
	}

	roundCtx, cancel := context.WithTimeout(ctx, provider.EffectiveTimeout(req.Timeout, p.ceiling))
	defer cancel()

	start := time.Now()
	resp, err := p.client.Models.GenerateContent(roundCtx, model, contents, gc)
	if err != nil {
		p.logger.Debug("round %s failed: %v", req.RequestID, err)
		return nil, provider.ClassifyError(ctx, roundCtx, err, statusOf(err))
	}
	latency := time.Since(start).Milliseconds()

	res, err := toResult(req.RequestID, model, resp)
	if err != nil {
		return nil, err
	}
	res.ProviderLatencyMS = &latency
	if err := provider.ValidateResult(req, res); err != nil {
		return nil, err
	}
	return res, nil
}

func statusOf(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code
	}
	return 0
}

// convertMessages splits system messages into the system instruction and maps the rest to
// contents. Consecutive tool results share one user content, each naming the function it answers.
func convertMessages(messages []provider.Message) ([]*genai.Content, string, error) {
	var system string
	contents := make([]*genai.Content, 0, len(messages))
	callNames := map[string]string{}
	lastWasTool := false

	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case provider.RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			lastWasTool = false

		case provider.RoleUser:
			contents = append(contents, &genai.Content{Role: roleUser, Parts: []*genai.Part{{Text: msg.Content}}})
			lastWasTool = false

		case provider.RoleAssistant:
			parts := make([]*genai.Part, 0, len(msg.ToolCalls)+1)
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, call := range msg.ToolCalls {
				callNames[call.CallID] = call.Name
				args := call.Arguments
				if args == nil {
					args = map[string]any{}
				}
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: call.CallID, Name: call.Name, Args: args}})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: roleModel, Parts: parts})
			}
			lastWasTool = false

		case provider.RoleTool:
			name := msg.Name
			if name == "" {
				name = callNames[msg.ToolCallID]
			}
			if name == "" {
				return nil, "", fmt.Errorf("tool result %s answers no known call", msg.ToolCallID)
			}
			part := &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:   msg.ToolCallID,
				Name: name,
				Response: map[string]any{
					"content":  msg.Content,
					"is_error": msg.IsError,
				},
			}}
			if lastWasTool {
				last := contents[len(contents)-1]
				last.Parts = append(last.Parts, part)
			} else {
				contents = append(contents, &genai.Content{Role: roleUser, Parts: []*genai.Part{part}})
			}
			lastWasTool = true

		default:
			return nil, "", fmt.Errorf("unsupported message role %q", msg.Role)
		}
	}
	if len(contents) == 0 {
		return nil, "", fmt.Errorf("message list cannot be empty")
	}
	return contents, system, nil
}

func convertTools(specs []provider.ToolSpec) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(specs))
	for i := range specs {
		spec := &specs[i]
		params := convertSchema(spec.InputSchema)
		if params.Type == "" {
			params.Type = genai.TypeObject
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  params,
		})
	}
	return decls
}

// convertSchema maps a JSON Schema object onto the subset genai.Schema expresses.
// Unknown types become strings.
func convertSchema(raw map[string]any) *genai.Schema {
	schema := &genai.Schema{}
	if raw == nil {
		return schema
	}
	if desc, ok := raw["description"].(string); ok {
		schema.Description = desc
	}
	switch raw["type"] {
	case "object":
		schema.Type = genai.TypeObject
	case "array":
		schema.Type = genai.TypeArray
	case "number":
		schema.Type = genai.TypeNumber
	case "integer":
		schema.Type = genai.TypeInteger
	case "boolean":
		schema.Type = genai.TypeBoolean
	case nil:
	default:
		schema.Type = genai.TypeString
	}

	if props, ok := raw["properties"].(map[string]any); ok && len(props) > 0 {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, v := range props {
			child, _ := v.(map[string]any)
			schema.Properties[name] = convertSchema(child)
		}
	}
	if items, ok := raw["items"].(map[string]any); ok {
		schema.Items = convertSchema(items)
	}
	schema.Required = stringList(raw["required"])
	schema.Enum = stringList(raw["enum"])
	return schema
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func toResult(requestID, model string, resp *genai.GenerateContentResponse) (*provider.RoundResult, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, taskerrors.New(taskerrors.CodeGatewayResponseInvalid, "gemini response has no candidates")
	}

	fcs := resp.FunctionCalls()
	calls := make([]provider.ToolCall, 0, len(fcs))
	for i, fc := range fcs {
		// Gemini omits call ids on some models.
		id := fc.ID
		if id == "" {
			id = fmt.Sprintf("%s_%d", fc.Name, i)
		}
		args := fc.Args
		if args == nil {
			args = map[string]any{}
		}
		calls = append(calls, provider.ToolCall{CallID: id, Name: fc.Name, Arguments: args})
	}

	res := &provider.RoundResult{
		RequestID:  requestID,
		OutputText: resp.Text(),
		ToolCalls:  calls,
		Model:      model,
	}
	if resp.ModelVersion != "" {
		res.Model = resp.ModelVersion
	}
	if um := resp.UsageMetadata; um != nil {
		res.Usage = &provider.Usage{
			PromptTokens:     int(um.PromptTokenCount),
			CompletionTokens: int(um.CandidatesTokenCount),
		}
	}
	return res, nil
}
