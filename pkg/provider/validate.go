package provider

import (
	"encoding/json"
	"fmt"

	"taskengine/pkg/taskerrors"
)

// ValidateResult checks a result against the round contract before it is trusted.
// Any violation, including a request id mismatch, is GATEWAY_RESPONSE_INVALID.
func ValidateResult(req *RoundRequest, res *RoundResult) error {
	if res == nil {
		return invalid("empty result")
	}
	if res.RequestID != req.RequestID {
		return invalid(fmt.Sprintf("request_id mismatch: sent %q, got %q", req.RequestID, res.RequestID))
	}
	if len(res.OutputJSON) > 0 && !json.Valid(res.OutputJSON) {
		return invalid("output_json is not valid JSON")
	}
	if res.Usage != nil && (res.Usage.PromptTokens < 0 || res.Usage.CompletionTokens < 0) {
		return invalid("usage token counts must not be negative")
	}
	if res.ProviderLatencyMS != nil && *res.ProviderLatencyMS < 0 {
		return invalid("provider_latency_ms must not be negative")
	}

	seen := make(map[string]bool, len(res.ToolCalls))
	for i := range res.ToolCalls {
		call := &res.ToolCalls[i]
		if call.CallID == "" {
			return invalid(fmt.Sprintf("tool_calls[%d] has no call_id", i))
		}
		if call.Name == "" {
			return invalid(fmt.Sprintf("tool_calls[%d] has no name", i))
		}
		if seen[call.CallID] {
			return invalid(fmt.Sprintf("duplicate call_id %q", call.CallID))
		}
		seen[call.CallID] = true
		if call.Arguments == nil {
			call.Arguments = map[string]any{}
		}
	}
	return nil
}

func invalid(msg string) error {
	return taskerrors.New(taskerrors.CodeGatewayResponseInvalid, msg)
}
