package testkit

import (
	"context"
	"sync"

	"taskengine/pkg/provider"
	"taskengine/pkg/taskerrors"
)

// Final builds a round result that ends the loop with text output.
func Final(text string) *provider.RoundResult {
	return &provider.RoundResult{
		OutputText: text,
		Usage:      &provider.Usage{PromptTokens: 10, CompletionTokens: 5},
	}
}

// Empty builds a final round result with no output.
func Empty() *provider.RoundResult {
	return &provider.RoundResult{Usage: &provider.Usage{PromptTokens: 10}}
}

// Call builds a tool call.
func Call(id, name string, args map[string]any) provider.ToolCall {
	if args == nil {
		args = map[string]any{}
	}
	return provider.ToolCall{CallID: id, Name: name, Arguments: args}
}

// CallTools builds a round result requesting tool calls.
func CallTools(calls ...provider.ToolCall) *provider.RoundResult {
	return &provider.RoundResult{
		ToolCalls: calls,
		Usage:     &provider.Usage{PromptTokens: 10, CompletionTokens: 5},
	}
}

// Step scripts one provider round.
type Step func(ctx context.Context, req *provider.RoundRequest) (*provider.RoundResult, error)

// Respond answers with a copy of res tagged with the request id.
func Respond(res *provider.RoundResult) Step {
	return func(_ context.Context, req *provider.RoundRequest) (*provider.RoundResult, error) {
		out := *res
		out.RequestID = req.RequestID
		out.ToolCalls = append([]provider.ToolCall(nil), res.ToolCalls...)
		return &out, nil
	}
}

// Fail answers with err.
func Fail(err error) Step {
	return func(context.Context, *provider.RoundRequest) (*provider.RoundResult, error) {
		return nil, err
	}
}

// Block waits until the round's context ends, the way a hung backend would.
func Block() Step {
	return func(ctx context.Context, _ *provider.RoundRequest) (*provider.RoundResult, error) {
		<-ctx.Done()
		return nil, taskerrors.Wrap(taskerrors.CodeRunCanceled, ctx.Err(), "round canceled")
	}
}

// ScriptedProvider is a provider.Provider that plays back scripted steps per task. When a
// task's script runs out, its last step repeats.
type ScriptedProvider struct {
	defaults []Step
	byTask   map[string][]Step
	served   map[string]int
	requests []provider.RoundRequest
	mu       sync.Mutex
}

// NewScriptedProvider creates a provider whose tasks all follow steps unless overridden with OnTask.
func NewScriptedProvider(steps ...Step) *ScriptedProvider {
	return &ScriptedProvider{
		defaults: steps,
		byTask:   make(map[string][]Step),
		served:   make(map[string]int),
	}
}

// OnTask scripts rounds for one task.
func (s *ScriptedProvider) OnTask(task string, steps ...Step) *ScriptedProvider {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTask[task] = steps
	return s
}

// ID implements provider.Provider.
func (s *ScriptedProvider) ID() string { return "scripted" }

// SupportsTools implements provider.Provider.
func (s *ScriptedProvider) SupportsTools() bool { return true }

// Enabled implements provider.Provider.
func (s *ScriptedProvider) Enabled() bool { return true }

// Notes implements provider.Provider.
func (s *ScriptedProvider) Notes() string { return "scripted test provider" }

// ExecuteRound implements provider.Provider.
func (s *ScriptedProvider) ExecuteRound(ctx context.Context, req *provider.RoundRequest) (*provider.RoundResult, error) {
	s.mu.Lock()
	s.requests = append(s.requests, *req)
	steps, ok := s.byTask[req.TaskName]
	if !ok {
		steps = s.defaults
	}
	idx := s.served[req.TaskName]
	s.served[req.TaskName]++
	s.mu.Unlock()

	if len(steps) == 0 {
		return Respond(Final("ok"))(ctx, req)
	}
	return steps[min(idx, len(steps)-1)](ctx, req)
}

// Requests returns every round request received, in arrival order.
func (s *ScriptedProvider) Requests() []provider.RoundRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]provider.RoundRequest(nil), s.requests...)
}

// RequestsFor returns the round requests received for one task.
func (s *ScriptedProvider) RequestsFor(task string) []provider.RoundRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []provider.RoundRequest
	for i := range s.requests {
		if s.requests[i].TaskName == task {
			out = append(out, s.requests[i])
		}
	}
	return out
}
