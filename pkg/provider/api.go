// Package provider defines the contract every model backend satisfies: given one round of
// conversation and the tools a task may use, return either a final answer or tool calls.
package provider

import (
	"context"
	"encoding/json"
	"time"
)

// Role identifies the author of a transcript message.
type Role string

// Transcript roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one provider-requested tool invocation.
type ToolCall struct {
	Arguments map[string]any `json:"arguments"`
	CallID    string         `json:"call_id"`
	Name      string         `json:"name"`
}

// Message is one transcript entry. Assistant messages may carry tool calls; tool messages
// carry exactly one result tagged with the call id they answer.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
}

// ToolSpec declares a tool to the provider.
type ToolSpec struct {
	InputSchema map[string]any `json:"input_schema"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
}

// Usage reports token consumption for one round.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Total returns prompt plus completion tokens.
func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// RoundRequest is one round of a task's tool-calling loop.
// Its JSON form is the gateway wire body.
//
//nolint:govet // fieldalignment: wire order preferred
type RoundRequest struct {
	RequestID string     `json:"request_id"`
	RunID     string     `json:"run_id"`
	TaskName  string     `json:"task_name"`
	Step      int        `json:"step"`
	Attempt   int        `json:"attempt"`
	Model     string     `json:"model"`
	MaxTokens int        `json:"max_tokens"`
	Tier      int        `json:"tier"`
	Messages  []Message  `json:"messages"`
	Tools     []ToolSpec `json:"tools"`

	// Timeout is the task's requested round timeout. Zero means no task-level limit.
	Timeout time.Duration `json:"-"`
}

// RoundResult is a provider's answer to one round.
//
//nolint:govet // fieldalignment: wire order preferred
type RoundResult struct {
	RequestID         string          `json:"request_id"`
	OutputText        string          `json:"output_text,omitempty"`
	OutputJSON        json.RawMessage `json:"output_json,omitempty"`
	ToolCalls         []ToolCall      `json:"tool_calls,omitempty"`
	Usage             *Usage          `json:"usage,omitempty"`
	ProviderLatencyMS *int64          `json:"provider_latency_ms,omitempty"`
	Model             string          `json:"model,omitempty"`
}

// IsFinal reports whether the round ended the loop (no tool calls requested).
func (r *RoundResult) IsFinal() bool {
	return len(r.ToolCalls) == 0
}

// HasOutput reports whether a final round produced any output.
func (r *RoundResult) HasOutput() bool {
	return r.OutputText != "" || len(r.OutputJSON) > 0
}

// Provider is a pluggable model backend.
type Provider interface {
	// ID is the stable provider identifier.
	ID() string
	// SupportsTools reports whether the provider can return tool calls.
	SupportsTools() bool
	// Enabled reports whether the provider has the configuration it needs.
	Enabled() bool
	// Notes is a human-readable availability reason.
	Notes() string
	// ExecuteRound performs one round. Errors are *taskerrors.Error values.
	ExecuteRound(ctx context.Context, req *RoundRequest) (*RoundResult, error)
}
