package testkit

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"taskengine/pkg/safefetch"
)

// LoopbackResolver resolves "localhost" to 127.0.0.1 and nothing else.
type LoopbackResolver struct{}

// LookupIPAddr implements safefetch.Resolver.
func (LoopbackResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	if host == "localhost" {
		return []net.IPAddr{{IP: net.ParseIP("127.0.0.1")}}, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

// LoopbackFetch returns an outbound client that may only reach plain-http localhost.
func LoopbackFetch() *safefetch.Client {
	return safefetch.New(safefetch.Options{
		AllowHosts:             []string{"localhost"},
		AllowInsecureLocalhost: true,
		Timeout:                10 * time.Second,
		Resolver:               LoopbackResolver{},
	})
}

// Reply is one scripted HTTP answer.
type Reply struct {
	Body   any
	Delay  time.Duration // Held until the client gives up when longer than its timeout
	Status int
}

// RecordedRequest is a request the mock server received.
type RecordedRequest struct {
	Header http.Header
	Body   map[string]any
	Path   string
}

// MockServer answers requests with scripted replies in order, repeating the last one.
type MockServer struct {
	*httptest.Server
	requests []RecordedRequest
	replies  []Reply
	mu       sync.Mutex
}

// NewMockServer starts a scripted JSON server that is closed when the test ends.
func NewMockServer(t testing.TB, replies ...Reply) *MockServer {
	t.Helper()
	m := &MockServer{replies: replies}
	m.Server = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.Close)
	return m
}

func (m *MockServer) serve(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(data, &body)

	m.mu.Lock()
	idx := len(m.requests)
	m.requests = append(m.requests, RecordedRequest{Header: r.Header.Clone(), Body: body, Path: r.URL.Path})
	var reply Reply
	if len(m.replies) > 0 {
		reply = m.replies[min(idx, len(m.replies)-1)]
	}
	m.mu.Unlock()

	if reply.Delay > 0 {
		select {
		case <-time.After(reply.Delay):
		case <-r.Context().Done():
			return
		}
	}

	status := reply.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(reply.Body)
}

// LocalURL returns the server address under the host name "localhost", which the loopback
// fetch client permits.
func (m *MockServer) LocalURL() string {
	u, err := url.Parse(m.URL)
	if err != nil {
		return m.URL
	}
	return "http://localhost:" + u.Port()
}

// Requests returns the requests received so far.
func (m *MockServer) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedRequest(nil), m.requests...)
}

// ToolUse is a scripted tool call inside a mock model reply.
type ToolUse struct {
	Input map[string]any
	ID    string
	Name  string
}

// AnthropicMessage builds a Messages API response body.
func AnthropicMessage(model, text string, uses ...ToolUse) map[string]any {
	content := []map[string]any{}
	if text != "" {
		content = append(content, map[string]any{"type": "text", "text": text})
	}
	for _, use := range uses {
		content = append(content, map[string]any{
			"type":  "tool_use",
			"id":    use.ID,
			"name":  use.Name,
			"input": use.Input,
		})
	}
	stop := "end_turn"
	if len(uses) > 0 {
		stop = "tool_use"
	}
	return map[string]any{
		"id":            "msg_mock_12345",
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"content":       content,
		"stop_reason":   stop,
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":  100,
			"output_tokens": 200,
		},
	}
}

// AnthropicError builds a Messages API error body.
func AnthropicError(kind, message string) map[string]any {
	return map[string]any{
		"type":  "error",
		"error": map[string]any{"type": kind, "message": message},
	}
}

// OpenAICompletion builds a Chat Completions response body.
func OpenAICompletion(model, text string, uses ...ToolUse) map[string]any {
	message := map[string]any{"role": "assistant", "content": text}
	finish := "stop"
	if len(uses) > 0 {
		calls := make([]map[string]any, 0, len(uses))
		for _, use := range uses {
			args, _ := json.Marshal(use.Input)
			calls = append(calls, map[string]any{
				"id":       use.ID,
				"type":     "function",
				"function": map[string]any{"name": use.Name, "arguments": string(args)},
			})
		}
		message["tool_calls"] = calls
		finish = "tool_calls"
	}
	return map[string]any{
		"id":      "chatcmpl-mock12345",
		"object":  "chat.completion",
		"created": 1699999999,
		"model":   model,
		"choices": []map[string]any{
			{"index": 0, "message": message, "finish_reason": finish},
		},
		"usage": map[string]any{
			"prompt_tokens":     50,
			"completion_tokens": 100,
			"total_tokens":      150,
		},
	}
}

// OpenAIError builds a Chat Completions error body.
func OpenAIError(kind, message string) map[string]any {
	return map[string]any{
		"error": map[string]any{"type": kind, "message": message, "code": nil, "param": nil},
	}
}

// GeminiResponse builds a generateContent response body.
func GeminiResponse(model, text string, uses ...ToolUse) map[string]any {
	parts := []map[string]any{}
	if text != "" {
		parts = append(parts, map[string]any{"text": text})
	}
	for _, use := range uses {
		call := map[string]any{"name": use.Name, "args": use.Input}
		if use.ID != "" {
			call["id"] = use.ID
		}
		parts = append(parts, map[string]any{"functionCall": call})
	}
	return map[string]any{
		"candidates": []map[string]any{{
			"content":      map[string]any{"role": "model", "parts": parts},
			"finishReason": "STOP",
			"index":        0,
		}},
		"usageMetadata": map[string]any{
			"promptTokenCount":     40,
			"candidatesTokenCount": 60,
			"totalTokenCount":      100,
		},
		"modelVersion": model,
	}
}

// GeminiError builds a Google API error body.
func GeminiError(code int, status, message string) map[string]any {
	return map[string]any{
		"error": map[string]any{"code": code, "status": status, "message": message},
	}
}

// OllamaChat builds a non-streaming /api/chat response body.
func OllamaChat(model, text string, uses ...ToolUse) map[string]any {
	message := map[string]any{"role": "assistant", "content": text}
	if len(uses) > 0 {
		calls := make([]map[string]any, 0, len(uses))
		for _, use := range uses {
			call := map[string]any{"function": map[string]any{"name": use.Name, "arguments": use.Input}}
			if use.ID != "" {
				call["id"] = use.ID
			}
			calls = append(calls, call)
		}
		message["tool_calls"] = calls
	}
	return map[string]any{
		"model":             model,
		"created_at":        "2025-03-14T15:09:26Z",
		"message":           message,
		"done":              true,
		"done_reason":       "stop",
		"prompt_eval_count": 30,
		"eval_count":        20,
	}
}

// OllamaError builds an Ollama error body.
func OllamaError(message string) map[string]any {
	return map[string]any{"error": message}
}
