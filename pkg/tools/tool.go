// Package tools provides the named capabilities a task may invoke mid-loop, the registry that
// holds them, and validation of provider-supplied arguments against each tool's input schema.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Property describes one argument of a tool.
type Property struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// InputSchema is the JSON-schema object a tool accepts.
//
//nolint:govet // fieldalignment: schema order preferred
type InputSchema struct {
	Type                 string              `json:"type"`
	Properties           map[string]Property `json:"properties"`
	Required             []string            `json:"required,omitempty"`
	AdditionalProperties bool                `json:"additionalProperties"`
}

// Map returns the schema as a generic JSON-schema value, the form providers and validation consume.
func (s InputSchema) Map() map[string]any {
	props := make(map[string]any, len(s.Properties))
	for name, p := range s.Properties {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			enum := make([]any, len(p.Enum))
			for i, v := range p.Enum {
				enum[i] = v
			}
			prop["enum"] = enum
		}
		props[name] = prop
	}
	required := make([]any, len(s.Required))
	for i, r := range s.Required {
		required[i] = r
	}
	typ := s.Type
	if typ == "" {
		typ = "object"
	}
	return map[string]any{
		"type":                 typ,
		"properties":           props,
		"required":             required,
		"additionalProperties": s.AdditionalProperties,
	}
}

// Definition is what a provider sees of a tool.
type Definition struct {
	Name        string
	Description string
	InputSchema InputSchema
}

// ExecResult is a tool's answer. IsError results are fed back to the model, not raised.
type ExecResult struct {
	Content string
	IsError bool
}

// Tool is a named capability.
type Tool interface {
	// Name returns the registry key.
	Name() string
	// Definition returns the declaration sent to providers.
	Definition() Definition
	// Critical tools fail the task when Exec returns an error instead of reporting it to the model.
	Critical() bool
	// Exec runs the tool with validated arguments.
	Exec(ctx context.Context, args map[string]any) (*ExecResult, error)
}

// jsonResult marshals a map payload into a result.
func jsonResult(payload map[string]any, isError bool) (*ExecResult, error) {
	content, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &ExecResult{Content: string(content), IsError: isError}, nil
}

// errorResult creates an error result response.
func errorResult(errMsg string) (*ExecResult, error) {
	return jsonResult(map[string]any{
		"success": false,
		"error":   errMsg,
	}, true)
}
