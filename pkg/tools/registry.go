package tools

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"taskengine/pkg/logx"
	"taskengine/pkg/provider"
	"taskengine/pkg/taskerrors"
)

// Registry errors.
var (
	ErrToolNotFound   = errors.New("tool not registered")
	ErrToolNotAllowed = errors.New("tool not allowed for this task")
	ErrRegistrySealed = errors.New("tool registry sealed")
	ErrDuplicateTool  = errors.New("tool already registered")
)

// Registry holds tools by name. It is built once, sealed, and then only read.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Registry struct {
	mu     sync.RWMutex
	sealed bool
	tools  map[string]Tool
	logger *logx.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logx.NewLogger("tools"),
	}
}

// Register adds a tool. It fails after Seal or when the name is taken.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("tool cannot be nil")
	}
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("%w: cannot register tool %q", ErrRegistrySealed, name)
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateTool, name)
	}
	r.tools[name] = tool
	return nil
}

// MustRegister is like Register but panics on error. Use while wiring built-ins.
func (r *Registry) MustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// Seal prevents further registrations.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}
	return tool, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns the definitions of every registered tool, sorted by name.
func (r *Registry) List() []Definition {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// Definitions returns the definitions of the allowed tools that are registered, in the order given.
func (r *Registry) Definitions(allowed []string) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(allowed))
	for _, name := range allowed {
		if tool, ok := r.tools[name]; ok {
			defs = append(defs, tool.Definition())
		}
	}
	return defs
}

// Specs returns provider declarations for the allowed tools that are registered, in the order given.
func (r *Registry) Specs(allowed []string) []provider.ToolSpec {
	defs := r.Definitions(allowed)
	specs := make([]provider.ToolSpec, 0, len(defs))
	for _, def := range defs {
		specs = append(specs, provider.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.InputSchema.Map(),
		})
	}
	return specs
}

// Invoke runs one provider tool call for a task that may use allowed. Unknown, disallowed and
// malformed calls, and failures of non-critical tools, come back as error results for the
// transcript. Only a critical tool's failure is returned as an error (TOOL_FAILED).
func (r *Registry) Invoke(ctx context.Context, call provider.ToolCall, allowed []string) (*ExecResult, error) {
	if !slices.Contains(allowed, call.Name) {
		return errorResult(fmt.Sprintf("%v: %q", ErrToolNotAllowed, call.Name))
	}
	tool, err := r.Get(call.Name)
	if err != nil {
		return errorResult(err.Error())
	}
	if err := ValidateArguments(tool.Definition().InputSchema.Map(), call.Arguments); err != nil {
		return errorResult(err.Error())
	}

	start := time.Now()
	result, err := safeExec(ctx, tool, call.Arguments)
	duration := time.Since(start)

	if err != nil {
		r.logger.Error("Tool %s failed after %.3fs: %v", call.Name, duration.Seconds(), err)
		if tool.Critical() {
			return nil, taskerrors.Wrap(taskerrors.CodeToolFailed, err, fmt.Sprintf("critical tool %q failed", call.Name))
		}
		return errorResult(fmt.Sprintf("Tool failed: %v", err))
	}
	r.logger.Info("Tool %s completed in %.3fs", call.Name, duration.Seconds())
	if result == nil {
		return &ExecResult{}, nil
	}
	return result, nil
}

// safeExec converts a panicking tool into an error.
func safeExec(ctx context.Context, tool Tool, args map[string]any) (result *ExecResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool %s panicked: %v", tool.Name(), p)
		}
	}()
	return tool.Exec(ctx, args)
}

// Documentation renders a markdown list of the given definitions.
func Documentation(defs []Definition) string {
	if len(defs) == 0 {
		return "No tools available"
	}
	var doc strings.Builder
	doc.WriteString("## Available Tools\n\n")
	for i := range defs {
		doc.WriteString(fmt.Sprintf("- **%s** - %s\n", defs[i].Name, defs[i].Description))
	}
	return doc.String()
}
