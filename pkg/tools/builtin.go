package tools

import (
	"fmt"

	"taskengine/pkg/safefetch"
)

// Builtin returns a sealed registry holding the named built-in tools.
// web_fetch needs a policy client; clock needs nothing.
func Builtin(fetch *safefetch.Client, names []string) (*Registry, error) {
	r := NewRegistry()
	for _, name := range names {
		var tool Tool
		switch name {
		case ToolWebFetch:
			if fetch == nil {
				return nil, fmt.Errorf("%s requires an outbound policy client", ToolWebFetch)
			}
			tool = NewWebFetchTool(fetch)
		case ToolClock:
			tool = NewClockTool(nil)
		default:
			return nil, fmt.Errorf("%w: no built-in tool %q", ErrToolNotFound, name)
		}
		if err := r.Register(tool); err != nil {
			return nil, err
		}
	}
	r.Seal()
	return r, nil
}
