package tools

import (
	"context"
	"time"
)

// ToolClock is the constant name for the clock tool.
const ToolClock = "clock"

// ClockTool reports the current time, optionally in a named time zone.
type ClockTool struct {
	now func() time.Time
}

// NewClockTool creates a clock tool. A nil now uses time.Now.
func NewClockTool(now func() time.Time) *ClockTool {
	if now == nil {
		now = time.Now
	}
	return &ClockTool{now: now}
}

// Name returns the tool name.
func (t *ClockTool) Name() string { return ToolClock }

// Critical implements Tool.
func (t *ClockTool) Critical() bool { return false }

// Definition returns the tool definition for providers.
func (t *ClockTool) Definition() Definition {
	return Definition{
		Name:        ToolClock,
		Description: "Return the current date and time (RFC 3339), the weekday and the Unix timestamp.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"timezone": {
					Type:        "string",
					Description: "IANA time zone such as 'Europe/Berlin' (default UTC)",
				},
			},
		},
	}
}

// Exec executes the clock tool.
func (t *ClockTool) Exec(_ context.Context, args map[string]any) (*ExecResult, error) {
	zone, _ := args["timezone"].(string)
	loc := time.UTC
	if zone != "" {
		l, err := time.LoadLocation(zone)
		if err != nil {
			return errorResult("unknown timezone: " + zone)
		}
		loc = l
	}
	now := t.now().In(loc)
	return jsonResult(map[string]any{
		"success":  true,
		"time":     now.Format(time.RFC3339),
		"weekday":  now.Weekday().String(),
		"unix":     now.Unix(),
		"timezone": loc.String(),
	}, false)
}
