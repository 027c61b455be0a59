package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskengine/pkg/safefetch"
)

func TestClockTool(t *testing.T) {
	fixed := time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)
	tool := NewClockTool(func() time.Time { return fixed })
	assert.Equal(t, ToolClock, tool.Name())
	assert.False(t, tool.Critical())

	tests := []struct {
		name    string
		args    map[string]any
		time    string
		weekday string
		isError bool
	}{
		{"default utc", map[string]any{}, "2025-03-14T15:09:26Z", "Friday", false},
		{"named zone", map[string]any{"timezone": "Asia/Tokyo"}, "2025-03-15T00:09:26+09:00", "Saturday", false},
		{"unknown zone", map[string]any{"timezone": "Mars/Olympus"}, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tool.Exec(context.Background(), tt.args)
			require.NoError(t, err)
			assert.Equal(t, tt.isError, res.IsError)

			var payload map[string]any
			require.NoError(t, json.Unmarshal([]byte(res.Content), &payload))
			if tt.isError {
				assert.Equal(t, false, payload["success"])
				return
			}
			assert.Equal(t, tt.time, payload["time"])
			assert.Equal(t, tt.weekday, payload["weekday"])
			assert.Equal(t, float64(fixed.Unix()), payload["unix"])
		})
	}
}

func TestBuiltin(t *testing.T) {
	fetch := safefetch.New(safefetch.Options{AllowHosts: []string{"example.com"}})

	r, err := Builtin(fetch, []string{ToolWebFetch, ToolClock})
	require.NoError(t, err)
	assert.True(t, r.Sealed())
	assert.ElementsMatch(t, []string{ToolWebFetch, ToolClock}, r.Names())

	_, err = Builtin(nil, []string{ToolWebFetch})
	assert.Error(t, err)

	_, err = Builtin(fetch, []string{"shell"})
	assert.True(t, errors.Is(err, ErrToolNotFound))

	_, err = Builtin(fetch, []string{ToolClock, ToolClock})
	assert.Error(t, err)
}
