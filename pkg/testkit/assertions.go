// Package testkit provides scripted providers, mock model servers, and assertions over run
// records for tests.
package testkit

import (
	"slices"
	"testing"

	"taskengine/pkg/run"
	"taskengine/pkg/taskerrors"
)

// EventTypes returns the type of every logged event, in order.
func EventTypes(r *run.Run) []run.EventType {
	events := r.Events()
	types := make([]run.EventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

// AssertStatus verifies the run status.
func AssertStatus(t *testing.T, r *run.Run, expected run.Status) {
	t.Helper()
	if status := r.CurrentStatus(); status != expected {
		t.Errorf("Expected run status %s, got %s", expected, status)
	}
}

// AssertFailedWith verifies the run failed with the given error code.
func AssertFailedWith(t *testing.T, r *run.Run, code taskerrors.Code) {
	t.Helper()
	AssertStatus(t, r, run.StatusFailed)
	if r.Error == nil {
		t.Errorf("Expected run error %s, got none", code)
		return
	}
	if r.Error.Code != code {
		t.Errorf("Expected run error %s, got %s (%s)", code, r.Error.Code, r.Error.Message)
	}
}

// AssertEventSequence verifies expected appears in the log as a subsequence: in order, with
// other events allowed in between.
func AssertEventSequence(t *testing.T, r *run.Run, expected ...run.EventType) {
	t.Helper()
	types := EventTypes(r)
	next := 0
	for _, typ := range types {
		if next < len(expected) && typ == expected[next] {
			next++
		}
	}
	if next < len(expected) {
		t.Errorf("Expected event %s (position %d of %v) in log %v", expected[next], next, expected, types)
	}
}

// AssertNoEvent verifies no event of the given type was logged.
func AssertNoEvent(t *testing.T, r *run.Run, typ run.EventType) {
	t.Helper()
	if n := len(r.EventsOf(typ)); n > 0 {
		t.Errorf("Expected no %s events, got %d", typ, n)
	}
}

// AssertToolCallsPaired verifies every tool_call_start has exactly one later tool_call_end with
// the same call id, and no end lacks a start.
func AssertToolCallsPaired(t *testing.T, r *run.Run) {
	t.Helper()
	open := map[string]bool{}
	for _, ev := range r.Events() {
		id, _ := ev.Data["call_id"].(string)
		switch ev.Type {
		case run.EventToolCallStart:
			if open[id] {
				t.Errorf("Tool call %s started twice", id)
			}
			open[id] = true
		case run.EventToolCallEnd:
			if !open[id] {
				t.Errorf("Tool call %s ended without a start", id)
			}
			delete(open, id)
		}
	}
	for id := range open {
		t.Errorf("Tool call %s never ended", id)
	}
}

// AssertTerminalEventLast verifies run_finished is the final logged event and appears once.
func AssertTerminalEventLast(t *testing.T, r *run.Run) {
	t.Helper()
	types := EventTypes(r)
	if len(types) == 0 {
		t.Error("Expected a non-empty event log")
		return
	}
	if last := types[len(types)-1]; last != run.EventRunFinished {
		t.Errorf("Expected last event %s, got %s", run.EventRunFinished, last)
	}
	if idx := slices.Index(types, run.EventRunFinished); idx != len(types)-1 {
		t.Errorf("Expected a single %s event, found one at position %d", run.EventRunFinished, idx)
	}
}
