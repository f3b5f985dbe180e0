// Package trace provides the append-only session ledger for Glassbox.
// Every pipeline run owns one Session; the orchestrator and tool dispatcher
// append typed Steps to it, and finalized sessions are persisted for
// offline analysis.
package trace

import (
	"time"
)

// StepType identifies the kind of recorded event.
type StepType string

const (
	StepDecision        StepType = "decision"
	StepToolCall        StepType = "tool_call"
	StepMemoryUpdate    StepType = "memory_update"
	StepStateTransition StepType = "state_transition"
)

// ErrorKind classifies why a step failed, so the analyzer can distinguish
// failure causes without parsing error strings.
type ErrorKind string

const (
	ErrorKindNone            ErrorKind = ""
	ErrorKindValidation      ErrorKind = "validation"
	ErrorKindUpstreamTimeout ErrorKind = "upstream_timeout"
	ErrorKindUpstreamFailure ErrorKind = "upstream_failure"
	ErrorKindInternal        ErrorKind = "internal"
)

// Step is one recorded event within a session.
type Step struct {
	// StepID is monotonic per session, starting at 1 with no gaps.
	StepID int `json:"step_id"`

	// Type categorizes the step.
	Type StepType `json:"type"`

	// Timestamp when the step was recorded.
	Timestamp time.Time `json:"timestamp"`

	// Input is a snapshot of the data going into this step.
	Input any `json:"input"`

	// Output is a snapshot of the result of this step.
	Output any `json:"output"`

	// Metadata carries additional context (stage name, status, model, ...).
	Metadata map[string]any `json:"metadata,omitempty"`

	// Success indicates whether the step succeeded.
	Success bool `json:"success"`

	// ToolName is set for tool_call steps.
	ToolName string `json:"tool_name,omitempty"`

	// DurationMs is set for tool_call steps.
	DurationMs float64 `json:"duration_ms,omitempty"`

	// Error holds the failure message when Success is false.
	Error string `json:"error,omitempty"`

	// ErrorKind classifies the failure when Success is false.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
}

// Metadata aggregates per-session counters.
type Metadata struct {
	TotalSteps         int     `json:"total_steps"`
	TotalToolCalls     int     `json:"total_tool_calls"`
	TotalDecisions     int     `json:"total_decisions"`
	TotalMemoryUpdates int     `json:"total_memory_updates"`
	DurationSeconds    float64 `json:"duration_seconds,omitempty"`
}

// Session is one end-to-end pipeline run and its full recorded trace.
// A session is mutable only through the Ledger while active; once ended
// it is immutable.
type Session struct {
	SessionID string `json:"session_id"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// Steps in append order. Step ids form the dense sequence 1..N.
	Steps []Step `json:"steps"`

	Metadata Metadata `json:"metadata"`

	// FinalAnswer is the answer text returned to the user, recorded at end
	// so the analyzer can cross-check it against evidence tool calls.
	FinalAnswer string `json:"final_answer,omitempty"`
}

// Ended reports whether the session has been finalized.
func (s *Session) Ended() bool {
	return s.EndedAt != nil
}

// ToolCalls returns the tool_call steps in order.
func (s *Session) ToolCalls() []Step {
	var out []Step
	for _, st := range s.Steps {
		if st.Type == StepToolCall {
			out = append(out, st)
		}
	}
	return out
}

// DiffEntry records one changed key in a memory-update diff.
type DiffEntry struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Diff computes a shallow per-key diff between two state maps. Only keys
// whose values changed appear; a key absent on one side diffs against nil.
func Diff(oldState, newState map[string]any) map[string]DiffEntry {
	diff := make(map[string]DiffEntry)
	seen := make(map[string]bool, len(oldState)+len(newState))
	for k := range oldState {
		seen[k] = true
	}
	for k := range newState {
		seen[k] = true
	}
	for k := range seen {
		oldVal := oldState[k]
		newVal := newState[k]
		if !equalValue(oldVal, newVal) {
			diff[k] = DiffEntry{Old: oldVal, New: newVal}
		}
	}
	return diff
}

func equalValue(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	// Values reaching the ledger are JSON-shaped (strings, numbers, bools,
	// maps, slices); compare by rendered form to avoid reflect surprises.
	return render(a) == render(b)
}
