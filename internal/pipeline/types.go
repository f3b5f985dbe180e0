// Package pipeline runs user questions through the fixed agent sequence:
// classify, safety, tool decision, reasoning, persona, judge, explain.
// Every stage records its decisions and state changes in the trace ledger,
// and every stage degrades to a safe fallback instead of failing the run.
package pipeline

import (
	"time"

	"github.com/glasslabs/glassbox/internal/agents"
	"github.com/glasslabs/glassbox/internal/tools"
)

// Stage names, in execution order. Blocked is a terminal stage entered
// when the safety gate refuses the request.
const (
	StageClassify     = "classify"
	StageSafety       = "safety_evaluation"
	StageToolDecision = "tool_decision"
	StageReasoning    = "reasoning"
	StagePersona      = "persona_adaptation"
	StageJudge        = "judge"
	StageExplain      = "explain"
	StageBlocked      = "blocked"
	StageComplete     = "complete"
)

// ToolDecision is the tool-selection outcome for a run.
type ToolDecision struct {
	ToolName  string         `json:"tool_name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Reasoning string         `json:"reasoning"`
}

// ShouldUseTool reports whether a tool was selected.
func (d ToolDecision) ShouldUseTool() bool { return d.ToolName != "" }

// State carries the accumulating result of one run between stages.
type State struct {
	SessionID string
	Input     string

	Stage          string
	Classification agents.Classification
	Safety         agents.SafetyAssessment
	ToolDecision   ToolDecision
	ToolResult     *tools.Result
	Answer         agents.Answer
	Facing         agents.PersonaAnswer
	Verdict        agents.JudgeVerdict
	Explanation    agents.TraceExplanation

	Blocked     bool
	FinalAnswer string
}

// NewState creates the initial state for a run.
func NewState(sessionID, input string) *State {
	return &State{
		SessionID: sessionID,
		Input:     input,
		Stage:     StageClassify,
	}
}

// Snapshot renders the state as a flat map so the ledger can diff
// consecutive snapshots into memory-update steps.
func (s *State) Snapshot() map[string]any {
	snap := map[string]any{
		"stage":   s.Stage,
		"blocked": s.Blocked,
	}
	if s.Classification.RiskLevel != "" {
		snap["intent"] = s.Classification.Intent
		snap["query_type"] = string(s.Classification.QueryType)
		snap["classified_risk"] = string(s.Classification.RiskLevel)
		snap["age_group"] = string(s.Classification.AgeGroup)
	}
	if s.Safety.RiskLevel != "" {
		snap["risk_level"] = string(s.Safety.RiskLevel)
		snap["needs_handoff"] = s.Safety.NeedsHandoff
	}
	if s.ToolDecision.Reasoning != "" {
		snap["tool_name"] = s.ToolDecision.ToolName
	}
	if s.ToolResult != nil {
		snap["tool_success"] = s.ToolResult.Success
	}
	if s.Answer.Canonical != "" {
		snap["has_answer"] = true
		snap["citation_count"] = len(s.Answer.Citations)
	}
	if s.Facing.Text != "" {
		snap["persona_applied"] = true
	}
	if s.Verdict.Verdict != "" {
		snap["verdict"] = string(s.Verdict.Verdict)
	}
	if s.Explanation.UserFriendly != "" {
		snap["explained"] = true
	}
	if s.FinalAnswer != "" {
		snap["final_answer_set"] = true
	}
	return snap
}

// ProgressFunc receives stage announcements while a run executes.
type ProgressFunc func(stage, message string)

// EventType identifies the kind of progress event.
type EventType string

const (
	EventStage    EventType = "stage"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// ProgressEvent is one update emitted by a streaming run.
type ProgressEvent struct {
	Type      EventType `json:"type"`
	Stage     string    `json:"stage,omitempty"`
	Message   string    `json:"message,omitempty"`
	Answer    string    `json:"answer,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	IsFinal   bool      `json:"is_final"`
	Timestamp time.Time `json:"timestamp"`
}
