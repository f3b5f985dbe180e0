// Package agents defines the collaborator interfaces the pipeline runs
// through and the typed results they exchange. Default heuristic
// implementations live alongside; model-backed implementations satisfy the
// same interfaces.
package agents

import (
	"context"

	"github.com/glasslabs/glassbox/internal/trace"
)

// RiskLevel grades how dangerous a request is.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// QueryType is the high-level shape of the question.
type QueryType string

const (
	QueryDrugInfo        QueryType = "drug_info"
	QueryDrugInteraction QueryType = "drug_interaction"
	QueryGeneral         QueryType = "general_question"
)

// AgeGroup is the detected audience of the answer.
type AgeGroup string

const (
	AgeChild   AgeGroup = "child"
	AgeTeen    AgeGroup = "teen"
	AgeAdult   AgeGroup = "adult"
	AgeElderly AgeGroup = "elderly"
	AgeUnknown AgeGroup = "unknown"
)

// Classification is the result of the classify stage.
type Classification struct {
	Intent       string    `json:"intent"`
	QueryType    QueryType `json:"query_type"`
	RiskLevel    RiskLevel `json:"risk_level"`
	NeedsHandoff bool      `json:"needs_handoff"`
	Explanation  string    `json:"explanation"`
	AgeGroup     AgeGroup  `json:"age_group"`
}

// SafetyAssessment is the result of the safety stage.
type SafetyAssessment struct {
	RiskLevel    RiskLevel `json:"risk_level"`
	NeedsHandoff bool      `json:"needs_handoff"`
	Explanation  string    `json:"explanation"`
	Summary      string    `json:"summary"`
}

// EvidenceItem is one source backing an answer.
type EvidenceItem struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// Answer is the canonical, professional-register answer from the
// reasoning stage, before persona adaptation.
type Answer struct {
	Canonical string         `json:"canonical_answer"`
	Warnings  string         `json:"warnings"`
	Citations []string       `json:"citations"`
	Evidence  []EvidenceItem `json:"evidence,omitempty"`
}

// PersonaAnswer is the user-facing rendition of an Answer.
type PersonaAnswer struct {
	Text          string   `json:"text"`
	AgeGroup      AgeGroup `json:"age_group"`
	Tone          string   `json:"tone"`
	SafetyLevel   string   `json:"safety_level"`
	NeedsHandoff  bool     `json:"needs_handoff"`
	SafetyMessage string   `json:"safety_message"`
	Citations     []string `json:"citations"`
}

// Verdict is the judge's final call on an answer.
type Verdict string

const (
	VerdictSafe       Verdict = "SAFE"
	VerdictBorderline Verdict = "BORDERLINE"
	VerdictUnsafe     Verdict = "UNSAFE"
)

// JudgeVerdict is the result of the judge stage.
type JudgeVerdict struct {
	Verdict        Verdict `json:"verdict"`
	Notes          string  `json:"notes"`
	AdjustedAnswer string  `json:"adjusted_answer,omitempty"`
}

// Apply resolves the verdict against the original answer: SAFE keeps the
// original, otherwise the adjusted text replaces it when present.
func (v JudgeVerdict) Apply(original PersonaAnswer) PersonaAnswer {
	if v.Verdict == VerdictSafe || v.AdjustedAnswer == "" {
		return original
	}
	adjusted := original
	adjusted.Text = v.AdjustedAnswer
	return adjusted
}

// TraceExplanation carries both registers of the run explanation.
type TraceExplanation struct {
	Technical    string `json:"trace_explanation_technical"`
	UserFriendly string `json:"trace_explanation_user_friendly"`
}

// Classifier detects intent, risk, and audience for raw user input.
type Classifier interface {
	Classify(ctx context.Context, input string) (Classification, error)
}

// SafetyAdvisor grades the medical risk of proceeding with a request.
type SafetyAdvisor interface {
	EvaluateRisk(ctx context.Context, input string, cls Classification) (SafetyAssessment, error)
}

// ReasoningEngine produces the canonical evidence-backed answer.
type ReasoningEngine interface {
	Answer(ctx context.Context, input string, cls Classification, safety SafetyAssessment) (Answer, error)
}

// PersonaAdapter rewrites the canonical answer for the detected audience.
type PersonaAdapter interface {
	Adapt(ctx context.Context, input string, answer Answer, safety SafetyAssessment, age AgeGroup) (PersonaAnswer, error)
}

// Judge performs the final safety and quality check on the user-facing
// answer before it leaves the pipeline.
type Judge interface {
	Evaluate(ctx context.Context, input string, facing PersonaAnswer, canonical Answer, safety SafetyAssessment) (JudgeVerdict, error)
}

// Explainer narrates the recorded trace of a run in both a technical and a
// user-friendly register.
type Explainer interface {
	Explain(ctx context.Context, sess *trace.Session, input, finalAnswer string) (TraceExplanation, error)
}

// Collaborators bundles one implementation of every stage role.
type Collaborators struct {
	Classifier Classifier
	Safety     SafetyAdvisor
	Reasoning  ReasoningEngine
	Persona    PersonaAdapter
	Judge      Judge
	Explainer  Explainer
}

// DefaultCollaborators returns the built-in heuristic implementations.
func DefaultCollaborators() Collaborators {
	return Collaborators{
		Classifier: NewHeuristicClassifier(),
		Safety:     NewHeuristicSafetyAdvisor(),
		Reasoning:  NewHeuristicReasoner(),
		Persona:    NewHeuristicPersona(),
		Judge:      NewHeuristicJudge(),
		Explainer:  NewHeuristicExplainer(),
	}
}
