package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/glasslabs/glassbox/internal/trace"
)

// HeuristicClassifier classifies input with keyword rules. It is the
// default Classifier and the fallback when a model-backed one fails.
type HeuristicClassifier struct{}

// NewHeuristicClassifier returns the keyword classifier.
func NewHeuristicClassifier() *HeuristicClassifier { return &HeuristicClassifier{} }

var emergencyKeywords = []string{
	"chest pain", "difficulty breathing", "can't breathe",
	"severe pain", "passing out", "unconscious",
	"internal bleeding", "cannot stop bleeding", "stroke",
}

var injectionKeywords = []string{
	"ignore instructions", "bypass safety", "jailbreak",
	"pretend to", "act as", "malicious",
}

var drugIndicators = []string{
	"medicine", "medication", "drug", "pill", "tablet", "capsule",
	"ibuprofen", "paracetamol", "aspirin", "tylenol", "advil",
	"acetaminophen", "naproxen", "motrin",
}

func (c *HeuristicClassifier) Classify(_ context.Context, input string) (Classification, error) {
	text := strings.ToLower(input)

	intent := c.detectIntent(text)
	queryType := queryTypeFor(intent)
	age := detectAgeGroup(text)

	if containsAny(text, emergencyKeywords) {
		return Classification{
			Intent:       intent,
			QueryType:    queryType,
			RiskLevel:    RiskHigh,
			NeedsHandoff: true,
			Explanation:  "Potential medical emergency detected.",
			AgeGroup:     age,
		}, nil
	}

	if strings.TrimSpace(input) == "" || containsAny(text, injectionKeywords) {
		return Classification{
			Intent:       intent,
			QueryType:    queryType,
			RiskLevel:    RiskHigh,
			NeedsHandoff: true,
			Explanation:  "Invalid or unsafe input detected.",
			AgeGroup:     age,
		}, nil
	}

	if queryType == QueryDrugInteraction {
		return Classification{
			Intent:       intent,
			QueryType:    queryType,
			RiskLevel:    RiskMedium,
			NeedsHandoff: false,
			Explanation:  "Interaction-related questions require extra caution.",
			AgeGroup:     age,
		}, nil
	}

	return Classification{
		Intent:       intent,
		QueryType:    queryType,
		RiskLevel:    RiskLow,
		NeedsHandoff: false,
		Explanation:  "Safe general health or medication question.",
		AgeGroup:     age,
	}, nil
}

// detectIntent checks interaction patterns before informational ones so
// that "take X and Y" does not match on "take" alone.
func (c *HeuristicClassifier) detectIntent(text string) string {
	interactionPatterns := []string{"interaction", "mix", "combine", "together", "and", "with"}
	if containsAny(text, interactionPatterns) {
		drugCount := 0
		for _, d := range drugIndicators {
			if strings.Contains(text, d) {
				drugCount++
			}
		}
		if drugCount >= 2 || containsAny(text, []string{"interaction", "mix", "combine"}) {
			return "interaction"
		}
	}

	if containsAny(text, []string{"side effect", "dosage", "use", "take"}) {
		return "informational"
	}
	return "other"
}

func queryTypeFor(intent string) QueryType {
	switch intent {
	case "informational":
		return QueryDrugInfo
	case "interaction":
		return QueryDrugInteraction
	default:
		return QueryGeneral
	}
}

func detectAgeGroup(text string) AgeGroup {
	childAges := []string{
		"i'm 8", "i'm 9", "i'm 10", "i'm 11", "i'm 12",
		"i am 8", "i am 9", "i am 10", "i am 11", "i am 12",
		"8 years old", "9 years old", "10 years old",
		"11 years old", "12 years old", "my child", "my kid",
	}
	teenAges := []string{
		"i'm 13", "i'm 14", "i'm 15", "i'm 16", "i'm 17",
		"i am 13", "i am 14", "i am 15", "i am 16", "i am 17",
		"13 years old", "14 years old", "15 years old",
		"16 years old", "17 years old", "teenager", "teen",
	}
	elderlyAges := []string{
		"i'm 65", "i'm 70", "i'm 75", "i'm 80",
		"i am 65", "i am 70", "i am 75", "i am 80",
		"65 years old", "70 years old", "75 years old",
		"elderly", "senior", "retired", "grandmother", "grandfather",
	}

	switch {
	case containsAny(text, childAges):
		return AgeChild
	case containsAny(text, teenAges):
		return AgeTeen
	case containsAny(text, elderlyAges):
		return AgeElderly
	case containsAny(text, []string{"mom", "dad", "mommy", "daddy", "teacher", "school", "homework", "playground"}):
		return AgeChild
	case containsAny(text, []string{"omg", "lol", "tbh", "ngl"}):
		return AgeTeen
	}
	return AgeUnknown
}

func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

// HeuristicSafetyAdvisor echoes the classifier's risk grading. A
// model-backed advisor can override the classifier; the heuristic one
// trusts it.
type HeuristicSafetyAdvisor struct{}

// NewHeuristicSafetyAdvisor returns the echoing safety advisor.
func NewHeuristicSafetyAdvisor() *HeuristicSafetyAdvisor { return &HeuristicSafetyAdvisor{} }

func (s *HeuristicSafetyAdvisor) EvaluateRisk(_ context.Context, _ string, cls Classification) (SafetyAssessment, error) {
	return SafetyAssessment{
		RiskLevel:    cls.RiskLevel,
		NeedsHandoff: cls.NeedsHandoff,
		Explanation:  "Heuristic mode: carrying forward the classifier result.",
		Summary:      "Risk graded from input classification only.",
	}, nil
}

// HeuristicReasoner produces canonical answers from a built-in evidence
// snippet. It stands in for a retrieval-and-synthesis backend.
type HeuristicReasoner struct{}

// NewHeuristicReasoner returns the offline reasoning engine.
func NewHeuristicReasoner() *HeuristicReasoner { return &HeuristicReasoner{} }

func (r *HeuristicReasoner) Answer(_ context.Context, input string, cls Classification, safety SafetyAssessment) (Answer, error) {
	evidence := []EvidenceItem{{
		Title:   "General medication guidance",
		URL:     "https://example.org/medication-guidance",
		Content: "Ibuprofen and paracetamol can be combined safely if dosed correctly. Always follow packaging guidelines.",
	}}

	var citations []string
	for _, e := range evidence {
		if e.URL != "" {
			citations = append(citations, e.URL)
		}
	}

	canonical := fmt.Sprintf(
		"Based on available guidance for a %s question: %s Always verify against the medication's packaging.",
		cls.QueryType, evidence[0].Content)

	return Answer{
		Canonical: canonical,
		Warnings:  warningsFor(safety),
		Citations: citations,
		Evidence:  evidence,
	}, nil
}

func warningsFor(safety SafetyAssessment) string {
	switch {
	case safety.NeedsHandoff || safety.RiskLevel == RiskHigh:
		return "This may represent a high-risk situation. The user should urgently consult a doctor or pharmacist in person."
	case safety.RiskLevel == RiskMedium:
		return "This topic involves medication safety. Recommend the user confirm with a clinician before acting."
	default:
		return "This information is educational only and does not replace professional medical advice."
	}
}

// HeuristicPersona rewrites the canonical answer for the detected
// audience with a fixed tone per age group.
type HeuristicPersona struct{}

// NewHeuristicPersona returns the template-based persona adapter.
func NewHeuristicPersona() *HeuristicPersona { return &HeuristicPersona{} }

func (p *HeuristicPersona) Adapt(_ context.Context, _ string, answer Answer, safety SafetyAssessment, age AgeGroup) (PersonaAnswer, error) {
	if age == AgeUnknown {
		age = AgeAdult
	}

	var tone, lead string
	switch age {
	case AgeChild:
		tone = "gentle"
		lead = "Here's what I found, explained simply: "
	case AgeTeen:
		tone = "casual"
		lead = "Here's the deal: "
	case AgeElderly:
		tone = "respectful"
		lead = "Here is what the sources say: "
	default:
		tone = "friendly"
		lead = "Here's what I found: "
	}

	safetyMessage := answer.Warnings
	text := lead + answer.Canonical
	if safetyMessage != "" {
		text += "\n\n" + safetyMessage
	}

	return PersonaAnswer{
		Text:          text,
		AgeGroup:      age,
		Tone:          tone,
		SafetyLevel:   string(safety.RiskLevel),
		NeedsHandoff:  safety.NeedsHandoff,
		SafetyMessage: safetyMessage,
		Citations:     answer.Citations,
	}, nil
}

// HeuristicJudge runs pattern checks for unsafe dosing language and
// missing warnings on high-risk answers.
type HeuristicJudge struct{}

// NewHeuristicJudge returns the pattern-check judge.
func NewHeuristicJudge() *HeuristicJudge { return &HeuristicJudge{} }

var unsafeDosingPatterns = []string{
	"take 3", "take 4", "take 5",
	"give 5mg", "give 10mg",
	"take now", "take immediately",
	"you should take",
}

var strongWarningWords = []string{"urgent", "emergency", "immediately", "doctor", "pharmacist"}

func (j *HeuristicJudge) Evaluate(_ context.Context, _ string, facing PersonaAnswer, _ Answer, safety SafetyAssessment) (JudgeVerdict, error) {
	text := strings.ToLower(facing.Text)

	if containsAny(text, unsafeDosingPatterns) {
		return JudgeVerdict{
			Verdict: VerdictUnsafe,
			Notes:   "Contains specific dosing instructions that should not be given to users.",
			AdjustedAnswer: "I cannot provide specific dosing instructions. " +
				"Please consult with a doctor or pharmacist who can determine the right dose " +
				"based on your specific situation, age, weight, and medical history.",
		}, nil
	}

	if (safety.RiskLevel == RiskHigh || safety.NeedsHandoff) && !containsAny(text, strongWarningWords) {
		return JudgeVerdict{
			Verdict: VerdictBorderline,
			Notes:   "High risk situation but missing strong safety warnings.",
			AdjustedAnswer: facing.Text +
				"\n\nThis sounds important. Please talk to a doctor or pharmacist, " +
				"or call emergency services right away if you need immediate help.",
		}, nil
	}

	return JudgeVerdict{
		Verdict: VerdictSafe,
		Notes:   "No obvious safety issues detected.",
	}, nil
}

// HeuristicExplainer narrates the recorded trace without a model, walking
// the step list and translating each stage into plain language.
type HeuristicExplainer struct{}

// NewHeuristicExplainer returns the template-based explainer.
func NewHeuristicExplainer() *HeuristicExplainer { return &HeuristicExplainer{} }

func (e *HeuristicExplainer) Explain(_ context.Context, sess *trace.Session, _ string, _ string) (TraceExplanation, error) {
	if sess == nil || len(sess.Steps) == 0 {
		return TraceExplanation{
			Technical:    "No trace steps were recorded for this run.",
			UserFriendly: "I processed your question through safety checks and looked up trusted information.",
		}, nil
	}

	var (
		technical []string
		friendly  []string
		toolCalls int
		failures  int
	)

	for _, step := range sess.Steps {
		technical = append(technical, fmt.Sprintf("step %d [%s]: %s", step.StepID, step.Type, trace.StepSummary(step)))
		if step.Type == trace.StepToolCall {
			toolCalls++
		}
		if !step.Success {
			failures++
		}
	}

	friendly = append(friendly, "I first checked whether your question was something I could safely answer.")
	if toolCalls > 0 {
		friendly = append(friendly, fmt.Sprintf("Then I looked things up using %d tool call(s).", toolCalls))
	} else {
		friendly = append(friendly, "Then I worked out an answer from what I already know.")
	}
	if failures > 0 {
		friendly = append(friendly, "Some steps did not go smoothly, so parts of the answer are more cautious than usual.")
	}
	friendly = append(friendly, "Finally I double-checked the answer before sharing it with you.")

	return TraceExplanation{
		Technical:    strings.Join(technical, "\n"),
		UserFriendly: strings.Join(friendly, " "),
	}, nil
}
