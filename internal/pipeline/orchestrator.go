package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glasslabs/glassbox/internal/agents"
	"github.com/glasslabs/glassbox/internal/logging"
	"github.com/glasslabs/glassbox/internal/tools"
	"github.com/glasslabs/glassbox/internal/trace"
)

// Fixed texts for the refusal and degradation paths. These are the exact
// strings callers and tests key on.
const (
	blockedAnswer = "This may be a serious medical situation. " +
		"Please seek professional medical help immediately."

	reasoningFallback = "I had trouble generating a full medical explanation. " +
		"Please consult a pharmacist or healthcare provider for accurate guidance."

	personaFallback = "Here is the medical information, but I could not apply the persona layer."
)

// Orchestrator drives the fixed stage sequence. All collaborators are
// injected; swapping one out never changes the stage order.
type Orchestrator struct {
	collab   agents.Collaborators
	registry *tools.Registry
	ledger   *trace.Ledger
	log      *logging.Logger

	stageTimeout       time.Duration
	streamBuffer       int
	summarizerMaxWords int
	reminderDelay      string
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithStageTimeout bounds each collaborator call. Zero disables the
// per-stage timeout.
func WithStageTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.stageTimeout = d }
}

// WithStreamBuffer sets the progress event channel capacity for RunStream.
func WithStreamBuffer(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.streamBuffer = n
		}
	}
}

// WithSummarizerMaxWords sets the word budget passed to summarizer calls.
func WithSummarizerMaxWords(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.summarizerMaxWords = n
		}
	}
}

// WithReminderDelay sets the reminder time used when the request does not
// name one, e.g. "in 1 hour".
func WithReminderDelay(delay string) Option {
	return func(o *Orchestrator) {
		if delay != "" {
			o.reminderDelay = delay
		}
	}
}

// New creates an orchestrator. Nil collaborators are filled in with the
// heuristic defaults.
func New(collab agents.Collaborators, registry *tools.Registry, ledger *trace.Ledger, log *logging.Logger, opts ...Option) *Orchestrator {
	defaults := agents.DefaultCollaborators()
	if collab.Classifier == nil {
		collab.Classifier = defaults.Classifier
	}
	if collab.Safety == nil {
		collab.Safety = defaults.Safety
	}
	if collab.Reasoning == nil {
		collab.Reasoning = defaults.Reasoning
	}
	if collab.Persona == nil {
		collab.Persona = defaults.Persona
	}
	if collab.Judge == nil {
		collab.Judge = defaults.Judge
	}
	if collab.Explainer == nil {
		collab.Explainer = defaults.Explainer
	}
	if log == nil {
		log = logging.Global()
	}
	o := &Orchestrator{
		collab:             collab,
		registry:           registry,
		ledger:             ledger,
		log:                log.Component("pipeline"),
		streamBuffer:       16,
		summarizerMaxWords: 100,
		reminderDelay:      "in 1 hour",
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// stageCtx derives the context a single collaborator call runs under.
func (o *Orchestrator) stageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.stageTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, o.stageTimeout)
}

// Run processes one question end to end and returns the final answer text
// together with the finalized trace session. The error return covers
// infrastructure faults only (trace persistence); stage failures degrade
// into fallback answers instead.
func (o *Orchestrator) Run(ctx context.Context, input string, notify ProgressFunc) (string, *trace.Session, error) {
	if notify == nil {
		notify = func(string, string) {}
	}

	sessionID := o.ledger.Start("")
	state := NewState(sessionID, input)
	o.log.Info("session %s: processing input (%d chars)", sessionID, len(input))

	// Stage 1: classify.
	o.transition(state, StageClassify)
	notify(StageClassify, "identifying the problem")
	sctx, cancel := o.stageCtx(ctx)
	cls, err := o.collab.Classifier.Classify(sctx, input)
	cancel()
	if err != nil {
		o.ledger.AppendFailedDecision(sessionID, input, err.Error(), errKind(err),
			map[string]any{"stage": StageClassify})
		cls = agents.Classification{
			Intent:      "unknown",
			QueryType:   agents.QueryGeneral,
			RiskLevel:   agents.RiskMedium,
			Explanation: "Classifier unavailable, defaulting to cautious handling.",
			AgeGroup:    agents.AgeUnknown,
		}
	} else {
		o.ledger.AppendDecision(sessionID, input, cls.Explanation, string(cls.QueryType),
			map[string]any{"stage": StageClassify, "risk_level": string(cls.RiskLevel)})
	}
	o.updateState(state, func() { state.Classification = cls }, StageClassify)

	// Stage 2: safety evaluation.
	o.transition(state, StageSafety)
	notify(StageSafety, "assessing safety")
	sctx, cancel = o.stageCtx(ctx)
	safety, err := o.collab.Safety.EvaluateRisk(sctx, input, cls)
	cancel()
	if err != nil {
		o.ledger.AppendFailedDecision(sessionID, input, err.Error(), errKind(err),
			map[string]any{"stage": StageSafety})
		// Fail closed: unknown safety means caution plus handoff.
		safety = agents.SafetyAssessment{
			RiskLevel:    agents.RiskMedium,
			NeedsHandoff: true,
			Explanation:  "Safety evaluation unavailable.",
			Summary:      "A system error occurred evaluating safety.",
		}
	} else {
		o.ledger.AppendDecision(sessionID, input, safety.Explanation, string(safety.RiskLevel),
			map[string]any{"stage": StageSafety, "needs_handoff": safety.NeedsHandoff})
	}
	o.updateState(state, func() { state.Safety = safety }, StageSafety)

	// Safety gate: only genuinely dangerous situations are refused.
	// Medium risk (interactions, dosing questions) proceeds with warnings.
	if safety.RiskLevel == agents.RiskHigh && safety.NeedsHandoff {
		return o.finishBlocked(ctx, state, notify)
	}

	// Stage 3: tool decision and execution.
	o.transition(state, StageToolDecision)
	notify(StageToolDecision, "deciding on tools")
	decision := o.decideTool(input)
	o.ledger.AppendDecision(sessionID, input, decision.Reasoning, decisionAction(decision),
		map[string]any{"stage": StageToolDecision})
	o.updateState(state, func() { state.ToolDecision = decision }, StageToolDecision)

	if decision.ShouldUseTool() && o.registry != nil {
		sctx, cancel = o.stageCtx(ctx)
		result := o.registry.Execute(sctx, sessionID, decision.ToolName, decision.Arguments)
		cancel()
		o.updateState(state, func() { state.ToolResult = result }, StageToolDecision)

		// Long successful tool output gets condensed when the user asked
		// for a summary.
		if result.Success && decision.ToolName != "summarizer" && wantsSummary(input) {
			o.chainSummarizer(ctx, state, result)
		}
	}

	// Stage 4: reasoning.
	o.transition(state, StageReasoning)
	notify(StageReasoning, "researching")
	sctx, cancel = o.stageCtx(ctx)
	answer, err := o.collab.Reasoning.Answer(sctx, input, cls, safety)
	cancel()
	if err != nil {
		o.ledger.AppendFailedDecision(sessionID, input, err.Error(), errKind(err),
			map[string]any{"stage": StageReasoning})
		return o.finishDegraded(ctx, state, notify, reasoningFallback, "What happened")
	}
	o.ledger.AppendDecision(sessionID, input, "synthesized evidence-backed answer", "answer_generated",
		map[string]any{"stage": StageReasoning, "citation_count": len(answer.Citations)})
	o.updateState(state, func() { state.Answer = answer }, StageReasoning)

	// Stage 5: persona adaptation.
	o.transition(state, StagePersona)
	notify(StagePersona, "adapting the answer")
	sctx, cancel = o.stageCtx(ctx)
	facing, err := o.collab.Persona.Adapt(sctx, input, answer, safety, cls.AgeGroup)
	cancel()
	if err != nil {
		o.ledger.AppendFailedDecision(sessionID, input, err.Error(), errKind(err),
			map[string]any{"stage": StagePersona})
		return o.finishDegraded(ctx, state, notify, personaFallback, "What happened")
	}
	o.ledger.AppendDecision(sessionID, input, "adapted answer for audience", string(facing.AgeGroup),
		map[string]any{"stage": StagePersona, "tone": facing.Tone})
	o.updateState(state, func() { state.Facing = facing }, StagePersona)

	// Stage 6: judge. A judge failure keeps the unjudged answer rather
	// than degrading the whole run.
	o.transition(state, StageJudge)
	notify(StageJudge, "judging the answer")
	sctx, cancel = o.stageCtx(ctx)
	verdict, err := o.collab.Judge.Evaluate(sctx, input, facing, answer, safety)
	cancel()
	if err != nil {
		o.log.Err(err, "judge failed, keeping unjudged answer")
		o.ledger.AppendFailedDecision(sessionID, input, err.Error(), errKind(err),
			map[string]any{"stage": StageJudge})
		verdict = agents.JudgeVerdict{Verdict: agents.VerdictSafe, Notes: "judge unavailable"}
	} else {
		o.ledger.AppendDecision(sessionID, input, verdict.Notes, string(verdict.Verdict),
			map[string]any{"stage": StageJudge})
	}
	final := verdict.Apply(facing)
	o.updateState(state, func() {
		state.Verdict = verdict
		state.FinalAnswer = final.Text
	}, StageJudge)

	// Stage 7: explain, always.
	answerText := o.explain(ctx, state, notify, final.Text, "How I found this information")
	return o.finish(state, answerText)
}

// finishBlocked handles the refusal path: reasoning, persona, and judge
// are skipped entirely, but the explainer still runs.
func (o *Orchestrator) finishBlocked(ctx context.Context, state *State, notify ProgressFunc) (string, *trace.Session, error) {
	o.ledger.AppendDecision(state.SessionID, state.Input,
		"high risk with handoff required, refusing to answer", "BLOCK",
		map[string]any{"stage": StageSafety})
	o.transition(state, StageBlocked)
	o.updateState(state, func() {
		state.Blocked = true
		state.FinalAnswer = blockedAnswer
	}, StageBlocked)

	answerText := o.explain(ctx, state, notify, blockedAnswer, "Why I'm saying this")
	return o.finish(state, answerText)
}

// finishDegraded handles a mid-pipeline stage failure: the fixed fallback
// text becomes the answer and the explainer narrates what happened.
func (o *Orchestrator) finishDegraded(ctx context.Context, state *State, notify ProgressFunc, fallback, suffix string) (string, *trace.Session, error) {
	o.updateState(state, func() { state.FinalAnswer = fallback }, state.Stage)
	answerText := o.explain(ctx, state, notify, fallback, suffix)
	return o.finish(state, answerText)
}

// explain runs the explainer over the steps recorded so far and appends
// the user-friendly narration to the answer. The explainer's own failure
// never alters the answer.
func (o *Orchestrator) explain(ctx context.Context, state *State, notify ProgressFunc, answerText, heading string) string {
	o.transition(state, StageExplain)
	notify(StageExplain, "finalising the answer")

	sess, err := o.ledger.Get(state.SessionID)
	if err != nil {
		o.log.Err(err, "trace unavailable for explanation")
		sess = nil
	}

	sctx, cancel := o.stageCtx(ctx)
	explanation, err := o.collab.Explainer.Explain(sctx, sess, state.Input, answerText)
	cancel()
	if err != nil {
		o.ledger.AppendFailedDecision(state.SessionID, state.Input, err.Error(), errKind(err),
			map[string]any{"stage": StageExplain})
		return answerText
	}

	o.ledger.AppendDecision(state.SessionID, state.Input, "narrated the recorded trace", "explained",
		map[string]any{"stage": StageExplain})
	o.updateState(state, func() { state.Explanation = explanation }, StageExplain)

	if friendly := strings.TrimSpace(explanation.UserFriendly); friendly != "" {
		return answerText + fmt.Sprintf("\n\n---\n\n%s:\n%s", heading, friendly)
	}
	return answerText
}

// finish stamps the final answer, ends the session, and returns the
// finalized trace alongside the answer text.
func (o *Orchestrator) finish(state *State, answerText string) (string, *trace.Session, error) {
	o.transition(state, StageComplete)
	o.ledger.SetFinalAnswer(state.SessionID, answerText)

	sess, err := o.ledger.End(state.SessionID)
	if err != nil {
		return answerText, sess, fmt.Errorf("finalize session: %w", err)
	}
	o.log.Info("session %s: completed with %d steps", state.SessionID, sess.Metadata.TotalSteps)
	return answerText, sess, nil
}

// transition records the stage change and moves the state forward.
func (o *Orchestrator) transition(state *State, to string) {
	if state.Stage == to {
		return
	}
	o.ledger.AppendStateTransition(state.SessionID, state.Stage, to)
	state.Stage = to
}

// updateState applies a mutation and records the before/after diff as a
// memory-update step attributed to the causing stage.
func (o *Orchestrator) updateState(state *State, mutate func(), cause string) {
	before := state.Snapshot()
	mutate()
	after := state.Snapshot()
	o.ledger.AppendMemoryUpdate(state.SessionID, before, after, cause)
}

// decideTool selects a tool by keyword matching on the input.
func (o *Orchestrator) decideTool(input string) ToolDecision {
	text := strings.ToLower(input)

	if containsAny(text, []string{"calculate", "math", "compute", "+", "*", "/", "="}) {
		return ToolDecision{
			ToolName:  "calculator",
			Arguments: map[string]any{"expression": extractExpression(input)},
			Reasoning: "Detected mathematical expression or calculation request",
		}
	}

	if containsAny(text, []string{"drug", "medication", "medicine", "paracetamol", "ibuprofen", "aspirin", "dosage", "side effect"}) {
		for _, drug := range []string{"paracetamol", "ibuprofen", "aspirin"} {
			if strings.Contains(text, drug) {
				return ToolDecision{
					ToolName:  "drug_info",
					Arguments: map[string]any{"drug_name": drug, "info_type": "all"},
					Reasoning: "Detected request for information about " + drug,
				}
			}
		}
	}

	if containsAny(text, []string{"summarize", "summary", "condense", "short version"}) {
		return ToolDecision{
			ToolName:  "summarizer",
			Arguments: map[string]any{"text": input, "max_length": o.summarizerMaxWords},
			Reasoning: "Detected summarization request",
		}
	}

	if containsAny(text, []string{"remind", "reminder", "schedule", "alert", "notify"}) {
		return ToolDecision{
			ToolName: "reminder",
			Arguments: map[string]any{
				"message":       input,
				"reminder_time": o.reminderDelay,
				"reminder_type": "medication",
			},
			Reasoning: "Detected reminder/scheduling request",
		}
	}

	return ToolDecision{Reasoning: "No matching tool found for this request"}
}

// chainSummarizer condenses a tool's output through the summarizer when
// the user asked for a summary.
func (o *Orchestrator) chainSummarizer(ctx context.Context, state *State, upstream *tools.Result) {
	text := fmt.Sprintf("%v", upstream.Output)
	result := o.registry.Execute(ctx, state.SessionID, "summarizer", map[string]any{
		"text":       text,
		"max_length": o.summarizerMaxWords,
	})
	if result.Success {
		o.updateState(state, func() { state.ToolResult = result }, StageToolDecision)
	}
}

func decisionAction(d ToolDecision) string {
	if d.ShouldUseTool() {
		return "use_tool:" + d.ToolName
	}
	return "no_tool"
}

func wantsSummary(input string) bool {
	return containsAny(strings.ToLower(input), []string{"summarize", "summary", "condense", "short version"})
}

func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

// extractExpression strips a leading natural-language prefix so plain
// "calculate 2+2" requests reach the parser as "2+2".
func extractExpression(input string) string {
	text := strings.TrimSpace(input)
	lower := strings.ToLower(text)
	for _, prefix := range []string{"calculate", "compute", "what is", "what's"} {
		if strings.HasPrefix(lower, prefix) {
			return strings.TrimSpace(strings.TrimSuffix(text[len(prefix):], "?"))
		}
	}
	return strings.TrimSuffix(text, "?")
}

// errKind classifies a stage failure for the trace.
func errKind(err error) trace.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return trace.ErrorKindUpstreamTimeout
	}
	return trace.ErrorKindUpstreamFailure
}
