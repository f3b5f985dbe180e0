package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glasslabs/glassbox/internal/agents"
	"github.com/glasslabs/glassbox/internal/tools"
	"github.com/glasslabs/glassbox/internal/trace"
)

func newTestOrchestrator(t *testing.T, collab agents.Collaborators, opts ...Option) (*Orchestrator, *trace.Ledger) {
	t.Helper()

	store, err := trace.NewFileStore(t.TempDir())
	require.NoError(t, err)
	ledger := trace.NewLedger(store, nil)

	registry := tools.NewRegistry(ledger, nil)
	registry.Register(tools.NewCalculator())
	registry.Register(tools.NewDrugInfo())
	registry.Register(tools.NewSummarizer(nil))

	reminder := tools.NewReminder(nil)
	t.Cleanup(reminder.Close)
	registry.Register(reminder)

	return New(collab, registry, ledger, nil, opts...), ledger
}

func stageDecisions(sess *trace.Session, stage string) []trace.Step {
	var out []trace.Step
	for _, step := range sess.Steps {
		if step.Type == trace.StepDecision && step.Metadata["stage"] == stage {
			out = append(out, step)
		}
	}
	return out
}

func TestRun_InteractionQuestionFullPath(t *testing.T) {
	o, _ := newTestOrchestrator(t, agents.Collaborators{})

	answer, sess, err := o.Run(context.Background(),
		"Can I take ibuprofen and paracetamol together?", nil)
	require.NoError(t, err)
	require.NotNil(t, sess)

	assert.NotEmpty(t, answer)
	assert.True(t, sess.Ended())
	assert.Equal(t, answer, sess.FinalAnswer)

	// Every stage left a decision in the trace.
	for _, stage := range []string{StageClassify, StageSafety, StageToolDecision, StageReasoning, StagePersona, StageJudge, StageExplain} {
		assert.NotEmpty(t, stageDecisions(sess, stage), "missing decision for stage %s", stage)
	}

	// The interaction question routed to drug_info and the call was traced.
	calls := sess.ToolCalls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "drug_info", calls[0].ToolName)

	// Medium risk proceeds with warnings instead of blocking.
	assert.NotContains(t, answer, blockedAnswer)
	assert.Contains(t, answer, "How I found this information")
}

func TestRun_EmergencyIsBlocked(t *testing.T) {
	o, _ := newTestOrchestrator(t, agents.Collaborators{})

	answer, sess, err := o.Run(context.Background(),
		"I have chest pain and difficulty breathing, what do I do?", nil)
	require.NoError(t, err)
	require.NotNil(t, sess)

	assert.Contains(t, answer, blockedAnswer)
	assert.Contains(t, answer, "Why I'm saying this")

	// The refusal skipped reasoning, persona, and judge entirely.
	for _, stage := range []string{StageReasoning, StagePersona, StageJudge} {
		assert.Empty(t, stageDecisions(sess, stage), "stage %s must not run on a blocked request", stage)
	}
	assert.Empty(t, sess.ToolCalls())

	// The explainer still ran and the block decision is on record.
	assert.NotEmpty(t, stageDecisions(sess, StageExplain))
	blocks := stageDecisions(sess, StageSafety)
	found := false
	for _, step := range blocks {
		if out, ok := step.Output.(map[string]any); ok && out["selected_action"] == "BLOCK" {
			found = true
		}
	}
	assert.True(t, found, "expected a BLOCK decision in the trace")
}

type failingReasoner struct{}

func (failingReasoner) Answer(context.Context, string, agents.Classification, agents.SafetyAssessment) (agents.Answer, error) {
	return agents.Answer{}, errors.New("model backend unreachable")
}

func TestRun_ReasoningFailureDegrades(t *testing.T) {
	o, _ := newTestOrchestrator(t, agents.Collaborators{Reasoning: failingReasoner{}})

	answer, sess, err := o.Run(context.Background(),
		"What are the side effects of aspirin?", nil)
	require.NoError(t, err)

	assert.Contains(t, answer, reasoningFallback)
	assert.Contains(t, answer, "What happened")

	// The failure is a recorded step with a classified error kind.
	var failed *trace.Step
	for i, step := range sess.Steps {
		if !step.Success && step.Metadata["stage"] == StageReasoning {
			failed = &sess.Steps[i]
		}
	}
	require.NotNil(t, failed, "expected a failed reasoning step")
	assert.Equal(t, trace.ErrorKindUpstreamFailure, failed.ErrorKind)
	assert.Contains(t, failed.Error, "unreachable")

	// Persona and judge never ran, but explain did.
	assert.Empty(t, stageDecisions(sess, StagePersona))
	assert.Empty(t, stageDecisions(sess, StageJudge))
	assert.NotEmpty(t, stageDecisions(sess, StageExplain))
}

type blockingReasoner struct{}

func (blockingReasoner) Answer(ctx context.Context, _ string, _ agents.Classification, _ agents.SafetyAssessment) (agents.Answer, error) {
	<-ctx.Done()
	return agents.Answer{}, ctx.Err()
}

func TestRun_StageTimeoutBoundsCollaborators(t *testing.T) {
	o, _ := newTestOrchestrator(t, agents.Collaborators{Reasoning: blockingReasoner{}},
		WithStageTimeout(20*time.Millisecond))

	answer, sess, err := o.Run(context.Background(),
		"What are the side effects of aspirin?", nil)
	require.NoError(t, err)

	// The hung stage was cut off and the run degraded instead of hanging.
	assert.Contains(t, answer, reasoningFallback)

	var failed *trace.Step
	for i, step := range sess.Steps {
		if !step.Success && step.Metadata["stage"] == StageReasoning {
			failed = &sess.Steps[i]
		}
	}
	require.NotNil(t, failed, "expected a failed reasoning step")
	assert.Equal(t, trace.ErrorKindUpstreamTimeout, failed.ErrorKind)
}

type timedOutReasoner struct{}

func (timedOutReasoner) Answer(context.Context, string, agents.Classification, agents.SafetyAssessment) (agents.Answer, error) {
	return agents.Answer{}, fmt.Errorf("call model: %w", context.DeadlineExceeded)
}

func TestRun_WrappedDeadlineClassifiedAsTimeout(t *testing.T) {
	o, _ := newTestOrchestrator(t, agents.Collaborators{Reasoning: timedOutReasoner{}})

	_, sess, err := o.Run(context.Background(),
		"What are the side effects of aspirin?", nil)
	require.NoError(t, err)

	var failed *trace.Step
	for i, step := range sess.Steps {
		if !step.Success && step.Metadata["stage"] == StageReasoning {
			failed = &sess.Steps[i]
		}
	}
	require.NotNil(t, failed, "expected a failed reasoning step")
	assert.Equal(t, trace.ErrorKindUpstreamTimeout, failed.ErrorKind)
}

func TestRun_SummarizerWordBudget(t *testing.T) {
	o, _ := newTestOrchestrator(t, agents.Collaborators{}, WithSummarizerMaxWords(25))

	_, sess, err := o.Run(context.Background(),
		"summarize the importance of hydration and rest during recovery", nil)
	require.NoError(t, err)

	calls := sess.ToolCalls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "summarizer", calls[0].ToolName)

	in := calls[0].Input.(map[string]any)
	args := in["arguments"].(map[string]any)
	assert.Equal(t, 25, args["max_length"])
}

func TestRun_ReminderDelayConfigured(t *testing.T) {
	o, _ := newTestOrchestrator(t, agents.Collaborators{}, WithReminderDelay("in 2 hours"))

	_, sess, err := o.Run(context.Background(),
		"remind me to take my medication tonight", nil)
	require.NoError(t, err)

	calls := sess.ToolCalls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "reminder", calls[0].ToolName)

	in := calls[0].Input.(map[string]any)
	args := in["arguments"].(map[string]any)
	assert.Equal(t, "in 2 hours", args["reminder_time"])
}

type failingJudge struct{}

func (failingJudge) Evaluate(context.Context, string, agents.PersonaAnswer, agents.Answer, agents.SafetyAssessment) (agents.JudgeVerdict, error) {
	return agents.JudgeVerdict{}, errors.New("judge offline")
}

func TestRun_JudgeFailureKeepsAnswer(t *testing.T) {
	o, _ := newTestOrchestrator(t, agents.Collaborators{Judge: failingJudge{}})

	answer, sess, err := o.Run(context.Background(),
		"What are the side effects of aspirin?", nil)
	require.NoError(t, err)

	// The run completes with the unjudged persona answer.
	assert.NotContains(t, answer, reasoningFallback)
	assert.NotEmpty(t, stageDecisions(sess, StagePersona))
	assert.NotEmpty(t, stageDecisions(sess, StageExplain))
}

func TestRun_CalculatorRouting(t *testing.T) {
	o, _ := newTestOrchestrator(t, agents.Collaborators{})

	_, sess, err := o.Run(context.Background(), "calculate 2+2", nil)
	require.NoError(t, err)

	calls := sess.ToolCalls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "calculator", calls[0].ToolName)

	// The completed call carries the evaluated result.
	last := calls[len(calls)-1]
	assert.True(t, last.Success)
	out := last.Output.(map[string]any)
	assert.Equal(t, 4.0, out["result"])
}

func TestRun_StateTransitionsRecorded(t *testing.T) {
	o, _ := newTestOrchestrator(t, agents.Collaborators{})

	_, sess, err := o.Run(context.Background(), "What is paracetamol?", nil)
	require.NoError(t, err)

	var path []string
	for _, step := range sess.Steps {
		if step.Type == trace.StepStateTransition {
			out := step.Output.(map[string]any)
			path = append(path, out["to"].(string))
		}
	}
	assert.Equal(t, []string{
		StageSafety, StageToolDecision, StageReasoning,
		StagePersona, StageJudge, StageExplain, StageComplete,
	}, path)
}

func TestRun_ProgressNotifications(t *testing.T) {
	o, _ := newTestOrchestrator(t, agents.Collaborators{})

	var stages []string
	_, _, err := o.Run(context.Background(), "What is paracetamol?", func(stage, _ string) {
		stages = append(stages, stage)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		StageClassify, StageSafety, StageToolDecision,
		StageReasoning, StagePersona, StageJudge, StageExplain,
	}, stages)
}

func TestRunStream(t *testing.T) {
	o, ledger := newTestOrchestrator(t, agents.Collaborators{})

	events := o.RunStream(context.Background(), "What is ibuprofen used for?")

	var (
		stageEvents int
		final       *ProgressEvent
	)
	for ev := range events {
		switch ev.Type {
		case EventStage:
			stageEvents++
		default:
			evCopy := ev
			final = &evCopy
		}
	}

	require.NotNil(t, final, "expected a terminal event")
	assert.Equal(t, EventComplete, final.Type)
	assert.True(t, final.IsFinal)
	assert.NotEmpty(t, final.Answer)
	assert.NotEmpty(t, final.SessionID)
	assert.Greater(t, stageEvents, 3)

	// The finalized trace is retrievable by the streamed session id.
	sess, err := ledger.Get(final.SessionID)
	require.NoError(t, err)
	assert.True(t, sess.Ended())
}

func TestRunStream_BufferSize(t *testing.T) {
	o, _ := newTestOrchestrator(t, agents.Collaborators{}, WithStreamBuffer(4))

	events := o.RunStream(context.Background(), "What is paracetamol?")
	assert.Equal(t, 4, cap(events))

	for range events {
	}
}
