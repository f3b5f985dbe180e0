package analysis

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glasslabs/glassbox/internal/trace"
)

func newTestStore(t *testing.T, sessions ...*trace.Session) trace.Store {
	t.Helper()
	store, err := trace.NewFileStore(t.TempDir())
	require.NoError(t, err)
	for _, sess := range sessions {
		require.NoError(t, store.Save(sess))
	}
	return store
}

func session(id, finalAnswer string, steps ...trace.Step) *trace.Session {
	started := time.Now().UTC().Add(-time.Minute)
	ended := time.Now().UTC()
	for i := range steps {
		steps[i].StepID = i + 1
		steps[i].Timestamp = started.Add(time.Duration(i) * time.Second)
	}
	return &trace.Session{
		SessionID:   id,
		StartedAt:   started,
		EndedAt:     &ended,
		Steps:       steps,
		FinalAnswer: finalAnswer,
	}
}

func toolStep(name string, success bool, durationMs float64, errText string) trace.Step {
	st := trace.Step{
		Type:       trace.StepToolCall,
		ToolName:   name,
		Success:    success,
		DurationMs: durationMs,
	}
	if !success {
		st.Error = errText
		st.ErrorKind = trace.ErrorKindUpstreamFailure
	}
	return st
}

func TestAnalyze_ToolMetrics(t *testing.T) {
	store := newTestStore(t,
		session("s1", "ok",
			toolStep("calculator", true, 10, ""),
			toolStep("calculator", true, 30, ""),
		),
		session("s2", "ok",
			toolStep("calculator", false, 20, "boom"),
		),
	)

	insights, err := New(store, DefaultOptions(), nil).Analyze()
	require.NoError(t, err)

	require.Len(t, insights.ToolStats, 1)
	ts := insights.ToolStats[0]
	assert.Equal(t, "calculator", ts.Tool)
	assert.Equal(t, 3, ts.TotalCalls)
	assert.Equal(t, 2, ts.Successful)
	assert.Equal(t, 1, ts.Failed)
	assert.InDelta(t, 2.0/3.0, ts.SuccessRate, 1e-9)
	assert.InDelta(t, 20.0, ts.AvgDurationMs, 1e-9)
	assert.InDelta(t, 10.0, ts.MinDurationMs, 1e-9)
	assert.InDelta(t, 30.0, ts.MaxDurationMs, 1e-9)

	assert.Equal(t, 2, insights.Summary.TotalTraces)
	assert.Equal(t, 3, insights.Summary.TotalToolCalls)
}

func TestAnalyze_UnreliableToolFlagged(t *testing.T) {
	store := newTestStore(t,
		session("s1", "ok",
			toolStep("drug_info", false, 5, "connection refused"),
			toolStep("drug_info", false, 5, "connection refused"),
			toolStep("drug_info", true, 5, ""),
			toolStep("drug_info", false, 5, "connection refused"),
		),
	)

	insights, err := New(store, DefaultOptions(), nil).Analyze()
	require.NoError(t, err)

	require.Len(t, insights.UnreliableTools, 1)
	assert.Equal(t, "drug_info", insights.UnreliableTools[0].Tool)
	assert.Equal(t, 4, insights.UnreliableTools[0].TotalCalls)

	joined := strings.Join(insights.Recommendations, " ")
	assert.Contains(t, joined, "drug_info")
}

func TestAnalyze_ReliableToolNotFlagged(t *testing.T) {
	// Two calls is below the minimum sample size even at 50% success.
	store := newTestStore(t,
		session("s1", "ok",
			toolStep("reminder", true, 5, ""),
			toolStep("reminder", false, 5, "boom"),
		),
	)

	insights, err := New(store, DefaultOptions(), nil).Analyze()
	require.NoError(t, err)
	assert.Empty(t, insights.UnreliableTools)
}

func TestAnalyze_ShortcutDetection(t *testing.T) {
	medical := "The usual dose of ibuprofen is 400 mg every six hours."

	tests := []struct {
		name     string
		sess     *trace.Session
		shortcut bool
		reason   string
	}{
		{
			name:     "medical answer with no evidence tool",
			sess:     session("no-evidence", medical),
			shortcut: true,
			reason:   "no evidence retrieval tools used",
		},
		{
			name: "medical answer after evidence tool failed",
			sess: session("failed-evidence", medical,
				toolStep("drug_info", false, 5, "lookup failed"),
			),
			shortcut: true,
			reason:   "evidence tools failed",
		},
		{
			name: "medical answer backed by evidence",
			sess: session("backed", medical,
				toolStep("drug_info", true, 5, ""),
			),
			shortcut: false,
		},
		{
			name:     "non-medical answer needs no evidence",
			sess:     session("smalltalk", "Hello! How can I help you today?"),
			shortcut: false,
		},
		{
			name:     "trivial answer is skipped",
			sess:     session("trivial", "ok"),
			shortcut: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t, tt.sess)
			insights, err := New(store, DefaultOptions(), nil).Analyze()
			require.NoError(t, err)

			if !tt.shortcut {
				assert.Empty(t, insights.Shortcuts)
				return
			}
			require.Len(t, insights.Shortcuts, 1)
			assert.Equal(t, tt.sess.SessionID, insights.Shortcuts[0].SessionID)
			assert.Contains(t, insights.Shortcuts[0].Reason, tt.reason)
		})
	}
}

func TestAnalyze_RootCauseAttribution(t *testing.T) {
	failedDecision := trace.Step{
		Type:      trace.StepDecision,
		Success:   false,
		Error:     "could not produce an answer",
		ErrorKind: trace.ErrorKindUpstreamFailure,
	}
	store := newTestStore(t,
		session("walkback", "answer text here",
			trace.Step{Type: trace.StepDecision, Success: true},
			toolStep("drug_info", false, 5, "lookup failed"),
			trace.Step{Type: trace.StepMemoryUpdate, Success: true},
			failedDecision,
		),
	)

	insights, err := New(store, DefaultOptions(), nil).Analyze()
	require.NoError(t, err)
	require.Len(t, insights.Failures, 2)

	byStep := map[int]Failure{}
	for _, f := range insights.Failures {
		byStep[f.StepID] = f
	}

	// The failed tool call is attributed to the tool itself.
	assert.Equal(t, "tool:drug_info", byStep[2].RootCause)

	// The failed decision walks back to the earlier failed tool call.
	assert.Equal(t, "tool:drug_info", byStep[4].RootCause)
	assert.Equal(t, 2, byStep[4].DerivedFromStepID)
}

func TestAnalyze_RootCauseKinds(t *testing.T) {
	store := newTestStore(t,
		session("kinds", "answer text here",
			trace.Step{Type: trace.StepDecision, Success: false, Error: "model refused"},
			trace.Step{Type: trace.StepMemoryUpdate, Success: false, Error: "diff mismatch"},
			trace.Step{
				Type: trace.StepStateTransition, Success: false,
				Error: "invalid request", ErrorKind: trace.ErrorKindValidation,
			},
		),
	)

	insights, err := New(store, DefaultOptions(), nil).Analyze()
	require.NoError(t, err)
	require.Len(t, insights.Failures, 3)

	assert.Equal(t, "llm", insights.Failures[0].RootCause)
	assert.Equal(t, "memory", insights.Failures[1].RootCause)
	assert.Equal(t, "user_input", insights.Failures[2].RootCause)
	for _, f := range insights.Failures {
		assert.NotEmpty(t, f.Recommendation)
		assert.NotEmpty(t, f.Severity)
	}
}

func TestAnalyze_SeverityHeuristics(t *testing.T) {
	store := newTestStore(t,
		session("sev", "answer text here",
			toolStep("calculator", false, 1, "fatal parse error"),
			trace.Step{
				Type: trace.StepToolCall, ToolName: "reminder", Success: false,
				DurationMs: 1, Error: "request timeout", ErrorKind: trace.ErrorKindUpstreamTimeout,
			},
			toolStep("drug_info", false, 1, "boom"),
		),
	)

	insights, err := New(store, DefaultOptions(), nil).Analyze()
	require.NoError(t, err)
	require.Len(t, insights.Failures, 3)

	assert.Equal(t, "high", insights.Failures[0].Severity)
	assert.Equal(t, "low", insights.Failures[1].Severity)
	assert.Equal(t, "medium", insights.Failures[2].Severity)
}

func TestAnalyze_SlowStepTypes(t *testing.T) {
	store := newTestStore(t,
		session("latency", "ok",
			trace.Step{Type: trace.StepDecision, Success: true, DurationMs: 10},
			trace.Step{Type: trace.StepDecision, Success: true, DurationMs: 10},
			trace.Step{Type: trace.StepDecision, Success: true, DurationMs: 10},
			toolStep("summarizer", true, 500, ""),
		),
	)

	insights, err := New(store, DefaultOptions(), nil).Analyze()
	require.NoError(t, err)

	require.Len(t, insights.SlowSteps, 1)
	assert.Equal(t, string(trace.StepToolCall), insights.SlowSteps[0].StepType)
	assert.InDelta(t, 500.0, insights.SlowSteps[0].AvgLatencyMs, 1e-9)
}

func TestAnalyze_RecurringFailures(t *testing.T) {
	store := newTestStore(t,
		session("r1", "ok", toolStep("drug_info", false, 1, "connection refused")),
		session("r2", "ok", toolStep("drug_info", false, 1, "connection refused")),
		session("r3", "ok", toolStep("drug_info", false, 1, "connection refused")),
	)

	insights, err := New(store, DefaultOptions(), nil).Analyze()
	require.NoError(t, err)

	require.NotEmpty(t, insights.RecurringFailures)
	top := insights.RecurringFailures[0]
	assert.Equal(t, 3, top.Count)
	assert.Equal(t, "tool:drug_info", top.RootCause)

	joined := strings.Join(insights.Recommendations, " ")
	assert.Contains(t, joined, "Recurring failure pattern")
}

func TestNew_PartialOptions(t *testing.T) {
	// A custom evidence tool list must survive construction, and the
	// untouched thresholds must still get their defaults.
	store := newTestStore(t,
		session("s1", "Take 200mg with food as needed.",
			toolStep("fetch_evidence", true, 10, ""),
		),
		session("s2", "",
			toolStep("web", false, 10, "upstream 500"),
			toolStep("web", false, 10, "upstream 500"),
			toolStep("web", false, 10, "upstream 500"),
		),
	)

	a := New(store, Options{EvidenceTools: []string{"fetch_evidence"}}, nil)
	assert.Equal(t, []string{"fetch_evidence"}, a.opts.EvidenceTools)
	assert.Equal(t, DefaultOptions().SlowStepFactor, a.opts.SlowStepFactor)
	assert.Equal(t, DefaultOptions().UnreliableMinCalls, a.opts.UnreliableMinCalls)
	assert.Equal(t, DefaultOptions().UnreliableThreshold, a.opts.UnreliableThreshold)

	insights, err := a.Analyze()
	require.NoError(t, err)

	// The medical answer is backed by the custom evidence tool.
	assert.Empty(t, insights.Shortcuts)

	// Default reliability thresholds flag the failing tool.
	require.Len(t, insights.UnreliableTools, 1)
	assert.Equal(t, "web", insights.UnreliableTools[0].Tool)
}

func TestAnalyze_EmptyStore(t *testing.T) {
	store := newTestStore(t)
	insights, err := New(store, DefaultOptions(), nil).Analyze()
	require.NoError(t, err)

	assert.Zero(t, insights.Summary.TotalTraces)
	require.Len(t, insights.Recommendations, 1)
	assert.Contains(t, insights.Recommendations[0], "No traces found")
}

func TestAnalyze_Idempotent(t *testing.T) {
	store := newTestStore(t,
		session("s1", "The dose is 500 mg.",
			toolStep("calculator", true, 10, ""),
			toolStep("drug_info", false, 20, "lookup failed"),
		),
	)
	a := New(store, DefaultOptions(), nil)

	first, err := a.Analyze()
	require.NoError(t, err)
	second, err := a.Analyze()
	require.NoError(t, err)

	assert.Equal(t, first.Summary.TotalToolCalls, second.Summary.TotalToolCalls)
	assert.Equal(t, first.ToolStats, second.ToolStats)
	assert.Equal(t, first.Failures, second.Failures)
	assert.Equal(t, len(first.Shortcuts), len(second.Shortcuts))
}

func TestReport(t *testing.T) {
	store := newTestStore(t,
		session("report-1", "Take 400 mg with food.",
			toolStep("drug_info", true, 12, ""),
			toolStep("calculator", false, 3, "bad expression"),
		),
	)
	insights, err := New(store, DefaultOptions(), nil).Analyze()
	require.NoError(t, err)

	report := Report(insights)
	assert.Contains(t, report, "TRACE ANALYSIS REPORT")
	assert.Contains(t, report, "SUMMARY")
	assert.Contains(t, report, "TOOL RELIABILITY")
	assert.Contains(t, report, "RECOMMENDATIONS")
	assert.Contains(t, report, "drug_info")
	assert.Contains(t, report, "calculator")
}

func TestExportCSV(t *testing.T) {
	store := newTestStore(t,
		session("csv-1", "ok",
			toolStep("calculator", true, 10, ""),
			trace.Step{Type: trace.StepDecision, Success: true, DurationMs: 5},
		),
	)
	insights, err := New(store, DefaultOptions(), nil).Analyze()
	require.NoError(t, err)

	stem := filepath.Join(t.TempDir(), "metrics")
	require.NoError(t, ExportCSV(insights, stem))

	toolsData, err := os.ReadFile(stem + "_tools.csv")
	require.NoError(t, err)
	assert.Contains(t, string(toolsData), "Tool,Total Calls")
	assert.Contains(t, string(toolsData), "calculator")

	stepsData, err := os.ReadFile(stem + "_steps.csv")
	require.NoError(t, err)
	assert.Contains(t, string(stepsData), "Step Type,Count")
	assert.Contains(t, string(stepsData), "decision")
}
