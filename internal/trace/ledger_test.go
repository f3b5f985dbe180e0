package trace

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_StartGeneratesID(t *testing.T) {
	l := NewLedger(nil, nil)

	id := l.Start("")
	if id == "" {
		t.Fatal("expected generated session id")
	}

	id2 := l.Start("my-session")
	if id2 != "my-session" {
		t.Errorf("expected provided id to be kept, got %s", id2)
	}
}

func TestLedger_StepIDsAreDense(t *testing.T) {
	l := NewLedger(nil, nil)
	id := l.Start("")

	for i := 0; i < 10; i++ {
		var stepID int
		switch i % 3 {
		case 0:
			stepID = l.AppendDecision(id, "input", "reasoning", "action", nil)
		case 1:
			stepID = l.AppendToolCall(id, "calculator", map[string]any{"expression": "1+1"}, 2, 1.5, true, "", ErrorKindNone, nil)
		default:
			stepID = l.AppendStateTransition(id, "a", "b")
		}
		if stepID != i+1 {
			t.Fatalf("expected step id %d, got %d", i+1, stepID)
		}
	}

	sess, err := l.Get(id)
	require.NoError(t, err)
	for i, step := range sess.Steps {
		assert.Equal(t, i+1, step.StepID, "step ids must form 1..N with no gaps")
	}
}

func TestLedger_AutoStartsOnAppend(t *testing.T) {
	l := NewLedger(nil, nil)

	stepID := l.AppendDecision("implicit", "in", "r", "a", nil)
	assert.Equal(t, 1, stepID)

	sess, err := l.Get("implicit")
	require.NoError(t, err)
	assert.Equal(t, "implicit", sess.SessionID)
}

func TestLedger_Counters(t *testing.T) {
	l := NewLedger(nil, nil)
	id := l.Start("")

	l.AppendDecision(id, nil, "r", "a", nil)
	l.AppendDecision(id, nil, "r", "b", nil)
	l.AppendToolCall(id, "drug_info", map[string]any{"drug_name": "aspirin"}, nil, 12, true, "", ErrorKindNone, nil)
	l.AppendMemoryUpdate(id, map[string]any{"a": 1}, map[string]any{"a": 2}, "tool_result")
	l.AppendStateTransition(id, "classify", "safety")

	sess, err := l.End(id)
	require.NoError(t, err)

	assert.Equal(t, 5, sess.Metadata.TotalSteps)
	assert.Equal(t, len(sess.Steps), sess.Metadata.TotalSteps)
	assert.Equal(t, 1, sess.Metadata.TotalToolCalls)
	assert.Equal(t, 2, sess.Metadata.TotalDecisions)
	assert.Equal(t, 1, sess.Metadata.TotalMemoryUpdates)
	assert.True(t, sess.Ended())
	assert.GreaterOrEqual(t, sess.Metadata.DurationSeconds, 0.0)
}

func TestLedger_EndUnknownSession(t *testing.T) {
	l := NewLedger(nil, nil)
	_, err := l.End("nope")
	assert.Error(t, err)
}

func TestDiff(t *testing.T) {
	oldState := map[string]any{"a": 1, "b": 2}
	newState := map[string]any{"a": 1, "b": 3, "c": 4}

	diff := Diff(oldState, newState)

	require.Len(t, diff, 2)
	assert.NotContains(t, diff, "a", "unchanged keys must be excluded")
	assert.Equal(t, DiffEntry{Old: 2, New: 3}, diff["b"])
	assert.Equal(t, DiffEntry{Old: nil, New: 4}, diff["c"])
}

func TestDiff_RemovedKey(t *testing.T) {
	diff := Diff(map[string]any{"x": "gone"}, map[string]any{})
	require.Len(t, diff, 1)
	assert.Equal(t, DiffEntry{Old: "gone", New: nil}, diff["x"])
}

func TestLedger_MemoryUpdateRecordsDiff(t *testing.T) {
	l := NewLedger(nil, nil)
	id := l.Start("")

	l.AppendMemoryUpdate(id,
		map[string]any{"stage": "classify"},
		map[string]any{"stage": "safety", "risk": "medium"},
		"safety_evaluation")

	sess, err := l.Get(id)
	require.NoError(t, err)

	step := sess.Steps[0]
	assert.Equal(t, StepMemoryUpdate, step.Type)

	out := step.Output.(map[string]any)
	assert.Equal(t, "safety_evaluation", out["cause"])
	diff := out["diff"].(map[string]DiffEntry)
	assert.Contains(t, diff, "stage")
	assert.Contains(t, diff, "risk")
}

func TestFileStore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	l := NewLedger(store, nil)
	id := l.Start("")
	l.AppendToolCall(id, "calculator", map[string]any{"expression": "2+2"}, map[string]any{"result": 4}, 3.2, true, "", ErrorKindNone, nil)
	l.SetFinalAnswer(id, "the answer is 4")

	ended, err := l.End(id)
	require.NoError(t, err)

	// Session is no longer active; Get must fall through to the store.
	loaded, err := l.Get(id)
	require.NoError(t, err)
	assert.Equal(t, ended.SessionID, loaded.SessionID)
	assert.Equal(t, 1, loaded.Metadata.TotalToolCalls)
	assert.Equal(t, "the answer is 4", loaded.FinalAnswer)
	assert.Equal(t, "calculator", loaded.Steps[0].ToolName)

	all, err := store.LoadAll()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestFileStore_LoadMissing(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Load("does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "custom.sqlite")
	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	// The database lives at exactly the requested path.
	_, err = os.Stat(dbPath)
	require.NoError(t, err)

	l := NewLedger(store, nil)
	for i := 0; i < 3; i++ {
		id := l.Start(fmt.Sprintf("sess-%d", i))
		l.AppendDecision(id, nil, "r", "a", nil)
		_, err := l.End(id)
		require.NoError(t, err)
	}

	all, err := store.LoadAll()
	require.NoError(t, err)
	assert.Len(t, all, 3)

	sess, err := store.Load("sess-1")
	require.NoError(t, err)
	assert.Equal(t, 1, sess.Metadata.TotalDecisions)

	_, err = store.Load("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStepSummary(t *testing.T) {
	cases := []struct {
		name string
		step Step
		want string
	}{
		{
			name: "tool call success",
			step: Step{StepID: 1, Type: StepToolCall, ToolName: "calculator", DurationMs: 12, Success: true},
			want: "Tool calculator: ok (12ms)",
		},
		{
			name: "tool call failure",
			step: Step{StepID: 2, Type: StepToolCall, ToolName: "drug_info", DurationMs: 40, Success: false},
			want: "Tool drug_info: failed (40ms)",
		},
		{
			name: "decision without reasoning",
			step: Step{StepID: 3, Type: StepDecision, Output: map[string]any{"selected_action": "use_tool"}},
			want: "Decision: use_tool",
		},
		{
			name: "metadata summary wins",
			step: Step{StepID: 4, Type: StepDecision, Metadata: map[string]any{"summary": "custom"}},
			want: "custom",
		},
		{
			name: "state transition",
			step: Step{StepID: 5, Type: StepStateTransition},
			want: "Step 5: state_transition",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, StepSummary(tc.step))
		})
	}
}
