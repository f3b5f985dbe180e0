package tools

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glasslabs/glassbox/internal/trace"
)

func TestCalculator(t *testing.T) {
	calc := NewCalculator()
	ctx := context.Background()

	cases := []struct {
		expr string
		want float64
	}{
		{"2 + 2", 4},
		{"2+3*4", 14},
		{"(2+3)*4", 20},
		{"-5 + 3", -2},
		{"sqrt(16)", 4},
		{"abs(-7)", 7},
		{"min(3, 7, 1)", 1},
		{"max(3, 7)", 7},
		{"pow(2, 10)", 1024},
		{"1000 / 4", 250},
		{"500 * 3", 1500},
	}

	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			result, err := calc.Execute(ctx, map[string]any{"expression": tc.expr})
			require.NoError(t, err)
			require.True(t, result.Success, "error: %s", result.Error)

			out := result.Output.(map[string]any)
			assert.InDelta(t, tc.want, out["result"].(float64), 1e-9)
		})
	}
}

func TestCalculator_Errors(t *testing.T) {
	calc := NewCalculator()
	ctx := context.Background()

	for _, expr := range []string{"", "2 +", "1/0", "sqrt(-1)", "import os", "2 ** 3", "foo(1)"} {
		t.Run(expr, func(t *testing.T) {
			result, err := calc.Execute(ctx, map[string]any{"expression": expr})
			require.NoError(t, err)
			assert.False(t, result.Success)
			assert.NotEmpty(t, result.Error)
		})
	}
}

func TestDrugInfo(t *testing.T) {
	tool := NewDrugInfo()
	ctx := context.Background()

	result, err := tool.Execute(ctx, map[string]any{"drug_name": "ibuprofen"})
	require.NoError(t, err)
	require.True(t, result.Success)

	out := result.Output.(map[string]any)
	assert.Equal(t, "ibuprofen", out["drug_name"])
	data := out["data"].(map[string]string)
	assert.Contains(t, data["dosage"], "200-400mg")

	// info_type filter narrows the output to one field.
	result, err = tool.Execute(ctx, map[string]any{"drug_name": "aspirin", "info_type": "warnings"})
	require.NoError(t, err)
	require.True(t, result.Success)
	data = result.Output.(map[string]any)["data"].(map[string]string)
	assert.Len(t, data, 1)
	assert.Contains(t, data["warnings"], "children")
}

func TestDrugInfo_PartialMatch(t *testing.T) {
	tool := NewDrugInfo()

	result, err := tool.Execute(context.Background(), map[string]any{"drug_name": "paracet"})
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, "paracetamol", result.Output.(map[string]any)["drug_name"])
}

func TestDrugInfo_Unknown(t *testing.T) {
	tool := NewDrugInfo()

	result, err := tool.Execute(context.Background(), map[string]any{"drug_name": "unobtainium"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "not found")
}

func TestReminder_RelativeTime(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	tool := NewReminder(nil, WithClock(func() time.Time { return base }))
	defer tool.Close()

	result, err := tool.Execute(context.Background(), map[string]any{
		"message":       "take ibuprofen",
		"reminder_time": "in 30 minutes",
		"reminder_type": "medication",
	})
	require.NoError(t, err)
	require.True(t, result.Success, "error: %s", result.Error)

	entry := result.Output.(ReminderEntry)
	assert.Equal(t, base.Add(30*time.Minute), entry.ReminderTime)
	assert.Equal(t, "scheduled", entry.Status)
	assert.Len(t, tool.Pending(), 1)
}

func TestReminder_PastTimeRejected(t *testing.T) {
	tool := NewReminder(nil)
	defer tool.Close()

	result, err := tool.Execute(context.Background(), map[string]any{
		"message":       "too late",
		"reminder_time": "2020-01-01T00:00:00Z",
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "future")
}

func TestReminder_Cancel(t *testing.T) {
	tool := NewReminder(nil)
	defer tool.Close()

	result, err := tool.Execute(context.Background(), map[string]any{
		"message":       "checkup",
		"reminder_time": "in 1 day",
		"reminder_type": "appointment",
	})
	require.NoError(t, err)
	require.True(t, result.Success)

	id := result.Output.(ReminderEntry).ReminderID
	assert.True(t, tool.Cancel(id))
	assert.False(t, tool.Cancel(id), "second cancel is a no-op")
	assert.Empty(t, tool.Pending())
}

func TestSummarizer_ShortTextPassthrough(t *testing.T) {
	tool := NewSummarizer(nil)

	result, err := tool.Execute(context.Background(), map[string]any{"text": "Take with food."})
	require.NoError(t, err)
	require.True(t, result.Success)

	out := result.Output.(map[string]any)
	assert.Equal(t, "Take with food.", out["summary"])
	assert.Equal(t, 1.0, out["compression_ratio"])
}

func TestSummarizer_Extractive(t *testing.T) {
	tool := NewSummarizer(nil)

	text := strings.Repeat("Ibuprofen should be taken with food to reduce stomach upset. ", 20)
	result, err := tool.Execute(context.Background(), map[string]any{
		"text":       text,
		"max_length": 20,
	})
	require.NoError(t, err)
	require.True(t, result.Success)

	out := result.Output.(map[string]any)
	summary := out["summary"].(string)
	assert.NotEmpty(t, summary)
	assert.LessOrEqual(t, len(strings.Fields(summary)), 20)
	assert.Greater(t, out["compression_ratio"].(float64), 1.0)
}

type panicTool struct{}

func (panicTool) Name() string                    { return "panicky" }
func (panicTool) Description() string             { return "always panics" }
func (panicTool) Parameters() map[string]ParamSpec { return nil }
func (panicTool) Execute(context.Context, map[string]any) (*Result, error) {
	panic("boom")
}

func TestRegistry_Dispatch(t *testing.T) {
	ledger := trace.NewLedger(nil, nil)
	sessionID := ledger.Start("")

	reg := NewRegistry(ledger, nil)
	reg.Register(NewCalculator())
	reg.Register(NewDrugInfo())

	result := reg.Execute(context.Background(), sessionID, "calculator", map[string]any{"expression": "2+2"})
	require.True(t, result.Success)

	sess, err := ledger.Get(sessionID)
	require.NoError(t, err)

	// One executing record plus one completed record per dispatch.
	calls := sess.ToolCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "executing", calls[0].Metadata["status"])
	assert.Equal(t, "completed", calls[1].Metadata["status"])
	assert.True(t, calls[1].Success)
	assert.Equal(t, "calculator", calls[1].ToolName)
}

func TestRegistry_ToolNotFound(t *testing.T) {
	ledger := trace.NewLedger(nil, nil)
	sessionID := ledger.Start("")

	reg := NewRegistry(ledger, nil)
	reg.Register(NewCalculator())

	result := reg.Execute(context.Background(), sessionID, "teleporter", nil)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "not found")
	assert.Contains(t, result.Error, "calculator")

	sess, err := ledger.Get(sessionID)
	require.NoError(t, err)
	calls := sess.ToolCalls()
	require.Len(t, calls, 1)
	assert.False(t, calls[0].Success)
	assert.Equal(t, trace.ErrorKindValidation, calls[0].ErrorKind)
}

func TestRegistry_InvalidArguments(t *testing.T) {
	reg := NewRegistry(nil, nil)
	reg.Register(NewCalculator())

	result := reg.Execute(context.Background(), "", "calculator", map[string]any{})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "invalid arguments")
}

func TestRegistry_PanicRecovery(t *testing.T) {
	reg := NewRegistry(nil, nil)
	reg.Register(panicTool{})

	result := reg.Execute(context.Background(), "", "panicky", nil)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "panicked")

	stats := reg.Stats()
	assert.Equal(t, int64(1), stats.TotalExecutions)
	assert.Equal(t, int64(1), stats.FailureCount)
}

func TestRegistry_List(t *testing.T) {
	reg := NewRegistry(nil, nil)
	reg.Register(NewDrugInfo())
	reg.Register(NewCalculator())
	reg.Register(NewSummarizer(nil))

	schemas := reg.List()
	require.Len(t, schemas, 3)
	assert.Equal(t, "calculator", schemas[0].Name)
	assert.Equal(t, "drug_info", schemas[1].Name)
	assert.Equal(t, "summarizer", schemas[2].Name)
	assert.True(t, schemas[1].Parameters["drug_name"].Required)
}
