// Package analysis inspects persisted trace sessions offline and derives
// behavioral insights: tool reliability, latency bottlenecks, suspected
// evidence shortcuts, and root-cause attribution for failures.
package analysis

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/glasslabs/glassbox/internal/logging"
	"github.com/glasslabs/glassbox/internal/trace"
)

// Options tune the analyzer's thresholds.
type Options struct {
	// EvidenceTools are the tool names whose successful calls count as
	// evidence backing an answer.
	EvidenceTools []string

	// SlowStepFactor marks a step type slow when its average latency
	// exceeds the overall average by this factor.
	SlowStepFactor float64

	// UnreliableMinCalls is the minimum sample size before a tool can be
	// flagged unreliable.
	UnreliableMinCalls int

	// UnreliableThreshold is the success rate below which a tool with
	// enough calls is flagged.
	UnreliableThreshold float64
}

// DefaultOptions returns the stock thresholds.
func DefaultOptions() Options {
	return Options{
		EvidenceTools:       []string{"drug_info"},
		SlowStepFactor:      1.5,
		UnreliableMinCalls:  3,
		UnreliableThreshold: 0.8,
	}
}

// medicalIndicators mark a final answer as containing factual medical
// claims that should be evidence-backed.
var medicalIndicators = []string{
	"mg", "dose", "medication", "drug", "side effect",
	"interaction", "contraindication", "dosage",
}

// ToolStats aggregates one tool's calls across all sessions.
type ToolStats struct {
	Tool          string  `json:"tool"`
	TotalCalls    int     `json:"total_calls"`
	Successful    int     `json:"successful"`
	Failed        int     `json:"failed"`
	SuccessRate   float64 `json:"success_rate"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	MinDurationMs float64 `json:"min_duration_ms"`
	MaxDurationMs float64 `json:"max_duration_ms"`
}

// StepTypeStats aggregates latency per step type. Only steps with a
// recorded duration contribute to the latency figures.
type StepTypeStats struct {
	StepType string  `json:"step_type"`
	Count    int     `json:"count"`
	AvgMs    float64 `json:"avg_ms"`
	MinMs    float64 `json:"min_ms"`
	MaxMs    float64 `json:"max_ms"`

	timedCount int
}

// Shortcut records one session whose answer was not backed by evidence.
type Shortcut struct {
	SessionID         string `json:"session_id"`
	Reason            string `json:"reason"`
	HasMedicalContent bool   `json:"has_medical_content"`
	HasEvidenceTool   bool   `json:"has_evidence_tool"`
	SuccessfulTools   int    `json:"successful_tool_count"`
	FailedTools       int    `json:"failed_tool_count"`
}

// Failure is one failed step with its attributed root cause.
type Failure struct {
	SessionID         string          `json:"session_id"`
	StepID            int             `json:"step_id"`
	StepType          trace.StepType  `json:"step_type"`
	ToolName          string          `json:"tool_name,omitempty"`
	Error             string          `json:"error"`
	ErrorKind         trace.ErrorKind `json:"error_kind,omitempty"`
	RootCause         string          `json:"root_cause"`
	DerivedFromStepID int             `json:"derived_from_step_id,omitempty"`
	Severity          string          `json:"severity"`
	Recommendation    string          `json:"recommendation"`
}

// RecurringFailure groups failures by root cause and error prefix.
type RecurringFailure struct {
	Pattern   string `json:"pattern"`
	RootCause string `json:"root_cause"`
	Count     int    `json:"count"`
}

// SlowStep flags a step type whose latency is well above the overall mean.
type SlowStep struct {
	StepType     string  `json:"step_type"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	Count        int     `json:"count"`
}

// UnreliableTool flags a tool with a low success rate at meaningful volume.
type UnreliableTool struct {
	Tool        string  `json:"tool"`
	SuccessRate float64 `json:"success_rate"`
	TotalCalls  int     `json:"total_calls"`
}

// Summary is the headline numbers of a run of the analyzer.
type Summary struct {
	TotalTraces        int       `json:"total_traces"`
	TotalToolCalls     int       `json:"total_tool_calls"`
	SuccessfulCalls    int       `json:"total_successful_calls"`
	FailedCalls        int       `json:"total_failed_calls"`
	OverallSuccessRate float64   `json:"overall_success_rate"`
	ShortcutRate       float64   `json:"shortcut_rate"`
	TotalFailures      int       `json:"total_failures"`
	GeneratedAt        time.Time `json:"generated_at"`
}

// Insights is the full analyzer output.
type Insights struct {
	Summary           Summary            `json:"summary"`
	ToolStats         []ToolStats        `json:"tool_stats"`
	StepStats         []StepTypeStats    `json:"step_stats"`
	Shortcuts         []Shortcut         `json:"shortcuts"`
	Failures          []Failure          `json:"failures"`
	RecurringFailures []RecurringFailure `json:"recurring_failures"`
	SlowSteps         []SlowStep         `json:"slow_steps"`
	UnreliableTools   []UnreliableTool   `json:"unreliable_tools"`
	Recommendations   []string           `json:"recommendations"`
}

// Analyzer derives insights from a trace store.
type Analyzer struct {
	store trace.Store
	opts  Options
	log   *logging.Logger
}

// New creates an analyzer over the given store. Zero-valued Options fields
// fall back to the defaults individually, so callers can override only the
// thresholds they care about.
func New(store trace.Store, opts Options, log *logging.Logger) *Analyzer {
	def := DefaultOptions()
	if len(opts.EvidenceTools) == 0 {
		opts.EvidenceTools = def.EvidenceTools
	}
	if opts.SlowStepFactor == 0 {
		opts.SlowStepFactor = def.SlowStepFactor
	}
	if opts.UnreliableMinCalls == 0 {
		opts.UnreliableMinCalls = def.UnreliableMinCalls
	}
	if opts.UnreliableThreshold == 0 {
		opts.UnreliableThreshold = def.UnreliableThreshold
	}
	if log == nil {
		log = logging.Global()
	}
	return &Analyzer{store: store, opts: opts, log: log.Component("analysis")}
}

// Analyze loads every persisted session and computes the full insight set.
// Analysis is read-only and idempotent.
func (a *Analyzer) Analyze() (*Insights, error) {
	sessions, err := a.store.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("load traces: %w", err)
	}

	insights := &Insights{
		Summary: Summary{
			TotalTraces: len(sessions),
			GeneratedAt: time.Now().UTC(),
		},
	}
	if len(sessions) == 0 {
		insights.Recommendations = []string{"No traces found. Run the pipeline to generate traces first."}
		return insights, nil
	}

	toolAgg := map[string]*toolAccumulator{}
	stepAgg := map[trace.StepType]*latencyAccumulator{}

	for _, sess := range sessions {
		a.accumulate(sess, toolAgg, stepAgg)

		if shortcut, ok := a.detectShortcut(sess); ok {
			insights.Shortcuts = append(insights.Shortcuts, shortcut)
		}
		insights.Failures = append(insights.Failures, a.analyzeFailures(sess)...)
	}

	insights.ToolStats = finalizeToolStats(toolAgg)
	insights.StepStats = finalizeStepStats(stepAgg)
	insights.SlowSteps = a.findSlowSteps(insights.StepStats)
	insights.UnreliableTools = a.findUnreliableTools(insights.ToolStats)
	insights.RecurringFailures = groupRecurring(insights.Failures)

	for _, ts := range insights.ToolStats {
		insights.Summary.TotalToolCalls += ts.TotalCalls
		insights.Summary.SuccessfulCalls += ts.Successful
		insights.Summary.FailedCalls += ts.Failed
	}
	if insights.Summary.TotalToolCalls > 0 {
		insights.Summary.OverallSuccessRate =
			float64(insights.Summary.SuccessfulCalls) / float64(insights.Summary.TotalToolCalls)
	}
	insights.Summary.ShortcutRate = float64(len(insights.Shortcuts)) / float64(len(sessions))
	insights.Summary.TotalFailures = len(insights.Failures)

	insights.Recommendations = a.recommend(insights)

	a.log.Info("analyzed %d traces: %d tool calls, %d failures, %d suspected shortcuts",
		len(sessions), insights.Summary.TotalToolCalls, insights.Summary.TotalFailures, len(insights.Shortcuts))
	return insights, nil
}

type toolAccumulator struct {
	total, success, failed int
	durations              []float64
}

type latencyAccumulator struct {
	count     int
	durations []float64
}

func (a *Analyzer) accumulate(sess *trace.Session, toolAgg map[string]*toolAccumulator, stepAgg map[trace.StepType]*latencyAccumulator) {
	for _, step := range sess.Steps {
		acc, ok := stepAgg[step.Type]
		if !ok {
			acc = &latencyAccumulator{}
			stepAgg[step.Type] = acc
		}
		acc.count++
		if step.DurationMs > 0 {
			acc.durations = append(acc.durations, step.DurationMs)
		}

		if step.Type != trace.StepToolCall {
			continue
		}
		name := step.ToolName
		if name == "" {
			name = "unknown"
		}
		tacc, ok := toolAgg[name]
		if !ok {
			tacc = &toolAccumulator{}
			toolAgg[name] = tacc
		}
		tacc.total++
		tacc.durations = append(tacc.durations, step.DurationMs)
		if step.Success {
			tacc.success++
		} else {
			tacc.failed++
		}
	}
}

// detectShortcut flags sessions whose final answer makes factual medical
// claims with no successful evidence tool call behind them.
func (a *Analyzer) detectShortcut(sess *trace.Session) (Shortcut, bool) {
	answer := strings.TrimSpace(sess.FinalAnswer)
	if len(answer) < 10 {
		return Shortcut{}, false
	}

	var successful, failed int
	hasEvidence := false
	for _, step := range sess.ToolCalls() {
		if step.Success {
			successful++
			for _, name := range a.opts.EvidenceTools {
				if step.ToolName == name {
					hasEvidence = true
				}
			}
		} else {
			failed++
		}
	}

	lower := strings.ToLower(answer)
	hasMedical := false
	for _, ind := range medicalIndicators {
		if strings.Contains(lower, ind) {
			hasMedical = true
			break
		}
	}

	shortcut := Shortcut{
		SessionID:         sess.SessionID,
		HasMedicalContent: hasMedical,
		HasEvidenceTool:   hasEvidence,
		SuccessfulTools:   successful,
		FailedTools:       failed,
	}

	if !hasMedical {
		return Shortcut{}, false
	}
	switch {
	case !hasEvidence && failed > 0 && successful == 0:
		shortcut.Reason = "All evidence tools failed but answer contains medical content"
	case !hasEvidence:
		shortcut.Reason = "Medical content in answer but no evidence retrieval tools used"
	default:
		return Shortcut{}, false
	}
	return shortcut, true
}

// analyzeFailures attributes a root cause to every failed step. Failed
// decisions walk back to the nearest earlier failed tool call; those are
// attributed to the tool rather than the model.
func (a *Analyzer) analyzeFailures(sess *trace.Session) []Failure {
	var failures []Failure
	for _, step := range sess.Steps {
		if step.Success {
			continue
		}

		f := Failure{
			SessionID: sess.SessionID,
			StepID:    step.StepID,
			StepType:  step.Type,
			ToolName:  step.ToolName,
			Error:     step.Error,
			ErrorKind: step.ErrorKind,
			RootCause: "unknown",
		}

		switch {
		case step.Type == trace.StepToolCall && step.ToolName != "":
			f.RootCause = "tool:" + step.ToolName
		case step.Type == trace.StepDecision:
			f.RootCause = "llm"
			for _, prev := range sess.Steps {
				if prev.StepID >= step.StepID || prev.Success {
					continue
				}
				if prev.Type == trace.StepToolCall {
					f.DerivedFromStepID = prev.StepID
					f.RootCause = "tool:" + prev.ToolName
					break
				}
			}
		case step.Type == trace.StepMemoryUpdate:
			f.RootCause = "memory"
		default:
			if step.ErrorKind == trace.ErrorKindValidation ||
				containsAnyFold(step.Error, []string{"user", "input", "request", "invalid"}) {
				f.RootCause = "user_input"
			}
		}

		f.Severity = severityFor(step)
		f.Recommendation = recommendFor(f)
		failures = append(failures, f)
	}
	return failures
}

func severityFor(step trace.Step) string {
	errLower := strings.ToLower(step.Error)
	switch {
	case strings.Contains(errLower, "critical") || strings.Contains(errLower, "fatal"):
		return "high"
	case step.ErrorKind == trace.ErrorKindUpstreamTimeout || strings.Contains(errLower, "timeout"):
		return "low"
	default:
		return "medium"
	}
}

func recommendFor(f Failure) string {
	errLower := strings.ToLower(f.Error)

	if strings.HasPrefix(f.RootCause, "tool:") {
		tool := strings.TrimPrefix(f.RootCause, "tool:")
		switch {
		case strings.Contains(errLower, "timeout") || strings.Contains(errLower, "connection"):
			return fmt.Sprintf("Retry calls to %s with backoff and consider a larger timeout.", tool)
		case strings.Contains(errLower, "rate limit") || strings.Contains(errLower, "quota"):
			return fmt.Sprintf("Throttle calls to %s or queue them to stay under its limits.", tool)
		default:
			return fmt.Sprintf("Add retry logic with a fallback path for %s.", tool)
		}
	}

	switch f.RootCause {
	case "llm":
		if strings.Contains(errLower, "timeout") {
			return "Increase the model timeout or reduce the prompt size."
		}
		return "Retry the model call with adjusted parameters."
	case "memory":
		return "Validate state updates before applying them and add consistency checks."
	case "user_input":
		return "Add input validation and return a clear error message to the user."
	default:
		return "Review error handling for this step type and add monitoring."
	}
}

func (a *Analyzer) findSlowSteps(stats []StepTypeStats) []SlowStep {
	var total float64
	var count int
	for _, st := range stats {
		total += st.AvgMs * float64(st.timedCount)
		count += st.timedCount
	}
	if count == 0 {
		return nil
	}
	overall := total / float64(count)

	var slow []SlowStep
	for _, st := range stats {
		if st.timedCount == 0 {
			continue
		}
		if st.AvgMs > overall*a.opts.SlowStepFactor {
			slow = append(slow, SlowStep{
				StepType:     st.StepType,
				AvgLatencyMs: st.AvgMs,
				Count:        st.Count,
			})
		}
	}
	return slow
}

func (a *Analyzer) findUnreliableTools(stats []ToolStats) []UnreliableTool {
	var out []UnreliableTool
	for _, ts := range stats {
		if ts.TotalCalls >= a.opts.UnreliableMinCalls && ts.SuccessRate < a.opts.UnreliableThreshold {
			out = append(out, UnreliableTool{
				Tool:        ts.Tool,
				SuccessRate: ts.SuccessRate,
				TotalCalls:  ts.TotalCalls,
			})
		}
	}
	return out
}

func (a *Analyzer) recommend(in *Insights) []string {
	var recs []string

	if len(in.UnreliableTools) > 0 {
		names := make([]string, len(in.UnreliableTools))
		for i, u := range in.UnreliableTools {
			names[i] = u.Tool
		}
		recs = append(recs, "Consider adding retry logic or fallback mechanisms for: "+strings.Join(names, ", "))
	}

	if in.Summary.ShortcutRate > 0.1 {
		recs = append(recs, fmt.Sprintf(
			"High shortcut rate detected (%.1f%%). Add verification steps to ensure answers are backed by evidence.",
			in.Summary.ShortcutRate*100))
	}

	for _, rf := range in.RecurringFailures {
		if rf.Count >= 3 {
			recs = append(recs, fmt.Sprintf(
				"Recurring failure pattern %q occurred %d times. Add targeted error handling.",
				rf.Pattern, rf.Count))
			break
		}
	}

	if len(recs) == 0 {
		recs = append(recs, "System appears to be performing well. No critical issues detected.")
	}
	return recs
}

func groupRecurring(failures []Failure) []RecurringFailure {
	counts := map[string]*RecurringFailure{}
	for _, f := range failures {
		errPrefix := f.Error
		if len(errPrefix) > 50 {
			errPrefix = errPrefix[:50]
		}
		key := f.RootCause + ":" + errPrefix
		if rf, ok := counts[key]; ok {
			rf.Count++
			continue
		}
		counts[key] = &RecurringFailure{Pattern: key, RootCause: f.RootCause, Count: 1}
	}

	out := make([]RecurringFailure, 0, len(counts))
	for _, rf := range counts {
		out = append(out, *rf)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Pattern < out[j].Pattern
	})
	return out
}

func finalizeToolStats(agg map[string]*toolAccumulator) []ToolStats {
	out := make([]ToolStats, 0, len(agg))
	for name, acc := range agg {
		ts := ToolStats{
			Tool:       name,
			TotalCalls: acc.total,
			Successful: acc.success,
			Failed:     acc.failed,
		}
		if acc.total > 0 {
			ts.SuccessRate = float64(acc.success) / float64(acc.total)
		}
		ts.AvgDurationMs, ts.MinDurationMs, ts.MaxDurationMs = summarize(acc.durations)
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tool < out[j].Tool })
	return out
}

func finalizeStepStats(agg map[trace.StepType]*latencyAccumulator) []StepTypeStats {
	out := make([]StepTypeStats, 0, len(agg))
	for stepType, acc := range agg {
		st := StepTypeStats{
			StepType: string(stepType),
			Count:    acc.count,
		}
		st.AvgMs, st.MinMs, st.MaxMs = summarize(acc.durations)
		st.timedCount = len(acc.durations)
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepType < out[j].StepType })
	return out
}

func summarize(durations []float64) (avg, min, max float64) {
	if len(durations) == 0 {
		return 0, 0, 0
	}
	min, max = durations[0], durations[0]
	var sum float64
	for _, d := range durations {
		sum += d
		if d < min {
			min = d
		}
		if d > max {
			max = d
		}
	}
	return sum / float64(len(durations)), min, max
}

func containsAnyFold(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}
