package analysis

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const bannerWidth = 80

// Report renders the insights as a human-readable text report.
func Report(in *Insights) string {
	var b strings.Builder
	banner := strings.Repeat("=", bannerWidth)

	section := func(title string) {
		b.WriteString(banner + "\n")
		b.WriteString(title + "\n")
		b.WriteString(banner + "\n")
	}

	section("TRACE ANALYSIS REPORT")
	b.WriteString(fmt.Sprintf("Generated: %s\n\n", in.Summary.GeneratedAt.Format("2006-01-02 15:04:05 UTC")))

	section("SUMMARY")
	b.WriteString(fmt.Sprintf("Total traces analyzed:   %d\n", in.Summary.TotalTraces))
	b.WriteString(fmt.Sprintf("Total tool calls:        %d\n", in.Summary.TotalToolCalls))
	b.WriteString(fmt.Sprintf("Successful calls:        %d\n", in.Summary.SuccessfulCalls))
	b.WriteString(fmt.Sprintf("Failed calls:            %d\n", in.Summary.FailedCalls))
	b.WriteString(fmt.Sprintf("Overall success rate:    %.1f%%\n", in.Summary.OverallSuccessRate*100))
	b.WriteString(fmt.Sprintf("Shortcut rate:           %.1f%%\n", in.Summary.ShortcutRate*100))
	b.WriteString(fmt.Sprintf("Total failures:          %d\n\n", in.Summary.TotalFailures))

	if len(in.ToolStats) > 0 {
		section("TOOL RELIABILITY")
		for _, ts := range in.ToolStats {
			b.WriteString(fmt.Sprintf("%-20s calls=%-4d success=%5.1f%%  avg=%.0fms min=%.0fms max=%.0fms\n",
				ts.Tool, ts.TotalCalls, ts.SuccessRate*100,
				ts.AvgDurationMs, ts.MinDurationMs, ts.MaxDurationMs))
		}
		b.WriteString("\n")
	}

	if len(in.Shortcuts) > 0 {
		section("SHORTCUT DETECTION")
		b.WriteString(fmt.Sprintf("%d session(s) answered medical questions without evidence backing:\n", len(in.Shortcuts)))
		for _, sc := range in.Shortcuts {
			b.WriteString(fmt.Sprintf("  %s: %s\n", sc.SessionID, sc.Reason))
		}
		b.WriteString("\n")
	}

	if len(in.Failures) > 0 {
		section("ERROR PATTERNS")
		for _, rf := range in.RecurringFailures {
			b.WriteString(fmt.Sprintf("  [%dx] %s\n", rf.Count, rf.Pattern))
		}
		b.WriteString("\n")
		for _, f := range in.Failures {
			b.WriteString(fmt.Sprintf("  session=%s step=%d cause=%s severity=%s\n",
				f.SessionID, f.StepID, f.RootCause, f.Severity))
			b.WriteString(fmt.Sprintf("    error: %s\n", f.Error))
			b.WriteString(fmt.Sprintf("    fix:   %s\n", f.Recommendation))
		}
		b.WriteString("\n")
	}

	if len(in.SlowSteps) > 0 || len(in.UnreliableTools) > 0 {
		section("BOTTLENECKS & RISK POINTS")
		for _, s := range in.SlowSteps {
			b.WriteString(fmt.Sprintf("  slow step type %q: avg %.0fms over %d steps\n",
				s.StepType, s.AvgLatencyMs, s.Count))
		}
		for _, u := range in.UnreliableTools {
			b.WriteString(fmt.Sprintf("  unreliable tool %q: %.1f%% success over %d calls\n",
				u.Tool, u.SuccessRate*100, u.TotalCalls))
		}
		b.WriteString("\n")
	}

	section("RECOMMENDATIONS")
	for i, rec := range in.Recommendations {
		b.WriteString(fmt.Sprintf("%d. %s\n", i+1, rec))
	}

	return b.String()
}

// ExportCSV writes tool and step metrics next to the given path stem.
// For stem "out/metrics" it produces out/metrics_tools.csv and
// out/metrics_steps.csv.
func ExportCSV(in *Insights, stem string) error {
	if dir := filepath.Dir(stem); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	toolRows := [][]string{
		{"Tool", "Total Calls", "Successful", "Failed", "Success Rate", "Avg Duration (ms)", "Min Duration (ms)", "Max Duration (ms)"},
	}
	for _, ts := range in.ToolStats {
		toolRows = append(toolRows, []string{
			ts.Tool,
			strconv.Itoa(ts.TotalCalls),
			strconv.Itoa(ts.Successful),
			strconv.Itoa(ts.Failed),
			fmt.Sprintf("%.3f", ts.SuccessRate),
			fmt.Sprintf("%.1f", ts.AvgDurationMs),
			fmt.Sprintf("%.1f", ts.MinDurationMs),
			fmt.Sprintf("%.1f", ts.MaxDurationMs),
		})
	}
	if err := writeCSV(stem+"_tools.csv", toolRows); err != nil {
		return err
	}

	stepRows := [][]string{
		{"Step Type", "Count", "Avg Latency (ms)", "Min Latency (ms)", "Max Latency (ms)"},
	}
	for _, st := range in.StepStats {
		stepRows = append(stepRows, []string{
			st.StepType,
			strconv.Itoa(st.Count),
			fmt.Sprintf("%.1f", st.AvgMs),
			fmt.Sprintf("%.1f", st.MinMs),
			fmt.Sprintf("%.1f", st.MaxMs),
		})
	}
	return writeCSV(stem+"_steps.csv", stepRows)
}

func writeCSV(path string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
