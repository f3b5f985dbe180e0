package trace

import (
	"fmt"
	"strings"
)

// StepSummary produces a one-line preview of a step for display in trace
// listings. A summary supplied in the step's metadata takes precedence.
func StepSummary(step Step) string {
	if s, ok := step.Metadata["summary"].(string); ok && s != "" {
		return s
	}

	switch step.Type {
	case StepDecision:
		action, reasoning := decisionFields(step.Output)
		if reasoning != "" {
			preview := strings.ReplaceAll(reasoning, "\n", " ")
			if len(preview) > 100 {
				preview = preview[:100] + "..."
			}
			return fmt.Sprintf("Decision: %s - %s", action, preview)
		}
		return fmt.Sprintf("Decision: %s", action)

	case StepToolCall:
		status := "ok"
		if !step.Success {
			status = "failed"
		}
		return fmt.Sprintf("Tool %s: %s (%.0fms)", step.ToolName, status, step.DurationMs)

	case StepMemoryUpdate:
		cause := "unknown"
		if out, ok := step.Output.(map[string]any); ok {
			if c, ok := out["cause"].(string); ok && c != "" {
				cause = c
			}
		}
		return fmt.Sprintf("Memory updated: %s", cause)

	default:
		return fmt.Sprintf("Step %d: %s", step.StepID, step.Type)
	}
}

func decisionFields(output any) (action, reasoning string) {
	action = "unknown"
	out, ok := output.(map[string]any)
	if !ok {
		return action, ""
	}
	if a, ok := out["selected_action"].(string); ok && a != "" {
		action = a
	}
	reasoning, _ = out["reasoning"].(string)
	return action, reasoning
}
