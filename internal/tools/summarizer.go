package tools

import (
	"context"
	"strings"
)

// SummarizeFunc produces a summary of text, focused on a topic, within a
// word budget. The pipeline wires its reasoning engine in here; without
// one the tool falls back to extractive summarization.
type SummarizeFunc func(ctx context.Context, text string, maxWords int, focus string) (string, error)

// Summarizer condenses long texts such as medication instructions.
type Summarizer struct {
	summarize SummarizeFunc
}

// NewSummarizer returns the summarizer tool. A nil fn selects the built-in
// extractive fallback.
func NewSummarizer(fn SummarizeFunc) *Summarizer {
	return &Summarizer{summarize: fn}
}

type summarizerArgs struct {
	Text      string `json:"text"`
	MaxLength int    `json:"max_length"`
	Focus     string `json:"focus"`
}

const shortTextThreshold = 50

func (s *Summarizer) Name() string { return "summarizer" }

func (s *Summarizer) Description() string {
	return "Summarizes long texts, documents, or instructions into concise summaries."
}

func (s *Summarizer) Parameters() map[string]ParamSpec {
	return map[string]ParamSpec{
		"text": {
			Type:        "string",
			Required:    true,
			Description: "Text to summarize",
		},
		"max_length": {
			Type:        "integer",
			Description: "Maximum length of summary in words (default: 100)",
			Default:     100,
		},
		"focus": {
			Type:        "string",
			Description: "What to focus on in the summary (e.g. 'key points', 'side effects')",
			Default:     "key points",
		},
	}
}

func (s *Summarizer) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	var in summarizerArgs
	if err := decodeArgs(args, &in); err != nil {
		return Failure("summarizer: %v", err), nil
	}

	text := strings.TrimSpace(in.Text)
	if text == "" {
		return Failure("text to summarize is required"), nil
	}
	maxWords := in.MaxLength
	if maxWords <= 0 {
		maxWords = 100
	}
	focus := in.Focus
	if focus == "" {
		focus = "key points"
	}

	// Short input needs no summarization.
	if len(text) < shortTextThreshold {
		return &Result{
			Success: true,
			Output: map[string]any{
				"original_length":   len(text),
				"summary":           text,
				"summary_length":    len(strings.Fields(text)),
				"compression_ratio": 1.0,
			},
			Metadata: map[string]any{"tool": "summarizer", "note": "text already short"},
		}, nil
	}

	var summary string
	method := "extractive"
	if s.summarize != nil {
		out, err := s.summarize(ctx, text, maxWords, focus)
		if err != nil {
			return &Result{
				Success:  false,
				Error:    "summarization failed: " + err.Error(),
				Metadata: map[string]any{"tool": "summarizer"},
			}, nil
		}
		summary = strings.TrimSpace(out)
		method = "model"
	}
	if summary == "" {
		summary = extractiveSummary(text, maxWords)
		method = "extractive"
	}

	return &Result{
		Success: true,
		Output: map[string]any{
			"original_length":   len(text),
			"summary":           summary,
			"summary_length":    len(strings.Fields(summary)),
			"compression_ratio": float64(len(text)) / float64(max(len(summary), 1)),
			"focus":             focus,
		},
		Metadata: map[string]any{
			"tool":   "summarizer",
			"method": method,
			"focus":  focus,
		},
	}, nil
}

// extractiveSummary takes leading sentences until the word budget is spent.
func extractiveSummary(text string, maxWords int) string {
	var (
		out   []string
		words int
	)
	for _, sentence := range splitSentences(text) {
		n := len(strings.Fields(sentence))
		if words > 0 && words+n > maxWords {
			break
		}
		out = append(out, sentence)
		words += n
		if words >= maxWords {
			break
		}
	}
	if len(out) == 0 {
		fields := strings.Fields(text)
		if len(fields) > maxWords {
			fields = fields[:maxWords]
		}
		return strings.Join(fields, " ")
	}
	return strings.Join(out, " ")
}

func splitSentences(text string) []string {
	var sentences []string
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(b.String()); s != "" {
				sentences = append(sentences, s)
			}
			b.Reset()
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
