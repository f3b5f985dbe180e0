// Package main is the entry point for the Glassbox CLI.
// Glassbox is a traced medical assistant pipeline: every answer is produced
// by a fixed sequence of agents, and every decision, tool call, and state
// change lands in an inspectable trace.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/glasslabs/glassbox/internal/agents"
	"github.com/glasslabs/glassbox/internal/analysis"
	"github.com/glasslabs/glassbox/internal/config"
	"github.com/glasslabs/glassbox/internal/logging"
	"github.com/glasslabs/glassbox/internal/pipeline"
	"github.com/glasslabs/glassbox/internal/tools"
	"github.com/glasslabs/glassbox/internal/trace"
)

var (
	version = "0.1.0"
	cfgPath string
	verbose bool
	cfg     *config.Config
	log     *logging.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "glassbox",
		Short: "Glassbox - traced medical assistant pipeline",
		Long: `Glassbox answers health questions through a fixed agent pipeline
(classify, safety, tools, reasoning, persona, judge) and records every
decision in an append-only trace.

Ask a question:        glassbox ask "Can I take ibuprofen with aspirin?"
Inspect a trace:       glassbox trace <session-id>
Analyze all traces:    glassbox analyze`,
		PersistentPreRunE: initApp,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.glassbox/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Glassbox v%s\n", version)
		},
	})

	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(traceCmd())
	rootCmd.AddCommand(toolsCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initApp(cmd *cobra.Command, args []string) error {
	var err error
	if cfgPath != "" {
		cfg, err = config.LoadFromPath(cfgPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logCfg := &logging.Config{
		Level:    cfg.Logging.Level,
		FilePath: cfg.Logging.File,
		Console:  cfg.Logging.Console,
	}
	if verbose {
		logCfg.Level = "debug"
		logCfg.Console = true
	}
	log = logging.New(logCfg)
	logging.SetGlobal(log)

	return nil
}

// openStore picks the trace backend from config. The caller must invoke the
// returned cleanup.
func openStore() (trace.Store, func(), error) {
	switch cfg.Traces.Backend {
	case "sqlite":
		store, err := trace.NewSQLiteStore(cfg.Traces.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite trace store: %w", err)
		}
		return store, func() { store.Close() }, nil
	default:
		store, err := trace.NewFileStore(cfg.Traces.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("open file trace store: %w", err)
		}
		return store, func() {}, nil
	}
}

// buildPipeline wires the full stack: store, ledger, tool registry, agents.
func buildPipeline() (*pipeline.Orchestrator, *trace.Ledger, func(), error) {
	store, cleanup, err := openStore()
	if err != nil {
		return nil, nil, nil, err
	}

	ledger := trace.NewLedger(store, log)

	reminder := tools.NewReminder(log)
	registry := tools.NewRegistry(ledger, log)
	registry.Register(tools.NewCalculator())
	registry.Register(tools.NewDrugInfo())
	registry.Register(tools.NewSummarizer(nil))
	registry.Register(reminder)

	orch := pipeline.New(agents.DefaultCollaborators(), registry, ledger, log,
		pipeline.WithStageTimeout(time.Duration(cfg.Pipeline.StageTimeoutSec)*time.Second),
		pipeline.WithStreamBuffer(cfg.Pipeline.StreamBuffer),
		pipeline.WithSummarizerMaxWords(cfg.Tools.SummarizerMaxWords),
		pipeline.WithReminderDelay(cfg.Tools.ReminderDefaultDelay),
	)

	allCleanup := func() {
		reminder.Close()
		cleanup()
	}
	return orch, ledger, allCleanup, nil
}

func askCmd() *cobra.Command {
	var stream bool

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a health question through the traced pipeline",
		Long: `Ask a question and get an answer with a full decision trace.

Examples:
  glassbox ask "Can I take ibuprofen and paracetamol together?"
  glassbox ask --stream "What are the side effects of aspirin?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.Join(args, " ")

			orch, _, cleanup, err := buildPipeline()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			if stream {
				return runAskStream(ctx, orch, question)
			}

			answer, sess, err := orch.Run(ctx, question, nil)
			if err != nil {
				return fmt.Errorf("pipeline failed: %w", err)
			}

			fmt.Println(answer)
			fmt.Printf("\nSession: %s (%d steps). Inspect with: glassbox trace %s\n",
				sess.SessionID, len(sess.Steps), sess.SessionID)
			return nil
		},
	}

	cmd.Flags().BoolVar(&stream, "stream", false, "stream stage progress while the pipeline runs")
	return cmd
}

func runAskStream(ctx context.Context, orch *pipeline.Orchestrator, question string) error {
	var sessionID string
	for ev := range orch.RunStream(ctx, question) {
		switch ev.Type {
		case pipeline.EventStage:
			fmt.Printf("[%s] %s\n", ev.Stage, ev.Message)
		case pipeline.EventError:
			return fmt.Errorf("pipeline failed: %s", ev.Error)
		case pipeline.EventComplete:
			sessionID = ev.SessionID
			fmt.Printf("\n%s\n", ev.Answer)
		}
	}
	if sessionID != "" {
		fmt.Printf("\nSession: %s. Inspect with: glassbox trace %s\n", sessionID, sessionID)
	}
	return nil
}

func traceCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "trace [session-id]",
		Short: "Inspect a recorded session trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := openStore()
			if err != nil {
				return err
			}
			defer cleanup()

			sess, err := store.Load(args[0])
			if err != nil {
				return fmt.Errorf("load trace: %w", err)
			}

			if asJSON {
				data, err := json.MarshalIndent(sess, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			printTrace(sess)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw trace as JSON")
	return cmd
}

func printTrace(sess *trace.Session) {
	fmt.Printf("Session %s\n", sess.SessionID)
	fmt.Printf("Started: %s\n", sess.StartedAt.Format(time.RFC3339))
	if sess.Ended() {
		fmt.Printf("Ended:   %s (%.2fs)\n", sess.EndedAt.Format(time.RFC3339), sess.Metadata.DurationSeconds)
	}
	fmt.Printf("Steps:   %d (%d decisions, %d tool calls, %d memory updates)\n\n",
		sess.Metadata.TotalSteps, sess.Metadata.TotalDecisions,
		sess.Metadata.TotalToolCalls, sess.Metadata.TotalMemoryUpdates)

	for _, step := range sess.Steps {
		marker := "ok"
		if !step.Success {
			marker = "FAILED"
		}
		fmt.Printf("%3d. [%-16s] %-6s %s\n", step.StepID, step.Type, marker, trace.StepSummary(step))
		if step.Error != "" {
			fmt.Printf("     error: %s\n", step.Error)
		}
	}

	if sess.FinalAnswer != "" {
		fmt.Printf("\nFinal answer:\n%s\n", sess.FinalAnswer)
	}
}

func toolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List available tools and their parameters",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := tools.NewRegistry(nil, log)
			registry.Register(tools.NewCalculator())
			registry.Register(tools.NewDrugInfo())
			registry.Register(tools.NewSummarizer(nil))
			rem := tools.NewReminder(log)
			defer rem.Close()
			registry.Register(rem)

			for _, schema := range registry.List() {
				fmt.Printf("%s\n  %s\n", schema.Name, schema.Description)
				names := make([]string, 0, len(schema.Parameters))
				for name := range schema.Parameters {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					spec := schema.Parameters[name]
					required := ""
					if spec.Required {
						required = " (required)"
					}
					fmt.Printf("  - %s: %s%s - %s\n", name, spec.Type, required, spec.Description)
				}
				fmt.Println()
			}
			return nil
		},
	}
}

func analyzeCmd() *cobra.Command {
	var csvStem string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Analyze all recorded traces for reliability and safety issues",
		Long: `Analyze persisted traces: tool success rates, latency bottlenecks,
evidence shortcuts, and root causes of failures.

Examples:
  glassbox analyze
  glassbox analyze --csv out/metrics
  glassbox analyze --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := openStore()
			if err != nil {
				return err
			}
			defer cleanup()

			opts := analysis.Options{
				EvidenceTools:       cfg.Analysis.EvidenceTools,
				SlowStepFactor:      cfg.Analysis.SlowStepFactor,
				UnreliableMinCalls:  cfg.Analysis.UnreliableMinCalls,
				UnreliableThreshold: cfg.Analysis.UnreliableThreshold,
			}
			insights, err := analysis.New(store, opts, log).Analyze()
			if err != nil {
				return fmt.Errorf("analyze traces: %w", err)
			}

			if asJSON {
				data, err := json.MarshalIndent(insights, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
			} else {
				fmt.Print(analysis.Report(insights))
			}

			if csvStem != "" {
				if err := analysis.ExportCSV(insights, csvStem); err != nil {
					return fmt.Errorf("export csv: %w", err)
				}
				fmt.Printf("\nMetrics exported to %s_tools.csv and %s_steps.csv\n", csvStem, csvStem)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&csvStem, "csv", "", "export metrics CSVs next to this path stem")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print insights as JSON")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("Glassbox Configuration:")
			fmt.Println("───────────────────────")
			fmt.Printf("Log Level:      %s\n", cfg.Logging.Level)
			fmt.Printf("Log File:       %s\n", cfg.Logging.File)
			fmt.Printf("Trace Backend:  %s\n", cfg.Traces.Backend)
			fmt.Printf("Trace Dir:      %s\n", cfg.Traces.Dir)
			fmt.Printf("Trace DB:       %s\n", cfg.Traces.DBPath)
			fmt.Printf("Evidence Tools: %v\n", cfg.Analysis.EvidenceTools)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Run: func(cmd *cobra.Command, args []string) {
			if cfgPath != "" {
				fmt.Println(cfgPath)
				return
			}
			home, _ := os.UserHomeDir()
			fmt.Println(home + "/.glassbox/config.yaml")
		},
	})

	return cmd
}
