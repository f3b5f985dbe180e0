package tools

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/glasslabs/glassbox/internal/logging"
	"github.com/glasslabs/glassbox/internal/trace"
)

// Registry manages tool registration and dispatch. Every execution is
// recorded in the trace ledger when a session id is supplied, and dispatch
// never propagates tool panics or errors to the caller: failures surface
// as a Result with Success=false.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool

	ledger *trace.Ledger
	log    *logging.Logger

	stats Stats
}

// Stats tracks dispatch metrics across all tools.
type Stats struct {
	TotalExecutions int64
	SuccessCount    int64
	FailureCount    int64
	NotFoundCount   int64
	TotalDuration   time.Duration

	mu sync.Mutex
}

// NewRegistry creates a registry that records executions in the given
// ledger. The ledger may be nil for untraced use.
func NewRegistry(ledger *trace.Ledger, log *logging.Logger) *Registry {
	if log == nil {
		log = logging.Global()
	}
	return &Registry{
		tools:  make(map[string]Tool),
		ledger: ledger,
		log:    log.Component("tools"),
	}
}

// Register adds a tool. Registering an existing name replaces the previous
// tool; the replacement is logged rather than rejected so callers can
// override built-ins.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		r.log.Warn("replacing registered tool %s", name)
	}
	r.tools[name] = tool
	r.log.Debug("registered tool %s: %s", name, tool.Description())
}

// Get returns a registered tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns the schema of every registered tool, sorted by name.
func (r *Registry) List() []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]Schema, 0, len(r.tools))
	for _, tool := range r.tools {
		schemas = append(schemas, Schema{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Parameters(),
		})
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}

// Execute dispatches one tool call. An unknown tool, invalid arguments, a
// tool error, or a tool panic all produce a failed Result; the caller
// decides how to degrade. When sessionID is non-empty the call is recorded
// in the ledger with its timing and outcome.
func (r *Registry) Execute(ctx context.Context, sessionID, toolName string, args map[string]any) *Result {
	start := time.Now()

	tool, ok := r.Get(toolName)
	if !ok {
		result := Failure("tool %q not found, available tools: %v", toolName, r.Names())
		r.record(sessionID, toolName, args, result, time.Since(start), trace.ErrorKindValidation)
		r.bump(false, time.Since(start), true)
		return result
	}

	if err := validateArgs(args, tool.Parameters()); err != nil {
		result := Failure("invalid arguments for tool %q: %v", toolName, err)
		r.record(sessionID, toolName, args, result, time.Since(start), trace.ErrorKindValidation)
		r.bump(false, time.Since(start), false)
		return result
	}

	if sessionID != "" && r.ledger != nil {
		r.ledger.AppendToolCall(sessionID, toolName, args, nil, 0, true, "", trace.ErrorKindNone,
			map[string]any{"status": "executing"})
	}

	result := r.run(ctx, tool, args)
	elapsed := time.Since(start)

	kind := trace.ErrorKindNone
	if !result.Success {
		kind = classifyToolError(ctx, result)
	}
	r.record(sessionID, toolName, args, result, elapsed, kind)
	r.bump(result.Success, elapsed, false)

	r.log.Debug("tool %s: success=%v in %s", toolName, result.Success, elapsed)
	return result
}

// run invokes the tool, converting panics and Go errors into failed Results.
func (r *Registry) run(ctx context.Context, tool Tool, args map[string]any) (result *Result) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("tool %s panicked: %v", tool.Name(), rec)
			result = Failure("tool %q panicked: %v", tool.Name(), rec)
		}
	}()

	result, err := tool.Execute(ctx, args)
	if err != nil {
		return Failure("tool %q failed: %v", tool.Name(), err)
	}
	if result == nil {
		return Failure("tool %q returned no result", tool.Name())
	}
	return result
}

func (r *Registry) record(sessionID, toolName string, args map[string]any, result *Result, elapsed time.Duration, kind trace.ErrorKind) {
	if sessionID == "" || r.ledger == nil {
		return
	}

	meta := map[string]any{"status": "completed"}
	for k, v := range result.Metadata {
		meta[k] = v
	}
	r.ledger.AppendToolCall(sessionID, toolName, args, result.Output,
		float64(elapsed)/float64(time.Millisecond), result.Success, result.Error, kind, meta)
}

func (r *Registry) bump(success bool, elapsed time.Duration, notFound bool) {
	r.stats.mu.Lock()
	defer r.stats.mu.Unlock()

	r.stats.TotalExecutions++
	r.stats.TotalDuration += elapsed
	if success {
		r.stats.SuccessCount++
	} else {
		r.stats.FailureCount++
	}
	if notFound {
		r.stats.NotFoundCount++
	}
}

// Stats returns a snapshot of dispatch metrics.
func (r *Registry) Stats() Stats {
	r.stats.mu.Lock()
	defer r.stats.mu.Unlock()
	return Stats{
		TotalExecutions: r.stats.TotalExecutions,
		SuccessCount:    r.stats.SuccessCount,
		FailureCount:    r.stats.FailureCount,
		NotFoundCount:   r.stats.NotFoundCount,
		TotalDuration:   r.stats.TotalDuration,
	}
}

// SuccessRate returns the success rate as a percentage.
func (s *Stats) SuccessRate() float64 {
	if s.TotalExecutions == 0 {
		return 0
	}
	return float64(s.SuccessCount) / float64(s.TotalExecutions) * 100
}

// classifyToolError maps a failed result to a trace error kind.
func classifyToolError(ctx context.Context, result *Result) trace.ErrorKind {
	if ctx.Err() == context.DeadlineExceeded {
		return trace.ErrorKindUpstreamTimeout
	}
	if result.Error != "" {
		return trace.ErrorKindUpstreamFailure
	}
	return trace.ErrorKindInternal
}
