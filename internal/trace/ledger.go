package trace

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glasslabs/glassbox/internal/logging"
)

// Ledger records, diffs, and persists the ordered events of sessions.
// Active sessions live in memory; End finalizes a session and writes it to
// the configured Store. One orchestrator run owns one session id for its
// lifetime; appends to the same session from multiple goroutines are
// serialized by the ledger's lock.
type Ledger struct {
	mu     sync.RWMutex
	active map[string]*Session
	store  Store
	log    *logging.Logger
}

// NewLedger creates a ledger backed by the given store. A nil store keeps
// finalized sessions in memory only.
func NewLedger(store Store, log *logging.Logger) *Ledger {
	if log == nil {
		log = logging.Global()
	}
	return &Ledger{
		active: make(map[string]*Session),
		store:  store,
		log:    log.Component("trace"),
	}
}

// Start begins a new in-memory session. If sessionID is empty a UUID is
// generated. Returns the session id.
func (l *Ledger) Start(sessionID string) string {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.active[sessionID]; exists {
		return sessionID
	}

	l.active[sessionID] = &Session{
		SessionID: sessionID,
		StartedAt: time.Now().UTC(),
	}
	l.log.Debug("started trace session %s", sessionID)
	return sessionID
}

// AppendOptions carries the optional fields of a step.
type AppendOptions struct {
	Metadata   map[string]any
	ToolName   string
	DurationMs float64
	Success    bool
	Error      string
	ErrorKind  ErrorKind
}

// Append adds one step to a session, auto-starting the session if needed,
// and returns the assigned step id.
func (l *Ledger) Append(sessionID string, stepType StepType, input, output any, opts AppendOptions) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	sess, ok := l.active[sessionID]
	if !ok {
		sess = &Session{SessionID: sessionID, StartedAt: time.Now().UTC()}
		l.active[sessionID] = sess
	}

	stepID := len(sess.Steps) + 1
	step := Step{
		StepID:    stepID,
		Type:      stepType,
		Timestamp: time.Now().UTC(),
		Input:     input,
		Output:    output,
		Metadata:  opts.Metadata,
		Success:   opts.Success,
		Error:     opts.Error,
		ErrorKind: opts.ErrorKind,
	}

	switch stepType {
	case StepToolCall:
		step.ToolName = opts.ToolName
		step.DurationMs = opts.DurationMs
		sess.Metadata.TotalToolCalls++
	case StepDecision:
		sess.Metadata.TotalDecisions++
	case StepMemoryUpdate:
		sess.Metadata.TotalMemoryUpdates++
	}

	sess.Steps = append(sess.Steps, step)
	sess.Metadata.TotalSteps = stepID

	l.log.Debug("session %s step %d: %s success=%v", sessionID, stepID, stepType, opts.Success)
	return stepID
}

// AppendDecision records a decision step: the reasoning behind a selected
// action at a stage boundary.
func (l *Ledger) AppendDecision(sessionID string, input any, reasoning, selectedAction string, meta map[string]any) int {
	output := map[string]any{
		"reasoning":       reasoning,
		"selected_action": selectedAction,
	}
	return l.Append(sessionID, StepDecision, input, output, AppendOptions{
		Metadata: meta,
		Success:  true,
	})
}

// AppendFailedDecision records a decision step that failed.
func (l *Ledger) AppendFailedDecision(sessionID string, input any, errMsg string, kind ErrorKind, meta map[string]any) int {
	return l.Append(sessionID, StepDecision, input, nil, AppendOptions{
		Metadata:  meta,
		Success:   false,
		Error:     errMsg,
		ErrorKind: kind,
	})
}

// AppendToolCall records a tool invocation with its timing and outcome.
func (l *Ledger) AppendToolCall(sessionID, toolName string, arguments map[string]any, output any, durationMs float64, success bool, errMsg string, kind ErrorKind, meta map[string]any) int {
	input := map[string]any{
		"tool_name": toolName,
		"arguments": arguments,
	}
	return l.Append(sessionID, StepToolCall, input, output, AppendOptions{
		Metadata:   meta,
		ToolName:   toolName,
		DurationMs: durationMs,
		Success:    success,
		Error:      errMsg,
		ErrorKind:  kind,
	})
}

// AppendMemoryUpdate records a state change with a shallow before/after diff.
func (l *Ledger) AppendMemoryUpdate(sessionID string, oldState, newState map[string]any, cause string) int {
	output := map[string]any{
		"old_state": oldState,
		"new_state": newState,
		"diff":      Diff(oldState, newState),
		"cause":     cause,
	}
	return l.Append(sessionID, StepMemoryUpdate, oldState, output, AppendOptions{
		Success: true,
	})
}

// AppendStateTransition records a pipeline stage transition.
func (l *Ledger) AppendStateTransition(sessionID, from, to string) int {
	output := map[string]any{"from": from, "to": to}
	return l.Append(sessionID, StepStateTransition, from, output, AppendOptions{
		Success: true,
	})
}

// SetFinalAnswer records the user-visible answer text for the session.
func (l *Ledger) SetFinalAnswer(sessionID, answer string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sess, ok := l.active[sessionID]; ok {
		sess.FinalAnswer = answer
	}
}

// End stamps the end time, computes duration, persists the session, and
// returns the finalized (immutable) Session.
func (l *Ledger) End(sessionID string) (*Session, error) {
	l.mu.Lock()
	sess, ok := l.active[sessionID]
	if !ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("trace session %s not found", sessionID)
	}
	delete(l.active, sessionID)

	now := time.Now().UTC()
	sess.EndedAt = &now
	sess.Metadata.DurationSeconds = now.Sub(sess.StartedAt).Seconds()
	l.mu.Unlock()

	if l.store != nil {
		if err := l.store.Save(sess); err != nil {
			l.log.Err(err, "failed to persist trace session")
			return sess, fmt.Errorf("persist session %s: %w", sessionID, err)
		}
	}

	l.log.Info("ended trace session %s: %d steps in %.2fs",
		sessionID, sess.Metadata.TotalSteps, sess.Metadata.DurationSeconds)
	return sess, nil
}

// Get retrieves a session by id: active sessions first, then durable storage.
func (l *Ledger) Get(sessionID string) (*Session, error) {
	l.mu.RLock()
	sess, ok := l.active[sessionID]
	l.mu.RUnlock()
	if ok {
		return sess, nil
	}

	if l.store != nil {
		return l.store.Load(sessionID)
	}
	return nil, ErrNotFound
}

// render serializes a value the same way it will appear in a persisted
// trace, used for value comparison in diffs.
func render(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
