package tools

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glasslabs/glassbox/internal/logging"
)

// Reminder schedules one-shot reminders. Scheduled reminders fire through
// a notify callback; without one they are stored but only logged when due.
type Reminder struct {
	mu        sync.Mutex
	reminders map[string]*ReminderEntry
	timers    map[string]*time.Timer
	notify    func(entry ReminderEntry)
	log       *logging.Logger
	now       func() time.Time
}

// ReminderEntry is one scheduled reminder.
type ReminderEntry struct {
	ReminderID   string    `json:"reminder_id"`
	Message      string    `json:"message"`
	ReminderTime time.Time `json:"reminder_time"`
	ReminderType string    `json:"reminder_type"`
	CreatedAt    time.Time `json:"created_at"`
	Status       string    `json:"status"`
}

// ReminderOption configures the Reminder tool.
type ReminderOption func(*Reminder)

// WithNotify sets the callback invoked when a reminder fires.
func WithNotify(fn func(entry ReminderEntry)) ReminderOption {
	return func(r *Reminder) { r.notify = fn }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) ReminderOption {
	return func(r *Reminder) { r.now = now }
}

// NewReminder returns the reminder tool.
func NewReminder(log *logging.Logger, opts ...ReminderOption) *Reminder {
	if log == nil {
		log = logging.Global()
	}
	r := &Reminder{
		reminders: make(map[string]*ReminderEntry),
		timers:    make(map[string]*time.Timer),
		log:       log.Component("reminder"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type reminderArgs struct {
	Message      string `json:"message"`
	ReminderTime string `json:"reminder_time"`
	ReminderType string `json:"reminder_type"`
}

func (r *Reminder) Name() string { return "reminder" }

func (r *Reminder) Description() string {
	return "Schedules reminders for medication, appointments, or other tasks."
}

func (r *Reminder) Parameters() map[string]ParamSpec {
	return map[string]ParamSpec{
		"message": {
			Type:        "string",
			Required:    true,
			Description: "Reminder message or task description",
		},
		"reminder_time": {
			Type:        "string",
			Required:    true,
			Description: "When to send the reminder (RFC 3339 or relative like 'in 30 minutes')",
		},
		"reminder_type": {
			Type:        "string",
			Description: "Type of reminder",
			Enum:        []string{"medication", "appointment", "task", "other"},
			Default:     "other",
		},
	}
}

func (r *Reminder) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	var in reminderArgs
	if err := decodeArgs(args, &in); err != nil {
		return Failure("reminder: %v", err), nil
	}

	message := strings.TrimSpace(in.Message)
	if message == "" || in.ReminderTime == "" {
		return Failure("message and reminder_time are required"), nil
	}
	reminderType := in.ReminderType
	if reminderType == "" {
		reminderType = "other"
	}

	when, err := r.parseTime(in.ReminderTime)
	if err != nil {
		return Failure("could not parse reminder time %q: use RFC 3339 or relative time like 'in 30 minutes'", in.ReminderTime), nil
	}
	if !when.After(r.now()) {
		return Failure("reminder time must be in the future"), nil
	}

	entry := &ReminderEntry{
		ReminderID:   uuid.New().String(),
		Message:      message,
		ReminderTime: when,
		ReminderType: reminderType,
		CreatedAt:    r.now(),
		Status:       "scheduled",
	}

	r.mu.Lock()
	r.reminders[entry.ReminderID] = entry
	r.timers[entry.ReminderID] = time.AfterFunc(when.Sub(r.now()), func() { r.fire(entry.ReminderID) })
	r.mu.Unlock()

	r.log.Info("scheduled %s reminder %s for %s", reminderType, entry.ReminderID, when.Format(time.RFC3339))

	return &Result{
		Success: true,
		Output:  *entry,
		Metadata: map[string]any{
			"tool":        "reminder",
			"scheduled":   true,
			"reminder_id": entry.ReminderID,
		},
	}, nil
}

func (r *Reminder) fire(id string) {
	r.mu.Lock()
	entry, ok := r.reminders[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	entry.Status = "sent"
	fired := *entry
	delete(r.timers, id)
	notify := r.notify
	r.mu.Unlock()

	r.log.Info("reminder due: %s", fired.Message)
	if notify != nil {
		notify(fired)
	}
}

// Pending returns reminders that have not fired yet.
func (r *Reminder) Pending() []ReminderEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []ReminderEntry
	for _, entry := range r.reminders {
		if entry.Status == "scheduled" {
			out = append(out, *entry)
		}
	}
	return out
}

// Cancel stops a scheduled reminder.
func (r *Reminder) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.reminders[id]
	if !ok || entry.Status != "scheduled" {
		return false
	}
	if t, ok := r.timers[id]; ok {
		t.Stop()
		delete(r.timers, id)
	}
	entry.Status = "cancelled"
	return true
}

// Close stops all outstanding timers.
func (r *Reminder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}

var relativeTimeRe = regexp.MustCompile(`in (\d+) (minute|hour|day)s?`)

// parseTime accepts RFC 3339 timestamps and simple relative phrases.
func (r *Reminder) parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	m := relativeTimeRe.FindStringSubmatch(strings.ToLower(s))
	if m == nil {
		return time.Time{}, fmt.Errorf("unrecognized time format")
	}
	value, err := strconv.Atoi(m[1])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid duration value %q", m[1])
	}

	now := r.now()
	switch m[2] {
	case "minute":
		return now.Add(time.Duration(value) * time.Minute), nil
	case "hour":
		return now.Add(time.Duration(value) * time.Hour), nil
	case "day":
		return now.AddDate(0, 0, value), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time unit %q", m[2])
}
