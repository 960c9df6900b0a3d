// Package commands runs named background commands on a bounded worker pool.
package commands

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrCommandNotFound = errors.New("command not found")
	ErrUnknownCommand  = errors.New("unknown command")
	ErrNotCancellable  = errors.New("command has already finished")
	ErrQueueStopped    = errors.New("command queue is stopped")
)

// Status is the lifecycle state of a command.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// Finished reports whether s is terminal.
func (s Status) Finished() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// Priority orders queued commands. Higher runs first.
type Priority int

const (
	PriorityLow    Priority = -1
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

// ParsePriority maps "low", "normal" and "high" to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	}
	return PriorityNormal, errors.New("unknown priority " + s)
}

func (p Priority) String() string {
	switch {
	case p > PriorityNormal:
		return "high"
	case p < PriorityNormal:
		return "low"
	}
	return "normal"
}

// MarshalJSON writes the priority by name.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// Trigger records what caused a command to be queued.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
)

// Command is one queued or executed unit of background work.
type Command struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Body      any      `json:"body,omitempty"`
	Priority  Priority `json:"priority"`
	Status    Status   `json:"status"`
	Trigger   Trigger  `json:"trigger"`
	Message   string   `json:"message,omitempty"`
	Exception string   `json:"exception,omitempty"`

	// Exclusive commands are deduplicated on enqueue and never run next to
	// another command with the same name.
	Exclusive bool `json:"exclusive"`
	// UpdateScheduledTask marks the matching scheduled task as executed when
	// the command completes.
	UpdateScheduledTask bool `json:"updateScheduledTask"`

	QueuedAt  time.Time  `json:"queuedAt"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// Duration returns how long the command ran, or zero if it never started.
func (c *Command) Duration() time.Duration {
	if c.StartedAt == nil || c.EndedAt == nil {
		return 0
	}
	return c.EndedAt.Sub(*c.StartedAt)
}

// MarshalJSON adds the duration in milliseconds.
func (c *Command) MarshalJSON() ([]byte, error) {
	type plain Command
	return json.Marshal(struct {
		*plain
		DurationMs int64 `json:"durationMs,omitempty"`
	}{(*plain)(c), c.Duration().Milliseconds()})
}

// Clone returns a copy that does not share timestamps with c.
func (c *Command) Clone() *Command {
	if c == nil {
		return nil
	}
	out := *c
	if c.StartedAt != nil {
		t := *c.StartedAt
		out.StartedAt = &t
	}
	if c.EndedAt != nil {
		t := *c.EndedAt
		out.EndedAt = &t
	}
	return &out
}

// bodyKey identifies structurally equal bodies.
func bodyKey(body any) (string, error) {
	if body == nil {
		return "", nil
	}
	if raw, ok := body.(json.RawMessage); ok {
		return string(raw), nil
	}
	b, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
