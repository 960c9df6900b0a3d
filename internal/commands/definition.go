package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
)

// Handler executes a command. A returned error fails the command.
type Handler func(ctx context.Context, ex *Execution) error

// Definition registers a command name with its handler.
type Definition struct {
	Name    string
	Handler Handler
	// Body is a zero value of the payload type. Persisted payloads are
	// decoded into a fresh value of the same type. Nil means no payload.
	Body any
	// Exclusive commands with equal bodies are enqueued once, and at most one
	// command of the name runs at a time.
	Exclusive bool
	// UpdateScheduledTask is copied onto every command of this name.
	UpdateScheduledTask bool
	// Priority is used when Enqueue is not given one.
	Priority Priority
}

// decodeBody turns a persisted payload into the registered body type.
func (d *Definition) decodeBody(raw json.RawMessage) (any, error) {
	if d.Body == nil || len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	t := reflect.TypeOf(d.Body)
	ptr := t.Kind() == reflect.Pointer
	if ptr {
		t = t.Elem()
	}
	v := reflect.New(t)
	if err := json.Unmarshal(raw, v.Interface()); err != nil {
		return nil, fmt.Errorf("failed to decode %s body: %w", d.Name, err)
	}
	if ptr {
		return v.Interface(), nil
	}
	return v.Elem().Interface(), nil
}

// Execution is handed to a handler while its command runs.
type Execution struct {
	ID      string
	Name    string
	Body    any
	Trigger Trigger
	queue   *Queue
}

// SetMessage updates the progress message shown for the running command.
func (e *Execution) SetMessage(msg string) {
	if e.queue != nil {
		e.queue.setMessage(e.ID, msg)
	}
}
