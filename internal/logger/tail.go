package logger

import (
	"encoding/json"
	"sync"
)

const defaultTailSize = 1000

// EventLogEntry is the websocket event carrying one log entry.
const EventLogEntry = "logs:entry"

// Broadcaster sends events to connected clients.
type Broadcaster interface {
	Broadcast(msgType string, payload any) error
}

// Entry is a parsed log line.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Component string         `json:"component,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Tail keeps the most recent JSON log entries and forwards them to a
// broadcaster. It implements io.Writer.
type Tail struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	full    bool
	hub     Broadcaster
}

// NewTail creates a tail holding up to size entries.
func NewTail(size int) *Tail {
	if size <= 0 {
		size = defaultTailSize
	}
	return &Tail{entries: make([]Entry, size)}
}

// SetBroadcaster forwards subsequent entries to b.
func (t *Tail) SetBroadcaster(b Broadcaster) {
	t.mu.Lock()
	t.hub = b
	t.mu.Unlock()
}

// Write parses one zerolog JSON line. Malformed lines are ignored.
func (t *Tail) Write(p []byte) (int, error) {
	entry, ok := parseEntry(p)
	if !ok {
		return len(p), nil
	}

	t.mu.Lock()
	t.entries[t.next] = entry
	t.next = (t.next + 1) % len(t.entries)
	if t.next == 0 {
		t.full = true
	}
	hub := t.hub
	t.mu.Unlock()

	// the hub logs dropped messages itself
	if hub != nil && entry.Component != "websocket" {
		_ = hub.Broadcast(EventLogEntry, entry)
	}
	return len(p), nil
}

// Recent returns up to limit entries, oldest first. limit <= 0 returns all.
func (t *Tail) Recent(limit int) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Entry
	if t.full {
		out = append(out, t.entries[t.next:]...)
	}
	out = append(out, t.entries[:t.next]...)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func parseEntry(data []byte) (Entry, bool) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Entry{}, false
	}

	var entry Entry
	take := func(key string) string {
		v, _ := raw[key].(string)
		delete(raw, key)
		return v
	}
	entry.Timestamp = take("time")
	entry.Level = take("level")
	entry.Component = take("component")
	entry.Message = take("message")
	if len(raw) > 0 {
		entry.Fields = raw
	}
	return entry, true
}
