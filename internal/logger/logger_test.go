package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHub struct {
	mu     sync.Mutex
	events []Entry
}

func (h *recordingHub) Broadcast(msgType string, payload any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if msgType == EventLogEntry {
		h.events = append(h.events, payload.(Entry))
	}
	return nil
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"debug":   zerolog.DebugLevel,
		"INFO":    zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestLogger_TailAndBroadcast(t *testing.T) {
	var console bytes.Buffer
	log := newLogger(Config{Level: "debug", TailSize: 2}, &console)
	hub := &recordingHub{}
	log.Tail().SetBroadcaster(hub)

	searchLog := log.WithComponent("search")
	searchLog.Info().Int64("indexerId", 7).Msg("first")
	log.Info().Msg("second")
	wsLog := log.WithComponent("websocket")
	wsLog.Warn().Msg("third")

	recent := log.Tail().Recent(0)
	require.Len(t, recent, 2, "the tail keeps only the newest entries")
	assert.Equal(t, "second", recent[0].Message)
	assert.Equal(t, "third", recent[1].Message)
	assert.Equal(t, "warn", recent[1].Level)

	require.Len(t, hub.events, 2, "websocket entries are not echoed to the hub")
	assert.Equal(t, "search", hub.events[0].Component)
	assert.Equal(t, map[string]any{"indexerId": float64(7)}, hub.events[0].Fields)

	assert.Len(t, log.Tail().Recent(1), 1)
	assert.Contains(t, console.String(), "first")
	assert.Empty(t, log.FilePath())
}

func TestLogger_File(t *testing.T) {
	dir := t.TempDir()
	log := newLogger(Config{Path: dir}, &bytes.Buffer{})
	t.Cleanup(func() { _ = log.Close() })

	log.Info().Msg("to disk")

	assert.Equal(t, filepath.Join(dir, FileName), log.FilePath())
	data, err := os.ReadFile(log.FilePath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "to disk")
}

func TestTail_IgnoresMalformed(t *testing.T) {
	tail := NewTail(4)
	n, err := tail.Write([]byte("not json"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Empty(t, tail.Recent(0))
}
