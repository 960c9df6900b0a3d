package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T, origins []string) (*Hub, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(origins, zerolog.Nop())
	go hub.Run(ctx)

	e := echo.New()
	e.GET("/ws", hub.HandleWebSocket)
	srv := httptest.NewServer(e)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestHub_BroadcastReachesClients(t *testing.T) {
	hub, url := startHub(t, nil)
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, hub.Broadcast("command:updated", map[string]string{"id": "abc"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type    string            `json:"type"`
		Payload map[string]string `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "command:updated", msg.Type)
	assert.Equal(t, "abc", msg.Payload["id"])
}

func TestHub_AnswersPing(t *testing.T) {
	_, url := startHub(t, nil)
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(gws.TextMessage, []byte(`{"type":"ping"}`)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"pong"`)
}

func TestHub_RejectsUnknownOrigin(t *testing.T) {
	_, url := startHub(t, []string{"http://allowed.example"})
	header := map[string][]string{"Origin": {"http://evil.example"}}
	_, resp, err := gws.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, 403, resp.StatusCode)
	}
}

func TestHub_SubscriptionFiltersTopics(t *testing.T) {
	hub, url := startHub(t, nil)
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(gws.TextMessage, []byte(`{"type":"subscribe","payload":["health"]}`)))
	require.NoError(t, conn.WriteMessage(gws.TextMessage, []byte(`{"type":"ping"}`)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(data), `"type":"pong"`)

	require.NoError(t, hub.Broadcast("command:updated", nil))
	require.NoError(t, hub.Broadcast("health:updated", map[string]string{"id": "1"}))

	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "health:updated", msg.Type)
}

func TestTopicOf(t *testing.T) {
	assert.Equal(t, "command", topicOf("command:updated"))
	assert.Equal(t, "logs", topicOf("logs:entry"))
	assert.Equal(t, "plain", topicOf("plain"))
}

func TestHub_BroadcastDropsWhenFull(t *testing.T) {
	hub := NewHub(nil, zerolog.Nop())
	for range cap(hub.frames) {
		require.NoError(t, hub.Broadcast("x:y", nil))
	}
	assert.ErrorIs(t, hub.Broadcast("x:y", nil), ErrHubFull)
}
