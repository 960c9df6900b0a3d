// Package websocket pushes command, health and log events to browser
// clients.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ErrHubFull is returned when the broadcast buffer is full.
var ErrHubFull = errors.New("websocket broadcast buffer is full")

// Client message types.
const (
	TypePing      = "ping"
	TypePong      = "pong"
	TypeSubscribe = "subscribe"
)

// Message is the envelope of every frame in both directions.
type Message struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

type inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type frame struct {
	topic string
	data  []byte
}

type request struct {
	client *Client
	msg    inbound
}

// Hub fans broadcast frames out to connected clients. The clients map is
// owned by Run.
type Hub struct {
	frames     chan frame
	register   chan *Client
	unregister chan *Client
	requests   chan request
	done       chan struct{}
	clients    atomic.Int32
	upgrader   websocket.Upgrader
	logger     zerolog.Logger
}

// NewHub creates a hub. allowedOrigins limits browser connections; an empty
// list accepts every origin.
func NewHub(allowedOrigins []string, logger zerolog.Logger) *Hub {
	return &Hub{
		frames:     make(chan frame, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		requests:   make(chan request, 64),
		done:       make(chan struct{}),
		logger:     logger.With().Str("component", "websocket").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return len(allowed) == 0 || origin == "" || slices.Contains(allowed, origin)
	}
}

// Run serves registrations and broadcasts until ctx is done, then closes
// every client.
func (h *Hub) Run(ctx context.Context) {
	clients := make(map[*Client]struct{})
	drop := func(c *Client) {
		if _, ok := clients[c]; ok {
			delete(clients, c)
			close(c.send)
			h.clients.Store(int32(len(clients)))
		}
	}

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			for c := range clients {
				drop(c)
			}
			return

		case c := <-h.register:
			clients[c] = struct{}{}
			h.clients.Store(int32(len(clients)))
			h.logger.Debug().Int("clients", len(clients)).Msg("Client connected")

		case c := <-h.unregister:
			drop(c)

		case f := <-h.frames:
			for c := range clients {
				if !c.wants(f.topic) {
					continue
				}
				select {
				case c.send <- f.data:
				default:
					drop(c)
				}
			}

		case req := <-h.requests:
			if _, ok := clients[req.client]; ok {
				h.handleRequest(req.client, req.msg)
			}
		}
	}
}

// handleRequest answers pings and records subscriptions. It runs on the Run
// goroutine.
func (h *Hub) handleRequest(c *Client, msg inbound) {
	switch msg.Type {
	case TypePing:
		if data, err := encode(TypePong, nil); err == nil {
			select {
			case c.send <- data:
			default:
			}
		}
	case TypeSubscribe:
		var topics []string
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &topics); err != nil {
				h.logger.Debug().Err(err).Msg("Ignoring malformed subscription")
				return
			}
		}
		c.subscribe(topics)
	}
}

// topicOf returns the part of an event type before the colon:
// "command:updated" belongs to "command".
func topicOf(msgType string) string {
	topic, _, _ := strings.Cut(msgType, ":")
	return topic
}

func encode(msgType string, payload any) ([]byte, error) {
	return json.Marshal(Message{
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// Broadcast queues a message for every subscribed client. It never blocks;
// when the buffer is full the message is dropped.
func (h *Hub) Broadcast(msgType string, payload any) error {
	data, err := encode(msgType, payload)
	if err != nil {
		return err
	}
	select {
	case h.frames <- frame{topic: topicOf(msgType), data: data}:
		return nil
	default:
		h.logger.Warn().Str("type", msgType).Msg("Dropped websocket message")
		return ErrHubFull
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	return int(h.clients.Load())
}

// HandleWebSocket upgrades the request and attaches a client.
func (h *Hub) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := newClient(h, conn)
	select {
	case h.register <- client:
	case <-h.done:
		return conn.Close()
	}

	go client.writer()
	go client.reader()
	return nil
}
