package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/pliu/chatty-dm/internal/chat"
	"github.com/pliu/chatty-dm/internal/models"
	"github.com/pliu/chatty-dm/internal/presence"
)

const defaultSendBuffer = 256

// Inbound frame types.
const (
	FrameSendMessage = "sendMessage"
)

// Frame is a message received from a client.
type Frame struct {
	Type       string          `json:"type"`
	Receiver   models.Identity `json:"receiver"`
	Text       string          `json:"text"`
	Attachment string          `json:"attachment"`
}

// Sender routes a message from one identity to another.
type Sender interface {
	Send(sender, receiver models.Identity, text, attachmentRef string) (*models.Message, error)
}

// Presence is the part of the registry the transport drives.
type Presence interface {
	Register(id models.Identity, conn presence.Conn)
	Release(id models.Identity, conn presence.Conn) bool
}

// Hub upgrades authenticated requests into live connections and wires
// them to presence and routing.
type Hub struct {
	presence   Presence
	router     Sender
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	sendBuffer int

	mu      sync.Mutex
	clients map[*Client]struct{}
	closed  bool
	active  sync.WaitGroup
}

type Option func(*Hub)

// WithSendBuffer sets the number of outbound frames queued per client
// before deliveries are dropped.
func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// WithAllowedOrigin restricts upgrades to requests from origin. An empty
// origin keeps the same-origin check.
func WithAllowedOrigin(origin string) Option {
	return func(h *Hub) {
		if origin == "" {
			return
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			o := r.Header.Get("Origin")
			return o == "" || o == origin
		}
	}
}

func NewHub(p Presence, router Sender, logger *slog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		presence: p,
		router:   router,
		logger:   logger.With("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		sendBuffer: defaultSendBuffer,
		clients:    make(map[*Client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeWs upgrades the request and serves the connection of identity until
// it closes. The newest connection of an identity replaces older ones.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request, identity models.Identity) {
	if hub.isClosed() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		hub.logger.Debug("upgrade failed", "identity", identity, "error", err)
		return
	}

	client := newClient(hub, conn, identity)
	if !hub.track(client) {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
		return
	}
	hub.presence.Register(identity, client)
	hub.logger.Info("client connected", "identity", identity, "remote", r.RemoteAddr)

	go client.writePump()
	client.readPump()
}

func (h *Hub) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Hub) track(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.active.Add(1)
	return true
}

// Shutdown refuses new connections, closes the live ones and waits until
// their read pumps have returned, so no frame is still being routed when
// the stores close.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		c.close()
	}
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("closing connections", "count", n)
	drained := make(chan struct{})
	go func() {
		h.active.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) disconnect(c *Client) {
	defer h.active.Done()
	c.close()
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()

	if h.presence.Release(c.identity, c) {
		h.logger.Info("client disconnected", "identity", c.identity)
		return
	}
	h.logger.Debug("replaced client disconnected", "identity", c.identity)
}

// handle processes one inbound frame and answers the sender.
func (h *Hub) handle(c *Client, frame Frame) {
	if frame.Type != FrameSendMessage {
		c.Deliver(presence.Event{Type: presence.EventError, Error: "unknown frame type: " + frame.Type})
		return
	}

	msg, err := h.router.Send(c.identity, frame.Receiver, frame.Text, frame.Attachment)
	switch {
	case errors.Is(err, chat.ErrInvalidInput):
		c.Deliver(presence.Event{Type: presence.EventError, Error: err.Error()})
	case err != nil:
		h.logger.Warn("send failed", "identity", c.identity, "receiver", frame.Receiver, "error", err)
		c.Deliver(presence.Event{Type: presence.EventError, Error: "message not stored, try again"})
	default:
		c.Deliver(presence.Event{Type: presence.EventSent, Message: msg})
	}
}
