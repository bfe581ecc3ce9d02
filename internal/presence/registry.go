package presence

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/samber/lo"

	"github.com/pliu/chatty-dm/internal/models"
)

// Event types emitted to live connections.
const (
	EventOnlineUsers = "getOnlineUsers"
	EventNewMessage  = "newMessage"
	EventSent        = "messageSent"
	EventError       = "error"
)

// Event is the payload pushed to a connection.
type Event struct {
	Type    string            `json:"type"`
	Online  []models.Identity `json:"online,omitempty"`
	Message *models.Message   `json:"message,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// Conn is a live connection handle. Deliver must not block: it enqueues the
// event and reports false when the connection is gone or saturated.
type Conn interface {
	Deliver(ev Event) bool
}

// Registry maps each online identity to at most one connection. The last
// registration for an identity wins.
type Registry struct {
	mu     sync.Mutex
	conns  map[models.Identity]Conn
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:  make(map[models.Identity]Conn),
		logger: logger.With("component", "presence"),
	}
}

// Register stores conn for id, replacing any previous handle without
// notifying it, and broadcasts the online set.
func (r *Registry) Register(id models.Identity, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, replaced := r.conns[id]
	r.conns[id] = conn
	r.logger.Debug("registered", "identity", id, "replaced", replaced, "online", len(r.conns))
	r.broadcastLocked()
}

// Unregister removes id. Unknown identities are ignored and trigger no
// broadcast.
func (r *Registry) Unregister(id models.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[id]; !ok {
		return
	}
	delete(r.conns, id)
	r.logger.Debug("unregistered", "identity", id, "online", len(r.conns))
	r.broadcastLocked()
}

// Release removes id only while conn is still its registered handle. A
// connection that was replaced by a newer one cannot evict its successor.
func (r *Registry) Release(id models.Identity, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.conns[id]
	if !ok || current != conn {
		return false
	}
	delete(r.conns, id)
	r.logger.Debug("released", "identity", id, "online", len(r.conns))
	r.broadcastLocked()
	return true
}

func (r *Registry) Lookup(id models.Identity) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	return conn, ok
}

// Online returns the sorted set of registered identities.
func (r *Registry) Online() []models.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.onlineLocked()
}

func (r *Registry) onlineLocked() []models.Identity {
	online := lo.Keys(r.conns)
	slices.Sort(online)
	return online
}

// broadcastLocked runs under mu so each broadcast carries exactly the
// membership produced by the mutation that triggered it, in mutation order.
// Deliver is non-blocking, so a slow peer cannot stall the registry.
func (r *Registry) broadcastLocked() {
	ev := Event{Type: EventOnlineUsers, Online: r.onlineLocked()}
	for id, conn := range r.conns {
		if !conn.Deliver(ev) {
			r.logger.Debug("dropped online broadcast", "identity", id)
		}
	}
}
