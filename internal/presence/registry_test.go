package presence

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/chatty-dm/internal/models"
)

// fakeConn records delivered events. A closed fakeConn refuses delivery.
type fakeConn struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (c *fakeConn) Deliver(ev Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.events = append(c.events, ev)
	return true
}

func (c *fakeConn) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *fakeConn) broadcasts() [][]models.Identity {
	var out [][]models.Identity
	for _, ev := range c.snapshot() {
		if ev.Type == EventOnlineUsers {
			out = append(out, ev.Online)
		}
	}
	return out
}

func TestRegistry_RegisterBroadcastsFullSet(t *testing.T) {
	r := NewRegistry(nil)
	alice, bob := &fakeConn{}, &fakeConn{}

	r.Register("alice", alice)
	r.Register("bob", bob)

	assert.Equal(t, [][]models.Identity{{"alice"}, {"alice", "bob"}}, alice.broadcasts())
	assert.Equal(t, [][]models.Identity{{"alice", "bob"}}, bob.broadcasts())
	assert.Equal(t, []models.Identity{"alice", "bob"}, r.Online())
}

func TestRegistry_LastRegistrationWins(t *testing.T) {
	r := NewRegistry(nil)
	first, second := &fakeConn{}, &fakeConn{}

	r.Register("x", first)
	r.Register("x", second)

	got, ok := r.Lookup("x")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, []models.Identity{"x"}, r.Online())

	// The replaced handle is dropped silently: it saw only its own broadcast.
	assert.Len(t, first.snapshot(), 1)
	assert.Equal(t, [][]models.Identity{{"x"}}, second.broadcasts())
}

func TestRegistry_UnregisterIsIdempotent(t *testing.T) {
	r := NewRegistry(nil)
	x, watcher := &fakeConn{}, &fakeConn{}
	r.Register("watcher", watcher)
	r.Register("x", x)

	r.Unregister("x")
	_, ok := r.Lookup("x")
	assert.False(t, ok)

	r.Unregister("x")
	r.Unregister("never-registered")

	// watcher: own register, x register, x unregister. No-op calls add nothing.
	assert.Equal(t, [][]models.Identity{{"watcher"}, {"watcher", "x"}, {"watcher"}}, watcher.broadcasts())
}

func TestRegistry_EachMutationBroadcastsOnce(t *testing.T) {
	r := NewRegistry(nil)
	watcher := &fakeConn{}
	r.Register("watcher", watcher)

	r.Register("a", &fakeConn{})
	r.Register("b", &fakeConn{})
	r.Register("a", &fakeConn{})
	r.Unregister("b")

	assert.Equal(t, [][]models.Identity{
		{"watcher"},
		{"a", "watcher"},
		{"a", "b", "watcher"},
		{"a", "b", "watcher"},
		{"a", "watcher"},
	}, watcher.broadcasts())
}

func TestRegistry_ReleaseOnlyRemovesCurrentHandle(t *testing.T) {
	r := NewRegistry(nil)
	oldConn, newConn := &fakeConn{}, &fakeConn{}
	r.Register("x", oldConn)
	r.Register("x", newConn)

	assert.False(t, r.Release("x", oldConn), "stale handle must not evict its replacement")
	got, ok := r.Lookup("x")
	require.True(t, ok)
	assert.Same(t, newConn, got)

	assert.True(t, r.Release("x", newConn))
	_, ok = r.Lookup("x")
	assert.False(t, ok)
	assert.False(t, r.Release("x", newConn))
}

func TestRegistry_ClosedConnectionDoesNotBreakBroadcast(t *testing.T) {
	r := NewRegistry(nil)
	dead := &fakeConn{closed: true}
	live := &fakeConn{}
	r.Register("dead", dead)
	r.Register("live", live)

	assert.Equal(t, [][]models.Identity{{"dead", "live"}}, live.broadcasts())
	assert.Empty(t, dead.snapshot())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry(nil)

	const n = 50
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := models.Identity(fmt.Sprintf("user-%02d", i))
			conn := &fakeConn{}
			r.Register(id, conn)
			got, ok := r.Lookup(id)
			assert.True(t, ok)
			assert.NotNil(t, got)
			if i%2 == 0 {
				r.Unregister(id)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, r.Online(), n/2)
	for _, id := range r.Online() {
		_, ok := r.Lookup(id)
		assert.True(t, ok)
	}
}

func TestRegistry_BroadcastsFollowMutationOrder(t *testing.T) {
	r := NewRegistry(nil)
	watcher := &fakeConn{}
	r.Register("watcher", watcher)

	const n = 40
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register(models.Identity(fmt.Sprintf("u%02d", i)), &fakeConn{})
		}()
	}
	wg.Wait()

	// Every broadcast reflects one more member than the last.
	got := watcher.broadcasts()
	require.Len(t, got, n+1)
	for i, online := range got {
		assert.Len(t, online, i+1)
	}
}
