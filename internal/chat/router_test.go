package chat

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/pliu/chatty-dm/internal/chat/mocks"
	"github.com/pliu/chatty-dm/internal/models"
	"github.com/pliu/chatty-dm/internal/presence"
	"github.com/pliu/chatty-dm/internal/store"
	"github.com/pliu/chatty-dm/internal/store/badgerstore"
	"github.com/pliu/chatty-dm/internal/store/sqlstore"
)

type recordingConn struct {
	mu     sync.Mutex
	events []presence.Event
	closed bool
}

func (c *recordingConn) Deliver(ev presence.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.events = append(c.events, ev)
	return true
}

func (c *recordingConn) pushed() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Message
	for _, ev := range c.events {
		if ev.Type == presence.EventNewMessage {
			out = append(out, *ev.Message)
		}
	}
	return out
}

type fixture struct {
	router   *Router
	registry *presence.Registry
	chat     Store
	users    *sqlstore.SQLStore
	alice    models.Identity
	bob      models.Identity
	carol    models.Identity
}

// engines builds the chat store under test; users always live in SQL.
var engines = map[string]func(t *testing.T, users *sqlstore.SQLStore) Store{
	"sql": func(t *testing.T, users *sqlstore.SQLStore) Store {
		return users
	},
	"badger": func(t *testing.T, users *sqlstore.SQLStore) Store {
		s, err := badgerstore.New("", nil)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	},
}

func newFixture(t *testing.T, engine string) *fixture {
	t.Helper()
	users, err := sqlstore.New("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { users.Close() })

	f := &fixture{registry: presence.NewRegistry(nil), users: users}
	for _, u := range []struct {
		name string
		id   *models.Identity
	}{{"alice", &f.alice}, {"bob", &f.bob}, {"carol", &f.carol}} {
		user := &models.User{UserName: u.name, Email: u.name + "@example.com", Password: "hash"}
		require.NoError(t, users.CreateUser(user))
		*u.id = user.ID
	}

	f.chat = engines[engine](t, users)
	f.router = New(f.chat, users, f.registry, nil)
	return f
}

func texts(messages []models.Message) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.Text)
	}
	return out
}

func forEachEngine(t *testing.T, fn func(t *testing.T, f *fixture)) {
	for name := range engines {
		t.Run(name, func(t *testing.T) {
			fn(t, newFixture(t, name))
		})
	}
}

func TestSend_OfflineThenOnline(t *testing.T) {
	forEachEngine(t, func(t *testing.T, f *fixture) {
		hi, err := f.router.Send(f.alice, f.bob, "hi", "")
		require.NoError(t, err)
		assert.NotEmpty(t, hi.ID)
		assert.Equal(t, f.alice, hi.Sender)
		assert.Equal(t, f.bob, hi.Receiver)

		history, err := f.router.History(f.alice, f.bob)
		require.NoError(t, err)
		assert.Equal(t, []string{"hi"}, texts(history))

		bobConn := &recordingConn{}
		f.registry.Register(f.bob, bobConn)
		assert.Empty(t, bobConn.pushed(), "offline message must not be pushed on reconnect")

		again, err := f.router.Send(f.alice, f.bob, "again", "")
		require.NoError(t, err)

		pushed := bobConn.pushed()
		require.Len(t, pushed, 1)
		assert.Equal(t, again.ID, pushed[0].ID)
		assert.Equal(t, "again", pushed[0].Text)

		history, err = f.router.History(f.alice, f.bob)
		require.NoError(t, err)
		assert.Equal(t, []string{"hi", "again"}, texts(history))
	})
}

func TestSend_IdentitiesWithSeparatorKeepSeparatePairs(t *testing.T) {
	forEachEngine(t, func(t *testing.T, f *fixture) {
		for _, id := range []models.Identity{"a:b", "c", "a", "b:c"} {
			user := &models.User{ID: id, UserName: "u" + string(id), Email: string(id) + "@example.com", Password: "hash"}
			require.NoError(t, f.users.CreateUser(user))
		}

		_, err := f.router.Send("a:b", "c", "private to c", "")
		require.NoError(t, err)

		history, err := f.router.History("a", "b:c")
		require.NoError(t, err)
		assert.Empty(t, history)

		_, err = f.router.Send("a", "b:c", "hello", "")
		require.NoError(t, err)

		history, err = f.router.History("b:c", "a")
		require.NoError(t, err)
		assert.Equal(t, []string{"hello"}, texts(history))
		history, err = f.router.History("c", "a:b")
		require.NoError(t, err)
		assert.Equal(t, []string{"private to c"}, texts(history))
	})
}

func TestSend_PushGoesOnlyToReceiver(t *testing.T) {
	forEachEngine(t, func(t *testing.T, f *fixture) {
		aliceConn, bobConn, carolConn := &recordingConn{}, &recordingConn{}, &recordingConn{}
		f.registry.Register(f.alice, aliceConn)
		f.registry.Register(f.bob, bobConn)
		f.registry.Register(f.carol, carolConn)

		_, err := f.router.Send(f.alice, f.bob, "", "/uploads/cat.png")
		require.NoError(t, err)

		require.Len(t, bobConn.pushed(), 1)
		assert.Equal(t, "/uploads/cat.png", bobConn.pushed()[0].Attachment)
		assert.Empty(t, aliceConn.pushed())
		assert.Empty(t, carolConn.pushed())
	})
}

func TestSend_ConcurrentPushOrderMatchesHistory(t *testing.T) {
	forEachEngine(t, func(t *testing.T, f *fixture) {
		bobConn := &recordingConn{}
		f.registry.Register(f.alice, &recordingConn{})
		f.registry.Register(f.bob, bobConn)

		var wg sync.WaitGroup
		for _, text := range []string{"one", "two", "three"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.router.Send(f.alice, f.bob, text, "")
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		history, err := f.router.History(f.alice, f.bob)
		require.NoError(t, err)
		require.Len(t, history, 3)

		pushed := bobConn.pushed()
		require.Len(t, pushed, 3)
		for i := range history {
			assert.Equal(t, history[i].ID, pushed[i].ID)
		}
	})
}

func TestSend_ConcurrentSendsShareOneConversation(t *testing.T) {
	forEachEngine(t, func(t *testing.T, f *fixture) {
		const n = 20
		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				from, to := f.alice, f.bob
				if i%2 == 1 {
					from, to = to, from
				}
				_, err := f.router.Send(from, to, "ping", "")
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		conversations, err := f.router.Conversations(f.alice)
		require.NoError(t, err)
		require.Len(t, conversations, 1)
		assert.Len(t, conversations[0].MessageIDs, n)

		ab, err := f.router.History(f.alice, f.bob)
		require.NoError(t, err)
		ba, err := f.router.History(f.bob, f.alice)
		require.NoError(t, err)
		assert.Len(t, ab, n)
		assert.Equal(t, ab, ba)

		assert.Zero(t, f.router.locks.size(), "per-pair locks are released")
	})
}

func TestSend_StaleHandleDoesNotFailSend(t *testing.T) {
	forEachEngine(t, func(t *testing.T, f *fixture) {
		stale := &recordingConn{closed: true}
		f.registry.Register(f.bob, stale)

		msg, err := f.router.Send(f.alice, f.bob, "are you there?", "")
		require.NoError(t, err)
		assert.NotEmpty(t, msg.ID)

		history, err := f.router.History(f.bob, f.alice)
		require.NoError(t, err)
		assert.Equal(t, []string{"are you there?"}, texts(history))
	})
}

func TestSend_InvalidInputLeavesStoreUnchanged(t *testing.T) {
	forEachEngine(t, func(t *testing.T, f *fixture) {
		tests := []struct {
			name       string
			sender     models.Identity
			receiver   models.Identity
			text       string
			attachment string
			want       error
		}{
			{"empty", f.alice, f.bob, "", "", ErrEmptyMessage},
			{"whitespace only", f.alice, f.bob, "  \n", " ", ErrEmptyMessage},
			{"self", f.alice, f.alice, "hi", "", ErrSelfMessage},
			{"unknown receiver", f.alice, "ghost", "hi", "", ErrUnknownIdentity},
			{"unknown sender", "ghost", f.bob, "hi", "", ErrUnknownIdentity},
			{"empty receiver", f.alice, "", "hi", "", ErrUnknownIdentity},
		}
		for _, tt := range tests {
			msg, err := f.router.Send(tt.sender, tt.receiver, tt.text, tt.attachment)
			assert.Nil(t, msg, tt.name)
			assert.ErrorIs(t, err, tt.want, tt.name)
			assert.ErrorIs(t, err, ErrInvalidInput, tt.name)
			assert.NotErrorIs(t, err, ErrPersistence, tt.name)
		}

		for _, id := range []models.Identity{f.alice, f.bob} {
			conversations, err := f.chat.ListConversations(id)
			require.NoError(t, err)
			assert.Empty(t, conversations)
		}
	})
}

func TestSend_RejectsEmptyBeforeTouchingStore(t *testing.T) {
	ctrl := gomock.NewController(t)
	// No expectations: any store, directory or presence call fails the test.
	r := New(mocks.NewMockStore(ctrl), mocks.NewMockDirectory(ctrl), mocks.NewMockPresence(ctrl), nil)

	_, err := r.Send("a", "b", "", "")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSend_TextTooLong(t *testing.T) {
	ctrl := gomock.NewController(t)
	r := New(mocks.NewMockStore(ctrl), mocks.NewMockDirectory(ctrl), mocks.NewMockPresence(ctrl), nil, WithMaxTextLen(3))

	_, err := r.Send("a", "b", "héllo", "")
	assert.ErrorIs(t, err, ErrTextTooLong)
}

func TestSend_PersistenceFailureIsRetryableAndNotPushed(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	users := mocks.NewMockDirectory(ctrl)
	pres := mocks.NewMockPresence(ctrl)

	users.EXPECT().GetUserByID(gomock.Any()).Return(&models.User{}, nil).Times(2)
	st.EXPECT().AppendMessage(gomock.Any()).Return(nil, store.ErrUnavailable).Times(1)

	r := New(st, users, pres, nil)
	msg, err := r.Send("a", "b", "hi", "")
	assert.Nil(t, msg)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.NotErrorIs(t, err, ErrInvalidInput)
}

func TestSend_DirectoryFailureIsPersistenceError(t *testing.T) {
	ctrl := gomock.NewController(t)
	users := mocks.NewMockDirectory(ctrl)
	users.EXPECT().GetUserByID(models.Identity("a")).Return(nil, errors.New("db down"))

	r := New(mocks.NewMockStore(ctrl), users, mocks.NewMockPresence(ctrl), nil)
	_, err := r.Send("a", "b", "hi", "")
	assert.ErrorIs(t, err, ErrPersistence)
	assert.NotErrorIs(t, err, ErrInvalidInput)
}

func TestSend_DeliversToLookedUpConnection(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	users := mocks.NewMockDirectory(ctrl)
	pres := mocks.NewMockPresence(ctrl)
	conn := &recordingConn{}

	users.EXPECT().GetUserByID(gomock.Any()).Return(&models.User{}, nil).AnyTimes()
	st.EXPECT().AppendMessage(gomock.Any()).DoAndReturn(func(m *models.Message) (*models.Conversation, error) {
		m.ID = "m1"
		m.ConversationID = "c1"
		return &models.Conversation{ID: "c1", MessageIDs: []string{"m1"}}, nil
	})
	pres.EXPECT().Lookup(models.Identity("b")).Return(conn, true)

	r := New(st, users, pres, nil)
	msg, err := r.Send("a", "b", "hi", "")
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)

	pushed := conn.pushed()
	require.Len(t, pushed, 1)
	assert.Equal(t, "m1", pushed[0].ID)
	assert.Equal(t, "c1", pushed[0].ConversationID)
}

func TestHistory(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	r := New(st, mocks.NewMockDirectory(ctrl), mocks.NewMockPresence(ctrl), nil)

	st.EXPECT().GetConversation(models.Identity("a"), models.Identity("b")).Return(nil, store.ErrNotFound)
	history, err := r.History("a", "b")
	require.NoError(t, err)
	assert.NotNil(t, history)
	assert.Empty(t, history)

	st.EXPECT().GetConversation(models.Identity("a"), models.Identity("b")).Return(&models.Conversation{ID: "c1"}, nil)
	st.EXPECT().GetConversationMessages("c1").Return(nil, store.ErrUnavailable)
	_, err = r.History("a", "b")
	assert.ErrorIs(t, err, ErrPersistence)
}
