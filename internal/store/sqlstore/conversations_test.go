package sqlstore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/chatty-dm/internal/models"
	"github.com/pliu/chatty-dm/internal/store"
)

func TestAppendMessageCreatesConversationLazily(t *testing.T) {
	s := SetupTestDB(t)
	alice := createUser(t, s, "alice")
	bob := createUser(t, s, "bob")

	_, err := s.GetConversation(alice, bob)
	require.ErrorIs(t, err, store.ErrNotFound)

	msg := &models.Message{Sender: alice, Receiver: bob, Text: "hi"}
	conv, err := s.AppendMessage(msg)
	require.NoError(t, err)

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, conv.ID, msg.ConversationID)
	assert.False(t, msg.CreatedAt.IsZero())
	assert.Equal(t, []string{msg.ID}, conv.MessageIDs)
	assert.Equal(t, models.ConversationKey(alice, bob), conv.Key)

	stored, err := s.GetConversation(bob, alice)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, stored.ID)
	assert.ElementsMatch(t, []models.Identity{alice, bob}, stored.Participants[:])
	assert.Equal(t, []string{msg.ID}, stored.MessageIDs)

	got, err := s.GetMessage(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", got.Text)
	assert.Equal(t, alice, got.Sender)
	assert.Equal(t, bob, got.Receiver)
}

func TestAppendMessageReusesConversationForBothDirections(t *testing.T) {
	s := SetupTestDB(t)
	alice := createUser(t, s, "alice")
	bob := createUser(t, s, "bob")

	first, err := s.AppendMessage(&models.Message{Sender: alice, Receiver: bob, Text: "one"})
	require.NoError(t, err)
	second, err := s.AppendMessage(&models.Message{Sender: bob, Receiver: alice, Text: "two"})
	require.NoError(t, err)
	third, err := s.AppendMessage(&models.Message{Sender: alice, Receiver: bob, Attachment: "/uploads/x.png"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ID, third.ID)
	assert.Len(t, third.MessageIDs, 3)

	messages, err := s.GetConversationMessages(first.ID)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "one", messages[0].Text)
	assert.Equal(t, "two", messages[1].Text)
	assert.Equal(t, "/uploads/x.png", messages[2].Attachment)
	for i, m := range messages {
		assert.Equal(t, third.MessageIDs[i], m.ID)
	}
}

func TestAppendMessageConcurrentSendsShareOneConversation(t *testing.T) {
	s := SetupTestDB(t)
	alice := createUser(t, s, "alice")
	bob := createUser(t, s, "bob")

	const n = 20
	var wg sync.WaitGroup
	ids := make(chan string, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sender, receiver := alice, bob
			if i%2 == 1 {
				sender, receiver = bob, alice
			}
			conv, err := s.AppendMessage(&models.Message{Sender: sender, Receiver: receiver, Text: "x"})
			assert.NoError(t, err)
			if conv != nil {
				ids <- conv.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	var first string
	for id := range ids {
		if first == "" {
			first = id
		}
		assert.Equal(t, first, id)
	}

	conversations, err := s.ListConversations(alice)
	require.NoError(t, err)
	require.Len(t, conversations, 1)
	assert.Len(t, conversations[0].MessageIDs, n)
}

func TestListConversationsOrderedByActivity(t *testing.T) {
	s := SetupTestDB(t)
	alice := createUser(t, s, "alice")
	bob := createUser(t, s, "bob")
	carol := createUser(t, s, "carol")

	_, err := s.AppendMessage(&models.Message{Sender: alice, Receiver: bob, Text: "to bob"})
	require.NoError(t, err)
	_, err = s.AppendMessage(&models.Message{Sender: carol, Receiver: alice, Text: "to alice"})
	require.NoError(t, err)

	conversations, err := s.ListConversations(alice)
	require.NoError(t, err)
	require.Len(t, conversations, 2)
	assert.Equal(t, carol, conversations[0].Peer(alice))
	assert.Equal(t, bob, conversations[1].Peer(alice))

	conversations, err = s.ListConversations(bob)
	require.NoError(t, err)
	require.Len(t, conversations, 1)

	none, err := s.ListConversations("nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestGetMessageNotFound(t *testing.T) {
	s := SetupTestDB(t)
	_, err := s.GetMessage("missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	messages, err := s.GetConversationMessages("missing")
	require.NoError(t, err)
	assert.Empty(t, messages)
}
