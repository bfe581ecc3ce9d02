package store

import (
	"errors"

	"github.com/pliu/chatty-dm/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
	// ErrConflict marks a write that lost a race inside the storage engine.
	// Callers may retry.
	ErrConflict = errors.New("write conflict")
	// ErrUnavailable wraps failures of the underlying storage engine.
	ErrUnavailable = errors.New("storage unavailable")
)

type UserStore interface {
	CreateUser(user *models.User) error
	GetUserByID(id models.Identity) (*models.User, error)
	GetUserByUsername(username string) (*models.User, error)
	GetUserByEmail(email string) (*models.User, error)
	SearchUsers(query string) ([]models.User, error)
	ListOtherUsers(id models.Identity) ([]models.User, error)
	UpdateProfile(id models.Identity, name, image string) (*models.User, error)
}

// ConversationStore persists conversations keyed by their unordered
// participant pair.
type ConversationStore interface {
	// AppendMessage resolves or creates the conversation between
	// msg.Sender and msg.Receiver, persists msg and appends it to the
	// conversation in a single transaction. msg.ID, msg.ConversationID and
	// msg.CreatedAt are filled in on success.
	AppendMessage(msg *models.Message) (*models.Conversation, error)
	GetConversation(a, b models.Identity) (*models.Conversation, error)
	ListConversations(id models.Identity) ([]models.Conversation, error)
}

type MessageStore interface {
	GetMessage(id string) (*models.Message, error)
	// GetConversationMessages returns the messages linked to a conversation
	// in append order.
	GetConversationMessages(conversationID string) ([]models.Message, error)
}

type ChatStore interface {
	ConversationStore
	MessageStore
	Close() error
}

type Store interface {
	UserStore
	ChatStore
}
