//go:generate go run go.uber.org/mock/mockgen -source=router.go -destination=mocks/mock_router.go -package=mocks
package chat

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/pliu/chatty-dm/internal/models"
	"github.com/pliu/chatty-dm/internal/presence"
	"github.com/pliu/chatty-dm/internal/store"
)

const DefaultMaxTextLen = 4000

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrEmptyMessage    = fmt.Errorf("%w: message has no text and no attachment", ErrInvalidInput)
	ErrSelfMessage     = fmt.Errorf("%w: sender and receiver are the same identity", ErrInvalidInput)
	ErrUnknownIdentity = fmt.Errorf("%w: unknown identity", ErrInvalidInput)
	ErrTextTooLong     = fmt.Errorf("%w: message text too long", ErrInvalidInput)

	// ErrPersistence reports that storage rejected or failed the operation.
	// Nothing was written; the caller may retry.
	ErrPersistence = errors.New("persistence failure")
)

// Store is the persistence the router needs.
type Store interface {
	AppendMessage(msg *models.Message) (*models.Conversation, error)
	GetConversation(a, b models.Identity) (*models.Conversation, error)
	ListConversations(id models.Identity) ([]models.Conversation, error)
	GetConversationMessages(conversationID string) ([]models.Message, error)
}

// Directory resolves identities issued by the authentication layer.
type Directory interface {
	GetUserByID(id models.Identity) (*models.User, error)
}

// Presence resolves the live connection of an identity.
type Presence interface {
	Lookup(id models.Identity) (presence.Conn, bool)
}

// Router is the only entry point for sending a message. It persists first
// and then pushes to the receiver's live connection, if any.
type Router struct {
	store      Store
	users      Directory
	presence   Presence
	logger     *slog.Logger
	maxTextLen int
	locks      *keyLocks
}

type Option func(*Router)

// WithMaxTextLen caps message text at n runes. Zero or less disables the cap.
func WithMaxTextLen(n int) Option {
	return func(r *Router) { r.maxTextLen = n }
}

func New(st Store, users Directory, p Presence, logger *slog.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		store:      st,
		users:      users,
		presence:   p,
		logger:     logger.With("component", "router"),
		maxTextLen: DefaultMaxTextLen,
		locks:      newKeyLocks(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Send persists a message from sender to receiver and pushes it to the
// receiver when online. The returned error is either ErrInvalidInput (nothing
// written) or ErrPersistence (nothing written, retryable); delivery outcome
// never affects it.
func (r *Router) Send(sender, receiver models.Identity, text, attachmentRef string) (*models.Message, error) {
	if err := r.validate(sender, receiver, text, attachmentRef); err != nil {
		return nil, err
	}

	msg := &models.Message{
		Sender:     sender,
		Receiver:   receiver,
		Text:       text,
		Attachment: strings.TrimSpace(attachmentRef),
	}

	// Held across persist and push so pushes for a pair leave in the same
	// order the messages were appended.
	unlock := r.locks.lock(models.ConversationKey(sender, receiver))
	defer unlock()

	conv, err := r.store.AppendMessage(msg)
	if err != nil {
		r.logger.Warn("persisting message failed", "sender", sender, "receiver", receiver, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	r.logger.Debug("message stored",
		"message_id", msg.ID,
		"conversation_id", conv.ID,
		"sender", sender,
		"receiver", receiver)

	r.push(*msg)
	return msg, nil
}

func (r *Router) push(msg models.Message) {
	conn, ok := r.presence.Lookup(msg.Receiver)
	if !ok {
		r.logger.Debug("receiver offline", "message_id", msg.ID, "receiver", msg.Receiver)
		return
	}
	if !conn.Deliver(presence.Event{Type: presence.EventNewMessage, Message: &msg}) {
		r.logger.Debug("push dropped", "message_id", msg.ID, "receiver", msg.Receiver)
	}
}

// History returns the messages exchanged by a and b in send order. It is
// empty when the pair never talked.
func (r *Router) History(a, b models.Identity) ([]models.Message, error) {
	conv, err := r.store.GetConversation(a, b)
	if errors.Is(err, store.ErrNotFound) {
		return []models.Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	messages, err := r.store.GetConversationMessages(conv.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return messages, nil
}

// Conversations lists id's conversations, most recently active first.
func (r *Router) Conversations(id models.Identity) ([]models.Conversation, error) {
	conversations, err := r.store.ListConversations(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return conversations, nil
}

func (r *Router) validate(sender, receiver models.Identity, text, attachmentRef string) error {
	if strings.TrimSpace(text) == "" && strings.TrimSpace(attachmentRef) == "" {
		return ErrEmptyMessage
	}
	if r.maxTextLen > 0 && utf8.RuneCountInString(text) > r.maxTextLen {
		return ErrTextTooLong
	}
	if sender == receiver {
		return ErrSelfMessage
	}
	for _, id := range []models.Identity{sender, receiver} {
		if err := r.checkIdentity(id); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) checkIdentity(id models.Identity) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrUnknownIdentity)
	}
	_, err := r.users.GetUserByID(id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	case err != nil:
		return fmt.Errorf("%w: resolving %s: %w", ErrPersistence, id, err)
	}
	return nil
}
