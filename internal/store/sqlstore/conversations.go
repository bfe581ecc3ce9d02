package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pliu/chatty-dm/internal/models"
	"github.com/pliu/chatty-dm/internal/store"
)

const messageColumns = "m.id, m.conversation_id, m.sender, m.receiver, m.content, m.attachment, m.created_at"

type querier interface {
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
}

// AppendMessage runs find-or-create of the conversation, the message insert
// and the link insert in one transaction, so readers never see a message
// without its conversation reference.
func (s *SQLStore) AppendMessage(msg *models.Message) (*models.Conversation, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, classify(err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	key := models.ConversationKey(msg.Sender, msg.Receiver)
	a, b := models.SortPair(msg.Sender, msg.Receiver)

	_, err = tx.Exec(s.rebind(`
		INSERT INTO conversations (id, pair_key, participant_a, participant_b, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (pair_key) DO NOTHING
	`), uuid.NewString(), key, a, b, now, now)
	if err != nil {
		return nil, appendErr(err)
	}

	conv, err := s.conversationByKey(tx, key)
	if err != nil {
		return nil, appendErr(err)
	}

	msg.ID = uuid.NewString()
	msg.ConversationID = conv.ID
	msg.CreatedAt = now
	_, err = tx.Exec(s.rebind("INSERT INTO messages (id, conversation_id, sender, receiver, content, attachment, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)"),
		msg.ID, msg.ConversationID, msg.Sender, msg.Receiver, msg.Text, msg.Attachment, msg.CreatedAt)
	if err != nil {
		return nil, appendErr(err)
	}

	position := len(conv.MessageIDs) + 1
	_, err = tx.Exec(s.rebind("INSERT INTO conversation_messages (conversation_id, position, message_id) VALUES (?, ?, ?)"),
		conv.ID, position, msg.ID)
	if err != nil {
		return nil, appendErr(err)
	}

	_, err = tx.Exec(s.rebind("UPDATE conversations SET updated_at = ? WHERE id = ?"), now, conv.ID)
	if err != nil {
		return nil, appendErr(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, appendErr(err)
	}

	conv.MessageIDs = append(conv.MessageIDs, msg.ID)
	conv.UpdatedAt = now
	return conv, nil
}

// appendErr reports any uniqueness failure inside AppendMessage as a lost
// race: the caller's retry will observe the winner's rows.
func appendErr(err error) error {
	err = classify(err)
	if errors.Is(err, store.ErrDuplicate) {
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	return err
}

func (s *SQLStore) GetConversation(a, b models.Identity) (*models.Conversation, error) {
	return s.conversationByKey(s.db, models.ConversationKey(a, b))
}

func (s *SQLStore) ListConversations(id models.Identity) ([]models.Conversation, error) {
	rows, err := s.db.Query(s.rebind(`
		SELECT pair_key FROM conversations
		WHERE participant_a = ? OR participant_b = ?
		ORDER BY updated_at DESC
	`), id, id)
	if err != nil {
		return nil, classify(err)
	}

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return nil, classify(err)
		}
		keys = append(keys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	conversations := make([]models.Conversation, 0, len(keys))
	for _, key := range keys {
		conv, err := s.conversationByKey(s.db, key)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, *conv)
	}
	return conversations, nil
}

func (s *SQLStore) conversationByKey(q querier, key string) (*models.Conversation, error) {
	var conv models.Conversation
	err := q.QueryRow(s.rebind("SELECT id, pair_key, participant_a, participant_b, created_at, updated_at FROM conversations WHERE pair_key = ?"), key).
		Scan(&conv.ID, &conv.Key, &conv.Participants[0], &conv.Participants[1], &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, classify(err)
	}

	rows, err := q.Query(s.rebind("SELECT message_id FROM conversation_messages WHERE conversation_id = ? ORDER BY position ASC"), conv.ID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	conv.MessageIDs = []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err)
		}
		conv.MessageIDs = append(conv.MessageIDs, id)
	}
	return &conv, classify(rows.Err())
}

func (s *SQLStore) GetMessage(id string) (*models.Message, error) {
	row := s.db.QueryRow(s.rebind("SELECT "+messageColumns+" FROM messages m WHERE m.id = ?"), id)
	return scanMessage(row)
}

func (s *SQLStore) GetConversationMessages(conversationID string) ([]models.Message, error) {
	rows, err := s.db.Query(s.rebind(`
		SELECT `+messageColumns+`
		FROM conversation_messages cm
		JOIN messages m ON m.id = cm.message_id
		WHERE cm.conversation_id = ?
		ORDER BY cm.position ASC
	`), conversationID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	return messages, classify(rows.Err())
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var m models.Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Receiver, &m.Text, &m.Attachment, &m.CreatedAt)
	if err != nil {
		return nil, classify(err)
	}
	return &m, nil
}
