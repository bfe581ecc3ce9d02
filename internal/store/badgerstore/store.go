// Package badgerstore keeps conversations and messages in an embedded
// BadgerDB. Key layout:
//
//	conv:{pairKey}                    -> conversation record (JSON)
//	convid:{conversationID}           -> pairKey
//	convmsg:{conversationID}:{seq}    -> messageID, seq zero-padded
//	msg:{messageID}                   -> Message (JSON)
//	member:{len}:{identity}:{pairKey} -> empty, one per participant
//
// The conversation record holds a message count rather than the id list, so
// an append writes a fixed number of small values.
//
// The pair key is the record key, so a second conversation for the same
// unordered pair cannot exist; concurrent creators collide on it and one of
// them gets badger.ErrConflict at commit.
package badgerstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/pliu/chatty-dm/internal/models"
	"github.com/pliu/chatty-dm/internal/store"
)

// maxAttempts bounds the optimistic retries of AppendMessage.
const maxAttempts = 3

// record is the stored form of a conversation. MessageIDs is rebuilt from
// the convmsg index on read.
type record struct {
	models.Conversation
	Count uint64 `json:"count"`
}

type BadgerStore struct {
	db  *badger.DB
	log *slog.Logger
}

var _ store.ChatStore = (*BadgerStore)(nil)

// New opens a store at path. An empty path keeps everything in memory.
func New(path string, log *slog.Logger) (*BadgerStore, error) {
	if log == nil {
		log = slog.Default()
	}
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR)
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger: %w", err)
	}
	log = log.With("component", "badgerstore")
	log.Info("badger store initialized", "path", path, "in_memory", path == "")
	return &BadgerStore{db: db, log: log}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func conversationKey(pairKey string) []byte { return []byte("conv:" + pairKey) }
func conversationIDKey(id string) []byte { return []byte("convid:" + id) }
func messageKey(id string) []byte { return []byte("msg:" + id) }

func memberPrefix(id models.Identity) []byte {
	return []byte(fmt.Sprintf("member:%d:%s:", len(id), id))
}

func convMessagePrefix(conversationID string) []byte {
	return []byte("convmsg:" + conversationID + ":")
}

func convMessageKey(conversationID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("convmsg:%s:%020d", conversationID, seq))
}

func memberKey(id models.Identity, pairKey string) []byte {
	return append(memberPrefix(id), pairKey...)
}

func (s *BadgerStore) AppendMessage(msg *models.Message) (*models.Conversation, error) {
	var (
		conv *models.Conversation
		err  error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		conv, err = s.appendOnce(msg)
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
		s.log.Debug("append conflict, retrying", "attempt", attempt, "sender", msg.Sender, "receiver", msg.Receiver)
	}
	if err != nil {
		return nil, classify(err)
	}
	return conv, nil
}

func (s *BadgerStore) appendOnce(msg *models.Message) (*models.Conversation, error) {
	var conv *models.Conversation
	now := time.Now().UTC()
	pairKey := models.ConversationKey(msg.Sender, msg.Receiver)

	// Work on a copy so a conflicting attempt leaves msg untouched.
	m := *msg
	err := s.db.Update(func(txn *badger.Txn) error {
		existing, err := getRecord(txn, pairKey)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			a, b := models.SortPair(msg.Sender, msg.Receiver)
			existing = &record{Conversation: models.Conversation{
				ID:           uuid.NewString(),
				Key:          pairKey,
				Participants: [2]models.Identity{a, b},
				CreatedAt:    now,
			}}
			if err := txn.Set(conversationIDKey(existing.ID), []byte(pairKey)); err != nil {
				return err
			}
			for _, p := range existing.Participants {
				if err := txn.Set(memberKey(p, pairKey), []byte{}); err != nil {
					return err
				}
			}
		case err != nil:
			return err
		}

		m.ID = uuid.NewString()
		m.ConversationID = existing.ID
		m.CreatedAt = now
		if err := setJSON(txn, messageKey(m.ID), &m); err != nil {
			return err
		}

		existing.Count++
		if err := txn.Set(convMessageKey(existing.ID, existing.Count), []byte(m.ID)); err != nil {
			return err
		}
		existing.UpdatedAt = now
		if err := setJSON(txn, conversationKey(pairKey), existing); err != nil {
			return err
		}

		conv = &existing.Conversation
		conv.MessageIDs, err = messageIDs(txn, existing.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	*msg = m
	return conv, nil
}

func (s *BadgerStore) GetConversation(a, b models.Identity) (*models.Conversation, error) {
	var conv *models.Conversation
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		conv, err = getConversation(txn, models.ConversationKey(a, b))
		return err
	})
	if err != nil {
		return nil, classify(err)
	}
	return conv, nil
}

// ListConversations returns id's conversations, most recently active first.
func (s *BadgerStore) ListConversations(id models.Identity) ([]models.Conversation, error) {
	var conversations []models.Conversation
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := memberPrefix(id)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var pairKeys []string
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			pairKeys = append(pairKeys, strings.TrimPrefix(string(it.Item().Key()), string(prefix)))
		}
		for _, pk := range pairKeys {
			conv, err := getConversation(txn, pk)
			if err != nil {
				return err
			}
			conversations = append(conversations, *conv)
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}

	slices.SortFunc(conversations, func(x, y models.Conversation) int {
		return y.UpdatedAt.Compare(x.UpdatedAt)
	})
	if conversations == nil {
		conversations = []models.Conversation{}
	}
	return conversations, nil
}

func (s *BadgerStore) GetMessage(id string) (*models.Message, error) {
	var msg models.Message
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, messageKey(id), &msg)
	})
	if err != nil {
		return nil, classify(err)
	}
	return &msg, nil
}

func (s *BadgerStore) GetConversationMessages(conversationID string) ([]models.Message, error) {
	messages := []models.Message{}
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(conversationIDKey(conversationID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		ids, err := messageIDs(txn, conversationID)
		if err != nil {
			return err
		}
		for _, id := range ids {
			var m models.Message
			if err := getJSON(txn, messageKey(id), &m); err != nil {
				return err
			}
			messages = append(messages, m)
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return messages, nil
}

func getRecord(txn *badger.Txn, pairKey string) (*record, error) {
	var rec record
	if err := getJSON(txn, conversationKey(pairKey), &rec); err != nil {
		return nil, err
	}
	rec.MessageIDs = nil
	return &rec, nil
}

func getConversation(txn *badger.Txn, pairKey string) (*models.Conversation, error) {
	rec, err := getRecord(txn, pairKey)
	if err != nil {
		return nil, err
	}
	conv := rec.Conversation
	conv.MessageIDs, err = messageIDs(txn, conv.ID)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// messageIDs returns the ids indexed under a conversation in append order.
func messageIDs(txn *badger.Txn, conversationID string) ([]string, error) {
	prefix := convMessagePrefix(conversationID)
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 100})
	defer it.Close()

	ids := []string{}
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		id, err := it.Item().ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		ids = append(ids, string(id))
	}
	return ids, nil
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func classify(err error) error {
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return store.ErrNotFound
	case errors.Is(err, badger.ErrConflict):
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	default:
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
}
