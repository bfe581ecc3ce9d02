package models

import (
	"fmt"
	"strings"
	"time"
)

// Identity is an opaque user identifier issued by the authentication layer.
type Identity string

type User struct {
	ID        Identity  `json:"_id"`
	UserName  string    `json:"userName"`
	Email     string    `json:"email"`
	Password  string    `json:"-"`
	Name      string    `json:"name"`
	Image     string    `json:"image"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Conversation is the single record shared by an unordered pair of identities.
// MessageIDs is append-only and kept in send order.
type Conversation struct {
	ID           string      `json:"_id"`
	Key          string      `json:"key"`
	Participants [2]Identity `json:"participants"`
	MessageIDs   []string    `json:"messages"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// Peer returns the participant that is not id.
func (c *Conversation) Peer(id Identity) Identity {
	if c.Participants[0] == id {
		return c.Participants[1]
	}
	return c.Participants[0]
}

type Message struct {
	ID             string    `json:"_id"`
	ConversationID string    `json:"conversationId"`
	Sender         Identity  `json:"sender"`
	Receiver       Identity  `json:"receiver"`
	Text           string    `json:"message"`
	Attachment     string    `json:"image"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ConversationKey normalises an unordered pair so that {a, b} and {b, a}
// map to the same key. The lower identity is length-prefixed, so identities
// containing ':' cannot make two different pairs collide.
func ConversationKey(a, b Identity) string {
	lo, hi := SortPair(a, b)
	return fmt.Sprintf("%d:%s:%s", len(lo), lo, hi)
}

// SortPair returns a and b in lexicographic order.
func SortPair(a, b Identity) (Identity, Identity) {
	if strings.Compare(string(a), string(b)) > 0 {
		return b, a
	}
	return a, b
}
