// Package convstore persists chat conversations and their messages. The
// concrete storage engine behind a production deployment is out of scope
// (spec §1, "the specific provider adapters ... out of scope" applies
// equally to conversation storage); this package defines the interface
// the chat driver depends on and an in-memory implementation used by
// tests and local runs.
package convstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a conversation id is unknown.
var ErrNotFound = errors.New("convstore: conversation not found")

// Message is one turn of a conversation.
type Message struct {
	ID             string
	ConversationID string
	Role           string // "user", "assistant", "tool"
	Content        string
	Metadata       map[string]any
	CreatedAt      time.Time
}

// Conversation is a titled, ordered list of messages.
type Conversation struct {
	ID        string
	ProfileID string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists conversations and their messages.
type Store interface {
	Create(ctx context.Context, profileID string) (*Conversation, error)
	Get(ctx context.Context, id string) (*Conversation, error)
	SetTitle(ctx context.Context, id, title string) error
	AppendMessage(ctx context.Context, conversationID, role, content string, metadata map[string]any) (*Message, error)
	History(ctx context.Context, conversationID string, limit int) ([]*Message, error)
}

// MemoryStore is an in-memory Store, grounded on the teacher's session
// memory store (mutex-guarded maps, clone-on-read/write).
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string][]*Message
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
	}
}

func cloneConversation(c *Conversation) *Conversation {
	clone := *c
	return &clone
}

// Create starts a new, untitled conversation for profileID.
func (m *MemoryStore) Create(ctx context.Context, profileID string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	c := &Conversation{
		ID:        uuid.NewString(),
		ProfileID: profileID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.conversations[c.ID] = c
	return cloneConversation(c), nil
}

// Get returns the conversation by id.
func (m *MemoryStore) Get(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(c), nil
}

// SetTitle sets id's title, once, if it is currently empty. Callers
// derive the title from the first prompt (spec §4.9) and should not
// overwrite a title a later turn already set.
func (m *MemoryStore) SetTitle(ctx context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if c.Title == "" {
		c.Title = title
		c.UpdatedAt = time.Now()
	}
	return nil
}

// AppendMessage records one message, its optional metadata (e.g.
// `interceptedBy` for a pipeline-intercepted reply, spec §8 scenario 2),
// and bumps the conversation's UpdatedAt.
func (m *MemoryStore) AppendMessage(ctx context.Context, conversationID, role, content string, metadata map[string]any) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	msg := &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Metadata:       metadata,
		CreatedAt:      time.Now(),
	}
	m.messages[conversationID] = append(m.messages[conversationID], msg)
	c.UpdatedAt = msg.CreatedAt
	clone := *msg
	return &clone, nil
}

// History returns up to limit of the most recent messages for
// conversationID, in chronological order. limit <= 0 means no limit.
func (m *MemoryStore) History(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all, ok := m.messages[conversationID]
	if !ok {
		if _, exists := m.conversations[conversationID]; !exists {
			return nil, ErrNotFound
		}
		return nil, nil
	}
	start := 0
	if limit > 0 && len(all) > limit {
		start = len(all) - limit
	}
	out := make([]*Message, len(all)-start)
	for i, msg := range all[start:] {
		clone := *msg
		out[i] = &clone
	}
	return out, nil
}
