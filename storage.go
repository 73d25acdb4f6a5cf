package chatsync

import (
	"context"
	"sync"
)

// ============================================================================
// Cache
// ============================================================================

// Cache is the durable local store for messages, conversation summaries
// and pagination cursors. Implementations must be safe for concurrent use.
type Cache interface {
	// PutMessage upserts by id and reports whether the id was new.
	PutMessage(ctx context.Context, m *Message) (bool, error)
	PutMessages(ctx context.Context, msgs []*Message) error
	// Messages returns a conversation's messages oldest first.
	Messages(ctx context.Context, conversationID string) ([]*Message, error)
	DeleteMessages(ctx context.Context, ids []string) error
	DeleteConversationMessages(ctx context.Context, conversationID string) error

	PutConversation(ctx context.Context, c *Conversation) error
	ReplaceConversations(ctx context.Context, convs []*Conversation) error
	Conversations(ctx context.Context) ([]*Conversation, error)
	DeleteConversation(ctx context.Context, conversationID string) error

	Cursor(ctx context.Context, conversationID string) (Cursor, error)
	SetCursor(ctx context.Context, conversationID string, cur Cursor) error

	// RetentionFloor returns the newest message pruned from a conversation,
	// or nil. Only ID, ConversationID and ServerTimestamp are set.
	RetentionFloor(ctx context.Context, conversationID string) (*Message, error)
	// RaiseRetentionFloor moves the floor up to m. A lower m is ignored.
	RaiseRetentionFloor(ctx context.Context, m *Message) error

	Clear(ctx context.Context) error
	Close() error
}

// ============================================================================
// MemoryStorage
// ============================================================================

// MemoryStorage is a goroutine-safe in-memory Cache. Nothing survives the process.
type MemoryStorage struct {
	mu            sync.RWMutex
	messages      map[string]*Message
	conversations map[string]*Conversation
	cursors       map[string]Cursor
	floors        map[string]*Message
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		messages:      make(map[string]*Message),
		conversations: make(map[string]*Conversation),
		cursors:       make(map[string]Cursor),
		floors:        make(map[string]*Message),
	}
}

// ── Messages ─────────────────────────────────────────────

func (s *MemoryStorage) PutMessage(_ context.Context, m *Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.messages[m.ID]
	cp := *m
	s.messages[m.ID] = &cp
	return !exists, nil
}

func (s *MemoryStorage) PutMessages(_ context.Context, msgs []*Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		cp := *m
		s.messages[m.ID] = &cp
	}
	return nil
}

func (s *MemoryStorage) Messages(_ context.Context, conversationID string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sortMessages(out)
	return out, nil
}

func (s *MemoryStorage) DeleteMessages(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.messages, id)
	}
	return nil
}

func (s *MemoryStorage) DeleteConversationMessages(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.messages {
		if m.ConversationID == conversationID {
			delete(s.messages, id)
		}
	}
	delete(s.floors, conversationID)
	return nil
}

// ── Conversations ────────────────────────────────────────

func (s *MemoryStorage) PutConversation(_ context.Context, c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[c.ID] = c.clone()
	return nil
}

func (s *MemoryStorage) ReplaceConversations(_ context.Context, convs []*Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = make(map[string]*Conversation, len(convs))
	for _, c := range convs {
		s.conversations[c.ID] = c.clone()
	}
	return nil
}

func (s *MemoryStorage) Conversations(_ context.Context) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c.clone())
	}
	sortConversations(out)
	return out, nil
}

func (s *MemoryStorage) DeleteConversation(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, conversationID)
	delete(s.cursors, conversationID)
	return nil
}

// ── Cursors ──────────────────────────────────────────────

func (s *MemoryStorage) Cursor(_ context.Context, conversationID string) (Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[conversationID], nil
}

func (s *MemoryStorage) SetCursor(_ context.Context, conversationID string, cur Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[conversationID] = cur
	return nil
}

// ── Retention floors ─────────────────────────────────────

func (s *MemoryStorage) RetentionFloor(_ context.Context, conversationID string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.floors[conversationID]
	if !ok {
		return nil, nil
	}
	cp := *f
	return &cp, nil
}

func (s *MemoryStorage) RaiseRetentionFloor(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.floors[m.ConversationID]; ok && !messageLess(f, m) {
		return nil
	}
	s.floors[m.ConversationID] = floorMarker(m)
	return nil
}

// floorMarker keeps only the ordering key of m.
func floorMarker(m *Message) *Message {
	return &Message{ID: m.ID, ConversationID: m.ConversationID, ServerTimestamp: m.ServerTimestamp}
}

func (s *MemoryStorage) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make(map[string]*Message)
	s.conversations = make(map[string]*Conversation)
	s.cursors = make(map[string]Cursor)
	s.floors = make(map[string]*Message)
	return nil
}

func (s *MemoryStorage) Close() error { return nil }
