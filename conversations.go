package chatsync

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ConversationAPI is the REST collaborator for conversations and history.
type ConversationAPI interface {
	List(ctx context.Context) ([]*Conversation, error)
	Messages(ctx context.Context, conversationID string, before time.Time, limit int) ([]*Message, error)
	MarkRead(ctx context.Context, conversationID string) error
	Delete(ctx context.Context, conversationID string) error
}

// ============================================================================
// Conversations
// ============================================================================

// Conversations holds the conversation list, the loaded message history and
// the per-conversation pagination cursors. Every local write goes through
// to the Cache first.
type Conversations struct {
	api      ConversationAPI
	cache    Cache
	pageSize int
	log      *zap.Logger
	notes    *notifier
	tasks    *taskGroup
	refresh  *coalescer

	mu       sync.RWMutex
	self     string
	list     []*Conversation
	messages map[string][]*Message
	cursors  map[string]Cursor
	active   string

	// per-conversation counters of local unread increments and resets,
	// compared across a Refresh to merge the server snapshot
	bumps map[string]int
	reads map[string]int
}

func newConversations(api ConversationAPI, cache Cache, pageSize int, log *zap.Logger, notes *notifier, tasks *taskGroup) *Conversations {
	c := &Conversations{
		api:      api,
		cache:    cache,
		pageSize: pageSize,
		log:      log,
		notes:    notes,
		tasks:    tasks,
		messages: make(map[string][]*Message),
		cursors:  make(map[string]Cursor),
		bumps:    make(map[string]int),
		reads:    make(map[string]int),
	}
	c.refresh = newCoalescer(tasks, func(ctx context.Context) {
		if err := c.Refresh(ctx); err != nil {
			c.log.Warn("refreshing conversations failed", zap.Error(err))
		}
	})
	return c
}

func (c *Conversations) setSelf(userID string) {
	c.mu.Lock()
	c.self = userID
	c.mu.Unlock()
}

// ── snapshots ────────────────────────────────────────────

// List returns the conversations, most recent activity first.
func (c *Conversations) List() []*Conversation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Conversation, len(c.list))
	for i, conv := range c.list {
		out[i] = conv.clone()
	}
	return out
}

// Get returns one conversation summary.
func (c *Conversations) Get(id string) (*Conversation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if conv := c.findLocked(id); conv != nil {
		return conv.clone(), true
	}
	return nil, false
}

// Messages returns the loaded history of a conversation, oldest first.
func (c *Conversations) Messages(conversationID string) []*Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	held := c.messages[conversationID]
	out := make([]*Message, len(held))
	for i, m := range held {
		cp := *m
		out[i] = &cp
	}
	return out
}

// HasMoreMessages is false only once the server confirmed the oldest page.
func (c *Conversations) HasMoreMessages(conversationID string) bool {
	return c.Cursor(conversationID) != CursorExhausted
}

func (c *Conversations) Cursor(conversationID string) Cursor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cursors[conversationID]
}

// Active returns the active conversation id, or "".
func (c *Conversations) Active() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// ── reducers ─────────────────────────────────────────────

// ApplyIncomingMessage upserts m and updates the owning conversation.
// Unread counting and read acknowledgement only happen the first time an id
// is stored, so redelivery is harmless. Messages at or below the retention
// floor were pruned on purpose and are ignored. It reports whether m was new.
func (c *Conversations) ApplyIncomingMessage(ctx context.Context, m *Message, fromRealtime bool) (bool, error) {
	floor, err := c.cache.RetentionFloor(ctx, m.ConversationID)
	if err != nil {
		return false, fmt.Errorf("retention floor of %s: %w", m.ConversationID, err)
	}
	if floor != nil && !messageLess(floor, m) {
		// pruned locally; older pages bring it back on demand
		c.log.Debug("ignoring replayed message below retention floor",
			zap.String("conversation_id", m.ConversationID), zap.String("message_id", m.ID))
		return false, nil
	}

	created, err := c.cache.PutMessage(ctx, m)
	if err != nil {
		return false, fmt.Errorf("cache message %s: %w", m.ID, err)
	}

	var (
		snapshot *Conversation
		markRead bool
	)
	c.mu.Lock()
	c.messages[m.ConversationID] = mergeMessages(c.messages[m.ConversationID], []*Message{m})
	conv := c.findLocked(m.ConversationID)
	if conv != nil {
		if conv.LastMessage == nil || messageLess(conv.LastMessage, m) {
			cp := *m
			conv.LastMessage = &cp
		}
		if created && fromRealtime && m.AuthorID() != c.self {
			if c.active == m.ConversationID {
				markRead = true
			} else {
				conv.UnreadCount++
				c.bumps[m.ConversationID]++
			}
		}
		sortConversations(c.list)
		snapshot = conv.clone()
	}
	c.mu.Unlock()

	if snapshot == nil {
		// first message of a conversation we have not listed yet
		c.refresh.Trigger()
		return created, nil
	}
	if err := c.cache.PutConversation(ctx, snapshot); err != nil {
		c.log.Warn("caching conversation failed", zap.String("conversation_id", snapshot.ID), zap.Error(err))
	}
	if markRead {
		c.markReadAsync(m.ConversationID)
	}
	return created, nil
}

// SetActive switches the active conversation. A non-empty id acknowledges
// reads, zeroes the unread counter, loads cached history and fetches an
// older page unless the cache holds history already known to be complete.
// Nothing local changes when the read acknowledgement fails.
func (c *Conversations) SetActive(ctx context.Context, id string) error {
	if id == "" {
		c.mu.Lock()
		c.active = ""
		c.mu.Unlock()
		return nil
	}

	if err := c.api.MarkRead(ctx, id); err != nil {
		return fmt.Errorf("mark %s read: %w", id, err)
	}
	c.mu.Lock()
	c.active = id
	c.reads[id]++
	var snapshot *Conversation
	if conv := c.findLocked(id); conv != nil {
		conv.UnreadCount = 0
		snapshot = conv.clone()
	}
	c.mu.Unlock()
	if snapshot != nil {
		if err := c.cache.PutConversation(ctx, snapshot); err != nil {
			c.log.Warn("caching conversation failed", zap.String("conversation_id", id), zap.Error(err))
		}
	}

	if err := c.LoadCached(ctx, id); err != nil {
		return err
	}
	c.mu.RLock()
	held, cur := len(c.messages[id]), c.cursors[id]
	c.mu.RUnlock()

	if held == 0 || cur != CursorExhausted {
		_, err := c.FetchOlderPage(ctx, id)
		return err
	}
	return nil
}

// FetchOlderPage requests one page older than the oldest held message and
// returns the number of messages received.
func (c *Conversations) FetchOlderPage(ctx context.Context, conversationID string) (int, error) {
	c.mu.RLock()
	before := time.Now().UTC()
	if held := c.messages[conversationID]; len(held) > 0 {
		before = held[0].ServerTimestamp
	}
	c.mu.RUnlock()

	page, err := c.api.Messages(ctx, conversationID, before, c.pageSize)
	if err != nil {
		return 0, fmt.Errorf("fetch messages before %s: %w", before.Format(time.RFC3339Nano), err)
	}
	for _, m := range page {
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
	}
	if err := c.cache.PutMessages(ctx, page); err != nil {
		return 0, fmt.Errorf("cache page: %w", err)
	}

	cur := CursorMore
	if len(page) < c.pageSize {
		cur = CursorExhausted
	}
	if err := c.cache.SetCursor(ctx, conversationID, cur); err != nil {
		c.log.Warn("caching cursor failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}

	c.mu.Lock()
	c.messages[conversationID] = mergeMessages(c.messages[conversationID], page)
	c.cursors[conversationID] = cur
	c.mu.Unlock()

	c.log.Debug("fetched older page",
		zap.String("conversation_id", conversationID), zap.Int("count", len(page)), zap.Stringer("cursor", cur))
	return len(page), nil
}

// Delete removes the conversation on the server, then purges it locally.
func (c *Conversations) Delete(ctx context.Context, id string) error {
	if err := c.api.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return c.purge(ctx, id)
}

// HandleConversationDeleted purges a conversation the server already removed.
func (c *Conversations) HandleConversationDeleted(ctx context.Context, id string) error {
	return c.purge(ctx, id)
}

// HandleGroupChange refreshes the list after group membership changes.
func (c *Conversations) HandleGroupChange(*GroupEvent) {
	c.refresh.Trigger()
}

// Refresh replaces the list with the server's and caches it. Messages
// applied while the request was in flight survive: a newer held
// LastMessage is kept, and unread increments made since the request
// started are added on top of the server count.
func (c *Conversations) Refresh(ctx context.Context) error {
	c.mu.RLock()
	bumps, reads := maps.Clone(c.bumps), maps.Clone(c.reads)
	c.mu.RUnlock()

	list, err := c.api.List(ctx)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conv := range list {
		held := c.findLocked(conv.ID)
		if held == nil {
			continue
		}
		if held.LastMessage != nil && (conv.LastMessage == nil || messageLess(conv.LastMessage, held.LastMessage)) {
			m := *held.LastMessage
			conv.LastMessage = &m
		}
		if c.reads[conv.ID] != reads[conv.ID] {
			// read locally since the request went out
			conv.UnreadCount = held.UnreadCount
		} else {
			conv.UnreadCount += c.bumps[conv.ID] - bumps[conv.ID]
		}
	}
	sortConversations(list)
	if err := c.cache.ReplaceConversations(ctx, list); err != nil {
		return fmt.Errorf("cache conversations: %w", err)
	}
	c.list = make([]*Conversation, len(list))
	for i, conv := range list {
		c.list[i] = conv.clone()
	}
	return nil
}

// Restore loads the cached conversation list, for offline start.
func (c *Conversations) Restore(ctx context.Context) error {
	list, err := c.cache.Conversations(ctx)
	if err != nil {
		return fmt.Errorf("restore conversations: %w", err)
	}
	c.mu.Lock()
	c.list = list
	c.mu.Unlock()
	return nil
}

// LoadCached merges the cached history and cursor of a conversation into
// memory without contacting the server.
func (c *Conversations) LoadCached(ctx context.Context, id string) error {
	cached, err := c.cache.Messages(ctx, id)
	if err != nil {
		return fmt.Errorf("load cached messages: %w", err)
	}
	cur, err := c.cache.Cursor(ctx, id)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	c.mu.Lock()
	if len(cached) > 0 {
		c.messages[id] = mergeMessages(c.messages[id], cached)
	}
	if c.cursors[id] == CursorUnknown {
		c.cursors[id] = cur
	}
	c.mu.Unlock()
	return nil
}

// reload replaces the in-memory history with the cache's. With reopen the
// cursor is set back to CursorMore so the next page request goes out.
func (c *Conversations) reload(ctx context.Context, id string, reopen bool) error {
	msgs, err := c.cache.Messages(ctx, id)
	if err != nil {
		return fmt.Errorf("reload messages: %w", err)
	}
	if reopen {
		if err := c.cache.SetCursor(ctx, id, CursorMore); err != nil {
			return fmt.Errorf("reset cursor: %w", err)
		}
	}
	c.mu.Lock()
	if len(msgs) == 0 {
		delete(c.messages, id)
	} else {
		c.messages[id] = msgs
	}
	if reopen {
		c.cursors[id] = CursorMore
	}
	c.mu.Unlock()
	return nil
}

func (c *Conversations) purge(ctx context.Context, id string) error {
	if err := c.cache.DeleteConversationMessages(ctx, id); err != nil {
		return fmt.Errorf("purge messages of %s: %w", id, err)
	}
	if err := c.cache.DeleteConversation(ctx, id); err != nil {
		return fmt.Errorf("purge conversation %s: %w", id, err)
	}

	c.mu.Lock()
	for i, conv := range c.list {
		if conv.ID == id {
			c.list = append(c.list[:i], c.list[i+1:]...)
			break
		}
	}
	delete(c.messages, id)
	delete(c.cursors, id)
	if c.active == id {
		c.active = ""
	}
	c.mu.Unlock()
	return nil
}

func (c *Conversations) reset() {
	c.mu.Lock()
	c.self = ""
	c.list = nil
	c.messages = make(map[string][]*Message)
	c.cursors = make(map[string]Cursor)
	c.bumps = make(map[string]int)
	c.reads = make(map[string]int)
	c.active = ""
	c.mu.Unlock()
}

func (c *Conversations) markReadAsync(id string) {
	c.tasks.Go(func(ctx context.Context) {
		if err := c.api.MarkRead(ctx, id); err != nil {
			c.log.Warn("read acknowledgement failed", zap.String("conversation_id", id), zap.Error(err))
			c.notes.emit(Notification{
				Kind:        NoticeSyncError,
				Title:       "Could not mark conversation as read",
				Description: err.Error(),
			})
		}
	})
}

func (c *Conversations) findLocked(id string) *Conversation {
	for _, conv := range c.list {
		if conv.ID == id {
			return conv
		}
	}
	return nil
}

// mergeMessages unions two histories by id, keeping (timestamp, id) order.
// Incoming copies replace held ones.
func mergeMessages(held, incoming []*Message) []*Message {
	if len(incoming) == 0 {
		return held
	}
	byID := make(map[string]*Message, len(held)+len(incoming))
	for _, m := range held {
		byID[m.ID] = m
	}
	for _, m := range incoming {
		cp := *m
		byID[m.ID] = &cp
	}
	out := make([]*Message, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	sortMessages(out)
	return out
}
