package chatsync

import (
	"sync"

	"go.uber.org/zap"
)

// NotificationKind classifies a user-facing notice.
type NotificationKind string

const (
	NoticeConnection   NotificationKind = "connection"
	NoticeSyncError    NotificationKind = "sync_error"
	NoticeFriend       NotificationKind = "friend"
	NoticeGroup        NotificationKind = "group"
	NoticeGame         NotificationKind = "game"
	NoticeConversation NotificationKind = "conversation"
	NoticeUnknown      NotificationKind = "unknown_event"
)

// Notification is a transient notice for the UI layer. It never carries state.
type Notification struct {
	Kind        NotificationKind `json:"kind"`
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	EventType   EventType        `json:"event_type,omitempty"`
}

// NotificationHandler receives notifications synchronously; it must not block.
type NotificationHandler func(Notification)

type notifier struct {
	mu       sync.RWMutex
	handlers []NotificationHandler
	log      *zap.Logger
}

func newNotifier(log *zap.Logger) *notifier {
	return &notifier{log: log}
}

func (n *notifier) On(h NotificationHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers = append(n.handlers, h)
}

func (n *notifier) emit(note Notification) {
	n.mu.RLock()
	handlers := n.handlers
	n.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					n.log.Warn("notification handler panicked", zap.Any("panic", r))
				}
			}()
			h(note)
		}()
	}
}
