package chatsync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	routerInboxSize = 256
	recentWindow    = 1024
)

type delivery struct {
	epoch uint64
	src   Source
	env   *Envelope
}

// ============================================================================
// Router
// ============================================================================

// Router is the single serialization point between the transports and the
// reducers. Both transports submit to one inbox; Run applies envelopes one
// at a time, and direct Route calls take the same lock.
type Router struct {
	conversations *Conversations
	friends       *Friends
	games         *Games
	notes         *notifier
	log           *zap.Logger
	metrics       *Metrics

	inbox   chan delivery
	applyMu sync.Mutex
	epoch   atomic.Uint64
	seen    *recentIDs
}

func newRouter(convs *Conversations, friends *Friends, games *Games, notes *notifier, log *zap.Logger, metrics *Metrics) *Router {
	return &Router{
		conversations: convs,
		friends:       friends,
		games:         games,
		notes:         notes,
		log:           log,
		metrics:       metrics,
		inbox:         make(chan delivery, routerInboxSize),
		seen:          newRecentIDs(recentWindow),
	}
}

// Epoch is the current delivery epoch. Transports capture it when they start.
func (r *Router) Epoch() uint64 { return r.epoch.Load() }

// Submit queues env for application. It blocks while the inbox is full.
func (r *Router) Submit(ctx context.Context, epoch uint64, src Source, env *Envelope) error {
	if epoch != r.epoch.Load() {
		r.metrics.EventsDropped.WithLabelValues("stale").Inc()
		return nil
	}
	select {
	case r.inbox <- delivery{epoch: epoch, src: src, env: env}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run applies queued envelopes until ctx is done.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-r.inbox:
			r.applyMu.Lock()
			if d.epoch == r.epoch.Load() {
				r.route(ctx, d.src, d.env)
			} else {
				r.metrics.EventsDropped.WithLabelValues("stale").Inc()
			}
			r.applyMu.Unlock()
		}
	}
}

// Seal invalidates everything submitted under the current epoch. When it
// returns, no envelope from an earlier epoch is being or will be applied.
func (r *Router) Seal() {
	r.applyMu.Lock()
	r.epoch.Add(1)
	r.applyMu.Unlock()
}

// Route applies env synchronously.
func (r *Router) Route(ctx context.Context, src Source, env *Envelope) {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()
	r.route(ctx, src, env)
}

// exclusive runs fn between envelope applications.
func (r *Router) exclusive(fn func() error) error {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()
	return fn()
}

// reset forgets applied envelope ids.
func (r *Router) reset() {
	r.applyMu.Lock()
	r.seen = newRecentIDs(recentWindow)
	r.applyMu.Unlock()
}

func (r *Router) route(ctx context.Context, src Source, env *Envelope) {
	if env.ID != "" && r.seen.has(env.ID) {
		r.metrics.EventsDropped.WithLabelValues("duplicate").Inc()
		r.log.Debug("skipping duplicate envelope", zap.String("id", env.ID), zap.String("source", string(src)))
		return
	}

	ev, err := DecodeEvent(env)
	if err != nil {
		r.metrics.EventsDropped.WithLabelValues("malformed").Inc()
		r.log.Warn("dropping envelope", zap.String("id", env.ID), zap.Error(err))
		return
	}

	if err := r.dispatch(ctx, env, ev); err != nil {
		r.metrics.EventsDropped.WithLabelValues("failed").Inc()
		r.log.Error("applying envelope failed",
			zap.String("id", env.ID), zap.String("event_type", string(env.EventType)), zap.Error(err))
		return
	}
	if env.ID != "" {
		r.seen.add(env.ID)
	}
	r.metrics.EventsRouted.WithLabelValues(string(env.EventType), string(src)).Inc()
}

// dispatch makes exactly one reducer call for ev.
func (r *Router) dispatch(ctx context.Context, env *Envelope, ev Event) error {
	payload := gjson.ParseBytes(env.Payload)

	switch e := ev.(type) {
	case *NewMessageEvent:
		_, err := r.conversations.ApplyIncomingMessage(ctx, e.Message, true)
		return err

	case *FriendRequestEvent:
		r.notes.emit(Notification{
			Kind:        NoticeFriend,
			Title:       "New friend request",
			Description: fmt.Sprintf("%s wants to be friends.", firstString(payload, "sender.username", "sender.id")),
			EventType:   env.EventType,
		})
		r.friends.HandleRequest(e.Request)
		return nil

	case *FriendAcceptedEvent:
		r.notes.emit(Notification{
			Kind:        NoticeFriend,
			Title:       "Friend request accepted",
			Description: fmt.Sprintf("%s is now your friend.", firstString(payload, "user1.username", "user2.username", "user_id2")),
			EventType:   env.EventType,
		})
		r.friends.HandleAccepted(e.Friendship)
		return nil

	case *GameEvent:
		if e.Kind == EventGameInvite {
			r.notes.emit(Notification{
				Kind:        NoticeGame,
				Title:       "Game invitation",
				Description: fmt.Sprintf("You've been invited to a game by %s.", firstString(payload, "initiator_id")),
				EventType:   env.EventType,
			})
		}
		r.games.HandleGameEvent(e.Game)
		return nil

	case *GroupEvent:
		r.notes.emit(groupNotice(e, payload))
		r.conversations.HandleGroupChange(e)
		return nil

	case *ConversationDeletedEvent:
		desc := e.Message
		if desc == "" {
			desc = "A conversation has been deleted."
		}
		r.notes.emit(Notification{
			Kind:        NoticeConversation,
			Title:       "Conversation deleted",
			Description: desc,
			EventType:   env.EventType,
		})
		return r.conversations.HandleConversationDeleted(ctx, e.ConversationID)

	case *UnknownEvent:
		r.log.Info("unhandled event type", zap.String("event_type", string(e.Kind)))
		r.notes.emit(Notification{
			Kind:        NoticeUnknown,
			Title:       "New event",
			Description: "Type: " + string(e.Kind),
			EventType:   e.Kind,
		})
		return nil
	}
	return fmt.Errorf("no reducer for %T", ev)
}

func groupNotice(e *GroupEvent, payload gjson.Result) Notification {
	name := firstString(payload, "group.name", "groupId", "group.id")
	n := Notification{Kind: NoticeGroup, EventType: e.Kind}
	switch e.Kind {
	case EventGroupCreated:
		n.Title = "New group"
		n.Description = fmt.Sprintf("You've been added to group %q.", name)
	case EventGroupJoined:
		n.Title = "Group joined"
		n.Description = fmt.Sprintf("You joined group %q.", name)
	default:
		n.Title = "Group update"
		n.Description = fmt.Sprintf("You left or were removed from group %q.", name)
	}
	return n
}

func firstString(res gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := res.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return "someone"
}

// ============================================================================
// Recent ids
// ============================================================================

// recentIDs is a fixed-size set that forgets the oldest id first.
type recentIDs struct {
	ids  []string
	next int
	set  map[string]struct{}
}

func newRecentIDs(size int) *recentIDs {
	return &recentIDs{ids: make([]string, size), set: make(map[string]struct{}, size)}
}

func (r *recentIDs) has(id string) bool {
	_, ok := r.set[id]
	return ok
}

func (r *recentIDs) add(id string) {
	if r.has(id) {
		return
	}
	if old := r.ids[r.next]; old != "" {
		delete(r.set, old)
	}
	r.ids[r.next] = id
	r.set[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ids)
}
