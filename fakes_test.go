package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var baseTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return baseTime.Add(time.Duration(sec) * time.Second) }

func makeMessage(id, conv, sender string, sec int) *Message {
	return &Message{ID: id, ConversationID: conv, SenderID: sender, Content: "msg " + id, ServerTimestamp: at(sec)}
}

func makeEnvelope(id string, typ EventType, payload any, sec int) *Envelope {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return &Envelope{ID: id, UserID: "me", EventType: typ, Payload: data, ServerTimestamp: at(sec)}
}

func messageIDs(msgs []*Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

// ── conversations ────────────────────────────────────────

type fakeConversationAPI struct {
	mu        sync.Mutex
	list      []*Conversation
	history   map[string][]*Message // oldest first
	markReads []string
	deleted   []string
	pageCalls int

	listErr, messagesErr, markErr, deleteErr error

	// when set, List takes its snapshot, signals listing and waits for release
	listing chan struct{}
	release chan struct{}
}

func newFakeConversationAPI() *fakeConversationAPI {
	return &fakeConversationAPI{history: make(map[string][]*Message)}
}

func (f *fakeConversationAPI) List(ctx context.Context) ([]*Conversation, error) {
	f.mu.Lock()
	if f.listErr != nil {
		f.mu.Unlock()
		return nil, f.listErr
	}
	out := make([]*Conversation, len(f.list))
	for i, c := range f.list {
		out[i] = c.clone()
	}
	listing, release := f.listing, f.release
	f.mu.Unlock()

	if release != nil {
		listing <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}

// Messages returns the newest limit messages older than before, newest first.
func (f *fakeConversationAPI) Messages(_ context.Context, id string, before time.Time, limit int) ([]*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageCalls++
	if f.messagesErr != nil {
		return nil, f.messagesErr
	}
	var older []*Message
	for _, m := range f.history[id] {
		if m.ServerTimestamp.Before(before) {
			cp := *m
			older = append(older, &cp)
		}
	}
	sort.Slice(older, func(i, j int) bool { return messageLess(older[j], older[i]) })
	if len(older) > limit {
		older = older[:limit]
	}
	return older, nil
}

func (f *fakeConversationAPI) MarkRead(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.markReads = append(f.markReads, id)
	return nil
}

func (f *fakeConversationAPI) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeConversationAPI) markReadCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.markReads {
		if m == id {
			n++
		}
	}
	return n
}

func (f *fakeConversationAPI) seed(conv string, count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 1; i <= count; i++ {
		f.history[conv] = append(f.history[conv], makeMessage(fmt.Sprintf("%s-m%02d", conv, i), conv, "peer", i))
	}
}

// ── events ───────────────────────────────────────────────

type pollReply struct {
	envs []*Envelope
	err  error
	// block holds the request open until the context is cancelled
	block bool
}

type fakeEventsAPI struct {
	mu      sync.Mutex
	replies []pollReply
	calls   []string
	called  chan string
}

func newFakeEventsAPI(replies ...pollReply) *fakeEventsAPI {
	return &fakeEventsAPI{replies: replies, called: make(chan string, 64)}
}

func (f *fakeEventsAPI) Since(ctx context.Context, since string, _ int) ([]*Envelope, error) {
	f.mu.Lock()
	f.calls = append(f.calls, since)
	var r pollReply
	if len(f.replies) > 0 {
		r = f.replies[0]
		f.replies = f.replies[1:]
	} else {
		r = pollReply{block: true}
	}
	f.mu.Unlock()

	select {
	case f.called <- since:
	default:
	}
	if r.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return r.envs, r.err
}

func (f *fakeEventsAPI) sinceArgs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// ── games ────────────────────────────────────────────────

type fakeGameAPI struct {
	mu      sync.Mutex
	games   map[string]*Game
	release chan struct{}
	moves   int
	err     error
}

func newFakeGameAPI() *fakeGameAPI {
	return &fakeGameAPI{games: make(map[string]*Game)}
}

func (f *fakeGameAPI) Get(_ context.Context, id string) (*Game, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.games[id]
	if !ok {
		return nil, &APIError{StatusCode: 404, Message: "game not found"}
	}
	return cloneGame(g), nil
}

func (f *fakeGameAPI) Invite(_ context.Context, opponent, gameType string) (*Game, error) {
	g := &Game{ID: "g-" + opponent, Player1ID: "me", Player2ID: opponent, InitiatorID: "me", GameType: gameType, Status: GamePending}
	f.mu.Lock()
	f.games[g.ID] = g
	f.mu.Unlock()
	return cloneGame(g), nil
}

func (f *fakeGameAPI) Move(ctx context.Context, id string, row, col int) (*Game, error) {
	f.mu.Lock()
	release := f.release
	f.moves++
	f.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	g, ok := f.games[id]
	if !ok {
		return nil, &APIError{StatusCode: 404, Message: "game not found"}
	}
	g.Seq++
	g.State = json.RawMessage(fmt.Sprintf(`{"last_move":{"row":%d,"col":%d}}`, row, col))
	return cloneGame(g), nil
}

func (f *fakeGameAPI) Respond(_ context.Context, id string, accept bool) (*Game, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.games[id]
	if !ok {
		return nil, &APIError{StatusCode: 404, Message: "game not found"}
	}
	if accept {
		g.Status = GameActive
	} else {
		g.Status = GameDeclined
	}
	return cloneGame(g), nil
}

// ── friends ──────────────────────────────────────────────

type fakeFriendAPI struct {
	mu        sync.Mutex
	friends   []*User
	requests  []*FriendRequest
	responses map[string]string
	listCalls int
}

func newFakeFriendAPI() *fakeFriendAPI {
	return &fakeFriendAPI{responses: make(map[string]string)}
}

func (f *fakeFriendAPI) List(context.Context) ([]*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return append([]*User(nil), f.friends...), nil
}

func (f *fakeFriendAPI) Requests(context.Context) ([]*FriendRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FriendRequest(nil), f.requests...), nil
}

func (f *fakeFriendAPI) SendRequest(context.Context, string) error { return nil }

func (f *fakeFriendAPI) RespondToRequest(_ context.Context, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[id] = status
	return nil
}

// ── sink ─────────────────────────────────────────────────

// recordingSink collects submitted envelopes in order.
type recordingSink struct {
	mu    sync.Mutex
	epoch uint64
	envs  []*Envelope
	got   chan *Envelope
}

func newRecordingSink() *recordingSink {
	return &recordingSink{got: make(chan *Envelope, 64)}
}

func (s *recordingSink) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

func (s *recordingSink) Submit(_ context.Context, epoch uint64, _ Source, env *Envelope) error {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return nil
	}
	s.envs = append(s.envs, env)
	s.mu.Unlock()
	s.got <- env
	return nil
}

func (s *recordingSink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.envs))
	for i, e := range s.envs {
		ids[i] = e.ID
	}
	return ids
}
