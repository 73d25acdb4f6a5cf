package chatsync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"nhooyr.io/websocket"
)

type engineFixture struct {
	engine *Engine
	convs  *fakeConversationAPI
	events *fakeEventsAPI
	cache  *MemoryStorage
	reg    *prometheus.Registry

	mu     sync.Mutex
	tokens []string
	notes  []Notification
}

func newEngineFixture(t *testing.T, s *pushServer, cfg Config, events *fakeEventsAPI, list ...*Conversation) *engineFixture {
	t.Helper()
	f := &engineFixture{
		convs:  newFakeConversationAPI(),
		events: events,
		cache:  NewMemoryStorage(),
		reg:    prometheus.NewRegistry(),
	}
	f.convs.list = list
	cfg.PushURL = s.url()
	if cfg.Push.ReconnectInterval.Duration == 0 {
		cfg.Push = pushConfig(20*time.Millisecond, 5)
	}
	if cfg.Poll.Interval.Duration == 0 {
		cfg.Poll = pollConfig(10 * time.Millisecond)
	}

	e, err := NewEngine(cfg, f.cache, Backends{
		Conversations: f.convs,
		Events:        events,
		Games:         newFakeGameAPI(),
		Friends:       newFakeFriendAPI(),
	},
		WithLogger(zaptest.NewLogger(t)),
		WithRegisterer(f.reg),
		WithCredentialSink(func(tok string) {
			f.mu.Lock()
			f.tokens = append(f.tokens, tok)
			f.mu.Unlock()
		}),
	)
	require.NoError(t, err)
	e.OnNotification(func(n Notification) {
		f.mu.Lock()
		f.notes = append(f.notes, n)
		f.mu.Unlock()
	})
	f.engine = e
	t.Cleanup(func() { e.Close() })
	return f
}

func (f *engineFixture) hasNotice(title string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.notes {
		if n.Title == title {
			return true
		}
	}
	return false
}

func TestEnginePollsOnlyWhilePushIsDown(t *testing.T) {
	kick := make(chan struct{})
	s := newPushServer(t, func(ctx context.Context, c *websocket.Conn, n int) {
		if n == 1 {
			select {
			case <-kick:
			case <-ctx.Done():
			}
			return
		}
		holdOpen(ctx, c)
	})
	f := newEngineFixture(t, s, Config{Push: pushConfig(20*time.Millisecond, 100)}, newFakeEventsAPI())
	e := f.engine

	require.NoError(t, e.Start(context.Background()))
	e.SetCredential("tok-1", "me")
	require.Eventually(t, func() bool {
		st := e.Status()
		return st.State == StateConnected && !st.Polling
	}, 2*time.Second, time.Millisecond)

	// drop the connection and refuse the first retry
	s.reject.Store(true)
	close(kick)
	require.Eventually(t, func() bool { return e.Status().Polling }, 2*time.Second, time.Millisecond)
	waitCall(t, f.events)
	assert.True(t, f.hasNotice("Connection lost"))

	s.reject.Store(false)
	require.Eventually(t, func() bool {
		st := e.Status()
		return st.State == StateConnected && !st.Polling
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.PushState.WithLabelValues("connected")))
}

func TestEngineAppliesPolledEvents(t *testing.T) {
	s := newPushServer(t, func(ctx context.Context, c *websocket.Conn, n int) {})
	s.reject.Store(true)
	events := newFakeEventsAPI(pollReply{envs: []*Envelope{
		makeEnvelope("e1", EventNewMessage, makeMessage("m1", "c1", "peer", 1), 1),
	}})
	f := newEngineFixture(t, s, Config{}, events, &Conversation{ID: "c1"})
	e := f.engine

	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Conversations.Refresh(context.Background()))
	e.SetCredential("tok-1", "me")

	require.Eventually(t, func() bool { return len(e.Conversations.Messages("c1")) == 1 }, 2*time.Second, time.Millisecond)
	e.settle()
	conv, ok := e.Conversations.Get("c1")
	require.True(t, ok)
	assert.Equal(t, 1, conv.UnreadCount)
}

func TestEngineIdleWithoutStartOrCredential(t *testing.T) {
	s := newPushServer(t, func(ctx context.Context, c *websocket.Conn, n int) {})
	s.reject.Store(true)
	f := newEngineFixture(t, s, Config{}, newFakeEventsAPI())
	e := f.engine

	e.SetCredential("tok-1", "me")
	time.Sleep(30 * time.Millisecond)
	assert.False(t, e.Status().Polling, "not started")

	require.NoError(t, e.Start(context.Background()))
	assert.True(t, e.Status().Polling)

	e.SetCredential("", "")
	assert.False(t, e.Status().Polling)
	assert.ErrorIs(t, e.Connect(), ErrNoCredential)
}

func TestEngineDisconnect(t *testing.T) {
	s := newPushServer(t, func(ctx context.Context, c *websocket.Conn, n int) {})
	s.reject.Store(true)
	f := newEngineFixture(t, s, Config{}, newFakeEventsAPI(), &Conversation{ID: "c1"})
	e := f.engine

	require.NoError(t, e.Start(context.Background()))
	e.SetCredential("tok-1", "me")
	require.Eventually(t, func() bool { return e.Status().Polling }, time.Second, time.Millisecond)
	epoch := e.router.Epoch()

	e.Disconnect()
	st := e.Status()
	assert.Equal(t, StateDisconnected, st.State)
	assert.False(t, st.Polling)
	assert.False(t, st.RetryScheduled)

	// anything still in flight from before the disconnect is discarded
	require.NoError(t, e.router.Submit(context.Background(), epoch, SourcePoll,
		makeEnvelope("late", EventNewMessage, makeMessage("m1", "c1", "peer", 1), 1)))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, e.Conversations.Messages("c1"))

	require.NoError(t, e.Connect())
	require.Eventually(t, func() bool { return e.Status().Polling }, time.Second, time.Millisecond)
}

func TestEngineReconnectCeilingNotifies(t *testing.T) {
	s := newPushServer(t, func(ctx context.Context, c *websocket.Conn, n int) {})
	s.reject.Store(true)
	f := newEngineFixture(t, s, Config{Push: pushConfig(5*time.Millisecond, 1)}, newFakeEventsAPI())
	e := f.engine

	require.NoError(t, e.Start(context.Background()))
	e.SetCredential("tok-1", "me")

	require.Eventually(t, func() bool { return f.hasNotice("Connection failed") }, 2*time.Second, time.Millisecond)
	assert.Equal(t, int32(2), s.dials.Load())
	assert.True(t, e.Status().Polling)
}

func TestEngineInvalidateCredential(t *testing.T) {
	ctx := context.Background()
	s := newPushServer(t, func(ctx context.Context, c *websocket.Conn, n int) {})
	s.reject.Store(true)
	f := newEngineFixture(t, s, Config{}, newFakeEventsAPI(), &Conversation{ID: "c1"})
	e := f.engine

	require.NoError(t, e.Start(ctx))
	e.SetCredential("tok-1", "me")
	require.NoError(t, e.Conversations.Refresh(ctx))
	_, err := e.Conversations.ApplyIncomingMessage(ctx, makeMessage("m1", "c1", "peer", 1), true)
	require.NoError(t, err)

	require.NoError(t, e.InvalidateCredential(ctx))
	assert.Empty(t, e.Conversations.List())
	assert.Empty(t, e.Conversations.Messages("c1"))
	cached, _ := f.cache.Messages(ctx, "c1")
	assert.Empty(t, cached)
	assert.False(t, e.Status().Polling)

	f.mu.Lock()
	assert.Equal(t, []string{"tok-1", ""}, f.tokens)
	f.mu.Unlock()
}

func TestEngineRetention(t *testing.T) {
	ctx := context.Background()
	s := newPushServer(t, func(ctx context.Context, c *websocket.Conn, n int) {})
	f := newEngineFixture(t, s, Config{Retention: RetentionConfig{Keep: 2}}, newFakeEventsAPI(), &Conversation{ID: "c1"}, &Conversation{ID: "c2"})
	e := f.engine
	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.Conversations.Refresh(ctx))

	for i := 1; i <= 5; i++ {
		_, err := e.Conversations.ApplyIncomingMessage(ctx, makeMessage(fmt.Sprintf("a%d", i), "c1", "peer", i), false)
		require.NoError(t, err)
		_, err = e.Conversations.ApplyIncomingMessage(ctx, makeMessage(fmt.Sprintf("b%d", i), "c2", "peer", i), false)
		require.NoError(t, err)
	}

	removed, err := e.ClearLocalHistory(ctx, "c1", 1)
	require.NoError(t, err)
	assert.Equal(t, 4, removed)
	assert.Equal(t, []string{"a5"}, messageIDs(e.Conversations.Messages("c1")))

	removed, err = e.EnforceRetention(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.Equal(t, []string{"b4", "b5"}, messageIDs(e.Conversations.Messages("c2")))

	_, err = e.ClearLocalHistory(ctx, "c1", -1)
	assert.ErrorIs(t, err, ErrInvalidKeep)
}

func TestEngineCredentialSwapIsQuiet(t *testing.T) {
	s := newPushServer(t, func(ctx context.Context, c *websocket.Conn, n int) {
		holdOpen(ctx, c)
	})
	f := newEngineFixture(t, s, Config{}, newFakeEventsAPI())
	e := f.engine
	require.NoError(t, e.Start(context.Background()))

	e.SetCredential("tok-1", "me")
	require.Eventually(t, func() bool { return e.Status().State == StateConnected }, 2*time.Second, time.Millisecond)

	e.SetCredential("tok-2", "me")
	require.Eventually(t, func() bool {
		return e.Status().State == StateConnected && s.token.Load() == "tok-2"
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, int32(2), s.dials.Load())
	assert.False(t, f.hasNotice("Connection failed"))
	assert.False(t, f.hasNotice("Connection lost"))
}
