package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"nhooyr.io/websocket"
)

// ============================================================================
// Test server
// ============================================================================

type pushServer struct {
	srv   *httptest.Server
	dials atomic.Int32
	// serve handles the nth accepted connection (1-based)
	serve func(ctx context.Context, c *websocket.Conn, n int)
	// reject fails the upgrade with 500
	reject atomic.Bool
	token  atomic.Value
}

func newPushServer(t *testing.T, serve func(ctx context.Context, c *websocket.Conn, n int)) *pushServer {
	t.Helper()
	s := &pushServer{serve: serve}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(s.dials.Add(1))
		s.token.Store(r.URL.Query().Get("token"))
		if s.reject.Load() {
			http.Error(w, "unavailable", http.StatusInternalServerError)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		s.serve(r.Context(), c, n)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *pushServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
}

// holdOpen keeps the connection until the client goes away.
func holdOpen(ctx context.Context, c *websocket.Conn) {
	for {
		if _, _, err := c.Read(ctx); err != nil {
			return
		}
	}
}

func writeJSON(t *testing.T, ctx context.Context, c *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if assert.NoError(t, err) {
		assert.NoError(t, c.Write(ctx, websocket.MessageText, data))
	}
}

func pushConfig(interval time.Duration, max int) PushConfig {
	return PushConfig{
		ConnectTimeout:       Duration{2 * time.Second},
		ReconnectInterval:    Duration{interval},
		MaxReconnectAttempts: max,
	}
}

func newTestPush(t *testing.T, s *pushServer, cfg PushConfig, sink EnvelopeSink) *PushChannel {
	t.Helper()
	p := NewPushChannel(s.url(), cfg, sink, WithPushLogger(zaptest.NewLogger(t)))
	t.Cleanup(p.Disconnect)
	return p
}

func waitEnvelope(t *testing.T, sink *recordingSink) *Envelope {
	t.Helper()
	select {
	case env := <-sink.got:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

// ============================================================================
// PushChannel
// ============================================================================

func TestPushChannelReceives(t *testing.T) {
	s := newPushServer(t, func(ctx context.Context, c *websocket.Conn, n int) {
		assert.NoError(t, c.Write(ctx, websocket.MessageText, []byte("{not json")))
		assert.NoError(t, c.Write(ctx, websocket.MessageText, []byte(`{"id":"x","payload":{}}`)))
		writeJSON(t, ctx, c, makeEnvelope("e1", EventNewMessage, makeMessage("m1", "c1", "peer", 1), 1))
		holdOpen(ctx, c)
	})
	sink := newRecordingSink()
	p := newTestPush(t, s, pushConfig(time.Hour, 5), sink)

	var states []ConnState
	stateCh := make(chan ConnState, 16)
	p.OnStateChange(func(st ConnState) { stateCh <- st })

	p.Connect("tok-1")
	env := waitEnvelope(t, sink)
	assert.Equal(t, "e1", env.ID)
	assert.Equal(t, []string{"e1"}, sink.ids())
	assert.Equal(t, "tok-1", s.token.Load())
	assert.Equal(t, StateConnected, p.State())

	p.Disconnect()
	assert.Equal(t, StateDisconnected, p.State())
	close(stateCh)
	for st := range stateCh {
		states = append(states, st)
	}
	assert.Equal(t, []ConnState{StateConnecting, StateConnected, StateDisconnected}, states)
}

func TestPushChannelReconnects(t *testing.T) {
	s := newPushServer(t, func(ctx context.Context, c *websocket.Conn, n int) {
		if n == 1 {
			c.Close(websocket.StatusGoingAway, "restart")
			return
		}
		holdOpen(ctx, c)
	})
	p := newTestPush(t, s, pushConfig(10*time.Millisecond, 5), newRecordingSink())

	p.Connect("tok-1")
	require.Eventually(t, func() bool {
		return s.dials.Load() == 2 && p.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	st := p.Status()
	assert.Zero(t, st.ReconnectAttempts)
	assert.False(t, st.RetryScheduled)
}

func TestPushChannelReconnectCeiling(t *testing.T) {
	s := newPushServer(t, func(ctx context.Context, c *websocket.Conn, n int) {
		holdOpen(ctx, c)
	})
	s.reject.Store(true)
	p := newTestPush(t, s, pushConfig(10*time.Millisecond, 3), newRecordingSink())

	p.Connect("tok-1")
	require.Eventually(t, func() bool {
		st := p.Status()
		return s.dials.Load() == 4 && st.State == StateDisconnected && !st.RetryScheduled
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(4), s.dials.Load())
	assert.Equal(t, 3, p.Status().ReconnectAttempts)

	// a manual connect starts a fresh series
	s.reject.Store(false)
	p.Connect("tok-1")
	require.Eventually(t, func() bool { return p.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(5), s.dials.Load())
}

func TestPushChannelDisconnectStopsRetries(t *testing.T) {
	s := newPushServer(t, func(ctx context.Context, c *websocket.Conn, n int) {})
	s.reject.Store(true)
	p := newTestPush(t, s, pushConfig(50*time.Millisecond, 5), newRecordingSink())

	p.Connect("tok-1")
	require.Eventually(t, func() bool { return p.Status().RetryScheduled }, 2*time.Second, time.Millisecond)

	p.Disconnect()
	dials := s.dials.Load()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, dials, s.dials.Load())
	st := p.Status()
	assert.Equal(t, StateDisconnected, st.State)
	assert.False(t, st.RetryScheduled)
	assert.Zero(t, st.ReconnectAttempts)
}

func TestPushChannelDropsStaleEpoch(t *testing.T) {
	release := make(chan struct{})
	s := newPushServer(t, func(ctx context.Context, c *websocket.Conn, n int) {
		<-release
		writeJSON(t, ctx, c, makeEnvelope("e1", EventFriendRequest, map[string]string{"id": "r1"}, 1))
		holdOpen(ctx, c)
	})
	sink := newRecordingSink()
	p := newTestPush(t, s, pushConfig(time.Hour, 5), sink)

	p.Connect("tok-1")
	require.Eventually(t, func() bool { return p.State() == StateConnected }, 2*time.Second, time.Millisecond)
	sink.mu.Lock()
	sink.epoch++
	sink.mu.Unlock()
	close(release)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sink.ids())
}

func TestPushChannelSend(t *testing.T) {
	received := make(chan Action, 1)
	s := newPushServer(t, func(ctx context.Context, c *websocket.Conn, n int) {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var a Action
		if json.Unmarshal(data, &a) == nil {
			received <- a
		}
		holdOpen(ctx, c)
	})
	p := newTestPush(t, s, pushConfig(time.Hour, 5), newRecordingSink())

	_, err := p.Send(context.Background(), "send_message", nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	p.Connect("tok-1")
	require.Eventually(t, func() bool { return p.State() == StateConnected }, 2*time.Second, time.Millisecond)

	id, err := p.Send(context.Background(), "send_message", map[string]string{"conversation_id": "c1", "content": "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	select {
	case a := <-received:
		assert.Equal(t, "send_message", a.Type)
		assert.Equal(t, id, a.RequestID)
		assert.Equal(t, map[string]any{"conversation_id": "c1", "content": "hi"}, a.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive the action")
	}
}
