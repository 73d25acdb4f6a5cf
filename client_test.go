package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...ClientOption) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("tok-1", append([]ClientOption{WithBaseURL(srv.URL + "/api/")}, opts...)...)
}

func TestClientRequests(t *testing.T) {
	ctx := context.Background()

	t.Run("bearer token and history query", func(t *testing.T) {
		before := at(30)
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
			assert.Equal(t, "/api/conversations/c%201/messages", r.URL.EscapedPath())
			assert.Equal(t, "20", r.URL.Query().Get("limit"))
			assert.Equal(t, before.Format(time.RFC3339Nano), r.URL.Query().Get("before"))
			json.NewEncoder(w).Encode([]*Message{makeMessage("m1", "c 1", "u1", 10)})
		})

		msgs, err := client.Conversations.Messages(ctx, "c 1", before, 20)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "m1", msgs[0].ID)
	})

	t.Run("token can be replaced", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Empty(t, r.Header.Get("Authorization"))
			w.Write([]byte("[]"))
		})
		client.SetToken("")
		_, err := client.Friends.List(ctx)
		require.NoError(t, err)
	})

	t.Run("api error", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":"not a participant"}`))
		})

		err := client.Conversations.MarkRead(ctx, "c1")
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
		assert.Equal(t, "not a participant", apiErr.Message)
	})

	t.Run("unauthorized", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
		_, err := client.Conversations.List(ctx)
		assert.True(t, errors.Is(err, ErrUnauthorized))
	})

	t.Run("move body", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/api/games/g1/move", r.URL.Path)
			var body map[string]int
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, map[string]int{"row": 1, "col": 2}, body)
			json.NewEncoder(w).Encode(Game{ID: "g1", Status: GameActive})
		})

		g, err := client.Games.Move(ctx, "g1", 1, 2)
		require.NoError(t, err)
		assert.Equal(t, GameActive, g.Status)
	})
}

func TestEventsSince(t *testing.T) {
	ctx := context.Background()

	t.Run("since and limit", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/events", r.URL.Path)
			assert.Equal(t, "e7", r.URL.Query().Get("since"))
			assert.Equal(t, "50", r.URL.Query().Get("limit"))
			json.NewEncoder(w).Encode([]*Envelope{makeEnvelope("e8", EventFriendRequest, map[string]string{"id": "r1"}, 1)})
		})

		envs, err := client.Events.Since(ctx, "e7", 50)
		require.NoError(t, err)
		require.Len(t, envs, 1)
		assert.Equal(t, EventFriendRequest, envs[0].EventType)
	})

	t.Run("first poll has no since", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, ok := r.URL.Query()["since"]
			assert.False(t, ok)
			w.Write([]byte("[]"))
		})
		envs, err := client.Events.Since(ctx, "", 50)
		require.NoError(t, err)
		assert.Empty(t, envs)
	})

	t.Run("server timeout status", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusRequestTimeout)
		})
		_, err := client.Events.Since(ctx, "", 50)
		assert.True(t, errors.Is(err, ErrPollTimeout))
	})

	t.Run("client deadline", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}, WithPollTimeout(50*time.Millisecond))

		_, err := client.Events.Since(ctx, "", 50)
		assert.True(t, errors.Is(err, ErrPollTimeout))
	})

	t.Run("caller cancellation is not a timeout", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		})
		cctx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		_, err := client.Events.Since(cctx, "", 50)
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrPollTimeout))
	})
}
