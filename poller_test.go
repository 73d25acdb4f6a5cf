package chatsync

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func pollConfig(interval time.Duration) PollConfig {
	return PollConfig{Interval: Duration{interval}, Limit: 50}
}

func waitCall(t *testing.T, api *fakeEventsAPI) string {
	t.Helper()
	select {
	case since := <-api.called:
		return since
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for poll request")
		return ""
	}
}

func TestPollerAdvancesSince(t *testing.T) {
	api := newFakeEventsAPI(
		pollReply{envs: []*Envelope{
			makeEnvelope("e2", EventFriendRequest, map[string]string{"id": "r2"}, 2),
			makeEnvelope("e1", EventFriendRequest, map[string]string{"id": "r1"}, 1),
		}},
	)
	sink := newRecordingSink()
	p := NewPoller(api, sink, pollConfig(10*time.Millisecond), WithPollerLogger(zaptest.NewLogger(t)))

	p.Activate()
	assert.Equal(t, "", waitCall(t, api))
	assert.Equal(t, "e2", waitCall(t, api))
	assert.Equal(t, []string{"e1", "e2"}, sink.ids())
	assert.Equal(t, "e2", p.LastSeen())

	p.Deactivate()
	p.wait()
	assert.False(t, p.Active())
}

func TestPollerTimeoutRepollsImmediately(t *testing.T) {
	api := newFakeEventsAPI(
		pollReply{err: fmt.Errorf("%w: deadline", ErrPollTimeout)},
		pollReply{err: &APIError{StatusCode: 408}},
	)
	var errs []error
	p := NewPoller(api, newRecordingSink(), pollConfig(time.Hour), WithPollErrorHandler(func(err error) { errs = append(errs, err) }))

	p.Activate()
	defer func() {
		p.Deactivate()
		p.wait()
	}()
	waitCall(t, api)
	waitCall(t, api)
	waitCall(t, api)
	assert.Empty(t, errs)
}

func TestPollerErrorWaitsAndContinues(t *testing.T) {
	api := newFakeEventsAPI(
		pollReply{envs: []*Envelope{makeEnvelope("e1", EventFriendRequest, map[string]string{"id": "r1"}, 1)}},
		pollReply{err: errors.New("connection refused")},
		pollReply{envs: nil},
	)
	errCh := make(chan error, 1)
	p := NewPoller(api, newRecordingSink(), pollConfig(10*time.Millisecond), WithPollErrorHandler(func(err error) { errCh <- err }))

	p.Activate()
	defer func() {
		p.Deactivate()
		p.wait()
	}()
	waitCall(t, api)
	assert.Equal(t, "e1", waitCall(t, api))
	select {
	case err := <-errCh:
		assert.EqualError(t, err, "connection refused")
	case <-time.After(time.Second):
		t.Fatal("error handler not called")
	}
	// the failed request does not move the cursor
	assert.Equal(t, "e1", waitCall(t, api))
}

func TestPollerEmptyBatchWaitsInterval(t *testing.T) {
	api := newFakeEventsAPI(pollReply{envs: []*Envelope{}})
	p := NewPoller(api, newRecordingSink(), pollConfig(time.Hour))

	p.Activate()
	waitCall(t, api)
	select {
	case <-api.called:
		t.Fatal("polled again before the interval elapsed")
	case <-time.After(100 * time.Millisecond):
	}
	p.Deactivate()
	p.wait()
	assert.Len(t, api.sinceArgs(), 1)
}

func TestPollerSkipsMalformed(t *testing.T) {
	api := newFakeEventsAPI(pollReply{envs: []*Envelope{
		nil,
		{ID: "bad"},
		makeEnvelope("e1", EventFriendRequest, map[string]string{"id": "r1"}, 1),
	}})
	sink := newRecordingSink()
	p := NewPoller(api, sink, pollConfig(time.Hour))

	p.Activate()
	waitCall(t, api)
	require.Eventually(t, func() bool { return p.LastSeen() == "e1" }, time.Second, time.Millisecond)
	p.Deactivate()
	p.wait()
	assert.Equal(t, []string{"e1"}, sink.ids())
}

func TestPollerDeactivateCancelsRequest(t *testing.T) {
	api := newFakeEventsAPI(pollReply{block: true})
	p := NewPoller(api, newRecordingSink(), pollConfig(time.Hour))

	p.Activate()
	assert.True(t, p.Active())
	waitCall(t, api)

	p.Deactivate()
	done := make(chan struct{})
	go func() {
		p.wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poll loop did not stop")
	}
	assert.False(t, p.Active())
}

func TestPollerActivationResetsCursor(t *testing.T) {
	api := newFakeEventsAPI(
		pollReply{envs: []*Envelope{makeEnvelope("e5", EventFriendRequest, map[string]string{"id": "r5"}, 5)}},
	)
	p := NewPoller(api, newRecordingSink(), pollConfig(10*time.Millisecond))

	p.Activate()
	waitCall(t, api)
	assert.Equal(t, "e5", waitCall(t, api))
	p.Deactivate()
	p.wait()

	p.Activate()
	assert.Equal(t, "", waitCall(t, api))
	p.Deactivate()
	p.wait()
}
