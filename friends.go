package chatsync

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// FriendAPI is the REST collaborator for friendships.
type FriendAPI interface {
	List(ctx context.Context) ([]*User, error)
	Requests(ctx context.Context) ([]*FriendRequest, error)
	SendRequest(ctx context.Context, username string) error
	RespondToRequest(ctx context.Context, requestID, status string) error
}

// Friends mirrors the friend list and pending requests. Events only trigger
// background refreshes; the server lists are authoritative.
type Friends struct {
	api   FriendAPI
	convs *Conversations
	log   *zap.Logger

	refreshFriends  *coalescer
	refreshRequests *coalescer

	mu       sync.RWMutex
	friends  []*User
	requests []*FriendRequest
}

func newFriends(api FriendAPI, convs *Conversations, tasks *taskGroup, log *zap.Logger) *Friends {
	f := &Friends{api: api, convs: convs, log: log}
	f.refreshFriends = newCoalescer(tasks, func(ctx context.Context) {
		if err := f.Refresh(ctx); err != nil {
			f.log.Warn("refreshing friends failed", zap.Error(err))
		}
	})
	f.refreshRequests = newCoalescer(tasks, func(ctx context.Context) {
		if err := f.RefreshRequests(ctx); err != nil {
			f.log.Warn("refreshing friend requests failed", zap.Error(err))
		}
	})
	return f
}

func (f *Friends) List() []User {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]User, len(f.friends))
	for i, u := range f.friends {
		out[i] = *u
	}
	return out
}

func (f *Friends) Requests() []FriendRequest {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]FriendRequest, len(f.requests))
	for i, r := range f.requests {
		out[i] = *r
	}
	return out
}

// HandleRequest records an incoming request and re-reads the pending list.
func (f *Friends) HandleRequest(req *FriendRequest) {
	f.mu.Lock()
	found := false
	for _, r := range f.requests {
		if r.ID == req.ID {
			found = true
			break
		}
	}
	if !found {
		cp := *req
		f.requests = append(f.requests, &cp)
	}
	f.mu.Unlock()
	f.refreshRequests.Trigger()
}

// HandleAccepted refreshes friends, and conversations for the new direct chat.
func (f *Friends) HandleAccepted(*Friendship) {
	f.refreshFriends.Trigger()
	f.convs.refresh.Trigger()
}

func (f *Friends) Refresh(ctx context.Context) error {
	list, err := f.api.List(ctx)
	if err != nil {
		return fmt.Errorf("list friends: %w", err)
	}
	f.mu.Lock()
	f.friends = list
	f.mu.Unlock()
	return nil
}

func (f *Friends) RefreshRequests(ctx context.Context) error {
	list, err := f.api.Requests(ctx)
	if err != nil {
		return fmt.Errorf("list friend requests: %w", err)
	}
	f.mu.Lock()
	f.requests = list
	f.mu.Unlock()
	return nil
}

func (f *Friends) SendRequest(ctx context.Context, username string) error {
	if err := f.api.SendRequest(ctx, username); err != nil {
		return fmt.Errorf("send friend request to %s: %w", username, err)
	}
	return nil
}

// Respond answers a request with "accepted" or "declined" and refreshes both lists.
func (f *Friends) Respond(ctx context.Context, requestID, status string) error {
	if err := f.api.RespondToRequest(ctx, requestID, status); err != nil {
		return fmt.Errorf("respond to friend request %s: %w", requestID, err)
	}
	f.mu.Lock()
	for i, r := range f.requests {
		if r.ID == requestID {
			f.requests = append(f.requests[:i], f.requests[i+1:]...)
			break
		}
	}
	f.mu.Unlock()
	f.refreshFriends.Trigger()
	if status == "accepted" {
		f.convs.refresh.Trigger()
	}
	return nil
}

func (f *Friends) reset() {
	f.mu.Lock()
	f.friends = nil
	f.requests = nil
	f.mu.Unlock()
}
