package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Envelope
// ============================================================================

// EventType names the payload carried by an Envelope.
type EventType string

const (
	EventNewMessage          EventType = "new_message"
	EventFriendRequest       EventType = "friend_request"
	EventFriendAccepted      EventType = "friend_accepted"
	EventGameInvite          EventType = "game_invite"
	EventGameUpdate          EventType = "game_update"
	EventGroupCreated        EventType = "group_created"
	EventGroupJoined         EventType = "group_joined"
	EventGroupLeft           EventType = "group_left"
	EventConversationDeleted EventType = "conversation_deleted"
)

// Envelope is the wire format shared by the push channel and the events endpoint.
type Envelope struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	EventType       EventType       `json:"event_type"`
	Payload         json.RawMessage `json:"payload"`
	ServerTimestamp time.Time       `json:"server_timestamp"`
}

var errMalformedEnvelope = errors.New("malformed envelope")

// ParseEnvelope decodes a single frame. Frames without an event type are rejected.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedEnvelope, err)
	}
	if env.EventType == "" {
		return nil, fmt.Errorf("%w: missing event_type", errMalformedEnvelope)
	}
	return &env, nil
}

// envelopeLess orders a poll batch by (ServerTimestamp, ID).
func envelopeLess(a, b *Envelope) bool {
	if !a.ServerTimestamp.Equal(b.ServerTimestamp) {
		return a.ServerTimestamp.Before(b.ServerTimestamp)
	}
	return a.ID < b.ID
}

// ============================================================================
// Typed events
// ============================================================================

// Event is the decoded, strongly typed payload of an Envelope.
type Event interface {
	Type() EventType
}

// NewMessageEvent carries a message pushed to a conversation member.
type NewMessageEvent struct{ Message *Message }

// FriendRequestEvent carries an incoming friendship request.
type FriendRequestEvent struct{ Request *FriendRequest }

// FriendAcceptedEvent is sent to the requester once the request is accepted.
type FriendAcceptedEvent struct{ Friendship *Friendship }

// GameEvent carries a full game snapshot for invites and updates.
type GameEvent struct {
	Kind EventType
	Game *Game
}

// GroupEvent covers group_created, group_joined and group_left.
type GroupEvent struct {
	Kind    EventType `json:"-"`
	Group   Group     `json:"group"`
	Members []string  `json:"members,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

// ConversationDeletedEvent is sent when a group conversation is removed.
type ConversationDeletedEvent struct {
	ConversationID string `json:"groupId"`
	Message        string `json:"message,omitempty"`
}

// UnknownEvent is any event type this client does not understand.
type UnknownEvent struct {
	Kind    EventType
	Payload json.RawMessage
}

func (NewMessageEvent) Type() EventType          { return EventNewMessage }
func (FriendRequestEvent) Type() EventType       { return EventFriendRequest }
func (FriendAcceptedEvent) Type() EventType      { return EventFriendAccepted }
func (e GameEvent) Type() EventType              { return e.Kind }
func (e GroupEvent) Type() EventType             { return e.Kind }
func (ConversationDeletedEvent) Type() EventType { return EventConversationDeleted }
func (e UnknownEvent) Type() EventType           { return e.Kind }

// DecodeEvent decodes the payload of env according to its event type.
// Unknown types decode to *UnknownEvent and never fail.
func DecodeEvent(env *Envelope) (Event, error) {
	switch env.EventType {
	case EventNewMessage:
		var m Message
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		if m.ID == "" || m.ConversationID == "" {
			return nil, fmt.Errorf("%w: message without id or conversation_id", errMalformedEnvelope)
		}
		return &NewMessageEvent{Message: &m}, nil
	case EventFriendRequest:
		var r FriendRequest
		if err := decodePayload(env, &r); err != nil {
			return nil, err
		}
		return &FriendRequestEvent{Request: &r}, nil
	case EventFriendAccepted:
		var f Friendship
		if err := decodePayload(env, &f); err != nil {
			return nil, err
		}
		return &FriendAcceptedEvent{Friendship: &f}, nil
	case EventGameInvite, EventGameUpdate:
		var g Game
		if err := decodePayload(env, &g); err != nil {
			return nil, err
		}
		if g.ID == "" {
			return nil, fmt.Errorf("%w: game without id", errMalformedEnvelope)
		}
		return &GameEvent{Kind: env.EventType, Game: &g}, nil
	case EventGroupCreated, EventGroupJoined, EventGroupLeft:
		ev := GroupEvent{Kind: env.EventType}
		if err := decodePayload(env, &ev); err != nil {
			return nil, err
		}
		return &ev, nil
	case EventConversationDeleted:
		var ev ConversationDeletedEvent
		if err := decodePayload(env, &ev); err != nil {
			return nil, err
		}
		if ev.ConversationID == "" {
			return nil, fmt.Errorf("%w: conversation_deleted without groupId", errMalformedEnvelope)
		}
		return &ev, nil
	default:
		return &UnknownEvent{Kind: env.EventType, Payload: env.Payload}, nil
	}
}

func decodePayload(env *Envelope, v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: %s has empty payload", errMalformedEnvelope, env.EventType)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", errMalformedEnvelope, env.EventType, err)
	}
	return nil
}
