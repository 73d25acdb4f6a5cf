package chatsync

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ============================================================================
// Users & Social
// ============================================================================

// User is the public profile attached to messages, participants and requests.
type User struct {
	ID                string `json:"id"`
	Username          string `json:"username"`
	ProfilePictureURL string `json:"profile_picture_url,omitempty"`
	IsVerified        bool   `json:"is_verified,omitempty"`
}

// FriendRequest is a pending incoming friendship request.
type FriendRequest struct {
	ID        string    `json:"id"`
	Sender    User      `json:"sender"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Friendship is the server record returned when a request is answered.
type Friendship struct {
	ID        string    `json:"id"`
	UserID1   string    `json:"user_id1"`
	UserID2   string    `json:"user_id2"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Group is the group metadata carried by group_* events.
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug,omitempty"`
	OwnerID   string    `json:"owner_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ============================================================================
// Messages & Conversations
// ============================================================================

// Message is immutable once created and uniquely keyed by ID.
type Message struct {
	ID              string    `json:"id"`
	ConversationID  string    `json:"conversation_id"`
	SenderID        string    `json:"sender_id"`
	Sender          *User     `json:"sender,omitempty"`
	Content         string    `json:"content"`
	ServerTimestamp time.Time `json:"server_timestamp"`
}

// AuthorID returns the sender id, falling back to the embedded profile.
func (m *Message) AuthorID() string {
	if m.SenderID != "" {
		return m.SenderID
	}
	if m.Sender != nil {
		return m.Sender.ID
	}
	return ""
}

// messageLess orders messages by (ServerTimestamp, ID).
func messageLess(a, b *Message) bool {
	if !a.ServerTimestamp.Equal(b.ServerTimestamp) {
		return a.ServerTimestamp.Before(b.ServerTimestamp)
	}
	return a.ID < b.ID
}

func sortMessages(ms []*Message) {
	sort.Slice(ms, func(i, j int) bool { return messageLess(ms[i], ms[j]) })
}

// ConversationType distinguishes direct chats from groups.
type ConversationType string

const (
	ConversationOneToOne ConversationType = "one-on-one"
	ConversationGroup    ConversationType = "group"
)

// Conversation is the summary row shown in the conversation list.
type Conversation struct {
	ID           string           `json:"id"`
	Type         ConversationType `json:"type"`
	Name         string           `json:"name,omitempty"`
	LastMessage  *Message         `json:"last_message,omitempty"`
	Participants []User           `json:"participants,omitempty"`
	UnreadCount  int              `json:"unread_count"`
}

func (c *Conversation) clone() *Conversation {
	cp := *c
	if c.LastMessage != nil {
		m := *c.LastMessage
		cp.LastMessage = &m
	}
	if c.Participants != nil {
		cp.Participants = append([]User(nil), c.Participants...)
	}
	return &cp
}

// conversationLess sorts newest activity first; conversations without
// messages go last, ties broken by id for a stable order.
func conversationLess(a, b *Conversation) bool {
	switch {
	case a.LastMessage == nil && b.LastMessage == nil:
		return a.ID < b.ID
	case a.LastMessage == nil:
		return false
	case b.LastMessage == nil:
		return true
	}
	if !a.LastMessage.ServerTimestamp.Equal(b.LastMessage.ServerTimestamp) {
		return a.LastMessage.ServerTimestamp.After(b.LastMessage.ServerTimestamp)
	}
	return a.ID < b.ID
}

func sortConversations(cs []*Conversation) {
	sort.Slice(cs, func(i, j int) bool { return conversationLess(cs[i], cs[j]) })
}

// Cursor is the per-conversation pagination state.
type Cursor int

const (
	CursorUnknown Cursor = iota
	CursorMore
	CursorExhausted
)

func (c Cursor) String() string {
	switch c {
	case CursorMore:
		return "more"
	case CursorExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// ============================================================================
// Games
// ============================================================================

// GameStatus is the server-side lifecycle of a game.
type GameStatus string

const (
	GamePending  GameStatus = "pending"
	GameActive   GameStatus = "active"
	GameFinished GameStatus = "finished"
	GameDeclined GameStatus = "declined"
)

// Game is a server-authoritative game snapshot. State is opaque.
type Game struct {
	ID          string          `json:"id"`
	Player1ID   string          `json:"player1_id"`
	Player2ID   string          `json:"player2_id"`
	InitiatorID string          `json:"initiator_id"`
	GameType    string          `json:"game_type"`
	Status      GameStatus      `json:"status"`
	State       json.RawMessage `json:"state,omitempty"`
	Seq         int64           `json:"seq,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// TicTacToeState is the state payload of a tic_tac_toe game.
type TicTacToeState struct {
	Board       [3][3]string `json:"board"`
	CurrentTurn string       `json:"current_turn"`
	Winner      string       `json:"winner,omitempty"`
	LastMove    *struct {
		Row int `json:"row"`
		Col int `json:"col"`
	} `json:"last_move,omitempty"`
}

// TicTacToe decodes the state payload as a tic-tac-toe board.
func (g *Game) TicTacToe() (*TicTacToeState, error) {
	if len(g.State) == 0 {
		return nil, fmt.Errorf("game %s has no state", g.ID)
	}
	var s TicTacToeState
	if err := json.Unmarshal(g.State, &s); err != nil {
		return nil, fmt.Errorf("decode tic-tac-toe state: %w", err)
	}
	return &s, nil
}

// newer reports whether g should replace held under sequence ordering.
func (g *Game) newer(held *Game, allowEqual bool) bool {
	if g.Seq != 0 || held.Seq != 0 {
		if allowEqual {
			return g.Seq >= held.Seq
		}
		return g.Seq > held.Seq
	}
	if allowEqual {
		return !g.UpdatedAt.Before(held.UpdatedAt)
	}
	return g.UpdatedAt.After(held.UpdatedAt)
}

// ============================================================================
// Connection
// ============================================================================

// ConnState is the push channel connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// ConnectionStatus is a snapshot of both transports.
type ConnectionStatus struct {
	State             ConnState `json:"state"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	RetryScheduled    bool      `json:"retry_scheduled"`
	Polling           bool      `json:"polling"`
}
