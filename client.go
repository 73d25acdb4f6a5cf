package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBaseURL     = "http://localhost:8080/api"
	DefaultTimeout     = 30 * time.Second
	DefaultPollTimeout = 59 * time.Second
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrPollTimeout  = errors.New("poll timed out")
)

// APIError is a non-2xx response from the REST API.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusRequestTimeout:
		return ErrPollTimeout
	}
	return nil
}

// ============================================================================
// Client
// ============================================================================

// Client talks to the chat REST API. Resource calls are grouped in sub-clients.
type Client struct {
	mu          sync.RWMutex
	token       string
	baseURL     string
	timeout     time.Duration
	pollTimeout time.Duration
	httpClient  *http.Client

	Conversations *ConversationsClient
	Events        *EventsClient
	Games         *GamesClient
	Friends       *FriendsClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout bounds every request except the long poll.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.timeout = timeout }
}

func WithPollTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.pollTimeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a REST client. token may be empty until login.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:       token,
		baseURL:     DefaultBaseURL,
		timeout:     DefaultTimeout,
		pollTimeout: DefaultPollTimeout,
		httpClient:  &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.Conversations = &ConversationsClient{c: c}
	c.Events = &EventsClient{c: c}
	c.Games = &GamesClient{c: c}
	c.Friends = &FriendsClient{c: c}
	return c
}

// SetToken sets or clears the bearer credential.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer credential.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Backends exposes the sub-clients as the collaborator set used by Engine.
func (c *Client) Backends() Backends {
	return Backends{
		Conversations: c.Conversations,
		Events:        c.Events,
		Games:         c.Games,
		Friends:       c.Friends,
	}
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return nil, apiErr
	}
	return data, nil
}

// do applies the default request timeout.
func (c *Client) do(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.doRequest(ctx, method, path, body, query)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func decodeList[T any](data []byte) ([]*T, error) {
	list, err := decodeJSON[[]*T](data)
	if err != nil {
		return nil, err
	}
	return *list, nil
}

// ============================================================================
// Sub-Clients
// ============================================================================

// ConversationsClient covers conversation listing, history, read receipts and deletion.
type ConversationsClient struct{ c *Client }

func (cc *ConversationsClient) List(ctx context.Context) ([]*Conversation, error) {
	data, err := cc.c.do(ctx, http.MethodGet, "/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[Conversation](data)
}

// Messages returns up to limit messages strictly older than before.
func (cc *ConversationsClient) Messages(ctx context.Context, conversationID string, before time.Time, limit int) ([]*Message, error) {
	q := map[string]string{"limit": strconv.Itoa(limit)}
	if !before.IsZero() {
		q["before"] = before.UTC().Format(time.RFC3339Nano)
	}
	data, err := cc.c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil, q)
	if err != nil {
		return nil, err
	}
	return decodeList[Message](data)
}

func (cc *ConversationsClient) MarkRead(ctx context.Context, conversationID string) error {
	_, err := cc.c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil)
	return err
}

func (cc *ConversationsClient) Delete(ctx context.Context, conversationID string) error {
	_, err := cc.c.do(ctx, http.MethodDelete, "/conversations/"+url.PathEscape(conversationID), nil, nil)
	return err
}

// EventsClient is the long-poll events endpoint.
type EventsClient struct{ c *Client }

// Since fetches events after since (empty for the most recent window).
// A long poll that hits the client deadline returns ErrPollTimeout.
func (ec *EventsClient) Since(ctx context.Context, since string, limit int) ([]*Envelope, error) {
	q := map[string]string{"limit": strconv.Itoa(limit)}
	if since != "" {
		q["since"] = since
	}

	pollCtx, cancel := context.WithTimeout(ctx, ec.c.pollTimeout)
	defer cancel()

	data, err := ec.c.doRequest(pollCtx, http.MethodGet, "/events", nil, q)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrPollTimeout, err)
		}
		return nil, err
	}
	return decodeList[Envelope](data)
}

// GamesClient covers game invitations and moves.
type GamesClient struct{ c *Client }

func (gc *GamesClient) Get(ctx context.Context, gameID string) (*Game, error) {
	data, err := gc.c.do(ctx, http.MethodGet, "/games/"+url.PathEscape(gameID), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Game](data)
}

func (gc *GamesClient) Invite(ctx context.Context, opponentUsername, gameType string) (*Game, error) {
	body := map[string]string{"opponent_username": opponentUsername, "game_type": gameType}
	data, err := gc.c.do(ctx, http.MethodPost, "/games/invite", body, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Game](data)
}

func (gc *GamesClient) Move(ctx context.Context, gameID string, row, col int) (*Game, error) {
	body := map[string]int{"row": row, "col": col}
	data, err := gc.c.do(ctx, http.MethodPost, "/games/"+url.PathEscape(gameID)+"/move", body, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Game](data)
}

func (gc *GamesClient) Respond(ctx context.Context, gameID string, accept bool) (*Game, error) {
	body := map[string]bool{"accept": accept}
	data, err := gc.c.do(ctx, http.MethodPost, "/games/"+url.PathEscape(gameID)+"/respond", body, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Game](data)
}

// FriendsClient covers the friend list and friendship requests.
type FriendsClient struct{ c *Client }

func (fc *FriendsClient) List(ctx context.Context) ([]*User, error) {
	data, err := fc.c.do(ctx, http.MethodGet, "/friends", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[User](data)
}

func (fc *FriendsClient) Requests(ctx context.Context) ([]*FriendRequest, error) {
	data, err := fc.c.do(ctx, http.MethodGet, "/friends/requests", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[FriendRequest](data)
}

func (fc *FriendsClient) SendRequest(ctx context.Context, username string) error {
	_, err := fc.c.do(ctx, http.MethodPost, "/friends/requests", map[string]string{"username": username}, nil)
	return err
}

// RespondToRequest answers a request with "accepted" or "declined".
func (fc *FriendsClient) RespondToRequest(ctx context.Context, requestID, status string) error {
	_, err := fc.c.do(ctx, http.MethodPut, "/friends/requests/"+url.PathEscape(requestID), map[string]string{"status": status}, nil)
	return err
}
