// Package chatsync is the client-side real-time sync core for the chat
// service: a websocket push channel with a long-poll fallback, a single
// ordered event router, conversation/friend/game reducers and a durable
// local cache with keep-last-N retention.
//
// Example:
//
//	cache, _ := chatsync.OpenSQLite("chat.db")
//	client := chatsync.NewClient("", chatsync.WithBaseURL("https://chat.example.com/api"))
//	engine, _ := chatsync.NewEngineForClient(cfg, cache, client, chatsync.WithLogger(logger))
//	engine.Start(ctx)
//	engine.SetCredential(token, userID)
//	defer engine.Close()
package chatsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var ErrNoCredential = errors.New("no credential")

// Backends is the set of REST collaborators the reducers call.
type Backends struct {
	Conversations ConversationAPI
	Events        EventsAPI
	Games         GameAPI
	Friends       FriendAPI
}

// ============================================================================
// Options
// ============================================================================

type engineOptions struct {
	log        *zap.Logger
	registerer prometheus.Registerer
	httpClient *http.Client
	onToken    func(string)
}

// EngineOption configures an Engine.
type EngineOption func(*engineOptions)

func WithLogger(log *zap.Logger) EngineOption {
	return func(o *engineOptions) { o.log = log }
}

// WithRegisterer registers the sync metrics on reg.
func WithRegisterer(reg prometheus.Registerer) EngineOption {
	return func(o *engineOptions) { o.registerer = reg }
}

// WithPushClient sets the HTTP client used for the websocket handshake.
func WithPushClient(c *http.Client) EngineOption {
	return func(o *engineOptions) { o.httpClient = c }
}

// WithCredentialSink receives every credential change, e.g. Client.SetToken.
func WithCredentialSink(fn func(token string)) EngineOption {
	return func(o *engineOptions) { o.onToken = fn }
}

// ============================================================================
// Engine
// ============================================================================

// Engine owns the transports, the router and the reducers. The poller runs
// exactly when the engine is started, holds a credential, and the push
// channel is not connected; that condition is re-evaluated on every change.
type Engine struct {
	cfg     Config
	cache   Cache
	log     *zap.Logger
	metrics *Metrics
	notes   *notifier
	tasks   *taskGroup
	onToken func(string)

	Conversations *Conversations
	Games         *Games
	Friends       *Friends
	Retention     *Retention

	router *Router
	push   *PushChannel
	poller *Poller

	reconcileMu sync.Mutex

	mu         sync.Mutex
	token      string
	online     bool
	running    bool
	stopRouter context.CancelFunc
	routerDone chan struct{}
}

// NewEngine wires an engine around cache and the REST collaborators.
func NewEngine(cfg Config, cache Cache, be Backends, opts ...EngineOption) (*Engine, error) {
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := engineOptions{
		log:        zap.NewNop(),
		httpClient: http.DefaultClient,
		onToken:    func(string) {},
	}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		cfg:     cfg,
		cache:   cache,
		log:     o.log,
		metrics: NewMetrics(o.registerer),
		tasks:   newTaskGroup(DefaultTimeout),
		onToken: o.onToken,
	}
	e.notes = newNotifier(e.log)
	e.Conversations = newConversations(be.Conversations, cache, cfg.PageSize, e.log.Named("conversations"), e.notes, e.tasks)
	e.Friends = newFriends(be.Friends, e.Conversations, e.tasks, e.log.Named("friends"))
	e.Games = newGames(be.Games, cfg.Games.Ordering, e.log.Named("games"))
	e.Retention = newRetention(cache, e.Conversations, e.log.Named("retention"))
	e.router = newRouter(e.Conversations, e.Friends, e.Games, e.notes, e.log.Named("router"), e.metrics)

	e.push = NewPushChannel(cfg.PushURL, cfg.Push, e.router,
		WithPushLogger(e.log.Named("push")),
		WithPushMetrics(e.metrics),
		WithPushHTTPClient(o.httpClient),
	)
	e.push.OnStateChange(e.onPushState)

	e.poller = NewPoller(be.Events, e.router, cfg.Poll,
		WithPollerLogger(e.log.Named("poller")),
		WithPollerMetrics(e.metrics),
		WithPollErrorHandler(e.onPollError),
	)
	return e, nil
}

// NewEngineForClient builds an engine on top of a REST Client and keeps the
// client's bearer token in step with SetCredential.
func NewEngineForClient(cfg Config, cache Cache, client *Client, opts ...EngineOption) (*Engine, error) {
	opts = append([]EngineOption{WithCredentialSink(client.SetToken)}, opts...)
	return NewEngine(cfg, cache, client.Backends(), opts...)
}

// Start restores the cached conversation list and starts the router.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if err := e.Conversations.Restore(ctx); err != nil {
		return err
	}

	routerCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.router.Run(routerCtx)
	}()

	e.mu.Lock()
	e.running = true
	e.stopRouter = cancel
	e.routerDone = done
	e.mu.Unlock()

	e.log.Info("sync engine started", zap.String("push_url", e.cfg.PushURL))
	e.reconcile()
	return nil
}

// Close tears everything down. The cache is left open for its owner.
func (e *Engine) Close() error {
	e.Disconnect()

	e.mu.Lock()
	e.running = false
	stop, done := e.stopRouter, e.routerDone
	e.stopRouter, e.routerDone = nil, nil
	e.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	e.tasks.cancelAll()
	e.tasks.Wait()
	e.poller.wait()
	return nil
}

// SetCredential installs a bearer token for userID and (re)connects. An
// empty token is treated as Disconnect.
func (e *Engine) SetCredential(token, userID string) {
	e.onToken(token)
	e.Conversations.setSelf(userID)
	if token == "" {
		e.mu.Lock()
		e.token = ""
		e.mu.Unlock()
		e.Disconnect()
		return
	}

	e.mu.Lock()
	changed := e.token != token
	e.token = token
	e.online = true
	e.mu.Unlock()

	if changed {
		e.push.Disconnect()
	}
	e.push.Connect(token)
	e.reconcile()
}

// Connect re-triggers the push channel with the current credential, e.g.
// after the reconnect ceiling was reached or after Disconnect.
func (e *Engine) Connect() error {
	e.mu.Lock()
	token := e.token
	if token == "" {
		e.mu.Unlock()
		return ErrNoCredential
	}
	e.online = true
	e.mu.Unlock()

	e.push.Connect(token)
	e.reconcile()
	return nil
}

// Disconnect stops both transports. When it returns no further envelope
// is applied until Connect or SetCredential.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	e.online = false
	e.mu.Unlock()

	e.push.Disconnect()
	e.poller.Deactivate()
	e.router.Seal()
}

// InvalidateCredential logs out: transports stop, background calls are
// cancelled, and the cache and all in-memory state are cleared.
func (e *Engine) InvalidateCredential(ctx context.Context) error {
	e.mu.Lock()
	e.token = ""
	e.mu.Unlock()
	e.Disconnect()
	e.onToken("")
	e.tasks.cancelAll()

	if err := e.cache.Clear(ctx); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	e.Conversations.reset()
	e.Games.reset()
	e.Friends.reset()
	e.router.reset()
	e.log.Info("credential invalidated, local state cleared")
	return nil
}

// Status reports the push channel state and whether the poller is running.
func (e *Engine) Status() ConnectionStatus {
	st := e.push.Status()
	st.Polling = e.poller.Active()
	return st
}

// OnNotification registers a handler for transient user-facing notices.
func (e *Engine) OnNotification(h NotificationHandler) {
	e.notes.On(h)
}

// ── imperative actions ───────────────────────────────────

func (e *Engine) SetActiveConversation(ctx context.Context, conversationID string) error {
	return e.Conversations.SetActive(ctx, conversationID)
}

func (e *Engine) FetchOlderMessages(ctx context.Context, conversationID string) (int, error) {
	return e.Conversations.FetchOlderPage(ctx, conversationID)
}

func (e *Engine) DeleteConversation(ctx context.Context, conversationID string) error {
	return e.Conversations.Delete(ctx, conversationID)
}

// ClearLocalHistory keeps the newest keep cached messages of a conversation.
// It runs between envelope applications.
func (e *Engine) ClearLocalHistory(ctx context.Context, conversationID string, keep int) (int, error) {
	var removed int
	err := e.router.exclusive(func() error {
		var err error
		removed, err = e.Retention.Truncate(ctx, conversationID, keep)
		return err
	})
	return removed, err
}

// EnforceRetention applies the configured keep-last-N policy to every
// cached conversation. A non-positive Retention.Keep disables it.
func (e *Engine) EnforceRetention(ctx context.Context) (int, error) {
	if e.cfg.Retention.Keep <= 0 {
		return 0, nil
	}
	var removed int
	err := e.router.exclusive(func() error {
		var err error
		removed, err = e.Retention.EnforceAll(ctx, e.cfg.Retention.Keep)
		return err
	})
	return removed, err
}

func (e *Engine) RequestMove(ctx context.Context, gameID string, row, col int) (*Game, error) {
	return e.Games.RequestMove(ctx, gameID, row, col)
}

// SendRealtimeAction sends {type, payload} over the push channel.
func (e *Engine) SendRealtimeAction(ctx context.Context, actionType string, payload any) (string, error) {
	return e.push.Send(ctx, actionType, payload)
}

// SendMessage posts a chat message through the push channel.
func (e *Engine) SendMessage(ctx context.Context, conversationID, content string) (string, error) {
	return e.SendRealtimeAction(ctx, "send_message", map[string]string{
		"conversation_id": conversationID,
		"content":         content,
	})
}

// ── state machine ────────────────────────────────────────

func (e *Engine) onPushState(state ConnState) {
	e.mu.Lock()
	online := e.online
	e.mu.Unlock()

	// a deliberate Disconnect (credential swap) leaves no retry and a zero
	// attempt counter, and is not reported
	if online && state == StateDisconnected {
		st := e.push.Status()
		switch {
		case st.RetryScheduled:
			e.notes.emit(Notification{
				Kind:        NoticeConnection,
				Title:       "Connection lost",
				Description: fmt.Sprintf("Reconnecting (attempt %d of %d).", st.ReconnectAttempts, e.cfg.Push.MaxReconnectAttempts),
			})
		case st.State == StateDisconnected && st.ReconnectAttempts >= e.cfg.Push.MaxReconnectAttempts:
			e.notes.emit(Notification{
				Kind:        NoticeConnection,
				Title:       "Connection failed",
				Description: "Max reconnection attempts reached. Falling back to long polling.",
			})
		}
	}
	e.reconcile()
}

// reconcile derives the poller's activation from the current state.
func (e *Engine) reconcile() {
	e.reconcileMu.Lock()
	defer e.reconcileMu.Unlock()

	e.mu.Lock()
	want := e.running && e.online && e.token != ""
	e.mu.Unlock()

	if want && e.push.State() != StateConnected {
		e.poller.Activate()
	} else {
		e.poller.Deactivate()
	}
}

func (e *Engine) onPollError(err error) {
	if errors.Is(err, ErrUnauthorized) {
		e.log.Warn("poll rejected credential", zap.Error(err))
	}
	e.notes.emit(Notification{
		Kind:        NoticeSyncError,
		Title:       "Sync error",
		Description: err.Error(),
	})
}

// settle waits for background network calls. Used by tests.
func (e *Engine) settle() {
	e.tasks.Wait()
}
