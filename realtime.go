package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var ErrNotConnected = errors.New("push channel not connected")

// Source identifies the transport an envelope arrived on.
type Source string

const (
	SourcePush Source = "push"
	SourcePoll Source = "poll"
)

// EnvelopeSink accepts envelopes from a transport for serialized application.
// Envelopes submitted with a stale epoch are discarded by the sink.
type EnvelopeSink interface {
	Epoch() uint64
	Submit(ctx context.Context, epoch uint64, src Source, env *Envelope) error
}

// Action is a client-to-server message sent over the push channel.
type Action struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"request_id,omitempty"`
}

// ============================================================================
// PushChannel
// ============================================================================

// PushChannel owns the websocket lifecycle. A single goroutine per
// connection attempt dials, reads, and hands envelopes to the sink;
// reconnects are scheduled on a fixed interval up to a ceiling.
type PushChannel struct {
	url        string
	cfg        PushConfig
	httpClient *http.Client
	sink       EnvelopeSink
	log        *zap.Logger
	metrics    *Metrics

	mu       sync.Mutex
	state    ConnState
	token    string
	attempts int
	gen      uint64
	cancel   context.CancelFunc
	conn     *websocket.Conn
	retry    Timer
	onState  []func(ConnState)
}

// PushOption configures a PushChannel.
type PushOption func(*PushChannel)

func WithPushLogger(log *zap.Logger) PushOption {
	return func(p *PushChannel) { p.log = log }
}

func WithPushHTTPClient(c *http.Client) PushOption {
	return func(p *PushChannel) { p.httpClient = c }
}

func WithPushMetrics(m *Metrics) PushOption {
	return func(p *PushChannel) { p.metrics = m }
}

// NewPushChannel creates a disconnected channel for the websocket endpoint rawURL.
func NewPushChannel(rawURL string, cfg PushConfig, sink EnvelopeSink, opts ...PushOption) *PushChannel {
	p := &PushChannel{
		url:        rawURL,
		cfg:        cfg,
		httpClient: http.DefaultClient,
		sink:       sink,
		log:        zap.NewNop(),
		state:      StateDisconnected,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = NewMetrics(nil)
	}
	p.metrics.setPushState(StateDisconnected)
	return p
}

// OnStateChange registers a callback invoked after every state transition.
func (p *PushChannel) OnStateChange(fn func(ConnState)) {
	p.mu.Lock()
	p.onState = append(p.onState, fn)
	p.mu.Unlock()
}

// State returns the current connection state.
func (p *PushChannel) State() ConnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Status returns the state together with the reconnect bookkeeping.
func (p *PushChannel) Status() ConnectionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ConnectionStatus{
		State:             p.state,
		ReconnectAttempts: p.attempts,
		RetryScheduled:    p.retry.Pending(),
	}
}

// Connect opens the channel with token. It is a no-op while connecting or
// connected. Any scheduled retry is replaced and the attempt counter restarts.
func (p *PushChannel) Connect(token string) {
	p.mu.Lock()
	if p.state == StateConnected || p.state == StateConnecting {
		p.mu.Unlock()
		return
	}
	p.retry.Stop()
	p.token = token
	p.attempts = 0
	p.startLocked()
	p.mu.Unlock()
	p.notify()
}

// Disconnect closes the live connection and cancels any scheduled retry.
// It is not treated as a failure: no reconnect follows.
func (p *PushChannel) Disconnect() {
	p.mu.Lock()
	p.gen++
	p.retry.Stop()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.conn = nil
	p.attempts = 0
	was := p.state
	p.state = StateDisconnected
	p.mu.Unlock()

	if was != StateDisconnected {
		p.log.Info("push channel disconnected by client")
		p.notify()
	}
}

// Send writes an action to the server and returns its request id.
func (p *PushChannel) Send(ctx context.Context, actionType string, payload any) (string, error) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return "", ErrNotConnected
	}

	action := Action{Type: actionType, Payload: payload, RequestID: uuid.NewString()}
	data, err := json.Marshal(action)
	if err != nil {
		return "", fmt.Errorf("marshal action: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return "", fmt.Errorf("send %s: %w", actionType, err)
	}
	return action.RequestID, nil
}

// ── connection goroutine ─────────────────────────────────

func (p *PushChannel) startLocked() {
	p.state = StateConnecting
	p.gen++
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.run(ctx, p.gen, p.token, p.sink.Epoch())
}

func (p *PushChannel) dialURL(token string) (string, error) {
	u, err := url.Parse(p.url)
	if err != nil {
		return "", fmt.Errorf("parse push url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (p *PushChannel) run(ctx context.Context, gen uint64, token string, epoch uint64) {
	target, err := p.dialURL(token)
	if err != nil {
		p.closed(gen, err)
		return
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, p.cfg.ConnectTimeout.Duration)
	conn, _, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{HTTPClient: p.httpClient})
	cancelDial()
	if err != nil {
		p.closed(gen, fmt.Errorf("dial: %w", err))
		return
	}
	conn.SetReadLimit(1 << 20)

	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "superseded")
		return
	}
	p.conn = conn
	p.state = StateConnected
	p.attempts = 0
	p.mu.Unlock()
	p.log.Info("push channel connected")
	p.notify()

	err = p.readLoop(ctx, conn, epoch)
	conn.Close(websocket.StatusNormalClosure, "")
	p.closed(gen, err)
}

func (p *PushChannel) readLoop(ctx context.Context, conn *websocket.Conn, epoch uint64) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		env, err := ParseEnvelope(data)
		if err != nil {
			p.log.Warn("dropping push frame", zap.Error(err))
			p.metrics.EventsDropped.WithLabelValues("malformed").Inc()
			continue
		}
		if err := p.sink.Submit(ctx, epoch, SourcePush, env); err != nil {
			return err
		}
	}
}

// closed handles the end of connection attempt gen. Stale generations
// (superseded by Disconnect or a newer attempt) are ignored.
func (p *PushChannel) closed(gen uint64, cause error) {
	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.conn = nil
	p.state = StateDisconnected

	retry := p.attempts < p.cfg.MaxReconnectAttempts
	if retry {
		p.attempts++
		p.retry.Schedule(p.cfg.ReconnectInterval.Duration, func() { p.reconnect(gen) })
	}
	attempts := p.attempts
	p.mu.Unlock()

	if retry {
		p.log.Warn("push channel closed, reconnect scheduled",
			zap.Error(cause), zap.Int("attempt", attempts), zap.Duration("in", p.cfg.ReconnectInterval.Duration))
	} else {
		p.log.Warn("push channel closed, reconnect ceiling reached", zap.Error(cause), zap.Int("attempts", attempts))
	}
	p.notify()
}

func (p *PushChannel) reconnect(gen uint64) {
	p.mu.Lock()
	if gen != p.gen || p.state != StateDisconnected {
		p.mu.Unlock()
		return
	}
	p.metrics.Reconnects.Inc()
	p.startLocked()
	p.mu.Unlock()
	p.notify()
}

func (p *PushChannel) notify() {
	p.mu.Lock()
	state := p.state
	handlers := append([]func(ConnState){}, p.onState...)
	p.mu.Unlock()

	p.metrics.setPushState(state)
	for _, h := range handlers {
		h(state)
	}
}
