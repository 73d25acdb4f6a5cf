package chatsync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventsAPI is the long-poll events endpoint.
type EventsAPI interface {
	Since(ctx context.Context, since string, limit int) ([]*Envelope, error)
}

// ============================================================================
// Poller
// ============================================================================

// Poller is the fallback pull transport. While active it runs one loop:
// fetch events after the last seen id, submit them in order, then wait
// the configured interval. Only one request is ever in flight.
type Poller struct {
	api     EventsAPI
	sink    EnvelopeSink
	cfg     PollConfig
	log     *zap.Logger
	metrics *Metrics
	onError func(error)

	mu       sync.Mutex
	active   bool
	cancel   context.CancelFunc
	done     chan struct{}
	lastSeen string
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

func WithPollerLogger(log *zap.Logger) PollerOption {
	return func(p *Poller) { p.log = log }
}

func WithPollerMetrics(m *Metrics) PollerOption {
	return func(p *Poller) { p.metrics = m }
}

// WithPollErrorHandler receives request failures other than timeouts.
func WithPollErrorHandler(fn func(error)) PollerOption {
	return func(p *Poller) { p.onError = fn }
}

// NewPoller creates an inactive poller.
func NewPoller(api EventsAPI, sink EnvelopeSink, cfg PollConfig, opts ...PollerOption) *Poller {
	p := &Poller{
		api:     api,
		sink:    sink,
		cfg:     cfg,
		log:     zap.NewNop(),
		onError: func(error) {},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = NewMetrics(nil)
	}
	return p
}

// Activate starts polling from a cold cursor. No-op when already active.
func (p *Poller) Activate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		return
	}
	p.active = true
	p.lastSeen = ""

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	prev := p.done
	done := make(chan struct{})
	p.done = done
	p.log.Info("poller activated")
	go p.loop(ctx, prev, done, p.sink.Epoch())
}

// Deactivate cancels the in-flight request and any pending wait.
func (p *Poller) Deactivate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return
	}
	p.active = false
	p.cancel()
	p.cancel = nil
	p.log.Info("poller deactivated")
}

// Active reports whether the poll loop is running.
func (p *Poller) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// LastSeen returns the id of the newest event fetched since activation.
func (p *Poller) LastSeen() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

// wait blocks until the current loop goroutine has exited.
func (p *Poller) wait() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (p *Poller) loop(ctx context.Context, prev <-chan struct{}, done chan struct{}, epoch uint64) {
	defer close(done)

	// the previous loop may still be unwinding its cancelled request
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return
		}
	}

	for {
		pause := p.cycle(ctx, epoch)
		if ctx.Err() != nil {
			return
		}
		if !pause {
			continue
		}
		t := time.NewTimer(p.cfg.Interval.Duration)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// cycle runs one request and reports whether the interval wait follows.
func (p *Poller) cycle(ctx context.Context, epoch uint64) bool {
	p.mu.Lock()
	since := p.lastSeen
	p.mu.Unlock()

	envs, err := p.api.Since(ctx, since, p.cfg.Limit)
	switch {
	case ctx.Err() != nil:
		return false
	case errors.Is(err, ErrPollTimeout):
		p.metrics.PollRequests.WithLabelValues("timeout").Inc()
		return false
	case err != nil:
		p.metrics.PollRequests.WithLabelValues("error").Inc()
		p.log.Warn("poll request failed", zap.Error(err))
		p.onError(err)
		return true
	}
	p.metrics.PollRequests.WithLabelValues("ok").Inc()

	batch := envs[:0]
	for _, env := range envs {
		if env != nil && env.EventType != "" {
			batch = append(batch, env)
		} else {
			p.metrics.EventsDropped.WithLabelValues("malformed").Inc()
		}
	}
	sort.SliceStable(batch, func(i, j int) bool { return envelopeLess(batch[i], batch[j]) })

	for _, env := range batch {
		if err := p.sink.Submit(ctx, epoch, SourcePoll, env); err != nil {
			return false
		}
	}
	if len(batch) > 0 {
		p.mu.Lock()
		if ctx.Err() == nil {
			p.lastSeen = batch[len(batch)-1].ID
		}
		p.mu.Unlock()
		p.log.Debug("poll cycle applied events", zap.Int("count", len(batch)), zap.String("last_seen", batch[len(batch)-1].ID))
	}
	return true
}
