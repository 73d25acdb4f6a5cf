package chatsync

import (
	"context"
	"sync"
	"time"
)

// taskGroup runs background network calls off the event path. Every task
// gets a bounded context derived from the group; cancel aborts all of them.
type taskGroup struct {
	wg      sync.WaitGroup
	timeout time.Duration

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func newTaskGroup(timeout time.Duration) *taskGroup {
	ctx, cancel := context.WithCancel(context.Background())
	return &taskGroup{timeout: timeout, ctx: ctx, cancel: cancel}
}

func (t *taskGroup) Go(fn func(ctx context.Context)) {
	t.mu.Lock()
	base := t.ctx
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(base, t.timeout)
		defer cancel()
		fn(ctx)
	}()
}

// cancelAll aborts running tasks; tasks started afterwards are unaffected.
func (t *taskGroup) cancelAll() {
	t.mu.Lock()
	t.cancel()
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.mu.Unlock()
}

func (t *taskGroup) Wait() { t.wg.Wait() }

// coalescer collapses bursts of refresh requests: while a run is in
// progress further triggers only mark it dirty, which causes one more run.
type coalescer struct {
	tasks *taskGroup
	run   func(ctx context.Context)

	mu      sync.Mutex
	running bool
	dirty   bool
}

func newCoalescer(tasks *taskGroup, run func(ctx context.Context)) *coalescer {
	return &coalescer{tasks: tasks, run: run}
}

func (c *coalescer) Trigger() {
	c.mu.Lock()
	if c.running {
		c.dirty = true
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	c.tasks.Go(func(ctx context.Context) {
		for {
			c.run(ctx)
			c.mu.Lock()
			if !c.dirty || ctx.Err() != nil {
				c.running = false
				c.dirty = false
				c.mu.Unlock()
				return
			}
			c.dirty = false
			c.mu.Unlock()
		}
	})
}
