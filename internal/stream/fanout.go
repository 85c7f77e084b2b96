package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/torosent/relaycheck/internal/auth"
	"github.com/torosent/relaycheck/internal/clientmetrics"
	"github.com/torosent/relaycheck/internal/pool"
)

// Fanout runs one long-lived pool task per identity: connect, report
// readiness, then receive until stopped.
type Fanout struct {
	clients []*Client
	byName  map[string]*Client

	mu     sync.Mutex
	pool   *pool.WorkPool[*Client, struct{}]
	cancel context.CancelFunc
}

type readiness struct {
	client *Client
	err    error
}

func NewFanout(cfg Config, identities []auth.Identity) *Fanout {
	f := &Fanout{byName: make(map[string]*Client, len(identities))}
	for _, id := range identities {
		c := NewClient(cfg, id)
		f.clients = append(f.clients, c)
		f.byName[id.Name] = c
	}
	return f
}

// Connect starts every client and returns once each one is connected or has
// failed, or once timeout expires. Clients that connected keep running after
// a partial failure; the returned error names the rest.
func (f *Fanout) Connect(ctx context.Context, timeout time.Duration) (int, error) {
	f.mu.Lock()
	if f.pool != nil {
		f.mu.Unlock()
		return 0, errors.New("fanout: already connected")
	}
	if len(f.clients) == 0 {
		f.mu.Unlock()
		return 0, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	ready := make(chan readiness, len(f.clients))
	handler := func(ctx context.Context, c *Client) (struct{}, error) {
		dialCtx := ctx
		if timeout > 0 {
			var stop context.CancelFunc
			dialCtx, stop = context.WithTimeout(ctx, timeout)
			defer stop()
		}
		err := c.Connect(dialCtx)
		ready <- readiness{client: c, err: err}
		if err != nil {
			return struct{}{}, err
		}
		defer c.Close()
		return struct{}{}, c.Run(ctx)
	}

	// Every task blocks for the lifetime of its connection, so the pool
	// needs one worker per identity.
	p, err := pool.Start(runCtx, len(f.clients), handler, f.clients)
	if err != nil {
		f.mu.Unlock()
		cancel()
		return 0, err
	}
	f.pool = p
	f.cancel = cancel
	f.mu.Unlock()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout + time.Second)
		defer timer.Stop()
		deadline = timer.C
	}

	connected := 0
	var errs []error
	for pending := len(f.clients); pending > 0; pending-- {
		select {
		case r := <-ready:
			if r.err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", r.client.identity.Name, r.err))
				continue
			}
			connected++
		case <-deadline:
			errs = append(errs, fmt.Errorf("fanout: %d clients not ready after %s", pending, timeout))
			return connected, errors.Join(errs...)
		case <-ctx.Done():
			return connected, ctx.Err()
		}
	}
	return connected, errors.Join(errs...)
}

func (f *Fanout) Clients() []*Client {
	return append([]*Client(nil), f.clients...)
}

// Client returns the client for an identity name.
func (f *Fanout) Client(name string) (*Client, bool) {
	c, ok := f.byName[name]
	return c, ok
}

// Stop cancels every receive loop and waits until all sockets are closed.
func (f *Fanout) Stop() {
	f.mu.Lock()
	cancel, p := f.cancel, f.pool
	f.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.Wait()
}

// Failed returns the clients whose connect or receive loop failed.
func (f *Fanout) Failed() map[string]error {
	out := map[string]error{}
	f.mu.Lock()
	p := f.pool
	f.mu.Unlock()
	if p != nil {
		for _, hf := range p.Failures() {
			out[f.clients[hf.Index].identity.Name] = hf.Err
		}
	}
	for _, c := range f.clients {
		if err := c.Err(); err != nil {
			out[c.identity.Name] = err
		}
	}
	return out
}

// Metrics sums the stream counters of every client.
func (f *Fanout) Metrics() clientmetrics.Snapshot {
	var total clientmetrics.Snapshot
	for _, c := range f.clients {
		total = total.Add(c.Metrics())
	}
	return total
}
