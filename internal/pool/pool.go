package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidWorkerCount is returned by Start when workerCount is not positive.
var ErrInvalidWorkerCount = errors.New("pool: worker count must be positive")

// State describes where a WorkPool is in its lifecycle.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped // paused or canceled before the work set was exhausted
	StateDrained // every item claimed and processed, workers exited
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateDrained:
		return "drained"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handler processes a single work item.
type Handler[T, R any] func(ctx context.Context, item T) (R, error)

// HandlerFailure records an error or panic raised by a handler for one item.
type HandlerFailure struct {
	Index int
	Err   error
}

func (e *HandlerFailure) Error() string {
	return fmt.Sprintf("item %d: %v", e.Index, e.Err)
}

func (e *HandlerFailure) Unwrap() error { return e.Err }

// Result is the slot for one item, addressed by the item's original index.
type Result[R any] struct {
	Index int
	Value R
	Err   error
	Done  bool
}

// WorkPool applies a handler to a bounded work set with a fixed number of workers.
type WorkPool[T, R any] struct {
	handler Handler[T, R]
	items   []T
	workers int

	mu      sync.Mutex
	pending []int // FIFO of unclaimed item indexes
	results []Result[R]
	stopped bool
	state   State
	running int

	done chan struct{}
}

// New prepares a pool without starting it.
func New[T, R any](workerCount int, handler Handler[T, R], items []T) (*WorkPool[T, R], error) {
	if workerCount <= 0 {
		return nil, ErrInvalidWorkerCount
	}
	if handler == nil {
		return nil, errors.New("pool: handler is required")
	}
	pending := make([]int, len(items))
	for i := range pending {
		pending[i] = i
	}
	return &WorkPool[T, R]{
		handler: handler,
		items:   items,
		workers: workerCount,
		pending: pending,
		results: make([]Result[R], len(items)),
		done:    make(chan struct{}),
	}, nil
}

// Start creates a pool over items and launches its workers.
func Start[T, R any](ctx context.Context, workerCount int, handler Handler[T, R], items []T) (*WorkPool[T, R], error) {
	p, err := New(workerCount, handler, items)
	if err != nil {
		return nil, err
	}
	if err := p.Run(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Run launches the workers. It may be called once.
func (p *WorkPool[T, R]) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.state != StateIdle {
		p.mu.Unlock()
		return fmt.Errorf("pool: cannot start from state %s", p.state)
	}
	if len(p.pending) == 0 {
		p.state = StateDrained
		p.mu.Unlock()
		close(p.done)
		return nil
	}
	p.state = StateRunning
	p.running = p.workers
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		go p.work(ctx)
	}
	return nil
}

func (p *WorkPool[T, R]) work(ctx context.Context) {
	defer p.exit()
	for {
		idx, ok := p.claim(ctx)
		if !ok {
			return
		}
		value, err := p.invoke(ctx, idx)
		p.mu.Lock()
		p.results[idx] = Result[R]{Index: idx, Value: value, Err: err, Done: true}
		p.mu.Unlock()
	}
}

// claim removes the next pending index under the pool lock.
func (p *WorkPool[T, R]) claim(ctx context.Context) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || ctx.Err() != nil || len(p.pending) == 0 {
		return 0, false
	}
	idx := p.pending[0]
	p.pending = p.pending[1:]
	return idx, true
}

func (p *WorkPool[T, R]) invoke(ctx context.Context, idx int) (value R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerFailure{Index: idx, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	value, err = p.handler(ctx, p.items[idx])
	if err != nil {
		err = &HandlerFailure{Index: idx, Err: err}
	}
	return value, err
}

func (p *WorkPool[T, R]) exit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running--
	if p.running > 0 {
		return
	}
	if len(p.pending) == 0 {
		p.state = StateDrained
	} else {
		p.state = StateStopped
	}
	close(p.done)
}

// Pause stops workers at their next claim and blocks until in-flight handlers
// return. Unclaimed items stay pending. The transition is one-way.
func (p *WorkPool[T, R]) Pause() {
	p.mu.Lock()
	p.stopped = true
	if p.state == StateIdle {
		p.state = StateStopped
		p.mu.Unlock()
		close(p.done)
		return
	}
	p.mu.Unlock()
	<-p.done
}

// Wait blocks until every worker has exited.
func (p *WorkPool[T, R]) Wait() {
	<-p.done
}

// Done is closed once every worker has exited.
func (p *WorkPool[T, R]) Done() <-chan struct{} {
	return p.done
}

// State reports the current lifecycle state.
func (p *WorkPool[T, R]) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Results returns a snapshot of every result slot in original item order.
func (p *WorkPool[T, R]) Results() []Result[R] {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Result[R], len(p.results))
	copy(out, p.results)
	return out
}

// Remaining returns the unclaimed items, suitable for a later Start.
func (p *WorkPool[T, R]) Remaining() []T {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]T, len(p.pending))
	for i, idx := range p.pending {
		out[i] = p.items[idx]
	}
	return out
}

// Completed counts processed items, successful or not.
func (p *WorkPool[T, R]) Completed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, r := range p.results {
		if r.Done {
			n++
		}
	}
	return n
}

// Failures returns the captured handler failures in item order.
func (p *WorkPool[T, R]) Failures() []*HandlerFailure {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*HandlerFailure
	for _, r := range p.results {
		if !r.Done || r.Err == nil {
			continue
		}
		var hf *HandlerFailure
		if errors.As(r.Err, &hf) {
			out = append(out, hf)
		}
	}
	return out
}

// Len returns the size of the original work set.
func (p *WorkPool[T, R]) Len() int {
	return len(p.items)
}
