package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// WorkerState is what a pool goroutine is doing.
type WorkerState int32

const (
	WorkerWaiting WorkerState = iota
	WorkerBusy
)

func (s WorkerState) String() string {
	if s == WorkerBusy {
		return "BUSY"
	}
	return "WAITING"
}

// Completion is a unit whose worker returned successfully.
type Completion struct {
	Task   Task
	Unit   TaskUnit
	Output any
}

type submission struct {
	worker Worker
	task   Task
	unit   TaskUnit
	input  map[string]any
	stop   bool
}

type outcome struct {
	completion Completion
	err        error
}

// ThreadPool runs submitted units on a fixed number of goroutines. Both its
// queues are unbounded.
//
// Add, Completed, IsCompleted and WaitAndClose belong to the scheduler
// goroutine; only the queues are shared with pool goroutines.
type ThreadPool struct {
	ctx     context.Context
	timeout time.Duration
	inbox   *queue[submission]
	outbox  *queue[outcome]
	states  []atomic.Int32
	group   errgroup.Group

	inProgress map[TaskUnit]struct{}
	closed     bool
}

// NewThreadPool starts n goroutines. Units run with ctx and, when timeout is
// positive, a per-unit deadline.
func NewThreadPool(ctx context.Context, n int, timeout time.Duration) *ThreadPool {
	if n <= 0 {
		n = 1
	}
	p := &ThreadPool{
		ctx:        ctx,
		timeout:    timeout,
		inbox:      newQueue[submission](),
		outbox:     newQueue[outcome](),
		states:     make([]atomic.Int32, n),
		inProgress: make(map[TaskUnit]struct{}),
	}
	p.group.SetLimit(n)
	for i := 0; i < n; i++ {
		p.group.Go(func() error {
			p.loop(i)
			return nil
		})
	}
	return p
}

func (p *ThreadPool) loop(i int) {
	for {
		sub := p.inbox.pop()
		if sub.stop {
			return
		}

		p.states[i].Store(int32(WorkerBusy))
		out, err := invoke(p.ctx, sub.worker, sub.task, sub.unit, sub.input, p.timeout)
		if err != nil {
			p.outbox.push(outcome{completion: Completion{Task: sub.task, Unit: sub.unit}, err: err})
		} else {
			p.outbox.push(outcome{completion: Completion{Task: sub.task, Unit: sub.unit, Output: out}})
		}
		p.states[i].Store(int32(WorkerWaiting))
	}
}

// Add submits a unit with the input snapshot its worker receives.
func (p *ThreadPool) Add(w Worker, t Task, u TaskUnit, input map[string]any) {
	p.inProgress[u] = struct{}{}
	p.inbox.push(submission{worker: w, task: t, unit: u, input: input})
}

// Completed drains every finished unit. When a failure is drained, the
// successes drained with it are returned together with the first error.
func (p *ThreadPool) Completed() ([]Completion, error) {
	var (
		done     []Completion
		firstErr error
	)
	for _, o := range p.outbox.drain() {
		delete(p.inProgress, o.completion.Unit)
		if o.err != nil {
			if firstErr == nil {
				firstErr = o.err
			}
			continue
		}
		done = append(done, o.completion)
	}
	return done, firstErr
}

// IsCompleted reports whether every submitted unit has been drained.
func (p *ThreadPool) IsCompleted() bool {
	return len(p.inProgress) == 0
}

// InFlight returns how many submitted units have not been drained.
func (p *ThreadPool) InFlight() int {
	return len(p.inProgress)
}

// States returns the state of each pool goroutine.
func (p *ThreadPool) States() []WorkerState {
	out := make([]WorkerState, len(p.states))
	for i := range p.states {
		out[i] = WorkerState(p.states[i].Load())
	}
	return out
}

// WaitAndClose lets queued units finish, then stops every goroutine and
// waits for them. It is safe to call more than once.
func (p *ThreadPool) WaitAndClose() {
	if p.closed {
		return
	}
	p.closed = true
	for range p.states {
		p.inbox.push(submission{stop: true})
	}
	_ = p.group.Wait()
}

// queue is an unbounded FIFO safe for concurrent use.
type queue[T any] struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []T
}

func newQueue[T any]() *queue[T] {
	q := &queue[T]{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue[T]) push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.cond.Signal()
}

// pop blocks until an item is available.
func (q *queue[T]) pop() T {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		q.cond.Wait()
	}
	v := q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	return v
}

// drain removes and returns every queued item without blocking.
func (q *queue[T]) drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}
