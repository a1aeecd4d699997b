package scheduler

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"reflect"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aristath/crewgraph/internal/events"
	"github.com/aristath/crewgraph/internal/graphstore"
)

// Backend selects how a crew runs units.
type Backend string

const (
	BackendNone      Backend = "none"      // Inline on the calling goroutine
	BackendThreading Backend = "threading" // Fixed-size goroutine pool
	BackendAsync     Backend = "async"     // One goroutine per in-flight unit
)

// ParseBackend validates a backend name. The empty string selects BackendNone.
func ParseBackend(s string) (Backend, error) {
	switch Backend(s) {
	case "", BackendNone:
		return BackendNone, nil
	case BackendThreading, BackendAsync:
		return Backend(s), nil
	}
	return "", fmt.Errorf("unknown backend %q (want none, threading or async)", s)
}

const (
	DefaultThreads      = 4
	DefaultPollInterval = 10 * time.Millisecond
)

// Config configures a crew.
type Config struct {
	Backend      Backend
	Threads      int           // Pool size for BackendThreading (default 4)
	PollInterval time.Duration // Sleep between threaded sweeps (default 10ms)
	UnitTimeout  time.Duration // Per-unit worker deadline; 0 disables
	Retry        *RetryConfig  // Retry policy for workers; nil disables
	Tools        []Tool        // Extra tools offered to every task's worker
	Logger       *zap.Logger
	Bus          *events.EventBus // Optional event sink
}

// Crew registers tasks and drives the dispatch loop. A crew is used from one
// goroutine; only workers run elsewhere.
type Crew struct {
	store    graphstore.Store
	cfg      Config
	logger   *zap.Logger
	breakers *BreakerRegistry

	tasks  []Task
	byNode map[int64]Task

	runID       string
	finished    int // tasks marked done, including without a unit
	runningSync map[*BaseTask]struct{}
	doneUnits   []TaskUnit
	dispatched  map[TaskUnit]time.Time
}

// New creates a crew over store.
func New(store graphstore.Store, cfg Config) (*Crew, error) {
	if store == nil {
		return nil, errors.New("crew needs a graph store")
	}
	backend, err := ParseBackend(string(cfg.Backend))
	if err != nil {
		return nil, err
	}
	cfg.Backend = backend
	if cfg.Threads <= 0 {
		cfg.Threads = DefaultThreads
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	logger := cfg.Logger.With(zap.String("component", "crew"))

	return &Crew{
		store:    store,
		cfg:      cfg,
		logger:   logger,
		breakers: NewBreakerRegistry(logger),
		byNode:   make(map[int64]Task),
	}, nil
}

// Store returns the crew's graph store.
func (c *Crew) Store() graphstore.Store { return c.store }

// Tasks returns the registered tasks in registration order.
func (c *Crew) Tasks() []Task {
	return append([]Task(nil), c.tasks...)
}

// RegisterTasks attaches tasks to the crew and inserts their nodes.
// Registering a task twice is a no-op.
func (c *Crew) RegisterTasks(ctx context.Context, tasks ...Task) error {
	if err := c.store.EnsureLabel(ctx, &TaskNode{}); err != nil {
		return fmt.Errorf("preparing task nodes: %w", err)
	}
	for _, rel := range []string{RelTaskIsUpstream, RelTaskUnitBelongs} {
		if err := c.store.EnsureRelation(ctx, rel); err != nil {
			return fmt.Errorf("preparing %s relation: %w", rel, err)
		}
	}

	for _, t := range tasks {
		b := t.Base()
		if b.node == nil {
			return fmt.Errorf("task %T has no node; build its base with NewBaseTask", t)
		}
		if b.crew == c {
			continue
		}
		if b.crew != nil {
			return fmt.Errorf("task %q is registered with another crew", b.Name())
		}

		if err := c.store.InsertNode(ctx, b.node); err != nil {
			return fmt.Errorf("registering task %q: %w", b.Name(), err)
		}
		b.crew = c
		b.store = c.store
		c.tasks = append(c.tasks, t)
		c.byNode[b.node.ID] = t

		c.logger.Info("task registered",
			zap.String("task", b.Name()),
			zap.String("kind", b.node.Kind),
			zap.Int64("node_id", b.node.ID),
			zap.Bool("allow_async_units", t.AllowAsyncUnits()))
		c.cfg.Bus.Emit(events.TaskRegisteredEvent{
			Name:      b.Name(),
			Kind:      b.node.Kind,
			NodeID:    b.node.ID,
			Timestamp: time.Now(),
		})
	}
	return nil
}

// AddDependency makes upstream a dependency of downstream.
func (c *Crew) AddDependency(ctx context.Context, upstream, downstream Task) error {
	return downstream.Base().SetUpstream(ctx, upstream)
}

// AvailableTasks returns every registered task that is not done and has no
// upstream task that is not done, in registration order.
func (c *Crew) AvailableTasks(ctx context.Context) ([]Task, error) {
	nodes, err := graphstore.QueryAs[TaskNode](ctx, c.store, `
		SELECT d.* FROM "TaskNode" d
		WHERE d.done = :pending
		  AND NOT EXISTS (
			SELECT 1 FROM "task_is_upstream" e
			JOIN "TaskNode" u ON e.from_label = 'TaskNode' AND u.id = e.from_id
			WHERE e.to_label = 'TaskNode' AND e.to_id = d.id AND u.done = :pending
		  )
		ORDER BY d.id`,
		graphstore.Params{"pending": false})
	if err != nil {
		return nil, fmt.Errorf("querying available tasks: %w", err)
	}

	ready := make([]Task, 0, len(nodes))
	for _, n := range nodes {
		if t, ok := c.byNode[n.ID]; ok {
			ready = append(ready, t)
		}
	}
	return ready, nil
}

// ExtraTools returns the tools the crew offers to t's worker.
func (c *Crew) ExtraTools(t Task) []Tool {
	return append([]Tool(nil), c.cfg.Tools...)
}

// Run drives the dispatch loop until no task can produce a unit and nothing
// is in flight. It returns the units completed during this run. On failure
// the units completed so far stay DONE in the store but are not returned.
func (c *Crew) Run(ctx context.Context) ([]TaskUnit, error) {
	c.runID = uuid.NewString()
	c.runningSync = make(map[*BaseTask]struct{})
	c.dispatched = make(map[TaskUnit]time.Time)
	c.doneUnits = nil

	logger := c.logger.With(zap.String("run_id", c.runID), zap.String("backend", string(c.cfg.Backend)))
	logger.Info("run started", zap.Int("tasks", len(c.tasks)))
	c.cfg.Bus.Emit(events.RunStartedEvent{
		RunID:     c.runID,
		Backend:   string(c.cfg.Backend),
		Tasks:     len(c.tasks),
		Timestamp: time.Now(),
	})

	start := time.Now()
	var err error
	switch c.cfg.Backend {
	case BackendThreading:
		err = c.runThreaded(ctx)
	case BackendAsync:
		err = c.runAsync(ctx)
	default:
		err = c.runSync(ctx)
	}
	elapsed := time.Since(start)

	c.cfg.Bus.Emit(events.RunFinishedEvent{
		RunID:     c.runID,
		Units:     len(c.doneUnits),
		Err:       err,
		Duration:  elapsed,
		Timestamp: time.Now(),
	})
	if err != nil {
		logger.Error("run failed", zap.Error(err), zap.Int("units", len(c.doneUnits)), zap.Duration("duration", elapsed))
		return nil, err
	}
	logger.Info("run finished", zap.Int("units", len(c.doneUnits)), zap.Duration("duration", elapsed))
	return append([]TaskUnit(nil), c.doneUnits...), nil
}

// dispatch is a prepared unit: persisted as RUNNING, paired with its worker
// and the input snapshot the worker receives.
type dispatch struct {
	worker Worker
	task   Task
	unit   TaskUnit
	input  map[string]any
}

// prepare yields the units to dispatch in one sweep over the available tasks.
// A task that allows concurrent units is asked for units until it has none.
func (c *Crew) prepare(ctx context.Context) iter.Seq2[*dispatch, error] {
	return func(yield func(*dispatch, error) bool) {
		available, err := c.AvailableTasks(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, t := range available {
			for {
				d, err := c.prepareUnit(ctx, t)
				if err != nil {
					yield(nil, err)
					return
				}
				if d == nil {
					break
				}
				if !yield(d, nil) {
					return
				}
				if !t.AllowAsyncUnits() {
					break
				}
			}
		}
	}
}

func (c *Crew) prepareUnit(ctx context.Context, t Task) (*dispatch, error) {
	b := t.Base()
	async := t.AllowAsyncUnits()
	if _, running := c.runningSync[b]; running && !async {
		return nil, nil
	}

	u, err := t.NextUnit(ctx)
	if err != nil {
		return nil, fmt.Errorf("task %q: next unit: %w", b.Name(), err)
	}
	if isNilUnit(u) {
		return nil, nil
	}
	if !async {
		c.runningSync[b] = struct{}{}
	}

	w, err := t.Worker(c.ExtraTools(t))
	if err != nil {
		return nil, fmt.Errorf("task %q: worker: %w", b.Name(), err)
	}
	if c.cfg.Retry != nil {
		w = NewResilientWorker(w, c.breakers.Get(b.Name()), *c.cfg.Retry)
	}

	if err := SetRunning(ctx, c.store, u); err != nil {
		return nil, fmt.Errorf("task %q: %w", b.Name(), err)
	}
	if err := c.store.InsertNode(ctx, u); err != nil {
		return nil, fmt.Errorf("task %q: persisting unit: %w", b.Name(), err)
	}
	if err := c.store.CreateRelation(ctx, u, b.node, RelTaskUnitBelongs); err != nil {
		return nil, fmt.Errorf("task %q: attaching unit: %w", b.Name(), err)
	}
	if err := t.OnUnitDispatch(ctx, u); err != nil {
		return nil, fmt.Errorf("task %q: dispatch hook: %w", b.Name(), err)
	}

	input, err := Inputs(u)
	if err != nil {
		return nil, fmt.Errorf("task %q: unit inputs: %w", b.Name(), err)
	}

	c.dispatched[u] = time.Now()
	c.logger.Debug("unit dispatched",
		zap.String("task", b.Name()),
		zap.String("unit", u.Label()),
		zap.Int64("unit_id", u.Base().ID))
	c.cfg.Bus.Emit(events.UnitDispatchedEvent{
		Task:      b.Name(),
		Label:     u.Label(),
		UnitID:    u.Base().ID,
		Input:     input,
		Timestamp: time.Now(),
	})
	return &dispatch{worker: w, task: t, unit: u, input: input}, nil
}

// complete records a successful worker result for u.
func (c *Crew) complete(ctx context.Context, t Task, u TaskUnit, output any) error {
	b := t.Base()
	delete(c.runningSync, b)

	if err := SetOutput(ctx, c.store, u, output); err != nil {
		return fmt.Errorf("task %q: %w", b.Name(), err)
	}
	if err := SetDone(ctx, c.store, u); err != nil {
		return fmt.Errorf("task %q: %w", b.Name(), err)
	}
	if err := t.OnUnitCompletion(ctx, u); err != nil {
		return fmt.Errorf("task %q: completion hook: %w", b.Name(), err)
	}
	c.doneUnits = append(c.doneUnits, u)

	elapsed := time.Since(c.dispatched[u])
	delete(c.dispatched, u)
	c.logger.Debug("unit completed",
		zap.String("task", b.Name()),
		zap.String("unit", u.Label()),
		zap.Int64("unit_id", u.Base().ID),
		zap.Duration("duration", elapsed))
	c.cfg.Bus.Emit(events.UnitCompletedEvent{
		Task:      b.Name(),
		Label:     u.Label(),
		UnitID:    u.Base().ID,
		Output:    output,
		Duration:  elapsed,
		Timestamp: time.Now(),
	})
	c.publishProgress()
	return nil
}

// failed records a worker error. The unit stays RUNNING in the store.
func (c *Crew) failed(t Task, u TaskUnit, err error) {
	delete(c.dispatched, u)
	c.logger.Error("unit failed",
		zap.String("task", t.Base().Name()),
		zap.String("unit", u.Label()),
		zap.Int64("unit_id", u.Base().ID),
		zap.Error(err))
	c.cfg.Bus.Emit(events.UnitFailedEvent{
		Task:      t.Base().Name(),
		Label:     u.Label(),
		UnitID:    u.Base().ID,
		Err:       err,
		Timestamp: time.Now(),
	})
}

// failedErr records a failure reported as a bare error.
func (c *Crew) failedErr(err error) {
	var werr *WorkerError
	if errors.As(err, &werr) {
		c.logger.Error("unit failed",
			zap.String("task", werr.Task),
			zap.String("unit", werr.Label),
			zap.Int64("unit_id", werr.UnitID),
			zap.Error(werr.Err))
		c.cfg.Bus.Emit(events.UnitFailedEvent{
			Task:      werr.Task,
			Label:     werr.Label,
			UnitID:    werr.UnitID,
			Err:       werr.Err,
			Timestamp: time.Now(),
		})
		return
	}
	c.logger.Error("unit failed", zap.Error(err))
}

func (c *Crew) taskDone(b *BaseTask) {
	c.finished++
	c.logger.Info("task done", zap.String("task", b.Name()))
	c.cfg.Bus.Emit(events.TaskDoneEvent{Name: b.Name(), Timestamp: time.Now()})
}

func (c *Crew) publishProgress() {
	done := 0
	for _, t := range c.tasks {
		if t.Base().IsDone() {
			done++
		}
	}
	c.cfg.Bus.Emit(events.RunProgressEvent{
		RunID:          c.runID,
		Tasks:          len(c.tasks),
		DoneTasks:      done,
		InFlight:       len(c.dispatched),
		CompletedUnits: len(c.doneUnits),
		Timestamp:      time.Now(),
	})
}

func isNilUnit(u TaskUnit) bool {
	if u == nil {
		return true
	}
	v := reflect.ValueOf(u)
	return v.Kind() == reflect.Pointer && v.IsNil()
}
