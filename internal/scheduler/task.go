package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/aristath/crewgraph/internal/graphstore"
)

// Graph labels owned by the scheduler.
const (
	LabelTaskNode      = "TaskNode"
	RelTaskIsUpstream  = "task_is_upstream"
	RelTaskUnitBelongs = "task_unit_belongs"
)

// ErrNotRegistered is returned by task operations that need a crew before the
// task has been registered with one.
var ErrNotRegistered = errors.New("task not registered with a crew")

// TaskNode is the persisted side of a task.
type TaskNode struct {
	graphstore.NodeBase
	Name string
	Kind string
	Done bool
}

func (*TaskNode) Label() string { return LabelTaskNode }

// Task is a named producer of task units. Task kinds embed BaseTask, which
// supplies the bookkeeping and default hooks.
type Task interface {
	Base() *BaseTask

	// AllowAsyncUnits reports whether several units of the task may run at once.
	AllowAsyncUnits() bool

	// NextUnit returns the next dispatchable unit, or nil when none is
	// available right now. It must return nil once the task is done, and must
	// never return a unit it has returned before.
	NextUnit(ctx context.Context) (TaskUnit, error)

	// Worker returns the worker that runs this task's units. tools are the
	// crew's extra tools for the task.
	Worker(tools []Tool) (Worker, error)

	// OnUnitDispatch runs after the unit is persisted as RUNNING.
	OnUnitDispatch(ctx context.Context, u TaskUnit) error

	// OnUnitCompletion runs after the unit is persisted as DONE. Tasks mark
	// themselves done here.
	OnUnitCompletion(ctx context.Context, u TaskUnit) error
}

// BaseTask carries a task's identity, its node and its crew.
type BaseTask struct {
	node  *TaskNode
	crew  *Crew
	store graphstore.Store
}

// NewBaseTask returns the base for a task called name of the given kind.
func NewBaseTask(name, kind string) BaseTask {
	return BaseTask{node: &TaskNode{Name: name, Kind: kind}}
}

func (b *BaseTask) Base() *BaseTask { return b }

// Name returns the task name.
func (b *BaseTask) Name() string {
	if b.node == nil {
		return ""
	}
	return b.node.Name
}

// Node returns the task's graph node.
func (b *BaseTask) Node() *TaskNode { return b.node }

// Crew returns the crew the task is registered with, or nil.
func (b *BaseTask) Crew() *Crew { return b.crew }

// Store returns the crew's graph store, or nil before registration.
func (b *BaseTask) Store() graphstore.Store { return b.store }

// IsDone reports whether the task has declared itself finished.
func (b *BaseTask) IsDone() bool { return b.node != nil && b.node.Done }

// SetDone marks the task finished on both the task and its node. A done task
// cannot be re-opened.
func (b *BaseTask) SetDone(ctx context.Context, done bool) error {
	if b.node.Done == done {
		return nil
	}
	if !done {
		return fmt.Errorf("%w: task %q is done and cannot re-open", ErrInvalidTransition, b.Name())
	}
	b.node.Done = true
	if b.store != nil {
		if err := writeThrough(ctx, b.store, b.node, "done"); err != nil {
			return err
		}
	}
	if b.crew != nil {
		b.crew.taskDone(b)
	}
	return nil
}

// SetUpstream makes upstream a dependency of this task.
func (b *BaseTask) SetUpstream(ctx context.Context, upstream Task) error {
	if upstream == nil {
		return fmt.Errorf("task %q: nil upstream", b.Name())
	}
	if upstream.Base() == b {
		return fmt.Errorf("%w: task %q cannot depend on itself", ErrDependencyCycle, b.Name())
	}
	if b.crew == nil {
		return fmt.Errorf("task %q: %w", b.Name(), ErrNotRegistered)
	}
	return b.crew.link(ctx, upstream.Base(), b)
}

// AllowAsyncUnits is false unless a task kind overrides it.
func (b *BaseTask) AllowAsyncUnits() bool { return false }

// OnUnitDispatch is a no-op.
func (b *BaseTask) OnUnitDispatch(context.Context, TaskUnit) error { return nil }

// OnUnitCompletion is a no-op.
func (b *BaseTask) OnUnitCompletion(context.Context, TaskUnit) error { return nil }

// Chain makes each task the upstream of the next.
func Chain(ctx context.Context, tasks ...Task) error {
	for i := 1; i < len(tasks); i++ {
		if err := tasks[i].Base().SetUpstream(ctx, tasks[i-1]); err != nil {
			return err
		}
	}
	return nil
}

// Upstream returns the nodes of every task directly upstream of t.
func Upstream(ctx context.Context, t Task) ([]*TaskNode, error) {
	b := t.Base()
	if b.store == nil {
		return nil, fmt.Errorf("task %q: %w", b.Name(), ErrNotRegistered)
	}
	return graphstore.QueryAs[TaskNode](ctx, b.store, `
		SELECT u.* FROM "TaskNode" u
		JOIN "task_is_upstream" e ON e.from_label = 'TaskNode' AND e.from_id = u.id
		WHERE e.to_label = 'TaskNode' AND e.to_id = :task
		ORDER BY u.id`,
		graphstore.Params{"task": b.node.ID})
}

// UnitsOf returns the stored units of type T attached to t, oldest first.
func UnitsOf[T any, PT interface {
	*T
	TaskUnit
}](ctx context.Context, t Task) ([]PT, error) {
	b := t.Base()
	if b.store == nil {
		return nil, fmt.Errorf("task %q: %w", b.Name(), ErrNotRegistered)
	}
	proto := PT(new(T))
	if err := b.store.EnsureLabel(ctx, proto); err != nil {
		return nil, err
	}
	if err := b.store.EnsureRelation(ctx, RelTaskUnitBelongs); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT u.* FROM "%s" u
		JOIN "task_unit_belongs" e ON e.from_label = :label AND e.from_id = u.id
		WHERE e.to_label = 'TaskNode' AND e.to_id = :task
		ORDER BY u.id`, proto.Label())
	return graphstore.QueryAs[T, PT](ctx, b.store, query,
		graphstore.Params{"label": proto.Label(), "task": b.node.ID})
}

// UnitCount returns how many units with the given label are attached to t.
func UnitCount(ctx context.Context, t Task, label string) (int, error) {
	b := t.Base()
	if b.store == nil {
		return 0, fmt.Errorf("task %q: %w", b.Name(), ErrNotRegistered)
	}
	rows, err := b.store.Query(ctx, `
		SELECT COUNT(*) AS n FROM "task_unit_belongs"
		WHERE from_label = :label AND to_label = 'TaskNode' AND to_id = :task`,
		graphstore.Params{"label": label, "task": b.node.ID})
	if err != nil {
		return 0, err
	}
	n, _ := rows[0]["n"].(int64)
	return int(n), nil
}
