package tasks

import (
	"context"

	"github.com/aristath/crewgraph/internal/scheduler"
)

// BatchUnit applies the batch prompt to one item.
type BatchUnit struct {
	scheduler.UnitBase
	Prompt string
	Item   string
	Index  int
}

func (*BatchUnit) Label() string { return "BatchUnit" }

// BatchTask emits one unit per item. With Async set the units may run
// concurrently, at most MaxInFlight at a time when that is positive.
type BatchTask struct {
	scheduler.BaseTask
	Agent       string
	Prompt      string
	Items       []string
	Async       bool
	MaxInFlight int

	workers   WorkerFactory
	next      int
	inFlight  int
	completed int
}

func NewBatchTask(name, agent, prompt string, items []string, workers WorkerFactory) *BatchTask {
	return &BatchTask{
		BaseTask: scheduler.NewBaseTask(name, KindBatch),
		Agent:    agent,
		Prompt:   prompt,
		Items:    items,
		workers:  workers,
	}
}

func (t *BatchTask) AllowAsyncUnits() bool { return t.Async }

func (t *BatchTask) NextUnit(ctx context.Context) (scheduler.TaskUnit, error) {
	if t.IsDone() {
		return nil, nil
	}
	if len(t.Items) == 0 {
		return nil, t.SetDone(ctx, true)
	}
	if t.next >= len(t.Items) {
		return nil, nil
	}
	if t.MaxInFlight > 0 && t.inFlight >= t.MaxInFlight {
		return nil, nil
	}
	u := &BatchUnit{Prompt: t.Prompt, Item: t.Items[t.next], Index: t.next}
	t.next++
	return u, nil
}

func (t *BatchTask) Worker(tools []scheduler.Tool) (scheduler.Worker, error) {
	return t.workers(t.Agent, tools)
}

func (t *BatchTask) OnUnitDispatch(context.Context, scheduler.TaskUnit) error {
	t.inFlight++
	return nil
}

func (t *BatchTask) OnUnitCompletion(ctx context.Context, _ scheduler.TaskUnit) error {
	t.inFlight--
	t.completed++
	if t.completed == len(t.Items) {
		return t.SetDone(ctx, true)
	}
	return nil
}

// Progress returns how many items have finished out of the total.
func (t *BatchTask) Progress() (done, total int) { return t.completed, len(t.Items) }
