package scheduler

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aristath/crewgraph/internal/graphstore"
)

type stepUnit struct {
	UnitBase
	Step int
	Note string
}

func (*stepUnit) Label() string { return "StepUnit" }

// stepTask emits units numbered 1..limit and finishes once all of them are
// done.
type stepTask struct {
	BaseTask
	limit  int
	async  bool
	worker Worker

	produced  int
	completed int
	nextCalls int

	// Upstream tasks found not done when a unit was prepared.
	notReady []string

	mu         sync.Mutex
	dispatched map[int]map[string]any
}

func newStepTask(name string, limit int, w Worker) *stepTask {
	return &stepTask{
		BaseTask:   NewBaseTask(name, "step"),
		limit:      limit,
		worker:     w,
		dispatched: make(map[int]map[string]any),
	}
}

func (t *stepTask) AllowAsyncUnits() bool { return t.async }

func (t *stepTask) NextUnit(ctx context.Context) (TaskUnit, error) {
	t.nextCalls++
	if t.IsDone() || t.produced >= t.limit {
		return nil, nil
	}

	ups, err := Upstream(ctx, t)
	if err != nil {
		return nil, err
	}
	for _, u := range ups {
		if !u.Done {
			t.notReady = append(t.notReady, u.Name)
		}
	}

	t.produced++
	return &stepUnit{Step: t.produced, Note: t.Name()}, nil
}

func (t *stepTask) Worker([]Tool) (Worker, error) { return t.worker, nil }

func (t *stepTask) OnUnitDispatch(_ context.Context, u TaskUnit) error {
	in, err := Inputs(u)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.dispatched[u.(*stepUnit).Step] = in
	t.mu.Unlock()
	return nil
}

func (t *stepTask) OnUnitCompletion(ctx context.Context, _ TaskUnit) error {
	t.completed++
	if t.completed >= t.limit {
		return t.SetDone(ctx, true)
	}
	return nil
}

func (t *stepTask) dispatchedInput(step int) map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dispatched[step]
}

func testStore(t *testing.T) *graphstore.SQLiteStore {
	t.Helper()
	store, err := graphstore.NewMemoryStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func newTestCrew(t *testing.T, backend Backend, threads int) *Crew {
	t.Helper()
	crew, err := New(testStore(t), Config{Backend: backend, Threads: threads, PollInterval: DefaultPollInterval})
	require.NoError(t, err)
	return crew
}

func okWorker(name string) Worker {
	return WorkerFunc(func(context.Context, map[string]any) (any, error) {
		return "ok:" + name, nil
	})
}

func unitNotes(units []TaskUnit) []string {
	notes := make([]string, 0, len(units))
	for _, u := range units {
		notes = append(notes, u.(*stepUnit).Note)
	}
	return notes
}

func requireAllDone(t *testing.T, store graphstore.Store, units []TaskUnit) {
	t.Helper()
	for _, u := range units {
		require.Equal(t, UnitDone, u.Unit().Status)
		require.NotNil(t, u.Unit().Output)

		stored, err := graphstore.Get[stepUnit](context.Background(), store, u.Base().ID)
		require.NoError(t, err)
		require.Equal(t, UnitDone, stored.Status)
		require.Equal(t, u.Unit().Output, stored.Output)
	}
}
