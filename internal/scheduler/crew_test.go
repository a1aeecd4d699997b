package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/aristath/crewgraph/internal/events"
	"github.com/aristath/crewgraph/internal/graphstore"
)

func TestParseBackend(t *testing.T) {
	tests := []struct {
		in      string
		want    Backend
		wantErr bool
	}{
		{"", BackendNone, false},
		{"none", BackendNone, false},
		{"threading", BackendThreading, false},
		{"async", BackendAsync, false},
		{"fibers", "", true},
	}
	for _, tt := range tests {
		got, err := ParseBackend(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	_, err := New(testStore(t), Config{Backend: "fibers"})
	assert.Error(t, err)
}

// Scenario: T1 -> T2 -> T3 on the synchronous backend completes in order.
func TestLinearChainSync(t *testing.T) {
	ctx := context.Background()
	crew := newTestCrew(t, BackendNone, 0)

	t1 := newStepTask("T1", 1, okWorker("T1"))
	t2 := newStepTask("T2", 1, okWorker("T2"))
	t3 := newStepTask("T3", 1, okWorker("T3"))
	require.NoError(t, crew.RegisterTasks(ctx, t1, t2, t3))
	require.NoError(t, Chain(ctx, t1, t2, t3))

	units, err := crew.Run(ctx)
	require.NoError(t, err)
	require.Len(t, units, 3)
	assert.Equal(t, []string{"T1", "T2", "T3"}, unitNotes(units))
	for i, u := range units {
		assert.Equal(t, fmt.Sprintf("ok:T%d", i+1), u.Unit().Output)
	}
	requireAllDone(t, crew.Store(), units)

	for _, task := range []*stepTask{t1, t2, t3} {
		assert.True(t, task.IsDone())
		assert.Empty(t, task.notReady, "task %s prepared before its upstream was done", task.Name())
	}
}

// Scenario: T1 -> {T2, T3} -> T4 on four threads.
func TestDiamondThreaded(t *testing.T) {
	ctx := context.Background()
	crew := newTestCrew(t, BackendThreading, 4)

	t1 := newStepTask("T1", 1, okWorker("T1"))
	t2 := newStepTask("T2", 1, okWorker("T2"))
	t3 := newStepTask("T3", 1, okWorker("T3"))
	t4 := newStepTask("T4", 1, nil)
	t4.worker = WorkerFunc(func(ctx context.Context, _ map[string]any) (any, error) {
		ups, err := Upstream(ctx, t4)
		if err != nil {
			return nil, err
		}
		var names []string
		for _, u := range ups {
			if u.Done {
				names = append(names, u.Name)
			}
		}
		sort.Strings(names)
		return "after:" + strings.Join(names, ","), nil
	})

	require.NoError(t, crew.RegisterTasks(ctx, t1, t2, t3, t4))
	require.NoError(t, crew.AddDependency(ctx, t1, t2))
	require.NoError(t, crew.AddDependency(ctx, t1, t3))
	require.NoError(t, crew.AddDependency(ctx, t2, t4))
	require.NoError(t, crew.AddDependency(ctx, t3, t4))

	units, err := crew.Run(ctx)
	require.NoError(t, err)
	require.Len(t, units, 4)
	requireAllDone(t, crew.Store(), units)

	assert.Equal(t, "T1", units[0].(*stepUnit).Note)
	last := units[3].(*stepUnit)
	assert.Equal(t, "T4", last.Note)
	assert.Equal(t, "after:T2,T3", last.Output)

	for _, task := range []*stepTask{t1, t2, t3, t4} {
		assert.Empty(t, task.notReady, "task %s prepared before its upstream was done", task.Name())
	}
}

// Scenario: a task with concurrent units fans out three overlapping units.
func TestFanOutThreaded(t *testing.T) {
	ctx := context.Background()
	crew := newTestCrew(t, BackendThreading, 3)

	var (
		mu     sync.Mutex
		starts []time.Time
		ends   []time.Time
	)
	worker := WorkerFunc(func(_ context.Context, in map[string]any) (any, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()

		time.Sleep(100 * time.Millisecond)

		mu.Lock()
		ends = append(ends, time.Now())
		mu.Unlock()
		return fmt.Sprintf("unit-%v", in["step"]), nil
	})

	fan := newStepTask("fan", 3, worker)
	fan.async = true
	require.NoError(t, crew.RegisterTasks(ctx, fan))

	units, err := crew.Run(ctx)
	require.NoError(t, err)
	require.Len(t, units, 3)
	requireAllDone(t, crew.Store(), units)

	require.Len(t, starts, 3)
	latestStart, earliestEnd := starts[0], ends[0]
	for _, s := range starts {
		if s.After(latestStart) {
			latestStart = s
		}
	}
	for _, e := range ends {
		if e.Before(earliestEnd) {
			earliestEnd = e
		}
	}
	assert.True(t, latestStart.Before(earliestEnd), "all three units should be running at once")
}

// A task without concurrent units never has two units RUNNING, whatever the
// backend.
func TestSequentialTaskRunsOneUnitAtATime(t *testing.T) {
	for _, backend := range []Backend{BackendNone, BackendThreading, BackendAsync} {
		t.Run(string(backend), func(t *testing.T) {
			ctx := context.Background()
			crew := newTestCrew(t, backend, 4)

			var (
				active    atomic.Int32
				maxActive atomic.Int32
				storeErr  atomic.Value
			)
			var seq *stepTask
			seq = newStepTask("seq", 4, WorkerFunc(func(ctx context.Context, in map[string]any) (any, error) {
				n := active.Add(1)
				defer active.Add(-1)
				for {
					m := maxActive.Load()
					if n <= m || maxActive.CompareAndSwap(m, n) {
						break
					}
				}

				// Every unit handed to a worker is already stored, attached to its
				// task and RUNNING, and no sibling is RUNNING.
				units, err := UnitsOf[stepUnit](ctx, seq)
				if err != nil {
					storeErr.Store(err)
					return nil, err
				}
				running := 0
				found := false
				for _, u := range units {
					if u.Status == UnitRunning {
						running++
					}
					if u.Step == in["step"] {
						found = u.Status == UnitRunning
					}
				}
				if running > 1 || !found {
					err := fmt.Errorf("step %v: running=%d found=%v", in["step"], running, found)
					storeErr.Store(err)
					return nil, err
				}

				time.Sleep(5 * time.Millisecond)
				return in["step"], nil
			}))
			other := newStepTask("other", 4, okWorker("other"))
			other.async = true
			require.NoError(t, crew.RegisterTasks(ctx, seq, other))

			units, err := crew.Run(ctx)
			require.NoError(t, err)
			assert.Nil(t, storeErr.Load())
			assert.Len(t, units, 8)
			assert.Equal(t, int32(1), maxActive.Load())

			stored, err := UnitsOf[stepUnit](ctx, seq)
			require.NoError(t, err)
			require.Len(t, stored, 4)
			for i, u := range stored {
				assert.Equal(t, i+1, u.Step)
				assert.Equal(t, UnitDone, u.Status)
			}
		})
	}
}

// The worker receives exactly the unit's inputs as they were at dispatch.
func TestWorkerInputMatchesUnitAtDispatch(t *testing.T) {
	for _, backend := range []Backend{BackendNone, BackendThreading, BackendAsync} {
		t.Run(string(backend), func(t *testing.T) {
			ctx := context.Background()
			crew := newTestCrew(t, backend, 2)

			var (
				mu       sync.Mutex
				received = map[int]map[string]any{}
			)
			task := newStepTask("inputs", 3, WorkerFunc(func(_ context.Context, in map[string]any) (any, error) {
				mu.Lock()
				received[in["step"].(int)] = in
				mu.Unlock()
				return "ok", nil
			}))
			task.async = true
			require.NoError(t, crew.RegisterTasks(ctx, task))

			_, err := crew.Run(ctx)
			require.NoError(t, err)

			require.Len(t, received, 3)
			for step, in := range received {
				assert.Equal(t, map[string]any{"step": step, "note": "inputs"}, in)
				assert.Equal(t, task.dispatchedInput(step), in)
			}
		})
	}
}

// Scenario: adding B -> A after A -> B is rejected and leaves one edge.
func TestCycleRejected(t *testing.T) {
	ctx := context.Background()
	crew := newTestCrew(t, BackendNone, 0)

	a := newStepTask("A", 1, okWorker("A"))
	b := newStepTask("B", 1, okWorker("B"))
	require.NoError(t, crew.RegisterTasks(ctx, a, b))

	require.NoError(t, crew.AddDependency(ctx, a, b))
	err := crew.AddDependency(ctx, b, a)
	assert.ErrorIs(t, err, ErrDependencyCycle)

	rows, err := crew.Store().Query(ctx, `SELECT from_id, to_id FROM "task_is_upstream"`, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, a.Node().ID, rows[0]["from_id"])
	assert.Equal(t, b.Node().ID, rows[0]["to_id"])

	assert.ErrorIs(t, a.SetUpstream(ctx, a), ErrDependencyCycle)
	require.NoError(t, crew.AddDependency(ctx, a, b), "re-adding an edge is a no-op")

	order, err := crew.Order(ctx)
	require.NoError(t, err)
	require.Len(t, order, 2)
	assert.Equal(t, "A", order[0].Base().Name())
}

func TestCycleRejectionProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		store, err := graphstore.NewMemoryStore(ctx)
		if err != nil {
			rt.Fatalf("store: %v", err)
		}
		defer store.Close()

		crew, err := New(store, Config{})
		if err != nil {
			rt.Fatalf("crew: %v", err)
		}

		n := rapid.IntRange(2, 6).Draw(rt, "tasks")
		tasks := make([]*stepTask, n)
		for i := range tasks {
			tasks[i] = newStepTask(fmt.Sprintf("t%d", i), 1, okWorker("x"))
			if err := crew.RegisterTasks(ctx, tasks[i]); err != nil {
				rt.Fatalf("register: %v", err)
			}
		}

		adj := make(map[int]map[int]bool)
		reaches := func(from, to int) bool {
			seen := map[int]bool{}
			stack := []int{from}
			for len(stack) > 0 {
				cur := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				if cur == to {
					return true
				}
				if seen[cur] {
					continue
				}
				seen[cur] = true
				for next := range adj[cur] {
					stack = append(stack, next)
				}
			}
			return false
		}

		edges := 0
		steps := rapid.IntRange(1, 15).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			up := rapid.IntRange(0, n-1).Draw(rt, "up")
			down := rapid.IntRange(0, n-1).Draw(rt, "down")

			wantCycle := reaches(down, up)
			err := crew.AddDependency(ctx, tasks[up], tasks[down])
			if wantCycle {
				if !errors.Is(err, ErrDependencyCycle) {
					rt.Fatalf("%d -> %d: want cycle error, got %v", up, down, err)
				}
				continue
			}
			if err != nil {
				rt.Fatalf("%d -> %d: %v", up, down, err)
			}
			if adj[up] == nil {
				adj[up] = map[int]bool{}
			}
			if !adj[up][down] {
				adj[up][down] = true
				edges++
			}
		}

		rows, err := store.Query(ctx, `SELECT COUNT(*) AS n FROM "task_is_upstream"`, nil)
		if err != nil {
			rt.Fatalf("count: %v", err)
		}
		if got := rows[0]["n"].(int64); got != int64(edges) {
			rt.Fatalf("stored %d edges, want %d", got, edges)
		}
	})
}

// Scenario: a failing worker on the synchronous backend aborts the run.
func TestWorkerErrorSync(t *testing.T) {
	ctx := context.Background()
	crew := newTestCrew(t, BackendNone, 0)

	boom := errors.New("boom")
	failing := newStepTask("fails", 1, WorkerFunc(func(context.Context, map[string]any) (any, error) {
		return nil, boom
	}))
	downstream := newStepTask("after", 1, okWorker("after"))
	require.NoError(t, crew.RegisterTasks(ctx, failing, downstream))
	require.NoError(t, crew.AddDependency(ctx, failing, downstream))

	units, err := crew.Run(ctx)
	require.Error(t, err)
	assert.Nil(t, units)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, ErrWorker)
	assert.Equal(t, "boom", errors.Unwrap(err).Error())

	stored, err := UnitsOf[stepUnit](ctx, failing)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, UnitRunning, stored[0].Status)
	assert.Nil(t, stored[0].Output)

	assert.Zero(t, downstream.nextCalls)
	assert.False(t, failing.IsDone())
}

// On the concurrent backends the failing unit surfaces after its siblings
// have finished, and the siblings stay DONE in the store.
func TestWorkerErrorConcurrentBackends(t *testing.T) {
	for _, backend := range []Backend{BackendThreading, BackendAsync} {
		t.Run(string(backend), func(t *testing.T) {
			ctx := context.Background()
			crew := newTestCrew(t, backend, 4)

			boom := errors.New("boom")
			task := newStepTask("mixed", 3, WorkerFunc(func(_ context.Context, in map[string]any) (any, error) {
				if in["step"] == 1 {
					return nil, boom
				}
				time.Sleep(30 * time.Millisecond)
				return "ok", nil
			}))
			task.async = true
			require.NoError(t, crew.RegisterTasks(ctx, task))

			_, err := crew.Run(ctx)
			require.ErrorIs(t, err, boom)

			var werr *WorkerError
			require.ErrorAs(t, err, &werr)
			assert.Equal(t, "mixed", werr.Task)
			assert.Equal(t, "StepUnit", werr.Label)

			stored, err := UnitsOf[stepUnit](ctx, task)
			require.NoError(t, err)
			require.Len(t, stored, 3)
			for _, u := range stored {
				if u.Step == 1 {
					assert.Equal(t, UnitRunning, u.Status)
				} else {
					assert.Equal(t, UnitDone, u.Status, "step %d", u.Step)
				}
			}
		})
	}
}

// Scenario: readiness with T1, T2 -> T3 -> T4, T5 and T1, T2 done.
func TestAvailableTasks(t *testing.T) {
	ctx := context.Background()
	crew := newTestCrew(t, BackendNone, 0)

	tasks := make([]*stepTask, 5)
	all := make([]Task, 5)
	for i := range tasks {
		tasks[i] = newStepTask(fmt.Sprintf("T%d", i+1), 1, okWorker("x"))
		all[i] = tasks[i]
	}
	require.NoError(t, crew.RegisterTasks(ctx, all...))

	for _, e := range [][2]int{{0, 2}, {1, 2}, {2, 3}, {2, 4}} {
		require.NoError(t, crew.AddDependency(ctx, tasks[e[0]], tasks[e[1]]))
	}

	ready, err := crew.AvailableTasks(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 2)
	assert.Same(t, tasks[0], ready[0])
	assert.Same(t, tasks[1], ready[1])

	require.NoError(t, tasks[0].SetDone(ctx, true))
	require.NoError(t, tasks[1].SetDone(ctx, true))

	ready, err = crew.AvailableTasks(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Same(t, tasks[2], ready[0])
}

func TestSetDoneIsMonotonicAndWritesThrough(t *testing.T) {
	ctx := context.Background()
	crew := newTestCrew(t, BackendNone, 0)

	task := newStepTask("once", 1, okWorker("x"))
	require.NoError(t, crew.RegisterTasks(ctx, task))

	require.NoError(t, task.SetDone(ctx, true))
	require.NoError(t, task.SetDone(ctx, true))
	assert.ErrorIs(t, task.SetDone(ctx, false), ErrInvalidTransition)

	var (
		wg     sync.WaitGroup
		stored *TaskNode
		getErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		stored, getErr = graphstore.Get[TaskNode](ctx, crew.Store(), task.Node().ID)
	}()
	wg.Wait()
	require.NoError(t, getErr)
	assert.True(t, stored.Done)

	// A done task produces nothing.
	units, err := crew.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, units)
}

func TestRegisterTasks(t *testing.T) {
	ctx := context.Background()
	crew := newTestCrew(t, BackendNone, 0)
	other := newTestCrew(t, BackendNone, 0)

	task := newStepTask("t", 1, okWorker("t"))
	require.NoError(t, crew.RegisterTasks(ctx, task))
	require.NoError(t, crew.RegisterTasks(ctx, task))
	assert.Len(t, crew.Tasks(), 1)
	assert.Same(t, crew, task.Crew())
	assert.NotZero(t, task.Node().ID)

	assert.Error(t, other.RegisterTasks(ctx, task))

	loose := newStepTask("loose", 1, okWorker("x"))
	assert.ErrorIs(t, loose.SetUpstream(ctx, task), ErrNotRegistered)

	var bare stepTask
	assert.Error(t, crew.RegisterTasks(ctx, &bare))
}

func TestUnitCount(t *testing.T) {
	ctx := context.Background()
	crew := newTestCrew(t, BackendNone, 0)

	loose := newStepTask("loose", 1, okWorker("x"))
	_, err := UnitCount(ctx, loose, "StepUnit")
	assert.ErrorIs(t, err, ErrNotRegistered)

	a := newStepTask("a", 3, okWorker("a"))
	b := newStepTask("b", 2, okWorker("b"))
	require.NoError(t, crew.RegisterTasks(ctx, a, b))

	n, err := UnitCount(ctx, a, "StepUnit")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = crew.Run(ctx)
	require.NoError(t, err)

	n, err = UnitCount(ctx, a, "StepUnit")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = UnitCount(ctx, b, "StepUnit")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = UnitCount(ctx, a, "OtherUnit")
	require.NoError(t, err)
	assert.Zero(t, n)
}

type asyncOnly struct {
	calls atomic.Int32
}

func (w *asyncOnly) Invoke(context.Context, map[string]any) (any, error) {
	return nil, errors.New("Invoke must not be called by the async backend")
}

func (w *asyncOnly) InvokeAsync(_ context.Context, in map[string]any) <-chan Result {
	w.calls.Add(1)
	ch := make(chan Result, 1)
	go func() {
		time.Sleep(time.Millisecond)
		ch <- Result{Output: fmt.Sprintf("async:%v", in["step"])}
	}()
	return ch
}

func TestAsyncBackendUsesInvokeAsync(t *testing.T) {
	ctx := context.Background()
	crew := newTestCrew(t, BackendAsync, 0)

	w := &asyncOnly{}
	first := newStepTask("first", 2, w)
	second := newStepTask("second", 1, okWorker("second"))
	require.NoError(t, crew.RegisterTasks(ctx, first, second))
	require.NoError(t, crew.AddDependency(ctx, first, second))

	units, err := crew.Run(ctx)
	require.NoError(t, err)
	require.Len(t, units, 3)
	requireAllDone(t, crew.Store(), units)
	assert.Equal(t, int32(2), w.calls.Load())
	assert.Equal(t, []string{"first", "first", "second"}, unitNotes(units))
	assert.Equal(t, "async:1", units[0].Unit().Output)
}

func TestUnitTimeoutIsWorkerError(t *testing.T) {
	for _, backend := range []Backend{BackendNone, BackendThreading, BackendAsync} {
		t.Run(string(backend), func(t *testing.T) {
			ctx := context.Background()
			crew, err := New(testStore(t), Config{Backend: backend, UnitTimeout: 20 * time.Millisecond})
			require.NoError(t, err)

			slow := newStepTask("slow", 1, WorkerFunc(func(ctx context.Context, _ map[string]any) (any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}))
			require.NoError(t, crew.RegisterTasks(ctx, slow))

			_, err = crew.Run(ctx)
			assert.ErrorIs(t, err, ErrWorker)
			assert.ErrorIs(t, err, context.DeadlineExceeded)
		})
	}
}

func TestWorkerPanicIsWorkerError(t *testing.T) {
	ctx := context.Background()
	crew := newTestCrew(t, BackendThreading, 2)

	task := newStepTask("panics", 1, WorkerFunc(func(context.Context, map[string]any) (any, error) {
		panic("kaboom")
	}))
	require.NoError(t, crew.RegisterTasks(ctx, task))

	_, err := crew.Run(ctx)
	assert.ErrorIs(t, err, ErrWorker)
	assert.Contains(t, err.Error(), "kaboom")
}

// asyncFunc adapts a function to AsyncWorker.
type asyncFunc func(ctx context.Context, in map[string]any) <-chan Result

func (f asyncFunc) Invoke(context.Context, map[string]any) (any, error) {
	return nil, errors.New("Invoke must not be called by the async backend")
}

func (f asyncFunc) InvokeAsync(ctx context.Context, in map[string]any) <-chan Result {
	return f(ctx, in)
}

func TestAsyncWorkerPanicIsWorkerError(t *testing.T) {
	ctx := context.Background()
	crew := newTestCrew(t, BackendAsync, 0)

	task := newStepTask("panics", 1, asyncFunc(func(context.Context, map[string]any) <-chan Result {
		panic("async boom")
	}))
	require.NoError(t, crew.RegisterTasks(ctx, task))

	_, err := crew.Run(ctx)
	assert.ErrorIs(t, err, ErrWorker)
	assert.Contains(t, err.Error(), "async boom")
}

func TestAsyncWorkerWithoutChannelIsWorkerError(t *testing.T) {
	ctx := context.Background()
	crew := newTestCrew(t, BackendAsync, 0)

	task := newStepTask("silent", 1, asyncFunc(func(context.Context, map[string]any) <-chan Result {
		return nil
	}))
	require.NoError(t, crew.RegisterTasks(ctx, task))

	done := make(chan error, 1)
	go func() {
		_, err := crew.Run(ctx)
		done <- err
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrWorker)
	case <-time.After(2 * time.Second):
		t.Fatal("run blocked on a nil result channel")
	}
}

// hookFailTask fails its completion hook for one step.
type hookFailTask struct {
	*stepTask
	failStep int
}

func (t *hookFailTask) OnUnitCompletion(ctx context.Context, u TaskUnit) error {
	if u.(*stepUnit).Step == t.failStep {
		return errors.New("hook boom")
	}
	return t.stepTask.OnUnitCompletion(ctx, u)
}

func TestThreadedHookFailureSettlesBatch(t *testing.T) {
	ctx := context.Background()
	crew, err := New(testStore(t), Config{
		Backend:      BackendThreading,
		Threads:      3,
		PollInterval: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	// All three units finish together so they arrive in one drained batch.
	var started sync.WaitGroup
	started.Add(3)
	inner := newStepTask("h", 3, WorkerFunc(func(_ context.Context, in map[string]any) (any, error) {
		started.Done()
		started.Wait()
		return fmt.Sprintf("out:%v", in["step"]), nil
	}))
	inner.async = true
	task := &hookFailTask{stepTask: inner, failStep: 1}
	require.NoError(t, crew.RegisterTasks(ctx, task))

	_, err = crew.Run(ctx)
	require.ErrorContains(t, err, "hook boom")

	stored, err := UnitsOf[stepUnit](ctx, task)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	for _, u := range stored {
		assert.Equal(t, UnitDone, u.Status, "step %d", u.Step)
		assert.Equal(t, fmt.Sprintf("out:%d", u.Step), u.Output, "step %d", u.Step)
	}
}

func TestRunHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	crew := newTestCrew(t, BackendThreading, 1)

	started := make(chan struct{})
	task := newStepTask("blocked", 1, WorkerFunc(func(ctx context.Context, _ map[string]any) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	require.NoError(t, crew.RegisterTasks(ctx, task))

	go func() {
		<-started
		cancel()
	}()
	_, err := crew.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryRecoversFlakyWorker(t *testing.T) {
	ctx := context.Background()
	retry := DefaultRetryConfig()
	retry.InitialInterval = time.Millisecond
	retry.MaxInterval = 2 * time.Millisecond

	crew, err := New(testStore(t), Config{Retry: &retry})
	require.NoError(t, err)

	var calls atomic.Int32
	task := newStepTask("flaky", 1, WorkerFunc(func(context.Context, map[string]any) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return "recovered", nil
	}))
	require.NoError(t, crew.RegisterTasks(ctx, task))

	units, err := crew.Run(ctx)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, "recovered", units[0].Unit().Output)
	assert.Equal(t, int32(3), calls.Load())
}

type namedTool string

func (n namedTool) Name() string { return string(n) }
func (n namedTool) Invoke(context.Context, map[string]any) (any, error) {
	return string(n), nil
}

type toolTask struct {
	*stepTask
	got []Tool
}

func (t *toolTask) Worker(tools []Tool) (Worker, error) {
	t.got = tools
	return t.stepTask.Worker(tools)
}

func TestExtraToolsReachWorkerFactory(t *testing.T) {
	ctx := context.Background()
	crew, err := New(testStore(t), Config{Tools: []Tool{namedTool("search")}})
	require.NoError(t, err)

	task := &toolTask{stepTask: newStepTask("tools", 1, okWorker("tools"))}
	require.NoError(t, crew.RegisterTasks(ctx, task))

	_, err = crew.Run(ctx)
	require.NoError(t, err)
	require.Len(t, task.got, 1)
	assert.Equal(t, "search", task.got[0].Name())
}

func TestRunPublishesEvents(t *testing.T) {
	ctx := context.Background()
	bus := events.NewEventBus()
	defer bus.Close()
	all := bus.SubscribeAll(64)

	crew, err := New(testStore(t), Config{Bus: bus})
	require.NoError(t, err)

	t1 := newStepTask("T1", 1, okWorker("T1"))
	t2 := newStepTask("T2", 1, okWorker("T2"))
	require.NoError(t, crew.RegisterTasks(ctx, t1, t2))
	require.NoError(t, Chain(ctx, t1, t2))

	_, err = crew.Run(ctx)
	require.NoError(t, err)

	counts := map[string]int{}
	for {
		select {
		case ev := <-all:
			counts[ev.EventType()]++
			continue
		default:
		}
		break
	}
	assert.Equal(t, 2, counts[events.EventTypeTaskRegistered])
	assert.Equal(t, 2, counts[events.EventTypeUnitDispatched])
	assert.Equal(t, 2, counts[events.EventTypeUnitCompleted])
	assert.Equal(t, 2, counts[events.EventTypeTaskDone])
	assert.Equal(t, 2, counts[events.EventTypeRunProgress])
	assert.Equal(t, 1, counts[events.EventTypeRunStarted])
	assert.Equal(t, 1, counts[events.EventTypeRunFinished])
}
