package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	// TaskName names the task the event concerns; empty for run-level events.
	TaskName() string
}

// Topic constants
const (
	TopicTask = "task"
	TopicUnit = "unit"
	TopicRun  = "run"
)

// Event type constants
const (
	EventTypeTaskRegistered = "task.registered"
	EventTypeTaskDone       = "task.done"
	EventTypeUnitDispatched = "unit.dispatched"
	EventTypeUnitCompleted  = "unit.completed"
	EventTypeUnitFailed     = "unit.failed"
	EventTypeRunStarted     = "run.started"
	EventTypeRunProgress    = "run.progress"
	EventTypeRunFinished    = "run.finished"
)

// TaskRegisteredEvent is published when a task is attached to a crew.
type TaskRegisteredEvent struct {
	Name      string
	Kind      string
	NodeID    int64
	Timestamp time.Time
}

func (e TaskRegisteredEvent) EventType() string { return EventTypeTaskRegistered }
func (e TaskRegisteredEvent) TaskName() string  { return e.Name }

// TaskDoneEvent is published when a task declares itself finished.
type TaskDoneEvent struct {
	Name      string
	Timestamp time.Time
}

func (e TaskDoneEvent) EventType() string { return EventTypeTaskDone }
func (e TaskDoneEvent) TaskName() string  { return e.Name }

// UnitDispatchedEvent is published after a unit is persisted as running and
// before its worker is invoked.
type UnitDispatchedEvent struct {
	Task      string
	Label     string
	UnitID    int64
	Input     map[string]any
	Timestamp time.Time
}

func (e UnitDispatchedEvent) EventType() string { return EventTypeUnitDispatched }
func (e UnitDispatchedEvent) TaskName() string  { return e.Task }

// UnitCompletedEvent is published once a unit is done.
type UnitCompletedEvent struct {
	Task      string
	Label     string
	UnitID    int64
	Output    any
	Duration  time.Duration
	Timestamp time.Time
}

func (e UnitCompletedEvent) EventType() string { return EventTypeUnitCompleted }
func (e UnitCompletedEvent) TaskName() string  { return e.Task }

// UnitFailedEvent is published when a unit's worker returns an error.
type UnitFailedEvent struct {
	Task      string
	Label     string
	UnitID    int64
	Err       error
	Timestamp time.Time
}

func (e UnitFailedEvent) EventType() string { return EventTypeUnitFailed }
func (e UnitFailedEvent) TaskName() string  { return e.Task }

// RunStartedEvent is published when a crew starts its dispatch loop.
type RunStartedEvent struct {
	RunID     string
	Backend   string
	Tasks     int
	Timestamp time.Time
}

func (e RunStartedEvent) EventType() string { return EventTypeRunStarted }
func (e RunStartedEvent) TaskName() string  { return "" }

// RunProgressEvent is published whenever the set of completed units grows.
type RunProgressEvent struct {
	RunID          string
	Tasks          int
	DoneTasks      int
	InFlight       int
	CompletedUnits int
	Timestamp      time.Time
}

func (e RunProgressEvent) EventType() string { return EventTypeRunProgress }
func (e RunProgressEvent) TaskName() string  { return "" }

// RunFinishedEvent is published when the dispatch loop exits.
type RunFinishedEvent struct {
	RunID     string
	Units     int
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e RunFinishedEvent) EventType() string { return EventTypeRunFinished }
func (e RunFinishedEvent) TaskName() string  { return "" }
