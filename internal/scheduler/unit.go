package scheduler

import (
	"context"
	"fmt"

	"github.com/aristath/crewgraph/internal/graphstore"
)

// UnitStatus is the lifecycle state of a task unit.
type UnitStatus int

const (
	UnitPending UnitStatus = iota // Produced, not yet dispatched
	UnitRunning                   // Persisted and handed to a worker
	UnitDone                      // Output written
)

func (s UnitStatus) String() string {
	switch s {
	case UnitPending:
		return "PENDING"
	case UnitRunning:
		return "RUNNING"
	case UnitDone:
		return "DONE"
	}
	return fmt.Sprintf("UnitStatus(%d)", int(s))
}

// UnitBase holds the fields every task unit shares. Unit kinds embed it next
// to their own input fields.
type UnitBase struct {
	graphstore.NodeBase
	Status UnitStatus `graph:"status"`
	Output any        `graph:"output"`
}

// Unit returns the embedded base.
func (u *UnitBase) Unit() *UnitBase { return u }

// TaskUnit is one dispatchable work item, persisted as a graph node.
type TaskUnit interface {
	graphstore.Node
	Unit() *UnitBase
}

// InputMapper lets a unit kind choose the mapping its worker receives.
type InputMapper interface {
	AsDict() map[string]any
}

// Inputs returns the mapping handed to a unit's worker: every unit-kind field
// except id, status and output, unless the unit implements InputMapper.
func Inputs(u TaskUnit) (map[string]any, error) {
	if m, ok := u.(InputMapper); ok {
		in := m.AsDict()
		out := make(map[string]any, len(in))
		for k, v := range in {
			out[k] = v
		}
		return out, nil
	}

	props, err := graphstore.Properties(u)
	if err != nil {
		return nil, err
	}
	delete(props, "status")
	delete(props, "output")
	return props, nil
}

// SetRunning moves u from PENDING to RUNNING, writing through if u is stored.
func SetRunning(ctx context.Context, store graphstore.Store, u TaskUnit) error {
	base := u.Unit()
	if base.Status != UnitPending {
		return fmt.Errorf("%w: %s %d is %s, cannot start", ErrInvalidTransition, u.Label(), base.ID, base.Status)
	}
	base.Status = UnitRunning
	return writeThrough(ctx, store, u, "status")
}

// SetOutput records the worker result. It is allowed once, while RUNNING.
func SetOutput(ctx context.Context, store graphstore.Store, u TaskUnit, output any) error {
	base := u.Unit()
	if base.Status != UnitRunning {
		return fmt.Errorf("%w: %s %d is %s, cannot take output", ErrInvalidTransition, u.Label(), base.ID, base.Status)
	}
	if base.Output != nil {
		return fmt.Errorf("%w: %s %d already has output", ErrInvalidTransition, u.Label(), base.ID)
	}
	base.Output = output
	return writeThrough(ctx, store, u, "output")
}

// SetDone moves u from RUNNING to DONE.
func SetDone(ctx context.Context, store graphstore.Store, u TaskUnit) error {
	base := u.Unit()
	if base.Status != UnitRunning {
		return fmt.Errorf("%w: %s %d is %s, cannot finish", ErrInvalidTransition, u.Label(), base.ID, base.Status)
	}
	base.Status = UnitDone
	return writeThrough(ctx, store, u, "status")
}

func writeThrough(ctx context.Context, store graphstore.Store, n graphstore.Node, property string) error {
	if !n.Base().Inserted() {
		return nil
	}
	if err := store.UpdateProperty(ctx, n, property); err != nil {
		return fmt.Errorf("writing %s of %s %d: %w", property, n.Label(), n.Base().ID, err)
	}
	return nil
}
