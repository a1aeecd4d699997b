package scheduler

import (
	"context"
	"fmt"

	"github.com/gammazero/toposort"
	"go.uber.org/zap"

	"github.com/aristath/crewgraph/internal/graphstore"
)

// Order returns the crew's tasks in dependency order, computed from the
// stored task_is_upstream edges. A cycle yields ErrDependencyCycle.
func (c *Crew) Order(ctx context.Context) ([]Task, error) {
	ids, err := c.sortTaskNodes(ctx)
	if err != nil {
		return nil, err
	}
	order := make([]Task, 0, len(ids))
	for _, id := range ids {
		if t, ok := c.byNode[id]; ok {
			order = append(order, t)
		}
	}
	return order, nil
}

// sortTaskNodes runs a topological sort over every dependency edge in the
// store. Registered tasks without edges are included.
func (c *Crew) sortTaskNodes(ctx context.Context) ([]int64, error) {
	rows, err := c.store.Query(ctx, `
		SELECT from_id, to_id FROM "task_is_upstream"
		WHERE from_label = :label AND to_label = :label`,
		graphstore.Params{"label": LabelTaskNode})
	if err != nil {
		return nil, fmt.Errorf("loading dependency edges: %w", err)
	}

	edges := make([]toposort.Edge, 0, len(rows)+len(c.tasks))
	for _, t := range c.tasks {
		// Edge from nil keeps isolated tasks in the result.
		edges = append(edges, toposort.Edge{nil, t.Base().node.ID})
	}
	for _, row := range rows {
		from, ok1 := row["from_id"].(int64)
		to, ok2 := row["to_id"].(int64)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%w: malformed dependency edge %v", graphstore.ErrSchemaMismatch, row)
		}
		edges = append(edges, toposort.Edge{from, to})
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDependencyCycle, err)
	}

	order := make([]int64, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(int64))
		}
	}
	return order, nil
}

// link stores the edge up -> down and rejects it if it closes a cycle. A
// rejected edge is removed before returning.
func (c *Crew) link(ctx context.Context, up, down *BaseTask) error {
	if up.crew != c || down.crew != c {
		return fmt.Errorf("dependency %q -> %q: %w", up.Name(), down.Name(), ErrNotRegistered)
	}
	if up == down {
		return fmt.Errorf("%w: task %q cannot depend on itself", ErrDependencyCycle, up.Name())
	}

	exists, err := c.store.CheckRelationExists(ctx, up.node, down.node, RelTaskIsUpstream)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := c.store.CreateRelation(ctx, up.node, down.node, RelTaskIsUpstream); err != nil {
		return fmt.Errorf("dependency %q -> %q: %w", up.Name(), down.Name(), err)
	}

	if _, err := c.sortTaskNodes(ctx); err != nil {
		if undoErr := c.store.DeleteRelation(ctx, up.node, down.node, RelTaskIsUpstream); undoErr != nil {
			return fmt.Errorf("dependency %q -> %q: %w (undo failed: %v)", up.Name(), down.Name(), err, undoErr)
		}
		return fmt.Errorf("dependency %q -> %q: %w", up.Name(), down.Name(), err)
	}

	c.logger.Debug("dependency added",
		zap.String("upstream", up.Name()),
		zap.String("downstream", down.Name()))
	return nil
}
