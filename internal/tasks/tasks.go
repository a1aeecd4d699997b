// Package tasks holds the task kinds a crew runs from plan files.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/aristath/crewgraph/internal/graphstore"
	"github.com/aristath/crewgraph/internal/scheduler"
)

// Task kinds.
const (
	KindPrompt = "prompt"
	KindBatch  = "batch"
)

// WorkerFactory returns the worker for an agent, given the crew's tools.
type WorkerFactory func(agent string, tools []scheduler.Tool) (scheduler.Worker, error)

// Static returns a factory that hands out w for every agent.
func Static(w scheduler.Worker) WorkerFactory {
	return func(string, []scheduler.Tool) (scheduler.Worker, error) { return w, nil }
}

type upstreamOutput struct {
	task, unit int64
	text       string
}

// UpstreamOutputs returns the outputs of the finished units of every task
// directly upstream of t, grouped by upstream task and ordered by unit.
func UpstreamOutputs(ctx context.Context, t scheduler.Task) ([]string, error) {
	b := t.Base()
	store := b.Store()
	if store == nil {
		return nil, fmt.Errorf("task %q: %w", b.Name(), scheduler.ErrNotRegistered)
	}
	params := graphstore.Params{"task": b.Node().ID}

	labels, err := store.Query(ctx, `
		SELECT DISTINCT e.from_label AS label FROM "task_unit_belongs" e
		JOIN "task_is_upstream" up ON up.from_label = 'TaskNode' AND up.from_id = e.to_id
		WHERE e.to_label = 'TaskNode' AND up.to_label = 'TaskNode' AND up.to_id = :task
		ORDER BY label`, params)
	if err != nil {
		return nil, fmt.Errorf("listing upstream unit labels: %w", err)
	}

	var outs []upstreamOutput
	for _, row := range labels {
		label, _ := row["label"].(string)
		query := fmt.Sprintf(`
			SELECT up.from_id AS task, u.id AS unit, u."%s" AS output FROM "%s" u
			JOIN "task_unit_belongs" e ON e.from_label = :label AND e.from_id = u.id
			JOIN "task_is_upstream" up ON up.from_label = 'TaskNode' AND up.from_id = e.to_id
			WHERE up.to_label = 'TaskNode' AND up.to_id = :task AND u.status = :done`,
			graphstore.JSONPrefix+"output", label)
		rows, err := store.Query(ctx, query, graphstore.Params{
			"label": label,
			"task":  b.Node().ID,
			"done":  int64(scheduler.UnitDone),
		})
		if err != nil {
			return nil, fmt.Errorf("reading %s outputs: %w", label, err)
		}
		for _, r := range rows {
			text, err := outputText(r["output"])
			if err != nil {
				return nil, err
			}
			task, _ := r["task"].(int64)
			unit, _ := r["unit"].(int64)
			outs = append(outs, upstreamOutput{task: task, unit: unit, text: text})
		}
	}

	sort.Slice(outs, func(i, j int) bool {
		if outs[i].task != outs[j].task {
			return outs[i].task < outs[j].task
		}
		return outs[i].unit < outs[j].unit
	})
	texts := make([]string, 0, len(outs))
	for _, o := range outs {
		texts = append(texts, o.text)
	}
	return texts, nil
}

// outputText renders a stored JSON output: strings verbatim, anything else
// as its JSON text.
func outputText(raw any) (string, error) {
	var data []byte
	switch v := raw.(type) {
	case nil:
		return "", nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Sprint(v), nil
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return "", fmt.Errorf("decoding unit output: %w", err)
	}
	if s, ok := decoded.(string); ok {
		return s, nil
	}
	return string(data), nil
}
