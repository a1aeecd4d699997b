// Package plan loads YAML task plans and builds them onto a crew.
package plan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/gammazero/toposort"
	"gopkg.in/yaml.v3"

	"github.com/aristath/crewgraph/internal/scheduler"
	"github.com/aristath/crewgraph/internal/tasks"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid plan")

// TaskSpec is one task entry of a plan file.
type TaskSpec struct {
	Name            string   `yaml:"name"`
	Kind            string   `yaml:"kind"`
	Agent           string   `yaml:"agent"`
	Prompt          string   `yaml:"prompt"`
	Items           []string `yaml:"items,omitempty"`
	Upstream        []string `yaml:"upstream,omitempty"`
	AllowAsyncUnits bool     `yaml:"allow_async_units,omitempty"`
	MaxInFlight     int      `yaml:"max_in_flight,omitempty"`
}

// Plan is a set of tasks and their dependencies.
type Plan struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description,omitempty"`
	Tasks       []TaskSpec `yaml:"tasks"`
}

// Load reads and validates a plan file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Parse decodes and validates a plan. Unknown keys are rejected.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parsing plan: %w", err)
	}
	for i := range p.Tasks {
		if p.Tasks[i].Kind == "" {
			p.Tasks[i].Kind = tasks.KindPrompt
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks names, kinds, references and that the dependencies are
// acyclic.
func (p *Plan) Validate() error {
	if len(p.Tasks) == 0 {
		return fmt.Errorf("%w: no tasks", ErrInvalid)
	}

	seen := make(map[string]bool, len(p.Tasks))
	for _, t := range p.Tasks {
		if t.Name == "" {
			return fmt.Errorf("%w: task without a name", ErrInvalid)
		}
		if seen[t.Name] {
			return fmt.Errorf("%w: duplicate task %q", ErrInvalid, t.Name)
		}
		seen[t.Name] = true

		switch t.Kind {
		case tasks.KindPrompt:
			if len(t.Items) > 0 {
				return fmt.Errorf("%w: task %q: items need kind %q", ErrInvalid, t.Name, tasks.KindBatch)
			}
			if t.AllowAsyncUnits || t.MaxInFlight != 0 {
				return fmt.Errorf("%w: task %q: a prompt task runs one unit", ErrInvalid, t.Name)
			}
		case tasks.KindBatch:
			if t.MaxInFlight < 0 {
				return fmt.Errorf("%w: task %q: max_in_flight must not be negative", ErrInvalid, t.Name)
			}
		default:
			return fmt.Errorf("%w: task %q: unknown kind %q", ErrInvalid, t.Name, t.Kind)
		}
		if t.Agent == "" {
			return fmt.Errorf("%w: task %q: no agent", ErrInvalid, t.Name)
		}
	}

	var edges []toposort.Edge
	for _, t := range p.Tasks {
		edges = append(edges, toposort.Edge{nil, t.Name})
		for _, up := range t.Upstream {
			if !seen[up] {
				return fmt.Errorf("%w: task %q: unknown upstream %q", ErrInvalid, t.Name, up)
			}
			if up == t.Name {
				return fmt.Errorf("%w: %w: task %q depends on itself", ErrInvalid, scheduler.ErrDependencyCycle, t.Name)
			}
			edges = append(edges, toposort.Edge{up, t.Name})
		}
	}
	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("%w: %w: %v", ErrInvalid, scheduler.ErrDependencyCycle, err)
	}
	return nil
}

// Agents returns the distinct agents the plan uses, in task order.
func (p *Plan) Agents() []string {
	var out []string
	seen := make(map[string]bool)
	for _, t := range p.Tasks {
		if !seen[t.Agent] {
			seen[t.Agent] = true
			out = append(out, t.Agent)
		}
	}
	return out
}

// Build creates the plan's tasks, registers them with crew and wires their
// dependencies. Tasks come back in plan order.
func (p *Plan) Build(ctx context.Context, crew *scheduler.Crew, workers tasks.WorkerFactory) ([]scheduler.Task, error) {
	built := make([]scheduler.Task, 0, len(p.Tasks))
	byName := make(map[string]scheduler.Task, len(p.Tasks))
	for _, spec := range p.Tasks {
		var t scheduler.Task
		switch spec.Kind {
		case tasks.KindBatch:
			b := tasks.NewBatchTask(spec.Name, spec.Agent, spec.Prompt, spec.Items, workers)
			b.Async = spec.AllowAsyncUnits
			b.MaxInFlight = spec.MaxInFlight
			t = b
		default:
			t = tasks.NewPromptTask(spec.Name, spec.Agent, spec.Prompt, workers)
		}
		built = append(built, t)
		byName[spec.Name] = t
	}

	if err := crew.RegisterTasks(ctx, built...); err != nil {
		return nil, fmt.Errorf("registering tasks: %w", err)
	}
	for _, spec := range p.Tasks {
		for _, up := range spec.Upstream {
			if err := crew.AddDependency(ctx, byName[up], byName[spec.Name]); err != nil {
				return nil, fmt.Errorf("linking %s -> %s: %w", up, spec.Name, err)
			}
		}
	}
	return built, nil
}
