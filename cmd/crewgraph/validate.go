package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/crewgraph/internal/graphstore"
	"github.com/aristath/crewgraph/internal/plan"
	"github.com/aristath/crewgraph/internal/scheduler"
	"github.com/aristath/crewgraph/internal/tasks"
)

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plan.yaml>",
		Short: "Check a plan and print its tasks in dependency order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.validate(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

func newReadyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ready <plan.yaml>",
		Short: "Print the tasks that can start right away",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.ready(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

// dryCrew builds the plan on a scratch in-memory crew. Workers are never
// requested, so the factory refuses.
func (a *app) dryCrew(ctx context.Context, planPath string) (*plan.Plan, *scheduler.Crew, func(), error) {
	p, err := plan.Load(planPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if _, err := a.agents(p.Agents()); err != nil {
		return nil, nil, nil, err
	}

	store, err := graphstore.NewMemoryStore(ctx, graphstore.WithLogger(a.logger))
	if err != nil {
		return nil, nil, nil, err
	}
	crew, err := scheduler.New(store, scheduler.Config{Logger: a.logger})
	if err != nil {
		store.Close()
		return nil, nil, nil, err
	}
	noWorkers := tasks.WorkerFactory(func(agent string, _ []scheduler.Tool) (scheduler.Worker, error) {
		return nil, fmt.Errorf("agent %s: dry run", agent)
	})
	if _, err := p.Build(ctx, crew, noWorkers); err != nil {
		store.Close()
		return nil, nil, nil, err
	}
	return p, crew, func() { store.Close() }, nil
}

func (a *app) validate(ctx context.Context, out io.Writer, planPath string) error {
	p, crew, closeFn, err := a.dryCrew(ctx, planPath)
	if err != nil {
		return err
	}
	defer closeFn()

	order, err := crew.Order(ctx)
	if err != nil {
		return err
	}
	specs := make(map[string]plan.TaskSpec, len(p.Tasks))
	for _, s := range p.Tasks {
		specs[s.Name] = s
	}

	fmt.Fprintf(out, "plan %q is valid: %d tasks\n", p.Name, len(order))
	for i, t := range order {
		s := specs[t.Base().Name()]
		line := fmt.Sprintf("%d. %s (%s, agent %s)", i+1, s.Name, s.Kind, s.Agent)
		if len(s.Upstream) > 0 {
			line += " after " + strings.Join(s.Upstream, ", ")
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func (a *app) ready(ctx context.Context, out io.Writer, planPath string) error {
	_, crew, closeFn, err := a.dryCrew(ctx, planPath)
	if err != nil {
		return err
	}
	defer closeFn()

	ready, err := crew.AvailableTasks(ctx)
	if err != nil {
		return err
	}
	for _, t := range ready {
		fmt.Fprintln(out, t.Base().Name())
	}
	return nil
}
