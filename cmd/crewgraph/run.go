package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/crewgraph/internal/backend"
	"github.com/aristath/crewgraph/internal/events"
	"github.com/aristath/crewgraph/internal/graphstore"
	"github.com/aristath/crewgraph/internal/plan"
	"github.com/aristath/crewgraph/internal/scheduler"
	"github.com/aristath/crewgraph/internal/tasks"
	"github.com/aristath/crewgraph/internal/tui"
)

type runOptions struct {
	backend string
	threads int
	dbPath  string
	useTUI  bool
}

func newRunCmd(a *app) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run <plan.yaml>",
		Short: "Run a plan to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("backend") {
				a.cfg.Crew.Backend = opts.backend
			}
			if cmd.Flags().Changed("threads") {
				a.cfg.Crew.Threads = opts.threads
			}
			if cmd.Flags().Changed("db") {
				a.cfg.Store.Path = opts.dbPath
			}
			return a.run(cmd.Context(), cmd.OutOrStdout(), args[0], opts.useTUI)
		},
	}
	cmd.Flags().StringVar(&opts.backend, "backend", "", "execution backend: none, threading or async")
	cmd.Flags().IntVar(&opts.threads, "threads", 0, "worker threads for the threading backend")
	cmd.Flags().StringVar(&opts.dbPath, "db", "", "graph database file (default in-memory)")
	cmd.Flags().BoolVar(&opts.useTUI, "tui", false, "show a live terminal view")
	return cmd
}

func (a *app) run(ctx context.Context, out io.Writer, planPath string, useTUI bool) error {
	p, err := plan.Load(planPath)
	if err != nil {
		return err
	}
	agents, err := a.agents(p.Agents())
	if err != nil {
		return err
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	bus := events.NewEventBus()
	defer bus.Close()

	factory := backend.NewFactory(agents, a.pm, a.logger)
	defer factory.Close()

	crewCfg, err := a.crewConfig(bus)
	if err != nil {
		return err
	}
	crew, err := scheduler.New(store, crewCfg)
	if err != nil {
		return err
	}

	var model tui.Model
	if useTUI {
		model = tui.New(bus, a.cfg, a.globalPath, a.projectPath)
	}
	if _, err := p.Build(ctx, crew, factory.Worker); err != nil {
		return err
	}

	if useTUI {
		return runWithTUI(ctx, crew, model)
	}
	units, err := crew.Run(ctx)
	if err != nil {
		return err
	}
	return printSummary(ctx, out, crew, len(units))
}

// runWithTUI runs the crew in the background while the view is up. Quitting
// the view cancels an unfinished run.
func runWithTUI(ctx context.Context, crew *scheduler.Crew, model tui.Model) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		_, err := crew.Run(runCtx)
		runErr <- err
	}()

	prog := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	_, viewErr := prog.Run()
	cancel()

	err := <-runErr
	if viewErr != nil && ctx.Err() == nil {
		return fmt.Errorf("terminal view: %w", viewErr)
	}
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		return errors.New("run interrupted from the terminal view")
	}
	return err
}

func (a *app) openStore(ctx context.Context) (*graphstore.SQLiteStore, error) {
	if a.cfg.Store.Path == "" {
		return graphstore.NewMemoryStore(ctx, graphstore.WithLogger(a.logger))
	}
	return graphstore.NewSQLiteStore(ctx, a.cfg.Store.Path, graphstore.WithLogger(a.logger))
}

func (a *app) crewConfig(bus *events.EventBus) (scheduler.Config, error) {
	kind, err := scheduler.ParseBackend(a.cfg.Crew.Backend)
	if err != nil {
		return scheduler.Config{}, err
	}
	cfg := scheduler.Config{
		Backend:      kind,
		Threads:      a.cfg.Crew.Threads,
		PollInterval: a.cfg.Crew.PollInterval.Std(),
		UnitTimeout:  a.cfg.Crew.UnitTimeout.Std(),
		Logger:       a.logger,
		Bus:          bus,
	}
	if r := a.cfg.Crew.Retry; r != nil && r.MaxAttempts > 1 {
		retry := scheduler.DefaultRetryConfig()
		retry.MaxAttempts = r.MaxAttempts
		if r.InitialInterval > 0 {
			retry.InitialInterval = r.InitialInterval.Std()
		}
		if r.MaxInterval > 0 {
			retry.MaxInterval = r.MaxInterval.Std()
		}
		if r.Multiplier > 0 {
			retry.Multiplier = r.Multiplier
		}
		cfg.Retry = &retry
	}
	return cfg, nil
}

// printSummary lists every task in dependency order with its unit outputs.
func printSummary(ctx context.Context, out io.Writer, crew *scheduler.Crew, units int) error {
	order, err := crew.Order(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tKIND\tSTATUS\tUNITS\tOUTPUT")
	for _, t := range order {
		status := "pending"
		if t.Base().IsDone() {
			status = "done"
		}
		label, outputs, err := taskOutputs(ctx, t)
		if err != nil {
			return err
		}
		count := 0
		if label != "" {
			if count, err = scheduler.UnitCount(ctx, t, label); err != nil {
				return err
			}
		}
		first := ""
		if len(outputs) > 0 {
			first = outputs[0]
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", t.Base().Name(), t.Base().Node().Kind, status, count, first)
		for _, o := range outputs[min(1, len(outputs)):] {
			fmt.Fprintf(tw, "\t\t\t\t%s\n", o)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d units completed\n", units)
	return nil
}

// taskOutputs returns the unit label of t's kind and one line per stored
// unit output.
func taskOutputs(ctx context.Context, t scheduler.Task) (string, []string, error) {
	var outs []string
	switch t.(type) {
	case *tasks.PromptTask:
		units, err := scheduler.UnitsOf[tasks.PromptUnit](ctx, t)
		if err != nil {
			return "", nil, err
		}
		for _, u := range units {
			outs = append(outs, oneLine(u.Output))
		}
		return (*tasks.PromptUnit)(nil).Label(), outs, nil
	case *tasks.BatchTask:
		units, err := scheduler.UnitsOf[tasks.BatchUnit](ctx, t)
		if err != nil {
			return "", nil, err
		}
		for _, u := range units {
			outs = append(outs, u.Item+": "+oneLine(u.Output))
		}
		return (*tasks.BatchUnit)(nil).Label(), outs, nil
	}
	return "", nil, nil
}

func oneLine(v any) string {
	if v == nil {
		return ""
	}
	s := strings.Join(strings.Fields(fmt.Sprint(v)), " ")
	if len(s) > 72 {
		s = s[:69] + "..."
	}
	return s
}
