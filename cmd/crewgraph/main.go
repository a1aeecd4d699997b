// Command crewgraph runs YAML task plans on a crew of agent CLIs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aristath/crewgraph/internal/backend"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pm := backend.NewProcessManager()
	go func() {
		<-ctx.Done()
		// Restore default handling so a second Ctrl+C forces exit.
		stop()
		if err := pm.KillAll(); err != nil {
			fmt.Fprintf(os.Stderr, "killing subprocesses: %v\n", err)
		}
	}()

	if err := newRootCmd(pm).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
