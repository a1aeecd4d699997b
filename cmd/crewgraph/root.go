package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aristath/crewgraph/internal/backend"
	"github.com/aristath/crewgraph/internal/config"
	"github.com/aristath/crewgraph/internal/logging"
)

// app holds what every subcommand shares.
type app struct {
	pm          *backend.ProcessManager
	configPath  string
	logLevel    string
	cfg         *config.Config
	globalPath  string
	projectPath string
	logger      *zap.Logger
}

func newRootCmd(pm *backend.ProcessManager) *cobra.Command {
	a := &app{pm: pm}

	root := &cobra.Command{
		Use:           "crewgraph",
		Short:         "Run task plans on a crew of coding agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "project config file (default .crewgraph/config.json)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(newRunCmd(a), newValidateCmd(a), newReadyCmd(a))
	return root
}

// setup loads configuration and builds the logger.
func (a *app) setup() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("getting home directory: %w", err)
	}
	a.globalPath = config.GlobalPath(home)
	a.projectPath = a.configPath
	if a.projectPath == "" {
		a.projectPath = config.ProjectPath(".")
	}

	a.cfg, err = config.Load(a.globalPath, a.projectPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		a.cfg.Log.Level = a.logLevel
	}

	a.logger, err = logging.New(a.cfg.Log)
	return err
}

// agents resolves the named agents against the configuration.
func (a *app) agents(names []string) ([]backend.Agent, error) {
	out := make([]backend.Agent, 0, len(names))
	for _, name := range names {
		agent, provider, err := a.cfg.ResolveAgent(name)
		if err != nil {
			return nil, err
		}
		out = append(out, backend.Agent{
			Name:  name,
			Tools: agent.Tools,
			Backend: backend.Config{
				Type:         provider.Type,
				Binary:       provider.Command,
				Args:         provider.Args,
				SessionID:    agent.SessionID,
				Model:        agent.Model,
				Provider:     agent.LocalLLM,
				SystemPrompt: agent.SystemPrompt,
			},
		})
	}
	return out, nil
}
