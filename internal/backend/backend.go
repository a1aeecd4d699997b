package backend

import (
	"context"
	"fmt"
	"sort"
)

// Backend is a conversation with one agent CLI session.
type Backend interface {
	// Send sends a message and returns the agent's answer.
	Send(ctx context.Context, msg Message) (Response, error)

	// Close ends the session. Adapters run one subprocess per message, so
	// Close only releases local state.
	Close() error

	// SessionID returns the current session identifier. It may be empty
	// until the first answer for CLIs that assign their own ids.
	SessionID() string
}

var dialects = map[string]dialect{
	"claude": claudeDialect{},
	"codex":  codexDialect{},
	"goose":  gooseDialect{},
}

// Types lists the supported CLI types.
func Types() []string {
	out := make([]string, 0, len(dialects))
	for name := range dialects {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// New returns the adapter for cfg.Type. pm may be nil, in which case
// subprocesses are not tracked.
func New(cfg Config, pm *ProcessManager) (Backend, error) {
	d, ok := dialects[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
	return newCLIAdapter(cfg, d, pm)
}
