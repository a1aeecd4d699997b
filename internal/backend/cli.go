package backend

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
)

// session is the per-conversation state a dialect builds arguments from.
type session struct {
	id           string
	started      bool
	model        string
	provider     string
	systemPrompt string
}

// dialect captures what differs between agent CLIs: session naming, the
// command line and the output format.
type dialect interface {
	newSessionID() string
	args(s session, msg Message) []string
	parse(stdout, stderr []byte) (Response, error)
}

// CLIAdapter runs one agent CLI subprocess per message and threads the
// session through consecutive calls.
type CLIAdapter struct {
	mu      sync.Mutex
	dialect dialect
	binary  string
	extra   []string
	workDir string
	sess    session
	procMgr *ProcessManager
}

func newCLIAdapter(cfg Config, d dialect, pm *ProcessManager) (*CLIAdapter, error) {
	workDir := cfg.WorkDir
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
	}

	binary := cfg.Binary
	if binary == "" {
		binary = cfg.Type
	}

	id := cfg.SessionID
	resumed := id != ""
	if id == "" {
		id = d.newSessionID()
	}

	return &CLIAdapter{
		dialect: d,
		binary:  binary,
		extra:   cfg.Args,
		workDir: workDir,
		procMgr: pm,
		sess: session{
			id:           id,
			started:      resumed && resumesGivenSession(d),
			model:        cfg.Model,
			provider:     cfg.Provider,
			systemPrompt: cfg.SystemPrompt,
		},
	}, nil
}

// resumesGivenSession reports whether a caller-supplied session id refers to
// an existing conversation. Codex only learns thread ids from its own output.
func resumesGivenSession(d dialect) bool {
	_, ok := d.(codexDialect)
	return ok
}

// Send runs the CLI once. Calls on one adapter are serialized.
func (a *CLIAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	args := append(a.dialect.args(a.sess, msg), a.extra...)
	cmd := newCommand(ctx, a.binary, args...)
	cmd.Dir = a.workDir

	stdout, stderr, err := executeCommand(ctx, cmd, a.procMgr)
	if err != nil {
		return Response{
			Error:     fmt.Sprintf("%s command failed: %v", a.binary, err),
			SessionID: a.sess.id,
		}, err
	}

	resp, err := a.dialect.parse(stdout, stderr)
	if err != nil {
		return Response{
			Error:     fmt.Sprintf("failed to parse %s response: %v (stderr: %s)", a.binary, err, stderr),
			SessionID: a.sess.id,
		}, err
	}

	if resp.SessionID != "" {
		a.sess.id = resp.SessionID
	}
	resp.SessionID = a.sess.id
	a.sess.started = true
	return resp, nil
}

// Close is a no-op: there is no long-lived subprocess.
func (a *CLIAdapter) Close() error { return nil }

func (a *CLIAdapter) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sess.id
}

func newUUID() string { return uuid.NewString() }
