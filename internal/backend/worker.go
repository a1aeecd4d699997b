package backend

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/aristath/crewgraph/internal/scheduler"
)

// Agent is a named role bound to one agent CLI.
type Agent struct {
	Name    string
	Backend Config
	// Tools names the crew tools the agent may use. Empty allows all.
	Tools []string
}

// AgentWorker runs task units by prompting an agent CLI. The unit input's
// "prompt", "item" and "context" entries make up the message; the answer's
// content is the unit output.
type AgentWorker struct {
	agent   string
	backend Backend
	tools   []scheduler.Tool
	locks   *SessionLocks
	lockKey string
	logger  *zap.Logger
}

var _ scheduler.Worker = (*AgentWorker)(nil)

// NewAgentWorker wraps b. When locks is non-nil, invocations holding the same
// session id are serialized.
func NewAgentWorker(agent string, b Backend, tools []scheduler.Tool, locks *SessionLocks, logger *zap.Logger) *AgentWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &AgentWorker{
		agent:   agent,
		backend: b,
		tools:   tools,
		locks:   locks,
		logger:  logger.With(zap.String("component", "agent"), zap.String("agent", agent)),
	}
	if locks != nil {
		w.lockKey = agent + "/" + b.SessionID()
	}
	return w
}

func (w *AgentWorker) Invoke(ctx context.Context, input map[string]any) (any, error) {
	content, err := w.message(ctx, input)
	if err != nil {
		return nil, err
	}

	if w.locks != nil {
		w.locks.Lock(w.lockKey)
		defer w.locks.Unlock(w.lockKey)
	}

	resp, err := w.backend.Send(ctx, Message{Role: "user", Content: content})
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", w.agent, err)
	}
	w.logger.Debug("agent answered",
		zap.String("session", resp.SessionID),
		zap.Int("bytes", len(resp.Content)))
	return resp.Content, nil
}

// message renders the prompt. Tool outputs are gathered first and appended
// as extra context.
func (w *AgentWorker) message(ctx context.Context, input map[string]any) (string, error) {
	var b strings.Builder
	b.WriteString(Prompt(input))

	for _, t := range w.tools {
		out, err := t.Invoke(ctx, input)
		if err != nil {
			return "", fmt.Errorf("tool %s: %w", t.Name(), err)
		}
		if out == nil {
			continue
		}
		fmt.Fprintf(&b, "\n\n[%s]\n%v", t.Name(), out)
	}
	return b.String(), nil
}

// Prompt renders a unit input as agent message text.
func Prompt(input map[string]any) string {
	var b strings.Builder
	if p, ok := input["prompt"]; ok && p != nil {
		fmt.Fprint(&b, p)
	}
	if item, ok := input["item"]; ok && item != nil {
		fmt.Fprintf(&b, "\n\nItem: %v", item)
	}

	ctxs := contextEntries(input["context"])
	if len(ctxs) > 0 {
		b.WriteString("\n\nContext from upstream tasks:")
		for _, c := range ctxs {
			b.WriteString("\n- ")
			b.WriteString(c)
		}
	}
	return strings.TrimSpace(b.String())
}

// contextEntries accepts both []string and the []any a JSON round trip
// produces.
func contextEntries(v any) []string {
	switch c := v.(type) {
	case []string:
		return c
	case []any:
		out := make([]string, 0, len(c))
		for _, e := range c {
			out = append(out, fmt.Sprint(e))
		}
		return out
	case string:
		if c != "" {
			return []string{c}
		}
	}
	return nil
}

// Factory hands out agent workers. Agents with a fixed session id share one
// backend whose calls are serialized; other agents get a fresh session per
// worker.
type Factory struct {
	mu         sync.Mutex
	agents     map[string]Agent
	shared     map[string]Backend
	locks      *SessionLocks
	procMgr    *ProcessManager
	logger     *zap.Logger
	newBackend func(Config, *ProcessManager) (Backend, error)
}

// NewFactory returns a factory over agents. pm and logger may be nil.
func NewFactory(agents []Agent, pm *ProcessManager, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Factory{
		agents:     make(map[string]Agent, len(agents)),
		shared:     make(map[string]Backend),
		locks:      NewSessionLocks(),
		procMgr:    pm,
		logger:     logger,
		newBackend: New,
	}
	for _, a := range agents {
		f.agents[a.Name] = a
	}
	return f
}

// Agents lists the configured agent names.
func (f *Factory) Agents() []string {
	names := make([]string, 0, len(f.agents))
	for n := range f.agents {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Worker returns a worker for agent restricted to the tools it allows.
func (f *Factory) Worker(agent string, tools []scheduler.Tool) (scheduler.Worker, error) {
	a, ok := f.agents[agent]
	if !ok {
		return nil, fmt.Errorf("unknown agent: %s", agent)
	}
	allowed := filterTools(tools, a.Tools)

	if a.Backend.SessionID == "" {
		b, err := f.newBackend(a.Backend, f.procMgr)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", agent, err)
		}
		return NewAgentWorker(agent, b, allowed, nil, f.logger), nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.shared[agent]
	if !ok {
		var err error
		b, err = f.newBackend(a.Backend, f.procMgr)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", agent, err)
		}
		f.shared[agent] = b
	}
	return NewAgentWorker(agent, b, allowed, f.locks, f.logger), nil
}

// Close closes the shared backends.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, b := range f.shared {
		if err := b.Close(); err != nil {
			return fmt.Errorf("closing agent %s: %w", name, err)
		}
		delete(f.shared, name)
	}
	return nil
}

func filterTools(tools []scheduler.Tool, allow []string) []scheduler.Tool {
	if len(allow) == 0 {
		return tools
	}
	var out []scheduler.Tool
	for _, t := range tools {
		if slices.Contains(allow, t.Name()) {
			out = append(out, t)
		}
	}
	return out
}
