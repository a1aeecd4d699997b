package backend

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAdapter(t *testing.T, cfg Config) *CLIAdapter {
	t.Helper()
	b, err := New(cfg, nil)
	require.NoError(t, err)
	a, ok := b.(*CLIAdapter)
	require.True(t, ok)
	return a
}

func TestNewRejectsUnknownType(t *testing.T) {
	_, err := New(Config{Type: "gpt-cli"}, nil)
	assert.ErrorContains(t, err, "unknown backend type: gpt-cli")
	assert.Equal(t, []string{"claude", "codex", "goose"}, Types())
}

func TestSessionIDs(t *testing.T) {
	uuidV4 := regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

	claude := newAdapter(t, Config{Type: "claude"})
	assert.Regexp(t, uuidV4, claude.SessionID())
	assert.NotEqual(t, claude.SessionID(), newAdapter(t, Config{Type: "claude"}).SessionID())

	assert.Empty(t, newAdapter(t, Config{Type: "codex"}).SessionID())
	assert.Regexp(t, `^crewgraph-[0-9a-f]{8}$`, newAdapter(t, Config{Type: "goose"}).SessionID())

	assert.Equal(t, "given", newAdapter(t, Config{Type: "claude", SessionID: "given"}).SessionID())
}

func TestClaudeArgs(t *testing.T) {
	d := claudeDialect{}
	s := session{id: "sid"}
	assert.Equal(t,
		[]string{"-p", "hi", "--output-format", "json", "--session-id", "sid"},
		d.args(s, Message{Content: "hi"}))

	s.started = true
	s.model = "opus"
	s.systemPrompt = "be terse"
	assert.Equal(t,
		[]string{"-p", "hi", "--output-format", "json", "--resume", "sid", "--model", "opus", "--system-prompt", "be terse"},
		d.args(s, Message{Content: "hi"}))
}

func TestCodexArgs(t *testing.T) {
	d := codexDialect{}
	assert.Equal(t, []string{"exec", "hi", "--json"}, d.args(session{}, Message{Content: "hi"}))
	assert.Equal(t,
		[]string{"resume", "th-1", "hi", "--json", "--model", "gpt-4.1"},
		d.args(session{id: "th-1", started: true, model: "gpt-4.1"}, Message{Content: "hi"}))

	// A given thread id is resumed from the first call.
	a := newAdapter(t, Config{Type: "codex", SessionID: "th-9"})
	assert.Equal(t, []string{"resume", "th-9", "x", "--json"}, d.args(a.sess, Message{Content: "x"}))
}

func TestGooseArgs(t *testing.T) {
	d := gooseDialect{}
	s := session{id: "crewgraph-1", provider: "ollama", model: "llama3", systemPrompt: "sys"}
	assert.Equal(t,
		[]string{"run", "--text", "hi", "--output-format", "json", "--name", "crewgraph-1",
			"--provider", "ollama", "--model", "llama3", "--system", "sys"},
		d.args(s, Message{Content: "hi"}))

	s = session{id: "crewgraph-1", started: true}
	assert.Equal(t, []string{"run", "--text", "hi", "--output-format", "json", "--resume"}, d.args(s, Message{Content: "hi"}))
}

func TestParseResponses(t *testing.T) {
	tests := []struct {
		name    string
		d       dialect
		stdout  string
		stderr  string
		want    Response
		wantErr bool
	}{
		{
			name:   "claude text blocks",
			d:      claudeDialect{},
			stdout: `{"session_id":"s1","result":{"content":[{"type":"text","text":"a"},{"type":"tool_use"},{"type":"text","text":"b"}]}}`,
			want:   Response{Content: "ab", SessionID: "s1"},
		},
		{name: "claude malformed", d: claudeDialect{}, stdout: "not json", wantErr: true},
		{
			name:   "codex events",
			d:      codexDialect{},
			stdout: "{\"type\":\"ThreadStarted\",\"thread_id\":\"th-1\"}\n\n{\"type\":\"Other\"}\n{\"type\":\"TurnCompleted\",\"content\":\"done\"}\n",
			want:   Response{Content: "done", SessionID: "th-1"},
		},
		{name: "codex empty", d: codexDialect{}, stdout: "", want: Response{}},
		{name: "codex malformed", d: codexDialect{}, stdout: "{broken", wantErr: true},
		{name: "goose object", d: gooseDialect{}, stdout: `{"content":"hello"}`, want: Response{Content: "hello"}},
		{
			name:   "goose stream",
			d:      gooseDialect{},
			stdout: "{\"content\":\"one\"}\n{\"other\":1}\n{\"content\":\"two\"}\n",
			want:   Response{Content: "one\ntwo"},
		},
		{
			name:   "goose plain text",
			d:      gooseDialect{},
			stdout: "plain answer",
			stderr: "warn",
			want:   Response{Content: "plain answer\n[stderr]: warn"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.d.parse([]byte(tt.stdout), []byte(tt.stderr))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCLIAdapterSendRunsBinary(t *testing.T) {
	script, err := filepath.Abs(filepath.Join("testdata", "fake-goose.sh"))
	require.NoError(t, err)
	if _, err := os.Stat(script); err != nil {
		t.Skip("fake CLI missing")
	}

	pm := NewProcessManager()
	b, err := New(Config{Type: "goose", Binary: script, WorkDir: t.TempDir()}, pm)
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	resp, err := b.Send(ctx, Message{Content: "hello"})
	require.NoError(t, err)
	assert.Contains(t, resp.Content, "echo: hello (resumed=no)")
	assert.Equal(t, b.SessionID(), resp.SessionID)

	resp, err = b.Send(ctx, Message{Content: "again"})
	require.NoError(t, err)
	assert.Contains(t, resp.Content, "echo: again (resumed=yes)")
	assert.Zero(t, pm.Count())

	failing, err := New(Config{Type: "goose", Binary: script, Args: []string{"--fail"}}, pm)
	require.NoError(t, err)
	resp, err = failing.Send(ctx, Message{Content: "x"})
	require.Error(t, err)
	assert.Contains(t, resp.Error, "command failed")
}
