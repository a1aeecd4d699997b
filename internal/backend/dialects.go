package backend

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// claudeDialect speaks `claude -p ... --output-format json`. The first call
// names the session with --session-id; later calls --resume it.
type claudeDialect struct{}

type claudeResponse struct {
	SessionID string `json:"session_id"`
	Result    struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"result"`
}

func (claudeDialect) newSessionID() string { return newUUID() }

func (claudeDialect) args(s session, msg Message) []string {
	args := []string{"-p", msg.Content, "--output-format", "json"}
	if s.started {
		args = append(args, "--resume", s.id)
	} else {
		args = append(args, "--session-id", s.id)
	}
	if s.model != "" {
		args = append(args, "--model", s.model)
	}
	if s.systemPrompt != "" {
		args = append(args, "--system-prompt", s.systemPrompt)
	}
	return args
}

func (claudeDialect) parse(stdout, _ []byte) (Response, error) {
	var cr claudeResponse
	if err := json.Unmarshal(stdout, &cr); err != nil {
		return Response{}, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	var content strings.Builder
	for _, item := range cr.Result.Content {
		if item.Type == "text" {
			content.WriteString(item.Text)
		}
	}
	return Response{Content: content.String(), SessionID: cr.SessionID}, nil
}

// codexDialect speaks `codex exec` / `codex resume`, which stream
// newline-delimited JSON events. The thread id arrives in ThreadStarted.
type codexDialect struct{}

type codexEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Content  string `json:"content"`
}

func (codexDialect) newSessionID() string { return "" }

func (codexDialect) args(s session, msg Message) []string {
	var args []string
	if !s.started || s.id == "" {
		args = []string{"exec", msg.Content, "--json"}
	} else {
		args = []string{"resume", s.id, msg.Content, "--json"}
	}
	if s.model != "" {
		args = append(args, "--model", s.model)
	}
	return args
}

func (codexDialect) parse(stdout, _ []byte) (Response, error) {
	var resp Response
	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var evt codexEvent
		if err := json.Unmarshal(line, &evt); err != nil {
			return Response{}, fmt.Errorf("failed to parse event: %w", err)
		}
		switch evt.Type {
		case "ThreadStarted":
			resp.SessionID = evt.ThreadID
		case "TurnCompleted":
			resp.Content = evt.Content
		}
	}
	if err := scanner.Err(); err != nil {
		return Response{}, fmt.Errorf("error reading events: %w", err)
	}
	return resp, nil
}

// gooseDialect speaks `goose run`. Its JSON output is loosely specified, so
// parsing falls back to newline-delimited objects and then plain text.
type gooseDialect struct{}

type gooseResponse struct {
	Content string `json:"content"`
}

func (gooseDialect) newSessionID() string {
	return "crewgraph-" + strings.ReplaceAll(newUUID(), "-", "")[:8]
}

func (gooseDialect) args(s session, msg Message) []string {
	args := []string{"run", "--text", msg.Content, "--output-format", "json"}
	if s.started {
		args = append(args, "--resume")
	} else {
		args = append(args, "--name", s.id)
	}
	if s.provider != "" {
		args = append(args, "--provider", s.provider)
	}
	if s.model != "" {
		args = append(args, "--model", s.model)
	}
	if s.systemPrompt != "" {
		args = append(args, "--system", s.systemPrompt)
	}
	return args
}

func (gooseDialect) parse(stdout, stderr []byte) (Response, error) {
	var single gooseResponse
	if err := json.Unmarshal(stdout, &single); err == nil {
		return Response{Content: single.Content}, nil
	}

	var contents []string
	for _, line := range strings.Split(strings.TrimSpace(string(stdout)), "\n") {
		var lr gooseResponse
		if json.Unmarshal([]byte(strings.TrimSpace(line)), &lr) == nil && lr.Content != "" {
			contents = append(contents, lr.Content)
		}
	}
	if len(contents) > 0 {
		return Response{Content: strings.Join(contents, "\n")}, nil
	}

	content := string(stdout)
	if len(stderr) > 0 {
		content += "\n[stderr]: " + string(stderr)
	}
	return Response{Content: content}, nil
}
