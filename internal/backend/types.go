package backend

// Message is one prompt sent to an agent CLI.
type Message struct {
	Content string
	Role    string // "user" or "system"
}

// Response is what an agent CLI answered.
type Response struct {
	Content   string
	SessionID string
	Error     string
}

// Config selects and parameterizes an agent CLI.
type Config struct {
	Type         string   // "claude", "codex" or "goose"
	Binary       string   // executable override; defaults to Type
	Args         []string // appended to every invocation
	WorkDir      string
	SessionID    string
	Model        string
	Provider     string // goose only: "ollama", "lmstudio", "llama.cpp"
	SystemPrompt string
}
