package runner

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/zhubert/relay/internal/errors"
	"github.com/zhubert/relay/internal/logger"
)

// allTools is passed as --disallowedTools for subroutines that may not use
// any tool.
var allTools = []string{
	"Bash", "Edit", "MultiEdit", "Write", "NotebookEdit", "Read", "Glob", "Grep",
	"WebFetch", "WebSearch", "Task", "TodoWrite",
}

// Claude runs the claude CLI in stream-json mode. Input can be added
// while a turn is in flight.
type Claude struct {
	path string
	log  *slog.Logger
}

// NewClaude returns a Claude runner using the binary at path, or "claude"
// from PATH when path is empty.
func NewClaude(path string, log *slog.Logger) *Claude {
	if path == "" {
		path = "claude"
	}
	if log == nil {
		log = logger.ComponentLogger("runner")
	}
	return &Claude{path: path, log: log.With("runner", "claude")}
}

func (c *Claude) Name() string                 { return "claude" }
func (c *Claude) SupportsStreamingInput() bool { return true }

// BuildClaudeArgs returns the CLI arguments for one turn.
func BuildClaudeArgs(cfg Config) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if cfg.ResumeToken != "" {
		args = append(args, "--resume", cfg.ResumeToken)
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	switch {
	case cfg.SingleTurn:
		args = append(args, "--max-turns", "1")
	case cfg.MaxTurns > 0:
		args = append(args, "--max-turns", strconv.Itoa(cfg.MaxTurns))
	}
	if cfg.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", cfg.SystemPrompt)
	}
	for _, dir := range cfg.AllowedDirectories {
		args = append(args, "--add-dir", dir)
	}
	if cfg.DisallowAllTools {
		for _, tool := range allTools {
			args = append(args, "--disallowedTools", tool)
		}
		return args
	}
	for _, tool := range cfg.AllowedTools {
		args = append(args, "--allowedTools", tool)
	}
	for _, tool := range cfg.DisallowedTools {
		args = append(args, "--disallowedTools", tool)
	}
	return args
}

// Start launches the CLI and sends prompt as the first user message.
func (c *Claude) Start(ctx context.Context, cfg Config, prompt string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.RunnerStartFailed(cfg.SessionID, err)
	}
	log := logger.WithSession(cfg.SessionID).With("runner", "claude")

	h := &claudeHandle{
		msgs:    make(chan Message, 256),
		stopped: make(chan struct{}),
		token:   cfg.ResumeToken,
		log:     log,
	}
	h.proc = &process{
		path:   c.path,
		args:   BuildClaudeArgs(cfg),
		dir:    cfg.WorkingDir,
		log:    log,
		onLine: h.handleLine,
		onExit: h.handleExit,
	}
	if err := h.proc.start(true); err != nil {
		return nil, errors.RunnerStartFailed(cfg.SessionID, err)
	}

	data, err := encodeUserMessage(prompt)
	if err == nil {
		err = h.proc.write(data)
	}
	if err != nil {
		h.Stop()
		return nil, errors.RunnerStartFailed(cfg.SessionID, err)
	}
	return h, nil
}

type claudeHandle struct {
	proc    *process
	msgs    chan Message
	log     *slog.Logger
	stopped chan struct{}

	mu          sync.Mutex
	token       string
	sawTerminal bool
	stopOnce    sync.Once
}

func (h *claudeHandle) handleLine(line string) {
	for _, m := range parseStreamLine(line, h.log) {
		h.mu.Lock()
		if m.ResumeToken != "" {
			h.token = m.ResumeToken
		}
		if m.Terminal() {
			h.sawTerminal = true
		}
		h.mu.Unlock()

		if m.Type == MessageText && m.Content == "" {
			continue
		}
		if m.Terminal() {
			// The turn is over; let the CLI exit.
			h.proc.closeInput()
		}
		h.send(m)
	}
}

func (h *claudeHandle) handleExit(err error, stderr string) {
	h.mu.Lock()
	sawTerminal := h.sawTerminal
	h.mu.Unlock()

	select {
	case <-h.stopped:
	default:
		if !sawTerminal {
			content := stderr
			if content == "" && err != nil {
				content = err.Error()
			}
			if content == "" {
				content = "agent exited without a result"
			}
			h.send(Message{Type: MessageError, Content: content, IsError: true})
		}
	}
	close(h.msgs)
}

func (h *claudeHandle) send(m Message) {
	select {
	case h.msgs <- m:
	case <-h.stopped:
	}
}

func (h *claudeHandle) Messages() <-chan Message { return h.msgs }

func (h *claudeHandle) AddInput(text string) error {
	data, err := encodeUserMessage(text)
	if err != nil {
		return err
	}
	return h.proc.write(data)
}

func (h *claudeHandle) Stop() {
	h.stopOnce.Do(func() { close(h.stopped) })
	h.proc.stop()
}

func (h *claudeHandle) IsRunning() bool { return h.proc.isRunning() }

func (h *claudeHandle) ResumeToken() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.token
}
