package runner

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/zhubert/relay/internal/errors"
	"github.com/zhubert/relay/internal/logger"
)

// ArgsFunc builds the command line for a one-shot CLI.
type ArgsFunc func(cfg Config, prompt string) []string

// OneShot runs a CLI that takes the whole prompt up front and exits when
// done. Every stdout line becomes a text message; the last one is also the
// turn's result.
type OneShot struct {
	name string
	path string
	args ArgsFunc
	log  *slog.Logger
}

// NewOneShot returns a one-shot runner called name that executes path.
func NewOneShot(name, path string, args ArgsFunc, log *slog.Logger) *OneShot {
	if path == "" {
		path = name
	}
	if log == nil {
		log = logger.ComponentLogger("runner")
	}
	return &OneShot{name: name, path: path, args: args, log: log.With("runner", name)}
}

// NewCodex returns a runner for the Codex CLI.
func NewCodex(path string, log *slog.Logger) *OneShot {
	return NewOneShot("codex", path, codexArgs, log)
}

// NewGemini returns a runner for the Gemini CLI.
func NewGemini(path string, log *slog.Logger) *OneShot {
	return NewOneShot("gemini", path, geminiArgs, log)
}

func codexArgs(cfg Config, prompt string) []string {
	args := []string{"exec"}
	if cfg.ResumeToken != "" {
		args = append(args, "resume", cfg.ResumeToken)
	}
	args = append(args, "--json", "--full-auto", "--skip-git-repo-check")
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.WorkingDir != "" {
		args = append(args, "-C", cfg.WorkingDir)
	}
	for _, dir := range cfg.AllowedDirectories {
		args = append(args, "--add-dir", dir)
	}
	return append(args, withSystemPrompt(cfg, prompt))
}

func geminiArgs(cfg Config, prompt string) []string {
	args := []string{"--output-format", "json"}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if !cfg.DisallowAllTools {
		args = append(args, "--yolo")
	}
	if len(cfg.AllowedDirectories) > 0 {
		args = append(args, "--include-directories", strings.Join(cfg.AllowedDirectories, ","))
	}
	return append(args, "--prompt", withSystemPrompt(cfg, prompt))
}

func withSystemPrompt(cfg Config, prompt string) string {
	if cfg.SystemPrompt == "" {
		return prompt
	}
	return cfg.SystemPrompt + "\n\n" + prompt
}

func (o *OneShot) Name() string                 { return o.name }
func (o *OneShot) SupportsStreamingInput() bool { return false }

// Start launches the CLI with the full prompt.
func (o *OneShot) Start(ctx context.Context, cfg Config, prompt string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.RunnerStartFailed(cfg.SessionID, err)
	}
	log := logger.WithSession(cfg.SessionID).With("runner", o.name)

	h := &oneShotHandle{
		name:    o.name,
		msgs:    make(chan Message, 256),
		stopped: make(chan struct{}),
		token:   cfg.ResumeToken,
		log:     log,
	}
	h.proc = &process{
		path:   o.path,
		args:   o.args(cfg, prompt),
		dir:    cfg.WorkingDir,
		log:    log,
		onLine: h.handleLine,
		onExit: h.handleExit,
	}
	if err := h.proc.start(false); err != nil {
		return nil, errors.RunnerStartFailed(cfg.SessionID, err)
	}
	return h, nil
}

type oneShotHandle struct {
	name    string
	proc    *process
	msgs    chan Message
	log     *slog.Logger
	stopped chan struct{}

	mu       sync.Mutex
	token    string
	last     string
	stopOnce sync.Once
}

// oneShotEvent picks the fields the supported CLIs use for text and
// conversation ids out of a JSON output line.
type oneShotEvent struct {
	Text      string `json:"text"`
	Message   string `json:"message"`
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
	ThreadID  string `json:"thread_id"`
	Item      struct {
		Text string `json:"text"`
	} `json:"item"`
}

func (h *oneShotHandle) handleLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	text := line
	var ev oneShotEvent
	if strings.HasPrefix(line, "{") && json.Unmarshal([]byte(line), &ev) == nil {
		h.mu.Lock()
		if ev.ThreadID != "" {
			h.token = ev.ThreadID
		} else if ev.SessionID != "" {
			h.token = ev.SessionID
		}
		h.mu.Unlock()

		switch {
		case ev.Item.Text != "":
			text = ev.Item.Text
		case ev.Response != "":
			text = ev.Response
		case ev.Text != "":
			text = ev.Text
		case ev.Message != "":
			text = ev.Message
		default:
			return
		}
	}

	h.mu.Lock()
	h.last = text
	h.mu.Unlock()
	h.send(Message{Type: MessageText, Content: text})
}

func (h *oneShotHandle) handleExit(err error, stderr string) {
	select {
	case <-h.stopped:
	default:
		h.mu.Lock()
		last, token := h.last, h.token
		h.mu.Unlock()
		if err != nil {
			content := stderr
			if content == "" {
				content = err.Error()
			}
			h.send(Message{Type: MessageError, Content: content, IsError: true, ResumeToken: token})
		} else {
			h.send(Message{Type: MessageResult, Content: last, ResumeToken: token})
		}
	}
	close(h.msgs)
}

func (h *oneShotHandle) send(m Message) {
	select {
	case h.msgs <- m:
	case <-h.stopped:
	}
}

func (h *oneShotHandle) Messages() <-chan Message { return h.msgs }

func (h *oneShotHandle) AddInput(string) error { return errors.RunnerNotStreaming(h.name) }

func (h *oneShotHandle) Stop() {
	h.stopOnce.Do(func() { close(h.stopped) })
	h.proc.stop()
}

func (h *oneShotHandle) IsRunning() bool { return h.proc.isRunning() }

func (h *oneShotHandle) ResumeToken() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.token
}
