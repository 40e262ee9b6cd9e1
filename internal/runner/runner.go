// Package runner starts and supervises the external agent CLIs that do the
// actual work for a session. A Runner is a capability (streaming or
// one-shot); a Handle is one running conversation.
package runner

import (
	"context"
	"encoding/json"
)

// MessageType identifies the kind of a runner message.
type MessageType string

const (
	MessageText       MessageType = "text"
	MessageToolUse    MessageType = "tool_use"
	MessageToolResult MessageType = "tool_result"
	// MessageResult is terminal: the turn finished and Content holds the final answer.
	MessageResult MessageType = "result"
	// MessageError is terminal: the turn failed.
	MessageError MessageType = "error"
)

// Message is one unit of output from a running agent.
type Message struct {
	Type      MessageType
	Content   string
	ToolName  string
	ToolUseID string
	ToolInput json.RawMessage
	IsError   bool
	// ResumeToken is set when the agent reports its conversation id.
	ResumeToken string
}

// Terminal reports whether m ends the turn.
func (m Message) Terminal() bool {
	return m.Type == MessageResult || m.Type == MessageError
}

// Config is everything needed to start one agent turn.
type Config struct {
	SessionID          string
	WorkingDir         string
	AllowedTools       []string
	DisallowedTools    []string
	DisallowAllTools   bool
	AllowedDirectories []string
	ResumeToken        string
	SystemPrompt       string
	Model              string
	MaxTurns           int
	SingleTurn         bool
}

// Handle is a running agent conversation. Messages is closed once the
// process has exited; a turn that ran to completion ends with a terminal
// message, a stopped one may not.
type Handle interface {
	Messages() <-chan Message
	// AddInput feeds text into the running turn. Runners without streaming
	// input always return an error.
	AddInput(text string) error
	// Stop ends the conversation. Safe to call more than once.
	Stop()
	IsRunning() bool
	ResumeToken() string
}

// Runner starts agent conversations.
type Runner interface {
	Name() string
	SupportsStreamingInput() bool
	Start(ctx context.Context, cfg Config, prompt string) (Handle, error)
}
