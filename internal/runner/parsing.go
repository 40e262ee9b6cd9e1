package runner

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// streamMessage is one line of Claude's stream-json output.
type streamMessage struct {
	Type    string `json:"type"`    // "system", "assistant", "user", "result"
	Subtype string `json:"subtype"` // "init", "success", "error_during_execution", ...
	Message struct {
		Content []struct {
			Type      string          `json:"type"`
			ID        string          `json:"id,omitempty"`
			Text      string          `json:"text,omitempty"`
			Name      string          `json:"name,omitempty"`
			Input     json.RawMessage `json:"input,omitempty"`
			ToolUseID string          `json:"tool_use_id,omitempty"`
			ToolUseId string          `json:"toolUseId,omitempty"` // camelCase variant from Claude CLI
			Content   json.RawMessage `json:"content,omitempty"`
			IsError   bool            `json:"is_error,omitempty"`
		} `json:"content"`
	} `json:"message"`
	Result    string   `json:"result,omitempty"`
	IsError   bool     `json:"is_error,omitempty"`
	Error     string   `json:"error,omitempty"`
	Errors    []string `json:"errors,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
}

// streamInputMessage is the stream-json shape written to Claude's stdin.
type streamInputMessage struct {
	Type    string `json:"type"`
	Message struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

func encodeUserMessage(text string) ([]byte, error) {
	var msg streamInputMessage
	msg.Type = "user"
	msg.Message.Role = "user"
	msg.Message.Content = append(msg.Message.Content, struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{Type: "text", Text: text})
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// parseStreamLine turns one stream-json line into messages. Lines that are
// not JSON are passed through as text.
func parseStreamLine(line string, log *slog.Logger) []Message {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	var msg streamMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		log.Warn("failed to parse stream message", "error", err, "line", truncateForLog(line))
		return []Message{{Type: MessageText, Content: line}}
	}

	var out []Message
	switch msg.Type {
	case "system":
		if msg.Subtype == "init" && msg.SessionID != "" {
			log.Debug("session initialized", "resumeToken", msg.SessionID)
			out = append(out, Message{Type: MessageText, ResumeToken: msg.SessionID})
		}

	case "assistant":
		for _, c := range msg.Message.Content {
			switch c.Type {
			case "text":
				if c.Text != "" {
					out = append(out, Message{Type: MessageText, Content: c.Text})
				}
			case "tool_use":
				out = append(out, Message{
					Type:      MessageToolUse,
					ToolName:  c.Name,
					ToolUseID: c.ID,
					ToolInput: c.Input,
				})
			}
		}

	case "user":
		for _, c := range msg.Message.Content {
			id := c.ToolUseID
			if id == "" {
				id = c.ToolUseId
			}
			if c.Type != "tool_result" && id == "" {
				continue
			}
			out = append(out, Message{
				Type:      MessageToolResult,
				ToolUseID: id,
				Content:   toolResultText(c.Content),
				IsError:   c.IsError,
			})
		}

	case "result":
		if msg.IsError || strings.HasPrefix(msg.Subtype, "error") {
			out = append(out, Message{
				Type:        MessageError,
				Content:     resultError(msg),
				IsError:     true,
				ResumeToken: msg.SessionID,
			})
		} else {
			out = append(out, Message{Type: MessageResult, Content: msg.Result, ResumeToken: msg.SessionID})
		}

	default:
		log.Debug("ignoring stream message", "type", msg.Type)
	}
	return out
}

func resultError(msg streamMessage) string {
	switch {
	case msg.Error != "":
		return msg.Error
	case len(msg.Errors) > 0:
		return strings.Join(msg.Errors, "; ")
	case msg.Result != "":
		return msg.Result
	default:
		return "agent reported " + msg.Subtype
	}
}

// toolResultText flattens tool result content, which is either a string or
// an array of text blocks.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

func truncateForLog(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
