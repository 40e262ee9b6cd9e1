package runner

import (
	"log/slog"
	"os"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestParseStreamLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want []Message
	}{
		{
			name: "blank line",
			line: "   ",
			want: nil,
		},
		{
			name: "init carries resume token",
			line: `{"type":"system","subtype":"init","session_id":"abc"}`,
			want: []Message{{Type: MessageText, ResumeToken: "abc"}},
		},
		{
			name: "assistant text",
			line: `{"type":"assistant","message":{"content":[{"type":"text","text":"Hello"}]}}`,
			want: []Message{{Type: MessageText, Content: "Hello"}},
		},
		{
			name: "assistant tool use",
			line: `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tu1","name":"Bash","input":{"command":"ls"}}]}}`,
			want: []Message{{Type: MessageToolUse, ToolName: "Bash", ToolUseID: "tu1"}},
		},
		{
			name: "tool result string content",
			line: `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu1","content":"file.go"}]}}`,
			want: []Message{{Type: MessageToolResult, ToolUseID: "tu1", Content: "file.go"}},
		},
		{
			name: "tool result camelCase id and block content",
			line: `{"type":"user","message":{"content":[{"toolUseId":"tu2","content":[{"type":"text","text":"a"},{"type":"text","text":"b"}],"is_error":true}]}}`,
			want: []Message{{Type: MessageToolResult, ToolUseID: "tu2", Content: "a\nb", IsError: true}},
		},
		{
			name: "success result",
			line: `{"type":"result","subtype":"success","result":"done","session_id":"abc"}`,
			want: []Message{{Type: MessageResult, Content: "done", ResumeToken: "abc"}},
		},
		{
			name: "error result with errors array",
			line: `{"type":"result","subtype":"error_during_execution","errors":["x","y"]}`,
			want: []Message{{Type: MessageError, Content: "x; y", IsError: true}},
		},
		{
			name: "error result flagged is_error",
			line: `{"type":"result","subtype":"success","is_error":true,"result":"quota"}`,
			want: []Message{{Type: MessageError, Content: "quota", IsError: true}},
		},
		{
			name: "non-json passes through",
			line: "plain output",
			want: []Message{{Type: MessageText, Content: "plain output"}},
		},
		{
			name: "unknown type ignored",
			line: `{"type":"stream_event"}`,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseStreamLine(tt.line, testLogger())
			if len(got) != len(tt.want) {
				t.Fatalf("got %d messages, want %d: %+v", len(got), len(tt.want), got)
			}
			for i := range got {
				g, w := got[i], tt.want[i]
				if g.Type != w.Type || g.Content != w.Content || g.ToolName != w.ToolName ||
					g.ToolUseID != w.ToolUseID || g.IsError != w.IsError || g.ResumeToken != w.ResumeToken {
					t.Errorf("message %d = %+v, want %+v", i, g, w)
				}
			}
		})
	}
}

func TestParseStreamLine_ToolInputKept(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t","name":"create_agent_session","input":{"issueId":"ENG-2"}}]}}`
	got := parseStreamLine(line, testLogger())
	if len(got) != 1 {
		t.Fatalf("got %d messages", len(got))
	}
	if !strings.Contains(string(got[0].ToolInput), "ENG-2") {
		t.Errorf("ToolInput = %s", got[0].ToolInput)
	}
}

func TestEncodeUserMessage(t *testing.T) {
	data, err := encodeUserMessage("hi there")
	if err != nil {
		t.Fatalf("encodeUserMessage: %v", err)
	}
	want := `{"type":"user","message":{"role":"user","content":[{"type":"text","text":"hi there"}]}}` + "\n"
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}

func TestTruncateForLog(t *testing.T) {
	short := "abc"
	if truncateForLog(short) != short {
		t.Error("short strings must be unchanged")
	}
	long := strings.Repeat("x", 300)
	if got := truncateForLog(long); len(got) != 203 {
		t.Errorf("len = %d, want 203", len(got))
	}
}
