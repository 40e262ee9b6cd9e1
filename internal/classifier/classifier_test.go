package classifier

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/zhubert/relay/internal/config"
	"github.com/zhubert/relay/internal/errors"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	text       string
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	if s.err != nil {
		return nil, s.err
	}
	return &sdk.Message{Content: []sdk.ContentBlockUnion{{Type: "text", Text: s.text}}}, nil
}

func newTestClassifier(stub *stubMessagesClient) *Anthropic {
	return New(stub, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

var labels = []string{"code", "question", "documentation"}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		wantLabel string
		wantKind  errors.Kind
	}{
		{"plain json", `{"classification":"code","reasoning":"asks for a feature"}`, "code", 0},
		{"fenced json", "```json\n{\"classification\": \"Question\", \"reasoning\": \"asks why\"}\n```", "question", 0},
		{"unknown label", `{"classification":"poetry","reasoning":""}`, "", errors.KindInvalid},
		{"no json", "I think this is code", "", errors.KindInvalid},
		{"broken json", `{"classification":`, "", errors.KindInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClassifier(&stubMessagesClient{text: tt.text})
			label, _, err := c.Classify(context.Background(), "add a button", labels)
			if tt.wantKind != 0 {
				if !errors.Is(err, tt.wantKind) {
					t.Fatalf("expected kind %v, got %v", tt.wantKind, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}
			if label != tt.wantLabel {
				t.Errorf("label = %q, want %q", label, tt.wantLabel)
			}
		})
	}
}

func TestClassify_RequestShape(t *testing.T) {
	stub := &stubMessagesClient{text: `{"classification":"code","reasoning":"r"}`}
	c := newTestClassifier(stub)
	long := strings.Repeat("x", maxRequestChars+500)

	_, reasoning, err := c.Classify(context.Background(), long, labels)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if reasoning != "r" {
		t.Errorf("reasoning = %q", reasoning)
	}
	if string(stub.lastParams.Model) != DefaultModel {
		t.Errorf("model = %q", stub.lastParams.Model)
	}
	if len(stub.lastParams.System) != 1 || len(stub.lastParams.Messages) != 1 {
		t.Fatalf("params = %+v", stub.lastParams)
	}
	user := stub.lastParams.Messages[0].Content[0].OfText.Text
	if !strings.Contains(user, "Allowed labels: code, question, documentation") {
		t.Errorf("user message missing labels: %.80s", user)
	}
	if strings.Count(user, "x") > maxRequestChars {
		t.Error("request text should be truncated")
	}
}

func TestClassify_TransportError(t *testing.T) {
	c := newTestClassifier(&stubMessagesClient{err: fmt.Errorf("connection reset")})
	if _, _, err := c.Classify(context.Background(), "x", labels); !errors.Is(err, errors.KindNetwork) {
		t.Errorf("expected network error, got %v", err)
	}
}

func TestNewFromConfig(t *testing.T) {
	t.Setenv("RELAY_TEST_ANTHROPIC", "")
	if _, err := NewFromConfig(config.ClassifierConfig{APIKeyEnv: "RELAY_TEST_ANTHROPIC"}, nil); !errors.Is(err, errors.KindConfig) {
		t.Errorf("expected config error, got %v", err)
	}
	t.Setenv("RELAY_TEST_ANTHROPIC", "sk-test")
	c, err := NewFromConfig(config.ClassifierConfig{APIKeyEnv: "RELAY_TEST_ANTHROPIC", Model: "m"}, nil)
	if err != nil || c.model != "m" {
		t.Errorf("classifier = %+v, err = %v", c, err)
	}
}
