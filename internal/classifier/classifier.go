// Package classifier labels inbound requests with a procedure
// classification using the Anthropic Messages API.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/zhubert/relay/internal/config"
	"github.com/zhubert/relay/internal/errors"
	"github.com/zhubert/relay/internal/logger"
)

// DefaultModel is used when the config names none.
const DefaultModel = "claude-haiku-4-5"

// maxRequestChars bounds how much of the request text is sent.
const maxRequestChars = 8000

// MessagesClient is the part of the SDK the classifier uses. It is
// satisfied by *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Anthropic classifies requests with a single Messages call.
type Anthropic struct {
	msg   MessagesClient
	model string
	log   *slog.Logger
}

// New returns a classifier using msg. An empty model selects DefaultModel.
func New(msg MessagesClient, model string, log *slog.Logger) *Anthropic {
	if model == "" {
		model = DefaultModel
	}
	if log == nil {
		log = logger.ComponentLogger("classifier")
	}
	return &Anthropic{msg: msg, model: model, log: log}
}

// NewFromConfig builds a classifier from config, reading the API key from
// the configured environment variable.
func NewFromConfig(cc config.ClassifierConfig, log *slog.Logger) (*Anthropic, error) {
	env := cc.APIKeyEnv
	if env == "" {
		env = "ANTHROPIC_API_KEY"
	}
	key := os.Getenv(env)
	if key == "" {
		return nil, errors.E(errors.Op("classifier.New"), errors.KindConfig, env+" environment variable not set")
	}
	client := sdk.NewClient(option.WithAPIKey(key))
	return New(&client.Messages, cc.Model, log), nil
}

const systemPrompt = `You route software engineering requests to a workflow.
Reply with a single JSON object and nothing else:
{"classification": "<one of the allowed labels>", "reasoning": "<one sentence>"}`

type reply struct {
	Classification string `json:"classification"`
	Reasoning      string `json:"reasoning"`
}

// Classify asks the model to pick one of labels for text. Replies naming a
// label outside labels are errors.
func (a *Anthropic) Classify(ctx context.Context, text string, labels []string) (string, string, error) {
	if len(text) > maxRequestChars {
		text = text[:maxRequestChars]
	}
	user := fmt.Sprintf("Allowed labels: %s\n\n<request>\n%s\n</request>", strings.Join(labels, ", "), text)

	msg, err := a.msg.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(a.model),
		MaxTokens: 256,
		System:    []sdk.TextBlockParam{{Text: systemPrompt}},
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(user))},
	})
	if err != nil {
		return "", "", errors.E(errors.Op("classifier.Classify"), errors.KindNetwork, err)
	}

	var out strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	r, err := parseReply(out.String())
	if err != nil {
		return "", "", err
	}

	label := strings.ToLower(strings.TrimSpace(r.Classification))
	if !slices.Contains(labels, label) {
		return "", "", errors.E(errors.Op("classifier.Classify"), errors.KindInvalid,
			fmt.Sprintf("model returned unknown label %q", r.Classification))
	}
	a.log.Debug("classified request", "label", label, "reasoning", r.Reasoning)
	return label, r.Reasoning, nil
}

// parseReply extracts the JSON object from the model's text, tolerating
// code fences or prose around it.
func parseReply(text string) (reply, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return reply{}, errors.E(errors.Op("classifier.Classify"), errors.KindInvalid, "reply contains no JSON object")
	}
	var r reply
	if err := json.Unmarshal([]byte(text[start:end+1]), &r); err != nil {
		return reply{}, errors.E(errors.Op("classifier.Classify"), errors.KindInvalid, "malformed reply", err)
	}
	return r, nil
}
