package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/zhubert/relay/internal/config"
	"github.com/zhubert/relay/internal/errors"
	"github.com/zhubert/relay/internal/logger"
)

const (
	linearAPIURL      = "https://api.linear.app/graphql"
	linearAPIKeyEnv   = "LINEAR_API_KEY"
	linearHTTPTimeout = 30 * time.Second
)

// Linear is the Linear GraphQL adapter.
type Linear struct {
	apiKey     string
	apiURL     string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *slog.Logger
}

// LinearOption configures a Linear adapter.
type LinearOption func(*Linear)

// WithHTTPClient sets the HTTP client, for tests.
func WithHTTPClient(c *http.Client) LinearOption {
	return func(l *Linear) { l.httpClient = c }
}

// WithAPIURL overrides the GraphQL endpoint, for tests.
func WithAPIURL(url string) LinearOption {
	return func(l *Linear) { l.apiURL = url }
}

// WithLogger sets the adapter's logger.
func WithLogger(log *slog.Logger) LinearOption {
	return func(l *Linear) { l.log = log }
}

// NewLinear returns an adapter authenticated with apiKey. requestsPerSecond
// paces outgoing requests; zero or less disables pacing.
func NewLinear(apiKey string, requestsPerSecond float64, opts ...LinearOption) *Linear {
	l := &Linear{
		apiKey:     apiKey,
		apiURL:     linearAPIURL,
		httpClient: &http.Client{Timeout: linearHTTPTimeout},
		limiter:    rate.NewLimiter(rate.Inf, 1),
	}
	if requestsPerSecond > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), 1)
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = logger.ComponentLogger("platform").With("platform", "linear")
	}
	return l
}

// NewLinearFromConfig builds the adapter from config, reading the API key
// from the configured environment variable.
func NewLinearFromConfig(lc config.LinearConfig, opts ...LinearOption) (*Linear, error) {
	env := lc.APIKeyEnv
	if env == "" {
		env = linearAPIKeyEnv
	}
	key := os.Getenv(env)
	if key == "" {
		return nil, errors.E(errors.Op("platform.NewLinear"), errors.KindConfig, env+" environment variable not set")
	}
	if lc.APIURL != "" {
		opts = append([]LinearOption{WithAPIURL(lc.APIURL)}, opts...)
	}
	return NewLinear(key, lc.RequestsPerSecond, opts...), nil
}

func (l *Linear) Name() string { return "linear" }

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// do runs one GraphQL request and decodes its data into out.
func (l *Linear) do(ctx context.Context, op, query string, vars map[string]any, out any) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return errors.PlatformFailed(op, err)
	}

	body, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return errors.PlatformFailed(op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.apiURL, bytes.NewReader(body))
	if err != nil {
		return errors.PlatformFailed(op, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Authorization", l.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return errors.E(errors.Op("platform."+op), errors.KindNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return errors.E(errors.Op("platform."+op), errors.KindPermission,
			fmt.Sprintf("Linear API returned %d - check the API key", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return errors.PlatformFailed(op, fmt.Errorf("Linear API returned status %d", resp.StatusCode))
	}

	var gr graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return errors.PlatformFailed(op, fmt.Errorf("failed to parse Linear response: %w", err))
	}
	if len(gr.Errors) > 0 {
		msgs := make([]string, len(gr.Errors))
		for i, e := range gr.Errors {
			msgs[i] = e.Message
		}
		return errors.PlatformFailed(op, fmt.Errorf("%s", strings.Join(msgs, "; ")))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(gr.Data, out); err != nil {
		return errors.PlatformFailed(op, fmt.Errorf("failed to decode Linear data: %w", err))
	}
	return nil
}

type linearLabels struct {
	Nodes []struct {
		Name string `json:"name"`
	} `json:"nodes"`
}

func (ll linearLabels) names() []string {
	out := make([]string, 0, len(ll.Nodes))
	for _, n := range ll.Nodes {
		out = append(out, n.Name)
	}
	return out
}

const issueQuery = `query Issue($id: String!) {
  issue(id: $id) {
    id identifier title description url
    labels { nodes { name } }
    project { name }
    team { key name }
    organization { id }
  }
}`

func (l *Linear) FetchWorkItem(ctx context.Context, id string) (WorkItem, error) {
	var data struct {
		Issue struct {
			ID          string       `json:"id"`
			Identifier  string       `json:"identifier"`
			Title       string       `json:"title"`
			Description string       `json:"description"`
			URL         string       `json:"url"`
			Labels      linearLabels `json:"labels"`
			Project     *struct {
				Name string `json:"name"`
			} `json:"project"`
			Team *struct {
				Key  string `json:"key"`
				Name string `json:"name"`
			} `json:"team"`
			Organization *struct {
				ID string `json:"id"`
			} `json:"organization"`
		} `json:"issue"`
	}
	if err := l.do(ctx, "FetchWorkItem", issueQuery, map[string]any{"id": id}, &data); err != nil {
		return WorkItem{}, err
	}
	is := data.Issue
	item := WorkItem{
		ID:          is.ID,
		Identifier:  is.Identifier,
		Title:       is.Title,
		Description: is.Description,
		URL:         is.URL,
		Labels:      is.Labels.names(),
	}
	if is.Project != nil {
		item.Project = is.Project.Name
	}
	if is.Team != nil {
		item.Team = is.Team.Key
	}
	if is.Organization != nil {
		item.WorkspaceID = is.Organization.ID
	}
	return item, nil
}

const commentsQuery = `query Comments($id: String!) {
  issue(id: $id) {
    comments { nodes { id body createdAt user { name } } }
  }
}`

func (l *Linear) FetchComments(ctx context.Context, id string) ([]Comment, error) {
	var data struct {
		Issue struct {
			Comments struct {
				Nodes []struct {
					ID        string    `json:"id"`
					Body      string    `json:"body"`
					CreatedAt time.Time `json:"createdAt"`
					User      *struct {
						Name string `json:"name"`
					} `json:"user"`
				} `json:"nodes"`
			} `json:"comments"`
		} `json:"issue"`
	}
	if err := l.do(ctx, "FetchComments", commentsQuery, map[string]any{"id": id}, &data); err != nil {
		return nil, err
	}
	out := make([]Comment, 0, len(data.Issue.Comments.Nodes))
	for _, n := range data.Issue.Comments.Nodes {
		c := Comment{ID: n.ID, Body: n.Body, CreatedAt: n.CreatedAt}
		if n.User != nil {
			c.Author = n.User.Name
		}
		out = append(out, c)
	}
	return out, nil
}

const labelsQuery = `query Labels($id: String!) {
  issue(id: $id) { labels { nodes { name } } }
}`

func (l *Linear) FetchLabels(ctx context.Context, id string) ([]string, error) {
	var data struct {
		Issue struct {
			Labels linearLabels `json:"labels"`
		} `json:"issue"`
	}
	if err := l.do(ctx, "FetchLabels", labelsQuery, map[string]any{"id": id}, &data); err != nil {
		return nil, err
	}
	return data.Issue.Labels.names(), nil
}

const createActivityMutation = `mutation CreateActivity($input: AgentActivityCreateInput!) {
  agentActivityCreate(input: $input) { success }
}`

func (l *Linear) PostActivity(ctx context.Context, sessionID string, a Activity) error {
	content := map[string]any{"type": string(a.Type)}
	if a.Type == ActivityAction {
		content["action"] = a.Action
		content["parameter"] = a.Parameter
		if a.Result != "" {
			content["result"] = a.Result
		}
	} else {
		content["body"] = a.Body
	}
	vars := map[string]any{"input": map[string]any{
		"agentSessionId": sessionID,
		"content":        content,
	}}

	var data struct {
		AgentActivityCreate struct {
			Success bool `json:"success"`
		} `json:"agentActivityCreate"`
	}
	if err := l.do(ctx, "PostActivity", createActivityMutation, vars, &data); err != nil {
		return err
	}
	if !data.AgentActivityCreate.Success {
		return errors.PlatformFailed("PostActivity", fmt.Errorf("Linear rejected activity"))
	}
	l.log.Debug("posted activity", "sessionID", sessionID, "type", a.Type)
	return nil
}
