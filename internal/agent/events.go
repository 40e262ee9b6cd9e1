package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zhubert/relay/internal/config"
	"github.com/zhubert/relay/internal/dispatch"
	"github.com/zhubert/relay/internal/errors"
	"github.com/zhubert/relay/internal/logger"
	"github.com/zhubert/relay/internal/platform"
	"github.com/zhubert/relay/internal/routing"
	"github.com/zhubert/relay/internal/session"
)

// EventType names an inbound platform event.
type EventType string

const (
	EventSessionStart  EventType = "session_start"
	EventUserPrompt    EventType = "user_prompt"
	EventStop          EventType = "stop"
	EventContentUpdate EventType = "content_update"
	EventUnassign      EventType = "unassign"
)

// Event is a platform event already translated out of the platform's own
// webhook format.
type Event struct {
	Type        EventType `json:"type"`
	Platform    string    `json:"platform,omitempty"`
	SessionID   string    `json:"sessionId,omitempty"`
	WorkItemID  string    `json:"workItemId,omitempty"`
	WorkspaceID string    `json:"workspaceId,omitempty"`
	Text        string    `json:"text,omitempty"`
	Attachments []string  `json:"attachments,omitempty"`

	// Work item fields carried by the event itself. They are used when
	// the platform cannot be reached and as the update in ContentUpdate.
	Identifier  string   `json:"identifier,omitempty"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	URL         string   `json:"url,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	Project     string   `json:"project,omitempty"`
	Team        string   `json:"team,omitempty"`
}

// Session metadata written while a session waits for a repository choice.
const (
	metaSelectionText        = "selection.text"
	metaSelectionAttachments = "selection.attachments"
)

// HandleInboundEvent applies one platform event. Errors are logged here
// and returned for the caller to report; they never affect other sessions.
func (o *Orchestrator) HandleInboundEvent(ctx context.Context, ev Event) error {
	ctx, span := o.tracer.Start(ctx, "agent.HandleInboundEvent", trace.WithAttributes(
		attribute.String("event.type", string(ev.Type)),
		attribute.String("session.id", ev.SessionID),
		attribute.String("workitem.id", ev.WorkItemID),
	))
	defer span.End()

	var err error
	switch ev.Type {
	case EventSessionStart:
		err = o.handleSessionStart(ctx, ev)
	case EventUserPrompt:
		err = o.handleUserPrompt(ctx, ev)
	case EventStop:
		err = o.handleStop(ctx, ev)
	case EventContentUpdate:
		o.handleContentUpdate(ev)
	case EventUnassign:
		o.handleUnassign(ctx, ev)
	default:
		err = errors.E(errors.Op("agent.HandleInboundEvent"), errors.KindInvalid, "unknown event type "+string(ev.Type))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error("event failed", "type", ev.Type, "sessionID", ev.SessionID, "workItem", ev.WorkItemID, "error", err)
	}
	return err
}

func (o *Orchestrator) handleSessionStart(ctx context.Context, ev Event) error {
	if ev.SessionID == "" {
		ev.SessionID = uuid.NewString()
	}
	if sess, ok := o.sessions.Find(ev.SessionID); ok {
		// Redelivered start for a session we already track.
		if sess.Status() == session.StatusAwaitingSelection {
			return nil
		}
		return o.dispatch(ctx, sess, ev.Text, ev.Attachments)
	}

	log := logger.WithSession(ev.SessionID).With("component", "agent", "workItem", ev.WorkItemID)
	item, comments := o.fetchWorkItem(ctx, ev, log)

	if _, waiting := o.router.Pending(item.ID); waiting {
		if pending, ok := o.awaitingSelection(item.ID); ok {
			log.Info("new session answers pending repository selection", "pendingSession", pending.ID())
			return o.completeSelection(ctx, pending, ev)
		}
	}

	candidates := o.config.RepositoriesForWorkspace(item.WorkspaceID)
	res, answered := o.router.ResolveSelection(item.ID, ev.Text, o.config.GetRepositories())
	if !answered {
		res = o.router.Resolve(routing.Item{
			ID:          item.ID,
			Identifier:  item.Identifier,
			Title:       item.Title,
			Description: item.Description,
			Labels:      item.Labels,
			Project:     item.Project,
			Team:        item.Team,
			WorkspaceID: item.WorkspaceID,
		}, candidates)
	}

	text := ev.Text
	if strings.TrimSpace(text) == "" {
		text = formatInitialMessage(ev.Platform, item)
	}
	if len(comments) > 0 {
		text += "\n\n" + formatComments(comments)
	}

	switch res.Kind {
	case routing.KindNone:
		log.Warn("no repository configured for work item", "workspace", item.WorkspaceID)
		return errors.NoRoute(item.ID)

	case routing.KindNeedsSelection:
		sess, _ := o.sessions.Unscoped().GetOrCreate(ev.SessionID, item.ID)
		sess.SetWorkItem(toSessionWorkItem(ev.Platform, item))
		sess.SetStatus(session.StatusAwaitingSelection)
		sess.SetMetadata(metaSelectionText, text)
		sess.SetMetadata(metaSelectionAttachments, strings.Join(ev.Attachments, "\n"))
		o.stateChanged()
		log.Info("awaiting repository selection", "candidates", len(res.Candidates))
		o.engine.Post(ctx, sess, platform.Activity{
			Type: platform.ActivityElicitation,
			Body: formatSelectionPrompt(res.Candidates),
		})
		return nil
	}

	log.Info("routed work item", "repo", res.Repository.ID, "method", res.Method)
	sess, _ := o.sessions.For(res.Repository.ID).GetOrCreate(ev.SessionID, item.ID)
	sess.SetWorkItem(toSessionWorkItem(ev.Platform, item))
	return o.start(ctx, sess, res.Repository, text, ev.Attachments)
}

func (o *Orchestrator) handleUserPrompt(ctx context.Context, ev Event) error {
	sess, ok := o.sessions.Find(ev.SessionID)
	if !ok {
		// A prompt on a thread we never saw start, e.g. after state was
		// cleared. Treat it as the start of a new session.
		logger.WithSession(ev.SessionID).Info("prompt for unknown session, starting it")
		ev.Type = EventSessionStart
		return o.handleSessionStart(ctx, ev)
	}
	if sess.Status() == session.StatusAwaitingSelection {
		return o.completeSelection(ctx, sess, ev)
	}
	return o.dispatch(ctx, sess, ev.Text, ev.Attachments)
}

// awaitingSelection returns the repository-less session waiting for a
// repository to be picked for the work item.
func (o *Orchestrator) awaitingSelection(workItemID string) (*session.Session, bool) {
	for _, sess := range o.sessions.Unscoped().All() {
		if sess.WorkItemID() == workItemID && sess.Status() == session.StatusAwaitingSelection {
			return sess, true
		}
	}
	return nil, false
}

// completeSelection answers a pending repository selection with the
// user's reply and starts the session in the chosen repository.
func (o *Orchestrator) completeSelection(ctx context.Context, pending *session.Session, ev Event) error {
	log := logger.WithSession(pending.ID()).With("component", "agent", "workItem", pending.WorkItemID())

	res, ok := o.router.ResolveSelection(pending.WorkItemID(), ev.Text, o.config.GetRepositories())
	if !ok {
		o.sessions.Unscoped().Remove(pending.ID())
		o.stateChanged()
		err := errors.NoRoute(pending.WorkItemID())
		o.engine.Post(ctx, pending, platform.Activity{Type: platform.ActivityError, Body: "None of the suggested repositories is configured anymore."})
		return err
	}

	o.sessions.Unscoped().Remove(pending.ID())
	sess, _ := o.sessions.For(res.Repository.ID).GetOrCreate(pending.ID(), pending.WorkItemID())
	sess.SetWorkItem(pending.WorkItem())
	log.Info("repository selected", "repo", res.Repository.ID)

	o.engine.Post(ctx, sess, platform.Activity{
		Type: platform.ActivityResponse,
		Body: fmt.Sprintf("Working in %s.", repoName(res.Repository)),
	})

	text := pending.Metadata(metaSelectionText)
	var attachments []string
	if a := pending.Metadata(metaSelectionAttachments); a != "" {
		attachments = strings.Split(a, "\n")
	}
	return o.start(ctx, sess, res.Repository, text, attachments)
}

// start prepares the session's workspace and runs its first turn. A
// failure is posted once to the session's thread and leaves the session
// dormant.
func (o *Orchestrator) start(ctx context.Context, sess *session.Session, repo config.Repository, text string, attachments []string) error {
	log := logger.WithSession(sess.ID()).With("component", "agent", "repo", repo.ID)

	if sess.Workspace().Path == "" {
		identifier := sess.WorkItem().Identifier
		if identifier == "" {
			identifier = sess.ID()
		}
		ws, err := o.workspaces.Create(ctx, repo, identifier)
		if err != nil {
			log.Error("failed to create workspace", "error", err)
			sess.SetStatus(session.StatusError)
			o.stateChanged()
			o.engine.Post(ctx, sess, platform.Activity{Type: platform.ActivityError, Body: err.Error()})
			return err
		}
		sess.SetWorkspace(ws)
		log.Info("workspace ready", "path", ws.Path, "branch", ws.Branch, "worktree", ws.IsGitWorktree)
	}

	_, err := o.engine.HandleInboundText(ctx, sess, dispatch.Input{
		Text:         text,
		Attachments:  attachments,
		IsNewSession: true,
	})
	if err != nil {
		o.engine.Post(ctx, sess, platform.Activity{Type: platform.ActivityError, Body: err.Error()})
		return err
	}
	return nil
}

func (o *Orchestrator) dispatch(ctx context.Context, sess *session.Session, text string, attachments []string) error {
	out, err := o.engine.HandleInboundText(ctx, sess, dispatch.Input{Text: text, Attachments: attachments})
	if err != nil {
		o.engine.Post(ctx, sess, platform.Activity{Type: platform.ActivityError, Body: err.Error()})
		return err
	}
	logger.WithSession(sess.ID()).Debug("prompt dispatched", "outcome", out)
	return nil
}

func (o *Orchestrator) handleStop(ctx context.Context, ev Event) error {
	sess, ok := o.sessions.Find(ev.SessionID)
	if !ok {
		return errors.SessionNotFound(ev.SessionID)
	}
	if err := o.engine.Stop(ctx, sess.ID()); err != nil {
		return err
	}
	o.engine.Post(ctx, sess, platform.Activity{Type: platform.ActivityResponse, Body: "Stopped. Send a new message to continue."})
	return nil
}

// handleContentUpdate refreshes the cached work item on every session for
// it and tells live streaming turns about the change.
func (o *Orchestrator) handleContentUpdate(ev Event) {
	updated := 0
	for _, sess := range o.sessions.All() {
		if sess.WorkItemID() != ev.WorkItemID {
			continue
		}
		wi := sess.WorkItem()
		if ev.Title != "" {
			wi.Title = ev.Title
		}
		if ev.Description != "" {
			wi.Description = ev.Description
		}
		if ev.Labels != nil {
			wi.Labels = append([]string(nil), ev.Labels...)
		}
		sess.SetWorkItem(wi)
		updated++

		if o.engine.Inject(sess, formatContentNotice(wi)) {
			logger.WithSession(sess.ID()).Info("notified running turn of work item update")
		}
	}
	if updated > 0 {
		o.stateChanged()
	}
	o.logger.Debug("work item updated", "workItem", ev.WorkItemID, "sessions", updated)
}

// handleUnassign stops every session for the work item and marks them
// complete.
func (o *Orchestrator) handleUnassign(ctx context.Context, ev Event) {
	for _, sess := range o.sessions.All() {
		if sess.WorkItemID() != ev.WorkItemID {
			continue
		}
		if err := o.engine.Stop(ctx, sess.ID()); err != nil && !errors.Is(err, errors.KindNotFound) {
			o.logger.Warn("failed to stop session", "sessionID", sess.ID(), "error", err)
		}
		sess.SetStatus(session.StatusComplete)
		o.engine.Post(ctx, sess, platform.Activity{Type: platform.ActivityResponse, Body: "Unassigned. Stopping work on this item."})
		logger.WithSession(sess.ID()).Info("session unassigned")
	}
	o.stateChanged()
}

// fetchWorkItem loads the work item from its platform. Anything the
// platform cannot provide falls back to the event's own fields; labels are
// retried once.
func (o *Orchestrator) fetchWorkItem(ctx context.Context, ev Event, log *slog.Logger) (platform.WorkItem, []platform.Comment) {
	item := platform.WorkItem{
		ID:          ev.WorkItemID,
		Identifier:  ev.Identifier,
		Title:       ev.Title,
		Description: ev.Description,
		URL:         ev.URL,
		Labels:      ev.Labels,
		Project:     ev.Project,
		Team:        ev.Team,
		WorkspaceID: ev.WorkspaceID,
	}
	adapter, ok := o.platforms.Get(ev.Platform)
	if !ok || ev.WorkItemID == "" {
		return item, nil
	}

	fetched, err := adapter.FetchWorkItem(ctx, ev.WorkItemID)
	if err != nil {
		log.Warn("failed to fetch work item, using event fields", "error", err)
	} else {
		item = mergeWorkItem(item, fetched)
	}

	if len(item.Labels) == 0 {
		labels, err := adapter.FetchLabels(ctx, ev.WorkItemID)
		if err != nil {
			log.Warn("failed to fetch labels, retrying", "error", err)
			labels, err = adapter.FetchLabels(ctx, ev.WorkItemID)
		}
		if err != nil {
			log.Warn("proceeding without labels", "error", err)
		} else {
			item.Labels = labels
		}
	}

	comments, err := adapter.FetchComments(ctx, ev.WorkItemID)
	if err != nil {
		log.Warn("proceeding without comments", "error", err)
		comments = nil
	}
	return item, comments
}

// mergeWorkItem fills base with every non-empty field of fetched.
func mergeWorkItem(base, fetched platform.WorkItem) platform.WorkItem {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&base.Identifier, fetched.Identifier)
	set(&base.Title, fetched.Title)
	set(&base.Description, fetched.Description)
	set(&base.URL, fetched.URL)
	set(&base.Project, fetched.Project)
	set(&base.Team, fetched.Team)
	set(&base.WorkspaceID, fetched.WorkspaceID)
	if len(fetched.Labels) > 0 {
		base.Labels = fetched.Labels
	}
	return base
}

func toSessionWorkItem(platformName string, item platform.WorkItem) session.WorkItem {
	return session.WorkItem{
		Identifier:  item.Identifier,
		Title:       item.Title,
		Description: item.Description,
		Platform:    platformName,
		Labels:      append([]string(nil), item.Labels...),
	}
}

// IsNoRoute reports whether err means no repository could take an event.
func IsNoRoute(err error) bool {
	return errors.Is(err, errors.KindRouting)
}
