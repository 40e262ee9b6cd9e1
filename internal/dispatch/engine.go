// Package dispatch decides what happens to inbound text for a session:
// inject it into the live runner, or start a new runner turn. It also
// consumes each runner's output, drives the session through its procedure
// and reports child completion to the parent session.
package dispatch

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zhubert/relay/internal/config"
	"github.com/zhubert/relay/internal/errors"
	"github.com/zhubert/relay/internal/logger"
	"github.com/zhubert/relay/internal/platform"
	"github.com/zhubert/relay/internal/procedure"
	"github.com/zhubert/relay/internal/prompt"
	"github.com/zhubert/relay/internal/runner"
	"github.com/zhubert/relay/internal/session"
)

const tracerName = "github.com/zhubert/relay/internal/dispatch"

// Outcome is what HandleInboundText did with the text.
type Outcome int

const (
	// OutcomeInjected means the text went into the running turn.
	OutcomeInjected Outcome = iota
	// OutcomeResumed means a new runner turn was started.
	OutcomeResumed
)

func (o Outcome) String() string {
	if o == OutcomeInjected {
		return "injected"
	}
	return "resumed"
}

// Input is one piece of inbound text for a session.
type Input struct {
	Text        string
	Attachments []string
	// Labels feed classification and runner selection. Empty means the
	// labels cached on the session's work item.
	Labels       []string
	IsNewSession bool
	// Continuation keeps the session's current procedure position instead
	// of reclassifying.
	Continuation bool
	// Fixer re-enters a validation subroutine with its fixer prompt.
	Fixer bool
	// AdditionalDirectories are granted to the runner for this turn only.
	AdditionalDirectories []string
}

// Notifier is told about finished and failed sessions.
type Notifier interface {
	Completed(name string)
	Failed(name, reason string)
}

// Engine dispatches inbound text to sessions.
type Engine struct {
	cfg        *config.Config
	sessions   *session.Set
	procedures *procedure.Router
	runners    *runner.Factory
	prompts    *prompt.Builder
	platforms  *platform.Registry
	notifier   Notifier
	onChange   func()
	log        *slog.Logger
	tracer     trace.Tracer

	// baseCtx outlives any single request; runner turns and the follow-up
	// dispatches made by watchers run under it.
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithPlatforms sets the adapters activities are posted through.
func WithPlatforms(r *platform.Registry) Option {
	return func(e *Engine) { e.platforms = r }
}

// WithPrompts sets the prompt builder.
func WithPrompts(b *prompt.Builder) Option {
	return func(e *Engine) { e.prompts = b }
}

// WithNotifier sets the completion notifier.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithStateChanged registers a callback invoked whenever persisted session
// state changes.
func WithStateChanged(fn func()) Option {
	return func(e *Engine) { e.onChange = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// New returns an engine.
func New(cfg *config.Config, sessions *session.Set, procedures *procedure.Router, runners *runner.Factory, opts ...Option) *Engine {
	e := &Engine{
		cfg:        cfg,
		sessions:   sessions,
		procedures: procedures,
		runners:    runners,
		log:        logger.ComponentLogger("dispatch"),
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.prompts == nil {
		_, _, promptsDir := cfg.GetDirs()
		e.prompts = prompt.NewBuilder(promptsDir, e.log)
	}
	e.baseCtx, e.cancel = context.WithCancel(context.Background())
	return e
}

// HandleInboundText injects in into the session's live runner when it can
// take streaming input, and otherwise starts a new turn.
func (e *Engine) HandleInboundText(ctx context.Context, sess *session.Session, in Input) (Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "dispatch.HandleInboundText", trace.WithAttributes(
		attribute.String("session.id", sess.ID()),
		attribute.String("session.repository", sess.RepositoryID()),
		attribute.Bool("dispatch.continuation", in.Continuation),
	))
	defer span.End()

	sess.LockDispatch()
	defer sess.UnlockDispatch()

	out, err := e.dispatchLocked(ctx, sess, in)
	span.SetAttributes(attribute.String("dispatch.outcome", out.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (e *Engine) dispatchLocked(ctx context.Context, sess *session.Session, in Input) (Outcome, error) {
	log := logger.WithSession(sess.ID()).With("component", "dispatch")

	if h := sess.Handle(); h != nil && h.IsRunning() && e.streams(sess) {
		text := prompt.WithAttachments(in.Text, in.Attachments)
		err := h.AddInput(text)
		if err == nil {
			sess.AppendEntry(session.Entry{Type: "user", Content: text})
			log.Debug("injected text into running turn")
			return OutcomeInjected, nil
		}
		// The process finished between the check and the write.
		log.Debug("injection failed, resuming instead", "error", err)
	}

	if err := e.resumeLocked(ctx, sess, in); err != nil {
		return OutcomeResumed, err
	}
	return OutcomeResumed, nil
}

// Inject feeds text into the session's live turn without ever starting a
// new one. It reports whether the text was delivered.
func (e *Engine) Inject(sess *session.Session, text string) bool {
	sess.LockDispatch()
	defer sess.UnlockDispatch()

	h := sess.Handle()
	if h == nil || !h.IsRunning() || !e.streams(sess) {
		return false
	}
	if err := h.AddInput(text); err != nil {
		return false
	}
	sess.AppendEntry(session.Entry{Type: "user", Content: text})
	return true
}

// streams reports whether the session's current runner accepts input
// while running.
func (e *Engine) streams(sess *session.Session) bool {
	r, ok := e.runners.Get(sess.RunnerName())
	return ok && r.SupportsStreamingInput()
}

func (e *Engine) labels(sess *session.Session, in Input) []string {
	if len(in.Labels) > 0 {
		return in.Labels
	}
	return sess.WorkItem().Labels
}

// resumeLocked starts a new runner turn. The caller holds the session's
// dispatch lock.
func (e *Engine) resumeLocked(ctx context.Context, sess *session.Session, in Input) error {
	log := logger.WithSession(sess.ID()).With("component", "dispatch")
	if e.baseCtx.Err() != nil {
		return errors.E(errors.Op("dispatch.Resume"), errors.KindRunner, "dispatch engine is shut down")
	}
	labels := e.labels(sess, in)

	st := sess.Procedure()
	if !in.Continuation || !st.Initialized() {
		class, err := e.procedures.Classify(ctx, procedure.Request{Text: in.Text, Labels: labels})
		if err != nil {
			return err
		}
		sess.UpdateProcedure(func(s *procedure.State) {
			e.procedures.InitializeMetadata(s, class.Procedure)
			s.Classification = class.Label
			s.Reasoning = class.Reasoning
		})
		log.Info("classified request", "procedure", class.Procedure.Name, "source", class.Source, "label", class.Label)
		st = sess.Procedure()
	}
	sub := e.procedures.Current(&st)

	if h := sess.Handle(); h != nil {
		sess.DetachHandle(h)
		h.Stop()
	}

	repo, _ := e.cfg.GetRepository(sess.RepositoryID())
	r := e.runners.Select(labels, repo.Runner)
	if r == nil {
		return errors.RunnerStartFailed(sess.ID(), errors.E(errors.KindConfig, "no runner available"))
	}

	resumeToken := sess.ResumeToken()
	if prev := sess.RunnerName(); prev != "" && prev != r.Name() {
		// Conversation ids are not portable between runner backends.
		resumeToken = ""
	}

	cfg := e.runnerConfig(sess, repo, sub, in)
	cfg.ResumeToken = resumeToken

	w := sess.WorkItem()
	text := e.prompts.Build(prompt.Input{
		WorkItem:           prompt.WorkItem{Identifier: w.Identifier, Title: w.Title, Description: w.Description},
		Subroutine:         sub,
		Text:               in.Text,
		Fixer:              in.Fixer,
		ValidationFeedback: st.ValidationFeedback,
		Attachments:        in.Attachments,
		FirstTurn:          resumeToken == "",
	})

	h, err := r.Start(e.baseCtx, cfg, text)
	if err != nil {
		log.Error("failed to start runner", "runner", r.Name(), "error", err)
		if e.notifier != nil {
			e.notifier.Failed(e.displayName(sess), "runner did not start")
		}
		return errors.RunnerStartFailed(sess.ID(), err)
	}
	if err := sess.AttachHandle(h); err != nil {
		h.Stop()
		return err
	}
	sess.SetRunnerName(r.Name())
	sess.SetStatus(session.StatusActive)
	if in.Text != "" {
		sess.AppendEntry(session.Entry{Type: "user", Content: in.Text})
	}

	subName := ""
	if sub != nil {
		subName = sub.Name
	}
	log.Info("started runner turn", "runner", r.Name(), "procedure", st.Name, "subroutine", subName, "resume", resumeToken != "")

	e.wg.Add(1)
	go e.watch(sess, h)
	e.changed()
	return nil
}

// runnerConfig assembles the runner settings for one turn of sub.
func (e *Engine) runnerConfig(sess *session.Session, repo config.Repository, sub *procedure.Subroutine, in Input) runner.Config {
	rc := e.cfg.GetRunner()
	attachmentsDir, _, _ := e.cfg.GetDirs()

	workDir := sess.Workspace().Path
	if workDir == "" {
		workDir = repo.Path
	}

	cfg := runner.Config{
		SessionID:  sess.ID(),
		WorkingDir: workDir,
		Model:      rc.Model,
		MaxTurns:   rc.MaxTurns,
	}

	tools := slices.Clone(e.cfg.AllowedToolsFor(repo.ID))
	if sub != nil {
		cfg.SingleTurn = sub.SingleTurn
		cfg.DisallowAllTools = sub.DisallowAllTools
		cfg.DisallowedTools = slices.Clone(sub.DisallowedTools)
		tools = slices.DeleteFunc(tools, func(t string) bool {
			return slices.Contains(sub.DisallowedTools, t)
		})
	}
	if !cfg.DisallowAllTools {
		cfg.AllowedTools = tools
	}

	dirs := make([]string, 0, 2+len(in.AdditionalDirectories))
	dirs = append(dirs, repo.Path, attachmentsDir)
	dirs = append(dirs, in.AdditionalDirectories...)
	cfg.AllowedDirectories = dedupe(dirs)
	return cfg
}

// dedupe drops empty and repeated entries, keeping first occurrences.
func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Stop ends the session's live turn, if any. Stopping a session with no
// live turn succeeds.
func (e *Engine) Stop(ctx context.Context, sessionID string) error {
	_, span := e.tracer.Start(ctx, "dispatch.Stop", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	sess, ok := e.sessions.Find(sessionID)
	if !ok {
		err := errors.SessionNotFound(sessionID)
		span.RecordError(err)
		return err
	}

	sess.LockDispatch()
	h := sess.Handle()
	if h != nil {
		sess.DetachHandle(h)
		h.Stop()
	}
	sess.UnlockDispatch()

	if h != nil {
		logger.WithSession(sessionID).Info("stopped runner turn")
		e.changed()
	}
	return nil
}

// Shutdown stops every live turn and waits for the watchers to exit, or
// for ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()
	for _, sess := range e.sessions.AllRunning() {
		e.Stop(ctx, sess.ID())
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) changed() {
	if e.onChange != nil {
		e.onChange()
	}
}

func (e *Engine) displayName(sess *session.Session) string {
	if id := sess.WorkItem().Identifier; id != "" {
		return id
	}
	return sess.ID()
}

// Post sends an activity to the session's platform thread. Failures are
// logged and otherwise ignored.
func (e *Engine) Post(ctx context.Context, sess *session.Session, a platform.Activity) {
	if e.platforms == nil {
		return
	}
	adapter, ok := e.platforms.Get(sess.WorkItem().Platform)
	if !ok {
		return
	}
	if err := adapter.PostActivity(ctx, sess.ID(), a); err != nil {
		logger.WithSession(sess.ID()).Warn("failed to post activity", "type", a.Type, "error", err)
	}
}
