// Package agent wires the session set, routers, dispatch engine and
// persistence into the Orchestrator that inbound platform events are
// handed to.
package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/zhubert/relay/internal/config"
	"github.com/zhubert/relay/internal/delegation"
	"github.com/zhubert/relay/internal/dispatch"
	"github.com/zhubert/relay/internal/logger"
	"github.com/zhubert/relay/internal/notification"
	"github.com/zhubert/relay/internal/platform"
	"github.com/zhubert/relay/internal/procedure"
	"github.com/zhubert/relay/internal/prompt"
	"github.com/zhubert/relay/internal/routing"
	"github.com/zhubert/relay/internal/runner"
	"github.com/zhubert/relay/internal/session"
	"github.com/zhubert/relay/internal/store"
	"github.com/zhubert/relay/internal/workspace"
)

const shutdownTimeout = 10 * time.Second

// WorkspaceProvider creates the directory a session works in.
type WorkspaceProvider interface {
	Create(ctx context.Context, repo config.Repository, identifier string) (session.Workspace, error)
}

// Orchestrator is the long-running service behind relay serve. It routes
// inbound events to sessions and keeps their state persisted.
type Orchestrator struct {
	config     *config.Config
	sessions   *session.Set
	router     *routing.Router
	procedures *procedure.Router
	engine     *dispatch.Engine
	platforms  *platform.Registry
	workspaces WorkspaceProvider
	store      store.Store
	persister  *store.Persister
	notifier   *notification.Notifier
	logger     *slog.Logger
	tracer     trace.Tracer

	// Options
	runners    *runner.Factory
	catalog    *procedure.Catalog
	classifier procedure.Classifier

	// Serializes config reconciliation.
	mu sync.Mutex
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithRunners sets the runner factory. Defaults to the runners named in
// the config.
func WithRunners(f *runner.Factory) Option {
	return func(o *Orchestrator) { o.runners = f }
}

// WithPlatforms sets the platform adapters.
func WithPlatforms(r *platform.Registry) Option {
	return func(o *Orchestrator) { o.platforms = r }
}

// WithWorkspaces sets the workspace provider.
func WithWorkspaces(w WorkspaceProvider) Option {
	return func(o *Orchestrator) { o.workspaces = w }
}

// WithCatalog sets the procedure catalog.
func WithCatalog(c *procedure.Catalog) Option {
	return func(o *Orchestrator) { o.catalog = c }
}

// WithClassifier enables AI classification of requests.
func WithClassifier(c procedure.Classifier) Option {
	return func(o *Orchestrator) { o.classifier = c }
}

// WithStore persists state to s.
func WithStore(s store.Store) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithNotifier sets the desktop notifier.
func WithNotifier(n *notification.Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithTracer sets the tracer used for event spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// New creates an orchestrator for cfg. cfg is owned by the orchestrator
// from here on and only changed through ApplyConfig.
func New(cfg *config.Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		config:   cfg,
		sessions: session.NewSet(delegation.NewRegistry()),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.logger == nil {
		o.logger = logger.ComponentLogger("agent")
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("github.com/zhubert/relay/internal/agent")
	}
	if o.runners == nil {
		o.runners = runner.NewFactoryFromConfig(cfg.GetRunner(), o.logger)
	}
	if o.platforms == nil {
		o.platforms = platform.NewRegistry("linear")
	}
	_, workspaces, prompts := cfg.GetDirs()
	if o.workspaces == nil {
		o.workspaces = workspace.NewProvider(workspaces)
	}
	if o.catalog == nil {
		o.catalog = procedure.DefaultCatalog()
	}
	if o.notifier == nil {
		o.notifier = notification.NewNotifier(cfg.GetNotificationsEnabled())
	}

	pc := cfg.GetProcedures()
	routerOpts := []procedure.RouterOption{
		procedure.WithOverrideLabels(pc.OverrideLabels),
		procedure.WithDefault(pc.Default),
		procedure.WithMaxValidationIterations(pc.MaxValidationIterations),
		procedure.WithTimeout(cfg.GetClassifier().Timeout),
		procedure.WithLogger(o.logger.With("component", "procedure")),
	}
	if o.classifier != nil {
		routerOpts = append(routerOpts, procedure.WithClassifier(o.classifier))
	}
	o.procedures = procedure.NewRouter(o.catalog, routerOpts...)
	o.router = routing.NewRouter(o.logger.With("component", "routing"),
		routing.WithRepositories(func() []config.Repository { return o.config.GetRepositories() }))

	if o.store != nil {
		o.persister = store.NewPersister(o.store, o.SerializeState, cfg.GetState().SaveInterval, o.logger.With("component", "store"))
	}

	o.engine = dispatch.New(cfg, o.sessions, o.procedures, o.runners,
		dispatch.WithPlatforms(o.platforms),
		dispatch.WithPrompts(prompt.NewBuilder(prompts, o.logger.With("component", "prompt"))),
		dispatch.WithNotifier(o.notifier),
		dispatch.WithStateChanged(o.stateChanged),
		dispatch.WithLogger(o.logger.With("component", "dispatch")),
	)

	for _, repo := range cfg.GetRepositories() {
		o.sessions.For(repo.ID)
	}
	return o
}

// Sessions returns the session set.
func (o *Orchestrator) Sessions() *session.Set { return o.sessions }

// Config returns the applied configuration.
func (o *Orchestrator) Config() *config.Config { return o.config }

// Load restores the last saved snapshot, if a store is configured and one
// exists.
func (o *Orchestrator) Load(ctx context.Context) error {
	if o.store == nil {
		return nil
	}
	snap, err := o.store.Load(ctx)
	if err != nil {
		return err
	}
	if snap == nil {
		o.logger.Info("no saved state, starting fresh")
		return nil
	}
	o.RestoreState(snap)
	o.logger.Info("restored state", "sessions", o.sessions.Len(), "savedAt", snap.SavedAt)
	return nil
}

// Run persists state in the background until ctx is cancelled, then stops
// every live turn and writes a final snapshot.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator starting",
		"repositories", len(o.config.GetRepositories()),
		"runners", o.runners.Names(),
		"platforms", o.platforms.Names(),
	)

	if o.persister != nil {
		go o.persister.Run(ctx)
	}
	<-ctx.Done()
	o.logger.Info("context cancelled, shutting down")
	o.Shutdown()
	return ctx.Err()
}

// Shutdown stops every live turn, flushes state and closes the store.
func (o *Orchestrator) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := o.engine.Shutdown(ctx); err != nil {
		o.logger.Warn("timed out waiting for runner turns", "error", err)
	}
	if o.persister != nil {
		if err := o.persister.Flush(ctx); err != nil {
			o.logger.Error("failed to save final state", "error", err)
		}
	}
	if o.store != nil {
		if err := o.store.Close(); err != nil {
			o.logger.Warn("failed to close store", "error", err)
		}
	}
	o.logger.Info("orchestrator stopped")
}

func (o *Orchestrator) stateChanged() {
	if o.persister != nil {
		o.persister.Trigger()
	}
}
