package procedure

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/zhubert/relay/internal/errors"
	"github.com/zhubert/relay/internal/logger"
)

// Request is the input to classification.
type Request struct {
	Text   string
	Labels []string
}

// Classifier is the external, time-boxed call that labels a request. The
// returned label must be one of labels.
type Classifier interface {
	Classify(ctx context.Context, text string, labels []string) (label, reasoning string, err error)
}

// Source records how a classification was reached.
type Source string

const (
	SourceOverride   Source = "override"
	SourceClassifier Source = "classifier"
	SourceFallback   Source = "fallback"
)

// Classification is the router's answer for a request.
type Classification struct {
	Procedure *Procedure
	Label     string
	Reasoning string
	Source    Source
}

// Router classifies requests into procedures and advances sessions through
// them. It holds no per-session state; callers own the State values.
type Router struct {
	catalog        *Catalog
	classifier     Classifier
	overrideLabels []string
	defaultName    string
	timeout        time.Duration
	maxIterations  int
	logger         *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithClassifier sets the external classifier. Without one every request
// that misses the override labels gets the default procedure.
func WithClassifier(c Classifier) RouterOption {
	return func(r *Router) { r.classifier = c }
}

// WithOverrideLabels sets the override labels in priority order.
func WithOverrideLabels(labels []string) RouterOption {
	return func(r *Router) { r.overrideLabels = slices.Clone(labels) }
}

// WithDefault sets the fallback procedure name.
func WithDefault(name string) RouterOption {
	return func(r *Router) { r.defaultName = name }
}

// WithTimeout bounds each classifier call.
func WithTimeout(d time.Duration) RouterOption {
	return func(r *Router) { r.timeout = d }
}

// WithMaxValidationIterations bounds validation fixer re-entries.
func WithMaxValidationIterations(n int) RouterOption {
	return func(r *Router) { r.maxIterations = n }
}

// WithLogger sets the router's logger.
func WithLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// NewRouter returns a router over catalog.
func NewRouter(catalog *Catalog, opts ...RouterOption) *Router {
	r := &Router{
		catalog:        catalog,
		overrideLabels: []string{"orchestrator", "debugger", "plan", "question", "docs"},
		defaultName:    FullDevelopment,
		timeout:        10 * time.Second,
		maxIterations:  3,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logger.ComponentLogger("procedure")
	}
	return r
}

// Catalog returns the router's procedure catalog.
func (r *Router) Catalog() *Catalog {
	return r.catalog
}

// MaxValidationIterations returns the configured fixer bound.
func (r *Router) MaxValidationIterations() int {
	return r.maxIterations
}

// Classify picks a procedure for req. Override labels are checked first in
// priority order and skip the classifier entirely. Classifier failures and
// timeouts fall back to the default procedure. The only error is a missing
// default procedure.
func (r *Router) Classify(ctx context.Context, req Request) (Classification, error) {
	if c, ok := r.classifyByOverride(req.Labels); ok {
		r.logger.Debug("classified by override label", "label", c.Label, "procedure", c.Procedure.Name)
		return c, nil
	}

	if r.classifier != nil {
		c, err := r.classifyWithClassifier(ctx, req.Text)
		if err == nil {
			r.logger.Debug("classified", "label", c.Label, "procedure", c.Procedure.Name)
			return c, nil
		}
		r.logger.Warn("classifier failed, using default procedure", "error", err, "default", r.defaultName)
	}

	def, ok := r.catalog.Get(r.defaultName)
	if !ok {
		return Classification{}, errors.ProcedureNotFound(r.defaultName)
	}
	return Classification{Procedure: def, Source: SourceFallback}, nil
}

func (r *Router) classifyByOverride(labels []string) (Classification, bool) {
	present := make(map[string]bool, len(labels))
	for _, l := range labels {
		present[strings.ToLower(l)] = true
	}
	for _, label := range r.overrideLabels {
		if !present[strings.ToLower(label)] {
			continue
		}
		name, ok := r.catalog.ForOverride(label)
		if !ok {
			continue
		}
		if p, ok := r.catalog.Get(name); ok {
			return Classification{
				Procedure: p,
				Label:     label,
				Reasoning: "override label " + label,
				Source:    SourceOverride,
			}, true
		}
	}
	return Classification{}, false
}

func (r *Router) classifyWithClassifier(ctx context.Context, text string) (Classification, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	label, reasoning, err := r.classifier.Classify(ctx, text, r.catalog.ClassificationLabels())
	if err != nil {
		if ctx.Err() != nil {
			return Classification{}, errors.ClassifierTimeout(err)
		}
		return Classification{}, err
	}

	name, ok := r.catalog.ForClassification(label)
	if !ok {
		return Classification{}, errors.E(errors.Op("procedure.Classify"), errors.KindInvalid, "classifier returned unknown label "+label)
	}
	p, ok := r.catalog.Get(name)
	if !ok {
		return Classification{}, errors.ProcedureNotFound(name)
	}
	return Classification{Procedure: p, Label: label, Reasoning: reasoning, Source: SourceClassifier}, nil
}

// InitializeMetadata assigns proc to state and rewinds to its first
// subroutine with a cleared validation loop.
func (r *Router) InitializeMetadata(state *State, proc *Procedure) {
	state.Name = proc.Name
	state.SubroutineIndex = 0
	state.ValidationIteration = 0
	state.ValidationFeedback = ""
	if first := proc.Subroutine(0); first != nil {
		state.record(first.Name, "started")
	}
}

// Procedure returns the procedure state refers to.
func (r *Router) Procedure(state *State) (*Procedure, bool) {
	if !state.Initialized() {
		return nil, false
	}
	return r.catalog.Get(state.Name)
}

// Current returns the subroutine state points at, or nil when the
// procedure is complete or unknown.
func (r *Router) Current(state *State) *Subroutine {
	p, ok := r.Procedure(state)
	if !ok {
		return nil
	}
	return p.Subroutine(state.SubroutineIndex)
}

// IsComplete reports whether state has run past its last subroutine.
func (r *Router) IsComplete(state *State) bool {
	p, ok := r.Procedure(state)
	return ok && state.SubroutineIndex >= len(p.Subroutines)
}

// Advance moves state to the next subroutine and returns it, or nil when
// the procedure is complete. Leaving a validation subroutine clears the
// validation loop.
func (r *Router) Advance(state *State) *Subroutine {
	p, ok := r.Procedure(state)
	if !ok {
		return nil
	}
	if cur := p.Subroutine(state.SubroutineIndex); cur != nil {
		state.record(cur.Name, "completed")
		if cur.Kind == KindValidation {
			state.ValidationIteration = 0
			state.ValidationFeedback = ""
		}
	}

	state.SubroutineIndex++
	if state.SubroutineIndex >= len(p.Subroutines) {
		state.SubroutineIndex = len(p.Subroutines)
		state.record("", "procedure-complete")
		return nil
	}
	next := p.Subroutine(state.SubroutineIndex)
	state.record(next.Name, "started")
	return next
}

// ValidationOutcome is the result reported by a validation subroutine.
type ValidationOutcome struct {
	Passed            bool
	RerunVerification bool
	Feedback          string
}

// TransitionKind is how the dispatch engine must continue after a
// validation subroutine completes.
type TransitionKind int

const (
	// TransitionAdvance continues with Next, or completes the procedure when Next is nil.
	TransitionAdvance TransitionKind = iota
	// TransitionRetryFixer re-runs the same subroutine with the fixer prompt.
	TransitionRetryFixer
	// TransitionRerunVerification jumps back to the preceding verification subroutine.
	TransitionRerunVerification
	// TransitionAbandon gives up on the loop and advances; Next is as for TransitionAdvance.
	TransitionAbandon
)

func (k TransitionKind) String() string {
	switch k {
	case TransitionAdvance:
		return "advance"
	case TransitionRetryFixer:
		return "retry-fixer"
	case TransitionRerunVerification:
		return "rerun-verification"
	case TransitionAbandon:
		return "abandon"
	default:
		return "unknown"
	}
}

// Transition is the procedure-level event produced by CompleteValidation.
type Transition struct {
	Kind TransitionKind
	Next *Subroutine
}

// CompleteValidation applies a validation outcome to state. Failed
// outcomes and verification reruns both consume one iteration of the
// bounded loop; once the bound is reached the loop is abandoned and the
// procedure advances.
func (r *Router) CompleteValidation(state *State, outcome ValidationOutcome) Transition {
	cur := r.Current(state)
	if cur == nil || cur.Kind != KindValidation || outcome.Passed {
		return Transition{Kind: TransitionAdvance, Next: r.Advance(state)}
	}

	if state.ValidationIteration >= r.maxIterations {
		r.logger.Warn("validation loop exhausted, advancing",
			"procedure", state.Name, "subroutine", cur.Name, "iterations", state.ValidationIteration)
		state.record(cur.Name, "validation-abandoned")
		return Transition{Kind: TransitionAbandon, Next: r.Advance(state)}
	}

	state.ValidationIteration++
	state.ValidationFeedback = outcome.Feedback

	if outcome.RerunVerification {
		if idx := r.precedingVerification(state); idx >= 0 {
			state.SubroutineIndex = idx
			p, _ := r.Procedure(state)
			next := p.Subroutine(idx)
			state.record(next.Name, "verification-rerun")
			return Transition{Kind: TransitionRerunVerification, Next: next}
		}
	}

	state.record(cur.Name, "validation-retry")
	return Transition{Kind: TransitionRetryFixer, Next: cur}
}

func (r *Router) precedingVerification(state *State) int {
	p, ok := r.Procedure(state)
	if !ok {
		return -1
	}
	for i := state.SubroutineIndex - 1; i >= 0; i-- {
		if p.Subroutines[i].Kind == KindVerification {
			return i
		}
	}
	return -1
}
