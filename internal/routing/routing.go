// Package routing decides which configured repository a work item belongs
// to, caches the answer, and tracks work items waiting for a user to pick
// a repository.
package routing

import (
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/zhubert/relay/internal/config"
	"github.com/zhubert/relay/internal/logger"
)

// Method records which strategy produced a routing decision.
type Method string

const (
	MethodCache        Method = "cache"
	MethodTag          Method = "tag"
	MethodLabel        Method = "label"
	MethodProject      Method = "project"
	MethodTeam         Method = "team"
	MethodSingle       Method = "single"
	MethodUserSelected Method = "user-selected"
)

// Kind is the shape of a routing result.
type Kind int

const (
	// KindSelected means exactly one repository was chosen.
	KindSelected Kind = iota
	// KindNeedsSelection means the user must pick among Candidates.
	KindNeedsSelection
	// KindNone means no repository is configured for the item.
	KindNone
)

func (k Kind) String() string {
	switch k {
	case KindSelected:
		return "selected"
	case KindNeedsSelection:
		return "needs-selection"
	default:
		return "none"
	}
}

// Item is the part of a work item routing looks at.
type Item struct {
	ID          string
	Identifier  string
	Title       string
	Description string
	Labels      []string
	Project     string
	Team        string
	WorkspaceID string
}

// Result is a routing decision.
type Result struct {
	Kind       Kind
	Repository config.Repository
	Method     Method
	Candidates []config.Repository
}

// Pending is a work item waiting for a repository selection.
type Pending struct {
	WorkItemID   string    `json:"workItemId"`
	CandidateIDs []string  `json:"candidateIds"`
	CreatedAt    time.Time `json:"createdAt"`
}

// State is the persisted form of the router's caches.
type State struct {
	Routes  map[string]string  `json:"routes,omitempty"`
	Pending map[string]Pending `json:"pending,omitempty"`
}

var repoTagRegex = regexp.MustCompile(`\[repo=([^\]]+)\]`)

// Router resolves work items to repositories. Decisions are cached per
// work item and reused for every later event on it.
type Router struct {
	log   *slog.Logger
	repos func() []config.Repository

	mu      sync.RWMutex
	routes  map[string]string
	pending map[string]Pending
}

// Option configures a Router.
type Option func(*Router)

// WithRepositories supplies every configured repository. Cached routes are
// looked up there, so a cached decision holds even when the work item's
// candidate list changes.
func WithRepositories(repos func() []config.Repository) Option {
	return func(r *Router) { r.repos = repos }
}

// NewRouter returns an empty router.
func NewRouter(log *slog.Logger, opts ...Option) *Router {
	if log == nil {
		log = logger.ComponentLogger("routing")
	}
	r := &Router{
		log:     log,
		routes:  make(map[string]string),
		pending: make(map[string]Pending),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve picks a repository for item among candidates. Strategies are
// tried in order: cache, inline [repo=...] tag, label, project, team, and
// finally the single-candidate fallback. When several candidates remain
// and none matched, a pending selection is recorded.
func (r *Router) Resolve(item Item, candidates []config.Repository) Result {
	if len(candidates) == 0 {
		return Result{Kind: KindNone}
	}

	if repo, ok := r.cached(item.ID, candidates); ok {
		return Result{Kind: KindSelected, Repository: repo, Method: MethodCache}
	}

	strategies := []struct {
		method Method
		match  func(Item, []config.Repository) (config.Repository, bool)
	}{
		{MethodTag, matchTag},
		{MethodLabel, matchLabel},
		{MethodProject, matchProject},
		{MethodTeam, matchTeam},
	}
	for _, s := range strategies {
		if repo, ok := s.match(item, candidates); ok {
			r.remember(item.ID, repo.ID)
			r.log.Debug("routed work item", "workItem", item.ID, "repo", repo.ID, "method", s.method)
			return Result{Kind: KindSelected, Repository: repo, Method: s.method}
		}
	}

	if len(candidates) == 1 {
		r.remember(item.ID, candidates[0].ID)
		return Result{Kind: KindSelected, Repository: candidates[0], Method: MethodSingle}
	}

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	r.mu.Lock()
	r.pending[item.ID] = Pending{WorkItemID: item.ID, CandidateIDs: ids, CreatedAt: time.Now().UTC()}
	r.mu.Unlock()
	r.log.Info("work item needs repository selection", "workItem", item.ID, "candidates", len(ids))

	return Result{Kind: KindNeedsSelection, Candidates: slices.Clone(candidates)}
}

// cached returns the cached repository for a work item. The id is looked
// up among the candidates and then among all configured repositories.
// Entries for removed repositories are dropped by Forget, never here.
func (r *Router) cached(workItemID string, candidates []config.Repository) (config.Repository, bool) {
	r.mu.RLock()
	id, ok := r.routes[workItemID]
	r.mu.RUnlock()
	if !ok {
		return config.Repository{}, false
	}
	if repo, ok := findRepo(candidates, id); ok {
		return repo, true
	}
	if r.repos != nil {
		if repo, ok := findRepo(r.repos(), id); ok {
			return repo, true
		}
	}
	r.log.Warn("cached repository is not configured", "workItem", workItemID, "repo", id)
	return config.Repository{}, false
}

func findRepo(repos []config.Repository, id string) (config.Repository, bool) {
	for _, repo := range repos {
		if repo.ID == id {
			return repo, true
		}
	}
	return config.Repository{}, false
}

func (r *Router) remember(workItemID, repoID string) {
	if workItemID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[workItemID] = repoID
	delete(r.pending, workItemID)
}

// Cached returns the repository id cached for a work item.
func (r *Router) Cached(workItemID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.routes[workItemID]
	return id, ok
}

// Pending returns the pending selection for a work item.
func (r *Router) Pending(workItemID string) (Pending, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pending[workItemID]
	if ok {
		p.CandidateIDs = slices.Clone(p.CandidateIDs)
	}
	return p, ok
}

// ResolveSelection answers a pending selection with the user's reply. The
// first candidate whose id or name appears in text (case-insensitive)
// wins; otherwise the first candidate is used. repos supplies the current
// configuration for the pending candidate ids. The bool is false when the
// work item had no pending selection or none of its candidates is still
// configured.
func (r *Router) ResolveSelection(workItemID, text string, repos []config.Repository) (Result, bool) {
	r.mu.RLock()
	p, ok := r.pending[workItemID]
	r.mu.RUnlock()
	if !ok {
		return Result{}, false
	}

	var candidates []config.Repository
	for _, id := range p.CandidateIDs {
		for _, repo := range repos {
			if repo.ID == id {
				candidates = append(candidates, repo)
			}
		}
	}
	if len(candidates) == 0 {
		r.mu.Lock()
		delete(r.pending, workItemID)
		r.mu.Unlock()
		return Result{}, false
	}

	chosen := candidates[0]
	answer := strings.ToLower(text)
	for _, c := range candidates {
		if matchesAnswer(answer, c) {
			chosen = c
			break
		}
	}
	r.remember(workItemID, chosen.ID)
	r.log.Info("repository selected", "workItem", workItemID, "repo", chosen.ID)
	return Result{Kind: KindSelected, Repository: chosen, Method: MethodUserSelected}, true
}

func matchesAnswer(answer string, repo config.Repository) bool {
	for _, key := range []string{repo.Name, repo.ID, repo.Slug} {
		if key != "" && strings.Contains(answer, strings.ToLower(key)) {
			return true
		}
	}
	return false
}

// Forget drops every cached route and pending candidate for a repository.
func (r *Router) Forget(repoID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for wi, id := range r.routes {
		if id == repoID {
			delete(r.routes, wi)
		}
	}
	for wi, p := range r.pending {
		p.CandidateIDs = slices.DeleteFunc(p.CandidateIDs, func(id string) bool { return id == repoID })
		if len(p.CandidateIDs) == 0 {
			delete(r.pending, wi)
		} else {
			r.pending[wi] = p
		}
	}
}

// Snapshot returns a copy of the router's caches.
func (r *Router) Snapshot() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := State{
		Routes:  make(map[string]string, len(r.routes)),
		Pending: make(map[string]Pending, len(r.pending)),
	}
	for k, v := range r.routes {
		s.Routes[k] = v
	}
	for k, v := range r.pending {
		v.CandidateIDs = slices.Clone(v.CandidateIDs)
		s.Pending[k] = v
	}
	return s
}

// Restore replaces the router's caches with s.
func (r *Router) Restore(s State) {
	routes := make(map[string]string, len(s.Routes))
	for k, v := range s.Routes {
		routes[k] = v
	}
	pending := make(map[string]Pending, len(s.Pending))
	for k, v := range s.Pending {
		v.CandidateIDs = slices.Clone(v.CandidateIDs)
		pending[k] = v
	}
	r.mu.Lock()
	r.routes = routes
	r.pending = pending
	r.mu.Unlock()
}

func matchTag(item Item, candidates []config.Repository) (config.Repository, bool) {
	for _, text := range []string{item.Title, item.Description} {
		for _, m := range repoTagRegex.FindAllStringSubmatch(text, -1) {
			tag := strings.ToLower(strings.TrimSpace(m[1]))
			for _, c := range candidates {
				if equalFold(tag, c.ID) || equalFold(tag, c.Name) || equalFold(tag, c.Slug) {
					return c, true
				}
			}
		}
	}
	return config.Repository{}, false
}

func matchLabel(item Item, candidates []config.Repository) (config.Repository, bool) {
	for _, c := range candidates {
		for _, want := range c.Labels {
			for _, have := range item.Labels {
				if equalFold(want, have) {
					return c, true
				}
			}
		}
	}
	return config.Repository{}, false
}

func matchProject(item Item, candidates []config.Repository) (config.Repository, bool) {
	if item.Project == "" {
		return config.Repository{}, false
	}
	for _, c := range candidates {
		for _, p := range c.Projects {
			if equalFold(p, item.Project) {
				return c, true
			}
		}
	}
	return config.Repository{}, false
}

func matchTeam(item Item, candidates []config.Repository) (config.Repository, bool) {
	if item.Team == "" {
		return config.Repository{}, false
	}
	for _, c := range candidates {
		for _, team := range c.Teams {
			if equalFold(team, item.Team) {
				return c, true
			}
		}
	}
	return config.Repository{}, false
}

func equalFold(a, b string) bool {
	return a != "" && b != "" && strings.EqualFold(a, b)
}
