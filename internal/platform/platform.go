// Package platform talks to the issue trackers work items come from: it
// fetches work item details and posts agent activities back to the thread.
package platform

import (
	"context"
	"sort"
	"sync"
	"time"
)

// WorkItem is a ticket as seen by relay.
type WorkItem struct {
	ID          string
	Identifier  string // human key such as ENG-12
	Title       string
	Description string
	URL         string
	Labels      []string
	Project     string
	Team        string
	WorkspaceID string
}

// Comment is one comment on a work item.
type Comment struct {
	ID        string
	Body      string
	Author    string
	CreatedAt time.Time
}

// ActivityType is the kind of activity posted to an agent session thread.
type ActivityType string

const (
	ActivityThought     ActivityType = "thought"
	ActivityAction      ActivityType = "action"
	ActivityResponse    ActivityType = "response"
	ActivityError       ActivityType = "error"
	ActivityElicitation ActivityType = "elicitation"
)

// Activity is one entry posted to a session's thread. Action activities
// use Action, Parameter and Result; the others use Body.
type Activity struct {
	Type      ActivityType
	Body      string
	Action    string
	Parameter string
	Result    string
}

// Adapter is one issue tracker integration.
type Adapter interface {
	Name() string
	FetchWorkItem(ctx context.Context, id string) (WorkItem, error)
	FetchComments(ctx context.Context, id string) ([]Comment, error)
	FetchLabels(ctx context.Context, id string) ([]string, error)
	PostActivity(ctx context.Context, sessionID string, a Activity) error
}

// Registry holds adapters keyed by platform name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	def      string
}

// NewRegistry returns a registry whose default adapter is def.
func NewRegistry(def string, adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter), def: def}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces an adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter for name, or the default adapter when name is
// empty.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.def
	}
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns the registered platform names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
