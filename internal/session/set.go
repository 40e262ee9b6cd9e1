package session

import (
	"sort"
	"sync"

	"github.com/zhubert/relay/internal/delegation"
)

// Set is the collection of per-repository registries plus the unscoped
// registry. The registry for a repository is created on first use.
type Set struct {
	delegation *delegation.Registry

	mu         sync.RWMutex
	registries map[string]*Registry
}

// NewSet returns a set whose registries share d.
func NewSet(d *delegation.Registry) *Set {
	if d == nil {
		d = delegation.NewRegistry()
	}
	return &Set{
		delegation: d,
		registries: map[string]*Registry{"": NewRegistry("", d)},
	}
}

// Delegation returns the shared delegation registry.
func (s *Set) Delegation() *delegation.Registry { return s.delegation }

// For returns the registry for repositoryID, creating it if needed. The
// empty id is the unscoped registry.
func (s *Set) For(repositoryID string) *Registry {
	s.mu.RLock()
	r, ok := s.registries[repositoryID]
	s.mu.RUnlock()
	if ok {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.registries[repositoryID]; ok {
		return r
	}
	r = NewRegistry(repositoryID, s.delegation)
	s.registries[repositoryID] = r
	return r
}

// Registry returns the registry for repositoryID without creating it.
func (s *Set) Registry(repositoryID string) (*Registry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.registries[repositoryID]
	return r, ok
}

// Unscoped returns the registry for threads without a repository.
func (s *Set) Unscoped() *Registry { return s.For("") }

// RemoveRepository drops a repository's registry and returns the sessions
// it held so the caller can stop them. The unscoped registry cannot be
// removed.
func (s *Set) RemoveRepository(repositoryID string) []*Session {
	if repositoryID == "" {
		return nil
	}
	s.mu.Lock()
	r, ok := s.registries[repositoryID]
	delete(s.registries, repositoryID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return r.All()
}

// RepositoryIDs returns the ids of every registry, sorted, with the
// unscoped registry first.
func (s *Set) RepositoryIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.registries))
	for id := range s.registries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Set) registryList() []*Registry {
	ids := s.RepositoryIDs()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Registry, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.registries[id]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Find locates a session by id in any registry.
func (s *Set) Find(sessionID string) (*Session, bool) {
	for _, r := range s.registryList() {
		if sess, ok := r.Get(sessionID); ok {
			return sess, true
		}
	}
	return nil, false
}

// FindByWorkItem locates the session for a work item in any registry.
func (s *Set) FindByWorkItem(workItemID string) (*Session, bool) {
	for _, r := range s.registryList() {
		if sess, ok := r.GetByWorkItem(workItemID); ok {
			return sess, true
		}
	}
	return nil, false
}

// All returns every session in every registry.
func (s *Set) All() []*Session {
	var out []*Session
	for _, r := range s.registryList() {
		out = append(out, r.All()...)
	}
	return out
}

// AllRunning returns every session with a live process.
func (s *Set) AllRunning() []*Session {
	var out []*Session
	for _, r := range s.registryList() {
		out = append(out, r.AllRunning()...)
	}
	return out
}

// Busy reports whether any session has a live process.
func (s *Set) Busy() bool {
	for _, r := range s.registryList() {
		for _, sess := range r.All() {
			if sess.IsRunning() {
				return true
			}
		}
	}
	return false
}

// Len returns the total number of sessions.
func (s *Set) Len() int {
	n := 0
	for _, r := range s.registryList() {
		n += r.Len()
	}
	return n
}

// Snapshot returns every session record keyed by repository id then
// session id.
func (s *Set) Snapshot() map[string]map[string]Record {
	out := make(map[string]map[string]Record)
	for _, r := range s.registryList() {
		out[r.RepositoryID()] = r.Records()
	}
	return out
}

// Restore replaces every registry's contents with records. Registries not
// mentioned in records are emptied but kept.
func (s *Set) Restore(records map[string]map[string]Record) {
	for _, r := range s.registryList() {
		if _, ok := records[r.RepositoryID()]; !ok {
			r.Restore(nil)
		}
	}
	for repoID, recs := range records {
		s.For(repoID).Restore(recs)
	}
}
