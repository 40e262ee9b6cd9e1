package session

import (
	"sort"
	"sync"

	"github.com/zhubert/relay/internal/delegation"
)

// Registry holds the sessions of one repository, or of no repository when
// its repository id is empty.
type Registry struct {
	repositoryID string
	delegation   *delegation.Registry

	mu         sync.RWMutex
	sessions   map[string]*Session
	byWorkItem map[string]string // work item id -> most recent session id
}

// NewRegistry returns an empty registry for repositoryID sharing the given
// delegation registry.
func NewRegistry(repositoryID string, d *delegation.Registry) *Registry {
	if d == nil {
		d = delegation.NewRegistry()
	}
	return &Registry{
		repositoryID: repositoryID,
		delegation:   d,
		sessions:     make(map[string]*Session),
		byWorkItem:   make(map[string]string),
	}
}

func (r *Registry) RepositoryID() string { return r.repositoryID }

// Delegation returns the shared delegation registry.
func (r *Registry) Delegation() *delegation.Registry { return r.delegation }

// GetOrCreate returns the session with sessionID, creating it for
// workItemID if it does not exist. The bool reports whether it was created.
func (r *Registry) GetOrCreate(sessionID, workItemID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[sessionID]; ok {
		return s, false
	}
	s := newSession(sessionID, workItemID, r.repositoryID)
	r.sessions[sessionID] = s
	if workItemID != "" {
		r.byWorkItem[workItemID] = sessionID
	}
	return s, true
}

func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// GetByWorkItem returns the most recently created session for a work item.
func (r *Registry) GetByWorkItem(workItemID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byWorkItem[workItemID]
	if !ok {
		return nil, false
	}
	s, ok := r.sessions[id]
	return s, ok
}

// All returns every session ordered by creation time.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ci, cj := out[i].CreatedAt(), out[j].CreatedAt()
		if ci.Equal(cj) {
			return out[i].id < out[j].id
		}
		return ci.Before(cj)
	})
	return out
}

// AllRunning returns the sessions with a live runner process.
func (r *Registry) AllRunning() []*Session {
	var out []*Session
	for _, s := range r.All() {
		if s.IsRunning() {
			out = append(out, s)
		}
	}
	return out
}

// Remove deletes a session. Its handle, if any, is left to the caller.
func (r *Registry) Remove(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	delete(r.sessions, sessionID)
	if r.byWorkItem[s.workItemID] == sessionID {
		delete(r.byWorkItem, s.workItemID)
		// Fall back to another session for the same work item, if any.
		for id, other := range r.sessions {
			if other.workItemID == s.workItemID {
				r.byWorkItem[s.workItemID] = id
				break
			}
		}
	}
	return s, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Records returns the persisted form of every session keyed by id.
func (r *Registry) Records() map[string]Record {
	sessions := r.All()
	out := make(map[string]Record, len(sessions))
	for _, s := range sessions {
		out[s.id] = s.Record()
	}
	return out
}

// Restore replaces the registry's contents with records. Records are
// re-keyed to this registry's repository.
func (r *Registry) Restore(records map[string]Record) {
	sessions := make(map[string]*Session, len(records))
	byWorkItem := make(map[string]string, len(records))

	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		rec := records[id]
		rec.ID = id
		rec.RepositoryID = r.repositoryID
		s := FromRecord(rec)
		sessions[id] = s
		if s.workItemID == "" {
			continue
		}
		if prev, ok := byWorkItem[s.workItemID]; !ok || sessions[prev].createdAt.Before(s.createdAt) {
			byWorkItem[s.workItemID] = id
		}
	}

	r.mu.Lock()
	r.sessions = sessions
	r.byWorkItem = byWorkItem
	r.mu.Unlock()
}
