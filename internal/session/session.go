package session

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/zhubert/relay/internal/errors"
	"github.com/zhubert/relay/internal/procedure"
	"github.com/zhubert/relay/internal/runner"
)

// Status is the coarse lifecycle state shown in status output.
type Status string

const (
	StatusActive            Status = "active"
	StatusComplete          Status = "complete"
	StatusError             Status = "error"
	StatusAwaitingSelection Status = "awaiting-selection"
)

// maxEntries bounds the transcript kept per session.
const maxEntries = 200

// Workspace is the directory a session's runner works in.
type Workspace struct {
	Path          string `json:"path"`
	IsGitWorktree bool   `json:"isGitWorktree"`
	Branch        string `json:"branch,omitempty"`
}

// Entry is one recorded runner message.
type Entry struct {
	At       time.Time `json:"at"`
	Type     string    `json:"type"`
	Content  string    `json:"content,omitempty"`
	ToolName string    `json:"toolName,omitempty"`
}

// WorkItem is the platform-side description cached on a session.
type WorkItem struct {
	Identifier  string   `json:"identifier,omitempty"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Platform    string   `json:"platform,omitempty"`
	Labels      []string `json:"labels,omitempty"`
}

// Session is one agent conversation tied to a work item.
type Session struct {
	id           string
	workItemID   string
	repositoryID string

	dispatch sync.Mutex

	mu          sync.RWMutex
	handle      runner.Handle
	runnerName  string
	resumeToken string
	workItem    WorkItem
	procedure   procedure.State
	metadata    map[string]string
	workspace   Workspace
	status      Status
	createdAt   time.Time
	updatedAt   time.Time
	entries     []Entry
}

func newSession(id, workItemID, repositoryID string) *Session {
	now := time.Now().UTC()
	return &Session{
		id:           id,
		workItemID:   workItemID,
		repositoryID: repositoryID,
		metadata:     make(map[string]string),
		status:       StatusActive,
		createdAt:    now,
		updatedAt:    now,
	}
}

func (s *Session) ID() string           { return s.id }
func (s *Session) WorkItemID() string   { return s.workItemID }
func (s *Session) RepositoryID() string { return s.repositoryID }

// LockDispatch serializes dispatch decisions for this session.
func (s *Session) LockDispatch()   { s.dispatch.Lock() }
func (s *Session) UnlockDispatch() { s.dispatch.Unlock() }

func (s *Session) touch() { s.updatedAt = time.Now().UTC() }

// Handle returns the live runner handle, or nil.
func (s *Session) Handle() runner.Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handle
}

// IsRunning reports whether the session's runner process is alive.
func (s *Session) IsRunning() bool {
	h := s.Handle()
	return h != nil && h.IsRunning()
}

// AttachHandle makes h the session's handle. A session holds at most one
// live handle; attaching while another is still running is an error.
func (s *Session) AttachHandle(h runner.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil && s.handle.IsRunning() {
		return errors.E(errors.Op("session.AttachHandle"), errors.KindRunner, "session "+s.id+" already has a running process")
	}
	s.handle = h
	s.touch()
	return nil
}

// DetachHandle clears the handle if it is still h. A newer handle is left
// in place.
func (s *Session) DetachHandle(h runner.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == h {
		s.handle = nil
		s.touch()
	}
}

func (s *Session) ResumeToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resumeToken
}

func (s *Session) SetResumeToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token != "" && token != s.resumeToken {
		s.resumeToken = token
		s.touch()
	}
}

func (s *Session) RunnerName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runnerName
}

func (s *Session) SetRunnerName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runnerName = name
}

// WorkItem returns a copy of the cached work item.
func (s *Session) WorkItem() WorkItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w := s.workItem
	w.Labels = slices.Clone(w.Labels)
	return w
}

func (s *Session) SetWorkItem(w WorkItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.Labels = slices.Clone(w.Labels)
	s.workItem = w
	s.touch()
}

// Procedure returns a copy of the session's procedure state.
func (s *Session) Procedure() procedure.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.procedure.Clone()
}

// UpdateProcedure applies fn to the procedure state under the session lock.
func (s *Session) UpdateProcedure(fn func(st *procedure.State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.procedure)
	s.touch()
}

func (s *Session) Metadata(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metadata[key]
}

func (s *Session) SetMetadata(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == "" {
		delete(s.metadata, key)
	} else {
		s.metadata[key] = value
	}
	s.touch()
}

func (s *Session) Workspace() Workspace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workspace
}

func (s *Session) SetWorkspace(w Workspace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspace = w
	s.touch()
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) SetStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = st
	s.touch()
}

func (s *Session) CreatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.createdAt
}

func (s *Session) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

// AppendEntry records a runner message, keeping the most recent maxEntries.
func (s *Session) AppendEntry(e Entry) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	if len(s.entries) > maxEntries {
		s.entries = slices.Clone(s.entries[len(s.entries)-maxEntries:])
	}
	s.touch()
}

// Entries returns a copy of the transcript.
func (s *Session) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.entries)
}

// Record is the persisted form of a Session.
type Record struct {
	ID           string            `json:"id"`
	WorkItemID   string            `json:"workItemId"`
	RepositoryID string            `json:"repositoryId,omitempty"`
	RunnerName   string            `json:"runner,omitempty"`
	ResumeToken  string            `json:"resumeToken,omitempty"`
	WorkItem     WorkItem          `json:"workItem"`
	Procedure    procedure.State   `json:"procedure"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Workspace    Workspace         `json:"workspace"`
	Status       Status            `json:"status"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	Entries      []Entry           `json:"entries,omitempty"`
}

// Record returns the session's persisted form.
func (s *Session) Record() Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w := s.workItem
	w.Labels = slices.Clone(w.Labels)
	var md map[string]string
	if len(s.metadata) > 0 {
		md = maps.Clone(s.metadata)
	}
	return Record{
		ID:           s.id,
		WorkItemID:   s.workItemID,
		RepositoryID: s.repositoryID,
		RunnerName:   s.runnerName,
		ResumeToken:  s.resumeToken,
		WorkItem:     w,
		Procedure:    s.procedure.Clone(),
		Metadata:     md,
		Workspace:    s.workspace,
		Status:       s.status,
		CreatedAt:    s.createdAt,
		UpdatedAt:    s.updatedAt,
		Entries:      slices.Clone(s.entries),
	}
}

// FromRecord rebuilds a session without a runner handle.
func FromRecord(r Record) *Session {
	s := newSession(r.ID, r.WorkItemID, r.RepositoryID)
	s.runnerName = r.RunnerName
	s.resumeToken = r.ResumeToken
	s.workItem = r.WorkItem
	s.workItem.Labels = slices.Clone(r.WorkItem.Labels)
	s.procedure = r.Procedure.Clone()
	if r.Metadata != nil {
		s.metadata = maps.Clone(r.Metadata)
	}
	s.workspace = r.Workspace
	if r.Status != "" {
		s.status = r.Status
	}
	if !r.CreatedAt.IsZero() {
		s.createdAt = r.CreatedAt
	}
	if !r.UpdatedAt.IsZero() {
		s.updatedAt = r.UpdatedAt
	}
	s.entries = slices.Clone(r.Entries)
	return s
}
