package platform

import (
	"context"
	"slices"
	"sync"

	"github.com/zhubert/relay/internal/errors"
)

// PostedActivity records one MemoryAdapter.PostActivity call.
type PostedActivity struct {
	SessionID string
	Activity  Activity
}

// MemoryAdapter keeps work items in memory and records posted activities.
// It backs tests and dry runs.
type MemoryAdapter struct {
	name string

	mu         sync.Mutex
	items      map[string]WorkItem
	comments   map[string][]Comment
	activities []PostedActivity
	labelErrs  int
	postErr    error
}

// NewMemoryAdapter returns an empty adapter registered under name.
func NewMemoryAdapter(name string) *MemoryAdapter {
	return &MemoryAdapter{
		name:     name,
		items:    make(map[string]WorkItem),
		comments: make(map[string][]Comment),
	}
}

func (m *MemoryAdapter) Name() string { return m.name }

// AddWorkItem stores or replaces a work item.
func (m *MemoryAdapter) AddWorkItem(item WorkItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item.Labels = slices.Clone(item.Labels)
	m.items[item.ID] = item
}

// AddComment appends a comment to a work item.
func (m *MemoryAdapter) AddComment(workItemID string, c Comment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.comments[workItemID] = append(m.comments[workItemID], c)
}

// FailLabels makes the next n FetchLabels calls fail.
func (m *MemoryAdapter) FailLabels(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.labelErrs = n
}

// SetPostError makes PostActivity fail with err until reset with nil.
func (m *MemoryAdapter) SetPostError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.postErr = err
}

func (m *MemoryAdapter) FetchWorkItem(_ context.Context, id string) (WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return WorkItem{}, errors.E(errors.Op("platform.FetchWorkItem"), errors.KindNotFound, "work item "+id+" not found")
	}
	item.Labels = slices.Clone(item.Labels)
	return item, nil
}

func (m *MemoryAdapter) FetchComments(_ context.Context, id string) ([]Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.comments[id]), nil
}

func (m *MemoryAdapter) FetchLabels(_ context.Context, id string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.labelErrs > 0 {
		m.labelErrs--
		return nil, errors.E(errors.Op("platform.FetchLabels"), errors.KindNetwork, "temporary failure")
	}
	item, ok := m.items[id]
	if !ok {
		return nil, nil
	}
	return slices.Clone(item.Labels), nil
}

func (m *MemoryAdapter) PostActivity(_ context.Context, sessionID string, a Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.postErr != nil {
		return m.postErr
	}
	m.activities = append(m.activities, PostedActivity{SessionID: sessionID, Activity: a})
	return nil
}

// Activities returns every activity posted so far.
func (m *MemoryAdapter) Activities() []PostedActivity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.activities)
}

// ActivitiesFor returns the activities posted to one session.
func (m *MemoryAdapter) ActivitiesFor(sessionID string) []Activity {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Activity
	for _, p := range m.activities {
		if p.SessionID == sessionID {
			out = append(out, p.Activity)
		}
	}
	return out
}
