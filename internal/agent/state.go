package agent

import (
	"context"
	"sort"
	"time"

	"github.com/zhubert/relay/internal/config"
	"github.com/zhubert/relay/internal/errors"
	"github.com/zhubert/relay/internal/procedure"
	"github.com/zhubert/relay/internal/routing"
	"github.com/zhubert/relay/internal/session"
	"github.com/zhubert/relay/internal/store"
)

// Status values reported by GetStatus.
const (
	StatusIdle = "idle"
	StatusBusy = "busy"
)

// Status is the orchestrator's coarse state.
type Status struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Running  int    `json:"running"`
}

// SessionSummary is one row of the session listing.
type SessionSummary struct {
	ID         string         `json:"id"`
	WorkItemID string         `json:"workItemId"`
	Identifier string         `json:"identifier,omitempty"`
	Title      string         `json:"title,omitempty"`
	Repository string         `json:"repository"`
	Status     session.Status `json:"status"`
	Running    bool           `json:"running"`
	Runner     string         `json:"runner,omitempty"`
	Procedure  string         `json:"procedure,omitempty"`
	Subroutine string         `json:"subroutine,omitempty"`
	Workspace  string         `json:"workspace,omitempty"`
	Parent     string         `json:"parent,omitempty"`
	Children   []string       `json:"children,omitempty"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// GetStatus reports busy while any session has a live runner turn.
func (o *Orchestrator) GetStatus() Status {
	st := Status{Status: StatusIdle, Sessions: o.sessions.Len()}
	st.Running = len(o.sessions.AllRunning())
	if st.Running > 0 {
		st.Status = StatusBusy
	}
	return st
}

// SessionSummaries lists every session, most recently updated first.
func (o *Orchestrator) SessionSummaries() []SessionSummary {
	all := o.sessions.All()
	out := make([]SessionSummary, 0, len(all))
	for _, s := range all {
		out = append(out, o.summarize(s))
	}
	sortSummaries(out)
	return out
}

func sortSummaries(out []SessionSummary) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
}

// SessionSummary returns the summary of one session.
func (o *Orchestrator) SessionSummary(id string) (SessionSummary, error) {
	s, ok := o.sessions.Find(id)
	if !ok {
		return SessionSummary{}, errors.SessionNotFound(id)
	}
	return o.summarize(s), nil
}

func (o *Orchestrator) summarize(s *session.Session) SessionSummary {
	wi := s.WorkItem()
	st := s.Procedure()
	sum := SessionSummary{
		ID:         s.ID(),
		WorkItemID: s.WorkItemID(),
		Identifier: wi.Identifier,
		Title:      wi.Title,
		Repository: s.RepositoryID(),
		Status:     s.Status(),
		Running:    s.IsRunning(),
		Runner:     s.RunnerName(),
		Procedure:  st.Name,
		Workspace:  s.Workspace().Path,
		UpdatedAt:  s.UpdatedAt(),
	}
	d := o.sessions.Delegation()
	sum.Parent, _ = d.GetParent(s.ID())
	sum.Children = d.Children(s.ID())
	if sub := o.procedures.Current(&st); sub != nil {
		sum.Subroutine = sub.Name
	}
	return sum
}

// SummarizeSnapshot lists the sessions in a saved snapshot, for reporting
// when no orchestrator is running. Nothing in a snapshot is running.
func SummarizeSnapshot(snap *store.Snapshot, catalog *procedure.Catalog) []SessionSummary {
	if snap == nil {
		return nil
	}
	var out []SessionSummary
	for _, records := range snap.Sessions {
		for _, r := range records {
			sum := SessionSummary{
				ID:         r.ID,
				WorkItemID: r.WorkItemID,
				Identifier: r.WorkItem.Identifier,
				Title:      r.WorkItem.Title,
				Repository: r.RepositoryID,
				Status:     r.Status,
				Runner:     r.RunnerName,
				Procedure:  r.Procedure.Name,
				Workspace:  r.Workspace.Path,
				Parent:     snap.Delegation[r.ID],
				UpdatedAt:  r.UpdatedAt,
			}
			for child, parent := range snap.Delegation {
				if parent == r.ID {
					sum.Children = append(sum.Children, child)
				}
			}
			sort.Strings(sum.Children)
			if p, ok := catalog.Get(r.Procedure.Name); ok {
				if sub := p.Subroutine(r.Procedure.SubroutineIndex); sub != nil {
					sum.Subroutine = sub.Name
				}
			}
			out = append(out, sum)
		}
	}
	sortSummaries(out)
	return out
}

// SerializeState captures everything needed to resume after a restart.
func (o *Orchestrator) SerializeState() *store.Snapshot {
	routes := o.router.Snapshot()
	return &store.Snapshot{
		Version:    store.Version,
		Sessions:   o.sessions.Snapshot(),
		Delegation: o.sessions.Delegation().Snapshot(),
		Routes:     routes.Routes,
		Pending:    routes.Pending,
	}
}

// RestoreState replaces the orchestrator's state with snap. Sessions of
// repositories that are no longer configured are dropped. Restored
// sessions have no live turn; the next event for each resumes it.
func (o *Orchestrator) RestoreState(snap *store.Snapshot) {
	if snap == nil {
		return
	}
	records := make(map[string]map[string]session.Record, len(snap.Sessions))
	for repoID, recs := range snap.Sessions {
		if repoID != "" {
			if _, ok := o.config.GetRepository(repoID); !ok {
				o.logger.Warn("dropping sessions of unconfigured repository", "repo", repoID, "sessions", len(recs))
				continue
			}
		}
		records[repoID] = recs
	}
	o.sessions.Restore(records)
	o.sessions.Delegation().Restore(snap.Delegation)
	o.router.Restore(routing.State{Routes: snap.Routes, Pending: snap.Pending})
	for _, repo := range o.config.GetRepositories() {
		o.sessions.For(repo.ID)
	}
}

// ApplyConfig reconciles the running orchestrator with next: added
// repositories get a registry, modified ones are updated in place, and
// removed ones have their live sessions stopped, their registry dropped
// and their cached routes forgotten. It returns what changed.
func (o *Orchestrator) ApplyConfig(ctx context.Context, next *config.Config) config.Diff {
	o.mu.Lock()
	defer o.mu.Unlock()

	diff := config.DiffConfigs(o.config, next)

	for _, repo := range diff.Added {
		o.config.AddRepository(repo)
		o.sessions.For(repo.ID)
		o.logger.Info("repository added", "repo", repo.ID)
	}
	for _, repo := range diff.Modified {
		o.config.UpdateRepository(repo)
		o.logger.Info("repository updated", "repo", repo.ID)
	}
	for _, repo := range diff.Removed {
		if reg, ok := o.sessions.Registry(repo.ID); ok {
			for _, s := range reg.AllRunning() {
				if err := o.engine.Stop(ctx, s.ID()); err != nil {
					o.logger.Warn("failed to stop session of removed repository", "sessionID", s.ID(), "error", err)
				}
			}
		}
		dropped := o.sessions.RemoveRepository(repo.ID)
		o.router.Forget(repo.ID)
		o.config.RemoveRepository(repo.ID)
		o.logger.Info("repository removed", "repo", repo.ID, "sessions", len(dropped))
	}

	o.notifier.SetEnabled(next.GetNotificationsEnabled())

	if !diff.Empty() {
		o.stateChanged()
	}
	return diff
}
