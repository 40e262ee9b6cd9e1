package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zhubert/relay/internal/logger"
)

// SnapshotFunc produces the state to persist.
type SnapshotFunc func() *Snapshot

// Persister saves snapshots on request and on an interval. Save failures
// are logged; callers never see them except from Flush.
type Persister struct {
	store    Store
	snapshot SnapshotFunc
	interval time.Duration
	log      *slog.Logger

	trigger chan struct{}
	saveMu  sync.Mutex
}

// NewPersister returns a persister saving snapshot() into s. A zero
// interval disables periodic saves.
func NewPersister(s Store, snapshot SnapshotFunc, interval time.Duration, log *slog.Logger) *Persister {
	if log == nil {
		log = logger.ComponentLogger("store")
	}
	return &Persister{
		store:    s,
		snapshot: snapshot,
		interval: interval,
		log:      log,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests a save without waiting for it. Requests made while one
// is pending are coalesced.
func (p *Persister) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Flush saves synchronously.
func (p *Persister) Flush(ctx context.Context) error {
	return p.save(ctx)
}

// Run services triggers and the save interval until ctx is done.
func (p *Persister) Run(ctx context.Context) {
	var tick <-chan time.Time
	if p.interval > 0 {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.trigger:
		case <-tick:
		}
		if err := p.save(ctx); err != nil {
			p.log.Error("failed to save state", "error", err)
		}
	}
}

func (p *Persister) save(ctx context.Context) error {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()
	snap := p.snapshot()
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now()
	}
	if err := p.store.Save(ctx, snap); err != nil {
		return err
	}
	p.log.Debug("state saved", "sessions", countSessions(snap))
	return nil
}

func countSessions(snap *Snapshot) int {
	n := 0
	for _, byID := range snap.Sessions {
		n += len(byID)
	}
	return n
}
