// Package store persists orchestrator snapshots so sessions, delegation
// edges and route caches survive a restart.
//
// Every backend stores the same JSON document; backends differ only in
// where the bytes live.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zhubert/relay/internal/config"
	"github.com/zhubert/relay/internal/errors"
	"github.com/zhubert/relay/internal/routing"
	"github.com/zhubert/relay/internal/session"
)

// Version is the snapshot format written by this build.
const Version = 1

// Snapshot is the full persisted state of an orchestrator.
type Snapshot struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"savedAt"`
	// Sessions is keyed by repository id ("" for the unscoped registry),
	// then by session id.
	Sessions   map[string]map[string]session.Record `json:"sessions"`
	Delegation map[string]string                    `json:"delegation,omitempty"`
	Routes     map[string]string                    `json:"routes,omitempty"`
	Pending    map[string]routing.Pending           `json:"pending,omitempty"`
}

// Store loads and saves snapshots.
type Store interface {
	// Load returns the last saved snapshot, or nil when nothing was saved.
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
	Close() error
}

// Open returns the backend selected by cfg.
func Open(ctx context.Context, cfg config.StateConfig) (Store, error) {
	switch cfg.Backend {
	case config.BackendFile, "":
		return NewFileStore(cfg.Path), nil
	case config.BackendSQLite:
		return NewSQLiteStore(ctx, cfg.SQLitePath)
	case config.BackendRedis:
		return NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisKey)
	case config.BackendMongo:
		return NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
	default:
		return nil, errors.E(errors.Op("store.Open"), errors.KindConfig, fmt.Sprintf("unknown state backend %q", cfg.Backend))
	}
}

func encode(backend string, snap *Snapshot) ([]byte, error) {
	if snap.Version == 0 {
		snap.Version = Version
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, errors.PersistenceFailed(backend, err)
	}
	return data, nil
}

func decode(backend string, data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.E(errors.Op("store.Load"), errors.KindPersistence, backend+" snapshot is corrupt", err)
	}
	if snap.Version > Version {
		return nil, errors.E(errors.Op("store.Load"), errors.KindPersistence,
			fmt.Sprintf("%s snapshot version %d is newer than supported version %d", backend, snap.Version, Version))
	}
	return &snap, nil
}
