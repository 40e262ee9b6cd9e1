package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zhubert/relay/internal/errors"
)

const sampleConfig = `
server:
  addr: ":9000"
state:
  backend: sqlite
  save_interval: 1m
classifier:
  enabled: true
  timeout: 5s
runner:
  default: claude
  allowed_tools: [Read, Grep]
procedures:
  max_validation_iterations: 2
repositories:
  - id: api
    name: api
    slug: acme/api
    path: /src/api
    labels: [backend]
    teams: [ENG]
  - id: web
    path: /src/web
    runner: codex
    allowed_tools: [Read]
`

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadFile(writeConfig(t, dir, sampleConfig))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if cfg.GetServerAddr() != ":9000" {
		t.Errorf("server addr = %q", cfg.GetServerAddr())
	}
	state := cfg.GetState()
	if state.Backend != BackendSQLite {
		t.Errorf("backend = %q, want sqlite", state.Backend)
	}
	if state.SaveInterval != time.Minute {
		t.Errorf("save interval = %v, want 1m", state.SaveInterval)
	}
	if cfg.GetClassifier().Timeout != 5*time.Second {
		t.Errorf("classifier timeout = %v", cfg.GetClassifier().Timeout)
	}
	if got := cfg.GetProcedures(); got.MaxValidationIterations != 2 || got.Default != "full-development" {
		t.Errorf("procedures = %+v", got)
	}

	repos := cfg.GetRepositories()
	if len(repos) != 2 {
		t.Fatalf("got %d repositories, want 2", len(repos))
	}
	if repos[1].Name != "web" {
		t.Errorf("name should default to id, got %q", repos[1].Name)
	}
	if repos[0].BaseBranch != "main" || repos[0].Platform != "linear" {
		t.Errorf("repository defaults not applied: %+v", repos[0])
	}
}

func TestLoadFile_Missing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.yaml")
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.GetState().Backend != BackendFile {
		t.Errorf("default backend = %q, want file", cfg.GetState().Backend)
	}
	if cfg.FilePath() != path {
		t.Errorf("FilePath() = %q, want %q", cfg.FilePath(), path)
	}
}

func TestLoadFile_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		field   string
	}{
		{"duplicate repo", "repositories:\n  - {id: a, path: /a}\n  - {id: a, path: /b}\n", "duplicate repository id"},
		{"missing path", "repositories:\n  - {id: a}\n", "repositories[0].path"},
		{"redis without addr", "state:\n  backend: redis\n", "state.redis_addr"},
		{"unknown backend", "state:\n  backend: etcd\n", "state.backend"},
		{"unknown runner", "runner:\n  default: opencode\n", "runner.default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeConfig(t, t.TempDir(), tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, errors.KindInvalid) {
				t.Errorf("error kind = %v, want invalid", errors.GetKind(err))
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not mention %q", err, tt.field)
			}
		})
	}
}

func TestLoadFile_Malformed(t *testing.T) {
	_, err := LoadFile(writeConfig(t, t.TempDir(), "repositories: [\n"))
	if !errors.Is(err, errors.KindConfig) {
		t.Errorf("error = %v, want config kind", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleConfig)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg.AddRepository(Repository{ID: "docs", Path: "/src/docs"})
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	reloaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("reload error = %v", err)
	}
	if _, ok := reloaded.GetRepository("docs"); !ok {
		t.Error("saved repository missing after reload")
	}
	if reloaded.GetState().SaveInterval != time.Minute {
		t.Errorf("save interval lost in round trip: %v", reloaded.GetState().SaveInterval)
	}
}

func TestRepositoryMutations(t *testing.T) {
	cfg := Default()

	if !cfg.AddRepository(Repository{ID: "a", Path: "/a"}) {
		t.Error("AddRepository should accept a new id")
	}
	if cfg.AddRepository(Repository{ID: "a", Path: "/other"}) {
		t.Error("AddRepository should reject a duplicate id")
	}
	if !cfg.UpdateRepository(Repository{ID: "a", Path: "/a2"}) {
		t.Error("UpdateRepository should find a")
	}
	if r, _ := cfg.GetRepository("a"); r.Path != "/a2" {
		t.Errorf("path = %q, want /a2", r.Path)
	}
	if cfg.UpdateRepository(Repository{ID: "zzz"}) {
		t.Error("UpdateRepository should report missing id")
	}
	if !cfg.RemoveRepository("a") || cfg.RemoveRepository("a") {
		t.Error("RemoveRepository should remove once")
	}
}

func TestGetRepositories_ReturnsCopy(t *testing.T) {
	cfg := Default()
	cfg.AddRepository(Repository{ID: "a", Path: "/a", Labels: []string{"x"}})

	repos := cfg.GetRepositories()
	repos[0].Labels[0] = "mutated"

	if r, _ := cfg.GetRepository("a"); r.Labels[0] != "x" {
		t.Error("GetRepositories leaked internal slice")
	}
}

func TestRepositoriesForWorkspace(t *testing.T) {
	cfg := Default()
	cfg.AddRepository(Repository{ID: "a", Path: "/a", WorkspaceID: "org1"})
	cfg.AddRepository(Repository{ID: "b", Path: "/b", WorkspaceID: "org2"})
	cfg.AddRepository(Repository{ID: "c", Path: "/c"})

	got := cfg.RepositoriesForWorkspace("org1")
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "c" {
		t.Errorf("RepositoriesForWorkspace(org1) = %+v", got)
	}
	if len(cfg.RepositoriesForWorkspace("")) != 3 {
		t.Error("empty workspace should match every repository")
	}
}

func TestAllowedToolsFor(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, t.TempDir(), sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.AllowedToolsFor("web"); len(got) != 1 || got[0] != "Read" {
		t.Errorf("web tools = %v", got)
	}
	if got := cfg.AllowedToolsFor("api"); len(got) != 2 {
		t.Errorf("api should inherit runner tools, got %v", got)
	}
}

func TestConfig_ConcurrentAccess(t *testing.T) {
	cfg := Default()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			cfg.AddRepository(Repository{ID: string(rune('a' + n)), Path: "/x"})
		}(i)
		go func() {
			defer wg.Done()
			_ = cfg.GetRepositories()
			_ = cfg.GetRunner()
		}()
	}
	wg.Wait()
	if len(cfg.GetRepositories()) != 20 {
		t.Errorf("got %d repositories, want 20", len(cfg.GetRepositories()))
	}
}

func TestDiffConfigs(t *testing.T) {
	old := Default()
	old.AddRepository(Repository{ID: "keep", Path: "/keep"})
	old.AddRepository(Repository{ID: "change", Path: "/change", Labels: []string{"a"}})
	old.AddRepository(Repository{ID: "drop", Path: "/drop"})

	next := Default()
	next.AddRepository(Repository{ID: "keep", Path: "/keep"})
	next.AddRepository(Repository{ID: "change", Path: "/change", Labels: []string{"a", "b"}})
	next.AddRepository(Repository{ID: "new", Path: "/new"})

	d := DiffConfigs(old, next)
	if len(d.Added) != 1 || d.Added[0].ID != "new" {
		t.Errorf("Added = %+v", d.Added)
	}
	if len(d.Modified) != 1 || d.Modified[0].ID != "change" {
		t.Errorf("Modified = %+v", d.Modified)
	}
	if len(d.Removed) != 1 || d.Removed[0].ID != "drop" {
		t.Errorf("Removed = %+v", d.Removed)
	}

	if !DiffConfigs(next, next).Empty() {
		t.Error("diff of identical configs should be empty")
	}
	if got := DiffConfigs(nil, next); len(got.Added) != 3 {
		t.Errorf("nil old config should add everything, got %+v", got)
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "repositories:\n  - {id: a, path: /a}\n")
	initial, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	changes := make(chan Diff, 4)
	w := NewWatcher(path, initial, func(_ *Config, d Diff) { changes <- d }, WithDebounce(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, dir, "repositories:\n  - {id: a, path: /a}\n  - {id: b, path: /b}\n")

	select {
	case d := <-changes:
		if len(d.Added) != 1 || d.Added[0].ID != "b" {
			t.Errorf("diff = %+v, want b added", d)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not report the change")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestWatcher_SkipsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "repositories: []\n")
	initial, _ := LoadFile(path)

	called := false
	w := NewWatcher(path, initial, func(*Config, Diff) { called = true })
	writeConfig(t, dir, "state:\n  backend: nope\n")
	w.reload()

	if called {
		t.Error("invalid config should not be applied")
	}
	if w.current != initial {
		t.Error("current config should be unchanged")
	}
}
