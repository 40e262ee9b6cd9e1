package runner

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/zhubert/relay/internal/config"
)

// Factory picks a runner for a session: a work item label naming a runner
// wins, then the repository's runner, then the default.
type Factory struct {
	mu      sync.RWMutex
	runners map[string]Runner
	def     string
}

// NewFactory returns a factory holding runners with def as the default.
func NewFactory(def string, runners ...Runner) *Factory {
	f := &Factory{runners: make(map[string]Runner), def: def}
	for _, r := range runners {
		f.Register(r)
	}
	return f
}

// NewFactoryFromConfig registers the claude, codex and gemini runners
// with the binaries named in rc.
func NewFactoryFromConfig(rc config.RunnerConfig, log *slog.Logger) *Factory {
	return NewFactory(rc.Default,
		NewClaude(rc.ClaudePath, log),
		NewCodex(rc.CodexPath, log),
		NewGemini(rc.GeminiPath, log),
	)
}

// Register adds or replaces a runner under its name.
func (f *Factory) Register(r Runner) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runners[r.Name()] = r
}

// Get returns the runner called name.
func (f *Factory) Get(name string) (Runner, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.runners[name]
	return r, ok
}

// Names returns the registered runner names, sorted.
func (f *Factory) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.runners))
	for n := range f.runners {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Select returns the runner for a work item with labels in a repository
// configured with repoRunner. It returns nil only when the default is not
// registered and nothing else matched.
func (f *Factory) Select(labels []string, repoRunner string) Runner {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, l := range labels {
		if r, ok := f.runners[strings.ToLower(l)]; ok {
			return r
		}
	}
	if r, ok := f.runners[repoRunner]; ok {
		return r
	}
	return f.runners[f.def]
}
