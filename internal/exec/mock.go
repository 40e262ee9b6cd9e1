package exec

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// MockResponse is the scripted result of a matched command.
type MockResponse struct {
	Stdout []byte
	Stderr []byte
	Err    error
}

// MockCall records one command invocation seen by a MockExecutor.
type MockCall struct {
	Dir  string
	Name string
	Args []string
}

type mockRule struct {
	match    func(dir, name string, args []string) bool
	response MockResponse
}

// MockExecutor answers commands from registered rules in registration
// order. Unmatched commands go to the fallback executor, or fail when there
// is none.
type MockExecutor struct {
	mu       sync.Mutex
	rules    []mockRule
	calls    []MockCall
	fallback CommandExecutor
}

// NewMockExecutor returns a MockExecutor. fallback may be nil.
func NewMockExecutor(fallback CommandExecutor) *MockExecutor {
	return &MockExecutor{fallback: fallback}
}

// AddExactMatch responds to name invoked with exactly args.
func (m *MockExecutor) AddExactMatch(name string, args []string, resp MockResponse) {
	m.AddRule(func(_, n string, a []string) bool {
		return n == name && slices.Equal(a, args)
	}, resp)
}

// AddPrefixMatch responds to name invoked with args starting with prefix.
func (m *MockExecutor) AddPrefixMatch(name string, prefix []string, resp MockResponse) {
	m.AddRule(func(_, n string, a []string) bool {
		return n == name && len(a) >= len(prefix) && slices.Equal(a[:len(prefix)], prefix)
	}, resp)
}

// AddRule registers an arbitrary matcher.
func (m *MockExecutor) AddRule(match func(dir, name string, args []string) bool, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{match: match, response: resp})
}

// GetCalls returns a copy of every recorded invocation.
func (m *MockExecutor) GetCalls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

func (m *MockExecutor) resolve(ctx context.Context, dir, name string, args []string) (MockResponse, bool) {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Dir: dir, Name: name, Args: slices.Clone(args)})
	for _, r := range m.rules {
		if r.match(dir, name, args) {
			m.mu.Unlock()
			return r.response, true
		}
	}
	fallback := m.fallback
	m.mu.Unlock()

	if fallback != nil {
		stdout, stderr, err := fallback.Run(ctx, dir, name, args...)
		return MockResponse{Stdout: stdout, Stderr: stderr, Err: err}, true
	}
	return MockResponse{Err: fmt.Errorf("mock executor: unexpected command %s %s", name, strings.Join(args, " "))}, false
}

func (m *MockExecutor) Run(ctx context.Context, dir, name string, args ...string) ([]byte, []byte, error) {
	r, _ := m.resolve(ctx, dir, name, args)
	return r.Stdout, r.Stderr, r.Err
}

func (m *MockExecutor) Output(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	r, _ := m.resolve(ctx, dir, name, args)
	return r.Stdout, r.Err
}

func (m *MockExecutor) CombinedOutput(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	r, _ := m.resolve(ctx, dir, name, args)
	return append(slices.Clone(r.Stdout), r.Stderr...), r.Err
}
