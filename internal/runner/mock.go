package runner

import (
	"context"
	"sync"
	"time"

	"github.com/zhubert/relay/internal/errors"
)

// MockStart records one MockRunner.Start call.
type MockStart struct {
	Config Config
	Prompt string
}

// MockRunner is a Runner that never spawns processes. Tests drive the
// returned handles with Emit, Complete and Fail.
//
// NOTE: Used by the dispatch and agent tests.
type MockRunner struct {
	name      string
	streaming bool

	mu       sync.Mutex
	starts   []MockStart
	handles  []*MockHandle
	startErr error
	linger   bool
	stopWait time.Duration

	// OnStart, when set, is called with each new handle after it is
	// recorded. It runs on the caller's goroutine.
	OnStart func(h *MockHandle)
}

// NewMockRunner returns a mock called name.
func NewMockRunner(name string, streaming bool) *MockRunner {
	return &MockRunner{name: name, streaming: streaming}
}

func (m *MockRunner) Name() string                 { return m.name }
func (m *MockRunner) SupportsStreamingInput() bool { return m.streaming }

// SetStartError makes subsequent Start calls fail with err.
func (m *MockRunner) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

func (m *MockRunner) Start(ctx context.Context, cfg Config, prompt string) (Handle, error) {
	m.mu.Lock()
	if m.startErr != nil {
		err := m.startErr
		m.mu.Unlock()
		return nil, errors.RunnerStartFailed(cfg.SessionID, err)
	}
	h := &MockHandle{
		name:      m.name,
		streaming: m.streaming,
		msgs:      make(chan Message, 64),
		running:   true,
		token:     cfg.ResumeToken,
		linger:    m.linger,
		stopWait:  m.stopWait,
	}
	m.starts = append(m.starts, MockStart{Config: cfg, Prompt: prompt})
	m.handles = append(m.handles, h)
	onStart := m.OnStart
	m.mu.Unlock()

	if onStart != nil {
		onStart(h)
	}
	return h, nil
}

// SetLinger makes new handles behave like a CLI process: Complete and Fail
// deliver the terminal message but the handle keeps running until Stop.
func (m *MockRunner) SetLinger(linger bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.linger = linger
}

// SetStopDelay makes Stop on new handles take d before the handle reports
// it is no longer running.
func (m *MockRunner) SetStopDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopWait = d
}

// Live returns how many handles are still running.
func (m *MockRunner) Live() int {
	n := 0
	for _, h := range m.Handles() {
		if h.IsRunning() {
			n++
		}
	}
	return n
}

// Starts returns every recorded Start call.
func (m *MockRunner) Starts() []MockStart {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockStart(nil), m.starts...)
}

// Handles returns every handle created so far.
func (m *MockRunner) Handles() []*MockHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockHandle(nil), m.handles...)
}

// LastHandle returns the most recent handle, or nil.
func (m *MockRunner) LastHandle() *MockHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.handles) == 0 {
		return nil
	}
	return m.handles[len(m.handles)-1]
}

// MockHandle is a controllable Handle.
type MockHandle struct {
	name      string
	streaming bool
	msgs      chan Message
	linger    bool
	stopWait  time.Duration

	mu      sync.Mutex
	running bool
	closed  bool
	token   string
	inputs  []string
	stops   int
}

// Emit delivers m to the consumer. Ignored once the handle is closed.
func (h *MockHandle) Emit(m Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if m.ResumeToken != "" {
		h.token = m.ResumeToken
	}
	h.msgs <- m
}

// Complete finishes the turn with a result and closes the stream, unless
// the handle lingers.
func (h *MockHandle) Complete(result string) {
	h.Emit(Message{Type: MessageResult, Content: result})
	if !h.linger {
		h.close()
	}
}

// Fail finishes the turn with an error and closes the stream, unless the
// handle lingers.
func (h *MockHandle) Fail(reason string) {
	h.Emit(Message{Type: MessageError, Content: reason, IsError: true})
	if !h.linger {
		h.close()
	}
}

func (h *MockHandle) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = false
	if !h.closed {
		h.closed = true
		close(h.msgs)
	}
}

// SetResumeToken sets the token reported by ResumeToken.
func (h *MockHandle) SetResumeToken(token string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.token = token
}

// Inputs returns the text passed to AddInput.
func (h *MockHandle) Inputs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.inputs...)
}

// StopCount returns how many times Stop was called.
func (h *MockHandle) StopCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stops
}

func (h *MockHandle) Messages() <-chan Message { return h.msgs }

func (h *MockHandle) AddInput(text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.streaming {
		return errors.RunnerNotStreaming(h.name)
	}
	if !h.running {
		return errors.E(errors.Op("runner.AddInput"), errors.KindRunner, "process is not accepting input")
	}
	h.inputs = append(h.inputs, text)
	return nil
}

func (h *MockHandle) Stop() {
	h.mu.Lock()
	h.stops++
	h.mu.Unlock()
	if h.stopWait > 0 {
		time.Sleep(h.stopWait)
	}
	h.close()
}

func (h *MockHandle) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

func (h *MockHandle) ResumeToken() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.token
}
