package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/zhubert/relay/internal/agent"
	"github.com/zhubert/relay/internal/errors"
)

type fakeOrchestrator struct {
	mu     sync.Mutex
	events []agent.Event
	err    error
	panics bool
}

func (f *fakeOrchestrator) HandleInboundEvent(_ context.Context, ev agent.Event) error {
	if f.panics {
		panic("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return f.err
}

func (f *fakeOrchestrator) GetStatus() agent.Status {
	return agent.Status{Status: agent.StatusBusy, Sessions: 3, Running: 1}
}

func (f *fakeOrchestrator) SessionSummaries() []agent.SessionSummary {
	return []agent.SessionSummary{{ID: "s1", Repository: "api"}}
}

func (f *fakeOrchestrator) SessionSummary(id string) (agent.SessionSummary, error) {
	if id != "s1" {
		return agent.SessionSummary{}, errors.SessionNotFound(id)
	}
	return agent.SessionSummary{ID: "s1", Repository: "api"}, nil
}

func newTestServer(t *testing.T, orch *fakeOrchestrator) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New("", orch, slog.New(slog.NewTextHandler(io.Discard, nil))).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestStatus(t *testing.T) {
	srv := newTestServer(t, &fakeOrchestrator{})

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "busy" || body["sessions"] != float64(3) || body["running"] != float64(1) {
		t.Errorf("body = %v", body)
	}
}

func TestReadEndpoints(t *testing.T) {
	srv := newTestServer(t, &fakeOrchestrator{})

	tests := []struct {
		path string
		code int
		want string
	}{
		{"/healthz", http.StatusOK, `"ok"`},
		{"/sessions", http.StatusOK, `"id":"s1"`},
		{"/sessions/s1", http.StatusOK, `"repository":"api"`},
		{"/sessions/nope", http.StatusNotFound, `"kind":"not_found"`},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			data, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != tt.code {
				t.Errorf("status code = %d, want %d", resp.StatusCode, tt.code)
			}
			if !strings.Contains(string(data), tt.want) {
				t.Errorf("body = %s, want %s", data, tt.want)
			}
		})
	}
}

func TestPostEvent(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		code int
	}{
		{name: "accepted", body: `{"type":"user_prompt","sessionId":"s1","text":"hi"}`, code: http.StatusAccepted},
		{name: "malformed", body: `{"type":`, code: http.StatusBadRequest},
		{name: "missing type", body: `{"sessionId":"s1"}`, code: http.StatusBadRequest},
		{name: "no route", body: `{"type":"session_start","workItemId":"w1"}`, err: errors.NoRoute("w1"), code: http.StatusUnprocessableEntity},
		{name: "unknown session", body: `{"type":"stop","sessionId":"x"}`, err: errors.SessionNotFound("x"), code: http.StatusNotFound},
		{name: "runner failure", body: `{"type":"session_start","workItemId":"w1"}`, err: errors.RunnerStartFailed("s1", io.EOF), code: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orch := &fakeOrchestrator{err: tt.err}
			srv := newTestServer(t, orch)
			resp, err := http.Post(srv.URL+"/events", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.code {
				t.Errorf("status code = %d, want %d", resp.StatusCode, tt.code)
			}
		})
	}

	orch := &fakeOrchestrator{}
	srv := newTestServer(t, orch)
	resp, err := http.Post(srv.URL+"/events", "application/json",
		strings.NewReader(`{"type":"user_prompt","sessionId":"s1","text":"hi","attachments":["/a.png"]}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(orch.events) != 1 {
		t.Fatalf("events = %+v", orch.events)
	}
	ev := orch.events[0]
	if ev.Type != agent.EventUserPrompt || ev.SessionID != "s1" || ev.Text != "hi" || len(ev.Attachments) != 1 {
		t.Errorf("event = %+v", ev)
	}
}

func TestPostEvent_RecoversPanic(t *testing.T) {
	srv := newTestServer(t, &fakeOrchestrator{panics: true})

	resp, err := http.Post(srv.URL+"/events", "application/json", strings.NewReader(`{"type":"stop","sessionId":"s1"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status code = %d", resp.StatusCode)
	}

	// The server keeps serving after a panic.
	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz after panic = %d", resp.StatusCode)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := New("127.0.0.1:0", &fakeOrchestrator{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v", err)
	}
}
