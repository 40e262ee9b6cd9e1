package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zhubert/relay/internal/agent"
	"github.com/zhubert/relay/internal/session"
)

func setStatusFlags(t *testing.T, addr string, offline, asJSON bool) {
	t.Helper()
	origAddr, origOffline, origJSON := statusAddr, statusOffline, statusJSON
	statusAddr, statusOffline, statusJSON = addr, offline, asJSON
	t.Cleanup(func() { statusAddr, statusOffline, statusJSON = origAddr, origOffline, origJSON })
}

func fakeRelay(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(agent.Status{Status: agent.StatusBusy, Sessions: 1, Running: 1})
	})
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]agent.SessionSummary{{
			ID: "s1", Identifier: "X-12", Title: "Fix login", Repository: "api",
			Status: session.StatusActive, Running: true, Procedure: "full-development",
			Subroutine: "coding-activity", Runner: "claude", UpdatedAt: time.Now(),
		}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestStatus_Online(t *testing.T) {
	useConfig(t, baseConfig)
	srv := fakeRelay(t)
	setStatusFlags(t, srv.URL, false, false)

	var buf bytes.Buffer
	statusCmd.SetOut(&buf)
	defer statusCmd.SetOut(nil)

	if err := statusCmd.RunE(statusCmd, nil); err != nil {
		t.Fatalf("RunE error = %v", err)
	}
	for _, want := range []string{"busy", "X-12 Fix login", "coding-activity", "running"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("output missing %q:\n%s", want, buf.String())
		}
	}
}

func TestStatus_JSON(t *testing.T) {
	useConfig(t, baseConfig)
	srv := fakeRelay(t)
	setStatusFlags(t, srv.URL, false, true)

	var buf bytes.Buffer
	statusCmd.SetOut(&buf)
	defer statusCmd.SetOut(nil)

	if err := statusCmd.RunE(statusCmd, nil); err != nil {
		t.Fatalf("RunE error = %v", err)
	}
	var got struct {
		Status      string                 `json:"status"`
		SessionList []agent.SessionSummary `json:"sessionList"`
	}
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if got.Status != "busy" || len(got.SessionList) != 1 || got.SessionList[0].ID != "s1" {
		t.Errorf("decoded = %+v", got)
	}
}

func TestStatus_Unreachable(t *testing.T) {
	useConfig(t, baseConfig)
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	setStatusFlags(t, srv.URL, false, false)

	err := statusCmd.RunE(statusCmd, nil)
	if err == nil || !strings.Contains(err.Error(), "--offline") {
		t.Errorf("RunE error = %v, want hint about --offline", err)
	}
}

func TestStatus_Offline(t *testing.T) {
	dir := useConfig(t, baseConfig)
	seedState(t, dir)
	setStatusFlags(t, "", true, false)

	var buf bytes.Buffer
	statusCmd.SetOut(&buf)
	defer statusCmd.SetOut(nil)

	if err := statusCmd.RunE(statusCmd, nil); err != nil {
		t.Fatalf("RunE error = %v", err)
	}
	for _, want := range []string{"stopped", "X-1", "X-2", "complete"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("output missing %q:\n%s", want, buf.String())
		}
	}
}

func TestSessionRow(t *testing.T) {
	row := sessionRow(agent.SessionSummary{
		WorkItemID: "w1",
		Status:     session.StatusAwaitingSelection,
		Title:      strings.Repeat("a", 60),
	})
	if !strings.HasPrefix(row[0], "w1 ") || !strings.HasSuffix(row[0], "…") {
		t.Errorf("item = %q", row[0])
	}
	if row[1] != "-" {
		t.Errorf("repository = %q, want -", row[1])
	}
	if row[2] != "awaiting-selection" {
		t.Errorf("status = %q", row[2])
	}
	if row[6] != "-" {
		t.Errorf("updated = %q, want -", row[6])
	}
}

func TestBaseURL(t *testing.T) {
	tests := []struct{ in, want string }{
		{"127.0.0.1:3456", "http://127.0.0.1:3456"},
		{"http://relay.local/", "http://relay.local"},
		{"https://relay.example.com", "https://relay.example.com"},
	}
	for _, tt := range tests {
		if got := baseURL(tt.in); got != tt.want {
			t.Errorf("baseURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
