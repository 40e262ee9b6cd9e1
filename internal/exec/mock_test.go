package exec

import (
	"context"
	"errors"
	"testing"
)

func TestMockExecutor_Matching(t *testing.T) {
	mock := NewMockExecutor(nil)
	mock.AddExactMatch("git", []string{"rev-parse", "--abbrev-ref", "HEAD"}, MockResponse{Stdout: []byte("main\n")})
	mock.AddPrefixMatch("git", []string{"worktree", "add"}, MockResponse{Err: errors.New("exists")})

	ctx := context.Background()
	out, err := mock.Output(ctx, "/repo", "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil || string(out) != "main\n" {
		t.Errorf("Output() = %q, %v", out, err)
	}

	_, _, err = mock.Run(ctx, "/repo", "git", "worktree", "add", "-b", "x", "/tmp/x")
	if err == nil || err.Error() != "exists" {
		t.Errorf("Run() err = %v, want exists", err)
	}

	if _, err := mock.Output(ctx, "/repo", "git", "status"); err == nil {
		t.Error("unmatched command should fail without fallback")
	}

	calls := mock.GetCalls()
	if len(calls) != 3 {
		t.Fatalf("recorded %d calls, want 3", len(calls))
	}
	if calls[1].Dir != "/repo" || calls[1].Args[0] != "worktree" {
		t.Errorf("unexpected call record %+v", calls[1])
	}
}

func TestMockExecutor_CombinedOutput(t *testing.T) {
	mock := NewMockExecutor(nil)
	mock.AddPrefixMatch("codex", nil, MockResponse{Stdout: []byte("out"), Stderr: []byte("err")})

	got, err := mock.CombinedOutput(context.Background(), "", "codex", "exec")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "outerr" {
		t.Errorf("CombinedOutput() = %q, want outerr", got)
	}
}

func TestMockExecutor_Fallback(t *testing.T) {
	inner := NewMockExecutor(nil)
	inner.AddPrefixMatch("echo", nil, MockResponse{Stdout: []byte("from inner")})
	outer := NewMockExecutor(inner)

	out, err := outer.Output(context.Background(), "", "echo", "hi")
	if err != nil || string(out) != "from inner" {
		t.Errorf("fallback Output() = %q, %v", out, err)
	}
}
