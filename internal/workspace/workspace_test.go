package workspace

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/zhubert/relay/internal/config"
	"github.com/zhubert/relay/internal/errors"
	pexec "github.com/zhubert/relay/internal/exec"
	"github.com/zhubert/relay/internal/session"
)

var ctx = context.Background()

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// createTestRepo creates a temporary git repository with one commit.
func createTestRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %s: %v: %s", strings.Join(args, " "), err, out)
		}
	}
	run("init")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test User")
	if err := os.WriteFile(filepath.Join(dir, "test.txt"), []byte("test content"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-m", "Initial commit")
	return dir
}

func TestValidateBranchName(t *testing.T) {
	tests := []struct {
		branch  string
		wantErr bool
	}{
		{"relay/ENG-1", false},
		{"feature_x.y", false},
		{"", true},
		{"-bad", true},
		{"name.lock", true},
		{"a..b", true},
		{"has space", true},
		{strings.Repeat("a", MaxBranchNameLength+1), true},
	}
	for _, tt := range tests {
		t.Run(tt.branch, func(t *testing.T) {
			if err := ValidateBranchName(tt.branch); (err != nil) != tt.wantErr {
				t.Errorf("ValidateBranchName(%q) = %v, wantErr %v", tt.branch, err, tt.wantErr)
			}
		})
	}
}

func TestSlug(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"ENG-12", "ENG-12"},
		{"team/ENG 12", "team-ENG-12"},
		{"..x..", "x"},
		{"---", "session"},
		{"fix.lock", "fix"},
	}
	for _, tt := range tests {
		if got := Slug(tt.in); got != tt.want {
			t.Errorf("Slug(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if err := ValidateBranchName(BranchName(tt.in)); err != nil {
			t.Errorf("BranchName(%q) invalid: %v", tt.in, err)
		}
	}
	if got := Slug(strings.Repeat("a", 300)); len(BranchPrefix+got) != MaxBranchNameLength {
		t.Errorf("long slug not truncated: %d", len(got))
	}
}

func TestProvider_CreateWorktreeFromBaseBranch(t *testing.T) {
	mock := pexec.NewMockExecutor(nil)
	mock.AddExactMatch("git", []string{"rev-parse", "--git-dir"}, pexec.MockResponse{Stdout: []byte(".git")})
	mock.AddExactMatch("git", []string{"rev-parse", "--verify", "--quiet", "origin/develop"}, pexec.MockResponse{})
	mock.AddPrefixMatch("git", []string{"rev-parse", "--verify"}, pexec.MockResponse{Err: fmt.Errorf("missing")})
	mock.AddPrefixMatch("git", []string{"worktree", "add"}, pexec.MockResponse{})

	root := t.TempDir()
	p := NewProvider(root, WithExecutor(mock), WithFetch(false), WithLogger(discardLogger()))
	repo := config.Repository{ID: "api", Path: "/src/api", BaseBranch: "develop"}

	ws, err := p.Create(ctx, repo, "ENG-7")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	wantPath := filepath.Join(root, "api", "ENG-7")
	if ws.Path != wantPath || !ws.IsGitWorktree || ws.Branch != "relay/ENG-7" {
		t.Errorf("workspace = %+v", ws)
	}

	var add []string
	for _, c := range mock.GetCalls() {
		if len(c.Args) > 1 && c.Args[0] == "worktree" {
			add = c.Args
			if c.Dir != "/src/api" {
				t.Errorf("worktree add ran in %q", c.Dir)
			}
		}
	}
	want := []string{"worktree", "add", "-b", "relay/ENG-7", wantPath, "origin/develop"}
	if !slices.Equal(add, want) {
		t.Errorf("worktree args = %v, want %v", add, want)
	}
}

func TestProvider_CreateReusesExistingBranch(t *testing.T) {
	mock := pexec.NewMockExecutor(nil)
	mock.AddExactMatch("git", []string{"rev-parse", "--git-dir"}, pexec.MockResponse{})
	mock.AddExactMatch("git", []string{"rev-parse", "--verify", "--quiet", "relay/ENG-7"}, pexec.MockResponse{})
	mock.AddPrefixMatch("git", []string{"worktree", "add"}, pexec.MockResponse{})

	p := NewProvider(t.TempDir(), WithExecutor(mock), WithFetch(false), WithLogger(discardLogger()))
	if _, err := p.Create(ctx, config.Repository{ID: "api", Path: "/src/api"}, "ENG-7"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, c := range mock.GetCalls() {
		if len(c.Args) > 2 && c.Args[0] == "worktree" && c.Args[2] == "-b" {
			t.Errorf("existing branch must not be recreated: %v", c.Args)
		}
	}
}

func TestProvider_CreateWorktreeFailure(t *testing.T) {
	mock := pexec.NewMockExecutor(nil)
	mock.AddExactMatch("git", []string{"rev-parse", "--git-dir"}, pexec.MockResponse{})
	mock.AddPrefixMatch("git", []string{"worktree", "add"}, pexec.MockResponse{
		Stderr: []byte("fatal: already checked out"),
		Err:    fmt.Errorf("exit status 128"),
	})

	p := NewProvider(t.TempDir(), WithExecutor(mock), WithFetch(false), WithLogger(discardLogger()))
	_, err := p.Create(ctx, config.Repository{ID: "api", Path: "/src/api"}, "ENG-7")
	if !errors.Is(err, errors.KindGit) {
		t.Fatalf("expected git error, got %v", err)
	}
	if !strings.Contains(err.Error(), "already checked out") {
		t.Errorf("error should carry git output: %v", err)
	}
}

func TestProvider_PlainDirectoryFallback(t *testing.T) {
	mock := pexec.NewMockExecutor(nil) // every git call fails
	root := t.TempDir()
	p := NewProvider(root, WithExecutor(mock), WithLogger(discardLogger()))

	tests := []struct {
		name string
		repo config.Repository
	}{
		{"not a git checkout", config.Repository{ID: "docs", Path: "/plain"}},
		{"no repository", config.Repository{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws, err := p.Create(ctx, tt.repo, "X-1")
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if ws.IsGitWorktree {
				t.Error("expected a plain directory")
			}
			if info, err := os.Stat(ws.Path); err != nil || !info.IsDir() {
				t.Errorf("workspace dir missing: %v", err)
			}
		})
	}
}

func TestProvider_ValidateRepoRejectsTilde(t *testing.T) {
	p := NewProvider(t.TempDir(), WithExecutor(pexec.NewMockExecutor(nil)), WithLogger(discardLogger()))
	if err := p.ValidateRepo(ctx, "~/src"); !errors.Is(err, errors.KindInvalid) {
		t.Errorf("expected invalid error, got %v", err)
	}
}

func TestProvider_DefaultBranch(t *testing.T) {
	mock := pexec.NewMockExecutor(nil)
	mock.AddExactMatch("git", []string{"symbolic-ref", "refs/remotes/origin/HEAD"},
		pexec.MockResponse{Stdout: []byte("refs/remotes/origin/trunk\n")})
	p := NewProvider(t.TempDir(), WithExecutor(mock), WithLogger(discardLogger()))
	if got := p.DefaultBranch(ctx, "/r"); got != "trunk" {
		t.Errorf("DefaultBranch = %q", got)
	}

	empty := NewProvider(t.TempDir(), WithExecutor(pexec.NewMockExecutor(nil)), WithLogger(discardLogger()))
	if got := empty.DefaultBranch(ctx, "/r"); got != "main" {
		t.Errorf("fallback DefaultBranch = %q", got)
	}
}

func TestProvider_RealGitLifecycle(t *testing.T) {
	repoPath := createTestRepo(t)
	root := t.TempDir()
	p := NewProvider(root, WithLogger(discardLogger()))
	repo := config.Repository{ID: "repo", Path: repoPath}

	ws, err := p.Create(ctx, repo, "ENG-42")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !ws.IsGitWorktree || ws.Branch != "relay/ENG-42" {
		t.Fatalf("workspace = %+v", ws)
	}
	if _, err := os.Stat(filepath.Join(ws.Path, "test.txt")); err != nil {
		t.Errorf("worktree missing checkout: %v", err)
	}

	again, err := p.Create(ctx, repo, "ENG-42")
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if again != ws {
		t.Errorf("reused workspace = %+v, want %+v", again, ws)
	}

	if err := p.Remove(ctx, repo, ws); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(ws.Path); !os.IsNotExist(err) {
		t.Error("worktree directory should be gone")
	}
}

func TestProvider_RemovePlain(t *testing.T) {
	p := NewProvider(t.TempDir(), WithExecutor(pexec.NewMockExecutor(nil)), WithLogger(discardLogger()))
	ws, err := p.Create(ctx, config.Repository{}, "T-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Remove(ctx, config.Repository{}, ws); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(ws.Path); !os.IsNotExist(err) {
		t.Error("directory should be removed")
	}
	if err := p.Remove(ctx, config.Repository{}, session.Workspace{}); err != nil {
		t.Errorf("empty workspace: %v", err)
	}
}
