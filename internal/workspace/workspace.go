// Package workspace prepares the directory a session's runner works in: a
// git worktree on a dedicated branch when the repository is a git checkout,
// a plain directory otherwise.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/zhubert/relay/internal/config"
	"github.com/zhubert/relay/internal/errors"
	pexec "github.com/zhubert/relay/internal/exec"
	"github.com/zhubert/relay/internal/logger"
	"github.com/zhubert/relay/internal/session"
)

// BranchPrefix is prepended to every session branch.
const BranchPrefix = "relay/"

// MaxBranchNameLength bounds generated branch names.
const MaxBranchNameLength = 100

// validBranchNameRegex matches valid git branch name characters.
// Git branch names cannot contain: space, ~, ^, :, ?, *, [, \, or control characters.
var validBranchNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9/_.-]*$`)

var invalidBranchChars = regexp.MustCompile(`[^a-zA-Z0-9/_.-]+`)

// ValidateBranchName checks if a branch name is valid for git.
func ValidateBranchName(branch string) error {
	if branch == "" {
		return fmt.Errorf("branch name is empty")
	}
	if len(branch) > MaxBranchNameLength {
		return fmt.Errorf("branch name too long (max %d characters)", MaxBranchNameLength)
	}
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("branch name cannot start with '-'")
	}
	if strings.HasSuffix(branch, ".lock") {
		return fmt.Errorf("branch name cannot end with '.lock'")
	}
	if strings.Contains(branch, "..") {
		return fmt.Errorf("branch name cannot contain '..'")
	}
	if !validBranchNameRegex.MatchString(branch) {
		return fmt.Errorf("branch name contains invalid characters (use letters, numbers, /, _, ., -)")
	}
	return nil
}

// Slug turns a work item identifier into a safe path and branch component.
func Slug(identifier string) string {
	s := invalidBranchChars.ReplaceAllString(identifier, "-")
	s = strings.ReplaceAll(s, "/", "-")
	for strings.Contains(s, "..") {
		s = strings.ReplaceAll(s, "..", ".")
	}
	s = strings.Trim(s, "-.")
	s = strings.TrimSuffix(s, ".lock")
	if s == "" {
		s = "session"
	}
	if max := MaxBranchNameLength - len(BranchPrefix); len(s) > max {
		s = s[:max]
	}
	return s
}

// BranchName returns the branch a work item's worktree is created on.
func BranchName(identifier string) string {
	return BranchPrefix + Slug(identifier)
}

// Provider creates and removes session workspaces under a root directory.
type Provider struct {
	root     string
	executor pexec.CommandExecutor
	fetch    bool
	log      *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithExecutor sets the command executor, for tests.
func WithExecutor(e pexec.CommandExecutor) Option {
	return func(p *Provider) { p.executor = e }
}

// WithLogger sets the provider's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// WithFetch controls whether origin is fetched before branching.
func WithFetch(fetch bool) Option {
	return func(p *Provider) { p.fetch = fetch }
}

// NewProvider returns a provider that creates workspaces under root.
func NewProvider(root string, opts ...Option) *Provider {
	p := &Provider{root: root, fetch: true}
	for _, opt := range opts {
		opt(p)
	}
	if p.executor == nil {
		p.executor = pexec.NewRealExecutor()
	}
	if p.log == nil {
		p.log = logger.ComponentLogger("workspace")
	}
	return p
}

// Path returns where the workspace for identifier in repo lives.
func (p *Provider) Path(repo config.Repository, identifier string) string {
	repoDir := repo.ID
	if repoDir == "" {
		repoDir = "_unscoped"
	}
	return filepath.Join(p.root, Slug(repoDir), Slug(identifier))
}

// Create prepares the workspace for identifier. An existing workspace
// directory is reused. Repositories that are not git checkouts, and
// repository-less threads, get a plain directory.
func (p *Provider) Create(ctx context.Context, repo config.Repository, identifier string) (session.Workspace, error) {
	start := time.Now()
	dir := p.Path(repo, identifier)
	log := p.log.With("repo", repo.ID, "identifier", identifier)

	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		ws := session.Workspace{Path: dir}
		if p.isGitDir(ctx, dir) {
			ws.IsGitWorktree = true
			ws.Branch = p.currentBranch(ctx, dir)
		}
		log.Debug("reusing workspace", "path", dir, "git", ws.IsGitWorktree)
		return ws, nil
	}

	if repo.Path == "" || p.ValidateRepo(ctx, repo.Path) != nil {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return session.Workspace{}, errors.E(errors.Op("workspace.Create"), errors.KindIO, err)
		}
		log.Info("created plain workspace", "path", dir)
		return session.Workspace{Path: dir}, nil
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return session.Workspace{}, errors.E(errors.Op("workspace.Create"), errors.KindIO, err)
	}

	branch := BranchName(identifier)
	var args []string
	if p.branchExists(ctx, repo.Path, branch) {
		args = []string{"worktree", "add", dir, branch}
	} else {
		args = []string{"worktree", "add", "-b", branch, dir, p.startPoint(ctx, repo)}
	}

	output, err := p.executor.CombinedOutput(ctx, repo.Path, "git", args...)
	if err != nil {
		log.Error("failed to create worktree", "output", strings.TrimSpace(string(output)), "elapsed", time.Since(start))
		return session.Workspace{}, errors.GitWorktreeFailed(branch, fmt.Errorf("%s: %w", strings.TrimSpace(string(output)), err))
	}

	log.Info("created worktree", "path", dir, "branch", branch, "elapsed", time.Since(start))
	return session.Workspace{Path: dir, IsGitWorktree: true, Branch: branch}, nil
}

// startPoint picks what a new branch is created from: the repository's
// base branch on origin, then locally, then origin's default branch, then
// HEAD.
func (p *Provider) startPoint(ctx context.Context, repo config.Repository) string {
	if p.fetch {
		p.fetchOrigin(ctx, repo.Path)
	}

	var candidates []string
	if repo.BaseBranch != "" {
		candidates = append(candidates, "origin/"+repo.BaseBranch, repo.BaseBranch)
	}
	candidates = append(candidates, "origin/"+p.DefaultBranch(ctx, repo.Path))
	for _, ref := range candidates {
		if p.branchExists(ctx, repo.Path, ref) {
			return ref
		}
	}
	return "HEAD"
}

// DefaultBranch returns origin's default branch, or "main" when it cannot
// be determined.
func (p *Provider) DefaultBranch(ctx context.Context, repoPath string) string {
	output, err := p.executor.Output(ctx, repoPath, "git", "symbolic-ref", "refs/remotes/origin/HEAD")
	if err == nil {
		ref := strings.TrimSpace(string(output))
		if strings.HasPrefix(ref, "refs/remotes/origin/") {
			return strings.TrimPrefix(ref, "refs/remotes/origin/")
		}
	}
	if p.branchExists(ctx, repoPath, "origin/master") && !p.branchExists(ctx, repoPath, "origin/main") {
		return "master"
	}
	return "main"
}

// fetchOrigin updates remote refs. Missing remotes and fetch failures are
// not errors so offline use keeps working.
func (p *Provider) fetchOrigin(ctx context.Context, repoPath string) {
	if _, _, err := p.executor.Run(ctx, repoPath, "git", "remote", "get-url", "origin"); err != nil {
		p.log.Debug("no origin remote, skipping fetch", "repo", repoPath)
		return
	}
	if output, err := p.executor.CombinedOutput(ctx, repoPath, "git", "fetch", "origin"); err != nil {
		p.log.Warn("failed to fetch from origin", "repo", repoPath, "output", strings.TrimSpace(string(output)))
	}
}

func (p *Provider) branchExists(ctx context.Context, repoPath, ref string) bool {
	_, _, err := p.executor.Run(ctx, repoPath, "git", "rev-parse", "--verify", "--quiet", ref)
	return err == nil
}

func (p *Provider) isGitDir(ctx context.Context, dir string) bool {
	_, _, err := p.executor.Run(ctx, dir, "git", "rev-parse", "--git-dir")
	return err == nil
}

func (p *Provider) currentBranch(ctx context.Context, dir string) string {
	output, err := p.executor.Output(ctx, dir, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(output))
}

// ValidateRepo checks that path is a git repository.
func (p *Provider) ValidateRepo(ctx context.Context, path string) error {
	if strings.HasPrefix(path, "~") {
		return errors.E(errors.Op("workspace.ValidateRepo"), errors.KindInvalid, "use an absolute path instead of ~")
	}
	output, err := p.executor.CombinedOutput(ctx, path, "git", "rev-parse", "--git-dir")
	if err != nil {
		p.log.Debug("not a git repository", "path", path, "output", strings.TrimSpace(string(output)))
		return errors.GitNotRepo(path)
	}
	return nil
}

// Remove deletes a workspace. Worktrees are removed through git and their
// branch is deleted best-effort; plain directories are removed from disk.
func (p *Provider) Remove(ctx context.Context, repo config.Repository, ws session.Workspace) error {
	if ws.Path == "" {
		return nil
	}
	if !ws.IsGitWorktree || repo.Path == "" {
		if err := os.RemoveAll(ws.Path); err != nil {
			return errors.E(errors.Op("workspace.Remove"), errors.KindIO, err)
		}
		return nil
	}

	output, err := p.executor.CombinedOutput(ctx, repo.Path, "git", "worktree", "remove", ws.Path, "--force")
	if err != nil {
		return errors.E(errors.Op("workspace.Remove"), errors.KindGit,
			fmt.Errorf("failed to remove worktree: %s: %w", strings.TrimSpace(string(output)), err))
	}
	if output, err := p.executor.CombinedOutput(ctx, repo.Path, "git", "worktree", "prune"); err != nil {
		p.log.Warn("worktree prune failed", "output", strings.TrimSpace(string(output)), "error", err)
	}
	if ws.Branch != "" {
		if output, err := p.executor.CombinedOutput(ctx, repo.Path, "git", "branch", "-D", ws.Branch); err != nil {
			p.log.Debug("branch delete failed", "branch", ws.Branch, "output", strings.TrimSpace(string(output)))
		}
	}
	p.log.Info("removed worktree", "path", ws.Path)
	return nil
}
