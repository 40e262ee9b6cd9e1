package config

import (
	"reflect"
	"slices"
)

// Repository is one configured project that work items can be routed to.
type Repository struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name,omitempty"`
	Slug        string   `yaml:"slug,omitempty"` // "org/name", matched by inline [repo=...] tags
	Path        string   `yaml:"path"`
	BaseBranch  string   `yaml:"base_branch,omitempty"`
	Platform    string   `yaml:"platform,omitempty"`
	WorkspaceID string   `yaml:"workspace_id,omitempty"` // Platform organization the repository serves
	Labels      []string `yaml:"labels,omitempty"`
	Projects    []string `yaml:"projects,omitempty"`
	Teams       []string `yaml:"teams,omitempty"`

	AllowedTools []string `yaml:"allowed_tools,omitempty"`
	Runner       string   `yaml:"runner,omitempty"`
}

// Equal reports whether two repository entries are identical.
func (r Repository) Equal(other Repository) bool {
	return reflect.DeepEqual(r, other)
}

func (r Repository) clone() Repository {
	r.Labels = slices.Clone(r.Labels)
	r.Projects = slices.Clone(r.Projects)
	r.Teams = slices.Clone(r.Teams)
	r.AllowedTools = slices.Clone(r.AllowedTools)
	return r
}

// GetRepositories returns a copy of the configured repositories.
func (c *Config) GetRepositories() []Repository {
	c.mu.RLock()
	defer c.mu.RUnlock()

	repos := make([]Repository, len(c.Repositories))
	for i, r := range c.Repositories {
		repos[i] = r.clone()
	}
	return repos
}

// GetRepository returns the repository with the given id.
func (c *Config) GetRepository(id string) (Repository, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, r := range c.Repositories {
		if r.ID == id {
			return r.clone(), true
		}
	}
	return Repository{}, false
}

// RepositoriesForWorkspace returns the repositories serving a platform
// workspace. Repositories without a workspace id serve every workspace.
func (c *Config) RepositoriesForWorkspace(workspaceID string) []Repository {
	var out []Repository
	for _, r := range c.GetRepositories() {
		if workspaceID == "" || r.WorkspaceID == "" || r.WorkspaceID == workspaceID {
			out = append(out, r)
		}
	}
	return out
}

// AddRepository adds a repository if its id is not already configured.
func (c *Config) AddRepository(repo Repository) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range c.Repositories {
		if r.ID == repo.ID {
			return false
		}
	}
	c.Repositories = append(c.Repositories, repo.clone())
	return true
}

// UpdateRepository replaces the repository with the same id.
func (c *Config) UpdateRepository(repo Repository) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, r := range c.Repositories {
		if r.ID == repo.ID {
			c.Repositories[i] = repo.clone()
			return true
		}
	}
	return false
}

// RemoveRepository removes a repository from the config.
// Returns true if the repository was found and removed.
func (c *Config) RemoveRepository(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, r := range c.Repositories {
		if r.ID == id {
			c.Repositories = append(c.Repositories[:i], c.Repositories[i+1:]...)
			return true
		}
	}
	return false
}

// AllowedToolsFor returns the tools granted to runners working in repo.
func (c *Config) AllowedToolsFor(repoID string) []string {
	if repo, ok := c.GetRepository(repoID); ok && len(repo.AllowedTools) > 0 {
		return repo.AllowedTools
	}
	return c.GetRunner().AllowedTools
}
