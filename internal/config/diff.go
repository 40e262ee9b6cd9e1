package config

// Diff is the repository-level difference between two configurations.
type Diff struct {
	Added    []Repository
	Modified []Repository
	Removed  []Repository
}

// Empty reports whether the diff carries no repository changes.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0
}

// DiffConfigs compares the repositories of old and next. Added and Modified
// follow next's order, Removed follows old's order. A nil old config is
// treated as empty so startup can apply every repository as an addition.
func DiffConfigs(old, next *Config) Diff {
	var oldRepos, nextRepos []Repository
	if old != nil {
		oldRepos = old.GetRepositories()
	}
	if next != nil {
		nextRepos = next.GetRepositories()
	}

	before := make(map[string]Repository, len(oldRepos))
	for _, r := range oldRepos {
		before[r.ID] = r
	}
	after := make(map[string]bool, len(nextRepos))

	var d Diff
	for _, r := range nextRepos {
		after[r.ID] = true
		prev, ok := before[r.ID]
		switch {
		case !ok:
			d.Added = append(d.Added, r)
		case !prev.Equal(r):
			d.Modified = append(d.Modified, r)
		}
	}
	for _, r := range oldRepos {
		if !after[r.ID] {
			d.Removed = append(d.Removed, r)
		}
	}
	return d
}
