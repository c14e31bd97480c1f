package vcs

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-git/go-git/v5"

	"github.com/taskgraph/taskgraph/internal/schederr"
)

// StatusResult is the {added, modified, deleted, renamed, untracked,
// conflicted} tuple spec.md §4.1 defines.
type StatusResult struct {
	Added      []string
	Modified   []string
	Deleted    []string
	Renamed    []string
	Untracked  []string
	Conflicted []string
}

// IsClean reports whether every bucket is empty, the predicate the
// clean_worktree precondition (spec.md §4.5) checks.
func (s StatusResult) IsClean() bool {
	return len(s.Added) == 0 && len(s.Modified) == 0 && len(s.Deleted) == 0 &&
		len(s.Renamed) == 0 && len(s.Untracked) == 0 && len(s.Conflicted) == 0
}

// Status reports the worktree's file status, excluding any path matching
// one of ignoreGlobs (spec.md §4.1: "ignore_globs always includes
// ephemeral runtime paths" — the caller is responsible for appending the
// scheduler dir, session dirs, and tmp-worktrees root to whatever template-
// declared globs it passes in).
func (r *Repo) Status(ignoreGlobs []string) (StatusResult, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return StatusResult{}, schederr.VCS("open worktree", err)
	}
	st, err := wt.Status()
	if err != nil {
		return StatusResult{}, schederr.VCS("compute status", err)
	}

	var out StatusResult
	for path, fs := range st {
		if matchesAny(ignoreGlobs, path) {
			continue
		}
		switch {
		case fs.Staging == git.UpdatedButUnmerged || fs.Worktree == git.UpdatedButUnmerged:
			out.Conflicted = append(out.Conflicted, path)
		case fs.Staging == git.Renamed || fs.Worktree == git.Renamed:
			out.Renamed = append(out.Renamed, path)
		case fs.Staging == git.Added:
			out.Added = append(out.Added, path)
		case fs.Worktree == git.Untracked && fs.Staging == git.Untracked:
			out.Untracked = append(out.Untracked, path)
		case fs.Staging == git.Deleted || fs.Worktree == git.Deleted:
			out.Deleted = append(out.Deleted, path)
		case fs.Staging == git.Modified || fs.Worktree == git.Modified:
			out.Modified = append(out.Modified, path)
		default:
			out.Untracked = append(out.Untracked, path)
		}
	}
	return out, nil
}

func matchesAny(globs []string, path string) bool {
	for _, g := range globs {
		if ok, err := doublestar.Match(g, path); err == nil && ok {
			return true
		}
	}
	return false
}

// DefaultIgnoreGlobs returns the ephemeral runtime paths every status()
// call must exclude, regardless of template-declared globs (spec.md §4.1).
func DefaultIgnoreGlobs(schedulerDir, tmpDir string) []string {
	return []string{
		schedulerDir + "/**",
		tmpDir + "/**",
		fmt.Sprintf("%s-*/**", tmpDir),
	}
}
