// Package vcs implements C1: deterministic, ownership-safe Git operations
// over go-git, so nothing else in taskgraph shells out ad-hoc
// (spec.md §4.1).
package vcs

import (
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/taskgraph/taskgraph/internal/schederr"
)

// Repo wraps a discovered repository. All facade operations hang off it so
// nothing in taskgraph touches *git.Repository directly.
type Repo struct {
	path string
	repo *git.Repository
}

// DiscoverRepo opens the repository rooted at path, failing with a
// schederr.VCS-tagged "not a repository" error when none exists there
// (spec.md §4.1). A locked repository is not detected as a separate case;
// any other open failure is reported as a generic VCS error.
func DiscoverRepo(path string) (*Repo, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		if err == git.ErrRepositoryNotExists {
			return nil, schederr.VCS(fmt.Sprintf("not a repository: %s", path), err)
		}
		return nil, schederr.VCS(fmt.Sprintf("open repository at %s", path), err)
	}
	return &Repo{path: path, repo: repo}, nil
}

func (r *Repo) Path() string { return r.path }

// HeadInfo is the {branch, oid, detached} tuple spec.md §4.1 defines.
type HeadInfo struct {
	Branch   string
	OID      string
	Detached bool
}

// Head resolves the repository's current HEAD, or a named branch's tip
// when branch is non-empty.
func (r *Repo) Head(branch string) (HeadInfo, error) {
	if branch != "" {
		ref, err := r.repo.Reference(plumbing.NewBranchReferenceName(branch), true)
		if err != nil {
			return HeadInfo{}, schederr.VCS(fmt.Sprintf("resolve branch %s", branch), err)
		}
		return HeadInfo{Branch: branch, OID: ref.Hash().String()}, nil
	}
	head, err := r.repo.Head()
	if err != nil {
		return HeadInfo{}, schederr.VCS("resolve HEAD", err)
	}
	info := HeadInfo{OID: head.Hash().String()}
	if head.Name().IsBranch() {
		info.Branch = head.Name().Short()
	} else {
		info.Detached = true
	}
	return info, nil
}

// BranchExists reports whether a local branch ref exists.
func (r *Repo) BranchExists(name string) (bool, error) {
	_, err := r.repo.Reference(plumbing.NewBranchReferenceName(name), true)
	if err != nil {
		if err == plumbing.ErrReferenceNotFound {
			return false, nil
		}
		return false, schederr.VCS(fmt.Sprintf("resolve branch %s", name), err)
	}
	return true, nil
}

// PushBranch pushes branch from this repository (typically a temp
// worktree's clone, per CreateTempWorktree's "see DESIGN.md" tradeoff) to
// its origin remote, so commits made in an isolated worktree become
// visible to the main repo's branch presence predicates. Node-runtime
// handlers call this after committing in a worktree execution root.
func (r *Repo) PushBranch(branch string) error {
	refSpec := config.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	err := r.repo.Push(&git.PushOptions{RemoteName: "origin", RefSpecs: []config.RefSpec{refSpec}})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return schederr.VCS(fmt.Sprintf("push %s to origin", branch), err)
	}
	return nil
}

// DetectMergeState reports the repository's in-progress operation state
// (spec.md §4.1 detect_merge_state). go-git does not surface rebase/
// cherry-pick/bisect state directly, since it never writes those
// sequencer files itself; taskgraph only ever drives merges through this
// facade, so "merging" is the only non-clean state this process can
// itself have left behind. Presence of .git/MERGE_HEAD (written by a
// foreign `git merge` that conflicted) is still detected so a retry can
// refuse correctly even when an operator ran git by hand.
func (r *Repo) DetectMergeState() (MergeState, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return MergeStateClean, schederr.VCS("open worktree for merge-state detection", err)
	}
	fs := wt.Filesystem
	for name, state := range map[string]MergeState{
		"MERGE_HEAD":       MergeStateMerging,
		"CHERRY_PICK_HEAD": MergeStateCherryPicking,
		"REBASE_HEAD":      MergeStateRebasing,
		"REVERT_HEAD":      MergeStateReverting,
		"BISECT_LOG":       MergeStateBisecting,
	} {
		if _, err := fs.Stat(".git/" + name); err == nil {
			return state, nil
		}
	}
	return MergeStateClean, nil
}

type MergeState string

const (
	MergeStateClean         MergeState = "clean"
	MergeStateMerging       MergeState = "merging"
	MergeStateCherryPicking MergeState = "cherry_picking"
	MergeStateRebasing      MergeState = "rebasing"
	MergeStateReverting     MergeState = "reverting"
	MergeStateBisecting     MergeState = "bisecting"
)
