package vcs

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/taskgraph/taskgraph/internal/schederr"
)

const ownerMarkerFile = ".taskgraph-owner"

// CleanupStatus is the result of CleanupWorktree (spec.md §4.1).
type CleanupStatus string

const (
	CleanupDone            CleanupStatus = "done"
	CleanupSkippedNotOwner CleanupStatus = "skipped_not_owner"
)

// DegradedCleanup wraps the reason a cleanup could only partially succeed,
// distinguishing it from a hard error: the caller still proceeds, but
// records that ownership must be preserved (spec.md §3.2, §4.7 step 5).
type DegradedCleanup struct {
	Reason string
}

func (d *DegradedCleanup) Error() string { return fmt.Sprintf("degraded cleanup: %s", d.Reason) }

// WorktreeHandle is the scoped-acquisition primitive from spec.md §9: a
// temp worktree that releases on every exit path via Release, and whose
// ownership is recorded on disk so a crashed process's worktree can still
// be reclaimed later by CleanupWorktree/the retry engine.
type WorktreeHandle struct {
	Path      string
	OwnerJob  string
	released  bool
}

// Release is safe to call multiple times and from a defer immediately
// after CreateTempWorktree, satisfying "guarantees release on all exit
// paths" even when the caller's own logic panics before finishing.
func (h *WorktreeHandle) Release(r *Repo) (CleanupStatus, error) {
	if h.released {
		return CleanupDone, nil
	}
	status, err := r.CleanupWorktree(h.Path, h.OwnerJob)
	if err == nil {
		h.released = true
	}
	return status, err
}

// CreateTempWorktree materializes an isolated checkout of branch under
// tmpRoot/<slug>-<suffix>, recording ownerJobID so CleanupWorktree and the
// retry engine can verify ownership before touching it (spec.md §4.1).
//
// go-git has no direct equivalent of `git worktree add` (linked worktrees
// sharing one object database); the closest faithful primitive it exposes
// is a local clone, which this wraps to give the same "isolated working
// directory checked out to one branch" contract taskgraph's node handlers
// need. See DESIGN.md for the tradeoff.
func (r *Repo) CreateTempWorktree(tmpRoot, branch, ownerJobID string) (*WorktreeHandle, error) {
	if err := os.MkdirAll(tmpRoot, 0o755); err != nil {
		return nil, schederr.VCS(fmt.Sprintf("mkdir tmp root %s", tmpRoot), err)
	}
	dir, err := os.MkdirTemp(tmpRoot, sanitizeBranchForDir(branch)+"-")
	if err != nil {
		return nil, schederr.VCS("create temp worktree directory", err)
	}

	_, err = git.PlainClone(dir, false, &git.CloneOptions{
		URL:           r.path,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
	})
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, schederr.VCS(fmt.Sprintf("checkout %s into temp worktree", branch), err)
	}

	if err := os.WriteFile(filepath.Join(dir, ownerMarkerFile), []byte(ownerJobID), 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return nil, schederr.VCS("record worktree ownership", err)
	}

	return &WorktreeHandle{Path: dir, OwnerJob: ownerJobID}, nil
}

// CleanupWorktree removes a temp worktree if ownerJobID matches the
// recorded owner by removing its directory tree in one attempt; if that
// fails, returns a DegradedCleanup error and the caller must preserve the
// ownership pointer rather than discard it
// (spec.md §4.1, §3.2).
func (r *Repo) CleanupWorktree(path, ownerJobID string) (CleanupStatus, error) {
	ownerBytes, err := os.ReadFile(filepath.Join(path, ownerMarkerFile))
	if err != nil {
		if os.IsNotExist(err) {
			// Already cleaned up or never ours.
			return CleanupDone, nil
		}
		return "", schederr.VCS(fmt.Sprintf("read worktree owner marker at %s", path), err)
	}
	if string(ownerBytes) != ownerJobID {
		return CleanupSkippedNotOwner, nil
	}

	if err := os.RemoveAll(path); err != nil {
		return "", &DegradedCleanup{Reason: fmt.Sprintf("force remove %s: %v", path, err)}
	}
	return CleanupDone, nil
}

func sanitizeBranchForDir(branch string) string {
	out := make([]rune, 0, len(branch))
	for _, c := range branch {
		if c == '/' || c == '\\' || c == ' ' {
			out = append(out, '-')
			continue
		}
		out = append(out, c)
	}
	return string(out)
}
