package vcs

import (
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/taskgraph/taskgraph/internal/schederr"
)

// Trailers are appended to a commit message as "Key: Value" lines, the
// structured metadata block spec.md §6 describes (session id, session log
// path, author note, narrative summary).
type Trailers map[string]string

// CommitIdentity is the configured commit author/committer (spec.md §6:
// "configured metadata").
type CommitIdentity struct {
	Name  string
	Email string
}

func (r *Repo) StagePaths(paths []string) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return schederr.VCS("open worktree", err)
	}
	for _, p := range paths {
		if _, err := wt.Add(p); err != nil {
			return schederr.VCS(fmt.Sprintf("stage %s", p), err)
		}
	}
	return nil
}

// RemovePaths stages a deletion of each path (from both index and working
// tree), used by git.integrate_plan_branch to remove the plan doc from the
// source branch immediately before integration (spec.md §4.6).
func (r *Repo) RemovePaths(paths []string) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return schederr.VCS("open worktree", err)
	}
	for _, p := range paths {
		if _, err := wt.Remove(p); err != nil {
			return schederr.VCS(fmt.Sprintf("remove %s", p), err)
		}
	}
	return nil
}

// Commit commits the controlled index with trailers appended to the
// message body (spec.md §4.1).
func (r *Repo) Commit(message string, trailers Trailers, identity CommitIdentity, now time.Time) (string, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return "", schederr.VCS("open worktree", err)
	}
	full := message
	if len(trailers) > 0 {
		full += "\n\n"
		for k, v := range trailers {
			full += fmt.Sprintf("%s: %s\n", k, v)
		}
	}
	sig := &object.Signature{Name: identity.Name, Email: identity.Email, When: now}
	hash, err := wt.Commit(full, &git.CommitOptions{Author: sig, Committer: sig})
	if err != nil {
		return "", schederr.VCS("commit", err)
	}
	return hash.String(), nil
}

// Tag creates an annotated tag pointing at the repository's current HEAD.
func (r *Repo) Tag(name, message string, identity CommitIdentity, now time.Time) error {
	head, err := r.repo.Head()
	if err != nil {
		return schederr.VCS("resolve HEAD for tag", err)
	}
	tagger := &object.Signature{Name: identity.Name, Email: identity.Email, When: now}
	_, err = r.repo.CreateTag(name, head.Hash(), &git.CreateTagOptions{
		Message: message,
		Tagger:  tagger,
	})
	if err != nil {
		return schederr.VCS(fmt.Sprintf("create tag %s", name), err)
	}
	return nil
}

// CheckoutBranch switches the controlled worktree to branch, creating it
// from the current HEAD first when create is true.
func (r *Repo) CheckoutBranch(branch string, create bool) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return schederr.VCS("open worktree", err)
	}
	opts := &git.CheckoutOptions{Branch: branchRefName(branch), Create: create}
	if err := wt.Checkout(opts); err != nil {
		return schederr.VCS(fmt.Sprintf("checkout %s", branch), err)
	}
	return nil
}
