package vcs

import (
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/taskgraph/taskgraph/internal/schederr"
)

// EnsureBranchFromBase creates name pointing at base's tip if name does not
// exist; if it already exists, succeeds when its tip already equals base's
// tip and fails otherwise (spec.md §4.1: idempotent, no silent reset).
func (r *Repo) EnsureBranchFromBase(base, name string) (string, error) {
	baseRef, err := r.repo.Reference(plumbing.NewBranchReferenceName(base), true)
	if err != nil {
		return "", schederr.VCS(fmt.Sprintf("resolve base branch %s", base), err)
	}

	existing, err := r.repo.Reference(plumbing.NewBranchReferenceName(name), true)
	if err == nil {
		if existing.Hash() == baseRef.Hash() {
			return existing.Hash().String(), nil
		}
		return "", schederr.VCS(
			fmt.Sprintf("branch %s already exists at a different tip than base %s", name, base), nil)
	}
	if err != plumbing.ErrReferenceNotFound {
		return "", schederr.VCS(fmt.Sprintf("resolve branch %s", name), err)
	}

	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(name), baseRef.Hash())
	if err := r.repo.Storer.SetReference(ref); err != nil {
		return "", schederr.VCS(fmt.Sprintf("create branch %s from %s", name, base), err)
	}
	return baseRef.Hash().String(), nil
}

// ResetBranchTo forcibly repoints name at oid, used only by callers that
// explicitly asked for reset semantics (spec.md §4.1 carve-out).
func (r *Repo) ResetBranchTo(name string, oid plumbing.Hash) error {
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(name), oid)
	if err := r.repo.Storer.SetReference(ref); err != nil {
		return schederr.VCS(fmt.Sprintf("reset branch %s to %s", name, oid), err)
	}
	return nil
}

// DeleteBranch removes a local branch ref, used after a merge integrates
// a plan branch unless the operator passed keep_branch (S1 in spec.md §8).
func (r *Repo) DeleteBranch(name string) error {
	if err := r.repo.Storer.RemoveReference(plumbing.NewBranchReferenceName(name)); err != nil {
		return schederr.VCS(fmt.Sprintf("delete branch %s", name), err)
	}
	return nil
}
