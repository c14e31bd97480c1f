package vcs

import "github.com/go-git/go-git/v5/plumbing"

func branchRefName(name string) plumbing.ReferenceName {
	return plumbing.NewBranchReferenceName(name)
}
