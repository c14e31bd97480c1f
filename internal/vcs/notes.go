package vcs

import (
	"fmt"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/taskgraph/taskgraph/internal/schederr"
)

// notesRef mirrors git's default notes namespace, refs/notes/commits, so
// notes written by taskgraph show up under `git notes show` like any other
// note (spec.md §4.1 lists notes alongside tag/commit as facade ops).
const notesRef = "refs/notes/commits"

// AddNote attaches message as a note on commit oid, replacing any existing
// note on that commit (spec.md does not require note history, only current
// content, e.g. session-log pointers attached after the fact).
func (r *Repo) AddNote(oid, message string, identity CommitIdentity, now time.Time) error {
	target := plumbing.NewHash(oid)
	if target.IsZero() {
		return schederr.VCS(fmt.Sprintf("invalid commit oid %q for note", oid), nil)
	}

	notes, err := r.readNotesTree()
	if err != nil {
		return err
	}
	notes[oid] = message

	blobHashes := map[string]plumbing.Hash{}
	for commitHex, text := range notes {
		hash, err := r.writeBlob([]byte(text))
		if err != nil {
			return schederr.VCS(fmt.Sprintf("write note blob for %s", commitHex), err)
		}
		blobHashes[commitHex] = hash
	}

	entries := fileEntriesFromNotes(blobHashes)
	treeHash, err := writeTree(r.repo.Storer, entries)
	if err != nil {
		return schederr.VCS("write notes tree", err)
	}

	sig := &object.Signature{Name: identity.Name, Email: identity.Email, When: now}
	var parents []plumbing.Hash
	if ref, err := r.repo.Reference(plumbing.ReferenceName(notesRef), true); err == nil {
		parents = []plumbing.Hash{ref.Hash()}
	}
	commit := &object.Commit{
		Author: *sig, Committer: *sig,
		Message:      fmt.Sprintf("Notes update for %s", oid[:min(7, len(oid))]),
		TreeHash:     treeHash,
		ParentHashes: parents,
	}
	obj := r.repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return schederr.VCS("encode notes commit", err)
	}
	hash, err := r.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return schederr.VCS("store notes commit", err)
	}
	newRef := plumbing.NewHashReference(plumbing.ReferenceName(notesRef), hash)
	if err := r.repo.Storer.SetReference(newRef); err != nil {
		return schederr.VCS("advance notes ref", err)
	}
	return nil
}

// ReadNote returns the note attached to commit oid, or ok=false if none.
func (r *Repo) ReadNote(oid string) (text string, ok bool, err error) {
	notes, err := r.readNotesTree()
	if err != nil {
		return "", false, err
	}
	text, ok = notes[oid]
	return text, ok, nil
}

func (r *Repo) readNotesTree() (map[string]string, error) {
	ref, err := r.repo.Reference(plumbing.ReferenceName(notesRef), true)
	if err != nil {
		if err == plumbing.ErrReferenceNotFound {
			return map[string]string{}, nil
		}
		return nil, schederr.VCS("resolve notes ref", err)
	}
	commit, err := r.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, schederr.VCS("load notes commit", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, schederr.VCS("load notes tree", err)
	}
	out := map[string]string{}
	for _, e := range tree.Entries {
		blob, err := r.repo.BlobObject(e.Hash)
		if err != nil {
			continue
		}
		rdr, err := blob.Reader()
		if err != nil {
			continue
		}
		data := make([]byte, blob.Size)
		_, _ = rdr.Read(data)
		_ = rdr.Close()
		out[e.Name] = string(data)
	}
	return out, nil
}

func (r *Repo) writeBlob(data []byte) (plumbing.Hash, error) {
	obj := r.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return r.repo.Storer.SetEncodedObject(obj)
}

func fileEntriesFromNotes(blobHashes map[string]plumbing.Hash) map[string]fileEntry {
	out := make(map[string]fileEntry, len(blobHashes))
	for commitHex, hash := range blobHashes {
		out[commitHex] = fileEntry{hash: hash, mode: filemode.Regular}
	}
	return out
}
