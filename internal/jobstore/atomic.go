// Package jobstore implements C2: durable per-job records on disk, atomic
// writes, and the scheduler.lock advisory lock serializing ticks
// (spec.md §4.2, §5).
package jobstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// atomicWrite implements "write temp -> fsync -> rename" over an afero.Fs,
// the sole write discipline jobstore uses so job.json is always either the
// old or the new value, never a partial write (spec.md §4.2, §5 crash
// safety).
func atomicWrite(fs afero.Fs, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp := path + ".tmp"
	f, err := fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open temp file %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = fs.Remove(tmp)
		return fmt.Errorf("write temp file %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = fs.Remove(tmp)
		return fmt.Errorf("fsync temp file %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = fs.Remove(tmp)
		return fmt.Errorf("close temp file %s: %w", tmp, err)
	}
	if err := fs.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}

// writeOnce writes path only if it does not already exist, used for
// outcome.json which spec.md says is written exactly once at finalization.
func writeOnce(fs afero.Fs, path string, data []byte) error {
	if exists, err := afero.Exists(fs, path); err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	} else if exists {
		return fmt.Errorf("%s already exists (outcome.json is write-once)", path)
	}
	return atomicWrite(fs, path, data)
}
