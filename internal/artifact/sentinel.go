package artifact

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/taskgraph/taskgraph/internal/model"
)

// WriteSentinel persists a conflict sentinel, created by gate.conflict or
// git.integrate_plan_branch on a merge conflict (spec.md §3.1, §4.6).
func (idx *Index) WriteSentinel(s *model.ConflictSentinel) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal conflict sentinel %s: %w", s.Slug, err)
	}
	path := idx.mergeSentinelPath(s.Slug)
	if err := idx.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for sentinel %s: %w", s.Slug, err)
	}
	if err := afero.WriteFile(idx.fs, path, data, 0o644); err != nil {
		return fmt.Errorf("write sentinel %s: %w", s.Slug, err)
	}
	return nil
}

func (idx *Index) ReadSentinel(slug string) (*model.ConflictSentinel, error) {
	data, err := afero.ReadFile(idx.fs, idx.mergeSentinelPath(slug))
	if err != nil {
		return nil, fmt.Errorf("read conflict sentinel %s: %w", slug, err)
	}
	var s model.ConflictSentinel
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal conflict sentinel %s: %w", slug, err)
	}
	return &s, nil
}

// ClearSentinel removes a conflict sentinel once the merge completes or an
// operator resolves it manually (spec.md §4.6 merge.sentinel.clear).
func (idx *Index) ClearSentinel(slug string) error {
	err := idx.fs.Remove(idx.mergeSentinelPath(slug))
	if err != nil && !isNotExistErr(err) {
		return fmt.Errorf("clear sentinel %s: %w", slug, err)
	}
	return nil
}
