// Package artifact implements C3: presence checks for built-in artifact
// kinds and persisted markers/payloads for custom artifacts
// (spec.md §3.1, §4.3).
package artifact

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/taskgraph/taskgraph/internal/jobstore"
	"github.com/taskgraph/taskgraph/internal/model"
)

// VCS is the slice of the VCS facade the artifact index needs: whether a
// branch exists and whether a path exists at a branch's tip. Defined here
// (rather than importing the vcs package directly) to keep the dependency
// direction one-way: vcs does not need to know about artifacts.
type VCS interface {
	BranchExists(name string) (bool, error)
	FileExistsAtTip(branch, path string) (bool, error)
}

// JobLookup is the slice of jobstore.Store the legacy command_patch
// predicate needs (spec.md §4.3: "OR that job finished succeeded").
type JobLookup interface {
	GetJob(jobID string) (*model.JobRecord, error)
}

type Index struct {
	fs           afero.Fs
	repoRoot     string
	schedulerDir string
	plansDir     string
	tmpDir       string
	vcs          VCS
	jobs         JobLookup
}

func New(fs afero.Fs, repoRoot, schedulerDir, plansDir, tmpDir string, vcs VCS, jobs JobLookup) *Index {
	return &Index{
		fs: fs, repoRoot: repoRoot, schedulerDir: schedulerDir,
		plansDir: plansDir, tmpDir: tmpDir, vcs: vcs, jobs: jobs,
	}
}

// mergeSentinelPath is <tmp>/merge-conflicts/<slug>.json (spec.md §6).
func (idx *Index) mergeSentinelPath(slug string) string {
	return filepath.Join(idx.repoRoot, idx.tmpDir, "merge-conflicts", slug+".json")
}

func (idx *Index) customDir(typeID, key string) string {
	return filepath.Join(idx.repoRoot, idx.schedulerDir, "artifacts", "custom",
		hex.EncodeToString([]byte(typeID)), hex.EncodeToString([]byte(key)))
}

func (idx *Index) customDataDir(typeID, key string) string {
	return filepath.Join(idx.repoRoot, idx.schedulerDir, "artifacts", "data",
		hex.EncodeToString([]byte(typeID)), hex.EncodeToString([]byte(key)))
}

func (idx *Index) markerPath(jobID, typeID, key string) string {
	return filepath.Join(idx.customDir(typeID, key), jobID+".marker")
}

func (idx *Index) payloadPath(jobID, typeID, key string) string {
	return filepath.Join(idx.customDataDir(typeID, key), jobID+".json")
}

// Present checks ref's presence predicate in the order spec.md §4.3
// defines it, per artifact kind.
func (idx *Index) Present(ref model.ArtifactRef) (bool, error) {
	switch ref.Kind {
	case model.KindPlanBranch, model.KindPlanCommits:
		branch := ref.Args["branch"]
		if branch == "" {
			branch = "draft/" + ref.Args["slug"]
		}
		return idx.vcs.BranchExists(branch)
	case model.KindPlanDoc:
		branch := ref.Args["branch"]
		if branch == "" {
			branch = "draft/" + ref.Args["slug"]
		}
		return idx.vcs.FileExistsAtTip(branch, filepath.Join(idx.plansDir, ref.Args["slug"]+".md"))
	case model.KindTargetBranch:
		return idx.vcs.BranchExists(ref.Args["name"])
	case model.KindMergeSentinel:
		return afero.Exists(idx.fs, idx.mergeSentinelPath(ref.Args["slug"]))
	case model.KindCommandPatch:
		return idx.commandPatchPresent(ref.Args["job_id"])
	case model.KindCustom:
		return idx.customPresent(ref.TypeID, ref.Key)
	default:
		return false, fmt.Errorf("unknown artifact kind %q", ref.Kind)
	}
}

// commandPatchPresent implements the documented Open Question resolution:
// present if the file exists OR the producing job finished succeeded
// (kept for legacy phase-sentinel templates; SPEC_FULL.md documents new
// templates should rely on file existence alone).
func (idx *Index) commandPatchPresent(jobID string) (bool, error) {
	path := filepath.Join(idx.repoRoot, idx.schedulerDir, jobID, "command.patch")
	exists, err := afero.Exists(idx.fs, path)
	if err != nil {
		return false, fmt.Errorf("stat command.patch for %s: %w", jobID, err)
	}
	if exists {
		return true, nil
	}
	job, err := idx.jobs.GetJob(jobID)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("lookup job %s for command_patch presence: %w", jobID, err)
	}
	return job.Status == model.StatusSucceeded, nil
}

func (idx *Index) customPresent(typeID, key string) (bool, error) {
	dir := idx.customDir(typeID, key)
	entries, err := afero.ReadDir(idx.fs, dir)
	if err != nil {
		if isNotExistErr(err) {
			return false, nil
		}
		return false, fmt.Errorf("list markers for custom:%s:%s: %w", typeID, key, err)
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".marker") {
			return true, nil
		}
	}
	return false, nil
}

// WriteMarker writes the zero-length presence marker for a custom artifact
// produced by jobID.
func (idx *Index) WriteMarker(jobID, typeID, key string) error {
	path := idx.markerPath(jobID, typeID, key)
	if err := idx.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for marker %s: %w", path, err)
	}
	if err := afero.WriteFile(idx.fs, path, nil, 0o644); err != nil {
		return fmt.Errorf("write marker %s: %w", path, err)
	}
	return nil
}

// WritePayload writes the optional typed payload alongside a marker.
// It performs no schema validation: contract schemas are checked only by
// the template compiler at queue time, against a node's inline payload arg.
func (idx *Index) WritePayload(jobID, typeID, key string, payload any) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal payload for custom:%s:%s: %w", typeID, key, err)
	}
	path := idx.payloadPath(jobID, typeID, key)
	if err := idx.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for payload %s: %w", path, err)
	}
	if err := afero.WriteFile(idx.fs, path, data, 0o644); err != nil {
		return fmt.Errorf("write payload %s: %w", path, err)
	}
	return nil
}

func (idx *Index) ReadPayload(jobID, typeID, key string, out any) error {
	data, err := afero.ReadFile(idx.fs, idx.payloadPath(jobID, typeID, key))
	if err != nil {
		return fmt.Errorf("read payload for custom:%s:%s produced by %s: %w", typeID, key, jobID, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal payload for custom:%s:%s: %w", typeID, key, err)
	}
	return nil
}

// RemoveOwned deletes every marker and payload produced by jobID across all
// custom artifacts, used by the retry engine (spec.md §4.7 step 4: "remove
// ... owned custom artifact markers/payloads").
func (idx *Index) RemoveOwned(jobID string) error {
	for _, root := range []string{
		filepath.Join(idx.repoRoot, idx.schedulerDir, "artifacts", "custom"),
		filepath.Join(idx.repoRoot, idx.schedulerDir, "artifacts", "data"),
	} {
		if err := idx.removeOwnedUnder(root, jobID); err != nil {
			return err
		}
	}
	return nil
}

func (idx *Index) removeOwnedUnder(root, jobID string) error {
	typeDirs, err := afero.ReadDir(idx.fs, root)
	if err != nil {
		if isNotExistErr(err) {
			return nil
		}
		return fmt.Errorf("list %s: %w", root, err)
	}
	for _, td := range typeDirs {
		keyRoot := filepath.Join(root, td.Name())
		keyDirs, err := afero.ReadDir(idx.fs, keyRoot)
		if err != nil {
			return fmt.Errorf("list %s: %w", keyRoot, err)
		}
		for _, kd := range keyDirs {
			ext := ".marker"
			if strings.Contains(root, "data") {
				ext = ".json"
			}
			p := filepath.Join(keyRoot, kd.Name(), jobID+ext)
			if err := idx.fs.Remove(p); err != nil && !isNotExistErr(err) {
				return fmt.Errorf("remove %s: %w", p, err)
			}
		}
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, jobstore.ErrNotFound)
}
