package jobstore

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spf13/afero"

	"github.com/taskgraph/taskgraph/internal/model"
)

const defaultJobCacheSize = 512

// cachedJob pairs a parsed JobRecord with the mtime of the job.json it was
// parsed from, so a cache hit is only used when the file is unchanged.
type cachedJob struct {
	modTime time.Time
	job     *model.JobRecord
}

// Store owns the on-disk layout described in spec.md §6, relative to a
// repo root:
//
//	<scheduler>/<job_id>/{job.json, stdout.log, stderr.log, outcome.json, command.patch?}
//	<scheduler>/runs/<run_id>.json
//	<scheduler>/scheduler.lock
type Store struct {
	fs           afero.Fs
	repoRoot     string
	schedulerDir string
	cache        *lru.Cache[string, cachedJob]
}

func New(fs afero.Fs, repoRoot, schedulerDir string) *Store {
	cache, _ := lru.New[string, cachedJob](defaultJobCacheSize)
	return &Store{fs: fs, repoRoot: repoRoot, schedulerDir: schedulerDir, cache: cache}
}

// SetCacheSize resizes the job record cache. Callers that have loaded a
// Config pass its JobCacheSize here; n <= 0 disables caching entirely
// (every GetJob re-reads and re-parses job.json).
func (s *Store) SetCacheSize(n int) {
	if n <= 0 {
		s.cache = nil
		return
	}
	cache, _ := lru.New[string, cachedJob](n)
	s.cache = cache
}

func (s *Store) base() string { return filepath.Join(s.repoRoot, s.schedulerDir) }

func (s *Store) JobDir(jobID string) string { return filepath.Join(s.base(), jobID) }

func (s *Store) jobJSONPath(jobID string) string { return filepath.Join(s.JobDir(jobID), "job.json") }

func (s *Store) StdoutPath(jobID string) string { return filepath.Join(s.JobDir(jobID), "stdout.log") }

func (s *Store) StderrPath(jobID string) string { return filepath.Join(s.JobDir(jobID), "stderr.log") }

func (s *Store) OutcomePath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "outcome.json")
}

func (s *Store) CommandPatchPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "command.patch")
}

func (s *Store) SaveInputPatchPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "save-input.patch")
}

func (s *Store) RunManifestPath(runID string) string {
	return filepath.Join(s.base(), "runs", runID+".json")
}

func (s *Store) LockPath() string { return filepath.Join(s.base(), "scheduler.lock") }

// PutJob writes job.json atomically. It is the sole canonical record per
// job (spec.md §4.2): callers always write the full JobRecord, never a
// partial patch.
func (s *Store) PutJob(job *model.JobRecord) error {
	if job.JobID == "" {
		return fmt.Errorf("job record missing job_id")
	}
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.JobID, err)
	}
	if err := atomicWrite(s.fs, s.jobJSONPath(job.JobID), data); err != nil {
		return fmt.Errorf("write job %s: %w", job.JobID, err)
	}
	if s.cache != nil {
		s.cache.Remove(job.JobID)
	}
	return nil
}

// GetJob reads a job record. ErrNotFound is returned when job.json is
// absent so callers (notably the scheduler's after-dependency gate) can
// distinguish "missing" from other read failures.
//
// A tick calls ListJobs (and so GetJob) twice, once before and once after
// finalize; most job.json files are unchanged between the two passes, so
// a cache hit keyed on the file's mtime skips the re-unmarshal.
func (s *Store) GetJob(jobID string) (*model.JobRecord, error) {
	path := s.jobJSONPath(jobID)
	info, statErr := s.fs.Stat(path)
	if statErr == nil && s.cache != nil {
		if entry, ok := s.cache.Get(jobID); ok && entry.modTime.Equal(info.ModTime()) {
			return entry.job, nil
		}
	}

	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if isNotExist(err) {
			return nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
		}
		return nil, fmt.Errorf("read job %s: %w", jobID, err)
	}
	var job model.JobRecord
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}
	if statErr == nil && s.cache != nil {
		s.cache.Add(jobID, cachedJob{modTime: info.ModTime(), job: &job})
	}
	return &job, nil
}

// ListJobs returns every job record under the scheduler directory. Order
// is not guaranteed; callers that need determinism sort by JobID (KSUIDs
// sort by creation time).
func (s *Store) ListJobs() ([]*model.JobRecord, error) {
	entries, err := afero.ReadDir(s.fs, s.base())
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list scheduler dir: %w", err)
	}
	var jobs []*model.JobRecord
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "runs" || e.Name() == "artifacts" {
			continue
		}
		job, err := s.GetJob(e.Name())
		if err != nil {
			if isErrNotFound(err) {
				continue
			}
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// PutOutcome writes outcome.json exactly once (spec.md §4.2: "outcome.json
// is written exactly once at finalization").
func (s *Store) PutOutcome(jobID string, outcome *model.OutcomeDoc) error {
	data, err := json.MarshalIndent(outcome, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal outcome %s: %w", jobID, err)
	}
	if err := writeOnce(s.fs, s.OutcomePath(jobID), data); err != nil {
		return fmt.Errorf("write outcome %s: %w", jobID, err)
	}
	return nil
}

// GetOutcome reads outcome.json, returning ErrNotFound if the child never
// wrote one (spec.md §5: absence + non-running status resolves to failed
// with a scheduler-data-error at next tick).
func (s *Store) GetOutcome(jobID string) (*model.OutcomeDoc, error) {
	data, err := afero.ReadFile(s.fs, s.OutcomePath(jobID))
	if err != nil {
		if isNotExist(err) {
			return nil, fmt.Errorf("%w: outcome for job %s", ErrNotFound, jobID)
		}
		return nil, fmt.Errorf("read outcome %s: %w", jobID, err)
	}
	var outcome model.OutcomeDoc
	if err := json.Unmarshal(data, &outcome); err != nil {
		return nil, fmt.Errorf("unmarshal outcome %s: %w", jobID, err)
	}
	return &outcome, nil
}

// RemoveOutcome deletes outcome.json, used by the retry engine when
// rewinding a job (spec.md §4.7 step 4).
func (s *Store) RemoveOutcome(jobID string) error {
	err := s.fs.Remove(s.OutcomePath(jobID))
	if err != nil && !isNotExist(err) {
		return fmt.Errorf("remove outcome %s: %w", jobID, err)
	}
	return nil
}

// TruncateLogs empties stdout.log/stderr.log for a job (spec.md §4.7 step
// 4: "truncate logs" on retry).
func (s *Store) TruncateLogs(jobID string) error {
	for _, p := range []string{s.StdoutPath(jobID), s.StderrPath(jobID)} {
		if err := atomicWrite(s.fs, p, nil); err != nil {
			return fmt.Errorf("truncate %s: %w", p, err)
		}
	}
	return nil
}

// RemoveCommandPatch deletes command.patch if present (spec.md §4.7 step 4).
func (s *Store) RemoveCommandPatch(jobID string) error {
	err := s.fs.Remove(s.CommandPatchPath(jobID))
	if err != nil && !isNotExist(err) {
		return fmt.Errorf("remove command.patch %s: %w", jobID, err)
	}
	return nil
}

// PutRunManifest writes runs/<run_id>.json atomically, once, as the whole
// compiled graph for that run (spec.md §3.1: "immutable once queued").
func (s *Store) PutRunManifest(m *model.RunManifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run manifest %s: %w", m.RunID, err)
	}
	if err := writeOnce(s.fs, s.RunManifestPath(m.RunID), data); err != nil {
		return fmt.Errorf("write run manifest %s: %w", m.RunID, err)
	}
	return nil
}

func (s *Store) GetRunManifest(runID string) (*model.RunManifest, error) {
	data, err := afero.ReadFile(s.fs, s.RunManifestPath(runID))
	if err != nil {
		if isNotExist(err) {
			return nil, fmt.Errorf("%w: run manifest %s", ErrNotFound, runID)
		}
		return nil, fmt.Errorf("read run manifest %s: %w", runID, err)
	}
	var m model.RunManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal run manifest %s: %w", runID, err)
	}
	return &m, nil
}

// Fs exposes the underlying filesystem for components (artifact index, VCS
// facade) that share the same store, so every write goes through the same
// atomic discipline.
func (s *Store) Fs() afero.Fs { return s.fs }

func (s *Store) RepoRoot() string { return s.repoRoot }

func (s *Store) SchedulerDir() string { return s.schedulerDir }
