// Package scheduler implements C5: the single tick function that
// finalizes completed children, evaluates every non-terminal job through
// the Gate Order, and spawns newly eligible jobs (spec.md §4.5).
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/taskgraph/taskgraph/internal/artifact"
	"github.com/taskgraph/taskgraph/internal/config"
	"github.com/taskgraph/taskgraph/internal/jobstore"
	"github.com/taskgraph/taskgraph/internal/logx"
	"github.com/taskgraph/taskgraph/internal/model"
	"github.com/taskgraph/taskgraph/internal/vcs"
)

// Scheduler owns one repository's scheduler state. It is not a singleton
// (spec.md §9); callers construct one per repo root they operate on.
type Scheduler struct {
	store     *jobstore.Store
	artifacts *artifact.Index
	repo      *vcs.Repo
	cfg       *config.Config
	lock      *jobstore.TickLock
	log       logx.Logger

	// children tracks processes this Scheduler instance itself spawned,
	// keyed by job id, so a later finalize pass in the same process gets
	// the real exit code instead of the cross-process liveness fallback.
	children map[string]*ChildProc

	// spawnFn defaults to spawn (a real node-runtime child process); tests
	// substitute a fake (via SetSpawnFn) so gate/finalize logic can be
	// exercised without forking anything.
	spawnFn func(jobID, stdoutPath, stderrPath string) (int, *ChildProc, error)
}

func New(store *jobstore.Store, idx *artifact.Index, repo *vcs.Repo, cfg *config.Config, log logx.Logger) *Scheduler {
	if log == nil {
		log = logx.FromContext(context.Background())
	}
	return &Scheduler{
		store:     store,
		artifacts: idx,
		repo:      repo,
		cfg:       cfg,
		lock:      jobstore.NewTickLock(store.LockPath()),
		log:       log,
		children:  map[string]*ChildProc{},
		spawnFn:   spawn,
	}
}

// SetSpawnFn overrides how Tick starts a node-runtime child process.
// Production callers never need this (the zero value forks a real
// process); it exists so other packages' tests (e.g. retryengine) can
// drive a Scheduler end-to-end without forking anything.
func (s *Scheduler) SetSpawnFn(fn func(jobID, stdoutPath, stderrPath string) (int, *ChildProc, error)) {
	s.spawnFn = fn
}

// TickReport summarizes one tick's effect, returned to CLI callers for
// the outcome.v1 JSON output mode (spec.md §6).
type TickReport struct {
	Finalized []string
	Spawned   []string
	Blocked   []string
	Waiting   []string
}

// Tick runs the three-phase state transition under the exclusive
// scheduler.lock (spec.md §4.5, §5): finalize, gate-evaluate, spawn.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (*TickReport, error) {
	unlock, err := s.lock.WaitExclusive(ctx, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("acquire scheduler.lock: %w", err)
	}
	defer unlock()

	report := &TickReport{}

	jobs, err := s.store.ListJobs()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	for _, job := range jobs {
		if job.Status != model.StatusRunning {
			continue
		}
		result, err := s.finalize(job, s.children[job.JobID], now)
		if err != nil {
			return nil, fmt.Errorf("finalize job %s: %w", job.JobID, err)
		}
		if result.changed {
			delete(s.children, job.JobID)
			report.Finalized = append(report.Finalized, job.JobID)
		}
	}

	// Re-read: finalize may have mutated downstream jobs (execution-root
	// propagation) and jobs' own terminal state.
	jobs, err = s.store.ListJobs()
	if err != nil {
		return nil, fmt.Errorf("re-list jobs after finalize: %w", err)
	}

	running := 0
	var eligible []*model.JobRecord
	for _, job := range jobs {
		switch job.Status {
		case model.StatusRunning:
			running++
		case model.StatusQueued, model.StatusWaitingOnDeps, model.StatusWaitingOnApproval, model.StatusWaitingOnLocks:
			eligible = append(eligible, job)
		}
	}
	// Deterministic evaluation order: queued jobs sort by KSUID (creation
	// time), which also gives spawn order a stable tie-break.
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].JobID < eligible[j].JobID })

	runningJobs := make([]*model.JobRecord, 0, running)
	for _, job := range jobs {
		if job.Status == model.StatusRunning {
			runningJobs = append(runningJobs, job)
		}
	}
	table := lockTable(runningJobs)

	ignoreGlobs := vcs.DefaultIgnoreGlobs(s.cfg.SchedulerDir, s.cfg.TmpDir)

	manifestProducers := map[string]artifact.ProducerRegistry{}
	runIndices := map[string]runIndex{}
	producersFor := func(runID string) (artifact.ProducerRegistry, runIndex, error) {
		if reg, ok := manifestProducers[runID]; ok {
			return reg, runIndices[runID], nil
		}
		manifest, err := s.store.GetRunManifest(runID)
		if err != nil {
			return nil, nil, fmt.Errorf("load run manifest %s: %w", runID, err)
		}
		reg := artifact.BuildProducerRegistry(manifest)
		idx := buildRunIndex(jobs, runID)
		manifestProducers[runID] = reg
		runIndices[runID] = idx
		return reg, idx, nil
	}

	var toSpawn []*model.JobRecord
	for _, job := range eligible {
		verdict, err := s.evaluate(job, table, ignoreGlobs, producersFor)
		if err != nil {
			return nil, fmt.Errorf("evaluate gates for job %s: %w", job.JobID, err)
		}
		if verdict.terminal {
			job.Status = verdict.status
			job.WaitReason = verdict.reason
			if err := s.store.PutJob(job); err != nil {
				return nil, fmt.Errorf("persist blocked job %s: %w", job.JobID, err)
			}
			report.Blocked = append(report.Blocked, job.JobID)
			continue
		}
		if !verdict.ready {
			job.Status = verdict.status
			job.WaitReason = verdict.reason
			if verdict.reason != nil {
				job.RecordWaited(verdict.reason.Kind)
			}
			if err := s.store.PutJob(job); err != nil {
				return nil, fmt.Errorf("persist waiting job %s: %w", job.JobID, err)
			}
			report.Waiting = append(report.Waiting, job.JobID)
			continue
		}
		if running+len(toSpawn) >= s.cfg.MaxConcurrentJobs {
			continue
		}
		toSpawn = append(toSpawn, job)
		// Locks acquired by this job must be visible to later jobs in the
		// same spawn pass (spec.md §4.5: locks are derived from every
		// running job's declared set).
		for _, l := range job.Locks {
			table[l.Key] = append(table[l.Key], heldLock{jobID: job.JobID, mode: l.Mode})
		}
	}

	for _, job := range toSpawn {
		if err := s.spawnJob(job, now); err != nil {
			return nil, fmt.Errorf("spawn job %s: %w", job.JobID, err)
		}
		report.Spawned = append(report.Spawned, job.JobID)
	}

	s.log.Debug("tick complete",
		"finalized", len(report.Finalized), "spawned", len(report.Spawned),
		"blocked", len(report.Blocked), "waiting", len(report.Waiting))
	return report, nil
}

// evaluate runs the strict Gate Order (spec.md §4.5): after -> outcome
// waits -> artifact dependencies -> pinned head -> preconditions ->
// approval -> locks.
func (s *Scheduler) evaluate(
	job *model.JobRecord,
	lockHeld map[string][]heldLock,
	ignoreGlobs []string,
	producersFor func(runID string) (artifact.ProducerRegistry, runIndex, error),
) (gateVerdict, error) {
	producers, byID, err := producersFor(job.WorkflowRunID)
	if err != nil {
		return gateVerdict{}, err
	}

	if v := evaluateAfter(job, byID); !v.ready {
		return v, nil
	}
	if v := evaluateOutcomeWaits(job); !v.ready {
		return v, nil
	}
	v, err := evaluateArtifacts(job, artifactGate{idx: s.artifacts, producers: producers, byID: byID})
	if err != nil {
		return gateVerdict{}, err
	}
	if !v.ready {
		return v, nil
	}
	v, err = evaluatePinnedHead(job, s.repo)
	if err != nil {
		return gateVerdict{}, err
	}
	if !v.ready {
		return v, nil
	}
	v, err = evaluatePreconditions(job, s.repo, ignoreGlobs)
	if err != nil {
		return gateVerdict{}, err
	}
	if !v.ready {
		return v, nil
	}
	if v := evaluateApproval(job); !v.ready {
		return v, nil
	}
	if v := evaluateLocks(job, lockHeld); !v.ready {
		return v, nil
	}
	return ready(), nil
}

func (s *Scheduler) spawnJob(job *model.JobRecord, now time.Time) error {
	stdout := s.store.StdoutPath(job.JobID)
	stderr := s.store.StderrPath(job.JobID)
	if err := s.store.Fs().MkdirAll(s.store.JobDir(job.JobID), 0o755); err != nil {
		return fmt.Errorf("mkdir job dir for %s: %w", job.JobID, err)
	}

	pid, child, err := s.spawnFn(job.JobID, stdout, stderr)
	if err != nil {
		return err
	}
	s.children[job.JobID] = child

	job.Status = model.StatusRunning
	job.WaitReason = nil
	job.PID = pid
	job.StartedAt = &now
	job.StdoutLog = stdout
	job.StderrLog = stderr
	job.OutcomePath = s.store.OutcomePath(job.JobID)
	return s.store.PutJob(job)
}
