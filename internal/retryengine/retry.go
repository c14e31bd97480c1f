// Package retryengine implements C7: recomputing and rewinding a job's
// retry set, then driving one scheduler tick to resume it (spec.md §4.7).
package retryengine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/taskgraph/taskgraph/internal/artifact"
	"github.com/taskgraph/taskgraph/internal/jobstore"
	"github.com/taskgraph/taskgraph/internal/model"
	"github.com/taskgraph/taskgraph/internal/scheduler"
	"github.com/taskgraph/taskgraph/internal/schederr"
	"github.com/taskgraph/taskgraph/internal/vcs"
)

// Report is the {retry_root, last_successful_points, reset[], restarted[]}
// shape spec.md §4.7 step 7 defines.
type Report struct {
	RetryRoot            string
	LastSuccessfulPoints []string
	Reset                []string
	Restarted            []string
}

// Engine wires the job store, artifact index, and VCS facade a retry needs
// to rewind state, plus a Scheduler to drive the resuming tick.
type Engine struct {
	store     *jobstore.Store
	artifacts *artifact.Index
	repo      *vcs.Repo
	sched     *scheduler.Scheduler
}

func New(store *jobstore.Store, idx *artifact.Index, repo *vcs.Repo, sched *scheduler.Scheduler) *Engine {
	return &Engine{store: store, artifacts: idx, repo: repo, sched: sched}
}

// Retry implements spec.md §4.7's retry(root_job_id) steps 1-7.
func (e *Engine) Retry(ctx context.Context, rootJobID string, now time.Time) (*Report, error) {
	all, err := e.store.ListJobs()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	set := computeRetrySet(all, rootJobID)
	if len(set) == 0 {
		return nil, schederr.Operator(fmt.Sprintf("job %s not found", rootJobID), nil)
	}
	inSet := map[string]bool{}
	for _, j := range set {
		inSet[j.JobID] = true
	}

	for _, j := range set {
		if j.Status == model.StatusRunning {
			return nil, schederr.Operator(
				fmt.Sprintf("refusing retry: job %s in the retry set is currently running", j.JobID), nil)
		}
	}

	mergeState, err := e.repo.DetectMergeState()
	if err != nil {
		return nil, fmt.Errorf("detect merge state: %w", err)
	}
	if mergeState != vcs.MergeStateClean {
		return nil, schederr.Conflict(fmt.Sprintf(
			"refusing retry: repository has an in-progress %s; resolve or abort it before retrying", mergeState), nil)
	}

	lastSuccessfulPoints := successfulBoundary(all, inSet)

	reset := make([]string, 0, len(set))
	for _, j := range set {
		if err := e.rewind(j, now); err != nil {
			return nil, fmt.Errorf("rewind job %s: %w", j.JobID, err)
		}
		reset = append(reset, j.JobID)
	}
	sort.Strings(reset)

	for _, j := range set {
		if err := e.cleanupWorktree(j); err != nil {
			return nil, fmt.Errorf("worktree cleanup for job %s: %w", j.JobID, err)
		}
	}

	for _, j := range set {
		if err := e.clearMergeSentinel(j); err != nil {
			return nil, fmt.Errorf("clear merge sentinel for job %s: %w", j.JobID, err)
		}
	}

	for _, j := range set {
		if err := e.store.PutJob(j); err != nil {
			return nil, fmt.Errorf("persist rewound job %s: %w", j.JobID, err)
		}
	}

	tick, err := e.sched.Tick(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("run resuming tick: %w", err)
	}

	return &Report{
		RetryRoot:            rootJobID,
		LastSuccessfulPoints: lastSuccessfulPoints,
		Reset:                reset,
		Restarted:            tick.Spawned,
	}, nil
}

// computeRetrySet implements spec.md §4.7 step 2: root plus every
// descendant reachable by after:success edges or produced-artifact
// consumer edges, searched across the whole job store (not just one run)
// since an artifact the root produced may be consumed by a job in a
// different run.
func computeRetrySet(all []*model.JobRecord, rootJobID string) []*model.JobRecord {
	byID := map[string]*model.JobRecord{}
	for _, j := range all {
		byID[j.JobID] = j
	}
	root, ok := byID[rootJobID]
	if !ok {
		return nil
	}

	inSet := map[string]*model.JobRecord{rootJobID: root}
	frontier := []*model.JobRecord{root}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		for _, j := range all {
			if _, already := inSet[j.JobID]; already {
				continue
			}
			if followsFrom(cur, j) {
				inSet[j.JobID] = j
				frontier = append(frontier, j)
			}
		}
	}

	set := make([]*model.JobRecord, 0, len(inSet))
	for _, j := range inSet {
		set = append(set, j)
	}
	sort.Slice(set, func(i, k int) bool { return set[i].JobID < set[k].JobID })
	return set
}

// followsFrom reports whether j is a direct descendant of cur: either an
// after:success edge onto cur, or j consumes an artifact cur produces.
func followsFrom(cur, j *model.JobRecord) bool {
	for _, dep := range j.After {
		if dep.JobID == cur.JobID && dep.Policy == string(model.OutcomeSucceeded) {
			return true
		}
	}
	for _, dep := range j.Dependencies {
		for _, out := range cur.Artifacts {
			if dep.String() == out.String() {
				return true
			}
		}
	}
	return false
}

// successfulBoundary finds jobs outside the retry set that the set
// directly depends on (predecessors left untouched, spec.md §4.7 step 3)
// and that finished succeeded: the points retry will resume forward from.
func successfulBoundary(all []*model.JobRecord, inSet map[string]bool) []string {
	byID := map[string]*model.JobRecord{}
	for _, j := range all {
		byID[j.JobID] = j
	}
	seen := map[string]bool{}
	var out []string
	addIfSucceeded := func(jobID string) {
		if inSet[jobID] || seen[jobID] {
			return
		}
		pred, ok := byID[jobID]
		if !ok || pred.Status != model.StatusSucceeded {
			return
		}
		seen[jobID] = true
		out = append(out, jobID)
	}
	for jobID := range inSet {
		j := byID[jobID]
		for _, dep := range j.After {
			addIfSucceeded(dep.JobID)
		}
		for _, dep := range j.Dependencies {
			for _, other := range all {
				for _, produced := range other.Artifacts {
					if produced.String() == dep.String() {
						addIfSucceeded(other.JobID)
					}
				}
			}
		}
	}
	sort.Strings(out)
	return out
}

// rewind implements spec.md §4.7 step 4's field-clearing list, adapted to
// this JobRecord's actual fields (there is no session_path field in this
// schema to clear).
func (e *Engine) rewind(j *model.JobRecord, now time.Time) error {
	j.Status = model.StatusQueued
	j.PID = 0
	j.StartedAt = nil
	j.FinishedAt = nil
	j.ExitCode = nil
	j.WaitReason = nil
	j.WaitedOn = nil
	j.WorkflowNodeOutcome = ""
	j.WorkflowPayloadRefs = nil
	j.WorkflowNodeAttempt++
	j.RetryCleanupStatus = ""
	j.RetryCleanupError = ""

	if err := e.store.TruncateLogs(j.JobID); err != nil {
		return fmt.Errorf("truncate logs: %w", err)
	}
	if err := e.store.RemoveOutcome(j.JobID); err != nil {
		return fmt.Errorf("remove stale outcome.json: %w", err)
	}
	if err := e.store.RemoveCommandPatch(j.JobID); err != nil {
		return fmt.Errorf("remove stale command.patch: %w", err)
	}
	j.CommandPatch = ""
	if err := e.artifacts.RemoveOwned(j.JobID); err != nil {
		return fmt.Errorf("remove owned custom artifacts: %w", err)
	}
	_ = now
	return nil
}

// cleanupWorktree implements spec.md §4.7 step 5.
func (e *Engine) cleanupWorktree(j *model.JobRecord) error {
	if j.WorktreeOwner == "" {
		return nil
	}
	status, err := e.repo.CleanupWorktree(j.WorktreePath, j.WorktreeOwner)
	if err != nil {
		j.RetryCleanupStatus = "degraded"
		j.RetryCleanupError = err.Error()
		return nil
	}
	switch status {
	case vcs.CleanupDone, vcs.CleanupSkippedNotOwner:
		j.WorktreeOwner = ""
		j.WorktreePath = ""
		j.ExecutionRoot = model.RootExecutionRoot
	}
	return nil
}

// clearMergeSentinel implements spec.md §4.7 step 6's sentinel clearing:
// for every merge_sentinel artifact this job produced, clear it.
func (e *Engine) clearMergeSentinel(j *model.JobRecord) error {
	for _, ref := range j.Artifacts {
		if ref.Kind != model.KindMergeSentinel {
			continue
		}
		if err := e.artifacts.ClearSentinel(ref.Args["slug"]); err != nil {
			return err
		}
	}
	return nil
}
