package scheduler

import (
	"fmt"
	"time"

	"github.com/taskgraph/taskgraph/internal/model"
	"github.com/taskgraph/taskgraph/internal/schederr"
)

// finalizeResult reports whether a job transitioned out of running this
// pass, so the tick loop can decide whether to re-evaluate it through the
// Gate Order this same tick (it never does: a job that just finalized is
// terminal and gates don't apply to it, spec.md §4.5 "Terminal policy").
type finalizeResult struct {
	changed bool
}

// finalize implements spec.md §4.5 "Finalization" for one running job.
// child is non-nil only when this Scheduler instance itself spawned the
// process (same-process reap, exact exit code); otherwise liveness plus
// outcome.json presence is the sole source of truth, the crash-recovery
// path §5 documents explicitly.
func (s *Scheduler) finalize(job *model.JobRecord, child *ChildProc, now time.Time) (finalizeResult, error) {
	if job.Status != model.StatusRunning {
		return finalizeResult{}, nil
	}

	if s.isAgentInvoke(job) && job.StartedAt != nil && now.Sub(*job.StartedAt) > s.cfg.AgentTimeout {
		_ = terminate(job.PID)
		return s.finalizeExit(job, 143, now)
	}

	if child != nil {
		select {
		case code := <-child.doneCh:
			return s.finalizeExit(job, code, now)
		default:
			return finalizeResult{}, nil
		}
	}

	if processAlive(job.PID) {
		return finalizeResult{}, nil
	}
	return s.finalizeExit(job, -1, now)
}

// finalizeExit applies the exit-code rules from spec.md §4.5. exitCode -1
// means "process is gone but we never observed its real exit code"
// (cross-process recovery): outcome.json's presence is then the only
// signal available.
func (s *Scheduler) finalizeExit(job *model.JobRecord, exitCode int, now time.Time) (finalizeResult, error) {
	switch exitCode {
	case 0:
		outcome, err := s.store.GetOutcome(job.JobID)
		if err != nil {
			if !isNotFound(err) {
				return finalizeResult{}, fmt.Errorf("read outcome for %s: %w", job.JobID, err)
			}
			return s.finalizeMissingOutcome(job, now)
		}
		return s.applyOutcome(job, outcome, now)
	case 143:
		job.Status = model.StatusCancelled
		code := 143
		job.ExitCode = &code
		job.FinishedAt = &now
		job.WorkflowNodeOutcome = string(model.OutcomeCancelled)
		if err := s.store.PutJob(job); err != nil {
			return finalizeResult{}, err
		}
		if err := s.enableOutcomeWaits(job); err != nil {
			return finalizeResult{}, fmt.Errorf("enable outcome waits for %s: %w", job.JobID, err)
		}
		return finalizeResult{changed: true}, nil
	case -1:
		outcome, err := s.store.GetOutcome(job.JobID)
		if err != nil {
			if !isNotFound(err) {
				return finalizeResult{}, fmt.Errorf("read outcome for %s: %w", job.JobID, err)
			}
			return s.finalizeMissingOutcome(job, now)
		}
		return s.applyOutcome(job, outcome, now)
	default:
		job.Status = model.StatusFailed
		code := exitCode
		job.ExitCode = &code
		job.FinishedAt = &now
		job.WorkflowNodeOutcome = string(model.OutcomeFailed)
		if err := s.store.PutOutcome(job.JobID, &model.OutcomeDoc{
			Status: model.OutcomeFailed,
			Error:  fmt.Sprintf("node-runtime exited %d", exitCode),
		}); err != nil {
			return finalizeResult{}, fmt.Errorf("synthesize outcome for %s: %w", job.JobID, err)
		}
		if err := s.store.PutJob(job); err != nil {
			return finalizeResult{}, err
		}
		if err := s.enableOutcomeWaits(job); err != nil {
			return finalizeResult{}, fmt.Errorf("enable outcome waits for %s: %w", job.JobID, err)
		}
		return finalizeResult{changed: true}, nil
	}
}

func (s *Scheduler) applyOutcome(job *model.JobRecord, outcome *model.OutcomeDoc, now time.Time) (finalizeResult, error) {
	code := 0
	job.ExitCode = &code
	job.FinishedAt = &now
	job.WorkflowNodeOutcome = string(outcome.Status)
	if outcome.ExecutionRoot != "" {
		job.ExecutionRoot = outcome.ExecutionRoot
	}
	if outcome.WorktreeOwner != "" {
		job.WorktreeOwner = outcome.WorktreeOwner
		job.WorktreePath = outcome.WorktreePath
	}
	if outcome.CommandPatch != "" {
		job.CommandPatch = outcome.CommandPatch
	}

	switch outcome.Status {
	case model.OutcomeSucceeded:
		job.Status = model.StatusSucceeded
	case model.OutcomeFailed:
		job.Status = model.StatusFailed
	case model.OutcomeCancelled:
		job.Status = model.StatusCancelled
	case model.OutcomeBlocked:
		job.Status = model.StatusBlockedByDependency
		job.WaitReason = &model.WaitReason{Kind: "outcome", Detail: outcome.Error}
	default:
		return finalizeResult{}, schederr.SchedulerData(
			fmt.Sprintf("job %s reported unknown outcome status %q", job.JobID, outcome.Status), nil)
	}

	for _, ref := range outcome.ProducedArtifacts {
		if ref.Kind != model.KindCustom {
			continue
		}
		if err := s.artifacts.WriteMarker(job.JobID, ref.TypeID, ref.Key); err != nil {
			return finalizeResult{}, fmt.Errorf("write marker for %s: %w", ref.String(), err)
		}
		if payload, ok := outcome.Payloads[ref.String()]; ok {
			if err := s.artifacts.WritePayload(job.JobID, ref.TypeID, ref.Key, payload); err != nil {
				return finalizeResult{}, fmt.Errorf("write payload for %s: %w", ref.String(), err)
			}
		}
	}

	s.propagateExecutionRoot(job, outcome)

	if err := s.store.PutJob(job); err != nil {
		return finalizeResult{}, fmt.Errorf("persist finalized job %s: %w", job.JobID, err)
	}
	if err := s.enableOutcomeWaits(job); err != nil {
		return finalizeResult{}, fmt.Errorf("enable outcome waits for %s: %w", job.JobID, err)
	}
	return finalizeResult{changed: true}, nil
}

// finalizeMissingOutcome implements spec.md §5's crash-safety fallback:
// absence of outcome.json combined with a non-running process resolves to
// failed with a scheduler-data-error detail.
func (s *Scheduler) finalizeMissingOutcome(job *model.JobRecord, now time.Time) (finalizeResult, error) {
	job.Status = model.StatusFailed
	code := 1
	job.ExitCode = &code
	job.FinishedAt = &now
	job.WorkflowNodeOutcome = string(model.OutcomeFailed)
	job.WaitReason = &model.WaitReason{Kind: "scheduler_data",
		Detail: fmt.Sprintf("job %s finished without writing outcome.json", job.JobID)}
	if err := s.store.PutOutcome(job.JobID, &model.OutcomeDoc{
		Status: model.OutcomeFailed,
		Error:  "node-runtime exited without writing outcome.json",
	}); err != nil {
		return finalizeResult{}, fmt.Errorf("synthesize outcome for %s: %w", job.JobID, err)
	}
	if err := s.store.PutJob(job); err != nil {
		return finalizeResult{}, fmt.Errorf("persist finalized job %s: %w", job.JobID, err)
	}
	if err := s.enableOutcomeWaits(job); err != nil {
		return finalizeResult{}, fmt.Errorf("enable outcome waits for %s: %w", job.JobID, err)
	}
	return finalizeResult{changed: true}, nil
}

// enableOutcomeWaits implements spec.md §4.5's "Outcome routing": the
// moment job finalizes, every OutcomeWait on a same-run downstream job
// that names job's JobID and matches its recorded outcome is enabled
// directly, rather than re-derived from job's state on a later tick.
func (s *Scheduler) enableOutcomeWaits(job *model.JobRecord) error {
	all, err := s.store.ListJobs()
	if err != nil {
		return err
	}
	for _, downstream := range all {
		if downstream.WorkflowRunID != job.WorkflowRunID {
			continue
		}
		changed := false
		for i := range downstream.OutcomeWaits {
			ow := &downstream.OutcomeWaits[i]
			if ow.Enabled || ow.JobID != job.JobID {
				continue
			}
			if ow.Outcome != job.WorkflowNodeOutcome {
				continue
			}
			ow.Enabled = true
			changed = true
		}
		if changed {
			if err := s.store.PutJob(downstream); err != nil {
				return err
			}
		}
	}
	return nil
}

// propagateExecutionRoot implements spec.md §4.5's execution-root
// propagation rule: a successful worktree.prepare's root flows to
// downstream on.succeeded targets that don't declare their own, and
// worktree.cleanup resets it to the repo-root marker.
func (s *Scheduler) propagateExecutionRoot(job *model.JobRecord, outcome *model.OutcomeDoc) {
	if outcome.Status != model.OutcomeSucceeded {
		return
	}
	var root string
	switch job.WorkflowExecutorOperation {
	case "worktree.prepare":
		root = outcome.ExecutionRoot
	case "worktree.cleanup":
		root = model.RootExecutionRoot
	default:
		return
	}
	if root == "" {
		return
	}
	manifest, err := s.store.GetRunManifest(job.WorkflowRunID)
	if err != nil {
		return
	}
	node, ok := manifest.NodeByID(job.WorkflowNodeID)
	if !ok {
		return
	}
	targets := node.On[model.OutcomeSucceeded]
	if len(targets) == 0 {
		return
	}
	all, err := s.store.ListJobs()
	if err != nil {
		return
	}
	byID := buildRunIndex(all, job.WorkflowRunID)
	for _, targetNodeID := range targets {
		downstream, ok := byID[targetNodeID]
		if !ok || downstream.ExecutionRoot != "" && downstream.ExecutionRoot != model.RootExecutionRoot {
			continue
		}
		downstream.ExecutionRoot = root
		_ = s.store.PutJob(downstream)
	}
}

func (s *Scheduler) isAgentInvoke(job *model.JobRecord) bool {
	return job.WorkflowExecutorOperation == "agent.invoke"
}
