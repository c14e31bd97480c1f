package scheduler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/taskgraph/taskgraph/internal/artifact"
	"github.com/taskgraph/taskgraph/internal/jobstore"
	"github.com/taskgraph/taskgraph/internal/model"
	"github.com/taskgraph/taskgraph/internal/vcs"
)

// gateVerdict is what one gate in the Gate Order decided.
type gateVerdict struct {
	// ready is true only when every gate up to and including this one is
	// satisfied; spawn may proceed.
	ready bool
	// terminal marks a blocked_by_* status rather than a waiting_on_*
	// status: the job will never become eligible without operator
	// intervention or retry.
	terminal bool
	status   model.Status
	reason   *model.WaitReason
}

func waiting(kind, detail string) gateVerdict {
	return gateVerdict{status: model.StatusWaitingOnDeps, reason: &model.WaitReason{Kind: kind, Detail: detail}}
}

func blocked(status model.Status, kind, detail string) gateVerdict {
	return gateVerdict{terminal: true, status: status, reason: &model.WaitReason{Kind: kind, Detail: detail}}
}

func ready() gateVerdict { return gateVerdict{ready: true, status: model.StatusRunning} }

// runIndex maps a run's node ids to their current job records, built once
// per tick so every gate evaluation reuses it instead of re-scanning the
// job store (spec.md §4.5 producer-registry lookups).
type runIndex map[string]*model.JobRecord

func buildRunIndex(jobs []*model.JobRecord, runID string) runIndex {
	idx := runIndex{}
	for _, j := range jobs {
		if j.WorkflowRunID == runID {
			idx[j.WorkflowNodeID] = j
		}
	}
	return idx
}

// evaluateAfter implements the "after" gate (spec.md §4.5 first rule):
// after is success-only (spec.md §3.1: "after: [job_id with
// policy=success]"), so this checks the predecessor's Status directly
// rather than comparing against an arbitrary recorded outcome string.
func evaluateAfter(job *model.JobRecord, byID runIndex) gateVerdict {
	for _, dep := range job.After {
		pred := findJobByID(byID, dep.JobID)
		if pred == nil {
			return blocked(model.StatusBlockedByDependency, "after",
				fmt.Sprintf("missing job dependency %s", dep.JobID))
		}
		if !pred.Status.IsTerminal() {
			return waiting("after", fmt.Sprintf("waiting on job %s", dep.JobID))
		}
		if pred.Status == model.StatusSucceeded {
			continue
		}
		return blocked(model.StatusBlockedByDependency, "after",
			fmt.Sprintf("dependency failed for job %s (%s)", dep.JobID, pred.Status))
	}
	return ready()
}

// evaluateOutcomeWaits implements the latent outcome-fan-out gate spec.md
// §4.5's "Outcome routing" describes for on.failed/on.blocked/on.cancelled
// edges: a job with any not-yet-enabled OutcomeWait never spawns. Unlike
// evaluateAfter, this never inspects the predecessor's recorded outcome
// itself — Enabled is flipped only by the scheduler's finalize step for
// the matching predecessor, so a predecessor that terminates with a
// different outcome simply leaves the wait unresolved rather than
// blocking the job outright (the edge that would have enabled it never
// fires, but other paths through the run may still matter).
func evaluateOutcomeWaits(job *model.JobRecord) gateVerdict {
	for _, ow := range job.OutcomeWaits {
		if !ow.Enabled {
			return waiting("outcome", fmt.Sprintf("waiting on job %s outcome %s", ow.JobID, ow.Outcome))
		}
	}
	return ready()
}

func findJobByID(byID runIndex, jobID string) *model.JobRecord {
	for _, j := range byID {
		if j.JobID == jobID {
			return j
		}
	}
	return nil
}

// artifactGate is the slice of dependencies evaluateArtifacts needs.
type artifactGate struct {
	idx       *artifact.Index
	producers artifact.ProducerRegistry
	byID      runIndex
}

// evaluateArtifacts implements the artifact-dependency gate (spec.md §4.5
// second rule).
func evaluateArtifacts(job *model.JobRecord, g artifactGate) (gateVerdict, error) {
	for _, dep := range job.Dependencies {
		present, err := g.idx.Present(dep)
		if err != nil {
			return gateVerdict{}, fmt.Errorf("check presence of %s: %w", dep.String(), err)
		}
		if present {
			continue
		}
		producerNodes := g.producers.ProducersOf(dep)
		if len(producerNodes) == 0 {
			return blocked(model.StatusBlockedByDependency, "artifact",
				fmt.Sprintf("missing %s", dep.String())), nil
		}
		anyActive := false
		anySucceeded := false
		allTerminal := true
		for _, nodeID := range producerNodes {
			p, ok := g.byID[nodeID]
			if !ok || !p.Status.IsTerminal() {
				anyActive = true
				allTerminal = false
				continue
			}
			if p.Status == model.StatusSucceeded {
				anySucceeded = true
			}
		}
		if anyActive {
			return waiting("artifact", fmt.Sprintf("waiting on %s", dep.String())), nil
		}
		if !allTerminal || anySucceeded {
			return blocked(model.StatusBlockedByDependency, "artifact",
				fmt.Sprintf("missing %s", dep.String())), nil
		}
		return blocked(model.StatusBlockedByDependency, "artifact",
			fmt.Sprintf("dependency failed for %s", dep.String())), nil
	}
	return ready(), nil
}

// evaluatePinnedHead implements the pinned-head gate (spec.md §4.5 third
// rule).
func evaluatePinnedHead(job *model.JobRecord, repo *vcs.Repo) (gateVerdict, error) {
	if job.PinnedHead == nil {
		return ready(), nil
	}
	head, err := repo.Head(job.PinnedHead.Branch)
	if err != nil {
		return gateVerdict{}, fmt.Errorf("resolve pinned head branch %s: %w", job.PinnedHead.Branch, err)
	}
	if head.OID != job.PinnedHead.OID {
		return waiting("pinned_head", fmt.Sprintf("pinned head mismatch on %s", job.PinnedHead.Branch)), nil
	}
	return ready(), nil
}

// evaluatePreconditions implements the precondition gate (spec.md §4.5
// fourth rule). Only clean_worktree and branch_exists are recognized;
// anything else blocks.
func evaluatePreconditions(job *model.JobRecord, repo *vcs.Repo, ignoreGlobs []string) (gateVerdict, error) {
	for _, pre := range job.Preconditions {
		switch pre.Kind {
		case "clean_worktree":
			status, err := repo.Status(ignoreGlobs)
			if err != nil {
				return gateVerdict{}, fmt.Errorf("evaluate clean_worktree precondition: %w", err)
			}
			if !status.IsClean() {
				return blocked(model.StatusBlockedByDependency, "preconditions",
					"worktree is not clean"), nil
			}
		case "branch_exists":
			name := resolveBranchExistsArg(job, pre)
			if name == "" {
				return blocked(model.StatusBlockedByDependency, "preconditions",
					"branch_exists precondition has no resolvable branch name"), nil
			}
			exists, err := repo.BranchExists(name)
			if err != nil {
				return gateVerdict{}, fmt.Errorf("evaluate branch_exists(%s) precondition: %w", name, err)
			}
			if !exists {
				return blocked(model.StatusBlockedByDependency, "preconditions",
					fmt.Sprintf("branch %s does not exist", name)), nil
			}
		default:
			return blocked(model.StatusBlockedByDependency, "preconditions",
				fmt.Sprintf("unknown precondition %q", pre.Kind)), nil
		}
	}
	return ready(), nil
}

// resolveBranchExistsArg resolves the branch name a branch_exists
// precondition checks from, in order: an explicit "name" arg, the job's
// pinned_head branch, or a singular "branch:*" lock key (spec.md §4.5).
func resolveBranchExistsArg(job *model.JobRecord, pre model.Precondition) string {
	if name := pre.Args["name"]; name != "" {
		return name
	}
	if job.PinnedHead != nil {
		return job.PinnedHead.Branch
	}
	var branchLocks []string
	for _, l := range job.Locks {
		if strings.HasPrefix(l.Key, "branch:") {
			branchLocks = append(branchLocks, strings.TrimPrefix(l.Key, "branch:"))
		}
	}
	if len(branchLocks) == 1 {
		return branchLocks[0]
	}
	return ""
}

// evaluateApproval implements the approval gate (spec.md §4.5 fifth rule).
func evaluateApproval(job *model.JobRecord) gateVerdict {
	if job.Approval == nil || !job.Approval.Required {
		return ready()
	}
	switch job.Approval.State {
	case model.ApprovalApproved:
		return ready()
	case model.ApprovalRejected:
		return blocked(model.StatusBlockedByApproval, "approval", job.Approval.Reason)
	default:
		return gateVerdict{status: model.StatusWaitingOnApproval,
			reason: &model.WaitReason{Kind: "approval", Detail: "awaiting human approval"}}
	}
}

// evaluateLocks implements the lock gate (spec.md §4.5 sixth rule).
func evaluateLocks(job *model.JobRecord, table map[string][]heldLock) gateVerdict {
	if canAcquire(job.Locks, table, job.JobID) {
		return ready()
	}
	return gateVerdict{status: model.StatusWaitingOnLocks,
		reason: &model.WaitReason{Kind: "locks", Detail: "waiting for a held lock to release"}}
}

// isNotFound is reused by finalize.go.
func isNotFound(err error) bool { return errors.Is(err, jobstore.ErrNotFound) }
