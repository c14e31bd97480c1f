package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/taskgraph/taskgraph/internal/artifact"
	"github.com/taskgraph/taskgraph/internal/config"
	"github.com/taskgraph/taskgraph/internal/jobstore"
	"github.com/taskgraph/taskgraph/internal/model"
	"github.com/taskgraph/taskgraph/internal/vcs"
)

// testHarness wires a Scheduler against a real on-disk git repo (go-git
// needs one) and a real afero OS filesystem rooted at the same temp dir,
// with spawnFn replaced so no process is ever actually forked.
type testHarness struct {
	sched *Scheduler
	store *jobstore.Store
	dir   string
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	dir := t.TempDir()
	_, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	repo, err := vcs.DiscoverRepo(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi\n"), 0o644))
	require.NoError(t, repo.StagePaths([]string{"README.md"}))
	_, err = repo.Commit("initial", nil, vcs.CommitIdentity{Name: "t", Email: "t@example.com"}, time.Unix(1700000000, 0))
	require.NoError(t, err)
	require.NoError(t, repo.CheckoutBranch("main", true))

	cfg := config.Defaults()
	fs := afero.NewOsFs()
	store := jobstore.New(fs, dir, cfg.SchedulerDir)
	idx := artifact.New(fs, dir, cfg.SchedulerDir, cfg.PlansDir, cfg.TmpDir, repo, store)

	sched := New(store, idx, repo, cfg, nil)
	sched.spawnFn = func(jobID, stdoutPath, stderrPath string) (int, *ChildProc, error) {
		return 424242, &ChildProc{doneCh: make(chan int, 1)}, nil
	}
	return &testHarness{sched: sched, store: store, dir: dir}
}

func putManifest(t *testing.T, h *testHarness, runID string, nodes ...model.NodeInstance) {
	t.Helper()
	require.NoError(t, h.store.PutRunManifest(&model.RunManifest{RunID: runID, TemplateID: "t", Nodes: nodes}))
}

func baseJob(id, runID, nodeID string) *model.JobRecord {
	return &model.JobRecord{
		JobID:                 id,
		Status:                model.StatusQueued,
		WorkflowRunID:         runID,
		WorkflowNodeID:        nodeID,
		WorkflowExecutorClass: model.ExecutorEnvironmentShell,
		ExecutionRoot:         model.RootExecutionRoot,
	}
}

func TestTickSpawnsEligibleQueuedJob(t *testing.T) {
	h := newHarness(t)
	putManifest(t, h, "run1", model.NodeInstance{NodeID: "a"})
	job := baseJob("j1", "run1", "a")
	require.NoError(t, h.store.PutJob(job))

	report, err := h.sched.Tick(context.Background(), time.Unix(1700000100, 0))
	require.NoError(t, err)
	require.Equal(t, []string{"j1"}, report.Spawned)

	got, err := h.store.GetJob("j1")
	require.NoError(t, err)
	require.Equal(t, model.StatusRunning, got.Status)
	require.Equal(t, 424242, got.PID)
	require.NotNil(t, got.StartedAt)
}

func TestTickRespectsMaxConcurrentJobs(t *testing.T) {
	h := newHarness(t)
	h.sched.cfg.MaxConcurrentJobs = 1
	putManifest(t, h, "run1", model.NodeInstance{NodeID: "a"}, model.NodeInstance{NodeID: "b"})
	require.NoError(t, h.store.PutJob(baseJob("j1", "run1", "a")))
	require.NoError(t, h.store.PutJob(baseJob("j2", "run1", "b")))

	report, err := h.sched.Tick(context.Background(), time.Unix(1700000100, 0))
	require.NoError(t, err)
	require.Len(t, report.Spawned, 1)
}

func TestAfterGateBlocksOnFailedPredecessor(t *testing.T) {
	h := newHarness(t)
	putManifest(t, h, "run1", model.NodeInstance{NodeID: "a"}, model.NodeInstance{NodeID: "b"})
	pred := baseJob("j1", "run1", "a")
	pred.Status = model.StatusFailed
	pred.WorkflowNodeOutcome = string(model.OutcomeFailed)
	require.NoError(t, h.store.PutJob(pred))

	succ := baseJob("j2", "run1", "b")
	succ.After = []model.AfterDependency{{JobID: "j1", Policy: string(model.OutcomeSucceeded)}}
	require.NoError(t, h.store.PutJob(succ))

	report, err := h.sched.Tick(context.Background(), time.Unix(1700000100, 0))
	require.NoError(t, err)
	require.Empty(t, report.Spawned)
	require.Equal(t, []string{"j2"}, report.Blocked)

	got, err := h.store.GetJob("j2")
	require.NoError(t, err)
	require.Equal(t, model.StatusBlockedByDependency, got.Status)
	require.Equal(t, "after", got.WaitReason.Kind)
}

func TestAfterGateIsSuccessOnlyRegardlessOfPolicyField(t *testing.T) {
	h := newHarness(t)
	putManifest(t, h, "run1", model.NodeInstance{NodeID: "a"}, model.NodeInstance{NodeID: "b"})
	pred := baseJob("j1", "run1", "a")
	pred.Status = model.StatusFailed
	pred.WorkflowNodeOutcome = string(model.OutcomeFailed)
	require.NoError(t, h.store.PutJob(pred))

	// A failed predecessor never satisfies an after-gate, even if an After
	// entry's Policy field (belt-and-suspenders only, compile.go never
	// writes anything but "succeeded" there) happens to read "failed":
	// Testable Property 1 requires after to gate strictly on success.
	succ := baseJob("j2", "run1", "b")
	succ.After = []model.AfterDependency{{JobID: "j1", Policy: string(model.OutcomeFailed)}}
	require.NoError(t, h.store.PutJob(succ))

	report, err := h.sched.Tick(context.Background(), time.Unix(1700000100, 0))
	require.NoError(t, err)
	require.Empty(t, report.Spawned)
	require.Equal(t, []string{"j2"}, report.Blocked)
}

func TestOutcomeWaitStaysWaitingUntilPredecessorFinalizesMatchingOutcome(t *testing.T) {
	h := newHarness(t)
	putManifest(t, h, "run1", model.NodeInstance{NodeID: "a"}, model.NodeInstance{NodeID: "b"})
	pred := baseJob("j1", "run1", "a")
	pred.Status = model.StatusRunning
	pred.PID = 424242
	started := time.Unix(1700000000, 0)
	pred.StartedAt = &started
	require.NoError(t, h.store.PutJob(pred))

	succ := baseJob("j2", "run1", "b")
	succ.OutcomeWaits = []model.OutcomeWait{{JobID: "j1", Outcome: string(model.OutcomeFailed)}}
	require.NoError(t, h.store.PutJob(succ))

	doneCh := make(chan int, 1)
	doneCh <- 1
	h.sched.children["j1"] = &ChildProc{doneCh: doneCh}

	report, err := h.sched.Tick(context.Background(), time.Unix(1700000100, 0))
	require.NoError(t, err)
	require.Contains(t, report.Finalized, "j1")
	require.Equal(t, []string{"j2"}, report.Spawned)

	got, err := h.store.GetJob("j2")
	require.NoError(t, err)
	require.Equal(t, model.StatusRunning, got.Status)
	require.True(t, got.OutcomeWaits[0].Enabled)
}

func TestOutcomeWaitLeftUnresolvedWhenPredecessorOutcomeDiffers(t *testing.T) {
	h := newHarness(t)
	putManifest(t, h, "run1", model.NodeInstance{NodeID: "a"}, model.NodeInstance{NodeID: "b"})
	pred := baseJob("j1", "run1", "a")
	pred.Status = model.StatusRunning
	pred.PID = 424242
	started := time.Unix(1700000000, 0)
	pred.StartedAt = &started
	require.NoError(t, h.store.PutJob(pred))

	succ := baseJob("j2", "run1", "b")
	succ.OutcomeWaits = []model.OutcomeWait{{JobID: "j1", Outcome: string(model.OutcomeFailed)}}
	require.NoError(t, h.store.PutJob(succ))

	doneCh := make(chan int, 1)
	doneCh <- 0
	h.sched.children["j1"] = &ChildProc{doneCh: doneCh}
	require.NoError(t, h.store.PutOutcome("j1", &model.OutcomeDoc{Status: model.OutcomeSucceeded}))

	report, err := h.sched.Tick(context.Background(), time.Unix(1700000100, 0))
	require.NoError(t, err)
	require.Contains(t, report.Finalized, "j1")
	require.Empty(t, report.Spawned)

	got, err := h.store.GetJob("j2")
	require.NoError(t, err)
	require.False(t, got.OutcomeWaits[0].Enabled)
}

func TestLocksGateWaitsOnConflictingExclusiveLock(t *testing.T) {
	h := newHarness(t)
	putManifest(t, h, "run1", model.NodeInstance{NodeID: "a"}, model.NodeInstance{NodeID: "b"})
	holder := baseJob("j1", "run1", "a")
	holder.Status = model.StatusRunning
	holder.PID = os.Getpid() // must read as "alive" so finalize doesn't reap it mid-test
	holder.Locks = []model.Lock{{Key: "branch:draft/foo", Mode: model.LockExclusive}}
	require.NoError(t, h.store.PutJob(holder))

	waiter := baseJob("j2", "run1", "b")
	waiter.Locks = []model.Lock{{Key: "branch:draft/foo", Mode: model.LockExclusive}}
	require.NoError(t, h.store.PutJob(waiter))

	report, err := h.sched.Tick(context.Background(), time.Unix(1700000100, 0))
	require.NoError(t, err)
	require.Empty(t, report.Spawned)
	require.Contains(t, report.Waiting, "j2")

	got, err := h.store.GetJob("j2")
	require.NoError(t, err)
	require.Equal(t, model.StatusWaitingOnLocks, got.Status)
}

func TestApprovalGateWaitsThenBlocksOnReject(t *testing.T) {
	h := newHarness(t)
	putManifest(t, h, "run1", model.NodeInstance{NodeID: "a"})
	job := baseJob("j1", "run1", "a")
	job.Approval = &model.Approval{Required: true, State: model.ApprovalPending}
	require.NoError(t, h.store.PutJob(job))

	report, err := h.sched.Tick(context.Background(), time.Unix(1700000100, 0))
	require.NoError(t, err)
	require.Empty(t, report.Spawned)
	got, err := h.store.GetJob("j1")
	require.NoError(t, err)
	require.Equal(t, model.StatusWaitingOnApproval, got.Status)

	got.Approval.State = model.ApprovalRejected
	got.Approval.Reason = "not needed"
	require.NoError(t, h.store.PutJob(got))

	report, err = h.sched.Tick(context.Background(), time.Unix(1700000200, 0))
	require.NoError(t, err)
	require.Empty(t, report.Spawned)
	got, err = h.store.GetJob("j1")
	require.NoError(t, err)
	require.Equal(t, model.StatusBlockedByApproval, got.Status)
	require.Equal(t, "not needed", got.WaitReason.Detail)
}

func TestFinalizeSucceededChildAppliesOutcome(t *testing.T) {
	h := newHarness(t)
	putManifest(t, h, "run1", model.NodeInstance{NodeID: "a"})
	job := baseJob("j1", "run1", "a")
	job.Status = model.StatusRunning
	job.PID = 424242
	started := time.Unix(1700000000, 0)
	job.StartedAt = &started
	require.NoError(t, h.store.PutJob(job))

	doneCh := make(chan int, 1)
	doneCh <- 0
	h.sched.children["j1"] = &ChildProc{doneCh: doneCh}
	require.NoError(t, h.store.PutOutcome("j1", &model.OutcomeDoc{Status: model.OutcomeSucceeded}))

	report, err := h.sched.Tick(context.Background(), time.Unix(1700000300, 0))
	require.NoError(t, err)
	require.Equal(t, []string{"j1"}, report.Finalized)

	got, err := h.store.GetJob("j1")
	require.NoError(t, err)
	require.Equal(t, model.StatusSucceeded, got.Status)
	require.NotNil(t, got.ExitCode)
	require.Equal(t, 0, *got.ExitCode)
}

func TestFinalizeMissingOutcomeFailsWithSchedulerData(t *testing.T) {
	h := newHarness(t)
	putManifest(t, h, "run1", model.NodeInstance{NodeID: "a"})
	job := baseJob("j1", "run1", "a")
	job.Status = model.StatusRunning
	job.PID = 123456789 // guaranteed-dead pid for this test's purposes
	started := time.Unix(1700000000, 0)
	job.StartedAt = &started
	require.NoError(t, h.store.PutJob(job))
	// No entry in h.sched.children: simulates recovering a job spawned by
	// a previous process invocation, and no outcome.json was ever written.

	report, err := h.sched.Tick(context.Background(), time.Unix(1700000300, 0))
	require.NoError(t, err)
	require.Equal(t, []string{"j1"}, report.Finalized)

	got, err := h.store.GetJob("j1")
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, got.Status)
	require.Equal(t, "scheduler_data", got.WaitReason.Kind)
}

func TestAgentInvokeTimeoutFinalizesCancelled(t *testing.T) {
	h := newHarness(t)
	h.sched.cfg.AgentTimeout = time.Hour
	putManifest(t, h, "run1", model.NodeInstance{NodeID: "a"})
	job := baseJob("j1", "run1", "a")
	job.Status = model.StatusRunning
	job.WorkflowExecutorOperation = "agent.invoke"
	job.PID = 999999999 // guaranteed-dead pid; terminate() no-ops on it
	started := time.Unix(1700000000, 0)
	job.StartedAt = &started
	require.NoError(t, h.store.PutJob(job))

	// Now is two hours after start, past the one-hour AgentTimeout.
	report, err := h.sched.Tick(context.Background(), time.Unix(1700000000+7200, 0))
	require.NoError(t, err)
	require.Equal(t, []string{"j1"}, report.Finalized)

	got, err := h.store.GetJob("j1")
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, got.Status)
	require.Equal(t, 143, *got.ExitCode)
}
