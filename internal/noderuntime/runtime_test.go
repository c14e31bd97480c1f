package noderuntime

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
	"github.com/taskgraph/taskgraph/internal/logx"
	"github.com/taskgraph/taskgraph/internal/model"
	"github.com/taskgraph/taskgraph/internal/vcs"
)

type testHarness struct {
	deps Deps
	repo *vcs.Repo
	dir  string
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

	return &testHarness{
		deps: Deps{Store: store, Artifacts: idx, Repo: repo, Config: cfg, Log: logx.NewLogger(logx.TestConfig())},
		repo: repo,
		dir:  dir,
	}
}

func baseJob(id, runID, nodeID string) *model.JobRecord {
	return &model.JobRecord{
		JobID:                 id,
		Status:                model.StatusRunning,
		WorkflowRunID:         runID,
		WorkflowNodeID:        nodeID,
		WorkflowExecutorClass: model.ExecutorEnvironmentBuiltin,
		ExecutionRoot:         model.RootExecutionRoot,
		WorkflowNodeAttempt:   1,
		Args:                  map[string]any{},
	}
}

func TestRunPromptResolvePersistsArtifact(t *testing.T) {
	h := newHarness(t)
	job := baseJob("j1", "run1", "prompt")
	job.WorkflowExecutorOperation = "prompt.resolve"
	job.Args["prompt_text"] = "do the thing"
	job.Args["key"] = "p1"
	require.NoError(t, h.deps.Store.PutJob(job))

	err := Run(context.Background(), h.deps, "j1")
	require.NoError(t, err)

	outcome, err := h.deps.Store.GetOutcome("j1")
	require.NoError(t, err)
	require.Equal(t, model.OutcomeSucceeded, outcome.Status)

	present, err := h.deps.Artifacts.Present(model.Custom("prompt_text", "p1"))
	require.NoError(t, err)
	require.True(t, present)
}

func TestRunWorktreePrepareAndCleanup(t *testing.T) {
	h := newHarness(t)
	job := baseJob("j2", "run1", "prepare")
	job.WorkflowExecutorOperation = "worktree.prepare"
	job.Args["slug"] = "feat-x"
	job.Args["base"] = "main"
	require.NoError(t, h.deps.Store.PutJob(job))

	require.NoError(t, Run(context.Background(), h.deps, "j2"))
	outcome, err := h.deps.Store.GetOutcome("j2")
	require.NoError(t, err)
	require.Equal(t, model.OutcomeSucceeded, outcome.Status)
	require.NotEmpty(t, outcome.WorktreePath)

	cleanup := baseJob("j3", "run1", "cleanup")
	cleanup.WorkflowExecutorOperation = "worktree.cleanup"
	cleanup.WorktreeOwner = "j2"
	cleanup.WorktreePath = outcome.WorktreePath
	require.NoError(t, h.deps.Store.PutJob(cleanup))

	require.NoError(t, Run(context.Background(), h.deps, "j3"))
	cleanupOutcome, err := h.deps.Store.GetOutcome("j3")
	require.NoError(t, err)
	require.Equal(t, model.OutcomeSucceeded, cleanupOutcome.Status)
	_, statErr := os.Stat(outcome.WorktreePath)
	require.True(t, os.IsNotExist(statErr))
}

func TestRunPlanPersistCommitsPlanDoc(t *testing.T) {
	h := newHarness(t)
	_, err := h.repo.EnsureBranchFromBase("main", "draft/feat-y")
	require.NoError(t, err)

	job := baseJob("j4", "run1", "persist")
	job.WorkflowExecutorOperation = "plan.persist"
	job.Args["slug"] = "feat-y"
	job.Args["branch"] = "draft/feat-y"
	job.Args["plan_text"] = "# plan\n\ndo the work"
	require.NoError(t, h.deps.Store.PutJob(job))

	require.NoError(t, Run(context.Background(), h.deps, "j4"))
	outcome, err := h.deps.Store.GetOutcome("j4")
	require.NoError(t, err)
	require.Equal(t, model.OutcomeSucceeded, outcome.Status)

	present, err := h.deps.Artifacts.Present(model.PlanDoc("feat-y"))
	require.NoError(t, err)
	require.True(t, present)

	text, err := h.repo.ReadFileAtTip("draft/feat-y", filepath.Join(h.deps.Config.PlansDir, "feat-y.md"))
	require.NoError(t, err)
	require.Contains(t, text, "do the work")
}

func TestRunMergeSentinelWriteThenClear(t *testing.T) {
	h := newHarness(t)
	write := baseJob("j5", "run1", "sentinel-write")
	write.WorkflowExecutorOperation = "merge.sentinel.write"
	write.Args["slug"] = "feat-z"
	write.Args["conflicted_files"] = []string{"a.go"}
	require.NoError(t, h.deps.Store.PutJob(write))

	require.NoError(t, Run(context.Background(), h.deps, "j5"))
	writeOutcome, err := h.deps.Store.GetOutcome("j5")
	require.NoError(t, err)
	require.Equal(t, model.OutcomeBlocked, writeOutcome.Status)

	present, err := h.deps.Artifacts.Present(model.MergeSentinel("feat-z"))
	require.NoError(t, err)
	require.True(t, present)

	clear := baseJob("j6", "run1", "sentinel-clear")
	clear.WorkflowExecutorOperation = "merge.sentinel.clear"
	clear.Args["slug"] = "feat-z"
	require.NoError(t, h.deps.Store.PutJob(clear))

	require.NoError(t, Run(context.Background(), h.deps, "j6"))
	clearOutcome, err := h.deps.Store.GetOutcome("j6")
	require.NoError(t, err)
	require.Equal(t, model.OutcomeSucceeded, clearOutcome.Status)

	present, err = h.deps.Artifacts.Present(model.MergeSentinel("feat-z"))
	require.NoError(t, err)
	require.False(t, present)
}

func TestRunCommandRunSucceedsAndFails(t *testing.T) {
	h := newHarness(t)
	ok := baseJob("j7", "run1", "cmd-ok")
	ok.WorkflowExecutorOperation = "command.run"
	ok.Args["command"] = "true"
	require.NoError(t, h.deps.Store.PutJob(ok))
	require.NoError(t, Run(context.Background(), h.deps, "j7"))
	okOutcome, err := h.deps.Store.GetOutcome("j7")
	require.NoError(t, err)
	require.Equal(t, model.OutcomeSucceeded, okOutcome.Status)

	fail := baseJob("j8", "run1", "cmd-fail")
	fail.WorkflowExecutorOperation = "command.run"
	fail.Args["command"] = "false"
	require.NoError(t, h.deps.Store.PutJob(fail))
	require.NoError(t, Run(context.Background(), h.deps, "j8"))
	failOutcome, err := h.deps.Store.GetOutcome("j8")
	require.NoError(t, err)
	require.Equal(t, model.OutcomeFailed, failOutcome.Status)
}

func TestRunTerminalRejectsDeclaredRoute(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.deps.Store.PutRunManifest(&model.RunManifest{
		RunID: "run2",
		Nodes: []model.NodeInstance{
			{NodeID: "end", ControlPolicy: "terminal", On: model.EdgeSet{model.OutcomeSucceeded: []string{"next"}}},
		},
	}))
	job := baseJob("j9", "run2", "end")
	job.WorkflowControlPolicy = "terminal"
	require.NoError(t, h.deps.Store.PutJob(job))

	err := Run(context.Background(), h.deps, "j9")
	require.Error(t, err)
}

func TestGitSaveWorktreePatchRendersRealUnifiedDiff(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "README.md"), []byte("hi\nchanged\n"), 0o644))

	job := baseJob("jpatch", "run1", "patch")
	job.WorkflowExecutorOperation = "git.save_worktree_patch"
	require.NoError(t, h.deps.Store.PutJob(job))

	require.NoError(t, Run(context.Background(), h.deps, "jpatch"))
	outcome, err := h.deps.Store.GetOutcome("jpatch")
	require.NoError(t, err)
	require.Equal(t, model.OutcomeSucceeded, outcome.Status)

	data, err := os.ReadFile(outcome.CommandPatch)
	require.NoError(t, err)
	require.Contains(t, string(data), "--- a/README.md")
	require.Contains(t, string(data), "+++ b/README.md")
	require.Contains(t, string(data), "+changed")
}

func TestGateCICDRecordsAttemptAndFailsWithoutRemediationLoop(t *testing.T) {
	h := newHarness(t)
	job := baseJob("j11", "run1", "cicd-gate")
	job.WorkflowControlPolicy = "gate.cicd"
	job.Args["script"] = "false"
	job.WorkflowGates = &model.GateBudget{MaxAttempts: 3}
	require.NoError(t, h.deps.Store.PutJob(job))

	require.NoError(t, Run(context.Background(), h.deps, "j11"))
	outcome, err := h.deps.Store.GetOutcome("j11")
	require.NoError(t, err)
	require.Equal(t, model.OutcomeFailed, outcome.Status)

	got, err := h.deps.Store.GetJob("j11")
	require.NoError(t, err)
	require.Equal(t, 1, got.WorkflowGates.Attempts)
}

func TestGateCICDSucceeds(t *testing.T) {
	h := newHarness(t)
	job := baseJob("j12", "run1", "cicd-gate-ok")
	job.WorkflowControlPolicy = "gate.cicd"
	job.Args["script"] = "true"
	require.NoError(t, h.deps.Store.PutJob(job))

	require.NoError(t, Run(context.Background(), h.deps, "j12"))
	outcome, err := h.deps.Store.GetOutcome("j12")
	require.NoError(t, err)
	require.Equal(t, model.OutcomeSucceeded, outcome.Status)

	got, err := h.deps.Store.GetJob("j12")
	require.NoError(t, err)
	require.Equal(t, 1, got.WorkflowGates.Attempts)
}

func TestResolveExecutionRootRejectsOutOfRepoPath(t *testing.T) {
	h := newHarness(t)
	job := baseJob("j10", "run1", "n")
	job.ExecutionRoot = "/etc"

	_, err := resolveExecutionRoot(h.deps, job)
	require.Error(t, err)
}
