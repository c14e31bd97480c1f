package retryengine

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
	"github.com/taskgraph/taskgraph/internal/scheduler"
	"github.com/taskgraph/taskgraph/internal/vcs"
)

type testHarness struct {
	engine *Engine
	store  *jobstore.Store
	repo   *vcs.Repo
	idx    *artifact.Index
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
	sched := scheduler.New(store, idx, repo, cfg, nil)
	sched.SetSpawnFn(func(jobID, stdoutPath, stderrPath string) (int, *scheduler.ChildProc, error) {
		return 424242, scheduler.NewChildProc(), nil
	})

	return &testHarness{engine: New(store, idx, repo, sched), store: store, repo: repo, idx: idx}
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

func TestRetryRewindsAfterSuccessDescendantAndFailsFastOnRunning(t *testing.T) {
	h := newHarness(t)

	root := baseJob("j1", "run1", "a")
	root.Status = model.StatusFailed
	root.WorkflowNodeOutcome = string(model.OutcomeFailed)
	code := 1
	root.ExitCode = &code
	root.WorkflowNodeAttempt = 1
	require.NoError(t, h.store.PutJob(root))

	child := baseJob("j2", "run1", "b")
	child.Status = model.StatusRunning
	child.After = []model.AfterDependency{{JobID: "j1", Policy: string(model.OutcomeSucceeded)}}
	require.NoError(t, h.store.PutJob(child))

	_, err := h.engine.Retry(context.Background(), "j1", time.Unix(1700001000, 0))
	require.Error(t, err)
}

func TestRetryRewindsJobAndRunsTick(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.store.PutRunManifest(&model.RunManifest{RunID: "run1", TemplateID: "t",
		Nodes: []model.NodeInstance{{NodeID: "a"}}}))

	root := baseJob("j1", "run1", "a")
	root.Status = model.StatusFailed
	root.WorkflowNodeOutcome = string(model.OutcomeFailed)
	code := 1
	root.ExitCode = &code
	root.WorkflowNodeAttempt = 1
	require.NoError(t, h.store.PutOutcome("j1", &model.OutcomeDoc{Status: model.OutcomeFailed, Error: "boom"}))
	require.NoError(t, h.store.PutJob(root))

	report, err := h.engine.Retry(context.Background(), "j1", time.Unix(1700001000, 0))
	require.NoError(t, err)
	require.Equal(t, "j1", report.RetryRoot)
	require.Equal(t, []string{"j1"}, report.Reset)

	got, err := h.store.GetJob("j1")
	require.NoError(t, err)
	require.Equal(t, model.StatusRunning, got.Status)
	require.Equal(t, 2, got.WorkflowNodeAttempt)
	require.Nil(t, got.ExitCode)
	require.Nil(t, got.FinishedAt)

	_, err = h.store.GetOutcome("j1")
	require.Error(t, err)
}

func TestRetryRefusesDuringInProgressMerge(t *testing.T) {
	h := newHarness(t)
	root := baseJob("j1", "run1", "a")
	root.Status = model.StatusFailed
	require.NoError(t, h.store.PutJob(root))

	gitDir := filepath.Join(h.store.RepoRoot(), ".git")
	require.NoError(t, os.WriteFile(filepath.Join(gitDir, "MERGE_HEAD"), []byte("deadbeef\n"), 0o644))

	_, err := h.engine.Retry(context.Background(), "j1", time.Unix(1700001000, 0))
	require.Error(t, err)
}

func TestRetryClearsMergeSentinelOwnedByRewoundJob(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.PutRunManifest(&model.RunManifest{RunID: "run1", TemplateID: "t",
		Nodes: []model.NodeInstance{{NodeID: "a"}}}))
	root := baseJob("j1", "run1", "a")
	root.Status = model.StatusFailed
	root.Artifacts = []model.ArtifactRef{model.MergeSentinel("foo")}
	require.NoError(t, h.store.PutJob(root))

	sentinelPath := filepath.Join(h.store.RepoRoot(), config.Defaults().TmpDir, "merge-conflicts", "foo.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(sentinelPath), 0o755))
	require.NoError(t, os.WriteFile(sentinelPath, []byte(`{"slug":"foo"}`), 0o644))

	present, err := h.idx.Present(model.MergeSentinel("foo"))
	require.NoError(t, err)
	require.True(t, present)

	_, err = h.engine.Retry(context.Background(), "j1", time.Unix(1700001000, 0))
	require.NoError(t, err)

	present, err = h.idx.Present(model.MergeSentinel("foo"))
	require.NoError(t, err)
	require.False(t, present)
}
