package jobstore

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgraph/taskgraph/internal/model"
)

func newTestStore() *Store {
	return New(afero.NewMemMapFs(), "/repo", ".taskgraph")
}

func TestPutGetJobRoundTrip(t *testing.T) {
	s := newTestStore()
	job := &model.JobRecord{JobID: "job1", Status: model.StatusQueued, ExecutionRoot: model.RootExecutionRoot}

	require.NoError(t, s.PutJob(job))

	got, err := s.GetJob("job1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, got.Status)
	assert.Equal(t, "job1", got.JobID)
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestStore()
	_, err := s.GetJob("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutJobRejectsMissingID(t *testing.T) {
	s := newTestStore()
	err := s.PutJob(&model.JobRecord{})
	assert.Error(t, err)
}

func TestGetJobCacheSeesSubsequentPutJob(t *testing.T) {
	s := newTestStore()
	job := &model.JobRecord{JobID: "job1", Status: model.StatusQueued, ExecutionRoot: model.RootExecutionRoot}
	require.NoError(t, s.PutJob(job))

	first, err := s.GetJob("job1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, first.Status)

	job.Status = model.StatusRunning
	require.NoError(t, s.PutJob(job))

	second, err := s.GetJob("job1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, second.Status, "PutJob must invalidate the cached entry")
}

func TestSetCacheSizeZeroDisablesCache(t *testing.T) {
	s := newTestStore()
	s.SetCacheSize(0)
	job := &model.JobRecord{JobID: "job1", Status: model.StatusQueued, ExecutionRoot: model.RootExecutionRoot}
	require.NoError(t, s.PutJob(job))

	got, err := s.GetJob("job1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, got.Status)
}

func TestOutcomeWriteOnce(t *testing.T) {
	s := newTestStore()
	outcome := &model.OutcomeDoc{Status: model.OutcomeSucceeded}

	require.NoError(t, s.PutOutcome("job1", outcome))
	err := s.PutOutcome("job1", outcome)
	assert.Error(t, err, "outcome.json must be write-once")

	got, err := s.GetOutcome("job1")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSucceeded, got.Status)
}

func TestRemoveOutcomeIsIdempotent(t *testing.T) {
	s := newTestStore()
	require.NoError(t, s.RemoveOutcome("job-never-ran"))

	require.NoError(t, s.PutOutcome("job1", &model.OutcomeDoc{Status: model.OutcomeFailed}))
	require.NoError(t, s.RemoveOutcome("job1"))
	_, err := s.GetOutcome("job1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListJobsSkipsRunsAndArtifactsDirs(t *testing.T) {
	s := newTestStore()
	require.NoError(t, s.PutJob(&model.JobRecord{JobID: "job1", Status: model.StatusQueued}))
	require.NoError(t, s.PutJob(&model.JobRecord{JobID: "job2", Status: model.StatusSucceeded}))
	require.NoError(t, s.PutRunManifest(&model.RunManifest{RunID: "run1"}))

	jobs, err := s.ListJobs()
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestRunManifestIsWriteOnce(t *testing.T) {
	s := newTestStore()
	m := &model.RunManifest{RunID: "run1", TemplateID: "draft"}
	require.NoError(t, s.PutRunManifest(m))
	assert.Error(t, s.PutRunManifest(m))

	got, err := s.GetRunManifest("run1")
	require.NoError(t, err)
	assert.Equal(t, "draft", got.TemplateID)
}

func TestTruncateLogs(t *testing.T) {
	s := newTestStore()
	fs := s.Fs()
	require.NoError(t, afero.WriteFile(fs, s.StdoutPath("job1"), []byte("hello"), 0o644))

	require.NoError(t, s.TruncateLogs("job1"))

	data, err := afero.ReadFile(fs, s.StdoutPath("job1"))
	require.NoError(t, err)
	assert.Empty(t, data)
}
