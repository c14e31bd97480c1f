package artifact

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgraph/taskgraph/internal/jobstore"
	"github.com/taskgraph/taskgraph/internal/model"
)

type fakeVCS struct {
	branches map[string]bool
	files    map[string]bool
}

func (f *fakeVCS) BranchExists(name string) (bool, error) { return f.branches[name], nil }
func (f *fakeVCS) FileExistsAtTip(branch, path string) (bool, error) {
	return f.files[branch+"|"+path], nil
}

func newTestIndex(t *testing.T, vcs VCS) (*Index, *jobstore.Store) {
	t.Helper()
	fs := afero.NewMemMapFs()
	store := jobstore.New(fs, "/repo", ".taskgraph")
	idx := New(fs, "/repo", ".taskgraph", "plans", ".taskgraph/tmp", vcs, store)
	return idx, store
}

func TestPlanBranchPresence(t *testing.T) {
	vcs := &fakeVCS{branches: map[string]bool{"draft/foo": true}}
	idx, _ := newTestIndex(t, vcs)

	present, err := idx.Present(model.PlanBranch("foo"))
	require.NoError(t, err)
	assert.True(t, present)

	present, err = idx.Present(model.PlanBranch("bar"))
	require.NoError(t, err)
	assert.False(t, present)
}

func TestPlanDocPresence(t *testing.T) {
	vcs := &fakeVCS{files: map[string]bool{"draft/foo|plans/foo.md": true}}
	idx, _ := newTestIndex(t, vcs)

	present, err := idx.Present(model.PlanDoc("foo"))
	require.NoError(t, err)
	assert.True(t, present)
}

func TestCustomArtifactMarkerRoundTrip(t *testing.T) {
	idx, _ := newTestIndex(t, &fakeVCS{})

	present, err := idx.Present(model.Custom("prompt_text", "p1"))
	require.NoError(t, err)
	assert.False(t, present)

	require.NoError(t, idx.WriteMarker("job1", "prompt_text", "p1"))
	require.NoError(t, idx.WritePayload("job1", "prompt_text", "p1", map[string]string{"text": "hello"}))

	present, err = idx.Present(model.Custom("prompt_text", "p1"))
	require.NoError(t, err)
	assert.True(t, present)

	var payload map[string]string
	require.NoError(t, idx.ReadPayload("job1", "prompt_text", "p1", &payload))
	assert.Equal(t, "hello", payload["text"])
}

func TestRemoveOwnedClearsOnlyThatJob(t *testing.T) {
	idx, _ := newTestIndex(t, &fakeVCS{})

	require.NoError(t, idx.WriteMarker("job1", "prompt_text", "p1"))
	require.NoError(t, idx.WriteMarker("job2", "prompt_text", "p1"))

	require.NoError(t, idx.RemoveOwned("job1"))

	present, err := idx.Present(model.Custom("prompt_text", "p1"))
	require.NoError(t, err)
	assert.True(t, present, "job2's marker must survive job1's retry cleanup")
}

func TestCommandPatchPresentWhenProducerSucceeded(t *testing.T) {
	idx, store := newTestIndex(t, &fakeVCS{})
	require.NoError(t, store.PutJob(&model.JobRecord{JobID: "job1", Status: model.StatusSucceeded}))

	present, err := idx.Present(model.CommandPatch("job1"))
	require.NoError(t, err)
	assert.True(t, present)
}

func TestCommandPatchAbsentForUnknownJob(t *testing.T) {
	idx, _ := newTestIndex(t, &fakeVCS{})
	present, err := idx.Present(model.CommandPatch("ghost"))
	require.NoError(t, err)
	assert.False(t, present)
}

func TestMergeSentinelPresenceFollowsFilesystem(t *testing.T) {
	idx, _ := newTestIndex(t, &fakeVCS{})

	ref := model.ArtifactRef{Kind: model.KindMergeSentinel, Args: map[string]string{"slug": "fix-auth"}}
	present, err := idx.Present(ref)
	require.NoError(t, err)
	assert.False(t, present)

	require.NoError(t, idx.WriteSentinel(&model.ConflictSentinel{
		Slug:         "fix-auth",
		SourceBranch: "draft/fix-auth",
		TargetBranch: "main",
		GitState:     "merge",
		Files:        []string{"a.go"},
	}))

	present, err = idx.Present(ref)
	require.NoError(t, err)
	assert.True(t, present)

	got, err := idx.ReadSentinel("fix-auth")
	require.NoError(t, err)
	assert.Equal(t, "main", got.TargetBranch)

	require.NoError(t, idx.ClearSentinel("fix-auth"))
	present, err = idx.Present(ref)
	require.NoError(t, err)
	assert.False(t, present)

	require.NoError(t, idx.ClearSentinel("fix-auth"), "clearing an absent sentinel is not an error")
}
