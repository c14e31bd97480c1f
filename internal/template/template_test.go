package template

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgraph/taskgraph/internal/model"
)

const fixtureYAML = `
template_id: plan-apply-merge
version: "1"
params:
  slug:
    type: string
    derived_from: spec_text
  spec_text:
    type: string
    required: true
artifacts:
  prompt_text:
    schema: {}
nodes:
  - id: prompt
    uses: env.prompt_resolve
    args:
      text: "{{spec_text}}"
    produces:
      - type_id: prompt_text
        key: p1
    on:
      succeeded: [draft]
  - id: draft
    uses: agent.invoke
    args:
      slug: "{{slug}}"
    consumes:
      - type_id: prompt_text
        key: p1
    on:
      succeeded: [worktree]
  - id: worktree
    uses: env.worktree_prepare
    args:
      slug: "{{slug}}"
    on:
      succeeded: [done]
  - id: done
    uses: control.terminal
`

func newJobIDSeq() func() string {
	n := 0
	return func() string {
		n++
		return "job" + string(rune('0'+n))
	}
}

func TestParseAndValidateFixture(t *testing.T) {
	doc, err := Parse([]byte(fixtureYAML))
	require.NoError(t, err)
	require.NoError(t, Validate(doc))
}

func TestValidateRejectsUnknownUses(t *testing.T) {
	doc, err := Parse([]byte(`
template_id: bad
nodes:
  - id: a
    uses: legacy.step
`))
	require.NoError(t, err)
	require.Error(t, Validate(doc))
}

func TestValidateRejectsMissingArgContract(t *testing.T) {
	doc, err := Parse([]byte(`
template_id: bad
nodes:
  - id: a
    uses: env.worktree_prepare
`))
	require.NoError(t, err)
	err = Validate(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires one of")
}

func TestValidateRejectsPromptResolveWithoutArtifact(t *testing.T) {
	doc, err := Parse([]byte(`
template_id: bad
nodes:
  - id: a
    uses: env.prompt_resolve
`))
	require.NoError(t, err)
	err = Validate(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prompt.resolve")
}

func TestValidateRejectsCycle(t *testing.T) {
	doc, err := Parse([]byte(`
template_id: bad
nodes:
  - id: a
    uses: env.worktree_cleanup
    on:
      succeeded: [b]
  - id: b
    uses: env.worktree_cleanup
    on:
      succeeded: [a]
`))
	require.NoError(t, err)
	err = Validate(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestCompileProducesManifestAndJobs(t *testing.T) {
	doc, err := Parse([]byte(fixtureYAML))
	require.NoError(t, err)

	result, err := Compile(doc, CompileOptions{
		RunID:         "run1",
		Params:        map[string]any{"spec_text": "Fix the login bug\nmore detail"},
		Now:           time.Unix(1700000000, 0),
		NewJobID:      newJobIDSeq(),
		ExecutionRoot: "/repo",
	})
	require.NoError(t, err)
	require.Len(t, result.Jobs, 4)
	require.Len(t, result.Manifest.Nodes, 4)

	var draftJob *model.JobRecord
	for _, j := range result.Jobs {
		if j.WorkflowNodeID == "draft" {
			draftJob = j
		}
	}
	require.NotNil(t, draftJob)
	assert.Equal(t, "fix-the-login-bug", draftJob.Slug)
	require.Len(t, draftJob.After, 1)

	var worktreeNode model.NodeInstance
	ok := false
	for _, n := range result.Manifest.Nodes {
		if n.NodeID == "worktree" {
			worktreeNode = n
			ok = true
		}
	}
	require.True(t, ok)
	require.Len(t, worktreeNode.Outputs, 1)
	assert.Equal(t, model.KindPlanBranch, worktreeNode.Outputs[0].Kind)
}

func TestCompileNormalizesDuplicateOutcomeFanOutToOneEdge(t *testing.T) {
	doc, err := Parse([]byte(`
template_id: dup-fanout
nodes:
  - id: a
    uses: env.command_run
    args:
      command: "true"
    on:
      succeeded: [b, b]
      failed: [c, c]
  - id: b
    uses: control.terminal
  - id: c
    uses: control.terminal
`))
	require.NoError(t, err)

	result, err := Compile(doc, CompileOptions{
		RunID:    "run1",
		Params:   map[string]any{},
		Now:      time.Unix(1700000000, 0),
		NewJobID: newJobIDSeq(),
	})
	require.NoError(t, err)

	var jobB, jobC *model.JobRecord
	for _, j := range result.Jobs {
		switch j.WorkflowNodeID {
		case "b":
			jobB = j
		case "c":
			jobC = j
		}
	}
	require.NotNil(t, jobB)
	require.NotNil(t, jobC)
	require.Len(t, jobB.After, 1)
	require.Len(t, jobC.OutcomeWaits, 1)

	var nodeA model.NodeInstance
	for _, n := range result.Manifest.Nodes {
		if n.NodeID == "a" {
			nodeA = n
		}
	}
	require.Len(t, nodeA.On[model.OutcomeSucceeded], 1)
	require.Len(t, nodeA.On[model.OutcomeFailed], 1)
}

func TestCompileFailsWhenRequiredParamMissing(t *testing.T) {
	doc, err := Parse([]byte(fixtureYAML))
	require.NoError(t, err)

	_, err = Compile(doc, CompileOptions{
		RunID:         "run1",
		Params:        map[string]any{},
		Now:           time.Unix(1700000000, 0),
		NewJobID:      newJobIDSeq(),
		ExecutionRoot: "/repo",
	})
	require.Error(t, err)
}
