// Package noderuntime implements C6: the hidden `__workflow-node` entry
// that loads one job record, resolves its execution root, and dispatches
// on workflow_executor_operation or workflow_control_policy (spec.md
// §4.6). Every handler writes outcome.json before returning nil; a
// returned error means an unexpected crash, which the caller (cmd's
// __workflow-node entry) turns into a non-zero process exit — the
// scheduler then treats that as a crash, not a routed outcome.
package noderuntime

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/taskgraph/taskgraph/internal/artifact"
	"github.com/taskgraph/taskgraph/internal/config"
	"github.com/taskgraph/taskgraph/internal/jobstore"
	"github.com/taskgraph/taskgraph/internal/logx"
	"github.com/taskgraph/taskgraph/internal/model"
	"github.com/taskgraph/taskgraph/internal/schederr"
	"github.com/taskgraph/taskgraph/internal/vcs"
)

// Deps wires the facades a node handler needs. One Deps is built per
// process invocation of __workflow-node (spec.md §9: no singleton).
type Deps struct {
	Store     *jobstore.Store
	Artifacts *artifact.Index
	Repo      *vcs.Repo
	Config    *config.Config
	Log       logx.Logger
}

// runContext is the per-invocation scope passed to every handler: the job
// being run and the *vcs.Repo rooted at its resolved execution_root.
type runContext struct {
	ctx     context.Context
	deps    Deps
	job     *model.JobRecord
	execVCS *vcs.Repo
	execDir string
}

// Run loads jobID's record, resolves its execution root, dispatches to the
// matching handler, and persists the resulting outcome.json.
func Run(ctx context.Context, deps Deps, jobID string) error {
	job, err := deps.Store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}

	execDir, err := resolveExecutionRoot(deps, job)
	if err != nil {
		return err
	}
	execVCS := deps.Repo
	if execDir != deps.Repo.Path() {
		execVCS, err = vcs.DiscoverRepo(execDir)
		if err != nil {
			return fmt.Errorf("open execution root %s: %w", execDir, err)
		}
	}

	rc := &runContext{ctx: ctx, deps: deps, job: job, execVCS: execVCS, execDir: execDir}

	var outcome *model.OutcomeDoc
	switch {
	case job.WorkflowControlPolicy != "":
		outcome, err = dispatchControl(rc)
	case job.WorkflowExecutorOperation != "":
		outcome, err = dispatchOperation(rc)
	default:
		return fmt.Errorf("job %s declares neither an executor operation nor a control policy", jobID)
	}
	if err != nil {
		return err
	}
	return deps.Store.PutOutcome(jobID, outcome)
}

// resolveExecutionRoot implements spec.md §4.6's "metadata first, then
// repo root; out-of-repo roots are rejected" rule.
func resolveExecutionRoot(deps Deps, job *model.JobRecord) (string, error) {
	if job.ExecutionRoot == "" || job.ExecutionRoot == model.RootExecutionRoot {
		return deps.Repo.Path(), nil
	}
	abs := job.ExecutionRoot
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(deps.Repo.Path(), abs)
	}
	rel, err := filepath.Rel(deps.Repo.Path(), abs)
	if err != nil {
		return "", schederr.Validation(fmt.Sprintf("execution_root %q is not resolvable", job.ExecutionRoot), err)
	}
	tmpRel, tmpErr := filepath.Rel(deps.Repo.Path(), filepath.Join(deps.Repo.Path(), deps.Config.TmpDir))
	inTmp := tmpErr == nil && (rel == tmpRel || strings.HasPrefix(rel, tmpRel+string(filepath.Separator)))
	if !inTmp && (rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
		return "", schederr.Validation(
			fmt.Sprintf("execution_root %q escapes the repository", job.ExecutionRoot), nil)
	}
	return abs, nil
}

func dispatchOperation(rc *runContext) (*model.OutcomeDoc, error) {
	switch rc.job.WorkflowExecutorOperation {
	case "prompt.resolve":
		return promptResolve(rc)
	case "agent.invoke":
		return agentInvoke(rc)
	case "worktree.prepare":
		return worktreePrepare(rc)
	case "worktree.cleanup":
		return worktreeCleanup(rc)
	case "plan.persist":
		return planPersist(rc)
	case "git.stage_commit":
		return gitStageCommit(rc)
	case "git.integrate_plan_branch":
		return gitIntegratePlanBranch(rc)
	case "git.save_worktree_patch":
		return gitSaveWorktreePatch(rc)
	case "patch.pipeline_prepare":
		return patchPipelinePrepare(rc)
	case "patch.execute_pipeline":
		return patchExecutePipeline(rc)
	case "patch.pipeline_finalize":
		return patchPipelineFinalize(rc)
	case "build.materialize_step":
		return buildMaterializeStep(rc)
	case "merge.sentinel.write":
		return mergeSentinelWrite(rc)
	case "merge.sentinel.clear":
		return mergeSentinelClear(rc)
	case "command.run":
		return commandRun(rc)
	case "cicd.run":
		return cicdRun(rc)
	default:
		return nil, fmt.Errorf("unknown executor operation %q", rc.job.WorkflowExecutorOperation)
	}
}

func dispatchControl(rc *runContext) (*model.OutcomeDoc, error) {
	switch rc.job.WorkflowControlPolicy {
	case "gate.stop_condition":
		return gateStopCondition(rc)
	case "gate.conflict_resolution":
		return gateConflictResolution(rc)
	case "gate.cicd":
		return gateCICD(rc)
	case "gate.approval":
		// The scheduler's own approval gate (spec.md §4.5) already governs
		// whether this job ever gets spawned; reaching this handler means
		// the gate already cleared, so it is a pure pass-through sink.
		return &model.OutcomeDoc{Status: model.OutcomeSucceeded}, nil
	case "terminal":
		return terminalSink(rc)
	default:
		return nil, fmt.Errorf("unknown control policy %q", rc.job.WorkflowControlPolicy)
	}
}

func argString(args map[string]any, key, def string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

func argBool(args map[string]any, key string, def bool) bool {
	if v, ok := args[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

func argStrings(args map[string]any, key string) []string {
	v, ok := args[key]
	if !ok {
		return nil
	}
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func defaultDraftBranch(job *model.JobRecord) string {
	return "draft/" + argString(job.Args, "slug", job.JobID)
}
