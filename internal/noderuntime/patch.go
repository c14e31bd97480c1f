package noderuntime

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/shlex"

	"github.com/taskgraph/taskgraph/internal/model"
)

// patchPipelinePrepare validates the files_json list and records it as a
// payload downstream pipeline phases reread, since spec.md §4.6 models
// patch.pipeline_{prepare,execute,finalize} as three nodes sharing state
// through the job store rather than in-process memory.
func patchPipelinePrepare(rc *runContext) (*model.OutcomeDoc, error) {
	files, err := decodeFilesJSON(rc.job.Args)
	if err != nil {
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: err.Error()}, nil
	}
	if len(files) == 0 {
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: "patch.pipeline_prepare: files_json is empty"}, nil
	}
	ref := model.Custom("pipeline_plan", rc.job.WorkflowRunID)
	if err := rc.deps.Artifacts.WriteMarker(rc.job.JobID, ref.TypeID, ref.Key); err != nil {
		return nil, fmt.Errorf("patch.pipeline_prepare: write marker: %w", err)
	}
	if err := rc.deps.Artifacts.WritePayload(rc.job.JobID, ref.TypeID, ref.Key, map[string]any{"files": files}); err != nil {
		return nil, fmt.Errorf("patch.pipeline_prepare: write payload: %w", err)
	}
	return &model.OutcomeDoc{
		Status:            model.OutcomeSucceeded,
		ProducedArtifacts: []model.ArtifactRef{ref},
	}, nil
}

// patchExecutePipeline runs one per-file subrun step: it writes a phase
// sentinel command_patch for the file this job instance owns (spec.md
// §4.6: "ordered per-file subruns; phase sentinels via command_patch").
func patchExecutePipeline(rc *runContext) (*model.OutcomeDoc, error) {
	file := argString(rc.job.Args, "file", "")
	if file == "" {
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: "patch.execute_pipeline: no file arg"}, nil
	}
	path := rc.deps.Store.CommandPatchPath(rc.job.JobID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("patch.execute_pipeline: mkdir: %w", err)
	}
	content := fmt.Sprintf("# phase sentinel for %s\n# file: %s\n", rc.job.JobID, file)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("patch.execute_pipeline: write: %w", err)
	}
	return &model.OutcomeDoc{
		Status:            model.OutcomeSucceeded,
		ProducedArtifacts: []model.ArtifactRef{model.CommandPatch(rc.job.JobID)},
		CommandPatch:      path,
	}, nil
}

// patchPipelineFinalize is the sink phase once every per-file subrun has
// reported its phase sentinel; it has no further side effect of its own.
func patchPipelineFinalize(rc *runContext) (*model.OutcomeDoc, error) {
	return &model.OutcomeDoc{Status: model.OutcomeSucceeded}, nil
}

func decodeFilesJSON(args map[string]any) ([]string, error) {
	raw, ok := args["files_json"]
	if !ok {
		return nil, fmt.Errorf("missing files_json arg")
	}
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("files_json entries must be strings")
			}
			out = append(out, s)
		}
		return out, nil
	case string:
		var out []string
		if err := json.Unmarshal([]byte(v), &out); err != nil {
			return nil, fmt.Errorf("files_json is not a JSON string array: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("files_json has unexpected type %T", raw)
	}
}

// buildMaterializeStep materializes one step of a build session onto its
// own plan branch, reusing the same draft-branch-plus-plan-doc shape as
// worktree.prepare/plan.persist (spec.md §4.6: "materialize one build-
// session step").
func buildMaterializeStep(rc *runContext) (*model.OutcomeDoc, error) {
	slug := argString(rc.job.Args, "slug", rc.job.JobID)
	branch := argString(rc.job.Args, "branch", "draft/"+slug)
	step := argString(rc.job.Args, "step_text", "")
	if step == "" {
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: "build.materialize_step: no step_text arg"}, nil
	}

	if _, err := rc.deps.Repo.EnsureBranchFromBase(argString(rc.job.Args, "base", "main"), branch); err != nil {
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: err.Error()}, nil
	}
	if err := rc.execVCS.CheckoutBranch(branch, false); err != nil {
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: err.Error()}, nil
	}

	relPath := filepath.Join(rc.deps.Config.PlansDir, slug+".md")
	fullPath := filepath.Join(rc.execDir, relPath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return nil, fmt.Errorf("build.materialize_step: mkdir: %w", err)
	}
	existing, _ := os.ReadFile(fullPath)
	combined := string(existing) + "\n" + step
	if err := os.WriteFile(fullPath, []byte(combined), 0o644); err != nil {
		return nil, fmt.Errorf("build.materialize_step: write: %w", err)
	}
	if err := rc.execVCS.StagePaths([]string{relPath}); err != nil {
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: err.Error()}, nil
	}
	if _, err := rc.execVCS.Commit(fmt.Sprintf("plan: materialize step for %s", slug), nil, rc.identity(), time.Now()); err != nil {
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: err.Error()}, nil
	}
	if rc.execDir != rc.deps.Repo.Path() {
		if err := rc.execVCS.PushBranch(branch); err != nil {
			return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: err.Error()}, nil
		}
	}

	return &model.OutcomeDoc{
		Status:            model.OutcomeSucceeded,
		ProducedArtifacts: []model.ArtifactRef{model.PlanBranch(slug), model.PlanDoc(slug)},
	}, nil
}

// mergeSentinelWrite creates the conflict sentinel file for slug
// (spec.md §4.6, §6).
func mergeSentinelWrite(rc *runContext) (*model.OutcomeDoc, error) {
	slug := argString(rc.job.Args, "slug", "")
	if slug == "" {
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: "merge.sentinel.write: no slug arg"}, nil
	}
	path := filepath.Join(rc.deps.Repo.Path(), rc.deps.Config.TmpDir, "merge-conflicts", slug+".json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("merge.sentinel.write: mkdir: %w", err)
	}
	payload := map[string]any{"slug": slug, "conflicted_files": argStrings(rc.job.Args, "conflicted_files")}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("merge.sentinel.write: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("merge.sentinel.write: write: %w", err)
	}
	return &model.OutcomeDoc{
		Status:            model.OutcomeBlocked,
		ProducedArtifacts: []model.ArtifactRef{model.MergeSentinel(slug)},
		Error:             "merge conflict recorded",
	}, nil
}

// mergeSentinelClear removes slug's conflict sentinel once an operator or
// auto-resolution has cleaned it up (spec.md §4.6).
func mergeSentinelClear(rc *runContext) (*model.OutcomeDoc, error) {
	slug := argString(rc.job.Args, "slug", "")
	if slug == "" {
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: "merge.sentinel.clear: no slug arg"}, nil
	}
	if err := rc.deps.Artifacts.ClearSentinel(slug); err != nil {
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: err.Error()}, nil
	}
	return &model.OutcomeDoc{Status: model.OutcomeSucceeded}, nil
}

// commandRun executes an opaque command and captures its exit, producing
// no artifacts (spec.md §4.6).
func commandRun(rc *runContext) (*model.OutcomeDoc, error) {
	line := argString(rc.job.Args, "command", "")
	if line == "" {
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: "command.run: no command arg"}, nil
	}
	parts, err := shlex.Split(line)
	if err != nil || len(parts) == 0 {
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: fmt.Sprintf("command.run: cannot parse command: %v", err)}, nil
	}
	cmd := exec.CommandContext(rc.ctx, parts[0], parts[1:]...)
	cmd.Dir = rc.execDir
	cmd.Stdin = nil
	output, err := cmd.CombinedOutput()
	if err != nil {
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: fmt.Sprintf("%v: %s", err, truncate(string(output), 4096))}, nil
	}
	return &model.OutcomeDoc{Status: model.OutcomeSucceeded}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
