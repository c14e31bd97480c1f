package noderuntime

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/taskgraph/taskgraph/internal/model"
	"github.com/taskgraph/taskgraph/internal/vcs"
)

func (rc *runContext) identity() vcs.CommitIdentity {
	return vcs.CommitIdentity{Name: rc.deps.Config.CommitAuthorName, Email: rc.deps.Config.CommitAuthorEmail}
}

// promptResolve persists the already-placeholder-resolved prompt text
// (resolution itself happened at compile time, internal/template) as the
// custom:prompt_text:<key> artifact agent.invoke consumes (spec.md §4.6).
func promptResolve(rc *runContext) (*model.OutcomeDoc, error) {
	text := argString(rc.job.Args, "prompt_text", "")
	if text == "" {
		return nil, fmt.Errorf("prompt.resolve: job %s has no prompt_text arg", rc.job.JobID)
	}
	key := argString(rc.job.Args, "key", "p1")
	ref := model.Custom("prompt_text", key)

	if err := rc.deps.Artifacts.WriteMarker(rc.job.JobID, ref.TypeID, ref.Key); err != nil {
		return nil, fmt.Errorf("prompt.resolve: write marker: %w", err)
	}
	if err := rc.deps.Artifacts.WritePayload(rc.job.JobID, ref.TypeID, ref.Key, map[string]string{"text": text}); err != nil {
		return nil, fmt.Errorf("prompt.resolve: write payload: %w", err)
	}

	return &model.OutcomeDoc{
		Status:            model.OutcomeSucceeded,
		ProducedArtifacts: []model.ArtifactRef{ref},
		Payloads:          map[string]any{ref.String(): map[string]string{"text": text}},
	}, nil
}

// worktreePrepare creates a temp worktree on the job's plan branch
// (default draft/<slug>), recording ownership and propagating
// execution_root downstream (spec.md §4.6, §4.5).
func worktreePrepare(rc *runContext) (*model.OutcomeDoc, error) {
	slug := argString(rc.job.Args, "slug", rc.job.JobID)
	branch := argString(rc.job.Args, "branch", "draft/"+slug)
	base := argString(rc.job.Args, "base", "main")

	if _, err := rc.deps.Repo.EnsureBranchFromBase(base, branch); err != nil {
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: err.Error()}, nil
	}

	tmpRoot := filepath.Join(rc.deps.Repo.Path(), rc.deps.Config.TmpDir, "worktrees")
	handle, err := rc.deps.Repo.CreateTempWorktree(tmpRoot, branch, rc.job.JobID)
	if err != nil {
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: err.Error()}, nil
	}

	return &model.OutcomeDoc{
		Status:            model.OutcomeSucceeded,
		ProducedArtifacts: []model.ArtifactRef{model.PlanBranch(slug)},
		ExecutionRoot:     handle.Path,
		WorktreeOwner:     rc.job.JobID,
		WorktreePath:      handle.Path,
	}, nil
}

// worktreeCleanup best-effort removes a previously owned temp worktree
// (spec.md §4.6, §4.1).
func worktreeCleanup(rc *runContext) (*model.OutcomeDoc, error) {
	if rc.job.WorktreeOwner == "" || rc.job.WorktreePath == "" {
		return &model.OutcomeDoc{Status: model.OutcomeSucceeded, ExecutionRoot: model.RootExecutionRoot}, nil
	}
	status, err := rc.deps.Repo.CleanupWorktree(rc.job.WorktreePath, rc.job.WorktreeOwner)
	if err != nil {
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: err.Error()}, nil
	}
	switch status {
	case vcs.CleanupDone, vcs.CleanupSkippedNotOwner:
		return &model.OutcomeDoc{Status: model.OutcomeSucceeded, ExecutionRoot: model.RootExecutionRoot}, nil
	default:
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: fmt.Sprintf("unexpected cleanup status %q", status)}, nil
	}
}

// planPersist writes the plan document to <plans_dir>/<slug>.md on the
// plan branch and commits it (spec.md §4.6).
func planPersist(rc *runContext) (*model.OutcomeDoc, error) {
	slug := argString(rc.job.Args, "slug", rc.job.JobID)
	branch := argString(rc.job.Args, "branch", "draft/"+slug)
	text := argString(rc.job.Args, "plan_text", "")
	if text == "" {
		return nil, fmt.Errorf("plan.persist: job %s has no plan_text arg", rc.job.JobID)
	}

	if err := rc.execVCS.CheckoutBranch(branch, false); err != nil {
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: err.Error()}, nil
	}

	relPath := filepath.Join(rc.deps.Config.PlansDir, slug+".md")
	fullPath := filepath.Join(rc.execDir, relPath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return nil, fmt.Errorf("plan.persist: mkdir plans dir: %w", err)
	}
	if err := os.WriteFile(fullPath, []byte(text), 0o644); err != nil {
		return nil, fmt.Errorf("plan.persist: write plan doc: %w", err)
	}

	if err := rc.execVCS.StagePaths([]string{relPath}); err != nil {
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: err.Error()}, nil
	}
	message := argString(rc.job.Args, "commit_message", fmt.Sprintf("plan: persist %s", slug))
	oid, err := rc.execVCS.Commit(message, planTrailers(rc), rc.identity(), time.Now())
	if err != nil {
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: err.Error()}, nil
	}
	if rc.execDir != rc.deps.Repo.Path() {
		if err := rc.execVCS.PushBranch(branch); err != nil {
			return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: err.Error()}, nil
		}
	}

	return &model.OutcomeDoc{
		Status:            model.OutcomeSucceeded,
		ProducedArtifacts: []model.ArtifactRef{model.PlanDoc(slug), model.PlanCommits(slug)},
		Payloads:          map[string]any{model.PlanCommits(slug).String(): map[string]string{"oid": oid}},
	}, nil
}

func planTrailers(rc *runContext) vcs.Trailers {
	t := vcs.Trailers{}
	if sid := argString(rc.job.Args, "session_id", ""); sid != "" {
		t["Session-Id"] = sid
	}
	if path := argString(rc.job.Args, "session_log_path", ""); path != "" {
		t["Session-Log"] = path
	}
	if len(t) == 0 {
		return nil
	}
	return t
}

// gitStageCommit stages paths and commits with a resolved message template
// (spec.md §4.6).
func gitStageCommit(rc *runContext) (*model.OutcomeDoc, error) {
	paths := argStrings(rc.job.Args, "paths")
	if len(paths) == 0 {
		return nil, fmt.Errorf("git.stage_commit: job %s has no paths arg", rc.job.JobID)
	}
	message := argString(rc.job.Args, "message", "update")
	branch := argString(rc.job.Args, "branch", "")
	if branch != "" {
		if err := rc.execVCS.CheckoutBranch(branch, false); err != nil {
			return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: err.Error()}, nil
		}
	}
	if err := rc.execVCS.StagePaths(paths); err != nil {
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: err.Error()}, nil
	}
	oid, err := rc.execVCS.Commit(message, planTrailers(rc), rc.identity(), time.Now())
	if err != nil {
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: err.Error()}, nil
	}
	if branch != "" && rc.execDir != rc.deps.Repo.Path() {
		if err := rc.execVCS.PushBranch(branch); err != nil {
			return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: err.Error()}, nil
		}
	}
	return &model.OutcomeDoc{Status: model.OutcomeSucceeded, Payloads: map[string]any{"commit_oid": oid}}, nil
}

// gitIntegratePlanBranch loads the plan doc, removes it from the source
// tip, and integrates source into target embedding the plan text in the
// merge commit body (spec.md §4.6, §6 "Commit message contract").
func gitIntegratePlanBranch(rc *runContext) (*model.OutcomeDoc, error) {
	slug := argString(rc.job.Args, "slug", "")
	source := argString(rc.job.Args, "source_branch", defaultDraftBranch(rc.job))
	target := argString(rc.job.Args, "target_branch", "main")
	squash := argBool(rc.job.Args, "squash", true)

	planPath := filepath.Join(rc.deps.Config.PlansDir, slug+".md")
	planText, err := rc.deps.Repo.ReadFileAtTip(source, planPath)
	if err != nil {
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: err.Error()}, nil
	}

	if err := rc.deps.Repo.CheckoutBranch(source, false); err != nil {
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: err.Error()}, nil
	}
	if err := rc.deps.Repo.RemovePaths([]string{planPath}); err != nil {
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: err.Error()}, nil
	}
	if _, err := rc.deps.Repo.Commit(fmt.Sprintf("chore: remove plan doc for %s", slug), nil, rc.identity(), time.Now()); err != nil {
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: err.Error()}, nil
	}

	summary := argString(rc.job.Args, "summary", fmt.Sprintf("integrate %s", slug))
	message := fmt.Sprintf("%s\n\nImplementation Plan:\n%s", summary, planText)
	hint := argString(rc.job.Args, "mainline_parent", "")
	result, err := rc.deps.Repo.Integrate(source, target, squash, message, hint, rc.identity(), time.Now())
	if err != nil {
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: err.Error()}, nil
	}
	if len(result.Conflicts) > 0 {
		return &model.OutcomeDoc{
			Status: model.OutcomeBlocked,
			Error:  fmt.Sprintf("merge conflicts in %d file(s)", len(result.Conflicts)),
		}, nil
	}

	if !argBool(rc.job.Args, "keep_branch", false) {
		_ = rc.deps.Repo.DeleteBranch(source)
	}

	return &model.OutcomeDoc{
		Status:            model.OutcomeSucceeded,
		ProducedArtifacts: []model.ArtifactRef{model.TargetBranch(target)},
		Payloads:          map[string]any{"integration_oid": result.OID},
	}, nil
}

// gitSaveWorktreePatch produces a unified diff of the execution root's
// uncommitted changes and records it as command.patch (spec.md §4.6).
func gitSaveWorktreePatch(rc *runContext) (*model.OutcomeDoc, error) {
	status, err := rc.execVCS.Status(vcs.DefaultIgnoreGlobs(rc.deps.Config.SchedulerDir, rc.deps.Config.TmpDir))
	if err != nil {
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: err.Error()}, nil
	}
	patch, err := rc.execVCS.UnifiedDiff(status)
	if err != nil {
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: err.Error()}, nil
	}
	path := rc.deps.Store.CommandPatchPath(rc.job.JobID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("git.save_worktree_patch: mkdir: %w", err)
	}
	if err := os.WriteFile(path, []byte(patch), 0o644); err != nil {
		return nil, fmt.Errorf("git.save_worktree_patch: write: %w", err)
	}
	return &model.OutcomeDoc{
		Status:            model.OutcomeSucceeded,
		ProducedArtifacts: []model.ArtifactRef{model.CommandPatch(rc.job.JobID)},
		CommandPatch:      path,
	}, nil
}
