package template

import (
	"strings"

	"github.com/taskgraph/taskgraph/internal/model"
)

// argRule is satisfied when at least one of Keys is present and non-empty
// in a node's args (spec.md §4.4 rule 2's "requires one of" contracts).
type argRule struct {
	Keys []string
}

// descriptor is the canonical registry entry for one `uses` value
// (spec.md §4.4 rule 1: "uses values are canonical only").
type descriptor struct {
	class           model.ExecutorClass
	operation       string // set for env.*/agent.invoke
	controlPolicy   string // set for control.*
	argRules        []argRule
	isPromptResolve bool
	isAgentInvoke   bool
	isTerminal      bool
}

var registry = map[string]descriptor{
	"env.prompt_resolve": {
		class: model.ExecutorEnvironmentBuiltin, operation: "prompt.resolve",
		isPromptResolve: true,
	},
	"agent.invoke": {
		class: model.ExecutorAgent, operation: "agent.invoke",
		isAgentInvoke: true,
	},
	"env.worktree_prepare": {
		class: model.ExecutorEnvironmentBuiltin, operation: "worktree.prepare",
		argRules: []argRule{{Keys: []string{"branch", "slug", "plan"}}},
	},
	"env.worktree_cleanup": {
		class: model.ExecutorEnvironmentBuiltin, operation: "worktree.cleanup",
	},
	"env.plan_persist": {
		class: model.ExecutorEnvironmentBuiltin, operation: "plan.persist",
		argRules: []argRule{{Keys: []string{"slug"}}},
	},
	"env.git_stage_commit": {
		class: model.ExecutorEnvironmentBuiltin, operation: "git.stage_commit",
		argRules: []argRule{{Keys: []string{"paths"}}, {Keys: []string{"message"}}},
	},
	"env.git_integrate_plan_branch": {
		class: model.ExecutorEnvironmentBuiltin, operation: "git.integrate_plan_branch",
		argRules: []argRule{{Keys: []string{"branch", "source_branch", "plan_branch", "slug", "plan"}}},
	},
	"env.git_save_worktree_patch": {
		class: model.ExecutorEnvironmentBuiltin, operation: "git.save_worktree_patch",
	},
	"env.patch_pipeline_prepare": {
		class: model.ExecutorEnvironmentBuiltin, operation: "patch.pipeline_prepare",
		argRules: []argRule{{Keys: []string{"files_json"}}},
	},
	"env.patch_execute_pipeline": {
		class: model.ExecutorEnvironmentBuiltin, operation: "patch.execute_pipeline",
		argRules: []argRule{{Keys: []string{"files_json"}}},
	},
	"env.patch_pipeline_finalize": {
		class: model.ExecutorEnvironmentBuiltin, operation: "patch.pipeline_finalize",
		argRules: []argRule{{Keys: []string{"files_json"}}},
	},
	"env.build_materialize_step": {
		class: model.ExecutorEnvironmentBuiltin, operation: "build.materialize_step",
	},
	"env.merge_sentinel_write": {
		class: model.ExecutorEnvironmentBuiltin, operation: "merge.sentinel.write",
		argRules: []argRule{{Keys: []string{"slug"}}},
	},
	"env.merge_sentinel_clear": {
		class: model.ExecutorEnvironmentBuiltin, operation: "merge.sentinel.clear",
		argRules: []argRule{{Keys: []string{"slug"}}},
	},
	"env.command_run": {
		class: model.ExecutorEnvironmentShell, operation: "command.run",
		argRules: []argRule{{Keys: []string{"command"}}},
	},
	"env.cicd_run": {
		class: model.ExecutorEnvironmentShell, operation: "cicd.run",
		argRules: []argRule{{Keys: []string{"script", "command"}}},
	},
	"control.gate_stop_condition": {
		class: model.ExecutorEnvironmentBuiltin, controlPolicy: "gate.stop_condition",
		argRules: []argRule{{Keys: []string{"script"}}},
	},
	"control.gate_conflict_resolution": {
		class: model.ExecutorEnvironmentBuiltin, controlPolicy: "gate.conflict_resolution",
		argRules: []argRule{{Keys: []string{"slug"}}},
	},
	"control.gate_cicd": {
		class: model.ExecutorEnvironmentBuiltin, controlPolicy: "gate.cicd",
		argRules: []argRule{{Keys: []string{"script", "command"}}},
	},
	"control.gate_approval": {
		class: model.ExecutorEnvironmentBuiltin, controlPolicy: "gate.approval",
	},
	"control.terminal": {
		class: model.ExecutorEnvironmentBuiltin, controlPolicy: "terminal",
		isTerminal: true,
	},
}

// isCanonicalFamily reports whether uses at least has the right namespace
// shape, used to distinguish "legacy/unknown label" diagnostics from a
// simple typo within a known family.
func isCanonicalFamily(uses string) bool {
	return strings.HasPrefix(uses, "env.") || uses == "agent.invoke" || strings.HasPrefix(uses, "control.")
}
