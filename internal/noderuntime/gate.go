package noderuntime

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/taskgraph/taskgraph/internal/model"
)

// gateBackoff builds a sethvargo/go-retry backoff from the job's declared
// retry budget, falling back to the configured default when the template
// left workflow_gates unset (SPEC_FULL.md "Gate retry budget accounting").
func gateBackoff(rc *runContext) (retry.Backoff, uint64) {
	maxAttempts := rc.deps.Config.DefaultGateMaxAttempts
	initial := 1 * time.Second
	max := 30 * time.Second
	if g := rc.job.WorkflowGates; g != nil {
		if g.MaxAttempts > 0 {
			maxAttempts = uint64(g.MaxAttempts)
		}
		if g.Backoff.Initial > 0 {
			initial = g.Backoff.Initial
		}
		if g.Backoff.Max > 0 {
			max = g.Backoff.Max
		}
	}
	b := retry.NewExponential(initial)
	b = retry.WithCappedDuration(max, b)
	return retry.WithMaxRetries(maxAttempts, b), maxAttempts
}

// runScript executes a shell script via /bin/sh -c in the job's execution
// directory, returning its combined output and whether it exited 0.
func runScript(rc *runContext, script string) (string, bool, error) {
	cmd := exec.CommandContext(rc.ctx, "/bin/sh", "-c", script)
	cmd.Dir = rc.execDir
	out, err := cmd.CombinedOutput()
	if err == nil {
		return string(out), true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return string(out), false, nil
	}
	return string(out), false, err
}

// gateStopCondition re-runs a script until it exits 0 or the retry budget
// is exhausted, reporting failed once exhausted (spec.md §4.6 gates).
func gateStopCondition(rc *runContext) (*model.OutcomeDoc, error) {
	script := argString(rc.job.Args, "script", "")
	if script == "" {
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: "gate.stop_condition: no script arg"}, nil
	}
	b, attempts := gateBackoff(rc)

	var lastOutput string
	var lastOK bool
	err := retry.Do(rc.ctx, b, func(ctx context.Context) error {
		out, ok, err := runScript(rc, script)
		lastOutput, lastOK = out, ok
		if err != nil {
			return err
		}
		if !ok {
			return retry.RetryableError(fmt.Errorf("stop condition not yet satisfied"))
		}
		return nil
	})
	if err != nil || !lastOK {
		msg := "stop condition not satisfied after retry budget exhausted"
		if err != nil {
			msg = err.Error()
		}
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: fmt.Sprintf("%s: %s", msg, truncate(lastOutput, 2048))}, nil
	}
	_ = attempts
	return &model.OutcomeDoc{Status: model.OutcomeSucceeded}, nil
}

// gateConflictResolution checks for an open merge-conflict sentinel and,
// if one exists and auto_resolve is set, hands resolution to an agent
// invocation; once the agent succeeds it clears the sentinel and reports
// succeeded without re-inspecting the worktree for remaining conflicts
// (spec.md §4.6: conflict-resolution gate).
func gateConflictResolution(rc *runContext) (*model.OutcomeDoc, error) {
	slug := argString(rc.job.Args, "slug", "")
	if slug == "" {
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: "gate.conflict_resolution: no slug arg"}, nil
	}
	present, err := rc.deps.Artifacts.Present(model.MergeSentinel(slug))
	if err != nil {
		return nil, fmt.Errorf("gate.conflict_resolution: check sentinel: %w", err)
	}
	if !present {
		return &model.OutcomeDoc{Status: model.OutcomeSucceeded}, nil
	}
	if !argBool(rc.job.Args, "auto_resolve", false) {
		return &model.OutcomeDoc{
			Status:            model.OutcomeBlocked,
			ProducedArtifacts: []model.ArtifactRef{model.MergeSentinel(slug)},
			Error:             "merge conflict present; auto_resolve disabled",
		}, nil
	}

	selector := argString(rc.job.Args, "agent_selector", "agent")
	sub := &model.JobRecord{
		JobID: rc.job.JobID,
		Args: map[string]any{
			"selector": selector,
			"prompt":   fmt.Sprintf("Resolve the merge conflicts recorded for %s and stage the result.", slug),
		},
	}
	subRC := &runContext{ctx: rc.ctx, deps: rc.deps, job: sub, execVCS: rc.execVCS, execDir: rc.execDir}
	outcome, err := agentInvoke(subRC)
	if err != nil {
		return nil, err
	}
	if outcome.Status != model.OutcomeSucceeded {
		return outcome, nil
	}
	if err := rc.deps.Artifacts.ClearSentinel(slug); err != nil {
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: err.Error()}, nil
	}
	return &model.OutcomeDoc{Status: model.OutcomeSucceeded}, nil
}

// gateCICD runs a CI/CD script exactly once per job (spec.md §4.6).
// Remediation is not retried in-process: on failure this finalizes
// OutcomeFailed and records the attempt in WorkflowGates.Attempts, so the
// scheduler's on.failed routing (spec.md §4.5 "Outcome routing") spawns
// the template's remediation node as its own job record (Scenario S2) —
// a distinct, separately persisted retry rather than a loop inside this
// process.
func gateCICD(rc *runContext) (*model.OutcomeDoc, error) {
	script := argString(rc.job.Args, "script", "")
	if script == "" {
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: "gate.cicd: no script arg"}, nil
	}

	if err := recordGateAttempt(rc); err != nil {
		return nil, fmt.Errorf("gate.cicd: record attempt: %w", err)
	}

	out, ok, err := runScript(rc, script)
	if err != nil {
		return nil, fmt.Errorf("gate.cicd: run script: %w", err)
	}
	if !ok {
		return &model.OutcomeDoc{Status: model.OutcomeFailed,
			Error: fmt.Sprintf("cicd script failed: %s", truncate(out, 2048))}, nil
	}
	return &model.OutcomeDoc{Status: model.OutcomeSucceeded}, nil
}

// recordGateAttempt increments and persists rc.job.WorkflowGates.Attempts
// before the gate's script runs, so a crash mid-script still leaves the
// attempt counted (SPEC_FULL.md "Gate retry budget accounting").
func recordGateAttempt(rc *runContext) error {
	if rc.job.WorkflowGates == nil {
		rc.job.WorkflowGates = &model.GateBudget{MaxAttempts: int(rc.deps.Config.DefaultGateMaxAttempts)}
	}
	rc.job.WorkflowGates.Attempts++
	return rc.deps.Store.PutJob(rc.job)
}

// cicdRun runs a one-shot script with the same retry budget as gate.cicd
// but as an ordinary executor operation rather than a control gate,
// optionally producing a custom payload artifact (spec.md §4.6).
func cicdRun(rc *runContext) (*model.OutcomeDoc, error) {
	script := argString(rc.job.Args, "script", "")
	if script == "" {
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: "cicd.run: no script arg"}, nil
	}
	b, _ := gateBackoff(rc)

	var lastOutput string
	var lastOK bool
	err := retry.Do(rc.ctx, b, func(ctx context.Context) error {
		out, ok, rerr := runScript(rc, script)
		lastOutput, lastOK = out, ok
		if rerr != nil {
			return rerr
		}
		if !ok {
			return retry.RetryableError(fmt.Errorf("cicd.run script failed"))
		}
		return nil
	})
	if err != nil || !lastOK {
		msg := "cicd.run script failed after retry budget exhausted"
		if err != nil {
			msg = err.Error()
		}
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: fmt.Sprintf("%s: %s", msg, truncate(lastOutput, 2048))}, nil
	}

	if payloadKey := argString(rc.job.Args, "payload_key", ""); payloadKey != "" {
		ref := model.Custom("cicd_output", payloadKey)
		if err := rc.deps.Artifacts.WriteMarker(rc.job.JobID, ref.TypeID, ref.Key); err != nil {
			return nil, fmt.Errorf("cicd.run: write marker: %w", err)
		}
		if err := rc.deps.Artifacts.WritePayload(rc.job.JobID, ref.TypeID, ref.Key, map[string]any{"output": lastOutput}); err != nil {
			return nil, fmt.Errorf("cicd.run: write payload: %w", err)
		}
		return &model.OutcomeDoc{Status: model.OutcomeSucceeded, ProducedArtifacts: []model.ArtifactRef{ref}}, nil
	}
	return &model.OutcomeDoc{Status: model.OutcomeSucceeded}, nil
}

// terminalSink is the explicit end-of-graph node: it fails the runtime
// (a crash, not a routed outcome) if the compiled manifest still declares
// an outgoing route for this node, since a terminal node promising fan-
// out is a template-compiler bug, not a runtime condition (spec.md §4.6).
func terminalSink(rc *runContext) (*model.OutcomeDoc, error) {
	manifest, err := rc.deps.Store.GetRunManifest(rc.job.WorkflowRunID)
	if err != nil {
		return nil, fmt.Errorf("terminal: load run manifest: %w", err)
	}
	node, ok := manifest.NodeByID(rc.job.WorkflowNodeID)
	if !ok {
		return nil, fmt.Errorf("terminal: node %s not found in manifest", rc.job.WorkflowNodeID)
	}
	for outcome, targets := range node.On {
		if len(targets) > 0 {
			return nil, fmt.Errorf("terminal: node %s declares an outgoing route on %q", rc.job.WorkflowNodeID, outcome)
		}
	}
	return &model.OutcomeDoc{Status: model.OutcomeSucceeded}, nil
}
