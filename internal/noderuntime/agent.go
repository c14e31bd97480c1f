package noderuntime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/slok/goresilience"
	"github.com/slok/goresilience/circuitbreaker"
	"github.com/slok/goresilience/timeout"

	"github.com/taskgraph/taskgraph/internal/model"
)

// resolveAgentBinary walks cfg.AgentSearchPaths for a selector wrapper
// script (spec.md §6: "repo-local agents/ then installed share dir").
func resolveAgentBinary(rc *runContext, selector string) (string, error) {
	for _, dir := range rc.deps.Config.AgentSearchPaths {
		candidate := dir
		if !filepath.IsAbs(candidate) {
			candidate = filepath.Join(rc.deps.Repo.Path(), dir)
		}
		path := filepath.Join(candidate, selector)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("agent selector %q not found in any of %v", selector, rc.deps.Config.AgentSearchPaths)
}

// agentInvoke runs one agent session bounded by the configured wall-clock
// timeout (spec.md §5: "agent.invoke ... 12h wall-clock"). The circuit
// breaker in the runner chain is built fresh on every call, so it carries
// no state from earlier agent sessions and does not make later ones fail
// fast.
func agentInvoke(rc *runContext) (*model.OutcomeDoc, error) {
	selector := argString(rc.job.Args, "selector", "")
	if selector == "" {
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: "agent.invoke: no selector arg"}, nil
	}
	prompt := argString(rc.job.Args, "prompt", "")

	bin, err := resolveAgentBinary(rc, selector)
	if err != nil {
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: err.Error()}, nil
	}

	agentTimeout := rc.deps.Config.AgentTimeout
	if agentTimeout <= 0 {
		agentTimeout = 12 * time.Hour
	}

	runner := goresilience.RunnerChain(
		timeout.NewMiddleware(timeout.Config{Timeout: agentTimeout}),
		circuitbreaker.NewMiddleware(circuitbreaker.Config{}),
	)

	var runErr error
	var output []byte
	err = runner.Run(rc.ctx, func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, bin)
		cmd.Dir = rc.execDir
		cmd.Stdin = strings.NewReader(prompt)
		out, cmdErr := cmd.CombinedOutput()
		output = out
		runErr = cmdErr
		return cmdErr
	})
	if err != nil {
		msg := err.Error()
		if runErr != nil {
			msg = fmt.Sprintf("%v: %s", runErr, truncate(string(output), 4096))
		}
		return &model.OutcomeDoc{Status: model.OutcomeFailed, Error: msg}, nil
	}

	ref := model.Custom("agent_transcript", rc.job.JobID)
	if err := rc.deps.Artifacts.WriteMarker(rc.job.JobID, ref.TypeID, ref.Key); err != nil {
		return nil, fmt.Errorf("agent.invoke: write marker: %w", err)
	}
	if err := rc.deps.Artifacts.WritePayload(rc.job.JobID, ref.TypeID, ref.Key, map[string]any{"output": string(output)}); err != nil {
		return nil, fmt.Errorf("agent.invoke: write payload: %w", err)
	}

	return &model.OutcomeDoc{
		Status:            model.OutcomeSucceeded,
		ProducedArtifacts: []model.ArtifactRef{ref},
	}, nil
}
