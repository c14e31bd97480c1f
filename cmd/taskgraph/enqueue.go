package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskgraph/taskgraph/internal/ids"
	"github.com/taskgraph/taskgraph/internal/logx"
	"github.com/taskgraph/taskgraph/internal/template"
)

func newEnqueueCommand(jsonFlag *bool) *cobra.Command {
	var paramsJSON string
	var templatePath string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Compile a workflow template and queue its jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(repoFlagFor(cmd), logLevelFor(cmd), *jsonFlag, templatePath, paramsJSON)
		},
	}
	cmd.Flags().StringVar(&templatePath, "template", "", "path to a workflow template YAML file")
	cmd.Flags().StringVar(&paramsJSON, "params", "{}", "JSON object of template params")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

// repoFlagFor reads --repo off the persistent flag set bound at root
// construction time; cobra resolves it regardless of where in the tree
// the subcommand lives.
func repoFlagFor(cmd *cobra.Command) string {
	v, _ := cmd.Flags().GetString("repo")
	return repoFlagValue(v)
}

func runEnqueue(repoPath string, level logx.LogLevel, jsonOut bool, templatePath, paramsJSON string) error {
	app, err := newApp(repoPath, level)
	if err != nil {
		renderOutcome("", "failed", exitInvalidInput, err.Error(), jsonOut)
		return err
	}

	data, err := os.ReadFile(templatePath)
	if err != nil {
		renderOutcome("", "failed", exitInvalidInput, err.Error(), jsonOut)
		return err
	}
	doc, err := template.Parse(data)
	if err != nil {
		renderOutcome("", "failed", exitInvalidInput, err.Error(), jsonOut)
		return err
	}

	var params map[string]any
	if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
		err = fmt.Errorf("--params is not valid JSON: %w", err)
		renderOutcome("", "failed", exitInvalidInput, err.Error(), jsonOut)
		return err
	}

	runID := ids.MustNewRunID().String()
	result, err := template.Compile(doc, template.CompileOptions{
		RunID:         runID,
		Params:        params,
		Now:           time.Now(),
		NewJobID:      func() string { return ids.MustNewJobID().String() },
		ExecutionRoot: app.repoRoot,
	})
	if err != nil {
		renderOutcome("", "failed", exitInvalidInput, err.Error(), jsonOut)
		return err
	}

	if err := app.store.PutRunManifest(result.Manifest); err != nil {
		renderOutcome(runID, "failed", exitInternalError, err.Error(), jsonOut)
		return err
	}
	for _, job := range result.Jobs {
		if err := app.store.PutJob(job); err != nil {
			renderOutcome(runID, "failed", exitInternalError, err.Error(), jsonOut)
			return err
		}
	}

	report, err := app.sched.Tick(context.Background(), time.Now())
	if err != nil {
		renderOutcome(runID, "failed", exitInternalError, err.Error(), jsonOut)
		return err
	}

	detail := fmt.Sprintf("run %s queued %d job(s), spawned %d", runID, len(result.Jobs), len(report.Spawned))
	renderOutcome(runID, "succeeded", exitSuccess, detail, jsonOut)
	return nil
}
