package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskgraph/taskgraph/internal/logx"
)

func newTickCommand(jsonFlag *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduler tick",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTick(repoFlagFor(cmd), logLevelFor(cmd), *jsonFlag)
		},
	}
}

func runTick(repoPath string, level logx.LogLevel, jsonOut bool) error {
	app, err := newApp(repoPath, level)
	if err != nil {
		renderOutcome("", "failed", exitInvalidInput, err.Error(), jsonOut)
		return err
	}
	report, err := app.sched.Tick(context.Background(), time.Now())
	if err != nil {
		renderOutcome("", "failed", exitInternalError, err.Error(), jsonOut)
		return err
	}
	detail := fmt.Sprintf("spawned %d, finalized %d", len(report.Spawned), len(report.Finalized))
	code := exitSuccess
	if len(report.Spawned) == 0 && len(report.Finalized) == 0 {
		code = exitNoChanges
	}
	renderOutcome("", "succeeded", code, detail, jsonOut)
	return nil
}
