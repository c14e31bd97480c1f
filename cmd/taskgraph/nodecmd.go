package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/taskgraph/taskgraph/internal/artifact"
	"github.com/taskgraph/taskgraph/internal/config"
	"github.com/taskgraph/taskgraph/internal/jobstore"
	"github.com/taskgraph/taskgraph/internal/logx"
	"github.com/taskgraph/taskgraph/internal/noderuntime"
	"github.com/taskgraph/taskgraph/internal/vcs"
)

// newWorkflowNodeCommand wires C6's hidden process entry (spec.md §6:
// "not exposed in help surfaces"). The scheduler's spawn path execs this
// exact subcommand with --job-id; nothing else invokes it directly.
func newWorkflowNodeCommand() *cobra.Command {
	var jobID string
	var repoPath string
	cmd := &cobra.Command{
		Use:    "__workflow-node",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflowNode(repoFlagValue(repoPath), logLevelFor(cmd), jobID)
		},
	}
	cmd.Flags().StringVar(&jobID, "job-id", "", "job id to execute")
	cmd.Flags().StringVar(&repoPath, "repo", "", "repository root (defaults to cwd)")
	_ = cmd.MarkFlagRequired("job-id")
	return cmd
}

// runWorkflowNode builds one process-local Deps and calls noderuntime.Run.
// A returned error here is an unexpected crash (spec.md §4.6): the
// caller's non-zero exit is what the scheduler treats as a crash rather
// than a routed outcome.
func runWorkflowNode(repoPath string, level logx.LogLevel, jobID string) error {
	repo, err := vcs.DiscoverRepo(repoPath)
	if err != nil {
		return fmt.Errorf("discover repository at %s: %w", repoPath, err)
	}
	cfg, err := config.Load(repo.Path())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	fs := afero.NewOsFs()
	store := jobstore.New(fs, repo.Path(), cfg.SchedulerDir)
	store.SetCacheSize(cfg.JobCacheSize)
	idx := artifact.New(fs, repo.Path(), cfg.SchedulerDir, cfg.PlansDir, cfg.TmpDir, repo, store)
	log := logx.NewLogger(logx.ConfigWithLevel(level))

	deps := noderuntime.Deps{Store: store, Artifacts: idx, Repo: repo, Config: cfg, Log: log}
	if err := noderuntime.Run(context.Background(), deps, jobID); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}
