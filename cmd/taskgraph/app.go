package main

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/taskgraph/taskgraph/internal/artifact"
	"github.com/taskgraph/taskgraph/internal/config"
	"github.com/taskgraph/taskgraph/internal/jobstore"
	"github.com/taskgraph/taskgraph/internal/logx"
	"github.com/taskgraph/taskgraph/internal/retryengine"
	"github.com/taskgraph/taskgraph/internal/scheduler"
	"github.com/taskgraph/taskgraph/internal/vcs"
)

// app wires one repository's C2-C7 facades, built fresh per invocation
// since taskgraph has no resident daemon process (spec.md §9: no
// singleton).
type app struct {
	repoRoot  string
	cfg       *config.Config
	log       logx.Logger
	repo      *vcs.Repo
	store     *jobstore.Store
	artifacts *artifact.Index
	sched     *scheduler.Scheduler
	retry     *retryengine.Engine
}

func newApp(repoPath string, level logx.LogLevel) (*app, error) {
	repo, err := vcs.DiscoverRepo(repoPath)
	if err != nil {
		return nil, fmt.Errorf("discover repository at %s: %w", repoPath, err)
	}
	cfg, err := config.Load(repo.Path())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logx.NewLogger(logx.ConfigWithLevel(level))
	fs := afero.NewOsFs()
	store := jobstore.New(fs, repo.Path(), cfg.SchedulerDir)
	store.SetCacheSize(cfg.JobCacheSize)
	idx := artifact.New(fs, repo.Path(), cfg.SchedulerDir, cfg.PlansDir, cfg.TmpDir, repo, store)
	sched := scheduler.New(store, idx, repo, cfg, log)
	engine := retryengine.New(store, idx, repo, sched)

	return &app{
		repoRoot:  repo.Path(),
		cfg:       cfg,
		log:       log,
		repo:      repo,
		store:     store,
		artifacts: idx,
		sched:     sched,
		retry:     engine,
	}, nil
}

// repoFlagValue resolves the --repo flag against the current working
// directory when left empty.
func repoFlagValue(flag string) string {
	if flag != "" {
		return flag
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// logLevelFor reads --log-level directly off the command's merged flag
// set, the same Lookup-before-Get pattern the teacher's root.go uses for
// --config (cli/root.go's resolveConfigFile). Absent or unrecognized
// values fall back to info.
func logLevelFor(cmd *cobra.Command) logx.LogLevel {
	var flag *pflag.Flag
	if flag = cmd.Flags().Lookup("log-level"); flag == nil {
		return logx.InfoLevel
	}
	switch logx.LogLevel(flag.Value.String()) {
	case logx.DebugLevel, logx.InfoLevel, logx.WarnLevel, logx.ErrorLevel, logx.DisabledLevel:
		return logx.LogLevel(flag.Value.String())
	default:
		return logx.InfoLevel
	}
}
