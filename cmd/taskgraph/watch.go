package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/taskgraph/taskgraph/internal/logx"
)

const watchDebounce = 200 * time.Millisecond

// newWatchCommand implements the daemon tick mode supplemented feature:
// a long-running process that drives scheduler ticks off two triggers —
// filesystem change notifications for the scheduler directory and a
// periodic cron fallback. The watch is not recursive: only entries directly
// inside the scheduler directory (such as a new job directory) trigger a
// tick, while files written inside a job's own directory (job.json,
// outcome.json) do not, and are picked up by the cron tick.
func newWatchCommand(repoFlag *string) *cobra.Command {
	var cronSpec string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run a daemon loop driving scheduler ticks on change and on a schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, _ := cmd.Flags().GetString("repo")
			return runWatch(repoFlagValue(repo), logLevelFor(cmd), cronSpec)
		},
	}
	cmd.Flags().StringVar(&cronSpec, "cron", "@every 1m", "fallback tick schedule (robfig/cron spec)")
	return cmd
}

func runWatch(repoPath string, level logx.LogLevel, cronSpec string) error {
	app, err := newApp(repoPath, level)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer watcher.Close()

	watchDir := filepath.Join(app.repoRoot, app.cfg.SchedulerDir)
	if err := watcher.Add(watchDir); err != nil {
		return fmt.Errorf("watch %s: %w", watchDir, err)
	}

	tickCh := make(chan struct{}, 1)
	requestTick := func() {
		select {
		case tickCh <- struct{}{}:
		default:
		}
	}

	sched := cron.New()
	if _, err := sched.AddFunc(cronSpec, requestTick); err != nil {
		return fmt.Errorf("invalid --cron spec %q: %w", cronSpec, err)
	}
	sched.Start()
	defer sched.Stop()

	var mu sync.Mutex
	var debounceTimer *time.Timer
	debouncedTick := func() {
		mu.Lock()
		defer mu.Unlock()
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		debounceTimer = time.AfterFunc(watchDebounce, requestTick)
	}

	requestTick()
	app.log.Info("watch started", "scheduler_dir", watchDir, "cron", cronSpec)
	for {
		select {
		case <-ctx.Done():
			app.log.Info("watch stopping")
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) {
				debouncedTick()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			app.log.Warn("watcher error", "error", err)
		case <-tickCh:
			report, err := app.sched.Tick(ctx, time.Now())
			if err != nil {
				app.log.Error("tick failed", "error", err)
				continue
			}
			if len(report.Spawned) > 0 || len(report.Finalized) > 0 {
				app.log.Info("tick", "spawned", len(report.Spawned), "finalized", len(report.Finalized))
			}
		}
	}
}
