// Package config loads taskgraph's runtime configuration: repo-relative
// layout knobs, concurrency, and default retry/timeout budgets. It follows
// the teacher's koanf-based layering (struct defaults -> env overrides).
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "TASKGRAPH_"

// Config is the scheduler's process-wide configuration. It is a plain
// value, not a singleton (spec.md §9: "there is no process-wide
// singleton") — callers construct one and pass it through explicitly.
type Config struct {
	// SchedulerDir is the job-store directory name relative to repo root.
	SchedulerDir string `koanf:"scheduler_dir"`
	// TmpDir is the ephemeral-worktree root, relocatable via
	// TASKGRAPH_TMP_DIR as long as the result stays inside the repo.
	TmpDir string `koanf:"tmp_dir"`
	// PlansDir is where plan documents live on their branch.
	PlansDir string `koanf:"plans_dir"`
	// MaxConcurrentJobs bounds how many node-runtime children may be running
	// at once: a tick spawns only up to this limit minus the jobs already
	// running.
	MaxConcurrentJobs int `koanf:"max_concurrent_jobs"`
	// JobCacheSize bounds the job store's in-memory LRU of recently-read
	// JobRecords, avoiding a re-parse of job.json across the two ListJobs
	// passes (pre- and post-finalize) a single tick makes.
	JobCacheSize int `koanf:"job_cache_size"`
	// AgentTimeout bounds a single agent.invoke child (§5: 12h default).
	AgentTimeout time.Duration `koanf:"agent_timeout"`
	// AgentSearchPaths are directories searched, in order, for agent
	// selector wrapper scripts (§6: repo-local agents/ then installed
	// share dir).
	AgentSearchPaths []string `koanf:"agent_search_paths"`
	// DefaultGateMaxAttempts is the retry budget for gate.cicd when a
	// template doesn't declare its own.
	DefaultGateMaxAttempts uint64 `koanf:"default_gate_max_attempts"`
	// CommitAuthorName/Email identify the scheduler's own commits (plan
	// persistence, integration merges) when no per-run identity override
	// is supplied.
	CommitAuthorName  string `koanf:"commit_author_name"`
	CommitAuthorEmail string `koanf:"commit_author_email"`
}

func Defaults() *Config {
	return &Config{
		SchedulerDir:           ".taskgraph",
		TmpDir:                 ".taskgraph/tmp",
		PlansDir:               "plans",
		MaxConcurrentJobs:      4,
		JobCacheSize:           512,
		AgentTimeout:           12 * time.Hour,
		AgentSearchPaths:       []string{"agents"},
		DefaultGateMaxAttempts: 3,
		CommitAuthorName:       "taskgraph",
		CommitAuthorEmail:      "taskgraph@localhost",
	}
}

// Load builds a Config from built-in defaults overridden by a repo-local
// .env file (if present) and TASKGRAPH_-prefixed environment variables.
func Load(repoRoot string) (*Config, error) {
	envFile := filepath.Join(repoRoot, ".env")
	_ = godotenv.Load(envFile) // best effort; absent .env is not an error

	k := koanf.New(".")
	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}
	if err := k.Load(env.Provider(".", env.Opt{Prefix: envPrefix, TransformFunc: func(key, value string) (string, any) {
		trimmed := strings.ToLower(key[len(envPrefix):])
		return trimmed, value
	}}), nil); err != nil {
		return nil, fmt.Errorf("load config env overrides: %w", err)
	}

	cfg := Defaults()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, validate(repoRoot, cfg)
}

func validate(repoRoot string, cfg *Config) error {
	abs := filepath.Join(repoRoot, cfg.TmpDir)
	rel, err := filepath.Rel(repoRoot, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("tmp_dir %q escapes repo root", cfg.TmpDir)
	}
	if cfg.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("max_concurrent_jobs must be positive, got %d", cfg.MaxConcurrentJobs)
	}
	return nil
}
