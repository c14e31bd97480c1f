package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, ".taskgraph", cfg.SchedulerDir)
	assert.Equal(t, 4, cfg.MaxConcurrentJobs)
	assert.Equal(t, 512, cfg.JobCacheSize)
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TASKGRAPH_MAX_CONCURRENT_JOBS", "8")
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.MaxConcurrentJobs)
}

func TestValidateRejectsEscapingTmpDir(t *testing.T) {
	dir := t.TempDir()
	cfg := Defaults()
	cfg.TmpDir = "../outside"
	err := validate(dir, cfg)
	assert.Error(t, err)
}
