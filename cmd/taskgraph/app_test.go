package main

import (
	"os"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"

	"github.com/taskgraph/taskgraph/internal/logx"
)

func TestRepoFlagValue(t *testing.T) {
	t.Run("Should pass through an explicit flag value", func(t *testing.T) {
		assert.Equal(t, "/some/repo", repoFlagValue("/some/repo"))
	})
	t.Run("Should fall back to the working directory when empty", func(t *testing.T) {
		wd, err := os.Getwd()
		assert.NoError(t, err)
		assert.Equal(t, wd, repoFlagValue(""))
	})
}

func TestLogLevelFor(t *testing.T) {
	newCmd := func(value string) *cobra.Command {
		cmd := &cobra.Command{}
		cmd.Flags().String("log-level", "info", "")
		if value != "" {
			_ = cmd.Flags().Set("log-level", value)
		}
		return cmd
	}

	t.Run("Should pass through a recognized level", func(t *testing.T) {
		assert.Equal(t, logx.DebugLevel, logLevelFor(newCmd("debug")))
	})
	t.Run("Should fall back to info for an unrecognized value", func(t *testing.T) {
		assert.Equal(t, logx.InfoLevel, logLevelFor(newCmd("bogus")))
	})
	t.Run("Should fall back to info when the flag is absent", func(t *testing.T) {
		assert.Equal(t, logx.InfoLevel, logLevelFor(&cobra.Command{}))
	})
}
