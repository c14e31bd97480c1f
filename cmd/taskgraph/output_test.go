package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/taskgraph/taskgraph/internal/model"
)

func TestExitCodeForStatus(t *testing.T) {
	t.Run("Should map succeeded to exitSuccess", func(t *testing.T) {
		assert.Equal(t, exitSuccess, exitCodeForStatus(model.StatusSucceeded))
	})
	t.Run("Should map cancelled to exitCancelled", func(t *testing.T) {
		assert.Equal(t, exitCancelled, exitCodeForStatus(model.StatusCancelled))
	})
	t.Run("Should map blocked statuses to exitBlockedByGate", func(t *testing.T) {
		assert.Equal(t, exitBlockedByGate, exitCodeForStatus(model.StatusBlockedByApproval))
		assert.Equal(t, exitBlockedByGate, exitCodeForStatus(model.StatusBlockedByDependency))
	})
	t.Run("Should map failed to exitInternalError", func(t *testing.T) {
		assert.Equal(t, exitInternalError, exitCodeForStatus(model.StatusFailed))
	})
}

func TestExitCodeForError(t *testing.T) {
	t.Run("Should return success for nil error", func(t *testing.T) {
		assert.Equal(t, exitSuccess, exitCodeForError(nil))
	})
	t.Run("Should return invalid input for any non-nil error", func(t *testing.T) {
		assert.Equal(t, exitInvalidInput, exitCodeForError(assertErr{}))
	})
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
