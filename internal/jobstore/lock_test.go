package jobstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickLockExclusiveExcludesSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler.lock")
	a := NewTickLock(path)
	b := NewTickLock(path)

	unlock, err := a.LockExclusive(context.Background())
	require.NoError(t, err)

	_, ok, err := b.TryLockExclusive()
	require.NoError(t, err)
	assert.False(t, ok, "a second exclusive acquire must not succeed while the first is held")

	unlock()

	unlock2, ok, err := b.TryLockExclusive()
	require.NoError(t, err)
	assert.True(t, ok)
	unlock2()
}
