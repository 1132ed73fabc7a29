package lockfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryLockSucceedsThenBlocksSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.lock")

	first := New(path)
	ok, err := first.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	defer first.Unlock()

	second := New(path)
	ok, err = second.TryLock(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "a second process must not acquire the same lock file")
}

func TestUnlockReleasesForNextHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.lock")

	first := New(path)
	ok, err := first.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, first.Unlock())

	second := New(path)
	ok, err = second.TryLock(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	_ = second.Unlock()
}

func TestTryLockWritesHolderInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.lock")
	l := New(path)
	ok, err := l.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	defer l.Unlock()

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "pid=")
}
