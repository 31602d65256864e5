package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireWritesPID(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "test.lock")
	l, err := tryAcquire(lockPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Release() })

	b, err := os.ReadFile(lockPath)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.Equal(t, lockPath, l.Path())
}

func TestSecondAcquireFails(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "test.lock")
	l, err := tryAcquire(lockPath)
	require.NoError(t, err)
	defer l.Release()

	_, err = tryAcquire(lockPath)
	require.Error(t, err)
}

func TestReacquireAfterRelease(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "test.lock")
	l, err := Acquire(lockPath)
	require.NoError(t, err)
	require.NoError(t, l.Release())

	l2, err := Acquire(lockPath)
	require.NoError(t, err)
	require.NoError(t, l2.Release())

	// releasing twice is harmless
	require.NoError(t, l2.Release())
}

func TestDefaultPathEnvOverride(t *testing.T) {
	custom := filepath.Join(t.TempDir(), "custom.lock")
	t.Setenv("APP_LOCK_FILE", custom)
	assert.Equal(t, custom, DefaultPath())

	t.Setenv("APP_LOCK_FILE", "")
	p := DefaultPath()
	assert.True(t, strings.HasSuffix(p, DefaultFileName), fmt.Sprintf("unexpected path %s", p))
}
