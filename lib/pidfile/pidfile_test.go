package pidfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "task.pid")

	require.NoError(t, Write(path, 4242))
	pid, err := Read(path)
	require.NoError(t, err)
	require.Equal(t, 4242, pid)

	require.NoError(t, Remove(path))
	require.NoError(t, Remove(path))
	_, err = Read(path)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestReadGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task.pid")
	require.NoError(t, os.WriteFile(path, []byte("nope"), 0644))
	_, err := Read(path)
	require.Error(t, err)
}

func TestAlive(t *testing.T) {
	require.True(t, Alive(os.Getpid()))
	require.False(t, Alive(1<<22+17))
}

func TestAcquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bibsched.pid")

	release, err := Acquire(path)
	require.NoError(t, err)

	// our own pid does not block a second acquire
	_, err = Acquire(path)
	require.NoError(t, err)

	// pid 1 is always alive
	require.NoError(t, Write(path, 1))
	_, err = Acquire(path)
	require.ErrorIs(t, err, ErrRunning)

	require.NoError(t, Write(path, os.Getpid()))
	require.NoError(t, release())
	_, err = os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist)
}
