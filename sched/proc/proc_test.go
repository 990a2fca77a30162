package proc

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inveniosoftware/bibsched/sched/schtypes"
)

func newLauncher(t *testing.T, scripts map[string]string) *Launcher {
	dir := t.TempDir()
	bin := filepath.Join(dir, "bin")
	require.NoError(t, os.MkdirAll(bin, 0755))
	for name, body := range scripts {
		require.NoError(t, os.WriteFile(filepath.Join(bin, name), []byte("#!/bin/sh\n"+body), 0755))
	}

	l, err := New(Config{
		BinDir: bin,
		RunDir: filepath.Join(dir, "run"),
		LogDir: filepath.Join(dir, "log"),
	})
	require.NoError(t, err)
	return l
}

func TestStartWaitCapturesOutput(t *testing.T) {
	l := newLauncher(t, map[string]string{
		"bibindex": `echo "indexing task $1"` + "\n",
	})

	err := l.Start(context.Background(), schtypes.Task{ID: 7, Proc: "bibindex:fast"}, true)
	require.NoError(t, err)

	out, err := os.ReadFile(l.LogPath(7))
	require.NoError(t, err)
	require.Equal(t, "indexing task 7\n", string(out))
}

func TestStartMissingExecutable(t *testing.T) {
	l := newLauncher(t, nil)
	err := l.Start(context.Background(), schtypes.Task{ID: 1, Proc: "nope"}, false)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestSignalAndAlive(t *testing.T) {
	l := newLauncher(t, map[string]string{
		"bibrank": `echo $$ > "$BIBSCHED_RUN_DIR/bibsched_task_$1.pid"` + "\nexec sleep 30\n",
	})
	task := schtypes.Task{ID: 3, Proc: "bibrank"}

	require.False(t, l.Alive(task))
	require.Error(t, l.Signal(task, syscall.SIGCONT))

	require.NoError(t, l.Start(context.Background(), task, false))
	require.Eventually(t, func() bool { return l.Alive(task) }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, l.Signal(task, syscall.SIGKILL))
	l.Wait()
	require.False(t, l.Alive(task))
}
