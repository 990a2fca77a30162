// Package proc spawns task executables as detached processes and signals
// them through their pid files.
package proc

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/inveniosoftware/bibsched/lib/pidfile"
	"github.com/inveniosoftware/bibsched/sched/schtypes"
)

var log = logging.Logger("proc")

// EnvRunDir tells a spawned task where to write its pid file.
const EnvRunDir = "BIBSCHED_RUN_DIR"

type Config struct {
	BinDir string
	RunDir string
	LogDir string
}

// Launcher runs `<BinDir>/<family> <id>` in its own session so tasks
// survive a daemon restart.
type Launcher struct {
	cfg Config
	wg  sync.WaitGroup
}

func New(cfg Config) (*Launcher, error) {
	for _, dir := range []string{cfg.RunDir, cfg.LogDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, xerrors.Errorf("creating %s: %w", dir, err)
		}
	}
	return &Launcher{cfg: cfg}, nil
}

func PidPath(runDir string, id schtypes.TaskID) string {
	return filepath.Join(runDir, fmt.Sprintf("bibsched_task_%d.pid", id))
}

func (l *Launcher) PidPath(id schtypes.TaskID) string {
	return PidPath(l.cfg.RunDir, id)
}

func (l *Launcher) LogPath(id schtypes.TaskID) string {
	return filepath.Join(l.cfg.LogDir, fmt.Sprintf("bibsched_task_%d.log", id))
}

func (l *Launcher) Start(ctx context.Context, t schtypes.Task, wait bool) error {
	exe := filepath.Join(l.cfg.BinDir, t.Family())
	if _, err := os.Stat(exe); err != nil {
		return xerrors.Errorf("task executable: %w", err)
	}

	out, err := os.OpenFile(l.LogPath(t.ID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return xerrors.Errorf("opening task log: %w", err)
	}

	cmd := exec.Command(exe, strconv.FormatInt(int64(t.ID), 10))
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = append(os.Environ(), EnvRunDir+"="+l.cfg.RunDir)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		_ = out.Close()
		return xerrors.Errorf("starting %s: %w", exe, err)
	}
	log.Infow("spawned task", "task", t.ID, "proc", t.Proc, "pid", cmd.Process.Pid, "wait", wait)

	if wait {
		defer out.Close() //nolint:errcheck
		if err := cmd.Wait(); err != nil {
			log.Warnw("task exited with an error", "task", t.ID, "error", err)
		}
		return nil
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer out.Close() //nolint:errcheck
		if err := cmd.Wait(); err != nil {
			log.Warnw("task exited with an error", "task", t.ID, "error", err)
			return
		}
		log.Debugw("task exited", "task", t.ID)
	}()
	return nil
}

func (l *Launcher) Signal(t schtypes.Task, sig syscall.Signal) error {
	pid, err := pidfile.Read(l.PidPath(t.ID))
	if err != nil {
		return xerrors.Errorf("reading pid of task %d: %w", t.ID, err)
	}
	if err := unix.Kill(pid, sig); err != nil {
		return xerrors.Errorf("kill %d: %w", pid, err)
	}
	return nil
}

func (l *Launcher) Alive(t schtypes.Task) bool {
	pid, err := pidfile.Read(l.PidPath(t.ID))
	if err != nil {
		return false
	}
	return pidfile.Alive(pid)
}

// Wait blocks until every asynchronously started child has been reaped.
func (l *Launcher) Wait() {
	l.wg.Wait()
}
