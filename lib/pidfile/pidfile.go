// Package pidfile reads and writes the pid files shared by the daemon, the
// task processes and the operator tools.
package pidfile

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

var ErrRunning = xerrors.New("process already running")

// Write atomically replaces path with pid.
func Write(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return xerrors.Errorf("creating pid dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return xerrors.Errorf("writing pid file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return xerrors.Errorf("moving pid file in place: %w", err)
	}
	return nil
}

func Read(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, xerrors.Errorf("bad pid file %s: %q", path, b)
	}
	return pid, nil
}

// Remove deletes path, ignoring a missing file.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Alive reports whether a process with this pid exists.
func Alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Acquire writes our pid to path unless another live process holds it.
// The returned func removes the file.
func Acquire(path string) (func() error, error) {
	if pid, err := Read(path); err == nil && pid != os.Getpid() && Alive(pid) {
		return nil, xerrors.Errorf("%s (pid %d): %w", path, pid, ErrRunning)
	}
	if err := Write(path, os.Getpid()); err != nil {
		return nil, err
	}
	return func() error { return Remove(path) }, nil
}
