package resources

import (
	"bytes"
	"context"
	"os/exec"
	"regexp"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pbnjay/memory"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/inveniosoftware/bibsched/build"
	"github.com/inveniosoftware/bibsched/sched/schtypes"
)

var LOOKS_DEAD_TIMEOUT = 10 * time.Minute // Time w/o minute heartbeats

// HostBook is the part of the task store that tracks scheduler daemons.
type HostBook interface {
	UpsertHost(ctx context.Context, h schtypes.Host) error
	HostHeartbeat(ctx context.Context, name, session string, at time.Time) error
	CleanupHosts(ctx context.Context, olderThan time.Time) (int, error)
}

type Resources struct {
	Cpu int
	Ram uint64
}

type Reg struct {
	Resources
	Host     schtypes.Host
	shutdown atomic.Bool
}

var logger = logging.Logger("resources")

var daemonRE = regexp.MustCompile(`bibsched\s+(run|daemon)`)

// Register records this daemon in the host table and keeps its last_contact
// fresh every heartbeat until Shutdown.
func Register(ctx context.Context, book HostBook, hostname string, heartbeat time.Duration) (*Reg, error) {
	var reg Reg
	var err error
	reg.Resources, err = getResources()
	if err != nil {
		return nil, err
	}

	now := build.Clock.Now()
	reg.Host = schtypes.Host{
		Name:        hostname,
		Session:     uuid.New().String(),
		CPU:         reg.Cpu,
		RAM:         reg.Ram,
		Version:     build.UserVersion(),
		Started:     now,
		LastContact: now,
	}
	if err := book.UpsertHost(ctx, reg.Host); err != nil {
		return nil, xerrors.Errorf("could not register host %s: %w", hostname, err)
	}

	cleaned := CleanupHosts(ctx, book)
	logger.Infow("Cleaned up hosts", "count", cleaned)

	t := build.Clock.Ticker(heartbeat)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			if reg.shutdown.Load() {
				return
			}
			err := book.HostHeartbeat(ctx, reg.Host.Name, reg.Host.Session, build.Clock.Now())
			if err != nil {
				logger.Error("Cannot keepalive ", err)
			}
		}
	}()

	return &reg, nil
}

func CleanupHosts(ctx context.Context, book HostBook) int {
	ct, err := book.CleanupHosts(ctx, build.Clock.Now().Add(-1*LOOKS_DEAD_TIMEOUT))
	if err != nil {
		logger.Warn("unable to delete old hosts: ", err)
	}
	return ct
}

func (res *Reg) Shutdown() {
	res.shutdown.Store(true)
}

func getResources() (res Resources, err error) {
	b, err := exec.Command(`ps`, `-ef`).CombinedOutput()
	if err != nil {
		logger.Warn("Could not safety check for 2+ processes: ", err)
	} else {
		found := 0
		for _, b := range bytes.Split(b, []byte("\n")) {
			if daemonRE.Match(b) {
				found++
			}
		}
		if found > 1 {
			logger.Warn("another bibsched daemon seems to run on this machine; both will claim tasks under the same host name")
		}
	}

	res = Resources{
		Cpu: runtime.NumCPU(),
		Ram: memory.TotalMemory(),
	}

	return res, nil
}

func DiskFree(path string) (uint64, error) {
	s := unix.Statfs_t{}
	err := unix.Statfs(path, &s)
	if err != nil {
		return 0, err
	}

	return s.Bfree * uint64(s.Bsize), nil
}
