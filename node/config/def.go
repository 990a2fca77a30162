package config

import (
	"encoding"
	"time"
)

const (
	StoreHarmonyDB = "harmonydb"
	StoreSQLite    = "sqlite"
	StoreMemory    = "memory"
)

func DefaultBibSched() *BibSched {
	return &BibSched{
		Scheduler: SchedulerConfig{
			RefreshInterval:    Duration(5 * time.Second),
			MaxConcurrentTasks: 1,
			PriorityFloor:      -10,
			StopPriority:       100,
			LaunchPollAttempts: 10,
			LaunchPollInterval: Duration(5 * time.Second),
			ResumeAckTimeout:   Duration(30 * time.Second),
			CrashCheckEvery:    50,

			BinDir: "/opt/invenio/bin",
			RunDir: "~/.bibsched/run",
			LogDir: "~/.bibsched/log",
		},
		Store: StoreConfig{
			Driver:     StoreHarmonyDB,
			SQLitePath: "~/.bibsched/bibsched.db",
		},
		HarmonyDB: HarmonyDB{
			Hosts:    []string{"127.0.0.1"},
			Username: "yugabyte",
			Password: "yugabyte",
			Database: "yugabyte",
			Port:     "5433",
		},
		GC: GCConfig{
			OlderThan: Duration(30 * 24 * time.Hour),
			Interval:  Duration(0),
			Statuses:  []string{"DONE"},
		},
		Hosts: HostsConfig{
			HeartbeatInterval: Duration(time.Minute),
			LooksDeadTimeout:  Duration(10 * time.Minute),
		},
		Journal: JournalConfig{
			Path: "~/.bibsched",
		},
		Families: map[string]Family{
			"bibupload":     {Serial: true, GC: "archive"},
			"bibindex":      {GC: "archive"},
			"bibreformat":   {GC: "archive"},
			"bibrank":       {GC: "archive"},
			"webcoll":       {GC: "remove"},
			"oairepository": {GC: "remove"},
			"oaiharvest":    {GC: "archive"},
			"dbdump":        {Monotask: true, GC: "archive"},
			"inveniogc":     {FixedTime: true, GC: "remove"},
		},
	}
}

var _ encoding.TextMarshaler = (*Duration)(nil)
var _ encoding.TextUnmarshaler = (*Duration)(nil)

// Duration is a wrapper type for time.Duration
// for decoding and encoding from/to TOML
type Duration time.Duration

// UnmarshalText implements interface for TOML decoding
func (dur *Duration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*dur = Duration(d)
	return err
}

func (dur Duration) MarshalText() ([]byte, error) {
	d := time.Duration(dur)
	return []byte(d.String()), nil
}
