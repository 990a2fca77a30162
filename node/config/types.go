package config

// BibSched is the daemon and operator-tool configuration.
type BibSched struct {
	Scheduler SchedulerConfig
	Store     StoreConfig
	HarmonyDB HarmonyDB
	GC        GCConfig
	Hosts     HostsConfig
	Journal   JournalConfig
	Metrics   MetricsConfig

	// Families maps a task family (the part of proc before ':') to its
	// scheduling properties.
	Families map[string]Family `ignored:"true"`
}

type SchedulerConfig struct {
	// Hostname identifies this daemon in the task table. Blank for os.Hostname().
	Hostname string

	// RefreshInterval is how long the loop sleeps when a cycle changed nothing.
	RefreshInterval Duration

	// MaxConcurrentTasks is the per-host ceiling of active tasks. Fixed-time
	// families are not counted against it.
	MaxConcurrentTasks int

	// PriorityFloor: tasks with a priority strictly below it are never started automatically.
	PriorityFloor int

	// StopPriority is the minimum priority a task needs to ask an incompatible
	// lower priority task to stop.
	StopPriority int

	// LaunchPollAttempts and LaunchPollInterval bound the wait for a freshly
	// spawned task to leave SCHEDULED.
	LaunchPollAttempts int
	LaunchPollInterval Duration

	// ResumeAckTimeout bounds the wait for a woken task to leave CONTINUING
	// before it is asked to stop.
	ResumeAckTimeout Duration

	// CrashCheckEvery runs the dead-process check every N cycles. 0 disables the check.
	CrashCheckEvery int

	// OnlyKnownFamilies refuses to start tasks whose family is not listed in Families.
	OnlyKnownFamilies bool

	// IncompatibleGroups lists sets of families (or full procs) that must never
	// run at the same time as each other.
	IncompatibleGroups [][]string `ignored:"true"`
	// NonConcurrentGroups lists sets of families (or full procs) that may not
	// run together. A starting member puts lower priority members to sleep.
	NonConcurrentGroups [][]string `ignored:"true"`

	// BinDir holds one executable per task family.
	BinDir string
	// RunDir holds the task and daemon pid files.
	RunDir string
	// LogDir receives the stdout/stderr of every spawned task.
	LogDir string
}

type StoreConfig struct {
	// Driver is one of "harmonydb", "sqlite" or "memory".
	Driver string

	// SQLitePath is used when Driver is "sqlite".
	SQLitePath string
}

// HarmonyDB is the connection information for the shared Postgres/YugabyteDB cluster.
type HarmonyDB struct {
	// HOSTS is a list of hostnames to nodes running YugabyteDB
	// in a cluster. Only 1 is required
	Hosts []string

	// The Yugabyte server's username with full credentials to operate on the task tables. Blank for default.
	Username string

	// The password for the related username. Blank for default.
	Password string

	// The database (logical partition) within Yugabyte. Blank for default.
	Database string

	// The port to find Yugabyte. Blank for default.
	Port string
}

type GCConfig struct {
	// OlderThan is the retention window measured against a task's runtime.
	OlderThan Duration

	// Interval runs GC from the daemon periodically. 0 disables it.
	Interval Duration

	// Statuses collected when none are given explicitly.
	Statuses []string
}

type HostsConfig struct {
	HeartbeatInterval Duration
	LooksDeadTimeout  Duration
}

type JournalConfig struct {
	// Path is the directory under which the journal/ directory is created.
	Path string

	// Events of the form: "system1:event1,system1:event2[,...]"
	DisabledEvents string
}

type MetricsConfig struct {
	// ListenAddress serves /metrics when non-empty, e.g. "127.0.0.1:9410".
	ListenAddress string
}

type Family struct {
	// FixedTime families are exempt from MaxConcurrentTasks.
	FixedTime bool

	// Monotask families only run when no other task is active on any host.
	Monotask bool

	// Serial families run strictly one at a time in submission order.
	Serial bool

	// AllowedHosts restricts the family to these hosts. Empty means any host.
	AllowedHosts []string

	// GC is one of "", "remove" or "archive".
	GC string
}
