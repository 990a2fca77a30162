package schtypes

import (
	"sort"

	"github.com/samber/lo"
	"golang.org/x/xerrors"
)

type GCPolicy int

const (
	GCKeep GCPolicy = iota
	GCRemove
	GCArchive
)

func ParseGCPolicy(s string) (GCPolicy, error) {
	switch s {
	case "", "keep":
		return GCKeep, nil
	case "remove":
		return GCRemove, nil
	case "archive":
		return GCArchive, nil
	default:
		return GCKeep, xerrors.Errorf("unknown gc policy %q", s)
	}
}

func (p GCPolicy) String() string {
	switch p {
	case GCRemove:
		return "remove"
	case GCArchive:
		return "archive"
	default:
		return "keep"
	}
}

// FamilyConfig holds the static scheduling properties of one task family.
type FamilyConfig struct {
	// FixedTime tasks do not count against the concurrency ceiling.
	FixedTime bool
	// Monotask tasks run alone, with nothing else active on any host.
	Monotask bool
	// Serial families run one instance at a time across all hosts, oldest first.
	Serial bool
	// AllowedHosts restricts which daemons may start the family. Empty means all.
	AllowedHosts []string
	GC           GCPolicy
}

// Registry resolves family properties. It is built once at startup and read-only afterwards.
type Registry struct {
	families      map[string]FamilyConfig
	onlyKnown     bool
	incompatible  []map[string]struct{}
	nonConcurrent []map[string]struct{}
}

// NewRegistry builds a registry. Members of an incompatible group are unsafe
// together; members of a non-concurrent group only make each other sleep.
// Group members are families or full procs.
func NewRegistry(families map[string]FamilyConfig, onlyKnown bool, incompatible, nonConcurrent [][]string) *Registry {
	r := &Registry{
		families:      make(map[string]FamilyConfig, len(families)),
		onlyKnown:     onlyKnown,
		incompatible:  toSets(incompatible),
		nonConcurrent: toSets(nonConcurrent),
	}
	for name, fc := range families {
		r.families[name] = fc
	}
	return r
}

func toSets(groups [][]string) []map[string]struct{} {
	return lo.Map(groups, func(group []string, _ int) map[string]struct{} {
		return lo.SliceToMap(group, func(name string) (string, struct{}) {
			return name, struct{}{}
		})
	})
}

func (r *Registry) Lookup(family string) (FamilyConfig, bool) {
	fc, ok := r.families[family]
	return fc, ok
}

// Families returns the configured family names, sorted.
func (r *Registry) Families() []string {
	out := make([]string, 0, len(r.families))
	for name := range r.families {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Allowed reports whether host may start t.
func (r *Registry) Allowed(t Task, host string) bool {
	fc, ok := r.families[t.Family()]
	if !ok {
		return !r.onlyKnown
	}
	return len(fc.AllowedHosts) == 0 || lo.Contains(fc.AllowedHosts, host)
}

func (r *Registry) IsMonotask(t Task) bool {
	return r.families[t.Family()].Monotask
}

func (r *Registry) IsFixedTime(t Task) bool {
	return r.families[t.Family()].FixedTime
}

func (r *Registry) IsSerial(t Task) bool {
	return r.families[t.Family()].Serial
}

// Unsafe reports whether a and b must not be active at the same time.
// Identical procs always conflict, members of a serial family conflict with
// each other, and so do members of one incompatibility group (matched by
// proc or family).
func (r *Registry) Unsafe(a, b Task) bool {
	if a.ID == b.ID {
		return false
	}
	if a.Proc == b.Proc {
		return true
	}
	if a.Family() == b.Family() && r.IsSerial(a) {
		return true
	}
	for _, group := range r.incompatible {
		if inGroup(group, a) && inGroup(group, b) {
			return true
		}
	}
	return false
}

// NonConcurrent reports whether a and b share a non-concurrent group.
func (r *Registry) NonConcurrent(a, b Task) bool {
	if a.ID == b.ID {
		return false
	}
	for _, group := range r.nonConcurrent {
		if inGroup(group, a) && inGroup(group, b) {
			return true
		}
	}
	return false
}

func inGroup(group map[string]struct{}, t Task) bool {
	if _, ok := group[t.Proc]; ok {
		return true
	}
	_, ok := group[t.Family()]
	return ok
}

// GCFamilies returns the families whose policy is p, sorted.
func (r *Registry) GCFamilies(p GCPolicy) []string {
	var out []string
	for name, fc := range r.families {
		if fc.GC == p {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Registry) GCPolicy(family string) GCPolicy {
	return r.families[family].GC
}
