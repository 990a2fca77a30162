package config

import (
	"bytes"
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"github.com/mitchellh/go-homedir"
	"golang.org/x/xerrors"
)

// EnvPrefix is the prefix of environment overrides, e.g. BIBSCHED_SCHEDULER_MAXCONCURRENTTASKS.
const EnvPrefix = "BIBSCHED"

// FromFile loads config from a specified file overriding defaults specified in
// the def parameter. If file does not exist or is empty defaults are assumed.
func FromFile(path string, def *BibSched) (*BibSched, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, xerrors.Errorf("expanding config path: %w", err)
	}

	file, err := os.Open(path)
	switch {
	case os.IsNotExist(err):
		return FromReader(bytes.NewReader(nil), def)
	case err != nil:
		return nil, err
	}

	defer file.Close() //nolint:errcheck // The file is RO
	return FromReader(file, def)
}

// FromReader loads config from a reader instance, then applies environment
// overrides.
func FromReader(reader io.Reader, def *BibSched) (*BibSched, error) {
	cfg := *def
	cfg.Families = make(map[string]Family, len(def.Families))
	for name, fam := range def.Families {
		cfg.Families[name] = fam
	}

	md, err := toml.NewDecoder(reader).Decode(&cfg)
	if err != nil {
		return nil, xerrors.Errorf("decoding config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, xerrors.Errorf("unknown config keys: %v", undecoded)
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, xerrors.Errorf("processing env vars overrides: %s", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *BibSched) expandPaths() error {
	for _, p := range []*string{
		&c.Scheduler.BinDir,
		&c.Scheduler.RunDir,
		&c.Scheduler.LogDir,
		&c.Store.SQLitePath,
		&c.Journal.Path,
	} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return xerrors.Errorf("expanding %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Hostname returns the configured identity of this daemon, falling back to
// the OS hostname.
func (c *BibSched) Hostname() (string, error) {
	if c.Scheduler.Hostname != "" {
		return c.Scheduler.Hostname, nil
	}
	return os.Hostname()
}

// ConfigComment renders cfg as TOML.
func ConfigComment(cfg *BibSched) ([]byte, error) {
	var buf bytes.Buffer
	_, _ = buf.WriteString("# Default config:\n")
	e := toml.NewEncoder(&buf)
	e.Indent = ""
	if err := e.Encode(cfg); err != nil {
		return nil, xerrors.Errorf("encoding config: %w", err)
	}
	return buf.Bytes(), nil
}
