// Package config loads the configuration of the sqlvfs runner from yaml or toml files.
package config

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-pkgz/fileutils"
	"github.com/go-pkgz/stringutils"
	"github.com/hashicorp/go-multierror"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// supported backends
const (
	BackendMem  = "memvfs"
	BackendSFTP = "sftp"
)

// Config defines the vfs backend, the database and the workload to run
type Config struct {
	VFS      string   `yaml:"vfs" toml:"vfs"`         // backend, memvfs or sftp
	Name     string   `yaml:"name" toml:"name"`       // registered vfs name, backend name if empty
	DB       string   `yaml:"db" toml:"db"`           // database file name
	Default  bool     `yaml:"default" toml:"default"` // register as the default vfs
	Pragmas  []string `yaml:"pragmas" toml:"pragmas"` // pragmas to run after the workload, like "hello_vfs=1"
	Workload Workload `yaml:"workload" toml:"workload"`
	SFTP     SFTP     `yaml:"sftp" toml:"sftp"`
}

// Workload defines the generated load
type Workload struct {
	Rows       int `yaml:"rows" toml:"rows"`             // rows to insert
	Concurrent int `yaml:"concurrent" toml:"concurrent"` // concurrent writers
}

// SFTP defines the remote host of the sftp backend
type SFTP struct {
	Host    string   `yaml:"host" toml:"host"` // host:port, port 22 if not set
	User    string   `yaml:"user" toml:"user"`
	Key     string   `yaml:"key" toml:"key"`   // private key file
	Root    string   `yaml:"root" toml:"root"` // remote directory for database files
	Timeout Duration `yaml:"timeout" toml:"timeout"`

	KnownHosts string `yaml:"known_hosts" toml:"known_hosts"` // host keys are not verified if empty
}

// Duration is a time.Duration read from strings like "10s"
type Duration time.Duration

// UnmarshalText parses the duration
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("can't parse duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats the duration
func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

// Default returns the configuration used without a config file
func Default() *Config {
	res := &Config{}
	res.setDefaults()
	return res
}

// Load reads the config file. The format is picked by extension, yaml for .yml, .yaml and no extension, toml for .toml.
// Unknown fields are errors. Missing values get defaults, the result is validated.
func Load(fname string) (*Config, error) {
	log.Printf("[DEBUG] load config %q", fname)
	if !fileutils.IsFile(fname) {
		return nil, fmt.Errorf("config file %q not found", fname)
	}
	data, err := os.ReadFile(fname) // nolint
	if err != nil {
		return nil, fmt.Errorf("can't read config %s: %w", fname, err)
	}

	res := &Config{}
	switch {
	case strings.HasSuffix(fname, ".yml") || strings.HasSuffix(fname, ".yaml") || !strings.Contains(fname, "."):
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true) // strict mode, fail on unknown fields
		if err = dec.Decode(res); err != nil {
			return nil, fmt.Errorf("can't unmarshal yaml config %s: %w", fname, err)
		}
	case strings.HasSuffix(fname, ".toml"):
		if err = toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields().Decode(res); err != nil {
			return nil, fmt.Errorf("can't unmarshal toml config %s: %w", fname, err)
		}
	default:
		return nil, fmt.Errorf("unknown config format %s", fname)
	}

	res.setDefaults()
	if err := res.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", fname, err)
	}
	return res, nil
}

func (c *Config) setDefaults() {
	if c.VFS == "" {
		c.VFS = BackendMem
	}
	if c.DB == "" {
		c.DB = "sqlvfs.db"
	}
	if c.Workload.Rows == 0 {
		c.Workload.Rows = 100
	}
	if c.Workload.Concurrent == 0 {
		c.Workload.Concurrent = 4
	}
	if c.SFTP.Root == "" {
		c.SFTP.Root = "/tmp"
	}
	if c.SFTP.Timeout == 0 {
		c.SFTP.Timeout = Duration(30 * time.Second)
	}
	c.Pragmas = c.cleanPragmas()
}

// cleanPragmas drops blank and repeated pragmas, order is kept
func (c *Config) cleanPragmas() []string {
	res := make([]string, 0, len(c.Pragmas))
	for _, p := range c.Pragmas {
		if stringutils.IsBlank(p) {
			continue
		}
		res = append(res, strings.TrimSpace(p))
	}
	return stringutils.DeDup(res)
}

// VFSName returns the name the backend is registered under
func (c *Config) VFSName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.VFS
}

// Validate checks the config, all problems are reported together
func (c *Config) Validate() error {
	errs := new(multierror.Error)
	switch c.VFS {
	case BackendMem:
	case BackendSFTP:
		if c.SFTP.Host == "" {
			errs = multierror.Append(errs, fmt.Errorf("sftp host is required"))
		}
		if c.SFTP.User == "" {
			errs = multierror.Append(errs, fmt.Errorf("sftp user is required"))
		}
		if c.SFTP.Key == "" {
			errs = multierror.Append(errs, fmt.Errorf("sftp key is required"))
		}
	default:
		errs = multierror.Append(errs, fmt.Errorf("unknown vfs %q, expected %s or %s", c.VFS, BackendMem, BackendSFTP))
	}
	if strings.ContainsAny(c.DB, "?#") {
		errs = multierror.Append(errs, fmt.Errorf("db name %q can't have query or fragment", c.DB))
	}
	if c.Workload.Rows < 0 {
		errs = multierror.Append(errs, fmt.Errorf("rows can't be negative, got %d", c.Workload.Rows))
	}
	if c.Workload.Concurrent < 1 {
		errs = multierror.Append(errs, fmt.Errorf("concurrent must be positive, got %d", c.Workload.Concurrent))
	}
	return errs.ErrorOrNil()
}
