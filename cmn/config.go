package cmn

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the daemon's on-disk configuration (see SPEC_FULL.md §6.5).
// Sizes and durations are parsed from their human-readable YAML spelling
// ("10GiB", "1s") into the typed fields below.
type Config struct {
	StoreDir      string
	AdminDir      string
	Socket        string
	MaxSize       int64
	MaxRunsPerJob int
	LRURefresh    time.Duration
	NumRates      int
	HandleInt     bool
}

// configYAML is the literal on-disk shape; Config is derived from it.
type configYAML struct {
	StoreDir      string  `yaml:"store_dir"`
	AdminDir      string  `yaml:"admin_dir"`
	Socket        string  `yaml:"socket"`
	MaxSize       string  `yaml:"max_size"`
	MaxRunsPerJob int     `yaml:"max_runs_per_job"`
	HandleInt     bool    `yaml:"handle_int"`
	LRU           lruYAML `yaml:"lru"`
}

type lruYAML struct {
	RefreshInterval string `yaml:"refresh_interval"`
	NumRates        int    `yaml:"num_rates"`
}

// DefaultConfig returns sane defaults, as used by tests and by `cached`
// when no config file is given on the command line.
func DefaultConfig(storeDir string) *Config {
	return &Config{
		StoreDir:      storeDir,
		AdminDir:      storeDir + "/admin",
		Socket:        storeDir + "/admin/server.sock",
		MaxSize:       10 * GiB,
		MaxRunsPerJob: 2,
		LRURefresh:    time.Second,
		NumRates:      255,
		HandleInt:     true,
	}
}

// LoadConfig reads and parses a YAML config file per SPEC_FULL.md §6.5.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, Wrap(err, "read config")
	}
	var y configYAML
	if err := yaml.Unmarshal(b, &y); err != nil {
		return nil, Wrap(err, "parse config")
	}
	c := &Config{
		StoreDir:      y.StoreDir,
		AdminDir:      y.AdminDir,
		Socket:        y.Socket,
		MaxRunsPerJob: y.MaxRunsPerJob,
		HandleInt:     y.HandleInt,
		NumRates:      y.LRU.NumRates,
	}
	if y.MaxSize != "" {
		sz, err := S2B(y.MaxSize)
		if err != nil {
			return nil, Wrap(err, "parse max_size")
		}
		c.MaxSize = sz
	}
	if y.LRU.RefreshInterval != "" {
		d, err := time.ParseDuration(y.LRU.RefreshInterval)
		if err != nil {
			return nil, Wrap(err, "parse lru.refresh_interval")
		}
		c.LRURefresh = d
	} else {
		c.LRURefresh = time.Second
	}
	if c.NumRates == 0 {
		c.NumRates = 255
	}
	if c.MaxRunsPerJob == 0 {
		c.MaxRunsPerJob = 2
	}
	if c.AdminDir == "" {
		c.AdminDir = c.StoreDir + "/admin"
	}
	if c.Socket == "" {
		c.Socket = c.AdminDir + "/server.sock"
	}
	return c, nil
}
