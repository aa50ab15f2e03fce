package survey

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts "2s" style strings or a bare number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	s := strings.TrimSpace(value.Value)
	if s == "" {
		return nil
	}
	if v, err := time.ParseDuration(s); err == nil {
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

type TracingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Service string `yaml:"service"`
}

type FileConfig struct {
	JournalDir string `yaml:"journal_dir"`
	Database   string `yaml:"database"`
	Debug      bool   `yaml:"debug"`

	PollInterval    Duration `yaml:"poll_interval"`
	ClosedPollEvery int      `yaml:"closed_poll_every"`
	MaxBatchBytes   int64    `yaml:"max_batch_bytes"`

	Tracing TracingConfig `yaml:"tracing"`

	// Per-track tuning, keyed by track name.
	Tracks map[string]TrackOverride `yaml:"tracks"`
}

func LoadConfig(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	// Relative paths are relative to the config file, not the working directory.
	base := filepath.Dir(path)
	if cfg.Database != "" && !filepath.IsAbs(cfg.Database) {
		cfg.Database = filepath.Join(base, cfg.Database)
	}
	if _, err := DefaultTracks().WithOverrides(cfg.Tracks); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *FileConfig) Watcher() WatcherConfig {
	return WatcherConfig{
		Dir:             c.JournalDir,
		PollInterval:    time.Duration(c.PollInterval),
		ClosedPollEvery: c.ClosedPollEvery,
		MaxBatchBytes:   c.MaxBatchBytes,
		Debug:           c.Debug,
	}.withDefaults()
}
