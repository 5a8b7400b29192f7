package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// Config holds the process configuration.
// Priority: env vars > settings.yaml > defaults.
type Config struct {
	DBDriver  string `yaml:"db_driver"`
	DBDSN     string `yaml:"db_dsn"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Partitions      int           `yaml:"partitions"`
	MaxRedeliveries int           `yaml:"max_redeliveries"`
	RedeliveryDelay time.Duration `yaml:"redelivery_delay"`
	MaxIterations   int           `yaml:"max_iterations"`
	PoolSize        int           `yaml:"pool_size"`

	ScheduleInterval    time.Duration `yaml:"schedule_interval"`
	ResumeSweepInterval time.Duration `yaml:"resume_sweep_interval"`
	LockWaitTimeout     time.Duration `yaml:"lock_wait_timeout"`

	// SeedFile lists organizations, playbooks and schedules imported at start.
	SeedFile string `yaml:"seed_file"`
}

func defaultConfig() Config {
	return Config{
		DBDriver:            "libsql",
		DBDSN:               "file:" + filepath.Join(playbooksDir(), "playbooks.db"),
		LogLevel:            "info",
		LogFormat:           "text",
		Partitions:          16,
		MaxRedeliveries:     5,
		RedeliveryDelay:     100 * time.Millisecond,
		MaxIterations:       50,
		PoolSize:            10,
		ScheduleInterval:    30 * time.Second,
		ResumeSweepInterval: 15 * time.Second,
		LockWaitTimeout:     30 * time.Second,
	}
}

func playbooksDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".playbooks"
	}
	return filepath.Join(home, ".playbooks")
}

func settingsPath() string {
	if p := os.Getenv("PLAYBOOKS_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(playbooksDir(), "settings.yaml")
}

func loadConfig() (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings file, optional.
	data, err := os.ReadFile(settingsPath())
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read settings: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse settings %s: %w", settingsPath(), err)
		}
	}

	// Layer 3: env vars.
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"PLAYBOOKS_DB_DRIVER":  &cfg.DBDriver,
		"PLAYBOOKS_DB_DSN":     &cfg.DBDSN,
		"PLAYBOOKS_LOG_LEVEL":  &cfg.LogLevel,
		"PLAYBOOKS_LOG_FORMAT": &cfg.LogFormat,
		"PLAYBOOKS_SEED_FILE":  &cfg.SeedFile,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"PLAYBOOKS_PARTITIONS":       &cfg.Partitions,
		"PLAYBOOKS_MAX_REDELIVERIES": &cfg.MaxRedeliveries,
		"PLAYBOOKS_MAX_ITERATIONS":   &cfg.MaxIterations,
		"PLAYBOOKS_POOL_SIZE":        &cfg.PoolSize,
	}
	for key, dst := range ints {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		n, err := cast.ToIntE(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"PLAYBOOKS_REDELIVERY_DELAY":      &cfg.RedeliveryDelay,
		"PLAYBOOKS_SCHEDULE_INTERVAL":     &cfg.ScheduleInterval,
		"PLAYBOOKS_RESUME_SWEEP_INTERVAL": &cfg.ResumeSweepInterval,
		"PLAYBOOKS_LOCK_WAIT_TIMEOUT":     &cfg.LockWaitTimeout,
	}
	for key, dst := range durations {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		d, err := cast.ToDurationE(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}
	return nil
}

func (c Config) validate() error {
	var errs []error
	switch c.DBDriver {
	case "libsql", "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("db_driver %q: want libsql, postgres or memory", c.DBDriver))
	}
	if c.DBDriver != "memory" && c.DBDSN == "" {
		errs = append(errs, errors.New("db_dsn is required"))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q: want text or json", c.LogFormat))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Partitions <= 0 {
		errs = append(errs, errors.New("partitions must be positive"))
	}
	if c.PoolSize <= 0 {
		errs = append(errs, errors.New("pool_size must be positive"))
	}
	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("log_level %q: %w", s, err)
	}
	return level, nil
}
