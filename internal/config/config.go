package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"buildreplay.ai/internal/events"
	"buildreplay.ai/internal/replay"
)

// Config is read from config.yaml; BR_* environment variables override the
// file and command line flags override both.
type Config struct {
	LogDB     string `yaml:"log_db" env:"BR_LOG_DB"`
	ResultsDB string `yaml:"results_db" env:"BR_RESULTS_DB"`
	EventsDir string `yaml:"events_dir" env:"BR_EVENTS_DIR"`
	ConfigDir string `yaml:"config_dir" env:"BR_CONFIG_DIR"`
	OutDir    string `yaml:"out_dir" env:"BR_OUT_DIR"`

	Workers                 int  `yaml:"workers" env:"BR_WORKERS"`
	CountDestroyedAsMistake bool `yaml:"count_destroyed_as_mistake" env:"BR_COUNT_DESTROYED_AS_MISTAKE"`
	RequireSuccess          bool `yaml:"require_success" env:"BR_REQUIRE_SUCCESS"`

	ProgressAddr string `yaml:"progress_addr" env:"BR_PROGRESS_ADDR"`

	// Markers replaces the built-in marker table when non-empty.
	Markers []events.Marker `yaml:"markers"`
}

func Defaults() Config {
	opts := replay.DefaultOptions()
	return Config{
		LogDB:                   "./data/games.sqlite",
		ResultsDB:               "./data/results.sqlite",
		ConfigDir:               "./configs",
		OutDir:                  "./data/out",
		Workers:                 4,
		CountDestroyedAsMistake: opts.CountDestroyedAsMistake,
		RequireSuccess:          opts.RequireSuccess,
		ProgressAddr:            "127.0.0.1:8088",
	}
}

// Load applies path (optional; a missing file is only an error when path was
// given explicitly) and then the environment on top of the defaults.
func Load(path string, explicit bool) (Config, error) {
	c := Defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &c); err != nil {
				return c, fmt.Errorf("%s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return c, err
		}
	}
	if err := ParseEnv(&c); err != nil {
		return c, err
	}
	return c, c.Validate()
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (c Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.ConfigDir == "" {
		return fmt.Errorf("config_dir is empty")
	}
	if _, err := c.MarkerTable(); err != nil {
		return err
	}
	return nil
}

func (c Config) Options() replay.Options {
	return replay.Options{
		CountDestroyedAsMistake: c.CountDestroyedAsMistake,
		RequireSuccess:          c.RequireSuccess,
	}
}

func (c Config) MarkerTable() (*events.MarkerTable, error) {
	if len(c.Markers) == 0 {
		return events.DefaultMarkerTable(), nil
	}
	mt, err := events.NewMarkerTable(c.Markers)
	if err != nil {
		return nil, fmt.Errorf("markers: %w", err)
	}
	return mt, nil
}
