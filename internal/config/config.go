// Package config loads the colonysim configuration file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	yaml "github.com/goccy/go-yaml"

	"github.com/talgya/mars-colony/internal/colony"
	"github.com/talgya/mars-colony/internal/engine"
	"github.com/talgya/mars-colony/internal/weather"
)

// File mirrors colonysim.yaml.
type File struct {
	Clock        Clock   `yaml:"clock"`
	Colony       Colony  `yaml:"colony"`
	Weather      Weather `yaml:"weather"`
	API          API     `yaml:"api"`
	DBPath       string  `yaml:"db_path"`
	AutosaveSols *int    `yaml:"autosave_sols"` // 0 disables autosave
	LogLevel     string  `yaml:"log_level"`
}

// Clock holds the scheduler settings.
type Clock struct {
	TimeRatio        uint64   `yaml:"time_ratio"`
	MinPulseWidth    float64  `yaml:"min_pulse_width"` // millisols
	MaxPulseWidth    float64  `yaml:"max_pulse_width"` // millisols
	PulseBudgetMS    int      `yaml:"pulse_budget_ms"`
	AccuracyBias     *float64 `yaml:"accuracy_bias"`
	StallThresholdMS int      `yaml:"stall_threshold_ms"`
	Workers          int      `yaml:"workers"`
	RateWindow       int      `yaml:"rate_window"`
}

// Colony describes the outpost seeded for a new session.
type Colony struct {
	Name      string `yaml:"name"`
	Seed      int64  `yaml:"seed"`
	People    int    `yaml:"people"`
	Robots    int    `yaml:"robots"`
	Projects  int    `yaml:"projects"`
	FarmAreaM int    `yaml:"farm_area_m2"`
}

type Weather struct {
	Seed           int64   `yaml:"seed"`
	StormThreshold float64 `yaml:"storm_threshold"`
}

type API struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// Default returns the configuration used when no file is given.
func Default() File {
	clock := engine.DefaultConfig()
	bias := clock.AccuracyBias
	autosave := 10
	return File{
		Clock: Clock{
			TimeRatio:        clock.TimeRatio,
			MinPulseWidth:    clock.MinPulseWidth,
			MaxPulseWidth:    clock.MaxPulseWidth,
			PulseBudgetMS:    int(clock.PulseBudget / time.Millisecond),
			AccuracyBias:     &bias,
			StallThresholdMS: int(clock.StallThreshold / time.Millisecond),
			Workers:          clock.Workers,
			RateWindow:       clock.RateWindow,
		},
		Colony: Colony{
			Name:     "Jezero Base",
			Seed:     42,
			People:   12,
			Robots:   4,
			Projects: 2,
		},
		Weather: Weather{
			Seed:           42,
			StormThreshold: weather.DefaultStormThreshold,
		},
		API:          API{Port: 8080},
		DBPath:       "data/colony.db",
		AutosaveSols: &autosave,
		LogLevel:     "info",
	}
}

// Load reads YAML and overrides defaults; empty path = defaults only.
// Unlike a missing optional file, a named file that cannot be read or
// parsed is an error.
func Load(path string) (File, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	var f File
	if err := yaml.UnmarshalWithOptions(data, &f, yaml.DisallowUnknownField()); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	f.fill(cfg)
	return f, nil
}

// fill replaces unset fields with their defaults.
func (f *File) fill(d File) {
	c := &f.Clock
	if c.TimeRatio == 0 {
		c.TimeRatio = d.Clock.TimeRatio
	}
	if c.MinPulseWidth == 0 {
		c.MinPulseWidth = d.Clock.MinPulseWidth
	}
	if c.MaxPulseWidth == 0 {
		c.MaxPulseWidth = d.Clock.MaxPulseWidth
	}
	if c.PulseBudgetMS == 0 {
		c.PulseBudgetMS = d.Clock.PulseBudgetMS
	}
	if c.AccuracyBias == nil {
		c.AccuracyBias = d.Clock.AccuracyBias
	}
	if c.StallThresholdMS == 0 {
		c.StallThresholdMS = d.Clock.StallThresholdMS
	}
	if c.Workers == 0 {
		c.Workers = d.Clock.Workers
	}
	if c.RateWindow == 0 {
		c.RateWindow = d.Clock.RateWindow
	}

	if f.Colony.Name == "" {
		f.Colony.Name = d.Colony.Name
	}
	if f.Colony.People == 0 {
		f.Colony.People = d.Colony.People
	}
	if f.Weather.StormThreshold == 0 {
		f.Weather.StormThreshold = d.Weather.StormThreshold
	}
	if f.API.Port == 0 {
		f.API.Port = d.API.Port
	}
	if f.DBPath == "" {
		f.DBPath = d.DBPath
	}
	if f.AutosaveSols == nil {
		f.AutosaveSols = d.AutosaveSols
	}
	if f.LogLevel == "" {
		f.LogLevel = d.LogLevel
	}
}

// ClockConfig converts the clock section for the engine, which validates it.
func (f File) ClockConfig() engine.Config {
	c := f.Clock
	cfg := engine.Config{
		TimeRatio:      c.TimeRatio,
		MinPulseWidth:  c.MinPulseWidth,
		MaxPulseWidth:  c.MaxPulseWidth,
		PulseBudget:    time.Duration(c.PulseBudgetMS) * time.Millisecond,
		StallThreshold: time.Duration(c.StallThresholdMS) * time.Millisecond,
		Workers:        c.Workers,
		RateWindow:     c.RateWindow,
	}
	if c.AccuracyBias != nil {
		cfg.AccuracyBias = *c.AccuracyBias
	}
	return cfg
}

// OutpostConfig describes the settlement seeded for a new session.
func (f File) OutpostConfig() colony.OutpostConfig {
	return colony.OutpostConfig{
		ID:        1,
		Name:      f.Colony.Name,
		Seed:      f.Colony.Seed,
		People:    f.Colony.People,
		Robots:    f.Colony.Robots,
		Projects:  f.Colony.Projects,
		FarmAreaM: f.Colony.FarmAreaM,
	}
}

func (f File) WeatherConfig() weather.Config {
	return weather.Config{Seed: f.Weather.Seed, StormThreshold: f.Weather.StormThreshold}
}

// Autosave returns the autosave interval in sols.
func (f File) Autosave() int {
	if f.AutosaveSols == nil {
		return 0
	}
	return *f.AutosaveSols
}

// ParseLevel maps a level name to an slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
}
