// Command colonysim runs the Mars colony simulation.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/spf13/pflag"

	"github.com/talgya/mars-colony/internal/api"
	"github.com/talgya/mars-colony/internal/colony"
	"github.com/talgya/mars-colony/internal/config"
	"github.com/talgya/mars-colony/internal/engine"
	"github.com/talgya/mars-colony/internal/marstime"
	"github.com/talgya/mars-colony/internal/persistence"
	"github.com/talgya/mars-colony/internal/weather"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Error("colonysim failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		logLevel   string
		dbPath     string
		port       int
		fresh      bool
	)
	flagSet := pflag.NewFlagSet("colonysim", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to colonysim.yaml (default: built-in settings)")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	flagSet.StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")
	flagSet.IntVar(&port, "port", 0, "HTTP API port (overrides config)")
	flagSet.BoolVar(&fresh, "fresh", false, "ignore any saved state and seed a new colony")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if port != 0 {
		cfg.API.Port = port
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	clockCfg := cfg.ClockConfig()
	if err := clockCfg.Validate(); err != nil {
		return err
	}

	// ── Database ──────────────────────────────────────────────────────
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.DBPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Load or seed colony ───────────────────────────────────────────
	var snap *engine.Snapshot
	if !fresh {
		if snap, err = db.LoadSnapshot(ctx); err != nil {
			return fmt.Errorf("load saved state: %w", err)
		}
	}

	w := weather.New(cfg.WeatherConfig(), logger)
	var (
		settlements []*colony.Settlement
		sessionID   string
		opts        = []engine.Option{engine.WithLogger(logger)}
		events      []engine.Event
	)

	if snap != nil {
		sessionID = snap.SessionID
		w.Restore(snap.Weather)
		for _, st := range snap.Settlements {
			s, err := colony.RestoreSettlement(st, w)
			if err != nil {
				return fmt.Errorf("restore settlement %d: %w", st.ID, err)
			}
			settlements = append(settlements, s)
		}
		events = snap.Events
		opts = append(opts, engine.WithStart(snap.Clock.MarsTime, snap.Clock.EarthTime, snap.Clock.LastPulseID))
		if engine.ValidTimeRatio(snap.Clock.TimeRatio) {
			clockCfg.TimeRatio = snap.Clock.TimeRatio
		}
		logger.Info("resuming saved colony",
			"session", sessionID,
			"mars_time", snap.Clock.MarsTime.String(),
			"pulse", snap.Clock.LastPulseID,
			"saved_at", snap.SavedAt,
		)
	} else {
		sessionID = uuid.NewString()
		settlements = append(settlements, colony.NewOutpost(cfg.OutpostConfig(), w))
		opts = append(opts, engine.WithStart(marstime.MarsTime{}, marstime.DefaultEarthStart, 0))
		logger.Info("seeded new colony",
			"session", sessionID,
			"name", cfg.Colony.Name,
			"people", cfg.Colony.People,
			"robots", cfg.Colony.Robots,
		)
	}

	// ── Simulation ────────────────────────────────────────────────────
	sim := engine.NewSimulation(engine.SimulationConfig{
		SessionID:    sessionID,
		Settlements:  settlements,
		Weather:      w,
		Store:        db,
		AutosaveSols: cfg.Autosave(),
		Events:       events,
		Logger:       logger,
	})
	opts = append(opts, engine.WithContext(sim))

	mc, err := engine.NewMasterClock(clockCfg, opts...)
	if err != nil {
		return err
	}
	sim.Register(mc)

	// Save on fresh seeding only (loaded colonies are already saved).
	if snap == nil {
		if err := sim.Save(ctx, engine.SaveDefault); err != nil {
			logger.Error("initial save failed", "error", err)
		}
	}

	// ── HTTP API ──────────────────────────────────────────────────────
	adminKey := os.Getenv("COLONYSIM_ADMIN_KEY")
	if adminKey == "" {
		logger.Warn("COLONYSIM_ADMIN_KEY not set, admin POST endpoints will be disabled")
	}
	apiServer := &api.Server{
		Sim:      sim,
		Clock:    mc,
		Port:     cfg.API.Port,
		AdminKey: adminKey,
		Logger:   logger,

		CORSOrigins: cfg.API.CORSOrigins,
	}
	apiServer.Start(ctx)

	// A signal asks the simulation to exit; the clock finishes the
	// in-flight pulse first.
	go func() {
		<-ctx.Done()
		logger.Info("received signal, shutting down")
		sim.RequestExit()
		mc.Stop()
	}()

	logger.Info("colony is alive",
		"settlements", len(settlements),
		"time_ratio", clockCfg.TimeRatio,
		"api", fmt.Sprintf("http://localhost:%d/api/v1/status", cfg.API.Port),
	)

	if err := mc.Run(context.Background()); err != nil {
		return fmt.Errorf("run clock: %w", err)
	}

	// Final save on shutdown.
	logger.Info("final save...")
	if err := sim.Save(context.Background(), engine.SaveDefault); err != nil {
		logger.Error("final save failed", "error", err)
	}
	logger.Info("simulation stopped, colony state saved", "stats", sim.Stats())
	return nil
}

// newLogger picks a text handler for terminals and JSON otherwise.
func newLogger(level string) (*slog.Logger, error) {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
}
