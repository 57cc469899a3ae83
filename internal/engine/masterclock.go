// Package engine provides the simulation clock kernel: the MasterClock
// that turns wall-clock time into bounded simulated-time pulses, and the
// Dispatcher that fans each pulse out to the colony's consumers.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/talgya/mars-colony/internal/clock"
	"github.com/talgya/mars-colony/internal/marstime"
	"github.com/talgya/mars-colony/internal/pulse"
)

// pausePoll bounds how long the paused loop waits before re-checking
// for save and exit requests.
const pausePoll = 100 * time.Millisecond

// State is the MasterClock lifecycle: Idle → Running ⇄ Paused → Stopped.
// Stopped is terminal.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// SaveMode selects how a requested save is performed.
type SaveMode int32

const (
	SaveNone SaveMode = iota
	SaveDefault
	SaveAutosave
)

func (m SaveMode) String() string {
	switch m {
	case SaveNone:
		return "none"
	case SaveDefault:
		return "default"
	case SaveAutosave:
		return "autosave"
	default:
		return fmt.Sprintf("save(%d)", int32(m))
	}
}

// ParseSaveMode is the inverse of SaveMode.String for the named modes.
func ParseSaveMode(name string) (SaveMode, error) {
	switch name {
	case "none":
		return SaveNone, nil
	case "default":
		return SaveDefault, nil
	case "autosave":
		return SaveAutosave, nil
	}
	return SaveNone, fmt.Errorf("unknown save mode %q", name)
}

// SimulationContext is the collaborator that owns whole-simulation
// concerns the clock only triggers: persisting state and deciding when
// to exit.
type SimulationContext interface {
	// TakeSaveRequest returns the pending save mode, if any, and clears it.
	TakeSaveRequest() SaveMode
	// Save persists the full simulation state.
	Save(ctx context.Context, mode SaveMode) error
	// ExitRequested reports whether the simulation should shut down.
	ExitRequested() bool
}

// ClockState is the part of the clock persisted with a save.
type ClockState struct {
	LastPulseID uint64
	MarsTime    marstime.MarsTime
	EarthTime   time.Time
	TimeRatio   uint64
}

// Diagnostics is a read-only snapshot of the scheduler.
type Diagnostics struct {
	State            State             `json:"state"`
	TimeRatio        uint64            `json:"time_ratio"`
	ActualRatio      float64           `json:"actual_ratio"`
	PulsesPerSecond  float64           `json:"pulses_per_second"`
	ExecutionTime    time.Duration     `json:"execution_time"`
	SleepTime        time.Duration     `json:"sleep_time"`
	LastPulseWidth   float64           `json:"last_pulse_width"`
	LastPulseID      uint64            `json:"last_pulse_id"`
	MarsTime         marstime.MarsTime `json:"-"`
	EarthTime        time.Time         `json:"earth_time"`
	Uptime           time.Duration     `json:"uptime"`
	StallsAbsorbed   uint64            `json:"stalls_absorbed"`
	ClippedPulses    uint64            `json:"clipped_pulses"`
	DroppedMillisols float64           `json:"dropped_millisols"`
	Listeners        int               `json:"listeners"`
}

// MasterClock drives the simulation: each tick it measures real elapsed
// time, converts it to a bounded pulse, dispatches the pulse to every
// listener, then sleeps for an adaptively computed interval.
type MasterClock struct {
	cfg        Config
	clock      clock.Clock
	sim        SimulationContext
	dispatcher *Dispatcher
	logger     *slog.Logger

	ratio       atomic.Uint64
	paused      atomic.Bool
	keepRunning atomic.Bool
	pendingSave atomic.Int32
	state       atomic.Int32
	wake        chan struct{}

	mu       sync.Mutex // guards lastTick against Pause
	lastTick time.Time

	// Owned by the loop goroutine.
	marsTime  marstime.MarsTime
	earthTime time.Time
	lastID    uint64
	sleep     time.Duration

	diagMu sync.RWMutex
	diag   Diagnostics

	rate   *RateBuffer
	uptime UpTimer
}

// Option customises a MasterClock at construction.
type Option func(*MasterClock)

// WithClock injects the wall clock. Defaults to clock.Real().
func WithClock(c clock.Clock) Option {
	return func(mc *MasterClock) { mc.clock = c }
}

// WithContext attaches the simulation context that services saves and
// exit requests.
func WithContext(sim SimulationContext) Option {
	return func(mc *MasterClock) { mc.sim = sim }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(mc *MasterClock) { mc.logger = l }
}

// WithStart resumes the calendars and pulse counter, typically from a
// save. The next pulse will carry lastPulseID+1.
func WithStart(mars marstime.MarsTime, earth time.Time, lastPulseID uint64) Option {
	return func(mc *MasterClock) {
		mc.marsTime = mars
		mc.earthTime = earth
		mc.lastID = lastPulseID
	}
}

// WithDispatcher shares an existing dispatcher, with its listeners and
// worker pool, instead of building one from cfg.Workers.
func WithDispatcher(d *Dispatcher) Option {
	return func(mc *MasterClock) { mc.dispatcher = d }
}

// NewMasterClock validates cfg and builds a clock in the Idle state. An
// invalid configuration returns an error wrapping ErrConfig.
func NewMasterClock(cfg Config, opts ...Option) (*MasterClock, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("new master clock: %w", err)
	}

	mc := &MasterClock{
		cfg:       cfg,
		clock:     clock.Real(),
		logger:    slog.Default(),
		earthTime: marstime.DefaultEarthStart,
		wake:      make(chan struct{}, 1),
		rate:      NewRateBuffer(cfg.RateWindow),
	}
	for _, opt := range opts {
		opt(mc)
	}
	mc.ratio.Store(cfg.TimeRatio)
	if mc.dispatcher == nil {
		mc.dispatcher = NewDispatcher(cfg.Workers, mc.logger)
	}
	mc.publish(func(d *Diagnostics) {
		d.LastPulseID = mc.lastID
		d.MarsTime = mc.marsTime
		d.EarthTime = mc.earthTime
	})
	return mc, nil
}

// AddListener registers a pulse consumer. Idempotent.
func (mc *MasterClock) AddListener(t pulse.Temporal) { mc.dispatcher.Register(t) }

// RemoveListener unregisters a pulse consumer.
func (mc *MasterClock) RemoveListener(t pulse.Temporal) { mc.dispatcher.Unregister(t) }

// Dispatcher exposes the registry for diagnostics.
func (mc *MasterClock) Dispatcher() *Dispatcher { return mc.dispatcher }

// Run drives the tick loop until ctx is cancelled, Stop is called, or the
// simulation context requests exit. Run may be called once; afterwards
// the clock is Stopped and Run returns ErrClockStopped.
func (mc *MasterClock) Run(ctx context.Context) error {
	if err := mc.begin(); err != nil {
		return err
	}
	defer mc.shutdown()

	for mc.keepRunning.Load() && ctx.Err() == nil {
		if mc.paused.Load() {
			mc.servicePending(ctx)
			mc.wait(ctx, pausePoll)
			continue
		}
		mc.wait(ctx, mc.sleep)
		if ctx.Err() != nil {
			break
		}
		if _, err := mc.tick(ctx); err != nil {
			return err
		}
	}
	return nil
}

// begin moves the clock from Idle to Running and sets the baseline.
func (mc *MasterClock) begin() error {
	if !mc.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return ErrClockStopped
	}
	mc.keepRunning.Store(true)
	mc.sleep = nextSleep(mc.cfg, mc.ratio.Load(), 0)

	now := mc.clock.Now()
	mc.mu.Lock()
	mc.lastTick = now
	if mc.paused.Load() {
		mc.state.Store(int32(StatePaused))
	} else {
		mc.uptime.Start(now)
	}
	mc.mu.Unlock()

	mc.logger.Info("master clock started",
		"time_ratio", mc.ratio.Load(),
		"mars_time", mc.marsTime.String(),
		"earth_time", mc.earthTime.Format(time.RFC3339),
		"next_pulse", mc.lastID+1,
		"listeners", mc.dispatcher.Len(),
	)
	return nil
}

func (mc *MasterClock) shutdown() {
	mc.keepRunning.Store(false)
	mc.state.Store(int32(StateStopped))
	mc.uptime.Stop(mc.clock.Now())
	mc.dispatcher.Shutdown()
	mc.logger.Info("master clock stopped",
		"pulses", humanize.Comma(int64(mc.lastID)),
		"mars_time", mc.marsTime.String(),
		"uptime", FormatUptime(mc.uptime.Uptime(mc.clock.Now())),
	)
}

// wait sleeps for d on the injected clock, returning early on
// cancellation, Stop or resume.
func (mc *MasterClock) wait(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-mc.wake:
	case <-mc.clock.After(d):
	}
}

func (mc *MasterClock) signal() {
	select {
	case mc.wake <- struct{}{}:
	default:
	}
}

// Stop ends the loop after the current tick. A clock that never ran
// becomes Stopped immediately.
func (mc *MasterClock) Stop() {
	mc.keepRunning.Store(false)
	mc.state.CompareAndSwap(int32(StateIdle), int32(StateStopped))
	mc.signal()
}

// State returns the lifecycle state.
func (mc *MasterClock) State() State { return State(mc.state.Load()) }

// Pause pauses or resumes the simulation. It takes effect before the next
// tick; resuming resets the real-time baseline so the paused interval is
// never counted. Listeners implementing pulse.PauseListener are notified
// on every change.
func (mc *MasterClock) Pause(paused bool) {
	mc.mu.Lock()
	if mc.paused.Load() == paused {
		mc.mu.Unlock()
		return
	}
	now := mc.clock.Now()
	mc.paused.Store(paused)

	if paused {
		mc.state.CompareAndSwap(int32(StateRunning), int32(StatePaused))
		if mc.State() == StatePaused {
			mc.uptime.Stop(now)
		}
	} else {
		mc.lastTick = now
		if mc.state.CompareAndSwap(int32(StatePaused), int32(StateRunning)) {
			mc.uptime.Start(now)
			mc.rate.Reset()
		}
	}
	mc.mu.Unlock()

	if paused {
		mc.logger.Info("simulation paused")
	} else {
		mc.logger.Info("simulation resumed")
		mc.signal()
	}
	mc.dispatcher.NotifyPause(paused)
}

// IsPaused reports whether the simulation is paused.
func (mc *MasterClock) IsPaused() bool { return mc.paused.Load() }

// SetTimeRatio changes the target ratio from the next tick on. Values
// that are not a power of two within [MinTimeRatio, MaxTimeRatio] are
// ignored and false is returned.
func (mc *MasterClock) SetTimeRatio(r uint64) bool {
	if !ValidTimeRatio(r) {
		mc.logger.Warn("time ratio rejected", "requested", r, "max", MaxTimeRatio)
		return false
	}
	old := mc.ratio.Swap(r)
	if old != r {
		mc.logger.Info("time ratio changed", "from", old, "to", r)
	}
	return true
}

// TimeRatio returns the target ratio.
func (mc *MasterClock) TimeRatio() uint64 { return mc.ratio.Load() }

// IncreaseSpeed doubles the time ratio if the ceiling allows.
func (mc *MasterClock) IncreaseSpeed() bool { return mc.SetTimeRatio(mc.TimeRatio() * 2) }

// DecreaseSpeed halves the time ratio if the floor allows.
func (mc *MasterClock) DecreaseSpeed() bool { return mc.SetTimeRatio(mc.TimeRatio() / 2) }

// RequestSave marks a save as pending. It is performed after the current
// tick's dispatch completes, or on the next paused poll.
func (mc *MasterClock) RequestSave(mode SaveMode) {
	if mode == SaveNone {
		return
	}
	mc.pendingSave.Store(int32(mode))
	mc.logger.Info("save requested", "mode", mode.String())
}

// servicePending performs a requested save and honours exit requests.
// Runs on the loop goroutine between dispatches.
func (mc *MasterClock) servicePending(ctx context.Context) {
	mode := SaveMode(mc.pendingSave.Swap(int32(SaveNone)))
	if mc.sim != nil {
		if m := mc.sim.TakeSaveRequest(); mode == SaveNone {
			mode = m
		}
	}

	if mode != SaveNone {
		if mc.sim == nil {
			mc.logger.Warn("save requested without a simulation context", "mode", mode.String())
		} else {
			start := mc.clock.Now()
			if err := mc.sim.Save(ctx, mode); err != nil {
				mc.logger.Error("save failed", "mode", mode.String(), "error", err)
			} else {
				mc.logger.Info("simulation saved", "mode", mode.String(), "took", mc.clock.Now().Sub(start))
			}
		}
	}

	if mc.sim != nil && mc.sim.ExitRequested() {
		mc.logger.Info("exit requested by simulation")
		mc.Stop()
	}
}

// Diagnostics returns a consistent snapshot of scheduler metrics. Safe
// from any goroutine.
func (mc *MasterClock) Diagnostics() Diagnostics {
	mc.diagMu.RLock()
	d := mc.diag
	mc.diagMu.RUnlock()

	now := mc.clock.Now()
	d.State = mc.State()
	d.TimeRatio = mc.ratio.Load()
	d.PulsesPerSecond = mc.rate.PulsesPerSecond()
	d.Uptime = mc.uptime.Uptime(now)
	d.Listeners = mc.dispatcher.Len()
	return d
}

// PulsesPerSecond returns the measured dispatch rate.
func (mc *MasterClock) PulsesPerSecond() float64 { return mc.rate.PulsesPerSecond() }

// ExecutionTime returns the cost of the last dispatch.
func (mc *MasterClock) ExecutionTime() time.Duration { return mc.Diagnostics().ExecutionTime }

// SleepTime returns the last computed inter-tick sleep.
func (mc *MasterClock) SleepTime() time.Duration { return mc.Diagnostics().SleepTime }

// LastPulseWidth returns the simulated width of the last pulse, in
// millisols.
func (mc *MasterClock) LastPulseWidth() float64 { return mc.Diagnostics().LastPulseWidth }

// ActualRatio returns the simulated/real ratio achieved by the last pulse.
func (mc *MasterClock) ActualRatio() float64 { return mc.Diagnostics().ActualRatio }

// LastPulseID returns the id of the last dispatched pulse.
func (mc *MasterClock) LastPulseID() uint64 { return mc.Diagnostics().LastPulseID }

// MarsTime returns the Mars calendar as of the last pulse.
func (mc *MasterClock) MarsTime() marstime.MarsTime { return mc.Diagnostics().MarsTime }

// EarthTime returns the Earth calendar as of the last pulse.
func (mc *MasterClock) EarthTime() time.Time { return mc.Diagnostics().EarthTime }

// ClockState returns what a save needs to resume the clock.
func (mc *MasterClock) ClockState() ClockState {
	d := mc.Diagnostics()
	return ClockState{
		LastPulseID: d.LastPulseID,
		MarsTime:    d.MarsTime,
		EarthTime:   d.EarthTime,
		TimeRatio:   d.TimeRatio,
	}
}

func (mc *MasterClock) publish(update func(d *Diagnostics)) {
	mc.diagMu.Lock()
	defer mc.diagMu.Unlock()
	update(&mc.diag)
}
