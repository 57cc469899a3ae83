// Simulation ties the colony together: it owns the settlements and the
// weather, keeps the event log, and services save and exit requests for
// the master clock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/talgya/mars-colony/internal/colony"
	"github.com/talgya/mars-colony/internal/pulse"
	"github.com/talgya/mars-colony/internal/weather"
)

// ErrNoStore is returned by Save when the simulation has nowhere to save.
var ErrNoStore = errors.New("no store configured")

const (
	maxEvents      = 1000
	subscriberBuf  = 64
	reportedEvents = 20
)

// Store persists snapshots.
type Store interface {
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
}

// Snapshot is everything needed to resume a simulation.
type Snapshot struct {
	SessionID   string
	SavedAt     time.Time
	Mode        SaveMode
	Clock       ClockState
	Settlements []colony.SettlementState
	Weather     weather.State
	Events      []Event
}

// Event is a notable occurrence in the colony.
type Event struct {
	PulseID     uint64 `json:"pulse_id" db:"pulse_id"`
	Sol         int64  `json:"sol" db:"sol"`
	Description string `json:"description" db:"description"`
	Category    string `json:"category" db:"category"` // "sol", "weather", "supply", "construction", "control"
}

// SimStats tracks aggregate colony statistics.
type SimStats struct {
	Sol            int64  `json:"sol"`
	Settlements    int    `json:"settlements"`
	People         int    `json:"people"`
	Robots         int    `json:"robots"`
	Harvests       int    `json:"harvests"`
	Shortages      int    `json:"shortages"`
	Constructing   int    `json:"constructing"`
	Events         int    `json:"events"`
	LastSavedPulse uint64 `json:"last_saved_pulse"`
}

// SimulationConfig wires a Simulation's collaborators.
type SimulationConfig struct {
	SessionID    string
	Settlements  []*colony.Settlement
	Weather      *weather.Mars
	Store        Store
	AutosaveSols int // 0 disables autosave
	Events       []Event
	Logger       *slog.Logger
}

// Simulation is the SimulationContext for the colony. It is also a pulse
// consumer: it produces the per-sol report and requests autosaves.
type Simulation struct {
	SessionID   string
	Settlements []*colony.Settlement
	Weather     *weather.Mars

	cursor       pulse.Cursor
	store        Store
	autosaveSols int
	logger       *slog.Logger
	clock        atomic.Pointer[MasterClock]

	pendingSave atomic.Int32
	exit        atomic.Bool

	mu            sync.RWMutex
	events        []Event
	solsSinceSave int
	lastSaved     uint64
	storm         bool
	short         map[colony.SettlementID]bool
	built         map[colony.SettlementID]int

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// NewSimulation creates a Simulation from its collaborators.
func NewSimulation(cfg SimulationConfig) *Simulation {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Simulation{
		SessionID:    cfg.SessionID,
		Settlements:  cfg.Settlements,
		Weather:      cfg.Weather,
		store:        cfg.Store,
		autosaveSols: cfg.AutosaveSols,
		logger:       cfg.Logger,
		events:       append([]Event(nil), cfg.Events...),
		short:        make(map[colony.SettlementID]bool),
		built:        make(map[colony.SettlementID]int),
		subs:         make(map[int]chan Event),
	}
	s.cursor.SetLogger(s.logger)
	for _, st := range s.Settlements {
		s.built[st.ID()] = st.Summary().Constructing
	}
	if s.Weather != nil {
		s.storm = s.Weather.DustStorm()
	}
	return s
}

func (s *Simulation) Name() string { return "simulation" }

// Register attaches mc and adds the weather, every settlement and the
// simulation itself as listeners.
func (s *Simulation) Register(mc *MasterClock) {
	s.AttachClock(mc)
	if s.Weather != nil {
		mc.AddListener(s.Weather)
	}
	for _, st := range s.Settlements {
		mc.AddListener(st)
	}
	mc.AddListener(s)
}

// AttachClock sets the clock whose state is captured in snapshots.
func (s *Simulation) AttachClock(mc *MasterClock) { s.clock.Store(mc) }

// Advance watches for colony-level changes worth an event and, on each
// new sol, logs the daily report and counts towards the next autosave.
// It runs alongside the settlements, so what it reads may be from either
// side of the current pulse.
func (s *Simulation) Advance(p *pulse.ClockPulse) bool {
	if !s.cursor.Accept(p) {
		return false
	}

	sol := p.MarsTime().Sol()
	s.checkWeather(p, sol)
	s.checkSettlements(p, sol)

	if !p.IsNewSol() {
		return true
	}
	d := p.MarsTime().Date()
	s.EmitEvent(Event{
		PulseID:     p.ID(),
		Sol:         sol,
		Description: fmt.Sprintf("Sol %d begins (%d %s, orbit %d)", sol, d.SolOfMonth, d.MonthName, d.Orbit),
		Category:    "sol",
	})
	if season := weather.SeasonForSol(sol); sol > 1 && season != weather.SeasonForSol(sol-1) {
		desc := fmt.Sprintf("Northern %s begins", strings.ToLower(season.String()))
		if season.DustSeason() {
			desc += "; dust storm season"
		}
		s.EmitEvent(Event{PulseID: p.ID(), Sol: sol, Description: desc, Category: "weather"})
	}
	s.dailyReport(p)

	if s.autosaveSols > 0 {
		s.mu.Lock()
		s.solsSinceSave++
		due := s.solsSinceSave >= s.autosaveSols
		if due {
			s.solsSinceSave = 0
		}
		s.mu.Unlock()
		if due {
			s.RequestSave(SaveAutosave)
		}
	}
	return true
}

func (s *Simulation) checkWeather(p *pulse.ClockPulse, sol int64) {
	if s.Weather == nil {
		return
	}
	storm := s.Weather.DustStorm()
	s.mu.Lock()
	changed := storm != s.storm
	s.storm = storm
	s.mu.Unlock()
	if !changed {
		return
	}

	desc := "The dust storm has cleared"
	if storm {
		desc = fmt.Sprintf("A dust storm has begun (tau %.1f)", s.Weather.Conditions().Opacity)
	}
	s.EmitEvent(Event{PulseID: p.ID(), Sol: sol, Description: desc, Category: "weather"})
}

func (s *Simulation) checkSettlements(p *pulse.ClockPulse, sol int64) {
	for _, st := range s.Settlements {
		sum := st.Summary()

		s.mu.Lock()
		wasShort := s.short[sum.ID]
		s.short[sum.ID] = sum.Shortage
		finished := s.built[sum.ID] - sum.Constructing
		s.built[sum.ID] = sum.Constructing
		s.mu.Unlock()

		switch {
		case sum.Shortage && !wasShort:
			s.EmitEvent(Event{PulseID: p.ID(), Sol: sol, Category: "supply",
				Description: fmt.Sprintf("%s cannot meet life support demand", sum.Name)})
		case !sum.Shortage && wasShort:
			s.EmitEvent(Event{PulseID: p.ID(), Sol: sol, Category: "supply",
				Description: fmt.Sprintf("%s life support restored", sum.Name)})
		}
		if finished > 0 {
			s.EmitEvent(Event{PulseID: p.ID(), Sol: sol, Category: "construction",
				Description: fmt.Sprintf("%s completed %d construction project(s)", sum.Name, finished)})
		}
	}
}

func (s *Simulation) dailyReport(p *pulse.ClockPulse) {
	stats := s.Stats()

	s.mu.RLock()
	counts := make(map[string]int)
	for _, e := range s.events {
		counts[e.Category]++
	}
	s.mu.RUnlock()

	attrs := []any{
		"sol", p.MarsTime().Sol(),
		"mars_time", p.MarsTime().String(),
		"season", weather.SeasonForSol(p.MarsTime().Sol()).String(),
		"pulse", humanize.Comma(int64(p.ID())),
		"people", stats.People,
		"robots", stats.Robots,
		"harvests", stats.Harvests,
		"shortages", stats.Shortages,
		"constructing", stats.Constructing,
		"events_weather", counts["weather"],
		"events_supply", counts["supply"],
		"events_construction", counts["construction"],
	}
	if s.Weather != nil {
		attrs = append(attrs, "weather", s.Weather.Conditions().Description)
	}
	if mc := s.clock.Load(); mc != nil {
		d := mc.Diagnostics()
		attrs = append(attrs,
			"pps", humanize.FtoaWithDigits(d.PulsesPerSecond, 2),
			"actual_ratio", humanize.FtoaWithDigits(d.ActualRatio, 1),
			"uptime", FormatUptime(d.Uptime),
		)
	}
	s.logger.Info("daily report", attrs...)

	for _, e := range s.Events(reportedEvents) {
		if e.Category == "supply" || e.Category == "construction" {
			s.logger.Info("event", "category", e.Category, "description", e.Description)
		}
	}
}

// PauseChanged records pause and resume in the event log.
func (s *Simulation) PauseChanged(paused bool) {
	desc := "Simulation resumed"
	if paused {
		desc = "Simulation paused"
	}
	e := Event{Description: desc, Category: "control"}
	if mc := s.clock.Load(); mc != nil {
		e.PulseID = mc.LastPulseID()
		e.Sol = mc.MarsTime().Sol()
	}
	s.EmitEvent(e)
}

// RequestSave marks a save to be taken by the clock between pulses.
func (s *Simulation) RequestSave(mode SaveMode) {
	if mode != SaveNone {
		s.pendingSave.Store(int32(mode))
	}
}

// TakeSaveRequest implements SimulationContext.
func (s *Simulation) TakeSaveRequest() SaveMode {
	return SaveMode(s.pendingSave.Swap(int32(SaveNone)))
}

// RequestExit asks the clock to stop after its current tick.
func (s *Simulation) RequestExit() {
	if !s.exit.Swap(true) {
		s.logger.Info("exit requested")
	}
}

// ExitRequested implements SimulationContext.
func (s *Simulation) ExitRequested() bool { return s.exit.Load() }

// Snapshot captures the simulation. Call it between dispatches.
func (s *Simulation) Snapshot(mode SaveMode) *Snapshot {
	snap := &Snapshot{
		SessionID: s.SessionID,
		SavedAt:   time.Now().UTC(),
		Mode:      mode,
		Events:    s.Events(0),
	}
	if mc := s.clock.Load(); mc != nil {
		snap.Clock = mc.ClockState()
	}
	for _, st := range s.Settlements {
		snap.Settlements = append(snap.Settlements, st.Snapshot())
	}
	if s.Weather != nil {
		snap.Weather = s.Weather.State()
	}
	return snap
}

// Save implements SimulationContext.
func (s *Simulation) Save(ctx context.Context, mode SaveMode) error {
	if s.store == nil {
		return ErrNoStore
	}
	snap := s.Snapshot(mode)
	if err := s.store.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	s.mu.Lock()
	s.lastSaved = snap.Clock.LastPulseID
	s.solsSinceSave = 0
	s.mu.Unlock()

	s.logger.Info("state saved",
		"mode", mode.String(),
		"session", s.SessionID,
		"pulse", humanize.Comma(int64(snap.Clock.LastPulseID)),
		"settlements", len(snap.Settlements),
	)
	return nil
}

// EmitEvent appends e to the log and fans it out to subscribers. Slow
// subscribers miss events rather than block the simulation.
func (s *Simulation) EmitEvent(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	if len(s.events) > maxEvents {
		s.events = s.events[len(s.events)-maxEvents:]
	}
	s.mu.Unlock()

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Events returns up to limit of the most recent events, oldest first. A
// limit of 0 returns all of them.
func (s *Simulation) Events(limit int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := 0
	if limit > 0 && len(s.events) > limit {
		start = len(s.events) - limit
	}
	return append([]Event(nil), s.events[start:]...)
}

// Subscribe registers a listener for new events.
func (s *Simulation) Subscribe() (int, <-chan Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextSub++
	ch := make(chan Event, subscriberBuf)
	s.subs[s.nextSub] = ch
	return s.nextSub, ch
}

// Unsubscribe removes and closes a subscription.
func (s *Simulation) Unsubscribe(id int) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
	}
}

// Stats aggregates the colony's current state.
func (s *Simulation) Stats() SimStats {
	var st SimStats
	if mc := s.clock.Load(); mc != nil {
		st.Sol = mc.MarsTime().Sol()
	}
	st.Settlements = len(s.Settlements)
	for _, sett := range s.Settlements {
		sum := sett.Summary()
		st.People += sum.People
		st.Robots += sum.Robots
		st.Harvests += sum.Harvests
		st.Constructing += sum.Constructing
		if sum.Shortage {
			st.Shortages++
		}
	}

	s.mu.RLock()
	st.Events = len(s.events)
	st.LastSavedPulse = s.lastSaved
	s.mu.RUnlock()
	return st
}

// Settlement returns the settlement with id.
func (s *Simulation) Settlement(id colony.SettlementID) (*colony.Settlement, bool) {
	for _, st := range s.Settlements {
		if st.ID() == id {
			return st, true
		}
	}
	return nil, false
}
