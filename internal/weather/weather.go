// Package weather models surface conditions at the colony site: dust
// opacity, temperature and solar irradiance through the sol, and regional
// dust storms. Conditions are deterministic for a given seed.
package weather

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/ojrac/opensimplex-go"

	"github.com/talgya/mars-colony/internal/pulse"
)

const (
	peakIrradiance = 590.0 // W/m², clear-sky zenith
	meanTemp       = -60.0 // °C
	diurnalSwing   = 35.0  // °C either side of the mean

	clearTau    = 0.3
	tauVariance = 0.6

	DefaultStormThreshold = 0.78
)

// Config seeds the weather model. A storm starts on a sol whose storm
// noise reaches StormThreshold; 0 means every sol and anything above 1
// disables storms.
type Config struct {
	Seed           int64
	StormThreshold float64
}

// Conditions is the weather at the last applied pulse.
type Conditions struct {
	Sol           int64   `json:"sol"`
	Opacity       float64 `json:"opacity"`     // optical depth tau
	Temperature   float64 `json:"temperature"` // °C
	Irradiance    float64 `json:"irradiance"`  // W/m²
	DustStorm     bool    `json:"dust_storm"`
	StormSolsLeft int     `json:"storm_sols_left"`
	Season        string  `json:"season"`
	Description   string  `json:"description"`
}

// Mars is the colony's weather. It is a pulse consumer and serves the
// colony.Environment interface; readers see the conditions of the last
// pulse it applied.
type Mars struct {
	cursor pulse.Cursor

	threshold float64
	opacity   opensimplex.Noise
	thermal   opensimplex.Noise
	storms    opensimplex.Noise
	logger    *slog.Logger

	mu        sync.RWMutex
	rolled    bool
	sol       int64
	season    Season
	baseTau   float64
	solOffset float64 // °C
	stormTau  float64
	stormLeft int
	frac      float64 // of the sol, at the last pulse
	cond      Conditions
}

// New creates a weather model. A nil logger uses slog.Default().
func New(cfg Config, logger *slog.Logger) *Mars {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mars{
		threshold: cfg.StormThreshold,
		opacity:   opensimplex.NewNormalized(cfg.Seed),
		thermal:   opensimplex.NewNormalized(cfg.Seed + 1),
		storms:    opensimplex.NewNormalized(cfg.Seed + 2),
		logger:    logger,
	}
	m.cursor.SetLogger(logger)
	return m
}

func (m *Mars) Name() string { return "weather" }

// Advance updates conditions to the pulse's Mars time, rolling the sol's
// opacity and storm state when the pulse opens a new sol.
func (m *Mars) Advance(p *pulse.ClockPulse) bool {
	if !m.cursor.Accept(p) {
		return false
	}

	mt := p.MarsTime()
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.rolled || p.IsNewSol() || mt.Sol() != m.sol {
		m.rollSol(mt.Sol())
	}
	m.update(mt.Millisol() / 1000)
	return true
}

func (m *Mars) rollSol(sol int64) {
	prev := m.stormLeft > 0
	if m.rolled && sol > m.sol && m.stormLeft > 0 {
		m.stormLeft -= int(min(sol-m.sol, int64(m.stormLeft)))
	}
	prevSeason := m.season
	first := !m.rolled
	m.rolled = true
	m.sol = sol

	m.solBase(sol)
	if !first && m.season != prevSeason {
		m.logger.Info("season change", "sol", sol, "season", m.season.String(), "dust_season", m.season.DustSeason())
	}

	if m.stormLeft == 0 {
		if n := m.storms.Eval2(float64(sol)*0.37, 11.0); n >= m.threshold-seasonalStormBias(m.season) {
			m.stormLeft = 2 + int(n*100)%6
			m.stormTau = 2 + 3*n
		}
	}

	switch now := m.stormLeft > 0; {
	case now && !prev:
		m.logger.Info("dust storm began", "sol", sol, "sols", m.stormLeft, "tau", m.stormTau)
	case !now && prev:
		m.logger.Info("dust storm cleared", "sol", sol)
	}
}

func (m *Mars) solBase(sol int64) {
	x := float64(sol)
	m.season = SeasonForSol(sol)
	m.baseTau = clearTau + tauVariance*m.opacity.Eval2(x*0.05, 0)
	m.solOffset = 10*(m.thermal.Eval2(x*0.11, 3.7)-0.5) + seasonalTempMod(m.season)
}

func (m *Mars) update(frac float64) {
	m.frac = frac
	tau := m.baseTau
	swing := diurnalSwing
	if m.stormLeft > 0 {
		tau = m.stormTau
		swing *= 0.4
	}

	// Sun is up from 0.25 to 0.75 of the sol.
	elevation := math.Sin(2 * math.Pi * (frac - 0.25))
	irr := 0.0
	if elevation > 0 {
		irr = peakIrradiance * elevation * math.Exp(-0.9*tau/math.Max(elevation, 0.1))
	}

	m.cond = Conditions{
		Sol:           m.sol,
		Opacity:       tau,
		Temperature:   meanTemp + m.solOffset + swing*math.Sin(2*math.Pi*(frac-0.375)),
		Irradiance:    irr,
		DustStorm:     m.stormLeft > 0,
		StormSolsLeft: m.stormLeft,
		Season:        m.season.String(),
	}
	m.cond.Description = describe(m.cond)
}

// Conditions returns the current weather.
func (m *Mars) Conditions() Conditions {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cond
}

func (m *Mars) SolarIrradiance() float64 { return m.Conditions().Irradiance }
func (m *Mars) Temperature() float64     { return m.Conditions().Temperature }
func (m *Mars) DustStorm() bool          { return m.Conditions().DustStorm }

// SimWeather holds simulation-facing modifiers derived from conditions.
type SimWeather struct {
	SolarFactor  float64 // fraction of clear-sky noon output
	TempModifier float64 // -1 bitter to +1 mild
	WorkPenalty  float64 // multiplier on outdoor task time
	Description  string
}

// Modifiers maps the current conditions to simulation modifiers.
func (m *Mars) Modifiers() SimWeather {
	return MapToSim(m.Conditions())
}

// MapToSim converts conditions to simulation modifiers.
func MapToSim(c Conditions) SimWeather {
	sw := SimWeather{
		SolarFactor: c.Irradiance / peakIrradiance,
		WorkPenalty: 1.0,
		Description: c.Description,
	}

	// -100 °C maps to -1, -20 °C and above to +1.
	sw.TempModifier = math.Max(-1, math.Min(1, (c.Temperature+60)/40))

	switch {
	case c.DustStorm:
		sw.WorkPenalty = 2.0
	case c.Opacity > 1:
		sw.WorkPenalty = 1.3
	case c.Temperature < -90:
		sw.WorkPenalty = 1.2
	}
	return sw
}

func describe(c Conditions) string {
	sky := "clear"
	switch {
	case c.DustStorm:
		sky = "dust storm"
	case c.Opacity > 0.7:
		sky = "hazy"
	}
	if c.Irradiance == 0 {
		return fmt.Sprintf("%s night, %.0f°C", sky, c.Temperature)
	}
	return fmt.Sprintf("%s, %.0f°C, %.0f W/m²", sky, c.Temperature, c.Irradiance)
}

// State is the persisted form of the weather model. Per-sol values are
// recomputed from the seed.
type State struct {
	LastPulse uint64  `json:"last_pulse" cbor:"last_pulse"`
	Sol       int64   `json:"sol" cbor:"sol"`
	StormTau  float64 `json:"storm_tau" cbor:"storm_tau"`
	StormLeft int     `json:"storm_left" cbor:"storm_left"`
	Fraction  float64 `json:"fraction" cbor:"fraction"`
}

// State captures the model for saving.
func (m *Mars) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return State{
		LastPulse: m.cursor.Last(),
		Sol:       m.sol,
		StormTau:  m.stormTau,
		StormLeft: m.stormLeft,
		Fraction:  m.frac,
	}
}

// Restore resumes the model from a saved state. It is a no-op for a
// state saved before any pulse was applied.
func (m *Mars) Restore(st State) {
	if st.Sol == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cursor.Restore(st.LastPulse)
	m.rolled = true
	m.sol = st.Sol
	m.solBase(st.Sol)
	m.stormTau = st.StormTau
	m.stormLeft = st.StormLeft
	m.update(st.Fraction)
}
