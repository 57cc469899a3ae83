package colony

import (
	"fmt"

	"github.com/talgya/mars-colony/internal/marstime"
)

// FunctionKind identifies what a building function does.
type FunctionKind uint8

const (
	KindFarming FunctionKind = iota
	KindLifeSupport
	KindPowerGeneration
	KindConstruction
)

func (k FunctionKind) String() string {
	switch k {
	case KindFarming:
		return "farming"
	case KindLifeSupport:
		return "life-support"
	case KindPowerGeneration:
		return "power-generation"
	case KindConstruction:
		return "construction"
	default:
		return fmt.Sprintf("function(%d)", uint8(k))
	}
}

// Per-sol and per-area rates. A millisol is a thousandth of these.
const (
	oxygenPerPersonSol = 0.84 // kg
	waterPerPersonSol  = 3.0  // kg, net of recycling
	co2PerPersonSol    = 1.0  // kg

	cropGrowthSols       = 60.0 // sols from planting to harvest
	cropWaterPerM2Sol    = 0.5  // kg
	cropCO2PerM2Sol      = 0.1  // kg
	cropOxygenPerM2Sol   = 0.07 // kg
	cropYieldPerM2       = 4.5  // kg food per harvest
	growLightKWhPerM2Sol = 0.4

	// Clear-sky noon irradiance at the surface, for scaling rated panels.
	peakIrradiance = 590.0 // W/m²
)

// stepEnv is what a function sees while its building applies a pulse.
type stepEnv struct {
	store   *ResourceStore
	env     Environment
	staff   Staffing
	elapsed float64 // millisols
}

func (s *stepEnv) sols() float64 { return s.elapsed / marstime.MillisolsPerSol }

func (s *stepEnv) hours() float64 {
	return s.elapsed * marstime.MillisPerMillisol / 3.6e6
}

// Function is one behaviour a building performs each pulse.
type Function interface {
	Kind() FunctionKind
	step(s *stepEnv)
	state() FunctionState
}

// FunctionState is the persisted form of every function kind. Fields not
// used by a kind stay zero.
type FunctionState struct {
	Kind     FunctionKind `json:"kind" cbor:"kind"`
	Area     float64      `json:"area,omitempty" cbor:"area,omitempty"`
	Growth   float64      `json:"growth,omitempty" cbor:"growth,omitempty"`
	Harvests int          `json:"harvests,omitempty" cbor:"harvests,omitempty"`
	RatedKW  float64      `json:"rated_kw,omitempty" cbor:"rated_kw,omitempty"`
	Work     float64      `json:"work,omitempty" cbor:"work,omitempty"`
	Progress float64      `json:"progress,omitempty" cbor:"progress,omitempty"`
	Shortage bool         `json:"shortage,omitempty" cbor:"shortage,omitempty"`
}

func restoreFunction(fs FunctionState) (Function, error) {
	switch fs.Kind {
	case KindFarming:
		return &Farming{Area: fs.Area, growth: fs.Growth, harvests: fs.Harvests}, nil
	case KindLifeSupport:
		return &LifeSupport{shortage: fs.Shortage}, nil
	case KindPowerGeneration:
		return &PowerGeneration{RatedKW: fs.RatedKW}, nil
	case KindConstruction:
		return &Construction{Work: fs.Work, progress: fs.Progress}, nil
	default:
		return nil, fmt.Errorf("restore function: unknown kind %d", fs.Kind)
	}
}

// Farming grows crops over Area m². Growth slows in proportion to any
// shortfall of water, CO2 or grow-light energy.
type Farming struct {
	Area float64

	growth   float64 // 0..1 of a crop cycle
	harvests int
}

func (f *Farming) Kind() FunctionKind { return KindFarming }

func (f *Farming) step(s *stepEnv) {
	sols := s.sols()
	water := f.Area * cropWaterPerM2Sol * sols
	co2 := f.Area * cropCO2PerM2Sol * sols
	light := f.Area * growLightKWhPerM2Sol * sols

	factor := 1.0
	factor = minRatio(factor, s.store.Retrieve(Water, water), water)
	factor = minRatio(factor, s.store.Retrieve(CarbonDioxide, co2), co2)
	factor = minRatio(factor, s.store.Retrieve(Energy, light), light)

	s.store.Store(Oxygen, f.Area*cropOxygenPerM2Sol*sols*factor)
	f.growth += sols / cropGrowthSols * factor
	for f.growth >= 1 {
		f.growth--
		f.harvests++
		s.store.Store(Food, f.Area*cropYieldPerM2)
	}
}

func (f *Farming) state() FunctionState {
	return FunctionState{Kind: KindFarming, Area: f.Area, Growth: f.growth, Harvests: f.harvests}
}

// Growth returns progress through the current crop cycle.
func (f *Farming) Growth() float64 { return f.growth }

// Harvests returns the number of completed crop cycles.
func (f *Farming) Harvests() int { return f.harvests }

// LifeSupport keeps the occupants breathing: it draws oxygen and water per
// person and scrubs their CO2 into the store for the farms.
type LifeSupport struct {
	shortage bool
}

func (l *LifeSupport) Kind() FunctionKind { return KindLifeSupport }

func (l *LifeSupport) step(s *stepEnv) {
	people := float64(s.staff.Occupants())
	sols := s.sols()
	o2 := people * oxygenPerPersonSol * sols
	water := people * waterPerPersonSol * sols

	gotO2 := s.store.Retrieve(Oxygen, o2)
	gotWater := s.store.Retrieve(Water, water)
	s.store.Store(CarbonDioxide, people*co2PerPersonSol*sols)
	l.shortage = gotO2 < o2 || gotWater < water
}

func (l *LifeSupport) state() FunctionState {
	return FunctionState{Kind: KindLifeSupport, Shortage: l.shortage}
}

// Shortage reports whether the last pulse could not be fully supplied.
func (l *LifeSupport) Shortage() bool { return l.shortage }

// PowerGeneration converts surface irradiance to stored energy.
type PowerGeneration struct {
	RatedKW float64 // output at peakIrradiance
}

func (p *PowerGeneration) Kind() FunctionKind { return KindPowerGeneration }

func (p *PowerGeneration) step(s *stepEnv) {
	irr := s.env.SolarIrradiance()
	if irr <= 0 {
		return
	}
	s.store.Store(Energy, p.RatedKW*irr/peakIrradiance*s.hours())
}

func (p *PowerGeneration) state() FunctionState {
	return FunctionState{Kind: KindPowerGeneration, RatedKW: p.RatedKW}
}

// Construction accumulates crew effort until Work crew-millisols are done.
// Crews stand down during a dust storm.
type Construction struct {
	Work float64

	progress float64
}

func (c *Construction) Kind() FunctionKind { return KindConstruction }

func (c *Construction) step(s *stepEnv) {
	if c.Done() || s.env.DustStorm() {
		return
	}
	c.progress += float64(s.staff.Crew()) * s.elapsed
	if c.progress > c.Work {
		c.progress = c.Work
	}
}

func (c *Construction) state() FunctionState {
	return FunctionState{Kind: KindConstruction, Work: c.Work, Progress: c.progress}
}

// Progress returns completed work in crew-millisols.
func (c *Construction) Progress() float64 { return c.progress }

// Done reports whether the project is complete.
func (c *Construction) Done() bool { return c.progress >= c.Work }

func minRatio(current, got, want float64) float64 {
	if want <= 0 {
		return current
	}
	if r := got / want; r < current {
		return r
	}
	return current
}
