package colony

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/mars-colony/internal/marstime"
	"github.com/talgya/mars-colony/internal/pulse"
)

var clearSky = StaticEnvironment{Irradiance: peakIrradiance, Temp: -40}

func mkPulse(t *testing.T, id uint64, elapsed float64, newSol bool) *pulse.ClockPulse {
	t.Helper()
	sol := 1
	if newSol {
		sol = 2
	}
	mt, err := marstime.New(1, 1, sol, 0)
	require.NoError(t, err)
	p, err := pulse.New(id, elapsed, mt, time.Date(2043, 9, 30, 0, 0, 0, 0, time.UTC), newSol)
	require.NoError(t, err)
	return p
}

func TestResourceStoreCapacity(t *testing.T) {
	s := NewResourceStore(map[Resource]float64{Water: 10})

	assert.Equal(t, 10.0, s.Store(Water, 25))
	assert.Equal(t, 0.0, s.Store(Oxygen, 5), "no capacity for oxygen")
	assert.Equal(t, 4.0, s.Retrieve(Water, 4))
	assert.Equal(t, 6.0, s.Retrieve(Water, 9), "short retrieval returns what was held")
	assert.Equal(t, 0.0, s.Amount(Water))
}

func TestResourceStoreRollsHistoryOnNewSol(t *testing.T) {
	s := NewResourceStore(map[Resource]float64{Food: 100})
	s.Store(Food, 50)
	s.Retrieve(Food, 20)

	require.True(t, s.Advance(mkPulse(t, 1, 5, false)))
	assert.Empty(t, s.History())

	require.True(t, s.Advance(mkPulse(t, 2, 5, true)))
	h := s.History()
	require.Len(t, h, 1)
	assert.Equal(t, int64(1), h[0].Sol)
	assert.Equal(t, 50.0, h[0].Supplied["food"])
	assert.Equal(t, 20.0, h[0].Demanded["food"])

	s.Store(Food, 1)
	require.True(t, s.Advance(mkPulse(t, 3, 5, true)))
	assert.Equal(t, 1.0, s.History()[1].Supplied["food"], "counters reset each sol")
}

// A building reached both directly and through its settlement applies
// each pulse once.
func TestForwardedPulseAppliedOnce(t *testing.T) {
	store := NewResourceStore(map[Resource]float64{Energy: 1000})
	s := NewSettlement(1, "Test", store, clearSky)
	b := s.AddBuilding("Solar", &PowerGeneration{RatedKW: 10})

	p := mkPulse(t, 1, 10, false)
	assert.True(t, b.Advance(p))
	assert.True(t, s.Advance(p), "settlement itself has not seen the pulse")
	assert.False(t, b.Advance(p))

	hours := 10 * marstime.MillisPerMillisol / 3.6e6
	assert.InDelta(t, 10*hours, store.Amount(Energy), 1e-9)
	assert.Equal(t, uint64(1), b.LastPulse())
}

func TestConstructionNeedsCrew(t *testing.T) {
	store := NewResourceStore(map[Resource]float64{Water: 100, Food: 100})
	s := NewSettlement(1, "Test", store, clearSky)
	b := s.AddBuilding("Kiln", &Construction{Work: 100})
	s.AddColonist(1, "Ada Abara", Person)
	s.AddColonist(2, "RX-001", Robot)

	// Crew is whoever picked construction on the previous pulse.
	require.True(t, s.Advance(mkPulse(t, 1, 1, false)))
	assert.Equal(t, 2, s.Crew())

	require.True(t, s.Advance(mkPulse(t, 2, 10, false)))
	var progress float64
	require.True(t, b.Inspect(KindConstruction, func(fn Function) { progress = fn.(*Construction).Progress() }))
	assert.InDelta(t, 20, progress, 1e-9)

	require.True(t, s.Advance(mkPulse(t, 3, 50, false)))
	assert.False(t, s.ConstructionPending())
	require.True(t, s.Advance(mkPulse(t, 4, 1, false)))
	assert.Equal(t, 0, s.Crew(), "crew stands down after completion")
}

func TestConstructionHaltsInDustStorm(t *testing.T) {
	store := NewResourceStore(nil)
	s := NewSettlement(1, "Test", store, StaticEnvironment{Storm: true})
	b := s.AddBuilding("Pad", &Construction{Work: 100})
	s.AddColonist(1, "RX-002", Robot)

	for id := uint64(1); id <= 3; id++ {
		require.True(t, s.Advance(mkPulse(t, id, 5, false)))
	}
	b.Inspect(KindConstruction, func(fn Function) {
		assert.Zero(t, fn.(*Construction).Progress())
	})
}

func TestFarmingHarvest(t *testing.T) {
	store := NewResourceStore(map[Resource]float64{
		Water: 1000, CarbonDioxide: 1000, Energy: 1000, Oxygen: 1000, Food: 1000,
	})
	store.Store(Water, 1000)
	store.Store(CarbonDioxide, 1000)
	store.Store(Energy, 1000)
	farm := &Farming{Area: 10}
	b := NewBuilding("Greenhouse", store, clearSky, nil, farm)

	require.True(t, b.Advance(mkPulse(t, 1, cropGrowthSols*marstime.MillisolsPerSol, false)))
	assert.Equal(t, 1, farm.Harvests())
	assert.InDelta(t, 10*cropYieldPerM2, store.Amount(Food), 1e-9)
	assert.InDelta(t, 10*cropOxygenPerM2Sol*cropGrowthSols, store.Amount(Oxygen), 1e-9)
}

func TestFarmingStallsWithoutCO2(t *testing.T) {
	store := NewResourceStore(map[Resource]float64{Water: 100, Energy: 100})
	store.Store(Water, 100)
	store.Store(Energy, 100)
	farm := &Farming{Area: 10}
	b := NewBuilding("Greenhouse", store, clearSky, nil, farm)

	require.True(t, b.Advance(mkPulse(t, 1, 100, false)))
	assert.Zero(t, farm.Growth())
}

type fixedStaff struct{ people, crew int }

func (f fixedStaff) Occupants() int { return f.people }
func (f fixedStaff) Crew() int      { return f.crew }

func TestLifeSupportShortage(t *testing.T) {
	store := NewResourceStore(map[Resource]float64{Oxygen: 10, Water: 10, CarbonDioxide: 10})
	store.Store(Oxygen, 10)
	store.Store(Water, 10)
	ls := &LifeSupport{}
	b := NewBuilding("Habitat", store, clearSky, fixedStaff{people: 4}, ls)

	require.True(t, b.Advance(mkPulse(t, 1, 100, false)))
	assert.False(t, ls.Shortage())
	assert.InDelta(t, 10-4*oxygenPerPersonSol*0.1, store.Amount(Oxygen), 1e-9)
	assert.InDelta(t, 4*co2PerPersonSol*0.1, store.Amount(CarbonDioxide), 1e-9)

	require.True(t, b.Advance(mkPulse(t, 2, 1000, false)))
	assert.True(t, ls.Shortage())
}

func TestPersonDrinksWhenThirsty(t *testing.T) {
	store := NewResourceStore(map[Resource]float64{Water: 10, Food: 10})
	store.Store(Water, 10)
	c := NewColonist(1, "Hana Sato", Person, store, nil)

	require.True(t, c.Advance(mkPulse(t, 1, 250, false)))
	assert.Equal(t, TaskDrink, c.Task())
	assert.InDelta(t, 9, store.Amount(Water), 1e-9)
	assert.InDelta(t, 1-250.0/300+0.7, c.Needs().Hydration, 1e-9)
}

func TestRobotRecharges(t *testing.T) {
	store := NewResourceStore(map[Resource]float64{Energy: 10})
	store.Store(Energy, 10)
	c := NewColonist(1, "RX-100", Robot, store, nil)

	require.True(t, c.Advance(mkPulse(t, 1, 300, false)))
	assert.Equal(t, TaskRecharge, c.Task())
	assert.InDelta(t, 0.25, c.Needs().Charge, 1e-9)

	require.True(t, c.Advance(mkPulse(t, 2, 10, false)))
	assert.Equal(t, TaskRecharge, c.Task(), "keeps charging until nearly full")
	assert.InDelta(t, 0.35, c.Needs().Charge, 1e-9)
	assert.InDelta(t, 10-rechargeKWhPerM*10, store.Amount(Energy), 1e-9)
}

func TestNewOutpostDeterministic(t *testing.T) {
	cfg := OutpostConfig{ID: 1, Name: "Jezero", Seed: 42, People: 6, Robots: 2, Projects: 2}
	a := NewOutpost(cfg, clearSky)
	b := NewOutpost(cfg, clearSky)

	assert.Equal(t, a.Snapshot(), b.Snapshot())
	sum := a.Summary()
	assert.Equal(t, 6, sum.People)
	assert.Equal(t, 2, sum.Robots)
	assert.Equal(t, 1+2+1+2, sum.Buildings)
	assert.Equal(t, 2, sum.Constructing)
	assert.Greater(t, sum.Resources["oxygen"], 0.0)
}

func TestSnapshotRestore(t *testing.T) {
	s := NewOutpost(OutpostConfig{ID: 3, Name: "Gale", Seed: 7, People: 4, Robots: 1, Projects: 1}, clearSky)
	require.True(t, s.Advance(mkPulse(t, 1, 10, false)))
	require.True(t, s.Advance(mkPulse(t, 2, 10, true)))
	require.True(t, s.Advance(mkPulse(t, 3, 10, false)))

	st := s.Snapshot()
	restored, err := RestoreSettlement(st, clearSky)
	require.NoError(t, err)
	assert.Equal(t, st, restored.Snapshot())
	assert.Equal(t, s.Summary(), restored.Summary())

	assert.False(t, restored.Advance(mkPulse(t, 3, 10, false)), "saved cursor rejects replayed pulse")
	assert.True(t, restored.Advance(mkPulse(t, 4, 10, false)))
}

func TestRestoreRejectsUnknownFunction(t *testing.T) {
	st := SettlementState{
		ID:        1,
		Buildings: []BuildingState{{Name: "Odd", Functions: []FunctionState{{Kind: FunctionKind(99)}}}},
	}
	_, err := RestoreSettlement(st, clearSky)
	require.Error(t, err)
}
