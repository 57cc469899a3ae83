package colony

import (
	"fmt"
	"sync"

	"github.com/talgya/mars-colony/internal/pulse"
)

// SettlementID is a unique identifier for a settlement.
type SettlementID = uint64

// Settlement owns a store, its buildings and its colonists, and forwards
// every pulse it accepts to them in that order: store first so the sol
// rollover of usage counters precedes the new sol's draws.
type Settlement struct {
	cursor pulse.Cursor

	id    SettlementID
	name  string
	env   Environment
	store *ResourceStore

	mu        sync.RWMutex
	buildings []*Building
	colonists []*Colonist
}

// NewSettlement creates an empty settlement around store.
func NewSettlement(id SettlementID, name string, store *ResourceStore, env Environment) *Settlement {
	return &Settlement{id: id, name: name, env: env, store: store}
}

func (s *Settlement) ID() SettlementID      { return s.id }
func (s *Settlement) Name() string          { return s.name }
func (s *Settlement) Store() *ResourceStore { return s.store }

// AddBuilding creates a building staffed from this settlement.
func (s *Settlement) AddBuilding(name string, fns ...Function) *Building {
	b := NewBuilding(name, s.store, s.env, s, fns...)
	s.mu.Lock()
	s.buildings = append(s.buildings, b)
	s.mu.Unlock()
	return b
}

// AddColonist creates a colonist living in this settlement.
func (s *Settlement) AddColonist(id uint64, name string, kind ColonistKind) *Colonist {
	c := NewColonist(id, name, kind, s.store, s)
	s.mu.Lock()
	s.colonists = append(s.colonists, c)
	s.mu.Unlock()
	return c
}

// Buildings returns the settlement's buildings.
func (s *Settlement) Buildings() []*Building {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Building(nil), s.buildings...)
}

// Colonists returns the settlement's colonists.
func (s *Settlement) Colonists() []*Colonist {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Colonist(nil), s.colonists...)
}

// Advance forwards p to every member. Members keep their own cursors, so
// one that is also registered with the clock directly still applies p
// once.
func (s *Settlement) Advance(p *pulse.ClockPulse) bool {
	if !s.cursor.Accept(p) {
		return false
	}

	s.store.Advance(p)
	for _, b := range s.Buildings() {
		b.Advance(p)
	}
	for _, c := range s.Colonists() {
		c.Advance(p)
	}
	return true
}

// Occupants counts the people breathing habitat air.
func (s *Settlement) Occupants() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.colonists {
		if c.kind == Person {
			n++
		}
	}
	return n
}

// Crew counts colonists assigned to construction on the last pulse.
func (s *Settlement) Crew() int {
	n := 0
	for _, c := range s.Colonists() {
		if c.Task() == TaskBuild {
			n++
		}
	}
	return n
}

// ConstructionPending reports whether any construction is unfinished.
func (s *Settlement) ConstructionPending() bool {
	for _, b := range s.Buildings() {
		pending := false
		b.Inspect(KindConstruction, func(fn Function) { pending = !fn.(*Construction).Done() })
		if pending {
			return true
		}
	}
	return false
}

// Summary is a point-in-time overview for reports and the API.
type Summary struct {
	ID           SettlementID       `json:"id"`
	Name         string             `json:"name"`
	People       int                `json:"people"`
	Robots       int                `json:"robots"`
	Buildings    int                `json:"buildings"`
	Resources    map[string]float64 `json:"resources"`
	Shortage     bool               `json:"shortage"`
	Constructing int                `json:"constructing"`
	Harvests     int                `json:"harvests"`
	LastPulse    uint64             `json:"last_pulse"`
}

// Summary reports the settlement's current state.
func (s *Settlement) Summary() Summary {
	sum := Summary{
		ID:        s.id,
		Name:      s.name,
		Resources: make(map[string]float64),
		LastPulse: s.cursor.Last(),
	}
	for _, r := range Resources() {
		sum.Resources[r.String()] = s.store.Amount(r)
	}
	for _, c := range s.Colonists() {
		if c.kind == Robot {
			sum.Robots++
		} else {
			sum.People++
		}
	}
	buildings := s.Buildings()
	sum.Buildings = len(buildings)
	for _, b := range buildings {
		b.Inspect(KindLifeSupport, func(fn Function) {
			sum.Shortage = sum.Shortage || fn.(*LifeSupport).Shortage()
		})
		b.Inspect(KindConstruction, func(fn Function) {
			if !fn.(*Construction).Done() {
				sum.Constructing++
			}
		})
		b.Inspect(KindFarming, func(fn Function) { sum.Harvests += fn.(*Farming).Harvests() })
	}
	return sum
}

// SettlementState is the persisted form of a Settlement.
type SettlementState struct {
	ID        SettlementID    `json:"id" cbor:"id"`
	Name      string          `json:"name" cbor:"name"`
	LastPulse uint64          `json:"last_pulse" cbor:"last_pulse"`
	Store     StoreState      `json:"store" cbor:"store"`
	Buildings []BuildingState `json:"buildings" cbor:"buildings"`
	Colonists []ColonistState `json:"colonists" cbor:"colonists"`
}

// StoreState is the persisted form of a ResourceStore.
type StoreState struct {
	LastPulse uint64             `json:"last_pulse" cbor:"last_pulse"`
	Amounts   map[string]float64 `json:"amounts" cbor:"amounts"`
	Capacity  map[string]float64 `json:"capacity" cbor:"capacity"`
	Supplied  map[string]float64 `json:"supplied" cbor:"supplied"`
	Demanded  map[string]float64 `json:"demanded" cbor:"demanded"`
	History   []SolUsage         `json:"history" cbor:"history"`
}

func (s *ResourceStore) snapshot() StoreState {
	history := s.History()
	s.mu.Lock()
	defer s.mu.Unlock()
	return StoreState{
		LastPulse: s.cursor.Last(),
		Amounts:   toMap(s.amounts),
		Capacity:  toMap(s.capacity),
		Supplied:  toMap(s.supplied),
		Demanded:  toMap(s.demanded),
		History:   history,
	}
}

func restoreStore(st StoreState) *ResourceStore {
	s := &ResourceStore{
		amounts:  fromMap(st.Amounts),
		capacity: fromMap(st.Capacity),
		supplied: fromMap(st.Supplied),
		demanded: fromMap(st.Demanded),
		history:  newHistory(),
	}
	s.cursor.Restore(st.LastPulse)
	for _, u := range st.History {
		s.history.Enqueue(u)
	}
	return s
}

// Snapshot captures the settlement for persistence. Call it between
// dispatches.
func (s *Settlement) Snapshot() SettlementState {
	st := SettlementState{
		ID:        s.id,
		Name:      s.name,
		LastPulse: s.cursor.Last(),
		Store:     s.store.snapshot(),
	}
	for _, b := range s.Buildings() {
		st.Buildings = append(st.Buildings, b.snapshot())
	}
	for _, c := range s.Colonists() {
		st.Colonists = append(st.Colonists, c.snapshot())
	}
	return st
}

// RestoreSettlement rebuilds a settlement from a snapshot, wiring it to
// env. Cursors resume where they were saved so pulses continue from the
// saved id.
func RestoreSettlement(st SettlementState, env Environment) (*Settlement, error) {
	s := NewSettlement(st.ID, st.Name, restoreStore(st.Store), env)
	s.cursor.Restore(st.LastPulse)

	for _, bs := range st.Buildings {
		fns := make([]Function, 0, len(bs.Functions))
		for _, fs := range bs.Functions {
			fn, err := restoreFunction(fs)
			if err != nil {
				return nil, fmt.Errorf("restore building %q: %w", bs.Name, err)
			}
			fns = append(fns, fn)
		}
		b := s.AddBuilding(bs.Name, fns...)
		b.cursor.Restore(bs.LastPulse)
	}
	for _, cs := range st.Colonists {
		c := s.AddColonist(cs.ID, cs.Name, cs.Kind)
		c.cursor.Restore(cs.LastPulse)
		c.needs = cs.Needs
		c.task = cs.Task
	}
	return s, nil
}
