package colony

import (
	"sync"

	"github.com/talgya/mars-colony/internal/pulse"
)

// Building is a structure whose functions run each pulse against the
// settlement's shared store.
type Building struct {
	cursor pulse.Cursor

	name  string
	store *ResourceStore
	env   Environment
	staff Staffing

	mu        sync.Mutex
	functions []Function
}

// NewBuilding creates a building that draws on store, responds to env and
// is staffed from staff.
func NewBuilding(name string, store *ResourceStore, env Environment, staff Staffing, fns ...Function) *Building {
	return &Building{
		name:      name,
		store:     store,
		env:       env,
		staff:     staff,
		functions: fns,
	}
}

func (b *Building) Name() string { return b.name }

// Advance runs every function for the pulse's elapsed millisols.
func (b *Building) Advance(p *pulse.ClockPulse) bool {
	if !b.cursor.Accept(p) {
		return false
	}

	s := &stepEnv{store: b.store, env: b.env, staff: b.staff, elapsed: p.Elapsed()}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, fn := range b.functions {
		fn.step(s)
	}
	return true
}

// Inspect calls fn with the building's first function of kind k while
// no pulse is being applied to it. It reports whether such a function
// exists.
func (b *Building) Inspect(k FunctionKind, fn func(Function)) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range b.functions {
		if f.Kind() == k {
			fn(f)
			return true
		}
	}
	return false
}

// LastPulse returns the id of the last pulse the building applied.
func (b *Building) LastPulse() uint64 { return b.cursor.Last() }

// BuildingState is the persisted form of a Building.
type BuildingState struct {
	Name      string          `json:"name" cbor:"name"`
	LastPulse uint64          `json:"last_pulse" cbor:"last_pulse"`
	Functions []FunctionState `json:"functions" cbor:"functions"`
}

func (b *Building) snapshot() BuildingState {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := BuildingState{Name: b.name, LastPulse: b.cursor.Last()}
	for _, fn := range b.functions {
		st.Functions = append(st.Functions, fn.state())
	}
	return st
}
