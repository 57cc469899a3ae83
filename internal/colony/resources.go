// Package colony provides the settlement-side pulse consumers: resource
// stores, buildings and their functions, and colonist minds. Every type
// here receives its collaborators at construction; nothing reaches for
// process-wide state.
package colony

import (
	"fmt"
	"sync"

	"github.com/emirpasic/gods/queues/circularbuffer"

	"github.com/talgya/mars-colony/internal/pulse"
)

// Resource enumerates the tracked stocks.
type Resource uint8

const (
	Oxygen Resource = iota
	Water
	Food
	CarbonDioxide
	Energy
	numResources
)

var resourceNames = [numResources]string{"oxygen", "water", "food", "co2", "energy"}

func (r Resource) String() string {
	if r < numResources {
		return resourceNames[r]
	}
	return fmt.Sprintf("resource(%d)", uint8(r))
}

// Resources lists every tracked resource.
func Resources() []Resource {
	return []Resource{Oxygen, Water, Food, CarbonDioxide, Energy}
}

// historySols is how many completed sols of usage a store remembers.
const historySols = 14

// SolUsage is one completed sol of supply and demand, in kg (kWh for
// energy).
type SolUsage struct {
	Sol      int64              `json:"sol" cbor:"sol"`
	Supplied map[string]float64 `json:"supplied" cbor:"supplied"`
	Demanded map[string]float64 `json:"demanded" cbor:"demanded"`
}

// ResourceStore holds a settlement's stocks and tracks per-sol usage. It
// is a pulse consumer so the sol rollover of its usage counters happens
// exactly once.
type ResourceStore struct {
	cursor pulse.Cursor

	mu       sync.Mutex
	amounts  [numResources]float64
	capacity [numResources]float64
	supplied [numResources]float64
	demanded [numResources]float64
	history  *circularbuffer.Queue
}

// NewResourceStore creates a store with the given capacities. Resources
// without a capacity cannot be stored.
func NewResourceStore(capacity map[Resource]float64) *ResourceStore {
	s := &ResourceStore{history: newHistory()}
	for r, c := range capacity {
		if r < numResources {
			s.capacity[r] = c
		}
	}
	return s
}

func (s *ResourceStore) Name() string { return "resource-store" }

// Store adds up to amount of r and returns what fit.
func (s *ResourceStore) Store(r Resource, amount float64) float64 {
	if amount <= 0 || r >= numResources {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.capacity[r] - s.amounts[r]
	if room < 0 {
		room = 0
	}
	if amount > room {
		amount = room
	}
	s.amounts[r] += amount
	s.supplied[r] += amount
	return amount
}

// Retrieve removes up to amount of r and returns what was available. The
// full amount counts as demand even when the store runs short.
func (s *ResourceStore) Retrieve(r Resource, amount float64) float64 {
	if amount <= 0 || r >= numResources {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.demanded[r] += amount
	if amount > s.amounts[r] {
		amount = s.amounts[r]
	}
	s.amounts[r] -= amount
	return amount
}

// Amount returns the current stock of r.
func (s *ResourceStore) Amount(r Resource) float64 {
	if r >= numResources {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.amounts[r]
}

// Capacity returns the maximum stock of r.
func (s *ResourceStore) Capacity(r Resource) float64 {
	if r >= numResources {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity[r]
}

// Advance rolls the day's usage into history when the pulse opens a new
// sol.
func (s *ResourceStore) Advance(p *pulse.ClockPulse) bool {
	if !s.cursor.Accept(p) {
		return false
	}
	if !p.IsNewSol() {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.Enqueue(SolUsage{
		Sol:      p.MarsTime().Sol() - 1,
		Supplied: toMap(s.supplied),
		Demanded: toMap(s.demanded),
	})
	s.supplied = [numResources]float64{}
	s.demanded = [numResources]float64{}
	return true
}

// History returns completed sols, oldest first.
func (s *ResourceStore) History() []SolUsage {
	s.mu.Lock()
	defer s.mu.Unlock()

	values := s.history.Values()
	out := make([]SolUsage, 0, len(values))
	for _, v := range values {
		out = append(out, v.(SolUsage))
	}
	return out
}

func newHistory() *circularbuffer.Queue { return circularbuffer.New(historySols) }

func toMap(a [numResources]float64) map[string]float64 {
	m := make(map[string]float64, numResources)
	for r := Resource(0); r < numResources; r++ {
		m[r.String()] = a[r]
	}
	return m
}

func fromMap(m map[string]float64) [numResources]float64 {
	var a [numResources]float64
	for r := Resource(0); r < numResources; r++ {
		a[r] = m[r.String()]
	}
	return a
}
