package colony

import (
	"fmt"
	"math/rand"
)

// OutpostConfig controls generation of a starting settlement.
type OutpostConfig struct {
	ID        SettlementID
	Name      string
	Seed      int64
	People    int
	Robots    int
	Projects  int // construction sites to open
	FarmAreaM int // greenhouse floor area per farm, m²
}

var givenNames = []string{
	"Ada", "Bao", "Chiara", "Dmitri", "Esi", "Farid", "Greta", "Hana",
	"Idris", "Jun", "Kofi", "Lena", "Mateo", "Nadia", "Oskar", "Priya",
	"Quinn", "Rania", "Sven", "Tomoko", "Umar", "Vera", "Wen", "Yara",
}

var familyNames = []string{
	"Abara", "Bergstrom", "Castillo", "Dlamini", "Eriksen", "Fujita",
	"Gallo", "Haddad", "Ivanova", "Jensen", "Kaur", "Lindqvist", "Mensah",
	"Nakamura", "Okafor", "Petrov", "Reyes", "Sato", "Tanaka", "Varga",
}

var projects = []string{"Habitat Annex", "Regolith Kiln", "Ice Mine", "Launch Pad", "Workshop"}

// NewOutpost builds a settlement with the standard layout: a habitat with
// life support, one greenhouse per four people, a solar field sized to
// the population, and the requested construction sites. The same config
// always yields the same settlement.
func NewOutpost(cfg OutpostConfig, env Environment) *Settlement {
	rng := rand.New(rand.NewSource(cfg.Seed + 300))
	people := max(cfg.People, 0)
	robots := max(cfg.Robots, 0)
	area := float64(cfg.FarmAreaM)
	if area <= 0 {
		area = 40
	}

	perSol := float64(max(people, 1))
	store := NewResourceStore(map[Resource]float64{
		Oxygen:        perSol * oxygenPerPersonSol * 60,
		Water:         perSol * waterPerPersonSol * 60,
		Food:          perSol * 1.8 * 120,
		CarbonDioxide: perSol * co2PerPersonSol * 30,
		Energy:        500 + perSol*50,
	})
	// Arrive with a month of consumables and half-charged batteries.
	store.Store(Oxygen, perSol*oxygenPerPersonSol*30)
	store.Store(Water, perSol*waterPerPersonSol*30)
	store.Store(Food, perSol*1.8*60)
	store.Store(CarbonDioxide, perSol*co2PerPersonSol*5)
	store.Store(Energy, store.Capacity(Energy)/2)

	s := NewSettlement(cfg.ID, cfg.Name, store, env)
	s.AddBuilding("Habitat", &LifeSupport{})
	for i := 0; i < (people+3)/4; i++ {
		s.AddBuilding(fmt.Sprintf("Greenhouse %d", i+1), &Farming{Area: area})
	}
	s.AddBuilding("Solar Field", &PowerGeneration{RatedKW: 20 + 5*perSol})
	for i := 0; i < cfg.Projects; i++ {
		name := projects[i%len(projects)]
		if i >= len(projects) {
			name = fmt.Sprintf("%s %d", name, i/len(projects)+1)
		}
		work := 2000 + float64(rng.Intn(8))*500
		s.AddBuilding(name, &Construction{Work: work})
	}

	id := uint64(1)
	for i := 0; i < people; i++ {
		name := givenNames[rng.Intn(len(givenNames))] + " " + familyNames[rng.Intn(len(familyNames))]
		s.AddColonist(id, name, Person)
		id++
	}
	for i := 0; i < robots; i++ {
		s.AddColonist(id, fmt.Sprintf("RX-%03d", rng.Intn(1000)), Robot)
		id++
	}
	return s
}
