package colony

import (
	"fmt"
	"sync"

	"github.com/talgya/mars-colony/internal/pulse"
)

// ColonistKind distinguishes people from robots.
type ColonistKind uint8

const (
	Person ColonistKind = iota
	Robot
)

func (k ColonistKind) String() string {
	if k == Robot {
		return "robot"
	}
	return "person"
}

// Task is what a colonist is doing during a pulse.
type Task uint8

const (
	TaskIdle Task = iota
	TaskEat
	TaskDrink
	TaskRest
	TaskRecharge
	TaskBuild
)

var taskNames = []string{"idle", "eat", "drink", "rest", "recharge", "build"}

func (t Task) String() string {
	if int(t) < len(taskNames) {
		return taskNames[t]
	}
	return fmt.Sprintf("task(%d)", uint8(t))
}

// Needs are satisfaction levels from 0 (unmet) to 1 (satisfied). Robots
// only use Charge.
type Needs struct {
	Satiety   float64 `json:"satiety" cbor:"satiety"`
	Hydration float64 `json:"hydration" cbor:"hydration"`
	Rest      float64 `json:"rest" cbor:"rest"`
	Charge    float64 `json:"charge" cbor:"charge"`
}

const (
	urgentNeed    = 0.3 // below this a need takes over the colonist
	satisfiedNeed = 0.95

	// Decay and recovery per millisol.
	satietyDecay   = 1.0 / 500
	hydrationDecay = 1.0 / 300
	restDecay      = 1.0 / 700
	restRecovery   = 1.0 / 150
	chargeDecay    = 1.0 / 400
	chargeRecovery = 1.0 / 100

	mealKg          = 0.6
	drinkKg         = 1.0
	rechargeKWhPerM = 0.02 // energy drawn per millisol on charge
)

// Worksite tells colonists whether there is construction to staff.
type Worksite interface {
	ConstructionPending() bool
}

// Colonist is a person or robot whose needs decay with simulated time and
// who picks a task each pulse from the most urgent need.
type Colonist struct {
	cursor pulse.Cursor

	id    uint64
	name  string
	kind  ColonistKind
	store *ResourceStore
	site  Worksite

	mu    sync.Mutex
	needs Needs
	task  Task
}

// NewColonist creates a fully satisfied colonist.
func NewColonist(id uint64, name string, kind ColonistKind, store *ResourceStore, site Worksite) *Colonist {
	return &Colonist{
		id:    id,
		name:  name,
		kind:  kind,
		store: store,
		site:  site,
		needs: Needs{Satiety: 1, Hydration: 1, Rest: 1, Charge: 1},
	}
}

func (c *Colonist) Name() string       { return c.name }
func (c *Colonist) ID() uint64         { return c.id }
func (c *Colonist) Kind() ColonistKind { return c.kind }

// Needs returns the current need levels.
func (c *Colonist) Needs() Needs {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.needs
}

// Task returns the task chosen on the last pulse.
func (c *Colonist) Task() Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.task
}

// Advance decays needs by the elapsed millisols, then chooses and performs
// a task.
func (c *Colonist) Advance(p *pulse.ClockPulse) bool {
	if !c.cursor.Accept(p) {
		return false
	}

	// Ask the worksite before locking: buildings read crew tasks under
	// their own locks.
	pending := c.site != nil && c.site.ConstructionPending()

	c.mu.Lock()
	defer c.mu.Unlock()
	dt := p.Elapsed()
	if c.kind == Robot {
		c.stepRobot(dt, pending)
	} else {
		c.stepPerson(dt, pending)
	}
	return true
}

func (c *Colonist) stepPerson(dt float64, pending bool) {
	n := &c.needs
	n.Satiety = clamp01(n.Satiety - satietyDecay*dt)
	n.Hydration = clamp01(n.Hydration - hydrationDecay*dt)
	if c.task == TaskRest {
		n.Rest = clamp01(n.Rest + restRecovery*dt)
	} else {
		n.Rest = clamp01(n.Rest - restDecay*dt)
	}

	// Lower needs first: thirst kills before hunger, hunger before
	// fatigue. A colonist already resting keeps resting until recovered.
	switch {
	case n.Hydration < urgentNeed:
		c.task = TaskDrink
		got := c.store.Retrieve(Water, drinkKg)
		n.Hydration = clamp01(n.Hydration + got/drinkKg*0.7)
	case n.Satiety < urgentNeed:
		c.task = TaskEat
		got := c.store.Retrieve(Food, mealKg)
		n.Satiety = clamp01(n.Satiety + got/mealKg*0.7)
	case n.Rest < urgentNeed, c.task == TaskRest && n.Rest < satisfiedNeed:
		c.task = TaskRest
	default:
		c.task = work(pending)
	}
}

func (c *Colonist) stepRobot(dt float64, pending bool) {
	n := &c.needs
	if c.task == TaskRecharge {
		want := rechargeKWhPerM * dt
		got := c.store.Retrieve(Energy, want)
		n.Charge = clamp01(n.Charge + chargeRecovery*dt*ratio(got, want))
		if n.Charge < satisfiedNeed && got > 0 {
			return
		}
	} else {
		n.Charge = clamp01(n.Charge - chargeDecay*dt)
	}

	if n.Charge < urgentNeed {
		c.task = TaskRecharge
		return
	}
	c.task = work(pending)
}

func work(constructionPending bool) Task {
	if constructionPending {
		return TaskBuild
	}
	return TaskIdle
}

// ColonistState is the persisted form of a Colonist.
type ColonistState struct {
	ID        uint64       `json:"id" cbor:"id"`
	Name      string       `json:"name" cbor:"name"`
	Kind      ColonistKind `json:"kind" cbor:"kind"`
	LastPulse uint64       `json:"last_pulse" cbor:"last_pulse"`
	Needs     Needs        `json:"needs" cbor:"needs"`
	Task      Task         `json:"task" cbor:"task"`
}

func (c *Colonist) snapshot() ColonistState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ColonistState{
		ID:        c.id,
		Name:      c.name,
		Kind:      c.kind,
		LastPulse: c.cursor.Last(),
		Needs:     c.needs,
		Task:      c.task,
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func ratio(got, want float64) float64 {
	if want <= 0 {
		return 0
	}
	return got / want
}
