package colony

// Environment is the surface conditions buildings respond to.
type Environment interface {
	SolarIrradiance() float64 // W/m² at the surface
	Temperature() float64     // °C
	DustStorm() bool
}

// StaticEnvironment is a fixed Environment.
type StaticEnvironment struct {
	Irradiance float64
	Temp       float64
	Storm      bool
}

func (e StaticEnvironment) SolarIrradiance() float64 { return e.Irradiance }
func (e StaticEnvironment) Temperature() float64     { return e.Temp }
func (e StaticEnvironment) DustStorm() bool          { return e.Storm }

// Staffing reports how many colonists a settlement's functions can draw
// on.
type Staffing interface {
	Occupants() int // people breathing the habitat air
	Crew() int      // colonists currently assigned to construction
}
