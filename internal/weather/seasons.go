package weather

import "github.com/talgya/mars-colony/internal/marstime"

// Season is the northern-hemisphere season. The Darian year starts at
// the northern spring equinox, so each season spans six months.
type Season uint8

const (
	SeasonSpring Season = iota
	SeasonSummer
	SeasonAutumn
	SeasonWinter
)

const monthsPerSeason = marstime.MonthsPerOrbit / 4

// SeasonOf returns the season of a Darian month (1-24).
func SeasonOf(month int) Season {
	if month < 1 || month > marstime.MonthsPerOrbit {
		return SeasonSpring
	}
	return Season((month - 1) / monthsPerSeason)
}

// SeasonForSol returns the season of a 1-based sol.
func SeasonForSol(sol int64) Season {
	if sol < 1 {
		sol = 1
	}
	return SeasonOf(marstime.FromTotal(float64(sol-1) * marstime.MillisolsPerSol).Date().Month)
}

// String returns a human-readable season name.
func (s Season) String() string {
	switch s {
	case SeasonSpring:
		return "Spring"
	case SeasonSummer:
		return "Summer"
	case SeasonAutumn:
		return "Autumn"
	case SeasonWinter:
		return "Winter"
	default:
		return "Unknown"
	}
}

// DustSeason reports whether s falls in the southern spring and summer,
// when perihelion heating lifts regional storms.
func (s Season) DustSeason() bool {
	return s == SeasonAutumn || s == SeasonWinter
}

// seasonalTempMod returns the °C offset applied to the sol's mean.
func seasonalTempMod(s Season) float64 {
	switch s {
	case SeasonSummer:
		return 8
	case SeasonWinter:
		return -15
	case SeasonAutumn:
		return -4
	default:
		return 0
	}
}

// seasonalStormBias lowers the storm threshold during the dust season.
func seasonalStormBias(s Season) float64 {
	if s.DustSeason() {
		return 0.08
	}
	return 0
}
