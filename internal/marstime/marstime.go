// Package marstime provides the simulation's two calendars: Mars time in
// sols and millisols on the Darian calendar, and Earth time derived from
// the same elapsed simulated duration.
package marstime

import (
	"fmt"
	"math"
	"time"
)

// Calendar constants.
const (
	MillisolsPerSol = 1000.0

	// MillisPerMillisol is the Earth milliseconds in one millisol
	// (one sol = 88,775.244 seconds).
	MillisPerMillisol = 88775.244

	MonthsPerOrbit = 24
)

// DefaultEarthStart is the Earth date paired with the Mars epoch on a
// fresh colony.
var DefaultEarthStart = time.Date(2043, time.September, 30, 0, 0, 0, 0, time.UTC)

var monthNames = [MonthsPerOrbit]string{
	"Sagittarius", "Dhanus", "Capricornus", "Makara", "Aquarius", "Kumbha",
	"Pisces", "Mina", "Aries", "Mesha", "Taurus", "Rishabha",
	"Gemini", "Mithuna", "Cancer", "Karka", "Leo", "Simha",
	"Virgo", "Kanya", "Libra", "Tula", "Scorpius", "Vrishika",
}

// MarsTime is an absolute Mars date and time. The zero value is the
// epoch: orbit 1, Sagittarius 1, millisol 0. MarsTime is a value type;
// Add returns a new value.
type MarsTime struct {
	sols     int64   // whole sols elapsed since the epoch
	millisol float64 // [0, 1000)
}

// Date is the Darian calendar breakdown of a MarsTime.
type Date struct {
	Orbit      int    `json:"orbit"`
	Month      int    `json:"month"` // 1–24
	MonthName  string `json:"month_name"`
	SolOfMonth int    `json:"sol_of_month"` // 1-based
}

// New builds a MarsTime from a calendar date.
func New(orbit, month, solOfMonth int, millisol float64) (MarsTime, error) {
	if orbit < 1 {
		return MarsTime{}, fmt.Errorf("orbit %d out of range", orbit)
	}
	if month < 1 || month > MonthsPerOrbit {
		return MarsTime{}, fmt.Errorf("month %d out of range", month)
	}
	if n := SolsInMonth(orbit, month); solOfMonth < 1 || solOfMonth > n {
		return MarsTime{}, fmt.Errorf("sol %d out of range for month %d (has %d)", solOfMonth, month, n)
	}
	if math.IsNaN(millisol) || millisol < 0 || millisol >= MillisolsPerSol {
		return MarsTime{}, fmt.Errorf("millisol %v out of range", millisol)
	}

	var sols int64
	for o := 1; o < orbit; o++ {
		sols += int64(SolsInOrbit(o))
	}
	for m := 1; m < month; m++ {
		sols += int64(SolsInMonth(orbit, m))
	}
	sols += int64(solOfMonth - 1)
	return MarsTime{sols: sols, millisol: millisol}, nil
}

// FromTotal builds a MarsTime from total millisols since the epoch.
func FromTotal(total float64) MarsTime {
	return MarsTime{}.Add(total)
}

// Add returns t advanced by the given number of millisols. Negative
// values move backwards.
func (t MarsTime) Add(millisols float64) MarsTime {
	total := t.millisol + millisols
	whole := math.Floor(total / MillisolsPerSol)
	ms := total - whole*MillisolsPerSol
	if ms >= MillisolsPerSol {
		ms -= MillisolsPerSol
		whole++
	}
	if ms < 0 {
		ms = 0
	}
	return MarsTime{sols: t.sols + int64(whole), millisol: ms}
}

// Sub returns t - u in millisols.
func (t MarsTime) Sub(u MarsTime) float64 {
	return float64(t.sols-u.sols)*MillisolsPerSol + (t.millisol - u.millisol)
}

// Sol returns the 1-based absolute sol number.
func (t MarsTime) Sol() int64 { return t.sols + 1 }

// Millisol returns the time of day in millisols.
func (t MarsTime) Millisol() float64 { return t.millisol }

// TotalMillisols returns millisols elapsed since the epoch.
func (t MarsTime) TotalMillisols() float64 {
	return float64(t.sols)*MillisolsPerSol + t.millisol
}

// SameSol reports whether t and u fall on the same sol.
func (t MarsTime) SameSol(u MarsTime) bool { return t.sols == u.sols }

// Date returns the Darian calendar date of t.
func (t MarsTime) Date() Date {
	rem := t.sols
	if rem < 0 {
		rem = 0
	}
	orbit := 1
	for rem >= int64(SolsInOrbit(orbit)) {
		rem -= int64(SolsInOrbit(orbit))
		orbit++
	}
	month := 1
	for ; month < MonthsPerOrbit; month++ {
		n := int64(SolsInMonth(orbit, month))
		if rem < n {
			break
		}
		rem -= n
	}
	return Date{
		Orbit:      orbit,
		Month:      month,
		MonthName:  monthNames[month-1],
		SolOfMonth: int(rem) + 1,
	}
}

// String formats t as "01-Sagittarius-05:0345.123".
func (t MarsTime) String() string {
	d := t.Date()
	return fmt.Sprintf("%02d-%s-%02d:%08.3f", d.Orbit, d.MonthName, d.SolOfMonth, t.millisol)
}

// IsLeapOrbit reports whether the orbit has 669 sols instead of 668.
func IsLeapOrbit(orbit int) bool {
	if orbit%100 == 0 && orbit%500 != 0 {
		return false
	}
	return orbit%2 == 1 || orbit%10 == 0
}

// SolsInOrbit returns 669 for leap orbits and 668 otherwise.
func SolsInOrbit(orbit int) int {
	if IsLeapOrbit(orbit) {
		return 669
	}
	return 668
}

// SolsInMonth returns the length of a month. Every sixth month has 27
// sols; the last month regains its 28th sol in leap orbits.
func SolsInMonth(orbit, month int) int {
	if month%6 != 0 {
		return 28
	}
	if month == MonthsPerOrbit && IsLeapOrbit(orbit) {
		return 28
	}
	return 27
}

// MonthName returns the name of a 1-based month.
func MonthName(month int) string {
	if month < 1 || month > MonthsPerOrbit {
		return ""
	}
	return monthNames[month-1]
}

// EarthDuration converts millisols to the equivalent Earth duration.
func EarthDuration(millisols float64) time.Duration {
	return time.Duration(math.Round(millisols * MillisPerMillisol * float64(time.Millisecond)))
}

// Millisols converts an Earth duration to millisols.
func Millisols(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond) / MillisPerMillisol
}
