// Package units holds the length and speed conversions shared by the
// tracking packages. Positions travel through the system in millimetres;
// focus distances and speed thresholds are expressed in metres.
package units

const (
	MillimetresPerMetre = 1000.0
)

// MMToM converts millimetres to metres.
func MMToM(mm float64) float64 {
	return mm / MillimetresPerMetre
}

// MToMM converts metres to millimetres.
func MToMM(m float64) float64 {
	return m * MillimetresPerMetre
}

// MMPSToMPS converts a speed in mm/s to m/s.
func MMPSToMPS(mmps float64) float64 {
	return mmps / MillimetresPerMetre
}

// MPSToMMPS converts a speed in m/s to mm/s.
func MPSToMMPS(mps float64) float64 {
	return mps * MillimetresPerMetre
}
