package calibrate

import "math"

// MinViableIndex is the lowest raw benchmark index that still yields a multiplier.
const MinViableIndex = 150

type tier struct {
	floor float64
	base  float64
	span  float64
}

// tiers is ordered from the fastest hosts down; the first floor at or below
// the raw index wins.
var tiers = []tier{
	{floor: 1300, base: 3, span: 233},
	{floor: 800, base: 2, span: 500},
	{floor: MinViableIndex, base: 1, span: 650},
}

// Multiplier converts a raw benchmark index into the CPU slowdown multiplier
// consumed by the audit engine. It returns false when the index is below
// MinViableIndex or not finite.
func Multiplier(raw float64) (float64, bool) {
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return 0, false
	}
	for _, t := range tiers {
		if raw >= t.floor {
			return t.base + (raw-t.floor)/t.span, true
		}
	}
	return 0, false
}
