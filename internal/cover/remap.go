package cover

import "math"

// Direction selects which way Remap converts a value.
type Direction int

const (
	// ToDevice converts from the user scale (0-100) to the source scale.
	ToDevice Direction = iota

	// FromDevice converts from the source scale to the user scale (0-100).
	FromDevice
)

// Remap converts a scalar between the public 0-100 user scale and a
// configured source scale (minValue..maxValue), in either direction.
//
// Rules, in order:
//   - nil propagates unchanged (unknown state stays unknown)
//   - 0 maps to 0 in both directions: 0 is the universal "fully closed"
//     sentinel and bypasses the linear formula
//   - a degenerate range (minValue == maxValue) yields 0 toward the
//     device and minValue back from it
//   - ToDevice maps 1..100 linearly onto minValue..maxValue and clamps
//     to the range, tolerating minValue > maxValue
//   - FromDevice maps minValue..maxValue linearly onto 1..100 and clamps
//     to [1, 100]; source values below minValue yield 1, never 0, so
//     "barely open" stays distinguishable from "fully closed"
//
// Never panics: any integer input produces an integer result.
func Remap(value *int, minValue, maxValue int, direction Direction) *int {
	if value == nil {
		return nil
	}
	v := *value
	if v == 0 {
		return intPtr(0)
	}
	if minValue == maxValue {
		if direction == ToDevice {
			return intPtr(0)
		}
		return intPtr(minValue)
	}

	if direction == ToDevice {
		result := int(math.Round(float64(v-1)*float64(maxValue-minValue)/99 + float64(minValue)))
		return intPtr(clamp(result, minValue, maxValue))
	}

	if v < minValue {
		return intPtr(1)
	}
	result := int(math.Round(float64(v-minValue)*99/float64(maxValue-minValue) + 1))
	return intPtr(clamp(result, 1, 100))
}

// clamp bounds v to [lo, hi], tolerating lo > hi.
func clamp(v, lo, hi int) int {
	if lo > hi {
		lo, hi = hi, lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func intPtr(v int) *int {
	return &v
}

// intPtrEqual reports whether two optional integers hold the same value.
func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
