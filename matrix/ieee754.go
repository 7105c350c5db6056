package matrix

import "math"

// ToIEEE754 returns the raw IEEE-754 bit pattern of f. The controller
// firmware takes current setpoints as the hex rendering of this value.
func ToIEEE754(f float32) uint32 {
	return math.Float32bits(f)
}

// FromIEEE754 is the inverse of ToIEEE754.
func FromIEEE754(bits uint32) float32 {
	return math.Float32frombits(bits)
}
