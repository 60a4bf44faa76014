package dynamixel

import "math"

// ToRaw converts an angle in radians to a raw register count for the model.
// The result is relative: add a calibration center to get an absolute goal.
func ToRaw(m Model, radians float64) (int, error) {
	spec, err := Spec(m)
	if err != nil {
		return 0, err
	}
	deg := radians * 180 / math.Pi
	return int(math.Round(deg * spec.CountsPerScale / spec.DegreesPerScale)), nil
}

// ToRadians converts a raw register count to radians. It is the inverse of
// ToRaw within one count.
func ToRadians(m Model, raw int) (float64, error) {
	spec, err := Spec(m)
	if err != nil {
		return 0, err
	}
	deg := float64(raw) * spec.DegreesPerScale / spec.CountsPerScale
	return deg * math.Pi / 180, nil
}

// RadiansPerCount returns the angular size of one raw count.
func RadiansPerCount(m Model) (float64, error) {
	return ToRadians(m, 1)
}
