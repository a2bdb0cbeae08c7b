// Package pose holds the 6-DOF transform type shared by the server state
// and the client, and the compact string codec used for movement updates.
package pose

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DefaultPrecision is the number of fractional digits kept on the wire.
const DefaultPrecision = 5

const separator = "|"

var ErrMalformedPayload = errors.New("malformed transform payload")

type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Pose is a position plus an Euler rotation in radians.
type Pose struct {
	Position Vector3 `json:"position"`
	Rotation Vector3 `json:"rotation"`
}

// Encode renders p as "px|py|pz|rx|ry|rz" with every component rounded to
// precision fractional digits.
func Encode(p Pose, precision int) string {
	if precision < 0 {
		precision = DefaultPrecision
	}
	values := [6]float64{
		p.Position.X, p.Position.Y, p.Position.Z,
		p.Rotation.X, p.Rotation.Y, p.Rotation.Z,
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = formatScalar(v, precision)
	}
	return strings.Join(parts, separator)
}

// Decode parses a string produced by Encode. Tokens past the sixth are
// ignored.
func Decode(s string) (Pose, error) {
	tokens := strings.Split(s, separator)
	if len(tokens) < 6 {
		return Pose{}, fmt.Errorf("%w: expected 6 values, got %d", ErrMalformedPayload, len(tokens))
	}
	var values [6]float64
	for i := range values {
		v, err := strconv.ParseFloat(strings.TrimSpace(tokens[i]), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return Pose{}, fmt.Errorf("%w: value %d is %q", ErrMalformedPayload, i, tokens[i])
		}
		values[i] = v
	}
	return Pose{
		Position: Vector3{X: values[0], Y: values[1], Z: values[2]},
		Rotation: Vector3{X: values[3], Y: values[4], Z: values[5]},
	}, nil
}

// formatScalar rounds through fixed-point text and re-parses so that
// trailing zeros and negative zero disappear from the output.
func formatScalar(v float64, precision int) string {
	fixed := strconv.FormatFloat(v, 'f', precision, 64)
	rounded, err := strconv.ParseFloat(fixed, 64)
	if err != nil {
		return fixed
	}
	if rounded == 0 {
		rounded = 0
	}
	return strconv.FormatFloat(rounded, 'f', -1, 64)
}
