// Package calib turns raw channel readings into engineering units.
//
// Every channel carries a linear calibration: scaled = raw*scale + offset.
// Vectors and images are scaled elementwise with the channel's coefficients.
// Readings that carry no number (absent, text) become NaN first.
package calib

import (
	"math"

	"github.com/xtxerr/labstalker/internal/storage/types"
)

// Sanitize returns v unchanged when it is numeric, and a scalar NaN otherwise.
func Sanitize(v types.Value) types.Value {
	if v.IsNumeric() {
		return v
	}
	return types.NaN()
}

// Scale applies per-channel scale and offset to raw. The result has the
// same length as raw. A coefficient missing for a channel counts as identity
// (scale 1, offset 0). The input is never modified.
func Scale(raw []types.Value, scale, offset []float64) []types.Value {
	out := make([]types.Value, len(raw))
	for i, v := range raw {
		s, o := coefficient(scale, i, 1), coefficient(offset, i, 0)
		out[i] = Apply(v, s, o)
	}
	return out
}

// Apply scales a single reading.
func Apply(v types.Value, scale, offset float64) types.Value {
	v = Sanitize(v)
	switch v.Kind {
	case types.KindScalar:
		return types.Scalar(v.Num*scale + offset)
	default:
		data := make([]float64, len(v.Data))
		for j, x := range v.Data {
			data[j] = x*scale + offset
		}
		c := v.Clone()
		c.Data = data
		return c
	}
}

func coefficient(c []float64, i int, identity float64) float64 {
	if i < len(c) {
		return c[i]
	}
	return identity
}

// Finite reports whether every coefficient is a finite number.
func Finite(c []float64) bool {
	for _, x := range c {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
