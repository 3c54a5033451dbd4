package types

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind indicates what a channel reported for one poll.
type Kind int

const (
	// KindNone is an absent reading (unreadable channel, padded tail).
	KindNone Kind = iota
	// KindText is a non-numeric scalar (status word, firmware string).
	KindText
	// KindScalar is a single numeric reading.
	KindScalar
	// KindVector is a 1-D waveform or spectrum.
	KindVector
	// KindImage is a 2-D (grayscale) or 3-D (color) frame.
	KindImage
)

// String returns a human-readable representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindText:
		return "text"
	case KindScalar:
		return "scalar"
	case KindVector:
		return "vector"
	case KindImage:
		return "image"
	default:
		return "unknown"
	}
}

// Value is one channel reading.
//
// Scalars use Num, text uses Text, vectors and images keep their elements
// row-major in Data with the axis lengths in Dims.
type Value struct {
	Kind Kind
	Num  float64
	Text string
	Data []float64
	Dims []int
}

// None returns an absent reading.
func None() Value { return Value{Kind: KindNone} }

// NaN returns a scalar NaN, the padded value for missing channels.
func NaN() Value { return Value{Kind: KindScalar, Num: math.NaN()} }

// Scalar returns a numeric reading.
func Scalar(v float64) Value { return Value{Kind: KindScalar, Num: v} }

// Text returns a non-numeric reading.
func Text(s string) Value { return Value{Kind: KindText, Text: s} }

// Vector returns a 1-D reading. The slice is not copied.
func Vector(data []float64) Value {
	return Value{Kind: KindVector, Data: data, Dims: []int{len(data)}}
}

// Image returns a frame with the given dims (h, w) or (h, w, c).
// It returns an error when dims do not describe len(data) elements.
func Image(data []float64, dims ...int) (Value, error) {
	if len(dims) < 2 || len(dims) > 3 {
		return Value{}, fmt.Errorf("image needs 2 or 3 dims, got %d", len(dims))
	}
	n := 1
	for _, d := range dims {
		if d <= 0 {
			return Value{}, fmt.Errorf("image dim %d is not positive", d)
		}
		n *= d
	}
	if n != len(data) {
		return Value{}, fmt.Errorf("image dims %v need %d elements, got %d", dims, n, len(data))
	}
	return Value{Kind: KindImage, Data: data, Dims: append([]int(nil), dims...)}, nil
}

// IsNumeric reports whether the value carries numbers.
func (v Value) IsNumeric() bool {
	return v.Kind == KindScalar || v.Kind == KindVector || v.Kind == KindImage
}

// Len returns the number of numeric elements.
func (v Value) Len() int {
	switch v.Kind {
	case KindScalar:
		return 1
	case KindVector, KindImage:
		return len(v.Data)
	default:
		return 0
	}
}

// Clone returns a deep copy.
func (v Value) Clone() Value {
	c := v
	if v.Data != nil {
		c.Data = append([]float64(nil), v.Data...)
	}
	if v.Dims != nil {
		c.Dims = append([]int(nil), v.Dims...)
	}
	return c
}

// String renders scalars and text the way both stores write them:
// absent values as "None", numbers in shortest form.
func (v Value) String() string {
	switch v.Kind {
	case KindNone:
		return "None"
	case KindText:
		return v.Text
	case KindScalar:
		return FormatFloat(v.Num)
	default:
		parts := make([]string, len(v.Data))
		for i, f := range v.Data {
			parts[i] = FormatFloat(f)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
}

// FormatFloat formats a float the way stores render numbers.
func FormatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// NaNs returns a slice of n NaN values.
func NaNs(n int) []float64 {
	f := make([]float64, n)
	for i := range f {
		f[i] = math.NaN()
	}
	return f
}
