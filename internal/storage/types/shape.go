package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Class is the structural class of a channel's samples.
type Class int

const (
	ClassScalar Class = iota
	ClassVector
	ClassImage
)

// String returns a human-readable representation of the Class.
func (c Class) String() string {
	switch c {
	case ClassScalar:
		return "scalar"
	case ClassVector:
		return "vector"
	case ClassImage:
		return "image"
	default:
		return "unknown"
	}
}

// DType is the element type a dataset was created with.
type DType uint8

const (
	DTypeFloat64 DType = iota + 1
	DTypeString
)

// String returns a human-readable representation of the DType.
func (d DType) String() string {
	switch d {
	case DTypeFloat64:
		return "float64"
	case DTypeString:
		return "string"
	default:
		return "invalid"
	}
}

// Shape is the native per-sample shape of a channel, excluding the time axis.
// The zero Shape means the shape is not known yet.
type Shape struct {
	Class Class
	DType DType
	Dims  []int // nil for scalars
}

// ShapeOf returns the shape a store would create for v.
// Absent and text readings map to string scalars since stores have no null.
func ShapeOf(v Value) Shape {
	switch v.Kind {
	case KindScalar:
		return Shape{Class: ClassScalar, DType: DTypeFloat64}
	case KindVector:
		return Shape{Class: ClassVector, DType: DTypeFloat64, Dims: []int{len(v.Data)}}
	case KindImage:
		return Shape{Class: ClassImage, DType: DTypeFloat64, Dims: append([]int(nil), v.Dims...)}
	default:
		return Shape{Class: ClassScalar, DType: DTypeString}
	}
}

// IsZero reports whether the shape is still unknown.
func (s Shape) IsZero() bool {
	return s.DType == 0
}

// Equal reports whether two shapes are identical.
func (s Shape) Equal(o Shape) bool {
	if s.Class != o.Class || s.DType != o.DType || len(s.Dims) != len(o.Dims) {
		return false
	}
	for i := range s.Dims {
		if s.Dims[i] != o.Dims[i] {
			return false
		}
	}
	return true
}

// String renders the shape as "<class>(d0,d1)/<dtype>", e.g. "vector(16)/float64".
// The zero Shape renders as "none".
func (s Shape) String() string {
	if s.IsZero() {
		return "none"
	}
	dims := make([]string, len(s.Dims))
	for i, d := range s.Dims {
		dims[i] = strconv.Itoa(d)
	}
	return fmt.Sprintf("%s(%s)/%s", s.Class, strings.Join(dims, ","), s.DType)
}

// ParseShape parses the output of Shape.String.
func ParseShape(s string) (Shape, error) {
	if s == "none" {
		return Shape{}, nil
	}
	open := strings.IndexByte(s, '(')
	closing := strings.LastIndex(s, ")/")
	if open <= 0 || closing < open {
		return Shape{}, fmt.Errorf("malformed shape %q", s)
	}

	var sh Shape
	switch s[:open] {
	case "scalar":
		sh.Class = ClassScalar
	case "vector":
		sh.Class = ClassVector
	case "image":
		sh.Class = ClassImage
	default:
		return Shape{}, fmt.Errorf("unknown shape class in %q", s)
	}

	switch s[closing+2:] {
	case "float64":
		sh.DType = DTypeFloat64
	case "string":
		sh.DType = DTypeString
	default:
		return Shape{}, fmt.Errorf("unknown dtype in %q", s)
	}

	if inner := s[open+1 : closing]; inner != "" {
		for _, part := range strings.Split(inner, ",") {
			d, err := strconv.Atoi(part)
			if err != nil {
				return Shape{}, fmt.Errorf("bad dim in %q: %w", s, err)
			}
			sh.Dims = append(sh.Dims, d)
		}
	}
	return sh, nil
}
