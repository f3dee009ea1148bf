package gpu

import (
	"fmt"
	"slices"

	"github.com/fxnlabs/cuwrap/internal/native"
)

// Layout is the memory order a routine requires of a multi-dimensional
// argument.
type Layout uint8

const (
	// AnyLayout accepts any valid descriptor, strided ones included.
	AnyLayout Layout = iota
	// RowMajor requires a dense array with the last axis contiguous.
	RowMajor
	// ColMajor requires a dense array with the first axis contiguous.
	ColMajor
)

func (l Layout) String() string {
	switch l {
	case RowMajor:
		return "row"
	case ColMajor:
		return "col"
	default:
		return "any"
	}
}

// ParseLayout accepts "row", "col" and "any".
func ParseLayout(s string) (Layout, error) {
	switch s {
	case "row", "row-major":
		return RowMajor, nil
	case "col", "col-major", "column-major":
		return ColMajor, nil
	case "any", "":
		return AnyLayout, nil
	}
	return AnyLayout, fmt.Errorf("%w: unknown layout %q", ErrInvalidArgument, s)
}

// Dims describes the extents and per-axis strides of an array. Strides are
// counted in elements.
type Dims struct {
	Extents []int
	Strides []int
}

// Shape returns dense row-major dims for the given extents.
func Shape(extents ...int) Dims {
	return Dims{Extents: slices.Clone(extents), Strides: rowStrides(extents)}
}

// ColShape returns dense column-major dims for the given extents.
func ColShape(extents ...int) Dims {
	return Dims{Extents: slices.Clone(extents), Strides: colStrides(extents)}
}

// Strided returns dims with explicit strides.
func Strided(extents, strides []int) Dims {
	return Dims{Extents: slices.Clone(extents), Strides: slices.Clone(strides)}
}

func rowStrides(extents []int) []int {
	s := make([]int, len(extents))
	acc := 1
	for i := len(extents) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= extents[i]
	}
	return s
}

func colStrides(extents []int) []int {
	s := make([]int, len(extents))
	acc := 1
	for i, e := range extents {
		s[i] = acc
		acc *= e
	}
	return s
}

func (d Dims) Rank() int {
	return len(d.Extents)
}

// Elements returns the product of the extents.
func (d Dims) Elements() int {
	if len(d.Extents) == 0 {
		return 0
	}
	n := 1
	for _, e := range d.Extents {
		n *= e
	}
	return n
}

// Span returns the number of elements between the first and one past the last
// addressed element.
func (d Dims) Span() int {
	if d.Elements() == 0 {
		return 0
	}
	last := 0
	for i, e := range d.Extents {
		last += (e - 1) * d.Strides[i]
	}
	return last + 1
}

// Validate checks that the dims are well formed: matching lengths, positive
// extents, non-negative strides and rank within native.MaxDims.
func (d Dims) Validate() error {
	if len(d.Extents) == 0 {
		return fmt.Errorf("%w: empty shape", ErrInvalidArgument)
	}
	if len(d.Extents) > native.MaxDims {
		return fmt.Errorf("%w: rank %d exceeds %d", ErrLayoutMismatch, len(d.Extents), native.MaxDims)
	}
	if len(d.Strides) != len(d.Extents) {
		return fmt.Errorf("%w: %d extents but %d strides", ErrLayoutMismatch, len(d.Extents), len(d.Strides))
	}
	for i, e := range d.Extents {
		if e < 1 {
			return fmt.Errorf("%w: extent %d of axis %d", ErrInvalidArgument, e, i)
		}
		if d.Strides[i] < 0 {
			return fmt.Errorf("%w: negative stride on axis %d", ErrLayoutMismatch, i)
		}
	}
	return nil
}

// Satisfies reports whether the dims meet the layout requirement. Axes of
// extent 1 never constrain the order, so a vector is both row- and
// column-major.
func (d Dims) Satisfies(l Layout) bool {
	if d.Validate() != nil {
		return false
	}
	switch l {
	case RowMajor:
		return stridesMatch(d, rowStrides(d.Extents))
	case ColMajor:
		return stridesMatch(d, colStrides(d.Extents))
	default:
		return true
	}
}

// Contiguous reports whether the dims describe a dense array in either order.
func (d Dims) Contiguous() bool {
	return d.Satisfies(RowMajor) || d.Satisfies(ColMajor)
}

func stridesMatch(d Dims, want []int) bool {
	for i, e := range d.Extents {
		if e > 1 && d.Strides[i] != want[i] {
			return false
		}
	}
	return true
}

// Equal compares extents and the effective strides.
func (d Dims) Equal(o Dims) bool {
	if !slices.Equal(d.Extents, o.Extents) {
		return false
	}
	return stridesMatch(d, o.Strides)
}

func (d Dims) String() string {
	return fmt.Sprintf("%v/%v", d.Extents, d.Strides)
}

// desc encodes the dims as the native shape descriptor.
func (d Dims) desc() (native.ShapeDesc, error) {
	if err := d.Validate(); err != nil {
		return native.ShapeDesc{}, err
	}
	out := native.ShapeDesc{NDim: int32(len(d.Extents)), Layout: native.LayoutRowMajor}
	if d.Satisfies(ColMajor) && !d.Satisfies(RowMajor) {
		out.Layout = native.LayoutColMajor
	}
	for i, e := range d.Extents {
		out.Extents[i] = int64(e)
		out.Strides[i] = int64(d.Strides[i])
	}
	return out, nil
}

// dense returns contiguous dims with the same extents, keeping column-major
// order when d is column-major.
func (d Dims) dense() Dims {
	if d.Satisfies(ColMajor) && !d.Satisfies(RowMajor) {
		return ColShape(d.Extents...)
	}
	return Shape(d.Extents...)
}
