package gpu

import (
	"testing"

	"github.com/fxnlabs/cuwrap/internal/native"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDims(t *testing.T) {
	t.Run("row-major", func(t *testing.T) {
		d := Shape(2, 3, 4)
		assert.Equal(t, []int{12, 4, 1}, d.Strides)
		assert.Equal(t, 24, d.Elements())
		assert.Equal(t, 24, d.Span())
		assert.True(t, d.Satisfies(RowMajor))
		assert.False(t, d.Satisfies(ColMajor))
		assert.True(t, d.Contiguous())
	})

	t.Run("column-major", func(t *testing.T) {
		d := ColShape(2, 3)
		assert.Equal(t, []int{1, 2}, d.Strides)
		assert.True(t, d.Satisfies(ColMajor))
		assert.False(t, d.Satisfies(RowMajor))
		assert.Equal(t, Shape(2, 3).Extents, d.dense().Extents)
		assert.True(t, d.dense().Satisfies(ColMajor))
	})

	t.Run("vectors satisfy both orders", func(t *testing.T) {
		for _, d := range []Dims{Shape(7), Shape(1, 7), Shape(7, 1)} {
			assert.True(t, d.Satisfies(RowMajor), d.String())
			assert.True(t, d.Satisfies(ColMajor), d.String())
		}
	})

	t.Run("strided", func(t *testing.T) {
		d := Strided([]int{3, 2}, []int{4, 1})
		assert.Equal(t, 6, d.Elements())
		assert.Equal(t, 10, d.Span())
		assert.False(t, d.Contiguous())
		assert.True(t, d.Satisfies(AnyLayout))
	})

	t.Run("validate", func(t *testing.T) {
		assert.ErrorIs(t, Dims{}.Validate(), ErrInvalidArgument)
		assert.ErrorIs(t, Shape(3, 0).Validate(), ErrInvalidArgument)
		assert.ErrorIs(t, Shape(1, 1, 1, 1, 1, 1, 1, 1, 1).Validate(), ErrLayoutMismatch)
		assert.ErrorIs(t, Strided([]int{2}, []int{1, 1}).Validate(), ErrLayoutMismatch)
		assert.ErrorIs(t, Strided([]int{2}, []int{-1}).Validate(), ErrLayoutMismatch)
		assert.NoError(t, Shape(1, 1, 1, 1, 1, 1, 1, 1).Validate())
		assert.False(t, Shape(3, 0).Satisfies(AnyLayout))
	})

	t.Run("equal ignores strides of unit axes", func(t *testing.T) {
		assert.True(t, Shape(1, 4).Equal(Strided([]int{1, 4}, []int{99, 1})))
		assert.False(t, Shape(2, 2).Equal(ColShape(2, 2)))
		assert.False(t, Shape(2, 2).Equal(Shape(4)))
	})

	t.Run("descriptor", func(t *testing.T) {
		desc, err := ColShape(2, 3).desc()
		require.NoError(t, err)
		assert.Equal(t, int32(2), desc.NDim)
		assert.Equal(t, native.LayoutColMajor, desc.Layout)
		assert.Equal(t, [native.MaxDims]int64{2, 3}, desc.Extents)
		assert.Equal(t, [native.MaxDims]int64{1, 2}, desc.Strides)

		desc, err = Shape(5).desc()
		require.NoError(t, err)
		assert.Equal(t, native.LayoutRowMajor, desc.Layout)
	})

	t.Run("layout names", func(t *testing.T) {
		for _, l := range []Layout{AnyLayout, RowMajor, ColMajor} {
			got, err := ParseLayout(l.String())
			require.NoError(t, err)
			assert.Equal(t, l, got)
		}
		_, err := ParseLayout("zigzag")
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
}

func TestDType(t *testing.T) {
	tests := []struct {
		dt   DType
		name string
		size int
	}{
		{Byte, "u8", 1},
		{Float32, "f32", 4},
		{Float64, "f64", 8},
		{Complex64, "c64", 8},
		{Complex128, "c128", 16},
		{Int32, "i32", 4},
		{Int64, "i64", 8},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.name, tt.dt.String())
		assert.Equal(t, tt.size, tt.dt.Size())
		got, err := ParseDType(tt.name)
		require.NoError(t, err)
		assert.Equal(t, tt.dt, got)
	}
	assert.Equal(t, Complex64, DTypeOf[complex64]())
	assert.Equal(t, Byte, DTypeOf[uint8]())
	assert.Zero(t, DType(42).Size())
	assert.Equal(t, "dtype(42)", DType(42).String())
}

func TestHostArray(t *testing.T) {
	t.Run("shaped view shares memory", func(t *testing.T) {
		data := []float64{1, 2, 3, 4, 5, 6}
		h, err := Host(data, 2, 3)
		require.NoError(t, err)
		assert.Equal(t, Float64, h.DType())
		assert.Equal(t, 6, h.Len())
		assert.Equal(t, 48, h.ByteSize())

		view, err := Slice[float64](h)
		require.NoError(t, err)
		view[0] = 42
		assert.Equal(t, float64(42), data[0])

		_, err = Slice[float32](h)
		assert.ErrorIs(t, err, ErrTypeMismatch)
	})

	t.Run("shape larger than data", func(t *testing.T) {
		_, err := Host([]int32{1, 2, 3}, 2, 2)
		assert.ErrorIs(t, err, ErrSizeMismatch)
		_, err = HostStrided([]int32{1, 2, 3}, Strided([]int{2}, []int{3}))
		assert.ErrorIs(t, err, ErrSizeMismatch)
	})

	t.Run("empty data", func(t *testing.T) {
		_, err := Host([]float32{})
		assert.ErrorIs(t, err, ErrInvalidArgument)
		assert.Zero(t, HostVector([]float32{}).Len())
	})

	t.Run("new host array is zeroed", func(t *testing.T) {
		h, err := NewHost(Complex128, 3, 2)
		require.NoError(t, err)
		assert.Equal(t, 96, h.ByteSize())
		assert.Equal(t, make([]byte, 96), h.Bytes())
		_, err = NewHost(DType(99), 2)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
}

func TestConvert(t *testing.T) {
	assert.Equal(t, []float64{1, 2.5, -3}, Convert[float64]([]float32{1, 2.5, -3}))
	assert.Equal(t, []int32{1, 2, -3}, Convert[int32]([]float64{1.9, 2.1, -3.7}))
	assert.Empty(t, Convert[float32]([]int64{}))
}

func TestRows(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		matrix := [][]float32{{1, 2, 3}, {4, 5, 6}}
		h, err := FromRows(matrix)
		require.NoError(t, err)
		assert.Equal(t, []int{2, 3}, h.Dims().Extents)

		back, err := ToRows[float32](h)
		require.NoError(t, err)
		assert.Equal(t, matrix, back)
	})

	t.Run("column-major host array", func(t *testing.T) {
		h, err := HostStrided([]float64{1, 4, 2, 5, 3, 6}, ColShape(2, 3))
		require.NoError(t, err)
		rows, err := ToRows[float64](h)
		require.NoError(t, err)
		assert.Equal(t, [][]float64{{1, 2, 3}, {4, 5, 6}}, rows)
	})

	t.Run("ragged", func(t *testing.T) {
		_, err := FromRows([][]int64{{1, 2}, {3}})
		assert.ErrorIs(t, err, ErrSizeMismatch)
		_, err = FromRows([][]int64{})
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("not a matrix", func(t *testing.T) {
		_, err := ToRows[float32](HostVector([]float32{1, 2}))
		assert.ErrorIs(t, err, ErrLayoutMismatch)
	})
}
