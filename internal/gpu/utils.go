package gpu

import "fmt"

// Convert converts a slice element-wise between real numeric element types.
func Convert[To, From float32 | float64 | int32 | int64](input []From) []To {
	output := make([]To, len(input))
	for i, v := range input {
		output[i] = To(v)
	}
	return output
}

// FromRows flattens a 2D matrix into a row-major host array.
func FromRows[T Element](matrix [][]T) (HostArray, error) {
	if len(matrix) == 0 {
		return HostArray{}, fmt.Errorf("%w: empty matrix", ErrInvalidArgument)
	}

	rows := len(matrix)
	cols := len(matrix[0])
	result := make([]T, 0, rows*cols)
	for i, row := range matrix {
		if len(row) != cols {
			return HostArray{}, fmt.Errorf("%w: row %d has %d columns, want %d", ErrSizeMismatch, i, len(row), cols)
		}
		result = append(result, row...)
	}

	return Host(result, rows, cols)
}

// ToRows converts a dense rank-2 host array into a 2D matrix.
func ToRows[T Element](h HostArray) ([][]T, error) {
	d := h.Dims()
	if d.Rank() != 2 {
		return nil, fmt.Errorf("%w: rank %d array is not a matrix", ErrLayoutMismatch, d.Rank())
	}
	data, err := Slice[T](h)
	if err != nil {
		return nil, err
	}
	rows, cols := d.Extents[0], d.Extents[1]
	matrix := make([][]T, rows)
	for i := 0; i < rows; i++ {
		matrix[i] = make([]T, cols)
		for j := 0; j < cols; j++ {
			matrix[i][j] = data[i*d.Strides[0]+j*d.Strides[1]]
		}
	}

	return matrix, nil
}
