package gpu

import "fmt"

// Catalog returns the signatures of the routines a backend module may export.
// A module exporting only part of the catalog is valid; the rest resolve to
// ErrRoutineNotFound.
func Catalog() []Signature {
	var sigs []Signature
	add := func(name, symbol string, args ...ArgKind) {
		sigs = append(sigs, Signature{Name: name, Symbol: symbol, Args: args})
	}

	for _, dt := range []DType{Float32, Float64, Complex64} {
		add("vector.scale."+dt.String(), "cw_scale_"+dt.String(),
			DeviceArg(dt, Read), DeviceArg(dt, Write), ScalarArg(dt), StreamArg())
	}

	for _, dt := range []DType{Float32, Float64} {
		t := dt.String()
		add("vector.axpy."+t, "cw_axpy_"+t,
			DeviceArg(dt, Read), DeviceArg(dt, ReadWrite), ScalarArg(dt), StreamArg())
		for _, op := range []string{"add", "sub", "mul", "div"} {
			add(fmt.Sprintf("vector.%s.%s", op, t), fmt.Sprintf("cw_i%s_vec_%s", op, t),
				DeviceArg(dt, ReadWrite), DeviceArg(dt, Read), StreamArg())
			add(fmt.Sprintf("vector.%s_scalar.%s", op, t), fmt.Sprintf("cw_i%s_val_%s", op, t),
				DeviceArg(dt, ReadWrite), ScalarArg(dt), StreamArg())
		}
		add("matrix.transpose."+t, "cw_transpose_"+t,
			DeviceArg(dt, ReadWrite), ShapeArg(RowMajor, 0), StreamArg())
		add("blas.gemm_strided_batched."+t, "cw_gemm_strided_batched_"+t,
			DeviceArg(dt, Read), DeviceArg(dt, Read), DeviceArg(dt, Write),
			ShapeArg(RowMajor, 0), ShapeArg(RowMajor, 1), ShapeArg(RowMajor, 2),
			ScalarArg(dt), ScalarArg(dt), StreamArg())
	}

	add("vector.conj.c64", "cw_conj_c64", DeviceArg(Complex64, ReadWrite), StreamArg())

	add("fft.c2c.c64", "cw_fft_c2c_c64",
		DeviceArg(Complex64, Read), DeviceArg(Complex64, Write),
		ShapeArg(RowMajor, 0), ScalarArg(Int32), StreamArg())
	add("fft.r2c.f32", "cw_fft_r2c_f32",
		DeviceArg(Float32, Read), DeviceArg(Complex64, Write),
		ShapeArg(RowMajor, 0), StreamArg())

	return sigs
}

// FFT directions accepted by fft.c2c.c64.
const (
	FFTForward int32 = -1
	FFTInverse int32 = 1
)
