package hostsim

import (
	"unsafe"

	"github.com/fxnlabs/cuwrap/internal/native"
	"gonum.org/v1/gonum/blas"
	gblas "gonum.org/v1/gonum/blas/gonum"
	"gonum.org/v1/gonum/dsp/fourier"
)

var impl gblas.Implementation

type float interface {
	~float32 | ~float64
}

func (l *Library) registerRoutines() {
	l.procs["cw_scale_f32"] = scaleRoutine(l, impl.Sscal)
	l.procs["cw_scale_f64"] = scaleRoutine(l, impl.Dscal)
	l.procs["cw_scale_c64"] = scaleRoutine(l, impl.Cscal)

	l.procs["cw_axpy_f32"] = axpyRoutine(l, impl.Saxpy)
	l.procs["cw_axpy_f64"] = axpyRoutine(l, impl.Daxpy)

	registerElementwise[float32](l, "f32")
	registerElementwise[float64](l, "f64")

	l.procs["cw_conj_c64"] = conjRoutine(l)
	l.procs["cw_transpose_f32"] = transposeRoutine[float32](l)
	l.procs["cw_transpose_f64"] = transposeRoutine[float64](l)

	l.procs["cw_gemm_strided_batched_f32"] = gemmRoutine(l, impl.Sgemm)
	l.procs["cw_gemm_strided_batched_f64"] = gemmRoutine(l, impl.Dgemm)

	l.procs["cw_fft_c2c_c64"] = fftC2CRoutine(l)
	l.procs["cw_fft_r2c_f32"] = fftR2CRoutine(l)
}

func registerElementwise[T float](l *Library, suffix string) {
	ops := map[string]func(a, b T) T{
		"add": func(a, b T) T { return a + b },
		"sub": func(a, b T) T { return a - b },
		"mul": func(a, b T) T { return a * b },
		"div": func(a, b T) T { return a / b },
	}
	for name, op := range ops {
		l.procs["cw_i"+name+"_vec_"+suffix] = vecRoutine(l, op)
		l.procs["cw_i"+name+"_val_"+suffix] = valRoutine(l, op)
	}
}

// deviceSlice decodes the (pointer, count) pair at args[i] as a typed view
// over emulated device memory.
func deviceSlice[T any](l *Library, args []native.Arg, i int) ([]T, native.Status) {
	n := int(args[i+1].Word)
	if n < 0 {
		return nil, native.StatusInvalidValue
	}
	size := uint64(unsafe.Sizeof(*new(T)))
	b, st := l.region(native.DevicePtr(args[i].Word), uint64(n)*size)
	if !st.OK() {
		return nil, st
	}
	if n == 0 {
		return nil, native.StatusSuccess
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), n), native.StatusSuccess
}

func scalarArg[T any](a native.Arg) (T, native.Status) {
	var zero T
	if a.Host == nil {
		return zero, native.StatusInvalidValue
	}
	return *(*T)(a.Host), native.StatusSuccess
}

func shapeArg(a native.Arg) (native.ShapeDesc, native.Status) {
	if a.Host == nil {
		return native.ShapeDesc{}, native.StatusInvalidValue
	}
	d := *(*native.ShapeDesc)(a.Host)
	if d.NDim < 1 || d.NDim > native.MaxDims {
		return native.ShapeDesc{}, native.StatusInvalidValue
	}
	for i := 0; i < int(d.NDim); i++ {
		if d.Extents[i] < 1 {
			return native.ShapeDesc{}, native.StatusInvalidValue
		}
	}
	return d, native.StatusSuccess
}

// denseRowMajor reports whether d describes a contiguous row-major array.
func denseRowMajor(d native.ShapeDesc) bool {
	if d.Layout != native.LayoutRowMajor {
		return false
	}
	want := int64(1)
	for i := int(d.NDim) - 1; i >= 0; i-- {
		if d.Extents[i] > 1 && d.Strides[i] != want {
			return false
		}
		want *= d.Extents[i]
	}
	return true
}

func extents(d native.ShapeDesc) []int {
	out := make([]int, d.NDim)
	for i := range out {
		out[i] = int(d.Extents[i])
	}
	return out
}

func (l *Library) launch(a native.Arg, op func() native.Status) native.Status {
	s, st := l.stream(native.Stream(a.Word))
	if !st.OK() {
		return st
	}
	return s.enqueue(op)
}

// dst = alpha * src
func scaleRoutine[T any](l *Library, scal func(n int, alpha T, x []T, incX int)) func([]native.Arg) native.Status {
	return func(args []native.Arg) native.Status {
		if len(args) != 6 {
			return native.StatusInvalidValue
		}
		src, st := deviceSlice[T](l, args, 0)
		if !st.OK() {
			return st
		}
		dst, st := deviceSlice[T](l, args, 2)
		if !st.OK() {
			return st
		}
		if len(dst) < len(src) {
			return native.StatusInvalidValue
		}
		alpha, st := scalarArg[T](args[4])
		if !st.OK() {
			return st
		}
		return l.launch(args[5], func() native.Status {
			copy(dst, src)
			scal(len(src), alpha, dst, 1)
			return native.StatusSuccess
		})
	}
}

// y = alpha * x + y
func axpyRoutine[T any](l *Library, axpy func(n int, alpha T, x []T, incX int, y []T, incY int)) func([]native.Arg) native.Status {
	return func(args []native.Arg) native.Status {
		if len(args) != 6 {
			return native.StatusInvalidValue
		}
		x, st := deviceSlice[T](l, args, 0)
		if !st.OK() {
			return st
		}
		y, st := deviceSlice[T](l, args, 2)
		if !st.OK() {
			return st
		}
		if len(y) < len(x) {
			return native.StatusInvalidValue
		}
		alpha, st := scalarArg[T](args[4])
		if !st.OK() {
			return st
		}
		return l.launch(args[5], func() native.Status {
			axpy(len(x), alpha, x, 1, y, 1)
			return native.StatusSuccess
		})
	}
}

// a[i] = op(a[i], b[i])
func vecRoutine[T float](l *Library, op func(a, b T) T) func([]native.Arg) native.Status {
	return func(args []native.Arg) native.Status {
		if len(args) != 5 {
			return native.StatusInvalidValue
		}
		a, st := deviceSlice[T](l, args, 0)
		if !st.OK() {
			return st
		}
		b, st := deviceSlice[T](l, args, 2)
		if !st.OK() {
			return st
		}
		if len(b) < len(a) {
			return native.StatusInvalidValue
		}
		return l.launch(args[4], func() native.Status {
			for i := range a {
				a[i] = op(a[i], b[i])
			}
			return native.StatusSuccess
		})
	}
}

// a[i] = op(a[i], v)
func valRoutine[T float](l *Library, op func(a, b T) T) func([]native.Arg) native.Status {
	return func(args []native.Arg) native.Status {
		if len(args) != 4 {
			return native.StatusInvalidValue
		}
		a, st := deviceSlice[T](l, args, 0)
		if !st.OK() {
			return st
		}
		v, st := scalarArg[T](args[2])
		if !st.OK() {
			return st
		}
		return l.launch(args[3], func() native.Status {
			for i := range a {
				a[i] = op(a[i], v)
			}
			return native.StatusSuccess
		})
	}
}

func conjRoutine(l *Library) func([]native.Arg) native.Status {
	return func(args []native.Arg) native.Status {
		if len(args) != 3 {
			return native.StatusInvalidValue
		}
		a, st := deviceSlice[complex64](l, args, 0)
		if !st.OK() {
			return st
		}
		return l.launch(args[2], func() native.Status {
			for i, v := range a {
				a[i] = complex(real(v), -imag(v))
			}
			return native.StatusSuccess
		})
	}
}

// In-place transpose of a square row-major matrix.
func transposeRoutine[T any](l *Library) func([]native.Arg) native.Status {
	return func(args []native.Arg) native.Status {
		if len(args) != 4 {
			return native.StatusInvalidValue
		}
		a, st := deviceSlice[T](l, args, 0)
		if !st.OK() {
			return st
		}
		d, st := shapeArg(args[2])
		if !st.OK() {
			return st
		}
		if d.NDim != 2 || d.Extents[0] != d.Extents[1] || !denseRowMajor(d) {
			return native.StatusInvalidValue
		}
		n := int(d.Extents[0])
		if n*n > len(a) {
			return native.StatusInvalidValue
		}
		return l.launch(args[3], func() native.Status {
			for i := 0; i < n; i++ {
				for j := i + 1; j < n; j++ {
					a[i*n+j], a[j*n+i] = a[j*n+i], a[i*n+j]
				}
			}
			return native.StatusSuccess
		})
	}
}

type matrixView struct {
	batch, rows, cols int
	batchStride, ld   int
}

func gemmView(d native.ShapeDesc, have int) (matrixView, bool) {
	if d.NDim != 2 && d.NDim != 3 {
		return matrixView{}, false
	}
	if d.Layout != native.LayoutRowMajor {
		return matrixView{}, false
	}
	last := int(d.NDim) - 1
	if d.Strides[last] != 1 && d.Extents[last] > 1 {
		return matrixView{}, false
	}
	v := matrixView{
		batch: 1,
		rows:  int(d.Extents[last-1]),
		cols:  int(d.Extents[last]),
		ld:    int(d.Strides[last-1]),
	}
	if v.rows == 1 && v.ld < v.cols {
		v.ld = v.cols
	}
	if v.ld < v.cols {
		return matrixView{}, false
	}
	if d.NDim == 3 {
		v.batch = int(d.Extents[0])
		v.batchStride = int(d.Strides[0])
	}
	need := (v.batch-1)*v.batchStride + (v.rows-1)*v.ld + v.cols
	return v, need <= have
}

// c[i] = alpha * a[i] x b[i] + beta * c[i] for every batch entry.
func gemmRoutine[T float](l *Library, gemm func(tA, tB blas.Transpose, m, n, k int, alpha T, a []T, lda int, b []T, ldb int, beta T, c []T, ldc int)) func([]native.Arg) native.Status {
	return func(args []native.Arg) native.Status {
		if len(args) != 12 {
			return native.StatusInvalidValue
		}
		a, st := deviceSlice[T](l, args, 0)
		if !st.OK() {
			return st
		}
		b, st := deviceSlice[T](l, args, 2)
		if !st.OK() {
			return st
		}
		c, st := deviceSlice[T](l, args, 4)
		if !st.OK() {
			return st
		}
		var views [3]matrixView
		for i, have := range []int{len(a), len(b), len(c)} {
			d, st := shapeArg(args[6+i])
			if !st.OK() {
				return st
			}
			v, ok := gemmView(d, have)
			if !ok {
				return native.StatusInvalidValue
			}
			views[i] = v
		}
		va, vb, vc := views[0], views[1], views[2]
		if va.batch != vb.batch || va.batch != vc.batch ||
			va.cols != vb.rows || va.rows != vc.rows || vb.cols != vc.cols {
			return native.StatusInvalidValue
		}
		alpha, st := scalarArg[T](args[9])
		if !st.OK() {
			return st
		}
		beta, st := scalarArg[T](args[10])
		if !st.OK() {
			return st
		}
		return l.launch(args[11], func() native.Status {
			for i := 0; i < va.batch; i++ {
				gemm(blas.NoTrans, blas.NoTrans, va.rows, vb.cols, va.cols,
					alpha, a[i*va.batchStride:], va.ld,
					b[i*vb.batchStride:], vb.ld,
					beta, c[i*vc.batchStride:], vc.ld)
			}
			return native.StatusSuccess
		})
	}
}

// fftAxis transforms data, a dense row-major array of the given extents,
// along one axis in place.
func fftAxis(data []complex128, dims []int, axis int, inverse bool) {
	n := dims[axis]
	if n < 2 {
		return
	}
	stride := 1
	for _, e := range dims[axis+1:] {
		stride *= e
	}
	outer := 1
	for _, e := range dims[:axis] {
		outer *= e
	}
	t := fourier.NewCmplxFFT(n)
	line := make([]complex128, n)
	out := make([]complex128, n)
	for o := 0; o < outer; o++ {
		for s := 0; s < stride; s++ {
			base := o*n*stride + s
			for i := 0; i < n; i++ {
				line[i] = data[base+i*stride]
			}
			if inverse {
				t.Sequence(out, line)
			} else {
				t.Coefficients(out, line)
			}
			for i := 0; i < n; i++ {
				data[base+i*stride] = out[i]
			}
		}
	}
}

func product(dims []int) int {
	n := 1
	for _, e := range dims {
		n *= e
	}
	return n
}

// Complex to complex transform over every axis. direction is -1 (forward)
// or +1 (inverse); neither direction is normalized.
func fftC2CRoutine(l *Library) func([]native.Arg) native.Status {
	return func(args []native.Arg) native.Status {
		if len(args) != 7 {
			return native.StatusInvalidValue
		}
		in, st := deviceSlice[complex64](l, args, 0)
		if !st.OK() {
			return st
		}
		out, st := deviceSlice[complex64](l, args, 2)
		if !st.OK() {
			return st
		}
		d, st := shapeArg(args[4])
		if !st.OK() {
			return st
		}
		dir, st := scalarArg[int32](args[5])
		if !st.OK() {
			return st
		}
		if !denseRowMajor(d) || (dir != -1 && dir != 1) {
			return native.StatusInvalidValue
		}
		dims := extents(d)
		total := product(dims)
		if total > len(in) || total > len(out) {
			return native.StatusInvalidValue
		}
		return l.launch(args[6], func() native.Status {
			work := make([]complex128, total)
			for i := range work {
				work[i] = complex128(in[i])
			}
			for axis := range dims {
				fftAxis(work, dims, axis, dir == 1)
			}
			for i, v := range work {
				out[i] = complex64(v)
			}
			return native.StatusSuccess
		})
	}
}

// Real to complex transform. The last axis of the output holds n/2+1
// coefficients.
func fftR2CRoutine(l *Library) func([]native.Arg) native.Status {
	return func(args []native.Arg) native.Status {
		if len(args) != 6 {
			return native.StatusInvalidValue
		}
		in, st := deviceSlice[float32](l, args, 0)
		if !st.OK() {
			return st
		}
		out, st := deviceSlice[complex64](l, args, 2)
		if !st.OK() {
			return st
		}
		d, st := shapeArg(args[4])
		if !st.OK() {
			return st
		}
		if !denseRowMajor(d) {
			return native.StatusInvalidValue
		}
		dims := extents(d)
		last := dims[len(dims)-1]
		half := last/2 + 1
		rows := product(dims[:len(dims)-1])
		if rows*last > len(in) || rows*half > len(out) {
			return native.StatusInvalidValue
		}
		return l.launch(args[5], func() native.Status {
			outDims := append(append([]int(nil), dims[:len(dims)-1]...), half)
			work := make([]complex128, rows*half)
			t := fourier.NewFFT(last)
			seq := make([]float64, last)
			coeff := make([]complex128, half)
			for r := 0; r < rows; r++ {
				for i := 0; i < last; i++ {
					seq[i] = float64(in[r*last+i])
				}
				t.Coefficients(coeff, seq)
				copy(work[r*half:(r+1)*half], coeff)
			}
			for axis := 0; axis < len(outDims)-1; axis++ {
				fftAxis(work, outDims, axis, false)
			}
			for i, v := range work {
				out[i] = complex64(v)
			}
			return native.StatusSuccess
		})
	}
}
