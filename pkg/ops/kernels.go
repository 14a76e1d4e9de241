package ops

import (
	"gonum.org/v1/gonum/floats"

	"tomorecon/pkg/compute"
)

// Module is the kernel catalog module of the elementwise operators
const Module = "linalg"

// Elementwise kernels take one work item per element. mul_rows takes one per row.
func init() {
	compute.RegisterKernel(Module, "set", func(a *compute.Args, lo, hi int) {
		out := a.Buffers[0].Data()[lo:hi]
		v := a.Floats[0]
		for i := range out {
			out[i] = v
		}
	})
	compute.RegisterKernel(Module, "invert", func(a *compute.Args, lo, hi int) {
		buf := a.Buffers[0].Data()[lo:hi]
		for i, v := range buf {
			if v == 0 {
				// unreachable rays and voxels keep a zero weight
				continue
			}
			buf[i] = 1 / v
		}
	})
	compute.RegisterKernel(Module, "add", func(a *compute.Args, lo, hi int) {
		x, y, out := slices3(a, lo, hi)
		floats.AddTo(out, x, y)
	})
	compute.RegisterKernel(Module, "add_scaled", func(a *compute.Args, lo, hi int) {
		x, y, out := slices3(a, lo, hi)
		floats.AddScaledTo(out, x, a.Floats[0], y)
	})
	compute.RegisterKernel(Module, "sub", func(a *compute.Args, lo, hi int) {
		x, y, out := slices3(a, lo, hi)
		floats.SubTo(out, x, y)
	})
	compute.RegisterKernel(Module, "mul", func(a *compute.Args, lo, hi int) {
		x, y, out := slices3(a, lo, hi)
		floats.MulTo(out, x, y)
	})
	compute.RegisterKernel(Module, "scale", func(a *compute.Args, lo, hi int) {
		floats.Scale(a.Floats[0], a.Buffers[0].Data()[lo:hi])
	})
	compute.RegisterKernel(Module, "positive", func(a *compute.Args, lo, hi int) {
		in := a.Buffers[0].Data()[lo:hi]
		out := a.Buffers[1].Data()[lo:hi]
		for i, v := range in {
			if v < 0 {
				v = 0
			}
			out[i] = v
		}
	})
	compute.RegisterKernel(Module, "normalize", func(a *compute.Args, lo, hi int) {
		buf := a.Buffers[0].Data()[lo:hi]
		min, rng := a.Floats[0], a.Floats[1]
		for i, v := range buf {
			buf[i] = (v - min) / rng
		}
	})
	compute.RegisterKernel(Module, "mul_rows", func(a *compute.Args, lo, hi int) {
		x := a.Buffers[0]
		offset, count := a.Ints[0], a.Ints[1]
		rowLen, rows := x.RowLen(), x.Rows()
		for item := lo; item < hi; item++ {
			plane, row := item/count, offset+item%count
			start := (plane*rows + row) * rowLen
			end := start + rowLen
			floats.MulTo(a.Buffers[2].Data()[start:end], x.Data()[start:end], a.Buffers[1].Data()[start:end])
		}
	})
}

func slices3(a *compute.Args, lo, hi int) (x, y, out []float64) {
	return a.Buffers[0].Data()[lo:hi], a.Buffers[1].Data()[lo:hi], a.Buffers[2].Data()[lo:hi]
}

var kernelNames = []string{
	"set", "invert", "add", "add_scaled", "sub", "mul", "scale", "positive", "normalize", "mul_rows",
}
