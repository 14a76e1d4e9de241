package solver

import (
	"math"

	"tomorecon/pkg/compute"
)

// Module is the kernel catalog module of the solvers
const Module = "solver"

var kernelNames = []string{"shrink"}

func init() {
	// shrink: Buffers tmpx, tmpy, dx, dy, bx, by; Floats 1/lambda, epsilon
	compute.RegisterKernel(Module, "shrink", func(a *compute.Args, lo, hi int) {
		tx, ty := a.Buffers[0].Data(), a.Buffers[1].Data()
		dx, dy := a.Buffers[2].Data(), a.Buffers[3].Data()
		bx, by := a.Buffers[4].Data(), a.Buffers[5].Data()
		threshold, eps := a.Floats[0], a.Floats[1]
		for i := lo; i < hi; i++ {
			s := math.Hypot(tx[i], ty[i])
			t := math.Max(s-threshold, 0) / math.Max(s, eps)
			dx[i] = t * tx[i]
			dy[i] = t * ty[i]
			bx[i] = tx[i] - dx[i]
			by[i] = ty[i] - dy[i]
		}
	})
}
