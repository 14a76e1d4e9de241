// Package gradient provides forward finite differences along the two slice
// axes and their adjoints, plus the total-variation gradient built from them.
//
// All differences use a zero boundary: the last column (Dx) or row (Dy) of the
// result is zero, and the adjoints accumulate the matching negative boundary
// term, so that <Dx u, v> == <u, Dxt v> holds exactly up to rounding.
// Volumes with more than two axes are processed plane by plane.
package gradient

import (
	"fmt"
	"math"

	"tomorecon/pkg/compute"
	"tomorecon/pkg/ops"
)

// Module is the kernel catalog module of the gradient operators
const Module = "gradient"

// Every kernel takes one work item per row (axis 1 index within a plane).
func init() {
	compute.RegisterKernel(Module, "dx", func(a *compute.Args, lo, hi int) {
		in, out := a.Buffers[0].Data(), a.Buffers[1].Data()
		nx := a.Buffers[0].RowLen()
		for row := lo; row < hi; row++ {
			base := row * nx
			for x := 0; x < nx-1; x++ {
				out[base+x] = in[base+x+1] - in[base+x]
			}
			if nx > 0 {
				out[base+nx-1] = 0
			}
		}
	})
	compute.RegisterKernel(Module, "dxt", func(a *compute.Args, lo, hi int) {
		in, out := a.Buffers[0].Data(), a.Buffers[1].Data()
		nx := a.Buffers[0].RowLen()
		for row := lo; row < hi; row++ {
			base := row * nx
			for x := 0; x < nx; x++ {
				var v float64
				if x > 0 {
					v += in[base+x-1]
				}
				if x < nx-1 {
					v -= in[base+x]
				}
				out[base+x] = v
			}
		}
	})
	compute.RegisterKernel(Module, "dy", func(a *compute.Args, lo, hi int) {
		in, out := a.Buffers[0].Data(), a.Buffers[1].Data()
		nx, ny := a.Buffers[0].RowLen(), a.Buffers[0].Rows()
		for row := lo; row < hi; row++ {
			base := row * nx
			if row%ny == ny-1 {
				for x := 0; x < nx; x++ {
					out[base+x] = 0
				}
				continue
			}
			for x := 0; x < nx; x++ {
				out[base+x] = in[base+nx+x] - in[base+x]
			}
		}
	})
	compute.RegisterKernel(Module, "dyt", func(a *compute.Args, lo, hi int) {
		in, out := a.Buffers[0].Data(), a.Buffers[1].Data()
		nx, ny := a.Buffers[0].RowLen(), a.Buffers[0].Rows()
		for row := lo; row < hi; row++ {
			base := row * nx
			y := row % ny
			for x := 0; x < nx; x++ {
				var v float64
				if y > 0 {
					v += in[base-nx+x]
				}
				if y < ny-1 {
					v -= in[base+x]
				}
				out[base+x] = v
			}
		}
	})
	compute.RegisterKernel(Module, "tv_normalize", func(a *compute.Args, lo, hi int) {
		gx, gy := a.Buffers[0].Data(), a.Buffers[1].Data()
		eps2 := a.Floats[0] * a.Floats[0]
		for i := lo; i < hi; i++ {
			mag := math.Sqrt(gx[i]*gx[i] + gy[i]*gy[i] + eps2)
			if mag == 0 {
				gx[i], gy[i] = 0, 0
				continue
			}
			gx[i] /= mag
			gy[i] /= mag
		}
	})
}

var kernelNames = []string{"dx", "dxt", "dy", "dyt", "tv_normalize"}

// Operator runs the finite-difference kernels on one queue.
type Operator struct {
	q       *compute.Queue
	kernels compute.KernelTable
}

// New acquires the gradient kernels from ctx for use on q
func New(ctx compute.Context, q *compute.Queue) (*Operator, error) {
	if ctx == nil || q == nil {
		return nil, fmt.Errorf("%w: gradient needs a context and a queue", compute.ErrConfiguration)
	}
	kernels, err := compute.AcquireKernels(ctx, Module, kernelNames...)
	if err != nil {
		return nil, err
	}
	return &Operator{q: q, kernels: kernels}, nil
}

// Close releases the kernel handles
func (g *Operator) Close() {
	g.kernels.Release()
}

func (g *Operator) run(name string, in, out *compute.Buffer) error {
	if err := compute.CheckShapes(in, out); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if in == out {
		return fmt.Errorf("%w: %s cannot run in place", compute.ErrConfiguration, name)
	}
	rows := in.Rows() * in.Planes()
	return g.q.Enqueue(g.kernels[name], rows, compute.Args{Buffers: []*compute.Buffer{in, out}})
}

// Dx writes the forward difference along axis 0 into out
func (g *Operator) Dx(in, out *compute.Buffer) error { return g.run("dx", in, out) }

// Dy writes the forward difference along axis 1 into out
func (g *Operator) Dy(in, out *compute.Buffer) error { return g.run("dy", in, out) }

// Dxt writes the adjoint of Dx applied to in into out
func (g *Operator) Dxt(in, out *compute.Buffer) error { return g.run("dxt", in, out) }

// Dyt writes the adjoint of Dy applied to in into out
func (g *Operator) Dyt(in, out *compute.Buffer) error { return g.run("dyt", in, out) }

// X returns Dx/Dxt as a LinearOperator
func (g *Operator) X() ops.LinearOperator { return axisOperator{g, "dx", "dxt"} }

// Y returns Dy/Dyt as a LinearOperator
func (g *Operator) Y() ops.LinearOperator { return axisOperator{g, "dy", "dyt"} }

type axisOperator struct {
	g                *Operator
	forward, adjoint string
}

func (a axisOperator) Forward(x, y *compute.Buffer) error { return a.g.run(a.forward, x, y) }
func (a axisOperator) Adjoint(y, x *compute.Buffer) error { return a.g.run(a.adjoint, y, x) }
