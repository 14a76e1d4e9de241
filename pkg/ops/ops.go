// Package ops implements the elementwise arithmetic and reductions the
// solvers compose: set, invert, add, subtract, multiply, row-restricted
// multiply, dot product, norms, positivity clamp and min-max normalization.
//
// Elementwise operations are enqueued on the queue and return immediately.
// Reductions (Dot, L1Norm, L2Norm, MinMax) and NormalizeMinMax wait for the
// queue before reading the data on the host.
//
// Binary operations never broadcast: operands must share one shape, otherwise
// ErrDimensionMismatch is returned and nothing is enqueued.
package ops

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"tomorecon/pkg/compute"
)

// Ops binds the operator kernels to one queue.
type Ops struct {
	q       *compute.Queue
	kernels compute.KernelTable
}

// New acquires the operator kernels from ctx for use on q
func New(ctx compute.Context, q *compute.Queue) (*Ops, error) {
	if ctx == nil || q == nil {
		return nil, fmt.Errorf("%w: ops need a context and a queue", compute.ErrConfiguration)
	}
	kernels, err := compute.AcquireKernels(ctx, Module, kernelNames...)
	if err != nil {
		return nil, err
	}
	return &Ops{q: q, kernels: kernels}, nil
}

// Queue returns the queue the operators run on
func (o *Ops) Queue() *compute.Queue {
	return o.q
}

// Close releases the kernel handles
func (o *Ops) Close() {
	o.kernels.Release()
}

func (o *Ops) elementwise(name string, n int, args compute.Args) error {
	return o.q.Enqueue(o.kernels[name], n, args)
}

// Set fills buf with value
func (o *Ops) Set(buf *compute.Buffer, value float64) error {
	return o.elementwise("set", buf.Len(), compute.Args{
		Buffers: []*compute.Buffer{buf},
		Floats:  []float64{value},
	})
}

// Invert replaces every element by its reciprocal. Zeros stay zero.
func (o *Ops) Invert(buf *compute.Buffer) error {
	return o.elementwise("invert", buf.Len(), compute.Args{Buffers: []*compute.Buffer{buf}})
}

// Add computes out = a + b
func (o *Ops) Add(a, b, out *compute.Buffer) error {
	return o.binary("add", a, b, out)
}

// Add2 computes out = a + s*b
func (o *Ops) Add2(a, b *compute.Buffer, s float64, out *compute.Buffer) error {
	return o.binaryScaled(a, b, s, out)
}

// Sub computes out = a - b
func (o *Ops) Sub(a, b, out *compute.Buffer) error {
	return o.binary("sub", a, b, out)
}

// Sub2 computes out = a - s*b
func (o *Ops) Sub2(a, b *compute.Buffer, s float64, out *compute.Buffer) error {
	return o.binaryScaled(a, b, -s, out)
}

// Mul computes the elementwise product out = a * b
func (o *Ops) Mul(a, b, out *compute.Buffer) error {
	return o.binary("mul", a, b, out)
}

func (o *Ops) binary(name string, a, b, out *compute.Buffer) error {
	if err := compute.CheckShapes(a, b, out); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return o.elementwise(name, a.Len(), compute.Args{Buffers: []*compute.Buffer{a, b, out}})
}

func (o *Ops) binaryScaled(a, b *compute.Buffer, s float64, out *compute.Buffer) error {
	if err := compute.CheckShapes(a, b, out); err != nil {
		return fmt.Errorf("add_scaled: %w", err)
	}
	return o.elementwise("add_scaled", a.Len(), compute.Args{
		Buffers: []*compute.Buffer{a, b, out},
		Floats:  []float64{s},
	})
}

// MulRows computes out = a * b on rows [offset, offset+count) of every plane.
// Other rows of out are left untouched.
func (o *Ops) MulRows(a, b, out *compute.Buffer, offset, count int) error {
	if err := compute.CheckShapes(a, b, out); err != nil {
		return fmt.Errorf("mul_rows: %w", err)
	}
	if offset < 0 || count < 0 || offset+count > a.Rows() {
		return fmt.Errorf("%w: rows [%d, %d) outside %d rows", compute.ErrDimensionMismatch, offset, offset+count, a.Rows())
	}
	if count == 0 {
		return nil
	}
	return o.elementwise("mul_rows", a.Planes()*count, compute.Args{
		Buffers: []*compute.Buffer{a, b, out},
		Ints:    []int{offset, count},
	})
}

// Scale multiplies buf by s in place
func (o *Ops) Scale(buf *compute.Buffer, s float64) error {
	return o.elementwise("scale", buf.Len(), compute.Args{
		Buffers: []*compute.Buffer{buf},
		Floats:  []float64{s},
	})
}

// Copy enqueues dst = src
func (o *Ops) Copy(src, dst *compute.Buffer) error {
	return src.CopyInto(o.q, dst)
}

// PositiveConstraint computes out = max(in, 0)
func (o *Ops) PositiveConstraint(in, out *compute.Buffer) error {
	if err := compute.CheckShapes(in, out); err != nil {
		return fmt.Errorf("positive: %w", err)
	}
	return o.elementwise("positive", in.Len(), compute.Args{Buffers: []*compute.Buffer{in, out}})
}

// Dot returns the sum of a[i]*b[i] over the whole buffer
func (o *Ops) Dot(a, b *compute.Buffer) (float64, error) {
	if err := compute.CheckShapes(a, b); err != nil {
		return 0, fmt.Errorf("dot: %w", err)
	}
	if err := o.q.Finish(); err != nil {
		return 0, err
	}
	return floats.Dot(a.Data(), b.Data()), nil
}

// L1Norm returns the sum of |x|
func (o *Ops) L1Norm(buf *compute.Buffer) (float64, error) {
	if err := o.q.Finish(); err != nil {
		return 0, err
	}
	return floats.Norm(buf.Data(), 1), nil
}

// L2Norm returns sqrt(Dot(buf, buf))
func (o *Ops) L2Norm(buf *compute.Buffer) (float64, error) {
	d, err := o.Dot(buf, buf)
	if err != nil {
		return 0, err
	}
	return math.Sqrt(d), nil
}

// MinMax returns the smallest and largest element. An empty buffer yields 0, 0.
func (o *Ops) MinMax(buf *compute.Buffer) (min, max float64, err error) {
	if err := o.q.Finish(); err != nil {
		return 0, 0, err
	}
	if buf.Len() == 0 {
		return 0, 0, nil
	}
	return floats.Min(buf.Data()), floats.Max(buf.Data()), nil
}

// NormalizeMinMax rescales buf in place to [0, 1].
// A constant buffer becomes all zeros.
func (o *Ops) NormalizeMinMax(buf *compute.Buffer) error {
	min, max, err := o.MinMax(buf)
	if err != nil {
		return err
	}
	if max == min {
		return o.Set(buf, 0)
	}
	return o.elementwise("normalize", buf.Len(), compute.Args{
		Buffers: []*compute.Buffer{buf},
		Floats:  []float64{min, max - min},
	})
}
