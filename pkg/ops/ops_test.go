package ops

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"tomorecon/pkg/compute"
)

// newTestOps creates operators on a fresh host queue
func newTestOps(t *testing.T) *Ops {
	t.Helper()
	ctx, err := compute.NewHostBackend().NewContext(compute.ContextOptions{Workers: 3})
	if err != nil {
		t.Fatalf("Failed to create context: %v", err)
	}
	q, err := ctx.NewQueue()
	if err != nil {
		t.Fatalf("Failed to create queue: %v", err)
	}
	o, err := New(ctx, q)
	if err != nil {
		t.Fatalf("Failed to create ops: %v", err)
	}
	t.Cleanup(func() {
		o.Close()
		ctx.Close()
	})
	return o
}

func bufferOf(t *testing.T, values []float64, shape ...int) *compute.Buffer {
	t.Helper()
	b, err := compute.NewBufferFrom(append([]float64(nil), values...), shape...)
	if err != nil {
		t.Fatalf("Failed to create buffer: %v", err)
	}
	return b
}

func hostData(t *testing.T, o *Ops, b *compute.Buffer) []float64 {
	t.Helper()
	data, err := b.HostArray(o.Queue())
	if err != nil {
		t.Fatalf("HostArray failed: %v", err)
	}
	return data
}

// TestSetThenNorms checks that zeroed buffers of any shape have zero norms
func TestSetThenNorms(t *testing.T) {
	o := newTestOps(t)
	rng := rand.New(rand.NewSource(1))

	for _, shape := range [][]int{{1}, {7}, {4, 4}, {5, 3, 2}, {2, 1, 3, 2}} {
		buf := compute.NewBuffer(shape...)
		for i := range buf.Data() {
			buf.Data()[i] = rng.NormFloat64()
		}
		if err := o.Set(buf, 0); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		l1, err := o.L1Norm(buf)
		if err != nil {
			t.Fatalf("L1Norm failed: %v", err)
		}
		l2, err := o.L2Norm(buf)
		if err != nil {
			t.Fatalf("L2Norm failed: %v", err)
		}
		if l1 != 0 || l2 != 0 {
			t.Errorf("shape %v: expected zero norms, got l1=%f l2=%f", shape, l1, l2)
		}
	}
}

// TestArithmetic covers the binary elementwise operators
func TestArithmetic(t *testing.T) {
	o := newTestOps(t)
	a := bufferOf(t, []float64{1, 2, 3, 4, 5, 6}, 3, 2)
	b := bufferOf(t, []float64{6, 5, 4, 3, 2, 1}, 3, 2)

	tests := []struct {
		name     string
		run      func(out *compute.Buffer) error
		expected []float64
	}{
		{"add", func(out *compute.Buffer) error { return o.Add(a, b, out) }, []float64{7, 7, 7, 7, 7, 7}},
		{"add2", func(out *compute.Buffer) error { return o.Add2(a, b, 0.5, out) }, []float64{4, 4.5, 5, 5.5, 6, 6.5}},
		{"sub", func(out *compute.Buffer) error { return o.Sub(a, b, out) }, []float64{-5, -3, -1, 1, 3, 5}},
		{"sub2", func(out *compute.Buffer) error { return o.Sub2(a, b, 2, out) }, []float64{-11, -8, -5, -2, 1, 4}},
		{"mul", func(out *compute.Buffer) error { return o.Mul(a, b, out) }, []float64{6, 10, 12, 12, 10, 6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := a.Duplicate()
			if err := tt.run(out); err != nil {
				t.Fatalf("%s failed: %v", tt.name, err)
			}
			got := hostData(t, o, out)
			if !floats.Equal(got, tt.expected) {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}
}

// TestInPlaceAliasing verifies the output may alias an input
func TestInPlaceAliasing(t *testing.T) {
	o := newTestOps(t)
	a := bufferOf(t, []float64{1, 2, 3}, 3)
	b := bufferOf(t, []float64{1, 1, 1}, 3)

	if err := o.Add2(a, b, 2, a); err != nil {
		t.Fatalf("Add2 failed: %v", err)
	}
	if got := hostData(t, o, a); !floats.Equal(got, []float64{3, 4, 5}) {
		t.Errorf("Expected [3 4 5], got %v", got)
	}
}

// TestShapeMismatch verifies binary operators never broadcast
func TestShapeMismatch(t *testing.T) {
	o := newTestOps(t)
	a := compute.NewBuffer(4, 4)
	b := compute.NewBuffer(16)
	out := compute.NewBuffer(4, 4)

	checks := map[string]error{
		"add":      o.Add(a, b, out),
		"sub2":     o.Sub2(a, b, 1, out),
		"mul":      o.Mul(a, a, b),
		"mul_rows": o.MulRows(a, b, out, 0, 1),
		"positive": o.PositiveConstraint(a, b),
	}
	for name, err := range checks {
		if !errors.Is(err, compute.ErrDimensionMismatch) {
			t.Errorf("%s: expected ErrDimensionMismatch, got %v", name, err)
		}
	}
	if _, err := o.Dot(a, b); !errors.Is(err, compute.ErrDimensionMismatch) {
		t.Errorf("dot: expected ErrDimensionMismatch, got %v", err)
	}
	if err := o.MulRows(a, a, out, 3, 2); !errors.Is(err, compute.ErrDimensionMismatch) {
		t.Errorf("mul_rows out of range: expected ErrDimensionMismatch, got %v", err)
	}
}

// TestMulRows verifies only the selected rows of every plane are written
func TestMulRows(t *testing.T) {
	o := newTestOps(t)
	// 2 detectors, 3 angles, 2 slices
	a := bufferOf(t, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, 2, 3, 2)
	b := bufferOf(t, []float64{2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2}, 2, 3, 2)
	out := bufferOf(t, []float64{-1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1}, 2, 3, 2)

	if err := o.MulRows(a, b, out, 1, 2); err != nil {
		t.Fatalf("MulRows failed: %v", err)
	}
	expected := []float64{-1, -1, 6, 8, 10, 12, -1, -1, 18, 20, 22, 24}
	if got := hostData(t, o, out); !floats.Equal(got, expected) {
		t.Errorf("Expected %v, got %v", expected, got)
	}
}

// TestInvert covers the reciprocal and its zero handling
func TestInvert(t *testing.T) {
	o := newTestOps(t)
	buf := bufferOf(t, []float64{2, 0, -4, 0.5}, 4)
	if err := o.Invert(buf); err != nil {
		t.Fatalf("Invert failed: %v", err)
	}
	expected := []float64{0.5, 0, -0.25, 2}
	if got := hostData(t, o, buf); !floats.Equal(got, expected) {
		t.Errorf("Expected %v, got %v", expected, got)
	}
}

// TestReductions covers dot product and norms against direct sums
func TestReductions(t *testing.T) {
	o := newTestOps(t)
	a := bufferOf(t, []float64{1, -2, 3, -4}, 2, 2)
	b := bufferOf(t, []float64{4, 3, 2, 1}, 2, 2)

	dot, err := o.Dot(a, b)
	if err != nil {
		t.Fatalf("Dot failed: %v", err)
	}
	if dot != 4-6+6-4 {
		t.Errorf("Expected dot 0, got %f", dot)
	}
	l1, err := o.L1Norm(a)
	if err != nil {
		t.Fatalf("L1Norm failed: %v", err)
	}
	if l1 != 10 {
		t.Errorf("Expected L1 10, got %f", l1)
	}
	l2, err := o.L2Norm(a)
	if err != nil {
		t.Fatalf("L2Norm failed: %v", err)
	}
	if math.Abs(l2-math.Sqrt(30)) > 1e-12 {
		t.Errorf("Expected L2 sqrt(30), got %f", l2)
	}
}

// TestPositiveAndNormalize covers the clamp and the min-max rescale
func TestPositiveAndNormalize(t *testing.T) {
	o := newTestOps(t)
	in := bufferOf(t, []float64{-1, 0, 2, 4}, 4)
	out := in.Duplicate()

	if err := o.PositiveConstraint(in, out); err != nil {
		t.Fatalf("PositiveConstraint failed: %v", err)
	}
	if got := hostData(t, o, out); !floats.Equal(got, []float64{0, 0, 2, 4}) {
		t.Errorf("Unexpected clamp result %v", got)
	}

	if err := o.NormalizeMinMax(in); err != nil {
		t.Fatalf("NormalizeMinMax failed: %v", err)
	}
	if got := hostData(t, o, in); !floats.EqualApprox(got, []float64{0, 0.2, 0.6, 1}, 1e-12) {
		t.Errorf("Unexpected normalize result %v", got)
	}

	flat := bufferOf(t, []float64{3, 3, 3}, 3)
	if err := o.NormalizeMinMax(flat); err != nil {
		t.Fatalf("NormalizeMinMax failed: %v", err)
	}
	if got := hostData(t, o, flat); !floats.Equal(got, []float64{0, 0, 0}) {
		t.Errorf("Expected constant buffer to normalize to zeros, got %v", got)
	}
}

// TestScaleAndCopy covers the in-place scale and the queued copy
func TestScaleAndCopy(t *testing.T) {
	o := newTestOps(t)
	src := bufferOf(t, []float64{1, 2, 3}, 3)
	dst := src.Duplicate()

	if err := o.Scale(src, -2); err != nil {
		t.Fatalf("Scale failed: %v", err)
	}
	if err := o.Copy(src, dst); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if got := hostData(t, o, dst); !floats.Equal(got, []float64{-2, -4, -6}) {
		t.Errorf("Expected [-2 -4 -6], got %v", got)
	}
}

// TestMatrixOperator checks both products of a 2x3 matrix
func TestMatrixOperator(t *testing.T) {
	o := newTestOps(t)
	m := NewMatrixOperator(o.Queue(), mat.NewDense(2, 3, []float64{
		1, 2, 3,
		4, 5, 6,
	}))

	x := bufferOf(t, []float64{1, 0, -1}, 3)
	y := bufferOf(t, []float64{9, 9}, 2)
	if err := m.Forward(x, y); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if got := hostData(t, o, y); !floats.Equal(got, []float64{-2, -2}) {
		t.Errorf("Forward: expected [-2 -2], got %v", got)
	}

	back := bufferOf(t, []float64{7, 7, 7}, 3)
	if err := m.Adjoint(bufferOf(t, []float64{1, 1}, 2), back); err != nil {
		t.Fatalf("Adjoint failed: %v", err)
	}
	if got := hostData(t, o, back); !floats.Equal(got, []float64{5, 7, 9}) {
		t.Errorf("Adjoint: expected [5 7 9], got %v", got)
	}

	if err := m.Forward(y, x); !errors.Is(err, compute.ErrDimensionMismatch) {
		t.Errorf("Expected ErrDimensionMismatch, got %v", err)
	}
}
