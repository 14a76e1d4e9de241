package gradient

import (
	"fmt"
	"math"

	"tomorecon/pkg/compute"
	"tomorecon/pkg/ops"
)

// DefaultEpsilon smooths the TV norm at zero gradient
const DefaultEpsilon = 1e-8

// TV is the sparsity operator of ASD-POCS: it computes the gradient of the
// smoothed isotropic total variation
//
//	TV(u) = sum sqrt(Dx(u)² + Dy(u)² + ε²)
//
// which is Dxt(Dx u / m) + Dyt(Dy u / m) with m the smoothed gradient magnitude.
type TV struct {
	grad    *Operator
	ops     *ops.Ops
	epsilon float64
}

// NewTV builds the TV gradient from the difference operators and ops,
// which must share one queue. A non-positive epsilon selects DefaultEpsilon.
func NewTV(grad *Operator, o *ops.Ops, epsilon float64) (*TV, error) {
	if grad == nil || o == nil {
		return nil, fmt.Errorf("%w: TV needs gradient and ops", compute.ErrConfiguration)
	}
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	return &TV{grad: grad, ops: o, epsilon: epsilon}, nil
}

// Gradient writes the TV gradient of in into out
func (tv *TV) Gradient(in, out *compute.Buffer) error {
	if err := compute.CheckShapes(in, out); err != nil {
		return fmt.Errorf("tv gradient: %w", err)
	}

	gx := in.Duplicate()
	gy := in.Duplicate()
	if err := tv.grad.Dx(in, gx); err != nil {
		return err
	}
	if err := tv.grad.Dy(in, gy); err != nil {
		return err
	}
	err := tv.grad.q.Enqueue(tv.grad.kernels["tv_normalize"], in.Len(), compute.Args{
		Buffers: []*compute.Buffer{gx, gy},
		Floats:  []float64{tv.epsilon},
	})
	if err != nil {
		return err
	}

	tmp := in.Duplicate()
	if err := tv.grad.Dxt(gx, out); err != nil {
		return err
	}
	if err := tv.grad.Dyt(gy, tmp); err != nil {
		return err
	}
	return tv.ops.Add(out, tmp, out)
}

// Norm returns the smoothed TV of in; it synchronizes the queue
func (tv *TV) Norm(in *compute.Buffer) (float64, error) {
	gx := in.Duplicate()
	gy := in.Duplicate()
	if err := tv.grad.Dx(in, gx); err != nil {
		return 0, err
	}
	if err := tv.grad.Dy(in, gy); err != nil {
		return 0, err
	}
	if err := tv.ops.Mul(gx, gx, gx); err != nil {
		return 0, err
	}
	if err := tv.ops.Mul(gy, gy, gy); err != nil {
		return 0, err
	}
	if err := tv.ops.Add(gx, gy, gx); err != nil {
		return 0, err
	}
	data, err := gx.HostArray(tv.ops.Queue())
	if err != nil {
		return 0, err
	}
	return sumSqrt(data, tv.epsilon*tv.epsilon), nil
}

func sumSqrt(squares []float64, eps2 float64) float64 {
	var sum float64
	for _, v := range squares {
		sum += math.Sqrt(v + eps2)
	}
	return sum
}
