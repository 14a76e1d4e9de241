package solver

import (
	"errors"
	"fmt"

	"tomorecon/pkg/compute"
	"tomorecon/pkg/gradient"
	"tomorecon/pkg/ops"
	"tomorecon/pkg/projector"
)

// shrinkEpsilon keeps the shrinkage division finite at zero gradient
const shrinkEpsilon = 1e-12

// SplitBregman minimizes mu/2·‖Au − b‖² + ‖∇u‖ with the split Bregman (ADMM)
// method. The u-subproblem
//
//	(mu·AᵗA + lambda·(DxtDx + DytDy)) u = mu·Aᵗb + lambda·(Dxt(dx−bx) + Dyt(dy−by))
//
// is solved with CGS warm-started from the previous u; the gradient split
// (dx, dy) is updated by isotropic shrinkage. The measured sinogram is
// min-max normalized before use, so the result is on the normalized scale.
type SplitBregman struct {
	base

	Projector *projector.Projector
	// Operator replaces the projector as A when set
	Operator   ops.LinearOperator
	Iterations int
	Mu         float64
	Lambda     float64
	// InnerIterations and Tolerance control the CGS solve; zero selects the defaults
	InnerIterations int
	Tolerance       float64

	a       ops.LinearOperator
	grad    *gradient.Operator
	kernels compute.KernelTable
}

// NewSplitBregman creates a Split-Bregman solver over p
func NewSplitBregman(p *projector.Projector, iterations int, mu, lambda float64) *SplitBregman {
	return &SplitBregman{
		Projector:  p,
		Iterations: iterations,
		Mu:         mu,
		Lambda:     lambda,
	}
}

// Setup binds the solver, its operator and the gradient kernels to res
func (sb *SplitBregman) Setup(res *compute.Resources) error {
	if sb.Mu <= 0 || sb.Lambda <= 0 {
		return fmt.Errorf("%w: split-bregman needs positive mu and lambda, got %g and %g", compute.ErrConfiguration, sb.Mu, sb.Lambda)
	}
	if err := sb.base.setup("split-bregman", res); err != nil {
		return err
	}
	a, err := operator(sb.name, sb.Operator, sb.Projector, sb.ops, res)
	if err != nil {
		sb.Close()
		return err
	}
	grad, err := gradient.New(res.Context, res.Queue)
	if err != nil {
		sb.Close()
		return err
	}
	kernels, err := compute.AcquireKernels(res.Context, Module, kernelNames...)
	if err != nil {
		grad.Close()
		sb.Close()
		return err
	}
	sb.releaseOwn()
	sb.a = a
	sb.grad = grad
	sb.kernels = kernels
	return nil
}

// Close releases every kernel handle the solver holds
func (sb *SplitBregman) Close() {
	sb.releaseOwn()
	sb.base.Close()
}

func (sb *SplitBregman) releaseOwn() {
	if sb.grad != nil {
		sb.grad.Close()
		sb.grad = nil
	}
	if sb.kernels != nil {
		sb.kernels.Release()
		sb.kernels = nil
	}
}

// workspace holds the per-call buffers of Process
type workspace struct {
	dx, dy, bx, by *compute.Buffer
	tmpx, tmpy     *compute.Buffer
	rhs, scratch   *compute.Buffer
	sino           *compute.Buffer
}

func newWorkspace(u, measured *compute.Buffer) *workspace {
	return &workspace{
		dx:      u.Duplicate(),
		dy:      u.Duplicate(),
		bx:      u.Duplicate(),
		by:      u.Duplicate(),
		tmpx:    u.Duplicate(),
		tmpy:    u.Duplicate(),
		rhs:     u.Duplicate(),
		scratch: u.Duplicate(),
		sino:    measured.Duplicate(),
	}
}

// Process runs Iterations outer Bregman steps, refining u in place
func (sb *SplitBregman) Process(measured, u *compute.Buffer) error {
	if err := sb.ready(); err != nil {
		return err
	}
	sb.report = Report{}
	o := sb.ops
	w := newWorkspace(u, measured)

	normalized := measured.Duplicate()
	if err := o.Copy(measured, normalized); err != nil {
		return err
	}
	if err := o.NormalizeMinMax(normalized); err != nil {
		return err
	}
	fbp := u.Duplicate()
	if err := sb.a.Adjoint(normalized, fbp); err != nil {
		return err
	}
	if err := o.Scale(fbp, sb.Mu); err != nil {
		return err
	}

	inner := &cgs{
		ops:       o,
		apply:     func(in, out *compute.Buffer) error { return sb.processA(w, in, out) },
		maxIter:   sb.InnerIterations,
		tolerance: sb.Tolerance,
	}
	if inner.maxIter <= 0 {
		inner.maxIter = DefaultCGSIterations
	}
	if inner.tolerance <= 0 {
		inner.tolerance = DefaultCGSTolerance
	}

	for it := 0; it < sb.Iterations; it++ {
		if err := sb.rightHandSide(w, fbp); err != nil {
			return err
		}
		n, err := inner.solve(w.rhs, u)
		sb.report.InnerIterations += n
		switch {
		case errors.Is(err, ErrNumericalDivergence):
			sb.report.Divergences++
			sb.log.Warn().Err(err).Int("iteration", it).Msg("inner solve diverged, keeping last iterate")
		case err != nil:
			return err
		}

		if err := sb.grad.Dx(u, w.tmpx); err != nil {
			return err
		}
		if err := sb.grad.Dy(u, w.tmpy); err != nil {
			return err
		}
		if err := o.Add(w.tmpx, w.bx, w.tmpx); err != nil {
			return err
		}
		if err := o.Add(w.tmpy, w.by, w.tmpy); err != nil {
			return err
		}
		if err := sb.shrink(w); err != nil {
			return err
		}
		sb.report.Iterations++
		sb.log.Debug().Int("iteration", it).Int("inner", n).Msg("bregman step")
	}
	return sb.q.Finish()
}

// rightHandSide writes fbp + lambda·(Dxt(dx−bx) + Dyt(dy−by)) to w.rhs
func (sb *SplitBregman) rightHandSide(w *workspace, fbp *compute.Buffer) error {
	o := sb.ops
	if err := o.Sub(w.dx, w.bx, w.tmpx); err != nil {
		return err
	}
	if err := sb.grad.Dxt(w.tmpx, w.rhs); err != nil {
		return err
	}
	if err := o.Sub(w.dy, w.by, w.tmpy); err != nil {
		return err
	}
	if err := sb.grad.Dyt(w.tmpy, w.scratch); err != nil {
		return err
	}
	if err := o.Add(w.rhs, w.scratch, w.rhs); err != nil {
		return err
	}
	return o.Add2(fbp, w.rhs, sb.Lambda, w.rhs)
}

// processA computes out = mu·Aᵗ(A z) + lambda·(Dyt(Dy z) + Dxt(Dx z)).
// It uses w.tmpx, w.tmpy, w.scratch and w.sino as scratch space.
func (sb *SplitBregman) processA(w *workspace, z, out *compute.Buffer) error {
	o := sb.ops
	if err := sb.a.Forward(z, w.sino); err != nil {
		return err
	}
	if err := sb.a.Adjoint(w.sino, out); err != nil {
		return err
	}
	if err := o.Scale(out, sb.Mu); err != nil {
		return err
	}

	if err := sb.grad.Dy(z, w.tmpy); err != nil {
		return err
	}
	if err := sb.grad.Dyt(w.tmpy, w.scratch); err != nil {
		return err
	}
	if err := sb.grad.Dx(z, w.tmpx); err != nil {
		return err
	}
	if err := sb.grad.Dxt(w.tmpx, w.tmpy); err != nil {
		return err
	}
	if err := o.Add(w.scratch, w.tmpy, w.scratch); err != nil {
		return err
	}
	return o.Add2(out, w.scratch, sb.Lambda, out)
}

// shrink applies isotropic soft thresholding with threshold 1/lambda to
// (tmpx, tmpy), writing the split variables and the Bregman residuals
func (sb *SplitBregman) shrink(w *workspace) error {
	if err := compute.CheckShapes(w.tmpx, w.tmpy, w.dx, w.dy, w.bx, w.by); err != nil {
		return err
	}
	return sb.q.Enqueue(sb.kernels["shrink"], w.tmpx.Len(), compute.Args{
		Buffers: []*compute.Buffer{w.tmpx, w.tmpy, w.dx, w.dy, w.bx, w.by},
		Floats:  []float64{1 / sb.Lambda, shrinkEpsilon},
	})
}
