package solver

import (
	"fmt"
	"math"

	"tomorecon/pkg/compute"
	"tomorecon/pkg/ops"
)

const (
	// DefaultCGSIterations bounds the inner solve of Split-Bregman
	DefaultCGSIterations = 30
	// DefaultCGSTolerance is the relative residual the inner solve stops at
	DefaultCGSTolerance = 1e-6

	stagnationLimit = 3
)

// machineEpsilon is the spacing of float64 values around 1
var machineEpsilon = math.Nextafter(1, 2) - 1

// cgs solves A x = b with the conjugate gradient squared method for a square
// operator given as apply(in, out), out = A·in.
type cgs struct {
	ops       *ops.Ops
	apply     func(in, out *compute.Buffer) error
	maxIter   int
	tolerance float64
}

// solve improves x in place and returns the number of iterations run.
// On ErrNumericalDivergence x holds the last finite iterate.
func (c *cgs) solve(b, x *compute.Buffer) (int, error) {
	o := c.ops

	bnorm, err := o.L2Norm(b)
	if err != nil {
		return 0, err
	}
	r := b.Duplicate()
	if err := c.apply(x, r); err != nil {
		return 0, err
	}
	if err := o.Sub(b, r, r); err != nil {
		return 0, err
	}
	rnorm, err := o.L2Norm(r)
	if err != nil {
		return 0, err
	}
	if rnorm <= c.tolerance*bnorm {
		return 0, nil
	}

	rtilde := r.Duplicate()
	if err := o.Copy(r, rtilde); err != nil {
		return 0, err
	}
	u := x.Duplicate()
	p := x.Duplicate()
	q := x.Duplicate()
	vhat := x.Duplicate()
	uhat := x.Duplicate()
	qhat := x.Duplicate()

	var rhoPrev float64
	stagnant := 0
	for it := 0; it < c.maxIter; it++ {
		rho, err := o.Dot(rtilde, r)
		if err != nil {
			return it, err
		}
		if degenerate(rho) {
			return it, fmt.Errorf("%w: rho=%g at iteration %d", ErrNumericalDivergence, rho, it)
		}

		if it == 0 {
			if err := o.Copy(r, u); err != nil {
				return it, err
			}
			if err := o.Copy(u, p); err != nil {
				return it, err
			}
		} else {
			beta := rho / rhoPrev
			if degenerate(beta) {
				return it, fmt.Errorf("%w: beta=%g at iteration %d", ErrNumericalDivergence, beta, it)
			}
			// u = r + beta q; p = u + beta (q + beta p)
			if err := o.Add2(r, q, beta, u); err != nil {
				return it, err
			}
			if err := o.Add2(q, p, beta, p); err != nil {
				return it, err
			}
			if err := o.Add2(u, p, beta, p); err != nil {
				return it, err
			}
		}

		if err := c.apply(p, vhat); err != nil {
			return it, err
		}
		sigma, err := o.Dot(rtilde, vhat)
		if err != nil {
			return it, err
		}
		alpha := rho / sigma
		if degenerate(alpha) {
			return it, fmt.Errorf("%w: alpha=%g at iteration %d", ErrNumericalDivergence, alpha, it)
		}

		if err := o.Sub2(u, vhat, alpha, q); err != nil {
			return it, err
		}
		if err := o.Add(u, q, uhat); err != nil {
			return it, err
		}
		if err := o.Add2(x, uhat, alpha, x); err != nil {
			return it, err
		}
		if err := c.apply(uhat, qhat); err != nil {
			return it, err
		}
		if err := o.Sub2(r, qhat, alpha, r); err != nil {
			return it, err
		}

		rnorm, err := o.L2Norm(r)
		if err != nil {
			return it + 1, err
		}
		if rnorm <= c.tolerance*bnorm {
			return it + 1, nil
		}

		step, err := o.L2Norm(uhat)
		if err != nil {
			return it + 1, err
		}
		xnorm, err := o.L2Norm(x)
		if err != nil {
			return it + 1, err
		}
		if math.Abs(alpha)*step < machineEpsilon*xnorm {
			stagnant++
			if stagnant >= stagnationLimit {
				return it + 1, nil
			}
		} else {
			stagnant = 0
		}
		rhoPrev = rho
	}
	return c.maxIter, nil
}

func degenerate(v float64) bool {
	return v == 0 || math.IsNaN(v) || math.IsInf(v, 0)
}
