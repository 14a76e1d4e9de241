package solver

import (
	"tomorecon/pkg/compute"
	"tomorecon/pkg/ops"
	"tomorecon/pkg/projector"
)

// deltaFloor replaces a zero curvature in the CGLS step
const deltaFloor = 1e-6

// CGLS solves the regularized normal equations (AᵗA + shift·I) x = Aᵗb with
// conjugate gradients. It always starts from x = 0.
type CGLS struct {
	base

	Projector *projector.Projector
	// Operator replaces the projector as A when set
	Operator   ops.LinearOperator
	Iterations int
	Shift      float64

	a ops.LinearOperator
}

// NewCGLS creates a CGLS solver over p
func NewCGLS(p *projector.Projector, iterations int, shift float64) *CGLS {
	return &CGLS{
		Projector:  p,
		Iterations: iterations,
		Shift:      shift,
	}
}

// Setup binds the solver and its operator to res
func (c *CGLS) Setup(res *compute.Resources) error {
	if err := c.base.setup("cgls", res); err != nil {
		return err
	}
	a, err := operator(c.name, c.Operator, c.Projector, c.ops, res)
	if err != nil {
		c.Close()
		return err
	}
	c.a = a
	return nil
}

// Process overwrites x with the CGLS solution for measured b
func (c *CGLS) Process(b, x *compute.Buffer) error {
	if err := c.ready(); err != nil {
		return err
	}
	c.report = Report{}
	o := c.ops

	if err := o.Set(x, 0); err != nil {
		return err
	}
	// x = 0, so r = b and s = Aᵗr
	r := b.Duplicate()
	if err := o.Copy(b, r); err != nil {
		return err
	}
	s := x.Duplicate()
	if err := c.a.Adjoint(r, s); err != nil {
		return err
	}
	p := x.Duplicate()
	if err := o.Copy(s, p); err != nil {
		return err
	}
	gamma, err := o.Dot(s, s)
	if err != nil {
		return err
	}
	q := b.Duplicate()

	for it := 0; it < c.Iterations; it++ {
		if gamma == 0 {
			c.log.Debug().Int("iteration", it).Msg("normal equations solved exactly")
			break
		}
		if err := c.a.Forward(p, q); err != nil {
			return err
		}
		qq, err := o.Dot(q, q)
		if err != nil {
			return err
		}
		delta := qq
		if c.Shift != 0 {
			pp, err := o.Dot(p, p)
			if err != nil {
				return err
			}
			delta += c.Shift * pp
		}
		if delta == 0 {
			delta = deltaFloor
		}
		alpha := gamma / delta

		if err := o.Add2(x, p, alpha, x); err != nil {
			return err
		}
		if err := o.Sub2(r, q, alpha, r); err != nil {
			return err
		}
		if err := c.a.Adjoint(r, s); err != nil {
			return err
		}
		if c.Shift != 0 {
			if err := o.Sub2(s, x, c.Shift, s); err != nil {
				return err
			}
		}
		next, err := o.Dot(s, s)
		if err != nil {
			return err
		}
		beta := next / gamma
		if err := o.Add2(s, p, beta, p); err != nil {
			return err
		}
		gamma = next
		c.report.Iterations++
		c.log.Debug().Int("iteration", it).Float64("gamma", gamma).Msg("cgls step")
	}
	return c.q.Finish()
}
