package solver

import (
	"fmt"

	"tomorecon/pkg/compute"
	"tomorecon/pkg/projector"
)

// dataEpsilon is the data residual below which the TV step is no longer reduced
const dataEpsilon = 0.001

// ASDPOCSParams holds the step schedule of ASD-POCS.
type ASDPOCSParams struct {
	Iterations int
	// Beta is the initial relaxation of the data-fidelity minimizer, reduced
	// by BetaRed after every iteration
	Beta    float64
	BetaRed float64
	// Alpha sets the initial TV step as a fraction of the first data step
	Alpha    float64
	AlphaRed float64
	// RMax is the allowed ratio of TV change to data change
	RMax float64
	// TVSteps is the number of steepest-descent TV steps per iteration
	TVSteps    int
	Positivity bool
}

// DefaultASDPOCSParams returns the usual adaptive schedule
func DefaultASDPOCSParams() ASDPOCSParams {
	return ASDPOCSParams{
		Iterations: 10,
		Beta:       1,
		BetaRed:    0.99,
		Alpha:      0.002,
		AlphaRed:   0.95,
		RMax:       0.95,
		TVSteps:    20,
		Positivity: true,
	}
}

// ASDPOCS alternates a data-fidelity minimizer with steepest descent on a
// sparsity norm, adapting both step sizes.
type ASDPOCS struct {
	base
	ASDPOCSParams

	Projector *projector.Projector
	Minimizer Minimizer
	Sparsity  Sparsity
}

// NewASDPOCS creates an ASD-POCS solver. The minimizer and sparsity operator
// must run on the same queue as the solver.
func NewASDPOCS(p *projector.Projector, m Minimizer, sparsity Sparsity, params ASDPOCSParams) *ASDPOCS {
	return &ASDPOCS{
		ASDPOCSParams: params,
		Projector:     p,
		Minimizer:     m,
		Sparsity:      sparsity,
	}
}

// Setup binds the solver, its projector and its minimizer to res
func (s *ASDPOCS) Setup(res *compute.Resources) error {
	switch {
	case s.Projector == nil:
		return fmt.Errorf("%w: asd-pocs needs a projector", compute.ErrConfiguration)
	case s.Minimizer == nil:
		return fmt.Errorf("%w: asd-pocs needs a data-fidelity minimizer", compute.ErrConfiguration)
	case s.Sparsity == nil:
		return fmt.Errorf("%w: asd-pocs needs a sparsity operator", compute.ErrConfiguration)
	}
	if err := s.base.setup("asd-pocs", res); err != nil {
		return err
	}
	if err := s.Projector.Setup(res); err != nil {
		return err
	}
	return s.Minimizer.Setup(res)
}

// Process runs Iterations outer iterations on output
func (s *ASDPOCS) Process(measured, output *compute.Buffer) error {
	if err := s.ready(); err != nil {
		return err
	}
	s.report = Report{}
	o := s.ops

	previous := output.Duplicate()
	if err := o.Copy(output, previous); err != nil {
		return err
	}
	g := output.Duplicate()
	diff := output.Duplicate()
	residual := measured.Duplicate()

	beta := s.Beta
	var dtgv float64
	for it := 0; it < s.Iterations; it++ {
		// data fidelity
		s.Minimizer.SetRelaxationFactor(beta)
		if err := s.Minimizer.Process(measured, output); err != nil {
			return err
		}
		if s.Positivity {
			if err := o.PositiveConstraint(output, output); err != nil {
				return err
			}
		}

		if err := o.Copy(measured, residual); err != nil {
			return err
		}
		if err := s.Projector.ForwardAll(output, residual, -1); err != nil {
			return err
		}
		dd, err := o.L1Norm(residual)
		if err != nil {
			return err
		}
		if err := o.Sub(output, previous, diff); err != nil {
			return err
		}
		dp, err := o.L1Norm(diff)
		if err != nil {
			return err
		}
		if it == 0 {
			dtgv = s.Alpha * dp
		}

		// regularization
		if err := o.Copy(output, previous); err != nil {
			return err
		}
		for k := 0; k < s.TVSteps; k++ {
			if err := s.Sparsity.Gradient(output, g); err != nil {
				return err
			}
			norm, err := o.L1Norm(g)
			if err != nil {
				return err
			}
			if norm == 0 {
				break
			}
			if err := o.Sub2(output, g, dtgv/norm, output); err != nil {
				return err
			}
			s.report.InnerIterations++
		}
		if err := o.Sub(output, previous, diff); err != nil {
			return err
		}
		dg, err := o.L1Norm(diff)
		if err != nil {
			return err
		}

		beta *= s.BetaRed
		if dg > s.RMax*dp && dd > dataEpsilon {
			dtgv *= s.AlphaRed
		}
		s.report.Iterations++
		s.log.Debug().
			Int("iteration", it).
			Float64("dd", dd).
			Float64("dp", dp).
			Float64("dg", dg).
			Float64("beta", beta).
			Float64("dtgv", dtgv).
			Msg("asd-pocs iteration")
	}
	return s.q.Finish()
}
