package solver

import (
	"fmt"

	"tomorecon/pkg/compute"
	"tomorecon/pkg/projector"
)

// SIRT is the simultaneous iterative reconstruction technique: every
// iteration projects the whole estimate once and applies one weighted update.
type SIRT struct {
	base

	Projector  *projector.Projector
	Iterations int
	Relaxation float64

	weights weights
}

var _ Minimizer = (*SIRT)(nil)

// NewSIRT creates a SIRT solver over p
func NewSIRT(p *projector.Projector, iterations int, relaxation float64) *SIRT {
	return &SIRT{
		Projector:  p,
		Iterations: iterations,
		Relaxation: relaxation,
	}
}

// SetRelaxationFactor sets the update relaxation of the following Process calls
func (s *SIRT) SetRelaxationFactor(f float64) {
	s.Relaxation = f
}

// Setup binds the solver and its projector to res
func (s *SIRT) Setup(res *compute.Resources) error {
	if s.Projector == nil {
		return fmt.Errorf("%w: sirt needs a projector", compute.ErrConfiguration)
	}
	if err := s.base.setup("sirt", res); err != nil {
		return err
	}
	s.weights.reset()
	return s.Projector.Setup(res)
}

// prepare computes the ray and pixel weights for the shapes of volume and
// sinogram unless the previous call already did
func (s *SIRT) prepare(volume, sinogram *compute.Buffer) error {
	if s.weights.fits(volume, sinogram) {
		return nil
	}
	rays, err := rayWeights(s.Projector, s.ops, volume, sinogram)
	if err != nil {
		return err
	}
	pixels, err := pixelWeights(s.Projector, s.ops, volume, sinogram)
	if err != nil {
		return err
	}
	s.weights = weights{rays: rays, pixels: []*compute.Buffer{pixels}}
	return nil
}

// Process runs Iterations simultaneous updates of output
func (s *SIRT) Process(measured, output *compute.Buffer) error {
	if err := s.ready(); err != nil {
		return err
	}
	s.report = Report{}

	if err := s.prepare(output, measured); err != nil {
		return err
	}
	rw, pw := s.weights.rays, s.weights.pixels[0]
	residual := measured.Duplicate()
	update := output.Duplicate()

	for it := 0; it < s.Iterations; it++ {
		if err := s.ops.Copy(measured, residual); err != nil {
			return err
		}
		if err := s.Projector.ForwardAll(output, residual, -1); err != nil {
			return err
		}
		if err := s.ops.Mul(residual, rw, residual); err != nil {
			return err
		}
		if err := s.ops.Set(update, 0); err != nil {
			return err
		}
		if err := s.Projector.BackwardAll(update, residual, 1); err != nil {
			return err
		}
		if err := s.ops.Mul(update, pw, update); err != nil {
			return err
		}
		if err := s.ops.Add2(output, update, s.Relaxation, output); err != nil {
			return err
		}
		s.report.Iterations++
		s.log.Debug().Int("iteration", it).Msg("update enqueued")
	}
	return s.q.Finish()
}
