package solver

import (
	"fmt"

	"tomorecon/pkg/compute"
	"tomorecon/pkg/projector"
)

// SART is the simultaneous algebraic reconstruction technique with block
// updates: the estimate changes after every direction subset, not once per
// sweep.
//
// Each subset update is normalized on both sides. Residual rows are divided
// by their ray length and the backprojection by the number of rays of the
// subset through each voxel, so the step stays bounded however many angles
// the subset merges and relaxations in (0, 2) converge.
type SART struct {
	base

	Projector  *projector.Projector
	Iterations int
	Relaxation float64

	weights weights
}

var _ Minimizer = (*SART)(nil)

// NewSART creates a SART solver over p
func NewSART(p *projector.Projector, iterations int, relaxation float64) *SART {
	return &SART{
		Projector:  p,
		Iterations: iterations,
		Relaxation: relaxation,
	}
}

// SetRelaxationFactor sets the BP relaxation of the following Process calls
func (s *SART) SetRelaxationFactor(f float64) {
	s.Relaxation = f
}

// Setup binds the solver and its projector to res
func (s *SART) Setup(res *compute.Resources) error {
	if s.Projector == nil {
		return fmt.Errorf("%w: sart needs a projector", compute.ErrConfiguration)
	}
	if err := s.base.setup("sart", res); err != nil {
		return err
	}
	s.weights.reset()
	return s.Projector.Setup(res)
}

// prepare computes the ray and per-subset pixel weights for the shapes of
// volume and sinogram unless the previous call already did
func (s *SART) prepare(volume, sinogram *compute.Buffer) error {
	if s.weights.fits(volume, sinogram) {
		return nil
	}
	rays, err := rayWeights(s.Projector, s.ops, volume, sinogram)
	if err != nil {
		return err
	}
	pixels, err := subsetPixelWeights(s.Projector, s.ops, volume, sinogram)
	if err != nil {
		return err
	}
	s.weights = weights{rays: rays, pixels: pixels}
	s.log.Debug().Ints("volume", volume.Shape()).Int("subsets", len(pixels)).Msg("weights computed")
	return nil
}

// Process runs Iterations sweeps over the subsets, refining output
func (s *SART) Process(measured, output *compute.Buffer) error {
	if err := s.ready(); err != nil {
		return err
	}
	s.report = Report{}

	if err := s.prepare(output, measured); err != nil {
		return err
	}
	residual := measured.Duplicate()
	update := output.Duplicate()
	roi := s.Projector.FullRegion()

	for it := 0; it < s.Iterations; it++ {
		for k, subset := range s.Projector.Subsets() {
			// rows outside the subset keep stale data; BP only reads the subset
			if err := s.ops.Copy(measured, residual); err != nil {
				return err
			}
			if err := s.Projector.FP(output, roi, residual, subset, -1); err != nil {
				return err
			}
			if err := s.ops.MulRows(residual, s.weights.rays, residual, subset.Offset, subset.Count); err != nil {
				return err
			}
			if err := s.ops.Set(update, 0); err != nil {
				return err
			}
			if err := s.Projector.BP(update, roi, residual, subset, 1); err != nil {
				return err
			}
			if err := s.ops.Mul(update, s.weights.pixels[k], update); err != nil {
				return err
			}
			if err := s.ops.Add2(output, update, s.Relaxation, output); err != nil {
				return err
			}
		}
		s.report.Iterations++
		s.log.Debug().Int("iteration", it).Msg("sweep enqueued")
	}
	return s.q.Finish()
}
