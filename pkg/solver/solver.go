// Package solver implements the iterative reconstruction algorithms: SART,
// SIRT, CGLS, ASD-POCS and Split-Bregman total variation.
//
// Every solver follows the same two-step contract. Setup binds the solver to
// a compute context and queue and acquires the kernels of its collaborators;
// it fails with compute.ErrConfiguration when a required collaborator is
// missing. Process reconstructs output from a measured sinogram, updating
// output in place. Except for CGLS, which always starts from zero, the current
// content of output is the initial estimate, so callers zero it for a cold
// start.
//
// Solvers enqueue all operator work on the one queue they were set up with and
// only block where a scalar reduction is read back on the host. A solver must
// not run concurrently with another user of its queue.
package solver

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"tomorecon/pkg/compute"
	"tomorecon/pkg/ops"
	"tomorecon/pkg/projector"
)

// ErrNumericalDivergence reports a zero or non-finite scalar inside a Krylov
// recurrence. It stops an inner solve early; the outer solver keeps going.
var ErrNumericalDivergence = errors.New("solver: numerical divergence")

// Solver is a reconstruction algorithm.
type Solver interface {
	Setup(res *compute.Resources) error
	Process(measured, output *compute.Buffer) error
}

// Minimizer is a data-fidelity solver whose step size can be driven by an
// outer algorithm, as ASD-POCS does with its beta schedule.
type Minimizer interface {
	Solver
	SetRelaxationFactor(f float64)
}

// Sparsity computes the gradient of a sparsity-promoting norm of an image.
// gradient.TV implements it.
type Sparsity interface {
	Gradient(in, out *compute.Buffer) error
}

// Report summarizes the last Process call.
type Report struct {
	Iterations      int
	InnerIterations int
	// Divergences counts inner solves that stopped on ErrNumericalDivergence
	Divergences int
}

// base holds what every solver needs after Setup
type base struct {
	name   string
	q      *compute.Queue
	ops    *ops.Ops
	log    zerolog.Logger
	report Report
}

func (b *base) setup(name string, res *compute.Resources) error {
	b.name = name
	if err := res.Validate(); err != nil {
		return err
	}
	o, err := ops.New(res.Context, res.Queue)
	if err != nil {
		return err
	}
	if b.ops != nil {
		b.ops.Close()
	}
	b.ops = o
	b.q = res.Queue
	b.log = res.Logger.With().Str("solver", b.name).Logger()
	return nil
}

func (b *base) ready() error {
	if b.ops == nil {
		return fmt.Errorf("%w: %s used before setup", compute.ErrConfiguration, b.name)
	}
	return nil
}

// Report returns the summary of the last Process call
func (b *base) Report() Report {
	return b.report
}

// Close releases the kernel handles acquired by Setup
func (b *base) Close() {
	if b.ops != nil {
		b.ops.Close()
		b.ops = nil
	}
}

// operator resolves the linear operator a solver runs on: an explicitly
// injected one, or the projector wrapped with overwrite semantics.
func operator(name string, explicit ops.LinearOperator, p *projector.Projector, o *ops.Ops, res *compute.Resources) (ops.LinearOperator, error) {
	if explicit != nil {
		return explicit, nil
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s needs a projector", compute.ErrConfiguration, name)
	}
	if err := p.Setup(res); err != nil {
		return nil, err
	}
	return projector.NewOperator(p, o), nil
}

// weights holds the normalization of one volume and sinogram shape: the ray
// weights 1 / FP(1) and one or more pixel weight volumes. It is rebuilt when
// Process sees other shapes and dropped by Setup.
type weights struct {
	rays   *compute.Buffer
	pixels []*compute.Buffer
}

func (w *weights) fits(volume, sinogram *compute.Buffer) bool {
	return w.rays != nil && len(w.pixels) > 0 &&
		w.rays.SameShape(sinogram) && w.pixels[0].SameShape(volume)
}

func (w *weights) reset() {
	*w = weights{}
}

// rayWeights returns 1 / FP(1), the inverse length of every ray through the
// volume. Rays that miss the volume get weight 0.
func rayWeights(p *projector.Projector, o *ops.Ops, volume, sinogram *compute.Buffer) (*compute.Buffer, error) {
	unit := volume.Duplicate()
	if err := o.Set(unit, 1); err != nil {
		return nil, err
	}
	w := sinogram.Duplicate()
	if err := p.ForwardAll(unit, w, 1); err != nil {
		return nil, err
	}
	if err := o.Invert(w); err != nil {
		return nil, err
	}
	return w, nil
}

// pixelWeights returns 1 / BP(1)
func pixelWeights(p *projector.Projector, o *ops.Ops, volume, sinogram *compute.Buffer) (*compute.Buffer, error) {
	unit := sinogram.Duplicate()
	if err := o.Set(unit, 1); err != nil {
		return nil, err
	}
	w := volume.Duplicate()
	if err := p.BackwardAll(w, unit, 1); err != nil {
		return nil, err
	}
	if err := o.Invert(w); err != nil {
		return nil, err
	}
	return w, nil
}

// subsetPixelWeights returns 1 / BP_k(1) for every subset k, the number of
// rays of the subset through each voxel, inverted. Voxels no ray of the
// subset reaches get weight 0.
func subsetPixelWeights(p *projector.Projector, o *ops.Ops, volume, sinogram *compute.Buffer) ([]*compute.Buffer, error) {
	unit := sinogram.Duplicate()
	if err := o.Set(unit, 1); err != nil {
		return nil, err
	}
	roi := p.FullRegion()
	subsets := p.Subsets()
	ws := make([]*compute.Buffer, len(subsets))
	for i, subset := range subsets {
		w := volume.Duplicate()
		if err := p.BP(w, roi, unit, subset, 1); err != nil {
			return nil, err
		}
		if err := o.Invert(w); err != nil {
			return nil, err
		}
		ws[i] = w
	}
	return ws, nil
}
