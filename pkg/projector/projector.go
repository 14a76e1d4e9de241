// Package projector implements the parallel-beam forward projection (FP) and
// backprojection (BP) operator pair with Joseph's method.
//
// Angles are processed per direction subset: vertical subsets step each ray
// through the volume rows and interpolate between columns, horizontal subsets
// step through columns and interpolate between rows. Both variants compute the
// same line integrals; the split keeps the interpolation step below one pixel.
//
// FP and BP accumulate: they add their scaled result to the destination buffer
// instead of overwriting it. Callers that need a fresh result must zero the
// destination first (ops.Set(dst, 0)). Operator wraps the projector with
// overwrite semantics for solvers that treat it as a plain linear map.
package projector

import (
	"fmt"

	"github.com/rs/zerolog"

	"tomorecon/internal/models"
	"tomorecon/pkg/compute"
	"tomorecon/pkg/geometry"
)

// Projector is the FP/BP operator pair over a volume and a sinogram.
type Projector struct {
	geom *geometry.Model

	q       *compute.Queue
	log     zerolog.Logger
	kernels compute.KernelTable
	sin     *compute.Buffer
	cos     *compute.Buffer
}

// New creates a projector for geom. Setup must be called before use.
func New(geom *geometry.Model) *Projector {
	return &Projector{geom: geom}
}

// Geometry returns the geometry model the projector was built with
func (p *Projector) Geometry() *geometry.Model {
	return p.geom
}

// Setup acquires the projection kernels and uploads the sin/cos tables.
//
// Returns:
//   - ErrConfiguration if the geometry is unset or resources are incomplete
//   - ErrKernelNotFound if the backend lacks a projection kernel
func (p *Projector) Setup(res *compute.Resources) error {
	if p.geom == nil {
		return fmt.Errorf("%w: projector has no geometry", compute.ErrConfiguration)
	}
	if err := res.Validate(); err != nil {
		return err
	}

	kernels, err := compute.AcquireKernels(res.Context, Module, kernelNames...)
	if err != nil {
		return err
	}
	p.Close()
	p.kernels = kernels
	p.q = res.Queue
	p.log = res.Logger.With().Str("component", "projector").Logger()
	p.sin, p.cos = p.geom.Tables(res.Context)
	return nil
}

// Close releases the kernel handles
func (p *Projector) Close() {
	if p.kernels != nil {
		p.kernels.Release()
		p.kernels = nil
	}
}

// Subsets returns the direction subsets in angle order
func (p *Projector) Subsets() []models.Subset {
	return p.geom.Subsets()
}

// FullRegion returns the region covering the whole volume
func (p *Projector) FullRegion() models.Region {
	return p.geom.FullRegion()
}

// FP adds scale times the forward projection of volume, restricted to roi,
// to the sinogram rows of subset.
//
// A zero scale does nothing and is logged, since it almost always means a
// caller forgot to set a relaxation or weight.
func (p *Projector) FP(volume *compute.Buffer, roi models.Region, sinogram *compute.Buffer, subset models.Subset, scale float64) error {
	kernel, err := p.prepare("fp", volume, roi, sinogram, subset)
	if err != nil {
		return err
	}
	if scale == 0 {
		p.log.Warn().Int("offset", subset.Offset).Int("count", subset.Count).Msg("forward projection with zero scale skipped")
		return nil
	}
	if roi.Empty() || subset.Count == 0 {
		return nil
	}
	global := sinogram.Planes() * subset.Count * sinogram.RowLen()
	return p.q.Enqueue(kernel, global, p.args(volume, roi, sinogram, subset, scale))
}

// BP adds relaxation times the backprojection of the sinogram rows of subset
// to the voxels of volume inside roi.
func (p *Projector) BP(volume *compute.Buffer, roi models.Region, sinogram *compute.Buffer, subset models.Subset, relaxation float64) error {
	kernel, err := p.prepare("bp", volume, roi, sinogram, subset)
	if err != nil {
		return err
	}
	if relaxation == 0 || roi.Empty() || subset.Count == 0 {
		return nil
	}
	global := volume.Planes() * roi.Height
	return p.q.Enqueue(kernel, global, p.args(volume, roi, sinogram, subset, relaxation))
}

// ForwardAll accumulates scale times the forward projection of the whole
// volume over every subset into sinogram
func (p *Projector) ForwardAll(volume, sinogram *compute.Buffer, scale float64) error {
	roi := p.FullRegion()
	for _, s := range p.Subsets() {
		if err := p.FP(volume, roi, sinogram, s, scale); err != nil {
			return err
		}
	}
	return nil
}

// BackwardAll accumulates relaxation times the backprojection of every
// subset of sinogram into the whole volume
func (p *Projector) BackwardAll(volume, sinogram *compute.Buffer, relaxation float64) error {
	roi := p.FullRegion()
	for _, s := range p.Subsets() {
		if err := p.BP(volume, roi, sinogram, s, relaxation); err != nil {
			return err
		}
	}
	return nil
}

// prepare validates the operands and picks the kernel variant for the subset
func (p *Projector) prepare(op string, volume *compute.Buffer, roi models.Region, sinogram *compute.Buffer, subset models.Subset) (*compute.Kernel, error) {
	if p.kernels == nil {
		return nil, fmt.Errorf("%w: projector used before setup", compute.ErrConfiguration)
	}
	if err := p.geom.Bind(sinogram.Shape()); err != nil {
		return nil, err
	}

	w, h := p.geom.VolumeSize()
	if volume.Dim(0) != w || volume.Dim(1) != h {
		return nil, fmt.Errorf("%w: volume %v, geometry expects %dx%d", compute.ErrDimensionMismatch, volume.Shape(), w, h)
	}
	if volume.Planes() != sinogram.Planes() {
		return nil, fmt.Errorf("%w: volume has %d slices, sinogram %d", compute.ErrDimensionMismatch, volume.Planes(), sinogram.Planes())
	}
	if roi.X < 0 || roi.Y < 0 || roi.X+roi.Width > w || roi.Y+roi.Height > h {
		return nil, fmt.Errorf("%w: region %+v outside %dx%d volume", compute.ErrDimensionMismatch, roi, w, h)
	}
	if subset.Offset < 0 || subset.Count < 0 || subset.End() > p.geom.NumAngles() {
		return nil, fmt.Errorf("%w: subset [%d, %d) outside %d angles", compute.ErrDimensionMismatch, subset.Offset, subset.End(), p.geom.NumAngles())
	}

	name := op + "_vertical"
	if subset.Direction == models.Horizontal {
		name = op + "_horizontal"
	}
	return p.kernels[name], nil
}

func (p *Projector) args(volume *compute.Buffer, roi models.Region, sinogram *compute.Buffer, subset models.Subset, factor float64) compute.Args {
	spec := p.geom.Spec()
	return compute.Args{
		Buffers: []*compute.Buffer{volume, sinogram, p.sin, p.cos},
		Floats:  []float64{factor, spec.AxisPosition, spec.DetectorScale},
		Ints:    []int{roi.X, roi.Y, roi.Width, roi.Height, subset.Offset, subset.Count},
	}
}
