// Package geometry holds the parallel-beam scan geometry: per-angle sin/cos
// tables, the lazily resolved rotation axis, the derived volume size, and the
// partition of the angles into direction subsets.
package geometry

import (
	"fmt"
	"math"

	"tomorecon/internal/models"
	"tomorecon/pkg/compute"
)

// Model is the GeometryModel shared by projectors.
//
// Tables and subsets are computed by Configure and are read-only afterwards;
// a change of angle count requires another Configure call.
type Model struct {
	spec    models.GeometrySpec
	sin     []float64
	cos     []float64
	subsets []models.Subset
}

// New configures a geometry model from spec
func New(spec models.GeometrySpec) (*Model, error) {
	m := &Model{}
	if err := m.Configure(spec); err != nil {
		return nil, err
	}
	return m, nil
}

// Configure validates spec and computes sin(offset + i*step), cos(...) for
// every angle plus the direction subsets.
//
// Returns:
//   - ErrConfiguration when NumAngles is zero or a scale is negative
func (m *Model) Configure(spec models.GeometrySpec) error {
	if spec.NumAngles <= 0 {
		return fmt.Errorf("%w: geometry needs at least one angle, got %d", compute.ErrConfiguration, spec.NumAngles)
	}
	if spec.DetectorCount < 0 {
		return fmt.Errorf("%w: negative detector count %d", compute.ErrConfiguration, spec.DetectorCount)
	}
	if spec.DetectorScale < 0 {
		return fmt.Errorf("%w: negative detector scale %g", compute.ErrConfiguration, spec.DetectorScale)
	}
	if spec.DetectorScale == 0 {
		spec.DetectorScale = 1
	}
	if spec.VolumeWidth < 0 || spec.VolumeHeight < 0 {
		return fmt.Errorf("%w: negative volume size %dx%d", compute.ErrConfiguration, spec.VolumeWidth, spec.VolumeHeight)
	}

	sin := make([]float64, spec.NumAngles)
	cos := make([]float64, spec.NumAngles)
	for i := range sin {
		sin[i], cos[i] = math.Sincos(spec.AngleOffset + float64(i)*spec.AngleStep)
	}

	subsets, err := Plan(sin, cos)
	if err != nil {
		return err
	}

	m.spec = spec
	m.sin = sin
	m.cos = cos
	m.subsets = subsets
	return nil
}

// NewFromAngles builds a model from an explicit angle list in radians.
// The step/offset fields of spec are ignored.
func NewFromAngles(spec models.GeometrySpec, angles []float64) (*Model, error) {
	spec.NumAngles = len(angles)
	spec.AngleStep = 0
	spec.AngleOffset = 0

	m, err := New(spec)
	if err != nil {
		return nil, err
	}
	for i, a := range angles {
		m.sin[i], m.cos[i] = math.Sincos(a)
	}
	if m.subsets, err = Plan(m.sin, m.cos); err != nil {
		return nil, err
	}
	return m, nil
}

// Spec returns the current parameters, including any lazily resolved values
func (m *Model) Spec() models.GeometrySpec {
	return m.spec
}

// NumAngles returns the number of projection angles
func (m *Model) NumAngles() int {
	return m.spec.NumAngles
}

// Sin returns the host sine table. Callers must not modify it.
func (m *Model) Sin() []float64 {
	return m.sin
}

// Cos returns the host cosine table. Callers must not modify it.
func (m *Model) Cos() []float64 {
	return m.cos
}

// Subsets returns the direction subsets in angle order. Callers must not modify it.
func (m *Model) Subsets() []models.Subset {
	return m.subsets
}

// Tables returns device-resident copies of the sin/cos tables allocated in ctx
func (m *Model) Tables(ctx compute.Context) (sin, cos *compute.Buffer) {
	sin = ctx.NewBuffer(len(m.sin))
	cos = ctx.NewBuffer(len(m.cos))
	copy(sin.Data(), m.sin)
	copy(cos.Data(), m.cos)
	return sin, cos
}

// Bind checks a sinogram shape against the geometry. The first bind fills in
// an unset detector count and resolves a negative axis position to
// DetectorCount/2.
func (m *Model) Bind(sinogramShape []int) error {
	if len(sinogramShape) < 2 {
		return fmt.Errorf("%w: sinogram needs (detectors, angles) axes, got %v", compute.ErrDimensionMismatch, sinogramShape)
	}
	detectors, angles := sinogramShape[0], sinogramShape[1]

	if angles != m.spec.NumAngles {
		return fmt.Errorf("%w: sinogram has %d angles, geometry %d", compute.ErrDimensionMismatch, angles, m.spec.NumAngles)
	}
	if m.spec.DetectorCount == 0 {
		m.spec.DetectorCount = detectors
	} else if detectors != m.spec.DetectorCount {
		return fmt.Errorf("%w: sinogram has %d detectors, geometry %d", compute.ErrDimensionMismatch, detectors, m.spec.DetectorCount)
	}
	if m.spec.AxisPosition < 0 {
		m.spec.AxisPosition = float64(m.spec.DetectorCount) / 2
	}
	return nil
}

// Bound reports whether the detector count and axis position are known
func (m *Model) Bound() bool {
	return m.spec.DetectorCount > 0 && m.spec.AxisPosition >= 0
}

// VolumeSize returns the reconstructed slice width and height.
// Unset sizes are derived from the detector count, so they are zero until
// the detector count is known.
func (m *Model) VolumeSize() (width, height int) {
	width = m.spec.VolumeWidth
	if width == 0 {
		width = m.spec.DetectorCount
	}
	height = m.spec.VolumeHeight
	if height == 0 {
		height = width
	}
	return width, height
}

// FullRegion returns the region covering the whole volume
func (m *Model) FullRegion() models.Region {
	w, h := m.VolumeSize()
	return models.Region{Width: w, Height: h}
}

// VolumeShape returns the volume shape for the given number of slices.
// A single slice yields a 2-D shape.
func (m *Model) VolumeShape(slices int) []int {
	w, h := m.VolumeSize()
	if slices <= 1 {
		return []int{w, h}
	}
	return []int{w, h, slices}
}

// SinogramShape returns the sinogram shape for the given number of slices
func (m *Model) SinogramShape(slices int) []int {
	if slices <= 1 {
		return []int{m.spec.DetectorCount, m.spec.NumAngles}
	}
	return []int{m.spec.DetectorCount, m.spec.NumAngles, slices}
}
