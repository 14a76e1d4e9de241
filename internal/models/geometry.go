package models

import "fmt"

// Direction classifies a projection angle by the axis its rays are stepped along.
type Direction int

const (
	// Vertical angles (|sin| <= |cos|) step the ray through volume rows and
	// interpolate along x.
	Vertical Direction = iota

	// Horizontal angles (|sin| > |cos|) step the ray through volume columns and
	// interpolate along y.
	Horizontal
)

// String returns the lower-case direction name
func (d Direction) String() string {
	switch d {
	case Vertical:
		return "vertical"
	case Horizontal:
		return "horizontal"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Subset is a contiguous run of projection angles sharing one direction.
type Subset struct {
	// Offset is the index of the first angle in the run
	Offset int

	// Count is the number of angles in the run
	Count int

	// Direction selects the projection kernel variant for every angle in the run
	Direction Direction
}

// End returns the index one past the last angle of the subset
func (s Subset) End() int {
	return s.Offset + s.Count
}

// Region is a rectangular region of interest in volume index space.
// Projection operators only read (FP) or write (BP) voxels inside it.
type Region struct {
	X, Y          int
	Width, Height int
}

// Contains reports whether the voxel column x, row y lies inside the region
func (r Region) Contains(x, y int) bool {
	return x >= r.X && x < r.X+r.Width && y >= r.Y && y < r.Y+r.Height
}

// Empty reports whether the region covers no voxels
func (r Region) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// GeometrySpec holds the parallel-beam scan parameters.
type GeometrySpec struct {
	// NumAngles is the number of projection angles in the sinogram
	NumAngles int `yaml:"numAngles" toml:"num_angles"`

	// AngleStep is the angular increment between projections in radians
	AngleStep float64 `yaml:"angleStep" toml:"angle_step"`

	// AngleOffset is the angle of the first projection in radians
	AngleOffset float64 `yaml:"angleOffset" toml:"angle_offset"`

	// DetectorCount is the number of detector pixels per projection.
	// Zero means "take it from the first sinogram the geometry is bound to".
	DetectorCount int `yaml:"detectorCount" toml:"detector_count"`

	// DetectorScale is the detector pixel pitch in volume pixel units
	DetectorScale float64 `yaml:"detectorScale" toml:"detector_scale"`

	// AxisPosition is the rotation axis position in detector pixels.
	// A negative value means DetectorCount/2, resolved lazily.
	AxisPosition float64 `yaml:"axisPosition" toml:"axis_position"`

	// VolumeWidth and VolumeHeight set the reconstructed slice size.
	// Zero derives both from the detector count.
	VolumeWidth  int `yaml:"volumeWidth" toml:"volume_width"`
	VolumeHeight int `yaml:"volumeHeight" toml:"volume_height"`
}
