// Package visualization turns volumes and sinograms into grayscale images.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"gonum.org/v1/gonum/floats"

	"tomorecon/pkg/compute"
)

// Viewer extracts and saves 2-D slices of a volume laid out with x varying
// fastest, then y, then z. A sinogram is viewed the same way with detectors
// along x and angles along y.
type Viewer struct {
	// volumeData holds the host copy of the volume
	volumeData []float64

	// dimensions of the volume
	width  int
	height int
	depth  int

	// intensity window mapped to black and white
	low, high float64

	// upscale enlarges saved images by an integer factor
	upscale int
}

// NewViewer creates a viewer over volumeData. The intensity window is the
// data's min and max.
func NewViewer(volumeData []float64, width, height, depth int) (*Viewer, error) {
	if width <= 0 || height <= 0 || depth <= 0 {
		return nil, fmt.Errorf("%w: volume %dx%dx%d", compute.ErrDimensionMismatch, width, height, depth)
	}
	if len(volumeData) != width*height*depth {
		return nil, fmt.Errorf("%w: %d values for a %dx%dx%d volume", compute.ErrDimensionMismatch, len(volumeData), width, height, depth)
	}
	return &Viewer{
		volumeData: volumeData,
		width:      width,
		height:     height,
		depth:      depth,
		low:        floats.Min(volumeData),
		high:       floats.Max(volumeData),
		upscale:    1,
	}, nil
}

// FromBuffer creates a viewer over a synchronized host copy of buf
func FromBuffer(buf *compute.Buffer, q *compute.Queue) (*Viewer, error) {
	data, err := buf.HostArray(q)
	if err != nil {
		return nil, err
	}
	return NewViewer(append([]float64(nil), data...), buf.Dim(0), buf.Dim(1), buf.Planes())
}

// SetWindow maps low to black and high to white instead of the data range
func (v *Viewer) SetWindow(low, high float64) {
	v.low, v.high = low, high
}

// SetUpscale enlarges saved images by factor using nearest-neighbour sampling
func (v *Viewer) SetUpscale(factor int) {
	if factor < 1 {
		factor = 1
	}
	v.upscale = factor
}

// Dims returns the width, height and depth of the volume
func (v *Viewer) Dims() (width, height, depth int) {
	return v.width, v.height, v.depth
}

func (v *Viewer) gray(value float64) color.Gray16 {
	if v.high <= v.low {
		return color.Gray16{}
	}
	t := (value - v.low) / (v.high - v.low)
	return color.Gray16{Y: uint16(math.Round(math.Max(0, math.Min(1, t)) * 65535))}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray16, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	var img *image.Gray16

	switch axis {
	case "x", "X":
		// Extract slice along YZ plane
		if position >= v.width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, v.width)
		}
		img = image.NewGray16(image.Rect(0, 0, v.depth, v.height))
		for y := 0; y < v.height; y++ {
			for z := 0; z < v.depth; z++ {
				img.SetGray16(z, y, v.gray(v.volumeData[z*v.width*v.height+y*v.width+position]))
			}
		}

	case "y", "Y":
		// Extract slice along XZ plane
		if position >= v.height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, v.height)
		}
		img = image.NewGray16(image.Rect(0, 0, v.width, v.depth))
		for z := 0; z < v.depth; z++ {
			for x := 0; x < v.width; x++ {
				img.SetGray16(x, z, v.gray(v.volumeData[z*v.width*v.height+position*v.width+x]))
			}
		}

	case "z", "Z":
		// Extract slice along XY plane
		if position >= v.depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, v.depth)
		}
		img = image.NewGray16(image.Rect(0, 0, v.width, v.height))
		plane := v.volumeData[position*v.width*v.height:]
		for y := 0; y < v.height; y++ {
			for x := 0; x < v.width; x++ {
				img.SetGray16(x, y, v.gray(plane[y*v.width+x]))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// ExtractRegion extracts a 3D subregion from the volume
func (v *Viewer) ExtractRegion(startX, startY, startZ, sizeX, sizeY, sizeZ int) ([]float64, error) {
	if startX < 0 || startY < 0 || startZ < 0 {
		return nil, fmt.Errorf("start coordinates must be non-negative")
	}
	if sizeX <= 0 || sizeY <= 0 || sizeZ <= 0 {
		return nil, fmt.Errorf("size dimensions must be positive")
	}
	if startX+sizeX > v.width || startY+sizeY > v.height || startZ+sizeZ > v.depth {
		return nil, fmt.Errorf("region extends beyond volume boundaries")
	}

	region := make([]float64, 0, sizeX*sizeY*sizeZ)
	for z := startZ; z < startZ+sizeZ; z++ {
		for y := startY; y < startY+sizeY; y++ {
			row := z*v.width*v.height + y*v.width
			region = append(region, v.volumeData[row+startX:row+startX+sizeX]...)
		}
	}
	return region, nil
}

// SaveSlice writes img to filename; the format follows the extension
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	if v.upscale > 1 {
		b := img.Bounds()
		img = imaging.Resize(img, b.Dx()*v.upscale, b.Dy()*v.upscale, imaging.NearestNeighbor)
	}
	return imaging.Save(img, filename)
}

// SaveSliceSequence extracts and saves every slice along the specified axis as PNG
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.width
	case "y", "Y":
		maxPos = v.height
	case "z", "Z":
		maxPos = v.depth
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
