package visualization

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"

	"tomorecon/pkg/compute"
)

// rampVolume fills every z slice with the value z
func rampVolume(width, height, depth int) []float64 {
	data := make([]float64, width*height*depth)
	for z := 0; z < depth; z++ {
		for i := 0; i < width*height; i++ {
			data[z*width*height+i] = float64(z)
		}
	}
	return data
}

// TestNewViewer verifies that a new viewer is created with the correct parameters
func TestNewViewer(t *testing.T) {
	width, height, depth := 10, 8, 5
	viewer, err := NewViewer(rampVolume(width, height, depth), width, height, depth)
	if err != nil {
		t.Fatalf("NewViewer failed: %v", err)
	}
	if w, h, d := viewer.Dims(); w != width || h != height || d != depth {
		t.Errorf("Expected %dx%dx%d, got %dx%dx%d", width, height, depth, w, h, d)
	}
	if viewer.low != 0 || viewer.high != float64(depth-1) {
		t.Errorf("Expected window [0, %d], got [%g, %g]", depth-1, viewer.low, viewer.high)
	}

	if _, err := NewViewer(make([]float64, 10), 4, 4, 1); !errors.Is(err, compute.ErrDimensionMismatch) {
		t.Errorf("Expected ErrDimensionMismatch, got %v", err)
	}
}

// TestExtractSlice verifies slice dimensions and the intensity window
func TestExtractSlice(t *testing.T) {
	width, height, depth := 10, 8, 5
	viewer, err := NewViewer(rampVolume(width, height, depth), width, height, depth)
	if err != nil {
		t.Fatalf("NewViewer failed: %v", err)
	}

	for z := 0; z < depth; z++ {
		img, err := viewer.ExtractSlice("z", z)
		if err != nil {
			t.Fatalf("Failed to extract Z slice at position %d: %v", z, err)
		}
		if b := img.Bounds(); b.Dx() != width || b.Dy() != height {
			t.Errorf("Expected Z slice dimensions %dx%d, got %dx%d", width, height, b.Dx(), b.Dy())
		}
		expected := uint16(math.Round(float64(z) / float64(depth-1) * 65535))
		if got := img.Gray16At(width/2, height/2).Y; got != expected {
			t.Errorf("Z slice %d: expected %d at center, got %d", z, expected, got)
		}
	}

	tests := []struct {
		axis          string
		width, height int
	}{
		{"x", depth, height},
		{"y", width, depth},
		{"Z", width, height},
	}
	for _, tt := range tests {
		img, err := viewer.ExtractSlice(tt.axis, 1)
		if err != nil {
			t.Fatalf("Failed to extract %s slice: %v", tt.axis, err)
		}
		if b := img.Bounds(); b.Dx() != tt.width || b.Dy() != tt.height {
			t.Errorf("Axis %s: expected %dx%d, got %dx%d", tt.axis, tt.width, tt.height, b.Dx(), b.Dy())
		}
	}

	if _, err := viewer.ExtractSlice("w", 0); err == nil {
		t.Error("Expected error for invalid axis")
	}
	if _, err := viewer.ExtractSlice("x", width); err == nil {
		t.Error("Expected error for position beyond width")
	}
	if _, err := viewer.ExtractSlice("z", -1); err == nil {
		t.Error("Expected error for negative position")
	}
}

// TestConstantVolumeIsBlack checks a flat volume maps to zero intensity
func TestConstantVolumeIsBlack(t *testing.T) {
	data := []float64{3, 3, 3, 3}
	viewer, err := NewViewer(data, 2, 2, 1)
	if err != nil {
		t.Fatalf("NewViewer failed: %v", err)
	}
	img, err := viewer.ExtractSlice("z", 0)
	if err != nil {
		t.Fatalf("ExtractSlice failed: %v", err)
	}
	for _, p := range img.Pix {
		if p != 0 {
			t.Fatalf("Expected black image, got pixels %v", img.Pix)
		}
	}
}

// TestExtractRegion checks a sub-volume copy
func TestExtractRegion(t *testing.T) {
	width, height, depth := 4, 3, 2
	data := make([]float64, width*height*depth)
	for i := range data {
		data[i] = float64(i)
	}
	viewer, err := NewViewer(data, width, height, depth)
	if err != nil {
		t.Fatalf("NewViewer failed: %v", err)
	}

	region, err := viewer.ExtractRegion(1, 1, 1, 2, 2, 1)
	if err != nil {
		t.Fatalf("ExtractRegion failed: %v", err)
	}
	expected := []float64{17, 18, 21, 22}
	if fmt.Sprint(region) != fmt.Sprint(expected) {
		t.Errorf("Expected %v, got %v", expected, region)
	}

	if _, err := viewer.ExtractRegion(3, 0, 0, 2, 1, 1); err == nil {
		t.Error("Expected error for region beyond width")
	}
}

// TestFromBuffer reads the viewer data through the queue
func TestFromBuffer(t *testing.T) {
	ctx, err := compute.NewHostBackend().NewContext(compute.ContextOptions{Workers: 1})
	if err != nil {
		t.Fatalf("Failed to create context: %v", err)
	}
	defer ctx.Close()
	q, err := ctx.NewQueue()
	if err != nil {
		t.Fatalf("Failed to create queue: %v", err)
	}

	buf, err := compute.NewBufferFrom([]float64{0, 1, 2, 3, 4, 5}, 3, 2)
	if err != nil {
		t.Fatalf("Failed to create buffer: %v", err)
	}
	viewer, err := FromBuffer(buf, q)
	if err != nil {
		t.Fatalf("FromBuffer failed: %v", err)
	}
	if w, h, d := viewer.Dims(); w != 3 || h != 2 || d != 1 {
		t.Errorf("Unexpected dims %dx%dx%d", w, h, d)
	}
}

// TestSaveSliceSequence writes PNGs and checks the upscaled size
func TestSaveSliceSequence(t *testing.T) {
	width, height, depth := 6, 4, 3
	viewer, err := NewViewer(rampVolume(width, height, depth), width, height, depth)
	if err != nil {
		t.Fatalf("NewViewer failed: %v", err)
	}
	viewer.SetUpscale(2)

	dir := t.TempDir()
	if err := viewer.SaveSliceSequence("z", dir); err != nil {
		t.Fatalf("SaveSliceSequence failed: %v", err)
	}
	for z := 0; z < depth; z++ {
		path := filepath.Join(dir, fmt.Sprintf("slice_z_%03d.png", z))
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("Missing slice %d: %v", z, err)
		}
	}

	img, err := imaging.Open(filepath.Join(dir, "slice_z_000.png"))
	if err != nil {
		t.Fatalf("Failed to open slice: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 2*width || b.Dy() != 2*height {
		t.Errorf("Expected %dx%d image, got %dx%d", 2*width, 2*height, b.Dx(), b.Dy())
	}

	if err := viewer.SaveSliceSequence("q", dir); err == nil {
		t.Error("Expected error for invalid axis")
	}
}
