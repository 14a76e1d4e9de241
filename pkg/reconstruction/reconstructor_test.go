package reconstruction

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"tomorecon/pkg/compute"
	"tomorecon/pkg/config"
)

// testParams returns a small, fast pipeline configuration
func testParams(t *testing.T, solverName string) *Params {
	cfg := config.DefaultConfig()
	cfg.Phantom.Size = 16
	cfg.Geometry.NumAngles = 24
	cfg.Geometry.AngleStep = math.Pi / 24
	cfg.Solver.Name = solverName
	cfg.Solver.Iterations = 5
	cfg.Solver.ASDPOCS.TVSteps = 5
	cfg.Processing.NumCores = 2
	cfg.Output.SaveImages = false
	cfg.Output.Dir = t.TempDir()

	return ParamsFromConfig(cfg, zerolog.Nop())
}

func TestSheppLogan(t *testing.T) {
	n := 64
	data, err := SheppLogan(n, 2)
	if err != nil {
		t.Fatalf("SheppLogan failed: %v", err)
	}
	if len(data) != 2*n*n {
		t.Fatalf("Expected %d values, got %d", 2*n*n, len(data))
	}

	if min, max := floats.Min(data), floats.Max(data); min != 0 || max != 1 {
		t.Errorf("Expected range [0, 1], got [%g, %g]", min, max)
	}
	if got := data[0]; got != 0 {
		t.Errorf("Expected empty corner, got %g", got)
	}
	if got := data[(n/2)*n+n/2]; math.Abs(got-0.2) > 1e-12 {
		t.Errorf("Expected brain tissue 0.2 at the centre, got %g", got)
	}
	// skull at the top of the centre column
	if got := data[3*n+n/2]; math.Abs(got-1) > 1e-12 {
		t.Errorf("Expected skull 1 at row 3, got %g", got)
	}
	for i := 0; i < n*n; i++ {
		if data[i] != data[n*n+i] {
			t.Fatalf("Slices differ at %d: %g vs %g", i, data[i], data[n*n+i])
		}
	}

	if _, err := SheppLogan(0, 1); !errors.Is(err, compute.ErrConfiguration) {
		t.Errorf("Expected ErrConfiguration for empty phantom, got %v", err)
	}
}

func TestAddNoise(t *testing.T) {
	a := make([]float64, 20000)
	b := make([]float64, len(a))
	AddNoise(a, 0.5, 7)
	AddNoise(b, 0.5, 7)
	if !floats.Equal(a, b) {
		t.Error("Same seed produced different noise")
	}

	mean, std := stat.MeanStdDev(a, nil)
	if math.Abs(mean) > 0.02 {
		t.Errorf("Expected zero mean, got %g", mean)
	}
	if math.Abs(std-0.5) > 0.02 {
		t.Errorf("Expected standard deviation 0.5, got %g", std)
	}

	c := []float64{1, 2, 3}
	AddNoise(c, 0, 7)
	if !floats.Equal(c, []float64{1, 2, 3}) {
		t.Errorf("Zero sigma changed data: %v", c)
	}
}

func TestCompare(t *testing.T) {
	reference := []float64{0, 1, 2, 3}

	m, err := Compare(reference, []float64{0, 1, 2, 3})
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}
	if m.RMSE != 0 || !math.IsInf(m.PSNR, 1) {
		t.Errorf("Identical inputs: expected RMSE 0 and PSNR +Inf, got %g and %g", m.RMSE, m.PSNR)
	}
	if math.Abs(m.SSIM-1) > 1e-12 || math.Abs(m.Correlation-1) > 1e-12 {
		t.Errorf("Identical inputs: expected SSIM and correlation 1, got %g and %g", m.SSIM, m.Correlation)
	}

	m, err = Compare(reference, []float64{0, 1, 2, 5})
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}
	if math.Abs(m.RMSE-1) > 1e-12 {
		t.Errorf("Expected RMSE 1, got %g", m.RMSE)
	}
	if want := 20 * math.Log10(3); math.Abs(m.PSNR-want) > 1e-12 {
		t.Errorf("Expected PSNR %g, got %g", want, m.PSNR)
	}
	if m.SSIM >= 1 || m.Correlation >= 1 {
		t.Errorf("Expected imperfect SSIM and correlation, got %g and %g", m.SSIM, m.Correlation)
	}

	m, err = Compare(reference, []float64{1, 1, 1, 1})
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}
	if m.Correlation != 0 {
		t.Errorf("Expected correlation 0 against a constant, got %g", m.Correlation)
	}

	if _, err := Compare(reference, []float64{1}); !errors.Is(err, compute.ErrDimensionMismatch) {
		t.Errorf("Expected ErrDimensionMismatch, got %v", err)
	}
}

// TestPipelineSART runs the whole pipeline and checks the saved images
func TestPipelineSART(t *testing.T) {
	params := testParams(t, config.SolverSART)
	params.SaveImages = true
	params.Upscale = 2

	r := NewReconstructor(params)
	if err := r.Process(context.Background()); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if got := r.Report().Iterations; got != params.Iterations {
		t.Errorf("Expected %d iterations, got %d", params.Iterations, got)
	}
	volume, w, h, d := r.GetVolumeData()
	if w != 16 || h != 16 || d != 1 || len(volume) != 16*16 {
		t.Fatalf("Unexpected volume %dx%dx%d with %d values", w, h, d, len(volume))
	}
	sinogram, shape := r.GetSinogram()
	if fmt.Sprint(shape) != "[16 24]" || len(sinogram) != 16*24 {
		t.Errorf("Unexpected sinogram shape %v with %d values", shape, len(sinogram))
	}
	if len(r.GetPhantom()) != len(volume) {
		t.Errorf("Phantom has %d values, volume %d", len(r.GetPhantom()), len(volume))
	}

	m := r.GetMetrics()
	if m.Correlation < 0.5 {
		t.Errorf("Expected correlated reconstruction, got %+v", m)
	}

	for _, stage := range []string{"01_phantom", "02_sinogram", "03_reconstruction"} {
		path := filepath.Join(params.OutputDir, stage, "slice_z_000.png")
		if _, err := os.Stat(path); err != nil {
			t.Errorf("Missing image for %s: %v", stage, err)
		}
	}
}

// TestPipelineSolvers runs every solver through the pipeline
func TestPipelineSolvers(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping pipeline runs in short mode")
	}

	for _, name := range config.Solvers {
		t.Run(name, func(t *testing.T) {
			params := testParams(t, name)
			params.Slices = 2
			params.Noise = 0.01

			r := NewReconstructor(params)
			if err := r.Process(context.Background()); err != nil {
				t.Fatalf("Process failed: %v", err)
			}
			volume, _, _, d := r.GetVolumeData()
			if d != 2 {
				t.Errorf("Expected 2 slices, got %d", d)
			}
			for i, v := range volume {
				if math.IsNaN(v) || math.IsInf(v, 0) {
					t.Fatalf("Voxel %d is %g", i, v)
				}
			}
			if got := r.Report().Iterations; got != params.Iterations {
				t.Errorf("Expected %d iterations, got %d", params.Iterations, got)
			}
			if m := r.GetMetrics(); m.Correlation < 0.3 {
				t.Errorf("Expected correlated reconstruction, got %+v", m)
			}
		})
	}
}

func TestProcessRejectsBadParams(t *testing.T) {
	tests := []struct {
		name   string
		modify func(p *Params)
		target error
	}{
		{"no size", func(p *Params) { p.Size = 0 }, compute.ErrConfiguration},
		{"unknown solver", func(p *Params) { p.Solver = "fbp" }, compute.ErrConfiguration},
		{"volume too small", func(p *Params) { p.Geometry.VolumeWidth = 8 }, compute.ErrConfiguration},
		{"bad minimizer", func(p *Params) {
			p.Solver = config.SolverASDPOCS
			p.ASDPOCS.Minimizer = "cgls"
		}, compute.ErrConfiguration},
		{"split-bregman without lambda", func(p *Params) {
			p.Solver = config.SolverSplitBregman
			p.Lambda = 0
		}, compute.ErrConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := testParams(t, config.SolverSART)
			tt.modify(params)
			err := NewReconstructor(params).Process(context.Background())
			if !errors.Is(err, tt.target) {
				t.Errorf("Expected %v, got %v", tt.target, err)
			}
		})
	}
}

func TestProcessHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewReconstructor(testParams(t, config.SolverSART)).Process(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
