// Package reconstruction runs a complete simulated scan: it renders a
// phantom, projects it into a sinogram, reconstructs the phantom with the
// configured iterative solver and measures the result.
package reconstruction

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"

	"tomorecon/internal/models"
	"tomorecon/pkg/compute"
	"tomorecon/pkg/config"
	"tomorecon/pkg/geometry"
	"tomorecon/pkg/gradient"
	"tomorecon/pkg/ops"
	"tomorecon/pkg/projector"
	"tomorecon/pkg/solver"
	"tomorecon/pkg/visualization"
)

// Params holds the reconstruction parameters.
type Params struct {
	// Geometry is the scan geometry. Unset detector count and volume size
	// default to Size.
	Geometry models.GeometrySpec

	// Size is the phantom width and height in pixels
	Size int

	// Slices is the number of stacked slices reconstructed together
	Slices int

	// Noise is the standard deviation of Gaussian noise added to the
	// sinogram, relative to its maximum
	Noise float64
	Seed  int64

	// Solver selects the algorithm by its config name
	Solver          string
	Iterations      int
	Relaxation      float64
	Shift           float64
	Mu              float64
	Lambda          float64
	InnerIterations int
	Tolerance       float64
	ASDPOCS         config.ASDPOCS

	// NumCores specifies how many goroutines a kernel launch is split over
	NumCores int

	// SaveImages writes phantom, sinogram and reconstruction slices as PNG
	// into OutputDir
	SaveImages bool
	OutputDir  string
	Upscale    int

	Logger zerolog.Logger
}

// ParamsFromConfig maps a loaded configuration onto pipeline parameters
func ParamsFromConfig(cfg *config.Config, log zerolog.Logger) *Params {
	return &Params{
		Geometry:        cfg.Geometry,
		Size:            cfg.Phantom.Size,
		Slices:          cfg.Phantom.Slices,
		Noise:           cfg.Phantom.Noise,
		Seed:            cfg.Phantom.Seed,
		Solver:          cfg.Solver.Name,
		Iterations:      cfg.Solver.Iterations,
		Relaxation:      cfg.Solver.Relaxation,
		Shift:           cfg.Solver.Shift,
		Mu:              cfg.Solver.Mu,
		Lambda:          cfg.Solver.Lambda,
		InnerIterations: cfg.Solver.InnerIterations,
		Tolerance:       cfg.Solver.Tolerance,
		ASDPOCS:         cfg.Solver.ASDPOCS,
		NumCores:        cfg.Processing.NumCores,
		SaveImages:      cfg.Output.SaveImages,
		OutputDir:       cfg.Output.Dir,
		Upscale:         cfg.Output.Upscale,
		Logger:          log,
	}
}

// Reconstructor handles the simulated reconstruction.
//
// The process consists of these steps:
// 1. Creating a compute context and queue on the host backend
// 2. Rendering the Shepp-Logan phantom
// 3. Projecting it into a sinogram, optionally with noise
// 4. Reconstructing the phantom with the configured solver
// 5. Calculating quality metrics
// 6. Saving images of every stage
type Reconstructor struct {
	params *Params
	log    zerolog.Logger

	// host copies of the stage results
	phantom  []float64
	sinogram []float64
	volume   []float64

	volumeShape   []int
	sinogramShape []int

	metrics Metrics
	report  solver.Report
}

// NewReconstructor creates a new reconstructor instance with the provided parameters.
//
// Parameters:
//   - params: Configuration parameters for the reconstruction process
//
// Returns:
//   - A new Reconstructor instance initialized with the provided parameters
func NewReconstructor(params *Params) *Reconstructor {
	return &Reconstructor{
		params: params,
		log:    params.Logger.With().Str("component", "reconstruction").Logger(),
	}
}

// stage holds what the steps of one Process call share
type stage struct {
	ctx  compute.Context
	q    *compute.Queue
	res  *compute.Resources
	geom *geometry.Model
	proj *projector.Projector
}

// Process runs the complete reconstruction pipeline. Cancelling ctx stops it
// between steps; a running solver is not interrupted.
func (r *Reconstructor) Process(ctx context.Context) error {
	p := r.params
	if p.Size <= 0 || p.Slices <= 0 {
		return fmt.Errorf("%w: phantom size %d with %d slices", compute.ErrConfiguration, p.Size, p.Slices)
	}

	// Step 1: compute resources
	st, err := r.open()
	if err != nil {
		return fmt.Errorf("failed to open compute context: %w", err)
	}
	defer st.close()

	// Step 2: phantom
	if err := ctx.Err(); err != nil {
		return err
	}
	r.log.Info().Int("size", p.Size).Int("slices", p.Slices).Msg("rendering phantom")
	phantomData, err := SheppLogan(p.Size, p.Slices)
	if err != nil {
		return err
	}
	phantom, err := compute.NewBufferFrom(phantomData, st.geom.VolumeShape(p.Slices)...)
	if err != nil {
		return err
	}

	// Step 3: simulated measurement
	if err := ctx.Err(); err != nil {
		return err
	}
	r.log.Info().Int("angles", st.geom.NumAngles()).Int("subsets", len(st.geom.Subsets())).Msg("simulating sinogram")
	sinogram := st.ctx.NewBuffer(st.geom.SinogramShape(p.Slices)...)
	if err := st.proj.ForwardAll(phantom, sinogram, 1); err != nil {
		return fmt.Errorf("failed to project phantom: %w", err)
	}
	measured, err := sinogram.HostArray(st.q)
	if err != nil {
		return fmt.Errorf("failed to project phantom: %w", err)
	}
	if p.Noise > 0 {
		sigma := p.Noise * floats.Max(measured)
		AddNoise(measured, sigma, uint64(p.Seed))
		r.log.Debug().Float64("sigma", sigma).Int64("seed", p.Seed).Msg("added noise")
	}

	// Step 4: reconstruction
	if err := ctx.Err(); err != nil {
		return err
	}
	volume := phantom.Duplicate()
	if err := r.reconstruct(st, sinogram, volume); err != nil {
		return err
	}

	r.phantom = phantomData
	r.sinogram = append([]float64(nil), measured...)
	r.volume = append([]float64(nil), volume.Data()...)
	r.volumeShape = volume.Shape()
	r.sinogramShape = sinogram.Shape()

	// Step 5: metrics
	r.metrics, err = Compare(r.phantom, r.volume)
	if err != nil {
		return err
	}
	r.log.Info().
		Float64("rmse", r.metrics.RMSE).
		Float64("psnr", r.metrics.PSNR).
		Float64("ssim", r.metrics.SSIM).
		Float64("correlation", r.metrics.Correlation).
		Msg("reconstruction quality")

	// Step 6: images
	if p.SaveImages {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.saveImages(st.q, phantom, sinogram, volume)
	}
	return nil
}

func (r *Reconstructor) open() (*stage, error) {
	p := r.params

	spec := p.Geometry
	if spec.DetectorCount == 0 {
		spec.DetectorCount = p.Size
	}
	if spec.VolumeWidth == 0 && spec.VolumeHeight == 0 {
		spec.VolumeWidth, spec.VolumeHeight = p.Size, p.Size
	}
	geom, err := geometry.New(spec)
	if err != nil {
		return nil, err
	}
	if w, h := geom.VolumeSize(); w != p.Size || h != p.Size {
		return nil, fmt.Errorf("%w: volume %dx%d does not hold a %d pixel phantom", compute.ErrConfiguration, w, h, p.Size)
	}
	if err := geom.Bind(geom.SinogramShape(p.Slices)); err != nil {
		return nil, err
	}

	if _, err := compute.CurrentBackend(); errors.Is(err, compute.ErrNoBackend) {
		compute.RegisterHostBackend()
	}
	cctx, err := compute.NewContext(compute.ContextOptions{Workers: p.NumCores})
	if err != nil {
		return nil, err
	}
	q, err := cctx.NewQueue()
	if err != nil {
		cctx.Close()
		return nil, err
	}
	r.log.Debug().Int("workers", q.Workers()).Msg("compute queue ready")

	st := &stage{
		ctx:  cctx,
		q:    q,
		res:  &compute.Resources{Context: cctx, Queue: q, Logger: r.params.Logger},
		geom: geom,
		proj: projector.New(geom),
	}
	if err := st.proj.Setup(st.res); err != nil {
		st.close()
		return nil, err
	}
	return st, nil
}

func (st *stage) close() {
	st.proj.Close()
	st.q.Close()
	st.ctx.Close()
}

// reconstruct builds the configured solver and runs it from a zero volume
func (r *Reconstructor) reconstruct(st *stage, sinogram, volume *compute.Buffer) error {
	p := r.params
	s, release, err := r.newSolver(st)
	if err != nil {
		return err
	}
	defer release()

	if err := s.Setup(st.res); err != nil {
		return fmt.Errorf("failed to set up %s: %w", p.Solver, err)
	}

	r.log.Info().Str("solver", p.Solver).Int("iterations", p.Iterations).Msg("reconstructing")
	start := time.Now()
	if err := s.Process(sinogram, volume); err != nil {
		return fmt.Errorf("%s failed: %w", p.Solver, err)
	}
	if rep, ok := s.(interface{ Report() solver.Report }); ok {
		r.report = rep.Report()
	}

	// Split-Bregman works on the min-max normalized sinogram
	if p.Solver == config.SolverSplitBregman {
		o, err := ops.New(st.ctx, st.q)
		if err != nil {
			return err
		}
		defer o.Close()
		lo, hi, err := o.MinMax(sinogram)
		if err != nil {
			return err
		}
		if err := o.Scale(volume, hi-lo); err != nil {
			return err
		}
	}
	if err := st.q.Finish(); err != nil {
		return err
	}

	ev := r.log.Info().
		Str("solver", p.Solver).
		Int("iterations", r.report.Iterations).
		Dur("elapsed", time.Since(start))
	if r.report.InnerIterations > 0 {
		ev = ev.Int("inner", r.report.InnerIterations)
	}
	if r.report.Divergences > 0 {
		ev = ev.Int("divergences", r.report.Divergences)
	}
	ev.Msg("reconstruction finished")
	return nil
}

// newSolver builds the solver named in the parameters. release frees the
// kernel handles of the solver and its collaborators.
func (r *Reconstructor) newSolver(st *stage) (s solver.Solver, release func(), err error) {
	p := r.params
	switch p.Solver {
	case config.SolverSART:
		sart := solver.NewSART(st.proj, p.Iterations, p.Relaxation)
		return sart, sart.Close, nil

	case config.SolverSIRT:
		sirt := solver.NewSIRT(st.proj, p.Iterations, p.Relaxation)
		return sirt, sirt.Close, nil

	case config.SolverCGLS:
		cgls := solver.NewCGLS(st.proj, p.Iterations, p.Shift)
		return cgls, cgls.Close, nil

	case config.SolverSplitBregman:
		sb := solver.NewSplitBregman(st.proj, p.Iterations, p.Mu, p.Lambda)
		sb.InnerIterations = p.InnerIterations
		sb.Tolerance = p.Tolerance
		return sb, sb.Close, nil

	case config.SolverASDPOCS:
		return r.newASDPOCS(st)

	default:
		return nil, nil, fmt.Errorf("%w: unknown solver %q", compute.ErrConfiguration, p.Solver)
	}
}

func (r *Reconstructor) newASDPOCS(st *stage) (solver.Solver, func(), error) {
	cfg := r.params.ASDPOCS

	var (
		minimizer solver.Minimizer
		closeMin  func()
	)
	switch cfg.Minimizer {
	case config.SolverSART:
		m := solver.NewSART(st.proj, cfg.MinimizerIterations, cfg.Beta)
		minimizer, closeMin = m, m.Close
	case config.SolverSIRT:
		m := solver.NewSIRT(st.proj, cfg.MinimizerIterations, cfg.Beta)
		minimizer, closeMin = m, m.Close
	default:
		return nil, nil, fmt.Errorf("%w: asd-pocs minimizer %q", compute.ErrConfiguration, cfg.Minimizer)
	}

	grad, err := gradient.New(st.ctx, st.q)
	if err != nil {
		closeMin()
		return nil, nil, err
	}
	o, err := ops.New(st.ctx, st.q)
	if err != nil {
		grad.Close()
		closeMin()
		return nil, nil, err
	}
	tv, err := gradient.NewTV(grad, o, cfg.Epsilon)
	if err != nil {
		o.Close()
		grad.Close()
		closeMin()
		return nil, nil, err
	}

	s := solver.NewASDPOCS(st.proj, minimizer, tv, solver.ASDPOCSParams{
		Iterations: r.params.Iterations,
		Beta:       cfg.Beta,
		BetaRed:    cfg.BetaRed,
		Alpha:      cfg.Alpha,
		AlphaRed:   cfg.AlphaRed,
		RMax:       cfg.RMax,
		TVSteps:    cfg.TVSteps,
		Positivity: cfg.Positivity,
	})
	release := func() {
		s.Close()
		o.Close()
		grad.Close()
		closeMin()
	}
	return s, release, nil
}

// saveImages writes every stage as PNG slices. Failures are logged and do
// not fail the reconstruction.
func (r *Reconstructor) saveImages(q *compute.Queue, phantom, sinogram, volume *compute.Buffer) {
	dir := r.params.OutputDir
	stages := []struct {
		name string
		buf  *compute.Buffer
	}{
		{"01_phantom", phantom},
		{"02_sinogram", sinogram},
		{"03_reconstruction", volume},
	}

	low, high := floats.Min(r.phantom), floats.Max(r.phantom)
	for _, s := range stages {
		viewer, err := visualization.FromBuffer(s.buf, q)
		if err != nil {
			r.log.Warn().Err(err).Str("stage", s.name).Msg("failed to read stage")
			continue
		}
		viewer.SetUpscale(r.params.Upscale)
		if s.buf == volume {
			// same window as the phantom so the images compare directly
			viewer.SetWindow(low, high)
		}
		out := filepath.Join(dir, s.name)
		if err := viewer.SaveSliceSequence("z", out); err != nil {
			r.log.Warn().Err(err).Str("stage", s.name).Msg("failed to save images")
			continue
		}
		r.log.Debug().Str("dir", out).Msg("saved images")
	}
}

// GetMetrics returns the quality metrics of the last Process call
func (r *Reconstructor) GetMetrics() Metrics {
	return r.metrics
}

// Report returns the solver report of the last Process call
func (r *Reconstructor) Report() solver.Report {
	return r.report
}

// GetVolumeData returns the reconstructed volume and its dimensions
func (r *Reconstructor) GetVolumeData() ([]float64, int, int, int) {
	return r.volume, dim(r.volumeShape, 0), dim(r.volumeShape, 1), dim(r.volumeShape, 2)
}

// GetPhantom returns the phantom the sinogram was simulated from
func (r *Reconstructor) GetPhantom() []float64 {
	return r.phantom
}

// GetSinogram returns the measured sinogram, noise included, and its shape
func (r *Reconstructor) GetSinogram() ([]float64, []int) {
	return r.sinogram, r.sinogramShape
}

func dim(shape []int, i int) int {
	if i < len(shape) {
		return shape[i]
	}
	if len(shape) == 0 {
		return 0
	}
	return 1
}
