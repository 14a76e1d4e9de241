// Package config provides configuration loading and management for tomorecon.
// It handles loading configuration from YAML or TOML files and provides default values.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"tomorecon/internal/models"
	"tomorecon/pkg/compute"
)

// Solver names accepted in Solver.Name
const (
	SolverSART         = "sart"
	SolverSIRT         = "sirt"
	SolverCGLS         = "cgls"
	SolverASDPOCS      = "asd-pocs"
	SolverSplitBregman = "split-bregman"
)

// Solvers lists every accepted solver name
var Solvers = []string{SolverSART, SolverSIRT, SolverCGLS, SolverASDPOCS, SolverSplitBregman}

// Config represents the application configuration
type Config struct {
	// Geometry describes the simulated parallel-beam scan
	Geometry models.GeometrySpec `yaml:"geometry" toml:"geometry"`

	// Phantom parameters for the simulated measurement
	Phantom struct {
		// Size is the width and height of the phantom in pixels
		Size int `yaml:"size" toml:"size"`

		// Slices is the number of stacked slices; 1 reconstructs a single image
		Slices int `yaml:"slices" toml:"slices"`

		// Noise is the standard deviation of Gaussian noise relative to the sinogram maximum
		Noise float64 `yaml:"noise" toml:"noise"`

		// Seed makes the noise reproducible
		Seed int64 `yaml:"seed" toml:"seed"`
	} `yaml:"phantom" toml:"phantom"`

	// Solver parameters
	Solver struct {
		// Name selects the algorithm: sart, sirt, cgls, asd-pocs or split-bregman
		Name string `yaml:"name" toml:"name"`

		// Iterations is the number of outer iterations
		Iterations int `yaml:"iterations" toml:"iterations"`

		// Relaxation is the update relaxation of SART and SIRT
		Relaxation float64 `yaml:"relaxation" toml:"relaxation"`

		// Shift is the Tikhonov shift of CGLS
		Shift float64 `yaml:"shift" toml:"shift"`

		// Mu and Lambda weight data fidelity and the gradient split of Split-Bregman
		Mu     float64 `yaml:"mu" toml:"mu"`
		Lambda float64 `yaml:"lambda" toml:"lambda"`

		// InnerIterations bounds the CGS solve of Split-Bregman
		InnerIterations int `yaml:"innerIterations" toml:"inner_iterations"`

		// Tolerance is the relative residual the CGS solve stops at
		Tolerance float64 `yaml:"tolerance" toml:"tolerance"`

		ASDPOCS ASDPOCS `yaml:"asdPocs" toml:"asd_pocs"`
	} `yaml:"solver" toml:"solver"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many goroutines a kernel launch is split over
		NumCores int `yaml:"numCores" toml:"num_cores"`
	} `yaml:"processing" toml:"processing"`

	// Output parameters
	Output struct {
		// Dir is where images are written
		Dir string `yaml:"dir" toml:"dir"`

		// SaveImages writes phantom, sinogram and reconstruction PNGs
		SaveImages bool `yaml:"saveImages" toml:"save_images"`

		// Upscale enlarges exported images by an integer factor
		Upscale int `yaml:"upscale" toml:"upscale"`

		// Verbose enables debug logging
		Verbose bool `yaml:"verbose" toml:"verbose"`
	} `yaml:"output" toml:"output"`
}

// ASDPOCS holds the step schedule of the ASD-POCS solver
type ASDPOCS struct {
	// Minimizer is the data-fidelity solver, sart or sirt
	Minimizer           string  `yaml:"minimizer" toml:"minimizer"`
	MinimizerIterations int     `yaml:"minimizerIterations" toml:"minimizer_iterations"`
	Beta                float64 `yaml:"beta" toml:"beta"`
	BetaRed             float64 `yaml:"betaRed" toml:"beta_red"`
	Alpha               float64 `yaml:"alpha" toml:"alpha"`
	AlphaRed            float64 `yaml:"alphaRed" toml:"alpha_red"`
	RMax                float64 `yaml:"rMax" toml:"r_max"`
	TVSteps             int     `yaml:"tvSteps" toml:"tv_steps"`
	Positivity          bool    `yaml:"positivity" toml:"positivity"`
	// Epsilon smooths the TV norm at zero gradient
	Epsilon float64 `yaml:"epsilon" toml:"epsilon"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Geometry = models.GeometrySpec{
		NumAngles:    180,
		AngleStep:    math.Pi / 180,
		AxisPosition: -1,
	}

	cfg.Phantom.Size = 128
	cfg.Phantom.Slices = 1
	cfg.Phantom.Noise = 0
	cfg.Phantom.Seed = 1

	cfg.Solver.Name = SolverSART
	cfg.Solver.Iterations = 10
	cfg.Solver.Relaxation = 1
	cfg.Solver.Shift = 0
	cfg.Solver.Mu = 1
	cfg.Solver.Lambda = 0.1
	cfg.Solver.InnerIterations = 30
	cfg.Solver.Tolerance = 1e-6
	cfg.Solver.ASDPOCS = ASDPOCS{
		Minimizer:           SolverSART,
		MinimizerIterations: 1,
		Beta:                1,
		BetaRed:             0.99,
		Alpha:               0.002,
		AlphaRed:            0.95,
		RMax:                0.95,
		TVSteps:             20,
		Positivity:          true,
		Epsilon:             1e-8,
	}

	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default

	cfg.Output.Dir = "output"
	cfg.Output.SaveImages = true
	cfg.Output.Upscale = 1
	cfg.Output.Verbose = false

	return cfg
}

// Validate checks the configuration for values no reconstruction can run with
func (c *Config) Validate() error {
	var problems []string
	if c.Geometry.NumAngles <= 0 {
		problems = append(problems, fmt.Sprintf("geometry.numAngles must be positive, got %d", c.Geometry.NumAngles))
	}
	if c.Geometry.DetectorScale < 0 {
		problems = append(problems, fmt.Sprintf("geometry.detectorScale must not be negative, got %g", c.Geometry.DetectorScale))
	}
	if c.Phantom.Size <= 0 {
		problems = append(problems, fmt.Sprintf("phantom.size must be positive, got %d", c.Phantom.Size))
	}
	if c.Phantom.Slices <= 0 {
		problems = append(problems, fmt.Sprintf("phantom.slices must be positive, got %d", c.Phantom.Slices))
	}
	if c.Phantom.Noise < 0 {
		problems = append(problems, fmt.Sprintf("phantom.noise must not be negative, got %g", c.Phantom.Noise))
	}
	if !knownSolver(c.Solver.Name) {
		problems = append(problems, fmt.Sprintf("solver.name %q is not one of %s", c.Solver.Name, strings.Join(Solvers, ", ")))
	}
	if c.Solver.Iterations < 0 {
		problems = append(problems, fmt.Sprintf("solver.iterations must not be negative, got %d", c.Solver.Iterations))
	}
	switch c.Solver.Name {
	case SolverSART, SolverSIRT:
		if c.Solver.Relaxation <= 0 {
			problems = append(problems, fmt.Sprintf("solver.relaxation must be positive, got %g", c.Solver.Relaxation))
		}
	case SolverSplitBregman:
		if c.Solver.Mu <= 0 || c.Solver.Lambda <= 0 {
			problems = append(problems, "solver.mu and solver.lambda must be positive")
		}
	case SolverASDPOCS:
		if m := c.Solver.ASDPOCS.Minimizer; m != SolverSART && m != SolverSIRT {
			problems = append(problems, fmt.Sprintf("solver.asdPocs.minimizer must be sart or sirt, got %q", m))
		}
	}
	if c.Processing.NumCores < 0 {
		problems = append(problems, fmt.Sprintf("processing.numCores must not be negative, got %d", c.Processing.NumCores))
	}
	if c.Output.Upscale < 0 {
		problems = append(problems, fmt.Sprintf("output.upscale must not be negative, got %d", c.Output.Upscale))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", compute.ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

func knownSolver(name string) bool {
	for _, s := range Solvers {
		if s == name {
			return true
		}
	}
	return false
}

// isTOML selects the file format by extension; everything else is YAML
func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// LoadConfig loads configuration from a YAML or TOML file.
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if isTOML(configPath) {
		err = toml.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML or TOML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isTOML(configPath) {
		data, err = toml.Marshal(cfg)
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
