package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"tomorecon/pkg/config"
	"tomorecon/pkg/logging"
	"tomorecon/pkg/reconstruction"
)

const defaultConfigPath = "tomorecon.yaml"

var longHelp = strings.TrimSpace(`
Iterative tomographic reconstruction of a simulated parallel-beam scan.

A Shepp-Logan phantom is projected into a sinogram, optionally with Gaussian
noise, and reconstructed with one of the algebraic solvers: sart, sirt, cgls,
asd-pocs or split-bregman. Quality metrics against the phantom are logged and
every stage can be exported as PNG slices.
`)

var exampleUsage = strings.TrimSpace(`
  tomorecon run --solver sart --iterations 20 --size 128 --angles 180
  tomorecon run --config tomorecon.toml --out results --verbose
  tomorecon config init --config tomorecon.yaml
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// overrides holds the run flags; only flags set on the command line replace
// the file configuration
type overrides struct {
	solver     string
	iterations int
	size       int
	angles     int
	noise      float64
	out        string
	cores      int
	verbose    bool
}

// apply copies every changed flag into cfg
func (o *overrides) apply(cfg *config.Config, changed map[string]bool) {
	if changed["solver"] {
		cfg.Solver.Name = o.solver
	}
	if changed["iterations"] {
		cfg.Solver.Iterations = o.iterations
	}
	if changed["size"] {
		cfg.Phantom.Size = o.size
	}
	if changed["angles"] {
		// keep a half-circle scan
		cfg.Geometry.NumAngles = o.angles
		if o.angles > 0 {
			cfg.Geometry.AngleStep = math.Pi / float64(o.angles)
		}
	}
	if changed["noise"] {
		cfg.Phantom.Noise = o.noise
	}
	if changed["out"] {
		cfg.Output.Dir = o.out
	}
	if changed["cores"] {
		cfg.Processing.NumCores = o.cores
	}
	if changed["verbose"] {
		cfg.Output.Verbose = o.verbose
	}
}

func newRunCommand(cfgPath *string) *cobra.Command {
	defaults := config.DefaultConfig()
	var o overrides

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Simulate a scan and reconstruct it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			changed := map[string]bool{}
			cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })
			o.apply(cfg, changed)

			if err := cfg.Validate(); err != nil {
				return err
			}

			log := logging.New(cfg.Output.Verbose)
			log.Debug().Interface("config", cfg).Msg("configuration")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			r := reconstruction.NewReconstructor(reconstruction.ParamsFromConfig(cfg, log))
			start := time.Now()
			if err := r.Process(ctx); err != nil {
				return err
			}

			m := r.GetMetrics()
			log.Info().
				Str("solver", cfg.Solver.Name).
				Dur("elapsed", time.Since(start)).
				Float64("rmse", m.RMSE).
				Float64("psnr", m.PSNR).
				Float64("ssim", m.SSIM).
				Float64("correlation", m.Correlation).
				Msg("done")
			if cfg.Output.SaveImages {
				log.Info().Str("dir", cfg.Output.Dir).Msg("images saved")
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.solver, "solver", defaults.Solver.Name, "solver: "+strings.Join(config.Solvers, ", "))
	f.IntVar(&o.iterations, "iterations", defaults.Solver.Iterations, "outer solver iterations")
	f.IntVar(&o.size, "size", defaults.Phantom.Size, "phantom width and height in pixels")
	f.IntVar(&o.angles, "angles", defaults.Geometry.NumAngles, "projection angles over a half circle")
	f.Float64Var(&o.noise, "noise", defaults.Phantom.Noise, "sinogram noise relative to its maximum")
	f.StringVar(&o.out, "out", defaults.Output.Dir, "directory for exported images")
	f.IntVar(&o.cores, "cores", defaults.Processing.NumCores, "worker goroutines per kernel launch")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "log per-iteration progress")
	return cmd
}

func newConfigCommand(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration (YAML, or TOML for a .toml path)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(*cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", *cfgPath)
			}
			if err := config.CreateDefaultConfigFile(*cfgPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", *cfgPath)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)
	return cmd
}

func newRootCommand() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "tomorecon",
		Short:         "Iterative tomographic reconstruction",
		Long:          longHelp,
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath, "path to a YAML or TOML config file")
	root.AddCommand(newRunCommand(&cfgPath), newConfigCommand(&cfgPath))
	return root
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		reportError(os.Stderr, err)
		os.Exit(1)
	}
}

// reportError logs a failed command to w
func reportError(w io.Writer, err error) {
	log := logging.NewWithWriter(w, false)
	log.Error().Err(err).Msg("tomorecon")
}
