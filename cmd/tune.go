package main

import (
	"fmt"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/cwbudde/prefixscan/internal/backend"
	"github.com/cwbudde/prefixscan/internal/tune"
)

var (
	tuneBackend string
	tuneN       int
	tuneMinExp  int
	tuneMaxExp  int
	tuneIters   int
	tunePop     int
	tuneSeed    int64
	tuneReps    int
	tuneTrace   string
	tuneQuiet   bool
)

var tuneCmd = &cobra.Command{
	Use:   "tune",
	Short: "Search for the fastest block size on a device",
	Long: `Times scans of a random array for power-of-two block sizes chosen by the
mayfly optimizer and prints the fastest one.`,
	Args: cobra.NoArgs,
	RunE: runTune,
}

func init() {
	tuneCmd.Flags().StringVar(&tuneBackend, "backend", string(backend.Auto), "Executor backend: auto, cpu, opencl")
	tuneCmd.Flags().IntVar(&tuneN, "n", 1<<20, "Length of the benchmark array")
	tuneCmd.Flags().IntVar(&tuneMinExp, "min-exp", 1, "Smallest block size exponent (block size 2^e)")
	tuneCmd.Flags().IntVar(&tuneMaxExp, "max-exp", 10, "Largest block size exponent")
	tuneCmd.Flags().IntVar(&tuneIters, "iters", 10, "Optimizer iterations")
	tuneCmd.Flags().IntVar(&tunePop, "pop", tune.MinPopulation, "Optimizer population size")
	tuneCmd.Flags().Int64Var(&tuneSeed, "seed", 42, "Random seed for data and optimizer")
	tuneCmd.Flags().IntVar(&tuneReps, "reps", 3, "Timed scans per block size")
	tuneCmd.Flags().StringVar(&tuneTrace, "trace", "", "Append evaluations to this JSONL file")
	tuneCmd.Flags().BoolVar(&tuneQuiet, "quiet", false, "Hide the progress indicator")

	rootCmd.AddCommand(tuneCmd)
}

func runTune(cmd *cobra.Command, args []string) error {
	if tuneN <= 0 {
		return fmt.Errorf("--n must be positive, got %d", tuneN)
	}

	exec, cleanup, err := backend.New(tuneBackend, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	maxExp := tuneMaxExp
	if limit := exec.Info().MaxWorkGroupSize; limit > 0 {
		for maxExp > tuneMinExp && 1<<maxExp > limit {
			maxExp--
		}
	}

	cfg := tune.Config{
		MinExp:    tuneMinExp,
		MaxExp:    maxExp,
		Optimizer: tune.NewMayfly(tuneIters, tunePop, tuneSeed),
		Logger:    logger,
	}

	if tuneTrace != "" {
		tw, err := tune.NewTraceWriter(tuneTrace, true)
		if err != nil {
			return err
		}
		defer func() {
			if err := tw.Close(); err != nil {
				logger.Warn("Failed to close trace", "path", tw.Path(), "err", err)
			}
		}()
		cfg.Trace = tw
	}

	if !tuneQuiet {
		bar := progressbar.NewOptions(-1,
			progressbar.OptionSetWriter(cmd.ErrOrStderr()),
			progressbar.OptionSetDescription("Tuning block size"),
			progressbar.OptionShowCount(),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Finish()
		cfg.OnEval = func(tune.Evaluation) { bar.Add(1) }
	}

	res, err := tune.Tune(cfg, tune.EngineMeasure(exec, tuneN, tuneSeed, tuneReps))
	if err != nil {
		return err
	}

	logger.Info("Tuning complete",
		"run_id", res.RunID,
		"device", exec.Info().Name,
		"block_size", res.BlockSize,
		"cost", res.Cost,
		"evaluations", res.Evaluations,
		"measured", res.Measured,
	)
	fmt.Fprintf(cmd.OutOrStdout(), "best block size: %d (%s per scan of %d elements)\n", res.BlockSize, res.Cost, tuneN)
	return nil
}
