package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/floats"

	"github.com/cwbudde/prefixscan/internal/backend"
	"github.com/cwbudde/prefixscan/internal/device"
	"github.com/cwbudde/prefixscan/internal/scan"
	"github.com/cwbudde/prefixscan/internal/textio"
)

// verifyTolerance bounds the absolute or relative difference from the
// sequential host sum.
const verifyTolerance = 1e-9

var errVerifyFailed = errors.New("device result differs from host reference")

var (
	scanIn         string
	scanOut        string
	scanBackend    string
	scanBlockSize  int
	scanMetricsOut string
	scanVerify     bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Compute the inclusive prefix sum of an array",
	Long: `Reads a count N followed by N numbers and writes their inclusive prefix
sum with three fractional digits. Device failures are reported on the output
as "<description> : <code>".`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().StringVar(&scanIn, "in", "-", "Input file ('-' for stdin)")
	scanCmd.Flags().StringVar(&scanOut, "out", "-", "Output file ('-' for stdout)")
	scanCmd.Flags().StringVar(&scanBackend, "backend", string(backend.Auto), "Executor backend: auto, cpu, opencl")
	scanCmd.Flags().IntVar(&scanBlockSize, "block-size", scan.DefaultBlockSize, "Block capacity (work-group size)")
	scanCmd.Flags().StringVar(&scanMetricsOut, "metrics-out", "", "Write Prometheus metrics to this text file")
	scanCmd.Flags().BoolVar(&scanVerify, "verify", false, "Cross-check the result against a host prefix sum")

	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	in, closeIn, err := openInput(cmd, scanIn)
	if err != nil {
		return err
	}
	defer closeIn()

	data, err := textio.ReadArray(in)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	out, closeOut, err := openOutput(cmd, scanOut)
	if err != nil {
		return err
	}
	defer closeOut()

	registry := prometheus.NewRegistry()
	defer writeMetrics(registry)

	exec, cleanup, err := backend.New(scanBackend, logger)
	if err != nil {
		return reportFailure(out, err)
	}
	defer cleanup()

	engine, err := scan.NewEngine(exec,
		scan.WithBlockSize(scanBlockSize),
		scan.WithMetrics(scan.NewMetrics(registry)),
		scan.WithLogger(logger),
	)
	if err != nil {
		return reportFailure(out, err)
	}

	var reference []float64
	if scanVerify {
		reference = make([]float64, len(data))
		floats.CumSum(reference, data)
	}

	start := time.Now()
	stats, err := engine.Run(data)
	if err != nil {
		return reportFailure(out, err)
	}
	logger.Info("Scan complete",
		"device", exec.Info().Name,
		"n", len(data),
		"block_size", engine.BlockSize(),
		"levels", stats.Levels,
		"dispatches", stats.TotalDispatches(),
		"elapsed", time.Since(start),
	)

	if scanVerify && !floats.EqualApprox(data, reference, verifyTolerance) {
		return errVerifyFailed
	}

	return textio.WriteArray(out, data, textio.DefaultPrecision)
}

// reportFailure writes device errors to out and swallows them; anything
// else is returned to cobra.
func reportFailure(out io.Writer, err error) error {
	if !device.IsDeviceError(err) {
		return err
	}
	logger.Error("Scan failed", "err", err, "code", device.ErrorCode(err))
	return textio.WriteFailure(out, err, device.ErrorCode(err))
}

func writeMetrics(registry *prometheus.Registry) {
	if scanMetricsOut == "" {
		return
	}
	if err := prometheus.WriteToTextfile(scanMetricsOut, registry); err != nil {
		logger.Warn("Failed to write metrics", "path", scanMetricsOut, "err", err)
	}
}

func openInput(cmd *cobra.Command, path string) (io.Reader, func(), error) {
	if path == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open input: %w", err)
	}
	return f, func() { f.Close() }, nil
}

func openOutput(cmd *cobra.Command, path string) (io.Writer, func(), error) {
	if path == "-" {
		return cmd.OutOrStdout(), func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output: %w", err)
	}
	return f, func() {
		if err := f.Close(); err != nil {
			logger.Warn("Failed to close output", "path", path, "err", err)
		}
	}, nil
}
