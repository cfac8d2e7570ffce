package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cwbudde/prefixscan/internal/device"
	"github.com/cwbudde/prefixscan/internal/device/cpu"
	"github.com/cwbudde/prefixscan/internal/device/opencl"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List available compute devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		platforms, err := opencl.EnumeratePlatforms()
		switch {
		case errors.Is(err, opencl.ErrNotBuilt):
			fmt.Fprintln(out, "OpenCL: not built (rebuild with -tags gpu)")
		case err != nil:
			fmt.Fprintf(out, "OpenCL: %v\n", err)
		case len(platforms) == 0:
			fmt.Fprintln(out, "OpenCL: no platforms")
		default:
			for i, p := range platforms {
				fmt.Fprintf(out, "Platform %d: %s (%s, %s)\n", i, p.Name, p.Vendor, p.Version)
				for j, d := range p.Devices {
					printDevice(out, fmt.Sprintf("  Device %d", j), d)
				}
			}
		}

		host := cpu.New()
		defer host.Close()
		printDevice(out, "Host", host.Info())
		return nil
	},
}

func printDevice(w io.Writer, label string, d device.DeviceInfo) {
	fmt.Fprintf(w, "%s: %s [%s]\n", label, d.Name, d.Type)
	if d.Vendor != "" {
		fmt.Fprintf(w, "    vendor:          %s\n", d.Vendor)
	}
	if d.Version != "" {
		fmt.Fprintf(w, "    version:         %s\n", d.Version)
	}
	fmt.Fprintf(w, "    compute units:   %d\n", d.MaxComputeUnits)
	fmt.Fprintf(w, "    max work-group:  %d\n", d.MaxWorkGroupSize)
	if d.GlobalMemBytes > 0 {
		fmt.Fprintf(w, "    global memory:   %s\n", humanize.IBytes(d.GlobalMemBytes))
	}
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}
