// accinfo lists the accelerator devices seen by the runtime, the atomics strategy selected for them, and
// compiles kernels to check the build flags.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/goacc/accel"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/goacc/driver/sim"
)

var flagDriver string

var rootCmd = &cobra.Command{
	Use:   "accinfo",
	Short: "Inspect the accelerator runtime",
	Long: `accinfo initializes the accelerator runtime with the configuration from the GOACC_* environment
variables, and reports on the devices it selects.`,
	SilenceUsage: true,
}

func init() {
	klog.InitFlags(nil)
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	rootCmd.PersistentFlags().StringVar(&flagDriver, "driver", "", "Driver to use (overrides GOACC_DRIVER), e.g. sim or opencl")
}

// newRuntime creates and initializes the runtime configured from the environment and flags.
func newRuntime() (*accel.Runtime, error) {
	cfg := accel.LoadConfig()
	if flagDriver != "" {
		cfg.Driver = flagDriver
	}
	r := accel.NewRuntime(cfg)
	if err := r.Init(); err != nil {
		return nil, err
	}
	return r, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}
