package main

import (
	"fmt"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	flagPrecision  int
	flagExtensions []string
)

var atomicsCmd = &cobra.Command{
	Use:   "atomics",
	Short: "Print the atomics strategy and build flags selected for the active device",
	Args:  cobra.NoArgs,
	RunE:  runAtomics,
}

func init() {
	atomicsCmd.Flags().IntVar(&flagPrecision, "precision", 64, "Precision in bits: 32 or 64")
	atomicsCmd.Flags().StringSliceVar(&flagExtensions, "ext", nil, "Extra extension groups required by the kernels")
	rootCmd.AddCommand(atomicsCmd)
}

func runAtomics(cmd *cobra.Command, args []string) error {
	r, err := newRuntime()
	if err != nil {
		return err
	}
	defer func() { must.M(r.Finalize()) }()
	if must.M1(r.DeviceCount()) == 0 {
		return errors.New("no device available")
	}
	strategy, err := r.Atomics(nil, flagPrecision, flagExtensions...)
	if err != nil {
		return err
	}
	fmt.Printf("Kind:       %s\n", strategy.Kind)
	fmt.Printf("Flags:      %s\n", strategy.Flags())
	fmt.Printf("Extensions: %q\n", strategy.Extensions)
	return nil
}
