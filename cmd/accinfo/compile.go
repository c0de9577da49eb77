package main

import (
	"fmt"

	"github.com/gomlx/goacc/accel"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	flagKernel, flagParams, flagOptions, flagTry string
	flagAtomics                                  int
)

var compileCmd = &cobra.Command{
	Use:   "compile FILE",
	Short: "Compile a kernel for the active device",
	Long: `Compiles the kernel from FILE (program text if its extension contains "cl", a program binary
otherwise) and reports whether it built only without the try-options.`,
	Args: cobra.ExactArgs(1),
	RunE: runCompile,
}

func init() {
	compileCmd.Flags().StringVar(&flagKernel, "kernel", "", "Name of the kernel function (required)")
	compileCmd.Flags().StringVar(&flagParams, "params", "", "Macro definitions")
	compileCmd.Flags().StringVar(&flagOptions, "options", "", "Compiler options")
	compileCmd.Flags().StringVar(&flagTry, "try", "", "Compiler options dropped if the build fails with them")
	compileCmd.Flags().StringSliceVar(&flagExtensions, "ext", nil, "Extension groups to declare in the program")
	compileCmd.Flags().IntVar(&flagAtomics, "atomics", 0, "If 32 or 64, append the atomics flags of this precision to the params")
	must.M(compileCmd.MarkFlagRequired("kernel"))
	rootCmd.AddCommand(compileCmd)
}

func runCompile(cmd *cobra.Command, args []string) error {
	r, err := newRuntime()
	if err != nil {
		return err
	}
	defer func() { must.M(r.Finalize()) }()

	params, extensions := flagParams, flagExtensions
	if flagAtomics != 0 {
		strategy, err := r.Atomics(nil, flagAtomics, flagExtensions...)
		if err != nil {
			return err
		}
		params = flagParams + " " + strategy.Flags()
		extensions = strategy.Extensions
	}
	k, degraded, err := r.CompileKernel(nil, accel.KernelRequest{
		Name:       flagKernel,
		SourceFile: args[0],
		Params:     params,
		Options:    flagOptions,
		TryOptions: flagTry,
		Extensions: extensions,
	})
	if err != nil {
		var buildErr *accel.BuildError
		if errors.As(err, &buildErr) {
			fmt.Printf("Build log:\n%s\n", buildErr.Log)
		}
		return err
	}
	defer func() { must.M(k.Destroy()) }()
	fmt.Printf("Kernel %q compiled (degraded=%v)\n", k.Name(), degraded)
	maxSize, multiple, err := k.WorkGroupSize()
	if err != nil {
		return err
	}
	fmt.Printf("Work-group size: max %d, preferred multiple %d\n", maxSize, multiple)
	return nil
}
