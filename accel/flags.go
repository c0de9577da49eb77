package accel

import (
	"fmt"
	"strings"
)

// BuildFlags composes the build options of a program: the language standard directive, the user options,
// the parameters (macros) and the try-options, in this order. Double quotes are replaced by spaces.
//
// The try-options are dropped when a build fails with them, see KernelRequest.TryOptions.
func BuildFlags(std, options, params, try string) string {
	flags := fmt.Sprintf("%s %s %s %s", std, options, params, try)
	return strings.ReplaceAll(flags, `"`, " ")
}
