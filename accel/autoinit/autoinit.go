// Package autoinit initializes the process-wide accelerator runtime (accel.Default) when imported:
//
//	import _ "github.com/gomlx/goacc/accel/autoinit"
//
// Initialization failures are logged, not fatal: accel.Default().IsInitialized() reports the outcome.
// Call Detach before exiting to release the devices.
package autoinit

import (
	"github.com/gomlx/goacc/accel"
	"k8s.io/klog/v2"
)

func init() {
	if err := accel.Default().Init(); err != nil {
		klog.Errorf("accel: failed to initialize the default runtime: %+v", err)
	}
}

// Detach finalizes the default runtime.
func Detach() error {
	return accel.Default().Finalize()
}
