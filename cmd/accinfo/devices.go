package main

import (
	"fmt"

	"github.com/janpfeifer/must"
	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the selected devices, in rank order, and the active device",
	Args:  cobra.NoArgs,
	RunE:  runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

func runDevices(cmd *cobra.Command, args []string) error {
	r, err := newRuntime()
	if err != nil {
		return err
	}
	defer func() { must.M(r.Finalize()) }()

	drv := r.Driver()
	devices := must.M1(r.Devices())
	fmt.Printf("Driver %q: %d device(s)\n", drv.Name(), len(devices))
	if len(devices) == 0 {
		return nil
	}
	for ii, device := range devices {
		info, err := drv.DeviceInfo(device)
		if err != nil {
			fmt.Printf("  [%d] <%v>\n", ii, err)
			continue
		}
		fmt.Printf("  [%d] %s (%s), %s, %d compute units, %d MiB\n", ii, info.Name, info.Vendor, info.Class,
			info.MaxComputeUnits, info.GlobalMemSize>>20)
	}
	desc := must.M1(r.Descriptor(nil))
	fmt.Printf("Active device: %s\n", desc)
	maxSize, multiple := must.M2(r.WorkGroupSize(nil))
	fmt.Printf("Work-group size: max %d, preferred multiple %d\n", maxSize, multiple)
	least, greatest := r.StreamPriorityRange(nil)
	fmt.Printf("Stream priorities: least=%d, greatest=%d\n", least, greatest)
	return nil
}
