package accel

import (
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/gomlx/goacc/driver"
	"github.com/gomlx/goacc/driver/sim"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

func TestDeviceUID(t *testing.T) {
	require.Equal(t, uint32(0x4905), deviceUID("0x4905"))
	require.Equal(t, uint32(42), deviceUID("42 units"))
	require.Equal(t, uint32(15), deviceUID("017"))
	require.Equal(t, uint32(0x0bd5), deviceUID("Intel(R) Data Center GPU [0x0bd5]"))
	require.Equal(t, uint32(0x56a0), deviceUID("GPU [0x1234] Max [0x56a0]"))
	require.Equal(t, uint32(xxhash.Sum64String("Sim GPU")&0xFFFF), deviceUID("Sim GPU"))
	require.Equal(t, uint32(InvalidUID), deviceUID(""))
}

func TestCLStd(t *testing.T) {
	for _, tc := range []struct {
		version, cVersion, want string
	}{
		{"OpenCL 3.0 CUDA", "OpenCL C 1.2", "-cl-std=CL3.0"},
		{"OpenCL 2.1 AMD", "OpenCL C 2.0", "-cl-std=CL2.0"},
		{"OpenCL 1.2 pocl", "OpenCL C 1.2", "-cl-std=CL1.2"},
		{"OpenCL 1.0", "OpenCL C 1.0", "-cl-std=CL1.0"},
		{"OpenCL 1.0", "", ""},
		{"garbage", "OpenCL C 1.2", ""},
	} {
		require.Equal(t, tc.want, clStd(driver.DeviceInfo{Version: tc.version, CVersion: tc.cVersion}), "version %q", tc.version)
	}
}

func TestGfxGeneration(t *testing.T) {
	require.Equal(t, 90, gfxGeneration("AMD Instinct gfx90a"))
	require.Equal(t, 1030, gfxGeneration("GFX1030"))
	require.Equal(t, 0, gfxGeneration("Radeon"))
}

func TestDescribeDevice(t *testing.T) {
	topology := sim.Topology{Platforms: []sim.PlatformSpec{
		{
			Name: "Intel(R) OpenCL Graphics",
			Devices: []sim.DeviceSpec{{
				Name:        "Intel(R) Data Center GPU Max 1100 [0x0bda]",
				Vendor:      "Intel(R) Corporation",
				Class:       driver.ClassGPU,
				VendorID:    0x0bd5,
				HasVendorID: true,
			}},
		},
		{
			Name: "AMD Accelerated Parallel Processing",
			Devices: []sim.DeviceSpec{{
				Name:    "gfx90a:sramecc+:xnack-",
				Vendor:  "Advanced Micro Devices, Inc.",
				Version: "OpenCL 2.0 AMD-APP",
				Class:   driver.ClassGPU,
			}},
		},
	}}
	d := sim.New(topology)
	cfg := testConfig()
	cfg.SVM = 2
	cfg.DevSplit = 0
	devices := must.M1(enumerateDevices(d, cfg))
	require.Len(t, devices, 2)

	intel := must.M1(describeDevice(d, devices[0], cfg))
	require.True(t, intel.Intel)
	require.False(t, intel.AMD())
	require.Equal(t, uint32(0x0bd5), intel.UID, "vendor query takes precedence over the name")
	require.Equal(t, 3, intel.Major)
	require.Equal(t, 2, intel.SVMInterop)

	amd := must.M1(describeDevice(d, devices[1], cfg))
	require.True(t, amd.AMD())
	require.Equal(t, 2, amd.AMDGeneration)
	require.Equal(t, "gfx90a", amd.Name)
	require.Equal(t, 2, amd.Major)
	require.Contains(t, amd.String(), "amd(2)")

	d.InjectFault("DeviceInfo", driver.OutOfResources)
	_, err := describeDevice(d, devices[0], cfg)
	require.Error(t, err)
}
