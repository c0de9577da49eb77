package accel

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/goacc/driver"
	"github.com/stretchr/testify/require"
)

// unsetEnv unsets the variables for the duration of the test.
func unsetEnv(t *testing.T, names ...string) {
	for _, name := range names {
		t.Setenv(name, "") // Registers the restore of the previous value.
		require.NoError(t, os.Unsetenv(name))
	}
}

func TestLoadConfig(t *testing.T) {
	unsetEnv(t, EnvPrefix+"DUMP", EnvPrefix+"CACHE", EnvPrefix+"STREAM_COMPACT")
	t.Setenv(EnvPrefix+"DRIVER", "sim")
	t.Setenv(EnvPrefix+"DEVICE", "2")
	t.Setenv(EnvPrefix+"DEVTYPE", "GPU")
	t.Setenv(EnvPrefix+"DEVIDS", "1;3, 5:x")
	t.Setenv(EnvPrefix+"DEVMATCH", "0x4905")
	t.Setenv(EnvPrefix+"VERBOSE", "lots") // Malformed: default is kept.
	t.Setenv(EnvPrefix+"TIMER", "host")
	t.Setenv(EnvPrefix+"BARRIER", "0")
	t.Setenv(EnvPrefix+"ATOMICS", "cmpxchg")
	t.Setenv(EnvPrefix+"STREAMS", "8")
	t.Setenv(EnvPrefix+"WORKERS", "-3") // Ignored.
	t.Setenv(EnvPrefix+"DEVCOPY", "1")
	t.Setenv(EnvPrefix+"ASYNC", "3")
	t.Setenv("IGC_ShaderDumpEnable", "2")
	t.Setenv("NEOReadDebugKeys", "0")

	cfg := LoadConfig()
	require.Equal(t, "sim", cfg.Driver)
	require.Equal(t, 2, cfg.Device)
	require.True(t, cfg.DeviceTypeSet)
	require.Equal(t, driver.ClassGPU, cfg.DeviceType)
	require.Equal(t, []int{1, 3, 5}, cfg.DeviceIDs)
	require.Equal(t, uint32(0x4905), cfg.DevMatch)
	require.Equal(t, 1, cfg.DevCopy)
	require.Equal(t, 3, cfg.Async)
	require.Equal(t, 0, cfg.Verbosity)
	require.Equal(t, TimerHost, cfg.Timer)
	require.False(t, cfg.Barrier)
	require.Equal(t, "cmpxchg", cfg.Atomics)
	require.Equal(t, 8, cfg.Streams)
	require.Equal(t, DefaultConfig().Workers, cfg.Workers)
	require.Equal(t, 2, cfg.Dump)
	require.False(t, cfg.IEnv)
	require.False(t, cfg.Cache)
	require.False(t, cfg.StreamCompact)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, -1, cfg.Device)
	require.Equal(t, driver.ClassAll, cfg.DeviceType)
	require.False(t, cfg.DeviceTypeSet)
	require.Equal(t, -1, cfg.DevSplit)
	require.Equal(t, 3, cfg.Priority)
	require.Equal(t, StreamsMaxCount, cfg.Streams)
	require.True(t, cfg.Barrier)
	require.Equal(t, TimerDevice, cfg.Timer)
	require.Equal(t, "Device", cfg.Timer.String())
}

func TestParseTimer(t *testing.T) {
	require.Equal(t, TimerHost, parseTimer("CPU"))
	require.Equal(t, TimerHost, parseTimer("1"))
	require.Equal(t, TimerDevice, parseTimer("device"))
	require.Equal(t, TimerDevice, parseTimer("7"))
}

func TestApplyDriverEnvironment(t *testing.T) {
	unsetEnv(t, "ZEX_NUMBER_OF_CCS", "NEOReadDebugKeys", "EnableRecoverablePageFaults")
	t.Setenv("ZE_FLAT_DEVICE_HIERARCHY", "FLAT")

	cfg := testConfig()
	cfg.XHints = 0
	cfg.NCCS = 2
	cfg.IEnv = true
	cfg.Cache = true
	cfg.CacheDir = filepath.Join(t.TempDir(), "cache")
	applyDriverEnvironment(cfg)

	require.Equal(t, "COMPOSITE", os.Getenv("ZE_FLAT_DEVICE_HIERARCHY"))
	ccs := strings.Split(os.Getenv("ZEX_NUMBER_OF_CCS"), ",")
	require.Len(t, ccs, DevicesMaxCount)
	require.Equal(t, "0:2", ccs[0])
	require.Equal(t, "63:2", ccs[63])
	require.Equal(t, "1", os.Getenv("NEOReadDebugKeys"))
	require.Equal(t, "0", os.Getenv("EnableRecoverablePageFaults"))
	info, err := os.Stat(cfg.CacheDir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestApplyDriverEnvironmentRespectsUser(t *testing.T) {
	t.Setenv("ZEX_NUMBER_OF_CCS", "0:1")
	unsetEnv(t, "ZE_FLAT_DEVICE_HIERARCHY")
	cfg := testConfig()
	cfg.XHints = 0
	applyDriverEnvironment(cfg)
	require.Equal(t, "0:1", os.Getenv("ZEX_NUMBER_OF_CCS"))
	_, found := os.LookupEnv("ZE_FLAT_DEVICE_HIERARCHY")
	require.False(t, found)
}
