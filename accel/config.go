package accel

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/gomlx/goacc/driver"
	"k8s.io/klog/v2"
)

// EnvPrefix is the prefix of all environment variables read by LoadConfig.
const EnvPrefix = "GOACC_"

const (
	// DevicesMaxCount is the maximum number of devices (including sub-devices) the runtime registers.
	DevicesMaxCount = 64

	// StreamsMaxCount is the default number of stream slots per worker.
	StreamsMaxCount = 64

	// HandlesMaxCount is the number of auxiliary handles (events, memory) pooled per worker.
	HandlesMaxCount = 64

	// DefaultNCCS is the number of compute command streamers exported to the driver, if not configured.
	DefaultNCCS = 4
)

// TimerSource selects the clock used to time device work.
type TimerSource int

//go:generate go tool enumer -type=TimerSource -trimprefix=Timer -output=gen_timersource_enumer.go config.go

const (
	TimerDevice TimerSource = iota
	TimerHost
)

// Config holds the runtime configuration. It is usually created with LoadConfig, but can be created or
// modified programmatically before calling NewRuntime.
type Config struct {
	// Driver is the name of the registered driver to use, see driver.Register.
	Driver string

	// Device is the explicit device index to select, or -1 to let the runtime pick.
	Device int

	// DeviceType filters devices by class. DeviceTypeSet records whether it was given explicitly: only
	// then pruning to a homogeneous set of devices is disabled.
	DeviceType    driver.DeviceClass
	DeviceTypeSet bool

	// DeviceIDs is a whitelist of device indices (after ranking). Empty means no whitelist.
	DeviceIDs []int

	// DevMatch is the device-match id, parsed like a device uid. It is passed through for the host layer:
	// the runtime doesn't read it.
	DevMatch uint32

	// Vendor keeps only devices whose vendor contains this substring (case-insensitive), if not empty.
	Vendor string

	// DevSplit controls partitioning of devices in sub-devices: -1 (default) or 1 attempts a NUMA split,
	// 0 disables partitioning and n > 1 splits every device in n equal sub-devices.
	DevSplit int

	// Priority bits: 1 uses queue priorities, 2 infers them from the stream name.
	Priority int

	// XHints are driver hint bits, mostly passed through. For Intel devices bit 1 (after shifting) probes for
	// out-of-order queues and bit 2 selects queue families.
	XHints int

	// DevCopy (GOACC_DEVCOPY) and Async (GOACC_ASYNC) are passed through for the host layer, which owns
	// memory transfers. The runtime doesn't read them.
	DevCopy int
	Async   int

	// Verbosity of the runtime's diagnostics. It is independent of klog's -v flag: Verbosity > 0 promotes the
	// device information to klog.Infof and enables the driver's error notifications.
	Verbosity int

	// Dump enables the source (cpp) dump for Dump != 0, and the binary dump for Dump >= 2 or Dump < 0.
	Dump int

	// DumpDir is where the .dump and .cl sidecar files are written.
	DumpDir string

	Timer TimerSource

	// SVM is the shared-virtual-memory interop level, only honoured on devices with level >= 2.
	SVM int

	// Barrier enables emitting a work-group barrier expression in the atomics flags.
	Barrier bool

	// Atomics overrides the atomics strategy: "" probes, a value starting with "0" disables synchronization,
	// a positive number forces the vendor mode, and "cmpxchg" or "xchg" select the retry loops.
	Atomics string

	// Cache enables the on-disk kernel binary cache under CacheDir.
	Cache    bool
	CacheDir string

	// NCCS is the number of compute command streamers exported to the driver (0 uses DefaultNCCS).
	NCCS int

	// IEnv exports vendor debug keys disabling recoverable page faults.
	IEnv bool

	// Workers is the number of workers that can be registered.
	Workers int

	// Streams is the number of stream slots per worker.
	Streams int

	// StreamCompact keeps each worker's streams contiguous when destroying them.
	StreamCompact bool
}

// DefaultConfig returns the configuration with all defaults and no environment applied.
func DefaultConfig() *Config {
	return &Config{
		Driver:     driver.DefaultName(),
		Device:     -1,
		DeviceType: driver.ClassAll,
		DevMatch:   1,
		DevSplit:   -1,
		Priority:   3,
		XHints:     5,
		Async:      3,
		DumpDir:    ".",
		Timer:      TimerDevice,
		Barrier:    true,
		CacheDir:   filepath.Join(os.TempDir(), ".cl_cache"),
		IEnv:       true,
		Workers:    runtime.GOMAXPROCS(0),
		Streams:    StreamsMaxCount,
	}
}

// LoadConfig returns the configuration from the environment variables (see EnvPrefix).
// Malformed values are ignored (the default is used) and logged.
func LoadConfig() *Config {
	cfg := DefaultConfig()
	if v, found := lookupEnv("DRIVER"); found && v != "" {
		cfg.Driver = v
	}
	cfg.Device = envInt("DEVICE", cfg.Device)
	if v, found := lookupEnv("DEVTYPE"); found {
		cfg.DeviceTypeSet = true
		cfg.DeviceType = driver.ParseDeviceClass(v)
	}
	if v, found := lookupEnv("DEVIDS"); found {
		cfg.DeviceIDs = parseDeviceIDs(v)
	}
	if v, found := lookupEnv("DEVMATCH"); found && v != "" {
		cfg.DevMatch = deviceUID(v)
	}
	cfg.Vendor, _ = lookupEnv("VENDOR")
	cfg.DevSplit = envInt("DEVSPLIT", cfg.DevSplit)
	cfg.Priority = envInt("PRIORITY", cfg.Priority)
	cfg.XHints = envInt("XHINTS", cfg.XHints)
	cfg.DevCopy = envInt("DEVCOPY", cfg.DevCopy)
	cfg.Async = envInt("ASYNC", cfg.Async)
	cfg.Verbosity = envInt("VERBOSE", cfg.Verbosity)
	if v, found := lookupEnv("DUMP"); found {
		cfg.Dump = parseInt("DUMP", v, 0)
	} else if v, found := os.LookupEnv("IGC_ShaderDumpEnable"); found {
		cfg.Dump = parseInt("IGC_ShaderDumpEnable", v, 0)
	}
	if v, found := lookupEnv("DUMPDIR"); found && v != "" {
		cfg.DumpDir = v
	}
	if v, found := lookupEnv("TIMER"); found {
		cfg.Timer = parseTimer(v)
	}
	cfg.SVM = envInt("SVM", cfg.SVM)
	if v, found := lookupEnv("BARRIER"); found {
		cfg.Barrier = !strings.HasPrefix(v, "0")
	}
	cfg.Atomics, _ = lookupEnv("ATOMICS")
	cfg.Cache = envInt("CACHE", 0) != 0
	if v, found := lookupEnv("CACHE_DIR"); found && v != "" {
		cfg.CacheDir = v
	}
	cfg.NCCS = envInt("NCCS", cfg.NCCS)
	ienv := envInt("IENV", 1)
	if v, found := os.LookupEnv("NEOReadDebugKeys"); found {
		ienv *= parseInt("NEOReadDebugKeys", v, 1)
	}
	cfg.IEnv = ienv != 0
	if workers := envInt("WORKERS", cfg.Workers); workers > 0 {
		cfg.Workers = workers
	}
	if streams := envInt("STREAMS", cfg.Streams); streams > 0 {
		cfg.Streams = streams
	}
	cfg.StreamCompact = envInt("STREAM_COMPACT", 0) != 0
	return cfg
}

func lookupEnv(name string) (string, bool) {
	return os.LookupEnv(EnvPrefix + name)
}

func envInt(name string, defaultValue int) int {
	v, found := lookupEnv(name)
	if !found {
		return defaultValue
	}
	return parseInt(EnvPrefix+name, v, defaultValue)
}

func parseInt(name, v string, defaultValue int) int {
	v = strings.TrimSpace(v)
	if v == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		klog.V(1).Infof("ignoring malformed %s=%q, using %d", name, v, defaultValue)
		return defaultValue
	}
	return i
}

func parseTimer(v string) TimerSource {
	if strings.EqualFold(v, "host") || strings.EqualFold(v, "cpu") {
		return TimerHost
	}
	if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && TimerSource(i) == TimerHost {
		return TimerHost
	}
	return TimerDevice
}

// deviceIDsDelimiters separate the entries of the GOACC_DEVIDS whitelist.
const deviceIDsDelimiters = ",;: \t"

func parseDeviceIDs(v string) []int {
	fields := strings.FieldsFunc(v, func(r rune) bool { return strings.ContainsRune(deviceIDsDelimiters, r) })
	var ids []int
	for _, field := range fields {
		if len(ids) >= DevicesMaxCount {
			break
		}
		id, err := strconv.Atoi(field)
		if err != nil || id < 0 {
			klog.V(1).Infof("ignoring malformed device id %q in %sDEVIDS", field, EnvPrefix)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// applyDriverEnvironment exports the vendor driver variables derived from the configuration.
// It must be called before the driver enumerates devices. Failures are only logged.
func applyDriverEnvironment(cfg *Config) {
	_, hasZEX := os.LookupEnv("ZEX_NUMBER_OF_CCS")
	_, hasFlat := os.LookupEnv("ZE_FLAT_DEVICE_HIERARCHY")
	exportCCS := !hasZEX && !hasFlat && cfg.XHints&4 == 0
	if !exportCCS && cfg.NCCS != 0 {
		exportCCS = setEnv("ZE_FLAT_DEVICE_HIERARCHY", "COMPOSITE")
	}
	if exportCCS {
		nccs := cfg.NCCS
		if nccs <= 0 {
			nccs = DefaultNCCS
		}
		parts := make([]string, DevicesMaxCount)
		for ii := range parts {
			parts[ii] = fmt.Sprintf("%d:%d", ii, nccs)
		}
		setEnv("ZEX_NUMBER_OF_CCS", strings.Join(parts, ","))
	}
	if cfg.IEnv {
		if _, found := os.LookupEnv("NEOReadDebugKeys"); !found {
			setEnv("NEOReadDebugKeys", "1")
		}
		if _, found := os.LookupEnv("EnableRecoverablePageFaults"); !found {
			setEnv("EnableRecoverablePageFaults", "0")
		}
	}
	if cfg.Cache {
		if err := os.MkdirAll(cfg.CacheDir, 0755); err != nil {
			klog.Warningf("failed to create kernel cache directory %q: %v", cfg.CacheDir, err)
		}
	}
}

func setEnv(name, value string) bool {
	if err := os.Setenv(name, value); err != nil {
		klog.Warningf("Failed to set %q environment variable to %q: %v", name, value, err)
		return false
	}
	return true
}
