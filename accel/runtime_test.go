package accel

import (
	"sync"
	"testing"

	"github.com/gomlx/goacc/driver"
	"github.com/gomlx/goacc/driver/sim"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// testConfig returns a configuration that doesn't touch the environment.
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Driver = sim.Name
	cfg.IEnv = false
	cfg.XHints = 4
	cfg.Workers = 4
	cfg.Streams = 4
	return cfg
}

// newTestRuntime creates and initializes a runtime on a simulated driver. At the end of the test it finalizes
// the runtime and checks that no driver object leaked.
func newTestRuntime(t *testing.T, topology sim.Topology, configure func(cfg *Config)) (*Runtime, *sim.Driver) {
	t.Helper()
	cfg := testConfig()
	if configure != nil {
		configure(cfg)
	}
	d := sim.New(topology)
	r := NewRuntime(cfg, WithDriver(d))
	require.NoError(t, r.Init())
	t.Cleanup(func() {
		require.NoError(t, r.Finalize())
		require.Equal(t, sim.Stats{}, d.Live())
	})
	return r, d
}

// twoDevices configures the runtime to keep both devices of the default topology.
func twoDevices(cfg *Config) {
	cfg.DeviceTypeSet = true
	cfg.DevSplit = 0
}

func TestNotInitialized(t *testing.T) {
	r := NewRuntime(testConfig(), WithDriver(sim.New(sim.DefaultTopology())))
	_, err := r.DeviceCount()
	require.ErrorIs(t, err, ErrNotInitialized)
	_, err = r.CreateStream(nil, "s", 0)
	require.ErrorIs(t, err, ErrNotInitialized)
	_, err = r.Compile(nil).WithSource("kernel void f() {}").Kernel("f").Done()
	require.ErrorIs(t, err, ErrNotInitialized)
	require.Nil(t, r.Master())

	// Finalizing an uninitialized runtime is a no-op.
	require.NoError(t, r.Finalize())
}

func TestInitFinalize(t *testing.T) {
	d := sim.New(sim.DefaultTopology())
	r := NewRuntime(testConfig(), WithDriver(d))
	require.NoError(t, r.Init())
	require.True(t, r.IsInitialized())
	require.NoError(t, r.Init()) // No-op.

	// Default and ungiven class filter: GPU and CPU have different names, only the GPU is kept.
	n, err := r.DeviceCount()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	desc, err := r.Descriptor(nil)
	require.NoError(t, err)
	require.Equal(t, "Sim GPU", desc.Name)
	require.Equal(t, 3, desc.Major)
	require.Equal(t, 0, r.ActiveDevice(nil))
	require.Equal(t, 1, d.Live().Contexts)

	require.NoError(t, r.Finalize())
	require.False(t, r.IsInitialized())
	require.Equal(t, sim.Stats{}, d.Live())

	// Runtimes can be initialized again.
	require.NoError(t, r.Init())
	require.NoError(t, r.Finalize())
	require.Equal(t, sim.Stats{}, d.Live())
}

func TestInitBusy(t *testing.T) {
	r, _ := newTestRuntime(t, sim.DefaultTopology(), nil)
	r.state.Store(stateFinalizing)
	require.ErrorIs(t, r.Init(), ErrBusy)
	require.ErrorIs(t, r.Finalize(), ErrBusy)
	r.state.Store(stateReady)
}

func TestConcurrentInit(t *testing.T) {
	d := sim.New(sim.DefaultTopology())
	r := NewRuntime(testConfig(), WithDriver(d))
	const numGoroutines = 16
	errs := make([]error, numGoroutines)
	var wg sync.WaitGroup
	for ii := range numGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[ii] = r.Init()
		}()
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, ErrBusy)
		}
	}
	require.True(t, r.IsInitialized())
	require.Equal(t, 1, d.Live().Contexts)
	require.NoError(t, r.Finalize())
	require.Equal(t, sim.Stats{}, d.Live())
}

func TestInitWithoutDevices(t *testing.T) {
	r, _ := newTestRuntime(t, sim.DefaultTopology(), func(cfg *Config) {
		cfg.DeviceType = driver.ClassAccelerator
		cfg.DeviceTypeSet = true
	})
	require.True(t, r.IsInitialized())
	n, err := r.DeviceCount()
	require.NoError(t, err)
	require.Zero(t, n)
	_, err = r.Context(nil)
	require.ErrorIs(t, err, ErrNoDevice)
	_, err = r.CreateStream(nil, "s", 0)
	require.ErrorIs(t, err, ErrNoDevice)
	least, greatest := r.StreamPriorityRange(nil)
	require.Equal(t, -1, least)
	require.Equal(t, -1, greatest)
}

func TestInitFailure(t *testing.T) {
	d := sim.New(sim.DefaultTopology())
	r := NewRuntime(testConfig(), WithDriver(d))
	d.InjectFault("Platforms", driver.OutOfResources)
	err := r.Init()
	require.Error(t, err)
	require.Equal(t, driver.OutOfResources, driver.CodeOf(err))
	require.False(t, r.IsInitialized())

	// Context creation failure of the first device is an initialization failure.
	d.InjectFault("CreateContext", driver.InvalidDevice)
	err = r.Init()
	require.ErrorIs(t, err, ErrContextCreation)
	require.False(t, r.IsInitialized())
	require.Equal(t, sim.Stats{}, d.Live())

	require.NoError(t, r.Init())
	require.NoError(t, r.Finalize())
}

func TestUnknownDriver(t *testing.T) {
	cfg := testConfig()
	cfg.Driver = "no-such-driver"
	r := NewRuntime(cfg)
	require.Error(t, r.Init())
	require.False(t, r.IsInitialized())
}

func TestRegisterWorker(t *testing.T) {
	r, _ := newTestRuntime(t, sim.DefaultTopology(), func(cfg *Config) { cfg.Workers = 3 })
	require.Equal(t, 3, r.NumWorkers())
	require.Equal(t, 0, r.Master().Index())
	w1, err := r.RegisterWorker()
	require.NoError(t, err)
	require.Equal(t, 1, w1.Index())
	w2, err := r.RegisterWorker()
	require.NoError(t, err)
	require.Equal(t, 2, w2.Index())
	_, err = r.RegisterWorker()
	require.ErrorIs(t, err, ErrResourceExhausted)

	other, _ := newTestRuntime(t, sim.DefaultTopology(), nil)
	_, err = r.Context(other.Master())
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestHandlePoolsSize(t *testing.T) {
	r, _ := newTestRuntime(t, sim.DefaultTopology(), func(cfg *Config) { cfg.Workers = 2 })
	require.Equal(t, 2*HandlesMaxCount, r.Events().Cap())
	require.Equal(t, 2*HandlesMaxCount, r.MemoryHandles().Cap())
	idx, err := r.Events().Acquire(7)
	require.NoError(t, err)
	v, ok := r.Events().Get(idx)
	require.True(t, ok)
	require.Equal(t, uint64(7), v)
}

func TestDefault(t *testing.T) {
	require.Same(t, Default(), Default())
}

func TestWrapf(t *testing.T) {
	cause := driver.Errorf(driver.InvalidDevice, "CreateContext", "busy")
	err := wrapf(ErrContextCreation, cause, "device %d", 3)
	require.ErrorIs(t, err, ErrContextCreation)
	require.Equal(t, driver.InvalidDevice, driver.CodeOf(err))
	require.Contains(t, err.Error(), "device 3")
	require.True(t, errors.Is(wrapf(ErrBuild, nil, "x"), ErrBuild))
}
