// Package accel is the accelerator runtime: it discovers and ranks compute devices, binds devices to
// workers through shared contexts, pools command streams and compiles kernels with device-specific
// build flags.
//
// The runtime is created with NewRuntime (or Default for the process-wide one configured from the
// environment) and must be initialized with Runtime.Init before use and finalized with Runtime.Finalize.
// All device API calls go through a driver.Driver, see package driver.
package accel

import (
	"sync"
	"sync/atomic"

	"github.com/gomlx/goacc/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Lifecycle states of a Runtime.
const (
	stateUninitialized int32 = iota
	stateInitializing
	stateReady
	stateFinalizing
)

// Runtime is the accelerator runtime. Create it with NewRuntime, and call Init before any other method.
//
// It is safe for concurrent use: device activation and stream registration are serialized by a single
// runtime-wide lock, context lookups are lock-free.
type Runtime struct {
	cfg   *Config
	drv   driver.Driver
	state atomic.Int32

	// mu serializes device activation, stream registration and stream destruction across all workers.
	mu sync.Mutex

	devices []driver.Device
	workers []*Worker

	// nextWorker is the index of the next worker handed out by RegisterWorker.
	nextWorker atomic.Int32

	// streamCounter round-robins streams created without a worker, streamOffset spreads the queue
	// family indices of streams created with one.
	streamCounter, streamOffset atomic.Int64

	// timer may be forced to TimerHost by the stream hints.
	timer atomic.Int32

	events, memory *HandlePool[uint64]
	kernels        *HandlePool[*Kernel]
	cache          *kernelCache
}

// Option configures NewRuntime.
type Option func(r *Runtime)

// WithDriver makes the runtime use the given driver instead of the one named in Config.Driver.
func WithDriver(drv driver.Driver) Option {
	return func(r *Runtime) { r.drv = drv }
}

// NewRuntime creates an uninitialized runtime with the given configuration. If cfg is nil, LoadConfig is used.
func NewRuntime(cfg *Config, options ...Option) *Runtime {
	if cfg == nil {
		cfg = LoadConfig()
	}
	r := &Runtime{cfg: cfg}
	for _, option := range options {
		option(r)
	}
	return r
}

var defaultRuntime = sync.OnceValue(func() *Runtime {
	return NewRuntime(LoadConfig())
})

// Default returns the process-wide runtime, configured from the environment (see LoadConfig).
// It still has to be initialized, see package autoinit for an automatic alternative.
func Default() *Runtime {
	return defaultRuntime()
}

// Config returns the configuration of the runtime. It must not be changed after Init.
func (r *Runtime) Config() *Config { return r.cfg }

// Driver returns the driver in use, nil before Init.
func (r *Runtime) Driver() driver.Driver { return r.drv }

// IsInitialized returns whether Init completed and Finalize wasn't called since.
func (r *Runtime) IsInitialized() bool { return r.state.Load() == stateReady }

func (r *Runtime) checkReady() error {
	if r.state.Load() != stateReady {
		return ErrNotInitialized
	}
	return nil
}

// Init discovers, ranks and selects the devices, and activates the first one on the master worker.
//
// Calling Init on an initialized runtime is a no-op. If another goroutine is initializing or finalizing the
// runtime concurrently, it returns an error wrapping ErrBusy. A system without (matching) devices is not an
// error: the runtime is initialized with zero devices.
func (r *Runtime) Init() (err error) {
	if !r.state.CompareAndSwap(stateUninitialized, stateInitializing) {
		if r.state.Load() == stateReady {
			return nil
		}
		return errors.Wrap(ErrBusy, "Init")
	}
	defer func() {
		if err != nil {
			r.release()
			r.state.Store(stateUninitialized)
			return
		}
		r.state.Store(stateReady)
	}()

	cfg := r.cfg
	if r.drv == nil {
		r.drv, err = driver.Get(cfg.Driver)
		if err != nil {
			return err
		}
	}
	applyDriverEnvironment(cfg)
	r.timer.Store(int32(cfg.Timer))

	workers := max(cfg.Workers, 1)
	streams := cfg.Streams
	if streams <= 0 {
		streams = StreamsMaxCount
	}
	r.workers = make([]*Worker, workers)
	for ii := range r.workers {
		r.workers[ii] = &Worker{rt: r, index: ii, streams: make([]*Stream, streams)}
	}
	r.nextWorker.Store(1)
	r.streamCounter.Store(0)
	r.streamOffset.Store(0)
	r.events = NewHandlePool[uint64]("events", HandlesMaxCount*workers)
	r.memory = NewHandlePool[uint64]("memory", HandlesMaxCount*workers)
	r.kernels = NewHandlePool[*Kernel]("kernels", HandlesMaxCount*workers)
	if cfg.Cache {
		r.cache = newKernelCache(cfg.CacheDir)
	}

	devices, err := enumerateDevices(r.drv, cfg)
	if err != nil {
		return err
	}
	devices = filterVendor(r.drv, devices, cfg.Vendor)
	rankDevices(r.drv, devices)
	devices = applyWhitelist(r.drv, devices, cfg.DeviceIDs)
	r.devices = selectDevices(r.drv, cfg, devices)
	if len(r.devices) == 0 {
		klog.V(1).Infof("accel: no device found with driver %q", r.drv.Name())
		return nil
	}
	if err = r.setActiveDevice(r.workers[0], 0); err != nil {
		return err
	}
	r.logDevices()
	return nil
}

func (r *Runtime) logDevices() {
	logf := klog.V(1).Infof
	if r.cfg.Verbosity > 0 {
		logf = klog.Infof
	}
	for ii, device := range r.devices {
		info, err := r.drv.DeviceInfo(device)
		if err != nil {
			continue
		}
		logf("accel: device %d: %q (%s, %s)", ii, info.Name, info.Class, info.Version)
	}
	if desc := r.workers[0].descriptor(); desc != nil {
		logf("accel: active device %s", desc)
	}
}

// Finalize releases all streams, contexts, kernels and devices, and returns the runtime to its uninitialized
// state. Finalizing an uninitialized runtime is a no-op. It returns an error wrapping ErrBusy if Init or
// another Finalize is running concurrently.
func (r *Runtime) Finalize() error {
	if !r.state.CompareAndSwap(stateReady, stateFinalizing) {
		if r.state.Load() == stateUninitialized {
			return nil
		}
		return errors.Wrap(ErrBusy, "Finalize")
	}
	if r.cfg.Verbosity > 0 {
		klog.Infof("accel: finalizing: %d devices, %d workers, %d streams alive, %d kernels alive",
			len(r.devices), len(r.workers), StreamsAlive(), r.kernels.Len())
	}
	r.release()
	r.state.Store(stateUninitialized)
	return nil
}

// release frees everything Init acquired. It is called with the state set to initializing or finalizing,
// so no other method is running.
func (r *Runtime) release() {
	if r.kernels != nil {
		r.kernels.Drain(func(_ int, k *Kernel) {
			klog.V(1).Infof("accel: releasing kernel %q left alive", k.name)
			if err := k.release(); err != nil {
				klog.Errorf("%+v", err)
			}
		})
	}
	for _, w := range r.workers {
		for ii, s := range w.streams {
			if s == nil {
				continue
			}
			w.streams[ii] = nil
			s.release()
		}
		if ctx := driver.Context(w.context.Swap(0)); ctx != 0 {
			if err := r.drv.ReleaseContext(ctx); err != nil {
				klog.Errorf("failed to release context of worker %d: %v", w.index, err)
			}
		}
		w.desc.Store(nil)
	}
	for _, device := range r.devices {
		releaseDevice(r.drv, device)
	}
	if r.events != nil {
		r.events.Drain(nil)
		r.memory.Drain(nil)
	}
	r.devices = nil
	r.workers = nil
	r.cache = nil
}

// DeviceCount returns the number of devices selected by Init.
func (r *Runtime) DeviceCount() (int, error) {
	if err := r.checkReady(); err != nil {
		return 0, err
	}
	return len(r.devices), nil
}

// Devices returns the selected devices, in rank order.
func (r *Runtime) Devices() ([]driver.Device, error) {
	if err := r.checkReady(); err != nil {
		return nil, err
	}
	return append([]driver.Device(nil), r.devices...), nil
}

// Events returns the pool of event handles, sized HandlesMaxCount per worker.
func (r *Runtime) Events() *HandlePool[uint64] { return r.events }

// MemoryHandles returns the pool of memory handles, sized HandlesMaxCount per worker.
func (r *Runtime) MemoryHandles() *HandlePool[uint64] { return r.memory }

// Timer returns the timer source in effect: TimerHost may have been forced by the stream hints.
func (r *Runtime) Timer() TimerSource { return TimerSource(r.timer.Load()) }
