package accel

import (
	"github.com/gomlx/goacc/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Context returns the context of the worker (the master if w is nil).
//
// A worker without a context adopts the first context found scanning the workers from the master: it
// retains it and installs it in its own slot. It returns an error wrapping ErrNoDevice if no worker has
// a context.
func (r *Runtime) Context(w *Worker) (driver.Context, error) {
	if err := r.checkReady(); err != nil {
		return 0, err
	}
	w, err := r.worker(w)
	if err != nil {
		return 0, err
	}
	if ctx := driver.Context(w.context.Load()); ctx != 0 {
		return ctx, nil
	}
	for _, other := range r.workers {
		if other == w {
			continue
		}
		ctx := driver.Context(other.context.Load())
		if ctx == 0 {
			continue
		}
		if err := r.drv.RetainContext(ctx); err != nil {
			klog.V(1).Infof("failed to retain context of worker %d: %v", other.index, err)
			continue
		}
		if w.context.CompareAndSwap(0, uint64(ctx)) {
			if w.desc.Load() == nil {
				w.desc.Store(other.desc.Load())
			}
			return ctx, nil
		}
		// Someone else installed a context meanwhile.
		r.releaseContext(ctx)
		return driver.Context(w.context.Load()), nil
	}
	return 0, errors.Wrapf(ErrNoDevice, "no context available for worker %d", w.index)
}

func (r *Runtime) releaseContext(ctx driver.Context) {
	if err := r.drv.ReleaseContext(ctx); err != nil {
		klog.Errorf("failed to release context %d: %v", ctx, err)
	}
}

// findContext returns an existing context of any worker bound to device, scanning from the hint worker, or 0.
func (r *Runtime) findContext(device driver.Device, hint int) driver.Context {
	n := len(r.workers)
	for ii := range n {
		w := r.workers[(hint+ii)%n]
		ctx := driver.Context(w.context.Load())
		if ctx == 0 {
			continue
		}
		if ctxDevice, err := r.drv.ContextDevice(ctx); err == nil && ctxDevice == device {
			return ctx
		}
	}
	return 0
}

// createContext creates a context for device. If the master has no context yet, it gets a reference to the
// new one as well.
func (r *Runtime) createContext(w *Worker, device driver.Device) (driver.Context, error) {
	info, err := r.drv.DeviceInfo(device)
	if err != nil {
		return 0, wrapf(ErrContextCreation, err, "device %d", device)
	}
	var notify driver.NotifyFn
	if r.cfg.Verbosity != 0 {
		notify = func(errInfo string) {
			klog.Errorf("accel: device %q: %s", info.Name, errInfo)
		}
	}
	ctx, err := r.drv.CreateContext(device, driver.ContextProperties{Platform: info.Platform}, notify)
	if err != nil && driver.CodeOf(err) != driver.InvalidDevice {
		klog.V(1).Infof("failed to create context for %q (%v), retrying without properties", info.Name, err)
		ctx, err = r.drv.CreateContext(device, driver.ContextProperties{}, notify)
	}
	if err != nil {
		if driver.CodeOf(err) == driver.InvalidDevice && containsFold(info.Vendor, "nvidia") {
			klog.Warningf("accel: device %q may be in exclusive compute mode, "+
				"consider setting it to default mode (e.g. with nvidia-smi -c 0)", info.Name)
		}
		return 0, wrapf(ErrContextCreation, err, "device %q", info.Name)
	}
	contextsCreatedTotal.Inc()
	if r.cfg.Verbosity > 0 {
		klog.Infof("accel: worker %d created context for %q", w.index, info.Name)
	} else {
		klog.V(1).Infof("accel: worker %d created context for %q", w.index, info.Name)
	}

	master := r.workers[0]
	if master != w && master.context.Load() == 0 {
		if err := r.drv.RetainContext(ctx); err == nil {
			if !master.context.CompareAndSwap(0, uint64(ctx)) {
				r.releaseContext(ctx)
			}
		}
	}
	return ctx, nil
}

// SetActiveDevice binds the worker (the master if w is nil) to the device at index (in rank order),
// reusing the context of another worker bound to the same device if there is one.
//
// At most one context exists per device at any time: activations are serialized across all workers.
func (r *Runtime) SetActiveDevice(w *Worker, index int) error {
	if err := r.checkReady(); err != nil {
		return err
	}
	w, err := r.worker(w)
	if err != nil {
		return err
	}
	return r.setActiveDevice(w, index)
}

func (r *Runtime) setActiveDevice(w *Worker, index int) error {
	if index < 0 || index >= len(r.devices) {
		return errors.Wrapf(ErrInvalidArgument, "device index %d out of range [0, %d)", index, len(r.devices))
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	device := r.devices[index]
	existing := r.findContext(device, w.index)
	var ctx driver.Context
	switch {
	case existing != 0 && existing == driver.Context(w.context.Load()):
		// Already bound.

	case existing != 0:
		if err := r.drv.RetainContext(existing); err != nil {
			return wrapf(ErrContextCreation, err, "failed to share context of device %d", index)
		}
		ctx = existing

	default:
		var err error
		if ctx, err = r.createContext(w, device); err != nil {
			return err
		}
	}
	if ctx != 0 {
		// Context and CreateStream may install a context in the slot without holding r.mu: the reference
		// swapped out is released whatever it is.
		if old := driver.Context(w.context.Swap(uint64(ctx))); old != 0 {
			r.releaseContext(old)
		}
	}

	desc, err := describeDevice(r.drv, device, r.cfg)
	if err != nil {
		return errors.WithMessagef(err, "failed to describe device %d", index)
	}
	w.desc.Store(&desc)
	klog.V(2).Infof("accel: worker %d active device %d: %s", w.index, index, desc)
	return nil
}

// ActiveDevice returns the index (in rank order) of the device bound to the worker, or -1 if none.
func (r *Runtime) ActiveDevice(w *Worker) int {
	if r.checkReady() != nil {
		return -1
	}
	w, err := r.worker(w)
	if err != nil {
		return -1
	}
	ctx := driver.Context(w.context.Load())
	if ctx == 0 {
		return -1
	}
	device, err := r.drv.ContextDevice(ctx)
	if err != nil {
		return -1
	}
	for ii, d := range r.devices {
		if d == device {
			return ii
		}
	}
	return -1
}

// Descriptor returns the descriptor of the device bound to the worker (the master if w is nil).
// Workers that never activated a device report the master's.
func (r *Runtime) Descriptor(w *Worker) (DeviceDescriptor, error) {
	if err := r.checkReady(); err != nil {
		return DeviceDescriptor{}, err
	}
	w, err := r.worker(w)
	if err != nil {
		return DeviceDescriptor{}, err
	}
	if desc := w.descriptor(); desc != nil {
		return *desc, nil
	}
	if desc := r.workers[0].descriptor(); desc != nil {
		return *desc, nil
	}
	return DeviceDescriptor{}, errors.Wrap(ErrNoDevice, "no active device")
}
