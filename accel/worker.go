package accel

import (
	"sync/atomic"

	"github.com/gomlx/goacc/driver"
	"github.com/pkg/errors"
)

// Worker is a unit of execution that owns a context slot, a device descriptor and a pool of stream slots.
//
// Worker 0 is the master (see Runtime.Master): it gets the first device activated by Init, and its context
// is shared with workers that have none. Other workers are handed out by Runtime.RegisterWorker, and
// a Worker is not meant to be used by more than one goroutine at a time, except for reading its context.
type Worker struct {
	rt    *Runtime
	index int

	// context holds a driver.Context (0 if none). Each worker slot holds its own reference.
	context atomic.Uint64

	desc atomic.Pointer[DeviceDescriptor]

	// streams are the stream slots, guarded by Runtime.mu.
	streams []*Stream
}

// Index of the worker: 0 for the master.
func (w *Worker) Index() int { return w.index }

func (w *Worker) descriptor() *DeviceDescriptor { return w.desc.Load() }

// Master returns worker 0, or nil if the runtime is not initialized.
func (r *Runtime) Master() *Worker {
	if r.checkReady() != nil {
		return nil
	}
	return r.workers[0]
}

// NumWorkers returns the number of worker slots (Config.Workers).
func (r *Runtime) NumWorkers() int { return len(r.workers) }

// RegisterWorker returns a new worker, up to Config.Workers (counting the master).
// It returns an error wrapping ErrResourceExhausted once all workers are registered.
func (r *Runtime) RegisterWorker() (*Worker, error) {
	if err := r.checkReady(); err != nil {
		return nil, err
	}
	idx := int(r.nextWorker.Add(1)) - 1
	if idx >= len(r.workers) {
		r.nextWorker.Add(-1)
		return nil, errors.Wrapf(ErrResourceExhausted, "all %d workers registered", len(r.workers))
	}
	return r.workers[idx], nil
}

// worker returns w, or the master if w is nil.
func (r *Runtime) worker(w *Worker) (*Worker, error) {
	if w == nil {
		return r.workers[0], nil
	}
	if w.rt != r || w.index >= len(r.workers) || r.workers[w.index] != w {
		return nil, errors.Wrapf(ErrInvalidArgument, "worker %d doesn't belong to this runtime", w.index)
	}
	return w, nil
}

// deviceOf returns the device bound to the worker's context.
func (r *Runtime) deviceOf(w *Worker) (driver.Context, driver.Device, error) {
	ctx, err := r.Context(w)
	if err != nil {
		return 0, 0, err
	}
	device, err := r.drv.ContextDevice(ctx)
	if err != nil {
		return 0, 0, errors.WithMessagef(err, "failed to query device of context of worker %d", w.index)
	}
	return ctx, device, nil
}
