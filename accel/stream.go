package accel

import (
	"strings"
	"sync/atomic"

	"github.com/gomlx/goacc/driver"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Stream is a command queue registered in the stream slots of a worker.
type Stream struct {
	rt       *Runtime
	queue    driver.Queue
	worker   int
	priority int
	name     string
	traceID  string
}

var streamsAlive atomic.Int64

// StreamsAlive returns the number of streams created and not yet destroyed, across all runtimes.
func StreamsAlive() int64 {
	return streamsAlive.Load()
}

// Queue returns the driver queue of the stream, 0 after it is destroyed.
func (s *Stream) Queue() driver.Queue { return s.queue }

// Worker returns the index of the worker whose slots hold the stream.
func (s *Stream) Worker() int { return s.worker }

// Priority returns the priority the stream was requested with.
func (s *Stream) Priority() int { return s.priority }

// Name returns the name given at creation, used for the priority heuristics and diagnostics.
func (s *Stream) Name() string { return s.name }

// TraceID is a unique (ULID) id of the stream, used in the logs.
func (s *Stream) TraceID() string { return s.traceID }

// Sync blocks until all work submitted to the stream completed.
func (s *Stream) Sync() error { return s.rt.SyncStream(s) }

// Destroy the stream: it is removed from its worker's slots and its queue is released.
// It is idempotent.
func (s *Stream) Destroy() error { return s.rt.DestroyStream(s) }

// StreamPriorityRange returns the (least, greatest) priorities accepted for streams of the worker's device
// (the master if w is nil), or (-1, -1) if priorities aren't supported.
//
// Notice that a greater priority has a smaller value, see driver.PriorityHigh.
func (r *Runtime) StreamPriorityRange(w *Worker) (least, greatest int) {
	least, greatest = -1, -1
	if r.checkReady() != nil || len(r.devices) == 0 {
		return
	}
	w, err := r.worker(w)
	if err != nil {
		return
	}
	_, device, err := r.deviceOf(w)
	if err != nil {
		return
	}
	info, err := r.drv.DeviceInfo(device)
	if err != nil {
		return
	}
	supported := containsFold(info.Vendor, "nvidia")
	if !supported {
		if pInfo, err := r.drv.PlatformInfo(info.Platform); err == nil {
			supported = strings.Contains(pInfo.Extensions, "cl_khr_priority_hints")
		}
	}
	if supported {
		least, greatest = driver.PriorityLow, driver.PriorityHigh
	}
	return
}

// streamPriority resolves the queue priority of a new stream: an explicit priority in the band is used as
// is, otherwise it is inferred from the name (if Config.Priority allows). It returns 0 for no priority.
func (r *Runtime) streamPriority(w *Worker, name string, priority int) int {
	if driver.InPriorityBand(priority) {
		return priority
	}
	least, greatest := r.StreamPriorityRange(w)
	if least < 0 {
		return 0
	}
	if r.cfg.Priority&1 != 0 && least != greatest {
		if r.cfg.Priority&2 != 0 && (containsFold(name, "calc") || strings.Contains(name, "priority")) {
			return driver.PriorityHigh
		}
		return driver.PriorityMed
	}
	return least
}

// vendorHints returns the effective vendor hint bits for Intel devices.
func (r *Runtime) vendorHints() int {
	xhints := r.cfg.XHints
	if xhints == 1 || xhints < 0 {
		return 1
	}
	return xhints >> 1
}

// CreateStream creates a stream on the worker's device and registers it in the first free stream slot of
// the worker. If w is nil, the worker is picked round-robin, and inherits the master's context if it has none.
//
// The priority is used if it is within the priority band (see driver.InPriorityBand), otherwise it is
// inferred from the name according to Config.Priority. It returns an error wrapping ErrResourceExhausted if
// the worker has no free slot.
func (r *Runtime) CreateStream(w *Worker, name string, priority int) (*Stream, error) {
	if err := r.checkReady(); err != nil {
		return nil, err
	}
	var offset int
	if w == nil {
		counter := r.streamCounter.Add(1) - 1
		w = r.workers[int(counter%int64(len(r.workers)))]
		if master := r.workers[0]; w != master {
			r.inheritContext(w, master)
		}
		offset = int(counter)
	} else {
		var err error
		if w, err = r.worker(w); err != nil {
			return nil, err
		}
		offset = int(r.streamOffset.Add(1) - 1)
	}
	ctx, device, err := r.deviceOf(w)
	if err != nil {
		return nil, err
	}

	props := driver.QueueProperties{Priority: r.streamPriority(w, name, priority)}
	if desc := w.descriptor(); desc != nil && desc.Intel {
		xhints := r.vendorHints()
		if xhints&1 != 0 {
			probe, err := r.drv.CreateQueue(ctx, device, driver.QueueProperties{Priority: props.Priority, OutOfOrder: true})
			if err == nil {
				r.timer.Store(int32(TimerHost))
				if err := r.drv.ReleaseQueue(probe); err != nil {
					klog.Errorf("failed to release probe queue: %v", err)
				}
			}
		}
		if xhints&2 != 0 {
			if families, err := r.drv.QueueFamilies(device); err == nil {
				for ii, family := range families {
					if family.Capabilities == 0 && family.Count > 1 {
						props.Family, props.Index, props.FamilySet = ii, (ii+offset)%family.Count, true
						break
					}
				}
			}
		}
	}
	if r.Timer() == TimerDevice && (r.cfg.Verbosity >= 3 || r.cfg.Verbosity < 0) {
		props.Profiling = true
	}

	queue, err := r.drv.CreateQueue(ctx, device, props)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create stream %q", name)
	}
	s := &Stream{rt: r, queue: queue, worker: w.index, priority: priority, name: name, traceID: ulid.Make().String()}

	r.mu.Lock()
	slot := -1
	for ii, other := range w.streams {
		if other == nil {
			slot = ii
			break
		}
	}
	if slot >= 0 {
		w.streams[slot] = s
	}
	r.mu.Unlock()
	if slot < 0 {
		if err := r.drv.ReleaseQueue(queue); err != nil {
			klog.Errorf("failed to release queue of stream %q: %v", name, err)
		}
		return nil, errors.Wrapf(ErrResourceExhausted, "all %d stream slots of worker %d in use", len(w.streams), w.index)
	}
	streamsAlive.Add(1)
	streamsActive.Inc()
	klog.V(2).Infof("accel: stream %q (%s) created on worker %d, slot %d, priority %d", name, s.traceID, w.index, slot, props.Priority)
	return s, nil
}

// inheritContext installs a reference to the master's context in w's slot, if it has none.
func (r *Runtime) inheritContext(w, master *Worker) {
	if w.context.Load() != 0 {
		return
	}
	ctx := driver.Context(master.context.Load())
	if ctx == 0 || r.drv.RetainContext(ctx) != nil {
		return
	}
	if w.context.CompareAndSwap(0, uint64(ctx)) {
		if w.desc.Load() == nil {
			w.desc.Store(master.desc.Load())
		}
		return
	}
	r.releaseContext(ctx)
}

// DestroyStream removes the stream from its worker's slots and releases its queue, waiting for pending work.
// Any worker can destroy any stream. Destroying a destroyed stream is a no-op.
func (r *Runtime) DestroyStream(s *Stream) error {
	if s == nil {
		return errors.Wrap(ErrInvalidArgument, "nil stream")
	}
	if s.rt != r {
		return errors.Wrapf(ErrInvalidArgument, "stream %q doesn't belong to this runtime", s.name)
	}
	r.mu.Lock()
	if s.queue == 0 {
		r.mu.Unlock()
		return nil
	}
	found := false
	for _, w := range r.workers {
		for ii, other := range w.streams {
			if other == nil && r.cfg.StreamCompact {
				break
			}
			if other != s {
				continue
			}
			if r.cfg.StreamCompact {
				copy(w.streams[ii:], w.streams[ii+1:])
				w.streams[len(w.streams)-1] = nil
			} else {
				w.streams[ii] = nil
			}
			found = true
			break
		}
		if found {
			break
		}
	}
	r.streamCounter.Store(0)
	r.streamOffset.Store(0)
	queue := s.queue
	s.queue = 0
	r.mu.Unlock()

	if !found {
		klog.V(1).Infof("accel: destroying unregistered stream %q (%s)", s.name, s.traceID)
	}
	streamsAlive.Add(-1)
	streamsActive.Dec()
	if err := r.drv.ReleaseQueue(queue); err != nil {
		return errors.WithMessagef(err, "failed to release stream %q", s.name)
	}
	return nil
}

// release is used by Finalize, with the slots already cleared.
func (s *Stream) release() {
	if s.queue == 0 {
		return
	}
	queue := s.queue
	s.queue = 0
	streamsAlive.Add(-1)
	streamsActive.Dec()
	if err := s.rt.drv.ReleaseQueue(queue); err != nil {
		klog.Errorf("failed to release stream %q: %v", s.name, err)
	}
}

// SyncStream blocks until all work submitted to the stream completed.
func (r *Runtime) SyncStream(s *Stream) error {
	if s == nil {
		return errors.Wrap(ErrInvalidArgument, "nil stream")
	}
	if s.rt != r {
		return errors.Wrapf(ErrInvalidArgument, "stream %q doesn't belong to this runtime", s.name)
	}
	r.mu.Lock()
	queue := s.queue
	r.mu.Unlock()
	if queue == 0 {
		return errors.Wrapf(ErrInvalidArgument, "stream %q destroyed", s.name)
	}
	if err := r.drv.Finish(queue); err != nil {
		return errors.WithMessagef(err, "failed to synchronize stream %q", s.name)
	}
	return nil
}

// DefaultStream returns the first stream registered by the worker (the master if w is nil), or nil.
func (r *Runtime) DefaultStream(w *Worker) *Stream {
	if r.checkReady() != nil {
		return nil
	}
	w, err := r.worker(w)
	if err != nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range w.streams {
		if s != nil {
			return s
		}
	}
	return nil
}

// Streams returns the streams registered by the worker (the master if w is nil), in slot order.
func (r *Runtime) Streams(w *Worker) []*Stream {
	if r.checkReady() != nil {
		return nil
	}
	w, err := r.worker(w)
	if err != nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streamsLocked(w)
}

func (r *Runtime) streamsLocked(w *Worker) []*Stream {
	var streams []*Stream
	for _, s := range w.streams {
		if s == nil {
			if r.cfg.StreamCompact {
				break
			}
			continue
		}
		streams = append(streams, s)
	}
	return streams
}

// DeviceSynchronize waits for all streams of the worker, or of all workers (concurrently) if w is nil.
func (r *Runtime) DeviceSynchronize(w *Worker) error {
	if err := r.checkReady(); err != nil {
		return err
	}
	if w != nil {
		w, err := r.worker(w)
		if err != nil {
			return err
		}
		r.mu.Lock()
		streams := r.streamsLocked(w)
		r.mu.Unlock()
		return syncAll(streams)
	}
	r.mu.Lock()
	perWorker := make([][]*Stream, len(r.workers))
	for ii, worker := range r.workers {
		perWorker[ii] = r.streamsLocked(worker)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, streams := range perWorker {
		if len(streams) == 0 {
			continue
		}
		g.Go(func() error { return syncAll(streams) })
	}
	return g.Wait()
}

func syncAll(streams []*Stream) error {
	for _, s := range streams {
		if err := s.Sync(); err != nil {
			return err
		}
	}
	return nil
}
