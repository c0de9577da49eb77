package accel

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/goacc/driver"
	"github.com/gomlx/goacc/driver/sim"
	"github.com/janpfeifer/must"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func queueProperties(t *testing.T, d *sim.Driver, s *Stream) driver.QueueProperties {
	t.Helper()
	props, found := d.QueueProperties(s.Queue())
	require.True(t, found, "queue of stream %q not found", s.Name())
	return props
}

func TestCreateDestroyStream(t *testing.T) {
	r, d := newTestRuntime(t, sim.DefaultTopology(), nil)
	aliveBefore := StreamsAlive()
	gaugeBefore := testutil.ToFloat64(streamsActive)

	s := must.M1(r.CreateStream(nil, "compute", 0))
	require.NotZero(t, s.Queue())
	require.Equal(t, 0, s.Worker())
	require.Equal(t, "compute", s.Name())
	require.Len(t, s.TraceID(), 26)
	require.Equal(t, aliveBefore+1, StreamsAlive())
	require.Equal(t, gaugeBefore+1, testutil.ToFloat64(streamsActive))
	require.Equal(t, 1, d.Live().Queues)
	require.Equal(t, []*Stream{s}, r.Streams(nil))
	require.Same(t, s, r.DefaultStream(nil))
	require.NoError(t, s.Sync())

	s2 := must.M1(r.CreateStream(nil, "compute", 0))
	require.NotEqual(t, s.TraceID(), s2.TraceID())
	require.NoError(t, s2.Destroy())

	require.NoError(t, s.Destroy())
	require.Zero(t, s.Queue())
	require.NoError(t, s.Destroy(), "Destroy is idempotent")
	require.ErrorIs(t, s.Sync(), ErrInvalidArgument)
	require.ErrorIs(t, r.DestroyStream(nil), ErrInvalidArgument)
	require.Equal(t, aliveBefore, StreamsAlive())
	require.Equal(t, gaugeBefore, testutil.ToFloat64(streamsActive))
	require.Zero(t, d.Live().Queues)
	require.Nil(t, r.DefaultStream(nil))
}

func TestStreamSlotsExhausted(t *testing.T) {
	r, d := newTestRuntime(t, sim.DefaultTopology(), func(cfg *Config) { cfg.Streams = 2 })
	master := r.Master()
	must.M1(r.CreateStream(master, "a", 0))
	must.M1(r.CreateStream(master, "b", 0))
	_, err := r.CreateStream(master, "c", 0)
	require.ErrorIs(t, err, ErrResourceExhausted)
	require.Equal(t, 2, d.Live().Queues)

	// Streams left registered are released by Finalize.
	aliveBefore := StreamsAlive()
	require.NoError(t, r.Finalize())
	require.Equal(t, aliveBefore-2, StreamsAlive())
	require.Equal(t, sim.Stats{}, d.Live())
	require.NoError(t, r.Init()) // For the cleanup of newTestRuntime.
}

func TestStreamRoundRobin(t *testing.T) {
	r, d := newTestRuntime(t, sim.DefaultTopology(), nil)
	masterCtx := must.M1(r.Context(nil))
	var workers []int
	for range 5 {
		s := must.M1(r.CreateStream(nil, "rr", 0))
		workers = append(workers, s.Worker())
	}
	require.Equal(t, []int{0, 1, 2, 3, 0}, workers)

	// Workers 1 to 3 inherited the master's context: one reference per worker and one per queue.
	require.Equal(t, 1+3+5, d.ContextRefs(masterCtx))
	require.Equal(t, 1, d.Live().Contexts)

	// Any worker can destroy any stream.
	w1 := must.M1(r.RegisterWorker())
	streams := r.Streams(w1)
	require.Len(t, streams, 1)
	require.NoError(t, streams[0].Destroy())
	require.Empty(t, r.Streams(w1))
	require.Len(t, r.Streams(nil), 2)

	// Destroying resets the round-robin counter.
	s := must.M1(r.CreateStream(nil, "rr", 0))
	require.Equal(t, 0, s.Worker())
}

func TestStreamSlotsLayout(t *testing.T) {
	for _, compact := range []bool{false, true} {
		t.Run(map[bool]string{false: "sparse", true: "compact"}[compact], func(t *testing.T) {
			r, _ := newTestRuntime(t, sim.DefaultTopology(), func(cfg *Config) { cfg.StreamCompact = compact })
			master := r.Master()
			a := must.M1(r.CreateStream(master, "a", 0))
			b := must.M1(r.CreateStream(master, "b", 0))
			c := must.M1(r.CreateStream(master, "c", 0))
			require.NoError(t, a.Destroy())
			require.Equal(t, []*Stream{b, c}, r.Streams(master))
			require.Same(t, b, r.DefaultStream(master))

			e := must.M1(r.CreateStream(master, "e", 0))
			if compact {
				require.Equal(t, []*Stream{b, c, e}, r.Streams(master))
				require.Same(t, b, r.DefaultStream(master))
			} else {
				require.Equal(t, []*Stream{e, b, c}, r.Streams(master))
				require.Same(t, e, r.DefaultStream(master))
			}
		})
	}
}

func TestStreamPriority(t *testing.T) {
	r, d := newTestRuntime(t, sim.DefaultTopology(), nil)
	least, greatest := r.StreamPriorityRange(nil)
	require.Equal(t, driver.PriorityLow, least)
	require.Equal(t, driver.PriorityHigh, greatest)

	master := r.Master()
	for _, tc := range []struct {
		name     string
		priority int
		want     int
	}{
		{"CalcForces", 0, driver.PriorityHigh},
		{"high priority", 0, driver.PriorityHigh},
		{"copy", 0, driver.PriorityMed},
		{"calc", driver.PriorityLow, driver.PriorityLow},
		{"copy", driver.PriorityHigh, driver.PriorityHigh},
		{"copy", 99, driver.PriorityMed},
	} {
		s := must.M1(r.CreateStream(master, tc.name, tc.priority))
		require.Equal(t, tc.want, queueProperties(t, d, s).Priority, "stream %q, priority %d", tc.name, tc.priority)
		require.Equal(t, tc.priority, s.Priority())
		require.NoError(t, s.Destroy())
	}

	// Names are ignored without the second bit.
	r.cfg.Priority = 1
	s := must.M1(r.CreateStream(master, "calc", 0))
	require.Equal(t, driver.PriorityMed, queueProperties(t, d, s).Priority)
	require.NoError(t, s.Destroy())

	// And without any, the lowest priority is used.
	r.cfg.Priority = 0
	s = must.M1(r.CreateStream(master, "calc", 0))
	require.Equal(t, driver.PriorityLow, queueProperties(t, d, s).Priority)
	require.NoError(t, s.Destroy())
}

func TestStreamPriorityUnsupported(t *testing.T) {
	topology := sim.DefaultTopology()
	topology.Platforms[0].Extensions = "cl_khr_icd"
	r, d := newTestRuntime(t, topology, nil)
	least, greatest := r.StreamPriorityRange(nil)
	require.Equal(t, -1, least)
	require.Equal(t, -1, greatest)
	s := must.M1(r.CreateStream(nil, "calc", 0))
	require.Zero(t, queueProperties(t, d, s).Priority)

	// NVIDIA devices support priorities regardless of the platform extensions.
	topology.Platforms[0].Devices[0].Vendor = "NVIDIA Corporation"
	r, _ = newTestRuntime(t, topology, nil)
	least, greatest = r.StreamPriorityRange(nil)
	require.Equal(t, driver.PriorityLow, least)
	require.Equal(t, driver.PriorityHigh, greatest)
}

func TestDeviceSynchronize(t *testing.T) {
	r, d := newTestRuntime(t, sim.DefaultTopology(), nil)
	w1 := must.M1(r.RegisterWorker())
	var done atomic.Int32
	for _, w := range []*Worker{r.Master(), r.Master(), w1} {
		s := must.M1(r.CreateStream(w, "work", 0))
		require.NoError(t, d.Enqueue(s.Queue(), func() {
			time.Sleep(20 * time.Millisecond)
			done.Add(1)
		}))
	}
	require.NoError(t, r.DeviceSynchronize(nil))
	require.Equal(t, int32(3), done.Load())

	s := r.DefaultStream(w1)
	require.NoError(t, d.Enqueue(s.Queue(), func() { done.Add(1) }))
	require.NoError(t, r.DeviceSynchronize(w1))
	require.Equal(t, int32(4), done.Load())
}

// intelTopology has a single Intel GPU with a compute-only queue family of 4 queues.
func intelTopology() sim.Topology {
	return sim.Topology{Platforms: []sim.PlatformSpec{{
		Name:   "Intel(R) OpenCL Graphics",
		Vendor: "Intel(R) Corporation",
		Devices: []sim.DeviceSpec{{
			Name:            "Intel(R) Graphics [0x56a0]",
			Vendor:          "Intel(R) Corporation",
			Class:           driver.ClassGPU,
			GlobalMemSize:   16 << 30,
			MaxComputeUnits: 512,
			QueueFamilies: []driver.QueueFamily{
				{Name: "render", Capabilities: 1, Count: 1},
				{Name: "compute", Capabilities: 0, Count: 4},
			},
		}},
	}}}
}

func TestIntelQueueFamilies(t *testing.T) {
	r, d := newTestRuntime(t, intelTopology(), func(cfg *Config) { cfg.XHints = 5 })
	require.True(t, must.M1(r.Descriptor(nil)).Intel)
	master := r.Master()
	for _, wantIndex := range []int{1, 2, 3, 0} {
		s := must.M1(r.CreateStream(master, "s", 0))
		props := queueProperties(t, d, s)
		require.True(t, props.FamilySet)
		require.Equal(t, 1, props.Family)
		require.Equal(t, wantIndex, props.Index)
	}
	require.Equal(t, TimerDevice, r.Timer(), "out-of-order detection not requested")
}

func TestIntelOutOfOrderDetection(t *testing.T) {
	r, d := newTestRuntime(t, intelTopology(), func(cfg *Config) { cfg.XHints = 1 })
	s := must.M1(r.CreateStream(nil, "s", 0))
	require.False(t, queueProperties(t, d, s).FamilySet)
	require.Equal(t, TimerHost, r.Timer())
	require.Equal(t, 1, d.Live().Queues, "trial queue released")

	topology := intelTopology()
	topology.Platforms[0].Devices[0].NoOutOfOrder = true
	r, _ = newTestRuntime(t, topology, func(cfg *Config) { cfg.XHints = 1 })
	must.M1(r.CreateStream(nil, "s", 0))
	require.Equal(t, TimerDevice, r.Timer())
}

func TestStreamProfiling(t *testing.T) {
	r, d := newTestRuntime(t, sim.DefaultTopology(), func(cfg *Config) { cfg.Verbosity = 3 })
	s := must.M1(r.CreateStream(nil, "s", 0))
	require.True(t, queueProperties(t, d, s).Profiling)

	r, d = newTestRuntime(t, sim.DefaultTopology(), func(cfg *Config) { cfg.Timer = TimerHost; cfg.Verbosity = 3 })
	s = must.M1(r.CreateStream(nil, "s", 0))
	require.False(t, queueProperties(t, d, s).Profiling)
}

func TestCreateStreamFailure(t *testing.T) {
	r, d := newTestRuntime(t, sim.DefaultTopology(), nil)
	d.InjectFault("CreateQueue", driver.OutOfResources)
	_, err := r.CreateStream(nil, "s", 0)
	require.Error(t, err)
	require.Equal(t, driver.OutOfResources, driver.CodeOf(err))
	require.Empty(t, r.Streams(nil))
}

func TestStreamOfAnotherRuntime(t *testing.T) {
	r1, _ := newTestRuntime(t, sim.DefaultTopology(), nil)
	r2, d2 := newTestRuntime(t, sim.DefaultTopology(), nil)
	s2 := must.M1(r2.CreateStream(nil, "s2", 0))
	aliveBefore := StreamsAlive()

	require.ErrorIs(t, r1.DestroyStream(s2), ErrInvalidArgument)
	require.ErrorIs(t, r1.SyncStream(s2), ErrInvalidArgument)
	require.ErrorIs(t, r1.DeviceSynchronize(r2.Master()), ErrInvalidArgument)

	// s2 is untouched.
	require.NotZero(t, s2.Queue())
	require.Equal(t, []*Stream{s2}, r2.Streams(nil))
	require.Equal(t, aliveBefore, StreamsAlive())
	require.Equal(t, 1, d2.Live().Queues)
	require.NoError(t, r2.DeviceSynchronize(r2.Master()))
	require.NoError(t, s2.Destroy())
}
