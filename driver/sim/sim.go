// Package sim implements an in-memory driver.Driver that simulates platforms and devices.
//
// It keeps reference counts of every object it creates, so tests can check nothing leaks, and it
// implements a toy program build: options are validated, `#error` directives fail the build and kernel
// names are discovered from `kernel void <name>(` declarations.
//
// Importing the package registers the driver "sim" with DefaultTopology.
package sim

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/goacc/driver"
	"k8s.io/klog/v2"
)

// Name of the registered simulated driver.
const Name = "sim"

func init() {
	driver.Register(Name, func() (driver.Driver, error) {
		return New(DefaultTopology()), nil
	})
}

// DeviceSpec describes one simulated device.
type DeviceSpec struct {
	Name, Vendor string

	// Version and CVersion default to "OpenCL 3.0 SIM" and "OpenCL C 3.0".
	Version, CVersion string
	Extensions        string

	Class             driver.DeviceClass
	GlobalMemSize     uint64
	HostUnifiedMemory bool
	MaxComputeUnits   int

	// NUMANodes > 1 allows partitioning by NUMA affinity into as many sub-devices.
	NUMANodes int

	// VendorID is returned by VendorDeviceID, if HasVendorID.
	VendorID    uint32
	HasVendorID bool

	// FP32AtomicCaps and FP64AtomicCaps are returned by FloatAtomicCaps, if HasFloatAtomicCaps.
	FP32AtomicCaps, FP64AtomicCaps uint64
	HasFloatAtomicCaps             bool

	QueueFamilies []driver.QueueFamily

	// NoOutOfOrder makes queue creation fail if out-of-order execution is requested.
	NoOutOfOrder bool

	// Exclusive devices accept only one live context at a time: others fail with driver.InvalidDevice.
	Exclusive bool

	// MaxWorkGroupSize and WorkGroupMultiple default to 256 and 32. Devices below OpenCL 3.0 report a
	// preferred multiple of 1, unless asked for a kernel.
	MaxWorkGroupSize, WorkGroupMultiple int
}

// PlatformSpec describes one simulated platform and its devices.
type PlatformSpec struct {
	Name, Vendor, Version, Extensions string
	Devices                           []DeviceSpec
}

// Topology is the set of simulated platforms.
type Topology struct {
	Platforms []PlatformSpec
}

// DefaultTopology has one platform with a discrete GPU and a CPU.
func DefaultTopology() Topology {
	return Topology{Platforms: []PlatformSpec{{
		Name:       "Sim Platform",
		Vendor:     "goacc",
		Version:    "OpenCL 3.0 SIM",
		Extensions: "cl_khr_icd cl_khr_priority_hints",
		Devices: []DeviceSpec{
			{
				Name:   "Sim GPU",
				Vendor: "goacc",
				Extensions: "cl_khr_fp64 cl_khr_global_int32_base_atomics cl_khr_global_int32_extended_atomics " +
					"cl_khr_int64_base_atomics cl_khr_int64_extended_atomics",
				Class:           driver.ClassGPU,
				GlobalMemSize:   8 << 30,
				MaxComputeUnits: 64,
			},
			{
				Name:            "Sim CPU",
				Vendor:          "goacc",
				Version:         "OpenCL 1.2 SIM",
				CVersion:        "OpenCL C 1.2",
				Extensions:      "cl_khr_fp64 cl_khr_global_int32_base_atomics cl_khr_int64_base_atomics",
				Class:           driver.ClassCPU,
				GlobalMemSize:   16 << 30,
				MaxComputeUnits: 16,
				NUMANodes:       2,
			},
		},
	}}}
}

type platform struct {
	id      driver.Platform
	spec    PlatformSpec
	devices []driver.Device
}

type device struct {
	id       driver.Device
	platform *platform
	spec     DeviceSpec
	parent   driver.Device
	released bool
}

type context struct {
	id     driver.Context
	device *device
	refs   int
	notify driver.NotifyFn
}

type queue struct {
	id      driver.Queue
	context *context
	props   driver.QueueProperties
	pending sync.WaitGroup
}

type programKind int

const (
	fromSource programKind = iota
	fromBinary
	fromIL
)

type program struct {
	id      driver.Program
	context *context
	kind    programKind
	source  string
	built   bool
	log     string
	device  *device
	kernels []string
	options string
}

type kernel struct {
	id      driver.Kernel
	program *program
	name    string
}

// Driver is the simulated driver. Create it with New.
type Driver struct {
	mu     sync.Mutex
	nextID uint64

	platforms []*platform
	devices   map[driver.Device]*device
	contexts  map[driver.Context]*context
	queues    map[driver.Queue]*queue
	programs  map[driver.Program]*program
	kernels   map[driver.Kernel]*kernel

	// faults holds injected failures per operation name, consumed in order.
	faults map[string][]driver.Code
}

var _ driver.Driver = (*Driver)(nil)

// New creates a simulated driver with the given topology.
func New(topology Topology) *Driver {
	d := &Driver{
		devices:  make(map[driver.Device]*device),
		contexts: make(map[driver.Context]*context),
		queues:   make(map[driver.Queue]*queue),
		programs: make(map[driver.Program]*program),
		kernels:  make(map[driver.Kernel]*kernel),
		faults:   make(map[string][]driver.Code),
	}
	for _, pSpec := range topology.Platforms {
		p := &platform{id: driver.Platform(d.newID()), spec: pSpec}
		for _, dSpec := range pSpec.Devices {
			dev := d.addDevice(p, dSpec, 0)
			p.devices = append(p.devices, dev.id)
		}
		d.platforms = append(d.platforms, p)
	}
	return d
}

func (d *Driver) newID() uint64 {
	d.nextID++
	return d.nextID
}

func (d *Driver) addDevice(p *platform, spec DeviceSpec, parent driver.Device) *device {
	if spec.Version == "" {
		spec.Version = "OpenCL 3.0 SIM"
	}
	if spec.CVersion == "" {
		spec.CVersion = "OpenCL C 3.0"
	}
	if spec.MaxWorkGroupSize == 0 {
		spec.MaxWorkGroupSize = 256
	}
	if spec.WorkGroupMultiple == 0 {
		spec.WorkGroupMultiple = 32
	}
	dev := &device{id: driver.Device(d.newID()), platform: p, spec: spec, parent: parent}
	d.devices[dev.id] = dev
	return dev
}

// InjectFault makes the next call to the operation op (a driver.Driver method name, e.g. "CreateContext")
// fail with the given code. Multiple injections for the same operation are consumed in order.
func (d *Driver) InjectFault(op string, code driver.Code) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[op] = append(d.faults[op], code)
}

// fault returns the next injected failure for op, if any. d.mu must be held.
func (d *Driver) fault(op string) error {
	codes := d.faults[op]
	if len(codes) == 0 {
		return nil
	}
	d.faults[op] = codes[1:]
	return driver.Errorf(codes[0], op, "injected failure")
}

// Name implements driver.Driver.
func (d *Driver) Name() string { return Name }

// Platforms implements driver.Driver.
func (d *Driver) Platforms() ([]driver.Platform, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault("Platforms"); err != nil {
		return nil, err
	}
	ids := make([]driver.Platform, len(d.platforms))
	for ii, p := range d.platforms {
		ids[ii] = p.id
	}
	return ids, nil
}

func (d *Driver) platform(id driver.Platform) *platform {
	for _, p := range d.platforms {
		if p.id == id {
			return p
		}
	}
	return nil
}

// PlatformInfo implements driver.Driver.
func (d *Driver) PlatformInfo(id driver.Platform) (driver.PlatformInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.platform(id)
	if p == nil {
		return driver.PlatformInfo{}, driver.Errorf(driver.InvalidValue, "PlatformInfo", "unknown platform %d", id)
	}
	return driver.PlatformInfo{Name: p.spec.Name, Vendor: p.spec.Vendor, Version: p.spec.Version, Extensions: p.spec.Extensions}, nil
}

// Devices implements driver.Driver.
func (d *Driver) Devices(id driver.Platform, class driver.DeviceClass) ([]driver.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault("Devices"); err != nil {
		return nil, err
	}
	p := d.platform(id)
	if p == nil {
		return nil, driver.Errorf(driver.InvalidValue, "Devices", "unknown platform %d", id)
	}
	var found []driver.Device
	for _, devID := range p.devices {
		dev := d.devices[devID]
		if class == driver.ClassAll || dev.spec.Class&class != 0 {
			found = append(found, devID)
		}
	}
	if len(found) == 0 {
		return nil, driver.Errorf(driver.DeviceNotFound, "Devices", "no device of class %s", class)
	}
	return found, nil
}

// device returns the live device or an error. d.mu must be held.
func (d *Driver) device(op string, id driver.Device) (*device, error) {
	dev, found := d.devices[id]
	if !found || dev.released {
		return nil, driver.Errorf(driver.InvalidDevice, op, "unknown device %d", id)
	}
	return dev, nil
}

// DeviceInfo implements driver.Driver.
func (d *Driver) DeviceInfo(id driver.Device) (driver.DeviceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault("DeviceInfo"); err != nil {
		return driver.DeviceInfo{}, err
	}
	dev, err := d.device("DeviceInfo", id)
	if err != nil {
		return driver.DeviceInfo{}, err
	}
	s := dev.spec
	return driver.DeviceInfo{
		Name:              s.Name,
		Vendor:            s.Vendor,
		Version:           s.Version,
		CVersion:          s.CVersion,
		Extensions:        s.Extensions,
		Class:             s.Class,
		Platform:          dev.platform.id,
		GlobalMemSize:     s.GlobalMemSize,
		HostUnifiedMemory: s.HostUnifiedMemory,
		MaxComputeUnits:   s.MaxComputeUnits,
	}, nil
}

// VendorDeviceID implements driver.Driver.
func (d *Driver) VendorDeviceID(id driver.Device) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, err := d.device("VendorDeviceID", id)
	if err != nil {
		return 0, err
	}
	if !dev.spec.HasVendorID {
		return 0, driver.Errorf(driver.Unsupported, "VendorDeviceID", "device %q", dev.spec.Name)
	}
	return dev.spec.VendorID, nil
}

// FloatAtomicCaps implements driver.Driver.
func (d *Driver) FloatAtomicCaps(id driver.Device, bits int) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, err := d.device("FloatAtomicCaps", id)
	if err != nil {
		return 0, err
	}
	if !dev.spec.HasFloatAtomicCaps {
		return 0, driver.Errorf(driver.Unsupported, "FloatAtomicCaps", "device %q", dev.spec.Name)
	}
	if bits == 64 {
		return dev.spec.FP64AtomicCaps, nil
	}
	return dev.spec.FP32AtomicCaps, nil
}

// QueueFamilies implements driver.Driver.
func (d *Driver) QueueFamilies(id driver.Device) ([]driver.QueueFamily, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, err := d.device("QueueFamilies", id)
	if err != nil {
		return nil, err
	}
	if len(dev.spec.QueueFamilies) == 0 {
		return nil, driver.Errorf(driver.Unsupported, "QueueFamilies", "device %q", dev.spec.Name)
	}
	return slices.Clone(dev.spec.QueueFamilies), nil
}

// CreateSubDevices implements driver.Driver.
func (d *Driver) CreateSubDevices(id driver.Device, partition driver.Partition) ([]driver.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, err := d.device("CreateSubDevices", id)
	if err != nil {
		return nil, err
	}
	var n, units int
	switch partition.Kind {
	case driver.PartitionNUMA:
		if dev.spec.NUMANodes < 2 {
			return nil, driver.Errorf(driver.InvalidValue, "CreateSubDevices", "device %q has no NUMA domains", dev.spec.Name)
		}
		n = dev.spec.NUMANodes
		units = max(1, dev.spec.MaxComputeUnits/n)
	case driver.PartitionEqually:
		units = partition.Units
		if units <= 0 || units >= dev.spec.MaxComputeUnits {
			return nil, driver.Errorf(driver.InvalidValue, "CreateSubDevices",
				"can't partition %d compute units in groups of %d", dev.spec.MaxComputeUnits, units)
		}
		n = (dev.spec.MaxComputeUnits + units - 1) / units
	default:
		return nil, driver.Errorf(driver.InvalidValue, "CreateSubDevices", "unknown partition kind %d", partition.Kind)
	}
	if partition.Max > 0 && n > partition.Max {
		n = partition.Max
	}
	subDevices := make([]driver.Device, n)
	for ii := range subDevices {
		spec := dev.spec
		spec.Class &^= driver.ClassDefault
		spec.MaxComputeUnits = units
		spec.NUMANodes = 0
		subDevices[ii] = d.addDevice(dev.platform, spec, dev.id).id
	}
	return subDevices, nil
}

// ReleaseDevice implements driver.Driver. Releasing a root device is a no-op.
func (d *Driver) ReleaseDevice(id driver.Device) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, err := d.device("ReleaseDevice", id)
	if err != nil {
		return err
	}
	if dev.parent != 0 {
		dev.released = true
	}
	return nil
}

// CreateContext implements driver.Driver.
func (d *Driver) CreateContext(id driver.Device, props driver.ContextProperties, notify driver.NotifyFn) (driver.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault("CreateContext"); err != nil {
		if notify != nil {
			notify(err.Error())
		}
		return 0, err
	}
	dev, err := d.device("CreateContext", id)
	if err != nil {
		return 0, err
	}
	if props.Platform != 0 && props.Platform != dev.platform.id {
		return 0, driver.Errorf(driver.InvalidValue, "CreateContext", "device %q doesn't belong to platform %d",
			dev.spec.Name, props.Platform)
	}
	if dev.spec.Exclusive {
		for _, ctx := range d.contexts {
			if ctx.device == dev {
				return 0, driver.Errorf(driver.InvalidDevice, "CreateContext", "device %q is in exclusive mode", dev.spec.Name)
			}
		}
	}
	ctx := &context{id: driver.Context(d.newID()), device: dev, refs: 1, notify: notify}
	d.contexts[ctx.id] = ctx
	return ctx.id, nil
}

func (d *Driver) context(op string, id driver.Context) (*context, error) {
	ctx, found := d.contexts[id]
	if !found {
		return nil, driver.Errorf(driver.InvalidContext, op, "unknown context %d", id)
	}
	return ctx, nil
}

// RetainContext implements driver.Driver.
func (d *Driver) RetainContext(id driver.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, err := d.context("RetainContext", id)
	if err != nil {
		return err
	}
	ctx.refs++
	return nil
}

// ReleaseContext implements driver.Driver.
func (d *Driver) ReleaseContext(id driver.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, err := d.context("ReleaseContext", id)
	if err != nil {
		return err
	}
	ctx.refs--
	if ctx.refs == 0 {
		delete(d.contexts, id)
	}
	return nil
}

// ContextDevice implements driver.Driver.
func (d *Driver) ContextDevice(id driver.Context) (driver.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, err := d.context("ContextDevice", id)
	if err != nil {
		return 0, err
	}
	return ctx.device.id, nil
}

// CreateQueue implements driver.Driver.
func (d *Driver) CreateQueue(ctxID driver.Context, devID driver.Device, props driver.QueueProperties) (driver.Queue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault("CreateQueue"); err != nil {
		return 0, err
	}
	ctx, err := d.context("CreateQueue", ctxID)
	if err != nil {
		return 0, err
	}
	if ctx.device.id != devID {
		return 0, driver.Errorf(driver.InvalidDevice, "CreateQueue", "device %d is not the device of context %d", devID, ctxID)
	}
	if props.Priority != 0 && !driver.InPriorityBand(props.Priority) {
		return 0, driver.Errorf(driver.InvalidValue, "CreateQueue", "invalid priority %d", props.Priority)
	}
	if props.OutOfOrder && ctx.device.spec.NoOutOfOrder {
		return 0, driver.Errorf(driver.InvalidValue, "CreateQueue", "out-of-order execution not supported")
	}
	if props.FamilySet {
		families := ctx.device.spec.QueueFamilies
		if props.Family < 0 || props.Family >= len(families) || props.Index < 0 || props.Index >= families[props.Family].Count {
			return 0, driver.Errorf(driver.InvalidValue, "CreateQueue", "invalid queue family %d/%d", props.Family, props.Index)
		}
	}
	q := &queue{id: driver.Queue(d.newID()), context: ctx, props: props}
	ctx.refs++ // Queues retain their context.
	d.queues[q.id] = q
	return q.id, nil
}

// ReleaseQueue implements driver.Driver.
func (d *Driver) ReleaseQueue(id driver.Queue) error {
	d.mu.Lock()
	q, found := d.queues[id]
	if !found {
		d.mu.Unlock()
		return driver.Errorf(driver.InvalidValue, "ReleaseQueue", "unknown queue %d", id)
	}
	delete(d.queues, id)
	q.context.refs--
	if q.context.refs == 0 {
		delete(d.contexts, q.context.id)
	}
	d.mu.Unlock()

	// Releasing a queue waits for its commands, like an implicit flush and finish.
	q.pending.Wait()
	return nil
}

// Finish implements driver.Driver.
func (d *Driver) Finish(id driver.Queue) error {
	d.mu.Lock()
	q, found := d.queues[id]
	d.mu.Unlock()
	if !found {
		return driver.Errorf(driver.InvalidValue, "Finish", "unknown queue %d", id)
	}
	q.pending.Wait()
	return nil
}

// Enqueue submits work to the queue: it runs asynchronously and Finish waits for it.
func (d *Driver) Enqueue(id driver.Queue, work func()) error {
	d.mu.Lock()
	q, found := d.queues[id]
	if found {
		q.pending.Add(1)
	}
	d.mu.Unlock()
	if !found {
		return driver.Errorf(driver.InvalidValue, "Enqueue", "unknown queue %d", id)
	}
	go func() {
		defer q.pending.Done()
		work()
	}()
	return nil
}

// QueueProperties returns the properties a queue was created with.
func (d *Driver) QueueProperties(id driver.Queue) (driver.QueueProperties, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, found := d.queues[id]
	if !found {
		return driver.QueueProperties{}, false
	}
	return q.props, true
}

const (
	binaryMagic = "SIMBIN1\n"
	ilMagic     = "SIMIL1\n"
)

func (d *Driver) newProgram(ctx *context, kind programKind, source string) driver.Program {
	p := &program{id: driver.Program(d.newID()), context: ctx, kind: kind, source: source}
	ctx.refs++ // Programs retain their context.
	d.programs[p.id] = p
	return p.id
}

// CreateProgramWithSource implements driver.Driver.
func (d *Driver) CreateProgramWithSource(ctxID driver.Context, source string) (driver.Program, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault("CreateProgramWithSource"); err != nil {
		return 0, err
	}
	ctx, err := d.context("CreateProgramWithSource", ctxID)
	if err != nil {
		return 0, err
	}
	if source == "" {
		return 0, driver.Errorf(driver.InvalidValue, "CreateProgramWithSource", "empty source")
	}
	return d.newProgram(ctx, fromSource, source), nil
}

// CreateProgramWithBinary implements driver.Driver.
// Binaries are produced by ProgramBinary and are only valid for a device with the same name.
func (d *Driver) CreateProgramWithBinary(ctxID driver.Context, devID driver.Device, binary []byte) (driver.Program, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, err := d.context("CreateProgramWithBinary", ctxID)
	if err != nil {
		return 0, err
	}
	dev, err := d.device("CreateProgramWithBinary", devID)
	if err != nil {
		return 0, err
	}
	rest, ok := strings.CutPrefix(string(binary), binaryMagic)
	if !ok {
		return 0, driver.Errorf(driver.InvalidBinary, "CreateProgramWithBinary", "not a program binary")
	}
	deviceName, source, ok := strings.Cut(rest, "\n")
	if !ok || deviceName != dev.spec.Name {
		return 0, driver.Errorf(driver.InvalidBinary, "CreateProgramWithBinary", "binary built for device %q", deviceName)
	}
	return d.newProgram(ctx, fromBinary, source), nil
}

// CreateProgramWithIL implements driver.Driver.
func (d *Driver) CreateProgramWithIL(ctxID driver.Context, il []byte) (driver.Program, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, err := d.context("CreateProgramWithIL", ctxID)
	if err != nil {
		return 0, err
	}
	source, ok := strings.CutPrefix(string(il), ilMagic)
	if !ok {
		return 0, driver.Errorf(driver.InvalidBinary, "CreateProgramWithIL", "not an intermediate representation")
	}
	return d.newProgram(ctx, fromIL, source), nil
}

// IL wraps kernel source into the intermediate representation accepted by CreateProgramWithIL.
func IL(source string) []byte {
	return []byte(ilMagic + source)
}

var (
	reKernelName = regexp.MustCompile(`(?m)(?:__kernel|\bkernel)\s+(?:__attribute__\(\([^)]*\)\)\s+)*void\s+(\w+)\s*\(`)
	reError      = regexp.MustCompile(`(?m)^\s*#\s*error\b(.*)$`)

	// knownOptionPrefixes lists the build options the simulated compiler accepts.
	knownOptionPrefixes = []string{"-D", "-I", "-cl-", "-w", "-Werror"}
)

// checkOptions returns a build log describing the first unknown option, or "".
func checkOptions(options string) string {
	for _, opt := range strings.Fields(options) {
		if !strings.HasPrefix(opt, "-") {
			continue // Argument of a previous option.
		}
		known := false
		for _, prefix := range knownOptionPrefixes {
			if strings.HasPrefix(opt, prefix) {
				known = true
				break
			}
		}
		if !known {
			return fmt.Sprintf("error: unknown build option %q", opt)
		}
	}
	return ""
}

// BuildProgram implements driver.Driver.
func (d *Driver) BuildProgram(id driver.Program, devID driver.Device, options string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, found := d.programs[id]
	if !found {
		return driver.Errorf(driver.InvalidValue, "BuildProgram", "unknown program %d", id)
	}
	dev, err := d.device("BuildProgram", devID)
	if err != nil {
		return err
	}
	if p.context.device != dev {
		return driver.Errorf(driver.InvalidDevice, "BuildProgram", "device %q not in program's context", dev.spec.Name)
	}
	p.built, p.device, p.options, p.kernels = false, dev, options, nil
	if err := d.fault("BuildProgram"); err != nil {
		p.log = "error: injected failure"
		return err
	}
	if log := checkOptions(options); log != "" {
		p.log = log
		return driver.Errorf(driver.BuildProgramFailure, "BuildProgram", "%s", log)
	}
	if m := reError.FindStringSubmatch(p.source); m != nil {
		p.log = fmt.Sprintf("error: %s", strings.TrimSpace(m[1]))
		return driver.Errorf(driver.BuildProgramFailure, "BuildProgram", "%s", p.log)
	}
	for _, m := range reKernelName.FindAllStringSubmatch(p.source, -1) {
		p.kernels = append(p.kernels, m[1])
	}
	p.built = true
	p.log = ""
	klog.V(2).Infof("sim: built program %d for %q with %d kernels, options %q", id, dev.spec.Name, len(p.kernels), options)
	return nil
}

// BuildLog implements driver.Driver.
func (d *Driver) BuildLog(id driver.Program, _ driver.Device) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, found := d.programs[id]
	if !found {
		return "", driver.Errorf(driver.InvalidValue, "BuildLog", "unknown program %d", id)
	}
	return p.log, nil
}

// ProgramBinary implements driver.Driver.
func (d *Driver) ProgramBinary(id driver.Program) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault("ProgramBinary"); err != nil {
		return nil, err
	}
	p, found := d.programs[id]
	if !found || !p.built {
		return nil, driver.Errorf(driver.InvalidValue, "ProgramBinary", "program %d not built", id)
	}
	return []byte(binaryMagic + p.device.spec.Name + "\n" + p.source), nil
}

// ProgramKernelNames implements driver.Driver.
func (d *Driver) ProgramKernelNames(id driver.Program) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, found := d.programs[id]
	if !found || !p.built {
		return nil, driver.Errorf(driver.InvalidValue, "ProgramKernelNames", "program %d not built", id)
	}
	return slices.Clone(p.kernels), nil
}

// ReleaseProgram implements driver.Driver.
func (d *Driver) ReleaseProgram(id driver.Program) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, found := d.programs[id]
	if !found {
		return driver.Errorf(driver.InvalidValue, "ReleaseProgram", "unknown program %d", id)
	}
	delete(d.programs, id)
	p.context.refs--
	if p.context.refs == 0 {
		delete(d.contexts, p.context.id)
	}
	return nil
}

// CreateKernel implements driver.Driver.
func (d *Driver) CreateKernel(id driver.Program, name string) (driver.Kernel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, found := d.programs[id]
	if !found || !p.built {
		return 0, driver.Errorf(driver.InvalidOperation, "CreateKernel", "program %d not built", id)
	}
	if !slices.Contains(p.kernels, name) {
		return 0, driver.Errorf(driver.InvalidKernelName, "CreateKernel", "kernel %q not in program", name)
	}
	k := &kernel{id: driver.Kernel(d.newID()), program: p, name: name}
	d.kernels[k.id] = k
	return k.id, nil
}

// ReleaseKernel implements driver.Driver.
func (d *Driver) ReleaseKernel(id driver.Kernel) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, found := d.kernels[id]; !found {
		return driver.Errorf(driver.InvalidValue, "ReleaseKernel", "unknown kernel %d", id)
	}
	delete(d.kernels, id)
	return nil
}

// WorkGroupSize implements driver.Driver.
func (d *Driver) WorkGroupSize(kernelID driver.Kernel, devID driver.Device) (maxSize, preferredMultiple int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, err := d.device("WorkGroupSize", devID)
	if err != nil {
		return 0, 0, err
	}
	if kernelID == 0 {
		var major, minor int
		if _, err := fmt.Sscanf(dev.spec.Version, "OpenCL %d.%d", &major, &minor); err != nil || major < 3 {
			return dev.spec.MaxWorkGroupSize, 1, nil
		}
		return dev.spec.MaxWorkGroupSize, dev.spec.WorkGroupMultiple, nil
	}
	k, found := d.kernels[kernelID]
	if !found {
		return 0, 0, driver.Errorf(driver.InvalidValue, "WorkGroupSize", "unknown kernel %d", kernelID)
	}
	if k.program.device != dev {
		return 0, 0, driver.Errorf(driver.InvalidDevice, "WorkGroupSize", "kernel %q not built for device %q", k.name, dev.spec.Name)
	}
	return dev.spec.MaxWorkGroupSize, dev.spec.WorkGroupMultiple, nil
}

// Stats counts the live objects of the driver.
type Stats struct {
	Contexts, Queues, Programs, Kernels int
}

// Live returns the number of objects not yet released.
func (d *Driver) Live() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{Contexts: len(d.contexts), Queues: len(d.queues), Programs: len(d.programs), Kernels: len(d.kernels)}
}

// ContextRefs returns the reference count of the context, 0 if it was destroyed.
func (d *Driver) ContextRefs(id driver.Context) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ctx, found := d.contexts[id]; found {
		return ctx.refs
	}
	return 0
}

// Released returns whether the (sub-)device was released.
func (d *Driver) Released(id driver.Device) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, found := d.devices[id]
	return found && dev.released
}
