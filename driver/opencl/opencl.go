//go:build opencl

// Package opencl implements driver.Driver on top of the system OpenCL ICD loader.
//
// It is only compiled with the `opencl` build tag, and requires the OpenCL headers and libOpenCL.
// Importing the package registers the driver "opencl".
package opencl

/*
#cgo linux LDFLAGS: -lOpenCL
#cgo darwin LDFLAGS: -framework OpenCL
#cgo windows LDFLAGS: -lOpenCL

#define CL_TARGET_OPENCL_VERSION 300
#ifdef __APPLE__
#include <OpenCL/opencl.h>
#else
#include <CL/cl.h>
#endif
#include <stdint.h>
#include <stdlib.h>

// Vendor extension enums, in case the headers don't carry them.
#ifndef CL_DEVICE_ID_INTEL
#define CL_DEVICE_ID_INTEL 0x4251
#endif
#ifndef CL_DEVICE_SINGLE_FP_ATOMIC_CAPABILITIES_EXT
#define CL_DEVICE_SINGLE_FP_ATOMIC_CAPABILITIES_EXT 0x4231
#define CL_DEVICE_DOUBLE_FP_ATOMIC_CAPABILITIES_EXT 0x4232
#endif
#ifndef CL_DEVICE_QUEUE_FAMILY_PROPERTIES_INTEL
#define CL_DEVICE_QUEUE_FAMILY_PROPERTIES_INTEL 0x418B
#define CL_QUEUE_FAMILY_INTEL 0x418C
#define CL_QUEUE_INDEX_INTEL 0x418D
typedef struct {
	cl_bitfield properties;
	cl_bitfield capabilities;
	cl_uint count;
	char name[64];
} cl_queue_family_properties_intel;
#endif
#ifndef CL_QUEUE_PRIORITY_KHR
#define CL_QUEUE_PRIORITY_KHR 0x1096
#endif

extern void goaccContextNotify(char *errinfo, uintptr_t handle);

static void CL_CALLBACK notify_trampoline(const char *errinfo, const void *private_info, size_t cb, void *user_data) {
	goaccContextNotify((char *)errinfo, (uintptr_t)user_data);
}

static cl_context create_context(cl_platform_id platform, cl_device_id device, int with_notify, uintptr_t handle, cl_int *err) {
	cl_context_properties props[3] = { CL_CONTEXT_PLATFORM, (cl_context_properties)platform, 0 };
	return clCreateContext(platform != NULL ? props : NULL, 1, &device,
		with_notify ? notify_trampoline : NULL, with_notify ? (void *)handle : NULL, err);
}

static cl_int partition_numa(cl_device_id device, cl_uint max, cl_device_id *out, cl_uint *n) {
	cl_device_partition_property props[3] = {
		CL_DEVICE_PARTITION_BY_AFFINITY_DOMAIN, CL_DEVICE_AFFINITY_DOMAIN_NUMA, 0 };
	return clCreateSubDevices(device, props, max, out, n);
}

static cl_int partition_equally(cl_device_id device, cl_uint units, cl_uint max, cl_device_id *out, cl_uint *n) {
	cl_device_partition_property props[3] = { CL_DEVICE_PARTITION_EQUALLY, (cl_device_partition_property)units, 0 };
	return clCreateSubDevices(device, props, max, out, n);
}

static cl_command_queue create_queue(cl_context ctx, cl_device_id device, cl_bitfield flags,
		int priority, int family_set, cl_uint family, cl_uint index, cl_int *err) {
	cl_queue_properties props[9];
	int n = 0;
	if (flags != 0) {
		props[n++] = CL_QUEUE_PROPERTIES;
		props[n++] = flags;
	}
	if (priority != 0) {
		props[n++] = CL_QUEUE_PRIORITY_KHR;
		props[n++] = priority;
	}
	if (family_set) {
		props[n++] = CL_QUEUE_FAMILY_INTEL;
		props[n++] = family;
		props[n++] = CL_QUEUE_INDEX_INTEL;
		props[n++] = index;
	}
	props[n] = 0;
	return clCreateCommandQueueWithProperties(ctx, device, n > 0 ? props : NULL, err);
}

static cl_program create_program_with_source(cl_context ctx, const char *source, cl_int *err) {
	return clCreateProgramWithSource(ctx, 1, &source, NULL, err);
}

static cl_program create_program_with_binary(cl_context ctx, cl_device_id device, const unsigned char *bin, size_t size, cl_int *err) {
	return clCreateProgramWithBinary(ctx, 1, &device, &size, &bin, NULL, err);
}

static cl_int program_binary(cl_program program, unsigned char *out) {
	return clGetProgramInfo(program, CL_PROGRAM_BINARIES, sizeof(out), &out, NULL);
}
*/
import "C"

import (
	"runtime/cgo"
	"strings"
	"sync"
	"unsafe"

	"github.com/gomlx/goacc/driver"
	"k8s.io/klog/v2"
)

// Name of the registered OpenCL driver.
const Name = "opencl"

func init() {
	driver.Register(Name, func() (driver.Driver, error) {
		return New(), nil
	})
}

// Driver binds driver.Driver to the OpenCL C API.
//
// OpenCL objects are kept in a handle table, so no C pointer is ever stored in a Go integer.
type Driver struct {
	mu      sync.Mutex
	nextID  uint64
	objects map[uint64]unsafe.Pointer

	// notifiers keep the cgo handles of context callbacks alive until the context is released.
	notifiers map[driver.Context]cgo.Handle
}

var _ driver.Driver = (*Driver)(nil)

// New creates an OpenCL driver.
func New() *Driver {
	return &Driver{objects: make(map[uint64]unsafe.Pointer), notifiers: make(map[driver.Context]cgo.Handle)}
}

// Name implements driver.Driver.
func (d *Driver) Name() string { return Name }

// put registers an OpenCL object and returns its handle. The same object always gets the same handle.
func (d *Driver) put(ptr unsafe.Pointer) uint64 {
	if ptr == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, p := range d.objects {
		if p == ptr {
			return id
		}
	}
	d.nextID++
	d.objects[d.nextID] = ptr
	return d.nextID
}

func (d *Driver) get(id uint64) unsafe.Pointer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.objects[id]
}

func (d *Driver) drop(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.objects, id)
}

func (d *Driver) platformID(p driver.Platform) C.cl_platform_id {
	return C.cl_platform_id(d.get(uint64(p)))
}
func (d *Driver) deviceID(dev driver.Device) C.cl_device_id {
	return C.cl_device_id(d.get(uint64(dev)))
}
func (d *Driver) contextID(ctx driver.Context) C.cl_context {
	return C.cl_context(d.get(uint64(ctx)))
}
func (d *Driver) queueID(q driver.Queue) C.cl_command_queue {
	return C.cl_command_queue(d.get(uint64(q)))
}
func (d *Driver) programID(p driver.Program) C.cl_program {
	return C.cl_program(d.get(uint64(p)))
}

func toCode(status C.cl_int) driver.Code {
	switch status {
	case C.CL_SUCCESS:
		return driver.Success
	case C.CL_DEVICE_NOT_FOUND:
		return driver.DeviceNotFound
	case C.CL_INVALID_DEVICE:
		return driver.InvalidDevice
	case C.CL_INVALID_CONTEXT:
		return driver.InvalidContext
	case C.CL_OUT_OF_RESOURCES, C.CL_OUT_OF_HOST_MEMORY:
		return driver.OutOfResources
	case C.CL_BUILD_PROGRAM_FAILURE, C.CL_INVALID_BUILD_OPTIONS, C.CL_COMPILER_NOT_AVAILABLE:
		return driver.BuildProgramFailure
	case C.CL_INVALID_BINARY:
		return driver.InvalidBinary
	case C.CL_INVALID_KERNEL_NAME:
		return driver.InvalidKernelName
	case C.CL_INVALID_VALUE, C.CL_INVALID_PROPERTY, C.CL_INVALID_QUEUE_PROPERTIES, C.CL_INVALID_DEVICE_PARTITION_COUNT:
		return driver.InvalidValue
	}
	return driver.InvalidOperation
}

// check converts an OpenCL status to a driver error, nil on success.
func check(status C.cl_int, op string) error {
	if status == C.CL_SUCCESS {
		return nil
	}
	return driver.Errorf(toCode(status), op, "OpenCL status %d", int(status))
}

// Platforms implements driver.Driver.
func (d *Driver) Platforms() ([]driver.Platform, error) {
	var n C.cl_uint
	if err := check(C.clGetPlatformIDs(0, nil, &n), "Platforms"); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	ids := make([]C.cl_platform_id, n)
	if err := check(C.clGetPlatformIDs(n, &ids[0], nil), "Platforms"); err != nil {
		return nil, err
	}
	platforms := make([]driver.Platform, n)
	for ii, id := range ids {
		platforms[ii] = driver.Platform(d.put(unsafe.Pointer(id)))
	}
	return platforms, nil
}

func platformString(p C.cl_platform_id, param C.cl_platform_info) string {
	var size C.size_t
	if C.clGetPlatformInfo(p, param, 0, nil, &size) != C.CL_SUCCESS || size == 0 {
		return ""
	}
	buf := make([]byte, size)
	if C.clGetPlatformInfo(p, param, size, unsafe.Pointer(&buf[0]), nil) != C.CL_SUCCESS {
		return ""
	}
	return strings.TrimRight(string(buf), "\x00")
}

// PlatformInfo implements driver.Driver.
func (d *Driver) PlatformInfo(platform driver.Platform) (driver.PlatformInfo, error) {
	p := d.platformID(platform)
	if p == nil {
		return driver.PlatformInfo{}, driver.Errorf(driver.InvalidValue, "PlatformInfo", "unknown platform")
	}
	return driver.PlatformInfo{
		Name:       platformString(p, C.CL_PLATFORM_NAME),
		Vendor:     platformString(p, C.CL_PLATFORM_VENDOR),
		Version:    platformString(p, C.CL_PLATFORM_VERSION),
		Extensions: platformString(p, C.CL_PLATFORM_EXTENSIONS),
	}, nil
}

func toCLClass(class driver.DeviceClass) C.cl_device_type {
	if class == driver.ClassAll {
		return C.CL_DEVICE_TYPE_ALL
	}
	var t C.cl_device_type
	if class.Is(driver.ClassDefault) {
		t |= C.CL_DEVICE_TYPE_DEFAULT
	}
	if class.Is(driver.ClassCPU) {
		t |= C.CL_DEVICE_TYPE_CPU
	}
	if class.Is(driver.ClassGPU) {
		t |= C.CL_DEVICE_TYPE_GPU
	}
	if class.Is(driver.ClassAccelerator) {
		t |= C.CL_DEVICE_TYPE_ACCELERATOR | C.CL_DEVICE_TYPE_CUSTOM
	}
	return t
}

func fromCLClass(t C.cl_device_type) driver.DeviceClass {
	var class driver.DeviceClass
	if t&C.CL_DEVICE_TYPE_DEFAULT != 0 {
		class |= driver.ClassDefault
	}
	if t&C.CL_DEVICE_TYPE_CPU != 0 {
		class |= driver.ClassCPU
	}
	if t&C.CL_DEVICE_TYPE_GPU != 0 {
		class |= driver.ClassGPU
	}
	if t&(C.CL_DEVICE_TYPE_ACCELERATOR|C.CL_DEVICE_TYPE_CUSTOM) != 0 {
		class |= driver.ClassAccelerator
	}
	return class
}

// Devices implements driver.Driver.
func (d *Driver) Devices(platform driver.Platform, class driver.DeviceClass) ([]driver.Device, error) {
	p := d.platformID(platform)
	var n C.cl_uint
	if err := check(C.clGetDeviceIDs(p, toCLClass(class), 0, nil, &n), "Devices"); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, driver.Errorf(driver.DeviceNotFound, "Devices", "no devices")
	}
	ids := make([]C.cl_device_id, n)
	if err := check(C.clGetDeviceIDs(p, toCLClass(class), n, &ids[0], nil), "Devices"); err != nil {
		return nil, err
	}
	devices := make([]driver.Device, n)
	for ii, id := range ids {
		devices[ii] = driver.Device(d.put(unsafe.Pointer(id)))
	}
	return devices, nil
}

func deviceString(dev C.cl_device_id, param C.cl_device_info) string {
	var size C.size_t
	if C.clGetDeviceInfo(dev, param, 0, nil, &size) != C.CL_SUCCESS || size == 0 {
		return ""
	}
	buf := make([]byte, size)
	if C.clGetDeviceInfo(dev, param, size, unsafe.Pointer(&buf[0]), nil) != C.CL_SUCCESS {
		return ""
	}
	return strings.TrimRight(string(buf), "\x00")
}

// DeviceInfo implements driver.Driver.
func (d *Driver) DeviceInfo(device driver.Device) (driver.DeviceInfo, error) {
	dev := d.deviceID(device)
	if dev == nil {
		return driver.DeviceInfo{}, driver.Errorf(driver.InvalidDevice, "DeviceInfo", "unknown device")
	}
	info := driver.DeviceInfo{
		Name:       deviceString(dev, C.CL_DEVICE_NAME),
		Vendor:     deviceString(dev, C.CL_DEVICE_VENDOR),
		Version:    deviceString(dev, C.CL_DEVICE_VERSION),
		CVersion:   deviceString(dev, C.CL_DEVICE_OPENCL_C_VERSION),
		Extensions: deviceString(dev, C.CL_DEVICE_EXTENSIONS),
	}
	var deviceType C.cl_device_type
	if err := check(C.clGetDeviceInfo(dev, C.CL_DEVICE_TYPE, C.size_t(unsafe.Sizeof(deviceType)),
		unsafe.Pointer(&deviceType), nil), "DeviceInfo"); err != nil {
		return info, err
	}
	info.Class = fromCLClass(deviceType)
	var platform C.cl_platform_id
	if C.clGetDeviceInfo(dev, C.CL_DEVICE_PLATFORM, C.size_t(unsafe.Sizeof(platform)), unsafe.Pointer(&platform), nil) == C.CL_SUCCESS {
		info.Platform = driver.Platform(d.put(unsafe.Pointer(platform)))
	}
	var memSize C.cl_ulong
	if C.clGetDeviceInfo(dev, C.CL_DEVICE_GLOBAL_MEM_SIZE, C.size_t(unsafe.Sizeof(memSize)), unsafe.Pointer(&memSize), nil) == C.CL_SUCCESS {
		info.GlobalMemSize = uint64(memSize)
	}
	var unified C.cl_bool
	if C.clGetDeviceInfo(dev, C.CL_DEVICE_HOST_UNIFIED_MEMORY, C.size_t(unsafe.Sizeof(unified)), unsafe.Pointer(&unified), nil) == C.CL_SUCCESS {
		info.HostUnifiedMemory = unified != C.CL_FALSE
	}
	var units C.cl_uint
	if C.clGetDeviceInfo(dev, C.CL_DEVICE_MAX_COMPUTE_UNITS, C.size_t(unsafe.Sizeof(units)), unsafe.Pointer(&units), nil) == C.CL_SUCCESS {
		info.MaxComputeUnits = int(units)
	}
	return info, nil
}

// VendorDeviceID implements driver.Driver, using the Intel device id query.
func (d *Driver) VendorDeviceID(device driver.Device) (uint32, error) {
	var id C.cl_uint
	if err := check(C.clGetDeviceInfo(d.deviceID(device), C.CL_DEVICE_ID_INTEL, C.size_t(unsafe.Sizeof(id)),
		unsafe.Pointer(&id), nil), "VendorDeviceID"); err != nil {
		return 0, err
	}
	return uint32(id), nil
}

// FloatAtomicCaps implements driver.Driver (cl_ext_float_atomics).
func (d *Driver) FloatAtomicCaps(device driver.Device, bits int) (uint64, error) {
	param := C.cl_device_info(C.CL_DEVICE_SINGLE_FP_ATOMIC_CAPABILITIES_EXT)
	if bits == 64 {
		param = C.CL_DEVICE_DOUBLE_FP_ATOMIC_CAPABILITIES_EXT
	}
	var caps C.cl_bitfield
	if err := check(C.clGetDeviceInfo(d.deviceID(device), param, C.size_t(unsafe.Sizeof(caps)),
		unsafe.Pointer(&caps), nil), "FloatAtomicCaps"); err != nil {
		return 0, err
	}
	return uint64(caps), nil
}

// QueueFamilies implements driver.Driver (cl_intel_command_queue_families).
func (d *Driver) QueueFamilies(device driver.Device) ([]driver.QueueFamily, error) {
	dev := d.deviceID(device)
	var size C.size_t
	if err := check(C.clGetDeviceInfo(dev, C.CL_DEVICE_QUEUE_FAMILY_PROPERTIES_INTEL, 0, nil, &size), "QueueFamilies"); err != nil {
		return nil, err
	}
	n := int(size) / int(unsafe.Sizeof(C.cl_queue_family_properties_intel{}))
	if n == 0 {
		return nil, driver.Errorf(driver.Unsupported, "QueueFamilies", "no queue families")
	}
	props := make([]C.cl_queue_family_properties_intel, n)
	if err := check(C.clGetDeviceInfo(dev, C.CL_DEVICE_QUEUE_FAMILY_PROPERTIES_INTEL, size,
		unsafe.Pointer(&props[0]), nil), "QueueFamilies"); err != nil {
		return nil, err
	}
	families := make([]driver.QueueFamily, n)
	for ii, p := range props {
		families[ii] = driver.QueueFamily{
			Name:         C.GoString(&p.name[0]),
			Capabilities: uint64(p.capabilities),
			Count:        int(p.count),
		}
	}
	return families, nil
}

// CreateSubDevices implements driver.Driver.
func (d *Driver) CreateSubDevices(device driver.Device, partition driver.Partition) ([]driver.Device, error) {
	dev := d.deviceID(device)
	var n C.cl_uint
	var status C.cl_int
	switch partition.Kind {
	case driver.PartitionNUMA:
		status = C.partition_numa(dev, 0, nil, &n)
	case driver.PartitionEqually:
		status = C.partition_equally(dev, C.cl_uint(partition.Units), 0, nil, &n)
	}
	if err := check(status, "CreateSubDevices"); err != nil {
		return nil, err
	}
	if n <= 1 {
		return nil, driver.Errorf(driver.InvalidValue, "CreateSubDevices", "device can't be partitioned")
	}
	ids := make([]C.cl_device_id, n)
	if partition.Kind == driver.PartitionNUMA {
		status = C.partition_numa(dev, n, &ids[0], nil)
	} else {
		status = C.partition_equally(dev, C.cl_uint(partition.Units), n, &ids[0], nil)
	}
	if err := check(status, "CreateSubDevices"); err != nil {
		return nil, err
	}
	devices := make([]driver.Device, 0, n)
	for ii, id := range ids {
		if partition.Max > 0 && ii >= partition.Max {
			C.clReleaseDevice(id)
			continue
		}
		devices = append(devices, driver.Device(d.put(unsafe.Pointer(id))))
	}
	return devices, nil
}

// ReleaseDevice implements driver.Driver.
func (d *Driver) ReleaseDevice(device driver.Device) error {
	dev := d.deviceID(device)
	var parent C.cl_device_id
	if C.clGetDeviceInfo(dev, C.CL_DEVICE_PARENT_DEVICE, C.size_t(unsafe.Sizeof(parent)), unsafe.Pointer(&parent), nil) != C.CL_SUCCESS || parent == nil {
		return nil // Root devices are not reference counted.
	}
	err := check(C.clReleaseDevice(dev), "ReleaseDevice")
	d.drop(uint64(device))
	return err
}

//export goaccContextNotify
func goaccContextNotify(errInfo *C.char, handle C.uintptr_t) {
	notify, ok := cgo.Handle(handle).Value().(driver.NotifyFn)
	if !ok || notify == nil {
		return
	}
	notify(C.GoString(errInfo))
}

// CreateContext implements driver.Driver.
func (d *Driver) CreateContext(device driver.Device, props driver.ContextProperties, notify driver.NotifyFn) (driver.Context, error) {
	var handle cgo.Handle
	withNotify := C.int(0)
	if notify != nil {
		handle = cgo.NewHandle(notify)
		withNotify = 1
	}
	var status C.cl_int
	ctx := C.create_context(d.platformID(props.Platform), d.deviceID(device), withNotify, C.uintptr_t(handle), &status)
	if err := check(status, "CreateContext"); err != nil {
		if notify != nil {
			handle.Delete()
		}
		return 0, err
	}
	id := driver.Context(d.put(unsafe.Pointer(ctx)))
	if notify != nil {
		d.mu.Lock()
		d.notifiers[id] = handle
		d.mu.Unlock()
	}
	return id, nil
}

// RetainContext implements driver.Driver.
func (d *Driver) RetainContext(ctx driver.Context) error {
	return check(C.clRetainContext(d.contextID(ctx)), "RetainContext")
}

// ReleaseContext implements driver.Driver.
func (d *Driver) ReleaseContext(ctx driver.Context) error {
	clCtx := d.contextID(ctx)
	var refs C.cl_uint
	if C.clGetContextInfo(clCtx, C.CL_CONTEXT_REFERENCE_COUNT, C.size_t(unsafe.Sizeof(refs)), unsafe.Pointer(&refs), nil) != C.CL_SUCCESS {
		refs = 0
	}
	if err := check(C.clReleaseContext(clCtx), "ReleaseContext"); err != nil {
		return err
	}
	if refs == 1 {
		d.mu.Lock()
		if handle, found := d.notifiers[ctx]; found {
			handle.Delete()
			delete(d.notifiers, ctx)
		}
		d.mu.Unlock()
		d.drop(uint64(ctx))
	}
	return nil
}

// ContextDevice implements driver.Driver.
func (d *Driver) ContextDevice(ctx driver.Context) (driver.Device, error) {
	var dev C.cl_device_id
	if err := check(C.clGetContextInfo(d.contextID(ctx), C.CL_CONTEXT_DEVICES, C.size_t(unsafe.Sizeof(dev)),
		unsafe.Pointer(&dev), nil), "ContextDevice"); err != nil {
		return 0, err
	}
	return driver.Device(d.put(unsafe.Pointer(dev))), nil
}

// CreateQueue implements driver.Driver.
func (d *Driver) CreateQueue(ctx driver.Context, device driver.Device, props driver.QueueProperties) (driver.Queue, error) {
	var flags C.cl_bitfield
	if props.OutOfOrder {
		flags |= C.CL_QUEUE_OUT_OF_ORDER_EXEC_MODE_ENABLE
	}
	if props.Profiling {
		flags |= C.CL_QUEUE_PROFILING_ENABLE
	}
	familySet := C.int(0)
	if props.FamilySet {
		familySet = 1
	}
	var status C.cl_int
	q := C.create_queue(d.contextID(ctx), d.deviceID(device), flags, C.int(props.Priority),
		familySet, C.cl_uint(props.Family), C.cl_uint(props.Index), &status)
	if err := check(status, "CreateQueue"); err != nil {
		return 0, err
	}
	return driver.Queue(d.put(unsafe.Pointer(q))), nil
}

// ReleaseQueue implements driver.Driver.
func (d *Driver) ReleaseQueue(queue driver.Queue) error {
	err := check(C.clReleaseCommandQueue(d.queueID(queue)), "ReleaseQueue")
	d.drop(uint64(queue))
	return err
}

// Finish implements driver.Driver.
func (d *Driver) Finish(queue driver.Queue) error {
	return check(C.clFinish(d.queueID(queue)), "Finish")
}

// CreateProgramWithSource implements driver.Driver.
func (d *Driver) CreateProgramWithSource(ctx driver.Context, source string) (driver.Program, error) {
	cSource := C.CString(source)
	defer C.free(unsafe.Pointer(cSource))
	var status C.cl_int
	p := C.create_program_with_source(d.contextID(ctx), cSource, &status)
	if err := check(status, "CreateProgramWithSource"); err != nil {
		return 0, err
	}
	return driver.Program(d.put(unsafe.Pointer(p))), nil
}

// CreateProgramWithBinary implements driver.Driver.
func (d *Driver) CreateProgramWithBinary(ctx driver.Context, device driver.Device, binary []byte) (driver.Program, error) {
	if len(binary) == 0 {
		return 0, driver.Errorf(driver.InvalidBinary, "CreateProgramWithBinary", "empty binary")
	}
	cBin := C.CBytes(binary)
	defer C.free(cBin)
	var status C.cl_int
	p := C.create_program_with_binary(d.contextID(ctx), d.deviceID(device), (*C.uchar)(cBin), C.size_t(len(binary)), &status)
	if err := check(status, "CreateProgramWithBinary"); err != nil {
		return 0, err
	}
	return driver.Program(d.put(unsafe.Pointer(p))), nil
}

// CreateProgramWithIL implements driver.Driver.
func (d *Driver) CreateProgramWithIL(ctx driver.Context, il []byte) (driver.Program, error) {
	if len(il) == 0 {
		return 0, driver.Errorf(driver.InvalidBinary, "CreateProgramWithIL", "empty IL")
	}
	cIL := C.CBytes(il)
	defer C.free(cIL)
	var status C.cl_int
	p := C.clCreateProgramWithIL(d.contextID(ctx), cIL, C.size_t(len(il)), &status)
	if err := check(status, "CreateProgramWithIL"); err != nil {
		return 0, err
	}
	return driver.Program(d.put(unsafe.Pointer(p))), nil
}

// BuildProgram implements driver.Driver.
func (d *Driver) BuildProgram(program driver.Program, device driver.Device, options string) error {
	cOptions := C.CString(options)
	defer C.free(unsafe.Pointer(cOptions))
	dev := d.deviceID(device)
	status := C.clBuildProgram(d.programID(program), 1, &dev, cOptions, nil, nil)
	if err := check(status, "BuildProgram"); err != nil {
		klog.V(2).Infof("opencl: build failed with options %q", options)
		return err
	}
	return nil
}

// BuildLog implements driver.Driver.
func (d *Driver) BuildLog(program driver.Program, device driver.Device) (string, error) {
	p, dev := d.programID(program), d.deviceID(device)
	var size C.size_t
	if err := check(C.clGetProgramBuildInfo(p, dev, C.CL_PROGRAM_BUILD_LOG, 0, nil, &size), "BuildLog"); err != nil {
		return "", err
	}
	if size == 0 {
		return "", nil
	}
	buf := make([]byte, size)
	if err := check(C.clGetProgramBuildInfo(p, dev, C.CL_PROGRAM_BUILD_LOG, size, unsafe.Pointer(&buf[0]), nil), "BuildLog"); err != nil {
		return "", err
	}
	return strings.TrimRight(string(buf), "\x00"), nil
}

// ProgramBinary implements driver.Driver. Only single device programs are supported.
func (d *Driver) ProgramBinary(program driver.Program) ([]byte, error) {
	p := d.programID(program)
	var size C.size_t
	if err := check(C.clGetProgramInfo(p, C.CL_PROGRAM_BINARY_SIZES, C.size_t(unsafe.Sizeof(size)),
		unsafe.Pointer(&size), nil), "ProgramBinary"); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, driver.Errorf(driver.InvalidValue, "ProgramBinary", "program has no binary")
	}
	buf := C.malloc(size)
	defer C.free(buf)
	if err := check(C.program_binary(p, (*C.uchar)(buf)), "ProgramBinary"); err != nil {
		return nil, err
	}
	return C.GoBytes(buf, C.int(size)), nil
}

// ProgramKernelNames implements driver.Driver.
func (d *Driver) ProgramKernelNames(program driver.Program) ([]string, error) {
	p := d.programID(program)
	var size C.size_t
	if err := check(C.clGetProgramInfo(p, C.CL_PROGRAM_KERNEL_NAMES, 0, nil, &size), "ProgramKernelNames"); err != nil {
		return nil, err
	}
	if size <= 1 {
		return nil, nil
	}
	buf := make([]byte, size)
	if err := check(C.clGetProgramInfo(p, C.CL_PROGRAM_KERNEL_NAMES, size, unsafe.Pointer(&buf[0]), nil), "ProgramKernelNames"); err != nil {
		return nil, err
	}
	return strings.Split(strings.TrimRight(string(buf), "\x00"), ";"), nil
}

// ReleaseProgram implements driver.Driver.
func (d *Driver) ReleaseProgram(program driver.Program) error {
	err := check(C.clReleaseProgram(d.programID(program)), "ReleaseProgram")
	d.drop(uint64(program))
	return err
}

// CreateKernel implements driver.Driver.
func (d *Driver) CreateKernel(program driver.Program, name string) (driver.Kernel, error) {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))
	var status C.cl_int
	k := C.clCreateKernel(d.programID(program), cName, &status)
	if err := check(status, "CreateKernel"); err != nil {
		return 0, err
	}
	return driver.Kernel(d.put(unsafe.Pointer(k))), nil
}

// WorkGroupSize implements driver.Driver.
func (d *Driver) WorkGroupSize(kernel driver.Kernel, device driver.Device) (maxSize, preferredMultiple int, err error) {
	dev := d.deviceID(device)
	var maxValue, multiple C.size_t
	if kernel != 0 {
		k := C.cl_kernel(d.get(uint64(kernel)))
		if err := check(C.clGetKernelWorkGroupInfo(k, dev, C.CL_KERNEL_WORK_GROUP_SIZE,
			C.size_t(unsafe.Sizeof(maxValue)), unsafe.Pointer(&maxValue), nil), "WorkGroupSize"); err != nil {
			return 0, 0, err
		}
		if err := check(C.clGetKernelWorkGroupInfo(k, dev, C.CL_KERNEL_PREFERRED_WORK_GROUP_SIZE_MULTIPLE,
			C.size_t(unsafe.Sizeof(multiple)), unsafe.Pointer(&multiple), nil), "WorkGroupSize"); err != nil {
			return 0, 0, err
		}
		return int(maxValue), int(multiple), nil
	}
	if err := check(C.clGetDeviceInfo(dev, C.CL_DEVICE_MAX_WORK_GROUP_SIZE,
		C.size_t(unsafe.Sizeof(maxValue)), unsafe.Pointer(&maxValue), nil), "WorkGroupSize"); err != nil {
		return 0, 0, err
	}
	// Only OpenCL 3.0 devices answer the preferred multiple query.
	if C.clGetDeviceInfo(dev, C.CL_DEVICE_PREFERRED_WORK_GROUP_SIZE_MULTIPLE,
		C.size_t(unsafe.Sizeof(multiple)), unsafe.Pointer(&multiple), nil) != C.CL_SUCCESS {
		multiple = 1
	}
	return int(maxValue), int(multiple), nil
}

// ReleaseKernel implements driver.Driver.
func (d *Driver) ReleaseKernel(kernel driver.Kernel) error {
	err := check(C.clReleaseKernel(C.cl_kernel(d.get(uint64(kernel)))), "ReleaseKernel")
	d.drop(uint64(kernel))
	return err
}
