// Package driver defines the vendor API the accelerator runtime is built on.
//
// A Driver exposes platforms and devices, and creates the execution objects (contexts, command queues,
// programs and kernels) the runtime hands out. All objects are opaque handles: a zero handle means "none".
//
// Drivers register themselves by name (see Register) -- the "sim" driver is always available, and
// the "opencl" driver is linked when building with the `opencl` tag.
package driver

import (
	"fmt"
	"strings"
)

// Platform is an opaque reference to a driver platform (an ICD, a vendor runtime).
type Platform uint64

// Device is an opaque reference to a physical device or to a sub-device created by partitioning.
// Devices are compared by identity: two Device values refer to the same device iff they are equal.
type Device uint64

// Context is an opaque reference to an execution context bound to one device.
type Context uint64

// Queue is an opaque reference to a command queue.
type Queue uint64

// Program is an opaque reference to a program built from source, binary or IL.
type Program uint64

// Kernel is an opaque reference to a kernel extracted from a built program.
type Kernel uint64

// DeviceClass is a bitmask of device types, as reported by DeviceInfo or used as a filter in Devices.
type DeviceClass uint32

const (
	// ClassDefault flags the device the platform considers its default.
	ClassDefault DeviceClass = 1 << 0
	ClassCPU     DeviceClass = 1 << 1
	ClassGPU     DeviceClass = 1 << 2

	// ClassAccelerator is used for dedicated accelerators and any "other" kind of device.
	ClassAccelerator DeviceClass = 1 << 3

	// ClassAll is only meaningful as a filter.
	ClassAll DeviceClass = 0xFFFFFFFF
)

// Is returns whether all bits of other are set in c.
func (c DeviceClass) Is(other DeviceClass) bool {
	return c&other == other
}

// String implements fmt.Stringer.
func (c DeviceClass) String() string {
	if c == ClassAll {
		return "all"
	}
	var parts []string
	if c.Is(ClassDefault) {
		parts = append(parts, "default")
	}
	if c.Is(ClassGPU) {
		parts = append(parts, "gpu")
	}
	if c.Is(ClassCPU) {
		parts = append(parts, "cpu")
	}
	if c.Is(ClassAccelerator) {
		parts = append(parts, "accelerator")
	}
	if len(parts) == 0 {
		return fmt.Sprintf("class(0x%x)", uint32(c))
	}
	return strings.Join(parts, "|")
}

// ParseDeviceClass converts a user given filter ("gpu", "cpu", "acc" or "other") to a DeviceClass.
// Matching is case-insensitive and by substring, anything else selects ClassAll.
func ParseDeviceClass(s string) DeviceClass {
	s = strings.ToLower(s)
	switch {
	case strings.Contains(s, "gpu"):
		return ClassGPU
	case strings.Contains(s, "cpu"):
		return ClassCPU
	case strings.Contains(s, "acc"), strings.Contains(s, "other"):
		return ClassAccelerator
	}
	return ClassAll
}

// PlatformInfo holds the facts queried from a platform.
type PlatformInfo struct {
	Name, Vendor, Version string

	// Extensions is the space separated list of platform extensions.
	Extensions string
}

// DeviceInfo holds the facts queried from a device.
type DeviceInfo struct {
	Name, Vendor string

	// Version is the device version string, e.g. "OpenCL 3.0 NEO".
	Version string

	// CVersion is the language version string, e.g. "OpenCL C 1.2".
	CVersion string

	// Extensions is the space separated list of device extensions.
	Extensions string

	Class    DeviceClass
	Platform Platform

	GlobalMemSize     uint64
	HostUnifiedMemory bool
	MaxComputeUnits   int
}

// HasExtension returns whether the device lists the given extension.
func (info DeviceInfo) HasExtension(ext string) bool {
	for _, e := range strings.Fields(info.Extensions) {
		if e == ext {
			return true
		}
	}
	return false
}

// PartitionKind selects how CreateSubDevices splits a device.
type PartitionKind int

const (
	// PartitionNUMA splits by NUMA affinity domain.
	PartitionNUMA PartitionKind = iota

	// PartitionEqually splits into sub-devices of Partition.Units compute units each.
	PartitionEqually
)

// Partition describes a CreateSubDevices request.
type Partition struct {
	Kind PartitionKind

	// Units per sub-device, for PartitionEqually.
	Units int

	// Max number of sub-devices to create, 0 for no limit.
	Max int
}

// ContextProperties used in CreateContext. A zero value asks for the driver's minimal defaults.
type ContextProperties struct {
	// Platform, if set, is passed explicitly to the driver.
	Platform Platform
}

// Queue priorities, following the priority-hints extension: a smaller value is a higher priority.
const (
	PriorityHigh = 1 << 0
	PriorityMed  = 1 << 1
	PriorityLow  = 1 << 2
)

// InPriorityBand returns whether priority is one of the values accepted in QueueProperties.Priority.
func InPriorityBand(priority int) bool {
	return PriorityHigh <= priority && priority <= PriorityLow
}

// QueueProperties used in CreateQueue.
type QueueProperties struct {
	OutOfOrder bool
	Profiling  bool

	// Priority is 0 (not set) or a value in the priority band.
	Priority int

	// Family and Index select a vendor queue family, only if FamilySet.
	Family, Index int
	FamilySet     bool
}

// QueueFamily describes one of the vendor queue families of a device.
type QueueFamily struct {
	Name         string
	Capabilities uint64
	Count        int
}

// NotifyFn receives asynchronous error reports from a context.
type NotifyFn func(errInfo string)

// Driver is the interface implemented by the device API backends.
//
// Implementations must be safe for concurrent use.
type Driver interface {
	// Name of the driver, as registered.
	Name() string

	Platforms() ([]Platform, error)
	PlatformInfo(platform Platform) (PlatformInfo, error)

	// Devices lists the devices of the platform matching the class filter. ClassAll matches every device.
	Devices(platform Platform, class DeviceClass) ([]Device, error)
	DeviceInfo(device Device) (DeviceInfo, error)

	// VendorDeviceID returns the vendor-specific numeric device id, if the driver supports the query.
	VendorDeviceID(device Device) (uint32, error)

	// FloatAtomicCaps returns the floating-point atomics capabilities bitmask for the given
	// precision (32 or 64 bits). Bit 1 signals support for atomic add.
	FloatAtomicCaps(device Device, bits int) (uint64, error)

	// QueueFamilies returns the vendor queue families of the device, if supported.
	QueueFamilies(device Device) ([]QueueFamily, error)

	// CreateSubDevices partitions a device. It fails if the device can't be split into more than one sub-device.
	CreateSubDevices(device Device, partition Partition) ([]Device, error)
	ReleaseDevice(device Device) error

	CreateContext(device Device, props ContextProperties, notify NotifyFn) (Context, error)
	RetainContext(ctx Context) error
	ReleaseContext(ctx Context) error
	ContextDevice(ctx Context) (Device, error)

	CreateQueue(ctx Context, device Device, props QueueProperties) (Queue, error)
	ReleaseQueue(queue Queue) error

	// Finish blocks until all commands previously enqueued to the queue have completed.
	Finish(queue Queue) error

	CreateProgramWithSource(ctx Context, source string) (Program, error)
	CreateProgramWithBinary(ctx Context, device Device, binary []byte) (Program, error)
	CreateProgramWithIL(ctx Context, il []byte) (Program, error)
	BuildProgram(program Program, device Device, options string) error
	BuildLog(program Program, device Device) (string, error)
	ProgramBinary(program Program) ([]byte, error)
	ProgramKernelNames(program Program) ([]string, error)
	ReleaseProgram(program Program) error

	CreateKernel(program Program, name string) (Kernel, error)
	ReleaseKernel(kernel Kernel) error

	// WorkGroupSize returns the maximum work-group size of the kernel on the device, and the preferred
	// multiple of it. With kernel 0 it returns the limits of the device.
	WorkGroupSize(kernel Kernel, device Device) (maxSize, preferredMultiple int, err error)
}
