package accel

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/gomlx/goacc/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// InvalidUID is the uid of a device whose id could not be determined.
const InvalidUID = 0xFFFFFFFF

// DeviceDescriptor holds the facts about the device bound to a worker. It is computed when the device is
// activated (see Runtime.SetActiveDevice) and cached per worker.
type DeviceDescriptor struct {
	// Major and Minor are the capability level, parsed from the device version ("OpenCL 3.0 ...").
	Major, Minor int

	Class driver.DeviceClass

	// Unified is true if the device shares memory with the host (integrated GPUs, CPUs).
	Unified bool

	// UID is a stable numeric id of the device: a vendor query where available, otherwise derived from the name.
	UID uint32

	Intel, NVIDIA bool

	// AMDGeneration is 0 for non-AMD devices, 1 for AMD devices and 2 for AMD GPUs of generation gfx90 or later.
	AMDGeneration int

	// SVMInterop is the shared-virtual-memory interop level (0 if disabled).
	SVMInterop int

	// Name of the device, without any ":..." suffix.
	Name string

	// Extensions supported by the device, space separated.
	Extensions string
}

// AMD returns whether the device is an AMD device.
func (d DeviceDescriptor) AMD() bool { return d.AMDGeneration > 0 }

// String implements fmt.Stringer.
func (d DeviceDescriptor) String() string {
	var vendor string
	switch {
	case d.Intel:
		vendor = " intel"
	case d.NVIDIA:
		vendor = " nvidia"
	case d.AMD():
		vendor = fmt.Sprintf(" amd(%d)", d.AMDGeneration)
	}
	unified := ""
	if d.Unified {
		unified = " unified"
	}
	return fmt.Sprintf("%q [0x%04x] level=%d.%d class=%s%s%s", d.Name, d.UID, d.Major, d.Minor, d.Class, vendor, unified)
}

// describeDevice queries the driver for the facts of a device. Only failing to query the device info is an
// error: any other failing query is logged and replaced by a default.
func describeDevice(drv driver.Driver, device driver.Device, cfg *Config) (DeviceDescriptor, error) {
	info, err := drv.DeviceInfo(device)
	if err != nil {
		return DeviceDescriptor{}, errors.WithMessagef(err, "failed to query device info")
	}
	var desc DeviceDescriptor
	var ok bool
	desc.Major, desc.Minor, ok = parseLevel(info.Version)
	if !ok {
		klog.Errorf("failed to parse version %q of device %q, assuming level 0.0", info.Version, info.Name)
	}
	desc.Class = info.Class
	desc.Unified = info.HostUnifiedMemory
	desc.Extensions = info.Extensions
	if desc.Major >= 2 {
		desc.SVMInterop = cfg.SVM
	}
	desc.Name = cleanDeviceName(info.Name)
	desc.Intel = containsFold(info.Vendor, "intel")
	desc.NVIDIA = containsFold(info.Vendor, "nvidia")
	isAMD := containsFold(info.Vendor, "amd")
	if !isAMD {
		if pInfo, err := drv.PlatformInfo(info.Platform); err == nil {
			isAMD = containsFold(pInfo.Name, "amd")
		} else {
			klog.Errorf("failed to query platform of device %q: %v", info.Name, err)
		}
	}
	if isAMD {
		desc.AMDGeneration = 1
		if gfxGeneration(desc.Name) >= 90 {
			desc.AMDGeneration = 2
		}
	}

	desc.UID = InvalidUID
	var vendorErr error
	if desc.Intel {
		var uid uint32
		uid, vendorErr = drv.VendorDeviceID(device)
		if vendorErr == nil {
			desc.UID = uid
		}
	}
	if !desc.Intel || vendorErr != nil {
		if uid, ok := deviceUIDOk(desc.Name); ok {
			desc.UID = uid
		}
	}
	return desc, nil
}

// parseLevel parses "OpenCL <major>.<minor> ..." version strings.
func parseLevel(version string) (major, minor int, ok bool) {
	if _, err := fmt.Sscanf(version, "OpenCL %d.%d", &major, &minor); err != nil {
		return 0, 0, false
	}
	return major, minor, true
}

// clStd returns the language standard build option for the device, or "" if it can't be determined.
func clStd(info driver.DeviceInfo) string {
	major, minor, ok := parseLevel(info.Version)
	switch {
	case !ok || major < 1:
		return ""
	case major >= 2:
		return fmt.Sprintf("-cl-std=CL%d.0", major)
	case minor >= 1:
		return fmt.Sprintf("-cl-std=CL%d.%d", major, minor)
	}
	var cMajor, cMinor int
	if _, err := fmt.Sscanf(info.CVersion, "OpenCL C %d.%d", &cMajor, &cMinor); err != nil {
		return ""
	}
	return fmt.Sprintf("-cl-std=CL%d.%d", cMajor, cMinor)
}

// cleanDeviceName drops anything after a ':' in a device name.
func cleanDeviceName(name string) string {
	name, _, _ = strings.Cut(name, ":")
	return name
}

// deviceUID derives a numeric id from a device name (or a user given id): the leading number of the name if any,
// else the number within the last pair of brackets, else a 16-bit hash of the name.
// It returns InvalidUID for an empty name.
func deviceUID(name string) uint32 {
	uid, ok := deviceUIDOk(name)
	if !ok {
		return InvalidUID
	}
	return uid
}

func deviceUIDOk(name string) (uint32, bool) {
	if name == "" {
		return 0, false
	}
	uid := parseLeadingUint(name)
	if uid == 0 {
		begin, end := strings.LastIndexByte(name, '['), strings.LastIndexByte(name, ']')
		if begin >= 0 && begin < end {
			uid = parseLeadingUint(name[begin+1:])
		}
	}
	if uid == 0 {
		uid = uint32(xxhash.Sum64String(name) & 0xFFFF)
	}
	return uid, true
}

// parseLeadingUint parses the unsigned number at the start of s, in C notation (0x prefix for hexadecimal,
// 0 prefix for octal). It returns 0 if s doesn't start with a number.
func parseLeadingUint(s string) uint32 {
	s = strings.TrimLeft(s, " \t\n")
	s = strings.TrimPrefix(s, "+")
	base, digits := 10, "0123456789"
	switch {
	case len(s) > 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X'):
		base, digits, s = 16, "0123456789abcdefABCDEF", s[2:]
	case len(s) > 1 && s[0] == '0':
		base, digits = 8, "01234567"
	}
	end := 0
	for end < len(s) && strings.IndexByte(digits, s[end]) >= 0 {
		end++
	}
	if end == 0 {
		return 0
	}
	v, err := strconv.ParseUint(s[:end], base, 64)
	if err != nil {
		return 0
	}
	return uint32(v)
}

// gfxGeneration returns the number following "gfx" in the name (case-insensitive), or 0.
func gfxGeneration(name string) int {
	idx := strings.Index(strings.ToLower(name), "gfx")
	if idx < 0 {
		return 0
	}
	rest := name[idx+3:]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	generation, _ := strconv.Atoi(rest[:end])
	return generation
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
