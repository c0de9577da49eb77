package accel

import (
	"sort"

	"github.com/gomlx/goacc/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// enumerateDevices lists the devices of all platforms matching the configured class, partitioning them in
// sub-devices if configured. At most DevicesMaxCount devices are returned.
func enumerateDevices(drv driver.Driver, cfg *Config) ([]driver.Device, error) {
	platforms, err := drv.Platforms()
	if err != nil {
		if driver.CodeOf(err) == driver.DeviceNotFound {
			return nil, nil
		}
		return nil, errors.WithMessagef(err, "failed to list platforms of driver %q", drv.Name())
	}
	var devices []driver.Device
	for _, platform := range platforms {
		if len(devices) >= DevicesMaxCount {
			break
		}
		platformDevices, err := drv.Devices(platform, cfg.DeviceType)
		if err != nil {
			if driver.CodeOf(err) != driver.DeviceNotFound {
				klog.Errorf("failed to list devices of platform %d: %v", platform, err)
			}
			continue
		}
		for _, device := range platformDevices {
			if len(devices) >= DevicesMaxCount {
				break
			}
			devices = appendPartitioned(drv, cfg, devices, device)
		}
	}
	return devices, nil
}

// appendPartitioned appends the sub-devices of device (per Config.DevSplit) to devices, or the device
// itself if it is not partitioned.
func appendPartitioned(drv driver.Driver, cfg *Config, devices []driver.Device, device driver.Device) []driver.Device {
	if cfg.DevSplit == 0 || len(devices)+1 >= DevicesMaxCount {
		return append(devices, device)
	}
	partition := driver.Partition{Kind: driver.PartitionNUMA, Max: DevicesMaxCount - len(devices)}
	if cfg.DevSplit > 1 {
		info, err := drv.DeviceInfo(device)
		if err != nil || info.MaxComputeUnits <= 1 {
			return append(devices, device)
		}
		partition.Kind = driver.PartitionEqually
		partition.Units = (info.MaxComputeUnits + cfg.DevSplit - 1) / cfg.DevSplit
	}
	subDevices, err := drv.CreateSubDevices(device, partition)
	if err != nil || len(subDevices) == 0 {
		klog.V(2).Infof("device %d not partitioned: %v", device, err)
		return append(devices, device)
	}
	if len(subDevices) == 1 {
		releaseDevice(drv, subDevices[0])
		return append(devices, device)
	}
	releaseDevice(drv, device)
	room := DevicesMaxCount - len(devices)
	for _, sub := range subDevices[min(room, len(subDevices)):] {
		releaseDevice(drv, sub)
	}
	return append(devices, subDevices[:min(room, len(subDevices))]...)
}

func releaseDevice(drv driver.Driver, device driver.Device) {
	if err := drv.ReleaseDevice(device); err != nil {
		klog.Errorf("failed to release device %d: %v", device, err)
	}
}

// filterVendor keeps, in order, the devices whose vendor contains vendor (case-insensitive) and releases
// the others. Devices whose info can't be queried are kept.
func filterVendor(drv driver.Driver, devices []driver.Device, vendor string) []driver.Device {
	if vendor == "" {
		return devices
	}
	kept := devices[:0]
	for _, device := range devices {
		info, err := drv.DeviceInfo(device)
		if err != nil {
			klog.Errorf("failed to query vendor of device %d: %v", device, err)
			kept = append(kept, device)
			continue
		}
		if containsFold(info.Vendor, vendor) {
			kept = append(kept, device)
		} else {
			releaseDevice(drv, device)
		}
	}
	return kept
}

// Ranks of the device classes: lower is preferred.
const (
	rankGPU = iota
	rankCPU
	rankOther
)

// sortKey holds the ranking attributes of a device. They are queried once, before sorting.
type sortKey struct {
	isDefault bool
	classRank int
	discrete  bool
	memory    uint64
	id        driver.Device
}

func newSortKey(drv driver.Driver, device driver.Device) sortKey {
	key := sortKey{classRank: rankOther, id: device}
	info, err := drv.DeviceInfo(device)
	if err != nil {
		klog.Errorf("failed to query device %d for ranking: %v", device, err)
		return key
	}
	key.isDefault = info.Class.Is(driver.ClassDefault)
	switch {
	case info.Class.Is(driver.ClassGPU):
		key.classRank = rankGPU
	case info.Class.Is(driver.ClassCPU):
		key.classRank = rankCPU
	}
	key.discrete = !info.HostUnifiedMemory
	key.memory = info.GlobalMemSize
	return key
}

// less is a strict weak ordering: default device first, then GPU, CPU and others; discrete GPUs before
// integrated ones; larger memory first and finally the device identity.
func (a sortKey) less(b sortKey) bool {
	if a.isDefault != b.isDefault {
		return a.isDefault
	}
	if a.classRank != b.classRank {
		return a.classRank < b.classRank
	}
	if a.classRank == rankGPU && a.discrete != b.discrete {
		return a.discrete
	}
	if a.memory != b.memory {
		return a.memory > b.memory
	}
	return a.id < b.id
}

// rankDevices sorts devices in place, most preferred first.
func rankDevices(drv driver.Driver, devices []driver.Device) {
	keys := make([]sortKey, len(devices))
	for ii, device := range devices {
		keys[ii] = newSortKey(drv, device)
	}
	sort.SliceStable(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
	for ii, key := range keys {
		devices[ii] = key.id
	}
}

// applyWhitelist keeps the devices at the given indices, in their original order, and releases the others.
// Invalid indices are ignored; if none is valid the devices are returned unchanged.
func applyWhitelist(drv driver.Driver, devices []driver.Device, ids []int) []driver.Device {
	if len(ids) == 0 {
		return devices
	}
	keep := make([]bool, len(devices))
	valid := 0
	for _, id := range ids {
		if id >= 0 && id < len(devices) && !keep[id] {
			keep[id] = true
			valid++
		}
	}
	if valid == 0 {
		klog.V(1).Infof("no valid index in device whitelist %v, ignoring it", ids)
		return devices
	}
	kept := devices[:0]
	for ii, device := range devices {
		if keep[ii] {
			kept = append(kept, device)
		} else {
			releaseDevice(drv, device)
		}
	}
	return kept
}

// selectDevices narrows the ranked devices according to the configuration:
//
//   - With an explicit Config.Device, only devices[Device % len(devices)] is kept.
//   - Otherwise a device flagged as default by the driver is picked alone.
//   - Otherwise, unless a class filter was given, only the leading run of devices with the same name as
//     the first one is kept.
//
// Devices not kept are released.
func selectDevices(drv driver.Driver, cfg *Config, devices []driver.Device) []driver.Device {
	if len(devices) <= 1 {
		return devices
	}
	keepOnly := func(from, to int) []driver.Device {
		for ii, device := range devices {
			if ii < from || ii >= to {
				releaseDevice(drv, device)
			}
		}
		return append([]driver.Device(nil), devices[from:to]...)
	}
	if cfg.Device >= 0 {
		idx := cfg.Device % len(devices)
		return keepOnly(idx, idx+1)
	}
	infos := make([]driver.DeviceInfo, 0, len(devices))
	for ii, device := range devices {
		info, err := drv.DeviceInfo(device)
		if err != nil {
			klog.Errorf("failed to query device %d: %v", device, err)
			break
		}
		if info.Class.Is(driver.ClassDefault) {
			return keepOnly(ii, ii+1)
		}
		infos = append(infos, info)
	}
	if cfg.DeviceTypeSet || len(infos) == 0 {
		return devices
	}
	n := 1
	for n < len(infos) && infos[n].Name == infos[0].Name {
		n++
	}
	if n == len(devices) {
		return devices
	}
	klog.V(1).Infof("keeping %d homogeneous devices named %q out of %d", n, infos[0].Name, len(devices))
	return keepOnly(0, n)
}
