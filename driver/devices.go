package driver

import (
	"fmt"

	"github.com/pkg/errors"
)

// Device is a compute device, identified by its ordinal. It is a handle, not a resource: it holds no
// native state and needs no release.
type Device struct {
	driver  *Driver
	ordinal int
}

// Properties of a device, queried once per device and cached by the Driver.
type Properties struct {
	Name                          string
	ComputeMajor, ComputeMinor    int
	MaxThreadsPerBlock            int
	MaxBlockDim, MaxGridDim       [3]int
	MaxSharedMemoryPerBlock       int
	WarpSize, MultiprocessorCount int
	TotalMemory                   uint64
}

// String implements fmt.Stringer.
func (p *Properties) String() string {
	return fmt.Sprintf("%s (sm_%d%d, %d SMs, %d MiB, max %d threads/block, block %v, grid %v)",
		p.Name, p.ComputeMajor, p.ComputeMinor, p.MultiprocessorCount, p.TotalMemory>>20,
		p.MaxThreadsPerBlock, p.MaxBlockDim, p.MaxGridDim)
}

// ComputeCapability returns the compute capability encoded as 10*major + minor, e.g. 75 for sm_75.
func (p *Properties) ComputeCapability() int {
	return 10*p.ComputeMajor + p.ComputeMinor
}

// DeviceCount returns the number of devices visible to the backend.
func (drv *Driver) DeviceCount() (int, error) {
	count, status := drv.backend.DeviceCount()
	if err := toError("DeviceCount", status); err != nil {
		return 0, err
	}
	return count, nil
}

// Device returns the device with the given ordinal.
// It fails with ErrInvalidDevice if index is not in [0, DeviceCount).
func (drv *Driver) Device(index int) (Device, error) {
	count, err := drv.DeviceCount()
	if err != nil {
		return Device{}, err
	}
	if index < 0 || index >= count {
		return Device{}, newError("Device", StatusInvalidDevice, "device %d requested, but only %d devices available", index, count)
	}
	return Device{driver: drv, ordinal: index}, nil
}

// Devices returns all the devices visible to the backend.
func (drv *Driver) Devices() ([]Device, error) {
	count, err := drv.DeviceCount()
	if err != nil {
		return nil, err
	}
	devices := make([]Device, count)
	for ii := range devices {
		devices[ii] = Device{driver: drv, ordinal: ii}
	}
	return devices, nil
}

// Driver that owns the device.
func (dev Device) Driver() *Driver { return dev.driver }

// Ordinal of the device.
func (dev Device) Ordinal() int { return dev.ordinal }

// String implements fmt.Stringer.
func (dev Device) String() string {
	return fmt.Sprintf("device #%d", dev.ordinal)
}

// Attribute queries one device attribute. It fails with ErrDriver if the native query fails.
func (dev Device) Attribute(attr Attribute) (int, error) {
	value, status := dev.driver.backend.DeviceAttribute(attr, dev.ordinal)
	if err := toError("DeviceAttribute", status); err != nil {
		return 0, errors.WithMessagef(err, "querying %s of %s", attr, dev)
	}
	return value, nil
}

// Name of the device.
func (dev Device) Name() (string, error) {
	name, status := dev.driver.backend.DeviceName(dev.ordinal)
	if err := toError("DeviceName", status); err != nil {
		return "", errors.WithMessagef(err, "querying name of %s", dev)
	}
	return name, nil
}

// TotalMemory returns the device memory in bytes.
func (dev Device) TotalMemory() (uint64, error) {
	total, status := dev.driver.backend.DeviceTotalMem(dev.ordinal)
	if err := toError("DeviceTotalMem", status); err != nil {
		return 0, errors.WithMessagef(err, "querying total memory of %s", dev)
	}
	return total, nil
}

// MaxThreadsPerBlock returns the maximum number of threads in one block.
func (dev Device) MaxThreadsPerBlock() (int, error) {
	return dev.Attribute(AttributeMaxThreadsPerBlock)
}

// ComputeCapability returns the major and minor compute capability of the device.
func (dev Device) ComputeCapability() (major, minor int, err error) {
	props, err := dev.Properties()
	if err != nil {
		return 0, 0, err
	}
	return props.ComputeMajor, props.ComputeMinor, nil
}

// Properties returns all the properties of the device. They are queried on first use and cached.
func (dev Device) Properties() (*Properties, error) {
	drv := dev.driver
	drv.muProps.Lock()
	defer drv.muProps.Unlock()
	if props, found := drv.properties[dev.ordinal]; found {
		return props, nil
	}

	props := &Properties{}
	var err error
	props.Name, err = dev.Name()
	if err != nil {
		return nil, err
	}
	props.TotalMemory, err = dev.TotalMemory()
	if err != nil {
		return nil, err
	}
	queries := []struct {
		attr  Attribute
		value *int
	}{
		{AttributeComputeCapabilityMajor, &props.ComputeMajor},
		{AttributeComputeCapabilityMinor, &props.ComputeMinor},
		{AttributeMaxThreadsPerBlock, &props.MaxThreadsPerBlock},
		{AttributeMaxBlockDimX, &props.MaxBlockDim[0]},
		{AttributeMaxBlockDimY, &props.MaxBlockDim[1]},
		{AttributeMaxBlockDimZ, &props.MaxBlockDim[2]},
		{AttributeMaxGridDimX, &props.MaxGridDim[0]},
		{AttributeMaxGridDimY, &props.MaxGridDim[1]},
		{AttributeMaxGridDimZ, &props.MaxGridDim[2]},
		{AttributeMaxSharedMemoryPerBlock, &props.MaxSharedMemoryPerBlock},
		{AttributeWarpSize, &props.WarpSize},
		{AttributeMultiprocessorCount, &props.MultiprocessorCount},
	}
	for _, q := range queries {
		*q.value, err = dev.Attribute(q.attr)
		if err != nil {
			return nil, err
		}
	}
	drv.properties[dev.ordinal] = props
	return props, nil
}
