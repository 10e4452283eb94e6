// Package config holds the environment variables and the configuration files used by gocudriver.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Environment variables read by gocudriver.
const (
	// BackendEnv selects the backend used by driver.Default, e.g. "cuda" or "emulator".
	BackendEnv = "GOCUDRIVER_BACKEND"

	// CUDALibraryEnv overrides the name or path of the CUDA driver library (default "libcuda.so.1").
	CUDALibraryEnv = "GOCUDRIVER_CUDA_LIBRARY"

	// EmulatorConfigEnv points to a yaml file with the emulator device profiles.
	EmulatorConfigEnv = "GOCUDRIVER_EMULATOR_CONFIG"

	// CUDAChecksEnv disables the CUDA installation checks when set to "0", "no" or "false".
	CUDAChecksEnv = "GOCUDRIVER_CUDA_CHECKS"
)

// Backend returns the backend name set in BackendEnv, or "" if not set.
func Backend() string {
	return strings.TrimSpace(os.Getenv(BackendEnv))
}

// CUDALibrary returns the CUDA driver library to load.
func CUDALibrary() string {
	if lib := os.Getenv(CUDALibraryEnv); lib != "" {
		return lib
	}
	return "libcuda.so.1"
}

// CUDAChecks returns whether the CUDA installation checks are enabled. They are enabled by default.
func CUDAChecks() bool {
	v := os.Getenv(CUDAChecksEnv)
	if v == "" {
		return true
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// DeviceProfile describes one emulated device.
type DeviceProfile struct {
	Name string `yaml:"name"`

	// ComputeCapability as "major.minor", e.g. "7.5".
	ComputeCapability string `yaml:"computeCapability"`

	MaxThreadsPerBlock      int    `yaml:"maxThreadsPerBlock"`
	MaxBlockDim             [3]int `yaml:"maxBlockDim"`
	MaxGridDim              [3]int `yaml:"maxGridDim"`
	MaxSharedMemoryPerBlock int    `yaml:"maxSharedMemoryPerBlock"`
	WarpSize                int    `yaml:"warpSize"`
	Multiprocessors         int    `yaml:"multiprocessors"`

	// TotalMemory in bytes. Allocations beyond it fail with out of memory.
	TotalMemory uint64 `yaml:"totalMemory"`
}

// Emulator is the configuration of the emulator backend.
type Emulator struct {
	// DriverVersion reported by the emulator, encoded like CUDA's (1000*major + 10*minor).
	DriverVersion int             `yaml:"driverVersion"`
	Devices       []DeviceProfile `yaml:"devices"`
}

// DefaultDeviceProfile returns the profile of the default emulated device: a Turing-like GPU.
func DefaultDeviceProfile() DeviceProfile {
	return DeviceProfile{
		Name:                    "gocudriver emulated device",
		ComputeCapability:       "7.5",
		MaxThreadsPerBlock:      1024,
		MaxBlockDim:             [3]int{1024, 1024, 64},
		MaxGridDim:              [3]int{2147483647, 65535, 65535},
		MaxSharedMemoryPerBlock: 48 * 1024,
		WarpSize:                32,
		Multiprocessors:         8,
		TotalMemory:             1 << 30,
	}
}

// DefaultEmulator returns the emulator configuration used when no file is given: one default device.
func DefaultEmulator() *Emulator {
	return &Emulator{
		DriverVersion: 12040,
		Devices:       []DeviceProfile{DefaultDeviceProfile()},
	}
}

// LoadEmulator reads the emulator configuration from a yaml file.
// Fields not set in a device profile take the values of DefaultDeviceProfile.
func LoadEmulator(path string) (*Emulator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read emulator configuration")
	}
	return ParseEmulator(data)
}

// ParseEmulator parses the yaml contents of an emulator configuration.
func ParseEmulator(data []byte) (*Emulator, error) {
	var cfg Emulator
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse emulator configuration")
	}
	if cfg.DriverVersion == 0 {
		cfg.DriverVersion = DefaultEmulator().DriverVersion
	}
	defaults := DefaultDeviceProfile()
	for ii := range cfg.Devices {
		cfg.Devices[ii].fillDefaults(defaults, ii)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// EmulatorFromEnv returns the configuration pointed by EmulatorConfigEnv, or DefaultEmulator if not set.
func EmulatorFromEnv() (*Emulator, error) {
	path := os.Getenv(EmulatorConfigEnv)
	if path == "" {
		return DefaultEmulator(), nil
	}
	cfg, err := LoadEmulator(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "while loading %s=%q", EmulatorConfigEnv, path)
	}
	return cfg, nil
}

func (p *DeviceProfile) fillDefaults(defaults DeviceProfile, ordinal int) {
	if p.Name == "" {
		p.Name = fmt.Sprintf("%s #%d", defaults.Name, ordinal)
	}
	if p.ComputeCapability == "" {
		p.ComputeCapability = defaults.ComputeCapability
	}
	if p.MaxThreadsPerBlock == 0 {
		p.MaxThreadsPerBlock = defaults.MaxThreadsPerBlock
	}
	for axis := range 3 {
		if p.MaxBlockDim[axis] == 0 {
			p.MaxBlockDim[axis] = defaults.MaxBlockDim[axis]
		}
		if p.MaxGridDim[axis] == 0 {
			p.MaxGridDim[axis] = defaults.MaxGridDim[axis]
		}
	}
	if p.MaxSharedMemoryPerBlock == 0 {
		p.MaxSharedMemoryPerBlock = defaults.MaxSharedMemoryPerBlock
	}
	if p.WarpSize == 0 {
		p.WarpSize = defaults.WarpSize
	}
	if p.Multiprocessors == 0 {
		p.Multiprocessors = defaults.Multiprocessors
	}
	if p.TotalMemory == 0 {
		p.TotalMemory = defaults.TotalMemory
	}
}

// Validate checks the configuration for inconsistent values.
func (cfg *Emulator) Validate() error {
	if len(cfg.Devices) == 0 {
		return errors.New("emulator configuration has no devices")
	}
	for ii, p := range cfg.Devices {
		if _, _, err := p.Capability(); err != nil {
			return errors.WithMessagef(err, "device #%d (%q)", ii, p.Name)
		}
		if p.MaxThreadsPerBlock <= 0 || p.WarpSize <= 0 || p.Multiprocessors <= 0 {
			return errors.Errorf("device #%d (%q): maxThreadsPerBlock, warpSize and multiprocessors must be positive", ii, p.Name)
		}
		for axis := range 3 {
			if p.MaxBlockDim[axis] <= 0 || p.MaxGridDim[axis] <= 0 {
				return errors.Errorf("device #%d (%q): maxBlockDim and maxGridDim must be positive, got %v and %v",
					ii, p.Name, p.MaxBlockDim, p.MaxGridDim)
			}
		}
	}
	return nil
}

// Capability parses the compute capability of the profile.
func (p *DeviceProfile) Capability() (major, minor int, err error) {
	majorStr, minorStr, found := strings.Cut(p.ComputeCapability, ".")
	if !found {
		return 0, 0, errors.Errorf("invalid compute capability %q, it must be formatted as \"<major>.<minor>\"", p.ComputeCapability)
	}
	major, err = strconv.Atoi(majorStr)
	if err == nil {
		minor, err = strconv.Atoi(minorStr)
	}
	if err != nil || major <= 0 || minor < 0 || minor > 9 {
		return 0, 0, errors.Errorf("invalid compute capability %q", p.ComputeCapability)
	}
	return major, minor, nil
}
