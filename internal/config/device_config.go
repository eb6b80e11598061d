// Package config - device_config.go implements the GPU device table.
//
// GPU detection matches PCI devices against a table of accelerator vendors
// and PCI classes. The table ships embedded in the binary and can be replaced
// with a YAML file (XWTUNE_DEVICE_CONFIG), allowing new vendors to be added
// without code changes.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tsingmao/xwtune/internal/logger"
)

//go:embed devices.yaml
var defaultDevicesYAML []byte

// GPUVendorConfig describes one accelerator vendor.
type GPUVendorConfig struct {
	// VendorName is the company name (e.g., "NVIDIA").
	VendorName string `yaml:"vendor_name"`

	// VendorID is the PCI vendor identifier (e.g., "0x10de").
	VendorID string `yaml:"vendor_id"`

	// VisibleDevicesEnv is the variable that restricts device visibility
	// inside a worker (e.g., "CUDA_VISIBLE_DEVICES").
	VisibleDevicesEnv string `yaml:"visible_devices_env,omitempty"`

	// DockerDriver is the device-request driver passed to Docker.
	DockerDriver string `yaml:"docker_driver,omitempty"`

	// WorkerImages maps a CPU architecture (GOARCH) to the default trainer
	// worker image for this vendor.
	WorkerImages map[string]string `yaml:"worker_images,omitempty"`

	// Sandbox holds extra container settings. Nil means a plain Docker
	// device request with DockerDriver.
	Sandbox *SandboxConfig `yaml:"sandbox,omitempty"`
}

// WorkerImage returns the default worker image for an architecture, or ""
// when the vendor has none.
func (v *GPUVendorConfig) WorkerImage(arch string) string {
	return v.WorkerImages[arch]
}

// DevicesConfig is the root of the device table.
type DevicesConfig struct {
	// Version specifies the table schema version.
	Version string `yaml:"version"`

	// Vendors lists the recognized GPU vendors.
	Vendors []GPUVendorConfig `yaml:"vendors"`

	// PCIClasses lists device classes that count as accelerators
	// (VGA controller, 3D controller, processing accelerator).
	PCIClasses []string `yaml:"pci_classes"`
}

var (
	deviceConfigMu    sync.Mutex
	deviceConfigCache = map[string]*DevicesConfig{}
)

// LoadDevicesConfig loads the device table.
//
// Configuration File Location Priority:
//  1. Provided configPath parameter
//  2. Embedded default table
//
// The result is cached per path for the lifetime of the process.
//
// Parameters:
//   - configPath: Optional path to a YAML table (empty string for the default)
//
// Returns:
//   - Pointer to the loaded DevicesConfig
//   - Error if the file cannot be read, parsed, or validated
func LoadDevicesConfig(configPath string) (*DevicesConfig, error) {
	deviceConfigMu.Lock()
	defer deviceConfigMu.Unlock()

	if cfg, ok := deviceConfigCache[configPath]; ok {
		return cfg, nil
	}

	data := defaultDevicesYAML
	if configPath != "" {
		var err error
		data, err = os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read device config file %s: %w", configPath, err)
		}
		logger.Debug("Using device config from %s", configPath)
	}

	cfg, err := ParseDevicesConfig(data)
	if err != nil {
		return nil, err
	}

	deviceConfigCache[configPath] = cfg
	logger.Debug("Loaded device configuration: %d vendor(s), %d PCI class(es)",
		len(cfg.Vendors), len(cfg.PCIClasses))
	return cfg, nil
}

// ParseDevicesConfig parses and validates device table YAML.
func ParseDevicesConfig(data []byte) (*DevicesConfig, error) {
	var cfg DevicesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse device config YAML: %w", err)
	}
	if err := validateDevicesConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid device configuration: %w", err)
	}
	return &cfg, nil
}

// validateDevicesConfig performs validation on the loaded table.
//
// Validation checks:
//   - Version field is present
//   - At least one vendor and one PCI class are defined
//   - Vendors have names and unique IDs
//   - Sandbox mappings use absolute paths
func validateDevicesConfig(cfg *DevicesConfig) error {
	if cfg.Version == "" {
		return fmt.Errorf("configuration version is required")
	}
	if len(cfg.Vendors) == 0 {
		return fmt.Errorf("at least one vendor must be defined")
	}
	if len(cfg.PCIClasses) == 0 {
		return fmt.Errorf("at least one PCI class must be defined")
	}

	seen := make(map[string]bool)
	for i, vendor := range cfg.Vendors {
		if vendor.VendorName == "" {
			return fmt.Errorf("vendor[%d]: vendor_name is required", i)
		}
		if vendor.VendorID == "" {
			return fmt.Errorf("vendor %s: vendor_id is required", vendor.VendorName)
		}
		if vendor.Sandbox != nil {
			if err := vendor.Sandbox.validate(); err != nil {
				return fmt.Errorf("vendor %s sandbox: %w", vendor.VendorName, err)
			}
		}
		id := strings.ToLower(vendor.VendorID)
		if seen[id] {
			return fmt.Errorf("duplicate vendor_id: %s", vendor.VendorID)
		}
		seen[id] = true
	}
	return nil
}

// FindVendor returns the vendor entry for a PCI vendor ID, or nil.
func (c *DevicesConfig) FindVendor(vendorID string) *GPUVendorConfig {
	for i := range c.Vendors {
		if strings.EqualFold(c.Vendors[i].VendorID, vendorID) {
			return &c.Vendors[i]
		}
	}
	return nil
}

// IsAcceleratorClass reports whether a PCI class code is in the table.
//
// Class codes are compared on their base class and subclass
// ("0x030200" matches "0x0302xx").
func (c *DevicesConfig) IsAcceleratorClass(class string) bool {
	prefix := classPrefix(class)
	if prefix == "" {
		return false
	}
	for _, known := range c.PCIClasses {
		if classPrefix(known) == prefix {
			return true
		}
	}
	return false
}

// classPrefix normalizes a PCI class code to its first four hex digits.
func classPrefix(class string) string {
	c := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(class)), "0x")
	if len(c) < 4 {
		return ""
	}
	return c[:4]
}
