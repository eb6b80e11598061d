// Package device provides GPU detection for training runs.
package device

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tsingmao/xwtune/internal/config"
)

// DefaultPCIDevicesPath is the sysfs directory listing PCI devices on Linux.
const DefaultPCIDevicesPath = "/sys/bus/pci/devices"

// ErrPCIUnavailable is returned when the sysfs PCI directory does not exist.
var ErrPCIUnavailable = errors.New("PCI devices path not found")

// PCIDevice represents a PCI device with its identifiers
type PCIDevice struct {
	// VendorID is the PCI vendor ID (e.g., "0x10de")
	VendorID string

	// DeviceID is the PCI device ID
	DeviceID string

	// BusAddress is the PCI bus address (e.g., "0000:01:00.0")
	BusAddress string

	// Class is the PCI device class (e.g., "0x030200")
	Class string
}

// ScanPCIDevices scans the system for PCI devices
//
// This function reads PCI device information from a sysfs directory such as
// /sys/bus/pci/devices. Entries that cannot be read are skipped.
//
// Parameters:
//   - root: sysfs PCI devices directory
//
// Returns:
//   - Slice of PCIDevice sorted by bus address
//   - Error if the directory cannot be read
func ScanPCIDevices(root string) ([]PCIDevice, error) {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrPCIUnavailable, root)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read PCI devices: %w", err)
	}

	var devices []PCIDevice
	for _, entry := range entries {
		// PCI device entries are symlinks, not directories
		dev, err := readPCIDevice(filepath.Join(root, entry.Name()), entry.Name())
		if err != nil {
			continue
		}
		devices = append(devices, dev)
	}

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].BusAddress < devices[j].BusAddress
	})
	return devices, nil
}

// readPCIDevice reads PCI device information from sysfs
func readPCIDevice(devicePath, busAddress string) (PCIDevice, error) {
	dev := PCIDevice{BusAddress: busAddress}

	vendorID, err := readPCIFile(filepath.Join(devicePath, "vendor"))
	if err != nil {
		return dev, err
	}
	dev.VendorID = vendorID

	deviceID, err := readPCIFile(filepath.Join(devicePath, "device"))
	if err != nil {
		return dev, err
	}
	dev.DeviceID = deviceID

	// Class is optional
	if class, err := readPCIFile(filepath.Join(devicePath, "class")); err == nil {
		dev.Class = class
	}

	return dev, nil
}

// readPCIFile reads a single line from a PCI sysfs file
func readPCIFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// GPU is a detected accelerator.
type GPU struct {
	// Index is the position among detected GPUs, in bus order.
	Index int `json:"index"`

	// Vendor is the vendor name from the device table.
	Vendor string `json:"vendor"`

	// VendorID is the PCI vendor ID
	VendorID string `json:"vendor_id"`

	// DeviceID is the PCI device ID
	DeviceID string `json:"device_id"`

	// BusAddress is the PCI bus address
	BusAddress string `json:"bus_address"`

	// Class is the PCI class code
	Class string `json:"class"`
}

// MatchGPUs filters PCI devices down to accelerators listed in the table.
//
// Parameters:
//   - devices: Scanned PCI devices
//   - table: GPU vendor and class table
//
// Returns:
//   - Detected GPUs, indexed in the order given
func MatchGPUs(devices []PCIDevice, table *config.DevicesConfig) []GPU {
	var gpus []GPU
	for _, dev := range devices {
		vendor := table.FindVendor(dev.VendorID)
		if vendor == nil || !table.IsAcceleratorClass(dev.Class) {
			continue
		}
		gpus = append(gpus, GPU{
			Index:      len(gpus),
			Vendor:     vendor.VendorName,
			VendorID:   dev.VendorID,
			DeviceID:   dev.DeviceID,
			BusAddress: dev.BusAddress,
			Class:      dev.Class,
		})
	}
	return gpus
}

// ParseLspciOutput parses the output of `lspci -nn` command
//
// This is an alternative source for systems where sysfs access is
// restricted. Lines look like:
// "01:00.0 3D controller [0302]: NVIDIA Corporation GA100 [10de:20b0] (rev a1)"
//
// Parameters:
//   - output: The output from lspci -nn command
//
// Returns:
//   - Slice of PCIDevice parsed from the output
func ParseLspciOutput(output string) []PCIDevice {
	var devices []PCIDevice

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		if dev := parseLspciLine(scanner.Text()); dev != nil {
			devices = append(devices, *dev)
		}
	}

	return devices
}

// parseLspciLine parses a single line from lspci -nn output
func parseLspciLine(line string) *PCIDevice {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil
	}

	dev := &PCIDevice{BusAddress: fields[0]}

	// Class code is the first [xxxx] group, device IDs the last [vid:did]
	if open := strings.Index(line, "["); open != -1 {
		if end := strings.Index(line[open:], "]"); end > 1 {
			code := line[open+1 : open+end]
			if !strings.Contains(code, ":") {
				dev.Class = "0x" + code + "00"
			}
		}
	}

	last := strings.LastIndex(line, "[")
	end := strings.LastIndex(line, "]")
	if last == -1 || end <= last {
		return nil
	}
	parts := strings.Split(line[last+1:end], ":")
	if len(parts) != 2 {
		return nil
	}
	dev.VendorID = "0x" + strings.TrimSpace(parts[0])
	dev.DeviceID = "0x" + strings.TrimSpace(parts[1])

	return dev
}
