package device

import (
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/tsingmao/xwtune/internal/config"
	"github.com/tsingmao/xwtune/internal/logger"
)

// Source describes where a GPU count came from.
type Source string

const (
	// SourceOverride is an explicit XWTUNE_GPU_COUNT.
	SourceOverride Source = "override"

	// SourceVisibleDevices is the CUDA_VISIBLE_DEVICES list.
	SourceVisibleDevices Source = "visible-devices"

	// SourcePCI is a sysfs PCI scan.
	SourcePCI Source = "pci"
)

// Detector counts the GPUs available to a training run.
//
// The count is resolved in order: an explicit positive override, then the
// CUDA_VISIBLE_DEVICES list when the variable is set, then a PCI scan
// filtered by the device table. PCI results are cached after the first scan.
type Detector struct {
	// root is the sysfs PCI devices directory
	root string

	table    *config.DevicesConfig
	override int
	visible  *string

	// lspci returns `lspci -nn` output; nil disables the fallback
	lspci func() (string, error)

	mu      sync.Mutex
	scanned bool
	gpus    []GPU
}

// NewDetector creates a detector from run settings.
//
// Parameters:
//   - s: Run settings (GPUCount, VisibleDevices, DeviceConfigPath)
//
// Returns:
//   - Configured detector
//   - Error if the device table cannot be loaded
func NewDetector(s *config.Settings) (*Detector, error) {
	table, err := config.LoadDevicesConfig(s.DeviceConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load device table: %w", err)
	}
	return &Detector{
		root:     DefaultPCIDevicesPath,
		table:    table,
		override: s.GPUCount,
		visible:  s.VisibleDevices,
		lspci:    runLspci,
	}, nil
}

// runLspci runs `lspci -nn`.
func runLspci() (string, error) {
	out, err := exec.Command("lspci", "-nn").Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// lspciDevices reads the PCI bus through lspci.
func (d *Detector) lspciDevices() ([]PCIDevice, error) {
	if d.lspci == nil {
		return nil, fmt.Errorf("lspci fallback disabled")
	}
	out, err := d.lspci()
	if err != nil {
		return nil, err
	}
	logger.Debug("Read PCI devices from lspci")
	return ParseLspciOutput(out), nil
}

// WithRoot returns the detector scanning a different sysfs directory.
func (d *Detector) WithRoot(root string) *Detector {
	d.root = root
	return d
}

// CountGPUs returns the number of GPUs the trainer may use.
//
// Zero is a valid result; callers decide whether it is fatal.
func (d *Detector) CountGPUs() (int, error) {
	n, src, err := d.Resolve()
	if err != nil {
		return 0, err
	}
	logger.Debug("GPU count %d (source: %s)", n, src)
	return n, nil
}

// Resolve returns the GPU count together with the source that decided it.
func (d *Detector) Resolve() (int, Source, error) {
	if d.override > 0 {
		return d.override, SourceOverride, nil
	}
	if d.visible != nil {
		return len(ParseVisibleDevices(*d.visible)), SourceVisibleDevices, nil
	}
	gpus, err := d.ListGPUs()
	if err != nil {
		return 0, SourcePCI, err
	}
	return len(gpus), SourcePCI, nil
}

// ListGPUs returns the accelerators found on the PCI bus.
//
// When sysfs is missing (restricted containers) the bus is read from
// `lspci -nn` instead. If neither is available the list is empty rather
// than an error.
func (d *Detector) ListGPUs() ([]GPU, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.scanned {
		return d.gpus, nil
	}

	devices, err := ScanPCIDevices(d.root)
	if err != nil {
		if !errors.Is(err, ErrPCIUnavailable) {
			return nil, err
		}
		devices, err = d.lspciDevices()
		if err != nil {
			logger.Warn("PCI sysfs not available at %s and lspci failed (%v), assuming no GPUs", d.root, err)
			d.scanned = true
			return nil, nil
		}
	}

	d.gpus = MatchGPUs(devices, d.table)
	d.scanned = true
	return d.gpus, nil
}

// VisibleDevices returns the parsed CUDA_VISIBLE_DEVICES entries.
//
// Returns:
//   - The visible device list, and true if the variable was set
func (d *Detector) VisibleDevices() ([]string, bool) {
	if d.visible == nil {
		return nil, false
	}
	return ParseVisibleDevices(*d.visible), true
}

// ParseVisibleDevices splits a CUDA_VISIBLE_DEVICES value into entries.
//
// Entries are comma separated indices or UUIDs. As with the CUDA runtime,
// an entry of "-1" hides it and every entry after it.
//
// Example:
//
//	ParseVisibleDevices("0, 2,3") // ["0", "2", "3"]
//	ParseVisibleDevices("")       // []
//	ParseVisibleDevices("1,-1,2") // ["1"]
func ParseVisibleDevices(value string) []string {
	entries := []string{}
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if part == "-1" {
			break
		}
		entries = append(entries, part)
	}
	return entries
}

// Accelerator describes how to expose GPUs to a trainer worker.
type Accelerator struct {
	// Vendor is the vendor name from the device table.
	Vendor string `json:"vendor"`

	// DockerDriver is the device driver used for container GPU access.
	DockerDriver string `json:"docker_driver"`

	// VisibleDevicesEnv is the vendor's device visibility variable.
	VisibleDevicesEnv string `json:"visible_devices_env"`

	// Visible lists the visible devices; nil means all devices.
	Visible []string `json:"visible,omitempty"`

	// WorkerImage is the vendor's default worker image for this host's
	// architecture, empty when the table has none.
	WorkerImage string `json:"worker_image,omitempty"`

	// Sandbox holds the vendor's extra container settings, if any.
	Sandbox *config.SandboxConfig `json:"sandbox,omitempty"`
}

// Devices returns the devices a worker training on n GPUs should see.
//
// The first n visible devices are used; without a visibility list the
// indices 0 to n-1 are.
func (a Accelerator) Devices(n int) []string {
	if a.Visible != nil {
		if n > 0 && n < len(a.Visible) {
			return a.Visible[:n]
		}
		return a.Visible
	}
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, strconv.Itoa(i))
	}
	return ids
}

// Accelerator returns the accelerator description for the trainer.
//
// The vendor is taken from the first GPU on the PCI bus. Hosts where no GPU
// is visible on the bus (remote docker daemons, restricted sysfs) fall back
// to the first vendor in the device table.
func (d *Detector) Accelerator() (Accelerator, error) {
	gpus, err := d.ListGPUs()
	if err != nil {
		return Accelerator{}, err
	}

	vendor := &d.table.Vendors[0]
	if len(gpus) > 0 {
		if v := d.table.FindVendor(gpus[0].VendorID); v != nil {
			vendor = v
		}
	}

	acc := Accelerator{
		Vendor:            vendor.VendorName,
		DockerDriver:      vendor.DockerDriver,
		VisibleDevicesEnv: vendor.VisibleDevicesEnv,
		WorkerImage:       vendor.WorkerImage(runtime.GOARCH),
		Sandbox:           vendor.Sandbox,
	}
	if visible, ok := d.VisibleDevices(); ok {
		acc.Visible = visible
	}
	return acc, nil
}
