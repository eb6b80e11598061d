package device

import (
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// maxDataloaderWorkers caps the number of dataloader worker processes.
const maxDataloaderWorkers = 8

// Host describes the CPU of the machine driving the trainer.
type Host struct {
	BrandName     string `json:"brand_name"`
	VendorString  string `json:"vendor"`
	PhysicalCores int    `json:"physical_cores"`
	LogicalCores  int    `json:"logical_cores"`
}

// HostInfo reports the host CPU.
//
// cpuid may not report core counts on every architecture; the Go runtime CPU
// count is used as a fallback.
func HostInfo() Host {
	h := Host{
		BrandName:     cpuid.CPU.BrandName,
		VendorString:  cpuid.CPU.VendorString,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
	}
	if h.LogicalCores <= 0 {
		h.LogicalCores = runtime.NumCPU()
	}
	if h.PhysicalCores <= 0 {
		h.PhysicalCores = h.LogicalCores
	}
	return h
}

// DataloaderWorkers returns the dataloader worker count for this host.
//
// One worker per physical core, leaving one core to the trainer process,
// bounded to [0, 8]. gpuCount workers share the host so the budget is split.
func (h Host) DataloaderWorkers(gpuCount int) int {
	if gpuCount < 1 {
		gpuCount = 1
	}
	n := (h.PhysicalCores - 1) / gpuCount
	if n < 0 {
		n = 0
	}
	if n > maxDataloaderWorkers {
		n = maxDataloaderWorkers
	}
	return n
}
