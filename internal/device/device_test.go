package device

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsingmao/xwtune/internal/config"
)

// writePCIDevice creates a fake sysfs PCI device entry.
func writePCIDevice(t *testing.T, root, bus, vendor, device, class string) {
	t.Helper()
	dir := filepath.Join(root, bus)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vendor"), []byte(vendor+"\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "device"), []byte(device+"\n"), 0644))
	if class != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "class"), []byte(class+"\n"), 0644))
	}
}

func fakeSysfs(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writePCIDevice(t, root, "0000:81:00.0", "0x10de", "0x20b0", "0x030200")
	writePCIDevice(t, root, "0000:01:00.0", "0x10de", "0x2204", "0x030000")
	writePCIDevice(t, root, "0000:00:1f.3", "0x8086", "0xa348", "0x040300")
	writePCIDevice(t, root, "0000:02:00.0", "0x10de", "0x1aeb", "0x040300") // GPU audio function
	writePCIDevice(t, root, "0000:c1:00.0", "0x1002", "0x740f", "0x120000")
	// incomplete entry is skipped
	require.NoError(t, os.MkdirAll(filepath.Join(root, "0000:ff:00.0"), 0755))
	return root
}

func defaultTable(t *testing.T) *config.DevicesConfig {
	t.Helper()
	table, err := config.LoadDevicesConfig("")
	require.NoError(t, err)
	return table
}

func TestScanPCIDevices(t *testing.T) {
	devices, err := ScanPCIDevices(fakeSysfs(t))
	require.NoError(t, err)
	require.Len(t, devices, 5)

	assert.Equal(t, "0000:00:1f.3", devices[0].BusAddress)
	assert.Equal(t, "0x8086", devices[0].VendorID)
	assert.Equal(t, "0x040300", devices[0].Class)
}

func TestScanPCIDevicesMissingRoot(t *testing.T) {
	_, err := ScanPCIDevices(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, ErrPCIUnavailable)
}

func TestMatchGPUs(t *testing.T) {
	devices, err := ScanPCIDevices(fakeSysfs(t))
	require.NoError(t, err)

	gpus := MatchGPUs(devices, defaultTable(t))
	require.Len(t, gpus, 3)

	assert.Equal(t, 0, gpus[0].Index)
	assert.Equal(t, "0000:01:00.0", gpus[0].BusAddress)
	assert.Equal(t, "NVIDIA", gpus[0].Vendor)
	assert.Equal(t, "0000:81:00.0", gpus[1].BusAddress)
	assert.Equal(t, "AMD", gpus[2].Vendor)
	assert.Equal(t, 2, gpus[2].Index)
}

func TestParseLspciOutput(t *testing.T) {
	output := `00:1f.3 Audio device [0403]: Intel Corporation Device [8086:a348] (rev 10)
01:00.0 3D controller [0302]: NVIDIA Corporation GA100 [A100 PCIe 40GB] [10de:20f1] (rev a1)
garbage
`
	devices := ParseLspciOutput(output)
	require.Len(t, devices, 2)

	assert.Equal(t, "01:00.0", devices[1].BusAddress)
	assert.Equal(t, "0x10de", devices[1].VendorID)
	assert.Equal(t, "0x20f1", devices[1].DeviceID)
	assert.Equal(t, "0x030200", devices[1].Class)

	gpus := MatchGPUs(devices, defaultTable(t))
	require.Len(t, gpus, 1)
	assert.Equal(t, "NVIDIA", gpus[0].Vendor)
}

func TestParseVisibleDevices(t *testing.T) {
	tests := []struct {
		value string
		want  []string
	}{
		{"", []string{}},
		{"0", []string{"0"}},
		{"0, 2,3", []string{"0", "2", "3"}},
		{"0,,1", []string{"0", "1"}},
		{"1,-1,2", []string{"1"}},
		{"-1", []string{}},
		{"GPU-8f6a", []string{"GPU-8f6a"}},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseVisibleDevices(tt.value))
		})
	}
}

func newTestDetector(t *testing.T, s *config.Settings, root string) *Detector {
	t.Helper()
	d, err := NewDetector(s)
	require.NoError(t, err)
	d.lspci = nil
	return d.WithRoot(root)
}

func TestDetectorPrecedence(t *testing.T) {
	root := fakeSysfs(t)
	visible := "0"
	empty := ""

	tests := []struct {
		name    string
		count   int
		visible *string
		want    int
		source  Source
	}{
		{"pci scan", 0, nil, 3, SourcePCI},
		{"visible devices", 0, &visible, 1, SourceVisibleDevices},
		{"empty visible devices hides all", 0, &empty, 0, SourceVisibleDevices},
		{"override wins", 4, &empty, 4, SourceOverride},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := config.NewDefaultSettings()
			s.GPUCount = tt.count
			s.VisibleDevices = tt.visible

			n, src, err := newTestDetector(t, s, root).Resolve()
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
			assert.Equal(t, tt.source, src)
		})
	}
}

func TestDetectorWithoutSysfs(t *testing.T) {
	d := newTestDetector(t, config.NewDefaultSettings(), filepath.Join(t.TempDir(), "none"))

	n, err := d.CountGPUs()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDetectorLspciFallback(t *testing.T) {
	d := newTestDetector(t, config.NewDefaultSettings(), filepath.Join(t.TempDir(), "none"))
	calls := 0
	d.lspci = func() (string, error) {
		calls++
		return "01:00.0 3D controller [0302]: NVIDIA Corporation GA100 [10de:20f1] (rev a1)\n" +
			"02:00.0 3D controller [0302]: NVIDIA Corporation GA100 [10de:20f1] (rev a1)\n", nil
	}

	n, src, err := d.Resolve()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, SourcePCI, src)

	_, err = d.ListGPUs()
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDetectorCachesScan(t *testing.T) {
	root := fakeSysfs(t)
	d := newTestDetector(t, config.NewDefaultSettings(), root)

	first, err := d.ListGPUs()
	require.NoError(t, err)
	require.Len(t, first, 3)

	require.NoError(t, os.RemoveAll(root))
	second, err := d.ListGPUs()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDataloaderWorkers(t *testing.T) {
	tests := []struct {
		cores int
		gpus  int
		want  int
	}{
		{1, 1, 0},
		{4, 1, 3},
		{16, 1, 8},
		{17, 2, 8},
		{9, 4, 2},
		{4, 0, 3},
	}
	for _, tt := range tests {
		h := Host{PhysicalCores: tt.cores, LogicalCores: tt.cores}
		assert.Equal(t, tt.want, h.DataloaderWorkers(tt.gpus), "cores=%d gpus=%d", tt.cores, tt.gpus)
	}
}

func TestHostInfo(t *testing.T) {
	h := HostInfo()
	assert.Positive(t, h.LogicalCores)
	assert.Positive(t, h.PhysicalCores)
}

func TestDetectorAccelerator(t *testing.T) {
	root := t.TempDir()
	writePCIDevice(t, root, "0000:c1:00.0", "0x1002", "0x740f", "0x120000")

	s := config.NewDefaultSettings()
	visible := "1,0"
	s.VisibleDevices = &visible

	acc, err := newTestDetector(t, s, root).Accelerator()
	require.NoError(t, err)
	assert.Equal(t, "AMD", acc.Vendor)
	assert.Equal(t, "amd", acc.DockerDriver)
	assert.Equal(t, "HIP_VISIBLE_DEVICES", acc.VisibleDevicesEnv)
	assert.Equal(t, []string{"1", "0"}, acc.Visible)
	assert.True(t, acc.Sandbox.UsesDeviceNodes())

	// No GPU on the bus: first table vendor, all devices.
	acc, err = newTestDetector(t, config.NewDefaultSettings(), t.TempDir()).Accelerator()
	require.NoError(t, err)
	assert.Equal(t, "nvidia", acc.DockerDriver)
	assert.Nil(t, acc.Visible)
	if runtime.GOARCH == "amd64" {
		assert.Equal(t, "huggingface/transformers-pytorch-gpu:latest", acc.WorkerImage)
	}
}

func TestAcceleratorDevices(t *testing.T) {
	assert.Equal(t, []string{"0", "1"}, Accelerator{}.Devices(2))
	assert.Empty(t, Accelerator{}.Devices(0))

	acc := Accelerator{Visible: []string{"3", "GPU-abc", "5"}}
	assert.Equal(t, []string{"3", "GPU-abc"}, acc.Devices(2))
	assert.Equal(t, []string{"3", "GPU-abc", "5"}, acc.Devices(3))
	assert.Equal(t, []string{"3", "GPU-abc", "5"}, acc.Devices(8))
}
