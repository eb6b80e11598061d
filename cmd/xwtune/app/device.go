package app

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tsingmao/xwtune/internal/config"
	"github.com/tsingmao/xwtune/internal/device"
	"github.com/tsingmao/xwtune/internal/logger"
)

// NewDeviceCommand creates the device command for hardware detection
//
// Usage:
//
//	xwtune device list        # List GPUs used for training
//	xwtune device scan        # Scan PCI devices
//	xwtune device supported   # Show the GPU vendor table
//	xwtune device host        # Show the host CPU
//
// Parameters:
//   - globalOpts: Global options shared across commands
//
// Returns:
//   - A configured cobra.Command for device operations
func NewDeviceCommand(globalOpts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "GPU detection",
		Long: `Detect the GPUs and CPU a training run would use.

The GPU count drives the training schedule. It is taken from XWTUNE_GPU_COUNT
when set, then from CUDA_VISIBLE_DEVICES, then from a PCI scan filtered by
the device table.`,
		Example: `  # Show the GPUs a run would use
  xwtune device list

  # Scan all PCI devices
  xwtune device scan --all`,
	}

	cmd.AddCommand(
		newDeviceListCommand(globalOpts),
		newDeviceScanCommand(globalOpts),
		newDeviceSupportedCommand(globalOpts),
		newDeviceHostCommand(globalOpts),
	)

	return cmd
}

// newDeviceListCommand creates the 'device list' subcommand
func newDeviceListCommand(globalOpts *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the GPUs used for training",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := device.NewDetector(globalOpts.Settings)
			if err != nil {
				return err
			}

			gpus, err := d.ListGPUs()
			if err != nil {
				return fmt.Errorf("failed to detect GPUs: %w", err)
			}

			if len(gpus) == 0 {
				fmt.Println("No GPUs detected on the PCI bus.")
			} else {
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "INDEX\tVENDOR\tPCI ADDRESS\tVENDOR:DEVICE\tCLASS")
				fmt.Fprintln(w, "-----\t------\t-----------\t-------------\t-----")
				for _, gpu := range gpus {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s:%s\t%s\n",
						gpu.Index, gpu.Vendor, gpu.BusAddress, gpu.VendorID, gpu.DeviceID, gpu.Class)
				}
				w.Flush()
			}

			n, source, err := d.Resolve()
			if err != nil {
				return err
			}
			fmt.Printf("\nTraining GPUs: %d (from %s)\n", n, source)

			if acc, err := d.Accelerator(); err == nil {
				fmt.Printf("Accelerator:   %s (docker driver %q, %s)\n", acc.Vendor, acc.DockerDriver, acc.VisibleDevicesEnv)
			}
			return nil
		},
	}
}

// newDeviceScanCommand creates the 'device scan' subcommand
func newDeviceScanCommand(globalOpts *GlobalOptions) *cobra.Command {
	var showAll bool

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan PCI devices",
		Long:  `Scan PCI devices and mark the ones the device table recognizes as GPUs.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := device.ScanPCIDevices(device.DefaultPCIDevicesPath)
			if err != nil {
				return fmt.Errorf("failed to scan PCI devices: %w", err)
			}
			logger.Debug("Found %d PCI devices", len(devices))

			table, err := config.LoadDevicesConfig(globalOpts.Settings.DeviceConfigPath)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PCI ADDRESS\tVENDOR:DEVICE\tCLASS\tGPU")
			fmt.Fprintln(w, "-----------\t-------------\t-----\t---")

			gpuCount := 0
			for _, dev := range devices {
				vendor := table.FindVendor(dev.VendorID)
				isGPU := vendor != nil && table.IsAcceleratorClass(dev.Class)
				if !showAll && !isGPU {
					continue
				}

				gpuInfo := "-"
				if isGPU {
					gpuInfo = vendor.VendorName
					gpuCount++
				}
				fmt.Fprintf(w, "%s\t%s:%s\t%s\t%s\n", dev.BusAddress, dev.VendorID, dev.DeviceID, dev.Class, gpuInfo)
			}
			w.Flush()

			if showAll {
				fmt.Printf("\nTotal: %d PCI device(s), %d GPU(s)\n", len(devices), gpuCount)
			} else {
				fmt.Printf("\nTotal: %d GPU(s) found\n", gpuCount)
				fmt.Println("\nTo see all PCI devices, use: xwtune device scan --all")
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&showAll, "all", "a", false,
		"show all PCI devices, not just GPUs")

	return cmd
}

// newDeviceSupportedCommand creates the 'device supported' subcommand
func newDeviceSupportedCommand(globalOpts *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "supported",
		Short: "Show the GPU vendor table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := config.LoadDevicesConfig(globalOpts.Settings.DeviceConfigPath)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "VENDOR\tVENDOR ID\tDOCKER DRIVER\tVISIBILITY ENV")
			fmt.Fprintln(w, "------\t---------\t-------------\t--------------")
			for _, v := range table.Vendors {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", v.VendorName, v.VendorID, v.DockerDriver, v.VisibleDevicesEnv)
			}
			w.Flush()

			fmt.Printf("\nPCI classes: %v (table version %s)\n", table.PCIClasses, table.Version)
			return nil
		},
	}
}

// newDeviceHostCommand creates the 'device host' subcommand
func newDeviceHostCommand(globalOpts *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "host",
		Short: "Show the host CPU",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			host := device.HostInfo()
			fmt.Printf("CPU:             %s (%s)\n", host.BrandName, host.VendorString)
			fmt.Printf("Physical cores:  %d\n", host.PhysicalCores)
			fmt.Printf("Logical cores:   %d\n", host.LogicalCores)

			d, err := device.NewDetector(globalOpts.Settings)
			if err != nil {
				return err
			}
			n, err := d.CountGPUs()
			if err != nil {
				return err
			}
			fmt.Printf("Dataloader workers per GPU: %d with XWTUNE_DATALOADER_WORKERS=auto (%d GPU(s))\n", host.DataloaderWorkers(n), n)
			return nil
		},
	}
}
