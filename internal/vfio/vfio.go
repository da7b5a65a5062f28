// Package vfio drives Linux sysfs to bind/unbind PCI devices to the
// vfio-pci driver for QEMU passthrough, and to discover the audio
// companion devices that share a GPU's IOMMU group.
package vfio

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	sysBusPCI   = "/sys/bus/pci/devices"
	vfioDriver  = "vfio-pci"
	driversPath = "/sys/bus/pci/drivers"
)

// CurrentDriver returns the driver currently bound to pciAddr, or "" if
// none is bound.
func CurrentDriver(pciAddr string) (string, error) {
	link := filepath.Join(sysBusPCI, pciAddr, "driver")
	target, err := os.Readlink(link)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("vfio: read driver link for %s: %w", pciAddr, err)
	}
	return filepath.Base(target), nil
}

// Unbind detaches pciAddr from whatever driver currently owns it.
// Idempotent: unbinding an already-unbound device is a no-op.
func Unbind(pciAddr string) error {
	driver, err := CurrentDriver(pciAddr)
	if err != nil {
		return err
	}
	if driver == "" {
		return nil
	}
	path := filepath.Join(driversPath, driver, "unbind")
	return writeSysfs(path, pciAddr)
}

// BindVFIO binds pciAddr to vfio-pci, first setting its driver_override so
// the probe picks vfio-pci specifically (matching the common Linux
// passthrough recipe: override, unbind, rebind via new_id/probe).
func BindVFIO(pciAddr string) error {
	driver, err := CurrentDriver(pciAddr)
	if err != nil {
		return err
	}
	if driver == vfioDriver {
		return nil
	}

	overridePath := filepath.Join(sysBusPCI, pciAddr, "driver_override")
	if err := writeSysfs(overridePath, vfioDriver); err != nil {
		return fmt.Errorf("vfio: set driver_override for %s: %w", pciAddr, err)
	}

	if err := Unbind(pciAddr); err != nil {
		return fmt.Errorf("vfio: unbind %s before vfio bind: %w", pciAddr, err)
	}

	probePath := filepath.Join(sysBusPCI, pciAddr, "driver_probe")
	// driver_probe may not exist on older kernels; fall back to the
	// driver's bind file.
	if err := writeSysfs(probePath, ""); err != nil {
		bindPath := filepath.Join(driversPath, vfioDriver, "bind")
		if err := writeSysfs(bindPath, pciAddr); err != nil {
			return fmt.Errorf("vfio: bind %s to vfio-pci: %w", pciAddr, err)
		}
	}
	return nil
}

// RebindOriginal restores pciAddr to originalDriver after vfio use, e.g.
// back to nvidia after a VM is stopped. An empty originalDriver is a
// no-op (device had no prior driver).
func RebindOriginal(pciAddr, originalDriver string) error {
	if originalDriver == "" {
		return nil
	}
	if err := Unbind(pciAddr); err != nil {
		return err
	}
	overridePath := filepath.Join(sysBusPCI, pciAddr, "driver_override")
	_ = writeSysfs(overridePath, "") // clear override so normal probe order applies
	bindPath := filepath.Join(driversPath, originalDriver, "bind")
	return writeSysfs(bindPath, pciAddr)
}

// IOMMUGroup returns the IOMMU group number pciAddr belongs to.
func IOMMUGroup(pciAddr string) (string, error) {
	link := filepath.Join(sysBusPCI, pciAddr, "iommu_group")
	target, err := os.Readlink(link)
	if err != nil {
		return "", fmt.Errorf("vfio: read iommu_group for %s: %w", pciAddr, err)
	}
	return filepath.Base(target), nil
}

// AudioCompanions finds other PCI devices sharing pciAddr's IOMMU group
// whose PCI class is audio (0403xx), which must be bound to vfio-pci
// alongside the GPU itself for passthrough to work.
func AudioCompanions(pciAddr string) ([]string, error) {
	group, err := IOMMUGroup(pciAddr)
	if err != nil {
		return nil, err
	}
	groupDevicesDir := filepath.Join("/sys/kernel/iommu_groups", group, "devices")
	entries, err := os.ReadDir(groupDevicesDir)
	if err != nil {
		return nil, fmt.Errorf("vfio: list iommu group %s devices: %w", group, err)
	}

	var companions []string
	for _, e := range entries {
		addr := e.Name()
		if addr == pciAddr {
			continue
		}
		class, err := os.ReadFile(filepath.Join(sysBusPCI, addr, "class"))
		if err != nil {
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(string(class)), "0x0403") {
			companions = append(companions, addr)
		}
	}
	return companions, nil
}

func writeSysfs(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("vfio: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(value); err != nil {
		return fmt.Errorf("vfio: write %s to %s: %w", value, path, err)
	}
	return nil
}
