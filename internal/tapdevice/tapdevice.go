// Package tapdevice creates Linux TAP network interfaces for QEMU VM NICs
// by opening /dev/net/tun and issuing the TUNSETIFF ioctl, with the
// bridge-attach/up steps shelled out to `ip`.
package tapdevice

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	devNetTun    = "/dev/net/tun"
	ifNameSize   = 16
	iffTap       = 0x0002
	iffNoPI      = 0x1000
	tunSetIFF    = 0x400454ca // TUNSETIFF on Linux (_IOW('T', 202, int)).
	maxNameLen   = 15
)

// Device is an open TAP interface, backed by a file descriptor QEMU can be
// handed directly (e.g. via -netdev tap,fd=N).
type Device struct {
	Name string
	File *os.File
}

type ifReq struct {
	Name  [ifNameSize]byte
	Flags uint16
	_     [22]byte // pad to match struct ifreq's union size on amd64/arm64
}

// Create opens /dev/net/tun, requests a TAP (not TUN) device named name
// with IFF_NO_PI framing, and returns the resulting device. A name longer
// than the kernel's IFNAMSIZ-1 (15 chars) is rejected with an error, not
// truncated; callers should already have shaped it with TapDeviceName.
func Create(name string) (*Device, error) {
	if len(name) > maxNameLen {
		return nil, fmt.Errorf("tapdevice: name %q exceeds %d characters", name, maxNameLen)
	}

	f, err := os.OpenFile(devNetTun, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tapdevice: open %s: %w", devNetTun, err)
	}

	var req ifReq
	copy(req.Name[:], name)
	req.Flags = iffTap | iffNoPI

	if err := ioctl(f.Fd(), tunSetIFF, uintptr(unsafe.Pointer(&req))); err != nil {
		f.Close()
		return nil, fmt.Errorf("tapdevice: TUNSETIFF for %s: %w", name, err)
	}

	actual := strings.TrimRight(string(req.Name[:]), "\x00")
	return &Device{Name: actual, File: f}, nil
}

func ioctl(fd uintptr, request uintptr, argp uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, request, argp)
	if errno != 0 {
		return errno
	}
	return nil
}

// AttachToBridge attaches device to an existing Linux bridge and brings
// the TAP interface up, via `ip link` (reconciliation idiom shared with
// internal/overlay's IPTablesLinker: an attach error whose message
// contains "exists" is tolerated).
func AttachToBridge(device, bridge string) error {
	if err := run("ip", "link", "set", device, "master", bridge); err != nil {
		if !strings.Contains(err.Error(), "exists") {
			return err
		}
	}
	return run("ip", "link", "set", device, "up")
}

// Delete tears down the TAP device. Idempotent: deleting a device that no
// longer exists is not an error.
func Delete(device string) error {
	err := run("ip", "link", "delete", device)
	if err != nil && strings.Contains(err.Error(), "Cannot find device") {
		return nil
	}
	return err
}

func run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w (output: %s)", name, strings.Join(args, " "), err, string(out))
	}
	return nil
}

// ShortID derives a <=11-character TAP-safe suffix from a task ID, used
// by internal/vm to name each VM's TAP device as "tap-<short_id>" (at
// most 15 characters).
func ShortID(taskID int64) string {
	s := strconv.FormatInt(taskID, 36)
	if len(s) > 11 {
		s = s[len(s)-11:]
	}
	return s
}
