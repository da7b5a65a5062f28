// Package overlay implements KohakuRiver's hub-and-spoke VXLAN network: the
// subnet-math derivation from a single "BASE_IP/NETWORK_PREFIX/NODE_BITS/
// SUBNET_BITS" string, the per-runner VXLAN device/VNI allocation table, and
// the kernel-interface recovery pass that makes Host restarts
// non-disruptive.
package overlay

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// SubnetConfig holds the derived constants from a parsed subnet string such
// as "10.128.0.0/12/6/14".
type SubnetConfig struct {
	raw string

	BaseIP        uint32
	NetworkPrefix int
	NodeBits      int
	SubnetBits    int

	// RunnerPrefix is the CIDR size of each runner's subnet:
	// NetworkPrefix + NodeBits.
	RunnerPrefix int
}

// ParseSubnetConfig parses a "a.b.c.d/NETWORK_PREFIX/NODE_BITS/SUBNET_BITS"
// string into its derived overlay parameters.
func ParseSubnetConfig(raw string) (*SubnetConfig, error) {
	parts := strings.Split(raw, "/")
	if len(parts) != 4 {
		return nil, fmt.Errorf("overlay: subnet config %q must have 4 slash-separated fields", raw)
	}

	ip := net.ParseIP(parts[0]).To4()
	if ip == nil {
		return nil, fmt.Errorf("overlay: invalid base IP %q", parts[0])
	}

	networkPrefix, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("overlay: invalid network prefix %q: %w", parts[1], err)
	}
	nodeBits, err := strconv.Atoi(parts[2])
	if err != nil {
		return nil, fmt.Errorf("overlay: invalid node bits %q: %w", parts[2], err)
	}
	subnetBits, err := strconv.Atoi(parts[3])
	if err != nil {
		return nil, fmt.Errorf("overlay: invalid subnet bits %q: %w", parts[3], err)
	}

	if networkPrefix+nodeBits+subnetBits != 32 {
		return nil, fmt.Errorf("overlay: network_prefix(%d) + node_bits(%d) + subnet_bits(%d) must equal 32",
			networkPrefix, nodeBits, subnetBits)
	}
	if nodeBits < 1 || nodeBits > 24 {
		return nil, fmt.Errorf("overlay: node_bits must be in [1,24], got %d", nodeBits)
	}

	return &SubnetConfig{
		raw:           raw,
		BaseIP:        binary.BigEndian.Uint32(ip),
		NetworkPrefix: networkPrefix,
		NodeBits:      nodeBits,
		SubnetBits:    subnetBits,
		RunnerPrefix:  networkPrefix + nodeBits,
	}, nil
}

// String returns the original configuration string.
func (c *SubnetConfig) String() string { return c.raw }

// MaxRunnerID returns the highest valid runner_id: 2^node_bits - 1.
func (c *SubnetConfig) MaxRunnerID() int {
	return (1 << uint(c.NodeBits)) - 1
}

func uint32ToIP(v uint32) net.IP {
	b := make(net.IP, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// RunnerSubnetBase returns the base address of runner_id's /RunnerPrefix
// subnet: base + (runner_id << subnet_bits).
func (c *SubnetConfig) RunnerSubnetBase(runnerID int) uint32 {
	return c.BaseIP + (uint32(runnerID) << uint(c.SubnetBits))
}

// RunnerSubnetCIDR returns the runner's subnet in CIDR notation, e.g.
// "10.128.64.0/18".
func (c *SubnetConfig) RunnerSubnetCIDR(runnerID int) string {
	base := c.RunnerSubnetBase(runnerID)
	return fmt.Sprintf("%s/%d", uint32ToIP(base).String(), c.RunnerPrefix)
}

// RunnerGatewayIP returns the runner's gateway address: subnet base + 1.
func (c *SubnetConfig) RunnerGatewayIP(runnerID int) string {
	return uint32ToIP(c.RunnerSubnetBase(runnerID) + 1).String()
}

// HostVXLANIP returns the Host-side VXLAN IP for a runner subnet: the
// top-of-subnet address minus one (the subnet's broadcast address minus 1).
func (c *SubnetConfig) HostVXLANIP(runnerID int) string {
	base := c.RunnerSubnetBase(runnerID)
	subnetSize := uint32(1) << uint(c.SubnetBits)
	top := base + subnetSize - 1 // broadcast address of the runner subnet
	return uint32ToIP(top - 1).String()
}

// RootCIDR returns the Host-side dummy interface CIDR: base/NetworkPrefix.
func (c *SubnetConfig) RootCIDR() string {
	return fmt.Sprintf("%s/%d", uint32ToIP(c.BaseIP).String(), c.NetworkPrefix)
}

// RootHostIP returns the address assigned to the kohaku-host dummy
// interface: base + 1.
func (c *SubnetConfig) RootHostIP() string {
	return uint32ToIP(c.BaseIP + 1).String()
}

const maxDeviceNameLen = 15

// base36 encodes v in lowercase base36, used for VXLAN device names.
func base36(v int) string {
	if v == 0 {
		return "0"
	}
	const digits = "0123456789abcdefghijklmnopqrstuvwxyz"
	var buf []byte
	for v > 0 {
		buf = append([]byte{digits[v%36]}, buf...)
		v /= 36
	}
	return string(buf)
}

// VXLANDeviceName returns the Host-side VXLAN device name for a runner:
// "vxkr" + base36(runner_id), guaranteed to be <=15 characters (the Linux
// IFNAMSIZ limit) for any runner_id representable in NodeBits<=24.
func VXLANDeviceName(runnerID int) string {
	name := "vxkr" + base36(runnerID)
	if len(name) > maxDeviceNameLen {
		// Unreachable for NodeBits<=24: max runner_id fits in 5 base36 digits.
		name = name[:maxDeviceNameLen]
	}
	return name
}

// VNI returns the VXLAN Network Identifier for a runner: baseVXLANID +
// runner_id.
func VNI(baseVXLANID, runnerID int) int {
	return baseVXLANID + runnerID
}

// TapDeviceName returns a <=15 character TAP device name derived from a
// task's short ID.
func TapDeviceName(shortID string) string {
	name := "tap-" + shortID
	if len(name) > maxDeviceNameLen {
		name = name[:maxDeviceNameLen]
	}
	return name
}
