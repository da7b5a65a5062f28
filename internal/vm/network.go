package vm

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/KohakuBlueleaf/kohakuriver/internal/tapdevice"
	"github.com/KohakuBlueleaf/kohakuriver/internal/types"
)

// standardPool hands out sequential IPs from 10.200.0.0/24 for VMs
// launched in standard (NAT) network mode, where no overlay reservation
// service is involved. Addresses .1 (gateway) and .255 (broadcast) are
// never issued.
type standardPool struct {
	mu   sync.Mutex
	next int
	used map[int]bool
}

func newStandardPool() *standardPool {
	return &standardPool{next: 2, used: make(map[int]bool)}
}

func (p *standardPool) acquire() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < 253; i++ {
		host := p.next
		p.next++
		if p.next > 254 {
			p.next = 2
		}
		if p.used[host] {
			continue
		}
		p.used[host] = true
		return fmt.Sprintf("10.200.0.%d", host), nil
	}
	return "", fmt.Errorf("vm: standard network pool exhausted")
}

func (p *standardPool) release(ip string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return
	}
	host, err := strconv.Atoi(parts[3])
	if err != nil {
		return
	}
	delete(p.used, host)
}

// ensureStandardBridge idempotently creates the NAT bridge used for
// standard-mode VMs, with a gateway address and MASQUERADE rule so VMs
// reach the outside network.
func ensureStandardBridge(bridge string) error {
	if err := run("ip", "link", "add", bridge, "type", "bridge"); err != nil {
		if !strings.Contains(err.Error(), "exists") {
			return fmt.Errorf("vm: create bridge %s: %w", bridge, err)
		}
	}
	if err := run("ip", "addr", "add", "10.200.0.1/24", "dev", bridge); err != nil {
		if !strings.Contains(err.Error(), "exists") {
			return fmt.Errorf("vm: address bridge %s: %w", bridge, err)
		}
	}
	if err := run("ip", "link", "set", bridge, "up"); err != nil {
		return fmt.Errorf("vm: bring up bridge %s: %w", bridge, err)
	}
	if err := run("iptables", "-t", "nat", "-C", "POSTROUTING", "-s", "10.200.0.0/24", "-j", "MASQUERADE"); err != nil {
		if err := run("iptables", "-t", "nat", "-A", "POSTROUTING", "-s", "10.200.0.0/24", "-j", "MASQUERADE"); err != nil {
			return fmt.Errorf("vm: add MASQUERADE rule for %s: %w", bridge, err)
		}
	}
	return nil
}

func run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w (output: %s)", name, strings.Join(args, " "), err, string(out))
	}
	return nil
}

// provisionNetwork picks VM network addressing per the manager's
// configured mode: overlay mode brokers a reservation through the Host
// (so the VM's IP participates in the VXLAN fabric like any container
// task), standard mode hands out a local NAT address from standardPool.
func (m *Manager) provisionNetwork(ctx context.Context, req CreateRequest) (*types.VMNetworkInfo, string, error) {
	tapName := "tap-" + tapdevice.ShortID(req.TaskID)

	switch m.cfg.NetworkMode {
	case types.NetworkModeOverlay:
		if m.ips == nil {
			return nil, "", fmt.Errorf("vm: overlay network mode requires an IPAllocator")
		}
		ip, gateway, token, err := m.ips.ReserveVMIP(ctx, req.RunnerName)
		if err != nil {
			return nil, "", fmt.Errorf("vm: reserve overlay IP: %w", err)
		}
		return &types.VMNetworkInfo{
			TapDevice:        tapName,
			VMIP:             ip,
			Gateway:          gateway,
			BridgeName:       m.cfg.OverlayBridge,
			PrefixLen:        24,
			Mode:             types.NetworkModeOverlay,
			RunnerURL:        fmt.Sprintf("http://%s:%d", gateway, m.cfg.RunnerPort),
			ReservationToken: token,
		}, tapName, nil

	case types.NetworkModeStandard:
		if err := ensureStandardBridge(m.cfg.StandardBridge); err != nil {
			return nil, "", err
		}
		ip, err := m.standardIPPool.acquire()
		if err != nil {
			return nil, "", err
		}
		return &types.VMNetworkInfo{
			TapDevice:  tapName,
			VMIP:       ip,
			Gateway:    "10.200.0.1",
			BridgeName: m.cfg.StandardBridge,
			PrefixLen:  24,
			DNSServers: []string{"1.1.1.1", "8.8.8.8"},
			Mode:       types.NetworkModeStandard,
			RunnerURL:  fmt.Sprintf("http://10.200.0.1:%d", m.cfg.RunnerPort),
		}, tapName, nil

	default:
		return nil, "", fmt.Errorf("vm: unknown network mode %q", m.cfg.NetworkMode)
	}
}
