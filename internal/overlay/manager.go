package overlay

import (
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/KohakuBlueleaf/kohakuriver/internal/kohakulog"
	"github.com/KohakuBlueleaf/kohakuriver/internal/metrics"
	"github.com/KohakuBlueleaf/kohakuriver/internal/types"
	"github.com/rs/zerolog"
)

// EvictionPolicy picks a victim allocation to evict when the runner_id pool
// is exhausted. It receives the full current allocation table and the set
// of hostnames the caller treats as active (the registry passes the nodes
// it sees online plus the registering runner). It must return the
// RunnerID to evict, or 0 if no allocation is eligible.
type EvictionPolicy func(allocations map[int]*types.OverlayAllocation, activeHostnames map[string]bool) int

// DefaultEvictionPolicy evicts the least-recently-used allocation among
// those whose runner is not in activeHostnames.
func DefaultEvictionPolicy(allocations map[int]*types.OverlayAllocation, activeHostnames map[string]bool) int {
	var victim *types.OverlayAllocation
	for _, a := range allocations {
		if activeHostnames[a.RunnerName] {
			continue
		}
		if victim == nil || a.LastUsed.Before(victim.LastUsed) {
			victim = a
		}
	}
	if victim == nil {
		return 0
	}
	return victim.RunnerID
}

// Linker is the narrow interface over external networking tools the
// Manager drives. Implementations call `ip`, `iptables`, etc. Tests supply
// a fake to avoid touching the host's network namespace.
type Linker interface {
	EnsureForwarding() error
	EnsureDummyInterface(name, cidr string) error
	EnsureForwardRules(cidr string) error
	ListVXLANInterfaces() ([]KernelVXLANInterface, error)
	EnsureVXLAN(device string, vni int, localIP, remoteIP, hostIP, runnerSubnet string) error
	DeleteInterface(device string) error
}

// KernelVXLANInterface is one vxkr* interface observed on the Host during
// the recovery scan.
type KernelVXLANInterface struct {
	Device string
	VNI    int
	Remote string
}

// Manager owns the Host-side overlay allocation table and the kernel
// interfaces backing it. All mutation is serialized through mu.
type Manager struct {
	mu sync.Mutex

	subnet *SubnetConfig
	linker Linker
	evict  EvictionPolicy
	logger zerolog.Logger

	baseVXLANID int
	allocations map[int]*types.OverlayAllocation // runnerID -> allocation
	byName      map[string]int                   // runnerName -> runnerID
}

// NewManager constructs a Manager. baseVXLANID is added to runner_id to
// form each allocation's VNI.
func NewManager(subnet *SubnetConfig, linker Linker, baseVXLANID int) *Manager {
	return &Manager{
		subnet:      subnet,
		linker:      linker,
		evict:       DefaultEvictionPolicy,
		logger:      kohakulog.WithComponent("overlay"),
		baseVXLANID: baseVXLANID,
		allocations: make(map[int]*types.OverlayAllocation),
		byName:      make(map[string]int),
	}
}

// SetEvictionPolicy overrides the default LRU-over-inactive policy.
func (m *Manager) SetEvictionPolicy(p EvictionPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict = p
}

var vxDeviceRe = regexp.MustCompile(`^vxkr([0-9a-z]+)$`)

// base36Decode is the inverse of base36 in subnet.go.
func base36Decode(s string) (int, bool) {
	v := 0
	for _, c := range s {
		var d int
		switch {
		case c >= '0' && c <= '9':
			d = int(c - '0')
		case c >= 'a' && c <= 'z':
			d = int(c-'a') + 10
		default:
			return 0, false
		}
		v = v*36 + d
	}
	return v, true
}

// Init performs Host-boot initialization: enable forwarding, assert the
// kohaku-host dummy interface, install dedup'd FORWARD rules, then run the
// recovery pass.
func (m *Manager) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.linker.EnsureForwarding(); err != nil {
		return fmt.Errorf("overlay: enable forwarding: %w", err)
	}
	if err := m.linker.EnsureDummyInterface("kohaku-host", fmt.Sprintf("%s/%d", m.subnet.RootHostIP(), m.subnet.NetworkPrefix)); err != nil {
		return fmt.Errorf("overlay: ensure kohaku-host: %w", err)
	}
	if err := m.linker.EnsureForwardRules(m.subnet.RootCIDR()); err != nil {
		return fmt.Errorf("overlay: ensure forward rules: %w", err)
	}

	return m.recoverLocked()
}

// recoverLocked scans vxkr* interfaces on the Host and registers a
// placeholder allocation for each one with a parseable, in-range runner_id
// and a VNI matching baseVXLANID+runner_id; interfaces that fail validation
// are destroyed. Must be called with mu held.
func (m *Manager) recoverLocked() error {
	ifaces, err := m.linker.ListVXLANInterfaces()
	if err != nil {
		return fmt.Errorf("overlay: list vxlan interfaces: %w", err)
	}

	for _, iface := range ifaces {
		matches := vxDeviceRe.FindStringSubmatch(iface.Device)
		if matches == nil {
			continue
		}
		runnerID, ok := base36Decode(matches[1])
		if !ok || runnerID < 1 || runnerID > m.subnet.MaxRunnerID() {
			m.logger.Warn().Str("device", iface.Device).Msg("destroying unparseable vxlan interface")
			_ = m.linker.DeleteInterface(iface.Device)
			continue
		}
		if iface.VNI != VNI(m.baseVXLANID, runnerID) {
			m.logger.Warn().Str("device", iface.Device).Int("vni", iface.VNI).Msg("destroying vxlan interface with mismatched VNI")
			_ = m.linker.DeleteInterface(iface.Device)
			continue
		}
		if _, exists := m.allocations[runnerID]; exists {
			continue
		}

		alloc := &types.OverlayAllocation{
			RunnerName:      fmt.Sprintf("runner_%d", runnerID),
			RunnerID:        runnerID,
			PhysicalIP:      iface.Remote,
			VXLANVNI:        iface.VNI,
			HostVXLANDevice: iface.Device,
			HostVXLANIP:     m.subnet.HostVXLANIP(runnerID),
			RunnerSubnet:    m.subnet.RunnerSubnetCIDR(runnerID),
			RunnerGatewayIP: m.subnet.RunnerGatewayIP(runnerID),
			Placeholder:     true,
			LastUsed:        time.Now(),
		}
		m.allocations[runnerID] = alloc
	}

	m.refreshMetricsLocked()
	return nil
}

// Recover re-runs the recovery pass. Running it twice in succession is a
// fixpoint: interfaces already registered are left alone,
// and no new placeholders are created for devices already tracked.
func (m *Manager) Recover() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recoverLocked()
}

func (m *Manager) refreshMetricsLocked() {
	placeholders := 0
	for _, a := range m.allocations {
		if a.Placeholder {
			placeholders++
		}
	}
	metrics.OverlayAllocationsTotal.Set(float64(len(m.allocations)))
	metrics.OverlayPlaceholdersTotal.Set(float64(placeholders))
}

// Allocate assigns (or reuses) an OverlayAllocation for a runner
// registering with the given name and physical IP. activeHostnames is
// used only when eviction is required.
func (m *Manager) Allocate(runnerName, physicalIP string, activeHostnames map[string]bool) (*types.OverlayAllocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byName[runnerName]; ok {
		existing := m.allocations[id]
		if !existing.Placeholder && existing.PhysicalIP == physicalIP {
			existing.LastUsed = time.Now()
			return existing, nil
		}
		if existing.PhysicalIP != physicalIP {
			m.logger.Warn().
				Str("runner", runnerName).
				Str("old_physical_ip", existing.PhysicalIP).
				Str("new_physical_ip", physicalIP).
				Msg("runner re-registered with a different physical IP; rebuilding VXLAN remote, in-flight cross-node traffic will drop")
			if err := m.linker.DeleteInterface(existing.HostVXLANDevice); err != nil {
				return nil, fmt.Errorf("overlay: delete stale vxlan for %s: %w", runnerName, err)
			}
			existing.PhysicalIP = physicalIP
			existing.Placeholder = false
			if err := m.reconcileInterfaceLocked(existing); err != nil {
				return nil, err
			}
			existing.LastUsed = time.Now()
			m.refreshMetricsLocked()
			return existing, nil
		}
		// Placeholder with matching physical IP: rename-claim, no churn.
		existing.RunnerName = runnerName
		existing.Placeholder = false
		existing.LastUsed = time.Now()
		m.refreshMetricsLocked()
		return existing, nil
	}

	// Any placeholder whose physical IP already matches this runner? Claim
	// it under the new name without touching the interface.
	for id, a := range m.allocations {
		if a.Placeholder && a.PhysicalIP == physicalIP {
			a.RunnerName = runnerName
			a.Placeholder = false
			a.LastUsed = time.Now()
			m.byName[runnerName] = id
			m.refreshMetricsLocked()
			return a, nil
		}
	}

	runnerID, err := m.nextFreeRunnerIDLocked(activeHostnames)
	if err != nil {
		return nil, err
	}

	alloc := &types.OverlayAllocation{
		RunnerName:      runnerName,
		RunnerID:        runnerID,
		PhysicalIP:      physicalIP,
		VXLANVNI:        VNI(m.baseVXLANID, runnerID),
		HostVXLANDevice: VXLANDeviceName(runnerID),
		HostVXLANIP:     m.subnet.HostVXLANIP(runnerID),
		RunnerSubnet:    m.subnet.RunnerSubnetCIDR(runnerID),
		RunnerGatewayIP: m.subnet.RunnerGatewayIP(runnerID),
		Placeholder:     false,
		LastUsed:        time.Now(),
	}
	if err := m.reconcileInterfaceLocked(alloc); err != nil {
		return nil, err
	}

	m.allocations[runnerID] = alloc
	m.byName[runnerName] = runnerID
	m.refreshMetricsLocked()
	return alloc, nil
}

// nextFreeRunnerIDLocked returns the lowest unused runner_id in
// [1, MaxRunnerID], evicting an inactive placeholder/allocation via the
// configured EvictionPolicy if the pool is exhausted. Must be called with
// mu held.
func (m *Manager) nextFreeRunnerIDLocked(activeHostnames map[string]bool) (int, error) {
	used := make([]int, 0, len(m.allocations))
	for id := range m.allocations {
		used = append(used, id)
	}
	sort.Ints(used)

	next := 1
	i := 0
	for next <= m.subnet.MaxRunnerID() {
		if i < len(used) && used[i] == next {
			next++
			i++
			continue
		}
		return next, nil
	}

	victim := m.evict(m.allocations, activeHostnames)
	if victim == 0 {
		return 0, fmt.Errorf("overlay: runner_id pool exhausted (max %d) and no allocation is eligible for eviction", m.subnet.MaxRunnerID())
	}
	victimAlloc := m.allocations[victim]
	if err := m.linker.DeleteInterface(victimAlloc.HostVXLANDevice); err != nil {
		return 0, fmt.Errorf("overlay: delete evicted interface: %w", err)
	}
	delete(m.allocations, victim)
	delete(m.byName, victimAlloc.RunnerName)
	return victim, nil
}

// reconcileInterfaceLocked creates the VXLAN device for alloc if it doesn't
// exist with the correct VNI/remote, or reuses it if it does. Must be
// called with mu held.
func (m *Manager) reconcileInterfaceLocked(alloc *types.OverlayAllocation) error {
	return m.linker.EnsureVXLAN(alloc.HostVXLANDevice, alloc.VXLANVNI, m.subnet.RootHostIP(), alloc.PhysicalIP, alloc.HostVXLANIP, alloc.RunnerSubnet)
}

// Release tears down a runner's allocation entirely (interface deleted,
// entry removed). Idempotent: releasing an unknown runner is a no-op.
func (m *Manager) Release(runnerName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byName[runnerName]
	if !ok {
		return nil
	}
	alloc := m.allocations[id]
	if err := m.linker.DeleteInterface(alloc.HostVXLANDevice); err != nil {
		return fmt.Errorf("overlay: delete interface for %s: %w", runnerName, err)
	}
	delete(m.allocations, id)
	delete(m.byName, runnerName)
	m.refreshMetricsLocked()
	return nil
}

// Get returns the allocation for a runner, if any.
func (m *Manager) Get(runnerName string) (*types.OverlayAllocation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byName[runnerName]
	if !ok {
		return nil, false
	}
	a := *m.allocations[id]
	return &a, true
}

// List returns a snapshot of all allocations, sorted by runner_id.
func (m *Manager) List() []*types.OverlayAllocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.OverlayAllocation, 0, len(m.allocations))
	for _, a := range m.allocations {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunnerID < out[j].RunnerID })
	return out
}

// IPTablesLinker is the default Linker implementation, driving `ip` and
// `iptables` as subprocesses.
type IPTablesLinker struct{}

func run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w (output: %s)", name, strings.Join(args, " "), err, string(out))
	}
	return nil
}

func (IPTablesLinker) EnsureForwarding() error {
	return run("sysctl", "-w", "net.ipv4.ip_forward=1")
}

func (IPTablesLinker) EnsureDummyInterface(name, cidr string) error {
	if err := run("ip", "link", "add", name, "type", "dummy"); err != nil {
		// Already exists is fine; reconciliation, not failure.
		if !strings.Contains(err.Error(), "exists") {
			return err
		}
	}
	if err := run("ip", "addr", "add", cidr, "dev", name); err != nil {
		if !strings.Contains(err.Error(), "exists") {
			return err
		}
	}
	return run("ip", "link", "set", name, "up")
}

func (IPTablesLinker) EnsureForwardRules(cidr string) error {
	for _, dir := range []struct{ src, dst string }{{cidr, "0.0.0.0/0"}, {"0.0.0.0/0", cidr}} {
		check := exec.Command("iptables", "-C", "FORWARD", "-s", dir.src, "-d", dir.dst, "-j", "ACCEPT")
		if err := check.Run(); err == nil {
			continue // rule already present, dedup
		}
		if err := run("iptables", "-A", "FORWARD", "-s", dir.src, "-d", dir.dst, "-j", "ACCEPT"); err != nil {
			return err
		}
	}
	return nil
}

func (IPTablesLinker) ListVXLANInterfaces() ([]KernelVXLANInterface, error) {
	out, err := exec.Command("ip", "-d", "link", "show", "type", "vxlan").CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("ip link show: %w", err)
	}
	return parseVXLANLinkShow(string(out)), nil
}

var (
	vxlanNameRe = regexp.MustCompile(`^\d+:\s+(\S+)[@:]`)
	vxlanVNIRe  = regexp.MustCompile(`vxlan id (\d+)`)
	vxlanRemRe  = regexp.MustCompile(`remote (\S+)`)
)

func parseVXLANLinkShow(output string) []KernelVXLANInterface {
	var ifaces []KernelVXLANInterface
	lines := strings.Split(output, "\n")
	var current *KernelVXLANInterface
	for _, line := range lines {
		if m := vxlanNameRe.FindStringSubmatch(line); m != nil {
			if current != nil {
				ifaces = append(ifaces, *current)
			}
			current = &KernelVXLANInterface{Device: m[1]}
			continue
		}
		if current == nil {
			continue
		}
		if m := vxlanVNIRe.FindStringSubmatch(line); m != nil {
			vni, _ := strconv.Atoi(m[1])
			current.VNI = vni
		}
		if m := vxlanRemRe.FindStringSubmatch(line); m != nil {
			current.Remote = m[1]
		}
	}
	if current != nil {
		ifaces = append(ifaces, *current)
	}
	return ifaces
}

func (IPTablesLinker) EnsureVXLAN(device string, vni int, localIP, remoteIP, hostIP, runnerSubnet string) error {
	existing, err := (IPTablesLinker{}).ListVXLANInterfaces()
	reuse := false
	if err == nil {
		for _, iface := range existing {
			if iface.Device == device {
				if iface.VNI == vni && iface.Remote == remoteIP {
					reuse = true
					break
				}
				_ = (IPTablesLinker{}).DeleteInterface(device)
				break
			}
		}
	}

	if !reuse {
		if err := run("ip", "link", "add", device, "type", "vxlan",
			"id", strconv.Itoa(vni),
			"local", localIP,
			"remote", remoteIP,
			"dstport", "4789",
			"nolearning"); err != nil {
			return err
		}
		if err := run("ip", "addr", "add", hostIP+"/32", "dev", device); err != nil {
			return err
		}
		if err := run("ip", "link", "set", device, "up"); err != nil {
			return err
		}
	}

	// Hub routing: inter-node traffic reaches this runner's containers by
	// routing its whole subnet at the per-runner device.
	return run("ip", "route", "replace", runnerSubnet, "dev", device)
}

func (IPTablesLinker) DeleteInterface(device string) error {
	err := run("ip", "link", "delete", device)
	if err != nil && strings.Contains(err.Error(), "Cannot find device") {
		return nil
	}
	return err
}
