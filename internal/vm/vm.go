// Package vm implements KohakuRiver's QEMU/KVM VPS lifecycle: qcow2
// cloning, cloud-init seed generation, TAP/VFIO provisioning, QEMU
// process launch, ACPI-then-signal shutdown escalation, and stale-state
// cleanup.
package vm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/KohakuBlueleaf/kohakuriver/internal/kohakulog"
	"github.com/KohakuBlueleaf/kohakuriver/internal/tapdevice"
	"github.com/KohakuBlueleaf/kohakuriver/internal/types"
	"github.com/KohakuBlueleaf/kohakuriver/internal/vfio"
	"github.com/rs/zerolog"
)

// Config bundles the Runner-wide settings the VM manager needs.
type Config struct {
	VMImagesDir       string
	VMInstancesDir    string
	NetworkMode       types.NetworkMode
	OverlayBridge     string // "kohaku-overlay", present only in overlay mode
	StandardBridge    string // "kohaku-br0", created on demand in standard mode
	RunnerPort        int
	HeartbeatInterval time.Duration
	BootTimeout       time.Duration
	ShutdownGrace     time.Duration
}

// IPAllocator is the narrow surface a Runner's host client exposes for
// VM network provisioning: overlay-mode IP reservation is brokered
// through the Host (internal/reservation lives there), never held
// locally.
type IPAllocator interface {
	ReserveVMIP(ctx context.Context, runnerName string) (ip, gateway, token string, err error)
	ReleaseVMIP(ctx context.Context, token string) error
}

// instance tracks one running VM's provisioned resources. QEMU runs
// -daemonize'd, so the live process is identified by its pidfile, not by
// the exec.Cmd that launched it.
type instance struct {
	taskID      int64
	pidFile     string
	qmpPath     string
	tapDevice   string
	netInfo     *types.VMNetworkInfo
	gpus        []gpuBinding
	instanceDir string
}

type gpuBinding struct {
	pciAddr        string
	originalDriver string
	audioAddrs     []string
}

// Manager owns all running VM instances on a Runner.
type Manager struct {
	cfg    Config
	ips    IPAllocator
	logger zerolog.Logger

	mu        sync.Mutex
	instances map[int64]*instance
	standardIPPool *standardPool
}

// NewManager constructs a VM Manager.
func NewManager(cfg Config, ips IPAllocator) *Manager {
	if cfg.BootTimeout <= 0 {
		cfg.BootTimeout = 60 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	return &Manager{
		cfg:            cfg,
		ips:            ips,
		logger:         kohakulog.WithComponent("vm"),
		instances:      make(map[int64]*instance),
		standardIPPool: newStandardPool(),
	}
}

// VMIP returns the IP of taskID's running VM, or "" when no instance is
// live.
func (m *Manager) VMIP(taskID int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[taskID]
	if !ok || inst.netInfo == nil {
		return ""
	}
	return inst.netInfo.VMIP
}

// Has reports whether taskID currently has a live VM instance.
func (m *Manager) Has(taskID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.instances[taskID]
	return ok
}

// RunningTaskIDs lists the tasks with a live VM instance, for the
// Runner's heartbeat running-set report.
func (m *Manager) RunningTaskIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	return ids
}

// CreateRequest bundles the fields Create needs from the dispatched task.
type CreateRequest struct {
	TaskID        int64
	RunnerName    string
	VMImage       string
	DiskSizeGB    int64
	MemoryMB      int
	Cores         int
	GPUPCIAddrs   []string
	SSHKeyMode    types.SSHKeyMode
	AuthorizedKey string
	Hostname      string
}

// CreateResult is returned to the Host once the VM is launched (not yet
// necessarily confirmed running; that happens on phone-home/heartbeat).
type CreateResult struct {
	NetInfo       *types.VMNetworkInfo
	GeneratedKey  string // only set when SSHKeyMode == generate
}

// Create clones the base disk, provisions networking and GPUs, generates
// the cloud-init seed, and launches QEMU. It does not block for boot
// completion; callers should wait on the phone-home/heartbeat contract.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	instDir := filepath.Join(m.cfg.VMInstancesDir, strconv.FormatInt(req.TaskID, 10))
	if err := os.MkdirAll(instDir, 0o755); err != nil {
		return nil, fmt.Errorf("vm: create instance dir: %w", err)
	}

	diskPath := filepath.Join(instDir, "disk.qcow2")
	if err := cloneDisk(ctx, filepath.Join(m.cfg.VMImagesDir, req.VMImage), diskPath, req.DiskSizeGB); err != nil {
		return nil, err
	}

	netInfo, tapDev, err := m.provisionNetwork(ctx, req)
	if err != nil {
		return nil, err
	}

	var keypairResult CreateResult
	var sshKey string
	switch req.SSHKeyMode {
	case types.SSHKeyModeUpload, types.SSHKeyModeGenerate:
		// In generate mode the runner API layer mints the keypair and
		// passes the public half down as AuthorizedKey.
		sshKey = req.AuthorizedKey
	}

	seedPath := filepath.Join(instDir, "seed.iso")
	if err := generateCloudInitSeed(seedPath, cloudInitData{
		Hostname:          req.Hostname,
		AuthorizedKey:     sshKey,
		DisableSSH:        req.SSHKeyMode == types.SSHKeyModeDisabled,
		RunnerURL:         netInfo.RunnerURL,
		TaskID:            req.TaskID,
		HeartbeatInterval: int(m.cfg.HeartbeatInterval.Seconds()),
		VMIP:              netInfo.VMIP,
		Gateway:           netInfo.Gateway,
		PrefixLen:         netInfo.PrefixLen,
		DNSServers:        netInfo.DNSServers,
	}); err != nil {
		return nil, fmt.Errorf("vm: generate cloud-init seed: %w", err)
	}

	gpus, err := m.bindGPUs(req.GPUPCIAddrs)
	if err != nil {
		m.unbindGPUs(gpus)
		return nil, err
	}

	qmpPath := filepath.Join(instDir, "qmp.sock")
	tapFile, err := tapdevice.Create(tapDev)
	if err != nil {
		m.unbindGPUs(gpus)
		return nil, fmt.Errorf("vm: create tap device: %w", err)
	}
	bridge := m.bridgeFor()
	if err := tapdevice.AttachToBridge(tapFile.Name, bridge); err != nil {
		tapFile.File.Close()
		m.unbindGPUs(gpus)
		return nil, fmt.Errorf("vm: attach tap to bridge %s: %w", bridge, err)
	}

	pidFile := filepath.Join(instDir, "qemu.pid")
	if err := launchQEMU(ctx, launchSpec{
		DiskPath: diskPath,
		SeedPath: seedPath,
		MemoryMB: req.MemoryMB,
		Cores:    req.Cores,
		TapFD:    tapFile.File,
		QMPPath:  qmpPath,
		GPUs:     gpus,
		PIDFile:  pidFile,
	}); err != nil {
		tapFile.File.Close()
		m.unbindGPUs(gpus)
		return nil, fmt.Errorf("vm: launch qemu: %w", err)
	}

	inst := &instance{
		taskID:      req.TaskID,
		pidFile:     pidFile,
		qmpPath:     qmpPath,
		tapDevice:   tapFile.Name,
		netInfo:     netInfo,
		gpus:        gpus,
		instanceDir: instDir,
	}
	m.mu.Lock()
	m.instances[req.TaskID] = inst
	m.mu.Unlock()

	m.logger.Info().Int64("task_id", req.TaskID).Str("vm_ip", netInfo.VMIP).Msg("vm launched")
	keypairResult.NetInfo = netInfo
	return &keypairResult, nil
}

func (m *Manager) bridgeFor() string {
	if m.cfg.NetworkMode == types.NetworkModeOverlay {
		return m.cfg.OverlayBridge
	}
	return m.cfg.StandardBridge
}

// Stop performs ACPI shutdown via QMP with a grace period, escalating to
// SIGTERM then SIGKILL, then tears down TAP/GPU/IP resources. The disk
// image is left in place for Restart.
func (m *Manager) Stop(ctx context.Context, taskID int64) error {
	m.mu.Lock()
	inst, ok := m.instances[taskID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("vm: no running instance for task %d", taskID)
	}

	m.acpiShutdown(inst)
	m.waitOrKill(inst)

	if err := tapdevice.Delete(inst.tapDevice); err != nil {
		m.logger.Warn().Err(err).Str("tap", inst.tapDevice).Msg("failed to delete tap device")
	}
	m.unbindGPUs(inst.gpus)

	if inst.netInfo.Mode == types.NetworkModeOverlay && inst.netInfo.ReservationToken != "" && m.ips != nil {
		if err := m.ips.ReleaseVMIP(ctx, inst.netInfo.ReservationToken); err != nil {
			m.logger.Warn().Err(err).Int64("task_id", taskID).Msg("failed to release VM IP reservation")
		}
	} else if inst.netInfo.Mode == types.NetworkModeStandard {
		m.standardIPPool.release(inst.netInfo.VMIP)
	}

	m.mu.Lock()
	delete(m.instances, taskID)
	m.mu.Unlock()
	return nil
}

// acpiShutdown sends system_powerdown over QMP; a failure here is not
// fatal, it just skips straight to the signal escalation in waitOrKill.
func (m *Manager) acpiShutdown(inst *instance) {
	qmp, err := DialQMP(inst.qmpPath)
	if err != nil {
		m.logger.Warn().Err(err).Int64("task_id", inst.taskID).Msg("qmp dial failed, skipping ACPI shutdown")
		return
	}
	defer qmp.Close()
	if err := qmp.Execute("system_powerdown", nil); err != nil {
		m.logger.Warn().Err(err).Int64("task_id", inst.taskID).Msg("qmp system_powerdown failed")
	}
}

// waitOrKill waits for the daemonized QEMU process, identified by its
// pidfile, to exit: ACPI grace window first, then SIGTERM, then SIGKILL.
// There is no launcher process left to wait on (-daemonize means it
// exited at boot), so liveness is probed the same way Cleanup probes it.
func (m *Manager) waitOrKill(inst *instance) {
	pid, alive := readPIDAlive(inst.pidFile)
	if !alive {
		return
	}

	if waitPIDExit(pid, m.cfg.ShutdownGrace) {
		return
	}

	m.logger.Warn().Int64("task_id", inst.taskID).Msg("VM did not ACPI-shutdown in time, sending SIGTERM")
	_ = syscall.Kill(pid, syscall.SIGTERM)
	if waitPIDExit(pid, 10*time.Second) {
		return
	}

	m.logger.Warn().Int64("task_id", inst.taskID).Msg("VM did not respond to SIGTERM, sending SIGKILL")
	_ = syscall.Kill(pid, syscall.SIGKILL)
	waitPIDExit(pid, 5*time.Second)
}

// waitPIDExit polls until pid is gone or timeout elapses, reporting
// whether the process exited.
func waitPIDExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			return true
		}
		time.Sleep(200 * time.Millisecond)
	}
	return !pidAlive(pid)
}

// Restart rebinds GPUs and relaunches QEMU against the existing disk; no
// second cloud-init run occurs (the seed ISO remains attached, its data
// idempotent).
func (m *Manager) Restart(ctx context.Context, taskID int64, req CreateRequest) (*CreateResult, error) {
	instDir := filepath.Join(m.cfg.VMInstancesDir, strconv.FormatInt(taskID, 10))
	diskPath := filepath.Join(instDir, "disk.qcow2")
	if _, err := os.Stat(diskPath); err != nil {
		return nil, fmt.Errorf("vm: no existing disk for task %d restart: %w", taskID, err)
	}

	netInfo, tapDev, err := m.provisionNetwork(ctx, req)
	if err != nil {
		return nil, err
	}

	gpus, err := m.bindGPUs(req.GPUPCIAddrs)
	if err != nil {
		m.unbindGPUs(gpus)
		return nil, err
	}

	qmpPath := filepath.Join(instDir, "qmp.sock")
	tapFile, err := tapdevice.Create(tapDev)
	if err != nil {
		m.unbindGPUs(gpus)
		return nil, fmt.Errorf("vm: recreate tap device: %w", err)
	}
	if err := tapdevice.AttachToBridge(tapFile.Name, m.bridgeFor()); err != nil {
		tapFile.File.Close()
		m.unbindGPUs(gpus)
		return nil, err
	}

	pidFile := filepath.Join(instDir, "qemu.pid")
	if err := launchQEMU(ctx, launchSpec{
		DiskPath: diskPath,
		SeedPath: filepath.Join(instDir, "seed.iso"),
		MemoryMB: req.MemoryMB,
		Cores:    req.Cores,
		TapFD:    tapFile.File,
		QMPPath:  qmpPath,
		GPUs:     gpus,
		PIDFile:  pidFile,
	}); err != nil {
		tapFile.File.Close()
		m.unbindGPUs(gpus)
		return nil, fmt.Errorf("vm: relaunch qemu: %w", err)
	}

	inst := &instance{taskID: taskID, pidFile: pidFile, qmpPath: qmpPath, tapDevice: tapFile.Name, netInfo: netInfo, gpus: gpus, instanceDir: instDir}
	m.mu.Lock()
	m.instances[taskID] = inst
	m.mu.Unlock()

	return &CreateResult{NetInfo: netInfo}, nil
}

func (m *Manager) bindGPUs(pciAddrs []string) ([]gpuBinding, error) {
	var bindings []gpuBinding
	for _, addr := range pciAddrs {
		orig, err := vfio.CurrentDriver(addr)
		if err != nil {
			return bindings, fmt.Errorf("vm: read current driver for %s: %w", addr, err)
		}
		companions, err := vfio.AudioCompanions(addr)
		if err != nil {
			return bindings, fmt.Errorf("vm: discover audio companions for %s: %w", addr, err)
		}
		if err := vfio.BindVFIO(addr); err != nil {
			return bindings, fmt.Errorf("vm: bind %s to vfio-pci: %w", addr, err)
		}
		for _, companion := range companions {
			if err := vfio.BindVFIO(companion); err != nil {
				return bindings, fmt.Errorf("vm: bind audio companion %s to vfio-pci: %w", companion, err)
			}
		}
		bindings = append(bindings, gpuBinding{pciAddr: addr, originalDriver: orig, audioAddrs: companions})
	}
	return bindings, nil
}

func (m *Manager) unbindGPUs(bindings []gpuBinding) {
	for _, b := range bindings {
		if err := vfio.RebindOriginal(b.pciAddr, b.originalDriver); err != nil {
			m.logger.Warn().Err(err).Str("pci_addr", b.pciAddr).Msg("failed to rebind GPU to original driver")
		}
		for _, companion := range b.audioAddrs {
			if err := vfio.RebindOriginal(companion, ""); err != nil {
				m.logger.Warn().Err(err).Str("pci_addr", companion).Msg("failed to rebind audio companion")
			}
		}
	}
}

// cloneDisk implements step 1 of Create: `qemu-img create -F qcow2 -b
// <base> <dest>`, optionally resized.
func cloneDisk(ctx context.Context, basePath, destPath string, diskSizeGB int64) error {
	args := []string{"create", "-f", "qcow2", "-F", "qcow2", "-b", basePath, destPath}
	if diskSizeGB > 0 {
		args = append(args, fmt.Sprintf("%dG", diskSizeGB))
	}
	out, err := exec.CommandContext(ctx, "qemu-img", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("vm: qemu-img create: %w (output: %s)", err, out)
	}
	return nil
}

// launchSpec bundles everything launchQEMU needs to fork qemu-system-*.
type launchSpec struct {
	DiskPath string
	SeedPath string
	MemoryMB int
	Cores    int
	TapFD    *os.File
	QMPPath  string
	GPUs     []gpuBinding
	PIDFile  string
}

// launchQEMU forks qemu-system-x86_64 as an independent, daemonized
// process group with virtio disk/net, the provided TAP fd, any VFIO
// devices, and a QMP unix-socket control channel. With -daemonize the
// launched process exits once the daemon is up; the daemon's own pid
// lands in spec.PIDFile, which is the only handle on the running VM
// afterwards.
func launchQEMU(ctx context.Context, spec launchSpec) error {
	args := []string{
		"-machine", "q35,accel=kvm",
		"-m", strconv.Itoa(spec.MemoryMB),
		"-smp", strconv.Itoa(spec.Cores),
		"-drive", fmt.Sprintf("file=%s,if=virtio,format=qcow2", spec.DiskPath),
		"-drive", fmt.Sprintf("file=%s,if=virtio,media=cdrom,read-only=on", spec.SeedPath),
		"-netdev", fmt.Sprintf("tap,id=net0,fd=%d", tapFDNumber(spec.TapFD)),
		"-device", "virtio-net-pci,netdev=net0",
		"-qmp", fmt.Sprintf("unix:%s,server,nowait", spec.QMPPath),
		"-daemonize",
		"-pidfile", spec.PIDFile,
		"-display", "none",
	}
	for _, g := range spec.GPUs {
		args = append(args, "-device", fmt.Sprintf("vfio-pci,host=%s", g.pciAddr))
		for _, companion := range g.audioAddrs {
			args = append(args, "-device", fmt.Sprintf("vfio-pci,host=%s", companion))
		}
	}

	cmd := exec.CommandContext(ctx, "qemu-system-x86_64", args...)
	cmd.ExtraFiles = []*os.File{spec.TapFD}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	// Reap the short-lived launcher; it exits as soon as the daemon forks.
	go func() { _ = cmd.Wait() }()
	return nil
}

// tapFDNumber returns the fd number QEMU will see the TAP device at: the
// first entry in cmd.ExtraFiles always lands at fd 3 in the child.
func tapFDNumber(*os.File) int { return 3 }

// CleanupReport classifies VM instance directories found under
// VMInstancesDir against the runner's live task set.
type CleanupReport struct {
	Live           []int64
	Orphaned       []int64
	StaleBindings  []int64
}

// Cleanup scans VMInstancesDir; for each instance directory it checks for
// a live QEMU PID and whether the Host considers the task running, and
// classifies it accordingly. It kills the QEMU process of each orphan; it
// does not rebind any GPU or remove any instance directory.
func (m *Manager) Cleanup(runningTaskIDs map[int64]bool) (*CleanupReport, error) {
	entries, err := os.ReadDir(m.cfg.VMInstancesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return &CleanupReport{}, nil
		}
		return nil, fmt.Errorf("vm: read instances dir: %w", err)
	}

	report := &CleanupReport{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		taskID, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		pidFile := filepath.Join(m.cfg.VMInstancesDir, e.Name(), "qemu.pid")
		pid, alive := readPIDAlive(pidFile)

		switch {
		case alive && runningTaskIDs[taskID]:
			report.Live = append(report.Live, taskID)
		case alive && !runningTaskIDs[taskID]:
			report.Orphaned = append(report.Orphaned, taskID)
			killPID(pid)
		default:
			report.StaleBindings = append(report.StaleBindings, taskID)
		}
	}
	return report, nil
}

func readPIDAlive(pidFile string) (int, bool) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(trimNewline(string(data)))
	if err != nil {
		return 0, false
	}
	return pid, pidAlive(pid)
}

// pidAlive probes a process with signal 0. On Unix, FindProcess always
// succeeds; only the signal tells whether the process exists.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func killPID(pid int) {
	if pid <= 0 {
		return
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	_ = proc.Kill()
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// marshalQMP is used by qmp.go's Execute for argument-carrying commands.
func marshalQMP(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
