// Package types defines the core data structures shared across the Host and
// Runner: tasks, nodes, overlay allocations, IP reservations, snapshots, and
// the ephemeral records that describe a running VM or tunnel connection.
package types

import "time"

// TaskType distinguishes one-shot command tasks from long-lived VPS sessions.
type TaskType string

const (
	TaskTypeCommand TaskType = "command"
	TaskTypeVPS     TaskType = "vps"
)

// VPSBackend selects the execution engine for a VPS task.
type VPSBackend string

const (
	VPSBackendDocker VPSBackend = "docker"
	VPSBackendQEMU   VPSBackend = "qemu"
)

// TaskStatus is the task state machine's current state. See
// internal/scheduler for the transition table.
type TaskStatus string

const (
	TaskStatusPendingApproval TaskStatus = "pending_approval"
	TaskStatusPending         TaskStatus = "pending"
	TaskStatusAssigning       TaskStatus = "assigning"
	TaskStatusRunning         TaskStatus = "running"
	TaskStatusPaused          TaskStatus = "paused"
	TaskStatusStopped         TaskStatus = "stopped"
	TaskStatusCompleted       TaskStatus = "completed"
	TaskStatusFailed          TaskStatus = "failed"
	TaskStatusKilled          TaskStatus = "killed"
	TaskStatusKilledOOM       TaskStatus = "killed_oom"
	TaskStatusLost            TaskStatus = "lost"
	TaskStatusRejected        TaskStatus = "rejected"
)

// Terminal reports whether status is a write-once terminal state. VPS tasks
// in TaskStatusLost are the one documented exception (they may recover back
// to TaskStatusRunning), so callers that need that nuance should check
// TaskStatusLost separately rather than relying on Terminal() alone.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusKilled, TaskStatusKilledOOM,
		TaskStatusRejected, TaskStatusStopped, TaskStatusLost:
		return true
	}
	return false
}

// SSHKeyMode controls how (or whether) a VPS task's SSH server is seeded.
type SSHKeyMode string

const (
	SSHKeyModeDisabled SSHKeyMode = "disabled"
	SSHKeyModeGenerate SSHKeyMode = "generate"
	SSHKeyModeUpload   SSHKeyMode = "upload"
	SSHKeyModeNone     SSHKeyMode = "none"
)

// Task represents one unit of work: a one-shot command or a long-lived VPS.
type Task struct {
	TaskID     int64      `json:"task_id"`
	TaskType   TaskType   `json:"task_type"`
	VPSBackend VPSBackend `json:"vps_backend,omitempty"`
	Status     TaskStatus `json:"status"`
	Owner      string     `json:"owner"`
	OwnerRole  string     `json:"owner_role"`

	// Resource demand.
	RequiredCores        int     `json:"required_cores"`
	RequiredMemoryBytes  *int64  `json:"required_memory_bytes,omitempty"`
	RequiredGPUs         []int   `json:"required_gpus,omitempty"`
	RequiredGPUPCIAddrs  []string `json:"required_gpu_pci_addrs,omitempty"`
	TargetNUMANodeID     *int    `json:"target_numa_node_id,omitempty"`

	// Target selector.
	TargetHostname     string `json:"target_hostname,omitempty"`
	ReservedIP         string `json:"reserved_ip,omitempty"`
	IPReservationToken string `json:"ip_reservation_token,omitempty"`

	// Payload.
	Command    string            `json:"command,omitempty"`
	Arguments  []string          `json:"arguments,omitempty"`
	EnvVars    map[string]string `json:"env_vars,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Privileged bool              `json:"privileged,omitempty"`
	Mounts     []MountSpec       `json:"mounts,omitempty"`

	// Container inputs.
	ContainerName string `json:"container_name,omitempty"`
	RegistryImage string `json:"registry_image,omitempty"`

	// VM inputs.
	VMImage    string `json:"vm_image,omitempty"`
	VMDiskSize int64  `json:"vm_disk_size,omitempty"`
	MemoryMB   int    `json:"memory_mb,omitempty"`

	// SSH inputs.
	SSHKeyMode   SSHKeyMode `json:"ssh_key_mode,omitempty"`
	SSHPublicKey string     `json:"ssh_public_key,omitempty"`
	SSHPort      int        `json:"ssh_port,omitempty"`

	// Runtime results.
	AssignedNode              string `json:"assigned_node,omitempty"`
	ExitCode                  *int   `json:"exit_code,omitempty"`
	ErrorMessage              string `json:"error_message,omitempty"`
	StdoutPath                string `json:"stdout_path,omitempty"`
	StderrPath                string `json:"stderr_path,omitempty"`
	AssignmentSuspicionCount  int    `json:"assignment_suspicion_count"`

	SubmittedAt time.Time `json:"submitted_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// MountSpec is a user-requested bind mount for command/VPS tasks.
type MountSpec struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

// NodeStatus is the liveness state the registry assigns a node.
type NodeStatus string

const (
	NodeStatusOnline  NodeStatus = "online"
	NodeStatusOffline NodeStatus = "offline"
)

// NUMANode describes one NUMA domain reported by a runner.
type NUMANode struct {
	ID        int   `json:"id"`
	CPUs      []int `json:"cpus"`
	MemoryMB  int64 `json:"memory_mb"`
}

// GPUInfo describes one GPU reported by a runner's heartbeat/registration.
type GPUInfo struct {
	GPUID            int     `json:"gpu_id"`
	Name             string  `json:"name"`
	MemoryTotalMiB   int64   `json:"memory_total_mib"`
	Utilization      float64 `json:"utilization"`
	TemperatureC     float64 `json:"temperature"`
	VMTaskID         *int64  `json:"vm_task_id,omitempty"`
	VFIOBound        bool    `json:"vfio_bound"`
}

// VFIOGPU describes a GPU that a runner has made available for VFIO
// passthrough, including the audio function that must follow it into the
// same IOMMU group.
type VFIOGPU struct {
	PCIAddr         string   `json:"pci_addr"`
	IOMMUGroup      string   `json:"iommu_group"`
	Model           string   `json:"model"`
	AudioCompanions []string `json:"audio_companions,omitempty"`
}

// Node is a Runner's registration record, including live resource
// accounting. Invariant: AllocatedCores <= TotalCores, AllocatedMemoryBytes
// <= MemoryTotalBytes, and AllocatedGPUs indices are disjoint across tasks.
type Node struct {
	Hostname          string     `json:"hostname"`
	URL               string     `json:"url"`
	Architecture      string     `json:"architecture,omitempty"`
	TotalCores        int        `json:"total_cores"`
	MemoryTotalBytes  int64      `json:"memory_total_bytes"`
	NUMATopology      []NUMANode `json:"numa_topology,omitempty"`
	GPUInfo           []GPUInfo  `json:"gpu_info,omitempty"`
	VMCapable         bool       `json:"vm_capable"`
	VFIOGPUs          []VFIOGPU  `json:"vfio_gpus,omitempty"`
	RunnerVersion     string     `json:"runner_version"`
	Status            NodeStatus `json:"status"`
	LastHeartbeat     time.Time  `json:"last_heartbeat"`

	// Live health, refreshed by every heartbeat.
	CPUPercent      float64 `json:"cpu_percent"`
	MemoryUsedBytes int64   `json:"memory_used_bytes"`
	MemoryPercent   float64 `json:"memory_percent"`
	TemperatureAvgC float64 `json:"temperature_avg_c,omitempty"`
	TemperatureMaxC float64 `json:"temperature_max_c,omitempty"`

	AllocatedCores       int     `json:"allocated_cores"`
	AllocatedMemoryBytes int64   `json:"allocated_memory_bytes"`
	AllocatedGPUs        []int   `json:"allocated_gpus,omitempty"`

	RegisteredAt time.Time `json:"registered_at"`
}

// AllocateFor charges task's resource demand against this node's
// allocation counters. The caller must have already fit-checked the node;
// AllocateFor does not re-verify capacity.
func (n *Node) AllocateFor(task *Task) {
	n.AllocatedCores += task.RequiredCores
	if task.RequiredMemoryBytes != nil {
		n.AllocatedMemoryBytes += *task.RequiredMemoryBytes
	}
	n.AllocatedGPUs = append(n.AllocatedGPUs, task.RequiredGPUs...)
}

// ReleaseFor returns task's resource demand to this node, clamping at
// zero so a double release cannot drive the counters negative.
func (n *Node) ReleaseFor(task *Task) {
	n.AllocatedCores -= task.RequiredCores
	if n.AllocatedCores < 0 {
		n.AllocatedCores = 0
	}
	if task.RequiredMemoryBytes != nil {
		n.AllocatedMemoryBytes -= *task.RequiredMemoryBytes
		if n.AllocatedMemoryBytes < 0 {
			n.AllocatedMemoryBytes = 0
		}
	}
	if len(task.RequiredGPUs) > 0 {
		freed := make(map[int]bool, len(task.RequiredGPUs))
		for _, g := range task.RequiredGPUs {
			freed[g] = true
		}
		remaining := n.AllocatedGPUs[:0]
		for _, g := range n.AllocatedGPUs {
			if !freed[g] {
				remaining = append(remaining, g)
			}
		}
		n.AllocatedGPUs = remaining
	}
}

// AvailableCores returns the node's free core capacity.
func (n *Node) AvailableCores() int {
	return n.TotalCores - n.AllocatedCores
}

// AvailableMemoryBytes returns the node's free memory capacity.
func (n *Node) AvailableMemoryBytes() int64 {
	return n.MemoryTotalBytes - n.AllocatedMemoryBytes
}

// FreeGPUSet returns the set of GPU indices not currently allocated.
func (n *Node) FreeGPUSet() map[int]bool {
	allocated := make(map[int]bool, len(n.AllocatedGPUs))
	for _, g := range n.AllocatedGPUs {
		allocated[g] = true
	}
	free := make(map[int]bool)
	for _, g := range n.GPUInfo {
		if !allocated[g.GPUID] {
			free[g.GPUID] = true
		}
	}
	return free
}

// HasVFIOAddr reports whether pciAddr is among this node's VFIO-capable GPUs.
func (n *Node) HasVFIOAddr(pciAddr string) bool {
	for _, g := range n.VFIOGPUs {
		if g.PCIAddr == pciAddr {
			return true
		}
	}
	return false
}

// OverlayAllocation is the Host's record of one runner's hub-and-spoke
// VXLAN binding. One-to-one with a live vxkr* interface on the Host, unless
// Placeholder is true (recovered from the kernel, awaiting re-registration).
type OverlayAllocation struct {
	RunnerName        string    `json:"runner_name"`
	RunnerID          int       `json:"runner_id"`
	PhysicalIP        string    `json:"physical_ip"`
	VXLANVNI          int       `json:"vxlan_vni"`
	HostVXLANDevice   string    `json:"host_vxlan_device_name"`
	HostVXLANIP       string    `json:"host_vxlan_ip"`
	RunnerSubnet       string    `json:"runner_subnet"`
	RunnerGatewayIP    string    `json:"runner_gateway_ip"`
	Placeholder        bool      `json:"placeholder"`
	LastUsed           time.Time `json:"last_used"`
}

// IPReservation is a signed, TTL-bounded claim on an overlay IP.
type IPReservation struct {
	IP          string     `json:"ip"`
	RunnerName  string     `json:"runner_name"`
	Token       string     `json:"token"`
	Purpose     string     `json:"purpose"` // "task" or "vm"
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	ContainerID string     `json:"container_id,omitempty"`
}

// Used reports whether a container has bound this reservation via Use().
func (r *IPReservation) Used() bool {
	return r.ContainerID != ""
}

// Snapshot is a docker-commit-captured image of a Docker VPS.
type Snapshot struct {
	TaskID    int64     `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
	ImageTag  string    `json:"image_tag"`
	Message   string    `json:"message,omitempty"`
	SizeBytes int64     `json:"size_bytes"`
}

// NetworkMode selects how a VM's TAP device is wired.
type NetworkMode string

const (
	NetworkModeOverlay  NetworkMode = "overlay"
	NetworkModeStandard NetworkMode = "standard"
)

// VMNetworkInfo describes the ephemeral network configuration of a running
// VM; it lives only as long as the VM process.
type VMNetworkInfo struct {
	TapDevice         string      `json:"tap_device"`
	VMIP              string      `json:"vm_ip"`
	Gateway           string      `json:"gateway"`
	BridgeName        string      `json:"bridge_name"`
	Netmask           string      `json:"netmask"`
	PrefixLen         int         `json:"prefix_len"`
	DNSServers        []string    `json:"dns_servers"`
	Mode              NetworkMode `json:"mode"`
	RunnerURL         string      `json:"runner_url"`
	ReservationToken  string      `json:"reservation_token,omitempty"`
}

// TunnelProto is the transport protocol of a multiplexed tunnel connection.
type TunnelProto byte

const (
	TunnelProtoTCP TunnelProto = 0x00
	TunnelProtoUDP TunnelProto = 0x01
)

// TunnelConnState is the lifecycle state of one multiplexed tunnel stream.
type TunnelConnState string

const (
	TunnelConnConnecting  TunnelConnState = "connecting"
	TunnelConnEstablished TunnelConnState = "established"
	TunnelConnClosed      TunnelConnState = "closed"
)
