// Package registry implements the node registry and heartbeat service:
// idempotent registration wired to overlay allocation,
// atomic heartbeat processing, the running-task suspicion counter, and the
// missed-heartbeat scanner that declares nodes offline and their tasks
// lost.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/KohakuBlueleaf/kohakuriver/internal/kohakulog"
	"github.com/KohakuBlueleaf/kohakuriver/internal/metrics"
	"github.com/KohakuBlueleaf/kohakuriver/internal/scheduler"
	"github.com/KohakuBlueleaf/kohakuriver/internal/store"
	"github.com/KohakuBlueleaf/kohakuriver/internal/types"
	"github.com/rs/zerolog"
)

// suspicionThreshold is the number of consecutive heartbeat mismatches
// before a task is demoted to lost.
const suspicionThreshold = 3

// OverlayAllocator is the subset of internal/overlay.Manager the registry
// needs at registration time, kept as an interface to avoid a dependency
// cycle between registry and overlay.
type OverlayAllocator interface {
	Allocate(runnerName, physicalIP string, activeHostnames map[string]bool) (*types.OverlayAllocation, error)
}

// RegistrationInfo carries the fields a runner supplies in a register
// call, beyond what's already in types.Node.
type RegistrationInfo struct {
	Hostname         string
	URL              string
	PhysicalIP       string
	Architecture     string
	TotalCores       int
	MemoryTotalBytes int64
	NUMATopology     []types.NUMANode
	GPUInfo          []types.GPUInfo
	VMCapable        bool
	VFIOGPUs         []types.VFIOGPU
	RunnerVersion    string
}

// RegistrationResult is returned to the runner on successful registration.
type RegistrationResult struct {
	RunnerSubnet string
	GatewayIP    string
}

// HeartbeatReport carries one heartbeat's payload from a runner.
type HeartbeatReport struct {
	Hostname         string
	CPUPercent       float64
	MemoryUsedBytes  int64
	MemoryPercent    float64
	TemperatureAvgC  float64
	TemperatureMaxC  float64
	GPUInfo          []types.GPUInfo
	RunningTaskIDs   []int64
	FinishedTaskIDs  []int64
	KilledTaskIDs    []int64
	KilledOOMTaskIDs []int64
}

// Registry tracks node liveness and brokers registration/heartbeats.
type Registry struct {
	store   store.Store
	overlay OverlayAllocator

	heartbeatTimeout time.Duration

	mu         sync.Mutex
	suspicion  map[int64]int // task_id -> consecutive mismatch count

	logger zerolog.Logger
	stopCh chan struct{}
}

// New creates a Registry.
func New(st store.Store, overlay OverlayAllocator, heartbeatTimeout time.Duration) *Registry {
	return &Registry{
		store:            st,
		overlay:          overlay,
		heartbeatTimeout: heartbeatTimeout,
		suspicion:        make(map[int64]int),
		logger:           kohakulog.WithComponent("registry"),
		stopCh:           make(chan struct{}),
	}
}

// Start launches the missed-heartbeat scanner.
func (r *Registry) Start() {
	go r.scanLoop()
}

// Stop halts the scanner.
func (r *Registry) Stop() {
	close(r.stopCh)
}

func (r *Registry) scanLoop() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.scanOnce()
		case <-r.stopCh:
			return
		}
	}
}

// Register records or updates a node, allocating (or rebuilding) its
// overlay binding. Idempotent on hostname.
func (r *Registry) Register(info RegistrationInfo) (*RegistrationResult, error) {
	activeHostnames, err := r.activeHostnames()
	if err != nil {
		return nil, err
	}
	activeHostnames[info.Hostname] = true

	alloc, err := r.overlay.Allocate(info.Hostname, info.PhysicalIP, activeHostnames)
	if err != nil {
		return nil, fmt.Errorf("registry: overlay allocate for %s: %w", info.Hostname, err)
	}

	existing, err := r.store.GetNode(info.Hostname)
	now := time.Now()
	node := &types.Node{
		Hostname:         info.Hostname,
		URL:              info.URL,
		Architecture:     info.Architecture,
		TotalCores:       info.TotalCores,
		MemoryTotalBytes: info.MemoryTotalBytes,
		NUMATopology:     info.NUMATopology,
		GPUInfo:          info.GPUInfo,
		VMCapable:        info.VMCapable,
		VFIOGPUs:         info.VFIOGPUs,
		RunnerVersion:    info.RunnerVersion,
		Status:           types.NodeStatusOnline,
		LastHeartbeat:    now,
		RegisteredAt:     now,
	}
	if err == nil && existing != nil {
		node.AllocatedCores = existing.AllocatedCores
		node.AllocatedMemoryBytes = existing.AllocatedMemoryBytes
		node.AllocatedGPUs = existing.AllocatedGPUs
		node.RegisteredAt = existing.RegisteredAt
	}

	if err := r.store.UpdateNode(node); err != nil {
		return nil, fmt.Errorf("registry: persist node %s: %w", info.Hostname, err)
	}

	r.logger.Info().Str("hostname", info.Hostname).Str("physical_ip", info.PhysicalIP).Msg("node registered")
	r.refreshNodeMetrics()

	return &RegistrationResult{
		RunnerSubnet: alloc.RunnerSubnet,
		GatewayIP:    alloc.RunnerGatewayIP,
	}, nil
}

func (r *Registry) activeHostnames() (map[string]bool, error) {
	nodes, err := r.store.ListNodes()
	if err != nil {
		return nil, fmt.Errorf("registry: list nodes: %w", err)
	}
	active := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if n.Status == types.NodeStatusOnline {
			active[n.Hostname] = true
		}
	}
	return active, nil
}

// Heartbeat applies one heartbeat report atomically: updates health
// fields, reconciles task states via the suspicion counter, and frees
// resources for tasks the runner reports as finished.
func (r *Registry) Heartbeat(report HeartbeatReport) error {
	node, err := r.store.GetNode(report.Hostname)
	if err != nil {
		return fmt.Errorf("registry: unknown node %s: %w", report.Hostname, err)
	}

	node.LastHeartbeat = time.Now()
	node.CPUPercent = report.CPUPercent
	node.MemoryUsedBytes = report.MemoryUsedBytes
	node.MemoryPercent = report.MemoryPercent
	node.TemperatureAvgC = report.TemperatureAvgC
	node.TemperatureMaxC = report.TemperatureMaxC
	node.GPUInfo = report.GPUInfo
	if node.Status == types.NodeStatusOffline {
		node.Status = types.NodeStatusOnline
	}
	if err := r.store.UpdateNode(node); err != nil {
		return fmt.Errorf("registry: update node health: %w", err)
	}

	if err := r.reconcileTasks(node, report); err != nil {
		return err
	}
	return nil
}

// reconcileTasks applies one heartbeat's running/finished/killed sets to
// the tasks assigned to node: it promotes acked assignments to running,
// records terminal outcomes and frees their resources, recovers lost VPS
// tasks the runner still reports alive, and feeds the suspicion counter.
func (r *Registry) reconcileTasks(node *types.Node, report HeartbeatReport) error {
	tasks, err := r.store.ListTasks()
	if err != nil {
		return fmt.Errorf("registry: list tasks: %w", err)
	}

	reportedRunning := toSet(report.RunningTaskIDs)
	finished := toSet(report.FinishedTaskIDs)
	killed := toSet(report.KilledTaskIDs)
	killedOOM := toSet(report.KilledOOMTaskIDs)

	for _, task := range tasks {
		if task.AssignedNode != node.Hostname {
			continue
		}

		switch {
		case finished[task.TaskID] && task.Status == types.TaskStatusRunning:
			r.completeAndFree(task, node, types.TaskStatusCompleted)
		case killed[task.TaskID] && task.Status == types.TaskStatusRunning:
			r.completeAndFree(task, node, types.TaskStatusKilled)
		case killedOOM[task.TaskID] && task.Status == types.TaskStatusRunning:
			r.completeAndFree(task, node, types.TaskStatusKilledOOM)
		case task.Status == types.TaskStatusAssigning && reportedRunning[task.TaskID]:
			r.promoteToRunning(task)
		case task.Status == types.TaskStatusLost && task.TaskType == types.TaskTypeVPS && reportedRunning[task.TaskID]:
			r.promoteToRunning(task)
		case task.Status == types.TaskStatusRunning:
			r.compareAgainstSuspicion(task, reportedRunning[task.TaskID])
		}
	}
	return nil
}

// promoteToRunning moves an acked assignment (or a recovered lost VPS)
// to running. The VPS lost -> running edge is the one permitted
// transition out of a terminal state.
func (r *Registry) promoteToRunning(task *types.Task) {
	if err := scheduler.ValidateTransition(task.Status, types.TaskStatusRunning, task.TaskType == types.TaskTypeVPS); err != nil {
		r.logger.Warn().Err(err).Int64("task_id", task.TaskID).Msg("rejected heartbeat-driven promotion")
		return
	}
	recovered := task.Status == types.TaskStatusLost
	task.Status = types.TaskStatusRunning
	now := time.Now()
	if task.StartedAt == nil {
		task.StartedAt = &now
	}
	task.UpdatedAt = now
	task.AssignmentSuspicionCount = 0
	if err := r.store.UpdateTask(task); err != nil {
		r.logger.Error().Err(err).Int64("task_id", task.TaskID).Msg("failed to persist running transition")
		return
	}
	if recovered {
		r.logger.Info().Int64("task_id", task.TaskID).Msg("lost VPS task reclaimed by runner heartbeat")
	}
}

// compareAgainstSuspicion increments assignment_suspicion_count on a
// mismatch between the Host's running-on-node belief and the runner's
// reported set, demoting to lost after suspicionThreshold consecutive
// misses, and resets it on a match.
func (r *Registry) compareAgainstSuspicion(task *types.Task, reportedAsRunning bool) {
	r.mu.Lock()
	if reportedAsRunning {
		delete(r.suspicion, task.TaskID)
		r.mu.Unlock()
		if task.AssignmentSuspicionCount != 0 {
			task.AssignmentSuspicionCount = 0
			if err := r.store.UpdateTask(task); err != nil {
				r.logger.Error().Err(err).Int64("task_id", task.TaskID).Msg("failed to reset suspicion count")
			}
		}
		return
	}
	r.suspicion[task.TaskID]++
	count := r.suspicion[task.TaskID]
	r.mu.Unlock()

	task.AssignmentSuspicionCount = count
	if count >= suspicionThreshold {
		task.Status = types.TaskStatusLost
		task.UpdatedAt = time.Now()
		if err := r.store.UpdateTask(task); err != nil {
			r.logger.Error().Err(err).Int64("task_id", task.TaskID).Msg("failed to persist lost transition")
			return
		}
		r.mu.Lock()
		delete(r.suspicion, task.TaskID)
		r.mu.Unlock()
		r.logger.Warn().Int64("task_id", task.TaskID).Msg("task demoted to lost after repeated heartbeat mismatches")
		return
	}
	if err := r.store.UpdateTask(task); err != nil {
		r.logger.Error().Err(err).Int64("task_id", task.TaskID).Msg("failed to persist suspicion count")
	}
}

func (r *Registry) completeAndFree(task *types.Task, node *types.Node, status types.TaskStatus) {
	if err := scheduler.ValidateTransition(task.Status, status, task.TaskType == types.TaskTypeVPS); err != nil {
		r.logger.Warn().Err(err).Int64("task_id", task.TaskID).Msg("rejected heartbeat-driven transition")
		return
	}
	task.Status = status
	now := time.Now()
	task.FinishedAt = &now
	task.UpdatedAt = now
	if err := r.store.UpdateTask(task); err != nil {
		r.logger.Error().Err(err).Int64("task_id", task.TaskID).Msg("failed to persist task completion")
		return
	}
	r.freeResources(node, task)
}

func (r *Registry) freeResources(node *types.Node, task *types.Task) {
	node.ReleaseFor(task)
	if err := r.store.UpdateNode(node); err != nil {
		r.logger.Error().Err(err).Str("hostname", node.Hostname).Msg("failed to free node resources")
	}
}

// TaskResult is a runner's out-of-band status callback for one task: the
// synchronous 202 on dispatch only acknowledges receipt, so start and
// terminal outcomes (exit code, error message, log paths) arrive here.
type TaskResult struct {
	Status       types.TaskStatus
	ExitCode     *int
	ErrorMessage string
	StdoutPath   string
	StderrPath   string
}

// ApplyTaskResult records a runner-reported status change for taskID,
// validating the transition and freeing the node's resources when the
// new status is terminal. VPS tasks entering stopped or lost keep their
// allocation so a restart or reclaim finds it intact.
func (r *Registry) ApplyTaskResult(taskID int64, result TaskResult) error {
	task, err := r.store.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("registry: unknown task %d: %w", taskID, err)
	}

	isVPS := task.TaskType == types.TaskTypeVPS
	if err := scheduler.ValidateTransition(task.Status, result.Status, isVPS); err != nil {
		return err
	}

	now := time.Now()
	task.Status = result.Status
	task.UpdatedAt = now
	if result.ExitCode != nil {
		task.ExitCode = result.ExitCode
	}
	if result.ErrorMessage != "" {
		task.ErrorMessage = result.ErrorMessage
	}
	if result.StdoutPath != "" {
		task.StdoutPath = result.StdoutPath
	}
	if result.StderrPath != "" {
		task.StderrPath = result.StderrPath
	}
	switch result.Status {
	case types.TaskStatusRunning:
		if task.StartedAt == nil {
			task.StartedAt = &now
		}
	case types.TaskStatusCompleted, types.TaskStatusFailed, types.TaskStatusKilled,
		types.TaskStatusKilledOOM, types.TaskStatusStopped:
		task.FinishedAt = &now
	}
	if err := r.store.UpdateTask(task); err != nil {
		return fmt.Errorf("registry: persist task %d result: %w", taskID, err)
	}

	if result.Status.Terminal() && !(isVPS && (result.Status == types.TaskStatusStopped || result.Status == types.TaskStatusLost)) {
		if node, err := r.store.GetNode(task.AssignedNode); err == nil {
			r.freeResources(node, task)
		}
	}
	return nil
}

// scanOnce applies the offline/lost rules to nodes that have missed
// heartbeat_timeout seconds of heartbeats.
func (r *Registry) scanOnce() {
	nodes, err := r.store.ListNodes()
	if err != nil {
		r.logger.Error().Err(err).Msg("heartbeat scan: list nodes failed")
		return
	}

	now := time.Now()
	for _, node := range nodes {
		if node.Status != types.NodeStatusOnline {
			continue
		}
		if now.Sub(node.LastHeartbeat) <= r.heartbeatTimeout {
			continue
		}
		r.markOffline(node)
	}
	r.refreshNodeMetrics()
}

func (r *Registry) markOffline(node *types.Node) {
	node.Status = types.NodeStatusOffline
	if err := r.store.UpdateNode(node); err != nil {
		r.logger.Error().Err(err).Str("hostname", node.Hostname).Msg("failed to mark node offline")
		return
	}
	r.logger.Warn().Str("hostname", node.Hostname).Msg("node missed heartbeat deadline, marked offline")

	tasks, err := r.store.ListTasks()
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to list tasks while marking node offline")
		return
	}
	for _, task := range tasks {
		if task.AssignedNode != node.Hostname || task.Status != types.TaskStatusRunning {
			continue
		}
		if err := scheduler.ValidateTransition(task.Status, types.TaskStatusLost, task.TaskType == types.TaskTypeVPS); err != nil {
			continue
		}
		task.Status = types.TaskStatusLost
		task.UpdatedAt = time.Now()
		if err := r.store.UpdateTask(task); err != nil {
			r.logger.Error().Err(err).Int64("task_id", task.TaskID).Msg("failed to persist lost task on node offline")
			continue
		}
		if task.TaskType != types.TaskTypeVPS {
			r.freeResources(node, task)
		}
	}
}

func (r *Registry) refreshNodeMetrics() {
	nodes, err := r.store.ListNodes()
	if err != nil {
		return
	}
	counts := map[types.NodeStatus]int{}
	for _, n := range nodes {
		counts[n.Status]++
		metrics.NodeAllocatedCores.WithLabelValues(n.Hostname).Set(float64(n.AllocatedCores))
		metrics.NodeAllocatedMemoryBytes.WithLabelValues(n.Hostname).Set(float64(n.AllocatedMemoryBytes))
	}
	metrics.NodesTotal.WithLabelValues(string(types.NodeStatusOnline)).Set(float64(counts[types.NodeStatusOnline]))
	metrics.NodesTotal.WithLabelValues(string(types.NodeStatusOffline)).Set(float64(counts[types.NodeStatusOffline]))
}

func toSet(ids []int64) map[int64]bool {
	out := make(map[int64]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}
