package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/KohakuBlueleaf/kohakuriver/internal/kohakulog"
	"github.com/KohakuBlueleaf/kohakuriver/internal/metrics"
	"github.com/KohakuBlueleaf/kohakuriver/internal/store"
	"github.com/KohakuBlueleaf/kohakuriver/internal/types"
	"github.com/rs/zerolog"
)

// Dispatcher sends a task to the node that won node selection. Execute is
// expected to return once the runner has synchronously accepted the
// request (202); it does not wait for completion.
type Dispatcher interface {
	Execute(node *types.Node, task *types.Task) error
}

// assignmentTimeoutMultiple is how many times the Host's heartbeat timeout
// a task may sit in "assigning" before the scheduler gives up on it.
const assignmentTimeoutMultiple = 3

// sshPortBase is the first port handed out for VPS SSH access. Each
// SSH-enabled VPS gets a unique port at or above it.
const sshPortBase = 9000

// allocateSSHPort picks the lowest free port at or above sshPortBase,
// scanning every task's already-assigned SSHPort to avoid collisions
// with VPSes that are still alive.
func allocateSSHPort(tasks []*types.Task) int {
	used := make(map[int]bool, len(tasks))
	for _, t := range tasks {
		if t.SSHPort > 0 {
			used[t.SSHPort] = true
		}
	}
	port := sshPortBase
	for used[port] {
		port++
	}
	return port
}

// Scheduler periodically matches pending tasks to nodes and dispatches
// them, and separately sweeps tasks stuck past their assignment timeout.
type Scheduler struct {
	store            store.Store
	dispatcher       Dispatcher
	heartbeatTimeout time.Duration

	mu         sync.Mutex
	assignedAt map[int64]time.Time

	logger zerolog.Logger
	stopCh chan struct{}
}

// New creates a Scheduler. heartbeatTimeout is the Host's configured
// heartbeat timeout; the assignment timeout is 3x that value.
func New(st store.Store, dispatcher Dispatcher, heartbeatTimeout time.Duration) *Scheduler {
	return &Scheduler{
		store:            st,
		dispatcher:       dispatcher,
		heartbeatTimeout: heartbeatTimeout,
		assignedAt:       make(map[int64]time.Time),
		logger:           kohakulog.WithComponent("scheduler"),
		stopCh:           make(chan struct{}),
	}
}

// Start launches the dispatch loop and the assignment-timeout sweeper.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop halts both loops.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	dispatchTicker := time.NewTicker(1 * time.Second)
	defer dispatchTicker.Stop()
	timeoutTicker := time.NewTicker(s.heartbeatTimeout)
	defer timeoutTicker.Stop()

	for {
		select {
		case <-dispatchTicker.C:
			if err := s.scheduleOnce(); err != nil {
				s.logger.Error().Err(err).Msg("scheduling cycle failed")
			}
		case <-timeoutTicker.C:
			s.sweepAssignmentTimeouts()
		case <-s.stopCh:
			return
		}
	}
}

// scheduleOnce runs a single dispatch pass over all pending tasks.
func (s *Scheduler) scheduleOnce() error {
	tasks, err := s.store.ListTasks()
	if err != nil {
		return fmt.Errorf("scheduler: list tasks: %w", err)
	}

	nodes, err := s.store.ListNodes()
	if err != nil {
		return fmt.Errorf("scheduler: list nodes: %w", err)
	}

	for _, task := range tasks {
		if task.Status != types.TaskStatusPending {
			continue
		}
		if task.TaskType == types.TaskTypeVPS && task.SSHKeyMode != "" && task.SSHKeyMode != types.SSHKeyModeDisabled && task.SSHPort == 0 {
			task.SSHPort = allocateSSHPort(tasks)
		}
		if err := s.dispatchOne(task, nodes); err != nil {
			s.logger.Warn().Err(err).Int64("task_id", task.TaskID).Msg("dispatch failed")
			continue
		}
	}
	return nil
}

// dispatchOne selects a node for task and hands it off to the runner.
func (s *Scheduler) dispatchOne(task *types.Task, nodes []*types.Node) error {
	timer := metrics.NewTimer()

	node, err := FindSuitableNode(task, nodes)
	if err != nil {
		return fmt.Errorf("no suitable node: %w", err)
	}

	if err := ValidateTransition(task.Status, types.TaskStatusAssigning, task.TaskType == types.TaskTypeVPS); err != nil {
		return err
	}
	task.Status = types.TaskStatusAssigning
	task.AssignedNode = node.Hostname
	task.UpdatedAt = time.Now()
	if err := s.store.UpdateTask(task); err != nil {
		return fmt.Errorf("persist assigning state: %w", err)
	}

	node.AllocateFor(task)
	if err := s.store.UpdateNode(node); err != nil {
		return fmt.Errorf("persist node allocation: %w", err)
	}

	s.mu.Lock()
	s.assignedAt[task.TaskID] = time.Now()
	s.mu.Unlock()

	if err := s.dispatcher.Execute(node, task); err != nil {
		s.failAssignment(task, "dispatch error: "+err.Error())
		metrics.TasksFailed.Inc()
		return fmt.Errorf("execute on %s: %w", node.Hostname, err)
	}

	timer.ObserveDuration(metrics.SchedulingLatency)
	metrics.TasksScheduled.Inc()
	s.logger.Info().Int64("task_id", task.TaskID).Str("hostname", node.Hostname).Msg("dispatched task")
	return nil
}

// AckRunning transitions an assigning task to running once the runner
// confirms receipt out of band from dispatchOne's synchronous call.
func (s *Scheduler) AckRunning(taskID int64) error {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if err := ValidateTransition(task.Status, types.TaskStatusRunning, task.TaskType == types.TaskTypeVPS); err != nil {
		return err
	}
	task.Status = types.TaskStatusRunning
	now := time.Now()
	task.StartedAt = &now
	task.UpdatedAt = now
	if err := s.store.UpdateTask(task); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.assignedAt, taskID)
	s.mu.Unlock()
	return nil
}

// sweepAssignmentTimeouts fails any task that has sat in "assigning" for
// longer than 3x the heartbeat timeout without a runner ack.
func (s *Scheduler) sweepAssignmentTimeouts() {
	deadline := assignmentTimeoutMultiple * s.heartbeatTimeout

	s.mu.Lock()
	var expired []int64
	now := time.Now()
	for taskID, assignedAt := range s.assignedAt {
		if now.Sub(assignedAt) > deadline {
			expired = append(expired, taskID)
		}
	}
	s.mu.Unlock()

	for _, taskID := range expired {
		task, err := s.store.GetTask(taskID)
		if err != nil {
			continue
		}
		if task.Status != types.TaskStatusAssigning {
			s.mu.Lock()
			delete(s.assignedAt, taskID)
			s.mu.Unlock()
			continue
		}
		s.failAssignment(task, "assignment timeout")
	}
}

func (s *Scheduler) failAssignment(task *types.Task, reason string) {
	task.Status = types.TaskStatusFailed
	task.ErrorMessage = reason
	now := time.Now()
	task.FinishedAt = &now
	task.UpdatedAt = now
	if err := s.store.UpdateTask(task); err != nil {
		s.logger.Error().Err(err).Int64("task_id", task.TaskID).Msg("failed to persist assignment-timeout failure")
	}
	if task.AssignedNode != "" {
		if node, err := s.store.GetNode(task.AssignedNode); err == nil {
			node.ReleaseFor(task)
			if err := s.store.UpdateNode(node); err != nil {
				s.logger.Error().Err(err).Str("hostname", node.Hostname).Msg("failed to release node resources")
			}
		}
	}
	s.mu.Lock()
	delete(s.assignedAt, task.TaskID)
	s.mu.Unlock()
	metrics.TasksFailed.Inc()
	s.logger.Warn().Int64("task_id", task.TaskID).Str("reason", reason).Msg("task failed")
}

// Submit records a new task, routing it through pending_approval when
// authOn is true and the submitter's role is "user".
func Submit(st store.Store, gen IDGenerator, task *types.Task, authOn bool) error {
	id, err := gen.Next()
	if err != nil {
		return fmt.Errorf("scheduler: generate task id: %w", err)
	}
	task.TaskID = id

	if authOn && task.OwnerRole == "user" {
		task.Status = types.TaskStatusPendingApproval
	} else {
		task.Status = types.TaskStatusPending
	}

	now := time.Now()
	task.SubmittedAt = now
	task.CreatedAt = now
	task.UpdatedAt = now

	return st.CreateTask(task)
}

// IDGenerator is the minimal surface Submit needs from internal/idgen,
// kept as an interface so this package doesn't import it directly.
type IDGenerator interface {
	Next() (int64, error)
}

// Approve moves a pending_approval task to pending.
func Approve(st store.Store, taskID int64) error {
	return transitionStoredTask(st, taskID, types.TaskStatusPending)
}

// Reject moves a pending_approval task to rejected.
func Reject(st store.Store, taskID int64, reason string) error {
	task, err := st.GetTask(taskID)
	if err != nil {
		return err
	}
	if err := ValidateTransition(task.Status, types.TaskStatusRejected, task.TaskType == types.TaskTypeVPS); err != nil {
		return err
	}
	task.Status = types.TaskStatusRejected
	task.ErrorMessage = reason
	task.UpdatedAt = time.Now()
	return st.UpdateTask(task)
}

func transitionStoredTask(st store.Store, taskID int64, next types.TaskStatus) error {
	task, err := st.GetTask(taskID)
	if err != nil {
		return err
	}
	if err := ValidateTransition(task.Status, next, task.TaskType == types.TaskTypeVPS); err != nil {
		return err
	}
	task.Status = next
	task.UpdatedAt = time.Now()
	return st.UpdateTask(task)
}
