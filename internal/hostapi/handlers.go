package hostapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/KohakuBlueleaf/kohakuriver/internal/registry"
	"github.com/KohakuBlueleaf/kohakuriver/internal/scheduler"
	"github.com/KohakuBlueleaf/kohakuriver/internal/types"
	"github.com/gorilla/mux"
)

type registerRequest struct {
	Hostname         string            `json:"hostname"`
	URL              string            `json:"url"`
	PhysicalIP       string            `json:"physical_ip"`
	Architecture     string            `json:"architecture"`
	TotalCores       int               `json:"total_cores"`
	MemoryTotalBytes int64             `json:"memory_total_bytes"`
	NUMATopology     []types.NUMANode  `json:"numa_topology,omitempty"`
	GPUInfo          []types.GPUInfo   `json:"gpu_info,omitempty"`
	VMCapable        bool              `json:"vm_capable"`
	VFIOGPUs         []types.VFIOGPU   `json:"vfio_gpus,omitempty"`
	RunnerVersion    string            `json:"runner_version,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := s.deps.Registry.Register(registry.RegistrationInfo{
		Hostname:         req.Hostname,
		URL:              req.URL,
		PhysicalIP:       req.PhysicalIP,
		Architecture:     req.Architecture,
		TotalCores:       req.TotalCores,
		MemoryTotalBytes: req.MemoryTotalBytes,
		NUMATopology:     req.NUMATopology,
		GPUInfo:          req.GPUInfo,
		VMCapable:        req.VMCapable,
		VFIOGPUs:         req.VFIOGPUs,
		RunnerVersion:    req.RunnerVersion,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type heartbeatMemory struct {
	Used    int64   `json:"used"`
	Total   int64   `json:"total"`
	Percent float64 `json:"percent"`
}

type heartbeatTemperature struct {
	Avg float64 `json:"avg"`
	Max float64 `json:"max"`
}

type heartbeatRequest struct {
	CPUPercent       float64              `json:"cpu_percent"`
	Memory           heartbeatMemory      `json:"memory"`
	Temperature      heartbeatTemperature `json:"temperature"`
	GPUInfo          []types.GPUInfo      `json:"gpus,omitempty"`
	RunningTaskIDs   []int64              `json:"running_task_ids,omitempty"`
	FinishedTaskIDs  []int64              `json:"finished_task_ids,omitempty"`
	KilledTaskIDs    []int64              `json:"killed_task_ids,omitempty"`
	KilledOOMTaskIDs []int64              `json:"killed_oom_task_ids,omitempty"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	hostname := mux.Vars(r)["hostname"]
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	err := s.deps.Registry.Heartbeat(registry.HeartbeatReport{
		Hostname:         hostname,
		CPUPercent:       req.CPUPercent,
		MemoryUsedBytes:  req.Memory.Used,
		MemoryPercent:    req.Memory.Percent,
		TemperatureAvgC:  req.Temperature.Avg,
		TemperatureMaxC:  req.Temperature.Max,
		GPUInfo:          req.GPUInfo,
		RunningTaskIDs:   req.RunningTaskIDs,
		FinishedTaskIDs:  req.FinishedTaskIDs,
		KilledTaskIDs:    req.KilledTaskIDs,
		KilledOOMTaskIDs: req.KilledOOMTaskIDs,
	})
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type taskUpdateRequest struct {
	Status       types.TaskStatus `json:"status"`
	ExitCode     *int             `json:"exit_code,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	StdoutPath   string           `json:"stdout_path,omitempty"`
	StderrPath   string           `json:"stderr_path,omitempty"`
}

// handleTaskUpdate is the runner's asynchronous status callback: the 202
// on dispatch only acknowledges receipt, so running/terminal outcomes
// land here.
func (s *Server) handleTaskUpdate(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req taskUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	err = s.deps.Registry.ApplyTaskResult(taskID, registry.TaskResult{
		Status:       req.Status,
		ExitCode:     req.ExitCode,
		ErrorMessage: req.ErrorMessage,
		StdoutPath:   req.StdoutPath,
		StderrPath:   req.StderrPath,
	})
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.deps.Store.ListNodes()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	hostname := mux.Vars(r)["hostname"]
	node, err := s.deps.Store.GetNode(hostname)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var task types.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.acceptTask(w, &task)
}

// acceptTask resolves an IP reservation into a target hostname, then
// records the task via the scheduler's submission path (which decides
// pending vs pending_approval). A reservation that names a different
// runner than the submission's target is a validation error.
func (s *Server) acceptTask(w http.ResponseWriter, task *types.Task) {
	if task.IPReservationToken != "" {
		resv, ok := s.deps.Reservation.Validate(task.IPReservationToken, "")
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Errorf("hostapi: invalid or expired ip reservation token"))
			return
		}
		if task.TargetHostname != "" && task.TargetHostname != resv.RunnerName {
			writeError(w, http.StatusBadRequest, fmt.Errorf(
				"hostapi: reservation is for runner %q but target hostname is %q", resv.RunnerName, task.TargetHostname))
			return
		}
		task.TargetHostname = resv.RunnerName
		task.ReservedIP = resv.IP
	}

	if err := scheduler.Submit(s.deps.Store, s.deps.IDGen, task, s.deps.AuthEnabled); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	task, err := s.deps.Store.GetTask(taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	task, err := s.deps.Store.GetTask(taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"stdout_path": task.StdoutPath,
		"stderr_path": task.StderrPath,
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.deps.Store.ListTasks()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	task, err := s.deps.Store.GetTask(taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	node, err := s.deps.Store.GetNode(task.AssignedNode)
	if err != nil {
		writeError(w, http.StatusConflict, fmt.Errorf("hostapi: task %d has no live assigned node: %w", taskID, err))
		return
	}
	if err := s.deps.Client.Kill(r.Context(), node, taskID); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "kill requested"})
}

func (s *Server) handleTaskCommand(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	taskID, err := pathTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	task, err := s.deps.Store.GetTask(taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	node, err := s.deps.Store.GetNode(task.AssignedNode)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}

	switch vars["action"] {
	case "pause":
		err = s.deps.Client.Pause(r.Context(), node, taskID)
	case "resume":
		err = s.deps.Client.Resume(r.Context(), node, taskID)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("hostapi: unknown command %q", vars["action"]))
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": vars["action"] + " requested"})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.transitionPendingApproval(w, r, types.TaskStatusPending)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.transitionPendingApproval(w, r, types.TaskStatusRejected)
}

func (s *Server) transitionPendingApproval(w http.ResponseWriter, r *http.Request, next types.TaskStatus) {
	taskID, err := pathTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	task, err := s.deps.Store.GetTask(taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if task.Status != types.TaskStatusPendingApproval {
		writeError(w, http.StatusConflict, fmt.Errorf("hostapi: task %d is not pending approval (status %s)", taskID, task.Status))
		return
	}
	task.Status = next
	task.UpdatedAt = time.Now()
	if err := s.deps.Store.UpdateTask(task); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleVPSCreate(w http.ResponseWriter, r *http.Request) {
	var task types.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	task.TaskType = types.TaskTypeVPS
	if task.VPSBackend == "" {
		task.VPSBackend = types.VPSBackendDocker
	}
	s.acceptTask(w, &task)
}

func (s *Server) handleVPSStop(w http.ResponseWriter, r *http.Request) {
	s.forwardVPSCommand(w, r, func(node *types.Node, task *types.Task) error {
		return s.deps.Client.StopVPS(r.Context(), node, task.TaskID)
	})
}

func (s *Server) handleVPSRestart(w http.ResponseWriter, r *http.Request) {
	s.forwardVPSCommand(w, r, func(node *types.Node, task *types.Task) error {
		return s.deps.Client.RestartVPS(r.Context(), node, task)
	})
}

func (s *Server) forwardVPSCommand(w http.ResponseWriter, r *http.Request, do func(node *types.Node, task *types.Task) error) {
	taskID, err := pathTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	task, err := s.deps.Store.GetTask(taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	node, err := s.deps.Store.GetNode(task.AssignedNode)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	if err := do(node, task); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
