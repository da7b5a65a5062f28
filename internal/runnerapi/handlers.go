package runnerapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/KohakuBlueleaf/kohakuriver/internal/sshkey"
	"github.com/KohakuBlueleaf/kohakuriver/internal/types"
	"github.com/KohakuBlueleaf/kohakuriver/internal/vm"
	"github.com/gorilla/mux"
)

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var task types.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.deps.Executor.Execute(&task); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type taskIDRequest struct {
	TaskID int64 `json:"task_id"`
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	var req taskIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.deps.Executor.Kill(req.TaskID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "killed"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req taskIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.deps.Executor.Pause(req.TaskID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req taskIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.deps.Executor.Resume(req.TaskID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// handleVPSCreate dispatches to the Docker executor or the QEMU VM
// manager depending on the task's VPSBackend. In generate key mode the
// keypair is minted here and the private key leaves the runner exactly
// once, in this response.
func (s *Server) handleVPSCreate(w http.ResponseWriter, r *http.Request) {
	var task types.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var generatedPrivateKey string
	if task.SSHKeyMode == types.SSHKeyModeGenerate {
		kp, err := sshkey.Generate(fmt.Sprintf("kohakuriver-%d", task.TaskID))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		task.SSHPublicKey = kp.AuthorizedKey
		generatedPrivateKey = kp.PrivateKeyPEM
	}

	if task.VPSBackend == types.VPSBackendQEMU {
		if s.deps.VM == nil {
			writeError(w, http.StatusNotImplemented, fmt.Errorf("runnerapi: this runner is not VM-capable"))
			return
		}
		result, err := s.deps.VM.Create(r.Context(), vm.CreateRequest{
			TaskID:        task.TaskID,
			RunnerName:    s.deps.RunnerName,
			VMImage:       task.VMImage,
			DiskSizeGB:    task.VMDiskSize,
			MemoryMB:      task.MemoryMB,
			Cores:         task.RequiredCores,
			GPUPCIAddrs:   task.RequiredGPUPCIAddrs,
			SSHKeyMode:    task.SSHKeyMode,
			AuthorizedKey: task.SSHPublicKey,
			Hostname:      fmt.Sprintf("kohakuriver-%d", task.TaskID),
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		result.GeneratedKey = generatedPrivateKey
		writeJSON(w, http.StatusAccepted, result)
		return
	}

	if task.SSHPublicKey != "" {
		if task.EnvVars == nil {
			task.EnvVars = make(map[string]string)
		}
		task.EnvVars["KOHAKURIVER_SSH_PUBKEY"] = task.SSHPublicKey
	}
	if err := s.deps.Executor.Execute(&task); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":        "accepted",
		"generated_key": generatedPrivateKey,
	})
}

func (s *Server) handleVPSStop(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathTaskID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if s.deps.VM != nil && s.deps.VM.Has(taskID) {
		if err := s.deps.VM.Stop(r.Context(), taskID); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
		return
	}
	if err := s.deps.Executor.StopVPS(taskID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// handleVPSRestart brings a stopped VPS back. The request body carries
// the original task record so a QEMU VPS can be relaunched with its
// resource and GPU parameters; Docker VPSes only need the id.
func (s *Server) handleVPSRestart(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathTaskID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var task types.Task
	_ = json.NewDecoder(r.Body).Decode(&task)

	if task.VPSBackend == types.VPSBackendQEMU {
		if s.deps.VM == nil {
			writeError(w, http.StatusNotImplemented, fmt.Errorf("runnerapi: this runner is not VM-capable"))
			return
		}
		result, err := s.deps.VM.Restart(r.Context(), taskID, vm.CreateRequest{
			TaskID:      taskID,
			RunnerName:  s.deps.RunnerName,
			VMImage:     task.VMImage,
			DiskSizeGB:  task.VMDiskSize,
			MemoryMB:    task.MemoryMB,
			Cores:       task.RequiredCores,
			GPUPCIAddrs: task.RequiredGPUPCIAddrs,
			Hostname:    fmt.Sprintf("kohakuriver-%d", taskID),
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	if err := s.deps.Executor.RestartVPS(taskID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarted"})
}

func (s *Server) handleVPSPause(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathTaskID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.deps.Executor.Pause(taskID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleVPSResume(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathTaskID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.deps.Executor.Resume(taskID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleVPSSnapshotDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	taskID, err := pathTaskID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ts, err := strconv.ParseInt(vars["timestamp"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.deps.Snapshots.Delete(r.Context(), taskID, ts); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleVMPhoneHome acknowledges a VM's boot phone-home with its task ID.
// It does not check the manager's BootTimeout and does not change the
// task's status.
func (s *Server) handleVMPhoneHome(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathTaskID(r, "task_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"task_id": taskID, "acknowledged": true})
}

type vmHeartbeatRequest struct {
	UptimeSeconds int64 `json:"uptime_seconds"`
}

func (s *Server) handleVMHeartbeat(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathTaskID(r, "task_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req vmHeartbeatRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	writeJSON(w, http.StatusOK, map[string]interface{}{"task_id": taskID, "acknowledged": true})
}

func (s *Server) handleVMImages(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(s.deps.SharedDataDir)
	if err != nil {
		if os.IsNotExist(err) {
			writeJSON(w, http.StatusOK, []string{})
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	var images []string
	for _, e := range entries {
		if !e.IsDir() {
			images = append(images, e.Name())
		}
	}
	writeJSON(w, http.StatusOK, images)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.healthy != nil {
		if err := s.healthy(); err != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func fsBaseDir(sharedDataDir string, taskID int64) string {
	return taskDir(sharedDataDir, taskID)
}

func (s *Server) handleFSList(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathTaskID(r, "task_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rel := r.URL.Query().Get("path")
	full, err := resolvePath(fsBaseDir(s.deps.SharedDataDir, taskID), rel)
	if err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	type entry struct {
		Name  string `json:"name"`
		IsDir bool   `json:"is_dir"`
		Size  int64  `json:"size"`
	}
	out := make([]entry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		size := int64(0)
		if err == nil {
			size = info.Size()
		}
		out = append(out, entry{Name: e.Name(), IsDir: e.IsDir(), Size: size})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFSRead(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathTaskID(r, "task_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rel := r.URL.Query().Get("path")
	full, err := resolvePath(fsBaseDir(s.deps.SharedDataDir, taskID), rel)
	if err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}
	info, err := os.Stat(full)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if info.Size() > maxFSReadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("runnerapi: file exceeds %d byte read limit", maxFSReadBytes))
		return
	}
	data, err := os.ReadFile(full)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (s *Server) handleFSWrite(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathTaskID(r, "task_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rel := r.URL.Query().Get("path")
	full, err := resolvePath(fsBaseDir(s.deps.SharedDataDir, taskID), rel)
	if err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxFSWriteBytes)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	f, err := os.Create(full)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer f.Close()
	if _, err := f.ReadFrom(r.Body); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "written"})
}

type mkdirRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleFSMkdir(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathTaskID(r, "task_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req mkdirRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	full, err := resolvePath(fsBaseDir(s.deps.SharedDataDir, taskID), req.Path)
	if err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}
	if err := os.MkdirAll(full, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "created"})
}

type renameRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (s *Server) handleFSRename(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathTaskID(r, "task_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	base := fsBaseDir(s.deps.SharedDataDir, taskID)
	from, err := resolvePath(base, req.From)
	if err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}
	to, err := resolvePath(base, req.To)
	if err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}
	if err := os.Rename(from, to); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "renamed"})
}

type deleteRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleFSDelete(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathTaskID(r, "task_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	full, err := resolvePath(fsBaseDir(s.deps.SharedDataDir, taskID), req.Path)
	if err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}
	if err := os.RemoveAll(full); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleFSStat(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathTaskID(r, "task_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rel := r.URL.Query().Get("path")
	full, err := resolvePath(fsBaseDir(s.deps.SharedDataDir, taskID), rel)
	if err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}
	info, err := os.Stat(full)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":     info.Name(),
		"size":     info.Size(),
		"is_dir":   info.IsDir(),
		"mod_time": info.ModTime().UTC().Format(time.RFC3339),
	})
}
