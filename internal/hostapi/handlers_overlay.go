package hostapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

func (s *Server) handleOverlayStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Overlay.List())
}

type reserveRequest struct {
	RunnerName  string `json:"runner_name"`
	RequestedIP string `json:"requested_ip,omitempty"`
	Purpose     string `json:"purpose"`
	TTLSeconds  int    `json:"ttl_seconds,omitempty"`
}

func (s *Server) handleIPReserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var ttl time.Duration
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	reservation, err := s.deps.Reservation.Reserve(req.RunnerName, req.RequestedIP, ttl, req.Purpose)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, reservation)
}

type releaseRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleIPRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.deps.Reservation.ReleaseByToken(req.Token); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) handleIPAvailable(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Reservation.List())
}

type validateRequest struct {
	Token          string `json:"token"`
	ExpectedRunner string `json:"expected_runner,omitempty"`
}

func (s *Server) handleIPValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, ok := s.deps.Reservation.Validate(req.Token, req.ExpectedRunner)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]bool{"valid": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"valid": true, "reservation": res})
}

func (s *Server) handleSnapshotsList(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	snaps, err := s.deps.Snapshots.List(taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

type snapshotCreateRequest struct {
	ContainerName string `json:"container_name"`
	Message       string `json:"message,omitempty"`
}

func (s *Server) handleSnapshotsCreate(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req snapshotCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	snap, err := s.deps.Snapshots.Take(r.Context(), taskID, req.ContainerName, req.Message)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleSnapshotsDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	taskID, err := pathTaskID(r)
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
