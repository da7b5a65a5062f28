package hostapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/KohakuBlueleaf/kohakuriver/internal/types"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// handleTerminalWS relays a client's terminal WebSocket to the assigned
// runner's matching endpoint.
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.proxyTaskWS(w, r, taskID, fmt.Sprintf("/ws/task/%d/terminal", taskID))
}

// handleFSWatchWS relays filesystem-watch frames; the event source lives
// runner-side, the Host only forwards.
func (s *Server) handleFSWatchWS(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.proxyTaskWS(w, r, taskID, fmt.Sprintf("/ws/fs/%d/watch", taskID))
}

// handleForwardWS relays a port-forward WebSocket to the runner hosting
// task_id's container, without parsing the tunnel framing inside it.
func (s *Server) handleForwardWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	taskID, err := pathTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	port, err := strconv.ParseUint(vars["port"], 10, 16)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("hostapi: invalid port %q: %w", vars["port"], err))
		return
	}

	task, err := s.deps.Store.GetTask(taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	path := fmt.Sprintf("/ws/forward/%s/%d", containerIDFor(task), port)
	if proto := r.URL.Query().Get("proto"); proto != "" {
		path += "?proto=" + proto
	}
	s.proxyTaskWS(w, r, taskID, path)
}

// handleHostDockerTerminalWS accepts a WebSocket for a container named on
// the Host machine itself and reads incoming messages until the client
// closes; it attaches no terminal and sends nothing back.
func (s *Server) handleHostDockerTerminalWS(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("container", name).Msg("host docker terminal websocket upgrade failed")
		return
	}
	defer ws.Close()
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

// containerIDFor maps a task to the container identifier its runner's
// tunnel endpoints know it by: "vm-<id>" routes past the tunnel agent to
// the VM's own IP.
func containerIDFor(task *types.Task) string {
	if task.TaskType == types.TaskTypeVPS && task.VPSBackend == types.VPSBackendQEMU {
		return fmt.Sprintf("vm-%d", task.TaskID)
	}
	return fmt.Sprintf("kohakuriver-%d", task.TaskID)
}

// proxyTaskWS dials the runner-side WebSocket at path on task's assigned
// node and relays frames in both directions verbatim.
func (s *Server) proxyTaskWS(w http.ResponseWriter, r *http.Request, taskID int64, path string) {
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

	backendURL := strings.Replace(node.URL, "http", "ws", 1) + path
	backend, _, err := websocket.DefaultDialer.Dial(backendURL, nil)
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Errorf("hostapi: dial runner ws %s: %w", backendURL, err))
		return
	}

	client, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		backend.Close()
		s.logger.Warn().Err(err).Int64("task_id", taskID).Msg("client websocket upgrade failed")
		return
	}

	s.logger.Info().Int64("task_id", taskID).Str("backend", backendURL).Msg("ws session proxied")
	relayWS(client, backend)
}

// relayWS pumps messages between two WebSockets until either side closes.
func relayWS(a, b *websocket.Conn) {
	done := make(chan struct{}, 2)
	pump := func(src, dst *websocket.Conn) {
		defer func() { done <- struct{}{} }()
		for {
			mt, data, err := src.ReadMessage()
			if err != nil {
				return
			}
			if err := dst.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}
	go pump(a, b)
	go pump(b, a)
	<-done
	a.Close()
	b.Close()
}
