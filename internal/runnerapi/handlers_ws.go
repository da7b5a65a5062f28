package runnerapi

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/KohakuBlueleaf/kohakuriver/internal/types"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// handleTunnelWS is where a container's tunnel-client attaches its
// persistent WebSocket. Every binary frame the agent sends is handed to
// the multiplexer; the session is detached (and its connections torn
// down) when the socket drops.
func (s *Server) handleTunnelWS(w http.ResponseWriter, r *http.Request) {
	containerID := mux.Vars(r)["container_id"]
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("container", containerID).Msg("tunnel websocket upgrade failed")
		return
	}
	if s.deps.Tunnels == nil {
		ws.Close()
		return
	}

	s.deps.Tunnels.Attach(containerID, ws)
	defer s.deps.Tunnels.Detach(containerID)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if err := s.deps.Tunnels.HandleAgentFrame(containerID, data); err != nil {
			s.logger.Warn().Err(err).Str("container", containerID).Msg("bad tunnel frame")
		}
	}
}

// handleForwardWS bridges an external WebSocket stream to a port inside
// containerID, via the container's tunnel agent (or straight to the VM's
// IP for vm- targets).
func (s *Server) handleForwardWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	containerID := vars["container_id"]
	port, err := strconv.ParseUint(vars["port"], 10, 16)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	proto := types.TunnelProtoTCP
	if r.URL.Query().Get("proto") == "udp" {
		proto = types.TunnelProtoUDP
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("container", containerID).Msg("forward websocket upgrade failed")
		return
	}
	if s.deps.Tunnels == nil {
		ws.Close()
		return
	}

	var vmIP string
	if rest, isVM := strings.CutPrefix(containerID, "vm-"); isVM && s.deps.VM != nil {
		if taskID, err := strconv.ParseInt(rest, 10, 64); err == nil {
			vmIP = s.deps.VM.VMIP(taskID)
		}
	}

	conn := newWSStreamConn(ws)
	if err := s.deps.Tunnels.Forward(containerID, proto, uint16(port), conn, vmIP); err != nil {
		s.logger.Warn().Err(err).Str("container", containerID).Msg("forward failed")
		conn.Close()
		return
	}
	<-conn.done
}

func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathTaskID(r, "task_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Int64("task_id", taskID).Msg("terminal websocket upgrade failed")
		return
	}
	defer ws.Close()
	drainWS(ws)
}

func (s *Server) handleFSWatchWS(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathTaskID(r, "task_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Int64("task_id", taskID).Msg("fs-watch websocket upgrade failed")
		return
	}
	defer ws.Close()
	drainWS(ws)
}

func drainWS(ws *websocket.Conn) {
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

// wsStreamConn adapts a WebSocket carrying raw binary payloads to the
// net.Conn surface the tunnel multiplexer reads and writes.
type wsStreamConn struct {
	ws   *websocket.Conn
	rest []byte
	done chan struct{}
}

func newWSStreamConn(ws *websocket.Conn) *wsStreamConn {
	return &wsStreamConn{ws: ws, done: make(chan struct{})}
}

func (c *wsStreamConn) Read(p []byte) (int, error) {
	if len(c.rest) == 0 {
		for {
			mt, data, err := c.ws.ReadMessage()
			if err != nil {
				return 0, err
			}
			if mt != websocket.BinaryMessage || len(data) == 0 {
				continue
			}
			c.rest = data
			break
		}
	}
	n := copy(p, c.rest)
	c.rest = c.rest[n:]
	return n, nil
}

func (c *wsStreamConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsStreamConn) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return c.ws.Close()
}

func (c *wsStreamConn) LocalAddr() net.Addr                { return c.ws.LocalAddr() }
func (c *wsStreamConn) RemoteAddr() net.Addr               { return c.ws.RemoteAddr() }
func (c *wsStreamConn) SetDeadline(t time.Time) error      { return nil }
func (c *wsStreamConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsStreamConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
