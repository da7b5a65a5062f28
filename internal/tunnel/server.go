package tunnel

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/KohakuBlueleaf/kohakuriver/internal/kohakulog"
	"github.com/KohakuBlueleaf/kohakuriver/internal/metrics"
	"github.com/KohakuBlueleaf/kohakuriver/internal/types"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// vmContainerPrefix marks a container_id as a VM target: the tunnel
// server bypasses the in-container client and dials the VM's IP directly.
const vmContainerPrefix = "vm-"

// Conn is one multiplexed connection tracked by the Server.
type Conn struct {
	ClientID uint32
	Proto    types.TunnelProto
	State    types.TunnelConnState
	sock     net.Conn
}

// Server is the runner-side tunnel server: one WebSocket per container,
// fanning client connections in and out over that single socket.
type Server struct {
	mu         sync.RWMutex
	agents     map[string]*agentSession // container_id -> its WS
	nextClient uint32

	logger zerolog.Logger
}

type agentSession struct {
	ws    *websocket.Conn
	wmu   sync.Mutex // serializes concurrent writes to ws
	conns map[uint32]*Conn
}

// NewServer creates a tunnel Server.
func NewServer() *Server {
	return &Server{
		agents: make(map[string]*agentSession),
		logger: kohakulog.WithComponent("tunnel-server"),
	}
}

// Attach registers containerID's WebSocket, replacing any prior session
// (a reconnect from the same container).
func (s *Server) Attach(containerID string, ws *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prior, ok := s.agents[containerID]; ok {
		prior.ws.Close()
	}
	s.agents[containerID] = &agentSession{ws: ws, conns: make(map[uint32]*Conn)}
	s.logger.Info().Str("container_id", containerID).Msg("tunnel agent attached")
}

// Detach removes containerID's session and closes its tracked
// connections. Safe to call more than once.
func (s *Server) Detach(containerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.agents[containerID]
	if !ok {
		return
	}
	for _, c := range sess.conns {
		if c.sock != nil {
			c.sock.Close()
		}
	}
	delete(s.agents, containerID)
	metrics.TunnelConnectionsActive.Set(float64(s.totalConnsLocked()))
}

func (s *Server) totalConnsLocked() int {
	n := 0
	for _, sess := range s.agents {
		n += len(sess.conns)
	}
	return n
}

// allocClientID returns a fresh, non-zero client_id.
func (s *Server) allocClientID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextClient++
	if s.nextClient == 0 {
		s.nextClient = 1
	}
	return s.nextClient
}

// Forward accepts an external connection destined for containerID:port
// and multiplexes it through that container's tunnel agent (or, for VM
// targets, dials the VM IP directly).
func (s *Server) Forward(containerID string, proto types.TunnelProto, port uint16, external net.Conn, vmIP string) error {
	if strings.HasPrefix(containerID, vmContainerPrefix) {
		return s.forwardDirect(proto, vmIP, port, external)
	}
	return s.forwardViaAgent(containerID, proto, port, external)
}

// forwardDirect bypasses the tunnel client entirely for VM targets.
func (s *Server) forwardDirect(proto types.TunnelProto, targetIP string, port uint16, external net.Conn) error {
	network := "tcp"
	if proto == types.TunnelProtoUDP {
		network = "udp"
	}
	remote, err := net.Dial(network, fmt.Sprintf("%s:%d", targetIP, port))
	if err != nil {
		return fmt.Errorf("tunnel: dial VM target %s:%d: %w", targetIP, port, err)
	}
	metrics.TunnelConnectionsActive.Inc()
	go s.spliceDirect(external, remote)
	return nil
}

func (s *Server) spliceDirect(a, b net.Conn) {
	defer metrics.TunnelConnectionsActive.Dec()
	defer a.Close()
	defer b.Close()

	done := make(chan struct{}, 2)
	copyAndNotify := func(dst, src net.Conn, direction string) {
		n, _ := copyBuf(dst, src)
		metrics.TunnelBytesTransferred.WithLabelValues(direction).Add(float64(n))
		done <- struct{}{}
	}
	go copyAndNotify(a, b, "inbound")
	go copyAndNotify(b, a, "outbound")
	<-done
}

func copyBuf(dst, src net.Conn) (int64, error) {
	buf := make([]byte, 64*1024)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err != nil {
			return total, err
		}
	}
}

func (s *Server) forwardViaAgent(containerID string, proto types.TunnelProto, port uint16, external net.Conn) error {
	s.mu.RLock()
	sess, ok := s.agents[containerID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("tunnel: no agent attached for container %s", containerID)
	}

	clientID := s.allocClientID()
	c := &Conn{ClientID: clientID, Proto: proto, State: types.TunnelConnConnecting, sock: external}

	s.mu.Lock()
	sess.conns[clientID] = c
	s.mu.Unlock()

	if err := s.writeFrame(sess, Connect(proto, clientID, port)); err != nil {
		s.removeConn(containerID, clientID)
		return fmt.Errorf("tunnel: send CONNECT: %w", err)
	}

	metrics.TunnelConnectionsActive.Inc()
	go s.pumpExternalToAgent(containerID, sess, c)
	return nil
}

func (s *Server) pumpExternalToAgent(containerID string, sess *agentSession, c *Conn) {
	defer s.removeConn(containerID, c.ClientID)
	defer metrics.TunnelConnectionsActive.Dec()

	buf := make([]byte, 64*1024)
	for {
		n, err := c.sock.Read(buf)
		if n > 0 {
			payload := append([]byte(nil), buf[:n]...)
			if werr := s.writeFrame(sess, Data(c.Proto, c.ClientID, payload)); werr != nil {
				return
			}
			metrics.TunnelBytesTransferred.WithLabelValues("inbound").Add(float64(n))
		}
		if err != nil {
			s.writeFrame(sess, Close(c.Proto, c.ClientID))
			return
		}
	}
}

// HandleAgentFrame dispatches a frame the agent sent back to the server
// (CONNECTED, DATA, CLOSE, ERROR, PONG).
func (s *Server) HandleAgentFrame(containerID string, raw []byte) error {
	f, err := Parse(raw)
	if err != nil {
		return err
	}

	s.mu.RLock()
	sess, ok := s.agents[containerID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("tunnel: frame from unknown agent %s", containerID)
	}

	switch f.Type {
	case FramePing:
		return s.writeFrame(sess, Pong())
	case FrameConnected:
		s.mu.Lock()
		if c, ok := sess.conns[f.ClientID]; ok {
			c.State = types.TunnelConnEstablished
		}
		s.mu.Unlock()
	case FrameData:
		s.mu.RLock()
		c, ok := sess.conns[f.ClientID]
		s.mu.RUnlock()
		if ok && c.sock != nil {
			c.sock.Write(f.Payload)
			metrics.TunnelBytesTransferred.WithLabelValues("outbound").Add(float64(len(f.Payload)))
		}
	case FrameClose, FrameError:
		s.removeConn(containerID, f.ClientID)
	}
	return nil
}

func (s *Server) removeConn(containerID string, clientID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.agents[containerID]
	if !ok {
		return
	}
	if c, ok := sess.conns[clientID]; ok {
		if c.sock != nil {
			c.sock.Close()
		}
		delete(sess.conns, clientID)
	}
}

func (s *Server) writeFrame(sess *agentSession, frame []byte) error {
	sess.wmu.Lock()
	defer sess.wmu.Unlock()
	return sess.ws.WriteMessage(websocket.BinaryMessage, frame)
}
