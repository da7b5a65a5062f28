package tunnel

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/KohakuBlueleaf/kohakuriver/internal/kohakulog"
	"github.com/KohakuBlueleaf/kohakuriver/internal/types"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// readBufSize is the per-connection socket read buffer size.
const readBufSize = 64 * 1024

// pendingQueueSize is the suggested bounded-channel capacity for
// per-connection WS-writer tasks.
const pendingQueueSize = 256

// ClientConfig configures the in-container tunnel client.
type ClientConfig struct {
	ServerURL     string
	ReconnectWait time.Duration
}

// Client is the in-container tunnel agent: a persistent, auto-reconnecting
// WebSocket that fans CONNECT requests out to local sockets and relays
// DATA frames bidirectionally.
type Client struct {
	cfg ClientConfig

	mu    sync.Mutex
	conns map[uint32]*clientConn
	ws    *websocket.Conn
	wmu   sync.Mutex

	logger zerolog.Logger
}

type clientConn struct {
	sock    net.Conn
	proto   types.TunnelProto
	pending chan []byte
}

// NewClient creates a tunnel Client for the given server URL.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	return &Client{
		cfg:    cfg,
		conns:  make(map[uint32]*clientConn),
		logger: kohakulog.WithComponent("tunnel-client"),
	}
}

// Run connects and services frames until stopCh is closed, reconnecting
// with cfg.ReconnectWait between attempts and resetting its attempt
// counter on every successful handshake.
func (c *Client) Run(stopCh <-chan struct{}) {
	attempts := 0
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		ws, _, err := websocket.DefaultDialer.Dial(c.cfg.ServerURL, nil)
		if err != nil {
			attempts++
			c.logger.Warn().Err(err).Int("attempt", attempts).Msg("tunnel client dial failed")
			select {
			case <-stopCh:
				return
			case <-time.After(c.cfg.ReconnectWait):
			}
			continue
		}
		attempts = 0

		c.mu.Lock()
		c.ws = ws
		c.mu.Unlock()

		c.serve(ws, stopCh)
		c.teardownAll()

		select {
		case <-stopCh:
			return
		case <-time.After(c.cfg.ReconnectWait):
		}
	}
}

func (c *Client) serve(ws *websocket.Conn, stopCh <-chan struct{}) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		f, err := Parse(raw)
		if err != nil {
			continue
		}
		c.handleFrame(f)

		select {
		case <-stopCh:
			return
		default:
		}
	}
}

func (c *Client) handleFrame(f Frame) {
	switch f.Type {
	case FramePing:
		c.write(Pong())
	case FrameConnect:
		c.openLocal(f.Proto, f.ClientID, f.Port)
	case FrameData:
		c.mu.Lock()
		conn, ok := c.conns[f.ClientID]
		c.mu.Unlock()
		if ok {
			select {
			case conn.pending <- f.Payload:
			default:
				// Backpressure: drop rather than block the reader loop.
			}
		}
	case FrameClose:
		c.closeConn(f.ClientID)
	}
}

func (c *Client) openLocal(proto types.TunnelProto, clientID uint32, port uint16) {
	network := "tcp"
	if proto == types.TunnelProtoUDP {
		network = "udp"
	}
	sock, err := net.Dial(network, localAddr(port))
	if err != nil {
		c.write(Error(proto, clientID, err.Error()))
		return
	}

	cc := &clientConn{sock: sock, proto: proto, pending: make(chan []byte, pendingQueueSize)}
	c.mu.Lock()
	c.conns[clientID] = cc
	c.mu.Unlock()

	c.write(Connected(proto, clientID))

	go c.pumpSocketToWS(clientID, cc)
	go c.pumpPendingToSocket(clientID, cc)
}

func localAddr(port uint16) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port)))
}

func (c *Client) pumpSocketToWS(clientID uint32, cc *clientConn) {
	buf := make([]byte, readBufSize)
	for {
		n, err := cc.sock.Read(buf)
		if n > 0 {
			payload := append([]byte(nil), buf[:n]...)
			c.write(Data(cc.proto, clientID, payload))
		}
		if err != nil {
			c.write(Close(cc.proto, clientID))
			c.closeConn(clientID)
			return
		}
	}
}

func (c *Client) pumpPendingToSocket(clientID uint32, cc *clientConn) {
	for payload := range cc.pending {
		if _, err := cc.sock.Write(payload); err != nil {
			c.closeConn(clientID)
			return
		}
	}
}

func (c *Client) closeConn(clientID uint32) {
	c.mu.Lock()
	cc, ok := c.conns[clientID]
	if ok {
		delete(c.conns, clientID)
	}
	c.mu.Unlock()

	if ok {
		cc.sock.Close()
		close(cc.pending)
	}
}

func (c *Client) teardownAll() {
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[uint32]*clientConn)
	c.mu.Unlock()

	for _, cc := range conns {
		cc.sock.Close()
		close(cc.pending)
	}
}

func (c *Client) write(frame []byte) {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	ws.WriteMessage(websocket.BinaryMessage, frame)
}
