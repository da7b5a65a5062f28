package tunnel

import (
	"net"
	"testing"

	"github.com/KohakuBlueleaf/kohakuriver/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocClientIDNeverReturnsZero(t *testing.T) {
	s := NewServer()
	s.nextClient = ^uint32(0) // force wraparound on the next call
	id := s.allocClientID()
	assert.NotEqual(t, uint32(0), id)
}

func TestForwardViaAgentRejectsUnknownContainer(t *testing.T) {
	s := NewServer()
	client, _ := net.Pipe()
	defer client.Close()

	err := s.Forward("container-xyz", types.TunnelProtoTCP, 22, client, "")
	assert.Error(t, err)
}

// TestForwardRoutesVMTargetsDirectly verifies the VM target
// exception: container_ids prefixed "vm-" dial the VM's IP without
// going through any attached agent.
func TestForwardRoutesVMTargetsDirectly(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	s := NewServer()
	client, external := net.Pipe()
	defer client.Close()
	defer external.Close()

	tcpAddr := ln.Addr().(*net.TCPAddr)
	err = s.Forward("vm-task-42", types.TunnelProtoTCP, uint16(tcpAddr.Port), external, tcpAddr.IP.String())
	require.NoError(t, err)

	select {
	case conn := <-accepted:
		conn.Close()
	}
}

func TestDetachClosesTrackedConnections(t *testing.T) {
	s := NewServer()
	a, b := net.Pipe()
	defer b.Close()

	s.mu.Lock()
	s.agents["container-1"] = &agentSession{conns: map[uint32]*Conn{
		1: {ClientID: 1, sock: a},
	}}
	s.mu.Unlock()

	s.Detach("container-1")

	_, err := a.Write([]byte("x"))
	assert.Error(t, err, "socket should be closed after detach")
}
