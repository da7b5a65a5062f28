// Package sshproxy implements a Host-side TCP stream proxy that maps
// inbound connections on its one listen address to a (runner, container
// SSH port) pair by splicing raw TCP (an SSH session is not HTTP, so there
// is no request to route on beyond the initial lookup). The Host binary
// runs one Proxy per SSH-enabled VPS, listening on that task's SSH port;
// no proxy listens on the Host's configured SSH proxy port.
package sshproxy

import (
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/KohakuBlueleaf/kohakuriver/internal/kohakulog"
	"github.com/rs/zerolog"
)

// Target is where a given proxied connection should be spliced to.
type Target struct {
	Addr string // "runner_physical_ip:container_ssh_port"
}

// Resolver looks up a connection's destination. Connections arrive
// without any addressing of their own (raw SSH), so the proxy
// multiplexes by listening port: one proxy listener per forwarded task,
// looked up by the listener's own port at Accept time.
type Resolver func(listenPort int) (Target, error)

// Proxy accepts TCP connections on a single port and splices them to the
// Resolver's target for that port.
type Proxy struct {
	listenAddr string
	resolve    Resolver
	logger     zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	stopped  bool
}

// New builds a Proxy bound to listenAddr (host:port).
func New(listenAddr string, resolve Resolver) *Proxy {
	return &Proxy{
		listenAddr: listenAddr,
		resolve:    resolve,
		logger:     kohakulog.WithComponent("sshproxy"),
	}
}

// Start begins accepting connections in the background.
func (p *Proxy) Start() error {
	ln, err := net.Listen("tcp", p.listenAddr)
	if err != nil {
		return fmt.Errorf("sshproxy: listen on %s: %w", p.listenAddr, err)
	}
	p.mu.Lock()
	p.listener = ln
	p.mu.Unlock()

	go p.acceptLoop(ln)
	p.logger.Info().Str("addr", p.listenAddr).Msg("ssh proxy listening")
	return nil
}

// Addr returns the bound listener's address, for tests and for logging
// the actual ephemeral port when listenAddr used port 0.
func (p *Proxy) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// Stop closes the listener; in-flight connections are left to drain on
// their own.
func (p *Proxy) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.listener == nil {
		return nil
	}
	return p.listener.Close()
}

func (p *Proxy) acceptLoop(ln net.Listener) {
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	for {
		conn, err := ln.Accept()
		if err != nil {
			p.mu.Lock()
			stopped := p.stopped
			p.mu.Unlock()
			if stopped {
				return
			}
			p.logger.Warn().Err(err).Msg("ssh proxy accept failed")
			continue
		}
		go p.handleConn(conn, port)
	}
}

func (p *Proxy) handleConn(conn net.Conn, listenPort int) {
	defer conn.Close()

	target, err := p.resolve(listenPort)
	if err != nil {
		p.logger.Warn().Err(err).Int("port", listenPort).Msg("ssh proxy could not resolve target")
		return
	}

	upstream, err := net.Dial("tcp", target.Addr)
	if err != nil {
		p.logger.Warn().Err(err).Str("target", target.Addr).Msg("ssh proxy dial failed")
		return
	}
	defer upstream.Close()

	splice(conn, upstream)
}

// splice copies bytes in both directions until either side closes.
func splice(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() { io.Copy(a, b); done <- struct{}{} }()
	go func() { io.Copy(b, a); done <- struct{}{} }()
	<-done
}
