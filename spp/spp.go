// Package spp implements the RFCOMM-style serial port profile manager
// (supplemented from tools/spp.c, not part of the distilled GATT-centric
// surface): a server channel table plus, per connected remote, a PTY
// bridge a local process can open like any other tty. Grounded on
// tools/spp.c's bt_spp_server_start/bt_spp_connect/connection_state_callback
// shape, with the PTY bridging itself adapted from the Go CLI tooling's
// internal/ptyio ring-buffer wrapper.
package spp

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/btframework/internal/idalloc"
	"github.com/srg/btframework/internal/loop"
	"github.com/srg/btframework/internal/ptyio"
	"github.com/srg/btframework/internal/status"
	"github.com/srg/btframework/sal"
)

// MinSCN and MaxSCN bound the RFCOMM server channel number space.
const (
	MinSCN = 1
	MaxSCN = 30
)

// PortState tracks one remote connection's lifecycle on a server channel.
type PortState int

const (
	PortDisconnected PortState = iota
	PortConnecting
	PortConnected
	PortDisconnecting
)

func (s PortState) String() string {
	switch s {
	case PortConnecting:
		return "connecting"
	case PortConnected:
		return "connected"
	case PortDisconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// Callbacks is the per-server observer. OnPortOpened fires once a remote's
// PTY bridge is ready, handing back the tty path a local process can open
// (e.g. "/dev/pts/7"); OnPortClosed fires when that remote disconnects or
// when DeleteServer or Cleanup closes the port. A bridge that fails after
// it was opened does not by itself close the port.
type Callbacks struct {
	OnPortOpened func(port *Port, ttyName string)
	OnPortClosed func(port *Port)
}

// Port is one remote's RFCOMM connection on a server channel, bridged to a
// local pty. The zero value is not valid; obtain one via Manager callbacks
// or Connect.
type Port struct {
	server *Server
	remote sal.Addr
	portID int
	state  PortState
	bridge ptyio.PTY
}

// Remote returns the connected device's address.
func (p *Port) Remote() sal.Addr { return p.remote }

// State returns the port's current lifecycle state.
func (p *Port) State() PortState { return p.state }

// TTYName returns the bridged pty's slave path, or "" if no bridge is
// currently open.
func (p *Port) TTYName() string {
	if p.bridge == nil {
		return ""
	}
	return p.bridge.TTYName()
}

// Server is an opaque handle to one registered RFCOMM server channel,
// analogous to a spp_device_t in the reference tool.
type Server struct {
	scn       int
	uuid      [16]byte
	callbacks Callbacks
	started   bool
	ports     map[sal.Addr]*Port
}

// SCN returns the allocated server channel number.
func (s *Server) SCN() int { return s.scn }

// Manager owns the server-channel table and every port's pty bridge.
// Every exported method hops onto the loop thread; upcalls arrive
// already marshalled there by the framework aggregate.
type Manager struct {
	log  *logrus.Entry
	loop *loop.Loop
	sal  sal.SppSAL

	allocator *idalloc.Allocator
	byScn     map[int]*Server

	bridgeOpts ptyio.Options
}

// New constructs a Manager over the [MinSCN, MaxSCN] channel space.
// bridgeOpts configures every port's pty (ring buffer sizes, poll
// interval); the zero value is a sane default.
func New(l *loop.Loop, s sal.SppSAL, bridgeOpts ptyio.Options, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		log:        log.WithField("component", "spp"),
		loop:       l,
		sal:        s,
		allocator:  idalloc.New(MaxSCN - MinSCN),
		byScn:      make(map[int]*Server),
		bridgeOpts: bridgeOpts,
	}
}

// CreateServer allocates a server channel in [MinSCN, MaxSCN] and starts
// advertising uuid on it.
func (m *Manager) CreateServer(uuid [16]byte, cbs Callbacks) (*Server, status.Code) {
	var srv *Server
	var code status.Code
	m.loop.PostSync(func() {
		id := m.allocator.Alloc()
		if id < 0 {
			code = status.NoResources
			return
		}
		scn := MinSCN + id
		srv = &Server{scn: scn, uuid: uuid, callbacks: cbs, ports: make(map[sal.Addr]*Port)}
		code = m.sal.SppServerStart(scn, uuid)
		if code != status.Success {
			m.allocator.Free(id)
			srv = nil
			return
		}
		srv.started = true
		m.byScn[scn] = srv
	})
	return srv, code
}

// DeleteServer stops advertising and closes every open port on srv.
func (m *Manager) DeleteServer(srv *Server) status.Code {
	var code status.Code
	m.loop.PostSync(func() {
		if !m.valid(srv) {
			code = status.ParmInvalid
			return
		}
		for _, p := range srv.ports {
			m.closePort(p)
		}
		if srv.started {
			code = m.sal.SppServerStop(srv.scn)
		}
		delete(m.byScn, srv.scn)
		m.allocator.Free(srv.scn - MinSCN)
	})
	return code
}

func (m *Manager) valid(srv *Server) bool {
	existing, ok := m.byScn[srv.scn]
	return ok && existing == srv
}

// Connect initiates an outbound RFCOMM connection to addr on srv's
// channel. The resulting Port, if any, arrives via the connection-state
// upcall the same way an inbound connection would.
func (m *Manager) Connect(srv *Server, addr sal.Addr) status.Code {
	var code status.Code
	m.loop.PostSync(func() {
		if !m.valid(srv) {
			code = status.ParmInvalid
			return
		}
		if _, exists := srv.ports[addr]; exists {
			code = status.Busy
			return
		}
		srv.ports[addr] = &Port{server: srv, remote: addr, state: PortConnecting}
		code = m.sal.SppConnect(addr, srv.scn, srv.uuid)
	})
	return code
}

// Disconnect tears down port's RFCOMM connection and its pty bridge.
func (m *Manager) Disconnect(port *Port) status.Code {
	var code status.Code
	m.loop.PostSync(func() {
		srv := port.server
		if !m.valid(srv) || srv.ports[port.remote] != port {
			code = status.ParmInvalid
			return
		}
		port.state = PortDisconnecting
		code = m.sal.SppDisconnect(port.remote, srv.scn)
	})
	return code
}

func (m *Manager) closePort(p *Port) {
	if p.bridge != nil {
		p.bridge.Close()
		p.bridge = nil
	}
	p.state = PortDisconnected
	delete(p.server.ports, p.remote)
	if p.server.callbacks.OnPortClosed != nil {
		p.server.callbacks.OnPortClosed(p)
	}
}

// OnConnectionStateChange is the SppOnConnectionStateChange upcall. A
// transition into "connected" opens the port's pty bridge; any other
// transition (including disconnect requested locally) tears it down.
func (m *Manager) OnConnectionStateChange(addr sal.Addr, scn int, portID int, connected bool) {
	srv, ok := m.byScn[scn]
	if !ok {
		return
	}
	p, ok := srv.ports[addr]
	if !ok {
		if !connected {
			return
		}
		p = &Port{server: srv, remote: addr}
		srv.ports[addr] = p
	}
	p.portID = portID

	if !connected {
		m.closePort(p)
		return
	}

	p.state = PortConnected
	bridge, err := ptyio.New(m.bridgeOpts)
	if err != nil {
		m.log.WithError(err).Warn("spp: pty bridge open failed, disconnecting port")
		m.sal.SppDisconnect(addr, scn)
		return
	}
	p.bridge = bridge
	bridge.SetReadCallback(func(data []byte) {
		out := make([]byte, len(data))
		copy(out, data)
		m.loop.Post(func() {
			if srv.ports[addr] != p || p.bridge == nil {
				return
			}
			m.sal.SppWrite(addr, scn, out)
		})
	})
	if srv.callbacks.OnPortOpened != nil {
		srv.callbacks.OnPortOpened(p, bridge.TTYName())
	}
}

// OnPtyOpen is the SppOnPtyOpen upcall, carried for completeness; this
// framework opens its own pty master in OnConnectionStateChange rather
// than consuming a stack-assigned tty path, so it is a no-op observer.
func (m *Manager) OnPtyOpen(addr sal.Addr, scn int, portID int, ptyName string) {
	m.log.WithFields(logrus.Fields{"addr": fmt.Sprintf("%x", addr), "scn": scn, "tty": ptyName}).
		Debug("spp: stack reported pty path, ignored in favor of local bridge")
}

// OnDataReceived is the SppOnDataReceived upcall: bytes arriving over the
// RFCOMM channel are queued into the port's pty master for the local
// process on the other end to read.
func (m *Manager) OnDataReceived(addr sal.Addr, scn int, portID int, data []byte) {
	srv, ok := m.byScn[scn]
	if !ok {
		return
	}
	p, ok := srv.ports[addr]
	if !ok || p.bridge == nil {
		return
	}
	if n, err := p.bridge.Write(data); err != nil || n < len(data) {
		m.log.WithField("port", portID).Warn("spp: pty write dropped bytes")
	}
}

// Cleanup stops every server channel and closes every open port.
func (m *Manager) Cleanup() {
	for _, srv := range m.byScn {
		for _, p := range srv.ports {
			m.closePort(p)
		}
		if srv.started {
			m.sal.SppServerStop(srv.scn)
		}
	}
	m.byScn = make(map[int]*Server)
	m.allocator = idalloc.New(MaxSCN - MinSCN)
}
