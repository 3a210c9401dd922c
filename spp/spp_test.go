package spp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/btframework/internal/loop"
	"github.com/srg/btframework/internal/ptyio"
	"github.com/srg/btframework/internal/status"
	"github.com/srg/btframework/sal"
	"github.com/srg/btframework/sal/mock"
)

func newTestManager(t *testing.T) (*Manager, *mock.Stack, *loop.Loop) {
	t.Helper()
	l := loop.New()
	require.NoError(t, l.Run(true, "spp-test"))
	t.Cleanup(l.Exit)

	stk := mock.New()
	m := New(l, stk, ptyio.Options{PollTimeoutMs: 5}, nil)
	return m, stk, l
}

var testUUID = [16]byte{0x01, 0x02}

func TestCreateServer_AllocatesSCNAndStarts(t *testing.T) {
	m, stk, _ := newTestManager(t)

	srv, code := m.CreateServer(testUUID, Callbacks{})
	require.Equal(t, status.Success, code)
	require.NotNil(t, srv)
	assert.GreaterOrEqual(t, srv.SCN(), MinSCN)
	assert.LessOrEqual(t, srv.SCN(), MaxSCN)

	found := false
	for _, c := range stk.Calls() {
		if c.Method == "SppServerStart" {
			found = true
		}
	}
	assert.True(t, found, "expected SppServerStart to be recorded")
}

func TestCreateServer_ExhaustsSCNSpace(t *testing.T) {
	m, _, _ := newTestManager(t)

	for i := MinSCN; i <= MaxSCN; i++ {
		_, code := m.CreateServer(testUUID, Callbacks{})
		require.Equal(t, status.Success, code)
	}

	_, code := m.CreateServer(testUUID, Callbacks{})
	assert.Equal(t, status.NoResources, code)
}

func TestOnConnectionStateChange_OpensAndClosesBridge(t *testing.T) {
	m, _, l := newTestManager(t)

	var opened *Port
	var ttyName string
	closedCh := make(chan struct{}, 1)

	srv, code := m.CreateServer(testUUID, Callbacks{
		OnPortOpened: func(p *Port, tty string) { opened = p; ttyName = tty },
		OnPortClosed: func(p *Port) { closedCh <- struct{}{} },
	})
	require.Equal(t, status.Success, code)

	addr := sal.Addr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}

	l.PostSync(func() { m.OnConnectionStateChange(addr, srv.SCN(), 1, true) })
	require.Eventually(t, func() bool { return opened != nil }, time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, ttyName)
	assert.Equal(t, PortConnected, opened.State())

	l.PostSync(func() { m.OnConnectionStateChange(addr, srv.SCN(), 1, false) })
	select {
	case <-closedCh:
	case <-time.After(time.Second):
		t.Fatal("OnPortClosed never fired")
	}
}

func TestOnDataReceived_WritesIntoBridge(t *testing.T) {
	m, _, l := newTestManager(t)

	srv, _ := m.CreateServer(testUUID, Callbacks{})
	addr := sal.Addr{1, 2, 3, 4, 5, 6}

	var port *Port
	l.PostSync(func() {
		m.OnConnectionStateChange(addr, srv.SCN(), 1, true)
		port = srv.ports[addr]
	})
	require.NotNil(t, port)
	require.Eventually(t, func() bool {
		var ready bool
		l.PostSync(func() { ready = port.bridge != nil })
		return ready
	}, time.Second, 5*time.Millisecond)

	l.PostSync(func() { m.OnDataReceived(addr, srv.SCN(), 1, []byte("ping")) })

	require.Eventually(t, func() bool {
		var n uint64
		l.PostSync(func() {
			if port.bridge != nil {
				n = port.bridge.Stats().WriteBytesTotal
			}
		})
		return n >= 4
	}, time.Second, 5*time.Millisecond)
}

func TestConnect_RejectsDuplicatePort(t *testing.T) {
	m, _, _ := newTestManager(t)

	srv, _ := m.CreateServer(testUUID, Callbacks{})
	addr := sal.Addr{9, 9, 9, 9, 9, 9}

	code := m.Connect(srv, addr)
	require.Equal(t, status.Success, code)

	code = m.Connect(srv, addr)
	assert.Equal(t, status.Busy, code)
}

func TestDeleteServer_ClosesOpenPorts(t *testing.T) {
	m, stk, l := newTestManager(t)

	srv, _ := m.CreateServer(testUUID, Callbacks{})
	addr := sal.Addr{5, 5, 5, 5, 5, 5}
	l.PostSync(func() { m.OnConnectionStateChange(addr, srv.SCN(), 1, true) })
	require.Eventually(t, func() bool {
		var n int
		l.PostSync(func() { n = len(srv.ports) })
		return n == 1
	}, time.Second, 5*time.Millisecond)

	code := m.DeleteServer(srv)
	require.Equal(t, status.Success, code)

	stopped := false
	for _, c := range stk.Calls() {
		if c.Method == "SppServerStop" {
			stopped = true
		}
	}
	assert.True(t, stopped)
}
