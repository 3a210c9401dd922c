package gattc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/btframework/internal/loop"
	"github.com/srg/btframework/internal/status"
	"github.com/srg/btframework/internal/uuid"
	"github.com/srg/btframework/sal"
	"github.com/srg/btframework/sal/mock"
)

func newTestManager(t *testing.T) (*Manager, *mock.Stack, *loop.Loop) {
	t.Helper()
	l := loop.New()
	require.NoError(t, l.Run(true, "gattc-test"))
	t.Cleanup(l.Exit)

	stk := mock.New()
	m := New(l, stk, nil)
	return m, stk, l
}

var peerAddr = sal.Addr{9, 8, 7, 6, 5, 4}

func TestCreateConnect_AllocatesAndConnectUpdatesState(t *testing.T) {
	m, stk, _ := newTestManager(t)

	conn, code := m.CreateConnect("app-handle", Callbacks{})
	require.Equal(t, status.Success, code)
	require.NotNil(t, conn)
	assert.Equal(t, "app-handle", conn.Remote())
	assert.Equal(t, StateDisconnected, conn.State())

	code = m.Connect(conn, peerAddr, sal.AddrPublic)
	require.Equal(t, status.Success, code)
	assert.Equal(t, StateConnecting, conn.State())

	found := false
	for _, c := range stk.Calls() {
		if c.Method == "GattClientConnect" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestCreateConnect_AllocatorExhaustionReturnsNoMem(t *testing.T) {
	m, _, _ := newTestManager(t)

	var codes []status.Code
	for i := 0; i < DefaultMaxConnections+1; i++ {
		_, code := m.CreateConnect(nil, Callbacks{})
		codes = append(codes, code)
	}

	successCount, noMemCount := 0, 0
	for _, c := range codes {
		switch c {
		case status.Success:
			successCount++
		case status.NoMem:
			noMemCount++
		}
	}
	assert.Equal(t, DefaultMaxConnections, successCount)
	assert.Equal(t, 1, noMemCount)
}

func TestOperations_RejectInvalidOrDeletedConnection(t *testing.T) {
	m, _, _ := newTestManager(t)

	conn, code := m.CreateConnect(nil, Callbacks{})
	require.Equal(t, status.Success, code)
	require.Equal(t, status.Success, m.DeleteConnect(conn))

	assert.Equal(t, status.ParmInvalid, m.Connect(conn, peerAddr, sal.AddrPublic))
	assert.Equal(t, status.ParmInvalid, m.Read(conn, 1))
	assert.Equal(t, status.ParmInvalid, m.Disconnect(conn))
}

func TestOnConnectionStateChanged_FiresCallbacksAndTracksState(t *testing.T) {
	m, _, l := newTestManager(t)

	var connectedCalls, disconnectedCalls int
	conn, _ := m.CreateConnect(nil, Callbacks{
		OnConnected:    func(c *Connection) { connectedCalls++ },
		OnDisconnected: func(c *Connection) { disconnectedCalls++ },
	})
	require.Equal(t, status.Success, m.Connect(conn, peerAddr, sal.AddrPublic))

	l.PostSync(func() { m.OnConnectionStateChanged(conn.ID(), true, status.Success) })
	assert.Equal(t, StateConnected, conn.State())
	assert.Equal(t, 1, connectedCalls)

	l.PostSync(func() { m.OnConnectionStateChanged(conn.ID(), false, status.Success) })
	assert.Equal(t, StateDisconnected, conn.State())
	assert.Equal(t, 1, disconnectedCalls)
}

func batteryServiceUUID() uuid.UUID { return uuid.From16(0x180F) }
func batteryLevelUUID() uuid.UUID   { return uuid.From16(0x2A19) }

func TestDiscoveryAndAttributeLookup(t *testing.T) {
	m, _, l := newTestManager(t)

	conn, _ := m.CreateConnect(nil, Callbacks{})
	require.Equal(t, status.Success, m.Connect(conn, peerAddr, sal.AddrPublic))
	l.PostSync(func() { m.OnConnectionStateChanged(conn.ID(), true, status.Success) })

	require.Equal(t, status.Success, m.DiscoverService(conn, uuid.UUID{}))

	l.PostSync(func() {
		m.OnServiceDiscovered(conn.ID(), status.Success, batteryServiceUUID(), 10, 20)
		m.AddDiscoveredElement(conn.ID(), Element{
			Handle:     12,
			UUID:       batteryLevelUUID(),
			Properties: GattPropNotify,
		})
	})

	el, code := m.GetAttributeByHandle(conn, 12)
	require.Equal(t, status.Success, code)
	assert.Equal(t, batteryLevelUUID(), el.UUID)

	el2, code := m.GetAttributeByUUID(conn, 10, 20, batteryLevelUUID())
	require.Equal(t, status.Success, code)
	assert.Equal(t, uint16(12), el2.Handle)

	_, code = m.GetAttributeByHandle(conn, 999)
	assert.Equal(t, status.NoResources, code)
}

func TestSubscribe_RejectsMissingPropertyBit(t *testing.T) {
	m, _, l := newTestManager(t)

	conn, _ := m.CreateConnect(nil, Callbacks{})
	require.Equal(t, status.Success, m.Connect(conn, peerAddr, sal.AddrPublic))
	l.PostSync(func() {
		m.OnConnectionStateChanged(conn.ID(), true, status.Success)
		m.OnServiceDiscovered(conn.ID(), status.Success, batteryServiceUUID(), 10, 20)
		m.AddDiscoveredElement(conn.ID(), Element{Handle: 12, UUID: batteryLevelUUID(), Properties: GattPropIndicate})
	})

	code := m.Subscribe(conn, 12, CCCNotify)
	assert.Equal(t, status.NotSupported, code, "CCCNotify requires GattPropNotify, which isn't set")

	code = m.Subscribe(conn, 12, CCCIndicate)
	assert.Equal(t, status.Success, code)
}

func TestOnSubscribed_UpdatesCacheOnlyOnSuccess(t *testing.T) {
	m, _, l := newTestManager(t)

	conn, _ := m.CreateConnect(nil, Callbacks{})
	require.Equal(t, status.Success, m.Connect(conn, peerAddr, sal.AddrPublic))
	l.PostSync(func() {
		m.OnConnectionStateChanged(conn.ID(), true, status.Success)
		m.OnServiceDiscovered(conn.ID(), status.Success, batteryServiceUUID(), 10, 20)
		m.AddDiscoveredElement(conn.ID(), Element{Handle: 12, UUID: batteryLevelUUID(), Properties: GattPropNotify})
	})

	l.PostSync(func() { m.OnSubscribed(conn.ID(), 12, status.Fail, true) })
	el, _ := m.GetAttributeByHandle(conn, 12)
	assert.False(t, el.NotifyEnabled, "a failed subscribe must not flip the cached flag")

	l.PostSync(func() { m.OnSubscribed(conn.ID(), 12, status.Success, true) })
	el, _ = m.GetAttributeByHandle(conn, 12)
	assert.True(t, el.NotifyEnabled)
}

func TestOnNotified_DropsWhenNotifyDisabled(t *testing.T) {
	m, _, l := newTestManager(t)

	var notified []byte
	conn, _ := m.CreateConnect(nil, Callbacks{
		OnNotified: func(c *Connection, handle uint16, value []byte) { notified = value },
	})
	require.Equal(t, status.Success, m.Connect(conn, peerAddr, sal.AddrPublic))
	l.PostSync(func() {
		m.OnConnectionStateChanged(conn.ID(), true, status.Success)
		m.OnServiceDiscovered(conn.ID(), status.Success, batteryServiceUUID(), 10, 20)
		m.AddDiscoveredElement(conn.ID(), Element{Handle: 12, UUID: batteryLevelUUID(), Properties: GattPropNotify})
		m.OnNotified(conn.ID(), 12, []byte{0x55})
	})
	assert.Nil(t, notified, "notifications not yet enabled on the cached element should be dropped")

	l.PostSync(func() {
		m.OnSubscribed(conn.ID(), 12, status.Success, true)
		m.OnNotified(conn.ID(), 12, []byte{0x55})
	})
	assert.Equal(t, []byte{0x55}, notified)
}

func TestCleanup_DisconnectsEveryConnection(t *testing.T) {
	m, stk, _ := newTestManager(t)

	conn, _ := m.CreateConnect(nil, Callbacks{})
	require.Equal(t, status.Success, m.Connect(conn, peerAddr, sal.AddrPublic))

	m.Cleanup()

	require.Eventually(t, func() bool {
		for _, c := range stk.Calls() {
			if c.Method == "GattClientDisconnect" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}
