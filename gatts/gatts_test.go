package gatts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/btframework/internal/status"
	"github.com/srg/btframework/internal/uuid"
	"github.com/srg/btframework/sal"
	"github.com/srg/btframework/sal/mock"
)

func newTestManager(t *testing.T) (*Manager, *mock.Stack) {
	t.Helper()
	stk := mock.New()
	m, code := New(stk, nil)
	require.Equal(t, status.Success, code)
	return m, stk
}

var peerAddr = sal.Addr{1, 2, 3, 4, 5, 6}

func batteryLevelDesc() ElementDesc {
	return ElementDesc{
		UUID:        uuid.From16(0x2A19),
		Properties:  0x02,
		Permissions: 0x01,
		RspType:     AutoRsp,
		Value:       []byte{100},
	}
}

func TestRegisterService_AssignsAlignedServiceID(t *testing.T) {
	m, stk := newTestManager(t)

	svc1, code := m.RegisterService("app1", Callbacks{})
	require.Equal(t, status.Success, code)
	assert.Equal(t, uint16(serviceIDStart), svc1.ID())

	svc2, code := m.RegisterService("app2", Callbacks{})
	require.Equal(t, status.Success, code)
	assert.Equal(t, uint16(serviceIDStart+serviceIDStep), svc2.ID())

	found := false
	for _, c := range stk.Calls() {
		if c.Method == "GattServerEnable" {
			found = true
		}
	}
	assert.True(t, found, "New should enable the GATT server")
}

func TestAddAttrTable_AssignsHandlesUnderTheServiceID(t *testing.T) {
	m, stk := newTestManager(t)
	svc, _ := m.RegisterService(nil, Callbacks{})

	code := m.AddAttrTable(svc, []ElementDesc{batteryLevelDesc(), batteryLevelDesc()})
	require.Equal(t, status.Success, code)

	// local offsets start at 1, matching nextLocalHandle's initial value.
	value, code := m.GetAttrValue(svc, 1)
	require.Equal(t, status.Success, code)
	assert.Equal(t, []byte{100}, value)

	value, code = m.GetAttrValue(svc, 2)
	require.Equal(t, status.Success, code)
	assert.Equal(t, []byte{100}, value)

	found := false
	for _, c := range stk.Calls() {
		if c.Method == "GattServerAddElements" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestSetAttrValue_ClampsToExistingCapacity(t *testing.T) {
	m, _ := newTestManager(t)
	svc, _ := m.RegisterService(nil, Callbacks{})
	require.Equal(t, status.Success, m.AddAttrTable(svc, []ElementDesc{batteryLevelDesc()}))

	code := m.SetAttrValue(svc, 1, []byte{1, 2, 3})
	require.Equal(t, status.Success, code)

	value, _ := m.GetAttrValue(svc, 1)
	assert.Equal(t, []byte{1}, value, "the cached value buffer is fixed at its original length")
}

func TestSetAttrValue_AppRspElementHasNoCachedValue(t *testing.T) {
	m, _ := newTestManager(t)
	svc, _ := m.RegisterService(nil, Callbacks{})
	desc := ElementDesc{UUID: uuid.From16(0x2A19), RspType: AppRsp}
	require.Equal(t, status.Success, m.AddAttrTable(svc, []ElementDesc{desc}))

	assert.Equal(t, status.NotFound, m.SetAttrValue(svc, 1, []byte{1}))
	_, code := m.GetAttrValue(svc, 1)
	assert.Equal(t, status.NotFound, code)
}

func TestOnReadRequest_AutoRspAnswersDirectlyWithoutCallingApplication(t *testing.T) {
	m, stk := newTestManager(t)
	svc, _ := m.RegisterService(nil, Callbacks{
		OnReadRequest: func(svc *Service, addr sal.Addr, handle, reqHandle uint16) {
			t.Fatal("AutoRsp elements must not reach the application callback")
		},
	})
	require.Equal(t, status.Success, m.AddAttrTable(svc, []ElementDesc{batteryLevelDesc()}))

	m.OnReadRequest(int(svc.ID()), peerAddr, svc.ID()+1, 42)

	found := false
	for _, c := range stk.Calls() {
		if c.Method == "GattServerSendResponse" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestOnReadRequest_AppRspCallsApplicationWithLocalHandle(t *testing.T) {
	m, _ := newTestManager(t)
	var gotHandle uint16
	svc, _ := m.RegisterService(nil, Callbacks{
		OnReadRequest: func(svc *Service, addr sal.Addr, handle, reqHandle uint16) { gotHandle = handle },
	})
	desc := ElementDesc{UUID: uuid.From16(0x2A19), RspType: AppRsp}
	require.Equal(t, status.Success, m.AddAttrTable(svc, []ElementDesc{desc}))

	m.OnReadRequest(int(svc.ID()), peerAddr, svc.ID()+1, 42)

	assert.Equal(t, uint16(1), gotHandle, "the callback sees the local offset, not the global handle")
}

func TestOnWriteRequest_AlwaysAcksFirstThenAppliesOrForwards(t *testing.T) {
	m, stk := newTestManager(t)
	svc, _ := m.RegisterService(nil, Callbacks{})
	require.Equal(t, status.Success, m.AddAttrTable(svc, []ElementDesc{batteryLevelDesc()}))

	m.OnWriteRequest(int(svc.ID()), peerAddr, svc.ID()+1, 7, []byte{55})

	value, _ := m.GetAttrValue(svc, 1)
	assert.Equal(t, []byte{55}, value)

	var sawResponse bool
	for _, c := range stk.Calls() {
		if c.Method == "GattServerSendResponse" {
			sawResponse = true
		}
	}
	assert.True(t, sawResponse)
}

func TestOnAttrTableAdded_XORsOutTheServiceIDHighByte(t *testing.T) {
	m, _ := newTestManager(t)
	var gotHandle uint16
	svc, _ := m.RegisterService(nil, Callbacks{
		OnAttrTableAdded: func(svc *Service, code status.Code, localHandle uint16) { gotHandle = localHandle },
	})

	m.OnAttrTableAdded(int(svc.ID()), status.Success, svc.ID()+3)

	assert.Equal(t, uint16(3), gotHandle)
}

func TestOnConnectionStateChanged_RoutesToTheOwningService(t *testing.T) {
	m, _ := newTestManager(t)
	var connected, disconnected bool
	svc, _ := m.RegisterService(nil, Callbacks{
		OnConnected:    func(svc *Service, addr sal.Addr) { connected = true },
		OnDisconnected: func(svc *Service, addr sal.Addr) { disconnected = true },
	})

	m.OnConnectionStateChanged(int(svc.ID()), peerAddr, true)
	assert.True(t, connected)

	m.OnConnectionStateChanged(int(svc.ID()), peerAddr, false)
	assert.True(t, disconnected)
}

func TestUnregisterService_RemovesEveryTableAndDropsFromRegistry(t *testing.T) {
	m, stk := newTestManager(t)
	svc, _ := m.RegisterService(nil, Callbacks{})
	require.Equal(t, status.Success, m.AddAttrTable(svc, []ElementDesc{batteryLevelDesc()}))

	require.Equal(t, status.Success, m.UnregisterService(svc))
	assert.Equal(t, status.ParmInvalid, m.Connect(svc, peerAddr, sal.AddrPublic))

	found := false
	for _, c := range stk.Calls() {
		if c.Method == "GattServerRemoveElements" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestCleanup_DisablesServerAndClearsRegistry(t *testing.T) {
	m, stk := newTestManager(t)
	svc, _ := m.RegisterService(nil, Callbacks{})

	m.Cleanup()

	assert.Equal(t, status.NotReady, m.Connect(svc, peerAddr, sal.AddrPublic))
	found := false
	for _, c := range stk.Calls() {
		if c.Method == "GattServerDisable" {
			found = true
		}
	}
	assert.True(t, found)
}
