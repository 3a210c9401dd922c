package framework

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/btframework/adapter"
	"github.com/srg/btframework/adapter/state"
	"github.com/srg/btframework/advertising"
	"github.com/srg/btframework/gattc"
	"github.com/srg/btframework/gatts"
	"github.com/srg/btframework/internal/status"
	"github.com/srg/btframework/internal/uuid"
	"github.com/srg/btframework/pkg/config"
	"github.com/srg/btframework/powermanager"
	"github.com/srg/btframework/sal"
	"github.com/srg/btframework/sal/mock"
)

// waitLoopState polls f.Adapter.State() through the loop until it equals
// want, matching the pattern already proven in TestFramework_AdapterFullEnableSequence.
func waitLoopState(t *testing.T, f *Framework, want state.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		var s state.State
		f.Loop.PostSync(func() { s = f.Adapter.State() })
		return s == want
	}, time.Second, 5*time.Millisecond)
}

// S1: Adapter enable (full) — cold boot, enabling with both transports
// supported walks Off -> BleTurningOn -> BleOn -> TurningOn -> On, and the
// application observer sees every intermediate state in order.
func TestScenario_S1_AdapterEnableFull(t *testing.T) {
	stk := mock.New()
	f, err := New(stk, Options{}, nil)
	require.NoError(t, err)
	require.NoError(t, f.Start(true))
	defer f.Stop()

	var transitions []state.State
	f.Adapter.RegisterCallbacks(adapter.Callbacks{
		OnAdapterStateChanged: func(prev, next state.State) { transitions = append(transitions, next) },
	})

	f.Adapter.Enable()
	waitLoopState(t, f, state.BleTurningOn)

	stk.EmitAdapterStateChanged(true, true)
	waitLoopState(t, f, state.TurningOn)

	stk.EmitAdapterStateChanged(true, false)
	waitLoopState(t, f, state.On)

	require.Eventually(t, func() bool { return len(transitions) >= 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []state.State{state.BleTurningOn, state.BleOn, state.TurningOn, state.On}, transitions)
}

// S2: Advertise + time-out — the SAL never acks LEStartAdv, so the 1s
// start watchdog reports Start_Timeout and the advertiser slot is torn
// down, ready for a fresh Start.
func TestScenario_S2_AdvertiseTimeout(t *testing.T) {
	stk := mock.New()
	f, err := New(stk, Options{}, nil)
	require.NoError(t, err)
	require.NoError(t, f.Start(true))
	defer f.Stop()

	f.Adapter.Enable()
	waitLoopState(t, f, state.BleTurningOn)
	stk.EmitAdapterStateChanged(true, true)
	waitLoopState(t, f, state.TurningOn)
	stk.EmitAdapterStateChanged(true, false)
	waitLoopState(t, f, state.On)

	started := make(chan status.Code, 1)
	_, ok := f.Advertising.Start(advertising.AdvParams{}, []byte{0x02, 0x01, 0x06}, nil, advertising.Callbacks{
		OnAdvertisingStart: func(advID int, code status.Code) { started <- code },
	})
	require.True(t, ok)

	select {
	case code := <-started:
		assert.Equal(t, status.StartTimeout, code)
	case <-time.After(2 * time.Second):
		t.Fatal("advertiser watchdog never fired Start_Timeout")
	}

	// the freed slot is reusable immediately by a second advertiser.
	started2 := make(chan status.Code, 1)
	_, ok = f.Advertising.Start(advertising.AdvParams{}, []byte{0x02, 0x01, 0x06}, nil, advertising.Callbacks{
		OnAdvertisingStart: func(advID int, code status.Code) { started2 <- code },
	})
	require.True(t, ok)
	select {
	case code := <-started2:
		assert.Equal(t, status.StartTimeout, code)
	case <-time.After(2 * time.Second):
		t.Fatal("second advertiser never timed out either")
	}
}

// S4: GATT discover + notify — connect, discover one service and its
// notifiable characteristic, subscribe, then receive a notification, in
// the order an application actually observes them.
func TestScenario_S4_GattDiscoverAndNotify(t *testing.T) {
	stk := mock.New()
	f, err := New(stk, Options{}, nil)
	require.NoError(t, err)
	require.NoError(t, f.Start(true))
	defer f.Stop()

	var events []string
	var notifiedValue []byte
	conn, code := f.Gattc.CreateConnect(nil, gattc.Callbacks{
		OnConnected: func(c *gattc.Connection) { events = append(events, "connected") },
		OnServiceDiscovered: func(c *gattc.Connection, code status.Code, svcUUID uuid.UUID, start, end uint16) {
			events = append(events, "discovered")
		},
		OnDiscoverComplete: func(c *gattc.Connection, code status.Code) {
			events = append(events, "discover_complete")
		},
		OnSubscribed: func(c *gattc.Connection, handle uint16, code status.Code, enable bool) {
			events = append(events, "subscribed")
		},
		OnNotified: func(c *gattc.Connection, handle uint16, v []byte) {
			events = append(events, "notified")
			notifiedValue = v
		},
	})
	require.Equal(t, status.Success, code)

	peer := sal.Addr{1, 2, 3, 4, 5, 6}
	require.Equal(t, status.Success, f.Gattc.Connect(conn, peer, sal.AddrPublic))
	stk.EmitGattcConnect(conn.ID(), true, status.Success)
	require.Eventually(t, func() bool { return conn.State() == gattc.StateConnected }, time.Second, 5*time.Millisecond)

	require.Equal(t, status.Success, f.Gattc.DiscoverService(conn, uuid.UUID{}))

	batterySvc := uuid.From16(0x180F)
	batteryLevel := uuid.From16(0x2A19)
	stk.EmitGattcDiscover(conn.ID(), batterySvc, 0x0020, 0x0025)
	f.Loop.PostSync(func() {
		f.Gattc.AddDiscoveredElement(conn.ID(), gattc.Element{
			Handle:     0x0023,
			UUID:       batteryLevel,
			Properties: gattc.GattPropNotify,
		})
	})
	stk.EmitGattcDiscoverCmpl(conn.ID(), status.Success)

	require.Eventually(t, func() bool { return len(events) >= 3 }, time.Second, 5*time.Millisecond)

	require.Equal(t, status.Success, f.Gattc.Subscribe(conn, 0x0023, gattc.CCCNotify))
	stk.EmitGattcSubscribe(conn.ID(), 0x0023, status.Success, true)
	require.Eventually(t, func() bool { return len(events) >= 4 }, time.Second, 5*time.Millisecond)

	stk.EmitGattcNotify(conn.ID(), 0x0023, []byte{0x64})
	require.Eventually(t, func() bool { return len(events) >= 5 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"connected", "discovered", "discover_complete", "subscribed", "notified"}, events)
	assert.Equal(t, []byte{0x64}, notifiedValue)
}

// S5: GATT server auto-response read — the stack's read request for the
// characteristic value handle is answered directly from the cache; the
// application callback never fires.
func TestScenario_S5_GattServerAutoResponseRead(t *testing.T) {
	stk := mock.New()
	f, err := New(stk, Options{}, nil)
	require.NoError(t, err)
	require.NoError(t, f.Start(true))
	defer f.Stop()

	var appCalled bool
	var svc *gatts.Service
	var code status.Code
	f.Loop.PostSync(func() {
		svc, code = f.Gatts.RegisterService(nil, gatts.Callbacks{
			OnReadRequest: func(s *gatts.Service, addr sal.Addr, handle, reqHandle uint16) { appCalled = true },
		})
	})
	require.Equal(t, status.Success, code)

	table := []gatts.ElementDesc{
		{UUID: uuid.From16(0x2800), RspType: gatts.AutoRsp}, // primary service declaration
		{UUID: uuid.From16(0x2A00), Properties: 0x02, RspType: gatts.AutoRsp, Value: []byte("pixel")},
	}
	var addCode status.Code
	f.Loop.PostSync(func() { addCode = f.Gatts.AddAttrTable(svc, table) })
	require.Equal(t, status.Success, addCode)

	addr := sal.Addr{9, 9, 9, 9, 9, 9}
	stk.EmitGattsReadRequest(int(svc.ID()), addr, svc.ID()+2, 7)
	f.Loop.PostSync(func() {}) // barrier: wait for the read request to be handled

	var sawResponse bool
	var respValue []byte
	for _, c := range stk.Calls() {
		if c.Method == "GattServerSendResponse" {
			sawResponse = true
			if len(c.Args) == 3 {
				if v, ok := c.Args[2].([]byte); ok {
					respValue = v
				}
			}
		}
	}
	assert.True(t, sawResponse)
	assert.Equal(t, []byte("pixel"), respValue)
	assert.False(t, appCalled, "an AutoRsp element must never reach the application callback")
}

// S6: Power-manager sniff negotiation — a ConnOpen from HFP arms a 7s
// sniff timer without acting; once the link has actually settled into
// sniff, a second profile reporting Busy outranks it and requests Active
// immediately, bypassing the timer entirely.
func TestScenario_S6_PowerManagerSniffNegotiation(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BLESupport = false
	stk := mock.New()
	f, err := New(stk, Options{Config: cfg}, nil)
	require.NoError(t, err)
	require.NoError(t, f.Start(true))
	defer f.Stop()

	f.Adapter.Enable()
	waitLoopState(t, f, state.TurningOn)
	stk.EmitAdapterStateChanged(true, false)
	waitLoopState(t, f, state.On)

	addr := sal.Addr{7, 7, 7, 7, 7, 7}
	stk.EmitAclState(addr, true, 0x20)
	require.Eventually(t, func() bool {
		d, ok := f.Adapter.Device(addr, sal.TransportBREDR)
		return ok && d.ConnectionState == adapter.ConnConnected
	}, time.Second, 5*time.Millisecond)

	f.Loop.PostSync(func() { f.PowerManager.Notify(powermanager.ProfileHfpHF, addr, powermanager.StateConnOpen) })

	var sawSetPowerMode bool
	for _, c := range stk.Calls() {
		if c.Method == "SetPowerMode" {
			sawSetPowerMode = true
		}
	}
	assert.False(t, sawSetPowerMode, "ConnOpen only arms a 7s timer, it must not act immediately")

	// the SAL reports the link actually settled into sniff, flipping the
	// cached mode away from Active so a later Active request isn't a no-op.
	f.Adapter.Upcalls().AdapterOnLinkModeChange(addr, sal.PowerMode{Max: 800, Min: 400, Attempt: 4, Timeout: 1})
	f.Loop.PostSync(func() {}) // barrier: wait for the posted OnLinkModeChanged to land

	f.Loop.PostSync(func() { f.PowerManager.Notify(powermanager.ProfileSpp, addr, powermanager.StateBusy) })

	var activeMode sal.PowerMode
	var sawActive bool
	for _, c := range stk.Calls() {
		if c.Method == "SetPowerMode" && len(c.Args) == 2 {
			if m, ok := c.Args[1].(sal.PowerMode); ok && m.Active {
				sawActive = true
				activeMode = m
			}
		}
	}
	assert.True(t, sawActive, "a Busy profile outranking the pending sniff preference requests Active immediately")
	assert.True(t, activeMode.Active)
}
