package framework

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/btframework/adapter/state"
	"github.com/srg/btframework/internal/status"
	"github.com/srg/btframework/pkg/config"
	"github.com/srg/btframework/sal"
	"github.com/srg/btframework/sal/mock"
	"github.com/srg/btframework/spp"
)

func TestNew_WiresEveryManagerByDefault(t *testing.T) {
	f, err := New(mock.New(), Options{}, nil)
	require.NoError(t, err)

	assert.NotNil(t, f.Loop)
	assert.NotNil(t, f.Adapter)
	assert.NotNil(t, f.PowerManager)
	assert.NotNil(t, f.Advertising)
	assert.NotNil(t, f.Scan)
	assert.NotNil(t, f.Gattc)
	assert.NotNil(t, f.Gatts)
	assert.NotNil(t, f.Spp)
}

func TestNew_OmitsOptionalManagersWhenDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BLEAdv = false
	cfg.BLEScan = false

	f, err := New(mock.New(), Options{Config: cfg}, nil)
	require.NoError(t, err)

	assert.Nil(t, f.Advertising)
	assert.Nil(t, f.Scan)
	assert.NotNil(t, f.Gattc)
	assert.NotNil(t, f.Gatts)
}

func TestFramework_AdapterFullEnableSequence(t *testing.T) {
	stk := mock.New()
	f, err := New(stk, Options{}, nil)
	require.NoError(t, err)
	require.NoError(t, f.Start(true))
	defer f.Stop()

	f.Adapter.Enable()

	require.Eventually(t, func() bool {
		var s state.State
		f.Loop.PostSync(func() { s = f.Adapter.State() })
		return s == state.BleTurningOn
	}, time.Second, 5*time.Millisecond)

	stk.EmitAdapterStateChanged(true, true) // LE enabled + profiles up -> BleOn, chains into TurningOn
	require.Eventually(t, func() bool {
		var s state.State
		f.Loop.PostSync(func() { s = f.Adapter.State() })
		return s == state.TurningOn
	}, time.Second, 5*time.Millisecond)

	stk.EmitAdapterStateChanged(true, false) // BR/EDR enabled + profiles up -> On
	require.Eventually(t, func() bool {
		var s state.State
		f.Loop.PostSync(func() { s = f.Adapter.State() })
		return s == state.On
	}, time.Second, 5*time.Millisecond)
}

func TestFramework_GattcUpcallDoesNotPanicOnUnknownConnection(t *testing.T) {
	stk := mock.New()
	f, err := New(stk, Options{}, nil)
	require.NoError(t, err)
	require.NoError(t, f.Start(true))
	defer f.Stop()

	assert.NotPanics(t, func() {
		stk.EmitGattcConnect(999, true, 0)
		f.Loop.PostSync(func() {})
	})
}

func TestFramework_SppUpcallOpensPtyBridge(t *testing.T) {
	stk := mock.New()
	f, err := New(stk, Options{}, nil)
	require.NoError(t, err)
	require.NoError(t, f.Start(true))
	defer f.Stop()

	var openedTTY string
	srv, code := f.Spp.CreateServer([16]byte{0x42}, spp.Callbacks{
		OnPortOpened: func(p *spp.Port, ttyName string) { openedTTY = ttyName },
	})
	require.Equal(t, status.Success, code)
	addr := sal.Addr{1, 2, 3, 4, 5, 6}

	stk.EmitSppConnectionStateChange(addr, srv.SCN(), 1, true)

	require.Eventually(t, func() bool {
		var tty string
		f.Loop.PostSync(func() { tty = openedTTY })
		return tty != ""
	}, time.Second, 5*time.Millisecond)
}
