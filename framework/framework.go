// Package framework is the aggregate that owns the service loop and every
// manager, replacing the C source's package-level singletons with one
// explicit, constructible object. Wiring mirrors the Go CLI tooling's
// cmd/blim/main.go: everything is constructed explicitly, in one place,
// with no package-level state.
package framework

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/btframework/adapter"
	"github.com/srg/btframework/adapter/state"
	"github.com/srg/btframework/advertising"
	"github.com/srg/btframework/gattc"
	"github.com/srg/btframework/gatts"
	"github.com/srg/btframework/internal/loop"
	"github.com/srg/btframework/internal/ptyio"
	"github.com/srg/btframework/internal/status"
	"github.com/srg/btframework/internal/storage"
	"github.com/srg/btframework/internal/uuid"
	"github.com/srg/btframework/pkg/config"
	"github.com/srg/btframework/powermanager"
	"github.com/srg/btframework/sal"
	"github.com/srg/btframework/scan"
	"github.com/srg/btframework/spp"
)

// Framework owns the loop and every manager by value. The zero value is
// not usable; construct with New.
type Framework struct {
	Loop *loop.Loop

	Adapter      *adapter.Service
	PowerManager *powermanager.Manager
	Advertising  *advertising.Manager
	Scan         *scan.Manager
	Gattc        *gattc.Manager
	Gatts        *gatts.Manager // unlike every other field, its methods assume they already run on Loop; call them via Loop.PostSync from other goroutines
	Spp          *spp.Manager

	log *logrus.Entry
}

// Options configures a Framework's managers from the recognized options
// table.
type Options struct {
	Config     *config.Config
	StorePath  string // empty: in-memory-only storage.Store
	BridgeOpts ptyio.Options
}

// New constructs every manager against stack, installs the merged upcall
// vtable, and leaves the loop unstarted — call Start to begin running it.
func New(stack sal.Stack, opts Options, log *logrus.Entry) (*Framework, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	var store *storage.Store
	var err error
	if opts.StorePath != "" {
		store, err = storage.Open(opts.StorePath)
		if err != nil {
			return nil, fmt.Errorf("framework: open storage: %w", err)
		}
	} else {
		store = storage.New()
	}

	l := loop.New()
	f := &Framework{Loop: l, log: log}

	f.Adapter = adapter.New(l, stack, store, adapter.Options{
		SupportsLE:    cfg.BLESupport,
		SupportsBREDR: cfg.BREDRSupport,
	}, log)

	f.PowerManager = powermanager.New(l, stack, log)
	f.Adapter.SetPowerManagerHook(f.PowerManager)

	isLEEnabled := func() bool {
		s := f.Adapter.State()
		return s == state.BleOn || s == state.On
	}

	if cfg.BLEAdv {
		f.Advertising = advertising.New(l, stack, isLEEnabled, log)
	}
	if cfg.BLEScan {
		f.Scan = scan.New(l, stack, isLEEnabled, log)
	}
	f.Gattc = gattc.New(l, stack, log)

	gattsMgr, code := gatts.New(stack, log)
	if code != status.Success {
		return nil, fmt.Errorf("framework: gatts enable failed: %v", code)
	}
	f.Gatts = gattsMgr

	f.Spp = spp.New(l, stack, opts.BridgeOpts, log)

	stack.SetUpcalls(f.mergedUpcalls())

	return f, nil
}

// Start runs the service loop, either inline (blocking) or on its own
// goroutine.
func (f *Framework) Start(ownThread bool) error {
	return f.Loop.Run(ownThread, "framework")
}

// Stop tears down every manager and exits the loop.
func (f *Framework) Stop() {
	if f.Advertising != nil {
		f.Advertising.Cleanup()
	}
	if f.Scan != nil {
		f.Scan.Cleanup()
	}
	f.Gattc.Cleanup()
	f.Gatts.Cleanup()
	f.Spp.Cleanup()
	f.Loop.Exit()
}

// mergedUpcalls collects every manager's slice of the upward vtable into
// the single sal.Upcalls a sal.Stack accepts. gattc/gatts/advertising/scan
// don't hop onto the loop on their own upcall path (their doc comments say
// so explicitly) — this is the one place that wraps each with loop.Post,
// since it's the only place that knows the full wiring.
func (f *Framework) mergedUpcalls() sal.Upcalls {
	u := f.Adapter.Upcalls()
	l := f.Loop

	if f.Advertising != nil {
		adv := f.Advertising
		u.AdvertisingOnStarted = func(advID int, code status.Code) { l.Post(func() { adv.OnStarted(advID, code) }) }
		u.AdvertisingOnStopped = func(advID int) { l.Post(func() { adv.OnStopped(advID) }) }
	}

	if f.Scan != nil {
		sc := f.Scan
		u.ScanOnAdvReport = func(addr sal.Addr, t sal.AddrType, rssi int8, payload []byte) {
			l.Post(func() { sc.OnAdvReport(addr, t, rssi, payload) })
		}
	}

	gc := f.Gattc
	u.GattcOnConnect = func(connID int, connected bool, code status.Code) {
		l.Post(func() { gc.OnConnectionStateChanged(connID, connected, code) })
	}
	u.GattcOnDiscover = func(connID int, code status.Code, rawUUID *[16]byte, startHandle, endHandle uint16) {
		var u128 uuid.UUID
		if rawUUID != nil {
			u128 = uuid.UUID(*rawUUID)
		}
		l.Post(func() { gc.OnServiceDiscovered(connID, code, u128, startHandle, endHandle) })
	}
	u.GattcOnDiscoverCmpl = func(connID int, code status.Code) {
		l.Post(func() { gc.OnDiscoverCompleted(connID, code) })
	}
	u.GattcOnRead = func(connID int, handle uint16, code status.Code, v []byte) {
		l.Post(func() { gc.OnRead(connID, handle, code, v) })
	}
	u.GattcOnWrite = func(connID int, handle uint16, code status.Code) {
		l.Post(func() { gc.OnWritten(connID, handle, code) })
	}
	u.GattcOnSubscribe = func(connID int, handle uint16, code status.Code, enable bool) {
		l.Post(func() { gc.OnSubscribed(connID, handle, code, enable) })
	}
	u.GattcOnNotify = func(connID int, handle uint16, v []byte) {
		l.Post(func() { gc.OnNotified(connID, handle, v) })
	}
	u.GattcOnMtu = func(connID int, mtu int) { l.Post(func() { gc.OnMtuUpdated(connID, mtu) }) }
	u.GattcOnPhyRead = func(connID int, txPhy, rxPhy int) { l.Post(func() { gc.OnPhyRead(connID, txPhy, rxPhy) }) }
	u.GattcOnPhyUpdate = func(connID int, txPhy, rxPhy int) { l.Post(func() { gc.OnPhyUpdated(connID, txPhy, rxPhy) }) }
	u.GattcOnRssi = func(connID int, rssi int8) { l.Post(func() { gc.OnRssiRead(connID, rssi) }) }
	u.GattcOnConnParam = func(connID int, interval, latency, timeout int) {
		l.Post(func() { gc.OnConnParamUpdated(connID, interval, latency, timeout) })
	}

	gs := f.Gatts
	u.GattsOnAttrTableAdded = func(serviceID int, code status.Code, localHandle uint16) {
		l.Post(func() { gs.OnAttrTableAdded(serviceID, code, localHandle) })
	}
	u.GattsOnAttrTableRemoved = func(serviceID int, code status.Code, localHandle uint16) {
		l.Post(func() { gs.OnAttrTableRemoved(serviceID, code, localHandle) })
	}
	u.GattsOnConnect = func(serviceID int, addr sal.Addr, connected bool) {
		l.Post(func() { gs.OnConnectionStateChanged(serviceID, addr, connected) })
	}
	u.GattsOnReadRequest = func(serviceID int, addr sal.Addr, handle, reqHandle uint16) {
		l.Post(func() { gs.OnReadRequest(serviceID, addr, handle, reqHandle) })
	}
	u.GattsOnWriteRequest = func(serviceID int, addr sal.Addr, handle, reqHandle uint16, v []byte) {
		l.Post(func() { gs.OnWriteRequest(serviceID, addr, handle, reqHandle, v) })
	}
	u.GattsOnMtuChange = func(serviceID int, addr sal.Addr, mtu int) {
		l.Post(func() { gs.OnMtuChanged(serviceID, addr, mtu) })
	}
	u.GattsOnPhyRead = func(serviceID int, addr sal.Addr, txPhy, rxPhy int) {
		l.Post(func() { gs.OnPhyRead(serviceID, addr, txPhy, rxPhy) })
	}
	u.GattsOnPhyUpdate = func(serviceID int, addr sal.Addr, txPhy, rxPhy int) {
		l.Post(func() { gs.OnPhyUpdated(serviceID, addr, txPhy, rxPhy) })
	}
	u.GattsOnConnParamChange = func(serviceID int, addr sal.Addr, interval, latency, timeout int) {
		l.Post(func() { gs.OnConnParamChanged(serviceID, addr, interval, latency, timeout) })
	}

	sp := f.Spp
	u.SppOnConnectionStateChange = func(addr sal.Addr, scn, port int, connected bool) {
		l.Post(func() { sp.OnConnectionStateChange(addr, scn, port, connected) })
	}
	u.SppOnPtyOpen = func(addr sal.Addr, scn, port int, ptyName string) {
		l.Post(func() { sp.OnPtyOpen(addr, scn, port, ptyName) })
	}
	u.SppOnDataReceived = func(addr sal.Addr, scn, port int, data []byte) {
		l.Post(func() { sp.OnDataReceived(addr, scn, port, data) })
	}

	return u
}
