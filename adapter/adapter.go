// Package adapter implements the adapter service: device tables, property
// accessors, discovery, the bonding pipeline and the connection pipeline,
// wired to the adapter/state hierarchical FSM and to a sal.Stack. Grounded
// on the C framework's adapter_service.c (flow) and on the Go CLI
// tooling's scanner.go for the cornelk/hashmap-backed device table
// pattern.
package adapter

import (
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/btframework/adapter/state"
	"github.com/srg/btframework/internal/loop"
	"github.com/srg/btframework/internal/registry"
	"github.com/srg/btframework/internal/status"
	"github.com/srg/btframework/internal/storage"
	"github.com/srg/btframework/internal/uuid"
	"github.com/srg/btframework/sal"
)

const defaultMaxBREDRConnections = 10

// BondState mirrors Device.bond_state.
type BondState int

const (
	BondNone BondState = iota
	BondBonding
	BondBonded
	BondCanceling
)

// ConnState mirrors Device.connection_state.
type ConnState int

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnConnected
	ConnDisconnecting
	ConnEncryptedBREDR
	ConnEncryptedLE
)

// LinkRole mirrors Device.link_role.
type LinkRole int

const (
	RoleUnknown LinkRole = iota
	RoleMaster
	RoleSlave
)

const classHeadsetMask = 0x000404 // major device class "Audio/Video", minor "headset" bit

// Device is one entry of the BR/EDR or LE device table.
// At most one Device exists per (Address, Transport): callers key the
// table accordingly.
type Device struct {
	Address   sal.Addr
	Transport sal.Transport
	AddrType  sal.AddrType

	Name  string
	Alias string
	COD   uint32
	RSSI  int8

	Bonded       bool
	BondState    BondState
	LinkKey      [16]byte
	LinkKeyType  int
	SMPKey       [16]byte
	HasSMPKey    bool
	HasLinkKey   bool

	ConnectionState ConnState
	AclHandle       uint16
	LinkRole        LinkRole
	LinkPolicy      uint16

	Whitelisted     bool
	UUIDs           []uuid.UUID
	Appearance      uint16
	IdentityAddress sal.Addr
	DeviceType      int
}

// Callbacks is the application observer interface for adapter events,
// the asynchronous half of the Adapter surface.
type Callbacks struct {
	OnAdapterStateChanged func(prev, next state.State)
	OnDiscoveryStateChanged func(started bool)
	OnDeviceFound         func(d Device)
	OnBondStateChanged    func(addr sal.Addr, t sal.Transport, s BondState)
	OnPairRequest         func(addr sal.Addr)
	OnPinRequest          func(addr sal.Addr)
	OnSspRequest          func(addr sal.Addr, passkey uint32)
	OnConnectRequest      func(addr sal.Addr) bool
	OnConnectionStateChanged func(addr sal.Addr, t sal.Transport, s ConnState)
}

// Service owns the BR/EDR and LE device tables and drives the adapter
// state machine. Most exported methods post their work onto the loop, and
// the PostSync-based ones are safe to call only from application
// goroutines; State, the registration methods and the state.Delegate
// methods run directly on the calling goroutine.
type Service struct {
	log   *logrus.Entry
	loop  *loop.Loop
	sal   sal.Stack
	store *storage.Store

	fsm *state.Machine

	supportsLE    bool
	supportsBREDR bool

	bredrDevices *hashmap.Map[sal.Addr, *Device]
	leDevices    *hashmap.Map[sal.Addr, *Device]

	maxBREDRConns int
	numBREDRConns int

	discovering bool
	bondable    bool

	callbacks *registry.Registry[Callbacks]

	mu sync.Mutex // not locked anywhere in this package

	powerManager PowerManagerHook
}

// PowerManagerHook decouples adapter from powermanager to avoid an import
// cycle: powermanager.Manager implements this.
type PowerManagerHook interface {
	OnAclConnected(addr sal.Addr)
	OnAclDisconnected(addr sal.Addr)
	OnLinkModeChanged(addr sal.Addr, mode sal.PowerMode)
}

// Options configures a new Service.
type Options struct {
	SupportsLE    bool
	SupportsBREDR bool
	MaxBREDRConns int
}

// New constructs an adapter Service in the Off state.
func New(l *loop.Loop, s sal.Stack, store *storage.Store, opts Options, log *logrus.Entry) *Service {
	if opts.MaxBREDRConns == 0 {
		opts.MaxBREDRConns = defaultMaxBREDRConnections
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	svc := &Service{
		log:           log.WithField("component", "adapter"),
		loop:          l,
		sal:           s,
		store:         store,
		supportsLE:    opts.SupportsLE,
		supportsBREDR: opts.SupportsBREDR,
		bredrDevices:  hashmap.New[sal.Addr, *Device](),
		leDevices:     hashmap.New[sal.Addr, *Device](),
		maxBREDRConns: opts.MaxBREDRConns,
		bondable:      true,
		callbacks:     registry.New[Callbacks](0),
	}
	svc.fsm = state.New(svc)
	return svc
}

// RegisterCallbacks attaches an application observer, returning a cookie
// for Unregister.
func (s *Service) RegisterCallbacks(cb Callbacks) registry.Cookie {
	c, _ := s.callbacks.Register(nil, cb, nil)
	return c
}

func (s *Service) UnregisterCallbacks(c registry.Cookie) { s.callbacks.Unregister(c) }

// SetPowerManagerHook wires the power manager without adapter importing it.
func (s *Service) SetPowerManagerHook(h PowerManagerHook) { s.powerManager = h }

// State returns the adapter's current FSM state.
func (s *Service) State() state.State { return s.fsm.Current() }

// Enable requests SYS_TURN_ON. Async outcome arrives via
// OnAdapterStateChanged.
func (s *Service) Enable() {
	s.loop.Post(func() { s.fsm.Dispatch(state.SysTurnOn) })
}

// Disable requests SYS_TURN_OFF.
func (s *Service) Disable() {
	s.loop.Post(func() { s.fsm.Dispatch(state.SysTurnOff) })
}

// --- state.Delegate ---

func (s *Service) SupportsLE() bool    { return s.supportsLE }
func (s *Service) SupportsBREDR() bool { return s.supportsBREDR }

func (s *Service) OnStateChanged(prev, next state.State) {
	s.log.WithFields(logrus.Fields{"from": prev, "to": next}).Info("adapter state changed")
	s.callbacks.ForEach(func(cb Callbacks) {
		if cb.OnAdapterStateChanged != nil {
			cb.OnAdapterStateChanged(prev, next)
		}
	})
}

func (s *Service) SALEnable() status.Code   { return s.sal.Enable() }
func (s *Service) SALDisable() status.Code  { return s.sal.Disable() }
func (s *Service) SALLEEnable() status.Code  { return s.sal.LEEnable() }
func (s *Service) SALLEDisable() status.Code { return s.sal.LEDisable() }

func (s *Service) StartProfileServices(t state.Transport) {
	s.log.WithField("transport", t).Debug("starting profile services")
}
func (s *Service) ShutdownProfileServices(t state.Transport) {
	s.log.WithField("transport", t).Debug("shutting down profile services")
}

func (s *Service) OnLEEnabled(pendingTurnOn bool) {
	for _, addr := range s.store.LoadLEBondedDevices() {
		s.leDevices.Set(addr, &Device{Address: addr, Transport: sal.TransportLE, Bonded: true, BondState: BondBonded})
	}
	for _, addr := range s.store.LoadWhitelist() {
		if d, ok := s.leDevices.Get(addr); ok {
			d.Whitelisted = true
		}
	}
	if pendingTurnOn {
		s.fsm.Dispatch(state.SysTurnOn)
	}
}

func (s *Service) OnLEDisabled() {
	s.leDevices.Range(func(addr sal.Addr, d *Device) bool {
		if !d.Bonded && !d.Whitelisted {
			s.leDevices.Del(addr)
		}
		return true
	})
}

func (s *Service) OnBREnabled() {
	for _, addr := range s.store.LoadBondedDevices() {
		s.bredrDevices.Set(addr, &Device{Address: addr, Transport: sal.TransportBREDR, Bonded: true, BondState: BondBonded})
	}
}

func (s *Service) OnBRDisabled() {
	s.bredrDevices.Range(func(addr sal.Addr, d *Device) bool {
		if !d.Bonded {
			s.bredrDevices.Del(addr)
		}
		return true
	})
}

// --- device table access ---

func (s *Service) tableFor(t sal.Transport) *hashmap.Map[sal.Addr, *Device] {
	if t == sal.TransportLE {
		return s.leDevices
	}
	return s.bredrDevices
}

func (s *Service) deviceOrCreate(addr sal.Addr, t sal.Transport) *Device {
	tbl := s.tableFor(t)
	d, _ := tbl.GetOrInsert(addr, &Device{Address: addr, Transport: t})
	return d
}

// Device looks up a device by (address, transport).
func (s *Service) Device(addr sal.Addr, t sal.Transport) (*Device, bool) {
	return s.tableFor(t).Get(addr)
}

// --- discovery ---

// StartDiscovery requests an inquiry. Fails with status.Busy if already
// discovering.
func (s *Service) StartDiscovery(timeoutMs int) status.Code {
	var result status.Code
	s.loop.PostSync(func() {
		if s.discovering {
			result = status.Busy
			return
		}
		result = s.sal.StartDiscovery(timeoutMs)
		if result == status.Success {
			s.discovering = true
			s.fanoutDiscovery(true)
		}
	})
	return result
}

func (s *Service) CancelDiscovery() status.Code {
	var result status.Code
	s.loop.PostSync(func() {
		result = s.sal.StopDiscovery()
		if result == status.Success {
			s.discovering = false
			s.fanoutDiscovery(false)
		}
	})
	return result
}

func (s *Service) IsDiscovering() bool {
	var v bool
	s.loop.PostSync(func() { v = s.discovering })
	return v
}

func (s *Service) fanoutDiscovery(started bool) {
	s.callbacks.ForEach(func(cb Callbacks) {
		if cb.OnDiscoveryStateChanged != nil {
			cb.OnDiscoveryStateChanged(started)
		}
	})
}

// --- bonding pipeline ---

// CreateBond requires State()==On (BleOn is enough for an LE bond), cancels
// ongoing discovery, requires the target's bond_state to be None, and moves
// it to Bonding once the SAL accepts the request.
func (s *Service) CreateBond(addr sal.Addr, t sal.Transport) status.Code {
	var result status.Code
	s.loop.PostSync(func() {
		cur := s.fsm.Current()
		if cur != state.On && !(cur == state.BleOn && t == sal.TransportLE) {
			result = status.NotReady
			return
		}
		if s.discovering {
			s.sal.StopDiscovery()
			s.discovering = false
			s.fanoutDiscovery(false)
		}
		d := s.deviceOrCreate(addr, t)
		if d.BondState != BondNone {
			result = status.Busy
			return
		}
		result = s.sal.CreateBond(addr, t)
		if result == status.Success {
			d.BondState = BondBonding
		}
	})
	return result
}

func (s *Service) RemoveBond(addr sal.Addr, t sal.Transport) status.Code {
	var result status.Code
	s.loop.PostSync(func() {
		d, ok := s.tableFor(t).Get(addr)
		if !ok || d.BondState != BondBonded {
			result = status.NotFound
			return
		}
		result = s.sal.RemoveBond(addr)
		if result != status.Success {
			return
		}
		d.HasLinkKey, d.HasSMPKey, d.Bonded = false, false, false
		d.BondState = BondNone
		if t == sal.TransportBREDR {
			s.store.RemoveBondedDevice(addr)
		} else {
			s.store.RemoveLEBondedDevice(addr)
		}
		if d.ConnectionState == ConnDisconnected && !d.Whitelisted {
			s.tableFor(t).Del(addr)
		}
	})
	return result
}

func (s *Service) CancelBond(addr sal.Addr, t sal.Transport) status.Code {
	var result status.Code
	s.loop.PostSync(func() {
		d, ok := s.tableFor(t).Get(addr)
		if !ok || d.BondState != BondBonding {
			result = status.NotFound
			return
		}
		result = s.sal.CancelBond(addr)
		if result == status.Success {
			d.BondState = BondCanceling
		}
	})
	return result
}

// --- connection pipeline ---

func (s *Service) Connect(addr sal.Addr) status.Code {
	var result status.Code
	s.loop.PostSync(func() {
		d := s.deviceOrCreate(addr, sal.TransportBREDR)
		result = s.sal.Connect(addr)
		if result == status.Success {
			d.ConnectionState = ConnConnecting
		}
	})
	return result
}

func (s *Service) Disconnect(addr sal.Addr) status.Code {
	var result status.Code
	s.loop.PostSync(func() {
		d, ok := s.tableFor(sal.TransportBREDR).Get(addr)
		if !ok {
			result = status.NotFound
			return
		}
		switch d.ConnectionState {
		case ConnConnecting, ConnConnected, ConnEncryptedBREDR, ConnEncryptedLE:
		default:
			result = status.NotReady
			return
		}
		result = s.sal.Disconnect(addr)
		if result == status.Success {
			d.ConnectionState = ConnDisconnecting
		}
	})
	return result
}

// --- stack event handlers (run on loop thread via upcalls()) ---

// Upcalls returns this service's slice of the sal.Upcalls table. The
// framework aggregate merges it with every other manager's slice and
// installs the result with a single sal.Stack.SetUpcalls call, since the
// SAL boundary only allows one upward vtable per stack instance.
func (s *Service) Upcalls() sal.Upcalls {
	return sal.Upcalls{
		AdapterOnStateChanged: func(enabled, isLE bool) {
			s.loop.Post(func() { s.onStackStateChanged(enabled, isLE) })
		},
		AdapterOnDeviceFound: func(addr sal.Addr, t sal.Transport, name string, cod uint32, rssi int8, deviceType int) {
			s.loop.Post(func() { s.onDeviceFound(addr, t, name, cod, rssi, deviceType) })
		},
		AdapterOnPairRequest: func(addr sal.Addr, t sal.Transport) {
			s.loop.Post(func() { s.onPairRequest(addr, t) })
		},
		AdapterOnPinRequest: func(addr sal.Addr) {
			s.loop.Post(func() { s.onPinRequest(addr) })
		},
		AdapterOnSspRequest: func(addr sal.Addr, passkey uint32) {
			s.loop.Post(func() { s.onSspRequest(addr, passkey) })
		},
		AdapterOnBondStateChange: func(addr sal.Addr, t sal.Transport, st int) {
			s.loop.Post(func() { s.onBondStateChange(addr, t, BondState(st)) })
		},
		AdapterOnAclState: func(addr sal.Addr, connected bool, handle uint16) {
			s.loop.Post(func() { s.onAclState(addr, connected, handle) })
		},
		AdapterOnConnectRequest: func(addr sal.Addr) bool {
			// Must answer synchronously, but every read here (numBREDRConns,
			// the callback registry) belongs to the loop thread, so hop
			// over via PostSync rather than touching it from the stack's
			// calling thread.
			var accept bool
			s.loop.PostSync(func() { accept = s.onConnectRequest(addr) })
			return accept
		},
		AdapterOnLinkRoleChange: func(addr sal.Addr, master bool) {
			s.loop.Post(func() { s.onLinkRoleChange(addr, master) })
		},
		AdapterOnLinkPolicyChange: func(addr sal.Addr, policy uint16) {
			s.loop.Post(func() {
				if d, ok := s.tableFor(sal.TransportBREDR).Get(addr); ok {
					d.LinkPolicy = policy
				}
			})
		},
		AdapterOnLinkModeChange: func(addr sal.Addr, mode sal.PowerMode) {
			s.loop.Post(func() {
				if s.powerManager != nil {
					s.powerManager.OnLinkModeChanged(addr, mode)
				}
			})
		},
		AdapterOnEncStateChange: func(addr sal.Addr, encrypted bool) {
			s.loop.Post(func() { s.onEncStateChange(addr, encrypted) })
		},
		AdapterOnLinkKeyUpdate: func(addr sal.Addr, key [16]byte, keyType int) {
			s.loop.Post(func() { s.onLinkKeyUpdate(addr, key, keyType) })
		},
	}
}

func (s *Service) onStackStateChanged(enabled, isLE bool) {
	if isLE {
		if enabled {
			s.fsm.Dispatch(state.BleEnabled)
			s.fsm.Dispatch(state.BleProfileEnabled)
		} else {
			s.fsm.Dispatch(state.BleDisabled)
		}
		return
	}
	if enabled {
		s.fsm.Dispatch(state.BredrEnabled)
		s.fsm.Dispatch(state.BredrProfileEnabled)
	} else {
		s.fsm.Dispatch(state.BredrProfileDisabled)
		s.fsm.Dispatch(state.BredrDisabled)
	}
}

func (s *Service) onDeviceFound(addr sal.Addr, t sal.Transport, name string, cod uint32, rssi int8, deviceType int) {
	d := s.deviceOrCreate(addr, t)
	d.Name, d.COD, d.RSSI, d.DeviceType = name, cod, rssi, deviceType
	s.callbacks.ForEach(func(cb Callbacks) {
		if cb.OnDeviceFound != nil {
			cb.OnDeviceFound(*d)
		}
	})
}

// onPairRequest answers immediately with a reject when the adapter isn't
// bondable, and otherwise opens the bonding window and kicks off a name
// lookup for devices the adapter hasn't seen during discovery.
func (s *Service) onPairRequest(addr sal.Addr, t sal.Transport) {
	if !s.bondable {
		s.sal.PairReply(addr, false)
		return
	}
	d := s.deviceOrCreate(addr, t)
	d.BondState = BondBonding
	if d.Name == "" {
		s.sal.GetRemoteName(addr)
	}
	s.callbacks.ForEach(func(cb Callbacks) {
		if cb.OnPairRequest != nil {
			cb.OnPairRequest(addr)
		}
	})
}

func (s *Service) onPinRequest(addr sal.Addr) {
	s.callbacks.ForEach(func(cb Callbacks) {
		if cb.OnPinRequest != nil {
			cb.OnPinRequest(addr)
		}
	})
}

func (s *Service) onSspRequest(addr sal.Addr, passkey uint32) {
	s.callbacks.ForEach(func(cb Callbacks) {
		if cb.OnSspRequest != nil {
			cb.OnSspRequest(addr, passkey)
		}
	})
}

func (s *Service) onBondStateChange(addr sal.Addr, t sal.Transport, st BondState) {
	d, ok := s.tableFor(t).Get(addr)
	if !ok {
		s.log.WithField("addr", addr).Warn("bond state change for unknown device")
		return
	}
	d.BondState = st
	switch st {
	case BondBonded:
		d.Bonded = true
		if t == sal.TransportBREDR {
			s.sal.GetRemoteDeviceInfo(addr)
			if d.ConnectionState == ConnConnected {
				s.sal.StartServiceDiscovery(addr)
			}
			s.store.SaveBondedDevice(addr)
		} else {
			s.store.SaveLEBondedDevice(addr)
		}
	case BondNone:
		d.HasSMPKey = false
		d.HasLinkKey = false
	}
	s.callbacks.ForEach(func(cb Callbacks) {
		if cb.OnBondStateChanged != nil {
			cb.OnBondStateChanged(addr, t, st)
		}
	})
}

func (s *Service) onAclState(addr sal.Addr, connected bool, handle uint16) {
	d := s.deviceOrCreate(addr, sal.TransportBREDR)
	if connected {
		d.ConnectionState = ConnConnected
		d.AclHandle = handle
		s.numBREDRConns++
		if s.powerManager != nil {
			s.powerManager.OnAclConnected(addr)
		}
	} else {
		d.ConnectionState = ConnDisconnected
		d.AclHandle = 0
		if s.numBREDRConns > 0 {
			s.numBREDRConns--
		}
		if s.powerManager != nil {
			s.powerManager.OnAclDisconnected(addr)
		}
	}
	s.callbacks.ForEach(func(cb Callbacks) {
		if cb.OnConnectionStateChanged != nil {
			cb.OnConnectionStateChanged(addr, sal.TransportBREDR, d.ConnectionState)
		}
	})
}

func (s *Service) onConnectRequest(addr sal.Addr) bool {
	if s.numBREDRConns >= s.maxBREDRConns {
		return false
	}
	accept := true
	s.callbacks.ForEach(func(cb Callbacks) {
		if cb.OnConnectRequest != nil {
			accept = cb.OnConnectRequest(addr)
		}
	})
	return accept
}

func (s *Service) onLinkRoleChange(addr sal.Addr, master bool) {
	d, ok := s.tableFor(sal.TransportBREDR).Get(addr)
	if !ok {
		return
	}
	if master {
		d.LinkRole = RoleMaster
	} else {
		d.LinkRole = RoleSlave
	}
	if master && d.COD&classHeadsetMask == classHeadsetMask {
		s.sal.SetLinkPolicy(addr, d.LinkPolicy&^0x0001) // disable role switch bit
	}
}

func (s *Service) onEncStateChange(addr sal.Addr, encrypted bool) {
	d, ok := s.tableFor(sal.TransportBREDR).Get(addr)
	if !ok {
		return
	}
	if encrypted {
		d.ConnectionState = ConnEncryptedBREDR
	} else if d.ConnectionState == ConnEncryptedBREDR {
		d.ConnectionState = ConnConnected
	}
}

func (s *Service) onLinkKeyUpdate(addr sal.Addr, key [16]byte, keyType int) {
	d, ok := s.tableFor(sal.TransportBREDR).Get(addr)
	if !ok {
		return
	}
	d.LinkKey, d.LinkKeyType, d.HasLinkKey = key, keyType, true
	s.store.SaveBondedDevice(addr)
}

// LEAddWhitelist persists and forwards a whitelist add.
func (s *Service) LEAddWhitelist(addr sal.Addr, t sal.AddrType) status.Code {
	var result status.Code
	s.loop.PostSync(func() {
		result = s.sal.LEAddWhitelist(addr, t)
		if result == status.Success {
			d := s.deviceOrCreate(addr, sal.TransportLE)
			d.Whitelisted = true
			s.store.SaveWhitelist(s.whitelistSnapshot())
		}
	})
	return result
}

func (s *Service) LERemoveWhitelist(addr sal.Addr, t sal.AddrType) status.Code {
	var result status.Code
	s.loop.PostSync(func() {
		result = s.sal.LERemoveWhitelist(addr, t)
		if result == status.Success {
			if d, ok := s.leDevices.Get(addr); ok {
				d.Whitelisted = false
			}
			s.store.SaveWhitelist(s.whitelistSnapshot())
		}
	})
	return result
}

func (s *Service) whitelistSnapshot() []sal.Addr {
	var out []sal.Addr
	s.leDevices.Range(func(addr sal.Addr, d *Device) bool {
		if d.Whitelisted {
			out = append(out, addr)
		}
		return true
	})
	return out
}

// --- property accessors/mutators ---

func (s *Service) SetName(name string) status.Code {
	var result status.Code
	s.loop.PostSync(func() { result = s.sal.SetName(name) })
	return result
}

func (s *Service) GetAddress() (sal.Addr, status.Code) {
	var addr sal.Addr
	var result status.Code
	s.loop.PostSync(func() { addr, result = s.sal.GetAddress() })
	return addr, result
}

func (s *Service) SetIOCapability(cap int) status.Code {
	var result status.Code
	s.loop.PostSync(func() { result = s.sal.SetIOCapability(cap) })
	return result
}

// SetScanMode sets the inquiry/page scan mode and whether the adapter
// accepts incoming pairing requests at all; onPairRequest consults the
// latter before opening a bonding window.
func (s *Service) SetScanMode(mode int, bondable bool) status.Code {
	var result status.Code
	s.loop.PostSync(func() {
		result = s.sal.SetScanMode(mode, bondable)
		if result == status.Success {
			s.bondable = bondable
		}
	})
	return result
}

// Bondable reports whether the adapter currently accepts incoming pairing
// requests, as last set by SetScanMode.
func (s *Service) Bondable() bool {
	var v bool
	s.loop.PostSync(func() { v = s.bondable })
	return v
}

func (s *Service) SetDeviceClass(cod uint32) status.Code {
	var result status.Code
	s.loop.PostSync(func() { result = s.sal.SetDeviceClass(cod) })
	return result
}

func (s *Service) SetInquiryScanParameters(intervalMs, windowMs int) status.Code {
	var result status.Code
	s.loop.PostSync(func() { result = s.sal.SetInquiryScanParameters(intervalMs, windowMs) })
	return result
}

func (s *Service) SetPageScanParameters(intervalMs, windowMs int) status.Code {
	var result status.Code
	s.loop.PostSync(func() { result = s.sal.SetPageScanParameters(intervalMs, windowMs) })
	return result
}

func (s *Service) LESetAddress(addr sal.Addr) status.Code {
	var result status.Code
	s.loop.PostSync(func() { result = s.sal.LESetAddress(addr) })
	return result
}

func (s *Service) LEGetAddress() (sal.Addr, sal.AddrType, status.Code) {
	var addr sal.Addr
	var t sal.AddrType
	var result status.Code
	s.loop.PostSync(func() { addr, t, result = s.sal.LEGetAddress() })
	return addr, t, result
}

func (s *Service) LESetPublicIdentity(addr sal.Addr) status.Code {
	var result status.Code
	s.loop.PostSync(func() { result = s.sal.LESetPublicIdentity(addr) })
	return result
}

func (s *Service) LESetStaticIdentity(addr sal.Addr) status.Code {
	var result status.Code
	s.loop.PostSync(func() { result = s.sal.LESetStaticIdentity(addr) })
	return result
}

func (s *Service) LESetIOCapability(cap int) status.Code {
	var result status.Code
	s.loop.PostSync(func() { result = s.sal.LESetIOCapability(cap) })
	return result
}

func (s *Service) LESetAppearance(appearance uint16) status.Code {
	var result status.Code
	s.loop.PostSync(func() { result = s.sal.LESetAppearance(appearance) })
	return result
}

// --- pairing replies ---

// PairRequestReply answers an OnPairRequest callback; accept=false rejects
// the bond outright.
func (s *Service) PairRequestReply(addr sal.Addr, accept bool) status.Code {
	var result status.Code
	s.loop.PostSync(func() { result = s.sal.PairReply(addr, accept) })
	return result
}

// SetPinCode answers an OnPinRequest callback with the legacy PIN.
func (s *Service) SetPinCode(addr sal.Addr, pin string) status.Code {
	var result status.Code
	s.loop.PostSync(func() { result = s.sal.PinReply(addr, pin) })
	return result
}

// SetPairingConfirmation answers an OnSspRequest callback for the numeric-
// comparison association model.
func (s *Service) SetPairingConfirmation(addr sal.Addr, accept bool) status.Code {
	var result status.Code
	s.loop.PostSync(func() { result = s.sal.SspReply(addr, accept) })
	return result
}

// SetPassKey answers an OnSspRequest callback for the passkey-entry
// association model; the SAL exposes the same accept/reject reply for both
// association models, same as the vendor HAL this mirrors.
func (s *Service) SetPassKey(addr sal.Addr, accept bool) status.Code {
	var result status.Code
	s.loop.PostSync(func() { result = s.sal.SspReply(addr, accept) })
	return result
}

// --- device-query API ---

// GetBondedDevices lists every bonded device on the given transport's table.
func (s *Service) GetBondedDevices(t sal.Transport) []sal.Addr {
	var out []sal.Addr
	s.loop.PostSync(func() {
		s.tableFor(t).Range(func(addr sal.Addr, d *Device) bool {
			if d.Bonded {
				out = append(out, addr)
			}
			return true
		})
	})
	return out
}

// GetConnectedDevices lists every device currently connected on either
// transport.
func (s *Service) GetConnectedDevices() []sal.Addr {
	var out []sal.Addr
	s.loop.PostSync(func() {
		rangeConnected := func(tbl *hashmap.Map[sal.Addr, *Device]) {
			tbl.Range(func(addr sal.Addr, d *Device) bool {
				switch d.ConnectionState {
				case ConnConnected, ConnEncryptedBREDR, ConnEncryptedLE:
					out = append(out, addr)
				}
				return true
			})
		}
		rangeConnected(s.bredrDevices)
		rangeConnected(s.leDevices)
	})
	return out
}

func (s *Service) IsRemoteConnected(addr sal.Addr, t sal.Transport) bool {
	d, ok := s.Device(addr, t)
	if !ok {
		return false
	}
	switch d.ConnectionState {
	case ConnConnected, ConnEncryptedBREDR, ConnEncryptedLE:
		return true
	}
	return false
}

func (s *Service) IsRemoteEncrypted(addr sal.Addr, t sal.Transport) bool {
	d, ok := s.Device(addr, t)
	if !ok {
		return false
	}
	return d.ConnectionState == ConnEncryptedBREDR || d.ConnectionState == ConnEncryptedLE
}

func (s *Service) IsRemoteBonded(addr sal.Addr, t sal.Transport) bool {
	d, ok := s.Device(addr, t)
	return ok && d.Bonded
}

func (s *Service) RemoteName(addr sal.Addr, t sal.Transport) (string, bool) {
	d, ok := s.Device(addr, t)
	if !ok {
		return "", false
	}
	return d.Name, true
}

func (s *Service) RemoteAlias(addr sal.Addr, t sal.Transport) (string, bool) {
	d, ok := s.Device(addr, t)
	if !ok {
		return "", false
	}
	return d.Alias, true
}

// SetRemoteAlias sets the application-chosen display name for a device,
// independent of the name the remote device advertises over the air.
func (s *Service) SetRemoteAlias(addr sal.Addr, t sal.Transport, alias string) status.Code {
	var result status.Code
	s.loop.PostSync(func() {
		d, ok := s.tableFor(t).Get(addr)
		if !ok {
			result = status.NotFound
			return
		}
		d.Alias = alias
	})
	return result
}

func (s *Service) RemoteClass(addr sal.Addr, t sal.Transport) (uint32, bool) {
	d, ok := s.Device(addr, t)
	if !ok {
		return 0, false
	}
	return d.COD, true
}

func (s *Service) RemoteUUIDs(addr sal.Addr, t sal.Transport) ([]uuid.UUID, bool) {
	d, ok := s.Device(addr, t)
	if !ok {
		return nil, false
	}
	return d.UUIDs, true
}

func (s *Service) RemoteAppearance(addr sal.Addr, t sal.Transport) (uint16, bool) {
	d, ok := s.Device(addr, t)
	if !ok {
		return 0, false
	}
	return d.Appearance, true
}

func (s *Service) RemoteRSSI(addr sal.Addr, t sal.Transport) (int8, bool) {
	d, ok := s.Device(addr, t)
	if !ok {
		return 0, false
	}
	return d.RSSI, true
}

func (s *Service) RemoteIdentityAddress(addr sal.Addr, t sal.Transport) (sal.Addr, bool) {
	d, ok := s.Device(addr, t)
	if !ok {
		return sal.Addr{}, false
	}
	return d.IdentityAddress, true
}

func (s *Service) RemoteDeviceType(addr sal.Addr, t sal.Transport) (int, bool) {
	d, ok := s.Device(addr, t)
	if !ok {
		return 0, false
	}
	return d.DeviceType, true
}

// --- LE / role / AFH operations ---

func (s *Service) LEConnect(addr sal.Addr, t sal.AddrType) status.Code {
	var result status.Code
	s.loop.PostSync(func() {
		d := s.deviceOrCreate(addr, sal.TransportLE)
		d.AddrType = t
		result = s.sal.LEConnect(addr, t)
		if result == status.Success {
			d.ConnectionState = ConnConnecting
		}
	})
	return result
}

func (s *Service) LEDisconnect(addr sal.Addr) status.Code {
	var result status.Code
	s.loop.PostSync(func() {
		d, ok := s.tableFor(sal.TransportLE).Get(addr)
		if !ok {
			result = status.NotFound
			return
		}
		switch d.ConnectionState {
		case ConnConnecting, ConnConnected, ConnEncryptedBREDR, ConnEncryptedLE:
		default:
			result = status.NotReady
			return
		}
		result = s.sal.LEDisconnect(addr)
		if result == status.Success {
			d.ConnectionState = ConnDisconnecting
		}
	})
	return result
}

func (s *Service) LESetPhy(addr sal.Addr, txPhy, rxPhy int) status.Code {
	var result status.Code
	s.loop.PostSync(func() { result = s.sal.LESetPhy(addr, txPhy, rxPhy) })
	return result
}

func (s *Service) LEEnableKeyDerivation(enable bool) status.Code {
	var result status.Code
	s.loop.PostSync(func() { result = s.sal.LEEnableKeyDerivation(enable) })
	return result
}

func (s *Service) LESetLegacyTk(addr sal.Addr, tk [16]byte) status.Code {
	var result status.Code
	s.loop.PostSync(func() { result = s.sal.LESetLegacyTk(addr, tk) })
	return result
}

func (s *Service) LESetRemoteOobData(addr sal.Addr, c, r [16]byte) status.Code {
	var result status.Code
	s.loop.PostSync(func() { result = s.sal.LESetRemoteOobData(addr, c, r) })
	return result
}

// LEGetLocalOobData requests this adapter's OOB confirmation/random pair.
// The SAL call returns only a status, so the values themselves are not
// returned here; only the request status is reported.
func (s *Service) LEGetLocalOobData(addr sal.Addr) status.Code {
	var result status.Code
	s.loop.PostSync(func() { result = s.sal.LEGetLocalOobData(addr) })
	return result
}

func (s *Service) SwitchRole(addr sal.Addr, master bool) status.Code {
	var result status.Code
	s.loop.PostSync(func() { result = s.sal.SwitchRole(addr, master) })
	return result
}

func (s *Service) SetAfhChannelClassification(mask [10]byte) status.Code {
	var result status.Code
	s.loop.PostSync(func() { result = s.sal.SetAfhChannelClassification(mask) })
	return result
}
