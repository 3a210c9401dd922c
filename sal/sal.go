// Package sal defines the Stack Abstraction Layer boundary: a downward
// function surface the framework calls into, and an upward set of
// "upcalls" the stack invokes (from an arbitrary stack thread) to report
// events back. Framework components never talk to a vendor stack
// directly — they hold a Stack and a set of Upcalls that the framework
// itself registers once at startup, then re-posts every upcall onto the
// service loop.
package sal

import "github.com/srg/btframework/internal/status"

// Addr is a 6-byte Bluetooth device address.
type Addr [6]byte

// AddrType distinguishes LE address kinds.
type AddrType int

const (
	AddrPublic AddrType = iota
	AddrRandom
	AddrPublicID
	AddrRandomID
	AddrAnonymous
	AddrUnknown
)

// Transport distinguishes BR/EDR from LE, since the same address may carry
// independent device records on each.
type Transport int

const (
	TransportBREDR Transport = iota
	TransportLE
)

// AdapterSAL is the BR/EDR + LE adapter-level downward surface
// (bt_sal_enable/disable/...).
type AdapterSAL interface {
	Enable() status.Code
	Disable() status.Code
	LEEnable() status.Code
	LEDisable() status.Code

	SetName(name string) status.Code
	GetAddress() (Addr, status.Code)
	SetIOCapability(cap int) status.Code
	SetScanMode(mode int, bondable bool) status.Code
	SetDeviceClass(cod uint32) status.Code

	StartDiscovery(timeoutMs int) status.Code
	StopDiscovery() status.Code
	GetRemoteName(addr Addr) status.Code

	Connect(addr Addr) status.Code
	Disconnect(addr Addr) status.Code
	AclConnectionReply(addr Addr, accept bool) status.Code
	GetAclConnectionHandle(addr Addr) (uint16, status.Code)

	CreateBond(addr Addr, transport Transport) status.Code
	RemoveBond(addr Addr) status.Code
	CancelBond(addr Addr) status.Code
	PairReply(addr Addr, accept bool) status.Code
	PinReply(addr Addr, pin string) status.Code
	SspReply(addr Addr, accept bool) status.Code

	StartServiceDiscovery(addr Addr) status.Code
	GetRemoteDeviceInfo(addr Addr) status.Code

	SetPowerMode(addr Addr, mode PowerMode) status.Code
	SetLinkRole(addr Addr, master bool) status.Code
	SetLinkPolicy(addr Addr, policy uint16) status.Code

	SetInquiryScanParameters(intervalMs, windowMs int) status.Code
	SetPageScanParameters(intervalMs, windowMs int) status.Code
	SetAfhChannelClassification(mask [10]byte) status.Code
	SetBondedDevices(addrs []Addr) status.Code

	LEConnect(addr Addr, t AddrType) status.Code
	LEDisconnect(addr Addr) status.Code
	LECreateBond(addr Addr, t AddrType) status.Code
	LERemoveBond(addr Addr) status.Code
	LESmpReply(addr Addr, accept bool) status.Code

	LEAddWhitelist(addr Addr, t AddrType) status.Code
	LERemoveWhitelist(addr Addr, t AddrType) status.Code
	LESetPhy(addr Addr, txPhy, rxPhy int) status.Code
	LESetAddress(addr Addr) status.Code
	LEGetAddress() (Addr, AddrType, status.Code)
	LESetPublicIdentity(addr Addr) status.Code
	LESetStaticIdentity(addr Addr) status.Code
	LESetIOCapability(cap int) status.Code
	LESetAppearance(appearance uint16) status.Code
	LESetBondedDevices(addrs []Addr) status.Code
	LESetLegacyTk(addr Addr, tk [16]byte) status.Code
	LESetRemoteOobData(addr Addr, c, r [16]byte) status.Code
	LEGetLocalOobData(addr Addr) status.Code
	LEEnableKeyDerivation(enable bool) status.Code

	SwitchRole(addr Addr, master bool) status.Code
}

// PowerMode is the BR/EDR link-mode request the power manager issues.
// Active carries no parameters; Sniff carries the four sniff parameters.
type PowerMode struct {
	Active bool
	Max    uint16
	Min    uint16
	Attempt uint16
	Timeout uint16
}

// AdvertisingSAL is the advertiser downward surface.
type AdvertisingSAL interface {
	LEStartAdv(advID int, params AdvParams, advData, scanRsp []byte) status.Code
	LEStopAdv(advID int) status.Code
}

// AdvParams mirrors the subset of ble_advertising_params_t this framework
// cares about.
type AdvParams struct {
	IntervalMinMs int
	IntervalMaxMs int
	Connectable   bool
}

// ScanSAL is the scanner downward surface.
type ScanSAL interface {
	LESetScanParameters(intervalMs, windowMs int, active bool) status.Code
	LEStartScan() status.Code
	LEStopScan() status.Code
}

// GattClientSAL is the GATT client downward surface.
type GattClientSAL interface {
	GattClientConnect(connID int, addr Addr, t AddrType) status.Code
	GattClientDisconnect(connID int) status.Code
	GattClientDiscoverAllServices(connID int) status.Code
	GattClientDiscoverServiceByUUID(connID int, uuid [16]byte) status.Code
	GattClientReadElement(connID int, handle uint16) status.Code
	GattClientWriteElement(connID int, handle uint16, v []byte, withResponse bool) status.Code
	GattClientRegisterNotifications(connID int, handle uint16, cccValue uint16) status.Code
	GattClientSendMtuReq(connID int, mtu int) status.Code
	GattClientUpdateConnectionParameter(connID int, min, max, latency, timeout, ceMin, ceMax int) status.Code
	GattClientReadRemoteRssi(connID int) status.Code
	GattClientReadPhy(connID int) status.Code
	GattClientSetPhy(connID int, txPhy, rxPhy int) status.Code
}

// GattServerSAL is the GATT server downward surface.
type GattServerSAL interface {
	GattServerEnable() status.Code
	GattServerDisable() status.Code
	GattServerAddElements(serviceID int, elements []GattElementDesc) status.Code
	GattServerRemoveElements(serviceID int, handle uint16) status.Code
	GattServerConnect(serviceID int, addr Addr, t AddrType) status.Code
	GattServerCancelConnection(serviceID int, addr Addr) status.Code
	GattServerSendResponse(addr Addr, reqHandle uint16, v []byte) status.Code
	GattServerSendNotification(addr Addr, handle uint16, v []byte) status.Code
	GattServerSendIndication(addr Addr, handle uint16, v []byte) status.Code
	GattServerReadPhy(addr Addr) status.Code
	GattServerSetPhy(addr Addr, txPhy, rxPhy int) status.Code
}

// GattElementDesc mirrors gatt_attr_db_t, the wire description of one
// attribute table row added via add_attr_table.
type GattElementDesc struct {
	UUID        [16]byte
	Type        int
	Properties  uint16
	Permissions uint16
	AutoRsp     bool
	Value       []byte
}

// SppSAL is the RFCOMM-style serial-port-profile downward surface,
// supplemented from tools/spp.c.
type SppSAL interface {
	SppServerStart(scn int, uuid [16]byte) status.Code
	SppServerStop(scn int) status.Code
	SppConnect(addr Addr, scn int, uuid [16]byte) status.Code
	SppDisconnect(addr Addr, scn int) status.Code
	SppWrite(addr Addr, scn int, data []byte) status.Code
}

// DebugSAL is the debug/log-mask surface; carried for completeness, never
// exercised by the framework's own logic.
type DebugSAL interface {
	DebugInit() status.Code
	DebugEnable() status.Code
	DebugDisable() status.Code
	DebugUpdateLogMask(mask uint32) status.Code
	DebugCleanup() status.Code
}

// Stack is the complete downward surface a SAL implementation provides.
type Stack interface {
	AdapterSAL
	AdvertisingSAL
	ScanSAL
	GattClientSAL
	GattServerSAL
	SppSAL
	DebugSAL

	// SetUpcalls installs the upward callback set. Implementations must
	// hold it live for the lifetime of the stack and invoke its members
	// from any stack thread; the framework re-posts every invocation onto
	// its own service loop.
	SetUpcalls(Upcalls)
}

// Upcalls is the complete upward surface; each field corresponds to one
// adapter_on_*/if_gattc_on_*/if_gatts_on_*/scan_on_*/advertising_on_*
// event. Nil fields are simply not invoked.
type Upcalls struct {
	AdapterOnStateChanged    func(enabled bool, isLE bool)
	AdapterOnDeviceFound     func(addr Addr, t Transport, name string, cod uint32, rssi int8, deviceType int)
	AdapterOnDiscoveryState  func(started bool)
	AdapterOnPairRequest     func(addr Addr, t Transport)
	AdapterOnPinRequest      func(addr Addr)
	AdapterOnSspRequest      func(addr Addr, passkey uint32)
	AdapterOnBondStateChange func(addr Addr, t Transport, state int)
	AdapterOnAclState        func(addr Addr, connected bool, handle uint16)
	AdapterOnConnectRequest  func(addr Addr) (accept bool)
	AdapterOnLinkRoleChange  func(addr Addr, master bool)
	AdapterOnLinkPolicyChange func(addr Addr, policy uint16)
	AdapterOnLinkModeChange  func(addr Addr, mode PowerMode)
	AdapterOnEncStateChange  func(addr Addr, encrypted bool)
	AdapterOnLinkKeyUpdate   func(addr Addr, key [16]byte, keyType int)

	AdvertisingOnStarted func(advID int, code status.Code)
	AdvertisingOnStopped func(advID int)

	ScanOnAdvReport func(addr Addr, t AddrType, rssi int8, payload []byte)
	ScanOnStateChange func(scanning bool)

	GattcOnConnect     func(connID int, connected bool, code status.Code)
	GattcOnDiscover    func(connID int, code status.Code, uuid *[16]byte, startHandle, endHandle uint16)
	GattcOnDiscoverCmpl func(connID int, code status.Code)
	GattcOnRead        func(connID int, handle uint16, code status.Code, v []byte)
	GattcOnWrite       func(connID int, handle uint16, code status.Code)
	GattcOnSubscribe   func(connID int, handle uint16, code status.Code, enable bool)
	GattcOnNotify      func(connID int, handle uint16, v []byte)
	GattcOnMtu         func(connID int, mtu int)
	GattcOnPhyRead     func(connID int, txPhy, rxPhy int)
	GattcOnPhyUpdate   func(connID int, txPhy, rxPhy int)
	GattcOnRssi        func(connID int, rssi int8)
	GattcOnConnParam   func(connID int, interval, latency, timeout int)

	GattsOnAttrTableAdded   func(serviceID int, code status.Code, localHandle uint16)
	GattsOnAttrTableRemoved func(serviceID int, code status.Code, localHandle uint16)
	GattsOnConnect          func(serviceID int, addr Addr, connected bool)
	GattsOnReadRequest      func(serviceID int, addr Addr, handle uint16, reqHandle uint16)
	GattsOnWriteRequest     func(serviceID int, addr Addr, handle uint16, reqHandle uint16, v []byte)
	GattsOnMtuChange        func(serviceID int, addr Addr, mtu int)
	GattsOnPhyRead          func(serviceID int, addr Addr, txPhy, rxPhy int)
	GattsOnPhyUpdate        func(serviceID int, addr Addr, txPhy, rxPhy int)
	GattsOnConnParamChange  func(serviceID int, addr Addr, interval, latency, timeout int)

	SppOnConnectionStateChange func(addr Addr, scn int, port int, connected bool)
	SppOnPtyOpen               func(addr Addr, scn int, port int, ptyName string)
	SppOnDataReceived          func(addr Addr, scn int, port int, data []byte)
}
