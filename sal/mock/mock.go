// Package mock is a deterministic, in-memory sal.Stack used by the
// framework's own tests and by cmd/btfwsim. Every downward call succeeds
// by default and records its invocation; tests override a call's behavior
// by setting the matching Hooks field, and drive stack events back into
// the framework by calling the Emit* helpers (which invoke the upcalls
// the framework registered via SetUpcalls, exactly the way a real SAL
// would from its own thread).
package mock

import (
	"sync"

	"github.com/srg/btframework/internal/status"
	"github.com/srg/btframework/sal"
)

// Hooks lets a test substitute behavior for the downward calls listed
// below; the other downward calls have no hook. The call is recorded
// either way, and a nil hook falls back to returning status.Success.
type Hooks struct {
	Enable  func() status.Code
	Disable func() status.Code

	LEStartAdv func(advID int, params sal.AdvParams, advData, scanRsp []byte) status.Code
	LEStopAdv  func(advID int) status.Code

	LEStartScan func() status.Code
	LEStopScan  func() status.Code

	GattClientDiscoverAllServices func(connID int) status.Code
	GattClientWriteElement        func(connID int, handle uint16, v []byte, withResponse bool) status.Code

	GattServerAddElements func(serviceID int, elements []sal.GattElementDesc) status.Code
	GattServerSendResponse func(addr sal.Addr, reqHandle uint16, v []byte) status.Code

	SppServerStart func(scn int, uuid [16]byte) status.Code
	SppConnect     func(addr sal.Addr, scn int, uuid [16]byte) status.Code
}

// Call records one invocation of a downward SAL method, for assertions.
type Call struct {
	Method string
	Args   []any
}

// Stack is the mock sal.Stack implementation.
type Stack struct {
	Hooks Hooks

	mu    sync.Mutex
	calls []Call
	up    sal.Upcalls
}

// New creates a ready-to-use mock stack.
func New() *Stack { return &Stack{} }

func (s *Stack) record(method string, args ...any) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Method: method, Args: args})
	s.mu.Unlock()
}

// Calls returns a snapshot of every recorded downward call, in order.
func (s *Stack) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *Stack) SetUpcalls(u sal.Upcalls) {
	s.mu.Lock()
	s.up = u
	s.mu.Unlock()
}

func (s *Stack) upcalls() sal.Upcalls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.up
}

// --- Emit* helpers: simulate the stack reporting an event upward. ---

func (s *Stack) EmitAdapterStateChanged(enabled, isLE bool) {
	if cb := s.upcalls().AdapterOnStateChanged; cb != nil {
		cb(enabled, isLE)
	}
}

func (s *Stack) EmitAclState(addr sal.Addr, connected bool, handle uint16) {
	if cb := s.upcalls().AdapterOnAclState; cb != nil {
		cb(addr, connected, handle)
	}
}

func (s *Stack) EmitBondStateChange(addr sal.Addr, t sal.Transport, state int) {
	if cb := s.upcalls().AdapterOnBondStateChange; cb != nil {
		cb(addr, t, state)
	}
}

func (s *Stack) EmitAdvertisingStarted(advID int, code status.Code) {
	if cb := s.upcalls().AdvertisingOnStarted; cb != nil {
		cb(advID, code)
	}
}

func (s *Stack) EmitAdvertisingStopped(advID int) {
	if cb := s.upcalls().AdvertisingOnStopped; cb != nil {
		cb(advID)
	}
}

func (s *Stack) EmitAdvReport(addr sal.Addr, t sal.AddrType, rssi int8, payload []byte) {
	if cb := s.upcalls().ScanOnAdvReport; cb != nil {
		cb(addr, t, rssi, payload)
	}
}

func (s *Stack) EmitGattcConnect(connID int, connected bool, code status.Code) {
	if cb := s.upcalls().GattcOnConnect; cb != nil {
		cb(connID, connected, code)
	}
}

func (s *Stack) EmitGattcDiscover(connID int, uuid [16]byte, startHandle, endHandle uint16) {
	if cb := s.upcalls().GattcOnDiscover; cb != nil {
		cb(connID, status.Success, &uuid, startHandle, endHandle)
	}
}

func (s *Stack) EmitGattcDiscoverCmpl(connID int, code status.Code) {
	if cb := s.upcalls().GattcOnDiscoverCmpl; cb != nil {
		cb(connID, code)
	}
}

func (s *Stack) EmitGattcSubscribe(connID int, handle uint16, code status.Code, enable bool) {
	if cb := s.upcalls().GattcOnSubscribe; cb != nil {
		cb(connID, handle, code, enable)
	}
}

func (s *Stack) EmitGattcNotify(connID int, handle uint16, v []byte) {
	if cb := s.upcalls().GattcOnNotify; cb != nil {
		cb(connID, handle, v)
	}
}

func (s *Stack) EmitGattsReadRequest(serviceID int, addr sal.Addr, handle, reqHandle uint16) {
	if cb := s.upcalls().GattsOnReadRequest; cb != nil {
		cb(serviceID, addr, handle, reqHandle)
	}
}

func (s *Stack) EmitGattsWriteRequest(serviceID int, addr sal.Addr, handle, reqHandle uint16, v []byte) {
	if cb := s.upcalls().GattsOnWriteRequest; cb != nil {
		cb(serviceID, addr, handle, reqHandle, v)
	}
}

func (s *Stack) EmitSppConnectionStateChange(addr sal.Addr, scn, port int, connected bool) {
	if cb := s.upcalls().SppOnConnectionStateChange; cb != nil {
		cb(addr, scn, port, connected)
	}
}

func (s *Stack) EmitSppPtyOpen(addr sal.Addr, scn, port int, ptyName string) {
	if cb := s.upcalls().SppOnPtyOpen; cb != nil {
		cb(addr, scn, port, ptyName)
	}
}

func (s *Stack) EmitSppDataReceived(addr sal.Addr, scn, port int, data []byte) {
	if cb := s.upcalls().SppOnDataReceived; cb != nil {
		cb(addr, scn, port, data)
	}
}

// --- Downward surface: default success, hookable. ---

func (s *Stack) Enable() status.Code {
	s.record("Enable")
	if s.Hooks.Enable != nil {
		return s.Hooks.Enable()
	}
	return status.Success
}
func (s *Stack) Disable() status.Code {
	s.record("Disable")
	if s.Hooks.Disable != nil {
		return s.Hooks.Disable()
	}
	return status.Success
}
func (s *Stack) LEEnable() status.Code  { s.record("LEEnable"); return status.Success }
func (s *Stack) LEDisable() status.Code { s.record("LEDisable"); return status.Success }

func (s *Stack) SetName(name string) status.Code { s.record("SetName", name); return status.Success }
func (s *Stack) GetAddress() (sal.Addr, status.Code) {
	s.record("GetAddress")
	return sal.Addr{0xAA, 0xBB, 0xCC, 0x00, 0x00, 0x01}, status.Success
}
func (s *Stack) SetIOCapability(cap int) status.Code { s.record("SetIOCapability", cap); return status.Success }
func (s *Stack) SetScanMode(mode int, bondable bool) status.Code {
	s.record("SetScanMode", mode, bondable)
	return status.Success
}
func (s *Stack) SetDeviceClass(cod uint32) status.Code { s.record("SetDeviceClass", cod); return status.Success }

func (s *Stack) StartDiscovery(timeoutMs int) status.Code {
	s.record("StartDiscovery", timeoutMs)
	return status.Success
}
func (s *Stack) StopDiscovery() status.Code { s.record("StopDiscovery"); return status.Success }
func (s *Stack) GetRemoteName(addr sal.Addr) status.Code {
	s.record("GetRemoteName", addr)
	return status.Success
}

func (s *Stack) Connect(addr sal.Addr) status.Code    { s.record("Connect", addr); return status.Success }
func (s *Stack) Disconnect(addr sal.Addr) status.Code { s.record("Disconnect", addr); return status.Success }
func (s *Stack) AclConnectionReply(addr sal.Addr, accept bool) status.Code {
	s.record("AclConnectionReply", addr, accept)
	return status.Success
}
func (s *Stack) GetAclConnectionHandle(addr sal.Addr) (uint16, status.Code) {
	s.record("GetAclConnectionHandle", addr)
	return 0x0040, status.Success
}

func (s *Stack) CreateBond(addr sal.Addr, t sal.Transport) status.Code {
	s.record("CreateBond", addr, t)
	return status.Success
}
func (s *Stack) RemoveBond(addr sal.Addr) status.Code { s.record("RemoveBond", addr); return status.Success }
func (s *Stack) CancelBond(addr sal.Addr) status.Code { s.record("CancelBond", addr); return status.Success }
func (s *Stack) PairReply(addr sal.Addr, accept bool) status.Code {
	s.record("PairReply", addr, accept)
	return status.Success
}
func (s *Stack) PinReply(addr sal.Addr, pin string) status.Code {
	s.record("PinReply", addr, pin)
	return status.Success
}
func (s *Stack) SspReply(addr sal.Addr, accept bool) status.Code {
	s.record("SspReply", addr, accept)
	return status.Success
}

func (s *Stack) StartServiceDiscovery(addr sal.Addr) status.Code {
	s.record("StartServiceDiscovery", addr)
	return status.Success
}
func (s *Stack) GetRemoteDeviceInfo(addr sal.Addr) status.Code {
	s.record("GetRemoteDeviceInfo", addr)
	return status.Success
}

func (s *Stack) SetPowerMode(addr sal.Addr, mode sal.PowerMode) status.Code {
	s.record("SetPowerMode", addr, mode)
	return status.Success
}
func (s *Stack) SetLinkRole(addr sal.Addr, master bool) status.Code {
	s.record("SetLinkRole", addr, master)
	return status.Success
}
func (s *Stack) SetLinkPolicy(addr sal.Addr, policy uint16) status.Code {
	s.record("SetLinkPolicy", addr, policy)
	return status.Success
}

func (s *Stack) SetInquiryScanParameters(i, w int) status.Code {
	s.record("SetInquiryScanParameters", i, w)
	return status.Success
}
func (s *Stack) SetPageScanParameters(i, w int) status.Code {
	s.record("SetPageScanParameters", i, w)
	return status.Success
}
func (s *Stack) SetAfhChannelClassification(mask [10]byte) status.Code {
	s.record("SetAfhChannelClassification", mask)
	return status.Success
}
func (s *Stack) SetBondedDevices(addrs []sal.Addr) status.Code {
	s.record("SetBondedDevices", addrs)
	return status.Success
}

func (s *Stack) LEConnect(addr sal.Addr, t sal.AddrType) status.Code {
	s.record("LEConnect", addr, t)
	return status.Success
}
func (s *Stack) LEDisconnect(addr sal.Addr) status.Code { s.record("LEDisconnect", addr); return status.Success }
func (s *Stack) LECreateBond(addr sal.Addr, t sal.AddrType) status.Code {
	s.record("LECreateBond", addr, t)
	return status.Success
}
func (s *Stack) LERemoveBond(addr sal.Addr) status.Code {
	s.record("LERemoveBond", addr)
	return status.Success
}
func (s *Stack) LESmpReply(addr sal.Addr, accept bool) status.Code {
	s.record("LESmpReply", addr, accept)
	return status.Success
}

func (s *Stack) LEAddWhitelist(addr sal.Addr, t sal.AddrType) status.Code {
	s.record("LEAddWhitelist", addr, t)
	return status.Success
}
func (s *Stack) LERemoveWhitelist(addr sal.Addr, t sal.AddrType) status.Code {
	s.record("LERemoveWhitelist", addr, t)
	return status.Success
}
func (s *Stack) LESetPhy(addr sal.Addr, tx, rx int) status.Code {
	s.record("LESetPhy", addr, tx, rx)
	return status.Success
}
func (s *Stack) LESetAddress(addr sal.Addr) status.Code { s.record("LESetAddress", addr); return status.Success }
func (s *Stack) LEGetAddress() (sal.Addr, sal.AddrType, status.Code) {
	s.record("LEGetAddress")
	return sal.Addr{0xAA, 0xBB, 0xCC, 0x00, 0x00, 0x02}, sal.AddrPublic, status.Success
}
func (s *Stack) LESetPublicIdentity(addr sal.Addr) status.Code {
	s.record("LESetPublicIdentity", addr)
	return status.Success
}
func (s *Stack) LESetStaticIdentity(addr sal.Addr) status.Code {
	s.record("LESetStaticIdentity", addr)
	return status.Success
}
func (s *Stack) LESetIOCapability(cap int) status.Code {
	s.record("LESetIOCapability", cap)
	return status.Success
}
func (s *Stack) LESetAppearance(a uint16) status.Code { s.record("LESetAppearance", a); return status.Success }
func (s *Stack) LESetBondedDevices(addrs []sal.Addr) status.Code {
	s.record("LESetBondedDevices", addrs)
	return status.Success
}
func (s *Stack) LESetLegacyTk(addr sal.Addr, tk [16]byte) status.Code {
	s.record("LESetLegacyTk", addr, tk)
	return status.Success
}
func (s *Stack) LESetRemoteOobData(addr sal.Addr, c, r [16]byte) status.Code {
	s.record("LESetRemoteOobData", addr, c, r)
	return status.Success
}
func (s *Stack) LEGetLocalOobData(addr sal.Addr) status.Code {
	s.record("LEGetLocalOobData", addr)
	return status.Success
}
func (s *Stack) LEEnableKeyDerivation(enable bool) status.Code {
	s.record("LEEnableKeyDerivation", enable)
	return status.Success
}

func (s *Stack) SwitchRole(addr sal.Addr, master bool) status.Code {
	s.record("SwitchRole", addr, master)
	return status.Success
}

func (s *Stack) LEStartAdv(advID int, params sal.AdvParams, advData, scanRsp []byte) status.Code {
	s.record("LEStartAdv", advID, params, advData, scanRsp)
	if s.Hooks.LEStartAdv != nil {
		return s.Hooks.LEStartAdv(advID, params, advData, scanRsp)
	}
	return status.Success
}
func (s *Stack) LEStopAdv(advID int) status.Code {
	s.record("LEStopAdv", advID)
	if s.Hooks.LEStopAdv != nil {
		return s.Hooks.LEStopAdv(advID)
	}
	return status.Success
}

func (s *Stack) LESetScanParameters(i, w int, active bool) status.Code {
	s.record("LESetScanParameters", i, w, active)
	return status.Success
}
func (s *Stack) LEStartScan() status.Code {
	s.record("LEStartScan")
	if s.Hooks.LEStartScan != nil {
		return s.Hooks.LEStartScan()
	}
	return status.Success
}
func (s *Stack) LEStopScan() status.Code {
	s.record("LEStopScan")
	if s.Hooks.LEStopScan != nil {
		return s.Hooks.LEStopScan()
	}
	return status.Success
}

func (s *Stack) GattClientConnect(connID int, addr sal.Addr, t sal.AddrType) status.Code {
	s.record("GattClientConnect", connID, addr, t)
	return status.Success
}
func (s *Stack) GattClientDisconnect(connID int) status.Code {
	s.record("GattClientDisconnect", connID)
	return status.Success
}
func (s *Stack) GattClientDiscoverAllServices(connID int) status.Code {
	s.record("GattClientDiscoverAllServices", connID)
	if s.Hooks.GattClientDiscoverAllServices != nil {
		return s.Hooks.GattClientDiscoverAllServices(connID)
	}
	return status.Success
}
func (s *Stack) GattClientDiscoverServiceByUUID(connID int, uuid [16]byte) status.Code {
	s.record("GattClientDiscoverServiceByUUID", connID, uuid)
	return status.Success
}
func (s *Stack) GattClientReadElement(connID int, handle uint16) status.Code {
	s.record("GattClientReadElement", connID, handle)
	return status.Success
}
func (s *Stack) GattClientWriteElement(connID int, handle uint16, v []byte, withResponse bool) status.Code {
	s.record("GattClientWriteElement", connID, handle, v, withResponse)
	if s.Hooks.GattClientWriteElement != nil {
		return s.Hooks.GattClientWriteElement(connID, handle, v, withResponse)
	}
	return status.Success
}
func (s *Stack) GattClientRegisterNotifications(connID int, handle uint16, cccValue uint16) status.Code {
	s.record("GattClientRegisterNotifications", connID, handle, cccValue)
	return status.Success
}
func (s *Stack) GattClientSendMtuReq(connID int, mtu int) status.Code {
	s.record("GattClientSendMtuReq", connID, mtu)
	return status.Success
}
func (s *Stack) GattClientUpdateConnectionParameter(connID, min, max, latency, timeout, ceMin, ceMax int) status.Code {
	s.record("GattClientUpdateConnectionParameter", connID, min, max, latency, timeout, ceMin, ceMax)
	return status.Success
}
func (s *Stack) GattClientReadRemoteRssi(connID int) status.Code {
	s.record("GattClientReadRemoteRssi", connID)
	return status.Success
}
func (s *Stack) GattClientReadPhy(connID int) status.Code {
	s.record("GattClientReadPhy", connID)
	return status.Success
}
func (s *Stack) GattClientSetPhy(connID, tx, rx int) status.Code {
	s.record("GattClientSetPhy", connID, tx, rx)
	return status.Success
}

func (s *Stack) GattServerEnable() status.Code  { s.record("GattServerEnable"); return status.Success }
func (s *Stack) GattServerDisable() status.Code { s.record("GattServerDisable"); return status.Success }
func (s *Stack) GattServerAddElements(serviceID int, elements []sal.GattElementDesc) status.Code {
	s.record("GattServerAddElements", serviceID, elements)
	if s.Hooks.GattServerAddElements != nil {
		return s.Hooks.GattServerAddElements(serviceID, elements)
	}
	return status.Success
}
func (s *Stack) GattServerRemoveElements(serviceID int, handle uint16) status.Code {
	s.record("GattServerRemoveElements", serviceID, handle)
	return status.Success
}
func (s *Stack) GattServerConnect(serviceID int, addr sal.Addr, t sal.AddrType) status.Code {
	s.record("GattServerConnect", serviceID, addr, t)
	return status.Success
}
func (s *Stack) GattServerCancelConnection(serviceID int, addr sal.Addr) status.Code {
	s.record("GattServerCancelConnection", serviceID, addr)
	return status.Success
}
func (s *Stack) GattServerSendResponse(addr sal.Addr, reqHandle uint16, v []byte) status.Code {
	s.record("GattServerSendResponse", addr, reqHandle, v)
	if s.Hooks.GattServerSendResponse != nil {
		return s.Hooks.GattServerSendResponse(addr, reqHandle, v)
	}
	return status.Success
}
func (s *Stack) GattServerSendNotification(addr sal.Addr, handle uint16, v []byte) status.Code {
	s.record("GattServerSendNotification", addr, handle, v)
	return status.Success
}
func (s *Stack) GattServerSendIndication(addr sal.Addr, handle uint16, v []byte) status.Code {
	s.record("GattServerSendIndication", addr, handle, v)
	return status.Success
}
func (s *Stack) GattServerReadPhy(addr sal.Addr) status.Code {
	s.record("GattServerReadPhy", addr)
	return status.Success
}
func (s *Stack) GattServerSetPhy(addr sal.Addr, tx, rx int) status.Code {
	s.record("GattServerSetPhy", addr, tx, rx)
	return status.Success
}

func (s *Stack) SppServerStart(scn int, uuid [16]byte) status.Code {
	s.record("SppServerStart", scn, uuid)
	if s.Hooks.SppServerStart != nil {
		return s.Hooks.SppServerStart(scn, uuid)
	}
	return status.Success
}
func (s *Stack) SppServerStop(scn int) status.Code {
	s.record("SppServerStop", scn)
	return status.Success
}
func (s *Stack) SppConnect(addr sal.Addr, scn int, uuid [16]byte) status.Code {
	s.record("SppConnect", addr, scn, uuid)
	if s.Hooks.SppConnect != nil {
		return s.Hooks.SppConnect(addr, scn, uuid)
	}
	return status.Success
}
func (s *Stack) SppDisconnect(addr sal.Addr, scn int) status.Code {
	s.record("SppDisconnect", addr, scn)
	return status.Success
}
func (s *Stack) SppWrite(addr sal.Addr, scn int, data []byte) status.Code {
	s.record("SppWrite", addr, scn, data)
	return status.Success
}

func (s *Stack) DebugInit() status.Code    { return status.Success }
func (s *Stack) DebugEnable() status.Code  { return status.Success }
func (s *Stack) DebugDisable() status.Code { return status.Success }
func (s *Stack) DebugUpdateLogMask(mask uint32) status.Code { return status.Success }
func (s *Stack) DebugCleanup() status.Code { return status.Success }

var _ sal.Stack = (*Stack)(nil)
