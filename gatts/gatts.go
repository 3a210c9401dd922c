// Package gatts implements the local GATT server: a table of registered
// services, each assigned a 0x0100-aligned service id and holding one or
// more attribute tables added after registration. Grounded on the C
// framework's gatts_service.c.
package gatts

import (
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/btframework/internal/status"
	"github.com/srg/btframework/internal/uuid"
	"github.com/srg/btframework/sal"
)

// serviceIDStep and serviceIDMax mirror GATT_ELEMENT_GROUP_ID's 0x0100
// alignment: a service id only ever occupies the high byte of a 16-bit
// handle, leaving the low byte for up to 255 local attribute offsets.
const (
	serviceIDStart = 0x0100
	serviceIDStep  = 0x0100
	serviceIDMax   = 0xFF00
)

// RspType distinguishes stack-handled responses from application ones,
// matching ATTR_AUTO_RSP / ATTR_APP_RSP.
type RspType int

const (
	AutoRsp RspType = iota
	AppRsp
)

// ElementDesc describes one attribute to add via AddAttrTable, mirroring
// gatt_attr_db_t. When RspType is AppRsp no value is cached, and read and
// write requests are forwarded to the service's OnReadRequest/
// OnWriteRequest callbacks.
type ElementDesc struct {
	UUID        uuid.UUID
	Type        int
	Properties  uint16
	Permissions uint16
	RspType     RspType
	Value       []byte
}

// Element is one attribute as stored in a service's attribute table,
// assigned a global handle (serviceID | local offset) at AddAttrTable
// time.
type Element struct {
	Handle      uint16
	LocalHandle uint16
	Type        int
	UUID        uuid.UUID
	Properties  uint16
	Permissions uint16
	RspType     RspType
	Value       []byte
}

type attrTable struct {
	startHandle uint16
	endHandle   uint16
	elements    *orderedmap.OrderedMap[uint16, *Element] // keyed by global handle
}

// Callbacks is a registered service's observer set.
type Callbacks struct {
	OnAttrTableAdded   func(svc *Service, code status.Code, localHandle uint16)
	OnAttrTableRemoved func(svc *Service, code status.Code, localHandle uint16)
	OnConnected        func(svc *Service, addr sal.Addr)
	OnDisconnected     func(svc *Service, addr sal.Addr)
	OnReadRequest      func(svc *Service, addr sal.Addr, handle uint16, reqHandle uint16)
	OnWriteRequest     func(svc *Service, addr sal.Addr, handle uint16, value []byte)
	OnMtuChanged       func(svc *Service, addr sal.Addr, mtu int)
	OnNotifyComplete   func(svc *Service, addr sal.Addr, code status.Code, handle uint16)
	OnPhyRead          func(svc *Service, addr sal.Addr, txPhy, rxPhy int)
	OnPhyUpdated       func(svc *Service, addr sal.Addr, txPhy, rxPhy int)
	OnConnParamChanged func(svc *Service, addr sal.Addr, intervalMs, latency, timeoutMs int)
}

// Service is one registered GATT server profile (gatts_service_t). The
// zero value is not usable; obtain one from Manager.RegisterService.
type Service struct {
	id              uint16
	remote          any
	callbacks       Callbacks
	tables          []*attrTable
	nextLocalHandle uint16
}

// ID returns the 0x0100-aligned service id the SAL and every event
// address this service by.
func (s *Service) ID() uint16 { return s.id }

// Remote returns the opaque application value passed to RegisterService.
func (s *Service) Remote() any { return s.remote }

func (s *Service) findTable(handle uint16) *attrTable {
	for _, t := range s.tables {
		if handle >= t.startHandle && handle <= t.endHandle {
			return t
		}
	}
	return nil
}

func (s *Service) findElement(handle uint16) *Element {
	t := s.findTable(handle)
	if t == nil {
		return nil
	}
	el, _ := t.elements.Get(handle)
	return el
}

// Manager owns the registered-service table for one adapter. Every
// exported method must be called from the loop thread the framework
// aggregate owns — gatts has no application-facing async handle
// indirection of its own, so unlike gattc/advertising/scan it carries no
// internal Post/PostSync hop; callers invoke it already on that thread.
type Manager struct {
	log *logrus.Entry
	sal sal.GattServerSAL

	started  bool
	services map[uint16]*Service
}

// New constructs a Manager and enables the underlying GATT server.
func New(s sal.GattServerSAL, log *logrus.Entry) (*Manager, status.Code) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if code := s.GattServerEnable(); code != status.Success {
		return nil, code
	}
	return &Manager{
		log:      log.WithField("component", "gatts"),
		sal:      s,
		started:  true,
		services: make(map[uint16]*Service),
	}, status.Success
}

func (m *Manager) generateServiceID() uint16 {
	for id := uint16(serviceIDStart); id < serviceIDMax; id += serviceIDStep {
		if _, ok := m.services[id]; !ok {
			return id
		}
	}
	return 0
}

// RegisterService allocates a service id and installs callbacks.
func (m *Manager) RegisterService(remote any, cbs Callbacks) (*Service, status.Code) {
	if !m.started {
		return nil, status.NotReady
	}
	id := m.generateServiceID()
	if id == 0 {
		m.log.Error("gatts service id overflow")
		return nil, status.NoMem
	}
	svc := &Service{id: id, remote: remote, callbacks: cbs, nextLocalHandle: 1}
	m.services[id] = svc
	return svc, status.Success
}

// UnregisterService removes every attribute table this service owns and
// drops it from the registry.
func (m *Manager) UnregisterService(svc *Service) status.Code {
	if !m.started {
		return status.NotReady
	}
	if !m.valid(svc) {
		return status.ParmInvalid
	}
	for _, t := range svc.tables {
		m.sal.GattServerRemoveElements(int(svc.id), t.startHandle)
	}
	delete(m.services, svc.id)
	return status.Success
}

func (m *Manager) valid(svc *Service) bool {
	if svc == nil {
		return false
	}
	return m.services[svc.id] == svc
}

// Connect requests a GATT server connection to addr.
func (m *Manager) Connect(svc *Service, addr sal.Addr, addrType sal.AddrType) status.Code {
	if !m.started {
		return status.NotReady
	}
	if !m.valid(svc) {
		return status.ParmInvalid
	}
	return m.sal.GattServerConnect(int(svc.id), addr, addrType)
}

// Disconnect cancels a pending or active connection to addr.
func (m *Manager) Disconnect(svc *Service, addr sal.Addr) status.Code {
	if !m.started {
		return status.NotReady
	}
	if !m.valid(svc) {
		return status.ParmInvalid
	}
	return m.sal.GattServerCancelConnection(int(svc.id), addr)
}

// AddAttrTable assigns each element a global handle (service id + a
// sequential local offset, contiguous within this call) and installs the
// table once the SAL accepts it.
func (m *Manager) AddAttrTable(svc *Service, descs []ElementDesc) status.Code {
	if !m.started {
		return status.NotReady
	}
	if !m.valid(svc) || len(descs) == 0 {
		return status.ParmInvalid
	}

	salElements := make([]sal.GattElementDesc, len(descs))
	elements := make([]*Element, len(descs))
	table := &attrTable{elements: orderedmap.New[uint16, *Element]()}
	for i, d := range descs {
		local := svc.nextLocalHandle + uint16(i)
		handle := svc.id + local
		el := &Element{
			Handle:      handle,
			LocalHandle: local,
			Type:        d.Type,
			UUID:        d.UUID,
			Properties:  d.Properties,
			Permissions: d.Permissions,
			RspType:     d.RspType,
		}
		if d.RspType == AutoRsp && len(d.Value) > 0 {
			el.Value = append([]byte(nil), d.Value...)
		}
		elements[i] = el
		salElements[i] = sal.GattElementDesc{
			UUID:        [16]byte(d.UUID),
			Type:        d.Type,
			Properties:  d.Properties,
			Permissions: d.Permissions,
			AutoRsp:     d.RspType == AutoRsp,
			Value:       d.Value,
		}
	}
	table.startHandle = elements[0].Handle
	table.endHandle = elements[len(elements)-1].Handle
	for _, el := range elements {
		table.elements.Set(el.Handle, el)
	}

	if code := m.sal.GattServerAddElements(int(svc.id), salElements); code != status.Success {
		return code
	}
	svc.tables = append(svc.tables, table)
	svc.nextLocalHandle += uint16(len(descs))
	return status.Success
}

// RemoveAttrTable removes whichever table contains attrHandle (a local
// offset, as AddAttrTable assigned it).
func (m *Manager) RemoveAttrTable(svc *Service, attrHandle uint16) status.Code {
	if !m.started {
		return status.NotReady
	}
	if !m.valid(svc) {
		return status.ParmInvalid
	}
	handle := svc.id + attrHandle
	t := svc.findTable(handle)
	if t == nil {
		return status.ParmInvalid
	}
	return m.sal.GattServerRemoveElements(int(svc.id), t.startHandle)
}

// SetAttrValue overwrites a cached AutoRsp element's stored value.
func (m *Manager) SetAttrValue(svc *Service, attrHandle uint16, value []byte) status.Code {
	if !m.valid(svc) {
		return status.ParmInvalid
	}
	el := svc.findElement(svc.id + attrHandle)
	if el == nil {
		return status.ParmInvalid
	}
	if len(el.Value) == 0 {
		return status.NotFound
	}
	n := len(value)
	if n > len(el.Value) {
		n = len(el.Value)
	}
	copy(el.Value, value[:n])
	return status.Success
}

// GetAttrValue reads a cached AutoRsp element's stored value.
func (m *Manager) GetAttrValue(svc *Service, attrHandle uint16) ([]byte, status.Code) {
	if !m.valid(svc) {
		return nil, status.ParmInvalid
	}
	el := svc.findElement(svc.id + attrHandle)
	if el == nil {
		return nil, status.ParmInvalid
	}
	if len(el.Value) == 0 {
		return nil, status.NotFound
	}
	return append([]byte(nil), el.Value...), status.Success
}

// Response answers a pending AppRsp read or write request.
func (m *Manager) Response(svc *Service, addr sal.Addr, reqHandle uint32, value []byte) status.Code {
	if !m.valid(svc) {
		return status.ParmInvalid
	}
	return m.sal.GattServerSendResponse(addr, uint16(reqHandle), value)
}

// Notify sends an unacknowledged characteristic notification.
func (m *Manager) Notify(svc *Service, addr sal.Addr, attrHandle uint16, value []byte) status.Code {
	if !m.valid(svc) {
		return status.ParmInvalid
	}
	return m.sal.GattServerSendNotification(addr, svc.id+attrHandle, value)
}

// Indicate sends an acknowledged characteristic indication.
func (m *Manager) Indicate(svc *Service, addr sal.Addr, attrHandle uint16, value []byte) status.Code {
	if !m.valid(svc) {
		return status.ParmInvalid
	}
	return m.sal.GattServerSendIndication(addr, svc.id+attrHandle, value)
}

// ReadPhy and UpdatePhy forward to the SAL; their outcome arrives through
// OnPhyRead/OnPhyUpdated, which the SAL upcall already tags with this
// service's id (the C framework needed a pending-ops queue
// here because its SAL upcall carried no service identity — ours does,
// so that queue has no work left to do and is not ported).
func (m *Manager) ReadPhy(svc *Service, addr sal.Addr) status.Code {
	if !m.valid(svc) {
		return status.ParmInvalid
	}
	return m.sal.GattServerReadPhy(addr)
}

func (m *Manager) UpdatePhy(svc *Service, addr sal.Addr, txPhy, rxPhy int) status.Code {
	if !m.valid(svc) {
		return status.ParmInvalid
	}
	return m.sal.GattServerSetPhy(addr, txPhy, rxPhy)
}

// --- upcalls (run on loop thread; wire sal.Upcalls.Gatts* to these from
// the framework aggregate) ---

// OnAttrTableAdded delivers GATTS_EVENT_ATTR_TABLE_ADDED. localHandle is
// the element's offset within its service (element handle with the
// service id's high byte masked off), matching the reference's
// element_id ^ service->srv_id.
func (m *Manager) OnAttrTableAdded(serviceID int, code status.Code, elementHandle uint16) {
	svc, ok := m.services[uint16(serviceID)]
	if !ok || svc.callbacks.OnAttrTableAdded == nil {
		return
	}
	svc.callbacks.OnAttrTableAdded(svc, code, elementHandle^svc.id)
}

// OnAttrTableRemoved delivers GATTS_EVENT_ATTR_TABLE_REMOVED, dropping the
// table from the cache first.
func (m *Manager) OnAttrTableRemoved(serviceID int, code status.Code, elementHandle uint16) {
	svc, ok := m.services[uint16(serviceID)]
	if !ok {
		return
	}
	if t := svc.findTable(elementHandle); t != nil {
		for i, x := range svc.tables {
			if x == t {
				svc.tables = append(svc.tables[:i], svc.tables[i+1:]...)
				break
			}
		}
	}
	if svc.callbacks.OnAttrTableRemoved != nil {
		svc.callbacks.OnAttrTableRemoved(svc, code, elementHandle^svc.id)
	}
}

// OnConnectionStateChanged delivers GATTS_EVENT_CONNECT_CHANGE to every
// registered service, matching GATTS_CALLBACK_FOREACH's broadcast.
func (m *Manager) OnConnectionStateChanged(serviceID int, addr sal.Addr, connected bool) {
	svc, ok := m.services[uint16(serviceID)]
	if !ok {
		return
	}
	if connected {
		if svc.callbacks.OnConnected != nil {
			svc.callbacks.OnConnected(svc, addr)
		}
		return
	}
	if svc.callbacks.OnDisconnected != nil {
		svc.callbacks.OnDisconnected(svc, addr)
	}
}

// OnReadRequest delivers GATTS_EVENT_READ_REQUEST: the stack answers
// directly for an AutoRsp element, otherwise the application's
// OnReadRequest callback owns calling Response.
func (m *Manager) OnReadRequest(serviceID int, addr sal.Addr, handle uint16, reqHandle uint16) {
	svc, ok := m.services[uint16(serviceID)]
	if !ok {
		return
	}
	el := svc.findElement(handle)
	if el == nil {
		return
	}
	if el.RspType == AutoRsp {
		m.sal.GattServerSendResponse(addr, reqHandle, el.Value)
		return
	}
	if svc.callbacks.OnReadRequest != nil {
		svc.callbacks.OnReadRequest(svc, addr, handle^svc.id, reqHandle)
	}
}

// OnWriteRequest delivers GATTS_EVENT_WRITE_REQUEST. The stack always
// answers the request first with an empty success response, then either
// applies the value itself (AutoRsp) or hands it to the application
// callback (AppRsp) — matching gatts_process_message's always-ack-first
// ordering.
func (m *Manager) OnWriteRequest(serviceID int, addr sal.Addr, handle uint16, reqHandle uint16, value []byte) {
	svc, ok := m.services[uint16(serviceID)]
	if !ok {
		return
	}
	el := svc.findElement(handle)
	if el == nil {
		return
	}
	m.sal.GattServerSendResponse(addr, reqHandle, nil)
	if el.RspType == AutoRsp {
		if len(el.Value) > 0 {
			n := len(value)
			if n > len(el.Value) {
				n = len(el.Value)
			}
			copy(el.Value, value[:n])
		}
		return
	}
	if svc.callbacks.OnWriteRequest != nil {
		svc.callbacks.OnWriteRequest(svc, addr, handle^svc.id, value)
	}
}

// OnMtuChanged delivers GATTS_EVENT_MTU_CHANGE to the service identified
// by serviceID.
func (m *Manager) OnMtuChanged(serviceID int, addr sal.Addr, mtu int) {
	svc, ok := m.services[uint16(serviceID)]
	if ok && svc.callbacks.OnMtuChanged != nil {
		svc.callbacks.OnMtuChanged(svc, addr, mtu)
	}
}

// OnNotifyComplete delivers GATTS_EVENT_CHANGE_SEND, the completion of a
// previously issued Notify/Indicate.
func (m *Manager) OnNotifyComplete(serviceID int, addr sal.Addr, code status.Code, handle uint16) {
	svc, ok := m.services[uint16(serviceID)]
	if ok && svc.callbacks.OnNotifyComplete != nil {
		svc.callbacks.OnNotifyComplete(svc, addr, code, handle^svc.id)
	}
}

// OnPhyRead and OnPhyUpdated deliver their like-named events.
func (m *Manager) OnPhyRead(serviceID int, addr sal.Addr, txPhy, rxPhy int) {
	if svc, ok := m.services[uint16(serviceID)]; ok && svc.callbacks.OnPhyRead != nil {
		svc.callbacks.OnPhyRead(svc, addr, txPhy, rxPhy)
	}
}

func (m *Manager) OnPhyUpdated(serviceID int, addr sal.Addr, txPhy, rxPhy int) {
	if svc, ok := m.services[uint16(serviceID)]; ok && svc.callbacks.OnPhyUpdated != nil {
		svc.callbacks.OnPhyUpdated(svc, addr, txPhy, rxPhy)
	}
}

// OnConnParamChanged delivers GATTS_EVENT_CONN_PARAM_CHANGE to the service
// identified by serviceID.
func (m *Manager) OnConnParamChanged(serviceID int, addr sal.Addr, intervalMs, latency, timeoutMs int) {
	svc, ok := m.services[uint16(serviceID)]
	if ok && svc.callbacks.OnConnParamChanged != nil {
		svc.callbacks.OnConnParamChanged(svc, addr, intervalMs, latency, timeoutMs)
	}
}

// Cleanup disables the GATT server and drops every registered service.
func (m *Manager) Cleanup() {
	if !m.started {
		return
	}
	m.sal.GattServerDisable()
	m.services = make(map[uint16]*Service)
	m.started = false
}
