// Package gattc implements the GATT client: a table of client-owned
// connections, each keyed by an allocated conn_id and carrying a
// service/characteristic cache populated by discovery and consulted by
// every attribute operation. Grounded on the C framework's
// gattc_service.c and gattc_event.c.
package gattc

import (
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/btframework/internal/idalloc"
	"github.com/srg/btframework/internal/loop"
	"github.com/srg/btframework/internal/status"
	"github.com/srg/btframework/internal/uuid"
	"github.com/srg/btframework/sal"
)

// DefaultMaxConnections matches CONFIG_BLUETOOTH_GATTC_MAX_CONNECTION.
const DefaultMaxConnections = 7

const gattMaxMtu = 517 // GATT_MAX_MTU_SIZE

// ConnState mirrors profile_connection_state_t for a GATT client connection.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

// CCC values, matching bt_gatt_defs.h's client characteristic
// configuration bits, as sent to GattClientRegisterNotifications.
const (
	CCCNotify   uint16 = 0x0001
	CCCIndicate uint16 = 0x0002
)

// GATT characteristic property bits consulted by Subscribe/Unsubscribe.
const (
	GattPropNotify   uint16 = 0x10
	GattPropIndicate uint16 = 0x20
)

// Element is one attribute discovered on the remote GATT server
// (gatt_element_t).
type Element struct {
	Handle        uint16
	Type          int
	UUID          uuid.UUID
	Properties    uint16
	NotifyEnabled bool
}

// service is one discovered primary service's attribute range, held in a
// connection's ordered map keyed by start handle so iteration order
// matches discovery order (a bt_list in the reference).
type service struct {
	uuid        uuid.UUID
	startHandle uint16
	endHandle   uint16
	elements    []Element
}

// Callbacks is a connection's observer, supplied at CreateConnect.
type Callbacks struct {
	OnConnected        func(c *Connection)
	OnDisconnected     func(c *Connection)
	OnDiscovered       func(c *Connection, code status.Code, svcUUID uuid.UUID, startHandle, endHandle uint16)
	OnDiscoverComplete func(c *Connection, code status.Code)
	OnRead             func(c *Connection, code status.Code, handle uint16, value []byte)
	OnWritten          func(c *Connection, code status.Code, handle uint16)
	OnSubscribed       func(c *Connection, code status.Code, handle uint16, enable bool)
	OnNotified         func(c *Connection, handle uint16, value []byte)
	OnMtuUpdated       func(c *Connection, mtu int)
	OnPhyRead          func(c *Connection, txPhy, rxPhy int)
	OnPhyUpdated       func(c *Connection, txPhy, rxPhy int)
	OnRssiRead         func(c *Connection, rssi int8)
	OnConnParamUpdated func(c *Connection, intervalMs, latency, timeoutMs int)
}

// Connection is one application-owned GATT client handle
// (gattc_connection_t). The zero value is not usable; obtain one from
// Manager.CreateConnect.
type Connection struct {
	id        int
	remote    any
	state     ConnState
	addr      sal.Addr
	addrType  sal.AddrType
	callbacks Callbacks
	services  *orderedmap.OrderedMap[uint16, *service]
}

// Remote returns the opaque application value passed to CreateConnect.
func (c *Connection) Remote() any { return c.remote }

// State reports the connection's current lifecycle state.
func (c *Connection) State() ConnState { return c.state }

// ID returns the conn_id the SAL uses to address this connection.
func (c *Connection) ID() int { return c.id }

// Manager owns every GATT client connection for one adapter. Every
// exported method hops onto the loop thread; the fields below are only
// ever touched there, matching the powermanager/advertising/scan
// components' single-threaded ownership rule.
type Manager struct {
	log  *logrus.Entry
	loop *loop.Loop
	sal  sal.GattClientSAL

	allocator *idalloc.Allocator
	byID      map[int]*Connection
}

// New constructs a Manager with DefaultMaxConnections connection slots.
func New(l *loop.Loop, s sal.GattClientSAL, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		log:       log.WithField("component", "gattc"),
		loop:      l,
		sal:       s,
		allocator: idalloc.New(DefaultMaxConnections - 1),
		byID:      make(map[int]*Connection),
	}
}

// CreateConnect allocates a connection handle without connecting, mirroring
// if_gattc_create_connect: the handle is usable to issue Connect later.
func (m *Manager) CreateConnect(remote any, cbs Callbacks) (*Connection, status.Code) {
	var conn *Connection
	var code status.Code
	m.loop.PostSync(func() {
		id := m.allocator.Alloc()
		if id < 0 {
			code = status.NoMem
			return
		}
		conn = &Connection{
			id:        id,
			remote:    remote,
			callbacks: cbs,
			services:  orderedmap.New[uint16, *service](),
		}
		m.byID[id] = conn
		code = status.Success
	})
	return conn, code
}

// DeleteConnect disconnects (if needed) and releases the handle.
func (m *Manager) DeleteConnect(c *Connection) status.Code {
	var code status.Code
	m.loop.PostSync(func() {
		if !m.valid(c) {
			code = status.ParmInvalid
			return
		}
		if c.state != StateDisconnected {
			m.sal.GattClientDisconnect(c.id)
		}
		delete(m.byID, c.id)
		m.allocator.Free(c.id)
		code = status.Success
	})
	return code
}

func (m *Manager) valid(c *Connection) bool {
	if c == nil {
		return false
	}
	return m.byID[c.id] == c
}

// Connect issues a GATT connection request over LE.
func (m *Manager) Connect(c *Connection, addr sal.Addr, addrType sal.AddrType) status.Code {
	var code status.Code
	m.loop.PostSync(func() {
		if !m.valid(c) {
			code = status.ParmInvalid
			return
		}
		code = m.sal.GattClientConnect(c.id, addr, addrType)
		if code == status.Success {
			c.state = StateConnecting
			c.addr, c.addrType = addr, addrType
		}
	})
	return code
}

// Disconnect requests teardown of an active/connecting connection.
func (m *Manager) Disconnect(c *Connection) status.Code {
	var code status.Code
	m.loop.PostSync(func() {
		if !m.valid(c) {
			code = status.ParmInvalid
			return
		}
		code = m.sal.GattClientDisconnect(c.id)
		if code == status.Success {
			c.state = StateDisconnecting
		}
	})
	return code
}

// DiscoverService issues a discovery, either full (zero-value filterUUID)
// or filtered to a single service UUID.
func (m *Manager) DiscoverService(c *Connection, filterUUID uuid.UUID) status.Code {
	var code status.Code
	m.loop.PostSync(func() {
		if !m.valid(c) {
			code = status.ParmInvalid
			return
		}
		if filterUUID == (uuid.UUID{}) {
			code = m.sal.GattClientDiscoverAllServices(c.id)
		} else {
			code = m.sal.GattClientDiscoverServiceByUUID(c.id, [16]byte(filterUUID))
		}
	})
	return code
}

// GetAttributeByHandle looks up a cached attribute by its exact handle.
func (m *Manager) GetAttributeByHandle(c *Connection, handle uint16) (Element, status.Code) {
	var el Element
	var code status.Code
	m.loop.PostSync(func() {
		if !m.valid(c) {
			code = status.ParmInvalid
			return
		}
		found, ok := findElementByHandle(c, handle)
		if !ok {
			code = status.NoResources
			return
		}
		el, code = found, status.Success
	})
	return el, code
}

// GetAttributeByUUID looks up the first cached attribute within
// [startHandle, endHandle] matching attrUUID.
func (m *Manager) GetAttributeByUUID(c *Connection, startHandle, endHandle uint16, attrUUID uuid.UUID) (Element, status.Code) {
	var el Element
	var code status.Code
	m.loop.PostSync(func() {
		if !m.valid(c) {
			code = status.ParmInvalid
			return
		}
		found, ok := findElementByUUID(c, startHandle, endHandle, attrUUID)
		if !ok {
			code = status.NoResources
			return
		}
		el, code = found, status.Success
	})
	return el, code
}

func findElementByHandle(c *Connection, handle uint16) (Element, bool) {
	for pair := c.services.Oldest(); pair != nil; pair = pair.Next() {
		svc := pair.Value
		if handle < svc.startHandle || handle > svc.endHandle {
			continue
		}
		for _, el := range svc.elements {
			if el.Handle == handle {
				return el, true
			}
		}
	}
	return Element{}, false
}

func findElementByUUID(c *Connection, startHandle, endHandle uint16, attrUUID uuid.UUID) (Element, bool) {
	for pair := c.services.Oldest(); pair != nil; pair = pair.Next() {
		svc := pair.Value
		if svc.endHandle < startHandle || svc.startHandle > endHandle {
			continue
		}
		for _, el := range svc.elements {
			if el.Handle >= startHandle && el.Handle <= endHandle && el.UUID == attrUUID {
				return el, true
			}
		}
	}
	return Element{}, false
}

// Read issues a GATT read of handle.
func (m *Manager) Read(c *Connection, handle uint16) status.Code {
	return m.withConnection(c, func() status.Code { return m.sal.GattClientReadElement(c.id, handle) })
}

// Write issues a write-with-response.
func (m *Manager) Write(c *Connection, handle uint16, value []byte) status.Code {
	return m.withConnection(c, func() status.Code { return m.sal.GattClientWriteElement(c.id, handle, value, true) })
}

// WriteWithoutResponse issues a write-command.
func (m *Manager) WriteWithoutResponse(c *Connection, handle uint16, value []byte) status.Code {
	return m.withConnection(c, func() status.Code { return m.sal.GattClientWriteElement(c.id, handle, value, false) })
}

// Subscribe enables notifications or indications on handle, picking the
// property/CCC bit pair exactly as if_gattc_subscribe does: it rejects a
// CCC value whose corresponding GATT property bit isn't set on the
// cached characteristic.
func (m *Manager) Subscribe(c *Connection, handle uint16, cccValue uint16) status.Code {
	var code status.Code
	m.loop.PostSync(func() {
		if !m.valid(c) {
			code = status.ParmInvalid
			return
		}
		el, ok := findElementByHandle(c, handle)
		if !ok {
			code = status.NotFound
			return
		}
		switch {
		case cccValue&CCCNotify != 0:
			if el.Properties&GattPropNotify == 0 {
				code = status.NotSupported
				return
			}
		case cccValue&CCCIndicate != 0:
			if el.Properties&GattPropIndicate == 0 {
				code = status.NotSupported
				return
			}
		default:
			code = status.ParmInvalid
			return
		}
		code = m.sal.GattClientRegisterNotifications(c.id, handle, cccValue)
	})
	return code
}

// Unsubscribe disables whichever notify/indicate CCC bits are currently
// enabled for handle.
func (m *Manager) Unsubscribe(c *Connection, handle uint16) status.Code {
	var code status.Code
	m.loop.PostSync(func() {
		if !m.valid(c) {
			code = status.ParmInvalid
			return
		}
		el, ok := findElementByHandle(c, handle)
		if !ok {
			code = status.NotFound
			return
		}
		if el.Properties&(GattPropNotify|GattPropIndicate) == 0 {
			code = status.NotSupported
			return
		}
		code = m.sal.GattClientRegisterNotifications(c.id, handle, 0)
	})
	return code
}

// ExchangeMtu requests an MTU, clamped to gattMaxMtu.
func (m *Manager) ExchangeMtu(c *Connection, mtu int) status.Code {
	if mtu > gattMaxMtu {
		mtu = gattMaxMtu
	}
	return m.withConnection(c, func() status.Code { return m.sal.GattClientSendMtuReq(c.id, mtu) })
}

// UpdateConnectionParameter requests new LE connection parameters.
func (m *Manager) UpdateConnectionParameter(c *Connection, minIntervalMs, maxIntervalMs, latency, timeoutMs, ceMinMs, ceMaxMs int) status.Code {
	return m.withConnection(c, func() status.Code {
		return m.sal.GattClientUpdateConnectionParameter(c.id, minIntervalMs, maxIntervalMs, latency, timeoutMs, ceMinMs, ceMaxMs)
	})
}

// ReadPhy, UpdatePhy and ReadRssi forward directly to the SAL.
func (m *Manager) ReadPhy(c *Connection) status.Code {
	return m.withConnection(c, func() status.Code { return m.sal.GattClientReadPhy(c.id) })
}

func (m *Manager) UpdatePhy(c *Connection, txPhy, rxPhy int) status.Code {
	return m.withConnection(c, func() status.Code { return m.sal.GattClientSetPhy(c.id, txPhy, rxPhy) })
}

func (m *Manager) ReadRssi(c *Connection) status.Code {
	return m.withConnection(c, func() status.Code { return m.sal.GattClientReadRemoteRssi(c.id) })
}

func (m *Manager) withConnection(c *Connection, fn func() status.Code) status.Code {
	var code status.Code
	m.loop.PostSync(func() {
		if !m.valid(c) {
			code = status.ParmInvalid
			return
		}
		code = fn()
	})
	return code
}

// --- upcalls (run on loop thread; wire sal.Upcalls.Gattc* to these from
// the framework aggregate with loop.Post) ---

// OnConnectionStateChanged delivers GATTC_EVENT_CONNECT_CHANGE.
func (m *Manager) OnConnectionStateChanged(connID int, connected bool, code status.Code) {
	c, ok := m.byID[connID]
	if !ok {
		return
	}
	if connected {
		c.state = StateConnected
		if c.callbacks.OnConnected != nil {
			c.callbacks.OnConnected(c)
		}
		return
	}
	c.state = StateDisconnected
	c.services = orderedmap.New[uint16, *service]()
	if c.callbacks.OnDisconnected != nil {
		c.callbacks.OnDisconnected(c)
	}
}

// OnServiceDiscovered delivers one GATTC_EVENT_DISCOVER_RESULT record: a
// service spanning [startHandle, endHandle], replacing any previously
// cached service whose range the new one overlaps.
func (m *Manager) OnServiceDiscovered(connID int, code status.Code, svcUUID uuid.UUID, startHandle, endHandle uint16) {
	c, ok := m.byID[connID]
	if !ok {
		return
	}
	if code == status.Success {
		for pair := c.services.Oldest(); pair != nil; pair = pair.Next() {
			if startHandle <= pair.Value.endHandle && endHandle >= pair.Value.startHandle {
				c.services.Delete(pair.Key)
				break
			}
		}
		c.services.Set(startHandle, &service{uuid: svcUUID, startHandle: startHandle, endHandle: endHandle})
	}
	if c.callbacks.OnDiscovered != nil {
		c.callbacks.OnDiscovered(c, code, svcUUID, startHandle, endHandle)
	}
}

// OnDiscoverCompleted delivers GATTC_EVENT_DISOCVER_CMPL (sic, matching
// the reference event name), the final callback of a discovery pass.
func (m *Manager) OnDiscoverCompleted(connID int, code status.Code) {
	c, ok := m.byID[connID]
	if !ok {
		return
	}
	if c.callbacks.OnDiscoverComplete != nil {
		c.callbacks.OnDiscoverComplete(c, code)
	}
}

// AddDiscoveredElement caches one attribute under the service owning
// handle; called by the framework aggregate as it unpacks a discovery
// result's element list before forwarding OnServiceDiscovered.
func (m *Manager) AddDiscoveredElement(connID int, el Element) {
	c, ok := m.byID[connID]
	if !ok {
		return
	}
	for pair := c.services.Oldest(); pair != nil; pair = pair.Next() {
		svc := pair.Value
		if el.Handle >= svc.startHandle && el.Handle <= svc.endHandle {
			svc.elements = append(svc.elements, el)
			return
		}
	}
}

// OnRead delivers GATTC_EVENT_READ.
func (m *Manager) OnRead(connID int, handle uint16, code status.Code, value []byte) {
	if c, ok := m.byID[connID]; ok && c.callbacks.OnRead != nil {
		c.callbacks.OnRead(c, code, handle, value)
	}
}

// OnWritten delivers GATTC_EVENT_WRITE.
func (m *Manager) OnWritten(connID int, handle uint16, code status.Code) {
	if c, ok := m.byID[connID]; ok && c.callbacks.OnWritten != nil {
		c.callbacks.OnWritten(c, code, handle)
	}
}

// OnSubscribed delivers GATTC_EVENT_SUBSCRIBE, updating the cached
// element's notify flag only on success (a failed (un)subscribe leaves
// the cache as it was, matching gattc_process_message's handling).
func (m *Manager) OnSubscribed(connID int, handle uint16, code status.Code, enable bool) {
	c, ok := m.byID[connID]
	if !ok {
		return
	}
	if code == status.Success {
		setNotifyEnabled(c, handle, enable)
	}
	if c.callbacks.OnSubscribed != nil {
		c.callbacks.OnSubscribed(c, code, handle, enable)
	}
}

func setNotifyEnabled(c *Connection, handle uint16, enable bool) {
	for pair := c.services.Oldest(); pair != nil; pair = pair.Next() {
		svc := pair.Value
		for i := range svc.elements {
			if svc.elements[i].Handle == handle {
				svc.elements[i].NotifyEnabled = enable
				return
			}
		}
	}
}

// OnNotified delivers GATTC_EVENT_NOTIFY, dropping it if the cache
// believes notifications are currently disabled for handle.
func (m *Manager) OnNotified(connID int, handle uint16, value []byte) {
	c, ok := m.byID[connID]
	if !ok {
		return
	}
	el, ok := findElementByHandle(c, handle)
	if !ok || !el.NotifyEnabled {
		return
	}
	if c.callbacks.OnNotified != nil {
		c.callbacks.OnNotified(c, handle, value)
	}
}

// OnMtuUpdated, OnPhyRead, OnPhyUpdated, OnRssiRead and OnConnParamUpdated
// deliver their like-named events verbatim.
func (m *Manager) OnMtuUpdated(connID int, mtu int) {
	if c, ok := m.byID[connID]; ok && c.callbacks.OnMtuUpdated != nil {
		c.callbacks.OnMtuUpdated(c, mtu)
	}
}

func (m *Manager) OnPhyRead(connID int, txPhy, rxPhy int) {
	if c, ok := m.byID[connID]; ok && c.callbacks.OnPhyRead != nil {
		c.callbacks.OnPhyRead(c, txPhy, rxPhy)
	}
}

func (m *Manager) OnPhyUpdated(connID int, txPhy, rxPhy int) {
	if c, ok := m.byID[connID]; ok && c.callbacks.OnPhyUpdated != nil {
		c.callbacks.OnPhyUpdated(c, txPhy, rxPhy)
	}
}

func (m *Manager) OnRssiRead(connID int, rssi int8) {
	if c, ok := m.byID[connID]; ok && c.callbacks.OnRssiRead != nil {
		c.callbacks.OnRssiRead(c, rssi)
	}
}

func (m *Manager) OnConnParamUpdated(connID int, intervalMs, latency, timeoutMs int) {
	if c, ok := m.byID[connID]; ok && c.callbacks.OnConnParamUpdated != nil {
		c.callbacks.OnConnParamUpdated(c, intervalMs, latency, timeoutMs)
	}
}

// Cleanup disconnects and releases every connection (gattc_cleanup).
func (m *Manager) Cleanup() {
	m.loop.Post(func() {
		for id, c := range m.byID {
			if c.state != StateDisconnected {
				m.sal.GattClientDisconnect(id)
			}
			delete(m.byID, id)
			m.allocator.Free(id)
		}
	})
}
