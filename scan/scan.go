// Package scan implements multi-client LE scan aggregation: a small table
// of scanner clients sharing one underlying SAL scan, each with its own
// optional filter and duplicate-advertisement suppression window.
// Grounded on the C framework's scan_manager.c and
// scan_record.c (EIR service-data parsing).
package scan

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/btframework/internal/bthash"
	"github.com/srg/btframework/internal/clock"
	"github.com/srg/btframework/internal/idalloc"
	"github.com/srg/btframework/internal/loop"
	"github.com/srg/btframework/internal/status"
	"github.com/srg/btframework/sal"
)

// DefaultMaxScanners matches CONFIG_BLUETOOTH_LE_SCANNER_MAX_NUM.
const DefaultMaxScanners = 2

// fingerprintTableSize matches CONFIG_BT_LE_ADV_REPORT_SIZE.
const fingerprintTableSize = 10

const (
	defaultDedupDurationMs = 500  // BT_LE_ADV_REPORT_DURATION_MS
	defaultDedupPeriodMs   = 5000 // BT_LE_ADV_REPORT_PERIOD_MS
)

const eirSvcData16 = 0x16

// Filter is a client's advertisement filter.
type Filter struct {
	Active     bool
	DurationMs uint32 // overwritten to defaultDedupDurationMs when Active
	PeriodMs   uint32 // overwritten to defaultDedupPeriodMs when Active
	Duplicated bool
	UUID16     uint16 // service-data UUID a record must carry; checked only when MatchUUID is set
	MatchUUID  bool
}

// Params mirrors ble_scan_params_t, the settings actually sent to the SAL.
type Params struct {
	IntervalMs int
	WindowMs   int
	Active     bool // active vs passive scanning
}

// Callbacks is a scanner client's observer.
type Callbacks struct {
	OnScanStartStatus func(code status.Code)
	OnScanStopped     func()
	OnScanResult      func(addr sal.Addr, addrType sal.AddrType, rssi int8, payload []byte)
}

type client struct {
	id         int
	isScanning bool
	filter     Filter
	callbacks  Callbacks
}

type seenDevice struct {
	addr      sal.Addr
	addrType  sal.AddrType
	timestamp uint32
}

// Manager aggregates LE scan clients onto a single SAL scan session. Every
// exported method hops onto the loop thread; all fields below are only
// ever touched there.
type Manager struct {
	log   *logrus.Entry
	loop  *loop.Loop
	sal   sal.ScanSAL
	clock clock.Source

	isLEEnabled func() bool

	allocator *idalloc.Allocator
	clients   map[int]*client
	scanning  []*client // clients currently in the scanning set, insertion order

	isScanning bool

	seen         []seenDevice
	fingerprints [fingerprintTableSize]uint32
	fpCount      int
}

// New constructs a Manager with DefaultMaxScanners client slots.
func New(l *loop.Loop, s sal.ScanSAL, isLEEnabled func() bool, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		log:         log.WithField("component", "scan"),
		loop:        l,
		sal:         s,
		clock:       clock.Default,
		isLEEnabled: isLEEnabled,
		allocator:   idalloc.New(DefaultMaxScanners - 1),
		clients:     make(map[int]*client),
	}
}

// Scanner is an opaque client handle.
type Scanner struct{ id int }

// Start registers a client with default scan parameters and no filter.
func (m *Manager) Start(cbs Callbacks) (Scanner, bool) {
	return m.StartWithFilter(Params{IntervalMs: 100, WindowMs: 100}, Filter{}, cbs)
}

// StartWithFilter registers a client with explicit parameters and an
// optional advertisement filter (scanner_start_scan_with_filters).
func (m *Manager) StartWithFilter(params Params, filter Filter, cbs Callbacks) (Scanner, bool) {
	if m.isLEEnabled != nil && !m.isLEEnabled() {
		return Scanner{}, false
	}
	if filter.Active {
		filter.DurationMs = defaultDedupDurationMs
		filter.PeriodMs = defaultDedupPeriodMs
	}
	id := m.allocator.Alloc()
	if id < 0 {
		m.loop.Post(func() {
			if cbs.OnScanStartStatus != nil {
				cbs.OnScanStartStatus(status.NoMem)
			}
		})
		return Scanner{}, true
	}
	c := &client{id: id, filter: filter, callbacks: cbs}
	m.clients[id] = c
	m.loop.Post(func() { m.startClient(c, params) })
	return Scanner{id: id}, true
}

func (m *Manager) startClient(c *client, params Params) {
	if !m.isScanning && len(m.scanning) == 0 {
		if code := m.sal.LESetScanParameters(params.IntervalMs, params.WindowMs, params.Active); code != status.Success {
			m.report(c, status.Fail)
			return
		}
		if code := m.sal.LEStartScan(); code != status.Success {
			m.report(c, status.Fail)
			return
		}
		m.isScanning = true
	}
	c.isScanning = true
	m.scanning = append(m.scanning, c)
	m.report(c, status.Success)
}

func (m *Manager) report(c *client, code status.Code) {
	if c.callbacks.OnScanStartStatus != nil {
		c.callbacks.OnScanStartStatus(code)
	}
}

// Stop unregisters a client, mirroring scanner_stop_scan.
func (m *Manager) Stop(h Scanner) {
	if m.isLEEnabled != nil && !m.isLEEnabled() {
		return
	}
	m.loop.Post(func() { m.stopClient(h.id) })
}

func (m *Manager) stopClient(id int) {
	c, ok := m.clients[id]
	if !ok {
		return
	}
	m.removeFromScanning(c)
	if c.callbacks.OnScanStopped != nil {
		c.callbacks.OnScanStopped()
	}
	delete(m.clients, id)
	m.allocator.Free(id)
}

func (m *Manager) removeFromScanning(c *client) {
	if !c.isScanning {
		return
	}
	c.isScanning = false
	for i, x := range m.scanning {
		if x == c {
			m.scanning = append(m.scanning[:i], m.scanning[i+1:]...)
			break
		}
	}
	if m.isScanning && len(m.scanning) == 0 {
		m.sal.LEStopScan()
		m.seen = nil
		m.fpCount = 0
		m.isScanning = false
	}
}

// OnAdvReport delivers a single advertisement report from the SAL; wire
// sal.Upcalls.ScanOnAdvReport to this via loop.Post from the framework
// aggregate (scan_on_result_data_update -> notify_scanners_scan_result).
func (m *Manager) OnAdvReport(addr sal.Addr, addrType sal.AddrType, rssi int8, payload []byte) {
	timestamp := m.clock.NowMs()
	var uuid16 uint16
	var haveUUID16 bool

	for _, c := range m.scanning {
		if !c.filter.Active {
			c.callbacks.OnScanResult(addr, addrType, rssi, payload)
			continue
		}
		if !haveUUID16 {
			uuid16, haveUUID16 = parseServiceData16(payload)
		}

		dev := m.findOrMatch(addr, addrType, uuid16, haveUUID16, c.filter, timestamp)
		if dev == nil {
			continue
		}

		if c.filter.Duplicated {
			if !m.matchDuration(dev, c.filter.DurationMs, c.filter.PeriodMs, timestamp) {
				continue
			}
			fp := bthash.Hash4(payload)
			if m.fingerprintSeen(fp) {
				continue
			}
			m.fingerprintAdd(fp)
		}
		c.callbacks.OnScanResult(addr, addrType, rssi, payload)
	}
}

func (m *Manager) findOrMatch(addr sal.Addr, addrType sal.AddrType, uuid16 uint16, haveUUID16 bool, f Filter, timestamp uint32) *seenDevice {
	dev := m.findDevice(addr, addrType)
	if dev == nil {
		if f.MatchUUID && (!haveUUID16 || uuid16 != f.UUID16) {
			return nil
		}
		m.seen = append(m.seen, seenDevice{addr: addr, addrType: addrType, timestamp: timestamp})
		dev = &m.seen[len(m.seen)-1]
	}
	return dev
}

func (m *Manager) findDevice(addr sal.Addr, addrType sal.AddrType) *seenDevice {
	for i := range m.seen {
		if m.seen[i].addr == addr && m.seen[i].addrType == addrType {
			return &m.seen[i]
		}
	}
	return nil
}

// matchDuration ports scanner_match_duration's four-way window check
// verbatim, including the timestamp-overflow branch.
func (m *Manager) matchDuration(dev *seenDevice, duration, period, timestamp uint32) bool {
	t1 := dev.timestamp
	t2 := t1 + duration
	t3 := t1 + period

	switch {
	case timestamp < t1:
		dev.timestamp = timestamp
		return false
	case t1 <= timestamp && timestamp < t2:
		return true
	case t2 <= timestamp && timestamp < t3:
		return false
	default:
		dev.timestamp = timestamp
		return true
	}
}

// fingerprintSeen/fingerprintAdd port scanner_hsearch_find/_add: a fixed
// table filled from the front, never evicted until the scan session
// ends (scanner_hsearch_free on the last client leaving). A bounded,
// auto-overwriting ring (as hedzr/go-ringbuf/v2 would give) would change
// the suppression window's shape, so this stays a plain array exactly as
// the reference table is.
func (m *Manager) fingerprintSeen(fp uint32) bool {
	for i := 0; i < m.fpCount; i++ {
		if m.fingerprints[i] == fp {
			return true
		}
	}
	return false
}

func (m *Manager) fingerprintAdd(fp uint32) {
	if m.fpCount < len(m.fingerprints) {
		m.fingerprints[m.fpCount] = fp
		m.fpCount++
	}
}

func parseServiceData16(eir []byte) (uint16, bool) {
	i := 0
	for i+1 < len(eir) {
		fieldLen := int(eir[i])
		if fieldLen == 0 {
			break
		}
		if i+1+fieldLen > len(eir) {
			break
		}
		adType := eir[i+1]
		data := eir[i+2 : i+1+fieldLen]
		if adType == eirSvcData16 && len(data) >= 2 {
			return uint16(data[0]) | uint16(data[1])<<8, true
		}
		i += fieldLen + 1
	}
	return 0, false
}

// Cleanup stops every client and resets the scanning set
// (scan_manager_cleanup).
func (m *Manager) Cleanup() {
	m.loop.Post(func() {
		for id := range m.clients {
			m.stopClient(id)
		}
	})
}
