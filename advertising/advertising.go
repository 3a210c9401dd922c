// Package advertising implements the LE advertising set manager: a small
// table of advertiser slots, each backed by an index_allocator-style id
// and a one-second start watchdog. Grounded on the C framework's
// advertising.c.
package advertising

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/btframework/internal/idalloc"
	"github.com/srg/btframework/internal/loop"
	"github.com/srg/btframework/internal/status"
	"github.com/srg/btframework/sal"
)

// DefaultMaxAdvertisers matches CONFIG_BLUETOOTH_LE_ADVERTISER_MAX_NUM.
const DefaultMaxAdvertisers = 2

const startWatchdog = time.Second

// AdvParams mirrors sal.AdvParams; re-exported so callers don't need to
// import the sal package just to start an advertiser.
type AdvParams = sal.AdvParams

// Callbacks is the per-advertiser observer, supplied to Start. The status
// codes reported are status.Success, status.StartTimeout, status.NoMem
// and status.StackErr.
type Callbacks struct {
	OnAdvertisingStart   func(advID int, code status.Code)
	OnAdvertisingStopped func(advID int)
}

type advertiser struct {
	id        int // 1-based SAL advertising id; 0 means "not yet assigned"
	callbacks Callbacks
	startTmr  loop.Handle
	hasTimer  bool
}

// Manager owns the advertiser slot table. Every exported method hops
// onto the loop thread and every field below it is touched only there.
type Manager struct {
	log  *logrus.Entry
	loop *loop.Loop
	sal  sal.AdvertisingSAL

	started   bool
	allocator *idalloc.Allocator
	advs      map[*advertiser]struct{}
	byID      map[int]*advertiser

	isLEEnabled func() bool
}

// New constructs a Manager with DefaultMaxAdvertisers slots. isLEEnabled
// is consulted on every request, mirroring adapter_is_le_enabled().
func New(l *loop.Loop, s sal.AdvertisingSAL, isLEEnabled func() bool, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		log:         log.WithField("component", "advertising"),
		loop:        l,
		sal:         s,
		allocator:   idalloc.New(DefaultMaxAdvertisers - 1),
		advs:        make(map[*advertiser]struct{}),
		byID:        make(map[int]*advertiser),
		isLEEnabled: isLEEnabled,
		started:     true,
	}
}

// Advertiser is an opaque handle returned by Start, analogous to
// bt_advertiser_t. The zero value is not a valid handle.
type Advertiser struct{ a *advertiser }

// Start allocates an id, issues LEStartAdv, and arms a one-second
// watchdog; the outcome (including timeout) arrives via cbs in all
// cases. Returns ok=false only when LE is disabled.
func (m *Manager) Start(params AdvParams, advData, scanRsp []byte, cbs Callbacks) (Advertiser, bool) {
	if m.isLEEnabled != nil && !m.isLEEnabled() {
		return Advertiser{}, false
	}
	adv := &advertiser{callbacks: cbs}
	m.loop.Post(func() { m.startEvent(adv, params, advData, scanRsp) })
	return Advertiser{a: adv}, true
}

func (m *Manager) startEvent(adv *advertiser, params AdvParams, advData, scanRsp []byte) {
	if !m.started {
		return
	}
	slot := m.allocator.Alloc()
	if slot < 0 {
		m.report(adv.callbacks.OnAdvertisingStart, 0, status.NoMem)
		return
	}
	advID := slot + 1
	if code := m.sal.LEStartAdv(advID, params, advData, scanRsp); code != status.Success {
		m.allocator.Free(slot)
		m.report(adv.callbacks.OnAdvertisingStart, 0, status.StackErr)
		return
	}
	adv.id = advID
	m.advs[adv] = struct{}{}
	m.byID[advID] = adv
	adv.hasTimer = true
	adv.startTmr = m.loop.Timer(startWatchdog, 0, func() { m.startTimeout(adv) })
}

func (m *Manager) startTimeout(adv *advertiser) {
	if _, ok := m.advs[adv]; !ok {
		m.log.Warn("advertiser start watchdog fired for a slot already gone")
		return
	}
	m.destroy(adv)
	m.report(adv.callbacks.OnAdvertisingStart, 0, status.StartTimeout)
}

// Stop requests the advertiser identified by handle be torn down.
func (m *Manager) Stop(h Advertiser) {
	if m.isLEEnabled != nil && !m.isLEEnabled() {
		return
	}
	m.loop.Post(func() { m.stopEvent(h.a, 0) })
}

// StopByID requests teardown by SAL advertising id, for callers that only
// retained the id from OnAdvertisingStart.
func (m *Manager) StopByID(advID int) {
	if m.isLEEnabled != nil && !m.isLEEnabled() {
		return
	}
	m.loop.Post(func() { m.stopEvent(nil, advID) })
}

func (m *Manager) stopEvent(adv *advertiser, advID int) {
	if !m.started {
		return
	}
	if adv == nil {
		adv = m.byID[advID]
		if adv == nil {
			return
		}
	} else if _, ok := m.advs[adv]; !ok {
		return
	}
	m.sal.LEStopAdv(adv.id)
}

// OnStarted delivers the SAL's advertising-started upcall; wire
// sal.Upcalls.AdvertisingOnStarted to this via loop.Post from the
// framework aggregate.
func (m *Manager) OnStarted(advID int, code status.Code) {
	if !m.started {
		return
	}
	adv := m.byID[advID]
	if adv == nil || code != status.Success {
		return
	}
	m.cancelWatchdog(adv)
	m.report(adv.callbacks.OnAdvertisingStart, advID, status.Success)
}

// OnStopped handles LE_ADVERTISING_STOPPED: tears the slot down and fires
// OnAdvertisingStopped.
func (m *Manager) OnStopped(advID int) {
	if !m.started {
		return
	}
	adv := m.byID[advID]
	if adv == nil {
		return
	}
	m.destroy(adv)
	if adv.callbacks.OnAdvertisingStopped != nil {
		adv.callbacks.OnAdvertisingStopped(advID)
	}
}

func (m *Manager) cancelWatchdog(adv *advertiser) {
	if adv.hasTimer {
		m.loop.CancelTimer(adv.startTmr)
		adv.hasTimer = false
	}
}

func (m *Manager) destroy(adv *advertiser) {
	m.cancelWatchdog(adv)
	delete(m.advs, adv)
	if adv.id != 0 {
		delete(m.byID, adv.id)
		m.allocator.Free(adv.id - 1)
	}
}

func (m *Manager) report(fn func(int, status.Code), advID int, code status.Code) {
	if fn != nil {
		fn(advID, code)
	}
}

// Cleanup stops and destroys every advertiser (adv_manager_cleanup).
func (m *Manager) Cleanup() {
	m.loop.Post(func() {
		if !m.started {
			return
		}
		for adv := range m.advs {
			m.sal.LEStopAdv(adv.id)
			id := adv.id
			m.destroy(adv)
			if adv.callbacks.OnAdvertisingStopped != nil {
				adv.callbacks.OnAdvertisingStopped(id)
			}
		}
		m.started = false
	})
}
