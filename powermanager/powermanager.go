// Package powermanager implements the BR/EDR power manager: it translates
// the set of active profile services on a peer into a preferred link mode
// and arms a timer to request it after an idle period. Grounded on the C
// framework's power_manager.c; the sniff-mode and per-profile action
// tables are copied verbatim from it (see DESIGN.md Open Question 4).
package powermanager

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/btframework/internal/loop"
	"github.com/srg/btframework/sal"
)

// ProfileID identifies the profile requesting a power-mode preference.
type ProfileID int

const (
	ProfileHfpHF ProfileID = iota
	ProfileHfpAG
	ProfileA2dp
	ProfileAvrcpCT
	ProfileAvrcpTG
	ProfileSpp
	ProfilePanu
	ProfileHidDev
)

// ServiceState is one of the eight events a profile reports against a peer.
type ServiceState int

const (
	StateConnOpen ServiceState = iota
	StateConnClose
	StateAppOpen
	StateAppClose
	StateScoOpen
	StateScoClose
	StateIdle
	StateBusy
)

// preferMode values are ordered exactly as BT_PM_PREF_MODE_* in the
// reference source so integer comparison picks the strictly-highest
// preference; Active (0x20) always beats every Sniff variant (0x10-0x16).
type preferMode int

const (
	modeNoAction preferMode = 0x00
	modeNoPref   preferMode = 0x01
	modeSniff    preferMode = 0x10
	modeSniff1   preferMode = 0x11
	modeSniff2   preferMode = 0x12
	modeSniff3   preferMode = 0x13
	modeSniff4   preferMode = 0x14
	modeSniff5   preferMode = 0x15
	modeSniff6   preferMode = 0x16
	modeActive   preferMode = 0x20
)

const allowSniffMask = 0x10

type sniffParams struct {
	Max, Min, Attempt, Timeout uint16
}

// sniffTable indexes g_pm_mode[0..6] by (preferMode - modeSniff).
var sniffTable = map[preferMode]sniffParams{
	modeSniff:  {800, 400, 4, 1},
	modeSniff1: {400, 200, 4, 1},
	modeSniff2: {54, 30, 4, 1},
	modeSniff3: {150, 50, 4, 1},
	modeSniff4: {18, 10, 4, 1},
	modeSniff5: {36, 30, 2, 0},
	modeSniff6: {18, 14, 1, 0},
}

type action struct {
	mode      preferMode
	timeoutMs uint16
}

// specTable is g_pm_spec: one action per ServiceState, indexed 0-7.
type specTable [8]action

var hfAgSpec = specTable{
	StateConnOpen:  {modeSniff, 7000},
	StateConnClose: {modeNoPref, 0},
	StateAppOpen:   {modeNoAction, 0},
	StateAppClose:  {modeNoAction, 0},
	StateScoOpen:   {modeSniff3, 7000},
	StateScoClose:  {modeSniff, 7000},
	StateIdle:      {modeSniff, 7000},
	StateBusy:      {modeActive, 0},
}

var avSpec = specTable{
	StateConnOpen:  {modeSniff, 7000},
	StateConnClose: {modeNoPref, 0},
	StateAppOpen:   {modeNoAction, 0},
	StateAppClose:  {modeNoAction, 0},
	StateScoOpen:   {modeNoAction, 0},
	StateScoClose:  {modeNoAction, 0},
	StateIdle:      {modeSniff, 7000},
	StateBusy:      {modeActive, 0},
}

var sppSpec = specTable{
	StateConnOpen:  {modeActive, 0},
	StateConnClose: {modeNoPref, 0},
	StateAppOpen:   {modeActive, 0},
	StateAppClose:  {modeNoAction, 0},
	StateScoOpen:   {modeNoAction, 0},
	StateScoClose:  {modeNoAction, 0},
	StateIdle:      {modeSniff, 1000},
	StateBusy:      {modeActive, 0},
}

var panSpec = specTable{
	StateConnOpen:  {modeActive, 0},
	StateConnClose: {modeNoPref, 0},
	StateAppOpen:   {modeActive, 0},
	StateAppClose:  {modeNoAction, 0},
	StateScoOpen:   {modeNoAction, 0},
	StateScoClose:  {modeNoAction, 0},
	StateIdle:      {modeSniff, 5000},
	StateBusy:      {modeActive, 0},
}

var hidSpec = specTable{
	StateConnOpen:  {modeSniff, 5000},
	StateConnClose: {modeNoPref, 0},
	StateAppOpen:   {modeNoAction, 0},
	StateAppClose:  {modeNoAction, 0},
	StateScoOpen:   {modeNoAction, 0},
	StateScoClose:  {modeNoAction, 0},
	StateIdle:      {modeSniff2, 5000},
	StateBusy:      {modeSniff4, 200},
}

var profileSpec = map[ProfileID]specTable{
	ProfileHfpHF:   hfAgSpec,
	ProfileHfpAG:   hfAgSpec,
	ProfileA2dp:    avSpec,
	ProfileAvrcpCT: avSpec,
	ProfileAvrcpTG: avSpec,
	ProfileSpp:     sppSpec,
	ProfilePanu:    panSpec,
	ProfileHidDev:  hidSpec,
}

type serviceRow struct {
	profile ProfileID
	state   ServiceState
}

type deviceRow struct {
	mode     sal.PowerMode
	interval uint16
	timer    loop.Handle
	timerSet bool
}

// Manager is the power manager. It is only ever touched from the service
// loop thread (through adapter's upcalls or its own timer callbacks), so
// it carries no internal locking.
type Manager struct {
	log  *logrus.Entry
	loop *loop.Loop
	sal  sal.AdapterSAL

	services map[sal.Addr][]serviceRow
	devices  map[sal.Addr]*deviceRow

	lastProfile ProfileID
}

// New constructs a Manager bound to loop and the adapter SAL for
// SetPowerMode requests.
func New(l *loop.Loop, s sal.AdapterSAL, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		log:      log.WithField("component", "powermanager"),
		loop:     l,
		sal:      s,
		services: make(map[sal.Addr][]serviceRow),
		devices:  make(map[sal.Addr]*deviceRow),
	}
}

// OnAclConnected registers a peer as ACL-connected in Active mode.
func (m *Manager) OnAclConnected(addr sal.Addr) {
	m.devices[addr] = &deviceRow{mode: sal.PowerMode{Active: true}}
}

// OnAclDisconnected drops the peer's device row and any pending timer.
func (m *Manager) OnAclDisconnected(addr sal.Addr) {
	m.cancelTimer(addr)
	delete(m.devices, addr)
	delete(m.services, addr)
}

// OnLinkModeChanged updates the cached mode; a remote-initiated return to
// Active triggers an immediate re-evaluation.
func (m *Manager) OnLinkModeChanged(addr sal.Addr, mode sal.PowerMode) {
	d, ok := m.devices[addr]
	if !ok {
		return
	}
	d.mode = mode
	m.cancelTimer(addr)
	if mode.Active {
		m.evaluate(addr, m.lastProfile, true)
	}
}

// Notify records a (profile, peer, state) transition and re-evaluates the
// peer's preferred mode.
func (m *Manager) Notify(profile ProfileID, addr sal.Addr, st ServiceState) {
	if _, ok := m.devices[addr]; !ok {
		return
	}
	rows := m.services[addr]
	found := false
	for i := range rows {
		if rows[i].profile == profile {
			rows[i].state = st
			found = true
			break
		}
	}
	if !found {
		rows = append(rows, serviceRow{profile: profile, state: st})
	}
	m.services[addr] = rows
	m.lastProfile = profile
	m.evaluate(addr, profile, false)
}

// evaluate walks every PmService row for addr, computes the winning
// (mode, timeout), and acts on it. immediate forces an Execute instead of
// a Restart (used when the link just returned to Active on its own).
func (m *Manager) evaluate(addr sal.Addr, tieBreakProfile ProfileID, immediate bool) {
	winner := modeNoAction
	var winTimeout uint16
	var allow uint8
	found := false

	for _, row := range m.services[addr] {
		spec, ok := profileSpec[row.profile]
		if !ok {
			continue
		}
		act := spec[row.state]
		if act.mode > winner || (act.mode == winner && row.profile == tieBreakProfile) {
			winner = act.mode
			winTimeout = act.timeoutMs
			allow = allowSniffMask
			found = true
		}
	}
	if !found || allow&allowSniffMask == 0 {
		return
	}

	if winner == modeActive {
		m.requestActive(addr)
		return
	}
	if immediate {
		m.requestSniff(addr, winner)
		return
	}
	if winTimeout == 0 {
		return
	}
	m.armTimer(addr, winner, time.Duration(winTimeout)*time.Millisecond)
}

func (m *Manager) armTimer(addr sal.Addr, mode preferMode, timeout time.Duration) {
	m.cancelTimer(addr)
	d, ok := m.devices[addr]
	if !ok {
		return
	}
	d.timerSet = true
	d.timer = m.loop.Timer(timeout, 0, func() {
		d.timerSet = false
		m.requestSniff(addr, mode)
	})
}

func (m *Manager) cancelTimer(addr sal.Addr) {
	d, ok := m.devices[addr]
	if !ok || !d.timerSet {
		return
	}
	m.loop.CancelTimer(d.timer)
	d.timerSet = false
}

func (m *Manager) requestActive(addr sal.Addr) {
	d, ok := m.devices[addr]
	if !ok || d.mode.Active {
		return
	}
	if code := m.sal.SetPowerMode(addr, sal.PowerMode{Active: true}); code != 0 {
		m.log.WithField("addr", addr).Warn("set_power_mode(Active) failed")
	}
}

func (m *Manager) requestSniff(addr sal.Addr, mode preferMode) {
	d, ok := m.devices[addr]
	if !ok {
		return
	}
	params := sniffTable[mode]
	if !d.mode.Active && d.interval <= params.Max && d.interval >= params.Min {
		return
	}
	pm := sal.PowerMode{Max: params.Max, Min: params.Min, Attempt: params.Attempt, Timeout: params.Timeout}
	if code := m.sal.SetPowerMode(addr, pm); code != 0 {
		m.log.WithField("addr", addr).Warn("set_power_mode(Sniff) failed")
	}
}
