// Package state implements the adapter's hierarchical on/off state machine,
// a direct port of the C framework's adapter_state.c hsm
// (off/ble-turning-on/ble-on/turning-on/on/turning-off/ble-turning-off).
// Side effects the original performed inline in enter/exit handlers (SAL
// calls, profile-service startup, offloading property reads) are
// delegated to a Delegate implemented by the owning adapter service,
// keeping this package free of SAL and storage imports.
package state

import "github.com/srg/btframework/internal/status"

// State is one of the seven externally observable adapter states.
type State int

const (
	Off State = iota
	BleTurningOn
	BleOn
	TurningOn
	On
	TurningOff
	BleTurningOff
)

func (s State) String() string {
	switch s {
	case Off:
		return "Off"
	case BleTurningOn:
		return "BleTurningOn"
	case BleOn:
		return "BleOn"
	case TurningOn:
		return "TurningOn"
	case On:
		return "On"
	case TurningOff:
		return "TurningOff"
	case BleTurningOff:
		return "BleTurningOff"
	default:
		return "Unknown"
	}
}

// Event is one input to the state machine, from either the app (SYS_*,
// TURN_*_BLE) or the stack (*_ENABLED/_DISABLED and their timeouts).
type Event int

const (
	SysTurnOn Event = iota
	SysTurnOff
	TurnOnBle
	TurnOffBle
	BredrEnabled
	BredrDisabled
	BredrProfileEnabled
	BredrProfileDisabled
	BredrEnableTimeout
	BredrDisableTimeout
	BredrEnableProfileTimeout
	BredrDisableProfileTimeout
	BleEnabled
	BleDisabled
	BleProfileEnabled
	BleProfileDisabled
	BleEnableTimeout
	BleDisableTimeout
	BleEnableProfileTimeout
	BleDisableProfileTimeout
)

// Transport names the profile-service group started/stopped on BR/EDR and
// LE state-group boundaries.
type Transport int

const (
	TransportBREDR Transport = iota
	TransportBLE
)

// Delegate performs every side effect the hsm's enter/exit handlers used to
// perform directly. All methods are called on the service-loop thread.
type Delegate interface {
	SupportsLE() bool
	SupportsBREDR() bool

	// OnStateChanged fires on every entry that changes the externally
	// observable state.
	OnStateChanged(prev, next State)

	SALEnable() status.Code
	SALDisable() status.Code
	SALLEEnable() status.Code
	SALLEDisable() status.Code

	StartProfileServices(t Transport)
	ShutdownProfileServices(t Transport)

	// OnLEEnabled fires on entering BleOn; pendingTurnOn indicates the
	// machine is about to chain into TurningOn (BR/EDR is supported and
	// the original request was a full SYS_TURN_ON).
	OnLEEnabled(pendingTurnOn bool)
	OnLEDisabled()
	OnBREnabled()
	OnBRDisabled()
}

// Machine is the adapter on/off hsm. The zero value is not usable; build
// with New.
type Machine struct {
	delegate      Delegate
	current       State
	pendingTurnOn bool
}

// New constructs a Machine in the Off state. No OnStateChanged callback
// fires for this initial placement (mirrors off_enter's "no previous
// state" branch, which only seeds the offloading snapshot).
func New(d Delegate) *Machine {
	return &Machine{delegate: d, current: Off}
}

// Current reports the machine's current state.
func (m *Machine) Current() State { return m.current }

// Dispatch processes one event against the current state, returning
// whether the event was recognized. An unrecognized event is a no-op: no
// exception ever escapes the dispatcher.
func (m *Machine) Dispatch(event Event) bool {
	switch m.current {
	case Off:
		return m.dispatchOff(event)
	case BleTurningOn:
		return m.dispatchBleTurningOn(event)
	case BleOn:
		return m.dispatchBleOn(event)
	case TurningOn:
		return m.dispatchTurningOn(event)
	case On:
		return m.dispatchOn(event)
	case TurningOff:
		return m.dispatchTurningOff(event)
	case BleTurningOff:
		return m.dispatchBleTurningOff(event)
	default:
		return false
	}
}

func (m *Machine) transition(next State) {
	prev := m.current
	m.current = next
	m.enter(next, prev)
}

// enter runs the side effects for entering `next` coming from `prev`,
// mirroring each *_enter function in adapter_state.c in sequence.
func (m *Machine) enter(next, prev State) {
	switch next {
	case BleTurningOn:
		if m.delegate.SALLEEnable() == status.Success {
			m.delegate.OnStateChanged(prev, BleTurningOn)
		}
	case BleOn:
		m.delegate.OnStateChanged(prev, BleOn)
		pending := m.pendingTurnOn
		m.pendingTurnOn = false
		m.delegate.OnLEEnabled(pending)
		if pending && m.current == BleOn {
			m.Dispatch(SysTurnOn)
		}
	case TurningOn:
		if m.delegate.SALEnable() == status.Success {
			m.delegate.OnStateChanged(prev, TurningOn)
		}
	case On:
		m.delegate.OnBREnabled()
		m.delegate.OnStateChanged(prev, On)
	case TurningOff:
		m.delegate.ShutdownProfileServices(TransportBREDR)
		m.delegate.OnStateChanged(On, TurningOff)
	case BleTurningOff:
		m.delegate.ShutdownProfileServices(TransportBLE)
		m.delegate.OnStateChanged(prev, BleTurningOff)
	case Off:
		m.pendingTurnOn = false
		if prev != Off {
			m.delegate.OnStateChanged(prev, Off)
		}
	}
}

func (m *Machine) dispatchOff(event Event) bool {
	switch event {
	case SysTurnOn:
		if !m.delegate.SupportsLE() {
			m.transition(TurningOn)
			return true
		}
		if m.delegate.SupportsBREDR() {
			m.pendingTurnOn = true
		}
		m.transition(BleTurningOn)
		return true
	case TurnOnBle:
		m.transition(BleTurningOn)
		return true
	default:
		return false
	}
}

func (m *Machine) dispatchBleTurningOn(event Event) bool {
	switch event {
	case BleEnabled:
		m.delegate.StartProfileServices(TransportBLE)
		return true
	case BleProfileEnabled:
		m.transition(BleOn)
		return true
	case BleEnableTimeout, BleEnableProfileTimeout:
		return true
	default:
		return false
	}
}

func (m *Machine) dispatchBleOn(event Event) bool {
	switch event {
	case SysTurnOn:
		m.transition(TurningOn)
		return true
	case SysTurnOff, TurnOffBle:
		m.transition(BleTurningOff)
		return true
	default:
		return false
	}
}

func (m *Machine) dispatchTurningOn(event Event) bool {
	switch event {
	case BredrEnabled:
		m.delegate.StartProfileServices(TransportBREDR)
		return true
	case BredrProfileEnabled:
		m.transition(On)
		return true
	case BredrEnableTimeout, BredrEnableProfileTimeout:
		return true
	default:
		return false
	}
}

func (m *Machine) dispatchOn(event Event) bool {
	switch event {
	case SysTurnOff:
		m.transition(TurningOff)
		return true
	default:
		return false
	}
}

func (m *Machine) dispatchTurningOff(event Event) bool {
	switch event {
	case BredrProfileDisabled:
		m.delegate.SALDisable()
		return true
	case BredrDisabled:
		m.delegate.OnBRDisabled()
		if m.delegate.SupportsLE() {
			m.transition(BleTurningOff)
			return true
		}
		m.transition(Off)
		return true
	case BredrDisableTimeout, BredrDisableProfileTimeout:
		return true
	default:
		return false
	}
}

func (m *Machine) dispatchBleTurningOff(event Event) bool {
	switch event {
	case BleProfileDisabled:
		m.delegate.SALLEDisable()
		return true
	case BleDisabled:
		m.delegate.OnLEDisabled()
		m.transition(Off)
		return true
	case BleDisableTimeout, BleDisableProfileTimeout:
		return true
	default:
		return false
	}
}
