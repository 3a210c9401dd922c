// Package simscript is a Lua-scripted driver for sal/mock.Stack, letting a
// test or demo describe a controller's behavior as a script instead of a
// sequence of Go calls: sal.on(event, fn) registers a reaction to a
// downward SAL call, sal.emit_event(name, fields) replays an upward event
// through the same Emit* path a real controller's own goroutine would use,
// and sim.advance_ms(n) moves the scenario's fake clock. Grounded on the
// teacher's internal/lua engine (golua state lifecycle, registry-ref
// callback storage, PushGoFunction wrapping) condensed to the handful of
// globals this scenario DSL needs rather than the full BLE scripting API.
package simscript

import (
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/aarzilli/golua/lua"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"

	"github.com/srg/btframework/internal/clock"
	"github.com/srg/btframework/internal/status"
	"github.com/srg/btframework/internal/uuid"
	"github.com/srg/btframework/sal"
	"github.com/srg/btframework/sal/mock"
)

var codeByName = map[string]status.Code{
	"success":       status.Success,
	"fail":          status.Fail,
	"not_ready":     status.NotReady,
	"no_mem":        status.NoMem,
	"busy":          status.Busy,
	"not_supported": status.NotSupported,
	"parm_invalid":  status.ParmInvalid,
	"no_resources":  status.NoResources,
	"stack_err":     status.StackErr,
}

func parseCode(s string) status.Code {
	if c, ok := codeByName[strings.ToLower(s)]; ok {
		return c
	}
	return status.Success
}

func parseAddr(s string) sal.Addr {
	var a sal.Addr
	parts := strings.Split(s, ":")
	for i := 0; i < len(parts) && i < 6; i++ {
		var b int
		fmt.Sscanf(parts[i], "%x", &b)
		a[i] = byte(b)
	}
	return a
}

// traceBufferSize bounds the driver's event trace to the last N downward
// calls and upward emits, overwriting the oldest entry once full, so a
// long-running script can't leak memory into a debugging aid.
const traceBufferSize = 64

type traceEntry struct {
	dir  string // "down" (stack call the script intercepted) or "up" (sal.emit_event)
	name string
}

// Driver owns a Lua state wired to a mock.Stack: every downward call the
// stack receives is forwarded to the matching sal.on handler, and the
// handler drives events back up via sal.emit_event.
type Driver struct {
	log   *logrus.Entry
	state *lua.State
	stack *mock.Stack
	clk   *clock.Fake

	handlers map[string]int // event name -> LUA_REGISTRYINDEX ref
	trace    mpmc.RichOverlappedRingBuffer[traceEntry]
}

// New constructs a Driver over stack, installing hooks for every event
// this scenario DSL can observe (mock.Stack.Hooks' full set) and starting
// clk at the current wall time.
func New(stack *mock.Stack, log *logrus.Entry) *Driver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	d := &Driver{
		log:      log.WithField("component", "simscript"),
		state:    lua.NewState(),
		stack:    stack,
		clk:      clock.NewFake(time.Now()),
		handlers: make(map[string]int),
		trace:    mpmc.NewOverlappedRingBuffer[traceEntry](traceBufferSize),
	}
	d.state.OpenLibs()
	d.registerGlobals()
	d.installHooks()
	return d
}

// Trace drains and returns the most recent downward/upward events the
// driver has seen, oldest first. Meant for diagnosing a script that hangs
// or misbehaves: cmd/btfwsim's script runner dumps it on timeout.
func (d *Driver) Trace() []string {
	var out []string
	for !d.trace.IsEmpty() {
		e, err := d.trace.Dequeue()
		if err != nil {
			break
		}
		out = append(out, e.dir+" "+e.name)
	}
	return out
}

func (d *Driver) recordTrace(dir, name string) {
	if _, err := d.trace.EnqueueM(traceEntry{dir: dir, name: name}); err != nil {
		d.log.WithError(err).Warn("simscript: trace buffer enqueue failed")
	}
}

// Clock returns the scenario's fake clock, for components constructed
// with an explicit clock.Source so sim.advance_ms affects their view of
// time too.
func (d *Driver) Clock() *clock.Fake { return d.clk }

// Close releases the underlying Lua state.
func (d *Driver) Close() {
	for _, ref := range d.handlers {
		d.state.Unref(lua.LUA_REGISTRYINDEX, ref)
	}
	d.state.Close()
}

// LoadFile reads and executes path, registering every sal.on handler the
// script declares at top level.
func (d *Driver) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("simscript: read %s: %w", path, err)
	}
	return d.LoadString(string(data))
}

// LoadString executes script in the driver's Lua state.
func (d *Driver) LoadString(script string) error {
	if err := d.state.DoString(script); err != nil {
		return fmt.Errorf("simscript: %w", err)
	}
	return nil
}

func (d *Driver) registerGlobals() {
	L := d.state

	L.NewTable()
	d.pushFn(L, "on", func(L *lua.State) int {
		if !L.IsString(1) || !L.IsFunction(2) {
			L.RaiseError("sal.on(event, fn) expects a string and a function")
			return 0
		}
		event := strings.ToLower(L.ToString(1))
		L.PushValue(2)
		ref := L.Ref(lua.LUA_REGISTRYINDEX)
		if old, ok := d.handlers[event]; ok {
			L.Unref(lua.LUA_REGISTRYINDEX, old)
		}
		d.handlers[event] = ref
		return 0
	})
	L.SetField(-2, "on")

	d.pushFn(L, "emit_event", func(L *lua.State) int {
		if !L.IsString(1) {
			L.RaiseError("sal.emit_event(name, fields) expects a string name")
			return 0
		}
		name := strings.ToLower(L.ToString(1))
		fields := d.readFields(L, 2)
		d.dispatchEmit(name, fields)
		return 0
	})
	L.SetField(-2, "emit_event")
	L.SetGlobal("sal")

	L.NewTable()
	d.pushFn(L, "advance_ms", func(L *lua.State) int {
		ms := int64(0)
		if L.IsNumber(1) {
			ms = int64(L.ToNumber(1))
		}
		d.clk.Advance(time.Duration(ms) * time.Millisecond)
		return 0
	})
	L.SetField(-2, "advance_ms")
	L.SetGlobal("sim")
}

func (d *Driver) pushFn(L *lua.State, name string, fn func(*lua.State) int) {
	L.PushGoFunction(func(L *lua.State) (ret int) {
		defer func() {
			if r := recover(); r != nil {
				d.log.WithField("fn", name).WithField("panic", r).
					WithField("stack", string(debug.Stack())).Error("simscript: Go function panicked")
				ret = 0
			}
		}()
		return fn(L)
	})
}

// fieldTable is a loosely typed bag read off a Lua table argument; a
// missing key yields the zero value, matching this DSL's forgiving style.
type fieldTable map[string]any

func (d *Driver) readFields(L *lua.State, idx int) fieldTable {
	out := make(fieldTable)
	if !L.IsTable(idx) {
		return out
	}
	L.PushNil()
	for L.Next(idx) != 0 { // key at -2, value at -1
		key := L.ToString(-2)
		switch {
		case L.IsString(-1):
			out[key] = L.ToString(-1)
		case L.IsNumber(-1):
			out[key] = L.ToNumber(-1)
		case L.IsBoolean(-1):
			out[key] = L.ToBoolean(-1)
		}
		L.Pop(1)
	}
	return out
}

func (f fieldTable) str(key string) string {
	if v, ok := f[key].(string); ok {
		return v
	}
	return ""
}
func (f fieldTable) num(key string) int {
	if v, ok := f[key].(float64); ok {
		return int(v)
	}
	return 0
}
func (f fieldTable) boolean(key string) bool {
	v, _ := f[key].(bool)
	return v
}

func (d *Driver) dispatchEmit(name string, f fieldTable) {
	d.recordTrace("up", name)
	switch name {
	case "adapter_state_changed":
		d.stack.EmitAdapterStateChanged(f.boolean("enabled"), f.boolean("is_le"))
	case "acl_state":
		d.stack.EmitAclState(parseAddr(f.str("addr")), f.boolean("connected"), uint16(f.num("handle")))
	case "bond_state_change":
		d.stack.EmitBondStateChange(parseAddr(f.str("addr")), sal.Transport(f.num("transport")), f.num("state"))
	case "advertising_started":
		d.stack.EmitAdvertisingStarted(f.num("adv_id"), parseCode(f.str("code")))
	case "advertising_stopped":
		d.stack.EmitAdvertisingStopped(f.num("adv_id"))
	case "adv_report":
		d.stack.EmitAdvReport(parseAddr(f.str("addr")), sal.AddrType(f.num("addr_type")), int8(f.num("rssi")), []byte(f.str("payload")))
	case "gattc_connect":
		d.stack.EmitGattcConnect(f.num("conn_id"), f.boolean("connected"), parseCode(f.str("code")))
	case "gattc_discover":
		u, err := uuid.Parse(f.str("uuid"))
		if err != nil {
			d.log.WithError(err).Warn("simscript: bad uuid in gattc_discover event")
			return
		}
		d.stack.EmitGattcDiscover(f.num("conn_id"), [16]byte(u), uint16(f.num("start_handle")), uint16(f.num("end_handle")))
	case "gattc_discover_cmpl":
		d.stack.EmitGattcDiscoverCmpl(f.num("conn_id"), parseCode(f.str("code")))
	case "gattc_subscribe":
		d.stack.EmitGattcSubscribe(f.num("conn_id"), uint16(f.num("handle")), parseCode(f.str("code")), f.boolean("enable"))
	case "gattc_notify":
		d.stack.EmitGattcNotify(f.num("conn_id"), uint16(f.num("handle")), []byte(f.str("value")))
	case "gatts_read_request":
		d.stack.EmitGattsReadRequest(f.num("service_id"), parseAddr(f.str("addr")), uint16(f.num("handle")), uint16(f.num("req_handle")))
	case "gatts_write_request":
		d.stack.EmitGattsWriteRequest(f.num("service_id"), parseAddr(f.str("addr")), uint16(f.num("handle")), uint16(f.num("req_handle")), []byte(f.str("value")))
	case "spp_connection_state_change":
		d.stack.EmitSppConnectionStateChange(parseAddr(f.str("addr")), f.num("scn"), f.num("port"), f.boolean("connected"))
	case "spp_pty_open":
		d.stack.EmitSppPtyOpen(parseAddr(f.str("addr")), f.num("scn"), f.num("port"), f.str("tty_name"))
	case "spp_data_received":
		d.stack.EmitSppDataReceived(parseAddr(f.str("addr")), f.num("scn"), f.num("port"), []byte(f.str("data")))
	default:
		d.log.WithField("event", name).Warn("simscript: emit_event for unknown event name, ignored")
	}
}

// installHooks wires every downward call a scenario script can observe to
// its sal.on handler, falling back to the mock's default Success when no
// handler is registered for that event.
func (d *Driver) installHooks() {
	d.stack.Hooks.Enable = func() status.Code { return d.fireDownward("enable") }
	d.stack.Hooks.Disable = func() status.Code { return d.fireDownward("disable") }

	d.stack.Hooks.LEStartAdv = func(advID int, params sal.AdvParams, advData, scanRsp []byte) status.Code {
		return d.fireDownward("le_start_adv", float64(advID))
	}
	d.stack.Hooks.LEStopAdv = func(advID int) status.Code {
		return d.fireDownward("le_stop_adv", float64(advID))
	}
	d.stack.Hooks.LEStartScan = func() status.Code { return d.fireDownward("le_start_scan") }
	d.stack.Hooks.LEStopScan = func() status.Code { return d.fireDownward("le_stop_scan") }

	d.stack.Hooks.GattClientDiscoverAllServices = func(connID int) status.Code {
		return d.fireDownward("gattc_discover_all_services", float64(connID))
	}
	d.stack.Hooks.GattClientWriteElement = func(connID int, handle uint16, v []byte, withResponse bool) status.Code {
		return d.fireDownward("gattc_write_element", float64(connID), float64(handle))
	}

	d.stack.Hooks.GattServerAddElements = func(serviceID int, elements []sal.GattElementDesc) status.Code {
		return d.fireDownward("gatts_add_elements", float64(serviceID))
	}
	d.stack.Hooks.GattServerSendResponse = func(addr sal.Addr, reqHandle uint16, v []byte) status.Code {
		return d.fireDownward("gatts_send_response", float64(reqHandle))
	}

	d.stack.Hooks.SppServerStart = func(scn int, uid [16]byte) status.Code {
		return d.fireDownward("spp_server_start", float64(scn))
	}
	d.stack.Hooks.SppConnect = func(addr sal.Addr, scn int, uid [16]byte) status.Code {
		return d.fireDownward("spp_connect", float64(scn))
	}
}

// fireDownward invokes the registered handler for event, if any, passing
// args through as Lua values; the handler's single return value (a status
// name string, or nothing) becomes the downward call's result.
func (d *Driver) fireDownward(event string, args ...float64) status.Code {
	d.recordTrace("down", event)
	ref, ok := d.handlers[event]
	if !ok {
		return status.Success
	}
	L := d.state

	defer func() {
		if r := recover(); r != nil {
			d.log.WithField("event", event).WithField("panic", r).Error("simscript: handler panicked")
		}
	}()

	L.RawGeti(lua.LUA_REGISTRYINDEX, ref)
	for _, a := range args {
		L.PushNumber(a)
	}
	if err := L.Call(len(args), 1); err != nil {
		d.log.WithError(err).WithField("event", event).Error("simscript: handler call failed")
		L.Pop(1)
		return status.Fail
	}
	code := status.Success
	if L.IsString(-1) {
		code = parseCode(L.ToString(-1))
	}
	L.Pop(1)
	return code
}
