package simscript

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/btframework/internal/status"
	"github.com/srg/btframework/sal"
	"github.com/srg/btframework/sal/mock"
)

func TestLoadString_SalOnReactsToDownwardCall(t *testing.T) {
	stk := mock.New()
	d := New(stk, nil)
	defer d.Close()

	require.NoError(t, d.LoadString(`
		sal.on("le_start_adv", function(adv_id)
			return "stack_err"
		end)
	`))

	code := stk.LEStartAdv(1, sal.AdvParams{}, nil, nil)
	assert.Equal(t, status.StackErr, code)
}

func TestLoadString_EmitEventReplaysUpwardThroughUpcalls(t *testing.T) {
	stk := mock.New()
	d := New(stk, nil)
	defer d.Close()

	var gotEnabled, gotLE bool
	stk.SetUpcalls(sal.Upcalls{
		AdapterOnStateChanged: func(enabled, isLE bool) { gotEnabled, gotLE = enabled, isLE },
	})

	require.NoError(t, d.LoadString(`
		sal.emit_event("adapter_state_changed", {enabled = true, is_le = true})
	`))

	assert.True(t, gotEnabled)
	assert.True(t, gotLE)
}

func TestSimAdvanceMs_MovesTheFakeClock(t *testing.T) {
	stk := mock.New()
	d := New(stk, nil)
	defer d.Close()

	before := d.Clock().Now()
	require.NoError(t, d.LoadString(`sim.advance_ms(2500)`))
	assert.Equal(t, 2500*1e6, float64(d.Clock().Now().Sub(before)))
}

func TestTrace_RecordsDownwardAndUpwardEventsInOrder(t *testing.T) {
	stk := mock.New()
	d := New(stk, nil)
	defer d.Close()

	require.NoError(t, d.LoadString(`
		sal.on("le_start_scan", function() end)
	`))
	stk.LEStartScan()
	d.LoadString(`sal.emit_event("le_stop_scan", {})`)

	trace := d.Trace()
	require.Len(t, trace, 2, "the hooked scan-start call is traced as down, then the emit_event as up")
	assert.Contains(t, trace[0], "down le_start_scan")
	assert.Contains(t, trace[1], "up le_stop_scan")
}

func TestTrace_OverwritesOldestOnceFull(t *testing.T) {
	stk := mock.New()
	d := New(stk, nil)
	defer d.Close()

	for i := 0; i < traceBufferSize+10; i++ {
		d.recordTrace("down", "le_start_scan")
	}

	trace := d.Trace()
	assert.LessOrEqual(t, len(trace), traceBufferSize, "the ring buffer caps the trace at its configured size")
}
