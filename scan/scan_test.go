package scan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/btframework/internal/clock"
	"github.com/srg/btframework/internal/loop"
	"github.com/srg/btframework/internal/status"
	"github.com/srg/btframework/sal"
	"github.com/srg/btframework/sal/mock"
)

func newTestManager(t *testing.T, leEnabled bool) (*Manager, *mock.Stack, *loop.Loop) {
	t.Helper()
	l := loop.New()
	require.NoError(t, l.Run(true, "scan-test"))
	t.Cleanup(l.Exit)

	stk := mock.New()
	m := New(l, stk, func() bool { return leEnabled }, nil)
	return m, stk, l
}

func TestStart_RejectsWhenLEDisabled(t *testing.T) {
	m, _, _ := newTestManager(t, false)
	_, ok := m.Start(Callbacks{})
	assert.False(t, ok)
}

func TestStart_FirstClientArmsTheSALScan(t *testing.T) {
	m, stk, _ := newTestManager(t, true)

	startStatus := make(chan status.Code, 1)
	_, ok := m.Start(Callbacks{OnScanStartStatus: func(c status.Code) { startStatus <- c }})
	require.True(t, ok)

	select {
	case c := <-startStatus:
		assert.Equal(t, status.Success, c)
	case <-time.After(time.Second):
		t.Fatal("OnScanStartStatus never fired")
	}

	var sawParams, sawStart bool
	for _, c := range stk.Calls() {
		switch c.Method {
		case "LESetScanParameters":
			sawParams = true
		case "LEStartScan":
			sawStart = true
		}
	}
	assert.True(t, sawParams)
	assert.True(t, sawStart)
}

func TestStart_SecondClientSharesTheExistingSALScan(t *testing.T) {
	m, stk, _ := newTestManager(t, true)

	s1 := make(chan status.Code, 1)
	s2 := make(chan status.Code, 1)
	_, ok := m.Start(Callbacks{OnScanStartStatus: func(c status.Code) { s1 <- c }})
	require.True(t, ok)
	<-s1

	_, ok = m.Start(Callbacks{OnScanStartStatus: func(c status.Code) { s2 <- c }})
	require.True(t, ok)

	select {
	case c := <-s2:
		assert.Equal(t, status.Success, c)
	case <-time.After(time.Second):
		t.Fatal("second client's OnScanStartStatus never fired")
	}

	count := 0
	for _, c := range stk.Calls() {
		if c.Method == "LEStartScan" {
			count++
		}
	}
	assert.Equal(t, 1, count, "only the first client should arm the underlying SAL scan")
}

func TestStop_LastClientLeavingStopsTheSALScan(t *testing.T) {
	m, stk, _ := newTestManager(t, true)

	started := make(chan status.Code, 1)
	h, ok := m.Start(Callbacks{OnScanStartStatus: func(c status.Code) { started <- c }})
	require.True(t, ok)
	<-started

	m.Stop(h)

	require.Eventually(t, func() bool {
		for _, c := range stk.Calls() {
			if c.Method == "LEStopScan" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestStart_AllocatorExhaustionReportsNoMem(t *testing.T) {
	m, _, _ := newTestManager(t, true)

	results := make(chan status.Code, 3)
	for i := 0; i < 3; i++ {
		_, ok := m.Start(Callbacks{OnScanStartStatus: func(c status.Code) { results <- c }})
		require.True(t, ok, "StartWithFilter itself only fails when LE is disabled")
	}

	codes := []status.Code{<-results, <-results, <-results}
	var noMemCount, successCount int
	for _, c := range codes {
		switch c {
		case status.NoMem:
			noMemCount++
		case status.Success:
			successCount++
		}
	}
	assert.Equal(t, 2, successCount, "DefaultMaxScanners is 2")
	assert.Equal(t, 1, noMemCount)
}

func TestOnAdvReport_UnfilteredClientSeesEveryReport(t *testing.T) {
	m, _, _ := newTestManager(t, true)

	results := make(chan []byte, 4)
	started := make(chan status.Code, 1)
	_, ok := m.Start(Callbacks{
		OnScanStartStatus: func(c status.Code) { started <- c },
		OnScanResult: func(addr sal.Addr, addrType sal.AddrType, rssi int8, payload []byte) {
			results <- payload
		},
	})
	require.True(t, ok)
	<-started

	m.loop.PostSync(func() {
		m.OnAdvReport(sal.Addr{1}, sal.AddrPublic, -40, []byte{0xAA})
		m.OnAdvReport(sal.Addr{1}, sal.AddrPublic, -41, []byte{0xBB})
	})

	assert.Equal(t, []byte{0xAA}, <-results)
	assert.Equal(t, []byte{0xBB}, <-results)
}

func TestOnAdvReport_DuplicateFilterSuppressesRepeatedFingerprint(t *testing.T) {
	m, _, _ := newTestManager(t, true)
	fake := clock.NewFake(time.Unix(0, 0))
	m.loop.PostSync(func() { m.clock = fake })

	results := make(chan []byte, 4)
	started := make(chan status.Code, 1)
	_, ok := m.StartWithFilter(Params{IntervalMs: 100, WindowMs: 100},
		Filter{Active: true, Duplicated: true},
		Callbacks{
			OnScanStartStatus: func(c status.Code) { started <- c },
			OnScanResult: func(addr sal.Addr, addrType sal.AddrType, rssi int8, payload []byte) {
				results <- payload
			},
		})
	require.True(t, ok)
	<-started

	payload := []byte{0x02, 0x01, 0x06}
	m.loop.PostSync(func() {
		// first sighting of this device establishes the window at t=0, and
		// matchDuration's t1<=ts<t2 branch reports it once immediately.
		m.OnAdvReport(sal.Addr{9}, sal.AddrPublic, -50, payload)
	})
	assert.Equal(t, payload, <-results)

	m.loop.PostSync(func() {
		// still inside [t1, t1+duration): same fingerprint is suppressed by
		// the fingerprint table even though matchDuration would allow it.
		m.OnAdvReport(sal.Addr{9}, sal.AddrPublic, -50, payload)
	})

	select {
	case p := <-results:
		t.Fatalf("expected the duplicate to be suppressed, got %v", p)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestOnAdvReport_UUIDFilterRejectsNonMatchingNewDevice(t *testing.T) {
	m, _, _ := newTestManager(t, true)

	results := make(chan []byte, 1)
	started := make(chan status.Code, 1)
	_, ok := m.StartWithFilter(Params{IntervalMs: 100, WindowMs: 100},
		Filter{Active: true, MatchUUID: true, UUID16: 0x1234},
		Callbacks{
			OnScanStartStatus: func(c status.Code) { started <- c },
			OnScanResult: func(addr sal.Addr, addrType sal.AddrType, rssi int8, payload []byte) {
				results <- payload
			},
		})
	require.True(t, ok)
	<-started

	nonMatching := []byte{3, eirSvcData16, 0x00, 0x00}
	m.loop.PostSync(func() {
		m.OnAdvReport(sal.Addr{2}, sal.AddrPublic, -60, nonMatching)
	})

	select {
	case <-results:
		t.Fatal("a new device not matching UUID16 should be dropped, not reported")
	case <-time.After(30 * time.Millisecond):
	}

	matching := []byte{3, eirSvcData16, 0x34, 0x12}
	m.loop.PostSync(func() {
		m.OnAdvReport(sal.Addr{3}, sal.AddrPublic, -60, matching)
	})

	select {
	case p := <-results:
		assert.Equal(t, matching, p)
	case <-time.After(time.Second):
		t.Fatal("a matching UUID16 report should be delivered")
	}
}

func TestCleanup_StopsEveryClient(t *testing.T) {
	m, stk, _ := newTestManager(t, true)

	started := make(chan status.Code, 1)
	_, ok := m.Start(Callbacks{OnScanStartStatus: func(c status.Code) { started <- c }})
	require.True(t, ok)
	<-started

	m.Cleanup()

	require.Eventually(t, func() bool {
		for _, c := range stk.Calls() {
			if c.Method == "LEStopScan" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}
