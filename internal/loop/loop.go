// Package loop implements the single-threaded service loop: every
// framework component executes exclusively on one goroutine, reached
// only through Post, PostSync, timers and poll registrations. It is
// grounded on the C framework's uv_thread_loop.c, replacing libuv's
// event loop with a Go channel-driven dispatcher and time.AfterFunc-backed
// timers, and on the Go CLI tooling's internal/groutine for named-goroutine
// bookkeeping (pprof labels show up as "btloop-<name>" in profiles).
package loop

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/btframework/internal/groutine"
)

// Handle identifies a registered timer or poll-fd so it can later be
// cancelled or removed.
type Handle uint64

type task struct {
	fn   func()
	done chan struct{} // non-nil for PostSync
}

type timerEntry struct {
	t      *time.Timer
	cancel atomic.Bool
}

type pollEntry struct {
	fd     int
	events int
	cb     func(fd int, events int)
}

// Loop is the single synchronization point for one framework instance.
// The zero value is not usable; construct with New.
type Loop struct {
	name string

	taskCh chan task
	quit   chan struct{}
	wg     sync.WaitGroup

	runningGID atomic.Uint64 // goroutine id executing the loop, 0 before Run

	mu      sync.Mutex
	nextH   uint64
	timers  map[Handle]*timerEntry
	polls   map[Handle]*pollEntry
	started bool
	exited  bool
}

// New allocates a Loop. Init in the reference API corresponds to
// constructing the Loop; there is no separate init step in Go.
func New() *Loop {
	return &Loop{
		taskCh: make(chan task, 256),
		quit:   make(chan struct{}),
		timers: make(map[Handle]*timerEntry),
		polls:  make(map[Handle]*pollEntry),
	}
}

// Run starts the loop. If startThread is true a new goroutine is spawned
// (named via internal/groutine, visible in pprof as "btloop-"+name) and Run
// returns immediately; otherwise Run blocks, executing the dispatch loop on
// the calling goroutine until Exit is called.
func (l *Loop) Run(startThread bool, name string) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return fmt.Errorf("loop: already running")
	}
	l.started = true
	l.name = name
	l.mu.Unlock()

	if startThread {
		l.wg.Add(1)
		groutine.Go(context.Background(), "btloop-"+name, func(context.Context) {
			defer l.wg.Done()
			l.dispatch()
		})
		return nil
	}

	l.dispatch()
	return nil
}

func (l *Loop) dispatch() {
	l.runningGID.Store(groutine.GetGID())
	defer l.runningGID.Store(0)

	for {
		select {
		case t := <-l.taskCh:
			l.runTask(t)
		case <-l.quit:
			l.drain()
			return
		}
	}
}

func (l *Loop) runTask(t task) {
	t.fn()
	if t.done != nil {
		close(t.done)
	}
}

// drain runs every task already queued at the moment Exit fired, matching
// uv_run's UV_RUN_NOWAIT drain semantics, then returns without accepting
// further work.
func (l *Loop) drain() {
	for {
		select {
		case t := <-l.taskCh:
			l.runTask(t)
		default:
			return
		}
	}
}

// Exit stops the loop after draining any already-queued work. Safe to call
// from any goroutine, including from within the loop itself.
func (l *Loop) Exit() {
	l.mu.Lock()
	if l.exited {
		l.mu.Unlock()
		return
	}
	l.exited = true
	l.mu.Unlock()

	close(l.quit)
	if !l.onLoopThread() {
		l.wg.Wait()
	}
}

// onLoopThread reports whether the calling goroutine is the one running
// dispatch. Best-effort: Go has no true thread affinity, so this uses the
// goroutine id captured at Run time, exactly as the reference code's
// thread-id assert does for its single event-loop thread.
func (l *Loop) onLoopThread() bool {
	gid := l.runningGID.Load()
	return gid != 0 && gid == groutine.GetGID()
}

// Post schedules fn to run on the loop thread and returns immediately. Posts
// preserve FIFO order.
func (l *Loop) Post(fn func()) {
	l.taskCh <- task{fn: fn}
}

// PostSync schedules fn on the loop thread and blocks until it completes.
// Calling PostSync from the loop thread itself deadlocks the loop (the
// C framework asserts this is a programming error); this
// implementation panics instead so the bug surfaces immediately.
func (l *Loop) PostSync(fn func()) {
	if l.onLoopThread() {
		panic("loop: PostSync called from the loop thread")
	}
	done := make(chan struct{})
	l.taskCh <- task{fn: fn, done: done}
	<-done
}

func (l *Loop) allocHandle() Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextH++
	return Handle(l.nextH)
}

// Timer arms a one-shot or repeating timer. initial is the delay to the
// first firing; repeat, if non-zero, re-arms the timer after each firing.
// The callback runs on the loop thread via Post, never directly on the
// timer's own goroutine, preserving the single-writer invariant.
func (l *Loop) Timer(initial, repeat time.Duration, cb func()) Handle {
	h := l.allocHandle()
	entry := &timerEntry{}

	var arm func(d time.Duration)
	arm = func(d time.Duration) {
		entry.t = time.AfterFunc(d, func() {
			if entry.cancel.Load() {
				return
			}
			l.Post(cb)
			if repeat > 0 && !entry.cancel.Load() {
				arm(repeat)
			}
		})
	}
	arm(initial)

	l.mu.Lock()
	l.timers[h] = entry
	l.mu.Unlock()
	return h
}

// CancelTimer stops a timer previously returned by Timer. Safe to call more
// than once.
func (l *Loop) CancelTimer(h Handle) {
	l.mu.Lock()
	entry, ok := l.timers[h]
	delete(l.timers, h)
	l.mu.Unlock()

	if !ok {
		return
	}
	entry.cancel.Store(true)
	entry.t.Stop()
}

// PollFD registers cb to be invoked on the loop thread whenever Notify is
// called for fd with the observed events. There is no real epoll/kqueue
// binding here: the C framework's poll-fd abstraction exists to
// let the SAL push HCI-transport readability into the loop, and the mock
// SAL (and any real transport adapter) drives it through Notify instead of
// the kernel.
func (l *Loop) PollFD(fd int, events int, cb func(fd int, events int)) Handle {
	h := l.allocHandle()
	l.mu.Lock()
	l.polls[h] = &pollEntry{fd: fd, events: events, cb: cb}
	l.mu.Unlock()
	return h
}

// RemovePoll unregisters a poll-fd handle.
func (l *Loop) RemovePoll(h Handle) {
	l.mu.Lock()
	delete(l.polls, h)
	l.mu.Unlock()
}

// Notify simulates an I/O readiness event for a registered poll-fd handle,
// invoking its callback on the loop thread. Intended for use by SAL
// implementations that multiplex their own I/O and need to hand control
// back to the framework loop.
func (l *Loop) Notify(h Handle, events int) {
	l.mu.Lock()
	entry, ok := l.polls[h]
	l.mu.Unlock()
	if !ok {
		return
	}
	l.Post(func() { entry.cb(entry.fd, events) })
}
