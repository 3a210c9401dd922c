// Package ptyio is a non-blocking pseudo-terminal wrapper built on ring
// buffers, adapted from the reference tooling's synchronous PTY bridge
// (tools/spp.c's pty_open_callback/pty_read_cb demo loop) into an
// always-available async primitive the spp package drives from arbitrary
// goroutines without ever blocking the service loop.
//
// Reads and writes are non-blocking: Write enqueues into a ring buffer
// drained by a background goroutine, Read drains a ring buffer filled by
// another. Both loops poll the master fd with golang.org/x/sys/unix
// rather than blocking in read(2)/write(2), so Close can always make
// forward progress.
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/srg/btframework/internal/groutine"
)

// ErrorCallback reports a fatal read- or write-loop error. Called from a
// background goroutine; the PTY should be closed afterward.
type ErrorCallback func(err error)

// ReadCallback receives bytes that arrived from the slave side. Called
// from a background goroutine and must not retain the slice.
type ReadCallback func(data []byte)

// DefaultPollTimeoutMs bounds how long the read/write loops block in
// unix.Poll before re-checking for shutdown.
const DefaultPollTimeoutMs = 50

const readWriteChunk = 4096

// Options configures a PTY pair. Zero values fall back to sane defaults.
type Options struct {
	ReadCap       int
	WriteCap      int
	Logger        *logrus.Logger
	OnError       ErrorCallback
	PollTimeoutMs int
}

// PTY is a non-blocking master-side handle onto a pty pair.
type PTY interface {
	io.ReadWriteCloser
	Stats() Stats
	TTYName() string
	SetReadCallback(cb ReadCallback)
}

// Stats are instantaneous ring-buffer and throughput counters.
type Stats struct {
	WriteQueueLen int32
	WriteQueueCap int32
	ReadQueueLen  int32
	ReadQueueCap  int32

	DroppedWriteCount uint64
	DroppedReadCount  uint64
	ReadBytesTotal    uint64
	WriteBytesTotal   uint64
}

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

type ringPTY struct {
	logger         *logrus.Logger
	master         *os.File
	slave          *os.File
	onError        ErrorCallback
	writeErrOnce   sync.Once
	readErrOnce    sync.Once
	pollTimeoutMs  int

	writeBuf *ringbuffer.RingBuffer
	readBuf  *ringbuffer.RingBuffer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	readCb     atomic.Value // ReadCallback
	readNotify chan struct{}

	closed uint32

	droppedWrite uint64
	droppedRead  uint64
	readBytes    uint64
	writeBytes   uint64

	ttyName string

	chunkPool sync.Pool
}

// New opens a pty pair and starts its read/write/dispatch loops.
func New(opts Options) (PTY, error) {
	master, slave, err := openRaw()
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger
	}
	pollTimeout := opts.PollTimeoutMs
	if pollTimeout == 0 {
		pollTimeout = DefaultPollTimeoutMs
	}
	readCap, writeCap := opts.ReadCap, opts.WriteCap
	if readCap == 0 {
		readCap = 8192
	}
	if writeCap == 0 {
		writeCap = 8192
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &ringPTY{
		logger:        logger,
		master:        master,
		slave:         slave,
		ttyName:       slave.Name(),
		writeBuf:      ringbuffer.New(writeCap),
		readBuf:       ringbuffer.New(readCap),
		ctx:           ctx,
		cancel:        cancel,
		onError:       opts.OnError,
		pollTimeoutMs: pollTimeout,
		readNotify:    make(chan struct{}, 1),
	}

	p.wg.Add(3)
	groutine.Go(ctx, "ptyio-read", func(context.Context) { p.readLoop() })
	groutine.Go(ctx, "ptyio-write", func(context.Context) { p.writeLoop() })
	groutine.Go(ctx, "ptyio-dispatch", func(context.Context) { p.dispatchLoop() })

	return p, nil
}

func openRaw() (master, slave *os.File, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("ptyio: open: %w", err)
	}
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		master.Close()
		slave.Close()
		return nil, nil, fmt.Errorf("ptyio: raw mode on %s: %w", slave.Name(), err)
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		master.Close()
		slave.Close()
		return nil, nil, fmt.Errorf("ptyio: nonblock on master: %w", err)
	}
	return master, slave, nil
}

func (p *ringPTY) writeLoop() {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("ptyio: write loop panic: %v", r)
		}
		p.wg.Done()
	}()

	master := p.master
	fd := []unix.PollFd{{Fd: int32(master.Fd()), Events: unix.POLLOUT}}
	buf := make([]byte, readWriteChunk)

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		if p.writeBuf.IsEmpty() {
			if n, err := unix.Poll(fd, p.pollTimeoutMs); err != nil && !errors.Is(err, syscall.EINTR) {
				p.logger.Warnf("ptyio: write poll: %v", err)
			} else if n == 0 {
				continue
			}
		}

		n, err := p.writeBuf.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			continue
		}
		if n == 0 {
			continue
		}

		off := 0
		for off < n {
			wn, werr := master.Write(buf[off:n])
			if wn > 0 {
				off += wn
				atomic.AddUint64(&p.writeBytes, uint64(wn))
			}
			if werr == nil {
				continue
			}
			switch {
			case errors.Is(werr, syscall.EINTR):
			case errors.Is(werr, syscall.EAGAIN), errors.Is(werr, syscall.EWOULDBLOCK):
				unix.Poll(fd, p.pollTimeoutMs)
			case errors.Is(werr, syscall.EBADF):
				return
			default:
				if p.onError != nil {
					p.writeErrOnce.Do(func() { p.onError(fmt.Errorf("ptyio write: %w", werr)) })
				}
				return
			}
		}
	}
}

func (p *ringPTY) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("ptyio: read loop panic: %v", r)
		}
		p.wg.Done()
	}()

	master := p.master
	fd := []unix.PollFd{{Fd: int32(master.Fd()), Events: unix.POLLIN}}
	buf := make([]byte, readWriteChunk)

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		n, err := unix.Poll(fd, p.pollTimeoutMs)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			continue
		}
		if n == 0 {
			continue
		}

		rn, rerr := master.Read(buf)
		if rn > 0 {
			wn, werr := p.readBuf.Write(buf[:rn])
			if wn < rn && (werr == nil || errors.Is(werr, ringbuffer.ErrIsFull)) {
				atomic.AddUint64(&p.droppedRead, uint64(rn-wn))
			}
			atomic.AddUint64(&p.readBytes, uint64(wn))
			if wn > 0 && p.readCb.Load() != nil {
				select {
				case p.readNotify <- struct{}{}:
				default:
				}
			}
		}
		if rerr == nil {
			continue
		}
		switch {
		case errors.Is(rerr, syscall.EAGAIN), errors.Is(rerr, syscall.EWOULDBLOCK), errors.Is(rerr, syscall.EINTR):
		case errors.Is(rerr, syscall.EBADF), errors.Is(rerr, io.EOF):
			return
		default:
			if p.onError != nil {
				p.readErrOnce.Do(func() { p.onError(fmt.Errorf("ptyio read: %w", rerr)) })
			}
			return
		}
	}
}

func (p *ringPTY) dispatchLoop() {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("ptyio: dispatch loop panic: %v", r)
		}
		p.wg.Done()
	}()

	tmp := make([]byte, readWriteChunk)
	const maxChunksPerWake = 16

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.readNotify:
			for {
				select {
				case <-p.ctx.Done():
					return
				default:
				}

				cbv := p.readCb.Load()
				if cbv == nil {
					break
				}
				cb, ok := cbv.(ReadCallback)
				if !ok {
					p.readCb.Store(nil)
					break
				}

				processed := 0
				for processed < maxChunksPerWake {
					n, err := p.readBuf.TryRead(tmp)
					if n == 0 || errors.Is(err, ringbuffer.ErrIsEmpty) {
						break
					}

					var chunk []byte
					if pooled := p.chunkPool.Get(); pooled != nil {
						chunk = pooled.([]byte)
					}
					if cap(chunk) < n {
						chunk = make([]byte, n)
					} else {
						chunk = chunk[:n]
					}
					copy(chunk, tmp[:n])

					panicked := false
					func() {
						defer func() {
							if r := recover(); r != nil {
								panicked = true
								p.readCb.Store(nil)
								if p.onError != nil {
									p.readErrOnce.Do(func() { p.onError(fmt.Errorf("ptyio read callback panic: %v", r)) })
								}
							}
							p.chunkPool.Put(chunk)
						}()
						cb(chunk)
					}()
					if panicked {
						break
					}
					processed++
				}

				if p.readBuf.Length() == 0 || processed == 0 {
					break
				}
				runtime.Gosched()
			}
		}
	}
}

// Write enqueues data for the background write loop. Non-blocking; if
// the ring buffer cannot hold all of data, the trailing bytes that do not
// fit are dropped (already-queued bytes are kept) and n < len(data).
func (p *ringPTY) Write(data []byte) (int, error) {
	if atomic.LoadUint32(&p.closed) == 1 {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}
	n, err := p.writeBuf.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		return 0, err
	}
	if n < len(data) {
		atomic.AddUint64(&p.droppedWrite, uint64(len(data)-n))
	}
	return n, nil
}

// Read drains bytes the background read loop buffered from the slave.
// Non-blocking: returns (0, syscall.EAGAIN) when nothing is queued.
func (p *ringPTY) Read(b []byte) (int, error) {
	if atomic.LoadUint32(&p.closed) == 1 {
		return 0, os.ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}
	n, err := p.readBuf.TryRead(b)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return 0, err
	}
	if n == 0 {
		return 0, syscall.EAGAIN
	}
	return n, nil
}

func (p *ringPTY) Close() error {
	if !atomic.CompareAndSwapUint32(&p.closed, 0, 1) {
		return nil
	}
	p.cancel()
	if p.master != nil {
		p.master.Close()
	}
	if p.slave != nil {
		p.slave.Close()
	}

	done := make(chan struct{})
	groutine.Go(context.Background(), "ptyio-close-wait", func(context.Context) {
		p.wg.Wait()
		close(done)
	})

	timeout := time.Duration(p.pollTimeoutMs)*time.Millisecond*3 + time.Second
	if timeout < 5*time.Second {
		timeout = 5 * time.Second
	}
	select {
	case <-done:
	case <-time.After(timeout):
		p.logger.Warnf("ptyio: close timed out waiting for %s loops to exit", p.ttyName)
	}

	p.master = nil
	p.slave = nil
	return nil
}

func (p *ringPTY) Stats() Stats {
	return Stats{
		WriteQueueLen:     int32(p.writeBuf.Length()),
		WriteQueueCap:     int32(p.writeBuf.Capacity()),
		ReadQueueLen:      int32(p.readBuf.Length()),
		ReadQueueCap:      int32(p.readBuf.Capacity()),
		DroppedWriteCount: atomic.LoadUint64(&p.droppedWrite),
		DroppedReadCount:  atomic.LoadUint64(&p.droppedRead),
		ReadBytesTotal:    atomic.LoadUint64(&p.readBytes),
		WriteBytesTotal:   atomic.LoadUint64(&p.writeBytes),
	}
}

func (p *ringPTY) TTYName() string { return p.ttyName }

// SetReadCallback installs or clears the async data-arrival callback.
func (p *ringPTY) SetReadCallback(cb ReadCallback) {
	if atomic.LoadUint32(&p.closed) == 1 {
		return
	}
	p.readCb.Store(cb)
	select {
	case p.readNotify <- struct{}{}:
	default:
	}
}
