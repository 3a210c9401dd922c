package ptyio

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_OpensAndReportsTTYName(t *testing.T) {
	p, err := New(Options{})
	require.NoError(t, err)
	defer p.Close()

	assert.True(t, strings.HasPrefix(p.TTYName(), "/dev"))
}

func TestWrite_QueuesBytesForTheWriteLoop(t *testing.T) {
	p, err := New(Options{PollTimeoutMs: 5})
	require.NoError(t, err)
	defer p.Close()

	n, err := p.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	require.Eventually(t, func() bool {
		return p.Stats().WriteBytesTotal >= 5
	}, time.Second, 10*time.Millisecond)
}

func TestSetReadCallback_ReceivesAsyncData(t *testing.T) {
	p, err := New(Options{PollTimeoutMs: 5})
	require.NoError(t, err)
	defer p.Close()

	gotCh := make(chan []byte, 1)
	p.SetReadCallback(func(data []byte) {
		cp := append([]byte(nil), data...)
		select {
		case gotCh <- cp:
		default:
		}
	})

	raw := p.(*ringPTY)
	n, werr := raw.readBuf.Write([]byte("from-slave"))
	require.NoError(t, werr)
	require.Equal(t, len("from-slave"), n)
	raw.readNotify <- struct{}{}

	select {
	case got := <-gotCh:
		assert.Equal(t, "from-slave", string(got))
	case <-time.After(time.Second):
		t.Fatal("read callback never fired")
	}
}

func TestClose_IsIdempotentAndRejectsIOAfterward(t *testing.T) {
	p, err := New(Options{})
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err = p.Write([]byte("x"))
	assert.ErrorIs(t, err, os.ErrClosed)

	_, err = p.Read(make([]byte, 8))
	assert.ErrorIs(t, err, os.ErrClosed)
}
