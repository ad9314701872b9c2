package pipe

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-riscvos/internal/kernel/kalloc"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/kerror"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/klock"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/vm"
	"github.com/deploymenttheory/go-riscvos/internal/machine"
	"github.com/deploymenttheory/go-riscvos/internal/types"
)

// testHub backs Sleep and Wakeup with Go channels so pipe code runs
// without a scheduler. Sleep registers before dropping the spinlock,
// so a wakeup racing with a sleeper cannot be lost.
type testHub struct {
	mu      sync.Mutex
	waiting map[klock.Chan][]chan struct{}
}

func newTestHub() *testHub {
	return &testHub{waiting: make(map[klock.Chan][]chan struct{})}
}

type testWaiter struct {
	hub    *testHub
	hart   *machine.Hart
	pid    int
	killed bool
}

func (h *testHub) waiter(id int) *testWaiter {
	return &testWaiter{hub: h, hart: machine.NewHart(id), pid: id + 1}
}

func (w *testWaiter) CPU() klock.CPU { return w.hart }

func (w *testWaiter) Pid() int { return w.pid }

func (w *testWaiter) Killed() bool { return w.killed }

func (w *testWaiter) Wakeup(ch klock.Chan) {
	w.hub.mu.Lock()
	for _, c := range w.hub.waiting[ch] {
		close(c)
	}
	delete(w.hub.waiting, ch)
	w.hub.mu.Unlock()
}

func (w *testWaiter) Sleep(ch klock.Chan, lk *klock.SpinLock) {
	done := make(chan struct{})
	w.hub.mu.Lock()
	w.hub.waiting[ch] = append(w.hub.waiting[ch], done)
	w.hub.mu.Unlock()
	lk.Release(w.hart)
	<-done
	lk.Acquire(w.hart)
}

// createTestUserSpace builds a small writable user address space for
// transfer tests.
func createTestUserSpace(t *testing.T, w *testWaiter, pages int) *vm.PageTable {
	t.Helper()
	ram := machine.NewRAM(4 * pages * types.PageSize)
	alloc := kalloc.New(ram, ram.Base())
	pt, err := vm.New(w.hart, ram, alloc)
	require.NoError(t, err)
	_, err = pt.Grow(w.hart, 0, uint64(pages)*types.PageSize, types.PteW)
	require.NoError(t, err)
	return pt
}

func TestPipeWriteThenRead(t *testing.T) {
	hub := newTestHub()
	w := hub.waiter(0)
	pt := createTestUserSpace(t, w, 1)
	p := New()

	msg := []byte("hello, pipe")
	require.NoError(t, pt.CopyOut(w.CPU(), 0, msg))

	n, err := p.Write(w, pt, 0, len(msg))
	require.NoError(t, err)
	assert.Equal(t, len(msg), n)

	n, err = p.Read(w, pt, 512, 64)
	require.NoError(t, err)
	assert.Equal(t, len(msg), n)

	got := make([]byte, n)
	require.NoError(t, pt.CopyIn(w.CPU(), got, 512))
	assert.Equal(t, msg, got)
}

func TestPipeReadBlocksUntilWrite(t *testing.T) {
	hub := newTestHub()
	rw := hub.waiter(0)
	ww := hub.waiter(1)
	rpt := createTestUserSpace(t, rw, 1)
	wpt := createTestUserSpace(t, ww, 1)
	p := New()

	got := make(chan []byte, 1)
	go func() {
		n, err := p.Read(rw, rpt, 0, 64)
		if err != nil {
			got <- nil
			return
		}
		buf := make([]byte, n)
		if err := rpt.CopyIn(rw.CPU(), buf, 0); err != nil {
			got <- nil
			return
		}
		got <- buf
	}()

	msg := []byte("wake up")
	require.NoError(t, wpt.CopyOut(ww.CPU(), 0, msg))
	_, err := p.Write(ww, wpt, 0, len(msg))
	require.NoError(t, err)

	assert.Equal(t, msg, <-got)
}

func TestPipeWriterBlocksWhenFull(t *testing.T) {
	hub := newTestHub()
	rw := hub.waiter(0)
	ww := hub.waiter(1)
	rpt := createTestUserSpace(t, rw, 1)
	wpt := createTestUserSpace(t, ww, 1)
	p := New()

	// More than the ring holds, so the writer must sleep until the
	// reader drains.
	total := Size + 300
	payload := make([]byte, total)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, wpt.CopyOut(ww.CPU(), 0, payload))

	werr := make(chan error, 1)
	go func() {
		n, err := p.Write(ww, wpt, 0, total)
		if err == nil && n != total {
			err = assert.AnError
		}
		werr <- err
	}()

	var got []byte
	for len(got) < total {
		n, err := p.Read(rw, rpt, 0, 100)
		require.NoError(t, err)
		require.Positive(t, n)
		chunk := make([]byte, n)
		require.NoError(t, rpt.CopyIn(rw.CPU(), chunk, 0))
		got = append(got, chunk...)
	}

	require.NoError(t, <-werr)
	assert.Equal(t, payload, got)
}

func TestPipeReadEOFAfterWriterClose(t *testing.T) {
	hub := newTestHub()
	w := hub.waiter(0)
	pt := createTestUserSpace(t, w, 1)
	p := New()

	require.NoError(t, pt.CopyOut(w.CPU(), 0, []byte("end")))
	_, err := p.Write(w, pt, 0, 3)
	require.NoError(t, err)

	p.Close(w, true)

	n, err := p.Read(w, pt, 512, 64)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "buffered bytes survive the close")

	n, err = p.Read(w, pt, 512, 64)
	require.NoError(t, err)
	assert.Zero(t, n, "drained pipe with no writer reads as end of file")
}

func TestPipeWriteFailsAfterReaderClose(t *testing.T) {
	hub := newTestHub()
	w := hub.waiter(0)
	pt := createTestUserSpace(t, w, 1)
	p := New()

	p.Close(w, false)

	require.NoError(t, pt.CopyOut(w.CPU(), 0, []byte("x")))
	_, err := p.Write(w, pt, 0, 1)
	assert.ErrorIs(t, err, kerror.ErrPipeClosed)
}

func TestPipeReadKilled(t *testing.T) {
	hub := newTestHub()
	w := hub.waiter(0)
	w.killed = true
	pt := createTestUserSpace(t, w, 1)
	p := New()

	_, err := p.Read(w, pt, 0, 16)
	assert.ErrorIs(t, err, kerror.ErrKilled)
}

func TestPipeRingWrapAround(t *testing.T) {
	hub := newTestHub()
	w := hub.waiter(0)
	pt := createTestUserSpace(t, w, 1)
	p := New()

	// Several full cycles through the ring indices.
	chunk := make([]byte, 300)
	for round := 0; round < 5; round++ {
		for i := range chunk {
			chunk[i] = byte(round*31 + i)
		}
		require.NoError(t, pt.CopyOut(w.CPU(), 0, chunk))
		n, err := p.Write(w, pt, 0, len(chunk))
		require.NoError(t, err)
		require.Equal(t, len(chunk), n)

		n, err = p.Read(w, pt, 1024, len(chunk))
		require.NoError(t, err)
		require.Equal(t, len(chunk), n)

		got := make([]byte, n)
		require.NoError(t, pt.CopyIn(w.CPU(), got, 1024))
		require.Equal(t, chunk, got)
	}
}
