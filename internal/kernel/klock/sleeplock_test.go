package klock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-riscvos/internal/machine"
)

// waiterHub gives sleep-lock tests a working Sleep/Wakeup pairing
// without a scheduler: sleepers park on Go channels keyed by the
// wait token.
type waiterHub struct {
	mu      sync.Mutex
	waiting map[Chan][]chan struct{}
}

func newWaiterHub() *waiterHub {
	return &waiterHub{waiting: make(map[Chan][]chan struct{})}
}

type hubWaiter struct {
	hub  *waiterHub
	hart *machine.Hart
	pid  int
}

func (w *hubWaiter) CPU() CPU { return w.hart }

func (w *hubWaiter) Pid() int { return w.pid }

func (w *hubWaiter) Killed() bool { return false }

func (w *hubWaiter) Wakeup(ch Chan) {
	w.hub.mu.Lock()
	for _, c := range w.hub.waiting[ch] {
		close(c)
	}
	delete(w.hub.waiting, ch)
	w.hub.mu.Unlock()
}

func (w *hubWaiter) Sleep(ch Chan, lk *SpinLock) {
	done := make(chan struct{})
	w.hub.mu.Lock()
	w.hub.waiting[ch] = append(w.hub.waiting[ch], done)
	w.hub.mu.Unlock()
	lk.Release(w.hart)
	<-done
	lk.Acquire(w.hart)
}

func TestSleepLockAcquireRelease(t *testing.T) {
	hub := newWaiterHub()
	w := &hubWaiter{hub: hub, hart: machine.NewHart(0), pid: 1}
	sl := NewSleepLock("test")

	assert.False(t, sl.Holding(w))
	sl.Acquire(w)
	assert.True(t, sl.Holding(w))
	sl.Release(w)
	assert.False(t, sl.Holding(w))
}

func TestSleepLockHoldingIsPerProcess(t *testing.T) {
	hub := newWaiterHub()
	w1 := &hubWaiter{hub: hub, hart: machine.NewHart(0), pid: 1}
	w2 := &hubWaiter{hub: hub, hart: machine.NewHart(1), pid: 2}
	sl := NewSleepLock("test")

	sl.Acquire(w1)
	assert.True(t, sl.Holding(w1))
	assert.False(t, sl.Holding(w2))
	sl.Release(w1)
}

func TestSleepLockContention(t *testing.T) {
	const (
		goroutines = 4
		rounds     = 200
	)
	hub := newWaiterHub()
	sl := NewSleepLock("counter")
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w := &hubWaiter{hub: hub, hart: machine.NewHart(id), pid: id + 1}
			for j := 0; j < rounds; j++ {
				sl.Acquire(w)
				counter++
				sl.Release(w)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, goroutines*rounds, counter)
}
