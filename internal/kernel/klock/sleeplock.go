package klock

import "unsafe"

// Waiter is the scheduling surface a sleep-lock needs from the
// calling kernel thread: the ability to sleep on a channel while
// atomically releasing a spin-lock, to wake a channel, and its
// identity.
type Waiter interface {
	// Sleep atomically releases lk and suspends the caller on ch;
	// it reacquires lk before returning.
	Sleep(ch Chan, lk *SpinLock)
	// Wakeup makes every thread sleeping on ch runnable.
	Wakeup(ch Chan)
	// CPU returns the hart the thread is currently running on.
	CPU() CPU
	// Pid returns the thread's process id.
	Pid() int
	// Killed reports whether the thread has been marked for
	// termination; long sleep loops abort when it turns true.
	Killed() bool
}

// SleepLock is a long-term lock: a spin-lock-protected held flag
// whose contenders sleep on the lock's address instead of spinning.
type SleepLock struct {
	lk     SpinLock
	locked bool
	name   string
	pid    int
}

// NewSleepLock creates a named, unlocked sleep-lock.
func NewSleepLock(name string) SleepLock {
	return SleepLock{lk: NewSpinLock("sleep " + name), name: name}
}

func (sl *SleepLock) token() Chan {
	return TokenOf(unsafe.Pointer(sl))
}

// Acquire takes the lock, sleeping while another thread holds it.
func (sl *SleepLock) Acquire(w Waiter) {
	c := w.CPU()
	sl.lk.Acquire(c)
	for sl.locked {
		w.Sleep(sl.token(), &sl.lk)
		c = w.CPU() // may have migrated while asleep
	}
	sl.locked = true
	sl.pid = w.Pid()
	sl.lk.Release(c)
}

// Release drops the lock and wakes any sleepers.
func (sl *SleepLock) Release(w Waiter) {
	c := w.CPU()
	sl.lk.Acquire(c)
	sl.locked = false
	sl.pid = 0
	w.Wakeup(sl.token())
	sl.lk.Release(c)
}

// Holding reports whether the calling thread holds the lock.
func (sl *SleepLock) Holding(w Waiter) bool {
	c := w.CPU()
	sl.lk.Acquire(c)
	held := sl.locked && sl.pid == w.Pid()
	sl.lk.Release(c)
	return held
}
