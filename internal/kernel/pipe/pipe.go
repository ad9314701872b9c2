// Package pipe implements the kernel pipe: a fixed ring buffer with
// sleeping readers and writers. The file layer wraps one Pipe in a
// read file and a write file.
package pipe

import (
	"unsafe"

	"github.com/deploymenttheory/go-riscvos/internal/kernel/kerror"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/klock"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/vm"
	"github.com/deploymenttheory/go-riscvos/internal/types"
)

// Size is the pipe ring capacity in bytes.
const Size = 512

// Pipe is one ring buffer shared by a read end and a write end.
// nread and nwrite count bytes ever transferred; their difference is
// the buffered amount, so full is nwrite == nread+Size.
type Pipe struct {
	lk        klock.SpinLock
	data      [Size]byte
	nread     uint32
	nwrite    uint32
	readopen  bool
	writeopen bool
}

// New creates an open pipe.
func New() *Pipe {
	return &Pipe{
		lk:        klock.NewSpinLock("pipe"),
		readopen:  true,
		writeopen: true,
	}
}

// Readers and writers sleep on distinct tokens so a wakeup rouses
// only the side that can make progress.
func (p *Pipe) rtoken() klock.Chan {
	return klock.TokenOf(unsafe.Pointer(&p.nread))
}

func (p *Pipe) wtoken() klock.Chan {
	return klock.TokenOf(unsafe.Pointer(&p.nwrite))
}

// Write copies n bytes from user memory into the ring, sleeping
// whenever it fills. It fails once the read end closes or the
// caller is killed.
func (p *Pipe) Write(w klock.Waiter, pt *vm.PageTable, va types.VirtAddr, n int) (int, error) {
	c := w.CPU()
	p.lk.Acquire(c)
	wrote := 0
	for wrote < n {
		if !p.readopen || w.Killed() {
			p.lk.Release(c)
			return wrote, kerror.ErrPipeClosed
		}
		if p.nwrite == p.nread+Size {
			w.Wakeup(p.rtoken())
			w.Sleep(p.wtoken(), &p.lk)
			c = w.CPU()
			continue
		}

		m := n - wrote
		if space := int(p.nread + Size - p.nwrite); m > space {
			m = space
		}
		var buf [Size]byte
		if err := pt.CopyIn(c, buf[:m], va+types.VirtAddr(wrote)); err != nil {
			p.lk.Release(c)
			return wrote, err
		}
		for i := 0; i < m; i++ {
			p.data[p.nwrite%Size] = buf[i]
			p.nwrite++
		}
		wrote += m
	}
	w.Wakeup(p.rtoken())
	p.lk.Release(c)
	return wrote, nil
}

// Read copies up to n buffered bytes to user memory, sleeping while
// the ring is empty and the write end is open. A drained ring with
// no writer reads as end of file.
func (p *Pipe) Read(w klock.Waiter, pt *vm.PageTable, va types.VirtAddr, n int) (int, error) {
	c := w.CPU()
	p.lk.Acquire(c)
	for p.nread == p.nwrite && p.writeopen {
		if w.Killed() {
			p.lk.Release(c)
			return 0, kerror.ErrKilled
		}
		w.Sleep(p.rtoken(), &p.lk)
		c = w.CPU()
	}

	m := n
	if avail := int(p.nwrite - p.nread); m > avail {
		m = avail
	}
	var buf [Size]byte
	for i := 0; i < m; i++ {
		buf[i] = p.data[p.nread%Size]
		p.nread++
	}
	w.Wakeup(p.wtoken())
	p.lk.Release(c)

	if m > 0 {
		if err := pt.CopyOut(c, va, buf[:m]); err != nil {
			return 0, err
		}
	}
	return m, nil
}

// Close drops one end. Closing either end wakes the other side so
// it can observe end of file or failure.
func (p *Pipe) Close(w klock.Waiter, writable bool) {
	c := w.CPU()
	p.lk.Acquire(c)
	if writable {
		p.writeopen = false
		w.Wakeup(p.rtoken())
	} else {
		p.readopen = false
		w.Wakeup(p.wtoken())
	}
	p.lk.Release(c)
}
