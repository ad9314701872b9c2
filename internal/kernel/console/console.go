// Package console implements the console device: UART output and a
// line-at-a-time input discipline with erase, kill-line, and
// end-of-file control characters.
package console

import (
	"unsafe"

	"github.com/deploymenttheory/go-riscvos/internal/kernel/kerror"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/klock"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/vm"
	"github.com/deploymenttheory/go-riscvos/internal/machine"
	"github.com/deploymenttheory/go-riscvos/internal/types"
)

const bufSize = 128

const (
	ctrlD = 0x04
	ctrlH = 0x08
	ctrlP = 0x10
	ctrlU = 0x15
	del   = 0x7f
)

// Console is the major-1 character device. Input accumulates in a
// ring until a whole line (or end-of-file) is available; readers
// sleep on the read index. ri, wi, and ei are the read, line-commit,
// and edit positions.
type Console struct {
	lk   klock.SpinLock
	uart machine.UART
	echo bool

	buf [bufSize]byte
	ri  uint32
	wi  uint32
	ei  uint32

	dump func()
}

// New creates a console over uart. With echo set, accepted input is
// written back to the UART as it is typed.
func New(uart machine.UART, echo bool) *Console {
	return &Console{
		lk:   klock.NewSpinLock("cons"),
		uart: uart,
		echo: echo,
	}
}

// SetDumpHook installs the diagnostic hook the ctrl-P keystroke
// invokes.
func (cons *Console) SetDumpHook(fn func()) {
	cons.dump = fn
}

func (cons *Console) token() klock.Chan {
	return klock.TokenOf(unsafe.Pointer(&cons.ri))
}

// putc echoes one byte, rendering backspace as erase.
func (cons *Console) putc(b byte) {
	if b == ctrlH || b == del {
		cons.uart.PutByte('\b')
		cons.uart.PutByte(' ')
		cons.uart.PutByte('\b')
		return
	}
	cons.uart.PutByte(b)
}

// Write implements the device write: user bytes go straight to the
// UART.
func (cons *Console) Write(w klock.Waiter, pt *vm.PageTable, va types.VirtAddr, n int) (int, error) {
	c := w.CPU()
	var chunk [64]byte
	put := 0
	for put < n {
		m := n - put
		if m > len(chunk) {
			m = len(chunk)
		}
		if err := pt.CopyIn(c, chunk[:m], va+types.VirtAddr(put)); err != nil {
			return put, err
		}
		for _, b := range chunk[:m] {
			cons.uart.PutByte(b)
		}
		put += m
	}
	return put, nil
}

// Read implements the device read: it blocks until a whole input
// line is buffered, then hands over up to n bytes of it. A ctrl-D at
// the start of a line reads as zero bytes.
func (cons *Console) Read(w klock.Waiter, pt *vm.PageTable, va types.VirtAddr, n int) (int, error) {
	c := w.CPU()
	cons.lk.Acquire(c)
	got := 0
	for got < n {
		for cons.ri == cons.wi {
			if w.Killed() {
				cons.lk.Release(c)
				return got, kerror.ErrKilled
			}
			w.Sleep(cons.token(), &cons.lk)
			c = w.CPU()
		}

		b := cons.buf[cons.ri%bufSize]
		cons.ri++

		if b == ctrlD {
			if got > 0 {
				// Leave the EOF for the next read so this one
				// returns the partial line.
				cons.ri--
			}
			break
		}
		if err := pt.CopyOut(c, va+types.VirtAddr(got), []byte{b}); err != nil {
			break
		}
		got++
		if b == '\n' {
			break
		}
	}
	cons.lk.Release(c)
	return got, nil
}

// Intr accepts one received byte from the UART interrupt path,
// applying the line discipline and waking readers when a line
// completes.
func (cons *Console) Intr(w klock.Waiter, b byte) {
	c := w.CPU()
	cons.lk.Acquire(c)

	dump := false
	switch b {
	case ctrlP:
		dump = true
	case ctrlU:
		for cons.ei != cons.wi && cons.buf[(cons.ei-1)%bufSize] != '\n' {
			cons.ei--
			if cons.echo {
				cons.putc(ctrlH)
			}
		}
	case ctrlH, del:
		if cons.ei != cons.wi {
			cons.ei--
			if cons.echo {
				cons.putc(ctrlH)
			}
		}
	default:
		if b != 0 && cons.ei-cons.ri < bufSize {
			if b == '\r' {
				b = '\n'
			}
			if cons.echo {
				cons.putc(b)
			}
			cons.buf[cons.ei%bufSize] = b
			cons.ei++
			if b == '\n' || b == ctrlD || cons.ei-cons.ri == bufSize {
				cons.wi = cons.ei
				w.Wakeup(cons.token())
			}
		}
	}

	cons.lk.Release(c)
	if dump && cons.dump != nil {
		cons.dump()
	}
}
