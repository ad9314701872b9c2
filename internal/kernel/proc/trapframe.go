package proc

import (
	"github.com/deploymenttheory/go-riscvos/internal/types"
)

// Trapframe is a view over the per-process trapframe page. The
// layout is fixed: the kernel satp, stack pointer, and trap handler,
// the saved epc, the kernel hartid, then the user general-purpose
// registers. The kernel fields are populated on every return to user
// space.
type Trapframe struct {
	mem []byte
}

// Trapframe field offsets in bytes.
const (
	tfKernelSatp   = 0
	tfKernelSP     = 8
	tfKernelTrap   = 16
	tfEpc          = 24
	tfKernelHartID = 32
	tfRegBase      = 40 // ra; x1..x31 follow in register order
)

// Register indices relative to tfRegBase (x1..x31, so index = xN-1).
const (
	regRA = 0
	regSP = 1
	regA0 = 9
	regA7 = 16
)

// NewTrapframe wraps a trapframe page.
func NewTrapframe(page []byte) *Trapframe {
	if len(page) < types.PageSize {
		panic("proc: trapframe page too small")
	}
	return &Trapframe{mem: page}
}

func (tf *Trapframe) get(off int) uint64 {
	return types.DiskEndian.Uint64(tf.mem[off : off+8])
}

func (tf *Trapframe) put(off int, v uint64) {
	types.DiskEndian.PutUint64(tf.mem[off:off+8], v)
}

// KernelSatp returns the saved kernel page-table satp.
func (tf *Trapframe) KernelSatp() uint64 { return tf.get(tfKernelSatp) }

// SetKernelSatp stores the kernel page-table satp.
func (tf *Trapframe) SetKernelSatp(v uint64) { tf.put(tfKernelSatp, v) }

// KernelSP returns the saved kernel stack pointer.
func (tf *Trapframe) KernelSP() uint64 { return tf.get(tfKernelSP) }

// SetKernelSP stores the kernel stack pointer.
func (tf *Trapframe) SetKernelSP(v uint64) { tf.put(tfKernelSP, v) }

// KernelTrap returns the kernel trap-handler address.
func (tf *Trapframe) KernelTrap() uint64 { return tf.get(tfKernelTrap) }

// SetKernelTrap stores the kernel trap-handler address.
func (tf *Trapframe) SetKernelTrap(v uint64) { tf.put(tfKernelTrap, v) }

// Epc returns the saved user program counter.
func (tf *Trapframe) Epc() uint64 { return tf.get(tfEpc) }

// SetEpc stores the user program counter.
func (tf *Trapframe) SetEpc(v uint64) { tf.put(tfEpc, v) }

// HartID returns the saved hartid.
func (tf *Trapframe) HartID() uint64 { return tf.get(tfKernelHartID) }

// SetHartID stores the hartid.
func (tf *Trapframe) SetHartID(v uint64) { tf.put(tfKernelHartID, v) }

func (tf *Trapframe) reg(i int) uint64 { return tf.get(tfRegBase + 8*i) }

func (tf *Trapframe) setReg(i int, v uint64) { tf.put(tfRegBase+8*i, v) }

// SP returns the user stack pointer.
func (tf *Trapframe) SP() uint64 { return tf.reg(regSP) }

// SetSP stores the user stack pointer.
func (tf *Trapframe) SetSP(v uint64) { tf.setReg(regSP, v) }

// RA returns the user return address.
func (tf *Trapframe) RA() uint64 { return tf.reg(regRA) }

// SetRA stores the user return address.
func (tf *Trapframe) SetRA(v uint64) { tf.setReg(regRA, v) }

// A returns argument register aN (0..7).
func (tf *Trapframe) A(n int) uint64 {
	if n < 0 || n > 7 {
		panic("proc: bad argument register")
	}
	return tf.reg(regA0 + n)
}

// SetA stores argument register aN (0..7).
func (tf *Trapframe) SetA(n int, v uint64) {
	if n < 0 || n > 7 {
		panic("proc: bad argument register")
	}
	tf.setReg(regA0+n, v)
}

// CopyFrom copies another trapframe's contents into this one.
func (tf *Trapframe) CopyFrom(src *Trapframe) {
	copy(tf.mem, src.mem)
}
