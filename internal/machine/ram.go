// Package machine models the hardware the kernel core runs against:
// physical memory, the block device, the console UART, and the
// platform interrupt plumbing. Everything behind these types is a
// simulation; everything in front of them is the real kernel.
package machine

import (
	"fmt"

	"github.com/deploymenttheory/go-riscvos/internal/types"
)

// RAM is the machine's physical memory, a byte image starting at
// KernBase. Physical addresses index into it directly; the kernel's
// direct map is the identity.
type RAM struct {
	base types.PhysAddr
	mem  []byte
}

// NewRAM creates size bytes of physical memory at KernBase. Size is
// rounded up to a whole number of pages.
func NewRAM(size int) *RAM {
	n := int(types.PageRoundUp(uint64(size)))
	return &RAM{base: types.KernBase, mem: make([]byte, n)}
}

// Base returns the first physical address.
func (r *RAM) Base() types.PhysAddr {
	return r.base
}

// Stop returns one past the last physical address.
func (r *RAM) Stop() types.PhysAddr {
	return r.base + types.PhysAddr(len(r.mem))
}

// Contains reports whether pa lies in RAM.
func (r *RAM) Contains(pa types.PhysAddr) bool {
	return pa >= r.base && pa < r.Stop()
}

// Slice returns the n bytes of memory at pa. The returned slice
// aliases RAM; writing it is writing memory.
func (r *RAM) Slice(pa types.PhysAddr, n int) []byte {
	if pa < r.base || pa+types.PhysAddr(n) > r.Stop() {
		panic(fmt.Sprintf("machine: physical access out of range: %#x+%d", uint64(pa), n))
	}
	off := int(pa - r.base)
	return r.mem[off : off+n : off+n]
}

// Page returns the whole page containing pa, which must be
// page-aligned.
func (r *RAM) Page(pa types.PhysAddr) []byte {
	if uint64(pa)%types.PageSize != 0 {
		panic(fmt.Sprintf("machine: unaligned page address %#x", uint64(pa)))
	}
	return r.Slice(pa, types.PageSize)
}

// Fill sets n bytes at pa to v.
func (r *RAM) Fill(pa types.PhysAddr, n int, v byte) {
	s := r.Slice(pa, n)
	for i := range s {
		s[i] = v
	}
}
