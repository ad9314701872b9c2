// Package kalloc is the physical page allocator: a singly-linked
// free list of 4 KiB frames threaded through the free frames
// themselves.
package kalloc

import (
	"fmt"

	"github.com/deploymenttheory/go-riscvos/internal/kernel/kerror"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/klock"
	"github.com/deploymenttheory/go-riscvos/internal/machine"
	"github.com/deploymenttheory/go-riscvos/internal/types"
)

// Poison patterns. Freed frames are filled with freeJunk to catch
// dangling use, except their first eight bytes, which hold the
// free-list link; allocated frames with allocJunk to catch missing
// initialization.
const (
	freeJunk  = 0x01
	allocJunk = 0x05
)

// Allocator owns every frame in [start, ram.Stop()).
type Allocator struct {
	lk    klock.SpinLock
	ram   *machine.RAM
	head  types.PhysAddr // 0 terminates the list
	start types.PhysAddr
	nfree int
}

// New builds an allocator whose free list covers RAM from start
// (the end of the kernel image, rounded up) to the top of RAM.
func New(ram *machine.RAM, start types.PhysAddr) *Allocator {
	a := &Allocator{
		lk:    klock.NewSpinLock("kmem"),
		ram:   ram,
		start: types.PhysAddr(types.PageRoundUp(uint64(start))),
	}
	for pa := a.start; pa+types.PageSize <= ram.Stop(); pa += types.PageSize {
		a.ram.Fill(pa, types.PageSize, freeJunk)
		a.push(pa)
	}
	return a
}

func (a *Allocator) push(pa types.PhysAddr) {
	page := a.ram.Page(pa)
	types.DiskEndian.PutUint64(page[0:8], uint64(a.head))
	a.head = pa
	a.nfree++
}

// Alloc returns one frame filled with junk, or ErrNoMem.
func (a *Allocator) Alloc(c klock.CPU) (types.PhysAddr, error) {
	a.lk.Acquire(c)
	pa := a.head
	if pa == 0 {
		a.lk.Release(c)
		return 0, kerror.ErrNoMem
	}
	page := a.ram.Page(pa)
	a.head = types.PhysAddr(types.DiskEndian.Uint64(page[0:8]))
	a.nfree--
	a.lk.Release(c)
	a.ram.Fill(pa, types.PageSize, allocJunk)
	return pa, nil
}

// AllocZero returns one zeroed frame.
func (a *Allocator) AllocZero(c klock.CPU) (types.PhysAddr, error) {
	pa, err := a.Alloc(c)
	if err != nil {
		return 0, err
	}
	a.ram.Fill(pa, types.PageSize, 0)
	return pa, nil
}

// Free returns one frame to the list. Freeing memory the allocator
// does not own, or an unaligned address, is a kernel bug.
func (a *Allocator) Free(c klock.CPU, pa types.PhysAddr) {
	if uint64(pa)%types.PageSize != 0 || pa < a.start || pa+types.PageSize > a.ram.Stop() {
		panic(fmt.Sprintf("kalloc: free of bad frame %#x", uint64(pa)))
	}
	a.ram.Fill(pa, types.PageSize, freeJunk)
	a.lk.Acquire(c)
	a.push(pa)
	a.lk.Release(c)
}

// NFree returns the number of free frames.
func (a *Allocator) NFree(c klock.CPU) int {
	a.lk.Acquire(c)
	n := a.nfree
	a.lk.Release(c)
	return n
}
