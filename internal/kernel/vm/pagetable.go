// Package vm manages Sv39 page tables. Tables are built bit-exactly
// in physical memory: three levels, 512 eight-byte entries per
// level, little-endian, exactly as the MMU would walk them.
package vm

import (
	"fmt"

	"github.com/deploymenttheory/go-riscvos/internal/kernel/kalloc"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/kerror"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/klock"
	"github.com/deploymenttheory/go-riscvos/internal/machine"
	"github.com/deploymenttheory/go-riscvos/internal/types"
)

// PageTable is one address space: a root table frame plus the tree
// reachable from it.
type PageTable struct {
	root  types.PhysAddr
	ram   *machine.RAM
	alloc *kalloc.Allocator

	// lazyLimit, when nonzero, is the declared process size below
	// which a page fault allocates instead of killing. Maintained by
	// the process layer when lazy sbrk is enabled.
	lazyLimit uint64
}

// New allocates an empty address space.
func New(c klock.CPU, ram *machine.RAM, alloc *kalloc.Allocator) (*PageTable, error) {
	root, err := alloc.AllocZero(c)
	if err != nil {
		return nil, err
	}
	return &PageTable{root: root, ram: ram, alloc: alloc}, nil
}

// Root returns the physical address of the root table frame.
func (pt *PageTable) Root() types.PhysAddr {
	return pt.root
}

// MakeSatp formats the root for the satp register.
func (pt *PageTable) MakeSatp() uint64 {
	return types.MakeSatp(pt.root)
}

// SetLazyLimit declares the size below which faults allocate.
func (pt *PageTable) SetLazyLimit(sz uint64) {
	pt.lazyLimit = sz
}

// pteAt returns the 8-byte slot of entry idx in the table frame at
// pa. The slice aliases RAM.
func (pt *PageTable) pteAt(pa types.PhysAddr, idx uint64) []byte {
	page := pt.ram.Page(pa)
	return page[idx*8 : idx*8+8]
}

func readPTE(slot []byte) types.PTE {
	return types.PTE(types.DiskEndian.Uint64(slot))
}

func writePTE(slot []byte, pte types.PTE) {
	types.DiskEndian.PutUint64(slot, uint64(pte))
}

// walk returns the slot of the leaf PTE for va, allocating interior
// tables on demand when alloc is set. A nil slot with a nil error
// means an interior entry was missing and alloc was not set.
func (pt *PageTable) walk(c klock.CPU, va types.VirtAddr, alloc bool) ([]byte, error) {
	if va >= types.MaxVA {
		panic(fmt.Sprintf("vm: walk beyond MaxVA: %#x", uint64(va)))
	}
	table := pt.root
	for level := 2; level > 0; level-- {
		slot := pt.pteAt(table, types.VPN(level, va))
		pte := readPTE(slot)
		if pte.Valid() {
			if pte.Leaf() {
				panic("vm: interior entry carries leaf permissions")
			}
			table = types.PTEToPhys(pte)
			continue
		}
		if !alloc {
			return nil, nil
		}
		frame, err := pt.alloc.AllocZero(c)
		if err != nil {
			return nil, err
		}
		writePTE(slot, types.PhysToPTE(frame)|types.PteV)
		table = frame
	}
	return pt.pteAt(table, types.VPN(0, va)), nil
}

// Map installs size bytes of mappings from va to pa with the given
// leaf permissions. va, pa, and size must be page-aligned, and no
// leaf in the range may already be valid.
func (pt *PageTable) Map(c klock.CPU, va types.VirtAddr, pa types.PhysAddr, size uint64, perm types.PTE) error {
	if uint64(va)%types.PageSize != 0 || uint64(pa)%types.PageSize != 0 || size%types.PageSize != 0 {
		return fmt.Errorf("vm: unaligned map va=%#x pa=%#x size=%#x", uint64(va), uint64(pa), size)
	}
	if size == 0 {
		return fmt.Errorf("vm: zero-length map")
	}
	for off := uint64(0); off < size; off += types.PageSize {
		slot, err := pt.walk(c, va+types.VirtAddr(off), true)
		if err != nil {
			return err
		}
		if readPTE(slot).Valid() {
			return fmt.Errorf("vm: remap of va %#x", uint64(va)+off)
		}
		writePTE(slot, types.PhysToPTE(pa+types.PhysAddr(off))|perm|types.PteV)
	}
	return nil
}

// Unmap clears npages of leaf mappings starting at page-aligned va.
// Missing entries are tolerated (lazily grown images have holes);
// valid leaves are cleared and, when free is set, their frames are
// returned to the allocator.
func (pt *PageTable) Unmap(c klock.CPU, va types.VirtAddr, npages uint64, free bool) {
	if uint64(va)%types.PageSize != 0 {
		panic(fmt.Sprintf("vm: unmap of unaligned va %#x", uint64(va)))
	}
	for i := uint64(0); i < npages; i++ {
		a := va + types.VirtAddr(i*types.PageSize)
		slot, err := pt.walk(c, a, false)
		if err != nil || slot == nil {
			continue
		}
		pte := readPTE(slot)
		if !pte.Valid() {
			continue
		}
		if !pte.Leaf() {
			panic("vm: unmap of interior entry")
		}
		if free {
			pt.alloc.Free(c, types.PTEToPhys(pte))
		}
		writePTE(slot, 0)
	}
}

// Translate resolves va to its frame and flags, without allocating.
func (pt *PageTable) Translate(c klock.CPU, va types.VirtAddr) (types.PhysAddr, types.PTE, bool) {
	if va >= types.MaxVA {
		return 0, 0, false
	}
	slot, err := pt.walk(c, va, false)
	if err != nil || slot == nil {
		return 0, 0, false
	}
	pte := readPTE(slot)
	if !pte.Valid() {
		return 0, 0, false
	}
	return types.PTEToPhys(pte), pte.Flags(), true
}

// userPage resolves va to the frame of a user-accessible page,
// optionally requiring write permission, allocating through the
// lazy-fault path when the address lies under the lazy limit.
func (pt *PageTable) userPage(c klock.CPU, va types.VirtAddr, write bool) (types.PhysAddr, error) {
	base := types.VirtAddr(types.PageRoundDown(uint64(va)))
	pa, flags, ok := pt.Translate(c, base)
	if !ok {
		if err := pt.HandleFault(c, base); err != nil {
			return 0, kerror.ErrBadAddress
		}
		pa, flags, ok = pt.Translate(c, base)
		if !ok {
			return 0, kerror.ErrBadAddress
		}
	}
	if flags&types.PteU == 0 {
		return 0, kerror.ErrBadAddress
	}
	if write && flags&types.PteW == 0 {
		return 0, kerror.ErrBadAddress
	}
	if !write && flags&types.PteR == 0 {
		return 0, kerror.ErrBadAddress
	}
	return pa, nil
}

// HandleFault is the lazy-allocation hook: for a load or store fault
// below the declared size, allocate, zero, and map a user page.
func (pt *PageTable) HandleFault(c klock.CPU, va types.VirtAddr) error {
	if pt.lazyLimit == 0 || uint64(va) >= pt.lazyLimit {
		return kerror.ErrBadAddress
	}
	base := types.VirtAddr(types.PageRoundDown(uint64(va)))
	if _, _, ok := pt.Translate(c, base); ok {
		return kerror.ErrBadAddress
	}
	frame, err := pt.alloc.AllocZero(c)
	if err != nil {
		return err
	}
	if err := pt.Map(c, base, frame, types.PageSize, types.PteR|types.PteW|types.PteU); err != nil {
		pt.alloc.Free(c, frame)
		return err
	}
	return nil
}
