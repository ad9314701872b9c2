package vm

import (
	"github.com/deploymenttheory/go-riscvos/internal/kernel/kerror"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/klock"
	"github.com/deploymenttheory/go-riscvos/internal/types"
)

// User address-space operations. The user image starts at virtual
// address 0 and grows upward; the trapframe and trampoline pages sit
// at the top of the space without the user bit.

// MapTrampoline installs the shared trampoline page, readable and
// executable, supervisor-only.
func (pt *PageTable) MapTrampoline(c klock.CPU, pa types.PhysAddr) error {
	return pt.Map(c, types.TrampolineBase, pa, types.PageSize, types.PteR|types.PteX)
}

// MapTrapframe installs the per-process trapframe page, readable and
// writable, supervisor-only.
func (pt *PageTable) MapTrapframe(c klock.CPU, pa types.PhysAddr) error {
	return pt.Map(c, types.TrapframeBase, pa, types.PageSize, types.PteR|types.PteW)
}

// Grow extends the user image from oldsz to newsz bytes, mapping
// fresh zeroed frames with PteU plus xperm. On failure the image is
// restored to oldsz.
func (pt *PageTable) Grow(c klock.CPU, oldsz, newsz uint64, xperm types.PTE) (uint64, error) {
	if newsz < oldsz {
		return oldsz, nil
	}
	a := types.PageRoundUp(oldsz)
	for ; a < newsz; a += types.PageSize {
		frame, err := pt.alloc.AllocZero(c)
		if err != nil {
			pt.Shrink(c, a, oldsz)
			return 0, err
		}
		err = pt.Map(c, types.VirtAddr(a), frame, types.PageSize, types.PteR|types.PteU|xperm)
		if err != nil {
			pt.alloc.Free(c, frame)
			pt.Shrink(c, a, oldsz)
			return 0, err
		}
	}
	return newsz, nil
}

// Shrink retracts the user image from oldsz to newsz bytes, freeing
// the frames. Absent PTEs in the range are tolerated.
func (pt *PageTable) Shrink(c klock.CPU, oldsz, newsz uint64) uint64 {
	if newsz >= oldsz {
		return oldsz
	}
	if types.PageRoundUp(newsz) < types.PageRoundUp(oldsz) {
		npages := (types.PageRoundUp(oldsz) - types.PageRoundUp(newsz)) / types.PageSize
		pt.Unmap(c, types.VirtAddr(types.PageRoundUp(newsz)), npages, true)
	}
	return newsz
}

// CopyTo duplicates the first sz bytes of this user image into dst,
// page by page, copying both mappings and contents. On failure dst
// is left empty. Holes from lazy growth are skipped.
func (pt *PageTable) CopyTo(c klock.CPU, dst *PageTable, sz uint64) error {
	for a := uint64(0); a < sz; a += types.PageSize {
		slot, err := pt.walk(c, types.VirtAddr(a), false)
		if err != nil {
			return err
		}
		if slot == nil {
			continue
		}
		pte := readPTE(slot)
		if !pte.Valid() {
			continue
		}
		frame, err := dst.alloc.Alloc(c)
		if err != nil {
			dst.Unmap(c, 0, types.PageRoundUp(a)/types.PageSize, true)
			return err
		}
		copy(dst.ram.Page(frame), pt.ram.Page(types.PTEToPhys(pte)))
		if err := dst.Map(c, types.VirtAddr(a), frame, types.PageSize, pte.Flags()&^types.PteV); err != nil {
			dst.alloc.Free(c, frame)
			dst.Unmap(c, 0, types.PageRoundUp(a)/types.PageSize, true)
			return err
		}
	}
	return nil
}

// ClearUser strips the user bit from the page holding va, used for
// the guard page under the user stack.
func (pt *PageTable) ClearUser(c klock.CPU, va types.VirtAddr) {
	slot, err := pt.walk(c, va, false)
	if err != nil || slot == nil {
		panic("vm: ClearUser of unmapped page")
	}
	writePTE(slot, readPTE(slot)&^types.PteU)
}

// Free unmaps and frees the user image of sz bytes, then frees every
// page-table frame.
func (pt *PageTable) Free(c klock.CPU, sz uint64) {
	if sz > 0 {
		pt.Unmap(c, 0, types.PageRoundUp(sz)/types.PageSize, true)
	}
	pt.Unmap(c, types.TrampolineBase, 1, false)
	pt.Unmap(c, types.TrapframeBase, 1, false)
	pt.freeWalk(c, pt.root, 2)
	pt.root = 0
}

// freeWalk frees the table tree below pa. Every leaf must already be
// unmapped.
func (pt *PageTable) freeWalk(c klock.CPU, pa types.PhysAddr, level int) {
	for i := uint64(0); i < types.PTEntries; i++ {
		slot := pt.pteAt(pa, i)
		pte := readPTE(slot)
		if !pte.Valid() {
			continue
		}
		if pte.Leaf() {
			panic("vm: freeWalk found a mapped leaf")
		}
		if level == 0 {
			panic("vm: interior entry at leaf level")
		}
		pt.freeWalk(c, types.PTEToPhys(pte), level-1)
		writePTE(slot, 0)
	}
	pt.alloc.Free(c, pa)
}

// LoadInto writes src into already-mapped pages at va, ignoring the
// write bit. Exec fills freshly mapped text pages this way before the
// image first runs.
func (pt *PageTable) LoadInto(c klock.CPU, va types.VirtAddr, src []byte) error {
	for len(src) > 0 {
		base := types.VirtAddr(types.PageRoundDown(uint64(va)))
		pa, _, ok := pt.Translate(c, base)
		if !ok {
			return kerror.ErrBadAddress
		}
		off := uint64(va) % types.PageSize
		n := types.PageSize - int(off)
		if n > len(src) {
			n = len(src)
		}
		copy(pt.ram.Slice(pa+types.PhysAddr(off), n), src[:n])
		src = src[n:]
		va += types.VirtAddr(n)
	}
	return nil
}

// CopyOut copies src into the user image at va, honoring user write
// permissions page by page.
func (pt *PageTable) CopyOut(c klock.CPU, va types.VirtAddr, src []byte) error {
	for len(src) > 0 {
		pa, err := pt.userPage(c, va, true)
		if err != nil {
			return err
		}
		off := uint64(va) % types.PageSize
		n := types.PageSize - int(off)
		if n > len(src) {
			n = len(src)
		}
		copy(pt.ram.Slice(pa+types.PhysAddr(off), n), src[:n])
		src = src[n:]
		va += types.VirtAddr(n)
	}
	return nil
}

// CopyIn copies len(dst) bytes from the user image at va into dst.
func (pt *PageTable) CopyIn(c klock.CPU, dst []byte, va types.VirtAddr) error {
	for len(dst) > 0 {
		pa, err := pt.userPage(c, va, false)
		if err != nil {
			return err
		}
		off := uint64(va) % types.PageSize
		n := types.PageSize - int(off)
		if n > len(dst) {
			n = len(dst)
		}
		copy(dst[:n], pt.ram.Slice(pa+types.PhysAddr(off), n))
		dst = dst[n:]
		va += types.VirtAddr(n)
	}
	return nil
}

// CopyInStr copies a NUL-terminated string from va into dst,
// failing if no NUL appears within len(dst) bytes. It returns the
// string without the terminator.
func (pt *PageTable) CopyInStr(c klock.CPU, dst []byte, va types.VirtAddr) (string, error) {
	got := 0
	for got < len(dst) {
		pa, err := pt.userPage(c, va, false)
		if err != nil {
			return "", err
		}
		off := uint64(va) % types.PageSize
		n := types.PageSize - int(off)
		if n > len(dst)-got {
			n = len(dst) - got
		}
		chunk := pt.ram.Slice(pa+types.PhysAddr(off), n)
		for i, b := range chunk {
			if b == 0 {
				copy(dst[got:], chunk[:i])
				return string(dst[:got+i]), nil
			}
		}
		copy(dst[got:], chunk)
		got += n
		va += types.VirtAddr(n)
	}
	return "", kerror.ErrBadArg
}
