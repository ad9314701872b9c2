package fs

import (
	"github.com/deploymenttheory/go-riscvos/internal/kernel/kerror"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/klock"
	"github.com/deploymenttheory/go-riscvos/internal/types"
)

// Free-bitmap block allocation. Must run inside a transaction.

// bzero clears a freshly allocated block.
func (fsys *FS) bzero(w klock.Waiter, bno types.Blockno) {
	b := fsys.bc.Read(w, bno)
	for i := range b.Data {
		b.Data[i] = 0
	}
	fsys.log.Write(w, b)
	fsys.bc.Release(w, b)
}

// balloc allocates a zeroed data block.
func (fsys *FS) balloc(w klock.Waiter) (types.Blockno, error) {
	for base := uint32(0); base < fsys.sb.Size; base += types.BitsPerBlock {
		bp := fsys.bc.Read(w, types.BitmapBlock(types.Blockno(base), &fsys.sb))
		for bi := uint32(0); bi < types.BitsPerBlock && base+bi < fsys.sb.Size; bi++ {
			m := byte(1) << (bi % 8)
			if bp.Data[bi/8]&m == 0 {
				bp.Data[bi/8] |= m
				fsys.log.Write(w, bp)
				fsys.bc.Release(w, bp)
				bno := types.Blockno(base + bi)
				fsys.bzero(w, bno)
				return bno, nil
			}
		}
		fsys.bc.Release(w, bp)
	}
	return 0, kerror.ErrNoSpace
}

// bfree returns a block to the bitmap.
func (fsys *FS) bfree(w klock.Waiter, bno types.Blockno) {
	bp := fsys.bc.Read(w, types.BitmapBlock(bno, &fsys.sb))
	bi := uint32(bno) % types.BitsPerBlock
	m := byte(1) << (bi % 8)
	if bp.Data[bi/8]&m == 0 {
		panic("fs: freeing free block")
	}
	bp.Data[bi/8] &^= m
	fsys.log.Write(w, bp)
	fsys.bc.Release(w, bp)
}
