package fs

import (
	"github.com/deploymenttheory/go-riscvos/internal/kernel/klock"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/vm"
	"github.com/deploymenttheory/go-riscvos/internal/types"
)

// target abstracts where file bytes come from or go to: a kernel
// buffer or a range of user memory. The inode and device layers copy
// through it so one code path serves both.
type target interface {
	// copyOut stores src at offset off of the target.
	copyOut(c klock.CPU, off int, src []byte) error
	// copyIn loads dst from offset off of the target.
	copyIn(c klock.CPU, off int, dst []byte) error
	// size returns the target length in bytes.
	size() int
}

type kernTarget []byte

func (t kernTarget) copyOut(c klock.CPU, off int, src []byte) error {
	copy(t[off:], src)
	return nil
}

func (t kernTarget) copyIn(c klock.CPU, off int, dst []byte) error {
	copy(dst, t[off:])
	return nil
}

func (t kernTarget) size() int { return len(t) }

type userTarget struct {
	pt *vm.PageTable
	va types.VirtAddr
	n  int
}

func (t userTarget) copyOut(c klock.CPU, off int, src []byte) error {
	return t.pt.CopyOut(c, t.va+types.VirtAddr(off), src)
}

func (t userTarget) copyIn(c klock.CPU, off int, dst []byte) error {
	return t.pt.CopyIn(c, dst, t.va+types.VirtAddr(off))
}

func (t userTarget) size() int { return t.n }
