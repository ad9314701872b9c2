package vm

import (
	"github.com/deploymenttheory/go-riscvos/internal/kernel/kalloc"
	"github.com/deploymenttheory/go-riscvos/internal/kernel/klock"
	"github.com/deploymenttheory/go-riscvos/internal/machine"
	"github.com/deploymenttheory/go-riscvos/internal/types"
)

// NewKernelSpace builds the kernel address space: an identity map of
// the device regions, kernel text (RX), kernel data plus the rest of
// RAM (RW), and the shared trampoline page at the top of the space.
func NewKernelSpace(c klock.CPU, ram *machine.RAM, alloc *kalloc.Allocator, trampoline types.PhysAddr) (*PageTable, error) {
	pt, err := New(c, ram, alloc)
	if err != nil {
		return nil, err
	}
	etext := types.KernBase + types.KernTextBytes

	maps := []struct {
		va   types.VirtAddr
		pa   types.PhysAddr
		size uint64
		perm types.PTE
	}{
		{types.VirtAddr(types.UART0), types.UART0, types.PageSize, types.PteR | types.PteW},
		{types.VirtAddr(types.Virtio0), types.Virtio0, types.PageSize, types.PteR | types.PteW},
		{types.VirtAddr(types.PLICBase), types.PLICBase, types.PLICSize, types.PteR | types.PteW},
		{types.VirtAddr(types.KernBase), types.KernBase, uint64(etext - types.KernBase), types.PteR | types.PteX},
		{types.VirtAddr(etext), etext, uint64(ram.Stop() - etext), types.PteR | types.PteW},
		{types.TrampolineBase, trampoline, types.PageSize, types.PteR | types.PteX},
	}
	for _, m := range maps {
		if err := pt.Map(c, m.va, m.pa, m.size, m.perm); err != nil {
			return nil, err
		}
	}
	return pt, nil
}

// MapKernelStack allocates and maps the kernel stack for process
// slot i, leaving the page below it unmapped as a guard. It returns
// the stack's base virtual address.
func (pt *PageTable) MapKernelStack(c klock.CPU, i int) (types.VirtAddr, error) {
	frame, err := pt.alloc.AllocZero(c)
	if err != nil {
		return 0, err
	}
	va := types.KStackVA(i)
	if err := pt.Map(c, va, frame, types.PageSize, types.PteR|types.PteW); err != nil {
		pt.alloc.Free(c, frame)
		return 0, err
	}
	return va, nil
}
