package kalloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-riscvos/internal/kernel/kerror"
	"github.com/deploymenttheory/go-riscvos/internal/machine"
	"github.com/deploymenttheory/go-riscvos/internal/types"
)

// createTestAllocator builds an allocator over a small RAM with
// nothing reserved, so every page is on the free list.
func createTestAllocator(pages int) (*Allocator, *machine.Hart) {
	ram := machine.NewRAM(pages * types.PageSize)
	return New(ram, ram.Base()), machine.NewHart(0)
}

func TestAllocatorFreeCount(t *testing.T) {
	tests := []struct {
		name  string
		pages int
	}{
		{name: "one page", pages: 1},
		{name: "eight pages", pages: 8},
		{name: "many pages", pages: 64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, h := createTestAllocator(tt.pages)
			assert.Equal(t, tt.pages, a.NFree(h))
		})
	}
}

func TestAllocatorExhaustion(t *testing.T) {
	const pages = 4
	a, h := createTestAllocator(pages)

	var got []types.PhysAddr
	for i := 0; i < pages; i++ {
		pa, err := a.Alloc(h)
		require.NoError(t, err)
		assert.Zero(t, uint64(pa)%types.PageSize, "frames are page-aligned")
		got = append(got, pa)
	}
	assert.Equal(t, 0, a.NFree(h))

	_, err := a.Alloc(h)
	assert.ErrorIs(t, err, kerror.ErrNoMem)

	// Distinct frames only.
	seen := make(map[types.PhysAddr]bool)
	for _, pa := range got {
		assert.False(t, seen[pa], "frame %#x handed out twice", uint64(pa))
		seen[pa] = true
	}
}

func TestAllocatorFreeAndReuse(t *testing.T) {
	a, h := createTestAllocator(2)

	pa1, err := a.Alloc(h)
	require.NoError(t, err)
	pa2, err := a.Alloc(h)
	require.NoError(t, err)
	require.Equal(t, 0, a.NFree(h))

	a.Free(h, pa1)
	assert.Equal(t, 1, a.NFree(h))

	// The free list is LIFO, so the frame comes straight back.
	pa3, err := a.Alloc(h)
	require.NoError(t, err)
	assert.Equal(t, pa1, pa3)

	a.Free(h, pa2)
	a.Free(h, pa3)
	assert.Equal(t, 2, a.NFree(h))
}

func TestAllocZeroZeroes(t *testing.T) {
	ram := machine.NewRAM(2 * types.PageSize)
	a := New(ram, ram.Base())
	h := machine.NewHart(0)

	pa, err := a.AllocZero(h)
	require.NoError(t, err)
	for i, b := range ram.Page(pa) {
		require.Zero(t, b, "byte %d not zeroed", i)
	}
}

func TestAllocFillsJunk(t *testing.T) {
	a, h := createTestAllocator(1)
	ram := a.ram

	pa, err := a.Alloc(h)
	require.NoError(t, err)
	page := ram.Page(pa)
	assert.EqualValues(t, allocJunk, page[0])
	assert.EqualValues(t, allocJunk, page[types.PageSize-1])

	a.Free(h, pa)
	assert.EqualValues(t, freeJunk, page[types.PageSize-1], "freed frames are poisoned past the list link")
}

func TestFreeBadFramePanics(t *testing.T) {
	ram := machine.NewRAM(4 * types.PageSize)
	start := ram.Base() + 2*types.PageSize
	a := New(ram, start)
	h := machine.NewHart(0)

	tests := []struct {
		name string
		pa   types.PhysAddr
	}{
		{name: "unaligned", pa: start + 1},
		{name: "below start", pa: ram.Base()},
		{name: "past end", pa: ram.Stop()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Panics(t, func() { a.Free(h, tt.pa) })
		})
	}
}

func TestNewRoundsStartUp(t *testing.T) {
	ram := machine.NewRAM(4 * types.PageSize)
	a := New(ram, ram.Base()+1)
	h := machine.NewHart(0)

	// The partial first page is not usable.
	assert.Equal(t, 3, a.NFree(h))
}
