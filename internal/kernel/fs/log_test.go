package fs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-riscvos/internal/machine"
	"github.com/deploymenttheory/go-riscvos/internal/types"
)

// testLogSuper describes a minimal layout for log-only tests: header
// at block 2, slots right after, home blocks from 40 up.
func testLogSuper(nblocks uint32) *types.SuperBlock {
	return &types.SuperBlock{
		Magic:    types.FSMagic,
		Size:     nblocks,
		NLog:     types.LogBlocks + 1,
		LogStart: 2,
	}
}

func createTestLog(dev machine.BlockDevice) (*Log, *BufCache, *testWaiter) {
	bc := NewBufCache(dev)
	w := newTestHub().waiter(0)
	return NewLog(w, testLogSuper(dev.Size()), bc), bc, w
}

func readLogHeader(t *testing.T, d *machine.MemDisk) *types.LogHeader {
	t.Helper()
	buf := make([]byte, types.BlockSize)
	require.NoError(t, d.ReadBlock(2, buf))
	hdr, err := types.ParseLogHeader(buf)
	require.NoError(t, err)
	return hdr
}

func TestLogCommitInstallsAndClears(t *testing.T) {
	disk := machine.NewMemDisk(64)
	l, bc, w := createTestLog(disk)

	l.BeginOp(w)
	b := bc.Read(w, 40)
	b.Data[0] = 0x42
	l.Write(w, b)
	bc.Release(w, b)
	l.EndOp(w)

	buf := make([]byte, types.BlockSize)
	require.NoError(t, disk.ReadBlock(40, buf))
	assert.EqualValues(t, 0x42, buf[0], "commit installs the home block")
	assert.Zero(t, readLogHeader(t, disk).N, "commit clears the header")
}

func TestLogAbsorbsRepeatedWrites(t *testing.T) {
	disk := machine.NewMemDisk(64)
	l, bc, w := createTestLog(disk)

	l.BeginOp(w)
	b := bc.Read(w, 40)
	b.Data[0] = 1
	l.Write(w, b)
	bc.Release(w, b)

	b = bc.Read(w, 40)
	b.Data[0] = 2
	l.Write(w, b)
	bc.Release(w, b)

	assert.EqualValues(t, 1, l.hdr.N, "same block takes one slot")
	l.EndOp(w)

	buf := make([]byte, types.BlockSize)
	require.NoError(t, disk.ReadBlock(40, buf))
	assert.EqualValues(t, 2, buf[0])
}

func TestLogWriteOutsideOpPanics(t *testing.T) {
	disk := machine.NewMemDisk(64)
	l, bc, w := createTestLog(disk)

	b := bc.Read(w, 40)
	assert.Panics(t, func() { l.Write(w, b) })
	bc.Release(w, b)
}

func TestLogRecoveryReplaysCommitted(t *testing.T) {
	disk := machine.NewMemDisk(64)

	// A crash left a committed transaction: slot 0 holds the new
	// contents of block 40, and the header records it.
	slot := make([]byte, types.BlockSize)
	slot[0] = 0x77
	require.NoError(t, disk.WriteBlock(3, slot))

	hdr := types.LogHeader{N: 1}
	hdr.Block[0] = 40
	head := make([]byte, types.BlockSize)
	hdr.Encode(head)
	require.NoError(t, disk.WriteBlock(2, head))

	createTestLog(disk)

	buf := make([]byte, types.BlockSize)
	require.NoError(t, disk.ReadBlock(40, buf))
	assert.EqualValues(t, 0x77, buf[0], "recovery replays the slot")
	assert.Zero(t, readLogHeader(t, disk).N)
}

func TestLogRecoveryIgnoresUncommitted(t *testing.T) {
	disk := machine.NewMemDisk(64)

	// Slot data without a committed header is a torn transaction.
	slot := make([]byte, types.BlockSize)
	slot[0] = 0x77
	require.NoError(t, disk.WriteBlock(3, slot))

	createTestLog(disk)

	buf := make([]byte, types.BlockSize)
	require.NoError(t, disk.ReadBlock(40, buf))
	assert.Zero(t, buf[0], "uncommitted slot must not be installed")
}

// TestLogCrashBeforeCommitLosesOp cuts power after the slot write but
// before the header write. The operation must vanish without a trace.
func TestLogCrashBeforeCommitLosesOp(t *testing.T) {
	inner := machine.NewMemDisk(64)
	fillDiskBlock(t, inner, 40, 0xAA)

	// Write 1 is recovery's header reset, write 2 the log slot. The
	// commit-point header write is dropped.
	cd := machine.NewCrashDisk(inner, 2)
	l, bc, w := createTestLog(cd)

	l.BeginOp(w)
	b := bc.Read(w, 40)
	b.Data[0] = 0xBB
	l.Write(w, b)
	bc.Release(w, b)
	l.EndOp(w)
	require.True(t, cd.Crashed())

	// Remount the surviving disk image.
	createTestLog(inner)

	buf := make([]byte, types.BlockSize)
	require.NoError(t, inner.ReadBlock(40, buf))
	assert.EqualValues(t, 0xAA, buf[0], "home block keeps the old contents")
	assert.Zero(t, readLogHeader(t, inner).N)
}

// TestLogCrashAfterCommitReplays cuts power right after the header
// write. Recovery must finish the installation.
func TestLogCrashAfterCommitReplays(t *testing.T) {
	inner := machine.NewMemDisk(64)
	fillDiskBlock(t, inner, 40, 0xAA)

	// Writes: recovery header reset, log slot, commit-point header.
	// The install and the final header reset are dropped.
	cd := machine.NewCrashDisk(inner, 3)
	l, bc, w := createTestLog(cd)

	l.BeginOp(w)
	b := bc.Read(w, 40)
	b.Data[0] = 0xBB
	l.Write(w, b)
	bc.Release(w, b)
	l.EndOp(w)
	require.True(t, cd.Crashed())
	require.EqualValues(t, 1, readLogHeader(t, inner).N, "commit point reached the disk")

	createTestLog(inner)

	buf := make([]byte, types.BlockSize)
	require.NoError(t, inner.ReadBlock(40, buf))
	assert.EqualValues(t, 0xBB, buf[0], "recovery installs the committed write")
	assert.Zero(t, readLogHeader(t, inner).N)
}
