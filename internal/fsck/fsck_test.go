package fsck

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-riscvos/internal/machine"
	"github.com/deploymenttheory/go-riscvos/internal/mkfs"
	"github.com/deploymenttheory/go-riscvos/internal/types"
)

// createTestImage formats a fresh image and returns it with its
// decoded superblock.
func createTestImage(t *testing.T, nblocks uint32, files []mkfs.File) (*machine.MemDisk, *types.SuperBlock) {
	t.Helper()
	disk := machine.NewMemDisk(nblocks)
	require.NoError(t, mkfs.Format(disk, files))

	buf := make([]byte, types.BlockSize)
	require.NoError(t, disk.ReadBlock(1, buf))
	sb, err := types.ParseSuperBlock(buf, types.DiskEndian)
	require.NoError(t, err)
	return disk, sb
}

func readTestInode(t *testing.T, disk *machine.MemDisk, sb *types.SuperBlock, inum types.Inum) *types.DiskInode {
	t.Helper()
	buf := make([]byte, types.BlockSize)
	require.NoError(t, disk.ReadBlock(types.InodeBlock(inum, sb), buf))
	off := (uint32(inum) % types.InodesPerBlock) * types.DiskInodeSize
	di, err := types.ParseDiskInode(buf[off : off+types.DiskInodeSize])
	require.NoError(t, err)
	return di
}

func writeTestInode(t *testing.T, disk *machine.MemDisk, sb *types.SuperBlock, inum types.Inum, di *types.DiskInode) {
	t.Helper()
	buf := make([]byte, types.BlockSize)
	bno := types.InodeBlock(inum, sb)
	require.NoError(t, disk.ReadBlock(bno, buf))
	off := (uint32(inum) % types.InodesPerBlock) * types.DiskInodeSize
	di.Encode(buf[off : off+types.DiskInodeSize])
	require.NoError(t, disk.WriteBlock(bno, buf))
}

// flipBitmapBit toggles the allocation bit of block bno.
func flipBitmapBit(t *testing.T, disk *machine.MemDisk, sb *types.SuperBlock, bno uint32) {
	t.Helper()
	buf := make([]byte, types.BlockSize)
	bb := types.BitmapBlock(types.Blockno(bno), sb)
	require.NoError(t, disk.ReadBlock(bb, buf))
	bi := bno % types.BitsPerBlock
	buf[bi/8] ^= 1 << (bi % 8)
	require.NoError(t, disk.WriteBlock(bb, buf))
}

func TestCheckCleanImage(t *testing.T) {
	big := make([]byte, (types.NDirect+2)*types.BlockSize)
	tests := []struct {
		name  string
		files []mkfs.File
	}{
		{name: "empty root"},
		{name: "with files", files: []mkfs.File{
			{Name: "a", Data: []byte("alpha")},
			{Name: "big", Data: big},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			disk, _ := createTestImage(t, 1000, tt.files)
			rep, err := Check(disk)
			require.NoError(t, err)
			assert.True(t, rep.Clean(), "problems: %v", rep.Problems)
			assert.Zero(t, rep.LogPending)
		})
	}
}

func TestCheckBitmapMismatch(t *testing.T) {
	t.Run("used block marked free", func(t *testing.T) {
		disk, sb := createTestImage(t, 1000, nil)
		root := readTestInode(t, disk, sb, types.RootInum)
		flipBitmapBit(t, disk, sb, root.Addrs[0])

		rep, err := Check(disk)
		require.NoError(t, err)
		require.Len(t, rep.Problems, 1)
		assert.Contains(t, rep.Problems[0], "in use but free")
	})

	t.Run("free block marked used", func(t *testing.T) {
		disk, sb := createTestImage(t, 1000, nil)
		flipBitmapBit(t, disk, sb, sb.Size-1)

		rep, err := Check(disk)
		require.NoError(t, err)
		require.Len(t, rep.Problems, 1)
		assert.Contains(t, rep.Problems[0], "free but marked used")
	})
}

func TestCheckUnreachableInode(t *testing.T) {
	disk, sb := createTestImage(t, 1000, nil)
	writeTestInode(t, disk, sb, 50, &types.DiskInode{Type: types.FileTypeFile, NLink: 1})

	rep, err := Check(disk)
	require.NoError(t, err)
	require.Len(t, rep.Problems, 1)
	assert.Contains(t, rep.Problems[0], "unreachable")
}

func TestCheckDoubleReferencedBlock(t *testing.T) {
	disk, sb := createTestImage(t, 1000, []mkfs.File{{Name: "f", Data: []byte("x")}})

	root := readTestInode(t, disk, sb, types.RootInum)
	fi, ok := findRootEntry(t, disk, sb, "f")
	require.True(t, ok)

	di := readTestInode(t, disk, sb, fi)
	di.Addrs[1] = root.Addrs[0]
	writeTestInode(t, disk, sb, fi, di)

	rep, err := Check(disk)
	require.NoError(t, err)
	require.Len(t, rep.Problems, 1)
	assert.Contains(t, rep.Problems[0], "referenced by both")
}

func TestCheckEntryNamesFreeInode(t *testing.T) {
	disk, sb := createTestImage(t, 1000, nil)

	// Splice a ghost entry into the root directory by hand.
	root := readTestInode(t, disk, sb, types.RootInum)
	buf := make([]byte, types.BlockSize)
	require.NoError(t, disk.ReadBlock(types.Blockno(root.Addrs[0]), buf))
	de := types.Dirent{Inum: 7}
	de.SetName("ghost")
	de.Encode(buf[root.Size : root.Size+types.DirentSize])
	require.NoError(t, disk.WriteBlock(types.Blockno(root.Addrs[0]), buf))
	root.Size += types.DirentSize
	writeTestInode(t, disk, sb, types.RootInum, root)

	rep, err := Check(disk)
	require.NoError(t, err)
	require.Len(t, rep.Problems, 1)
	assert.Contains(t, rep.Problems[0], "names free inode")
}

func TestCheckHonorsPendingLog(t *testing.T) {
	disk, sb := createTestImage(t, 1000, nil)

	// Stage a committed but uninstalled transaction that rewrites the
	// root directory block with its current content.
	root := readTestInode(t, disk, sb, types.RootInum)
	slot := make([]byte, types.BlockSize)
	require.NoError(t, disk.ReadBlock(types.Blockno(root.Addrs[0]), slot))
	require.NoError(t, disk.WriteBlock(types.Blockno(sb.LogStart+1), slot))

	hdr := types.LogHeader{N: 1}
	hdr.Block[0] = root.Addrs[0]
	head := make([]byte, types.BlockSize)
	hdr.Encode(head)
	require.NoError(t, disk.WriteBlock(types.Blockno(sb.LogStart), head))

	rep, err := Check(disk)
	require.NoError(t, err)
	assert.EqualValues(t, 1, rep.LogPending)
	assert.True(t, rep.Clean(), "problems: %v", rep.Problems)
}

func TestCheckRejectsBadSuperblock(t *testing.T) {
	t.Run("size mismatch", func(t *testing.T) {
		disk, sb := createTestImage(t, 1000, nil)
		sb.Size = 999
		buf := make([]byte, types.BlockSize)
		sb.Encode(buf, types.DiskEndian)
		require.NoError(t, disk.WriteBlock(1, buf))

		_, err := Check(disk)
		assert.Error(t, err)
	})

	t.Run("bad magic", func(t *testing.T) {
		disk, _ := createTestImage(t, 1000, nil)
		require.NoError(t, disk.WriteBlock(1, make([]byte, types.BlockSize)))

		_, err := Check(disk)
		assert.Error(t, err)
	})
}

// findRootEntry resolves name in the root directory's first block.
func findRootEntry(t *testing.T, disk *machine.MemDisk, sb *types.SuperBlock, name string) (types.Inum, bool) {
	t.Helper()
	root := readTestInode(t, disk, sb, types.RootInum)
	buf := make([]byte, types.BlockSize)
	require.NoError(t, disk.ReadBlock(types.Blockno(root.Addrs[0]), buf))
	for off := uint32(0); off+types.DirentSize <= root.Size; off += types.DirentSize {
		de, err := types.ParseDirent(buf[off : off+types.DirentSize])
		require.NoError(t, err)
		if de.Inum != 0 && de.NameString() == name {
			return types.Inum(de.Inum), true
		}
	}
	return 0, false
}
