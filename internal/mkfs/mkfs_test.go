package mkfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-riscvos/internal/machine"
	"github.com/deploymenttheory/go-riscvos/internal/types"
)

// formatTestDisk formats a fresh in-memory disk and returns it with
// its decoded superblock.
func formatTestDisk(t *testing.T, nblocks uint32, files []File) (*machine.MemDisk, *types.SuperBlock) {
	t.Helper()
	disk := machine.NewMemDisk(nblocks)
	require.NoError(t, Format(disk, files))

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

// readTestInodeData walks the inode's direct and indirect blocks and
// returns its full content.
func readTestInodeData(t *testing.T, disk *machine.MemDisk, di *types.DiskInode) []byte {
	t.Helper()
	var ind []byte
	if di.Addrs[types.NDirect] != 0 {
		ind = make([]byte, types.BlockSize)
		require.NoError(t, disk.ReadBlock(types.Blockno(di.Addrs[types.NDirect]), ind))
	}

	data := make([]byte, 0, di.Size)
	nblocks := (di.Size + types.BlockSize - 1) / types.BlockSize
	for fbn := uint32(0); fbn < nblocks; fbn++ {
		var bno uint32
		if fbn < types.NDirect {
			bno = di.Addrs[fbn]
		} else {
			i := fbn - types.NDirect
			bno = types.DiskEndian.Uint32(ind[4*i : 4*i+4])
		}
		require.NotZero(t, bno)
		buf := make([]byte, types.BlockSize)
		require.NoError(t, disk.ReadBlock(types.Blockno(bno), buf))
		data = append(data, buf...)
	}
	return data[:di.Size]
}

// findDirent scans a directory's content for name.
func findDirent(t *testing.T, data []byte, name string) (types.Inum, bool) {
	t.Helper()
	for off := 0; off+types.DirentSize <= len(data); off += types.DirentSize {
		de, err := types.ParseDirent(data[off : off+types.DirentSize])
		require.NoError(t, err)
		if de.Inum != 0 && de.NameString() == name {
			return types.Inum(de.Inum), true
		}
	}
	return 0, false
}

func TestFormatLayout(t *testing.T) {
	_, sb := formatTestDisk(t, 1000, nil)

	ninodeblocks := uint32(NInodes/types.InodesPerBlock + 1)
	nmeta := 2 + (types.LogBlocks + 1) + ninodeblocks + 1

	assert.EqualValues(t, types.FSMagic, sb.Magic)
	assert.EqualValues(t, 1000, sb.Size)
	assert.EqualValues(t, 1000-nmeta, sb.NBlocks)
	assert.EqualValues(t, NInodes, sb.NInodes)
	assert.EqualValues(t, types.LogBlocks+1, sb.NLog)
	assert.EqualValues(t, 2, sb.LogStart)
	assert.EqualValues(t, 2+types.LogBlocks+1, sb.InodeStart)
	assert.EqualValues(t, 2+types.LogBlocks+1+ninodeblocks, sb.BmapStart)
}

func TestFormatRootDirectory(t *testing.T) {
	disk, sb := formatTestDisk(t, 1000, nil)

	root := readTestInode(t, disk, sb, types.RootInum)
	assert.Equal(t, types.FileTypeDir, root.Type)
	assert.EqualValues(t, 1, root.NLink)
	assert.EqualValues(t, 2*types.DirentSize, root.Size)

	data := readTestInodeData(t, disk, root)
	dot, ok := findDirent(t, data, ".")
	require.True(t, ok)
	assert.EqualValues(t, types.RootInum, dot)
	dotdot, ok := findDirent(t, data, "..")
	require.True(t, ok)
	assert.EqualValues(t, types.RootInum, dotdot)
}

func TestFormatInstallsFiles(t *testing.T) {
	payload := make([]byte, 2000)
	for i := range payload {
		payload[i] = byte(i * 3)
	}
	disk, sb := formatTestDisk(t, 1000, []File{{Name: "boot", Data: payload}})

	root := readTestInode(t, disk, sb, types.RootInum)
	inum, ok := findDirent(t, readTestInodeData(t, disk, root), "boot")
	require.True(t, ok)

	di := readTestInode(t, disk, sb, inum)
	assert.Equal(t, types.FileTypeFile, di.Type)
	assert.EqualValues(t, len(payload), di.Size)
	assert.Equal(t, payload, readTestInodeData(t, disk, di))
}

func TestFormatLargeFileUsesIndirect(t *testing.T) {
	payload := make([]byte, (types.NDirect+3)*types.BlockSize)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	disk, sb := formatTestDisk(t, 1000, []File{{Name: "big", Data: payload}})

	root := readTestInode(t, disk, sb, types.RootInum)
	inum, ok := findDirent(t, readTestInodeData(t, disk, root), "big")
	require.True(t, ok)

	di := readTestInode(t, disk, sb, inum)
	assert.NotZero(t, di.Addrs[types.NDirect], "indirect block allocated")
	assert.Equal(t, payload, readTestInodeData(t, disk, di))
}

func TestFormatBitmapCoversAllocated(t *testing.T) {
	disk, sb := formatTestDisk(t, 1000, nil)

	buf := make([]byte, types.BlockSize)
	require.NoError(t, disk.ReadBlock(types.BitmapBlock(0, sb), buf))

	bit := func(bno uint32) bool {
		return buf[bno/8]&(1<<(bno%8)) != 0
	}
	nmeta := sb.Size - sb.NBlocks
	assert.True(t, bit(0), "boot block marked used")
	assert.True(t, bit(nmeta-1), "last metadata block marked used")
	assert.True(t, bit(nmeta), "root directory block marked used")
	assert.False(t, bit(nmeta+1), "unallocated data block stays free")
	assert.False(t, bit(sb.Size-1))
}

func TestFormatRejects(t *testing.T) {
	tests := []struct {
		name    string
		nblocks uint32
		files   []File
	}{
		{name: "tiny device", nblocks: 10},
		{name: "empty file name", nblocks: 1000, files: []File{{Name: ""}}},
		{name: "overlong file name", nblocks: 1000, files: []File{{Name: "averylongfilename"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			disk := machine.NewMemDisk(tt.nblocks)
			assert.Error(t, Format(disk, tt.files))
		})
	}
}

func TestExecutableRoundTrip(t *testing.T) {
	text := []byte{0x13, 0x05, 0x00, 0x00}
	data := make([]byte, 600)
	for i := range data {
		data[i] = byte(i)
	}
	img := Executable(0x1000,
		Segment{Vaddr: 0x1000, Data: text},
		Segment{Vaddr: 0x3000, Data: data, Memsz: 2 * types.PageSize, Flags: SegRead | SegWrite},
	)

	eh, err := types.ParseELFHeader(img)
	require.NoError(t, err)
	assert.EqualValues(t, 0x1000, eh.Entry)
	assert.EqualValues(t, 2, eh.Phnum)
	assert.EqualValues(t, types.ELFHeaderSize, eh.Phoff)

	ph0, err := types.ParseELFProgHeader(img[types.ELFHeaderSize:])
	require.NoError(t, err)
	assert.Equal(t, types.ELFProgLoad, ph0.Type)
	assert.EqualValues(t, 0x1000, ph0.Vaddr)
	assert.EqualValues(t, len(text), ph0.Filesz)
	assert.EqualValues(t, len(text), ph0.Memsz, "zero memsz means the file bytes alone")
	assert.Equal(t, SegRead|SegExec, ph0.Flags, "zero flags mean read and execute")
	assert.Equal(t, text, img[ph0.Off:ph0.Off+ph0.Filesz])

	ph1, err := types.ParseELFProgHeader(img[types.ELFHeaderSize+types.ELFProgEntrySize:])
	require.NoError(t, err)
	assert.EqualValues(t, 0x3000, ph1.Vaddr)
	assert.EqualValues(t, len(data), ph1.Filesz)
	assert.EqualValues(t, 2*types.PageSize, ph1.Memsz)
	assert.Equal(t, SegRead|SegWrite, ph1.Flags)
	assert.Equal(t, data, img[ph1.Off:ph1.Off+ph1.Filesz])
}
