package types

import (
	"encoding/binary"
	"fmt"
)

// DiskEndian is the byte order of every on-disk structure.
var DiskEndian binary.ByteOrder = binary.LittleEndian

// SuperBlock describes the disk layout. It lives in block 1.
type SuperBlock struct {
	Magic      uint32 // must be FSMagic
	Size       uint32 // total blocks in the image
	NBlocks    uint32 // number of data blocks
	NInodes    uint32 // number of inodes
	NLog       uint32 // number of log blocks (header + slots)
	LogStart   uint32 // first log block
	InodeStart uint32 // first inode block
	BmapStart  uint32 // first free-bitmap block
}

// SuperBlockSize is the number of meaningful bytes in a serialized
// superblock.
const SuperBlockSize = 32

// ParseSuperBlock decodes a superblock from the start of data and
// validates its magic number.
func ParseSuperBlock(data []byte, endian binary.ByteOrder) (*SuperBlock, error) {
	if len(data) < SuperBlockSize {
		return nil, fmt.Errorf("data too small for superblock: %d bytes, need %d", len(data), SuperBlockSize)
	}
	sb := &SuperBlock{
		Magic:      endian.Uint32(data[0:4]),
		Size:       endian.Uint32(data[4:8]),
		NBlocks:    endian.Uint32(data[8:12]),
		NInodes:    endian.Uint32(data[12:16]),
		NLog:       endian.Uint32(data[16:20]),
		LogStart:   endian.Uint32(data[20:24]),
		InodeStart: endian.Uint32(data[24:28]),
		BmapStart:  endian.Uint32(data[28:32]),
	}
	if sb.Magic != FSMagic {
		return nil, fmt.Errorf("invalid superblock magic: got 0x%08X, want 0x%08X", sb.Magic, FSMagic)
	}
	return sb, nil
}

// Encode serializes the superblock into data.
func (sb *SuperBlock) Encode(data []byte, endian binary.ByteOrder) {
	endian.PutUint32(data[0:4], sb.Magic)
	endian.PutUint32(data[4:8], sb.Size)
	endian.PutUint32(data[8:12], sb.NBlocks)
	endian.PutUint32(data[12:16], sb.NInodes)
	endian.PutUint32(data[16:20], sb.NLog)
	endian.PutUint32(data[20:24], sb.LogStart)
	endian.PutUint32(data[24:28], sb.InodeStart)
	endian.PutUint32(data[28:32], sb.BmapStart)
}

// DiskInode is the on-disk inode. Type 0 means the inode is free.
// Addrs[NDirect] is the singly-indirect block.
type DiskInode struct {
	Type  uint16
	Major uint16
	Minor uint16
	NLink uint16
	Size  uint32
	Addrs [NDirect + 1]uint32
}

// ParseDiskInode decodes one on-disk inode.
func ParseDiskInode(data []byte) (*DiskInode, error) {
	if len(data) < DiskInodeSize {
		return nil, fmt.Errorf("data too small for disk inode: %d bytes, need %d", len(data), DiskInodeSize)
	}
	di := &DiskInode{
		Type:  DiskEndian.Uint16(data[0:2]),
		Major: DiskEndian.Uint16(data[2:4]),
		Minor: DiskEndian.Uint16(data[4:6]),
		NLink: DiskEndian.Uint16(data[6:8]),
		Size:  DiskEndian.Uint32(data[8:12]),
	}
	off := 12
	for i := range di.Addrs {
		di.Addrs[i] = DiskEndian.Uint32(data[off : off+4])
		off += 4
	}
	return di, nil
}

// Encode serializes the inode into data.
func (di *DiskInode) Encode(data []byte) {
	DiskEndian.PutUint16(data[0:2], di.Type)
	DiskEndian.PutUint16(data[2:4], di.Major)
	DiskEndian.PutUint16(data[4:6], di.Minor)
	DiskEndian.PutUint16(data[6:8], di.NLink)
	DiskEndian.PutUint32(data[8:12], di.Size)
	off := 12
	for i := range di.Addrs {
		DiskEndian.PutUint32(data[off:off+4], di.Addrs[i])
		off += 4
	}
}

// Dirent is one directory entry. Inum 0 marks an empty slot.
type Dirent struct {
	Inum uint16
	Name [DirNameSize]byte
}

// ParseDirent decodes one directory entry.
func ParseDirent(data []byte) (*Dirent, error) {
	if len(data) < DirentSize {
		return nil, fmt.Errorf("data too small for dirent: %d bytes, need %d", len(data), DirentSize)
	}
	de := &Dirent{Inum: DiskEndian.Uint16(data[0:2])}
	copy(de.Name[:], data[2:2+DirNameSize])
	return de, nil
}

// Encode serializes the entry into data.
func (de *Dirent) Encode(data []byte) {
	DiskEndian.PutUint16(data[0:2], de.Inum)
	copy(data[2:2+DirNameSize], de.Name[:])
}

// NameString returns the entry name up to the first NUL.
func (de *Dirent) NameString() string {
	for i, b := range de.Name {
		if b == 0 {
			return string(de.Name[:i])
		}
	}
	return string(de.Name[:])
}

// SetName stores name NUL-padded. Names longer than DirNameSize are
// rejected by the directory layer before this point.
func (de *Dirent) SetName(name string) {
	for i := range de.Name {
		de.Name[i] = 0
	}
	copy(de.Name[:], name)
}

// LogHeader is the on-disk log header: a count followed by the
// destination block number of each logged slot. Writing it with a
// nonzero count is the commit point of a transaction.
type LogHeader struct {
	N     uint32
	Block [LogBlocks]uint32
}

// ParseLogHeader decodes the log header block.
func ParseLogHeader(data []byte) (*LogHeader, error) {
	need := 4 + 4*LogBlocks
	if len(data) < need {
		return nil, fmt.Errorf("data too small for log header: %d bytes, need %d", len(data), need)
	}
	lh := &LogHeader{N: DiskEndian.Uint32(data[0:4])}
	off := 4
	for i := range lh.Block {
		lh.Block[i] = DiskEndian.Uint32(data[off : off+4])
		off += 4
	}
	return lh, nil
}

// Encode serializes the header into data.
func (lh *LogHeader) Encode(data []byte) {
	DiskEndian.PutUint32(data[0:4], lh.N)
	off := 4
	for i := range lh.Block {
		DiskEndian.PutUint32(data[off:off+4], lh.Block[i])
		off += 4
	}
}
