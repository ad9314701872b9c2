package machine

import (
	"fmt"
	"os"
	"sync"

	"github.com/deploymenttheory/go-riscvos/internal/types"
)

// BlockDevice is the synchronous block interface the buffer cache
// drives. Reads and writes are whole blocks and block until the
// transfer is complete, matching the virtio driver boundary.
type BlockDevice interface {
	// ReadBlock fills buf (BlockSize bytes) from block bno.
	ReadBlock(bno types.Blockno, buf []byte) error
	// WriteBlock writes buf (BlockSize bytes) to block bno.
	WriteBlock(bno types.Blockno, buf []byte) error
	// Size returns the device capacity in blocks.
	Size() uint32
}

// MemDisk is an in-memory block device.
type MemDisk struct {
	mu     sync.Mutex
	blocks []byte
}

// NewMemDisk creates an in-memory disk of nblocks blocks, zeroed.
func NewMemDisk(nblocks uint32) *MemDisk {
	return &MemDisk{blocks: make([]byte, int(nblocks)*types.BlockSize)}
}

func (d *MemDisk) off(bno types.Blockno, buf []byte) (int, error) {
	if len(buf) != types.BlockSize {
		return 0, fmt.Errorf("memdisk: buffer is %d bytes, want %d", len(buf), types.BlockSize)
	}
	o := int(bno) * types.BlockSize
	if o+types.BlockSize > len(d.blocks) {
		return 0, fmt.Errorf("memdisk: block %d out of range (%d blocks)", bno, d.Size())
	}
	return o, nil
}

// ReadBlock implements BlockDevice.
func (d *MemDisk) ReadBlock(bno types.Blockno, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, err := d.off(bno, buf)
	if err != nil {
		return err
	}
	copy(buf, d.blocks[o:o+types.BlockSize])
	return nil
}

// WriteBlock implements BlockDevice.
func (d *MemDisk) WriteBlock(bno types.Blockno, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, err := d.off(bno, buf)
	if err != nil {
		return err
	}
	copy(d.blocks[o:o+types.BlockSize], buf)
	return nil
}

// Size implements BlockDevice.
func (d *MemDisk) Size() uint32 {
	return uint32(len(d.blocks) / types.BlockSize)
}

// FileDisk is a block device backed by a host file.
type FileDisk struct {
	mu      sync.Mutex
	f       *os.File
	nblocks uint32
}

// OpenFileDisk opens path as a block device. The file size must be a
// whole number of blocks.
func OpenFileDisk(path string) (*FileDisk, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open disk image: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.Size()%types.BlockSize != 0 {
		f.Close()
		return nil, fmt.Errorf("disk image %s is not block-aligned: %d bytes", path, st.Size())
	}
	return &FileDisk{f: f, nblocks: uint32(st.Size() / types.BlockSize)}, nil
}

// ReadBlock implements BlockDevice.
func (d *FileDisk) ReadBlock(bno types.Blockno, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(buf) != types.BlockSize {
		return fmt.Errorf("filedisk: buffer is %d bytes, want %d", len(buf), types.BlockSize)
	}
	_, err := d.f.ReadAt(buf, int64(bno)*types.BlockSize)
	return err
}

// WriteBlock implements BlockDevice.
func (d *FileDisk) WriteBlock(bno types.Blockno, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(buf) != types.BlockSize {
		return fmt.Errorf("filedisk: buffer is %d bytes, want %d", len(buf), types.BlockSize)
	}
	_, err := d.f.WriteAt(buf, int64(bno)*types.BlockSize)
	return err
}

// Size implements BlockDevice.
func (d *FileDisk) Size() uint32 {
	return d.nblocks
}

// Close releases the backing file.
func (d *FileDisk) Close() error {
	return d.f.Close()
}

// CrashDisk wraps a device and silently discards every write after
// the first n writes reach the inner device, simulating power loss
// mid-update for recovery tests. The running kernel keeps going on
// its in-memory state; remounting the inner device afterwards shows
// what actually survived.
type CrashDisk struct {
	mu      sync.Mutex
	inner   BlockDevice
	writes  int
	budget  int
	crashed bool
}

// NewCrashDisk wraps inner with a write budget.
func NewCrashDisk(inner BlockDevice, budget int) *CrashDisk {
	return &CrashDisk{inner: inner, budget: budget}
}

// ReadBlock implements BlockDevice. Reads pass through even after the
// crash point.
func (d *CrashDisk) ReadBlock(bno types.Blockno, buf []byte) error {
	return d.inner.ReadBlock(bno, buf)
}

// WriteBlock implements BlockDevice.
func (d *CrashDisk) WriteBlock(bno types.Blockno, buf []byte) error {
	d.mu.Lock()
	if d.crashed || d.writes >= d.budget {
		d.crashed = true
		d.mu.Unlock()
		return nil
	}
	d.writes++
	d.mu.Unlock()
	return d.inner.WriteBlock(bno, buf)
}

// Size implements BlockDevice.
func (d *CrashDisk) Size() uint32 {
	return d.inner.Size()
}

// Crashed reports whether the budget has been exhausted.
func (d *CrashDisk) Crashed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.crashed
}

// Writes returns how many writes have reached the inner device.
func (d *CrashDisk) Writes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}
