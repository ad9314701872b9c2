// Package fs implements the on-disk file system: a write-through
// buffer cache with LRU replacement, a write-ahead log giving every
// multi-block update crash atomicity, the inode and directory
// layers, and the open-file table the syscall layer hands out
// descriptors from.
package fs

import (
	"fmt"

	"github.com/deploymenttheory/go-riscvos/internal/kernel/klock"
	"github.com/deploymenttheory/go-riscvos/internal/machine"
	"github.com/deploymenttheory/go-riscvos/internal/types"
)

// Buf is one cached disk block. The sleep-lock serializes access to
// Data and valid; refcnt and the LRU links belong to the cache lock.
type Buf struct {
	lock    klock.SleepLock
	blockno types.Blockno
	valid   bool
	refcnt  int

	prev, next *Buf

	Data [types.BlockSize]byte
}

// Blockno returns the block this buffer caches.
func (b *Buf) Blockno() types.Blockno {
	return b.blockno
}

// BufCache holds NBuf buffers in a doubly-linked LRU list. head.next
// is most recently used.
type BufCache struct {
	lk   klock.SpinLock
	dev  machine.BlockDevice
	bufs [types.NBuf]Buf
	head Buf
}

// NewBufCache builds the cache over dev.
func NewBufCache(dev machine.BlockDevice) *BufCache {
	bc := &BufCache{lk: klock.NewSpinLock("bcache"), dev: dev}
	bc.head.prev = &bc.head
	bc.head.next = &bc.head
	for i := range bc.bufs {
		b := &bc.bufs[i]
		b.lock = klock.NewSleepLock("buffer")
		b.next = bc.head.next
		b.prev = &bc.head
		bc.head.next.prev = b
		bc.head.next = b
	}
	return bc
}

// get returns a locked buffer for bno, cached or recycled, without
// reading the disk.
func (bc *BufCache) get(w klock.Waiter, bno types.Blockno) *Buf {
	c := w.CPU()
	bc.lk.Acquire(c)

	for b := bc.head.next; b != &bc.head; b = b.next {
		if b.blockno == bno {
			b.refcnt++
			bc.lk.Release(c)
			b.lock.Acquire(w)
			return b
		}
	}

	// Recycle the least recently used unreferenced buffer.
	for b := bc.head.prev; b != &bc.head; b = b.prev {
		if b.refcnt == 0 {
			b.blockno = bno
			b.valid = false
			b.refcnt = 1
			bc.lk.Release(c)
			b.lock.Acquire(w)
			return b
		}
	}
	panic("fs: no free buffers")
}

// Read returns a locked buffer holding the contents of block bno.
func (bc *BufCache) Read(w klock.Waiter, bno types.Blockno) *Buf {
	b := bc.get(w, bno)
	if !b.valid {
		if err := bc.dev.ReadBlock(b.blockno, b.Data[:]); err != nil {
			panic(fmt.Sprintf("fs: read of block %d failed: %v", b.blockno, err))
		}
		b.valid = true
	}
	return b
}

// Write flushes a locked buffer's contents to the disk. Only the log
// writes blocks; everything else goes through Log.Write.
func (bc *BufCache) Write(w klock.Waiter, b *Buf) {
	if !b.lock.Holding(w) {
		panic("fs: write of unlocked buffer")
	}
	if err := bc.dev.WriteBlock(b.blockno, b.Data[:]); err != nil {
		panic(fmt.Sprintf("fs: write of block %d failed: %v", b.blockno, err))
	}
}

// Release unlocks the buffer and, when the last reference drops,
// moves it to the most-recently-used position.
func (bc *BufCache) Release(w klock.Waiter, b *Buf) {
	if !b.lock.Holding(w) {
		panic("fs: release of unlocked buffer")
	}
	b.lock.Release(w)

	c := w.CPU()
	bc.lk.Acquire(c)
	b.refcnt--
	if b.refcnt == 0 {
		b.next.prev = b.prev
		b.prev.next = b.next
		b.next = bc.head.next
		b.prev = &bc.head
		bc.head.next.prev = b
		bc.head.next = b
	}
	bc.lk.Release(c)
}

// Pin takes an extra reference so the buffer survives Release until
// the log has installed it.
func (bc *BufCache) Pin(c klock.CPU, b *Buf) {
	bc.lk.Acquire(c)
	b.refcnt++
	bc.lk.Release(c)
}

// Unpin drops a Pin reference.
func (bc *BufCache) Unpin(c klock.CPU, b *Buf) {
	bc.lk.Acquire(c)
	if b.refcnt < 1 {
		panic("fs: unpin of unreferenced buffer")
	}
	b.refcnt--
	bc.lk.Release(c)
}
