package fs

import (
	"unsafe"

	"github.com/deploymenttheory/go-riscvos/internal/kernel/klock"
	"github.com/deploymenttheory/go-riscvos/internal/types"
)

// Log is the write-ahead log. Every file-system update runs inside a
// BeginOp/EndOp pair; the blocks it dirties are written first into
// the on-disk log region and only then to their home locations.
// Writing the header with a nonzero count is the commit point: a
// crash before it loses the whole operation, a crash after it is
// repaired by recovery replaying the log.
//
// Concurrent operations share one committed batch. EndOp commits
// only when the last outstanding operation finishes, and BeginOp
// admits a new operation only while the worst case, every
// outstanding operation writing MaxOpBlocks blocks, still fits.
type Log struct {
	lk    klock.SpinLock
	start types.Blockno
	size  uint32
	bc    *BufCache

	outstanding int
	committing  bool
	hdr         types.LogHeader
}

// NewLog sets up the log over the region the superblock describes
// and replays any committed transaction left by a crash.
func NewLog(w klock.Waiter, sb *types.SuperBlock, bc *BufCache) *Log {
	if types.LogBlocks+1 > sb.NLog {
		panic("fs: log region smaller than LogBlocks")
	}
	l := &Log{
		lk:    klock.NewSpinLock("log"),
		start: types.Blockno(sb.LogStart),
		size:  sb.NLog,
		bc:    bc,
	}
	l.recover(w)
	return l
}

func (l *Log) token() klock.Chan {
	return klock.TokenOf(unsafe.Pointer(l))
}

// slot returns the disk block of log slot i. Slot blocks follow the
// header block.
func (l *Log) slot(i int) types.Blockno {
	return l.start + 1 + types.Blockno(i)
}

func (l *Log) readHead(w klock.Waiter) {
	b := l.bc.Read(w, l.start)
	hdr, err := types.ParseLogHeader(b.Data[:])
	if err != nil {
		panic("fs: " + err.Error())
	}
	l.hdr = *hdr
	l.bc.Release(w, b)
}

// writeHead flushes the in-memory header to disk. With a nonzero
// count this is the commit point.
func (l *Log) writeHead(w klock.Waiter) {
	b := l.bc.Read(w, l.start)
	l.hdr.Encode(b.Data[:])
	l.bc.Write(w, b)
	l.bc.Release(w, b)
}

// installTrans copies committed log slots to their home blocks.
func (l *Log) installTrans(w klock.Waiter, recovering bool) {
	for i := 0; i < int(l.hdr.N); i++ {
		lb := l.bc.Read(w, l.slot(i))
		hb := l.bc.Read(w, types.Blockno(l.hdr.Block[i]))
		copy(hb.Data[:], lb.Data[:])
		l.bc.Write(w, hb)
		if !recovering {
			l.bc.Unpin(w.CPU(), hb)
		}
		l.bc.Release(w, lb)
		l.bc.Release(w, hb)
	}
}

func (l *Log) recover(w klock.Waiter) {
	l.readHead(w)
	l.installTrans(w, true)
	l.hdr.N = 0
	l.writeHead(w)
}

// BeginOp marks the start of a file-system operation, blocking while
// a commit is in progress or while the operation might not fit in
// the log.
func (l *Log) BeginOp(w klock.Waiter) {
	c := w.CPU()
	l.lk.Acquire(c)
	for {
		switch {
		case l.committing:
			w.Sleep(l.token(), &l.lk)
			c = w.CPU()
		case int(l.hdr.N)+(l.outstanding+1)*types.MaxOpBlocks > types.LogBlocks:
			w.Sleep(l.token(), &l.lk)
			c = w.CPU()
		default:
			l.outstanding++
			l.lk.Release(c)
			return
		}
	}
}

// EndOp marks the end of an operation and commits the batch when it
// was the last one outstanding.
func (l *Log) EndOp(w klock.Waiter) {
	docommit := false

	c := w.CPU()
	l.lk.Acquire(c)
	l.outstanding--
	if l.committing {
		panic("fs: EndOp during commit")
	}
	if l.outstanding == 0 {
		docommit = true
		l.committing = true
	} else {
		// Dropping an operation may have made room for a waiter.
		w.Wakeup(l.token())
	}
	l.lk.Release(c)

	if docommit {
		l.commit(w)
		c = w.CPU()
		l.lk.Acquire(c)
		l.committing = false
		w.Wakeup(l.token())
		l.lk.Release(c)
	}
}

// Write records a dirty buffer in the current transaction instead of
// flushing it. The buffer stays pinned in the cache until commit
// installs it. Writing the same block twice absorbs into one slot.
func (l *Log) Write(w klock.Waiter, b *Buf) {
	c := w.CPU()
	l.lk.Acquire(c)
	if int(l.hdr.N) >= types.LogBlocks || l.hdr.N >= l.size-1 {
		panic("fs: transaction too big")
	}
	if l.outstanding < 1 {
		panic("fs: log write outside of a transaction")
	}

	var i int
	for i = 0; i < int(l.hdr.N); i++ {
		if l.hdr.Block[i] == uint32(b.blockno) {
			break
		}
	}
	l.hdr.Block[i] = uint32(b.blockno)
	if i == int(l.hdr.N) {
		l.bc.Pin(c, b)
		l.hdr.N++
	}
	l.lk.Release(c)
}

// writeLog copies every slot's cached home block into the log region.
func (l *Log) writeLog(w klock.Waiter) {
	for i := 0; i < int(l.hdr.N); i++ {
		lb := l.bc.Read(w, l.slot(i))
		hb := l.bc.Read(w, types.Blockno(l.hdr.Block[i]))
		copy(lb.Data[:], hb.Data[:])
		l.bc.Write(w, lb)
		l.bc.Release(w, hb)
		l.bc.Release(w, lb)
	}
}

func (l *Log) commit(w klock.Waiter) {
	if l.hdr.N == 0 {
		return
	}
	l.writeLog(w)
	l.writeHead(w) // commit point
	l.installTrans(w, false)
	l.hdr.N = 0
	l.writeHead(w)
}
