// Package fsck checks an unmounted file-system image for structural
// consistency: committed log entries are honored, every allocated
// inode is reachable from the root directory, and the free bitmap
// matches exactly the set of blocks the inode table references.
package fsck

import (
	"fmt"

	"github.com/deploymenttheory/go-riscvos/internal/machine"
	"github.com/deploymenttheory/go-riscvos/internal/types"
)

// Report is the outcome of one check run.
type Report struct {
	// LogPending is the number of committed log entries not yet
	// installed in place. They are applied virtually before the other
	// checks, since boot-time recovery would install them.
	LogPending uint32

	// Problems lists every inconsistency found.
	Problems []string
}

// Clean reports whether the image passed every check.
func (r *Report) Clean() bool {
	return len(r.Problems) == 0
}

type checker struct {
	dev     machine.BlockDevice
	sb      *types.SuperBlock
	overlay map[types.Blockno][]byte
	rep     *Report
}

// Check runs every offline invariant check against dev.
func Check(dev machine.BlockDevice) (*Report, error) {
	var buf [types.BlockSize]byte
	if err := dev.ReadBlock(1, buf[:]); err != nil {
		return nil, fmt.Errorf("fsck: reading superblock: %w", err)
	}
	sb, err := types.ParseSuperBlock(buf[:], types.DiskEndian)
	if err != nil {
		return nil, fmt.Errorf("fsck: %w", err)
	}
	if sb.Size != dev.Size() {
		return nil, fmt.Errorf("fsck: superblock claims %d blocks, device has %d", sb.Size, dev.Size())
	}

	c := &checker{
		dev:     dev,
		sb:      sb,
		overlay: make(map[types.Blockno][]byte),
		rep:     &Report{},
	}
	if err := c.loadLog(); err != nil {
		return nil, err
	}
	refs, err := c.scanInodes()
	if err != nil {
		return nil, err
	}
	if err := c.checkReachable(); err != nil {
		return nil, err
	}
	if err := c.checkBitmap(refs); err != nil {
		return nil, err
	}
	return c.rep, nil
}

// read returns block bno with any pending log content applied.
func (c *checker) read(bno types.Blockno) ([]byte, error) {
	if b, ok := c.overlay[bno]; ok {
		return b, nil
	}
	buf := make([]byte, types.BlockSize)
	if err := c.dev.ReadBlock(bno, buf); err != nil {
		return nil, fmt.Errorf("fsck: reading block %d: %w", bno, err)
	}
	return buf, nil
}

// loadLog parses the log header and stages committed entries as an
// overlay over their destination blocks.
func (c *checker) loadLog() error {
	hdr, err := c.read(types.Blockno(c.sb.LogStart))
	if err != nil {
		return err
	}
	lh, err := types.ParseLogHeader(hdr)
	if err != nil {
		return fmt.Errorf("fsck: %w", err)
	}
	if lh.N > types.LogBlocks {
		c.rep.Problems = append(c.rep.Problems,
			fmt.Sprintf("log header claims %d entries, log holds %d", lh.N, types.LogBlocks))
		return nil
	}
	c.rep.LogPending = lh.N
	for i := uint32(0); i < lh.N; i++ {
		slot, err := c.read(types.Blockno(c.sb.LogStart + 1 + i))
		if err != nil {
			return err
		}
		c.overlay[types.Blockno(lh.Block[i])] = slot
	}
	return nil
}

func (c *checker) inode(inum types.Inum) (*types.DiskInode, error) {
	buf, err := c.read(types.InodeBlock(inum, c.sb))
	if err != nil {
		return nil, err
	}
	off := (uint32(inum) % types.InodesPerBlock) * types.DiskInodeSize
	return types.ParseDiskInode(buf[off : off+types.DiskInodeSize])
}

// nmeta is the number of metadata blocks at the front of the image.
func (c *checker) nmeta() uint32 {
	return c.sb.Size - c.sb.NBlocks
}

// claim records that inum references data block bno, reporting
// out-of-range and doubly-referenced blocks.
func (c *checker) claim(refs map[types.Blockno]types.Inum, inum types.Inum, bno types.Blockno) {
	if uint32(bno) < c.nmeta() || uint32(bno) >= c.sb.Size {
		c.rep.Problems = append(c.rep.Problems,
			fmt.Sprintf("inode %d references block %d outside the data region", inum, bno))
		return
	}
	if prev, ok := refs[bno]; ok {
		c.rep.Problems = append(c.rep.Problems,
			fmt.Sprintf("block %d referenced by both inode %d and inode %d", bno, prev, inum))
		return
	}
	refs[bno] = inum
}

// scanInodes walks the inode table collecting every referenced data
// block, indirect blocks included.
func (c *checker) scanInodes() (map[types.Blockno]types.Inum, error) {
	refs := make(map[types.Blockno]types.Inum)
	for inum := types.Inum(1); uint32(inum) < c.sb.NInodes; inum++ {
		di, err := c.inode(inum)
		if err != nil {
			return nil, err
		}
		if di.Type == types.FileTypeFree {
			continue
		}
		if di.Size > types.MaxFileBlocks*types.BlockSize {
			c.rep.Problems = append(c.rep.Problems,
				fmt.Sprintf("inode %d has impossible size %d", inum, di.Size))
		}
		for i := 0; i < types.NDirect; i++ {
			if di.Addrs[i] != 0 {
				c.claim(refs, inum, types.Blockno(di.Addrs[i]))
			}
		}
		if di.Addrs[types.NDirect] == 0 {
			continue
		}
		ind := types.Blockno(di.Addrs[types.NDirect])
		c.claim(refs, inum, ind)
		buf, err := c.read(ind)
		if err != nil {
			return nil, err
		}
		for i := 0; i < types.NIndirect; i++ {
			bno := types.DiskEndian.Uint32(buf[4*i : 4*i+4])
			if bno != 0 {
				c.claim(refs, inum, types.Blockno(bno))
			}
		}
	}
	return refs, nil
}

// readInodeData returns the inode's content, for walking directories.
func (c *checker) readInodeData(di *types.DiskInode) ([]byte, error) {
	data := make([]byte, 0, di.Size)
	nblocks := (di.Size + types.BlockSize - 1) / types.BlockSize
	for fbn := uint32(0); fbn < nblocks; fbn++ {
		var bno uint32
		if fbn < types.NDirect {
			bno = di.Addrs[fbn]
		} else if di.Addrs[types.NDirect] != 0 {
			buf, err := c.read(types.Blockno(di.Addrs[types.NDirect]))
			if err != nil {
				return nil, err
			}
			i := fbn - types.NDirect
			bno = types.DiskEndian.Uint32(buf[4*i : 4*i+4])
		}
		if bno == 0 {
			data = append(data, make([]byte, types.BlockSize)...)
			continue
		}
		buf, err := c.read(types.Blockno(bno))
		if err != nil {
			return nil, err
		}
		data = append(data, buf...)
	}
	return data[:di.Size], nil
}

// checkReachable walks the directory tree from the root and reports
// allocated inodes no path leads to, and entries naming free inodes.
func (c *checker) checkReachable() error {
	seen := make(map[types.Inum]bool)
	queue := []types.Inum{types.RootInum}
	seen[types.RootInum] = true

	for len(queue) > 0 {
		inum := queue[0]
		queue = queue[1:]
		di, err := c.inode(inum)
		if err != nil {
			return err
		}
		if di.Type != types.FileTypeDir {
			continue
		}
		data, err := c.readInodeData(di)
		if err != nil {
			return err
		}
		for off := 0; off+types.DirentSize <= len(data); off += types.DirentSize {
			de, err := types.ParseDirent(data[off : off+types.DirentSize])
			if err != nil {
				return err
			}
			if de.Inum == 0 {
				continue
			}
			child := types.Inum(de.Inum)
			cdi, err := c.inode(child)
			if err != nil {
				return err
			}
			if cdi.Type == types.FileTypeFree {
				c.rep.Problems = append(c.rep.Problems,
					fmt.Sprintf("directory %d entry %q names free inode %d", inum, de.NameString(), child))
				continue
			}
			if !seen[child] {
				seen[child] = true
				queue = append(queue, child)
			}
		}
	}

	for inum := types.Inum(1); uint32(inum) < c.sb.NInodes; inum++ {
		di, err := c.inode(inum)
		if err != nil {
			return err
		}
		if di.Type != types.FileTypeFree && !seen[inum] {
			c.rep.Problems = append(c.rep.Problems,
				fmt.Sprintf("inode %d allocated but unreachable from root", inum))
		}
	}
	return nil
}

// checkBitmap verifies the free bitmap is exact: metadata blocks and
// referenced data blocks set, everything else clear.
func (c *checker) checkBitmap(refs map[types.Blockno]types.Inum) error {
	for bno := uint32(0); bno < c.sb.Size; bno++ {
		buf, err := c.read(types.BitmapBlock(types.Blockno(bno), c.sb))
		if err != nil {
			return err
		}
		bi := bno % types.BitsPerBlock
		set := buf[bi/8]&(1<<(bi%8)) != 0
		_, used := refs[types.Blockno(bno)]
		if bno < c.nmeta() {
			used = true
		}
		switch {
		case used && !set:
			c.rep.Problems = append(c.rep.Problems,
				fmt.Sprintf("block %d in use but free in the bitmap", bno))
		case !used && set:
			c.rep.Problems = append(c.rep.Problems,
				fmt.Sprintf("block %d free but marked used in the bitmap", bno))
		}
	}
	return nil
}
