package mkfs

import "github.com/deploymenttheory/go-riscvos/internal/types"

// ELF segment permission flags.
const (
	SegExec  uint32 = 0x1
	SegWrite uint32 = 0x2
	SegRead  uint32 = 0x4
)

// Segment is one loadable piece of an executable image.
type Segment struct {
	Vaddr uint64
	Data  []byte

	// Memsz extends the segment past its file bytes with zero fill;
	// zero means exactly len(Data).
	Memsz uint64

	// Flags are ELF segment flags; zero means read and execute.
	Flags uint32
}

// Executable assembles an ELF64 image the exec loader accepts, one
// program header per segment, data packed after the headers.
func Executable(entry uint64, segs ...Segment) []byte {
	phoff := uint64(types.ELFHeaderSize)
	dataOff := phoff + uint64(len(segs))*types.ELFProgEntrySize

	out := make([]byte, dataOff)
	hdr := types.ELFHeader{
		Type:    2, // ET_EXEC
		Machine: types.ELFMachineRiscv,
		Entry:   entry,
		Phoff:   phoff,
		Phnum:   uint16(len(segs)),
	}
	hdr.Encode(out[:types.ELFHeaderSize])

	off := dataOff
	for i, s := range segs {
		memsz := s.Memsz
		if memsz == 0 {
			memsz = uint64(len(s.Data))
		}
		flags := s.Flags
		if flags == 0 {
			flags = SegRead | SegExec
		}
		ph := types.ELFProgHeader{
			Type:   types.ELFProgLoad,
			Flags:  flags,
			Off:    off,
			Vaddr:  s.Vaddr,
			Paddr:  s.Vaddr,
			Filesz: uint64(len(s.Data)),
			Memsz:  memsz,
			Align:  types.PageSize,
		}
		base := int(phoff) + i*types.ELFProgEntrySize
		ph.Encode(out[base : base+types.ELFProgEntrySize])
		out = append(out, s.Data...)
		off += uint64(len(s.Data))
	}
	return out
}
