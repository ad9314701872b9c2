package kernel

import (
	"github.com/deploymenttheory/go-riscvos/internal/kernel/trap"
	"github.com/deploymenttheory/go-riscvos/internal/types"
)

// InitProgram builds the built-in first program. It creates the
// console device node if the image lacks one, wires file descriptors
// 0 through 2 to it, announces itself, and then reaps orphans
// forever.
func InitProgram() *trap.Program {
	const (
		pathVA = 0x40
		msgVA  = 0x80
	)
	const msg = "init: starting\n"
	return &trap.Program{
		Name: "init",
		Steps: []trap.Step{
			func(e *trap.Env) {
				e.Poke(pathVA, []byte("console\x00"))
				if e.Ecall(types.SysOpen, pathVA, types.OpenRW) == types.ErrRet {
					e.Ecall(types.SysMknod, pathVA, types.ConsoleMajor, 0)
					e.Ecall(types.SysOpen, pathVA, types.OpenRW)
				}
				e.Ecall(types.SysDup, 0)
				e.Ecall(types.SysDup, 0)
			},
			func(e *trap.Env) {
				e.Poke(msgVA, []byte(msg))
				e.Ecall(types.SysWrite, 1, msgVA, uint64(len(msg)))
			},
			func(e *trap.Env) {
				for {
					if e.Ecall(types.SysWait, 0) == types.ErrRet {
						e.Ecall(types.SysPause, 1)
					}
				}
			},
		},
	}
}
