package machine

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/deploymenttheory/go-riscvos/internal/types"
)

// Machine bundles the simulated hardware a kernel boots on.
type Machine struct {
	// BootID identifies this power-on; it appears in the boot banner
	// and inspection reports.
	BootID uuid.UUID

	RAM   *RAM
	Disk  BlockDevice
	UART  *SimUART
	PLIC  *SimPLIC
	Harts []*Hart
}

// Config selects the machine shape.
type Config struct {
	RAMBytes int
	NHarts   int
}

// New assembles a machine around the given disk.
func New(cfg Config, disk BlockDevice) (*Machine, error) {
	if cfg.RAMBytes <= 0 {
		cfg.RAMBytes = types.DefaultRAMBytes
	}
	if cfg.NHarts <= 0 {
		cfg.NHarts = 1
	}
	if cfg.NHarts > types.MaxHarts {
		return nil, fmt.Errorf("machine: %d harts exceeds the supported maximum %d", cfg.NHarts, types.MaxHarts)
	}
	m := &Machine{
		BootID: uuid.New(),
		RAM:    NewRAM(cfg.RAMBytes),
		Disk:   disk,
		UART:   NewSimUART(),
		PLIC:   NewSimPLIC(),
	}
	for i := 0; i < cfg.NHarts; i++ {
		m.Harts = append(m.Harts, NewHart(i))
	}
	return m, nil
}

// TypeByte delivers one byte of console input and raises the UART
// IRQ.
func (m *Machine) TypeByte(b byte) {
	if m.UART.PushInput([]byte{b}) {
		m.PLIC.Raise(IRQUart)
	}
}

// TypeString delivers a string of console input.
func (m *Machine) TypeString(s string) {
	for i := 0; i < len(s); i++ {
		m.TypeByte(s[i])
	}
}
