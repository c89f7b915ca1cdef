package platform

import (
	"github.com/pattyshack/towhee/architecture"
)

// 32-bit arm.  sp (13) and pc (15) are reserved.  Unboxed 64-bit
// values are split into register pair ranges on this target.  d15 is
// the fpu scratch.
var arm32Registers = &architecture.RegisterSet{
	NumCpuRegisters:         16,
	NumFpuRegisters:         16,
	AllocatableCpuRegisters: 0xffff &^ (1 << 13) &^ (1 << 15),
	VolatileCpuRegisters:    1<<0 | 1<<1 | 1<<2 | 1<<3 | 1<<12 | 1<<14,
	VolatileFpuRegisters:    0x00ff,
	FpuScratch:              15,
	AllocationBias:          0, // prefer r0
	WordSize:                4,
	CpuNames: []string{
		"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7",
		"r8", "r9", "r10", "r11", "r12", "sp", "lr", "pc",
	},
	FpuNames: []string{
		"d0", "d1", "d2", "d3", "d4", "d5", "d6", "d7",
		"d8", "d9", "d10", "d11", "d12", "d13", "d14", "d15",
	},
}

type arm32Platform struct{}

func (arm32Platform) ArchitectureName() ArchitectureName {
	return Arm32
}

func (arm32Platform) Registers() *architecture.RegisterSet {
	return arm32Registers
}

func (arm32Platform) FrameLayout() architecture.FrameLayout {
	return architecture.FrameLayout{
		FirstLocalFromFp:     -1,
		FirstParameterFromFp: 2,
	}
}
