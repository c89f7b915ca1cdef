package platform

import (
	"github.com/pattyshack/towhee/architecture"
)

// 64-bit x86.  rsp (4) and the thread register r14 are reserved; all
// other cpu registers are allocatable.  xmm0 is the fpu scratch used
// by the parallel move resolver.
var amd64Registers = &architecture.RegisterSet{
	NumCpuRegisters:         16,
	NumFpuRegisters:         16,
	AllocatableCpuRegisters: 0xffff &^ (1 << 4) &^ (1 << 14),
	VolatileCpuRegisters:    1<<0 | 1<<1 | 1<<2 | 1<<6 | 1<<7 | 1<<8 | 1<<9 | 1<<10 | 1<<11,
	VolatileFpuRegisters:    0xffff,
	FpuScratch:              0,
	AllocationBias:          0, // prefer rax
	WordSize:                8,
	CpuNames: []string{
		"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	},
	FpuNames: []string{
		"xmm0", "xmm1", "xmm2", "xmm3", "xmm4", "xmm5", "xmm6", "xmm7",
		"xmm8", "xmm9", "xmm10", "xmm11", "xmm12", "xmm13", "xmm14", "xmm15",
	},
}

type amd64Platform struct{}

func (amd64Platform) ArchitectureName() ArchitectureName {
	return Amd64
}

func (amd64Platform) Registers() *architecture.RegisterSet {
	return amd64Registers
}

func (amd64Platform) FrameLayout() architecture.FrameLayout {
	return architecture.FrameLayout{
		FirstLocalFromFp:     -2,
		FirstParameterFromFp: 2,
	}
}
