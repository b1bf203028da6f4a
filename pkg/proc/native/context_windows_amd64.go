package native

import "github.com/overhook/overhook/pkg/proc"

type _M128A struct {
	Low  uint64
	High int64
}

type _XMM_SAVE_AREA32 struct {
	ControlWord    uint16
	StatusWord     uint16
	TagWord        byte
	Reserved1      byte
	ErrorOpcode    uint16
	ErrorOffset    uint32
	ErrorSelector  uint16
	Reserved2      uint16
	DataOffset     uint32
	DataSelector   uint16
	Reserved3      uint16
	MxCsr          uint32
	MxCsr_Mask     uint32
	FloatRegisters [8]_M128A
	XmmRegisters   [256]byte
	Reserved4      [96]byte
}

// _CONTEXT is the amd64 thread context handed to exception handlers.
type _CONTEXT struct {
	P1Home uint64
	P2Home uint64
	P3Home uint64
	P4Home uint64
	P5Home uint64
	P6Home uint64

	ContextFlags uint32
	MxCsr        uint32

	SegCs  uint16
	SegDs  uint16
	SegEs  uint16
	SegFs  uint16
	SegGs  uint16
	SegSs  uint16
	EFlags uint32

	Dr0 uint64
	Dr1 uint64
	Dr2 uint64
	Dr3 uint64
	Dr6 uint64
	Dr7 uint64

	Rax uint64
	Rcx uint64
	Rdx uint64
	Rbx uint64
	Rsp uint64
	Rbp uint64
	Rsi uint64
	Rdi uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	Rip uint64

	FltSave _XMM_SAVE_AREA32

	VectorRegister [26]_M128A
	VectorControl  uint64

	DebugControl         uint64
	LastBranchToRip      uint64
	LastBranchFromRip    uint64
	LastExceptionToRip   uint64
	LastExceptionFromRip uint64
}

// registers returns the general purpose registers. The 64-bit registers
// are stored under their 32-bit names.
func (ctx *_CONTEXT) registers() proc.Registers {
	return proc.Registers{
		Eax: ctx.Rax,
		Ebx: ctx.Rbx,
		Ecx: ctx.Rcx,
		Edx: ctx.Rdx,
		Esi: ctx.Rsi,
		Edi: ctx.Rdi,
		Ebp: ctx.Rbp,
		Esp: ctx.Rsp,
		Eip: ctx.Rip,
	}
}

func (ctx *_CONTEXT) setPC(pc uint64) {
	ctx.Rip = pc
}
