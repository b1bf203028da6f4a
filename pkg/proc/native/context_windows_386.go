package native

import "github.com/overhook/overhook/pkg/proc"

const _SIZE_OF_80387_REGISTERS = 80

type _FLOATING_SAVE_AREA struct {
	ControlWord   uint32
	StatusWord    uint32
	TagWord       uint32
	ErrorOffset   uint32
	ErrorSelector uint32
	DataOffset    uint32
	DataSelector  uint32
	RegisterArea  [_SIZE_OF_80387_REGISTERS]byte
	Cr0NpxState   uint32
}

// _CONTEXT is the x86 thread context handed to exception handlers.
type _CONTEXT struct {
	ContextFlags uint32

	Dr0 uint32
	Dr1 uint32
	Dr2 uint32
	Dr3 uint32
	Dr6 uint32
	Dr7 uint32

	FloatSave _FLOATING_SAVE_AREA

	SegGs uint32
	SegFs uint32
	SegEs uint32
	SegDs uint32

	Edi uint32
	Esi uint32
	Ebx uint32
	Edx uint32
	Ecx uint32
	Eax uint32

	Ebp    uint32
	Eip    uint32
	SegCs  uint32
	EFlags uint32
	Esp    uint32
	SegSs  uint32

	ExtendedRegisters [512]byte
}

func (ctx *_CONTEXT) registers() proc.Registers {
	return proc.Registers{
		Eax: uint64(ctx.Eax),
		Ebx: uint64(ctx.Ebx),
		Ecx: uint64(ctx.Ecx),
		Edx: uint64(ctx.Edx),
		Esi: uint64(ctx.Esi),
		Edi: uint64(ctx.Edi),
		Ebp: uint64(ctx.Ebp),
		Esp: uint64(ctx.Esp),
		Eip: uint64(ctx.Eip),
	}
}

func (ctx *_CONTEXT) setPC(pc uint64) {
	ctx.Eip = uint32(pc)
}
