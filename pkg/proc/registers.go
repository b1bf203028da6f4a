package proc

import (
	"fmt"
	"sync/atomic"
)

// Registers holds the general purpose registers and the instruction
// pointer of a host thread.
type Registers struct {
	Eax uint64
	Ebx uint64
	Ecx uint64
	Edx uint64
	Esi uint64
	Edi uint64
	Ebp uint64
	Esp uint64
	Eip uint64
}

// Register represents a CPU register.
type Register struct {
	Name  string
	Value uint64
}

func (r Register) String() string {
	return fmt.Sprintf("%s=%#08x", r.Name, r.Value)
}

// Slice returns the registers in a fixed order, instruction pointer last.
func (r Registers) Slice() []Register {
	return []Register{
		{"eax", r.Eax},
		{"ebx", r.Ebx},
		{"ecx", r.Ecx},
		{"edx", r.Edx},
		{"esi", r.Esi},
		{"edi", r.Edi},
		{"ebp", r.Ebp},
		{"esp", r.Esp},
		{"eip", r.Eip},
	}
}

// RegisterSnapshot is the most recently captured register state. Every
// field is an independent machine word: readers may observe a mix of two
// captures but never a torn word.
type RegisterSnapshot struct {
	eax, ebx, ecx, edx atomic.Uint64
	esi, edi, ebp, esp atomic.Uint64
	eip                atomic.Uint64
}

// Store overwrites the snapshot with r.
func (s *RegisterSnapshot) Store(r Registers) {
	s.eax.Store(r.Eax)
	s.ebx.Store(r.Ebx)
	s.ecx.Store(r.Ecx)
	s.edx.Store(r.Edx)
	s.esi.Store(r.Esi)
	s.edi.Store(r.Edi)
	s.ebp.Store(r.Ebp)
	s.esp.Store(r.Esp)
	s.eip.Store(r.Eip)
}

// Load returns a copy of the snapshot.
func (s *RegisterSnapshot) Load() Registers {
	return Registers{
		Eax: s.eax.Load(),
		Ebx: s.ebx.Load(),
		Ecx: s.ecx.Load(),
		Edx: s.edx.Load(),
		Esi: s.esi.Load(),
		Edi: s.edi.Load(),
		Ebp: s.ebp.Load(),
		Esp: s.esp.Load(),
		Eip: s.eip.Load(),
	}
}
