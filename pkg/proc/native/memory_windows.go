//go:build windows && (amd64 || 386)

package native

import (
	"fmt"

	sys "golang.org/x/sys/windows"
)

var (
	modkernel32 = sys.NewLazySystemDLL("kernel32.dll")
	moduser32   = sys.NewLazySystemDLL("user32.dll")

	procFlushInstructionCache          = modkernel32.NewProc("FlushInstructionCache")
	procAddVectoredExceptionHandler    = modkernel32.NewProc("AddVectoredExceptionHandler")
	procRemoveVectoredExceptionHandler = modkernel32.NewProc("RemoveVectoredExceptionHandler")
	procGetAsyncKeyState               = moduser32.NewProc("GetAsyncKeyState")
)

// Memory is the address space of the current process.
type Memory struct {
	process sys.Handle
}

// NewMemory returns the memory of the current process.
func NewMemory() (*Memory, error) {
	return &Memory{process: sys.CurrentProcess()}, nil
}

// ReadMemory goes through ReadProcessMemory rather than dereferencing
// addr, so that unmapped addresses come back as errors.
func (m *Memory) ReadMemory(buf []byte, addr uint64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	var n uintptr
	err := sys.ReadProcessMemory(m.process, uintptr(addr), &buf[0], uintptr(len(buf)), &n)
	return int(n), err
}

func (m *Memory) WriteMemory(addr uint64, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	var n uintptr
	if err := sys.WriteProcessMemory(m.process, uintptr(addr), &data[0], uintptr(len(data)), &n); err != nil {
		return int(n), err
	}
	procFlushInstructionCache.Call(uintptr(m.process), uintptr(addr), uintptr(len(data)))
	return int(n), nil
}

func (m *Memory) Protect(addr, size uint64, prot uint32) (uint32, error) {
	var old uint32
	if err := sys.VirtualProtect(uintptr(addr), uintptr(size), prot, &old); err != nil {
		return 0, err
	}
	return old, nil
}

func (m *Memory) Alloc(size uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("invalid allocation size %d", size)
	}
	p, err := sys.VirtualAlloc(0, uintptr(size), sys.MEM_COMMIT|sys.MEM_RESERVE, sys.PAGE_EXECUTE_READWRITE)
	if err != nil {
		return 0, err
	}
	return uint64(p), nil
}

func (m *Memory) Free(addr uint64) error {
	return sys.VirtualFree(uintptr(addr), 0, sys.MEM_RELEASE)
}

// ModuleBase returns the base address of a module already loaded in the
// process. It never loads a module and does not take a reference on it.
func (m *Memory) ModuleBase(name string) (uint64, error) {
	p, err := sys.UTF16PtrFromString(name)
	if err != nil {
		return 0, err
	}
	var h sys.Handle
	if err := sys.GetModuleHandleEx(sys.GET_MODULE_HANDLE_EX_FLAG_UNCHANGED_REFCOUNT, p, &h); err != nil {
		return 0, fmt.Errorf("module %q: %w", name, err)
	}
	return uint64(h), nil
}

// Keyboard reads the asynchronous key state of the system keyboard.
type Keyboard struct{}

// NewKeyboard returns the system keyboard.
func NewKeyboard() (*Keyboard, error) {
	return &Keyboard{}, nil
}

// KeyState reports whether the key with virtual-key code code is down,
// and whether it was pressed since the previous call.
func (*Keyboard) KeyState(code int) (down, pressed bool) {
	r, _, _ := procGetAsyncKeyState.Call(uintptr(code))
	s := uint16(r)
	return s&0x8000 != 0, s&0x0001 != 0
}
