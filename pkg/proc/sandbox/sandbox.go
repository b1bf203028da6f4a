// Package sandbox provides an in-process stand-in for the host: a
// region-mapped memory with page protections and loaded module bases,
// and a keyboard whose state is driven programmatically.
//
// It is used by the run command to exercise scripts without a host
// process, and by tests.
package sandbox

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/overhook/overhook/pkg/proc"
)

var (
	// ErrNotMapped is returned for accesses outside every mapped region.
	ErrNotMapped = errors.New("address not mapped")
	// ErrAccessViolation is returned for accesses the region's protection
	// does not allow.
	ErrAccessViolation = errors.New("access violation")
)

const (
	allocBase = 0x10000000
	pageSize  = 0x1000
)

type region struct {
	base      uint64
	data      []byte
	prot      uint32
	allocated bool
}

func (r *region) contains(addr uint64, size int) bool {
	return addr >= r.base && addr-r.base+uint64(size) <= uint64(len(r.data))
}

// Memory is a simulated host address space.
type Memory struct {
	mu      sync.Mutex
	regions []*region
	modules map[string]uint64
	next    uint64

	// FailWrites makes every write fail, to exercise error paths.
	FailWrites bool
}

// NewMemory returns an empty address space.
func NewMemory() *Memory {
	return &Memory{modules: map[string]uint64{}, next: allocBase}
}

// Map maps size zeroed bytes at base with protection prot.
func (m *Memory) Map(base uint64, size int, prot uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regions = append(m.regions, &region{base: base, data: make([]byte, size), prot: prot})
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].base < m.regions[j].base })
}

// AddModule registers a module loaded at base.
func (m *Memory) AddModule(name string, base uint64) {
	m.mu.Lock()
	m.modules[strings.ToLower(name)] = base
	m.mu.Unlock()
}

// Poke writes data ignoring page protections.
func (m *Memory) Poke(addr uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.find(addr, len(data))
	if r == nil {
		return ErrNotMapped
	}
	copy(r.data[addr-r.base:], data)
	return nil
}

// Peek reads one byte ignoring page protections.
func (m *Memory) Peek(addr uint64) (byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.find(addr, 1)
	if r == nil {
		return 0, ErrNotMapped
	}
	return r.data[addr-r.base], nil
}

// ProtectionAt returns the protection of the region containing addr.
func (m *Memory) ProtectionAt(addr uint64) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.find(addr, 1)
	if r == nil {
		return 0, ErrNotMapped
	}
	return r.prot, nil
}

func (m *Memory) find(addr uint64, size int) *region {
	for _, r := range m.regions {
		if r.contains(addr, size) {
			return r
		}
	}
	return nil
}

func readable(prot uint32) bool {
	return prot != proc.PageNoAccess && prot != proc.PageExecute
}

func writable(prot uint32) bool {
	return prot == proc.PageReadWrite || prot == proc.PageExecuteReadWrite
}

func (m *Memory) ReadMemory(buf []byte, addr uint64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.find(addr, len(buf))
	if r == nil {
		return 0, ErrNotMapped
	}
	if !readable(r.prot) {
		return 0, ErrAccessViolation
	}
	return copy(buf, r.data[addr-r.base:]), nil
}

func (m *Memory) WriteMemory(addr uint64, data []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return 0, ErrAccessViolation
	}
	r := m.find(addr, len(data))
	if r == nil {
		return 0, ErrNotMapped
	}
	if !writable(r.prot) {
		return 0, ErrAccessViolation
	}
	return copy(r.data[addr-r.base:], data), nil
}

// Protect changes the protection of the whole region containing addr.
func (m *Memory) Protect(addr, size uint64, prot uint32) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.find(addr, int(size))
	if r == nil {
		return 0, ErrNotMapped
	}
	old := r.prot
	r.prot = prot
	return old, nil
}

func (m *Memory) Alloc(size uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("invalid allocation size %d", size)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := (size + pageSize - 1) &^ (pageSize - 1)
	addr := m.next
	m.next += n
	m.regions = append(m.regions, &region{base: addr, data: make([]byte, n), prot: proc.PageExecuteReadWrite, allocated: true})
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].base < m.regions[j].base })
	return addr, nil
}

func (m *Memory) Free(addr uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.regions {
		if r.base == addr && r.allocated {
			m.regions = append(m.regions[:i], m.regions[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%#x: %w", addr, ErrNotMapped)
}

func (m *Memory) ModuleBase(name string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	base, ok := m.modules[strings.ToLower(name)]
	if !ok {
		return 0, fmt.Errorf("module %q not loaded", name)
	}
	return base, nil
}

// Keyboard is a keyboard whose keys are pressed and released by calls to
// Press and Release.
type Keyboard struct {
	mu      sync.Mutex
	down    map[int]bool
	pressed map[int]bool
}

func NewKeyboard() *Keyboard {
	return &Keyboard{down: map[int]bool{}, pressed: map[int]bool{}}
}

func (k *Keyboard) Press(code int) {
	k.mu.Lock()
	k.down[code] = true
	k.pressed[code] = true
	k.mu.Unlock()
}

func (k *Keyboard) Release(code int) {
	k.mu.Lock()
	k.down[code] = false
	k.mu.Unlock()
}

// KeyState reports whether code is down now and whether it was pressed
// since the previous query.
func (k *Keyboard) KeyState(code int) (down, pressed bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	down, pressed = k.down[code], k.pressed[code]
	k.pressed[code] = false
	return down, pressed
}

// ErrUnhandledTrap is returned by Execute when a trap instruction is
// executed and no handler claims it. In a real host this terminates the
// process.
var ErrUnhandledTrap = errors.New("unhandled breakpoint trap")

// Dispatcher delivers the traps raised by Execute to the installed
// handler.
type Dispatcher struct {
	mu sync.Mutex
	h  proc.TrapHandler
}

func (d *Dispatcher) Install(h proc.TrapHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.h != nil {
		return errors.New("trap handler already installed")
	}
	d.h = h
	return nil
}

func (d *Dispatcher) Uninstall() error {
	d.mu.Lock()
	d.h = nil
	d.mu.Unlock()
	return nil
}

// Installed reports whether a handler is installed.
func (d *Dispatcher) Installed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.h != nil
}

// Execute simulates a host thread executing the instruction at addr with
// registers regs. If the byte at addr is the trap instruction the trap
// is dispatched; otherwise the zero TrapResult is returned.
func (d *Dispatcher) Execute(mem *Memory, addr uint64, regs proc.Registers) (proc.TrapResult, error) {
	b, err := mem.Peek(addr)
	if err != nil {
		return proc.TrapResult{}, err
	}
	if b != proc.TrapInstruction {
		return proc.TrapResult{}, nil
	}
	d.mu.Lock()
	h := d.h
	d.mu.Unlock()
	if h == nil {
		return proc.TrapResult{}, fmt.Errorf("%w at %#x", ErrUnhandledTrap, addr)
	}
	regs.Eip = addr + 1
	res := h(addr, regs)
	if res.Action != proc.ContinueExecution {
		return res, fmt.Errorf("%w at %#x", ErrUnhandledTrap, addr)
	}
	return res, nil
}

var _ proc.TrapDispatcher = (*Dispatcher)(nil)
