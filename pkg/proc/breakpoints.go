package proc

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/overhook/overhook/pkg/logflags"
)

// TrapInstruction is the x86 INT3 opcode written over the first byte of
// the instruction a breakpoint is set on.
const TrapInstruction byte = 0xCC

// DefaultCallback is the script function called when a breakpoint is set
// without naming one.
const DefaultCallback = "OnBreakpoint"

// DefaultRearmDelay is how long the original instruction is left in
// place after a breakpoint fires before the trap byte is written back.
const DefaultRearmDelay = time.Millisecond

// Breakpoint represents a software breakpoint. Stores information on the
// breakpoint including the byte of data that originally was stored at
// that address.
type Breakpoint struct {
	Addr         uint64 // Address breakpoint is set for.
	OriginalData byte   // The byte replaced by TrapInstruction.
	Callback     string // Name of the script function to call.
	Owner        string // Identity key of the script that set the breakpoint.

	// Active is true while TrapInstruction is (or, between a hit and its
	// re-arm, is about to be) written at Addr.
	Active bool
}

func (bp *Breakpoint) String() string {
	state := "disabled"
	if bp.Active {
		state = "enabled"
	}
	return fmt.Sprintf("Breakpoint at %#x %s callback %s (%s)", bp.Addr, state, bp.Callback, bp.Owner)
}

// BreakpointInfo is the externally visible part of a breakpoint.
type BreakpointInfo struct {
	Addr     uint64
	Active   bool
	Callback string
	Owner    string
}

// NoBreakpointError is returned when trying to
// clear a breakpoint that does not exist.
type NoBreakpointError struct {
	Addr uint64
}

func (nbp NoBreakpointError) Error() string {
	return fmt.Sprintf("no breakpoint at %#x", nbp.Addr)
}

// CallbackDispatcher runs the script function a breakpoint names.
type CallbackDispatcher interface {
	DispatchBreakpoint(owner, callback string, addr uint64) error
}

// BreakpointManager installs software breakpoints in host code and
// services the traps they raise.
type BreakpointManager struct {
	mem   Memory
	regs  *RegisterSnapshot
	delay time.Duration
	log   logflags.Logger

	mu         sync.Mutex
	M          map[uint64]*Breakpoint
	inflight   map[uint64]struct{}
	dispatcher CallbackDispatcher

	rearm *rearmExecutor
}

// NewBreakpointManager creates a breakpoint manager patching mem and
// recording trap register state into regs. A zero rearmDelay selects
// DefaultRearmDelay.
func NewBreakpointManager(mem Memory, regs *RegisterSnapshot, rearmDelay time.Duration) *BreakpointManager {
	if rearmDelay <= 0 {
		rearmDelay = DefaultRearmDelay
	}
	return &BreakpointManager{
		mem:      mem,
		regs:     regs,
		delay:    rearmDelay,
		log:      logflags.BreakpointsLogger(),
		M:        make(map[uint64]*Breakpoint),
		inflight: make(map[uint64]struct{}),
		rearm:    newRearmExecutor(),
	}
}

// SetDispatcher sets the receiver of breakpoint callbacks.
func (m *BreakpointManager) SetDispatcher(d CallbackDispatcher) {
	m.mu.Lock()
	m.dispatcher = d
	m.mu.Unlock()
}

// SetBreakpoint writes a trap instruction at addr. Setting a breakpoint
// on an address that already has one succeeds without changing it.
func (m *BreakpointManager) SetBreakpoint(addr uint64, callback, owner string) bool {
	if callback == "" {
		callback = DefaultCallback
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.M[addr]; ok {
		m.log.Debugf("breakpoint already exists at %#x", addr)
		return true
	}

	orig, err := swapByte(m.mem, addr, TrapInstruction)
	if err != nil {
		m.log.Errorf("could not set breakpoint: %v", err)
		return false
	}
	m.M[addr] = &Breakpoint{
		Addr:         addr,
		OriginalData: orig,
		Callback:     callback,
		Owner:        owner,
		Active:       true,
	}
	m.log.Debugf("breakpoint set at %#x callback: %s", addr, callback)
	return true
}

// RemoveBreakpoint restores the original byte at addr and forgets the
// breakpoint.
func (m *BreakpointManager) RemoveBreakpoint(addr uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	bp, ok := m.M[addr]
	if !ok {
		m.log.Debug(NoBreakpointError{addr})
		return false
	}
	if err := writeProtected(m.mem, addr, []byte{bp.OriginalData}); err != nil {
		m.log.Errorf("could not remove breakpoint: %v", err)
		return false
	}
	delete(m.M, addr)
	m.log.Debugf("breakpoint removed from %#x", addr)
	return true
}

// EnableBreakpoint arms or disarms the breakpoint at addr.
func (m *BreakpointManager) EnableBreakpoint(addr uint64, enable bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	bp, ok := m.M[addr]
	if !ok {
		m.log.Debug(NoBreakpointError{addr})
		return false
	}
	if bp.Active == enable {
		return true
	}
	b := bp.OriginalData
	if enable {
		b = TrapInstruction
	}
	if err := writeProtected(m.mem, addr, []byte{b}); err != nil {
		m.log.Errorf("could not toggle breakpoint: %v", err)
		return false
	}
	bp.Active = enable
	m.log.Debugf("breakpoint %s", bp)
	return true
}

// ListBreakpoints returns all breakpoints sorted by address.
func (m *BreakpointManager) ListBreakpoints() []BreakpointInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := make([]BreakpointInfo, 0, len(m.M))
	for _, bp := range m.M {
		r = append(r, BreakpointInfo{Addr: bp.Addr, Active: bp.Active, Callback: bp.Callback, Owner: bp.Owner})
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Addr < r[j].Addr })
	return r
}

// ClearAll restores the original byte of every breakpoint and empties
// the table. Failures are logged and the remaining breakpoints are still
// restored.
func (m *BreakpointManager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for addr, bp := range m.M {
		if err := writeProtected(m.mem, addr, []byte{bp.OriginalData}); err != nil {
			m.log.Errorf("could not restore breakpoint: %v", err)
		}
		delete(m.M, addr)
	}
}

// Close cancels pending re-arms and waits for the re-arm executor to
// exit. Breakpoints whose re-arm was cancelled are left disarmed in
// memory.
func (m *BreakpointManager) Close() {
	m.rearm.close()
}
