package proc

import (
	"fmt"
)

// ResumeAction tells the platform trap dispatcher what to do after a
// handler ran.
type ResumeAction uint8

const (
	// ContinueSearch passes the trap on to the next installed handler.
	ContinueSearch ResumeAction = iota
	// ContinueExecution resumes the faulting thread at TrapResult.ResumePC.
	ContinueExecution
)

func (a ResumeAction) String() string {
	switch a {
	case ContinueSearch:
		return "continue-search"
	case ContinueExecution:
		return "continue-execution"
	}
	return fmt.Sprintf("ResumeAction(%d)", uint8(a))
}

// TrapResult is the outcome of servicing a trap.
type TrapResult struct {
	Handled  bool
	Action   ResumeAction
	ResumePC uint64
}

var unclaimed = TrapResult{Action: ContinueSearch}

// TrapHandler is called by the platform dispatcher for every breakpoint
// trap raised anywhere in the process. addr is the address of the trap
// instruction.
type TrapHandler func(addr uint64, regs Registers) TrapResult

// TrapDispatcher is the platform's in-process exception dispatch.
type TrapDispatcher interface {
	Install(h TrapHandler) error
	Uninstall() error
}

// HandleTrap services a trap at addr. Traps at addresses without an
// armed breakpoint, or at an address whose previous hit is still being
// serviced, are not claimed.
func (m *BreakpointManager) HandleTrap(addr uint64, regs Registers) TrapResult {
	m.mu.Lock()
	bp, ok := m.M[addr]
	if !ok || !bp.Active {
		m.mu.Unlock()
		return unclaimed
	}
	if _, busy := m.inflight[addr]; busy {
		m.mu.Unlock()
		m.log.Debugf("trap at %#x while its previous hit is in flight", addr)
		return unclaimed
	}
	if err := writeProtected(m.mem, addr, []byte{bp.OriginalData}); err != nil {
		m.mu.Unlock()
		m.log.Errorf("could not restore original instruction: %v", err)
		return unclaimed
	}
	m.inflight[addr] = struct{}{}
	owner, callback, dispatcher := bp.Owner, bp.Callback, m.dispatcher
	m.mu.Unlock()

	regs.Eip = addr
	m.regs.Store(regs)
	m.log.Debugf("breakpoint hit at %#x", addr)

	m.callback(dispatcher, owner, callback, addr)

	if !m.rearm.schedule(m.delay, func(cancelled bool) { m.rearmTrap(addr, cancelled) }) {
		m.rearmTrap(addr, true)
	}

	return TrapResult{Handled: true, Action: ContinueExecution, ResumePC: addr}
}

func (m *BreakpointManager) callback(d CallbackDispatcher, owner, callback string, addr uint64) {
	defer func() {
		if ierr := recover(); ierr != nil {
			m.log.Errorf("panic in breakpoint callback %s: %v", callback, ierr)
		}
	}()
	if d == nil {
		m.log.Warnf("no dispatcher for breakpoint callback %s", callback)
		return
	}
	if err := d.DispatchBreakpoint(owner, callback, addr); err != nil {
		m.log.Errorf("error in breakpoint callback: %v", err)
	}
}

// rearmTrap writes the trap instruction back at addr, if the breakpoint
// still exists and is armed, and clears the in-flight mark. A cancelled
// re-arm leaves the breakpoint disarmed.
func (m *BreakpointManager) rearmTrap(addr uint64, cancelled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, addr)
	bp, ok := m.M[addr]
	if !ok || !bp.Active {
		return
	}
	if cancelled {
		bp.Active = false
		return
	}
	if err := writeProtected(m.mem, addr, []byte{TrapInstruction}); err != nil {
		m.log.Errorf("could not re-arm breakpoint: %v", err)
		bp.Active = false
	}
}
