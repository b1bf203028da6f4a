//go:build windows && (amd64 || 386)

package native

import (
	"errors"
	"sync"
	"sync/atomic"

	sys "golang.org/x/sys/windows"

	"github.com/overhook/overhook/pkg/proc"
)

const (
	_EXCEPTION_BREAKPOINT = 0x80000003

	_EXCEPTION_CONTINUE_EXECUTION = ^uintptr(0) // -1
	_EXCEPTION_CONTINUE_SEARCH    = 0

	_EXCEPTION_MAXIMUM_PARAMETERS = 15
)

type _EXCEPTION_RECORD struct {
	ExceptionCode        uint32
	ExceptionFlags       uint32
	ExceptionRecord      *_EXCEPTION_RECORD
	ExceptionAddress     uintptr
	NumberParameters     uint32
	ExceptionInformation [_EXCEPTION_MAXIMUM_PARAMETERS]uintptr
}

type _EXCEPTION_POINTERS struct {
	ExceptionRecord *_EXCEPTION_RECORD
	ContextRecord   *_CONTEXT
}

var (
	// installed is the dispatcher whose handler the vectored exception
	// handler calls. There is at most one per process.
	installed atomic.Pointer[TrapDispatcher]

	vehOnce     sync.Once
	vehCallback uintptr
)

// ErrAlreadyInstalled is returned by Install when another dispatcher, or
// this one, is already installed.
var ErrAlreadyInstalled = errors.New("trap dispatcher already installed")

// TrapDispatcher routes breakpoint exceptions raised by any thread of the
// process to a proc.TrapHandler.
type TrapDispatcher struct {
	mu      sync.Mutex
	handle  uintptr
	handler proc.TrapHandler
}

// NewTrapDispatcher returns an uninstalled dispatcher.
func NewTrapDispatcher() (*TrapDispatcher, error) {
	return &TrapDispatcher{}, nil
}

// Install registers h as the first vectored exception handler of the
// process.
func (d *TrapDispatcher) Install(h proc.TrapHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h == nil {
		return errors.New("nil trap handler")
	}
	d.handler = h
	if !installed.CompareAndSwap(nil, d) {
		return ErrAlreadyInstalled
	}
	vehOnce.Do(func() {
		vehCallback = sys.NewCallback(vectoredHandler)
	})
	r, _, err := procAddVectoredExceptionHandler.Call(1, vehCallback)
	if r == 0 {
		installed.Store(nil)
		return err
	}
	d.handle = r
	return nil
}

// Uninstall removes the handler. Breakpoint exceptions raised afterwards
// go to the next handler in the chain.
func (d *TrapDispatcher) Uninstall() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle == 0 {
		return nil
	}
	r, _, err := procRemoveVectoredExceptionHandler.Call(d.handle)
	if r == 0 {
		return err
	}
	d.handle = 0
	installed.CompareAndSwap(d, nil)
	return nil
}

func vectoredHandler(ep *_EXCEPTION_POINTERS) uintptr {
	if ep == nil || ep.ExceptionRecord == nil || ep.ContextRecord == nil {
		return _EXCEPTION_CONTINUE_SEARCH
	}
	if ep.ExceptionRecord.ExceptionCode != _EXCEPTION_BREAKPOINT {
		return _EXCEPTION_CONTINUE_SEARCH
	}
	d := installed.Load()
	if d == nil || d.handler == nil {
		return _EXCEPTION_CONTINUE_SEARCH
	}
	res := d.handler(uint64(ep.ExceptionRecord.ExceptionAddress), ep.ContextRecord.registers())
	if !res.Handled || res.Action != proc.ContinueExecution {
		return _EXCEPTION_CONTINUE_SEARCH
	}
	ep.ContextRecord.setPC(res.ResumePC)
	return _EXCEPTION_CONTINUE_EXECUTION
}
