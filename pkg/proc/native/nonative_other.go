//go:build !windows || !(amd64 || 386)

package native

import "github.com/overhook/overhook/pkg/proc"

// Memory is unavailable on this platform.
type Memory struct{}

// NewMemory returns ErrUnsupported.
func NewMemory() (*Memory, error) { return nil, ErrUnsupported }

func (*Memory) ReadMemory([]byte, uint64) (int, error)         { return 0, ErrUnsupported }
func (*Memory) WriteMemory(uint64, []byte) (int, error)        { return 0, ErrUnsupported }
func (*Memory) Protect(uint64, uint64, uint32) (uint32, error) { return 0, ErrUnsupported }
func (*Memory) Alloc(uint64) (uint64, error)                   { return 0, ErrUnsupported }
func (*Memory) Free(uint64) error                              { return ErrUnsupported }
func (*Memory) ModuleBase(string) (uint64, error)              { return 0, ErrUnsupported }

// Keyboard is unavailable on this platform.
type Keyboard struct{}

// NewKeyboard returns ErrUnsupported.
func NewKeyboard() (*Keyboard, error) { return nil, ErrUnsupported }

func (*Keyboard) KeyState(int) (down, pressed bool) { return false, false }

// TrapDispatcher is unavailable on this platform.
type TrapDispatcher struct{}

// NewTrapDispatcher returns ErrUnsupported.
func NewTrapDispatcher() (*TrapDispatcher, error) { return nil, ErrUnsupported }

func (*TrapDispatcher) Install(proc.TrapHandler) error { return ErrUnsupported }
func (*TrapDispatcher) Uninstall() error               { return ErrUnsupported }
