// Package native implements the host capabilities of package proc for
// the process the runtime is loaded into: memory access and protection,
// keyboard state and breakpoint trap dispatch through a vectored
// exception handler.
//
// Only windows/386 and windows/amd64 are supported; on every other
// platform the constructors return ErrUnsupported.
package native

import (
	"errors"

	"github.com/overhook/overhook/pkg/proc"
)

// ErrUnsupported is returned by the constructors of this package on
// platforms without a native backend.
var ErrUnsupported = errors.New("native backend not supported on this platform")

var (
	_ proc.Memory         = (*Memory)(nil)
	_ proc.TrapDispatcher = (*TrapDispatcher)(nil)
)
