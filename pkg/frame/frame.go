// Package frame implements the intercepted presentation call of the
// host: one-time attachment to the host's graphics objects, hotkeys, the
// per-frame script callback and the overlay.
package frame

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/overhook/overhook/pkg/bridge"
	"github.com/overhook/overhook/pkg/keys"
	"github.com/overhook/overhook/pkg/logflags"
	"github.com/overhook/overhook/pkg/proc"
)

// State is the lifecycle state of a Driver.
type State uint8

const (
	Uninitialized State = iota
	Attached
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Attached:
		return "attached"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// SwapChain is the presentation object the host passes to the
// presentation call. The driver never interprets it.
type SwapChain uintptr

// PresentFunc is the signature of the presentation call.
type PresentFunc func(sc SwapChain, syncInterval, flags uint32) int32

// Window messages handled by the driver.
const (
	WM_SIZE        = 0x0005
	SIZE_MINIMIZED = 1
)

// Message is a window message.
type Message struct {
	Hwnd   uintptr
	Msg    uint32
	WParam uintptr
	LParam uintptr
}

// MessageFilter is called by the window procedure interceptor for every
// message before the host's window procedure. If it returns true the
// message is not forwarded.
type MessageFilter func(m Message) bool

// Backend does the graphics work of the driver. It borrows the host's
// device and window and never creates its own.
type Backend interface {
	// Attach acquires the device, its context and the output window from
	// sc, builds the render target, attaches the overlay toolkit and
	// installs the window procedure interceptor calling filter.
	Attach(sc SwapChain, filter MessageFilter) error
	HasRenderTarget() bool
	// RebuildRenderTarget builds the render target again from the current
	// back buffer of sc.
	RebuildRenderTarget(sc SwapChain) error
	ReleaseRenderTarget()
	// DisplaySize returns the size of the back buffer in pixels.
	DisplaySize() (width, height float32)
	// BeginFrame and EndFrame bracket the overlay draw calls of a frame.
	BeginFrame()
	EndFrame()
	// Detach removes the interceptor and releases the toolkit.
	Detach() error
}

// Painter draws the overlay and consumes input while it is visible.
type Painter interface {
	Paint(selected int, scripts []bridge.Script, width, height float32)
	HandleMessage(m Message) bool
}

// Scripts is the part of the script bridge the driver uses.
type Scripts interface {
	Scripts() []bridge.Script
	ExecuteOne(key string) string
	PerFrameCallback(key string)
}

// ContextCapture captures the registers of the rendering thread. It is
// optional; without it registers are only captured by breakpoint traps.
type ContextCapture interface {
	CaptureContext() (proc.Registers, bool)
}

// Hotkeys are virtual-key codes.
type Hotkeys struct {
	Toggle int
	Reload int
	Close  int
}

// Config configures a Driver.
type Config struct {
	Hotkeys       Hotkeys
	ShowOnStartup bool

	// Capture and Registers enable per-frame register capture.
	Capture   ContextCapture
	Registers *proc.RegisterSnapshot
}

// Driver is the state machine run by the intercepted presentation call.
type Driver struct {
	cfg      Config
	backend  Backend
	painter  Painter
	keyboard keys.Keyboard
	scripts  Scripts
	original PresentFunc
	log      logflags.Logger

	// mu serializes frames.
	mu       sync.Mutex
	state    State
	selected int
	prevDown map[int]bool

	visible  atomic.Bool
	detached atomic.Bool
	attached chan struct{}
}

// New returns a driver forwarding to original.
func New(cfg Config, original PresentFunc, backend Backend, painter Painter, keyboard keys.Keyboard, scripts Scripts) *Driver {
	return &Driver{
		cfg:      cfg,
		backend:  backend,
		painter:  painter,
		keyboard: keyboard,
		scripts:  scripts,
		original: original,
		log:      logflags.FrameLogger(),
		prevDown: make(map[int]bool),
		attached: make(chan struct{}),
	}
}

// Attached returns a channel closed when the driver reaches the Attached
// state.
func (d *Driver) Attached() <-chan struct{} {
	return d.attached
}

// State returns the lifecycle state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Visible reports whether the overlay is shown.
func (d *Driver) Visible() bool {
	return d.visible.Load()
}

// Selected returns the index of the selected script in the bridge's view.
func (d *Driver) Selected() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.selected
}

// Present is the replacement for the host's presentation call. It always
// calls the original function with its arguments unchanged and returns
// its result.
func (d *Driver) Present(sc SwapChain, syncInterval, flags uint32) int32 {
	if !d.detached.Load() {
		d.frame(sc)
	}
	return d.original(sc, syncInterval, flags)
}

func (d *Driver) frame(sc SwapChain) {
	d.mu.Lock()
	defer d.mu.Unlock()
	defer func() {
		if ierr := recover(); ierr != nil {
			d.log.Errorf("panic in frame: %v\n%s", ierr, debug.Stack())
		}
	}()

	if d.state == Uninitialized {
		d.attach(sc)
	} else {
		d.capture()
		if !d.backend.HasRenderTarget() {
			d.log.Debug("recreating render target")
			if err := d.backend.RebuildRenderTarget(sc); err != nil {
				d.log.Errorf("could not recreate render target: %v", err)
			}
		}
	}

	scripts := d.scripts.Scripts()
	if n := len(scripts); n == 0 {
		d.selected = 0
	} else if d.selected >= n {
		d.selected %= n
	}

	d.hotkeys(scripts)

	if d.state != Attached {
		return
	}
	visible := d.visible.Load()
	if visible && len(scripts) > 0 {
		s := scripts[d.selected]
		if s.Result == "" || s.Result == bridge.StatusPending {
			d.log.Infof("refreshing status of %s", s.Key)
			d.scripts.ExecuteOne(s.Key)
		}
		d.scripts.PerFrameCallback(s.Key)
		scripts = d.scripts.Scripts()
		if d.selected >= len(scripts) {
			d.selected = 0
		}
	}

	if d.backend.HasRenderTarget() {
		d.backend.BeginFrame()
		if visible && len(scripts) > 0 {
			w, h := d.backend.DisplaySize()
			d.painter.Paint(d.selected, scripts, w, h)
		}
		d.backend.EndFrame()
	}
}

func (d *Driver) attach(sc SwapChain) {
	if err := d.backend.Attach(sc, d.WndProc); err != nil {
		d.log.Errorf("could not attach: %v", err)
		return
	}
	d.state = Attached
	close(d.attached)
	d.log.Info("attached")
	if d.cfg.ShowOnStartup {
		d.visible.Store(true)
		d.log.Info("overlay shown on startup")
	}
}

func (d *Driver) capture() {
	if d.cfg.Capture == nil || d.cfg.Registers == nil {
		return
	}
	if regs, ok := d.cfg.Capture.CaptureContext(); ok {
		d.cfg.Registers.Store(regs)
	}
}

// pressed reports whether code went down since the previous frame.
func (d *Driver) pressed(code int) bool {
	if code == 0 || d.keyboard == nil {
		return false
	}
	down, tapped := d.keyboard.KeyState(code)
	prev := d.prevDown[code]
	d.prevDown[code] = down
	return !prev && (down || tapped)
}

func (d *Driver) hotkeys(scripts []bridge.Script) {
	hk := d.cfg.Hotkeys
	if d.pressed(hk.Toggle) {
		switch {
		case !d.visible.Load():
			d.visible.Store(true)
			d.log.Info("overlay shown")
		case len(scripts) > 0:
			d.selected = (d.selected + 1) % len(scripts)
			d.log.Infof("selected script: %s", scripts[d.selected].Name)
		}
	}
	if d.pressed(hk.Reload) && d.visible.Load() && len(scripts) > 0 {
		s := scripts[d.selected]
		status := d.scripts.ExecuteOne(s.Key)
		d.log.Infof("executed %s again: %s", s.Key, status)
	}
	if d.pressed(hk.Close) && d.visible.Load() {
		d.visible.Store(false)
		d.log.Info("overlay hidden")
	}
}

// WndProc is the MessageFilter installed by Attach. While the overlay is
// visible the painter sees every message first. A resize releases the
// render target so that the next frame rebuilds it.
func (d *Driver) WndProc(m Message) bool {
	if d.visible.Load() && d.painter.HandleMessage(m) {
		return true
	}
	if m.Msg == WM_SIZE && m.WParam != SIZE_MINIMIZED && !d.detached.Load() {
		d.log.Debug("WM_SIZE: releasing render target")
		d.backend.ReleaseRenderTarget()
	}
	return false
}

// Detach stops all instrumentation of later frames and detaches the
// backend. Present keeps forwarding to the original function.
func (d *Driver) Detach() error {
	if d.detached.Swap(true) {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.visible.Store(false)
	if d.state != Attached {
		return nil
	}
	return d.backend.Detach()
}
