// Package loader assembles the runtime from the configuration and
// orders its startup and shutdown.
package loader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/overhook/overhook/pkg/bridge"
	"github.com/overhook/overhook/pkg/config"
	"github.com/overhook/overhook/pkg/frame"
	"github.com/overhook/overhook/pkg/keys"
	"github.com/overhook/overhook/pkg/logflags"
	"github.com/overhook/overhook/pkg/overlay"
	"github.com/overhook/overhook/pkg/proc"
	"github.com/overhook/overhook/pkg/proc/native"
	"github.com/overhook/overhook/pkg/script"

	// script languages
	_ "github.com/overhook/overhook/pkg/script/luaengine"
	_ "github.com/overhook/overhook/pkg/script/starengine"
)

// ErrShutdown is returned by Start if Shutdown was called first.
var ErrShutdown = errors.New("loader shut down")

// Host is the set of platform services the runtime is attached to.
type Host struct {
	Memory   proc.Memory
	Keyboard keys.Keyboard
	Traps    proc.TrapDispatcher

	// Original is the host's presentation function, Backend does the
	// graphics work of the frame driver.
	Original frame.PresentFunc
	Backend  frame.Backend
	// Painter defaults to the ImGui overlay.
	Painter frame.Painter
	// Capture is optional.
	Capture frame.ContextCapture
}

// NativeHost returns a Host backed by the process the runtime is loaded
// into. original and backend come from the graphics interception layer.
func NativeHost(original frame.PresentFunc, backend frame.Backend) (Host, error) {
	mem, err := native.NewMemory()
	if err != nil {
		return Host{}, err
	}
	kbd, err := native.NewKeyboard()
	if err != nil {
		return Host{}, err
	}
	traps, err := native.NewTrapDispatcher()
	if err != nil {
		return Host{}, err
	}
	return Host{
		Memory:   mem,
		Keyboard: kbd,
		Traps:    traps,
		Original: original,
		Backend:  backend,
	}, nil
}

// Loader owns the runtime of one attach.
type Loader struct {
	conf *config.Config
	dir  string
	host Host
	log  logflags.Logger

	regs   *proc.RegisterSnapshot
	bm     *proc.BreakpointManager
	bridge *bridge.Bridge
	driver *frame.Driver

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	watcher   *bridge.Watcher
	installed bool
	started   bool
	stopped   bool
	stopErr   error
}

// New builds the runtime described by conf. Scripts are read from
// conf.PluginDir(cfgPath).
func New(conf *config.Config, cfgPath string, host Host) (*Loader, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if host.Memory == nil || host.Traps == nil || host.Original == nil || host.Backend == nil {
		return nil, errors.New("incomplete host")
	}
	lang, err := script.Lookup(conf.ScriptEngine)
	if err != nil {
		return nil, err
	}

	l := &Loader{
		conf: conf,
		dir:  conf.PluginDir(cfgPath),
		host: host,
		log:  logflags.LoaderLogger(),
		regs: new(proc.RegisterSnapshot),
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())

	// Scripts and the hotkeys read the keyboard through one tracker so
	// that neither consumes the other's key presses.
	var tracker *keys.Tracker
	var hotkeys keys.Keyboard
	if host.Keyboard != nil {
		tracker = keys.NewTracker(host.Keyboard)
		hotkeys = tracker.NewReader()
	}

	l.bm = proc.NewBreakpointManager(host.Memory, l.regs, conf.RearmDelay)
	l.bridge = bridge.New(lang, &script.Host{
		Memory:      host.Memory,
		Keyboard:    tracker,
		Registers:   l.regs,
		Breakpoints: l.bm,
	})
	l.bm.SetDispatcher(l.bridge)

	painter := host.Painter
	if painter == nil {
		painter = overlay.New(overlay.Config{
			Name:     conf.Name,
			Version:  conf.Version,
			Color:    overlay.Color(conf.Color()),
			Position: overlay.ParsePosition(conf.OverlayPosition),
		})
	}
	l.driver = frame.New(frame.Config{
		Hotkeys: frame.Hotkeys{
			Toggle: conf.ToggleCode(),
			Reload: conf.ReloadCode(),
			Close:  conf.CloseCode(),
		},
		ShowOnStartup: conf.ShowOnStartup,
		Capture:       host.Capture,
		Registers:     l.regs,
	}, host.Original, host.Backend, painter, hotkeys, l.bridge)

	return l, nil
}

func (l *Loader) Dir() string                          { return l.dir }
func (l *Loader) Driver() *frame.Driver                { return l.driver }
func (l *Loader) Bridge() *bridge.Bridge               { return l.bridge }
func (l *Loader) Breakpoints() *proc.BreakpointManager { return l.bm }
func (l *Loader) Registers() *proc.RegisterSnapshot    { return l.regs }

// Present is the replacement presentation function.
func (l *Loader) Present(sc frame.SwapChain, syncInterval, flags uint32) int32 {
	return l.driver.Present(sc, syncInterval, flags)
}

// Start installs the trap handler, loads the scripts, waits for the
// first frame for at most the attach timeout, executes the scripts and
// starts watching the script directory. Start does not run frames: the
// host must be calling Present concurrently for the wait to end early.
func (l *Loader) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrShutdown
	}
	if l.started {
		l.mu.Unlock()
		return errors.New("loader already started")
	}
	l.started = true
	l.mu.Unlock()

	l.log.Infof("starting, session %s", logflags.Session())

	if err := l.install(); err != nil {
		return err
	}

	n := l.bridge.LoadAll(l.dir)
	l.log.Infof("found %d %s scripts in %s", n, l.bridge.Language().Name(), l.dir)

	if err := l.waitAttached(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return ErrShutdown
	}
	l.bridge.ExecuteAll()
	for _, s := range l.bridge.Scripts() {
		if s.IsError() {
			l.log.Warnf("%s: %s", s.Key, s.Result)
		} else {
			l.log.Debugf("%s: %s", s.Key, s.Result)
		}
	}
	l.watcher = l.bridge.Watch(l.ctx, l.dir, l.conf.PollInterval, l.conf.ForcePoll)
	if l.watcher.Polling() {
		l.log.Infof("polling %s", l.dir)
	}
	return nil
}

func (l *Loader) install() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return ErrShutdown
	}
	if err := l.host.Traps.Install(l.bm.HandleTrap); err != nil {
		return fmt.Errorf("could not install trap handler: %w", err)
	}
	l.installed = true
	return nil
}

func (l *Loader) waitAttached(ctx context.Context) error {
	timeout := l.conf.AttachTimeout
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-l.driver.Attached():
		l.log.Debug("frame driver attached")
	case <-t.C:
		l.log.Warnf("frame driver not attached after %v, executing scripts anyway", timeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-l.ctx.Done():
		return ErrShutdown
	}
	return nil
}

// Shutdown stops the watcher, cancels pending re-arms, restores every
// breakpoint, removes the trap handler, closes the script engines and
// detaches the frame driver. Calls after the first return the first
// call's error.
func (l *Loader) Shutdown() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return l.stopErr
	}
	l.stopped = true
	l.cancel()

	var errs []string
	if l.watcher != nil {
		l.watcher.Stop()
	}
	l.bm.Close()
	l.bm.ClearAll()
	if l.installed {
		if err := l.host.Traps.Uninstall(); err != nil {
			errs = append(errs, fmt.Sprintf("could not uninstall trap handler: %v", err))
		}
	}
	l.bridge.Close()
	if err := l.driver.Detach(); err != nil {
		errs = append(errs, fmt.Sprintf("could not detach: %v", err))
	}

	if len(errs) > 0 {
		l.stopErr = errors.New(strings.Join(errs, "; "))
		l.log.Error(l.stopErr)
	}
	l.log.Info("shut down")
	return l.stopErr
}
