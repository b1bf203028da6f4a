// Package script defines the interface between the script bridge and
// the interpreters that run script bodies, and the host API both
// interpreters expose to scripts.
package script

import (
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru"

	"github.com/overhook/overhook/pkg/keys"
	"github.com/overhook/overhook/pkg/logflags"
	"github.com/overhook/overhook/pkg/proc"
)

// Names shared by every engine.
const (
	// ResultGlobal is the global a script assigns to report its status.
	ResultGlobal = "SCRIPT_RESULT"
	// InfoGlobal holds the script's descriptor keys, read only.
	InfoGlobal = "PLUGIN_INFO"
	// FrameFunc is called once per presented frame.
	FrameFunc = "OnFrame"
)

// Engine is one isolated interpreter instance. An Engine is not safe for
// concurrent use.
type Engine interface {
	// Exec runs the script body at path in the engine's global scope.
	Exec(path string) error
	// HasFunction reports whether the global name is a function.
	HasFunction(name string) bool
	// Call calls the global function name. The result is converted to
	// nil, bool, int64, float64 or string.
	Call(name string, args ...interface{}) (interface{}, error)
	// Global returns the global name if it is a string.
	Global(name string) (string, bool)
	// SetGlobal sets a global to a string, bool or integer value.
	SetGlobal(name string, value interface{}) error
	// Close releases the interpreter.
	Close()
}

// Language creates engines for script bodies with a given extension.
type Language interface {
	Name() string
	// Ext is the file extension of script bodies, with the leading dot.
	Ext() string
	NewEngine(api *API) (Engine, error)
}

var languages = map[string]Language{}

// Register makes a language available by name. It is called from the
// init function of the engine packages.
func Register(l Language) {
	languages[strings.ToLower(l.Name())] = l
}

// Lookup returns the registered language called name.
func Lookup(name string) (Language, error) {
	l, ok := languages[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown script engine %q (available: %s)", name, strings.Join(Languages(), ", "))
	}
	return l, nil
}

// Languages returns the names of the registered languages.
func Languages() []string {
	r := make([]string, 0, len(languages))
	for name := range languages {
		r = append(r, name)
	}
	sort.Strings(r)
	return r
}

// Host is the set of host capabilities shared by every script.
type Host struct {
	Memory      proc.Memory
	Keyboard    *keys.Tracker
	Registers   *proc.RegisterSnapshot
	Breakpoints *proc.BreakpointManager
}

// moduleCacheSize is the number of module bases remembered per script.
const moduleCacheSize = 32

// API is the host surface of one script. Failures are logged and
// reported to the script as nil or false, never as errors.
type API struct {
	host  *Host
	kbd   *keys.Reader
	owner string
	info  map[string]string
	log   logflags.Logger

	// module bases found by GetModuleBase, valid until the script is
	// executed again
	modules *lru.Cache
}

// NewAPI returns the API for the script identified by owner. info is
// exposed to the script as PLUGIN_INFO.
func NewAPI(host *Host, owner string, info map[string]string) *API {
	if host == nil {
		host = &Host{}
	}
	modules, _ := lru.New(moduleCacheSize)
	var kbd *keys.Reader
	if host.Keyboard != nil {
		kbd = host.Keyboard.NewReader()
	}
	return &API{
		host:    host,
		kbd:     kbd,
		owner:   owner,
		info:    info,
		log:     logflags.ScriptsLogger().WithField("script", owner),
		modules: modules,
	}
}

// Owner returns the identity key of the script.
func (a *API) Owner() string { return a.owner }

// Info returns a copy of the script's descriptor keys.
func (a *API) Info() map[string]string {
	r := make(map[string]string, len(a.info))
	for k, v := range a.info {
		r[k] = v
	}
	return r
}

// Keys returns the virtual-key table.
func (a *API) Keys() []keys.Named { return keys.All() }

func (a *API) IsKeyDown(code int) bool {
	if a.kbd == nil {
		return false
	}
	return a.kbd.Down(code)
}

// IsKeyPressed reports whether code was pressed since the script last
// asked. Presses seen by the hotkeys or by other scripts still count.
func (a *API) IsKeyPressed(code int) bool {
	if a.kbd == nil {
		return false
	}
	return a.kbd.Pressed(code)
}

// ReadMemory reads an unsigned integer of size 1, 2, 4 or 8 bytes.
func (a *API) ReadMemory(addr uint64, size int) (uint64, bool) {
	if a.host.Memory == nil {
		return 0, false
	}
	v, err := proc.ReadUint(a.host.Memory, addr, size)
	if err != nil {
		a.log.Debugf("ReadMemory: %v", err)
		return 0, false
	}
	return v, true
}

// WriteMemory writes the low size bytes of value at addr.
func (a *API) WriteMemory(addr, value uint64, size int) bool {
	if a.host.Memory == nil {
		return false
	}
	if err := proc.WriteUint(a.host.Memory, addr, value, size); err != nil {
		a.log.Debugf("WriteMemory: %v", err)
		return false
	}
	return true
}

func (a *API) GetModuleBase(name string) (uint64, bool) {
	if a.host.Memory == nil {
		return 0, false
	}
	key := strings.ToLower(name)
	if v, ok := a.modules.Get(key); ok {
		return v.(uint64), true
	}
	base, err := a.host.Memory.ModuleBase(name)
	if err != nil {
		a.log.Debugf("GetModuleBase: %v", err)
		return 0, false
	}
	a.modules.Add(key, base)
	return base, true
}

func (a *API) AllocateMemory(size uint64) (uint64, bool) {
	if a.host.Memory == nil {
		return 0, false
	}
	addr, err := a.host.Memory.Alloc(size)
	if err != nil {
		a.log.Debugf("AllocateMemory: %v", err)
		return 0, false
	}
	return addr, true
}

func (a *API) FreeMemory(addr uint64) bool {
	if a.host.Memory == nil {
		return false
	}
	if err := a.host.Memory.Free(addr); err != nil {
		a.log.Debugf("FreeMemory: %v", err)
		return false
	}
	return true
}

// ProtectMemory changes the protection of a range and returns the
// previous one.
func (a *API) ProtectMemory(addr, size uint64, prot uint32) (bool, uint32) {
	if a.host.Memory == nil {
		return false, 0
	}
	old, err := a.host.Memory.Protect(addr, size, prot)
	if err != nil {
		a.log.Debugf("ProtectMemory: %v", err)
		return false, 0
	}
	return true, old
}

// Registers returns the register state captured at the last breakpoint
// hit.
func (a *API) Registers() proc.Registers {
	if a.host.Registers == nil {
		return proc.Registers{}
	}
	return a.host.Registers.Load()
}

// SetBreakpoint sets a breakpoint calling callback in this script.
func (a *API) SetBreakpoint(addr uint64, callback string) bool {
	if a.host.Breakpoints == nil {
		return false
	}
	return a.host.Breakpoints.SetBreakpoint(addr, callback, a.owner)
}

func (a *API) RemoveBreakpoint(addr uint64) bool {
	if a.host.Breakpoints == nil {
		return false
	}
	return a.host.Breakpoints.RemoveBreakpoint(addr)
}

func (a *API) EnableBreakpoint(addr uint64, enable bool) bool {
	if a.host.Breakpoints == nil {
		return false
	}
	return a.host.Breakpoints.EnableBreakpoint(addr, enable)
}

func (a *API) ListBreakpoints() []proc.BreakpointInfo {
	if a.host.Breakpoints == nil {
		return nil
	}
	return a.host.Breakpoints.ListBreakpoints()
}
