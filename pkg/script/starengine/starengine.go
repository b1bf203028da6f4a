// Package starengine runs script bodies written in Starlark.
//
// Starlark functions cannot assign globals, so a Starlark OnFrame reports
// its status by returning a string instead of setting SCRIPT_RESULT.
package starengine

import (
	"fmt"
	"runtime"
	"strings"
	"sync"

	startime "go.starlark.net/lib/time"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"

	"github.com/overhook/overhook/pkg/logflags"
	"github.com/overhook/overhook/pkg/script"
)

func init() {
	resolve.AllowNestedDef = true
	resolve.AllowLambda = true
	resolve.AllowFloat = true
	resolve.AllowSet = true
	resolve.AllowBitwise = true
	resolve.AllowRecursion = true
	resolve.AllowGlobalReassign = true

	// Make the "time" module available to Starlark scripts.
	starlark.Universe["time"] = startime.Module

	script.Register(Language{})
}

// Language creates Starlark engines.
type Language struct{}

func (Language) Name() string { return "starlark" }
func (Language) Ext() string  { return ".star" }

func (Language) NewEngine(api *script.API) (script.Engine, error) {
	return New(api), nil
}

// Engine is the environment used to evaluate one Starlark script.
type Engine struct {
	predeclared starlark.StringDict
	globals     starlark.StringDict

	threadMu sync.Mutex
	thread   *starlark.Thread
	closed   bool

	api *script.API
	log logflags.Logger
}

// New creates a new Starlark environment bound to api.
func New(api *script.API) *Engine {
	e := &Engine{api: api, log: logflags.ScriptsLogger().WithField("script", api.Owner())}
	e.predeclared = e.starlarkPredeclare()
	return e
}

// Exec executes the file at path. Globals with a name starting with a
// capital letter are visible to later calls.
func (e *Engine) Exec(path string) (_err error) {
	defer e.recoverPanic("executing starlark script", &_err)

	thread, err := e.newThread()
	if err != nil {
		return err
	}
	globals, err := starlark.ExecFile(thread, path, nil, e.predeclared)
	if err != nil {
		return err
	}
	e.globals = globals
	return nil
}

func (e *Engine) lookup(name string) (starlark.Value, bool) {
	if v, ok := e.globals[name]; ok {
		return v, true
	}
	v, ok := e.predeclared[name]
	return v, ok
}

func (e *Engine) HasFunction(name string) bool {
	v, ok := e.lookup(name)
	if !ok {
		return false
	}
	_, ok = v.(*starlark.Function)
	return ok
}

// Call calls the function name. Arguments beyond the ones the function
// declares are dropped, so that OnFrame may be written without
// parameters.
func (e *Engine) Call(name string, args ...interface{}) (_ interface{}, _err error) {
	defer e.recoverPanic("calling "+name, &_err)

	v, ok := e.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%s is not defined", name)
	}
	fn, ok := v.(*starlark.Function)
	if !ok {
		return nil, fmt.Errorf("%s is not a function", name)
	}
	if !fn.HasVarargs() && fn.NumParams() < len(args) {
		args = args[:fn.NumParams()]
	}
	argtuple := make(starlark.Tuple, len(args))
	for i := range args {
		argtuple[i] = toStarlarkValue(args[i])
	}
	thread, err := e.newThread()
	if err != nil {
		return nil, err
	}
	r, err := starlark.Call(thread, fn, argtuple, nil)
	if err != nil {
		return nil, err
	}
	return fromStarlarkValue(r), nil
}

func (e *Engine) Global(name string) (string, bool) {
	v, ok := e.lookup(name)
	if !ok {
		return "", false
	}
	switch v := v.(type) {
	case starlark.String:
		return string(v), true
	case starlark.Int, starlark.Float:
		return v.String(), true
	}
	return "", false
}

// SetGlobal sets a predeclared value. A global of the same name defined
// by the script shadows it.
func (e *Engine) SetGlobal(name string, value interface{}) error {
	v := toStarlarkValue(value)
	if v == starlark.None && value != nil {
		return fmt.Errorf("unsupported global value %T", value)
	}
	delete(e.globals, name)
	e.predeclared[name] = v
	return nil
}

// Close cancels the currently running script, if any. Later calls fail.
func (e *Engine) Close() {
	e.threadMu.Lock()
	e.closed = true
	if e.thread != nil {
		e.thread.Cancel("engine closed")
	}
	e.threadMu.Unlock()
}

func (e *Engine) newThread() (*starlark.Thread, error) {
	thread := &starlark.Thread{
		Name:  e.api.Owner(),
		Print: func(_ *starlark.Thread, msg string) { e.log.Info(msg) },
	}
	e.threadMu.Lock()
	defer e.threadMu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("engine closed")
	}
	e.thread = thread
	return thread, nil
}

func (e *Engine) recoverPanic(what string, perr *error) {
	ierr := recover()
	if ierr == nil {
		return
	}
	*perr = fmt.Errorf("panic %s: %v", what, ierr)
	var b strings.Builder
	for i := 0; ; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		fname := "<unknown>"
		fn := runtime.FuncForPC(pc)
		if fn != nil {
			fname = fn.Name()
		}
		fmt.Fprintf(&b, "%s\n\tin %s:%d\n", fname, file, line)
	}
	e.log.Errorf("panic %s: %v\n%s", what, ierr, b.String())
}

func decorateError(thread *starlark.Thread, err error) error {
	if err == nil {
		return nil
	}
	pos := thread.CallFrame(1).Pos
	if pos.Col > 0 {
		return fmt.Errorf("%s:%d:%d: %v", pos.Filename(), pos.Line, pos.Col, err)
	}
	return fmt.Errorf("%s:%d: %v", pos.Filename(), pos.Line, err)
}
