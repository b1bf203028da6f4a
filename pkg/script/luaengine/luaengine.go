// Package luaengine runs script bodies written in Lua, using gopher-lua.
//
// Integers cross the boundary as Lua numbers (float64), so addresses
// above 2^53 cannot be represented exactly.
package luaengine

import (
	"errors"
	"fmt"
	"sort"

	lua "github.com/yuin/gopher-lua"

	"github.com/overhook/overhook/pkg/proc"
	"github.com/overhook/overhook/pkg/script"
)

func init() {
	script.Register(Language{})
}

// Language creates Lua engines.
type Language struct{}

func (Language) Name() string { return "lua" }
func (Language) Ext() string  { return ".lua" }

func (Language) NewEngine(api *script.API) (script.Engine, error) {
	return New(api), nil
}

// Engine is a Lua state with the host API installed.
type Engine struct {
	L   *lua.LState
	api *script.API
}

// New creates a Lua state bound to api.
func New(api *script.API) *Engine {
	e := &Engine{L: lua.NewState(), api: api}
	e.install()
	return e
}

func (e *Engine) Exec(path string) (err error) {
	defer func() {
		if ierr := recover(); ierr != nil {
			err = fmt.Errorf("panic executing lua script: %v", ierr)
		}
	}()
	return e.L.DoFile(path)
}

func (e *Engine) HasFunction(name string) bool {
	return e.L.GetGlobal(name).Type() == lua.LTFunction
}

func (e *Engine) Call(name string, args ...interface{}) (_ interface{}, err error) {
	defer func() {
		if ierr := recover(); ierr != nil {
			err = fmt.Errorf("panic calling %s: %v", name, ierr)
		}
	}()
	fn := e.L.GetGlobal(name)
	if fn.Type() != lua.LTFunction {
		return nil, fmt.Errorf("%s is not a function", name)
	}
	largs := make([]lua.LValue, len(args))
	for i := range args {
		largs[i] = toLua(args[i])
	}
	if err := e.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, largs...); err != nil {
		return nil, err
	}
	ret := e.L.Get(-1)
	e.L.Pop(1)
	return fromLua(ret), nil
}

func (e *Engine) Global(name string) (string, bool) {
	switch v := e.L.GetGlobal(name).(type) {
	case lua.LString:
		return string(v), true
	case lua.LNumber:
		return v.String(), true
	}
	return "", false
}

func (e *Engine) SetGlobal(name string, value interface{}) error {
	v := toLua(value)
	if v == lua.LNil && value != nil {
		return fmt.Errorf("unsupported global value %T", value)
	}
	e.L.SetGlobal(name, v)
	return nil
}

func (e *Engine) Close() {
	e.L.Close()
}

func toLua(v interface{}) lua.LValue {
	switch v := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(v)
	case string:
		return lua.LString(v)
	case int:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case uint32:
		return lua.LNumber(v)
	case uint64:
		return lua.LNumber(v)
	case float64:
		return lua.LNumber(v)
	}
	return lua.LNil
}

func fromLua(v lua.LValue) interface{} {
	switch v := v.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LString:
		return string(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	}
	return nil
}

var errReadOnly = errors.New("attempt to modify read-only table")

func (e *Engine) install() {
	L := e.L

	kbd := L.NewTable()
	L.SetFuncs(kbd, map[string]lua.LGFunction{
		"IsKeyDown":    e.isKeyDown,
		"IsKeyPressed": e.isKeyPressed,
	})
	L.SetGlobal("Keyboard", kbd)

	keytab := L.NewTable()
	for _, k := range e.api.Keys() {
		keytab.RawSetString(k.Name, lua.LNumber(k.Code))
	}
	L.SetGlobal("Keys", keytab)

	mem := L.NewTable()
	L.SetFuncs(mem, map[string]lua.LGFunction{
		"ReadMemory":     e.readMemory,
		"WriteMemory":    e.writeMemory,
		"GetModuleBase":  e.getModuleBase,
		"AllocateMemory": e.allocateMemory,
		"FreeMemory":     e.freeMemory,
		"ProtectMemory":  e.protectMemory,
	})
	L.SetGlobal("Memory", mem)

	regs := L.NewTable()
	L.SetFuncs(regs, map[string]lua.LGFunction{"Get": e.getRegisters})
	L.SetGlobal("Registers", regs)

	dbg := L.NewTable()
	L.SetFuncs(dbg, map[string]lua.LGFunction{
		"SetBreakpoint":    e.setBreakpoint,
		"RemoveBreakpoint": e.removeBreakpoint,
		"EnableBreakpoint": e.enableBreakpoint,
		"ListBreakpoints":  e.listBreakpoints,
	})
	L.SetGlobal("Debug", dbg)

	L.SetGlobal(script.InfoGlobal, e.readOnly(e.api.Info()))
}

// readOnly returns an empty proxy table whose reads go to a table
// holding m and whose writes raise an error.
func (e *Engine) readOnly(m map[string]string) *lua.LTable {
	L := e.L
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data := L.NewTable()
	for _, k := range keys {
		data.RawSetString(k, lua.LString(m[k]))
	}
	mt := L.NewTable()
	mt.RawSetString("__index", data)
	mt.RawSetString("__newindex", L.NewFunction(func(L *lua.LState) int {
		L.RaiseError("%v", errReadOnly)
		return 0
	}))
	mt.RawSetString("__metatable", lua.LFalse)
	proxy := L.NewTable()
	L.SetMetatable(proxy, mt)
	return proxy
}

func checkUint(L *lua.LState, n int) uint64 {
	return uint64(L.CheckNumber(n))
}

func pushUint(L *lua.LState, v uint64, ok bool) int {
	if !ok {
		L.Push(lua.LNil)
	} else {
		L.Push(lua.LNumber(v))
	}
	return 1
}

func (e *Engine) isKeyDown(L *lua.LState) int {
	L.Push(lua.LBool(e.api.IsKeyDown(L.CheckInt(1))))
	return 1
}

func (e *Engine) isKeyPressed(L *lua.LState) int {
	L.Push(lua.LBool(e.api.IsKeyPressed(L.CheckInt(1))))
	return 1
}

func (e *Engine) readMemory(L *lua.LState) int {
	v, ok := e.api.ReadMemory(checkUint(L, 1), L.CheckInt(2))
	return pushUint(L, v, ok)
}

func (e *Engine) writeMemory(L *lua.LState) int {
	L.Push(lua.LBool(e.api.WriteMemory(checkUint(L, 1), checkUint(L, 2), L.CheckInt(3))))
	return 1
}

func (e *Engine) getModuleBase(L *lua.LState) int {
	v, ok := e.api.GetModuleBase(L.CheckString(1))
	return pushUint(L, v, ok)
}

func (e *Engine) allocateMemory(L *lua.LState) int {
	v, ok := e.api.AllocateMemory(checkUint(L, 1))
	return pushUint(L, v, ok)
}

func (e *Engine) freeMemory(L *lua.LState) int {
	L.Push(lua.LBool(e.api.FreeMemory(checkUint(L, 1))))
	return 1
}

func (e *Engine) protectMemory(L *lua.LState) int {
	ok, old := e.api.ProtectMemory(checkUint(L, 1), checkUint(L, 2), uint32(L.CheckInt(3)))
	L.Push(lua.LBool(ok))
	L.Push(lua.LNumber(old))
	return 2
}

func (e *Engine) getRegisters(L *lua.LState) int {
	t := L.NewTable()
	for _, r := range e.api.Registers().Slice() {
		t.RawSetString(r.Name, lua.LNumber(r.Value))
	}
	L.Push(t)
	return 1
}

func (e *Engine) setBreakpoint(L *lua.LState) int {
	addr := checkUint(L, 1)
	callback := proc.DefaultCallback
	if s, ok := L.Get(2).(lua.LString); ok {
		callback = string(s)
	}
	L.Push(lua.LBool(e.api.SetBreakpoint(addr, callback)))
	return 1
}

func (e *Engine) removeBreakpoint(L *lua.LState) int {
	L.Push(lua.LBool(e.api.RemoveBreakpoint(checkUint(L, 1))))
	return 1
}

func (e *Engine) enableBreakpoint(L *lua.LState) int {
	L.Push(lua.LBool(e.api.EnableBreakpoint(checkUint(L, 1), L.ToBool(2))))
	return 1
}

func (e *Engine) listBreakpoints(L *lua.LState) int {
	t := L.NewTable()
	for i, bp := range e.api.ListBreakpoints() {
		entry := L.NewTable()
		entry.RawSetString("address", lua.LNumber(bp.Addr))
		entry.RawSetString("active", lua.LBool(bp.Active))
		entry.RawSetString("callback", lua.LString(bp.Callback))
		entry.RawSetString("owner", lua.LString(bp.Owner))
		t.RawSetInt(i+1, entry)
	}
	L.Push(t)
	return 1
}
