package starengine

import (
	"fmt"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/overhook/overhook/pkg/proc"
	"github.com/overhook/overhook/pkg/script"
)

type builtinFn func(thread *starlark.Thread, args starlark.Tuple) (starlark.Value, error)

func module(name string, fns map[string]builtinFn) *starlarkstruct.Module {
	members := make(starlark.StringDict, len(fns))
	for fname, fn := range fns {
		fn := fn
		qname := name + "." + fname
		members[fname] = starlark.NewBuiltin(qname, func(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if len(kwargs) > 0 {
				return nil, decorateError(thread, fmt.Errorf("%s does not accept keyword arguments", qname))
			}
			return fn(thread, args)
		})
	}
	return &starlarkstruct.Module{Name: name, Members: members}
}

func (e *Engine) starlarkPredeclare() starlark.StringDict {
	a := e.api
	r := starlark.StringDict{}

	r["Keyboard"] = module("Keyboard", map[string]builtinFn{
		"IsKeyDown": func(thread *starlark.Thread, args starlark.Tuple) (starlark.Value, error) {
			code, err := intArg(thread, args, 0, 1)
			if err != nil {
				return nil, err
			}
			return starlark.Bool(a.IsKeyDown(code)), nil
		},
		"IsKeyPressed": func(thread *starlark.Thread, args starlark.Tuple) (starlark.Value, error) {
			code, err := intArg(thread, args, 0, 1)
			if err != nil {
				return nil, err
			}
			return starlark.Bool(a.IsKeyPressed(code)), nil
		},
	})

	keys := starlark.StringDict{}
	for _, k := range a.Keys() {
		keys[k.Name] = starlark.MakeInt(k.Code)
	}
	r["Keys"] = &starlarkstruct.Module{Name: "Keys", Members: keys}

	r["Memory"] = module("Memory", map[string]builtinFn{
		"ReadMemory": func(thread *starlark.Thread, args starlark.Tuple) (starlark.Value, error) {
			addr, err := uintArg(thread, args, 0, 2)
			if err != nil {
				return nil, err
			}
			size, err := intArg(thread, args, 1, 2)
			if err != nil {
				return nil, err
			}
			return optUint(a.ReadMemory(addr, size)), nil
		},
		"WriteMemory": func(thread *starlark.Thread, args starlark.Tuple) (starlark.Value, error) {
			addr, err := uintArg(thread, args, 0, 3)
			if err != nil {
				return nil, err
			}
			value, err := uintArg(thread, args, 1, 3)
			if err != nil {
				return nil, err
			}
			size, err := intArg(thread, args, 2, 3)
			if err != nil {
				return nil, err
			}
			return starlark.Bool(a.WriteMemory(addr, value, size)), nil
		},
		"GetModuleBase": func(thread *starlark.Thread, args starlark.Tuple) (starlark.Value, error) {
			if len(args) != 1 {
				return nil, decorateError(thread, fmt.Errorf("wrong number of arguments"))
			}
			name, ok := starlark.AsString(args[0])
			if !ok {
				return nil, decorateError(thread, fmt.Errorf("module name is not a string"))
			}
			return optUint(a.GetModuleBase(name)), nil
		},
		"AllocateMemory": func(thread *starlark.Thread, args starlark.Tuple) (starlark.Value, error) {
			size, err := uintArg(thread, args, 0, 1)
			if err != nil {
				return nil, err
			}
			return optUint(a.AllocateMemory(size)), nil
		},
		"FreeMemory": func(thread *starlark.Thread, args starlark.Tuple) (starlark.Value, error) {
			addr, err := uintArg(thread, args, 0, 1)
			if err != nil {
				return nil, err
			}
			return starlark.Bool(a.FreeMemory(addr)), nil
		},
		"ProtectMemory": func(thread *starlark.Thread, args starlark.Tuple) (starlark.Value, error) {
			addr, err := uintArg(thread, args, 0, 3)
			if err != nil {
				return nil, err
			}
			size, err := uintArg(thread, args, 1, 3)
			if err != nil {
				return nil, err
			}
			prot, err := uintArg(thread, args, 2, 3)
			if err != nil {
				return nil, err
			}
			ok, old := a.ProtectMemory(addr, size, uint32(prot))
			return starlark.Tuple{starlark.Bool(ok), starlark.MakeUint64(uint64(old))}, nil
		},
	})

	r["Registers"] = module("Registers", map[string]builtinFn{
		"Get": func(thread *starlark.Thread, args starlark.Tuple) (starlark.Value, error) {
			d := starlark.StringDict{}
			for _, reg := range a.Registers().Slice() {
				d[reg.Name] = starlark.MakeUint64(reg.Value)
			}
			return starlarkstruct.FromStringDict(starlarkstruct.Default, d), nil
		},
	})

	r["Debug"] = module("Debug", map[string]builtinFn{
		"SetBreakpoint": func(thread *starlark.Thread, args starlark.Tuple) (starlark.Value, error) {
			if len(args) < 1 || len(args) > 2 {
				return nil, decorateError(thread, fmt.Errorf("wrong number of arguments"))
			}
			addr, err := uintArg(thread, args[:1], 0, 1)
			if err != nil {
				return nil, err
			}
			callback := proc.DefaultCallback
			if len(args) == 2 {
				s, ok := starlark.AsString(args[1])
				if !ok {
					return nil, decorateError(thread, fmt.Errorf("callback name is not a string"))
				}
				callback = s
			}
			return starlark.Bool(a.SetBreakpoint(addr, callback)), nil
		},
		"RemoveBreakpoint": func(thread *starlark.Thread, args starlark.Tuple) (starlark.Value, error) {
			addr, err := uintArg(thread, args, 0, 1)
			if err != nil {
				return nil, err
			}
			return starlark.Bool(a.RemoveBreakpoint(addr)), nil
		},
		"EnableBreakpoint": func(thread *starlark.Thread, args starlark.Tuple) (starlark.Value, error) {
			if len(args) != 2 {
				return nil, decorateError(thread, fmt.Errorf("wrong number of arguments"))
			}
			addr, err := uintArg(thread, args, 0, 2)
			if err != nil {
				return nil, err
			}
			return starlark.Bool(a.EnableBreakpoint(addr, bool(args[1].Truth()))), nil
		},
		"ListBreakpoints": func(thread *starlark.Thread, args starlark.Tuple) (starlark.Value, error) {
			bps := a.ListBreakpoints()
			elems := make([]starlark.Value, len(bps))
			for i, bp := range bps {
				elems[i] = starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
					"address":  starlark.MakeUint64(bp.Addr),
					"active":   starlark.Bool(bp.Active),
					"callback": starlark.String(bp.Callback),
					"owner":    starlark.String(bp.Owner),
				})
			}
			return starlark.NewList(elems), nil
		},
	})

	info := a.Info()
	names := make([]string, 0, len(info))
	for k := range info {
		names = append(names, k)
	}
	sort.Strings(names)
	d := starlark.NewDict(len(info))
	for _, k := range names {
		d.SetKey(starlark.String(k), starlark.String(info[k]))
	}
	d.Freeze()
	r[script.InfoGlobal] = d

	return r
}

func uintArg(thread *starlark.Thread, args starlark.Tuple, i, n int) (uint64, error) {
	if len(args) != n {
		return 0, decorateError(thread, fmt.Errorf("wrong number of arguments"))
	}
	x, ok := args[i].(starlark.Int)
	if !ok {
		return 0, decorateError(thread, fmt.Errorf("argument %d is not an integer", i+1))
	}
	if u, ok := x.Uint64(); ok {
		return u, nil
	}
	if v, ok := x.Int64(); ok {
		return uint64(v), nil
	}
	return 0, decorateError(thread, fmt.Errorf("argument %d out of range", i+1))
}

func intArg(thread *starlark.Thread, args starlark.Tuple, i, n int) (int, error) {
	if len(args) != n {
		return 0, decorateError(thread, fmt.Errorf("wrong number of arguments"))
	}
	v, err := starlark.AsInt32(args[i])
	if err != nil {
		return 0, decorateError(thread, fmt.Errorf("argument %d: %v", i+1, err))
	}
	return v, nil
}

func optUint(v uint64, ok bool) starlark.Value {
	if !ok {
		return starlark.None
	}
	return starlark.MakeUint64(v)
}

func toStarlarkValue(v interface{}) starlark.Value {
	switch v := v.(type) {
	case nil:
		return starlark.None
	case bool:
		return starlark.Bool(v)
	case string:
		return starlark.String(v)
	case int:
		return starlark.MakeInt(v)
	case int64:
		return starlark.MakeInt64(v)
	case uint32:
		return starlark.MakeUint64(uint64(v))
	case uint64:
		return starlark.MakeUint64(v)
	case float64:
		return starlark.Float(v)
	}
	return starlark.None
}

func fromStarlarkValue(v starlark.Value) interface{} {
	switch v := v.(type) {
	case starlark.Bool:
		return bool(v)
	case starlark.String:
		return string(v)
	case starlark.Int:
		if i, ok := v.Int64(); ok {
			return i
		}
		return v.String()
	case starlark.Float:
		return float64(v)
	}
	return nil
}
