package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Lua answers generations with a script instead of a model. The script must
// define generate(role, model, system, payload) and return a string or a
// table, which is encoded as JSON. Every call runs in a fresh state with only
// the safe standard libraries loaded.
type Lua struct {
	name   string
	source string
	logger *zap.Logger

	mu    sync.Mutex
	calls map[string]int
}

// NewLua loads a script from path.
func NewLua(path string, logger *zap.Logger) (*Lua, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return NewLuaSource(path, string(src), logger)
}

// NewLuaSource compiles src once to reject scripts without generate().
func NewLuaSource(name, src string, logger *zap.Logger) (*Lua, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Lua{name: name, source: src, logger: logger.Named("lua"), calls: map[string]int{}}

	L := l.newState(context.Background(), "", "")
	defer L.Close()
	if err := L.DoString(src); err != nil {
		return nil, fmt.Errorf("failed to load script %s: %w", name, err)
	}
	if L.GetGlobal("generate").Type() != lua.LTFunction {
		return nil, fmt.Errorf("script %s must define a 'generate' function", name)
	}
	return l, nil
}

func (l *Lua) Generate(ctx context.Context, model, system, payload string) (string, error) {
	role := RoleFrom(ctx)

	l.mu.Lock()
	l.calls[role]++
	call := l.calls[role]
	l.mu.Unlock()

	L := l.newState(ctx, role, model)
	defer L.Close()
	L.SetGlobal("_call", lua.LNumber(call))

	if err := L.DoString(l.source); err != nil {
		return "", fmt.Errorf("failed to load script %s: %w", l.name, err)
	}
	fn := L.GetGlobal("generate")
	if fn.Type() != lua.LTFunction {
		return "", fmt.Errorf("script %s must define a 'generate' function", l.name)
	}

	L.Push(fn)
	L.Push(lua.LString(role))
	L.Push(lua.LString(model))
	L.Push(lua.LString(system))
	L.Push(lua.LString(payload))
	if err := L.PCall(4, 1, nil); err != nil {
		return "", fmt.Errorf("script %s generate failed: %w", l.name, err)
	}

	ret := L.Get(-1)
	L.Pop(1)
	switch v := ret.(type) {
	case lua.LString:
		return string(v), nil
	case *lua.LTable:
		data, err := json.Marshal(luaToGo(v))
		if err != nil {
			return "", fmt.Errorf("script %s returned an unencodable table: %w", l.name, err)
		}
		return string(data), nil
	default:
		return "", fmt.Errorf("script %s returned %s, want string or table", l.name, ret.Type())
	}
}

func (l *Lua) newState(ctx context.Context, role, model string) *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})
	L.SetContext(ctx)
	openSafeLibs(L)
	l.registerAPI(L, role, model)
	return L
}

// openSafeLibs loads only the safe standard libraries
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil) // Use log() instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Scripted answers must be reproducible.
	math := L.GetGlobal("math")
	if tbl, ok := math.(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func (l *Lua) registerAPI(L *lua.LState, role, model string) {
	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		l.logger.Info(L.CheckString(1), zap.String("role", role), zap.String("script", l.name))
		return 0
	}))
	L.SetGlobal("json_decode", L.NewFunction(luaJSONDecode))
	L.SetGlobal("json_encode", L.NewFunction(luaJSONEncode))
	L.SetGlobal("context", L.NewFunction(func(L *lua.LState) int {
		tbl := L.NewTable()
		L.SetField(tbl, "role", lua.LString(role))
		L.SetField(tbl, "model", lua.LString(model))
		L.SetField(tbl, "call", L.GetGlobal("_call"))
		L.Push(tbl)
		return 1
	}))
}

func luaJSONDecode(L *lua.LState) int {
	var v any
	if err := json.Unmarshal([]byte(L.CheckString(1)), &v); err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(goToLua(L, v))
	return 1
}

func luaJSONEncode(L *lua.LState) int {
	data, err := json.Marshal(luaToGo(L.CheckAny(1)))
	if err != nil {
		L.RaiseError("json_encode: %v", err)
		return 0
	}
	L.Push(lua.LString(data))
	return 1
}

// goToLua converts a decoded JSON value to a Lua value
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			L.SetTable(tbl, lua.LNumber(i+1), goToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			L.SetField(tbl, k, goToLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaToGo converts a Lua value to something encoding/json understands. A
// table with a border (t[1] ~= nil) becomes an array; an empty table becomes
// an object.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		if n := val.MaxN(); n > 0 {
			arr := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				arr = append(arr, luaToGo(val.RawGetInt(i)))
			}
			return arr
		}
		obj := map[string]any{}
		val.ForEach(func(k, item lua.LValue) {
			obj[k.String()] = luaToGo(item)
		})
		return obj
	default:
		return val.String()
	}
}
