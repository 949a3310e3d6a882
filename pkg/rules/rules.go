// Package rules is the optional Lua advertisement-filter hook: a site can
// drop or accept ambiguous microbot advertisements (e.g. narrow discovery
// to a manufacturer-data prefix list) without a code change.
package rules

import (
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/microbotd/microbotd/pkg/transport"
)

// Engine evaluates the configured on_advertisement hook.
type Engine interface {
	// Accept reports whether the advertisement should be treated as a
	// microbot. No hook loaded is not an error: Accept then always
	// returns true, nil.
	Accept(ev transport.ScanEvent) (bool, error)
	Close() error
}

// LuaEngine implements Engine against a gopher-lua script exposing
// on_advertisement(name, mfg_bytes) -> bool.
type LuaEngine struct {
	mu sync.Mutex
	L  *lua.LState
}

// NewLuaEngine loads scriptPath and opens the Lua standard library.
func NewLuaEngine(scriptPath string) (*LuaEngine, error) {
	L := lua.NewState()
	L.OpenLibs()

	if err := L.DoFile(scriptPath); err != nil {
		L.Close()
		return nil, fmt.Errorf("rules: load %s: %w", scriptPath, err)
	}

	return &LuaEngine{L: L}, nil
}

// Accept runs on_advertisement(name, mfg_bytes) if defined. mfg_bytes is
// the concatenation of every manufacturer-specific segment's raw payload,
// passed as a Lua string so the script can index individual bytes via
// string.byte.
func (e *LuaEngine) Accept(ev transport.ScanEvent) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fn := e.L.GetGlobal("on_advertisement")
	if fn.Type() != lua.LTFunction {
		return true, nil
	}

	name, _ := ev.LocalName()
	var mfg []byte
	for _, seg := range ev.ManufacturerSegments() {
		mfg = append(mfg, seg.Data...)
	}

	e.L.Push(fn)
	e.L.Push(lua.LString(name))
	e.L.Push(lua.LString(string(mfg)))
	if err := e.L.PCall(2, 1, nil); err != nil {
		return false, fmt.Errorf("rules: on_advertisement: %w", err)
	}

	ret := e.L.Get(-1)
	e.L.Pop(1)
	return lua.LVAsBool(ret), nil
}

// Close releases the Lua state.
func (e *LuaEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.L.Close()
	return nil
}
