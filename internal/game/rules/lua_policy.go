package rules

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
)

// DefaultInstructionLimit bounds the Lua opcodes a single adjust_hp call may run.
const DefaultInstructionLimit = 10_000

// hpHook is the Lua global a scripted policy must define.
const hpHook = "adjust_hp"

// countingContext cancels itself after Done() has been called limit times.
// GopherLua calls Done() once per opcode, which makes this an exact
// instruction budget.
type countingContext struct {
	context.Context
	cancel    context.CancelFunc
	remaining *atomic.Int64
}

func (c *countingContext) Done() <-chan struct{} {
	if c.remaining.Add(-1) <= 0 {
		c.cancel()
	}
	return c.Context.Done()
}

func newCountingContext(limit int) (context.Context, context.CancelFunc) {
	base, cancel := context.WithCancel(context.Background())
	rem := &atomic.Int64{}
	rem.Store(int64(limit))
	return &countingContext{Context: base, cancel: cancel, remaining: rem}, cancel
}

// newSandboxedState opens only the base, table, string and math libraries and
// strips the globals that reach the filesystem or the loader.
func newSandboxedState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	for _, name := range []string{"dofile", "loadfile", "load", "collectgarbage", "require", "print"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

// LuaPolicy delegates SET_HP arithmetic to a script defining
// adjust_hp(current, delta). The script must return an integer.
type LuaPolicy struct {
	mu        sync.Mutex
	L         *lua.LState
	source    string
	instLimit int
}

// NewLuaPolicy loads the script at path into a sandboxed VM.
//
// Precondition: path must name a readable Lua file defining adjust_hp.
// Postcondition: Returns a ready policy or a non-nil error.
func NewLuaPolicy(path string) (*LuaPolicy, error) {
	L := newSandboxedState()
	if err := L.DoFile(path); err != nil {
		L.Close()
		return nil, fmt.Errorf("rules: loading hp script %q: %w", path, err)
	}
	return newLuaPolicy(L, path)
}

// NewLuaPolicyFromString loads an in-memory script. It is used by tests and
// by rules files that inline the script.
func NewLuaPolicyFromString(name, src string) (*LuaPolicy, error) {
	L := newSandboxedState()
	if err := L.DoString(src); err != nil {
		L.Close()
		return nil, fmt.Errorf("rules: loading hp script %q: %w", name, err)
	}
	return newLuaPolicy(L, name)
}

func newLuaPolicy(L *lua.LState, source string) (*LuaPolicy, error) {
	if L.GetGlobal(hpHook).Type() != lua.LTFunction {
		L.Close()
		return nil, fmt.Errorf("rules: hp script %q does not define %s(current, delta)", source, hpHook)
	}
	return &LuaPolicy{L: L, source: source, instLimit: DefaultInstructionLimit}, nil
}

func (p *LuaPolicy) Name() string { return PolicyLua }

// Adjust calls adjust_hp(current, delta) under a fresh instruction budget.
//
// Postcondition: Returns the script's integer result, or an error when the
// script fails, exceeds its budget or returns a non-integer.
func (p *LuaPolicy) Adjust(current, delta int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := newCountingContext(p.instLimit)
	defer cancel()
	p.L.SetContext(ctx)
	defer p.L.RemoveContext()

	if err := p.L.CallByParam(lua.P{
		Fn:      p.L.GetGlobal(hpHook),
		NRet:    1,
		Protect: true,
	}, lua.LNumber(current), lua.LNumber(delta)); err != nil {
		return 0, fmt.Errorf("rules: %s in %q: %w", hpHook, p.source, err)
	}
	ret := p.L.Get(-1)
	p.L.Pop(1)

	n, ok := ret.(lua.LNumber)
	if !ok {
		return 0, fmt.Errorf("rules: %s in %q returned %s, want number", hpHook, p.source, ret.Type())
	}
	f := float64(n)
	if f != math.Trunc(f) || f > math.MaxInt32 || f < math.MinInt32 {
		return 0, fmt.Errorf("rules: %s in %q returned non-integer %v", hpHook, p.source, f)
	}
	return int(f), nil
}

// Close releases the Lua VM.
func (p *LuaPolicy) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.L.Close()
}
