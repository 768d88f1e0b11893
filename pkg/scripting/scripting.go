// Package scripting lets an Option Policy, ID-response parser and
// response validator be supplied as a JavaScript or Lua script instead
// of compiled Go, the way the teacher's pkg/rules lets a gateway's
// per-message transform be supplied as a script. Where the teacher's
// rule engines hook a single "on_message(gateway, data)" function, an
// Engine here hooks the three pure functions spec §3/§4.1 require from
// a caller: accept_port, parse_id and check_response.
package scripting

import (
	"encoding/hex"
	"fmt"
	"os"
	"sync"

	"github.com/dop251/goja"
	lua "github.com/yuin/gopher-lua"

	"github.com/commatea/serialfleet/pkg/policy"
)

// Engine adapts a scripted policy into the Go function types pkg/policy
// expects. An Engine is also an OptionPolicy: Accept has that exact
// signature so it can be passed anywhere an OptionPolicy is wanted.
type Engine interface {
	// Accept is the Option Policy: given an enumerated port, decide
	// whether to manage it and with what baud rate/ID command/queue
	// length. nil, nil means "ignore this port".
	Accept(info policy.PortInfo) (*policy.PortConfig, error)
	// ParseID extracts a device identity from an identification probe's
	// response bytes.
	ParseID(raw []byte) (string, error)
	// CheckResponse reports whether a captured response buffer is
	// acceptable.
	CheckResponse(raw []byte) bool
	// Close releases the script runtime.
	Close() error
}

// ---- JavaScript engine (goja), grounded on pkg/rules/js_engine.go ----

// JSEngine runs accept_port/parse_id/check_response as goja globals.
type JSEngine struct {
	mu         sync.Mutex
	vm         *goja.Runtime
	acceptFn   goja.Callable
	parseIDFn  goja.Callable
	checkRespFn goja.Callable
}

// NewJSEngine compiles script and binds its global hook functions.
// accept_port and parse_id are required; check_response is optional and
// defaults to always-accept when absent, same as a nil policy.CheckResponse.
func NewJSEngine(script string) (*JSEngine, error) {
	vm := goja.New()

	vm.Set("hexToBytes", func(s string) []byte {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil
		}
		return b
	})
	vm.Set("bytesToHex", func(b []byte) string { return hex.EncodeToString(b) })

	if _, err := vm.RunString(script); err != nil {
		return nil, fmt.Errorf("scripting: js compile error: %w", err)
	}

	e := &JSEngine{vm: vm}

	acceptVal := vm.Get("accept_port")
	if acceptVal == nil || goja.IsUndefined(acceptVal) {
		return nil, fmt.Errorf("scripting: js script has no accept_port function")
	}
	fn, ok := goja.AssertFunction(acceptVal)
	if !ok {
		return nil, fmt.Errorf("scripting: accept_port is not a function")
	}
	e.acceptFn = fn

	parseVal := vm.Get("parse_id")
	if parseVal == nil || goja.IsUndefined(parseVal) {
		return nil, fmt.Errorf("scripting: js script has no parse_id function")
	}
	fn, ok = goja.AssertFunction(parseVal)
	if !ok {
		return nil, fmt.Errorf("scripting: parse_id is not a function")
	}
	e.parseIDFn = fn

	if checkVal := vm.Get("check_response"); checkVal != nil && !goja.IsUndefined(checkVal) {
		if fn, ok := goja.AssertFunction(checkVal); ok {
			e.checkRespFn = fn
		}
	}

	return e, nil
}

// NewJSEngineFromFile loads a JS engine from a script file.
func NewJSEngineFromFile(path string) (*JSEngine, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scripting: read script: %w", err)
	}
	return NewJSEngine(string(content))
}

// Accept calls accept_port({path, manufacturer, vendorId, productId,
// serialNumber}) and expects either null/undefined ("ignore this
// port") or an object with baudRate/getIdCommand(hex string)/maxQueueLength.
func (e *JSEngine) Accept(info policy.PortInfo) (*policy.PortConfig, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	arg := map[string]interface{}{
		"path":         info.Path,
		"manufacturer": info.Manufacturer,
		"vendorId":     info.VendorID,
		"productId":    info.ProductID,
		"serialNumber": info.SerialNumber,
	}

	result, err := e.acceptFn(goja.Undefined(), e.vm.ToValue(arg))
	if err != nil {
		return nil, fmt.Errorf("scripting: accept_port error: %w", err)
	}
	if goja.IsNull(result) || goja.IsUndefined(result) {
		return nil, nil
	}

	exported, ok := result.Export().(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("scripting: accept_port must return an object or null")
	}

	cfg := &policy.PortConfig{
		GetIDResponseParser: e.ParseID,
		CheckResponse:       nil,
	}
	if e.checkRespFn != nil {
		cfg.CheckResponse = e.CheckResponse
	}
	if v, ok := exported["baudRate"].(int64); ok {
		cfg.BaudRate = int(v)
	} else if v, ok := exported["baudRate"].(float64); ok {
		cfg.BaudRate = int(v)
	}
	if v, ok := exported["getIdCommand"].(string); ok {
		b, decErr := hex.DecodeString(v)
		if decErr != nil {
			return nil, fmt.Errorf("scripting: getIdCommand must be hex-encoded: %w", decErr)
		}
		cfg.GetIDCommand = b
	}
	if v, ok := exported["maxQueueLength"].(int64); ok {
		cfg.MaxQueueLength = int(v)
	} else if v, ok := exported["maxQueueLength"].(float64); ok {
		cfg.MaxQueueLength = int(v)
	}

	// Left un-defaulted here: the caller layers process-wide config
	// defaults on top of whatever the script sets before the Port
	// Manager applies its own final fallback.
	return cfg, nil
}

// ParseID calls parse_id(hexString) and expects a device identity string.
func (e *JSEngine) ParseID(raw []byte) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	result, err := e.parseIDFn(goja.Undefined(), e.vm.ToValue(hex.EncodeToString(raw)))
	if err != nil {
		return "", fmt.Errorf("scripting: parse_id error: %w", err)
	}
	if goja.IsNull(result) || goja.IsUndefined(result) {
		return "", fmt.Errorf("scripting: parse_id returned no identity")
	}
	id, ok := result.Export().(string)
	if !ok {
		return "", fmt.Errorf("scripting: parse_id must return a string")
	}
	return id, nil
}

// CheckResponse calls check_response(hexString); a script without one
// always accepts.
func (e *JSEngine) CheckResponse(raw []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.checkRespFn == nil {
		return true
	}
	result, err := e.checkRespFn(goja.Undefined(), e.vm.ToValue(hex.EncodeToString(raw)))
	if err != nil {
		return false
	}
	accepted, _ := result.Export().(bool)
	return accepted
}

// Close releases the JS runtime.
func (e *JSEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vm = nil
	e.acceptFn = nil
	e.parseIDFn = nil
	e.checkRespFn = nil
	return nil
}

// ---- Lua engine (gopher-lua), grounded on pkg/rules/rules.go ----

// LuaEngine runs accept_port/parse_id/check_response as Lua globals.
type LuaEngine struct {
	mu sync.Mutex
	L  *lua.LState
}

// NewLuaEngine loads scriptPath and verifies accept_port/parse_id exist.
func NewLuaEngine(scriptPath string) (*LuaEngine, error) {
	L := lua.NewState()
	L.OpenLibs()

	if err := L.DoFile(scriptPath); err != nil {
		L.Close()
		return nil, fmt.Errorf("scripting: lua load error: %w", err)
	}

	if L.GetGlobal("accept_port").Type() != lua.LTFunction {
		L.Close()
		return nil, fmt.Errorf("scripting: lua script has no accept_port function")
	}
	if L.GetGlobal("parse_id").Type() != lua.LTFunction {
		L.Close()
		return nil, fmt.Errorf("scripting: lua script has no parse_id function")
	}

	return &LuaEngine{L: L}, nil
}

// Accept calls accept_port(table) -> table|nil.
func (e *LuaEngine) Accept(info policy.PortInfo) (*policy.PortConfig, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	arg := e.L.NewTable()
	arg.RawSetString("path", lua.LString(info.Path))
	arg.RawSetString("manufacturer", lua.LString(info.Manufacturer))
	arg.RawSetString("vendorId", lua.LString(info.VendorID))
	arg.RawSetString("productId", lua.LString(info.ProductID))
	arg.RawSetString("serialNumber", lua.LString(info.SerialNumber))

	e.L.Push(e.L.GetGlobal("accept_port"))
	e.L.Push(arg)
	if err := e.L.PCall(1, 1, nil); err != nil {
		return nil, fmt.Errorf("scripting: accept_port error: %w", err)
	}
	ret := e.L.Get(-1)
	e.L.Pop(1)

	if ret.Type() == lua.LTNil {
		return nil, nil
	}
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("scripting: accept_port must return a table or nil")
	}

	cfg := &policy.PortConfig{GetIDResponseParser: e.ParseID}
	if hasCheckResponse(e.L) {
		cfg.CheckResponse = e.CheckResponse
	}
	if v, ok := tbl.RawGetString("baudRate").(lua.LNumber); ok {
		cfg.BaudRate = int(v)
	}
	if v, ok := tbl.RawGetString("getIdCommand").(lua.LString); ok {
		b, decErr := hex.DecodeString(string(v))
		if decErr != nil {
			return nil, fmt.Errorf("scripting: getIdCommand must be hex-encoded: %w", decErr)
		}
		cfg.GetIDCommand = b
	}
	if v, ok := tbl.RawGetString("maxQueueLength").(lua.LNumber); ok {
		cfg.MaxQueueLength = int(v)
	}

	// Left un-defaulted here: the caller layers process-wide config
	// defaults on top of whatever the script sets before the Port
	// Manager applies its own final fallback.
	return cfg, nil
}

func hasCheckResponse(L *lua.LState) bool {
	return L.GetGlobal("check_response").Type() == lua.LTFunction
}

// ParseID calls parse_id(hexString) -> string.
func (e *LuaEngine) ParseID(raw []byte) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.L.Push(e.L.GetGlobal("parse_id"))
	e.L.Push(lua.LString(hex.EncodeToString(raw)))
	if err := e.L.PCall(1, 1, nil); err != nil {
		return "", fmt.Errorf("scripting: parse_id error: %w", err)
	}
	ret := e.L.Get(-1)
	e.L.Pop(1)

	s, ok := ret.(lua.LString)
	if !ok {
		return "", fmt.Errorf("scripting: parse_id must return a string")
	}
	return string(s), nil
}

// CheckResponse calls check_response(hexString); absent means accept.
func (e *LuaEngine) CheckResponse(raw []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !hasCheckResponse(e.L) {
		return true
	}
	e.L.Push(e.L.GetGlobal("check_response"))
	e.L.Push(lua.LString(hex.EncodeToString(raw)))
	if err := e.L.PCall(1, 1, nil); err != nil {
		return false
	}
	ret := e.L.Get(-1)
	e.L.Pop(1)
	return ret == lua.LTrue
}

// Close closes the Lua state.
func (e *LuaEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.L.Close()
	return nil
}

var (
	_ Engine = (*JSEngine)(nil)
	_ Engine = (*LuaEngine)(nil)
)
