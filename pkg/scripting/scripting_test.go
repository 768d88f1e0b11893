package scripting

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/commatea/serialfleet/pkg/policy"
)

const jsScript = `
function accept_port(info) {
    if (info.manufacturer !== "Acme") {
        return null;
    }
    return {
        baudRate: 19200,
        getIdCommand: bytesToHex([73, 68, 63, 10]) // "ID?\n"
    };
}

function parse_id(hex) {
    return hexToBytes(hex).length + "-bytes";
}

function check_response(hex) {
    return hexToBytes(hex).length > 0;
}
`

func TestJSEngine_Accept(t *testing.T) {
	e, err := NewJSEngine(jsScript)
	if err != nil {
		t.Fatalf("NewJSEngine() error = %v", err)
	}
	defer e.Close()

	cfg, err := e.Accept(policy.PortInfo{Manufacturer: "Acme"})
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if cfg == nil {
		t.Fatal("Accept() returned nil config for a matching manufacturer")
	}
	if cfg.BaudRate != 19200 {
		t.Errorf("BaudRate = %d, want 19200", cfg.BaudRate)
	}
	if string(cfg.GetIDCommand) != "ID?\n" {
		t.Errorf("GetIDCommand = %q, want %q", cfg.GetIDCommand, "ID?\n")
	}
}

func TestJSEngine_AcceptIgnoresOtherManufacturers(t *testing.T) {
	e, err := NewJSEngine(jsScript)
	if err != nil {
		t.Fatalf("NewJSEngine() error = %v", err)
	}
	defer e.Close()

	cfg, err := e.Accept(policy.PortInfo{Manufacturer: "Other"})
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if cfg != nil {
		t.Errorf("Accept() = %+v, want nil for a non-matching manufacturer", cfg)
	}
}

func TestJSEngine_ParseIDAndCheckResponse(t *testing.T) {
	e, err := NewJSEngine(jsScript)
	if err != nil {
		t.Fatalf("NewJSEngine() error = %v", err)
	}
	defer e.Close()

	id, err := e.ParseID([]byte("DEV-1"))
	if err != nil {
		t.Fatalf("ParseID() error = %v", err)
	}
	if id != "5-bytes" {
		t.Errorf("ParseID() = %q, want 5-bytes", id)
	}

	if !e.CheckResponse([]byte("OK")) {
		t.Error("CheckResponse() = false for a non-empty buffer, want true")
	}
	if e.CheckResponse(nil) {
		t.Error("CheckResponse() = true for an empty buffer, want false")
	}
}

func TestJSEngine_MissingHookFunctionsError(t *testing.T) {
	if _, err := NewJSEngine(`function parse_id(hex) { return "x"; }`); err == nil {
		t.Fatal("NewJSEngine() accepted a script with no accept_port")
	}
	if _, err := NewJSEngine(`function accept_port(info) { return null; }`); err == nil {
		t.Fatal("NewJSEngine() accepted a script with no parse_id")
	}
}

const luaScript = `
function accept_port(info)
    if info.manufacturer ~= "Acme" then
        return nil
    end
    return { baudRate = 9600, getIdCommand = "49443f0a" }
end

function parse_id(hex)
    return "id:" .. hex
end
`

func writeLuaScript(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.lua")
	if err := os.WriteFile(path, []byte(luaScript), 0o644); err != nil {
		t.Fatalf("write lua script: %v", err)
	}
	return path
}

func TestLuaEngine_Accept(t *testing.T) {
	e, err := NewLuaEngine(writeLuaScript(t))
	if err != nil {
		t.Fatalf("NewLuaEngine() error = %v", err)
	}
	defer e.Close()

	cfg, err := e.Accept(policy.PortInfo{Manufacturer: "Acme"})
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if cfg == nil {
		t.Fatal("Accept() returned nil config for a matching manufacturer")
	}
	if cfg.BaudRate != 9600 {
		t.Errorf("BaudRate = %d, want 9600", cfg.BaudRate)
	}
	if string(cfg.GetIDCommand) != "ID?\n" {
		t.Errorf("GetIDCommand = %q, want %q", cfg.GetIDCommand, "ID?\n")
	}
}

func TestLuaEngine_AcceptIgnoresOtherManufacturers(t *testing.T) {
	e, err := NewLuaEngine(writeLuaScript(t))
	if err != nil {
		t.Fatalf("NewLuaEngine() error = %v", err)
	}
	defer e.Close()

	cfg, err := e.Accept(policy.PortInfo{Manufacturer: "Other"})
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if cfg != nil {
		t.Errorf("Accept() = %+v, want nil for a non-matching manufacturer", cfg)
	}
}

func TestLuaEngine_ParseIDAndDefaultCheckResponse(t *testing.T) {
	e, err := NewLuaEngine(writeLuaScript(t))
	if err != nil {
		t.Fatalf("NewLuaEngine() error = %v", err)
	}
	defer e.Close()

	id, err := e.ParseID([]byte("z"))
	if err != nil {
		t.Fatalf("ParseID() error = %v", err)
	}
	if id != "id:7a" {
		t.Errorf("ParseID() = %q, want id:7a", id)
	}

	// The script defines no check_response, so every response is accepted.
	if !e.CheckResponse([]byte("anything")) {
		t.Error("CheckResponse() = false with no check_response defined, want true")
	}
}

func TestLuaEngine_MissingHookFunctionsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.lua")
	if err := os.WriteFile(path, []byte(`function parse_id(hex) return "x" end`), 0o644); err != nil {
		t.Fatalf("write lua script: %v", err)
	}
	if _, err := NewLuaEngine(path); err == nil {
		t.Fatal("NewLuaEngine() accepted a script with no accept_port")
	}
}

var (
	_ Engine = (*JSEngine)(nil)
	_ Engine = (*LuaEngine)(nil)
)
