package appcodec

import (
	"testing"
	"time"
)

func TestRuntimeEncodeDecode(t *testing.T) {
	script := NewScript("counter", `
function Encode(fPort, obj) {
    return [obj.value];
}
function Decode(fPort, bytes) {
    return {value: bytes[0]};
}
`)

	rt, err := NewRuntime(script, 4, time.Second)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}

	encoded, err := rt.Encode(10, map[string]interface{}{"value": 42})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(encoded) != 1 || encoded[0] != 42 {
		t.Fatalf("unexpected encoded bytes: %v", encoded)
	}

	decoded, err := rt.Decode(10, []byte{42})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	value, ok := decoded["value"]
	if !ok {
		t.Fatal("expected 'value' field in decoded object")
	}
	if toInt(t, value) != 42 {
		t.Fatalf("expected value 42, got %v", value)
	}
}

func TestRuntimeStatefulDecodeAcrossCalls(t *testing.T) {
	script := NewScript("running-total", `
function Decode(fPort, bytes) {
    var total = getState("total");
    if (total === null) { total = 0; }
    total += bytes[0];
    setState("total", total);
    return {total: total};
}
`)

	rt, err := NewRuntime(script, 1, time.Second)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}

	first, err := rt.Decode(1, []byte{5})
	if err != nil {
		t.Fatalf("Decode (first): %v", err)
	}
	if toInt(t, first["total"]) != 5 {
		t.Fatalf("expected total 5, got %v", first["total"])
	}

	second, err := rt.Decode(1, []byte{5})
	if err != nil {
		t.Fatalf("Decode (second): %v", err)
	}
	if toInt(t, second["total"]) != 10 {
		t.Fatalf("expected total 10 after two decodes, got %v", second["total"])
	}
}

func TestRuntimeMissingEncodeReturnsErrEncodeNotDefined(t *testing.T) {
	script := NewScript("decode-only", `
function Decode(fPort, bytes) { return {}; }
`)

	rt, err := NewRuntime(script, 1, time.Second)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}

	if _, err := rt.Encode(1, map[string]interface{}{}); err != ErrEncodeNotDefined {
		t.Fatalf("expected ErrEncodeNotDefined, got %v", err)
	}
}

func TestScriptValidateRejectsEmptyAndNoEntryPoints(t *testing.T) {
	if err := NewScript("empty", "").Validate(); err == nil {
		t.Fatal("expected empty script to fail validation")
	}
	if err := NewScript("no-entrypoints", "var x = 1;").Validate(); err == nil {
		t.Fatal("expected script without Decode/Encode to fail validation")
	}
	if err := NewScript("ok", "function Decode(fPort, bytes) { return {}; }").Validate(); err != nil {
		t.Fatalf("expected valid script to pass validation, got %v", err)
	}
}

func TestExecutorTimeoutOnInfiniteLoop(t *testing.T) {
	script := NewScript("hang", `
function Decode(fPort, bytes) {
    while (true) {}
}
`)
	rt, err := NewRuntime(script, 1, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}

	if _, err := rt.Decode(1, []byte{1}); err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func toInt(t *testing.T, v interface{}) int {
	t.Helper()
	switch n := v.(type) {
	case float64:
		return int(n)
	case int64:
		return int(n)
	case int:
		return n
	default:
		t.Fatalf("expected numeric type, got %T", v)
		return 0
	}
}
