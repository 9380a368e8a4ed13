package appcodec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/loramac/macd/metrics"
)

var (
	// ErrTimeout is returned when a codec runs past its execution budget.
	ErrTimeout = errors.New("codec execution timeout")
	// ErrEncodeNotDefined is returned by Encode when the script has no Encode function.
	ErrEncodeNotDefined = errors.New("codec does not define Encode")
	// ErrDecodeNotDefined is returned by Decode when the script has no Decode function.
	ErrDecodeNotDefined = errors.New("codec does not define Decode")
	// ErrInvalidResult is returned when a codec's return value does not match what the caller expects.
	ErrInvalidResult = errors.New("invalid codec return value")
)

// Executor runs a single device's codec script against application
// payloads, off a shared VM pool (spec.md §9 deliver-indication path /
// SPEC_FULL.md §11 domain-stack wiring).
type Executor struct {
	vms     *vmPool
	timeout time.Duration
}

// NewExecutor returns an Executor bounding every script invocation to
// timeout, pulling VMs from a pool sized poolSize.
func NewExecutor(poolSize int, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	return &Executor{vms: newVMPool(poolSize), timeout: timeout}
}

// Encode runs script's Encode(fPort, obj) and returns the resulting
// byte slice, used before an application-originated Send.
func (e *Executor) Encode(script *Script, fPort uint8, obj map[string]interface{}, state *State) ([]byte, error) {
	metrics.CodecExecutionsTotal.WithLabelValues("encode").Inc()

	type result struct {
		data []byte
		err  error
	}
	resultCh := make(chan result, 1)
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	go func() {
		vm := e.vms.get()
		defer e.vms.put(vm)
		data, err := e.runEncode(vm, script, fPort, obj, state)
		resultCh <- result{data, err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			metrics.CodecErrorsTotal.WithLabelValues("encode").Inc()
		}
		return r.data, r.err
	case <-ctx.Done():
		metrics.CodecTimeoutsTotal.WithLabelValues("encode").Inc()
		return nil, ErrTimeout
	}
}

// Decode runs script's Decode(fPort, bytes) and returns the resulting
// object, used on every downlink delivered to the application.
func (e *Executor) Decode(script *Script, fPort uint8, payload []byte, state *State) (map[string]interface{}, error) {
	metrics.CodecExecutionsTotal.WithLabelValues("decode").Inc()

	type result struct {
		data map[string]interface{}
		err  error
	}
	resultCh := make(chan result, 1)
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	go func() {
		vm := e.vms.get()
		defer e.vms.put(vm)
		data, err := e.runDecode(vm, script, fPort, payload, state)
		resultCh <- result{data, err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			metrics.CodecErrorsTotal.WithLabelValues("decode").Inc()
		}
		return r.data, r.err
	case <-ctx.Done():
		metrics.CodecTimeoutsTotal.WithLabelValues("decode").Inc()
		return nil, ErrTimeout
	}
}

func (e *Executor) runEncode(vm *goja.Runtime, script *Script, fPort uint8, obj map[string]interface{}, state *State) ([]byte, error) {
	injectConversionHelpers(vm)
	if state != nil {
		injectStateHelpers(vm, state)
	}
	if _, err := vm.RunString(script.Body); err != nil {
		return nil, fmt.Errorf("%s: %w", script.Name, err)
	}
	fn, ok := goja.AssertFunction(vm.Get("Encode"))
	if !ok {
		return nil, ErrEncodeNotDefined
	}
	res, err := fn(goja.Undefined(), vm.ToValue(fPort), vm.ToValue(obj))
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return exportBytes(res)
}

func (e *Executor) runDecode(vm *goja.Runtime, script *Script, fPort uint8, payload []byte, state *State) (map[string]interface{}, error) {
	injectConversionHelpers(vm)
	if state != nil {
		injectStateHelpers(vm, state)
	}
	if _, err := vm.RunString(script.Body); err != nil {
		return nil, fmt.Errorf("%s: %w", script.Name, err)
	}
	fn, ok := goja.AssertFunction(vm.Get("Decode"))
	if !ok {
		return nil, ErrDecodeNotDefined
	}

	jsBytes := make([]interface{}, len(payload))
	for i, b := range payload {
		jsBytes[i] = b
	}
	res, err := fn(goja.Undefined(), vm.ToValue(fPort), vm.ToValue(jsBytes))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	exported := res.Export()
	if exported == nil {
		return map[string]interface{}{}, nil
	}
	obj, ok := exported.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: Decode returned %T, want object", ErrInvalidResult, exported)
	}
	return obj, nil
}

func exportBytes(v goja.Value) ([]byte, error) {
	exported := v.Export()
	if exported == nil {
		return []byte{}, nil
	}
	arr, ok := exported.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: Encode returned %T, want byte array", ErrInvalidResult, exported)
	}
	out := make([]byte, len(arr))
	for i, v := range arr {
		n, err := toByte(v)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func toByte(v interface{}) (byte, error) {
	var n int64
	switch t := v.(type) {
	case int64:
		n = t
	case float64:
		n = int64(t)
	case int:
		n = int64(t)
	default:
		return 0, fmt.Errorf("%w: element type %T", ErrInvalidResult, v)
	}
	if n < 0 || n > 255 {
		return 0, fmt.Errorf("%w: byte value out of range: %d", ErrInvalidResult, n)
	}
	return byte(n), nil
}
