package appcodec

import (
	"encoding/base64"
	"encoding/hex"
	"strconv"

	"github.com/dop251/goja"
)

// injectStateHelpers exposes getState/setState to the script so it
// can persist values across invocations via the caller-supplied State.
func injectStateHelpers(vm *goja.Runtime, state *State) {
	vm.Set("getState", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			panic(vm.NewTypeError("getState requires a name argument"))
		}
		v := state.get(call.Argument(0).String())
		if v == nil {
			return goja.Null()
		}
		return vm.ToValue(v)
	})
	vm.Set("setState", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 2 {
			panic(vm.NewTypeError("setState requires name and value arguments"))
		}
		state.set(call.Argument(0).String(), call.Argument(1).Export())
		return goja.Undefined()
	})
}

// injectConversionHelpers exposes hexToBytes/base64ToBytes, used by
// codecs that receive their raw payload encoded as a string rather
// than the byte array Decode is normally called with.
func injectConversionHelpers(vm *goja.Runtime) {
	vm.Set("hexToBytes", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			panic(vm.NewTypeError("hexToBytes requires a hex string argument"))
		}
		b, err := hex.DecodeString(call.Argument(0).String())
		if err != nil {
			panic(vm.NewTypeError("invalid hex string: " + err.Error()))
		}
		return bytesToJSArray(vm, b)
	})
	vm.Set("base64ToBytes", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			panic(vm.NewTypeError("base64ToBytes requires a base64 string argument"))
		}
		b, err := base64.StdEncoding.DecodeString(call.Argument(0).String())
		if err != nil {
			panic(vm.NewTypeError("invalid base64 string: " + err.Error()))
		}
		return bytesToJSArray(vm, b)
	})
}

func bytesToJSArray(vm *goja.Runtime, b []byte) *goja.Object {
	arr := vm.NewArray()
	for i, v := range b {
		arr.Set(strconv.Itoa(i), vm.ToValue(int(v)))
	}
	return arr
}
