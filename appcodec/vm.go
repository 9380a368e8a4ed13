package appcodec

import "github.com/dop251/goja"

// vmPool hands out goja runtimes for reuse, trading a little memory
// for avoiding a fresh runtime init on every uplink/downlink.
type vmPool struct {
	pool chan *goja.Runtime
	size int
}

func newVMPool(size int) *vmPool {
	if size <= 0 {
		size = 10
	}
	return &vmPool{pool: make(chan *goja.Runtime, size), size: size}
}

func (p *vmPool) get() *goja.Runtime {
	select {
	case vm := <-p.pool:
		return vm
	default:
		return p.create()
	}
}

func (p *vmPool) put(vm *goja.Runtime) {
	if vm == nil {
		return
	}
	p.clear(vm)
	select {
	case p.pool <- vm:
	default:
		// pool full, vm is garbage
	}
}

func (p *vmPool) create() *goja.Runtime {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	return vm
}

// clear resets the helper and entry-point globals listed below before
// the runtime goes back in the pool. Other globals a script creates are
// not removed.
func (p *vmPool) clear(vm *goja.Runtime) {
	for _, name := range []string{
		"getState", "setState", "hexToBytes", "base64ToBytes", "log",
		"Decode", "Encode",
	} {
		vm.Set(name, goja.Undefined())
	}
}
