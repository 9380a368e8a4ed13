package appcodec

import "time"

// Runtime pairs one device's codec script with its own persistent
// state and a shared Executor, and is what the httpapi layer wires
// into the MAC facade's Send/deliver-indication path. A macd process
// runs a single device, so unlike the teacher's per-DevEUI registry
// this holds exactly one script.
type Runtime struct {
	executor *Executor
	script   *Script
	state    *State
}

// NewRuntime returns a Runtime ready to encode/decode with script,
// pulling VMs from a pool of poolSize sized for a single device's
// traffic and bounding every call to timeout.
func NewRuntime(script *Script, poolSize int, timeout time.Duration) (*Runtime, error) {
	if err := script.Validate(); err != nil {
		return nil, err
	}
	return &Runtime{
		executor: NewExecutor(poolSize, timeout),
		script:   script,
		state:    NewState(),
	}, nil
}

// Encode turns an application object into the uplink payload bytes
// for fPort, or ErrEncodeNotDefined if the script has no Encode.
func (r *Runtime) Encode(fPort uint8, obj map[string]interface{}) ([]byte, error) {
	return r.executor.Encode(r.script, fPort, obj, r.state)
}

// Decode turns a downlink payload into an application object, or
// ErrDecodeNotDefined if the script has no Decode.
func (r *Runtime) Decode(fPort uint8, payload []byte) (map[string]interface{}, error) {
	return r.executor.Decode(r.script, fPort, payload, r.state)
}

// Replace swaps in a new script, discarding accumulated state: a
// codec update changes the payload format, so carrying old
// getState/setState values forward across it is more likely to
// confuse the new script than help it.
func (r *Runtime) Replace(script *Script) error {
	if err := script.Validate(); err != nil {
		return err
	}
	r.script = script
	r.state = NewState()
	return nil
}
