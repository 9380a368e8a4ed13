package mac

import (
	"github.com/brocaar/lorawan"

	"github.com/loramac/macd/events"
)

// Connect starts the OTAA join-retry sequence. The eventual outcome
// arrives as a Connected or JoinFailed event; Connect itself only
// reports whether the request was accepted.
func (d *Device) Connect() error {
	return d.call(func(dev *Device) error { return dev.connectOTAA() })
}

// ConnectABP installs a pre-provisioned session with no radio exchange.
func (d *Device) ConnectABP(devAddr lorawan.DevAddr, nwkSKey, appSKey lorawan.AES128Key) error {
	return d.call(func(dev *Device) error { return dev.connectABP(devAddr, nwkSKey, appSKey) })
}

// Disconnect stops all timers, puts the radio to sleep, clears runtime
// flags and emits Disconnected, per spec.md §5.
func (d *Device) Disconnect() error {
	return d.call(func(dev *Device) error {
		dev.timers.CancelAll()
		dev.radio.Sleep()
		dev.joined = false
		dev.state = StateIdle
		dev.emit(events.Event{Type: events.Disconnected})
		return nil
	})
}

// Send buffers port/payload for transmission under the given mode.
// It returns the number of bytes buffered, or one of ErrWouldBlock,
// ErrNoActiveSession, ErrParameterInvalid, ErrLengthError, ErrDeviceOff,
// ErrCryptoFail.
func (d *Device) Send(port uint8, payload []byte, mode Mode) (int, error) {
	n := len(payload)
	err := d.call(func(dev *Device) error { return dev.requestUplink(mode, port, payload) })
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Receive returns the last downlink payload delivered to the
// application and its port, clearing it so a second call without an
// intervening downlink reports ok=false.
func (d *Device) Receive() (port uint8, payload []byte, ok bool) {
	reply := make(chan struct {
		port    uint8
		payload []byte
		ok      bool
	}, 1)
	d.post(func(dev *Device) {
		r := dev.lastDelivered
		dev.lastDelivered.have = false
		reply <- struct {
			port    uint8
			payload []byte
			ok      bool
		}{r.port, r.payload, r.have}
	})
	r := <-reply
	return r.port, r.payload, r.ok
}

// SetConfirmedMsgRetries sets the ACK-timeout retry budget (1..8) for
// future confirmed uplinks.
func (d *Device) SetConfirmedMsgRetries(n int) error {
	if n < 1 || n > 8 {
		return ErrParameterInvalid
	}
	return d.call(func(dev *Device) error {
		dev.pipeline.ackRetriesLimit = n
		return nil
	})
}

// EnableADR turns on adaptive datarate management.
func (d *Device) EnableADR() error {
	return d.call(func(dev *Device) error {
		dev.adrEnabled = true
		return nil
	})
}

// DisableADR turns off adaptive datarate management; SetDatarate then
// becomes the caller's sole lever over the link's datarate.
func (d *Device) DisableADR() error {
	return d.call(func(dev *Device) error {
		dev.adrEnabled = false
		return nil
	})
}

// SetDatarate pins the TX datarate. Returns ErrParameterInvalid if ADR
// is enabled (ADR owns the datarate while on) or the datarate is not
// admissible on any enabled channel.
func (d *Device) SetDatarate(dr int) error {
	return d.call(func(dev *Device) error {
		if dev.adrEnabled {
			return ErrParameterInvalid
		}
		if _, _, err := dev.region.SetNextChannel(dr); err != nil {
			return ErrParameterInvalid
		}
		dev.params.DataRate = dr
		return nil
	})
}

// AddChannel adds a custom uplink channel to the device-local mask
// (set_channel_plan's per-channel counterpart).
func (d *Device) AddChannel(index, frequency, minDR, maxDR int) error {
	return d.call(func(dev *Device) error {
		if err := dev.region.AddChannel(index, frequency, minDR, maxDR); err != nil {
			return ErrParameterInvalid
		}
		return nil
	})
}

// SetChannelMask enables exactly the given uplink channel indices.
func (d *Device) SetChannelMask(indices []int) error {
	return d.call(func(dev *Device) error {
		dev.region.SetChannelMask(indices)
		return nil
	})
}

// RemoveChannelPlan restores the region's default channel mask,
// discarding every custom channel added since.
func (d *Device) RemoveChannelPlan() error {
	return d.call(func(dev *Device) error {
		dev.region.LoadDefaults()
		return nil
	})
}

// RegisterMulticast installs or replaces a multicast group session in
// the fixed-size registry (spec.md §3's "Multicast registry", §4.3.3's
// "validate address (own or multicast)"). Returns ErrParameterInvalid
// if groupID isn't already registered and no free slot remains.
func (d *Device) RegisterMulticast(groupID uint8, devAddr lorawan.DevAddr, nwkSKey, appSKey lorawan.AES128Key) error {
	return d.call(func(dev *Device) error { return dev.registerMulticast(groupID, devAddr, nwkSKey, appSKey) })
}

// RemoveMulticast deactivates a previously registered multicast group,
// freeing its slot for reuse.
func (d *Device) RemoveMulticast(groupID uint8) error {
	return d.call(func(dev *Device) error { return dev.removeMulticast(groupID) })
}

// AddLinkCheckRequest queues a LinkCheckReq for the next uplink.
func (d *Device) AddLinkCheckRequest() error {
	return d.call(func(dev *Device) error {
		dev.mcmd.RequestLinkCheck()
		return nil
	})
}

// SetLinkCheckHandler installs the callback invoked when a
// LinkCheckAns is received (margin, gateway count).
func (d *Device) SetLinkCheckHandler(fn func(margin, gwCount uint8)) {
	d.post(func(dev *Device) { dev.linkCheckHandler = fn })
}

// EnableCompliancePassthrough toggles the FPort 224 (the LoRaWAN
// certification test port) counter carve-out: while on, an uplink on
// port 224 does not advance FCntUp. Send accepts port 224 either way.
func (d *Device) EnableCompliancePassthrough(on bool) {
	d.post(func(dev *Device) { dev.compliancePassthrough = on })
}

// SetBatteryLevel records the value reported in future DevStatusAns
// replies.
func (d *Device) SetBatteryLevel(level uint8) {
	d.post(func(dev *Device) { dev.batteryLevel = level })
}

// Status is a point-in-time snapshot of the engine's externally
// visible state, used by the httpapi introspection endpoint and by
// tests. Unlike JoinState it carries no key material.
type Status struct {
	Joined    bool
	Class     Class
	State     State
	DevAddr   lorawan.DevAddr
	FCntUp    uint32
	FCntDown  uint32
	DataRate  int
	ADREnabled bool
}

// DevEUI returns the device's identity EUI, fixed for the engine's
// lifetime and used by embedders (e.g. httpapi) to address this
// device's event topic.
func (d *Device) DevEUI() lorawan.EUI64 {
	return d.activation.DevEUI
}

// Status reports the engine's current externally visible state.
func (d *Device) Status() Status {
	reply := make(chan Status, 1)
	d.post(func(dev *Device) {
		reply <- Status{
			Joined:     dev.joined,
			Class:      dev.class,
			State:      dev.state,
			DevAddr:    dev.session.DevAddr,
			FCntUp:     dev.session.FCntUp,
			FCntDown:   dev.session.FCntDown,
			DataRate:   dev.params.DataRate,
			ADREnabled: dev.adrEnabled,
		}
	})
	return <-reply
}

// JoinState reports the activation state an embedder may want to
// persist across restarts (spec.md §9 open question on dev-nonce
// tracking): the last DevNonce sent, and the session if already
// joined. The engine itself keeps no on-disk copy of either.
func (d *Device) JoinState() JoinState {
	reply := make(chan JoinState, 1)
	d.post(func(dev *Device) {
		reply <- JoinState{
			DevNonce: dev.activation.DevNonce,
			Joined:   dev.joined,
			Session:  dev.session,
		}
	})
	return <-reply
}

// RestoreJoinState installs a previously-persisted JoinState, typically
// called once at startup before Start.
func (d *Device) RestoreJoinState(js JoinState) {
	d.post(func(dev *Device) {
		dev.activation.DevNonce = js.DevNonce
		if js.Joined {
			dev.joined = true
			dev.session = js.Session
		}
	})
}
