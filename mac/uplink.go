package mac

import (
	"errors"
	"time"

	"github.com/loramac/macd/events"
	"github.com/loramac/macd/frame"
	"github.com/loramac/macd/metrics"
	"github.com/loramac/macd/phy"
	"github.com/loramac/macd/radio"
)

// requestUplink is the engine-side half of the public Send operation
// (spec.md §4.3.2 step 1-3). It runs on the consumer goroutine via
// Device.call.
func (d *Device) requestUplink(mode Mode, port uint8, payload []byte) error {
	if !d.state.has(StateIdle) {
		// the outer Send façade reports the single TX slot being
		// occupied as WouldBlock (spec.md §8 scenario 8); Busy is
		// reserved for a fresh join attempt arriving mid-flight.
		return ErrWouldBlock
	}
	if !d.joined && !d.abp {
		return ErrNoActiveSession
	}
	if port == 0 && len(payload) > 0 {
		return ErrParameterInvalid
	}
	if port > 224 {
		return ErrParameterInvalid
	}

	maxSize, err := d.region.Band().GetMaxPayloadSizeForDataRateIndex("1.0.2", "RP002-1.0.0", d.params.DataRate)
	if err == nil && len(payload) > maxSize.N {
		return ErrLengthError
	}

	d.pipeline.mode = mode
	d.pipeline.port = port
	d.pipeline.payload = payload
	d.pipeline.bufferedAt = time.Now()
	d.pipeline.ackRetries = 0
	d.pipeline.lastTxWasJoin = false

	return d.scheduleDataUp()
}

// scheduleDataUp builds the pending uplink (C2) and hands it to the
// radio (C5 channel pick + C1/C3 state transition), per spec.md
// §4.3.2 step 4.
func (d *Device) scheduleDataUp() error {
	if d.params.MaxDutyCycle == 255 {
		return ErrDeviceOff
	}

	fopts, err := d.mcmd.PendingFOpts()
	if err != nil {
		return ErrCryptoFail
	}

	adrAckReq := false
	if d.adrEnabled {
		counter := d.region.NoteADRAck(false) // tentative; reset to true happens when an ACK/downlink arrives
		adrAckReq = counter > 0 && counter%64 == 0
		if adrAckReq {
			d.params.DataRate = d.region.GetNextADR(d.params.DataRate)
		}
	}

	port := d.pipeline.port
	fPort := &port
	if port == 0 && len(fopts) == 0 {
		fPort = nil
	}

	// Each attempt (the original transmission and every confirmed-uplink
	// retry) consumes its own frame counter value, per spec.md §4.3.4
	// "every retry increments the uplink counter unless fixed for
	// compliance testing" — the compliance-test carve-out (SPEC_FULL.md
	// §12) is port 224 traffic while passthrough mode is on.
	if !(port == 224 && d.compliancePassthrough) {
		d.session.FCntUp++
	}

	build := func() ([]byte, error) {
		return frame.BuildDataUp(frame.Uplink{
			Confirmed: d.pipeline.mode == Confirmed,
			ADR:       d.adrEnabled,
			ADRACKReq: adrAckReq,
			DevAddr:   d.session.DevAddr,
			FCntUp:    d.session.FCntUp,
			FOpts:     fopts,
			FPort:     fPort,
			Payload:   d.pipeline.payload,
			NwkSKey:   d.session.NwkSKey,
			AppSKey:   d.session.AppSKey,
		})
	}

	if err := d.scheduleTx(build); err != nil {
		return err
	}
	if d.state.has(StateTxDelayed) {
		// not sent yet: onTxDelayedTimer rebuilds the frame, so queued
		// one-shot commands stay until the frame actually goes out.
		return nil
	}

	if d.pipeline.mode == Confirmed {
		d.state |= StateAckReq
	}
	d.mcmd.ClearOneShot()
	metrics.UplinksTotal.WithLabelValues(uplinkTypeLabel(d.pipeline.mode)).Inc()
	return nil
}

func uplinkTypeLabel(m Mode) string {
	switch m {
	case Confirmed:
		return "confirmed"
	case Proprietary:
		return "proprietary"
	default:
		return "unconfirmed"
	}
}

// scheduleTx picks a channel via C5, builds the frame, and hands it to
// the radio driver, entering TX_RUNNING (or TX_DELAYED if every
// enabled channel is duty-cycle backed off).
func (d *Device) scheduleTx(build func() ([]byte, error)) error {
	ch, idx, err := d.region.SetNextChannel(d.params.DataRate)
	if errors.Is(err, phy.ErrNoChannel) {
		d.params.DataRate = 0
		ch, idx, err = d.region.SetNextChannel(d.params.DataRate)
	}
	if errors.Is(err, phy.ErrDutyCycleBlocked) {
		d.state = StateTxDelayed
		d.timers.Arm(timerTxDelayed, time.Second)
		metrics.DutyCycleDelaysTotal.Inc()
		return nil
	}
	if err != nil {
		return err
	}

	payload, err := build()
	if err != nil {
		return ErrCryptoFail
	}

	txParams := radio.TxParams{
		Frequency:    uint32(ch.Frequency),
		DataRate:     d.params.DataRate,
		Power:        d.params.TXPower,
		CRC:          true,
		MaxPacketLen: 255,
	}
	_, toa, err := d.radio.TxConfig(txParams, len(payload))
	if err != nil {
		return ErrCryptoFail
	}
	if err := d.radio.Send(payload); err != nil {
		return err
	}

	d.pipeline.lastChannel = idx
	d.pipeline.timeOnAir = toa
	d.pipeline.lastTxTime = time.Now()
	d.state = StateTxRunning
	d.timers.Arm(timerStateCheck, stateCheckInterval)
	return nil
}

// onRadioTxDone arms the RX1/RX2 windows (spec.md §4.3.3) and, for a
// confirmed uplink, the ACK timeout.
func (d *Device) onRadioTxDone() {
	if !d.state.has(StateTxRunning) {
		return
	}
	d.region.SetBandTxDone(d.pipeline.lastChannel, d.pipeline.timeOnAir, 0.01)
	d.radio.Sleep()

	d.state &^= StateTxRunning
	d.state |= StateRx

	d.timers.Arm(timerRx1, d.rx1Delay())
	d.timers.Arm(timerRx2, d.rx2Delay())

	if d.state.has(StateAckReq) || d.class == ClassC {
		jitter := time.Duration(d.rng.Int63n(int64(d.ackTimeoutJitterMax) + 1))
		d.timers.Arm(timerAckTimeout, d.rx2Delay()+jitter)
	}

	d.emit(events.Event{Type: events.TxDone})
}

func (d *Device) rx1Delay() time.Duration {
	if d.pipeline.lastTxWasJoin {
		return d.params.JoinAcceptDelay1
	}
	return d.params.RX1Delay
}

func (d *Device) rx2Delay() time.Duration {
	if d.pipeline.lastTxWasJoin {
		return d.params.JoinAcceptDelay2
	}
	return d.params.RX2Delay
}

func (d *Device) onRadioTxTimeout() {
	d.state = StateIdle
	metrics.DownlinkDropsTotal.WithLabelValues("tx_timeout").Inc()
	d.emit(events.Event{Type: events.TxTimeout})
}
