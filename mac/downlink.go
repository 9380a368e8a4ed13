package mac

import (
	"errors"
	"time"

	"github.com/brocaar/lorawan"

	"github.com/loramac/macd/events"
	"github.com/loramac/macd/frame"
	"github.com/loramac/macd/metrics"
	"github.com/loramac/macd/radio"
	"github.com/loramac/macd/timer"
)

// onTimer dispatches a fired timer.Key back into the corresponding MAC
// handler, the Go mapping of spec.md §4.1's timer-originated events.
func (d *Device) onTimer(k timer.Key) {
	switch k {
	case timerRx1:
		d.openRx1()
	case timerRx2:
		d.openRx2()
	case timerAckTimeout:
		d.onAckTimeout()
	case timerStateCheck:
		d.onStateCheck()
	case timerTxDelayed:
		d.onTxDelayedTimer()
	}
}

func (d *Device) openRx1() {
	if !d.state.has(StateRx) {
		return
	}
	rx1, _, err := d.region.ComputeRxWinParams(d.pipeline.lastChannel, d.params.DataRate)
	if err != nil {
		return
	}
	d.radio.RxConfig(radio.RxParams{Frequency: rx1.Frequency, DataRate: rx1.DataRate})
	d.radio.SetupRxWindow(false, time.Second)
}

func (d *Device) openRx2() {
	if !d.state.has(StateRx) {
		return
	}
	_, rx2, err := d.region.ComputeRxWinParams(d.pipeline.lastChannel, d.params.DataRate)
	if err != nil {
		return
	}
	d.radio.RxConfig(radio.RxParams{Frequency: rx2.Frequency, DataRate: rx2.DataRate})
	d.radio.SetupRxWindow(d.class == ClassC, time.Second)
}

func (d *Device) onRadioRxTimeout() {
	if !d.state.has(StateRx) {
		return
	}
	if d.class == ClassC {
		return // continuous RX2 stays open indefinitely for Class C
	}
	d.state &^= StateRx
	d.state |= StateRxAbort
	d.prepareRxDoneAbort()
	d.emit(events.Event{Type: events.RxTimeout})
}

func (d *Device) onRadioRxError() {
	d.state |= StateRxAbort
	d.prepareRxDoneAbort()
	d.emit(events.Event{Type: events.RxError})
}

// prepareRxDoneAbort tears the reception down and marks the engine for
// its next state-check pass, per spec.md §4.3.3's error handling note.
func (d *Device) prepareRxDoneAbort() {
	d.timers.Arm(timerStateCheck, stateCheckInterval)
}

// onRadioRxDone parses and dispatches a received frame (spec.md
// §4.3.3). It is the only place join-accept and data-down frames are
// told apart.
func (d *Device) onRadioRxDone(payload []byte, rssi int, snr float32) {
	if len(payload) < 1 {
		return
	}
	d.state &^= StateRx
	d.lastDownlinkSNR = snr
	d.lastDownlinkSeen = true

	mtype := lorawan.MType((payload[0] & 224) >> 5)

	switch mtype {
	case lorawan.JoinAccept:
		if d.joined {
			return // join-accept only processed while unjoined, per spec.md §3 invariant
		}
		d.handleJoinAccept(payload)
	case lorawan.UnconfirmedDataDown, lorawan.ConfirmedDataDown:
		d.handleDataDown(mtype, payload)
	case lorawan.Proprietary:
		d.emit(events.Event{Type: events.RxDone, Payload: payload})
	default:
		metrics.DownlinkDropsTotal.WithLabelValues("unexpected_mtype").Inc()
	}

	if d.state.has(StateAckReq) {
		d.timers.Cancel(timerAckTimeout)
	}
	d.timers.Arm(timerStateCheck, stateCheckInterval)
}

// handleDataDown tells own-address from multicast-address traffic
// apart (spec.md §4.3.3 "validate address (own or multicast)") before
// any MIC verification is attempted, since the two cases verify
// against different keys and counters.
func (d *Device) handleDataDown(mtype lorawan.MType, payload []byte) {
	devAddr, err := frame.PeekDevAddr(payload)
	if err != nil {
		d.noteDownlinkDrop(err)
		return
	}

	if devAddr == d.session.DevAddr {
		d.handleUnicastDown(mtype, payload)
		return
	}
	if idx, ok := d.matchMulticast(devAddr); ok {
		d.handleMulticastDown(payload, idx)
		return
	}
	d.noteDownlinkDrop(frame.ErrAddressMismatch)
}

// handleUnicastDown verifies and actions a downlink addressed to this
// device's own session (join-accept-derived or ABP).
func (d *Device) handleUnicastDown(mtype lorawan.MType, payload []byte) {
	parsed, err := frame.ParseAndVerifyDownlink(payload, d.session.DevAddr, d.session.NwkSKey, d.session.AppSKey, d.session.FCntDown, d.maxFCntGap)
	if err != nil {
		d.noteDownlinkDrop(err)
		return
	}

	metrics.DownlinksTotal.WithLabelValues(downlinkTypeLabel(mtype)).Inc()
	d.session.FCntDown = parsed.FCntDown
	d.region.NoteADRAck(true)

	// REDESIGN FLAG resolution (spec.md §9 "confirmed-downlink
	// duplicate"): a duplicate still has its embedded commands parsed
	// and actioned — only the application indication is suppressed. The
	// downlink path never clears the one-shot MAC command buffer; that
	// happens only in scheduleDataUp, once an uplink has been sent.
	duplicate := parsed.Confirmed && d.haveLastConfirmed && parsed.FCntDown == d.lastConfirmedFCntDown

	if len(parsed.FOpts) > 0 {
		if err := d.mcmd.HandleDownlinkFOpts(parsed.FOpts, d); err != nil {
			d.log.Warn("mac: mac command decode failed", "dev_eui", d.devEUIStr, "error", err)
		}
	} else if parsed.FPort != nil && *parsed.FPort == 0 {
		if err := d.mcmd.HandleDownlinkFOpts(parsed.Payload, d); err != nil {
			d.log.Warn("mac: port-0 mac command decode failed", "dev_eui", d.devEUIStr, "error", err)
		}
	}
	d.mcmd.ClearStickyOnDownlink()

	if parsed.ACK {
		d.state &^= StateAckReq
		d.pipeline.ackRetries = 0
	}

	if parsed.Confirmed {
		d.lastConfirmedFCntDown = parsed.FCntDown
		d.haveLastConfirmed = true
	}

	if duplicate {
		return
	}

	if parsed.FPort != nil && *parsed.FPort != 0 {
		d.lastDelivered.port = *parsed.FPort
		d.lastDelivered.payload = parsed.Payload
		d.lastDelivered.have = true
		fport := *parsed.FPort
		fcnt := parsed.FCntDown
		d.emit(events.Event{Type: events.RxDone, Payload: parsed.Payload, FPort: &fport, FCnt: &fcnt})
	}
}

// handleMulticastDown verifies and delivers a downlink addressed to a
// registered multicast group. Multicast traffic is receive-only: there
// is no per-device ACK or FOpts exchange to piggyback on a broadcast
// frame, so unlike handleUnicastDown this never touches the MAC
// command buffers, the confirmed-uplink ACK state, or ADR bookkeeping.
func (d *Device) handleMulticastDown(payload []byte, idx int) {
	entry := &d.multicast[idx]
	parsed, err := frame.ParseAndVerifyDownlink(payload, entry.DevAddr, entry.NwkSKey, entry.AppSKey, entry.FCntDown, d.maxFCntGap)
	if err != nil {
		d.noteDownlinkDrop(err)
		return
	}

	metrics.DownlinksTotal.WithLabelValues("multicast").Inc()
	entry.FCntDown = parsed.FCntDown

	if parsed.FPort != nil && *parsed.FPort != 0 {
		d.lastDelivered.port = *parsed.FPort
		d.lastDelivered.payload = parsed.Payload
		d.lastDelivered.have = true
		fport := *parsed.FPort
		fcnt := parsed.FCntDown
		d.emit(events.Event{Type: events.RxDone, Payload: parsed.Payload, FPort: &fport, FCnt: &fcnt})
	}
}

func downlinkTypeLabel(mtype lorawan.MType) string {
	if mtype == lorawan.ConfirmedDataDown {
		return "confirmed"
	}
	return "unconfirmed"
}

func (d *Device) noteDownlinkDrop(err error) {
	reason := "unknown"
	switch {
	case errors.Is(err, frame.ErrAddressMismatch):
		reason = "address_mismatch"
	case errors.Is(err, frame.ErrMicFail):
		reason = "mic_fail"
	case errors.Is(err, frame.ErrCounterGap):
		reason = "counter_gap"
	case errors.Is(err, frame.ErrReplay):
		reason = "replay"
	case errors.Is(err, frame.ErrCryptoFail):
		reason = "crypto_fail"
	}
	metrics.DownlinkDropsTotal.WithLabelValues(reason).Inc()
	if errors.Is(err, frame.ErrCryptoFail) {
		d.emit(events.Event{Type: events.TxCryptoError})
	}
}

func (d *Device) onTxDelayedTimer() {
	if !d.state.has(StateTxDelayed) {
		return
	}
	d.state = StateIdle
	if d.pipeline.lastTxWasJoin {
		_ = d.attemptJoin()
		return
	}
	_ = d.scheduleDataUp()
}
