package mac

import (
	"time"

	"github.com/brocaar/lorawan"

	"github.com/loramac/macd/events"
	"github.com/loramac/macd/frame"
	"github.com/loramac/macd/metrics"
)

// connectOTAA starts (or restarts) the join-retry sequence, per spec.md
// §4.3.5. It runs on the consumer goroutine via Device.call.
func (d *Device) connectOTAA() error {
	if !d.state.has(StateIdle) {
		return ErrBusy
	}
	d.joined = false
	d.pipeline.joinTrial = 0
	return d.attemptJoin()
}

func (d *Device) attemptJoin() error {
	if d.pipeline.joinTrial >= d.pipeline.maxJoinTrials {
		metrics.JoinFailuresTotal.Inc()
		d.emit(events.Event{Type: events.JoinFailed})
		d.state = StateIdle
		return nil
	}
	d.pipeline.joinTrial++

	d.session = Session{}
	d.region.LoadDefaults()
	d.params.DataRate = d.alternateJoinDR(d.pipeline.joinTrial)

	d.activation.DevNonce = lorawan.DevNonce(d.radio.RandomUint32())

	build := func() ([]byte, error) {
		return frame.BuildJoinRequest(d.activation.JoinEUI, d.activation.DevEUI, d.activation.DevNonce, d.activation.AppKey)
	}

	d.pipeline.lastTxWasJoin = true
	d.pipeline.mode = Unconfirmed
	metrics.JoinAttemptsTotal.Inc()
	return d.scheduleTx(build)
}

// alternateJoinDR rotates the join datarate through DR0..DR3 by trial
// number (trial % 4: DR1, DR2, DR3, DR0, DR1, ...), a coarse stand-in
// for C5's get_alternate_DR.
func (d *Device) alternateJoinDR(trial int) int {
	dr := trial % 4
	return dr
}

// handleJoinAccept is called from onRadioRxDone once a frame is
// recognized as a JoinAccept MHDR type while unjoined (spec.md
// §4.3.3's "JoinAccept only while unjoined" rule).
func (d *Device) handleJoinAccept(buf []byte) {
	accepted, err := frame.ParseJoinAccept(buf, d.activation.AppKey, d.activation.DevNonce)
	if err != nil {
		d.log.Warn("mac: join accept rejected", "dev_eui", d.devEUIStr, "error", err)
		d.emit(events.Event{Type: events.RxError})
		d.retryOrFailJoin()
		return
	}

	d.session = Session{
		NetID:   accepted.NetID,
		DevAddr: accepted.DevAddr,
		NwkSKey: accepted.NwkSKey,
		AppSKey: accepted.AppSKey,
	}
	d.joined = true

	d.params.RX1DROffset = accepted.DLSettings.RX1DROffset
	d.params.RX2DataRate = int(accepted.DLSettings.RX2DataRate)
	d.region.SetRX1Offset(int(d.params.RX1DROffset))
	d.region.SetRX2Params(d.params.RX2Frequency, d.params.RX2DataRate)
	if accepted.RxDelay > 0 {
		d.params.RX1Delay = time.Duration(accepted.RxDelay) * time.Second
		d.params.RX2Delay = d.params.RX1Delay + time.Second
	}
	if accepted.CFList != nil {
		_ = d.region.ApplyCFList(accepted.CFList)
	}

	d.haveLastConfirmed = false
	metrics.JoinSuccessTotal.Inc()
	d.enterIdle()
	d.emit(events.Event{Type: events.Connected})
}

func (d *Device) retryOrFailJoin() {
	d.enterIdle()
	d.post(func(dev *Device) { _ = dev.attemptJoin() })
}

// connectABP installs a pre-provisioned session directly, with no radio
// exchange.
func (d *Device) connectABP(devAddr lorawan.DevAddr, nwkSKey, appSKey lorawan.AES128Key) error {
	if !d.state.has(StateIdle) {
		return ErrBusy
	}
	d.session = Session{DevAddr: devAddr, NwkSKey: nwkSKey, AppSKey: appSKey}
	d.joined = true
	d.abp = true
	d.emit(events.Event{Type: events.Connected})
	return nil
}
