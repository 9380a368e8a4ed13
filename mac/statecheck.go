package mac

import (
	"time"

	"github.com/loramac/macd/events"
	"github.com/loramac/macd/metrics"
)

// onAckTimeout escalates a confirmed uplink's retransmission, per
// spec.md §4.3.4. Every second retry drops the datarate one step;
// retransmission stops once the retry budget is exhausted.
func (d *Device) onAckTimeout() {
	if !d.state.has(StateAckReq) {
		return
	}

	d.pipeline.ackRetries++
	metrics.AckRetries.Inc()

	if d.pipeline.ackRetries >= d.pipeline.ackRetriesLimit {
		d.state &^= StateAckReq
		d.enterIdle()
		d.emit(events.Event{Type: events.TxTimeout})
		return
	}

	if d.pipeline.ackRetries%2 == 0 {
		d.params.DataRate = d.region.GetNextADR(d.params.DataRate)
	}

	d.state = StateIdle
	if err := d.scheduleDataUp(); err != nil {
		d.enterIdle()
		d.emit(events.Event{Type: events.TxError})
	}
}

// onStateCheck is the MAC-state-check handler (spec.md §4.3.6). It
// tears down a stuck TX_RUNNING/RX_ABORT, starts the next join trial
// (or emits JoinFailed) when a join request's receive window ended
// without an accept, and re-arms itself while any work remains
// outstanding.
func (d *Device) onStateCheck() {
	start := time.Now()
	defer func() { metrics.StateCheckDuration.Observe(time.Since(start).Seconds()) }()

	metrics.EngineState.Set(float64(d.state))

	if d.state.has(StateRxAbort) {
		d.state &^= StateRxAbort
		if !d.state.has(StateAckReq) {
			d.enterIdle()
		}
		if d.pipeline.lastTxWasJoin && !d.joined {
			d.retryOrFailJoin()
			return
		}
	}

	if d.state.has(StateTxRunning) {
		// the radio never reported TxDone/TxTimeout before this pass —
		// force a fail-closed return to IDLE, per spec.md §5's
		// cancellation/timeout guarantee.
		d.state = StateIdle
		d.emit(events.Event{Type: events.TxTimeout})
		return
	}

	if d.state != StateIdle && d.state.has(StateAckReq) {
		d.timers.Arm(timerStateCheck, stateCheckInterval)
	}
}
