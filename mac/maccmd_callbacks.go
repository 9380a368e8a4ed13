package mac

import (
	"time"

	"github.com/loramac/macd/maccmd"
	"github.com/loramac/macd/metrics"
)

// Device implements maccmd.Callbacks, the narrow set of state mutations
// C4's dispatched requests need from C3/C5. Every method here runs on
// the engine's single consumer goroutine (called from
// Processor.HandleDownlinkFOpts, itself only ever invoked from
// onRadioRxDone).
var _ maccmd.Callbacks = (*Device)(nil)

func (d *Device) ApplyLinkADR(dataRate, txPower int, chMask [16]bool, chMaskCntl, nbTrans uint8) (chMaskACK, dataRateACK, txPowerACK bool) {
	metrics.MacCommandsReceived.WithLabelValues("LinkADRReq").Inc()

	indices := make([]int, 0, 16)
	for i, enabled := range chMask {
		if enabled {
			indices = append(indices, i)
		}
	}
	if len(indices) == 0 && chMaskCntl == 0 {
		return false, true, true
	}
	d.region.SetChannelMask(indices)

	d.params.DataRate = dataRate
	d.params.TXPower = txPower
	if nbTrans > 0 {
		d.pipeline.ackRetriesLimit = int(nbTrans)
	}
	return true, true, true
}

func (d *Device) EnableDutyCycle(maxDCycle uint8) {
	metrics.MacCommandsReceived.WithLabelValues("DutyCycleReq").Inc()
	d.params.MaxDutyCycle = maxDCycle
	d.region.EnableDutyCycle(maxDCycle != 0 && maxDCycle != 255)
}

func (d *Device) ApplyRXParamSetup(frequency uint32, rx1DROffset, rx2DataRate uint8) (channelACK, rx2DataRateACK, rx1DROffsetACK bool) {
	metrics.MacCommandsReceived.WithLabelValues("RXParamSetupReq").Inc()
	d.params.RX1DROffset = rx1DROffset
	d.params.RX2DataRate = int(rx2DataRate)
	d.params.RX2Frequency = frequency
	d.region.SetRX1Offset(int(rx1DROffset))
	d.region.SetRX2Params(frequency, int(rx2DataRate))
	return true, true, true
}

func (d *Device) BatteryLevel() uint8 {
	return d.batteryLevel
}

func (d *Device) LastDownlinkMargin() int8 {
	if !d.lastDownlinkSeen {
		return 0
	}
	return maccmd.ClampMargin(int(d.lastDownlinkSNR))
}

func (d *Device) AddChannel(chIndex uint8, freq uint32, minDR, maxDR uint8) (dataRateRangeOK, channelFrequencyOK bool) {
	metrics.MacCommandsReceived.WithLabelValues("NewChannelReq").Inc()
	if err := d.region.AddChannel(int(chIndex), int(freq), int(minDR), int(maxDR)); err != nil {
		return false, false
	}
	return true, true
}

func (d *Device) ApplyRXTimingSetup(delay uint8) {
	metrics.MacCommandsReceived.WithLabelValues("RXTimingSetupReq").Inc()
	d.params.RX1Delay = time.Duration(delay) * time.Second
	if d.params.RX1Delay == 0 {
		d.params.RX1Delay = time.Second
	}
	d.params.RX2Delay = d.params.RX1Delay + time.Second
}

func (d *Device) ApplyTXParamSetup(downlinkDwell, uplinkDwell bool, maxEIRP uint8) {
	metrics.MacCommandsReceived.WithLabelValues("TXParamSetupReq").Inc()
	d.params.DownlinkDwell400ms = downlinkDwell
	d.params.UplinkDwell400ms = uplinkDwell
	d.params.MaxEIRP = maxEIRP
}

func (d *Device) ApplyDLChannel(chIndex uint8, freq uint32) (uplinkFreqExists, channelFrequencyOK bool) {
	metrics.MacCommandsReceived.WithLabelValues("DLChannelReq").Inc()
	if err := d.region.AddChannel(int(chIndex), int(freq), 0, 5); err != nil {
		return true, false
	}
	return true, true
}

func (d *Device) NoteDeviceTime(t time.Time) {
	metrics.MacCommandsReceived.WithLabelValues("DeviceTimeAns").Inc()
}

func (d *Device) NoteLinkCheck(margin, gwCnt uint8) {
	metrics.MacCommandsReceived.WithLabelValues("LinkCheckAns").Inc()
	if d.linkCheckHandler != nil {
		d.linkCheckHandler(margin, gwCnt)
	}
}
