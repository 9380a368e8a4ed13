// Package maccmd implements the MAC engine's command processor
// (component C4): accumulating sticky and one-shot MAC commands to
// piggyback on the next uplink, and parsing/actioning commands received
// on a downlink's FOpts.
//
// A command is sticky if the network must hear the answer before the
// device stops repeating it — spec.md §4.4 calls this out for
// RXParamSetupAns and RXTimingSetupAns: the stack keeps queuing the
// answer on every uplink until any downlink arrives, proving the
// network received at least one copy. Everything else is one-shot:
// queued once, sent on the next uplink, then forgotten regardless of
// whether the network acknowledges it.
package maccmd

import (
	"fmt"
	"sync"
	"time"

	"github.com/brocaar/lorawan"
)

// Callbacks is the narrow set of C3/C5 operations a dispatched request
// needs. The mac package's engine implements this against its session
// and phy.Facade; maccmd itself never touches either directly.
type Callbacks interface {
	ApplyLinkADR(dataRate, txPower int, chMask [16]bool, chMaskCntl, nbTrans uint8) (chMaskACK, dataRateACK, txPowerACK bool)
	EnableDutyCycle(maxDCycle uint8)
	ApplyRXParamSetup(frequency uint32, rx1DROffset, rx2DataRate uint8) (channelACK, rx2DataRateACK, rx1DROffsetACK bool)
	BatteryLevel() uint8
	LastDownlinkMargin() int8 // SNR-derived margin, already clamped to [-32, 31]
	AddChannel(chIndex uint8, freq uint32, minDR, maxDR uint8) (dataRateRangeOK, channelFrequencyOK bool)
	ApplyRXTimingSetup(delay uint8)
	ApplyTXParamSetup(downlinkDwell, uplinkDwell bool, maxEIRP uint8)
	ApplyDLChannel(chIndex uint8, freq uint32) (uplinkFreqExists, channelFrequencyOK bool)
	NoteDeviceTime(t time.Time)
	NoteLinkCheck(margin, gwCnt uint8)
}

// Processor accumulates and dispatches MAC commands.
type Processor struct {
	mu      sync.Mutex
	oneShot []lorawan.Payload
	sticky  map[lorawan.CID]lorawan.Payload
}

// New builds an empty Processor.
func New() *Processor {
	return &Processor{sticky: make(map[lorawan.CID]lorawan.Payload)}
}

// RequestLinkCheck queues a LinkCheckReq for the next uplink, the
// application-facing add_link_check_request operation.
func (p *Processor) RequestLinkCheck() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.oneShot = append(p.oneShot, &lorawan.MACCommand{CID: lorawan.LinkCheckReq})
}

// queueOneShot adds an arbitrary one-shot command (used by ApplyLinkADR's
// caller and others that build their own Ans payload).
func (p *Processor) queueOneShot(cmd *lorawan.MACCommand) {
	p.oneShot = append(p.oneShot, cmd)
}

func (p *Processor) queueSticky(cmd *lorawan.MACCommand) {
	p.sticky[cmd.CID] = cmd
}

// PendingFOpts marshals every queued command (sticky first, then
// one-shot) into raw FOpts bytes. It returns all of them, whatever their
// total length; it does not check the 15-byte FOpts budget and does not
// move commands into a port-0 FRMPayload.
func (p *Processor) PendingFOpts() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []byte
	for _, cmd := range p.sticky {
		b, err := cmd.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("maccmd: marshal sticky command: %w", err)
		}
		out = append(out, b...)
	}
	for _, cmd := range p.oneShot {
		mc, ok := cmd.(*lorawan.MACCommand)
		if !ok {
			continue
		}
		b, err := mc.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("maccmd: marshal one-shot command: %w", err)
		}
		out = append(out, b...)
	}
	return out, nil
}

// ClearOneShot drops every one-shot command after it has been sent on
// an uplink. Sticky commands are untouched — they persist until
// ClearStickyOnDownlink runs.
func (p *Processor) ClearOneShot() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.oneShot = nil
}

// ClearStickyOnDownlink drops every sticky command. Called once per
// received downlink (regardless of duplicate status — the network
// hearing any uplink with the sticky Ans attached is what retires it),
// per spec.md §4.4's "until any downlink arrives".
func (p *Processor) ClearStickyOnDownlink() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sticky = make(map[lorawan.CID]lorawan.Payload)
}

// HandleDownlinkFOpts parses and dispatches every MAC command found in
// a downlink's raw FOpts (or port-0 FRMPayload) bytes.
func (p *Processor) HandleDownlinkFOpts(raw []byte, cb Callbacks) error {
	for len(raw) > 0 {
		var mc lorawan.MACCommand
		n, err := p.unmarshalOne(&mc, raw)
		if err != nil {
			return fmt.Errorf("maccmd: parse command: %w", err)
		}
		p.dispatch(mc, cb)
		raw = raw[n:]
	}
	return nil
}

// unmarshalOne decodes a single MAC command from the front of raw and
// reports how many bytes it consumed, using the downlink-direction
// Ans/Req payload shapes (uplink=false).
func (p *Processor) unmarshalOne(mc *lorawan.MACCommand, raw []byte) (int, error) {
	if err := mc.UnmarshalBinary(false, raw); err != nil {
		return 0, err
	}
	b, err := mc.MarshalBinary()
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

func (p *Processor) dispatch(mc lorawan.MACCommand, cb Callbacks) {
	switch mc.CID {
	case lorawan.LinkCheckAns:
		p.handleLinkCheckAns(mc, cb)
	case lorawan.LinkADRReq:
		p.handleLinkADRReq(mc, cb)
	case lorawan.DutyCycleReq:
		p.handleDutyCycleReq(mc, cb)
	case lorawan.RXParamSetupReq:
		p.handleRXParamSetupReq(mc, cb)
	case lorawan.DevStatusReq:
		p.handleDevStatusReq(cb)
	case lorawan.NewChannelReq:
		p.handleNewChannelReq(mc, cb)
	case lorawan.RXTimingSetupReq:
		p.handleRXTimingSetupReq(mc, cb)
	case lorawan.TXParamSetupReq:
		p.handleTXParamSetupReq(mc, cb)
	case lorawan.DLChannelReq:
		p.handleDLChannelReq(mc, cb)
	case lorawan.DeviceTimeAns:
		p.handleDeviceTimeAns(mc, cb)
	}
}

func (p *Processor) handleLinkCheckAns(mc lorawan.MACCommand, cb Callbacks) {
	payload, ok := mc.Payload.(*lorawan.LinkCheckAnsPayload)
	if !ok {
		return
	}
	cb.NoteLinkCheck(payload.Margin, payload.GwCnt)
}

func (p *Processor) handleLinkADRReq(mc lorawan.MACCommand, cb Callbacks) {
	payload, ok := mc.Payload.(*lorawan.LinkADRReqPayload)
	if !ok {
		return
	}
	chMaskACK, dataRateACK, txPowerACK := cb.ApplyLinkADR(
		int(payload.DataRate), int(payload.TXPower),
		[16]bool(payload.ChMask), payload.Redundancy.ChMaskCntl, payload.Redundancy.NbRep,
	)

	p.mu.Lock()
	p.queueOneShot(&lorawan.MACCommand{
		CID: lorawan.LinkADRAns,
		Payload: &lorawan.LinkADRAnsPayload{
			ChannelMaskACK: chMaskACK,
			DataRateACK:    dataRateACK,
			PowerACK:       txPowerACK,
		},
	})
	p.mu.Unlock()
}

func (p *Processor) handleDutyCycleReq(mc lorawan.MACCommand, cb Callbacks) {
	payload, ok := mc.Payload.(*lorawan.DutyCycleReqPayload)
	if !ok {
		return
	}
	cb.EnableDutyCycle(payload.MaxDCycle)

	p.mu.Lock()
	p.queueOneShot(&lorawan.MACCommand{CID: lorawan.DutyCycleAns})
	p.mu.Unlock()
}

func (p *Processor) handleRXParamSetupReq(mc lorawan.MACCommand, cb Callbacks) {
	payload, ok := mc.Payload.(*lorawan.RXParamSetupReqPayload)
	if !ok {
		return
	}
	channelACK, rx2DataRateACK, rx1DROffsetACK := cb.ApplyRXParamSetup(
		payload.Frequency, payload.DLSettings.RX1DROffset, payload.DLSettings.RX2DataRate,
	)

	p.mu.Lock()
	p.queueSticky(&lorawan.MACCommand{
		CID: lorawan.RXParamSetupAns,
		Payload: &lorawan.RXParamSetupAnsPayload{
			ChannelACK:     channelACK,
			RX2DataRateACK: rx2DataRateACK,
			RX1DROffsetACK: rx1DROffsetACK,
		},
	})
	p.mu.Unlock()
}

func (p *Processor) handleDevStatusReq(cb Callbacks) {
	p.mu.Lock()
	p.queueOneShot(&lorawan.MACCommand{
		CID: lorawan.DevStatusAns,
		Payload: &lorawan.DevStatusAnsPayload{
			Battery: cb.BatteryLevel(),
			Margin:  cb.LastDownlinkMargin(),
		},
	})
	p.mu.Unlock()
}

func (p *Processor) handleNewChannelReq(mc lorawan.MACCommand, cb Callbacks) {
	payload, ok := mc.Payload.(*lorawan.NewChannelReqPayload)
	if !ok {
		return
	}
	dataRateRangeOK, channelFrequencyOK := cb.AddChannel(payload.ChIndex, payload.Freq, payload.MinDR, payload.MaxDR)

	p.mu.Lock()
	p.queueOneShot(&lorawan.MACCommand{
		CID: lorawan.NewChannelAns,
		Payload: &lorawan.NewChannelAnsPayload{
			DataRateRangeOK:    dataRateRangeOK,
			ChannelFrequencyOK: channelFrequencyOK,
		},
	})
	p.mu.Unlock()
}

func (p *Processor) handleRXTimingSetupReq(mc lorawan.MACCommand, cb Callbacks) {
	payload, ok := mc.Payload.(*lorawan.RXTimingSetupReqPayload)
	if !ok {
		return
	}
	cb.ApplyRXTimingSetup(payload.Delay)

	p.mu.Lock()
	p.queueSticky(&lorawan.MACCommand{CID: lorawan.RXTimingSetupAns})
	p.mu.Unlock()
}

func (p *Processor) handleTXParamSetupReq(mc lorawan.MACCommand, cb Callbacks) {
	payload, ok := mc.Payload.(*lorawan.TXParamSetupReqPayload)
	if !ok {
		return
	}
	cb.ApplyTXParamSetup(payload.DownlinkDwelltime == lorawan.DwellTime400ms, payload.UplinkDwellTime == lorawan.DwellTime400ms, payload.MaxEIRP)

	p.mu.Lock()
	p.queueOneShot(&lorawan.MACCommand{CID: lorawan.TXParamSetupAns})
	p.mu.Unlock()
}

func (p *Processor) handleDLChannelReq(mc lorawan.MACCommand, cb Callbacks) {
	payload, ok := mc.Payload.(*lorawan.DLChannelReqPayload)
	if !ok {
		return
	}
	uplinkFreqExists, channelFrequencyOK := cb.ApplyDLChannel(payload.ChIndex, payload.Freq)

	p.mu.Lock()
	p.queueOneShot(&lorawan.MACCommand{
		CID: lorawan.DLChannelAns,
		Payload: &lorawan.DLChannelAnsPayload{
			UplinkFrequencyExists: uplinkFreqExists,
			ChannelFrequencyOK:    channelFrequencyOK,
		},
	})
	p.mu.Unlock()
}

func (p *Processor) handleDeviceTimeAns(mc lorawan.MACCommand, cb Callbacks) {
	payload, ok := mc.Payload.(*lorawan.DeviceTimeAnsPayload)
	if !ok {
		return
	}
	gpsEpoch := time.Date(1980, time.January, 6, 0, 0, 0, 0, time.UTC)
	cb.NoteDeviceTime(gpsEpoch.Add(payload.TimeSinceGPSEpoch))
}

// ClampMargin clamps a raw SNR-derived margin estimate into the signed
// 6-bit range [-32, 31] LoRaWAN's DevStatusAns defines, per
// SPEC_FULL.md's supplemented DevStatusAns behavior.
func ClampMargin(raw int) int8 {
	if raw < -32 {
		return -32
	}
	if raw > 31 {
		return 31
	}
	return int8(raw)
}
