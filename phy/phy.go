// Package phy implements the MAC engine's PHY facade (component C5): the
// narrow channel-plan / data-rate / RX-window contract spec.md §4.5
// describes, built on top of github.com/brocaar/lorawan/band.
//
// band.Band already carries the region tables (channel plans, data-rate
// tables, CF-list construction, max payload sizes) a network server
// needs to schedule downlinks for any device in a region. It has no
// notion of a single device's runtime state, though: which channels
// that one device currently has enabled, its duty-cycle clock, or its
// ADR-ACK counter. Facade wraps a band.Band and adds exactly that
// device-local state on top.
package phy

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/band"
)

// Errors returned by Facade methods.
var (
	ErrChannelDisabled  = errors.New("phy: channel disabled")
	ErrInvalidDataRate  = errors.New("phy: invalid data rate for channel")
	ErrNoChannel        = errors.New("phy: no usable channel available")
	ErrDutyCycleBlocked = errors.New("phy: duty cycle backoff in effect")
)

// Param identifies one of the region tunables get_phy_param (spec.md
// §4.5) can return.
type Param int

const (
	ParamDutyCycleEnabled Param = iota
	ParamDefaultTXPower
	ParamDefaultTXDataRate
	ParamMaxRXWindow
	ParamReceiveDelay1
	ParamReceiveDelay2
	ParamJoinAcceptDelay1
	ParamJoinAcceptDelay2
	ParamDefaultRX1Offset
	ParamDefaultRX2Freq
	ParamDefaultRX2DataRate
	ParamMaxEIRP
	ParamMaxFCntGap
	ParamAckTimeout
	ParamDefaultMaxJoinTrials
)

// RxWindowParams is what the radio driver needs to open an RX window.
type RxWindowParams struct {
	Frequency uint32
	DataRate  int
}

// Facade adapts band.Band to a single device's runtime channel plan.
type Facade struct {
	band band.Band

	rng *rand.Rand

	enabledMask map[int]bool // uplink channel index -> enabled, device-local override
	dutyCycleOn bool

	// duty-cycle back-off: per-channel earliest-next-transmit time,
	// computed from time-on-air and the region's duty-cycle fraction.
	backoffUntil map[int]time.Time

	adrAckCounter int
	rx1Offset     int
	rx2Frequency  uint32
	rx2DataRate   int
}

// New builds a Facade for region name (e.g. "EU868", "US915") using the
// given repeater-compatibility and dwell-time settings, exactly the
// knobs band.GetConfig exposes.
func New(name string, repeaterCompatible bool, dwellTime400ms bool, seed int64) (*Facade, error) {
	dt := lorawan.DwellTimeNoLimit
	if dwellTime400ms {
		dt = lorawan.DwellTime400ms
	}

	b, err := band.GetConfig(band.Name(name), repeaterCompatible, dt)
	if err != nil {
		return nil, fmt.Errorf("phy: unsupported region %q: %w", name, err)
	}

	f := &Facade{
		band:         b,
		rng:          rand.New(rand.NewSource(seed)),
		enabledMask:  make(map[int]bool),
		backoffUntil: make(map[int]time.Time),
	}

	defaults := b.GetDefaults()
	f.rx2Frequency = uint32(defaults.RX2Frequency)
	f.rx2DataRate = defaults.RX2DataRate

	for _, idx := range b.GetEnabledUplinkChannelIndices() {
		f.enabledMask[idx] = true
	}

	return f, nil
}

// LoadDefaults (re)initializes the device-local channel mask to the
// band's default enabled channel set, discarding any custom channels
// added since (used before each join attempt and by RemoveChannelPlan).
func (f *Facade) LoadDefaults() {
	f.enabledMask = make(map[int]bool)
	for _, idx := range f.band.GetEnabledUplinkChannelIndices() {
		f.enabledMask[idx] = true
	}
	f.adrAckCounter = 0
	defaults := f.band.GetDefaults()
	f.rx1Offset = 0
	f.rx2Frequency = uint32(defaults.RX2Frequency)
	f.rx2DataRate = defaults.RX2DataRate
}

// GetPhyParam returns one of the region's fixed tunables.
func (f *Facade) GetPhyParam(p Param) (interface{}, error) {
	d := f.band.GetDefaults()
	switch p {
	case ParamDutyCycleEnabled:
		return f.dutyCycleOn, nil
	case ParamDefaultTXPower:
		return 0, nil // region max EIRP step 0, per band.GetTXPowerOffset's convention
	case ParamDefaultTXDataRate:
		return 0, nil // region's slowest, most robust data rate
	case ParamMaxRXWindow:
		return time.Second, nil
	case ParamAckTimeout:
		return 2 * time.Second, nil
	case ParamDefaultMaxJoinTrials:
		return 8, nil
	case ParamReceiveDelay1:
		return d.ReceiveDelay1, nil
	case ParamReceiveDelay2:
		return d.ReceiveDelay2, nil
	case ParamJoinAcceptDelay1:
		return d.JoinAcceptDelay1, nil
	case ParamJoinAcceptDelay2:
		return d.JoinAcceptDelay2, nil
	case ParamDefaultRX1Offset:
		return 0, nil
	case ParamDefaultRX2Freq:
		return d.RX2Frequency, nil
	case ParamDefaultRX2DataRate:
		return d.RX2DataRate, nil
	case ParamMaxEIRP:
		return f.band.GetDefaultMaxUplinkEIRP(), nil
	case ParamMaxFCntGap:
		return d.MaxFCntGap, nil
	default:
		return nil, fmt.Errorf("phy: unknown param %d", p)
	}
}

// SetChannelMask enables exactly the given uplink channel indices,
// mirroring a LinkADRReq/NewChannelReq mask update. The indices are not
// checked against the band's known channels.
func (f *Facade) SetChannelMask(indices []int) {
	f.enabledMask = make(map[int]bool, len(indices))
	for _, idx := range indices {
		f.enabledMask[idx] = true
	}
}

// AddChannel adds a device-local extra channel (EU-style CFList or
// NewChannelReq channel), delegating the region-specific bookkeeping to
// band.Band and enabling it in the device-local mask.
func (f *Facade) AddChannel(index, frequency, minDR, maxDR int) error {
	if err := f.band.AddChannel(frequency, minDR, maxDR); err != nil {
		return fmt.Errorf("phy: add channel: %w", err)
	}
	f.enabledMask[index] = true
	return nil
}

// ApplyCFList enables the extra channels an OTAA join-accept's CF-list
// carries, for bands where GetCFList returns per-channel frequencies
// (EU-style). US/AU-style channel-mask CF-lists are ignored.
func (f *Facade) ApplyCFList(cfList *lorawan.CFList) error {
	if cfList == nil {
		return nil
	}
	if cfList.CFListType != lorawan.CFListChannel {
		return nil
	}
	payload, ok := cfList.Payload.(*lorawan.CFListChannelPayload)
	if !ok {
		return fmt.Errorf("phy: unexpected cf-list payload type %T", cfList.Payload)
	}
	base := len(f.band.GetUplinkChannelIndices())
	for i, freq := range payload.Channels {
		if freq == 0 {
			continue
		}
		if err := f.AddChannel(base+i, int(freq), 0, 5); err != nil {
			return err
		}
	}
	return nil
}

// SetNextChannel picks a random enabled channel usable at dataRate and
// not currently duty-cycle backed off, per spec.md §4.5's
// set_next_channel contract. It returns ErrDutyCycleBlocked if every
// enabled channel is currently backed off.
func (f *Facade) SetNextChannel(dataRate int) (band.Channel, int, error) {
	var candidates []int
	now := time.Now()
	blocked := 0

	for idx, enabled := range f.enabledMask {
		if !enabled {
			continue
		}
		ch, err := f.band.GetUplinkChannel(idx)
		if err != nil {
			continue
		}
		if dataRate < ch.MinDR || dataRate > ch.MaxDR {
			continue
		}
		if until, ok := f.backoffUntil[idx]; ok && now.Before(until) {
			blocked++
			continue
		}
		candidates = append(candidates, idx)
	}

	if len(candidates) == 0 {
		if blocked > 0 {
			return band.Channel{}, 0, ErrDutyCycleBlocked
		}
		return band.Channel{}, 0, ErrNoChannel
	}

	idx := candidates[f.rng.Intn(len(candidates))]
	ch, err := f.band.GetUplinkChannel(idx)
	if err != nil {
		return band.Channel{}, 0, err
	}
	return ch, idx, nil
}

// ApplyDROffset resolves the RX1 data rate for an uplink sent at
// uplinkDR, honoring whatever RX1 offset the network has configured via
// RXParamSetupReq.
func (f *Facade) ApplyDROffset(uplinkDR int) (int, error) {
	return f.band.GetRX1DataRateIndex(uplinkDR, f.rx1Offset)
}

// SetRX1Offset records the RX1 data-rate offset applied to future RX1
// windows (RXParamSetupReq / join-accept DLSettings).
func (f *Facade) SetRX1Offset(offset int) {
	f.rx1Offset = offset
}

// SetRX2Params records the fixed RX2 frequency/data-rate applied to
// future RX2 windows (RXParamSetupReq / join-accept DLSettings).
func (f *Facade) SetRX2Params(frequency uint32, dataRate int) {
	f.rx2Frequency = frequency
	f.rx2DataRate = dataRate
}

// ComputeRxWinParams returns the RX1 and RX2 window parameters for an
// uplink sent on uplinkChannel at uplinkDR.
func (f *Facade) ComputeRxWinParams(uplinkChannelIndex, uplinkDR int) (rx1, rx2 RxWindowParams, err error) {
	rx1ChIdx, err := f.band.GetRX1ChannelIndexForUplinkChannelIndex(uplinkChannelIndex)
	if err != nil {
		return rx1, rx2, fmt.Errorf("phy: rx1 channel: %w", err)
	}
	rx1Ch, err := f.band.GetDownlinkChannel(rx1ChIdx)
	if err != nil {
		return rx1, rx2, fmt.Errorf("phy: rx1 downlink channel: %w", err)
	}
	rx1DR, err := f.band.GetRX1DataRateIndex(uplinkDR, f.rx1Offset)
	if err != nil {
		return rx1, rx2, fmt.Errorf("phy: rx1 data rate: %w", err)
	}

	rx1 = RxWindowParams{Frequency: uint32(rx1Ch.Frequency), DataRate: rx1DR}
	rx2 = RxWindowParams{Frequency: f.rx2Frequency, DataRate: f.rx2DataRate}
	return rx1, rx2, nil
}

// GetNextADR returns the next-lower data rate to fall back to when the
// ADR-ACK counter has exceeded its limit, clamping at 0.
func (f *Facade) GetNextADR(currentDR int) int {
	if currentDR <= 0 {
		return 0
	}
	return currentDR - 1
}

// NoteADRAck increments or resets the ADR-ACK counter, mirroring the
// FCtrl.ADRACKReq bookkeeping spec.md §4.5 assigns to this facade.
func (f *Facade) NoteADRAck(ackReceived bool) int {
	if ackReceived {
		f.adrAckCounter = 0
	} else {
		f.adrAckCounter++
	}
	return f.adrAckCounter
}

// SetBandTxDone records a transmission's time-on-air against the
// channel's duty-cycle clock and arms the backoff window computed from
// the region's duty-cycle fraction (spec.md's calculate_backoff,
// folded into this single call since both operate on the same
// per-channel clock).
func (f *Facade) SetBandTxDone(channelIndex int, timeOnAir time.Duration, dutyCycleFraction float64) {
	if !f.dutyCycleOn || dutyCycleFraction <= 0 {
		return
	}
	backoff := time.Duration(float64(timeOnAir) / dutyCycleFraction)
	f.backoffUntil[channelIndex] = time.Now().Add(backoff)
}

// EnableDutyCycle toggles duty-cycle enforcement (DutyCycleReq).
func (f *Facade) EnableDutyCycle(on bool) {
	f.dutyCycleOn = on
	if !on {
		f.backoffUntil = make(map[int]time.Time)
	}
}

// GetRadioRNG exposes the facade's RNG for components that need a
// region-agnostic random pick. The mac package does not use it: its
// dev-nonce comes from the radio and its ACK-timeout jitter from its
// own seeded source.
func (f *Facade) GetRadioRNG() *rand.Rand {
	return f.rng
}

// Band exposes the underlying band.Band for callers that need region
// operations this facade does not wrap one-for-one (the mac package
// uses it for the maximum payload size of a datarate).
func (f *Facade) Band() band.Band {
	return f.band
}
