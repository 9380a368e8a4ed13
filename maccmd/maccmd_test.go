package maccmd

import (
	"testing"
	"time"

	"github.com/brocaar/lorawan"
)

type fakeCallbacks struct {
	linkADRCalled   bool
	dutyCycleMax    uint8
	rxParamCalled   bool
	battery         uint8
	margin          int8
	newChannelIndex uint8
	rxTimingDelay   uint8
	txParamCalled   bool
	dlChannelIndex  uint8
	deviceTime      time.Time
	linkCheckMargin uint8
	linkCheckGwCnt  uint8
}

func (f *fakeCallbacks) ApplyLinkADR(dataRate, txPower int, chMask [16]bool, chMaskCntl, nbTrans uint8) (bool, bool, bool) {
	f.linkADRCalled = true
	return true, true, true
}
func (f *fakeCallbacks) EnableDutyCycle(maxDCycle uint8) { f.dutyCycleMax = maxDCycle }
func (f *fakeCallbacks) ApplyRXParamSetup(frequency uint32, rx1DROffset, rx2DataRate uint8) (bool, bool, bool) {
	f.rxParamCalled = true
	return true, true, true
}
func (f *fakeCallbacks) BatteryLevel() uint8        { return f.battery }
func (f *fakeCallbacks) LastDownlinkMargin() int8   { return f.margin }
func (f *fakeCallbacks) AddChannel(chIndex uint8, freq uint32, minDR, maxDR uint8) (bool, bool) {
	f.newChannelIndex = chIndex
	return true, true
}
func (f *fakeCallbacks) ApplyRXTimingSetup(delay uint8) { f.rxTimingDelay = delay }
func (f *fakeCallbacks) ApplyTXParamSetup(downlinkDwell, uplinkDwell bool, maxEIRP uint8) {
	f.txParamCalled = true
}
func (f *fakeCallbacks) ApplyDLChannel(chIndex uint8, freq uint32) (bool, bool) {
	f.dlChannelIndex = chIndex
	return true, true
}
func (f *fakeCallbacks) NoteDeviceTime(t time.Time)     { f.deviceTime = t }
func (f *fakeCallbacks) NoteLinkCheck(margin, gwCnt uint8) {
	f.linkCheckMargin = margin
	f.linkCheckGwCnt = gwCnt
}

func marshalCmd(t *testing.T, mc *lorawan.MACCommand) []byte {
	t.Helper()
	b, err := mc.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestRequestLinkCheckQueuesOneShot(t *testing.T) {
	p := New()
	p.RequestLinkCheck()

	fopts, err := p.PendingFOpts()
	if err != nil {
		t.Fatalf("PendingFOpts: %v", err)
	}
	if len(fopts) != 1 || fopts[0] != byte(lorawan.LinkCheckReq) {
		t.Fatalf("fopts = %x, want single LinkCheckReq byte", fopts)
	}

	p.ClearOneShot()
	fopts, err = p.PendingFOpts()
	if err != nil {
		t.Fatalf("PendingFOpts: %v", err)
	}
	if len(fopts) != 0 {
		t.Fatalf("expected empty fopts after clear, got %x", fopts)
	}
}

func TestHandleLinkCheckAns(t *testing.T) {
	p := New()
	cb := &fakeCallbacks{}
	raw := marshalCmd(t, &lorawan.MACCommand{
		CID:     lorawan.LinkCheckAns,
		Payload: &lorawan.LinkCheckAnsPayload{Margin: 20, GwCnt: 3},
	})
	if err := p.HandleDownlinkFOpts(raw, cb); err != nil {
		t.Fatalf("HandleDownlinkFOpts: %v", err)
	}
	if cb.linkCheckMargin != 20 || cb.linkCheckGwCnt != 3 {
		t.Fatalf("got margin=%d gwCnt=%d, want 20,3", cb.linkCheckMargin, cb.linkCheckGwCnt)
	}
}

func TestHandleRXParamSetupReqQueuesStickyAns(t *testing.T) {
	p := New()
	cb := &fakeCallbacks{}
	raw := marshalCmd(t, &lorawan.MACCommand{
		CID: lorawan.RXParamSetupReq,
		Payload: &lorawan.RXParamSetupReqPayload{
			Frequency:  868100000,
			DLSettings: lorawan.DLSettings{RX2DataRate: 0, RX1DROffset: 0},
		},
	})
	if err := p.HandleDownlinkFOpts(raw, cb); err != nil {
		t.Fatalf("HandleDownlinkFOpts: %v", err)
	}
	if !cb.rxParamCalled {
		t.Fatal("expected ApplyRXParamSetup to be called")
	}

	fopts, err := p.PendingFOpts()
	if err != nil {
		t.Fatalf("PendingFOpts: %v", err)
	}
	if len(fopts) == 0 {
		t.Fatal("expected sticky RXParamSetupAns queued")
	}

	// a second uplink without an intervening downlink must still carry it.
	fopts2, err := p.PendingFOpts()
	if err != nil {
		t.Fatalf("PendingFOpts: %v", err)
	}
	if len(fopts2) != len(fopts) {
		t.Fatal("sticky command should survive repeated PendingFOpts calls")
	}

	p.ClearStickyOnDownlink()
	fopts3, err := p.PendingFOpts()
	if err != nil {
		t.Fatalf("PendingFOpts: %v", err)
	}
	if len(fopts3) != 0 {
		t.Fatalf("expected sticky command cleared after downlink receipt, got %x", fopts3)
	}
}

func TestHandleLinkADRReqQueuesAns(t *testing.T) {
	p := New()
	cb := &fakeCallbacks{}
	raw := marshalCmd(t, &lorawan.MACCommand{
		CID: lorawan.LinkADRReq,
		Payload: &lorawan.LinkADRReqPayload{
			DataRate: 3,
			TXPower:  1,
			ChMask:   lorawan.ChMask{true},
			Redundancy: lorawan.Redundancy{
				ChMaskCntl: 0,
				NbRep:      1,
			},
		},
	})
	if err := p.HandleDownlinkFOpts(raw, cb); err != nil {
		t.Fatalf("HandleDownlinkFOpts: %v", err)
	}
	if !cb.linkADRCalled {
		t.Fatal("expected ApplyLinkADR to be called")
	}
	fopts, err := p.PendingFOpts()
	if err != nil {
		t.Fatalf("PendingFOpts: %v", err)
	}
	if len(fopts) == 0 {
		t.Fatal("expected LinkADRAns queued as one-shot")
	}
}

func TestClampMargin(t *testing.T) {
	cases := []struct {
		raw  int
		want int8
	}{
		{raw: 0, want: 0},
		{raw: 31, want: 31},
		{raw: 32, want: 31},
		{raw: -32, want: -32},
		{raw: -40, want: -32},
	}
	for _, c := range cases {
		if got := ClampMargin(c.raw); got != c.want {
			t.Errorf("ClampMargin(%d) = %d, want %d", c.raw, got, c.want)
		}
	}
}
