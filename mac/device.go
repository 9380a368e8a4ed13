package mac

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/brocaar/lorawan"

	"github.com/loramac/macd/events"
	"github.com/loramac/macd/maccmd"
	"github.com/loramac/macd/phy"
	"github.com/loramac/macd/radio"
	"github.com/loramac/macd/timer"
)

// Timer keys the engine arms through the timer.Service (component C6).
const (
	timerRx1 timer.Key = iota
	timerRx2
	timerAckTimeout
	timerStateCheck
	timerTxDelayed
)

// stateCheckInterval is MAC_STATE_CHECK_TIMEOUT from spec.md §4.3.6.
const stateCheckInterval = time.Second

// job is a single unit of work run on the engine's single consumer
// goroutine — the Go mapping of spec.md §5's single-threaded event
// context, grounded on the teacher's scheduler.Job.Execute/worker
// pattern: producers (radio handlers, timers, the public facade) never
// touch engine state directly, they only enqueue a job.
type job func(d *Device)

// Config carries everything New needs to build a Device.
type Config struct {
	Region *phy.Facade
	Radio  radio.Driver
	Broker *events.Broker

	Class Class

	DevEUI  lorawan.EUI64
	JoinEUI lorawan.EUI64
	AppKey  lorawan.AES128Key

	// ABP activation, used when ABP is true: New then installs this
	// session and the device starts out joined.
	ABPDevAddr lorawan.DevAddr
	ABPNwkSKey lorawan.AES128Key
	ABPAppSKey lorawan.AES128Key
	ABP        bool

	MaxJoinTrials       int
	ConfirmedMsgRetries int
	AckTimeoutJitterMax time.Duration
	MaxFCntGap          uint32

	Seed int64
}

// Device is the MAC engine: C1 dispatcher, C3 state machine, and the
// application-facing facade in one, mirroring the teacher's Device
// struct which plays the same three roles for its simulated node.
type Device struct {
	jobs   chan job
	stopCh chan struct{}
	wg     sync.WaitGroup

	radio   radio.Driver
	region  *phy.Facade
	mcmd    *maccmd.Processor
	timers  *timer.Service
	broker  *events.Broker
	rng     *rand.Rand
	log     *slog.Logger

	class Class
	state State

	joined     bool
	session    Session
	activation Activation
	params     RadioParams
	pipeline   txPipeline

	multicast [MaxMulticast]MulticastEntry

	adrEnabled  bool
	abp         bool
	maxFCntGap  uint32

	compliancePassthrough bool // FPort 224 passthrough toggle, SPEC_FULL §12

	lastDownlinkSNR  float32
	lastDownlinkSeen bool
	batteryLevel     uint8

	lastConfirmedFCntDown uint32
	haveLastConfirmed     bool

	lastDelivered struct {
		port    uint8
		payload []byte
		have    bool
	}

	linkCheckHandler func(margin, gwCount uint8)

	ackTimeoutJitterMax time.Duration

	devEUIStr string
}

// New builds a Device wired to the given radio and region facade. It
// does not start the engine goroutine; call Start.
func New(cfg Config) *Device {
	d := &Device{
		jobs:                make(chan job, 64),
		stopCh:              make(chan struct{}),
		radio:               cfg.Radio,
		region:              cfg.Region,
		mcmd:                maccmd.New(),
		broker:              cfg.Broker,
		rng:                 rand.New(rand.NewSource(cfg.Seed)),
		log:                 slog.Default(),
		class:               cfg.Class,
		state:               StateIdle,
		activation:          Activation{DevEUI: cfg.DevEUI, JoinEUI: cfg.JoinEUI, AppKey: cfg.AppKey},
		abp:                 cfg.ABP,
		adrEnabled:          true,
		maxFCntGap:          cfg.MaxFCntGap,
		batteryLevel:        255, // "cannot measure" per DevStatusAns convention
		devEUIStr:           cfg.DevEUI.String(),
	}
	if d.maxFCntGap == 0 {
		d.maxFCntGap = 16384
	}

	d.pipeline.ackRetriesLimit = cfg.ConfirmedMsgRetries
	if d.pipeline.ackRetriesLimit <= 0 {
		d.pipeline.ackRetriesLimit = 1
	}
	d.pipeline.maxJoinTrials = cfg.MaxJoinTrials
	if d.pipeline.maxJoinTrials <= 0 {
		d.pipeline.maxJoinTrials = 8
	}

	ackJitter := cfg.AckTimeoutJitterMax
	if ackJitter <= 0 {
		ackJitter = 3 * time.Second
	}
	d.ackTimeoutJitterMax = ackJitter

	if cfg.ABP {
		d.joined = true
		d.session = Session{
			DevAddr: cfg.ABPDevAddr,
			NwkSKey: cfg.ABPNwkSKey,
			AppSKey: cfg.ABPAppSKey,
		}
	}

	d.loadDefaultRadioParams()

	d.timers = timer.New(func(k timer.Key) {
		d.post(func(dev *Device) { dev.onTimer(k) })
	})

	d.radio.SetHandlers(radio.Handlers{
		TxDone:    func() { d.post(func(dev *Device) { dev.onRadioTxDone() }) },
		TxTimeout: func() { d.post(func(dev *Device) { dev.onRadioTxTimeout() }) },
		RxDone: func(payload []byte, rssi int, snr float32) {
			d.post(func(dev *Device) { dev.onRadioRxDone(payload, rssi, snr) })
		},
		RxTimeout: func() { d.post(func(dev *Device) { dev.onRadioRxTimeout() }) },
		RxError:   func() { d.post(func(dev *Device) { dev.onRadioRxError() }) },
	})

	return d
}

// Start launches the engine's single consumer goroutine.
func (d *Device) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop halts the engine goroutine; jobs still queued are not run. It
// does not emit Disconnected; call Disconnect first if that event matters to the
// embedder.
func (d *Device) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *Device) run() {
	defer d.wg.Done()
	for {
		select {
		case j := <-d.jobs:
			j(d)
		case <-d.stopCh:
			return
		}
	}
}

// post enqueues a job, dropping it (with a log warning) if the engine's
// queue is saturated, matching the teacher scheduler's drop-under-
// backpressure policy rather than blocking the caller indefinitely.
func (d *Device) post(j job) {
	select {
	case d.jobs <- j:
	default:
		d.log.Warn("mac: event queue full, dropping job", "dev_eui", d.devEUIStr)
	}
}

// call posts a job and blocks the caller until it replies, the pattern
// every synchronous facade method (Send, Connect, ...) uses to get a
// Busy/ParameterInvalid-style answer without touching engine state off
// the single consumer goroutine.
func (d *Device) call(fn func(dev *Device) error) error {
	reply := make(chan error, 1)
	d.post(func(dev *Device) { reply <- fn(dev) })
	return <-reply
}

func (d *Device) loadDefaultRadioParams() {
	dr, _ := d.region.GetPhyParam(phy.ParamDefaultTXDataRate)
	if v, ok := dr.(int); ok {
		d.params.DataRate = v
	}
	rx1, _ := d.region.GetPhyParam(phy.ParamReceiveDelay1)
	if v, ok := rx1.(time.Duration); ok {
		d.params.RX1Delay = v
	}
	rx2, _ := d.region.GetPhyParam(phy.ParamReceiveDelay2)
	if v, ok := rx2.(time.Duration); ok {
		d.params.RX2Delay = v
	}
	ja1, _ := d.region.GetPhyParam(phy.ParamJoinAcceptDelay1)
	if v, ok := ja1.(time.Duration); ok {
		d.params.JoinAcceptDelay1 = v
	}
	ja2, _ := d.region.GetPhyParam(phy.ParamJoinAcceptDelay2)
	if v, ok := ja2.(time.Duration); ok {
		d.params.JoinAcceptDelay2 = v
	}
	rx2f, _ := d.region.GetPhyParam(phy.ParamDefaultRX2Freq)
	if v, ok := rx2f.(int); ok {
		d.params.RX2Frequency = uint32(v)
	}
	rx2dr, _ := d.region.GetPhyParam(phy.ParamDefaultRX2DataRate)
	if v, ok := rx2dr.(int); ok {
		d.params.RX2DataRate = v
	}
	eirp, _ := d.region.GetPhyParam(phy.ParamMaxEIRP)
	if v, ok := eirp.(int); ok {
		d.params.MaxEIRP = uint8(v)
	}
	d.region.SetRX2Params(d.params.RX2Frequency, d.params.RX2DataRate)
}

func (d *Device) emit(ev events.Event) {
	ev.DevEUI = d.devEUIStr
	if d.broker != nil {
		d.broker.Publish(ev)
	}
}

func (d *Device) enterIdle() {
	d.state = StateIdle
	d.timers.Cancel(timerAckTimeout)
	d.timers.Cancel(timerStateCheck)
}
