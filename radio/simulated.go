package radio

import (
	"math/rand"
	"sync"
	"time"
)

// downlinkFrame is a queued inbound frame waiting to be delivered during
// the next open receive window.
type downlinkFrame struct {
	payload []byte
	rssi    int
	snr     float32
}

// inboundQueue is a small bounded channel wrapper that drops the oldest
// queued frame on overflow, the same backpressure policy the pack's
// channel-backed uplink buffer uses between device and gateway.
type inboundQueue struct {
	ch chan downlinkFrame
}

func newInboundQueue(size int) *inboundQueue {
	if size <= 0 {
		size = 16
	}
	return &inboundQueue{ch: make(chan downlinkFrame, size)}
}

func (q *inboundQueue) push(f downlinkFrame) {
	select {
	case q.ch <- f:
	default:
		select {
		case <-q.ch:
		default:
		}
		q.ch <- f
	}
}

// Simulated is an in-memory loopback radio used by tests and by the
// cmd/macd harness in place of real silicon. It never talks to an actual
// transceiver: Send() records the frame for inspection and schedules a
// TxDone a fixed "time on air" later, and downlinks queued via Inject are
// delivered the next time a receive window is open for them.
type Simulated struct {
	mu       sync.Mutex
	handlers Handlers
	rng      *rand.Rand

	txTime     time.Duration
	sent       []sentFrame
	rxParams   RxParams
	rxOpen     bool
	rxContinuous bool
	rxTimer    *time.Timer

	inbound *inboundQueue
}

type sentFrame struct {
	payload []byte
	freq    uint32
	dr      int
}

// NewSimulated builds a Simulated radio. txTime is the fixed time-on-air
// reported for every frame; seed drives the RNG behind RandomUint32 so
// tests can reproduce dev-nonce generation deterministically.
func NewSimulated(txTime time.Duration, seed int64) *Simulated {
	return &Simulated{
		txTime:  txTime,
		rng:     rand.New(rand.NewSource(seed)),
		inbound: newInboundQueue(16),
	}
}

func (s *Simulated) SetHandlers(h Handlers) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = h
}

func (s *Simulated) Sleep()   {}
func (s *Simulated) Standby() {}

func (s *Simulated) TxConfig(params TxParams, payloadLen int) (int, time.Duration, error) {
	return params.Power, s.txTime, nil
}

func (s *Simulated) RxConfig(params RxParams) (int, bool) {
	s.mu.Lock()
	s.rxParams = params
	s.mu.Unlock()
	return params.DataRate, true
}

func (s *Simulated) Send(payload []byte) error {
	s.mu.Lock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.sent = append(s.sent, sentFrame{payload: cp})
	done := s.handlers.TxDone
	s.mu.Unlock()

	if done != nil {
		time.AfterFunc(s.txTime, done)
	}
	return nil
}

func (s *Simulated) SetupRxWindow(continuous bool, maxWindow time.Duration) {
	s.mu.Lock()
	s.rxOpen = true
	s.rxContinuous = continuous
	params := s.rxParams
	if s.rxTimer != nil {
		s.rxTimer.Stop()
	}
	s.mu.Unlock()

	go s.listen(params, continuous, maxWindow)
}

func (s *Simulated) listen(params RxParams, continuous bool, maxWindow time.Duration) {
	var deadline <-chan time.Time
	if !continuous {
		t := time.NewTimer(maxWindow)
		defer t.Stop()
		deadline = t.C
	}

	select {
	case frame := <-s.inbound.ch:
		s.mu.Lock()
		wasOpen := s.rxOpen
		s.rxOpen = false
		h := s.handlers.RxDone
		s.mu.Unlock()
		if wasOpen && h != nil {
			h(frame.payload, frame.rssi, frame.snr)
		}
	case <-deadline:
		s.mu.Lock()
		wasOpen := s.rxOpen
		s.rxOpen = false
		h := s.handlers.RxTimeout
		s.mu.Unlock()
		if wasOpen && h != nil {
			h()
		}
	}
}

func (s *Simulated) SetPublicNetwork(bool) {}

func (s *Simulated) RandomUint32() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Uint32()
}

func (s *Simulated) SetupTxContinuousWave(freq uint32, power int, timeout time.Duration) {}

// Inject queues a downlink payload for delivery the next time a receive
// window is open. It is the test/harness-side stand-in for "a gateway
// transmitted this".
func (s *Simulated) Inject(payload []byte, rssi int, snr float32) {
	s.inbound.push(downlinkFrame{payload: payload, rssi: rssi, snr: snr})
}

// Sent returns the frames handed to Send so far, for test assertions.
func (s *Simulated) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	for i, f := range s.sent {
		out[i] = f.payload
	}
	return out
}
