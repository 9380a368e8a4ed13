// Package radio defines the narrow capability set the MAC engine consumes
// from a radio driver (spec §6 "Radio driver capability set"). The MAC
// never talks to silicon directly; it only ever calls through this
// interface, which keeps the engine board-independent and lets tests
// substitute Simulated for real hardware.
package radio

import "time"

// TxParams describes a single transmission.
type TxParams struct {
	Frequency    uint32
	DataRate     int
	Power        int
	Preamble     int
	CRC          bool
	IQInverted   bool
	FreqHopping  bool
	HopPeriod    int
	MaxPacketLen int
}

// RxParams describes how a receive window should be configured.
type RxParams struct {
	Frequency  uint32
	DataRate   int
	Bandwidth  int
	Continuous bool
	WindowSize time.Duration
	RXContinuousTimeout time.Duration
	Symbols    int
	IQInverted bool
}

// Handlers are the asynchronous completions the radio posts back.
// Every field is optional; a nil handler means the event is dropped.
// Implementations MUST call these from a goroutine other than the one
// invoking Driver methods, never synchronously within Send/RxConfig -
// the MAC engine relies on this to avoid re-entrant state mutation.
type Handlers struct {
	TxDone    func()
	TxTimeout func()
	RxDone    func(payload []byte, rssi int, snr float32)
	RxTimeout func()
	RxError   func()
}

// Driver is the capability set spec.md §6 grants the MAC engine.
type Driver interface {
	SetHandlers(h Handlers)

	Sleep()
	Standby()

	// TxConfig configures the radio for an upcoming Send and reports the
	// effective output power and computed time-on-air for the frame
	// length implied by the caller's subsequent Send call.
	TxConfig(params TxParams, payloadLen int) (power int, timeOnAir time.Duration, err error)

	// RxConfig configures the radio for a receive window and reports
	// whether the requested parameters are supported.
	RxConfig(params RxParams) (effectiveDataRate int, ok bool)

	// Send hands a fully built PHY payload to the radio for
	// transmission. Completion is reported via Handlers.TxDone /
	// TxTimeout, never synchronously.
	Send(payload []byte) error

	// SetupRxWindow opens the window configured by the last RxConfig
	// call, for maxWindow (one-shot) or indefinitely (continuous).
	SetupRxWindow(continuous bool, maxWindow time.Duration)

	SetPublicNetwork(public bool)

	RandomUint32() uint32

	SetupTxContinuousWave(freq uint32, power int, timeout time.Duration)
}
