// Package mac implements the LoRaWAN Class A/C MAC engine: the event
// dispatcher (C1), the uplink/RX-window/retry state machine (C3), and
// the outer application-facing facade, composed with a frame codec
// (package frame), a region PHY facade (package phy), a MAC command
// processor (package maccmd), a radio driver (package radio) and a
// timer service (package timer).
package mac

import (
	"time"

	"github.com/brocaar/lorawan"
)

// State is the MAC engine's state word, a bitset: several bits can be
// set at once (e.g. TX_CONFIG during TX_RUNNING).
type State uint16

const (
	StateIdle State = 1 << iota
	StateTxRunning
	StateRx
	StateTxDelayed
	StateAckReq
	StateRxAbort
	StateTxConfig
)

func (s State) has(bit State) bool { return s&bit != 0 }

// Mode selects the uplink type requested by the application.
type Mode int

const (
	Unconfirmed Mode = iota
	Confirmed
	Proprietary
)

// Class selects Class A (RX1/RX2 only after an uplink) or Class C
// (continuous RX2 between uplinks). Class B is a declared non-goal.
type Class int

const (
	ClassA Class = iota
	ClassC
)

// MaxMulticast bounds the multicast registry (spec.md §9's "linked list
// of multicast sessions" redesign flag: a fixed-capacity indexed table,
// never an intrusive list).
const MaxMulticast = 4

// MulticastEntry is one registered multicast group. FCntDown advances
// with each accepted group downlink; removing a group zeroes its whole
// slot, keys included, so the slot can be reused.
type MulticastEntry struct {
	GroupID  uint8
	DevAddr  lorawan.DevAddr
	NwkSKey  lorawan.AES128Key
	AppSKey  lorawan.AES128Key
	FCntDown uint32
	Active   bool
}

// Session is the per-join activation state (spec.md §3 "Session
// state"), reset only by a fresh join-accept or ABP activation.
type Session struct {
	NetID         lorawan.NetID
	DevAddr       lorawan.DevAddr
	NwkSKey       lorawan.AES128Key
	AppSKey       lorawan.AES128Key
	FCntUp        uint32
	FCntDown      uint32
	ADRAckCounter int
}

// Activation is the OTAA join material, meaningful only until join
// completion (spec.md §3 "Activation inputs").
type Activation struct {
	DevEUI   lorawan.EUI64
	JoinEUI  lorawan.EUI64
	AppKey   lorawan.AES128Key
	DevNonce lorawan.DevNonce
}

// RadioParams are the tunables MAC commands and join-accept mutate
// (spec.md §3 "Radio parameters").
type RadioParams struct {
	DataRate          int
	TXPower           int
	RX1DROffset       uint8
	RX2Frequency      uint32
	RX2DataRate       int
	RX1Delay          time.Duration
	RX2Delay          time.Duration
	JoinAcceptDelay1  time.Duration
	JoinAcceptDelay2  time.Duration
	MaxEIRP           uint8
	MaxDutyCycle      uint8 // 255 == device off, per DutyCycleReq
	UplinkDwell400ms  bool
	DownlinkDwell400ms bool
}

// JoinState is the subset of activation state worth persisting across a
// process restart: see Device.JoinState.
type JoinState struct {
	DevNonce lorawan.DevNonce
	Joined   bool
	Session  Session
}

// txPipeline is the in-flight transmission bookkeeping (spec.md §3
// "Transmit pipeline state").
type txPipeline struct {
	lastChannel     int
	lastTxTime      time.Time
	lastTxWasJoin   bool
	timeOnAir       time.Duration
	ackRetries      int
	ackRetriesLimit int
	joinTrial       int
	maxJoinTrials   int

	mode       Mode
	port       uint8
	payload    []byte
	bufferedAt time.Time
}
