// Package events carries the MAC engine's application-facing indications
// and confirmations (spec §6 "Application events") out to anything
// embedding the engine: a CLI harness, an HTTP introspection endpoint, a
// higher-level session façade's own callback registry.
package events

import "time"

// Type enumerates the application-facing events the façade emits.
// At most one is in flight at a time per spec §6.
type Type string

const (
	Connected       Type = "connected"
	Disconnected    Type = "disconnected"
	TxDone          Type = "tx_done"
	TxTimeout       Type = "tx_timeout"
	TxError         Type = "tx_error"
	TxCryptoError   Type = "tx_crypto_error"
	RxDone          Type = "rx_done"
	RxTimeout       Type = "rx_timeout"
	RxError         Type = "rx_error"
	JoinFailed      Type = "join_failed"
	UplinkRequired  Type = "uplink_required"
	AutomaticUplink Type = "automatic_uplink"
	ScheduleUplink  Type = "schedule_uplink"
	MacCommand      Type = "mac_command"
	Status          Type = "status"
	Error           Type = "error"
)

// Event is a single application-facing notification.
type Event struct {
	ID        string            `json:"id"`
	Time      time.Time         `json:"time"`
	DevEUI    string            `json:"devEui"`
	Type      Type              `json:"type"`
	FCnt      *uint32           `json:"fCnt,omitempty"`
	FPort     *uint8            `json:"fPort,omitempty"`
	DataRate  *int              `json:"dataRate,omitempty"`
	Frequency *uint32           `json:"frequency,omitempty"`
	RSSI      *int              `json:"rssi,omitempty"`
	SNR       *float32          `json:"snr,omitempty"`
	Payload   []byte            `json:"payload,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

func Topic(devEUI string) string { return "device:" + devEUI }

const ErrorsTopic = "errors"
