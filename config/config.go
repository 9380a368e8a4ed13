// Package config loads the JSON configuration for the macd harness.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/loramac/macd/logging"
)

// RegionConfig selects and tunes the PHY facade's region policy.
type RegionConfig struct {
	Name               string `json:"name"`               // EU868, US915, CN779, AS923, ...
	RepeaterCompatible bool   `json:"repeaterCompatible"`
	DwellTime400ms     bool   `json:"dwellTime400ms"`
}

// ActivationConfig carries whichever of OTAA/ABP inputs are present.
type ActivationConfig struct {
	Mode    string `json:"mode"` // "otaa" or "abp"
	DevEUI  string `json:"devEui"`
	JoinEUI string `json:"joinEui"`
	AppKey  string `json:"appKey"`
	DevAddr string `json:"devAddr"`
	NwkSKey string `json:"nwkSKey"`
	AppSKey string `json:"appSKey"`
}

// TimingConfig overrides the MAC engine's default timing constants.
type TimingConfig struct {
	MaxJoinTrials        int           `json:"maxJoinTrials"`
	ConfirmedMsgRetries  int           `json:"confirmedMsgRetries"`
	StateCheckInterval   time.Duration `json:"stateCheckInterval"` // not applied: the engine's state-check interval is a fixed 1s
	AckTimeoutJitterMaxMs int          `json:"ackTimeoutJitterMaxMs"`
}

// HTTPConfig drives the introspection harness.
type HTTPConfig struct {
	Address     string `json:"address"`
	Port        int    `json:"port"`
	MetricsPort int    `json:"metricsPort"`
}

// Config is the root of the on-disk JSON configuration file.
type Config struct {
	Verbose    bool             `json:"verbose"`
	Logging    logging.Config   `json:"logging"`
	Region     RegionConfig     `json:"region"`
	Activation ActivationConfig `json:"activation"`
	Timing     TimingConfig     `json:"timing"`
	HTTP       HTTPConfig       `json:"http"`
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
	}
	return cfg, nil
}
