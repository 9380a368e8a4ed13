// Command macd runs a single simulated LoRaWAN Class A/C end device:
// the MAC engine, its region PHY facade and simulated radio, an
// optional JavaScript application payload codec, and the httpapi
// introspection server.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/brocaar/lorawan"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loramac/macd/appcodec"
	"github.com/loramac/macd/config"
	"github.com/loramac/macd/events"
	"github.com/loramac/macd/httpapi"
	"github.com/loramac/macd/logging"
	"github.com/loramac/macd/mac"
	"github.com/loramac/macd/phy"
	"github.com/loramac/macd/radio"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the macd JSON configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	logging.Setup(cfg.Logging)
	slog.Info("macd starting")

	region, err := phy.New(cfg.Region.Name, cfg.Region.RepeaterCompatible, cfg.Region.DwellTime400ms, time.Now().UnixNano())
	if err != nil {
		log.Fatalf("phy.New: %v", err)
	}

	sim := radio.NewSimulated(50*time.Millisecond, time.Now().UnixNano())
	broker := events.NewBroker(256)

	devCfg, err := deviceConfig(cfg, region, sim, broker)
	if err != nil {
		log.Fatal(err)
	}

	dev := mac.New(devCfg.Config)
	dev.Start()
	defer dev.Stop()

	var codecRuntime *appcodec.Runtime
	if path := os.Getenv("MACD_CODEC_SCRIPT"); path != "" {
		body, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("reading codec script %s: %v", path, err)
		}
		script := appcodec.NewScript(path, string(body))
		codecRuntime, err = appcodec.NewRuntime(script, 4, 200*time.Millisecond)
		if err != nil {
			log.Fatalf("invalid codec script %s: %v", path, err)
		}
	}

	switch devCfg.Activation() {
	case "otaa":
		if err := dev.Connect(); err != nil {
			slog.Error("initial join request failed", "error", err)
		}
	case "abp":
		if err := dev.ConnectABP(devCfg.ABPDevAddrValue, devCfg.ABPNwkSKeyValue, devCfg.ABPAppSKeyValue); err != nil {
			slog.Error("ABP activation failed", "error", err)
		}
	}

	go serveMetrics(cfg.HTTP.Address, cfg.HTTP.MetricsPort)

	server := httpapi.New(cfg.HTTP.Address, cfg.HTTP.Port, dev, broker, codecRuntime)
	slog.Info("httpapi listening", "address", server.Address, "port", server.Port)
	if err := server.Run(); err != nil {
		log.Fatalf("httpapi server failed: %v", err)
	}
}

func serveMetrics(address string, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := address + ":" + strconv.Itoa(port)
	slog.Info("metrics listening", "address", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("metrics server failed", "error", err)
	}
}

// deviceParams bundles the parsed activation material alongside the
// mac.Config it produced, since ABP's DevAddr/keys are needed again
// after New to drive the initial ConnectABP call.
type deviceParams struct {
	mac.Config
	mode              string
	ABPDevAddrValue   lorawan.DevAddr
	ABPNwkSKeyValue   lorawan.AES128Key
	ABPAppSKeyValue   lorawan.AES128Key
}

func (p deviceParams) Activation() string { return p.mode }

func deviceConfig(cfg *config.Config, region *phy.Facade, sim *radio.Simulated, broker *events.Broker) (deviceParams, error) {
	var p deviceParams
	p.mode = cfg.Activation.Mode

	devEUI, err := parseEUI(cfg.Activation.DevEUI)
	if err != nil {
		return p, fmt.Errorf("devEui: %w", err)
	}
	joinEUI, err := parseEUI(cfg.Activation.JoinEUI)
	if err != nil {
		return p, fmt.Errorf("joinEui: %w", err)
	}

	p.Config = mac.Config{
		Region:              region,
		Radio:               sim,
		Broker:              broker,
		Class:               mac.ClassA,
		DevEUI:              devEUI,
		JoinEUI:             joinEUI,
		MaxJoinTrials:       nonZero(cfg.Timing.MaxJoinTrials, 3),
		ConfirmedMsgRetries: nonZero(cfg.Timing.ConfirmedMsgRetries, 3),
		AckTimeoutJitterMax: time.Duration(cfg.Timing.AckTimeoutJitterMaxMs) * time.Millisecond,
		Seed:                time.Now().UnixNano(),
	}

	switch cfg.Activation.Mode {
	case "otaa":
		appKey, err := parseKey(cfg.Activation.AppKey)
		if err != nil {
			return p, fmt.Errorf("appKey: %w", err)
		}
		p.Config.AppKey = appKey
	case "abp":
		devAddr, err := parseDevAddr(cfg.Activation.DevAddr)
		if err != nil {
			return p, fmt.Errorf("devAddr: %w", err)
		}
		nwkSKey, err := parseKey(cfg.Activation.NwkSKey)
		if err != nil {
			return p, fmt.Errorf("nwkSKey: %w", err)
		}
		appSKey, err := parseKey(cfg.Activation.AppSKey)
		if err != nil {
			return p, fmt.Errorf("appSKey: %w", err)
		}
		p.Config.ABP = true
		p.Config.ABPDevAddr = devAddr
		p.Config.ABPNwkSKey = nwkSKey
		p.Config.ABPAppSKey = appSKey
		p.ABPDevAddrValue = devAddr
		p.ABPNwkSKeyValue = nwkSKey
		p.ABPAppSKeyValue = appSKey
	default:
		return p, fmt.Errorf("unknown activation mode %q (want \"otaa\" or \"abp\")", cfg.Activation.Mode)
	}

	return p, nil
}

func nonZero(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

func parseEUI(s string) (lorawan.EUI64, error) {
	var eui lorawan.EUI64
	b, err := hex.DecodeString(s)
	if err != nil {
		return eui, err
	}
	if len(b) != len(eui) {
		return eui, fmt.Errorf("want %d bytes, got %d", len(eui), len(b))
	}
	copy(eui[:], b)
	return eui, nil
}

func parseDevAddr(s string) (lorawan.DevAddr, error) {
	var addr lorawan.DevAddr
	b, err := hex.DecodeString(s)
	if err != nil {
		return addr, err
	}
	if len(b) != len(addr) {
		return addr, fmt.Errorf("want %d bytes, got %d", len(addr), len(b))
	}
	copy(addr[:], b)
	return addr, nil
}

func parseKey(s string) (lorawan.AES128Key, error) {
	var key lorawan.AES128Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return key, err
	}
	if len(b) != len(key) {
		return key, fmt.Errorf("want %d bytes, got %d", len(key), len(b))
	}
	copy(key[:], b)
	return key, nil
}
