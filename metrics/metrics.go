// Package metrics exposes the Prometheus counters the MAC engine and its
// collaborators update during normal operation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UplinksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "macd_uplinks_total",
		Help: "Total uplink frames handed to the radio driver, by type",
	}, []string{"type"})

	DownlinksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "macd_downlinks_total",
		Help: "Total downlink frames accepted after MIC verification, by type",
	}, []string{"type"})

	DownlinkDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "macd_downlink_drops_total",
		Help: "Total downlinks rejected before delivery, by reason",
	}, []string{"reason"})

	JoinAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "macd_join_attempts_total",
		Help: "Total join-request transmissions",
	})

	JoinSuccessTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "macd_join_success_total",
		Help: "Total successful join-accept completions",
	})

	JoinFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "macd_join_failures_total",
		Help: "Total exhausted join-retry sequences",
	})

	MacCommandsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "macd_mac_commands_sent_total",
		Help: "Total MAC command answers queued for piggyback, by command",
	}, []string{"command"})

	MacCommandsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "macd_mac_commands_received_total",
		Help: "Total MAC command requests parsed from downlinks, by command",
	}, []string{"command"})

	AckRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "macd_ack_retries_total",
		Help: "Total confirmed-uplink retransmissions due to ACK timeout",
	})

	DutyCycleDelaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "macd_duty_cycle_delays_total",
		Help: "Total uplinks deferred into TX_DELAYED by the duty-cycle back-off",
	})

	StateCheckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "macd_state_check_duration_seconds",
		Help:    "Duration of a single MAC-state-check handler invocation",
		Buckets: prometheus.DefBuckets,
	})

	EngineState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "macd_engine_state",
		Help: "Bitset value of the current MAC state word",
	})

	CodecExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "macd_codec_executions_total",
		Help: "Total JavaScript codec invocations, by direction (encode/decode)",
	}, []string{"direction"})

	CodecErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "macd_codec_errors_total",
		Help: "Total JavaScript codec invocations that returned an error, by direction",
	}, []string{"direction"})

	CodecTimeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "macd_codec_timeouts_total",
		Help: "Total JavaScript codec invocations that exceeded their execution budget, by direction",
	}, []string{"direction"})
)
