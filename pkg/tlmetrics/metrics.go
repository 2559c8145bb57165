// Package tlmetrics exposes Prometheus counters and gauges for the
// BGAPI framing layer, the command processor, the scan assembler and
// the connection manager. Gauges are set while holding the owning
// component's mutex, from the dongle worker goroutine and from caller
// goroutines (connmgr.Manager.Connect, Adapter.StartScan/StopScan).
package tlmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsFramed counts whole BGAPI packets the Framed Packet
	// Stream has emitted, by message type (command_reply, event).
	PacketsFramed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tileble_packets_framed_total",
		Help: "Whole BGAPI packets read off the serial link.",
	}, []string{"message_type"})

	// CommandsCompleted counts commands the processor finished, by
	// outcome (ok, rejected, timeout, transport_lost).
	CommandsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tileble_commands_completed_total",
		Help: "Commands completed by the dongle worker, by outcome.",
	}, []string{"outcome"})

	// ScansAssembled counts completed discovery records emitted to
	// on_scan, by scan mode (active, passive).
	ScansAssembled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tileble_scans_assembled_total",
		Help: "Discovery records emitted to on_scan.",
	}, []string{"mode"})

	// ScanDropped counts malformed advertisement/scan-response
	// payloads dropped by the assembler, by reason.
	ScanDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tileble_scan_dropped_total",
		Help: "Malformed scan payloads dropped, by reason.",
	}, []string{"reason"})

	// ConnectAttempts counts connection attempts, by outcome (ok,
	// rejected, early_disconnect, timeout).
	ConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tileble_connect_attempts_total",
		Help: "Connection attempts, by outcome.",
	}, []string{"outcome"})

	// ActiveConnections is the current size of the connection
	// manager's active map.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tileble_active_connections",
		Help: "Connections in the active table (preparing or connected).",
	})

	// ConnectingCount mirrors the adapter's connecting_count counter.
	ConnectingCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tileble_connecting_count",
		Help: "Connection attempts currently in flight.",
	})

	// Scanning is 1 when the dongle is actively scanning, 0 otherwise.
	Scanning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tileble_scanning",
		Help: "1 if the dongle is currently scanning, 0 otherwise.",
	})

	// ConnectLatency observes seconds from connect submission to the
	// connect callback firing, successful attempts only.
	ConnectLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tileble_connect_latency_seconds",
		Help:    "Time from connect() to a successful connect callback.",
		Buckets: prometheus.DefBuckets,
	})
)

// Outcome label values for CommandsCompleted and ConnectAttempts.
const (
	OutcomeOK             = "ok"
	OutcomeTimeout        = "timeout"
	OutcomeTransportLost  = "transport_lost"
	OutcomeRejected       = "rejected"
	OutcomeEarlyDisconnect = "early_disconnect"
)

// Scan mode label values for ScansAssembled.
const (
	ModeActive  = "active"
	ModePassive = "passive"
)
