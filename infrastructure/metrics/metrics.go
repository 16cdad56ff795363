// Package metrics provides Prometheus metrics collection for the safety core.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/coachrun/rvc-core/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics for the CAN safety core. This is the
// "Performance Monitor" named as an L0 layer in the system overview.
type Metrics struct {
	// Protocol codec
	FramesDecodedTotal *prometheus.CounterVec
	FramesEncodedTotal *prometheus.CounterVec
	DecodeErrorsTotal  *prometheus.CounterVec

	// CAN facade / transmit path
	TransmitQueueDepth     *prometheus.GaugeVec
	TransmitQueueFullTotal *prometheus.CounterVec

	// Entity manager / control service
	ReconciliationLatency *prometheus.HistogramVec
	EntityUpdatesTotal    *prometheus.CounterVec

	// Safety service
	EmergencyStopTotal *prometheus.CounterVec
	WatchdogLapseTotal prometheus.Counter

	// Security orchestrator
	SecurityAttemptsTotal *prometheus.CounterVec

	// Message injector
	InjectionsTotal        *prometheus.CounterVec
	InjectionsBlockedTotal *prometheus.CounterVec

	// Recorder/replay
	RecorderFramesTotal  *prometheus.CounterVec
	RecorderOverrunTotal *prometheus.CounterVec
	ReplayFramesTotal    *prometheus.CounterVec

	// Protocol analyzer / anomaly detector
	PatternsDetectedTotal *prometheus.CounterVec
	AnomaliesTotal        *prometheus.CounterVec

	// Errors (cross-cutting)
	ErrorsTotal *prometheus.CounterVec

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec

	// Host resource gauges: the per-operation counters above cover the
	// process, these cover the host, sampled from gopsutil.
	HostCPUPercent    prometheus.Gauge
	HostMemUsedPercent prometheus.Gauge
}

// New creates a new Metrics instance with all collectors registered.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesDecodedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rvc_frames_decoded_total",
				Help: "Total number of CAN frames decoded, by interface and protocol",
			},
			[]string{"interface", "protocol"},
		),
		FramesEncodedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rvc_frames_encoded_total",
				Help: "Total number of CAN frames encoded, by PGN",
			},
			[]string{"pgn"},
		),
		DecodeErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rvc_decode_errors_total",
				Help: "Total number of frame decode failures, by reason",
			},
			[]string{"interface", "reason"},
		),
		TransmitQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rvc_transmit_queue_depth",
				Help: "Current depth of the CAN transmit queue, by interface",
			},
			[]string{"interface"},
		),
		TransmitQueueFullTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rvc_transmit_queue_full_total",
				Help: "Total number of enqueue attempts rejected because the transmit queue was full",
			},
			[]string{"interface"},
		),
		ReconciliationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rvc_reconciliation_latency_seconds",
				Help:    "Latency between command issue and reconciliation outcome",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 3, 5},
			},
			[]string{"kind", "outcome"},
		),
		EntityUpdatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rvc_entity_updates_total",
				Help: "Total number of entity state updates broadcast, by kind and source",
			},
			[]string{"kind", "source"},
		),
		EmergencyStopTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rvc_emergency_stop_total",
				Help: "Total number of emergency stop sequences, by trigger reason",
			},
			[]string{"reason"},
		),
		WatchdogLapseTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rvc_watchdog_lapse_total",
				Help: "Total number of safety watchdog timer lapses",
			},
		),
		SecurityAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rvc_security_attempts_total",
				Help: "Total number of security attempts, by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		InjectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rvc_injections_total",
				Help: "Total number of message injection requests, by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		InjectionsBlockedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rvc_injections_blocked_total",
				Help: "Total number of injection requests blocked by safety validation, by level",
			},
			[]string{"level"},
		),
		RecorderFramesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rvc_recorder_frames_total",
				Help: "Total number of frames captured by the recorder, by interface",
			},
			[]string{"interface"},
		),
		RecorderOverrunTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rvc_recorder_overrun_total",
				Help: "Total number of ring-buffer overwrites, by session",
			},
			[]string{"session"},
		),
		ReplayFramesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rvc_replay_frames_total",
				Help: "Total number of frames emitted during replay, by interface",
			},
			[]string{"interface"},
		),
		PatternsDetectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rvc_patterns_detected_total",
				Help: "Total number of communication patterns detected, by pattern type",
			},
			[]string{"pattern_type"},
		),
		AnomaliesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rvc_anomalies_total",
				Help: "Total number of bus anomalies detected, by kind",
			},
			[]string{"kind"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rvc_errors_total",
				Help: "Total number of errors, by service and kind",
			},
			[]string{"service", "kind"},
		),
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rvc_service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rvc_service_info",
				Help: "Service build information",
			},
			[]string{"service", "version", "environment"},
		),
		HostCPUPercent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rvc_host_cpu_percent",
				Help: "Host-wide CPU utilization percentage, sampled over the preceding interval",
			},
		),
		HostMemUsedPercent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rvc_host_mem_used_percent",
				Help: "Host-wide memory utilization percentage",
			},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.FramesDecodedTotal,
			m.FramesEncodedTotal,
			m.DecodeErrorsTotal,
			m.TransmitQueueDepth,
			m.TransmitQueueFullTotal,
			m.ReconciliationLatency,
			m.EntityUpdatesTotal,
			m.EmergencyStopTotal,
			m.WatchdogLapseTotal,
			m.SecurityAttemptsTotal,
			m.InjectionsTotal,
			m.InjectionsBlockedTotal,
			m.RecorderFramesTotal,
			m.RecorderOverrunTotal,
			m.ReplayFramesTotal,
			m.PatternsDetectedTotal,
			m.AnomaliesTotal,
			m.ErrorsTotal,
			m.ServiceUptime,
			m.ServiceInfo,
			m.HostCPUPercent,
			m.HostMemUsedPercent,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordDecode records a successful frame decode.
func (m *Metrics) RecordDecode(iface, protocol string) {
	m.FramesDecodedTotal.WithLabelValues(iface, protocol).Inc()
}

// RecordDecodeError records a failed frame decode.
func (m *Metrics) RecordDecodeError(iface, reason string) {
	m.DecodeErrorsTotal.WithLabelValues(iface, reason).Inc()
}

// RecordEncode records a successful frame encode for a PGN.
func (m *Metrics) RecordEncode(pgn string) {
	m.FramesEncodedTotal.WithLabelValues(pgn).Inc()
}

// SetTransmitQueueDepth sets the current transmit queue depth for an interface.
func (m *Metrics) SetTransmitQueueDepth(iface string, depth int) {
	m.TransmitQueueDepth.WithLabelValues(iface).Set(float64(depth))
}

// RecordTransmitQueueFull records a rejected enqueue attempt.
func (m *Metrics) RecordTransmitQueueFull(iface string) {
	m.TransmitQueueFullTotal.WithLabelValues(iface).Inc()
}

// RecordReconciliation records the outcome latency of a command reconciliation.
func (m *Metrics) RecordReconciliation(kind, outcome string, d time.Duration) {
	m.ReconciliationLatency.WithLabelValues(kind, outcome).Observe(d.Seconds())
}

// RecordEntityUpdate records a broadcast entity state update.
func (m *Metrics) RecordEntityUpdate(kind, source string) {
	m.EntityUpdatesTotal.WithLabelValues(kind, source).Inc()
}

// RecordEmergencyStop records an emergency stop sequence.
func (m *Metrics) RecordEmergencyStop(reason string) {
	m.EmergencyStopTotal.WithLabelValues(reason).Inc()
}

// RecordWatchdogLapse records a watchdog timer lapse.
func (m *Metrics) RecordWatchdogLapse() {
	m.WatchdogLapseTotal.Inc()
}

// RecordSecurityAttempt records a SecurityAttempt outcome.
func (m *Metrics) RecordSecurityAttempt(kind, outcome string) {
	m.SecurityAttemptsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordInjection records a message injection request's outcome.
func (m *Metrics) RecordInjection(mode, outcome string) {
	m.InjectionsTotal.WithLabelValues(mode, outcome).Inc()
}

// RecordInjectionBlocked records a safety-validation block at a given level.
func (m *Metrics) RecordInjectionBlocked(level string) {
	m.InjectionsBlockedTotal.WithLabelValues(level).Inc()
}

// RecordRecorderFrame records one frame captured by the recorder.
func (m *Metrics) RecordRecorderFrame(iface string) {
	m.RecorderFramesTotal.WithLabelValues(iface).Inc()
}

// RecordRecorderOverrun records a ring-buffer overwrite for a session.
func (m *Metrics) RecordRecorderOverrun(session string) {
	m.RecorderOverrunTotal.WithLabelValues(session).Inc()
}

// RecordReplayFrame records one frame emitted during replay.
func (m *Metrics) RecordReplayFrame(iface string) {
	m.ReplayFramesTotal.WithLabelValues(iface).Inc()
}

// RecordPattern records a detected communication pattern.
func (m *Metrics) RecordPattern(patternType string) {
	m.PatternsDetectedTotal.WithLabelValues(patternType).Inc()
}

// RecordAnomaly records a detected bus anomaly.
func (m *Metrics) RecordAnomaly(kind string) {
	m.AnomaliesTotal.WithLabelValues(kind).Inc()
}

// RecordError records an error for a service/kind pair.
func (m *Metrics) RecordError(service, kind string) {
	m.ErrorsTotal.WithLabelValues(service, kind).Inc()
}

// UpdateUptime updates the service uptime gauge.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// SampleHostStats refreshes the host CPU/memory gauges from gopsutil. It
// does not block: cpu.Percent is called with a zero interval, so the CPU
// figure covers the time since the previous call. It is called from a
// low-frequency background worker, not from a request path. Errors are non-fatal: the gauges simply keep their last
// sampled value.
func (m *Metrics) SampleHostStats() error {
	pcts, err := cpu.Percent(0, false)
	if err != nil {
		return err
	}
	if len(pcts) > 0 {
		m.HostCPUPercent.Set(pcts[0])
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return err
	}
	m.HostMemUsedPercent.Set(vm.UsedPercent)
	return nil
}

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
