package controller

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sbrctl/sbrctl/internal/models"
)

// Metrics collects Prometheus counters and histograms for the controller.
type Metrics struct {
	registry              *prometheus.Registry
	phaseTransitionsTotal *prometheus.CounterVec
	cyclesTotal           *prometheus.CounterVec
	cycleDurationSeconds  prometheus.Histogram
	safetyAlarmsTotal     *prometheus.CounterVec
	hardwareFaultsTotal   *prometheus.CounterVec
	commandsTotal         *prometheus.CounterVec
	eventsDroppedTotal    prometheus.Counter
	waterLevelCm          prometheus.Gauge
}

// NewMetrics constructs a metrics registry and registers all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	phaseTransitionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sbr",
			Subsystem: "controller",
			Name:      "phase_transitions_total",
			Help:      "Total number of phase transitions.",
		},
		[]string{"from", "to"},
	)
	cyclesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sbr",
			Subsystem: "cycle",
			Name:      "total",
			Help:      "Cycles finished, by result.",
		},
		[]string{"result"},
	)
	cycleDurationSeconds := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sbr",
			Subsystem: "cycle",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of completed cycles.",
			Buckets:   []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800, 57600, 86400},
		},
	)
	safetyAlarmsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sbr",
			Subsystem: "controller",
			Name:      "safety_alarms_total",
			Help:      "Safety alarms that forced an emergency stop.",
		},
		[]string{"kind"},
	)
	hardwareFaultsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sbr",
			Subsystem: "hardware",
			Name:      "faults_total",
			Help:      "Hardware call failures and timeouts.",
		},
		[]string{"op"},
	)
	commandsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sbr",
			Subsystem: "controller",
			Name:      "commands_total",
			Help:      "Operator commands, by command and result.",
		},
		[]string{"command", "result"},
	)
	eventsDroppedTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sbr",
			Subsystem: "controller",
			Name:      "events_dropped_total",
			Help:      "Events dropped from the bounded outbound queue.",
		},
	)
	waterLevelCm := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sbr",
			Subsystem: "controller",
			Name:      "water_level_cm",
			Help:      "Last level reading as distance from the sensor.",
		},
	)

	registry.MustRegister(
		phaseTransitionsTotal,
		cyclesTotal,
		cycleDurationSeconds,
		safetyAlarmsTotal,
		hardwareFaultsTotal,
		commandsTotal,
		eventsDroppedTotal,
		waterLevelCm,
	)

	return &Metrics{
		registry:              registry,
		phaseTransitionsTotal: phaseTransitionsTotal,
		cyclesTotal:           cyclesTotal,
		cycleDurationSeconds:  cycleDurationSeconds,
		safetyAlarmsTotal:     safetyAlarmsTotal,
		hardwareFaultsTotal:   hardwareFaultsTotal,
		commandsTotal:         commandsTotal,
		eventsDroppedTotal:    eventsDroppedTotal,
		waterLevelCm:          waterLevelCm,
	}
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncPhaseTransition(from, to models.Phase) {
	if m == nil {
		return
	}
	m.phaseTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) IncCycle(result string) {
	if m == nil {
		return
	}
	m.cyclesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveCycleDuration(duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		return
	}
	m.cycleDurationSeconds.Observe(seconds)
}

func (m *Metrics) IncSafetyAlarm(kind VerdictKind) {
	if m == nil {
		return
	}
	m.safetyAlarmsTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) IncHardwareFault(op string) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	m.hardwareFaultsTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) IncCommand(command, result string) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(command, result).Inc()
}

func (m *Metrics) IncEventDropped() {
	if m == nil {
		return
	}
	m.eventsDroppedTotal.Inc()
}

func (m *Metrics) SetWaterLevel(level float64) {
	if m == nil {
		return
	}
	m.waterLevelCm.Set(level)
}
