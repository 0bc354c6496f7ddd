package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	IntelReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatbus_vast_intel_received_total",
			Help: "Intel items received from the bus or TAXII feeds, by operation",
		},
		[]string{"operation"},
	)
	RecordsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatbus_vast_records_dropped_total",
			Help: "Records that could not be mapped, by stage",
		},
		[]string{"stage"},
	)
	SightingsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatbus_vast_sightings_published_total",
			Help: "Sightings published to the bus (retro/live)",
		},
		[]string{"kind"},
	)
	VastDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "threatbus_vast_command_duration_seconds",
			Help:    "Latency of vast invocations",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"command"},
	)
	VastErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threatbus_vast_command_errors_total",
			Help: "Failed vast invocations",
		},
		[]string{"command"},
	)
	RegistrySize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "threatbus_vast_registry_size",
			Help: "Intel items currently registered with the live matcher",
		},
	)
	BuildInfo = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:        "threatbus_vast_build_info",
			Help:        "Build info gauge with const labels",
			ConstLabels: prometheus.Labels{"version": "0.1.0"},
		},
	)
)

func MustRegister() {
	prometheus.MustRegister(IntelReceived, RecordsDropped, SightingsPublished, VastDuration, VastErrors, RegistrySize, BuildInfo)
}
