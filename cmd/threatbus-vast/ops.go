package main

import (
	"net/http"
	"time"

	"threatbus/vast-bridge/internal/config"
	"threatbus/vast-bridge/internal/httputil"
	"threatbus/vast-bridge/internal/intel"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

type readiness interface {
	Ready() bool
}

func handleHealth(w http.ResponseWriter, r *http.Request, cfg *config.Config, registry intel.Registry, pollers int, ts *intel.TAXIIServer) {
	type HealthStatus struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}

	status := HealthStatus{
		Status:     "ok",
		Components: map[string]string{"bus": cfg.Bus.Backend},
	}
	if registry != nil {
		status.Components["registry"] = cfg.Registry.Backend
	}
	if cfg.Vast.LiveMatch {
		status.Components["live_match"] = "enabled"
	}
	if cfg.Vast.RetroMatch {
		status.Components["retro_match"] = "enabled"
	}
	if pollers > 0 {
		status.Components["taxii_pollers"] = "ok"
	}
	if ts != nil {
		status.Components["taxii_server"] = "ok"
	}

	httputil.WriteJSON(w, http.StatusOK, status)
}

// handleReady is 503 until the matcher is started and the intel topic is consumed
func handleReady(w http.ResponseWriter, r *http.Request, br readiness) {
	if !br.Ready() {
		httputil.GetLogger(r.Context()).Debug().Msg("readiness probe while bridge is starting")
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleAdminStats summarizes the bridge counters as JSON
func handleAdminStats(w http.ResponseWriter, r *http.Request) {
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "metrics_error"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, summarize(mfs))
}

func summarize(mfs []*dto.MetricFamily) map[string]map[string]any {
	stats := map[string]map[string]any{
		"intel":     {},
		"dropped":   {},
		"sightings": {},
		"vast":      {},
		"system":    {},
	}

	findMF := func(name string) *dto.MetricFamily {
		for _, mf := range mfs {
			if mf.GetName() == name {
				return mf
			}
		}
		return nil
	}
	// byLabel copies a counter vector into section keyed by one label
	byLabel := func(name, label, section string) {
		mf := findMF(name)
		if mf == nil {
			return
		}
		for _, m := range mf.Metric {
			for _, l := range m.Label {
				if l.GetName() == label {
					stats[section][l.GetValue()] = m.Counter.GetValue()
				}
			}
		}
	}

	byLabel("threatbus_vast_intel_received_total", "operation", "intel")
	byLabel("threatbus_vast_records_dropped_total", "stage", "dropped")
	byLabel("threatbus_vast_sightings_published_total", "kind", "sightings")

	if mf := findMF("threatbus_vast_command_errors_total"); mf != nil {
		total := 0.0
		for _, m := range mf.Metric {
			total += m.Counter.GetValue()
		}
		stats["vast"]["errors"] = total
	}
	if mf := findMF("threatbus_vast_command_duration_seconds"); mf != nil {
		calls := uint64(0)
		for _, m := range mf.Metric {
			calls += m.Histogram.GetSampleCount()
		}
		stats["vast"]["invocations"] = calls
	}
	if mf := findMF("threatbus_vast_registry_size"); mf != nil && len(mf.Metric) > 0 {
		stats["intel"]["registered"] = mf.Metric[0].Gauge.GetValue()
	}

	if mf := findMF("go_goroutines"); mf != nil && len(mf.Metric) > 0 {
		stats["system"]["goroutines"] = mf.Metric[0].Gauge.GetValue()
	}
	stats["system"]["uptime_sec"] = time.Since(startTime).Seconds()
	return stats
}
