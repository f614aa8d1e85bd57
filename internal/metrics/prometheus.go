package metrics

import (
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"
)

const eventsMetric = "aero_webrtc_call_events_total"

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// Gauge is a point-in-time value sampled on every scrape.
type Gauge struct {
	Name  string
	Help  string
	Value func() int
}

// PrometheusHandler serves the counters as one labelled counter family plus
// one metric per gauge, in the Prometheus text format.
func PrometheusHandler(m *Metrics, gauges ...Gauge) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		var b strings.Builder
		snap := m.Snapshot()
		fmt.Fprintf(&b, "# HELP %s Call signaling event counters.\n", eventsMetric)
		fmt.Fprintf(&b, "# TYPE %s counter\n", eventsMetric)
		for _, name := range slices.Sorted(maps.Keys(snap)) {
			fmt.Fprintf(&b, "%s{event=\"%s\"} %d\n", eventsMetric, labelEscaper.Replace(name), snap[name])
		}
		for _, g := range gauges {
			if g.Help != "" {
				fmt.Fprintf(&b, "# HELP %s %s\n", g.Name, g.Help)
			}
			fmt.Fprintf(&b, "# TYPE %s gauge\n%s %d\n", g.Name, g.Name, g.Value())
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(b.String()))
	})
}
