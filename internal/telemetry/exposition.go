package telemetry

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

// WritePrometheus writes every series in the Prometheus text format.
// Histograms and timers are exposed as _sum and _count pairs.
func (c *Collector) WritePrometheus(w io.Writer) {
	typed := map[string]bool{}
	for _, m := range c.GetMetrics() {
		labels := formatLabels(m.Labels)
		switch m.Type {
		case Counter, Gauge:
			if !typed[m.Name] {
				fmt.Fprintf(w, "# TYPE %s %s\n", m.Name, m.Type)
				typed[m.Name] = true
			}
			fmt.Fprintf(w, "%s%s %g\n", m.Name, labels, m.Value)
		default:
			if !typed[m.Name] {
				fmt.Fprintf(w, "# TYPE %s summary\n", m.Name)
				typed[m.Name] = true
			}
			fmt.Fprintf(w, "%s_sum%s %g\n", m.Name, labels, m.Value)
			fmt.Fprintf(w, "%s_count%s %d\n", m.Name, labels, m.Count)
		}
	}
}

// Handler serves WritePrometheus over HTTP.
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		c.WritePrometheus(w)
	})
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		v = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(v)
		pairs = append(pairs, fmt.Sprintf(`%s="%s"`, k, v))
	}
	sort.Strings(pairs)
	return "{" + strings.Join(pairs, ",") + "}"
}
