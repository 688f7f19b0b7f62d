// Copyright 2025 LogLine Contributors
//
// Telemetry — shared prometheus registry plumbing and structured event
// logging, so every internal package registers its counters against
// one registry instead of the global default. Grounded on
// internal/scheduler's own prometheus.Registerer-injection pattern,
// generalized into a single composition-root-owned Registry.

package telemetry

import (
	"fmt"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps a prometheus.Registry so composition roots can expose
// /metrics and pass the same Registerer to every internal package's
// Config.Registerer field.
type Registry struct {
	*prometheus.Registry
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(prometheus.NewGoCollector())
	r.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return &Registry{Registry: r}
}

// Handler returns the /metrics HTTP handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.Registry, promhttp.HandlerOpts{})
}

// EventLogger emits structured, single-line span lifecycle events —
// the "increment a counter and log" idiom every internal package's
// Config.Logger follows, factored out so the gateway and cmd/ roots
// share one sink instead of each owning an ad hoc *log.Logger.
type EventLogger struct {
	logger *log.Logger
}

func NewEventLogger(prefix string) *EventLogger {
	return &EventLogger{logger: log.New(log.Writer(), "["+prefix+"] ", log.LstdFlags)}
}

// Event logs a key=value structured line, e.g.
// "span_allowed rule=contract_execution span=abc123 principal=logline-id://..."
func (e *EventLogger) Event(name string, fields ...any) {
	if len(fields)%2 != 0 {
		e.logger.Printf("%s <malformed fields: %v>", name, fields)
		return
	}
	line := name
	for i := 0; i < len(fields); i += 2 {
		line += " " + toString(fields[i]) + "=" + toString(fields[i+1])
	}
	e.logger.Println(line)
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case error:
		return t.Error()
	default:
		return fmt.Sprint(t)
	}
}
