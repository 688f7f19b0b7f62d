package telemetry

import (
	"bytes"
	"log"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewRegistryRegistersProcessCollectors(t *testing.T) {
	reg := NewRegistry()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected go/process collectors to produce metric families")
	}
}

func TestRegistryAcceptsCustomCollector(t *testing.T) {
	reg := NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "logline_test_total", Help: "test"})
	if err := reg.Register(counter); err != nil {
		t.Fatalf("Register: %v", err)
	}
	counter.Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "logline_test_total" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected custom counter to be gathered")
	}
}

func TestEventLoggerFormatsKeyValuePairs(t *testing.T) {
	var buf bytes.Buffer
	e := &EventLogger{logger: log.New(&buf, "", 0)}
	e.Event("span_allowed", "rule", "contract_execution", "span", "abc123")

	out := buf.String()
	if !strings.Contains(out, "span_allowed") || !strings.Contains(out, "rule=contract_execution") || !strings.Contains(out, "span=abc123") {
		t.Fatalf("unexpected log line: %q", out)
	}
}

func TestEventLoggerRejectsOddFieldCount(t *testing.T) {
	var buf bytes.Buffer
	e := &EventLogger{logger: log.New(&buf, "", 0)}
	e.Event("span_rejected", "rule")

	if !strings.Contains(buf.String(), "malformed fields") {
		t.Fatalf("expected malformed-fields warning, got %q", buf.String())
	}
}
