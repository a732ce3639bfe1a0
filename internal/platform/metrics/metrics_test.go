package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_CountersAndHandler(t *testing.T) {
	m := New(func() float64 { return 3 })
	m.EventsAppended.WithLabelValues("message").Inc()
	m.EventsAppended.WithLabelValues("message").Inc()
	m.GateDecisions.WithLabelValues("override").Inc()
	m.ObserveAppend("memory", time.Now())

	if got := testutil.ToFloat64(m.EventsAppended.WithLabelValues("message")); got != 2 {
		t.Errorf("expected 2 message appends, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		"coord_events_appended_total",
		"coord_consent_gate_decisions_total",
		"coord_push_clients 3",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("expected %q in metrics output", want)
		}
	}
}

func TestMetrics_NilSafeObserve(t *testing.T) {
	var m *Metrics
	m.ObserveAppend("pg", time.Now())
}
