package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersExposed(t *testing.T) {
	m := New()
	m.SessionConflicts.Inc()
	m.FlushEntries.WithLabelValues(OutcomeSynced).Add(3)
	m.QueueDepth.Set(2)

	if got := testutil.ToFloat64(m.FlushEntries.WithLabelValues(OutcomeSynced)); got != 3 {
		t.Fatalf("expected 3 synced, got %v", got)
	}

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)
	for _, want := range []string{
		"canvass_session_conflicts_total 1",
		`canvass_queue_flush_entries_total{outcome="synced"} 3`,
		"canvass_queue_depth 2",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
