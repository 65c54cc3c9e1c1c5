package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New()

	m.Proposed()
	m.Proposed()
	m.Committed()
	m.Aborted("timeout")
	m.Dropped("dedup")
	m.SetPending(3)

	if got := testutil.ToFloat64(m.proposals); got != 2 {
		t.Errorf("proposals = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.commits); got != 1 {
		t.Errorf("commits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.aborts.WithLabelValues("timeout")); got != 1 {
		t.Errorf("aborts{timeout} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.pendingOps); got != 3 {
		t.Errorf("pending = %v, want 3", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Proposed()
	m.Committed()
	m.Aborted("x")
	m.Dropped("x")
	m.SetPending(1)
	m.RequestTimedOut()
	m.RelayConnected(1)
	m.SetRelayRooms(1)
	m.RelayFrame("send")
	m.RelayRateLimited()
}

func TestHandler(t *testing.T) {
	m := New()
	m.RelayFrame("send")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `portal_relay_frames_total{type="send"} 1`) {
		t.Errorf("metrics output missing relay frame counter:\n%s", body)
	}
}
