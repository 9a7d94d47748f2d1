package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	c.RelayConnected(2)
	c.RelayConnected(-1)
	c.RelayMessage("in", "set")
	c.RegistryOp("accept", "conflict")
	c.RegistryOp("create", "ok")
	c.Transition("requester", "searching")
	c.CallState("connected")

	if got := testutil.ToFloat64(c.RelayConnections); got != 1 {
		t.Errorf("RelayConnections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.AcceptConflicts); got != 1 {
		t.Errorf("AcceptConflicts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.RegistryRequests.WithLabelValues("create", "ok")); got != 1 {
		t.Errorf("create/ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Transitions.WithLabelValues("requester", "searching")); got != 1 {
		t.Errorf("requester/searching = %v, want 1", got)
	}
}

func TestNewTwiceReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := New(reg)
	if err != nil {
		t.Fatalf("first New error: %v", err)
	}
	second, err := New(reg)
	if err != nil {
		t.Fatalf("second New error: %v", err)
	}

	first.CallState("ended")
	if got := testutil.ToFloat64(second.CallStates.WithLabelValues("ended")); got != 1 {
		t.Errorf("shared counter = %v, want 1", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.RelayConnected(1)
	c.RelayMessage("out", "change")
	c.RegistryOp("accept", "ok")
	c.Transition("helper", "navigating")
	c.CallState("calling")

	if c.Handler() == nil {
		t.Error("Handler should fall back to the default gatherer")
	}
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	c.RegistryOp("list_pending", "ok")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "safewalk_registry_requests_total") {
		t.Errorf("metrics output missing registry counter:\n%s", body)
	}
}
