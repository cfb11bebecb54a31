package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetrics_PrivateRegistries(t *testing.T) {
	// Two instances must register the same collector set without
	// panicking, which is the point of the private registry.
	a := New()
	b := New()
	if a.Registry == b.Registry {
		t.Fatal("instances share a registry")
	}
	a.GossipSent.Inc()
	b.GossipSent.Inc()
}

func TestMetrics_Exposition(t *testing.T) {
	m := New()
	m.GossipSent.Inc()
	m.GossipReceived.WithLabelValues("task_offer").Add(3)
	m.GossipDropped.WithLabelValues("duplicate_message").Inc()
	m.QueueDepth.Set(7)
	m.ChainHeight.WithLabelValues("ordering").Set(42)
	m.Anomalies.WithLabelValues("critical").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status %d", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		`coordinator_gossip_sent_total 1`,
		`coordinator_gossip_received_total{type="task_offer"} 3`,
		`coordinator_gossip_dropped_total{reason="duplicate_message"} 1`,
		`coordinator_queue_depth 7`,
		`coordinator_chain_height{chain="ordering"} 42`,
		`coordinator_anomaly_events_total{severity="critical"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
