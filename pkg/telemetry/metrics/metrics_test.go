package metrics

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"mercator-hq/aegis/pkg/config"
)

func testConfig() *config.MetricsConfig {
	return &config.MetricsConfig{
		Namespace: "test",
		Subsystem: "gov",
		Path:      "/metrics",
	}
}

func TestNewCollector_Defaults(t *testing.T) {
	cfg := &config.MetricsConfig{}
	c := NewCollector(cfg, nil)
	if c.Registry() == nil {
		t.Fatal("expected registry")
	}
	if cfg.Namespace != config.DefaultMetricsNamespace || cfg.Subsystem != config.DefaultMetricsSubsystem {
		t.Errorf("defaults not applied: %s_%s", cfg.Namespace, cfg.Subsystem)
	}
	if len(cfg.DurationBuckets) == 0 {
		t.Error("duration buckets not defaulted")
	}
}

func TestCollector_Counters(t *testing.T) {
	c := NewCollector(testConfig(), prometheus.NewRegistry())

	c.ObserveDecision("DENY", 2*time.Millisecond)
	c.ObserveDecision("DENY", time.Millisecond)
	c.ObserveDecision("ALLOW", time.Millisecond)
	c.ObservePhaseTransition("CREATED", "AUTHORIZED")
	c.ObserveGovernanceCheck("clean")
	c.ObserveOverrideCheck("ACTIVE")
	c.ObserveOverrideActivation("rejected")
	c.ObserveSnapshotEvent("verify_failed")
	c.ObserveThresholdSignal("breach", "cost")
	c.ObserveEngineError("step_limit")

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"deny", testutil.ToFloat64(c.decisionMetrics.decisionsTotal.WithLabelValues("DENY")), 2},
		{"allow", testutil.ToFloat64(c.decisionMetrics.decisionsTotal.WithLabelValues("ALLOW")), 1},
		{"transition", testutil.ToFloat64(c.runMetrics.transitionsTotal.WithLabelValues("CREATED", "AUTHORIZED")), 1},
		{"check", testutil.ToFloat64(c.runMetrics.checksTotal.WithLabelValues("clean")), 1},
		{"override check", testutil.ToFloat64(c.overrideMetrics.checksTotal.WithLabelValues("ACTIVE")), 1},
		{"override activation", testutil.ToFloat64(c.overrideMetrics.activationsTotal.WithLabelValues("rejected")), 1},
		{"snapshot", testutil.ToFloat64(c.snapshotMetrics.eventsTotal.WithLabelValues("verify_failed")), 1},
		{"signal", testutil.ToFloat64(c.snapshotMetrics.signalsTotal.WithLabelValues("breach", "cost")), 1},
		{"engine error", testutil.ToFloat64(c.decisionMetrics.engineErrors.WithLabelValues("step_limit")), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestCollector_Histograms(t *testing.T) {
	c := NewCollector(testConfig(), prometheus.NewRegistry())
	c.ObserveEngineSteps(12)
	c.ObserveEngineSteps(40)

	if n := testutil.CollectAndCount(c.decisionMetrics.engineSteps); n != 1 {
		t.Errorf("expected 1 histogram series, got %d", n)
	}
	expected := `
# HELP test_gov_engine_steps Instructions executed per policy evaluation
# TYPE test_gov_engine_steps histogram
test_gov_engine_steps_bucket{le="1"} 0
test_gov_engine_steps_bucket{le="4"} 0
test_gov_engine_steps_bucket{le="16"} 1
test_gov_engine_steps_bucket{le="64"} 2
test_gov_engine_steps_bucket{le="256"} 2
test_gov_engine_steps_bucket{le="1024"} 2
test_gov_engine_steps_bucket{le="4096"} 2
test_gov_engine_steps_bucket{le="16384"} 2
test_gov_engine_steps_bucket{le="+Inf"} 2
test_gov_engine_steps_sum 52
test_gov_engine_steps_count 2
`
	if err := testutil.CollectAndCompare(c.decisionMetrics.engineSteps, strings.NewReader(expected)); err != nil {
		t.Error(err)
	}
}

func TestCollector_Disabled(t *testing.T) {
	off := false
	cfg := testConfig()
	cfg.Enabled = &off
	c := NewCollector(cfg, prometheus.NewRegistry())

	c.ObserveDecision("ALLOW", time.Millisecond)
	c.ObserveOverrideCheck("ACTIVE")

	if got := testutil.ToFloat64(c.decisionMetrics.decisionsTotal.WithLabelValues("ALLOW")); got != 0 {
		t.Errorf("disabled collector recorded %v decisions", got)
	}
}

func TestCollector_SignalCardinality(t *testing.T) {
	c := NewCollector(testConfig(), prometheus.NewRegistry())
	for i := 0; i < maxSignalMetrics+5; i++ {
		c.ObserveThresholdSignal("near", fmt.Sprintf("m%d", i))
	}
	if got := testutil.ToFloat64(c.snapshotMetrics.signalsTotal.WithLabelValues("near", "other")); got != 5 {
		t.Errorf("expected 5 folded signals, got %v", got)
	}
}

func TestCardinalityLimiter(t *testing.T) {
	l := NewCardinalityLimiter(2)
	if !l.Allow("a") || !l.Allow("b") {
		t.Fatal("first two values should be allowed")
	}
	if l.Allow("c") {
		t.Error("third value should be rejected")
	}
	if !l.Allow("a") {
		t.Error("known value should stay allowed")
	}
	if l.Count() != 2 {
		t.Errorf("count = %d", l.Count())
	}
}

func TestHandler(t *testing.T) {
	c := NewCollector(testConfig(), prometheus.NewRegistry())
	c.ObserveDecision("ESCALATE", time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `test_gov_decisions_total{decision="ESCALATE"} 1`) {
		t.Errorf("decision metric missing from output:\n%s", rec.Body.String())
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	c := NewCollector(cfg, prometheus.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop")
	}
}
