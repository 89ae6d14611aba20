package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric は収集結果から指定名・ラベルのメトリクスを探す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m
			}
		}
	}
	t.Fatalf("metric %s %v not found", name, labels)
	return nil
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	got := make(map[string]string)
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if NewCollector(reg) == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordSessionRefresh_CountsByOutcome は結果ラベルごとに集計されることを検証する。
func TestRecordSessionRefresh_CountsByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSessionRefresh("authenticated_profiled")
	c.RecordSessionRefresh("authenticated_profiled")
	c.RecordSessionRefresh("unauthenticated")

	m := findMetric(t, reg, "medhive_session_refresh_total", map[string]string{"outcome": "authenticated_profiled"})
	if v := m.GetCounter().GetValue(); v != 2 {
		t.Errorf("session_refresh_total{authenticated_profiled} = %v, want 2", v)
	}
	m = findMetric(t, reg, "medhive_session_refresh_total", map[string]string{"outcome": "unauthenticated"})
	if v := m.GetCounter().GetValue(); v != 1 {
		t.Errorf("session_refresh_total{unauthenticated} = %v, want 1", v)
	}
}

// TestRecordStaleRefreshDiscarded_IncrementsCounter は破棄カウンタが増加することを検証する。
func TestRecordStaleRefreshDiscarded_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordStaleRefreshDiscarded()

	m := findMetric(t, reg, "medhive_session_refresh_stale_total", nil)
	if v := m.GetCounter().GetValue(); v != 1 {
		t.Errorf("stale_total = %v, want 1", v)
	}
}

// TestSetActiveSessions_SetsGauge はゲージが最新値に置き換わることを検証する。
func TestSetActiveSessions_SetsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.SetActiveSessions(5)
	c.SetActiveSessions(3)

	m := findMetric(t, reg, "medhive_browser_sessions_active", nil)
	if v := m.GetGauge().GetValue(); v != 3 {
		t.Errorf("browser_sessions_active = %v, want 3", v)
	}
}

// TestInferenceMetrics は推論関連のメトリクスが記録されることを検証する。
func TestInferenceMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordInferenceRequest("pneumonia", "success")
	c.RecordInferenceLatency("pneumonia", 1500*time.Millisecond)
	c.RecordUpstreamStatus(422)
	c.RecordAuthEvent("SIGNED_IN")

	m := findMetric(t, reg, "medhive_inference_requests_total", map[string]string{"endpoint": "pneumonia", "outcome": "success"})
	if v := m.GetCounter().GetValue(); v != 1 {
		t.Errorf("inference_requests_total = %v, want 1", v)
	}
	m = findMetric(t, reg, "medhive_inference_latency_seconds", map[string]string{"endpoint": "pneumonia"})
	if n := m.GetHistogram().GetSampleCount(); n != 1 {
		t.Errorf("latency sample count = %d, want 1", n)
	}
	m = findMetric(t, reg, "medhive_upstream_http_status_total", map[string]string{"status_code": "422"})
	if v := m.GetCounter().GetValue(); v != 1 {
		t.Errorf("upstream_http_status_total{422} = %v, want 1", v)
	}
	m = findMetric(t, reg, "medhive_auth_events_total", map[string]string{"event": "SIGNED_IN"})
	if v := m.GetCounter().GetValue(); v != 1 {
		t.Errorf("auth_events_total{SIGNED_IN} = %v, want 1", v)
	}
}

// TestNewCollector_DuplicateRegistrationPanics は同一レジストリへの二重登録がpanicすることを検証する。
func TestNewCollector_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	NewCollector(reg)
}
