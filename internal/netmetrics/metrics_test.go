package netmetrics

import "testing"

func TestNew(t *testing.T) {
	m := New("0.1.0", "go1.26.0")
	if m == nil {
		t.Fatal("New returned nil")
	}
	if m.Registry == nil {
		t.Fatal("Registry is nil")
	}
}

func TestMetricsIsolation(t *testing.T) {
	m1 := New("0.1.0", "go1.26.0")
	m2 := New("0.2.0", "go1.26.0")

	m1.SessionAttempts.WithLabelValues("success").Inc()

	families, err := m2.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, f := range families {
		if f.GetName() == "gitd_session_attempts_total" {
			for _, metric := range f.GetMetric() {
				if metric.GetCounter().GetValue() != 0 {
					t.Error("m2 registry saw m1 counter value; registries are not isolated")
				}
			}
		}
	}
}

func TestMetricsFamiliesPresent(t *testing.T) {
	m := New("test", "go1.26.0")

	m.SessionsConnected.WithLabelValues("inbound").Set(3)
	m.SessionAttempts.WithLabelValues("success").Inc()
	m.AnnouncementsTotal.WithLabelValues("refs", "relayed").Inc()
	m.RoutingEntries.WithLabelValues().Set(12)
	m.FetchesTotal.WithLabelValues("verified").Inc()
	m.FetchDurationSeconds.WithLabelValues("verified").Observe(1.5)
	m.FetchBytesTransferred.WithLabelValues("rx").Add(4096)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	expected := map[string]bool{
		"gitd_sessions_connected":    false,
		"gitd_session_attempts_total": false,
		"gitd_announcements_total":   false,
		"gitd_routing_entries":       false,
		"gitd_fetches_total":         false,
		"gitd_fetch_duration_seconds": false,
		"gitd_fetch_bytes_total":     false,
		"gitd_info":                  false,
	}
	for _, f := range families {
		if _, ok := expected[f.GetName()]; ok {
			expected[f.GetName()] = true
		}
	}
	for name, found := range expected {
		if !found {
			t.Errorf("metric family %q not found in gathered output", name)
		}
	}
}

func TestBuildInfoLabels(t *testing.T) {
	m := New("1.2.3", "go1.26.0")

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, f := range families {
		if f.GetName() != "gitd_info" {
			continue
		}
		for _, metric := range f.GetMetric() {
			if metric.GetGauge().GetValue() != 1 {
				t.Errorf("build info gauge value = %f, want 1", metric.GetGauge().GetValue())
			}
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["version"] != "1.2.3" {
				t.Errorf("version label = %q, want %q", labels["version"], "1.2.3")
			}
		}
	}
}

func TestHandlerNonNil(t *testing.T) {
	m := New("test", "go1.26.0")
	if m.Handler() == nil {
		t.Fatal("Handler returned nil")
	}
}
