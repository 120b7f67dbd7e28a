package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCollectDashboardsSortsAndValidates(t *testing.T) {
	faucet := newStubPlugin("moen")
	faucet.dashboards = []Dashboard{
		{Name: "usage", JSON: []byte(`{"title":"usage"}`)},
		{Name: "overview", JSON: []byte(`{"title":"overview"}`)},
	}
	assets, err := CollectDashboards([]Plugin{faucet})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(assets) != 2 || assets[0].Path != "/dashboards/moen/overview.json" || assets[1].Name != "usage" {
		t.Fatalf("unexpected assets: %+v", assets)
	}

	cases := map[string]Dashboard{
		"invalid dashboard name": {Name: "../escape", JSON: []byte(`{}`)},
		"not valid JSON":         {Name: "broken", JSON: []byte(`{"title":`)},
	}
	for want, dash := range cases {
		bad := newStubPlugin("moen")
		bad.dashboards = []Dashboard{dash}
		if _, err := CollectDashboards([]Plugin{bad}); err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q, got %v", want, err)
		}
	}

	dup := newStubPlugin("moen")
	dup.dashboards = []Dashboard{{Name: "a", JSON: []byte(`{}`)}, {Name: "a", JSON: []byte(`{}`)}}
	if _, err := CollectDashboards([]Plugin{dup}); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestWriteDashboardsReplacesFiles(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "moen", "overview.json")
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(target, []byte(`{"title":"old"}`), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	assets := []DashboardAsset{{PluginID: "moen", Name: "overview", Path: "/dashboards/moen/overview.json", JSON: []byte(`{"title":"new"}`)}}
	if err := WriteDashboards(dir, assets); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(target)
	if err != nil || string(data) != `{"title":"new"}` {
		t.Fatalf("unexpected dashboard %q %v", data, err)
	}
	entries, _ := os.ReadDir(filepath.Dir(target))
	if len(entries) != 1 {
		t.Fatalf("expected no temp files left behind, got %d entries", len(entries))
	}
	if err := WriteDashboards("", assets); err != nil {
		t.Fatalf("empty dir should be a no-op: %v", err)
	}
}

type collectingPlugin struct {
	stubPlugin
	collectors []prometheus.Collector
}

func (p collectingPlugin) Collectors() []prometheus.Collector { return p.collectors }

func TestMetricsRegistry(t *testing.T) {
	shared := prometheus.NewCounter(prometheus.CounterOpts{Name: "moenhome_shared_total", Help: "shared"})
	plugin := collectingPlugin{stubPlugin: newStubPlugin("moen"), collectors: []prometheus.Collector{shared}}
	if _, err := MetricsRegistry([]Plugin{plugin}, shared); err != nil {
		t.Fatalf("expected shared collector to be tolerated twice: %v", err)
	}

	clash := collectingPlugin{stubPlugin: newStubPlugin("moen"), collectors: []prometheus.Collector{
		prometheus.NewGauge(prometheus.GaugeOpts{Name: "moenhome_shared_total", Help: "different help"}),
	}}
	if _, err := MetricsRegistry([]Plugin{clash}, shared); err == nil || !strings.Contains(err.Error(), "moen") {
		t.Fatalf("expected conflict naming the plugin, got %v", err)
	}
}

func TestHealthReport(t *testing.T) {
	var report HealthReport
	if report.Status() != HealthHealthy || report.Message() != "" {
		t.Fatalf("zero report should be healthy, got %s %q", report.Status(), report.Message())
	}
	report.Add(HealthDegraded, "home: timeout")
	report.Add(HealthHealthy, "")
	if report.Status() != HealthDegraded {
		t.Fatalf("expected degraded, got %s", report.Status())
	}
	report.Add(HealthError, "cabin: login failed")
	report.Add(HealthDegraded, "")
	if report.Status() != HealthError || report.Message() != "home: timeout; cabin: login failed" {
		t.Fatalf("unexpected report %s %q", report.Status(), report.Message())
	}
}
