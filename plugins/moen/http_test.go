package moen

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/joshp123/moenhome/internal/core"
)

func newPluginRouter(t *testing.T, accounts *Accounts) http.Handler {
	t.Helper()
	r := chi.NewRouter()
	NewPlugin(accounts, nil).RegisterHTTP(r)
	return r
}

func TestHTTPSnapshotAndDevice(t *testing.T) {
	cloud := newFakeCloud(t)
	router := newPluginRouter(t, polledAccounts(t, cloud))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/accounts/home/snapshot", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var snapshot Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if !snapshot.Success || len(snapshot.Devices) != 2 || snapshot.Shadows["faucet-a"].State() != FaucetRunning {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/devices/faucet-a", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var view DeviceView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Name != "Kitchen" || view.Network != "wifi" {
		t.Fatalf("unexpected view: %+v", view)
	}

	for _, path := range []string{"/api/accounts/nope/snapshot", "/api/devices/nope"} {
		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, rec.Code)
		}
	}
}

func TestHTTPRefresh(t *testing.T) {
	cloud := newFakeCloud(t)
	router := newPluginRouter(t, newTestAccounts(t, cloud))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/accounts/home/refresh", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if _, lists, _, _ := cloud.counts(); lists != 1 {
		t.Fatalf("expected one poll cycle, got %d directory fetches", lists)
	}

	cloud.set(func(c *fakeCloud) { c.failList = true })
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/accounts/home/refresh", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/accounts", nil))
	if !strings.Contains(rec.Body.String(), `"success":false`) {
		t.Fatalf("expected failed account in listing, got %s", rec.Body.String())
	}
}

func TestPluginHealth(t *testing.T) {
	cloud := newFakeCloud(t)
	accounts := newTestAccounts(t, cloud)
	plugin := NewPlugin(accounts, nil)

	if plugin.Health() != core.HealthHealthy {
		t.Fatalf("expected healthy before first poll, got %s", plugin.Health())
	}

	cloud.set(func(c *fakeCloud) { c.failList = true })
	_ = accounts.List()[0].Coordinator.Refresh(t.Context())
	if plugin.Health() != core.HealthDegraded || !strings.Contains(plugin.HealthMessage(), "home") {
		t.Fatalf("expected degraded, got %s %q", plugin.Health(), plugin.HealthMessage())
	}

	empty, _ := NewAccounts()
	if NewPlugin(empty, nil).Health() != core.HealthError {
		t.Fatalf("expected error health without accounts")
	}
	if NewPlugin(empty, errors.New("account cabin: password file missing")).Health() != core.HealthError {
		t.Fatalf("expected error health when no account could be wired")
	}

	partial := NewPlugin(newTestAccounts(t, newFakeCloud(t)), errors.New("account cabin: password file missing"))
	if partial.Health() != core.HealthDegraded || !strings.Contains(partial.HealthMessage(), "cabin") {
		t.Fatalf("expected one broken account to degrade, got %s %q", partial.Health(), partial.HealthMessage())
	}
	if err := core.ValidatePlugins([]core.Plugin{plugin}); err != nil {
		t.Fatalf("validate plugin: %v", err)
	}
}

func TestMetricsCollectorReadsSnapshots(t *testing.T) {
	cloud := newFakeCloud(t)
	accounts := polledAccounts(t, cloud)
	_, lists, _, _ := cloud.counts()

	registry := prometheus.NewPedanticRegistry()
	registry.MustRegister(NewMetricsCollector(accounts))

	expected := `
# HELP moenhome_faucet_running_bool Water flowing (1=running, 0=not running)
# TYPE moenhome_faucet_running_bool gauge
moenhome_faucet_running_bool{account="home",device_id="faucet-a",device_name="Kitchen"} 1
moenhome_faucet_running_bool{account="home",device_id="faucet-b",device_name="Bar sink"} 0
`
	if err := testutil.GatherAndCompare(registry, strings.NewReader(expected), "moenhome_faucet_running_bool"); err != nil {
		t.Fatalf("unexpected metrics: %v", err)
	}
	if n := testutil.CollectAndCount(NewMetricsCollector(accounts), "moenhome_faucet_temperature_celsius"); n != 2 {
		t.Fatalf("expected 2 temperature series, got %d", n)
	}
	if _, after, _, _ := cloud.counts(); after != lists {
		t.Fatalf("scrape must not call the cloud: %d -> %d directory fetches", lists, after)
	}
}
