package moen

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	pollTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moenhome_poll_cycles_total",
			Help: "Poll cycles by result",
		},
		[]string{"account", "result"},
	)
	pollDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "moenhome_poll_duration_seconds",
			Help:    "Duration of poll cycles",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"account"},
	)
	deviceFetchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moenhome_device_fetch_failures_total",
			Help: "Per-device shadow and details fetch failures",
		},
		[]string{"account", "kind"},
	)
)

// MetricsCollector exports the latest snapshot of every account. It never
// calls the API; values come from the pollers.
type MetricsCollector struct {
	accounts *Accounts
	// mu keeps concurrent scrapes from interleaving Reset and Set.
	mu sync.Mutex

	temperature *prometheus.GaugeVec
	flowRate    *prometheus.GaugeVec
	running     *prometheus.GaugeVec
	volume      *prometheus.GaugeVec
	connected   *prometheus.GaugeVec
	rssi        *prometheus.GaugeVec
	battery     *prometheus.GaugeVec
	lastConnect *prometheus.GaugeVec
	success     *prometheus.GaugeVec
	lastSuccess *prometheus.GaugeVec
	deviceCount *prometheus.GaugeVec
}

func NewMetricsCollector(accounts *Accounts) *MetricsCollector {
	labels := []string{"account", "device_id", "device_name"}
	return &MetricsCollector{
		accounts: accounts,
		temperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "moenhome_faucet_temperature_celsius",
			Help: "Reported water temperature",
		}, labels),
		flowRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "moenhome_faucet_flow_rate_percent",
			Help: "Reported flow rate",
		}, labels),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "moenhome_faucet_running_bool",
			Help: "Water flowing (1=running, 0=not running)",
		}, labels),
		volume: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "moenhome_faucet_last_dispense_volume_ml",
			Help: "Volume of the last dispense",
		}, labels),
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "moenhome_faucet_connected_bool",
			Help: "Cloud connection state from device details (1=connected)",
		}, labels),
		rssi: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "moenhome_faucet_wifi_rssi_dbm",
			Help: "WiFi signal strength",
		}, labels),
		battery: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "moenhome_faucet_battery_percent",
			Help: "Battery level",
		}, labels),
		lastConnect: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "moenhome_faucet_last_connect_timestamp_seconds",
			Help: "Last cloud connection (epoch seconds)",
		}, labels),
		success: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "moenhome_poll_success",
			Help: "Last poll cycle success (1=ok, 0=error)",
		}, []string{"account"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "moenhome_poll_last_success_timestamp_seconds",
			Help: "Last successful poll cycle (epoch seconds)",
		}, []string{"account"}),
		deviceCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "moenhome_devices",
			Help: "Faucets in the device directory",
		}, []string{"account"}),
	}
}

func (c *MetricsCollector) vectors() []*prometheus.GaugeVec {
	return []*prometheus.GaugeVec{
		c.temperature, c.flowRate, c.running, c.volume, c.connected,
		c.rssi, c.battery, c.lastConnect, c.success, c.lastSuccess, c.deviceCount,
	}
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, v := range c.vectors() {
		v.Describe(ch)
	}
	pollTotal.Describe(ch)
	pollDuration.Describe(ch)
	deviceFetchFailures.Describe(ch)
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, v := range c.vectors() {
		v.Reset()
	}

	for _, account := range c.accounts.List() {
		snapshot := account.Coordinator.Snapshot()
		name := account.Name()

		c.success.WithLabelValues(name).Set(boolToFloat(snapshot.Success))
		if !snapshot.LastSuccess.IsZero() {
			c.lastSuccess.WithLabelValues(name).Set(float64(snapshot.LastSuccess.Unix()))
		}
		c.deviceCount.WithLabelValues(name).Set(float64(len(snapshot.Devices)))

		for _, device := range snapshot.Devices {
			labels := prometheus.Labels{
				"account":     name,
				"device_id":   device.Key(),
				"device_name": device.DisplayName(),
			}
			if shadow, ok := snapshot.Shadows[device.Key()]; ok && !shadow.Empty() {
				if v, ok := shadow.Temperature(); ok {
					c.temperature.With(labels).Set(v)
				}
				if v, ok := shadow.FlowRate(); ok {
					c.flowRate.With(labels).Set(v)
				}
				if v, ok := shadow.VolumeML(); ok {
					c.volume.With(labels).Set(v)
				}
				c.running.With(labels).Set(boolToFloat(shadow.State() == FaucetRunning))
			}
			if details, ok := snapshot.Details[device.Key()]; ok {
				c.connected.With(labels).Set(boolToFloat(details.Connected))
				if details.RSSI != nil {
					c.rssi.With(labels).Set(*details.RSSI)
				}
				if details.Battery != nil {
					c.battery.With(labels).Set(*details.Battery)
				}
				if details.LastConnect != nil {
					c.lastConnect.With(labels).Set(float64(details.LastConnect.Unix()))
				}
			}
		}
	}

	for _, v := range c.vectors() {
		v.Collect(ch)
	}
	pollTotal.Collect(ch)
	pollDuration.Collect(ch)
	deviceFetchFailures.Collect(ch)
}

func boolToFloat(value bool) float64 {
	if value {
		return 1
	}
	return 0
}
