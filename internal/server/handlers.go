package server

import (
	"encoding/json"
	"net/http"

	"github.com/joshp123/moenhome/internal/core"
)

type pluginHealth struct {
	PluginID string            `json:"plugin_id"`
	Status   core.HealthStatus `json:"status"`
	Message  string            `json:"message,omitempty"`
}

// HealthHandler reports plugin health. It answers 503 when any plugin is in
// the error state and 200 otherwise, degraded included.
func HealthHandler(plugins []core.Plugin) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		var overall core.HealthReport
		out := make([]pluginHealth, 0, len(plugins))
		for _, plugin := range plugins {
			health := plugin.Health()
			overall.Add(health, "")
			out = append(out, pluginHealth{
				PluginID: plugin.ID(),
				Status:   health,
				Message:  plugin.HealthMessage(),
			})
		}

		status := http.StatusOK
		if overall.Status() == core.HealthError {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":      status == http.StatusOK,
			"status":  overall.Status(),
			"plugins": out,
		})
	}
}
