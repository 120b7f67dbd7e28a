package core

import (
	"context"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
)

// HealthStatus represents plugin health states for registry reporting.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "HEALTHY"
	HealthDegraded HealthStatus = "DEGRADED"
	HealthError    HealthStatus = "ERROR"
)

func (s HealthStatus) severity() int {
	switch s {
	case HealthHealthy, "":
		return 0
	case HealthDegraded:
		return 1
	default:
		return 2
	}
}

// HealthReport folds several checks into one status. The zero value is healthy.
type HealthReport struct {
	status  HealthStatus
	reasons []string
}

// Add raises the report to status if it is worse and records reason when set.
func (r *HealthReport) Add(status HealthStatus, reason string) {
	if status.severity() > r.status.severity() {
		r.status = status
	}
	if reason != "" {
		r.reasons = append(r.reasons, reason)
	}
}

func (r HealthReport) Status() HealthStatus {
	if r.status == "" {
		return HealthHealthy
	}
	return r.status
}

func (r HealthReport) Message() string {
	return strings.Join(r.reasons, "; ")
}

// Dashboard is a Grafana dashboard asset embedded by the plugin.
type Dashboard struct {
	Name string
	JSON []byte
}

// Manifest describes a plugin for discovery and registry metadata.
type Manifest struct {
	PluginID    string
	DisplayName string
	Version     string
	Services    []string
}

// Plugin is the compile-time contract for all moenhome plugins.
type Plugin interface {
	ID() string
	Manifest() Manifest
	AgentsMD() string
	Dashboards() []Dashboard
	RegisterGRPC(*grpc.Server) error
	Collectors() []prometheus.Collector
	Health() HealthStatus
	HealthMessage() string
}

// HTTPRegistrant allows plugins to expose HTTP handlers.
type HTTPRegistrant interface {
	RegisterHTTP(chi.Router)
}

// Runner is implemented by plugins with background work. Run blocks until ctx
// is done.
type Runner interface {
	Run(ctx context.Context)
}
