package moen

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"github.com/joshp123/moenhome/internal/core"
)

//go:embed AGENTS.md
var agentsMD string

//go:embed dashboard.json
var dashboardJSON []byte

const PluginID = "moen"

// Plugin implements the moenhome plugin contract.
type Plugin struct {
	accounts *Accounts
	// setupErr collects accounts or shared settings that could not be wired.
	// Accounts that were wired still poll.
	setupErr error
}

// NewPlugin wraps configured accounts. setupErr, if any, is reported through
// Health.
func NewPlugin(accounts *Accounts, setupErr error) *Plugin {
	return &Plugin{accounts: accounts, setupErr: setupErr}
}

// Accounts exposes the account registry to other host components.
func (p *Plugin) Accounts() *Accounts {
	return p.accounts
}

func (p *Plugin) ID() string {
	return PluginID
}

func (p *Plugin) Manifest() core.Manifest {
	return core.Manifest{
		PluginID:    PluginID,
		DisplayName: "Moen Smart Water",
		Version:     "0.1.0",
		Services:    []string{ServiceName},
	}
}

func (p *Plugin) AgentsMD() string {
	return agentsMD
}

func (p *Plugin) Dashboards() []core.Dashboard {
	return []core.Dashboard{{Name: "moen-overview", JSON: dashboardJSON}}
}

func (p *Plugin) RegisterGRPC(server *grpc.Server) error {
	return RegisterFaucetService(server, p.accounts)
}

func (p *Plugin) RegisterHTTP(r chi.Router) {
	registerHTTP(r, p.accounts)
}

func (p *Plugin) Collectors() []prometheus.Collector {
	if p.accounts == nil {
		return nil
	}
	return []prometheus.Collector{NewMetricsCollector(p.accounts)}
}

// Run polls every account until ctx is done.
func (p *Plugin) Run(ctx context.Context) {
	if p.accounts == nil {
		return
	}
	p.accounts.Run(ctx)
}

func (p *Plugin) Health() core.HealthStatus {
	return p.health().Status()
}

func (p *Plugin) HealthMessage() string {
	return p.health().Message()
}

// health is an error when no account can poll. It is degraded when some
// accounts failed to wire or any account's last cycle failed.
func (p *Plugin) health() core.HealthReport {
	var report core.HealthReport
	wired := p.accounts != nil && len(p.accounts.List()) > 0
	if p.setupErr != nil {
		status := core.HealthDegraded
		if !wired {
			status = core.HealthError
		}
		report.Add(status, p.setupErr.Error())
	}
	if !wired {
		if p.setupErr == nil {
			report.Add(core.HealthError, "no accounts configured")
		}
		return report
	}
	for _, account := range p.accounts.List() {
		snapshot := account.Coordinator.Snapshot()
		if snapshot.UpdatedAt.IsZero() || snapshot.Success {
			continue
		}
		report.Add(core.HealthDegraded, fmt.Sprintf("%s: %s", account.Name(), snapshot.Error))
	}
	return report
}
