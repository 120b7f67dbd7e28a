package core

import (
	"context"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	RegistryServiceName = "moenhome.registry.v1.Registry"
	registryFile        = "moenhome/registry/v1/registry.proto"
)

// PluginSummary is one entry of ListPlugins.
type PluginSummary struct {
	PluginID    string `json:"plugin_id"`
	DisplayName string `json:"display_name"`
	Version     string `json:"version"`
	Status      string `json:"status"`
}

// DashboardRef points at a dashboard served over HTTP.
type DashboardRef struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// PluginDescriptor is the DescribePlugin response.
type PluginDescriptor struct {
	PluginSummary
	Services      []string       `json:"services"`
	AgentsMD      string         `json:"agents_md"`
	HealthMessage string         `json:"health_message,omitempty"`
	Dashboards    []DashboardRef `json:"dashboards,omitempty"`
}

// RegistryService provides plugin discovery to clients.
type RegistryService struct {
	plugins []Plugin
	mu      sync.RWMutex
}

func NewRegistryService(plugins []Plugin) *RegistryService {
	return &RegistryService{plugins: plugins}
}

// Register mounts the registry on a gRPC server.
func (r *RegistryService) Register(server *grpc.Server) error {
	return RegisterService(server, Service{
		Name: RegistryServiceName,
		File: registryFile,
		Methods: []Method{
			{Name: "ListPlugins", Handler: func(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
				return NewStruct(map[string]any{"plugins": r.ListPlugins(ctx)})
			}},
			{Name: "DescribePlugin", Handler: func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
				id, err := StringArg(req, "plugin_id", true)
				if err != nil {
					return nil, err
				}
				descriptor, ok := r.DescribePlugin(ctx, id)
				if !ok {
					return nil, status.Errorf(codes.NotFound, "plugin %q not found", id)
				}
				return NewStruct(map[string]any{"plugin": descriptor})
			}},
		},
	})
}

func (r *RegistryService) ListPlugins(_ context.Context) []PluginSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PluginSummary, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, summarize(p))
	}
	return out
}

func (r *RegistryService) DescribePlugin(_ context.Context, id string) (PluginDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		manifest := p.Manifest()
		if manifest.PluginID != id {
			continue
		}

		descriptor := PluginDescriptor{
			PluginSummary: summarize(p),
			Services:      manifest.Services,
			AgentsMD:      p.AgentsMD(),
			HealthMessage: p.HealthMessage(),
		}
		for _, d := range p.Dashboards() {
			descriptor.Dashboards = append(descriptor.Dashboards, DashboardRef{
				Name: d.Name,
				Path: dashboardPath(manifest.PluginID, d.Name),
			})
		}
		return descriptor, true
	}
	return PluginDescriptor{}, false
}

func summarize(p Plugin) PluginSummary {
	manifest := p.Manifest()
	return PluginSummary{
		PluginID:    manifest.PluginID,
		DisplayName: manifest.DisplayName,
		Version:     manifest.Version,
		Status:      string(p.Health()),
	}
}
