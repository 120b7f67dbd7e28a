package router

import (
	"fmt"

	"google.golang.org/grpc"

	"github.com/joshp123/moenhome/internal/core"
)

// RegisterPlugins registers the plugin registry and every plugin service on
// the gRPC server.
func RegisterPlugins(server *grpc.Server, plugins []core.Plugin) error {
	if err := core.NewRegistryService(plugins).Register(server); err != nil {
		return fmt.Errorf("register registry: %w", err)
	}
	for _, p := range plugins {
		if err := p.RegisterGRPC(server); err != nil {
			return fmt.Errorf("register plugin %s: %w", p.ID(), err)
		}
	}
	return nil
}
