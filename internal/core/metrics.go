package core

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRegistry builds a registry from the host's shared collectors and
// every plugin's collectors. Collectors describing series that are already
// registered are skipped; any other conflict names the plugin that caused it.
func MetricsRegistry(plugins []Plugin, shared ...prometheus.Collector) (*prometheus.Registry, error) {
	registry := prometheus.NewRegistry()
	register := func(owner string, c prometheus.Collector) error {
		err := registry.Register(c)
		var already prometheus.AlreadyRegisteredError
		if err == nil || errors.As(err, &already) {
			return nil
		}
		return fmt.Errorf("register %s collector: %w", owner, err)
	}

	for _, c := range shared {
		if err := register("shared", c); err != nil {
			return nil, err
		}
	}
	for _, plugin := range plugins {
		for _, c := range plugin.Collectors() {
			if err := register(plugin.ID(), c); err != nil {
				return nil, err
			}
		}
	}
	return registry, nil
}
