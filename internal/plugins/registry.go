package plugins

import (
	"context"
	"log/slog"

	"github.com/joshp123/moenhome/internal/config"
	"github.com/joshp123/moenhome/internal/core"
)

// Env carries process-wide dependencies into plugin factories.
type Env struct {
	Context context.Context
	Logger  *slog.Logger
}

func (e Env) withDefaults() Env {
	if e.Context == nil {
		e.Context = context.Background()
	}
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	return e
}

// Factory builds a plugin instance from the loaded config.
type Factory func(Env, *config.Config) (core.Plugin, bool)

var compiled []Factory

// Register adds a compiled-in plugin factory to the registry.
func Register(factory Factory) {
	compiled = append(compiled, factory)
}

// Compiled returns the configured plugin instances for this build.
func Compiled(env Env, cfg *config.Config) []core.Plugin {
	if cfg == nil {
		return nil
	}
	env = env.withDefaults()
	out := make([]core.Plugin, 0, len(compiled))
	for _, factory := range compiled {
		plugin, ok := factory(env, cfg)
		if !ok {
			continue
		}
		out = append(out, plugin)
	}
	return out
}
