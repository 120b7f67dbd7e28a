package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/joshp123/moenhome/internal/config"
	"github.com/joshp123/moenhome/internal/core"
	"github.com/joshp123/moenhome/internal/mqttpub"
	"github.com/joshp123/moenhome/internal/oauth"
	"github.com/joshp123/moenhome/internal/plugins"
	"github.com/joshp123/moenhome/internal/rate"
	"github.com/joshp123/moenhome/internal/router"
	"github.com/joshp123/moenhome/internal/server"
	"github.com/joshp123/moenhome/plugins/moen"
)

const shutdownTimeout = 10 * time.Second

func serveMain(args []string) {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := flags.String("config", defaultConfigPath(), "Path to config.yaml")
	_ = flags.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("config", err)
	}
	logger, err := newLogger(cfg.Core, os.Stderr)
	if err != nil {
		fatal("config", err)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("moenhome stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("moenhome stopped")
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	enabled := config.EnabledPlugins(cfg)
	compiled := plugins.Compiled(plugins.Env{Context: ctx, Logger: logger}, cfg)
	if err := core.ValidateEnabledPlugins(compiled, enabled, false); err != nil {
		return err
	}
	active := core.FilterPlugins(compiled, enabled, false)
	if err := core.ValidatePlugins(active); err != nil {
		return err
	}
	for _, p := range active {
		if p.Health() != core.HealthHealthy {
			logger.Warn("plugin not healthy at startup", "plugin", p.ID(), "status", p.Health(), "message", p.HealthMessage())
		}
	}

	dashboards, err := core.CollectDashboards(active)
	if err != nil {
		return err
	}
	if err := core.WriteDashboards(cfg.Core.DashboardDir, dashboards); err != nil {
		logger.Warn("write dashboards failed", "dir", cfg.Core.DashboardDir, "error", err)
	}

	grpcServer, err := server.NewGRPCServer(cfg.Core.GRPCAddr, logger)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	if err := router.RegisterPlugins(grpcServer.Server, active); err != nil {
		return err
	}

	registry, err := core.MetricsRegistry(active, sharedCollectors()...)
	if err != nil {
		return err
	}
	httpServer := server.NewHTTPServer(cfg.Core.HTTPAddr, server.NewRouter(active, registry, dashboards))

	if cfg.MQTT != nil {
		broker, err := startBridge(ctx, cfg.MQTT, active, logger)
		if err != nil {
			return err
		}
		defer broker.Close()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("grpc listening", "addr", grpcServer.Listener.Addr().String())
		if err := grpcServer.Serve(); err != nil {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("http listening", "addr", cfg.Core.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	for _, p := range active {
		runner, ok := p.(core.Runner)
		if !ok {
			continue
		}
		g.Go(func() error {
			runner.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		grpcServer.Stop(shutdownTimeout)
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func sharedCollectors() []prometheus.Collector {
	shared := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "moenhome_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"version": version},
		}, func() float64 { return 1 }),
	}
	shared = append(shared, server.MetricsCollectors()...)
	shared = append(shared, oauth.MetricsCollectors()...)
	return append(shared, rate.MetricsCollectors()...)
}

// startBridge connects to the broker and mirrors every moen account onto it.
func startBridge(ctx context.Context, mc *config.MQTTConfig, active []core.Plugin, logger *slog.Logger) (*mqttpub.Client, error) {
	var accounts *moen.Accounts
	for _, p := range active {
		if mp, ok := p.(*moen.Plugin); ok {
			accounts = mp.Accounts()
		}
	}
	if accounts == nil {
		return nil, fmt.Errorf("mqtt configured but the moen plugin is not enabled")
	}

	var password string
	if mc.PasswordFile != "" {
		secret, err := config.ReadSecretFile(mc.PasswordFile)
		if err != nil {
			return nil, fmt.Errorf("mqtt password: %w", err)
		}
		password = secret
	}

	qos := config.DefaultMQTTQoS
	if mc.QoS != nil {
		qos = *mc.QoS
	}
	client, err := mqttpub.Connect(mqttpub.Options{
		Broker:      mc.Broker,
		ClientID:    mc.ClientID,
		Username:    mc.Username,
		Password:    password,
		QoS:         byte(qos),
		StatusTopic: mqttpub.StatusTopic(mc.TopicPrefix),
	}, logger)
	if err != nil {
		return nil, err
	}

	bridge := mqttpub.NewBridge(client, accounts, mc.TopicPrefix, logger)
	if err := bridge.Start(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}
