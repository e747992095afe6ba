package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/qnet-orchestrator/internal/audit"
	"github.com/t77yq/qnet-orchestrator/internal/catalog"
	"github.com/t77yq/qnet-orchestrator/internal/fleet"
	"github.com/t77yq/qnet-orchestrator/internal/health"
	"github.com/t77yq/qnet-orchestrator/internal/lifecycle"
	"github.com/t77yq/qnet-orchestrator/internal/model"
	"github.com/t77yq/qnet-orchestrator/internal/monitor"
	"github.com/t77yq/qnet-orchestrator/internal/probe"
	"github.com/t77yq/qnet-orchestrator/internal/provision"
	"github.com/t77yq/qnet-orchestrator/internal/registry"
	"github.com/t77yq/qnet-orchestrator/internal/scaling"
	"github.com/t77yq/qnet-orchestrator/internal/storage"
)

func main() {
	// Initialize logger
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	if err := viper.ReadInConfig(); err != nil {
		logger.Fatal("Failed to read config file", zap.Error(err))
	}

	// Connect to NATS with retry
	opts := []nats.Option{
		nats.Name(viper.GetString("app.name")),
		nats.MaxReconnects(viper.GetInt("nats.max_reconnects")),
		nats.ReconnectWait(viper.GetDuration("nats.reconnect_wait")),
		nats.Timeout(viper.GetDuration("nats.connect_timeout")),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(viper.GetString("nats.urls.0"), opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}

	// Event history + audit sink
	eventStore, err := storage.NewSQLiteEventStore(logger, viper.GetString("storage.event_db"))
	if err != nil {
		logger.Fatal("Failed to open event store", zap.Error(err))
	}
	defer eventStore.Close()

	jsSink, err := audit.NewJetStreamSink(js, logger)
	if err != nil {
		logger.Fatal("Failed to create audit sink", zap.Error(err))
	}
	sink := audit.MultiSink{jsSink, audit.NewStoreSink(eventStore)}

	// Module catalog, registry and lifecycle
	cat := catalog.NewCatalog(logger)

	checker := probe.NewHTTPChecker(viper.GetDuration("registry.probe_timeout"), logger)
	controller := probe.NewHTTPController(viper.GetDuration("registry.probe_timeout"), logger)
	reg := registry.NewRegistry(cat, checker, controller, nil, registry.Config{
		CheckInterval:       viper.GetDuration("registry.check_interval"),
		FailureThreshold:    viper.GetInt("registry.failure_threshold"),
		MaxRecoveryAttempts: viper.GetInt("registry.max_recovery_attempts"),
	}, logger)

	resolver := catalog.NewResolver(cat, reg, logger)
	lm := lifecycle.NewManager(resolver, reg, controller, logger)

	// Load module descriptors from config
	var descriptors []model.ModuleDescriptor
	if err := viper.UnmarshalKey("modules", &descriptors); err != nil {
		logger.Fatal("Failed to parse module config", zap.Error(err))
	}
	if validation := lm.ValidateDependencies(descriptors); !validation.IsValid {
		logger.Fatal("Invalid module configuration",
			zap.Strings("errors", validation.Errors))
	}
	for _, desc := range descriptors {
		if endpoint := viper.GetString("endpoints." + desc.ID); endpoint != "" {
			desc.Endpoint = endpoint
		}
		if result := reg.RegisterModule(desc); !result.Success {
			logger.Fatal("Failed to register module",
				zap.String("module_id", desc.ID),
				zap.String("error", result.Error))
		}
		controller.SetEndpoint(desc.ID, desc.Endpoint)
	}

	// Node fleet, health and scaling
	nodeFleet := fleet.NewFleet(logger)
	metrics := probe.NewLocalMetrics(
		viper.GetString("metrics.disk_path"),
		viper.GetString("metrics.latency_target"),
		logger)

	healthMgr := health.NewManager(nodeFleet, metrics, sink, health.Config{
		Thresholds: health.Thresholds{
			Critical: viper.GetFloat64("health.thresholds.critical"),
			Warning:  viper.GetFloat64("health.thresholds.warning"),
			Healthy:  viper.GetFloat64("health.thresholds.healthy"),
		},
		HistoryLimit: viper.GetInt("health.history_limit"),
	}, logger)

	provisioner, err := provision.NewDockerProvisioner(provision.DockerConfig{
		Image: viper.GetString("provision.image"),
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create node provisioner", zap.Error(err))
	}

	scalingMgr := scaling.NewManager(nodeFleet, metrics, healthMgr, provisioner, sink, scaling.Config{
		MinNodes:        viper.GetInt("scaling.min_nodes"),
		MaxNodes:        viper.GetInt("scaling.max_nodes"),
		BatchSize:       viper.GetInt("scaling.batch_size"),
		Region:          viper.GetString("scaling.region"),
		Cooldown:        viper.GetDuration("scaling.cooldown"),
		MonitorInterval: viper.GetDuration("scaling.monitor_interval"),
	}, logger)

	// Fleet reporter on a cron schedule
	reporter := monitor.NewReporter(js, healthMgr, scalingMgr, eventStore, monitor.ReporterConfig{
		Schedule:  viper.GetString("reporter.schedule"),
		Retention: viper.GetDuration("reporter.retention"),
	}, logger)

	// Signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	// Bootstrap the fleet to its minimum size
	for nodeFleet.ActiveCount() < viper.GetInt("scaling.min_nodes") {
		node, err := provisioner.Provision(ctx, viper.GetString("scaling.region"))
		if err != nil {
			logger.Fatal("Failed to bootstrap fleet", zap.Error(err))
		}
		node.Status = model.NodeStatusActive
		nodeFleet.Add(node)
	}

	// Bring the module catalog up in dependency order
	report, err := lm.StartModules(ctx)
	if err != nil {
		logger.Fatal("Failed to plan module startup", zap.Error(err))
	}
	if !report.Success {
		for _, failure := range report.FailedModules {
			logger.Error("Module failed to start",
				zap.String("module_id", failure.ModuleID),
				zap.String("error", failure.Error))
		}
	}
	logger.Info("Module startup complete",
		zap.Strings("started", report.StartedModules),
		zap.Int("failed", len(report.FailedModules)),
		zap.Duration("total_time", report.TotalTime))

	// Start the control loops
	reg.StartHealthMonitoring(ctx)
	scalingMgr.Start(ctx)
	if err := scalingMgr.SubscribeNodeStats(js); err != nil {
		logger.Fatal("Failed to subscribe to node stats", zap.Error(err))
	}
	if err := reporter.Start(ctx); err != nil {
		logger.Fatal("Failed to start fleet reporter", zap.Error(err))
	}

	<-ctx.Done()

	// Graceful shutdown: stop loops, then stop modules in reverse order
	reporter.Stop()
	scalingMgr.Stop()
	reg.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	stopReport, err := lm.StopModules(shutdownCtx)
	if err != nil {
		logger.Error("Failed to plan module shutdown", zap.Error(err))
	} else if !stopReport.GracefulShutdown {
		logger.Warn("Some modules failed to stop cleanly",
			zap.Int("failed", len(stopReport.FailedModules)))
	}

	logger.Info("Server shutting down gracefully")
}
