package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/qnet-orchestrator/internal/health"
	"github.com/t77yq/qnet-orchestrator/internal/scaling"
)

// HealthSummarizer is implemented by the health manager
type HealthSummarizer interface {
	GetHealthSummary() health.Summary
	GetUnhealthyNodes() []string
}

// FleetValidator is implemented by the scaling manager
type FleetValidator interface {
	ValidateScalingHealth(ctx context.Context) scaling.FleetReport
}

// Retention prunes old events from the history store
type Retention interface {
	DeleteBefore(ctx context.Context, before time.Time) error
}

// FleetReport is the combined periodic report
type FleetReport struct {
	Timestamp      time.Time           `json:"timestamp"`
	Health         health.Summary      `json:"health"`
	Scaling        scaling.FleetReport `json:"scaling"`
	UnhealthyNodes []string            `json:"unhealthy_nodes,omitempty"`
}

// ReporterConfig holds the reporter schedule and retention window
type ReporterConfig struct {
	Schedule  string        // cron expression with seconds field
	Retention time.Duration // events older than this are pruned
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// Reporter runs a scheduled fleet report: health summary plus scaling
// validation, published to JetStream and followed by event retention.
type Reporter struct {
	logger    *zap.Logger
	cron      *cron.Cron
	js        nats.JetStreamContext
	health    HealthSummarizer
	validator FleetValidator
	retention Retention
	cfg       ReporterConfig
}

// NewReporter creates a reporter. js and retention may be nil; the
// report then only lands in the logs.
func NewReporter(js nats.JetStreamContext, summarizer HealthSummarizer, validator FleetValidator,
	retention Retention, cfg ReporterConfig, logger *zap.Logger) *Reporter {
	log := logger.Named("reporter")
	if cfg.Schedule == "" {
		cfg.Schedule = "0 */5 * * * *" // every five minutes
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}

	return &Reporter{
		logger: log,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(&cronLogger{logger: log.Named("cron")})),
		),
		js:        js,
		health:    summarizer,
		validator: validator,
		retention: retention,
		cfg:       cfg,
	}
}

// Start schedules the report job and starts the cron loop
func (r *Reporter) Start(ctx context.Context) error {
	if r.js != nil {
		if _, err := r.js.StreamInfo("FLEET_REPORTS"); err == nats.ErrStreamNotFound {
			_, err = r.js.AddStream(&nats.StreamConfig{
				Name:     "FLEET_REPORTS",
				Subjects: []string{"fleet.report"},
				Storage:  nats.FileStorage,
				MaxAge:   7 * 24 * time.Hour,
			})
			if err != nil {
				return fmt.Errorf("failed to create report stream: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("failed to get report stream info: %w", err)
		}
	}

	if _, err := r.cron.AddFunc(r.cfg.Schedule, func() { r.run(ctx) }); err != nil {
		return fmt.Errorf("invalid report schedule %q: %w", r.cfg.Schedule, err)
	}

	r.cron.Start()
	r.logger.Info("Fleet reporter started", zap.String("schedule", r.cfg.Schedule))
	return nil
}

// Stop stops the cron loop and waits for a running job to finish
func (r *Reporter) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

func (r *Reporter) run(ctx context.Context) {
	report := FleetReport{
		Timestamp:      time.Now(),
		Health:         r.health.GetHealthSummary(),
		Scaling:        r.validator.ValidateScalingHealth(ctx),
		UnhealthyNodes: r.health.GetUnhealthyNodes(),
	}

	r.logger.Info("Fleet report",
		zap.Int("total_nodes", report.Scaling.TotalNodes),
		zap.Float64("average_health", report.Health.AverageHealth),
		zap.Float64("average_utilization", report.Scaling.AverageUtilization),
		zap.Strings("unhealthy_nodes", report.UnhealthyNodes),
		zap.Strings("recommendations", report.Scaling.Recommendations))

	if r.js != nil {
		data, err := json.Marshal(report)
		if err != nil {
			r.logger.Error("Failed to marshal fleet report", zap.Error(err))
		} else if _, err := r.js.Publish("fleet.report", data); err != nil {
			r.logger.Warn("Failed to publish fleet report", zap.Error(err))
		}
	}

	if r.retention != nil {
		cutoff := time.Now().Add(-r.cfg.Retention)
		if err := r.retention.DeleteBefore(ctx, cutoff); err != nil {
			r.logger.Error("Event retention cleanup failed", zap.Error(err))
		}
	}
}
