package probe

import (
	"context"
	"net"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/qnet-orchestrator/internal/health"
	"github.com/t77yq/qnet-orchestrator/internal/model"
)

// LocalMetrics samples resource usage from the local host. CPU, memory
// and disk come from the system; network latency is measured by timing
// a TCP dial against the configured target.
type LocalMetrics struct {
	logger        *zap.Logger
	diskPath      string
	latencyTarget string // host:port; empty disables the latency probe
	dialTimeout   time.Duration
}

// NewLocalMetrics creates a local metrics source
func NewLocalMetrics(diskPath, latencyTarget string, logger *zap.Logger) *LocalMetrics {
	if diskPath == "" {
		diskPath = "/"
	}
	return &LocalMetrics{
		logger:        logger.Named("local-metrics"),
		diskPath:      diskPath,
		latencyTarget: latencyTarget,
		dialTimeout:   3 * time.Second,
	}
}

// Collect returns a fresh resource sample. Individual signal failures
// are logged and leave that signal at zero; the sample itself is never
// lost to a partial failure.
func (lm *LocalMetrics) Collect(ctx context.Context, nodeID string) (model.NodeResources, error) {
	var resources model.NodeResources

	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		lm.logger.Warn("Failed to get CPU usage", zap.Error(err))
	} else if len(cpuPercent) > 0 {
		resources.CPU = cpuPercent[0]
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		lm.logger.Warn("Failed to get memory usage", zap.Error(err))
	} else {
		resources.Memory = memInfo.UsedPercent
	}

	diskInfo, err := disk.UsageWithContext(ctx, lm.diskPath)
	if err != nil {
		lm.logger.Warn("Failed to get disk usage",
			zap.String("path", lm.diskPath), zap.Error(err))
	} else {
		resources.Disk = diskInfo.UsedPercent
	}

	if lm.latencyTarget != "" {
		start := time.Now()
		conn, err := net.DialTimeout("tcp", lm.latencyTarget, lm.dialTimeout)
		if err != nil {
			lm.logger.Debug("Latency probe failed",
				zap.String("target", lm.latencyTarget), zap.Error(err))
			resources.Network = float64(lm.dialTimeout.Milliseconds())
		} else {
			conn.Close()
			resources.Network = float64(time.Since(start).Milliseconds())
		}
	}

	return resources, nil
}

// Probe implements the health prober contract on top of Collect. The
// local source has no service error counters, so the error rate is
// reported as zero.
func (lm *LocalMetrics) Probe(ctx context.Context, nodeID string) (health.ProbeSample, error) {
	resources, err := lm.Collect(ctx, nodeID)
	if err != nil {
		return health.ProbeSample{}, err
	}
	return health.ProbeSample{Resources: resources}, nil
}
