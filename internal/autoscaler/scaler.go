// Package autoscaler sizes the gateway fleet from the cloud's load view,
// with hysteresis thresholds and a cooldown between actions.
package autoscaler

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/5ggateway/edge-telemetry/internal/config"
	"github.com/5ggateway/edge-telemetry/internal/controlplane"
)

// floorGateway is the permanent member of the fleet; it is never removed
// regardless of load.
const floorGateway = "gateway-01"

var gatewayName = regexp.MustCompile(`^gateway-\d+$`)

// StatusClient is the subset of the control-plane client the scaler needs.
type StatusClient interface {
	GatewayStatus(ctx context.Context) (*controlplane.StatusResponse, error)
	Deregister(ctx context.Context, gatewayID string) error
}

// DockerRunner executes docker CLI commands. It exists so the control loop
// can be tested without a container runtime.
type DockerRunner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	return string(out), err
}

// NewDockerRunner returns a runner backed by the local docker CLI.
func NewDockerRunner() DockerRunner { return execRunner{} }

type Scaler struct {
	cfg       config.AutoscalerConfig
	status    StatusClient
	docker    DockerRunner
	logger    *zap.Logger
	lastScale time.Time
	now       func() time.Time
}

func New(cfg config.AutoscalerConfig, status StatusClient, docker DockerRunner, logger *zap.Logger) *Scaler {
	return &Scaler{
		cfg:    cfg,
		status: status,
		docker: docker,
		logger: logger,
		now:    time.Now,
	}
}

// Run polls and scales until the context is cancelled.
func (s *Scaler) Run(ctx context.Context) {
	interval := time.Duration(s.cfg.PollIntervalSeconds) * time.Second
	s.logger.Info("autoscaler started",
		zap.Duration("poll_interval", interval),
		zap.Float64("scale_up_threshold", s.cfg.ScaleUpThreshold),
		zap.Float64("scale_down_threshold", s.cfg.ScaleDownThreshold),
		zap.Int("max_gateways", s.cfg.MaxGateways),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.Tick(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs one control-loop iteration. Scale-up and scale-down are mutually
// exclusive per tick.
func (s *Scaler) Tick(ctx context.Context) {
	status, err := s.status.GatewayStatus(ctx)
	if err != nil {
		s.logger.Warn("cloud API unreachable", zap.Error(err))
		return
	}

	running, dockerOK := s.runningGateways(ctx)
	if dockerOK && len(status.Gateways) > 0 {
		s.cleanupStale(ctx, status.Gateways, running)
	}

	// Only consider gateways both reported by the cloud and actually
	// running; the floor gateway always counts.
	considered := map[string]controlplane.GatewayLoad{}
	for id, load := range status.Gateways {
		if !dockerOK {
			considered[id] = load
			continue
		}
		if _, ok := running[id]; ok || id == floorGateway {
			considered[id] = load
		}
	}

	count := len(considered)
	if count == 0 {
		s.logger.Info("no gateways reporting yet")
		return
	}

	var totalRate int64
	for _, load := range considered {
		totalRate += load.MessageRate
	}
	avgRate := float64(totalRate) / float64(count)

	now := s.now()
	cooldown := now.Sub(s.lastScale) < time.Duration(s.cfg.CooldownSeconds)*time.Second

	s.logStatus(considered, totalRate, avgRate, status.TotalRecordsSent, cooldown)
	if cooldown {
		return
	}

	top := highestNumber(considered)

	switch {
	case avgRate > s.cfg.ScaleUpThreshold && count < s.cfg.MaxGateways:
		s.logger.Info("scaling up",
			zap.Float64("avg_rate", avgRate),
			zap.Float64("threshold", s.cfg.ScaleUpThreshold),
		)
		if s.startGateway(ctx, top+1) {
			s.lastScale = now
		}

	case avgRate < s.cfg.ScaleDownThreshold && count > 1 && top > 1:
		s.logger.Info("scaling down",
			zap.Float64("avg_rate", avgRate),
			zap.Float64("threshold", s.cfg.ScaleDownThreshold),
		)
		s.stopGateway(ctx, fmt.Sprintf("gateway-%02d", top))
		s.lastScale = now
	}
}

// runningGateways asks docker for containers whose names match the gateway
// pattern. The bool result is false when docker itself is unavailable, in
// which case the cloud view is used as-is.
func (s *Scaler) runningGateways(ctx context.Context) (map[string]struct{}, bool) {
	out, err := s.docker.Run(ctx, "ps", "--filter", "name=gateway-", "--format", "{{.Names}}")
	if err != nil {
		s.logger.Warn("docker check failed", zap.Error(err))
		return nil, false
	}

	running := map[string]struct{}{}
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimSpace(line)
		if gatewayName.MatchString(name) {
			running[name] = struct{}{}
		}
	}
	return running, true
}

// cleanupStale deregisters gateways the cloud still lists but whose
// containers are gone. The floor gateway is exempt; it may run outside the
// autoscaler's naming scheme.
func (s *Scaler) cleanupStale(ctx context.Context, cloudGateways map[string]controlplane.GatewayLoad, running map[string]struct{}) {
	for id := range cloudGateways {
		if id == floorGateway {
			continue
		}
		if _, ok := running[id]; ok {
			continue
		}
		s.logger.Info("removing stale gateway", zap.String("gateway_id", id))
		if err := s.status.Deregister(ctx, id); err != nil {
			s.logger.Warn("deregister failed", zap.String("gateway_id", id), zap.Error(err))
		}
	}
}

func (s *Scaler) startGateway(ctx context.Context, num int) bool {
	id := fmt.Sprintf("gateway-%02d", num)
	s.logger.Info("starting gateway", zap.String("gateway_id", id))

	out, err := s.docker.Run(ctx, "run", "-d",
		"--name", id,
		"--network", s.cfg.DockerNetwork,
		"-e", "GATEWAY_ID="+id,
		s.cfg.DockerImage,
	)
	if err != nil {
		s.logger.Error("failed to start gateway",
			zap.String("gateway_id", id),
			zap.String("output", strings.TrimSpace(out)),
			zap.Error(err),
		)
		return false
	}
	s.logger.Info("gateway started", zap.String("gateway_id", id))
	return true
}

func (s *Scaler) stopGateway(ctx context.Context, id string) {
	s.logger.Info("stopping gateway", zap.String("gateway_id", id))

	out, err := s.docker.Run(ctx, "stop", id)
	switch {
	case err == nil:
		if _, err := s.docker.Run(ctx, "rm", id); err != nil {
			s.logger.Warn("container remove failed", zap.String("gateway_id", id), zap.Error(err))
		}
	case strings.Contains(out, "No such container"):
		s.logger.Info("container already gone", zap.String("gateway_id", id))
	default:
		s.logger.Error("container stop failed",
			zap.String("gateway_id", id),
			zap.String("output", strings.TrimSpace(out)),
			zap.Error(err),
		)
	}

	if err := s.status.Deregister(ctx, id); err != nil {
		s.logger.Warn("deregister failed", zap.String("gateway_id", id), zap.Error(err))
	}
}

func (s *Scaler) logStatus(gateways map[string]controlplane.GatewayLoad, totalRate int64, avgRate float64, totalSent int64, cooldown bool) {
	ids := make([]string, 0, len(gateways))
	for id := range gateways {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	s.logger.Info("fleet status",
		zap.Int("gateways", len(gateways)),
		zap.Int64("total_rate", totalRate),
		zap.Float64("avg_rate", avgRate),
		zap.Int64("total_sent", totalSent),
		zap.Bool("cooldown", cooldown),
		zap.Strings("ids", ids),
	)
}

// highestNumber returns the largest numeric suffix among gateway IDs, 1 if
// none parse.
func highestNumber(gateways map[string]controlplane.GatewayLoad) int {
	top := 0
	for id := range gateways {
		parts := strings.SplitN(id, "-", 2)
		if len(parts) != 2 {
			continue
		}
		n, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		if n > top {
			top = n
		}
	}
	if top == 0 {
		return 1
	}
	return top
}
