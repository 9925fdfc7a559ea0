// Package gateway wires the edge components together and manages their
// lifecycle: intake, scoring, buffering, replication, upload and the
// control-plane cadence.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/5ggateway/edge-telemetry/internal/auth"
	"github.com/5ggateway/edge-telemetry/internal/buffer"
	"github.com/5ggateway/edge-telemetry/internal/config"
	"github.com/5ggateway/edge-telemetry/internal/controlplane"
	"github.com/5ggateway/edge-telemetry/internal/detector"
	"github.com/5ggateway/edge-telemetry/internal/metrics"
	"github.com/5ggateway/edge-telemetry/internal/model"
	"github.com/5ggateway/edge-telemetry/internal/mqtt"
	"github.com/5ggateway/edge-telemetry/internal/peer"
	"github.com/5ggateway/edge-telemetry/internal/uploader"
)

// bootstrapDevices are pre-seeded so the demo sensors can publish before
// their first auto-provisioning round trip.
var bootstrapDevices = []string{"device-01", "device-02", "device-03"}

type Supervisor struct {
	cfg      *config.Config
	logger   *zap.Logger
	auth     *auth.Registry
	detector *detector.Detector
	control  *controlplane.Client
	uploader *uploader.Uploader
	engine   *peer.Engine
	peerSrv  *peer.Server
	ingestor *mqtt.Ingestor

	bufMu sync.Mutex
	buf   *buffer.Buffer

	// msgCount is the accepted-message counter sampled and reset by each
	// heartbeat to produce message_rate.
	msgCount atomic.Int64

	uploadSem chan struct{}
	uploads   sync.WaitGroup
}

func NewSupervisor(cfg *config.Config, logger *zap.Logger) *Supervisor {
	gw := cfg.Gateway

	s := &Supervisor{
		cfg:       cfg,
		logger:    logger,
		auth:      auth.NewRegistry(logger.Named("auth")),
		detector:  detector.New(),
		control:   controlplane.NewClient(gw.CloudURL, gw.APIKey, gw.ID),
		uploadSem: make(chan struct{}, gw.UploadConcurrency),
		buf:       buffer.New(gw.BatchSize, time.Duration(gw.MaxWaitSeconds)*time.Second),
	}

	s.uploader = uploader.New(
		gw.CloudURL, gw.APIKey, gw.ID, gw.Secret,
		time.Duration(gw.UploadTimeoutSeconds)*time.Second,
		gw.CompressUploads,
		logger.Named("uploader"),
	)

	s.engine = peer.NewEngine(gw.ID, s.buf, s.control, peer.Options{
		LogMax:       cfg.Peer.LogMax,
		SeenMax:      cfg.Peer.SeenMax,
		SyncInterval: time.Duration(cfg.Peer.SyncIntervalSeconds) * time.Second,
		Warmup:       time.Duration(cfg.Peer.WarmupSeconds) * time.Second,
		PullTimeout:  time.Duration(cfg.Peer.PullTimeoutSeconds) * time.Second,
		PeerPort:     cfg.Peer.Port,
	}, logger.Named("peer"))

	s.peerSrv = peer.NewServer(cfg.Peer.Listen, s.engine, logger.Named("peer.server"))

	s.ingestor = mqtt.NewIngestor(mqtt.Options{
		BrokerHost:        cfg.MQTT.BrokerHost,
		BrokerPort:        cfg.MQTT.BrokerPort,
		ClientID:          gw.ID,
		ShareGroup:        cfg.MQTT.ShareGroup,
		Topics:            cfg.MQTT.Topics,
		ReconnectInterval: time.Duration(cfg.MQTT.ReconnectIntervalSeconds) * time.Second,
		WorkerCount:       gw.WorkerCount,
	}, s.pipeline, logger.Named("mqtt"))

	for _, id := range bootstrapDevices {
		s.auth.Register(id, auth.ProvisioningSecret)
	}

	return s
}

func (s *Supervisor) buffer() *buffer.Buffer {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	return s.buf
}

// addToBuffer holds the buffer lock across the add so a record can never
// land in a buffer a concurrent config swap has already drained.
func (s *Supervisor) addToBuffer(r *model.Reading) buffer.AddResult {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	return s.buf.Add(r)
}

// pipeline runs the per-message path: authenticate, score, buffer,
// replicate. Called concurrently from the ingestor's worker pool.
func (s *Supervisor) pipeline(r *model.Reading) {
	if !s.auth.Authenticate(r.DeviceID, r.Signature) {
		metrics.MessagesTotal.WithLabelValues(r.Topic, "rejected").Inc()
		s.logger.Warn("device authentication failed",
			zap.String("device_id", r.DeviceID),
			zap.String("topic", r.Topic),
		)
		return
	}
	r.Signature = ""

	res := s.detector.Score(r.ProfileKey(), r.Value)
	r.Scored = true
	r.IsAnomaly = res.IsAnomaly
	r.AnomalyScore = res.Score
	r.HasProfile = res.HasProfile
	r.ModelTimestamp = res.ModelTimestamp
	if res.IsAnomaly {
		metrics.AnomaliesTotal.WithLabelValues(r.SensorType).Inc()
		s.logger.Info("anomaly detected",
			zap.String("profile", r.ProfileKey()),
			zap.Float64("value", r.Value),
			zap.Float64("score", res.Score),
		)
	}

	if s.addToBuffer(r) == buffer.Duplicate {
		metrics.MessagesTotal.WithLabelValues(r.Topic, "duplicate").Inc()
		return
	}

	s.msgCount.Add(1)
	metrics.MessagesTotal.WithLabelValues(r.Topic, "accepted").Inc()
	s.engine.AddToLog(r)
}

// Run starts everything and blocks until the context is cancelled, then
// performs the best-effort shutdown drain.
func (s *Supervisor) Run(ctx context.Context) error {
	// First config fetch and heartbeat are best-effort: the cloud may not
	// be up yet, and the periodic loop will catch up.
	if rc, err := s.control.FetchConfig(ctx); err != nil {
		s.logger.Warn("initial config fetch failed", zap.Error(err))
	} else {
		s.applyRuntimeConfig(rc)
	}
	if err := s.control.SendHeartbeat(ctx, 0, 0); err != nil {
		s.logger.Warn("initial heartbeat failed", zap.Error(err))
	}

	if err := s.peerSrv.Start(); err != nil {
		return fmt.Errorf("starting peer server: %w", err)
	}
	if err := s.ingestor.Start(); err != nil {
		return fmt.Errorf("starting mqtt ingestor: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); s.drainLoop(ctx) }()
	go func() { defer wg.Done(); s.controlLoop(ctx) }()
	go func() { defer wg.Done(); s.engine.Run(ctx) }()

	s.logger.Info("gateway running", zap.String("gateway_id", s.cfg.Gateway.ID))

	<-ctx.Done()
	s.logger.Info("shutting down")

	// Stop intake first so the final flush sees everything the workers had
	// in flight.
	s.ingestor.Stop()
	wg.Wait()
	s.uploads.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(s.cfg.Service.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := s.peerSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("peer server shutdown error", zap.Error(err))
	}

	s.drainRemaining(shutdownCtx)
	s.logger.Info("gateway stopped")
	return nil
}

// drainLoop greedily drains every currently-ready batch, then idles briefly.
// Greedy draining matters under bursty load: a single batch per pass would
// let the buffer outgrow the uploader.
func (s *Supervisor) drainLoop(ctx context.Context) {
	idle := time.Duration(s.cfg.Gateway.DrainIdleMs) * time.Millisecond

	for {
		for {
			batch := s.buffer().BatchIfReady()
			if batch == nil {
				break
			}
			metrics.BatchSize.Observe(float64(len(batch)))

			s.uploadSem <- struct{}{}
			s.uploads.Add(1)
			go func(batch []*model.Reading) {
				defer func() { <-s.uploadSem; s.uploads.Done() }()
				if err := s.uploader.Send(ctx, batch); err != nil {
					s.logger.Warn("requeuing failed batch",
						zap.Int("records", len(batch)),
						zap.Error(err),
					)
					s.buffer().Requeue(batch)
				}
			}(batch)
		}

		select {
		case <-time.After(idle):
		case <-ctx.Done():
			return
		}
	}
}

// controlLoop drives the periodic control-plane cadence: config refresh and
// heartbeat on one ticker, model refresh on another.
func (s *Supervisor) controlLoop(ctx context.Context) {
	configTicker := time.NewTicker(time.Duration(s.cfg.Gateway.ConfigCheckSeconds) * time.Second)
	modelTicker := time.NewTicker(time.Duration(s.cfg.Gateway.ModelCheckSeconds) * time.Second)
	defer configTicker.Stop()
	defer modelTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-configTicker.C:
			if rc, err := s.control.FetchConfig(ctx); err != nil {
				s.logger.Warn("config refresh failed", zap.Error(err))
			} else {
				s.applyRuntimeConfig(rc)
			}

			rate := s.msgCount.Swap(0)
			if err := s.control.SendHeartbeat(ctx, rate, s.uploader.RecordsSent()); err != nil {
				s.logger.Warn("heartbeat failed", zap.Error(err))
			}

		case <-modelTicker.C:
			artifact, err := s.control.FetchModel(ctx)
			if err != nil {
				s.logger.Warn("model refresh failed", zap.Error(err))
				continue
			}
			if artifact == nil {
				continue // still pending
			}
			if artifact.GeneratedAt != s.detector.GeneratedAt() {
				s.detector.Swap(artifact)
				s.logger.Info("model updated",
					zap.Int64("generated_at", artifact.GeneratedAt),
					zap.Int("profiles", len(artifact.Features)),
				)
			}
		}
	}
}

// applyRuntimeConfig swaps in a new buffer when the cloud changes the batch
// sizing. Pending records are carried over at the head of the new buffer.
func (s *Supervisor) applyRuntimeConfig(rc *controlplane.RuntimeConfig) {
	if rc == nil || rc.BatchSize <= 0 || rc.MaxWaitSeconds <= 0 {
		return
	}
	maxWait := time.Duration(rc.MaxWaitSeconds * float64(time.Second))

	s.bufMu.Lock()
	if s.buf.BatchSize() == rc.BatchSize && s.buf.MaxWait() == maxWait {
		s.bufMu.Unlock()
		return
	}
	old := s.buf
	next := buffer.New(rc.BatchSize, maxWait)
	s.buf = next
	s.bufMu.Unlock()

	// Re-point the peer engine before draining the old buffer: a pull
	// racing the swap must land in the new buffer, not the discarded one.
	// Requeue keeps the carried-over records ahead of anything added to
	// the new buffer in the meantime.
	s.engine.SetBuffer(next)
	next.Requeue(old.FlushAll())
	s.logger.Info("buffer resized",
		zap.Int("batch_size", rc.BatchSize),
		zap.Duration("max_wait", maxWait),
	)
}

// drainRemaining flushes everything still buffered and sends it in
// batch-size chunks, synchronously and best-effort.
func (s *Supervisor) drainRemaining(ctx context.Context) {
	remaining := s.buffer().FlushAll()
	if len(remaining) == 0 {
		return
	}
	s.logger.Info("draining remaining records", zap.Int("records", len(remaining)))

	size := s.buffer().BatchSize()
	for start := 0; start < len(remaining); start += size {
		end := start + size
		if end > len(remaining) {
			end = len(remaining)
		}
		if err := s.uploader.Send(ctx, remaining[start:end]); err != nil {
			s.logger.Error("shutdown drain batch lost",
				zap.Int("records", end-start),
				zap.Error(err),
			)
		}
	}
}
