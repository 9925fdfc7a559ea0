// Package trainer periodically rebuilds the z-score model from the cloud's
// training snapshot and publishes the artifact for gateway consumption.
package trainer

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/5ggateway/edge-telemetry/internal/cloud"
	"github.com/5ggateway/edge-telemetry/internal/model"
)

type Trainer struct {
	dataPath        string
	modelPath       string
	interval        time.Duration
	minObservations int
	windowSize      int
	logger          *zap.Logger
}

func New(dataDir string, interval time.Duration, minObservations, windowSize int, logger *zap.Logger) *Trainer {
	return &Trainer{
		dataPath:        filepath.Join(dataDir, cloud.HistoricalDataFile),
		modelPath:       filepath.Join(dataDir, cloud.ModelFile),
		interval:        interval,
		minObservations: minObservations,
		windowSize:      windowSize,
		logger:          logger,
	}
}

// Run retrains on the configured cadence until the context is cancelled.
func (t *Trainer) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		if err := t.TrainOnce(); err != nil {
			t.logger.Error("training pass failed", zap.Error(err))
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// TrainOnce reads the training snapshot, computes per-profile statistics and
// publishes the artifact. A missing or empty snapshot is a quiet no-op; the
// cloud simply has not exported yet.
func (t *Trainer) TrainOnce() error {
	info, err := os.Stat(t.dataPath)
	if err != nil || info.Size() == 0 {
		t.logger.Debug("training data not ready")
		return nil
	}

	data, err := os.ReadFile(t.dataPath)
	if err != nil {
		return fmt.Errorf("reading training data: %w", err)
	}

	var readings []*model.Reading
	if err := json.Unmarshal(data, &readings); err != nil {
		return fmt.Errorf("parsing training data: %w", err)
	}

	features := BuildFeatures(readings, t.minObservations)
	if len(features) == 0 {
		t.logger.Info("not enough data to train model yet")
		return nil
	}

	artifact := &model.Artifact{
		ModelType:          model.ZScoreModelType,
		GeneratedAt:        time.Now().Unix(),
		TrainingWindowSize: t.windowSize,
		Features:           features,
	}
	if err := t.persist(artifact); err != nil {
		return err
	}

	t.logger.Info("published model",
		zap.Int64("generated_at", artifact.GeneratedAt),
		zap.Int("profiles", len(features)),
	)
	return nil
}

// BuildFeatures computes mean and population stddev per profile, dropping
// profiles with fewer than minObservations samples.
func BuildFeatures(readings []*model.Reading, minObservations int) map[string]model.Profile {
	values := map[string][]float64{}
	for _, r := range readings {
		if r.DeviceID == "" || r.SensorType == "" {
			continue
		}
		key := r.ProfileKey()
		values[key] = append(values[key], r.Value)
	}

	features := map[string]model.Profile{}
	for key, vs := range values {
		if len(vs) < minObservations {
			continue
		}

		var sum float64
		for _, v := range vs {
			sum += v
		}
		mean := sum / float64(len(vs))

		var sqSum float64
		for _, v := range vs {
			d := v - mean
			sqSum += d * d
		}
		stddev := math.Sqrt(sqSum / float64(len(vs)))
		if stddev < model.MinStddev {
			stddev = model.MinStddev
		}

		features[key] = model.Profile{
			Mean:    mean,
			Stddev:  stddev,
			Samples: len(vs),
			NSigma:  model.DefaultNSigma,
		}
	}
	return features
}

// persist writes the artifact via tmp+rename so gateways never fetch a
// partial model.
func (t *Trainer) persist(artifact *model.Artifact) error {
	data, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("marshaling artifact: %w", err)
	}

	tmp := t.modelPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing artifact: %w", err)
	}
	if err := os.Rename(tmp, t.modelPath); err != nil {
		return fmt.Errorf("publishing artifact: %w", err)
	}
	return nil
}
