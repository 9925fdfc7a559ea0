// Package detector scores readings against cloud-trained z-score profiles.
package detector

import (
	"sync"

	"github.com/5ggateway/edge-telemetry/internal/metrics"
	"github.com/5ggateway/edge-telemetry/internal/model"
)

// Result is the scoring outcome attached to a reading.
type Result struct {
	IsAnomaly      bool
	Score          float64
	HasProfile     bool
	ModelTimestamp int64
}

// Detector holds the current model. Swap replaces it atomically; Score holds
// the lock only for the profile lookup, so a swap never stalls the pipeline.
type Detector struct {
	mu          sync.RWMutex
	features    map[string]model.Profile
	generatedAt int64
}

func New() *Detector {
	return &Detector{features: map[string]model.Profile{}}
}

// Swap installs a new model artifact.
func (d *Detector) Swap(a *model.Artifact) {
	if a == nil || a.Features == nil {
		return
	}
	d.mu.Lock()
	d.features = a.Features
	d.generatedAt = a.GeneratedAt
	d.mu.Unlock()
	metrics.ModelSwapsTotal.Inc()
}

// GeneratedAt returns the timestamp of the loaded model, 0 if none.
func (d *Detector) GeneratedAt() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.generatedAt
}

// Score computes the z-score anomaly verdict for one reading. A missing
// profile is not an error; the reading passes through unflagged.
func (d *Detector) Score(profileKey string, value float64) Result {
	d.mu.RLock()
	profile, ok := d.features[profileKey]
	generatedAt := d.generatedAt
	d.mu.RUnlock()

	if !ok {
		return Result{ModelTimestamp: generatedAt}
	}

	stddev := profile.Stddev
	if stddev < model.MinStddev {
		stddev = model.MinStddev
	}
	nSigma := profile.NSigma
	if nSigma <= 0 {
		nSigma = model.DefaultNSigma
	}

	z := (value - profile.Mean) / stddev
	if z < 0 {
		z = -z
	}

	return Result{
		IsAnomaly:      z > nSigma,
		Score:          z,
		HasProfile:     true,
		ModelTimestamp: generatedAt,
	}
}
