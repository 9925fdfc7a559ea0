// Package sensor simulates an IoT device publishing readings over MQTT,
// including occasional anomalies and slow baseline drift so the trained
// model has something to find.
package sensor

import (
	"math"
	"math/rand"
	"time"
)

// TypeConfig describes one sensor family.
type TypeConfig struct {
	Topic       string
	Unit        string
	BaselineMin float64
	BaselineMax float64
}

// Types maps sensor type names to their publishing config.
var Types = map[string]TypeConfig{
	"temperature": {Topic: "sensors/temperature", Unit: "°C", BaselineMin: 20.0, BaselineMax: 25.0},
	"humidity":    {Topic: "sensors/humidity", Unit: "%", BaselineMin: 30.0, BaselineMax: 70.0},
	"pressure":    {Topic: "sensors/pressure", Unit: "hPa", BaselineMin: 1000.0, BaselineMax: 1020.0},
}

// Sensor generates values for one simulated device. Each device gets its own
// shifted baseline; some devices additionally drift after a warm-up period.
type Sensor struct {
	DeviceID   string
	SensorType string
	Config     TypeConfig

	baseMin      float64
	baseMax      float64
	driftEnabled bool
	driftAfter   time.Duration
	driftOffset  float64
	started      time.Time
	rng          *rand.Rand
}

func New(deviceID, sensorType string) *Sensor {
	cfg := Types[sensorType]
	span := cfg.BaselineMax - cfg.BaselineMin

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	shift := (rng.Float64()*0.6 - 0.3) * span

	return &Sensor{
		DeviceID:     deviceID,
		SensorType:   sensorType,
		Config:       cfg,
		baseMin:      cfg.BaselineMin + shift,
		baseMax:      cfg.BaselineMax + shift,
		driftEnabled: rng.Float64() < 0.4,
		driftAfter:   time.Duration(30+rng.Float64()*90) * time.Second,
		driftOffset:  (rng.Float64()*8 - 4) * span,
		started:      time.Now(),
		rng:          rng,
	}
}

// Value produces the next reading value.
func (s *Sensor) Value() float64 {
	span := s.baseMax - s.baseMin

	// Occasional spike well outside the baseline.
	if s.rng.Float64() < 0.05 {
		anomalySpan := span * 5
		return round2(s.uniform(s.baseMin-anomalySpan, s.baseMax+anomalySpan))
	}

	if s.driftEnabled && time.Since(s.started) > s.driftAfter {
		return round2(s.uniform(s.baseMin+s.driftOffset, s.baseMax+s.driftOffset))
	}

	return round2(s.uniform(s.baseMin, s.baseMax))
}

func (s *Sensor) uniform(min, max float64) float64 {
	return min + s.rng.Float64()*(max-min)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
