package model

// Profile holds the z-score statistics for one (deviceId, sensorType) pair.
type Profile struct {
	Mean    float64 `json:"mean"`
	Stddev  float64 `json:"stddev"`
	Samples int     `json:"samples"`
	NSigma  float64 `json:"n_sigma"`
}

// Artifact is the trained model file shared between the trainer, the cloud
// API and the gateways.
type Artifact struct {
	ModelType          string             `json:"model_type"`
	GeneratedAt        int64              `json:"generated_at"`
	TrainingWindowSize int                `json:"training_window_size"`
	Features           map[string]Profile `json:"features"`
}

const (
	// ZScoreModelType is the only artifact type the detector understands.
	ZScoreModelType = "zscore_anomaly_detector"

	// MinStddev is the floor applied to profile standard deviations so a
	// constant-valued profile cannot divide by zero.
	MinStddev = 1e-4

	// DefaultNSigma is the anomaly threshold written by the trainer.
	DefaultNSigma = 3.0
)
