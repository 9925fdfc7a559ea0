package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Service    ServiceConfig    `koanf:"service"`
	Gateway    GatewayConfig    `koanf:"gateway"`
	MQTT       MQTTConfig       `koanf:"mqtt"`
	Peer       PeerConfig       `koanf:"peer"`
	Cloud      CloudConfig      `koanf:"cloud"`
	Autoscaler AutoscalerConfig `koanf:"autoscaler"`
	Trainer    TrainerConfig    `koanf:"trainer"`
	Sensor     SensorConfig     `koanf:"sensor"`
}

type ServiceConfig struct {
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type GatewayConfig struct {
	ID                   string `koanf:"id"`
	CloudURL             string `koanf:"cloud_url"`
	APIKey               string `koanf:"api_key"`
	Secret               string `koanf:"secret"`
	BatchSize            int    `koanf:"batch_size"`
	MaxWaitSeconds       int    `koanf:"max_wait_seconds"`
	WorkerCount          int    `koanf:"worker_count"`
	UploadConcurrency    int    `koanf:"upload_concurrency"`
	ConfigCheckSeconds   int    `koanf:"config_check_interval_seconds"`
	ModelCheckSeconds    int    `koanf:"model_check_interval_seconds"`
	CompressUploads      bool   `koanf:"compress_uploads"`
	DrainIdleMs          int    `koanf:"drain_idle_ms"`
	UploadTimeoutSeconds int    `koanf:"upload_timeout_seconds"`
}

type MQTTConfig struct {
	BrokerHost               string   `koanf:"broker_host"`
	BrokerPort               int      `koanf:"broker_port"`
	ShareGroup               string   `koanf:"share_group"`
	Topics                   []string `koanf:"topics"`
	ReconnectIntervalSeconds int      `koanf:"reconnect_interval_seconds"`
}

type PeerConfig struct {
	Listen              string `koanf:"listen"`
	Port                int    `koanf:"port"`
	SyncIntervalSeconds int    `koanf:"sync_interval_seconds"`
	WarmupSeconds       int    `koanf:"warmup_seconds"`
	LogMax              int    `koanf:"log_max"`
	SeenMax             int    `koanf:"seen_max"`
	PullTimeoutSeconds  int    `koanf:"pull_timeout_seconds"`
}

type CloudConfig struct {
	Listen                    string `koanf:"listen"`
	APIKey                    string `koanf:"api_key"`
	DataDir                   string `koanf:"data_dir"`
	AutoExportIntervalSeconds int    `koanf:"auto_export_interval_seconds"`
	DedupMax                  int    `koanf:"dedup_max"`
	ProfileWindow             int    `koanf:"profile_window"`
}

type AutoscalerConfig struct {
	CloudURL            string  `koanf:"cloud_url"`
	APIKey              string  `koanf:"api_key"`
	PollIntervalSeconds int     `koanf:"poll_interval_seconds"`
	ScaleUpThreshold    float64 `koanf:"scale_up_threshold"`
	ScaleDownThreshold  float64 `koanf:"scale_down_threshold"`
	MaxGateways         int     `koanf:"max_gateways"`
	CooldownSeconds     int     `koanf:"cooldown_seconds"`
	DockerNetwork       string  `koanf:"docker_network"`
	DockerImage         string  `koanf:"docker_image"`
}

type TrainerConfig struct {
	DataDir            string `koanf:"data_dir"`
	IntervalSeconds    int    `koanf:"interval_seconds"`
	MinObservations    int    `koanf:"min_observations"`
	TrainingWindowSize int    `koanf:"training_window_size"`
}

type SensorConfig struct {
	DeviceID   string `koanf:"device_id"`
	SensorType string `koanf:"sensor_type"`
	BrokerHost string `koanf:"broker_host"`
	BrokerPort int    `koanf:"broker_port"`
	IntervalMs int    `koanf:"interval_ms"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: EDGE_TELEMETRY_GATEWAY__ID → gateway.id
	if err := k.Load(env.Provider("EDGE_TELEMETRY_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "EDGE_TELEMETRY_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := defaults()

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Container-compatibility shortcuts used by the compose and autoscaler
	// environments.
	if v := os.Getenv("GATEWAY_ID"); v != "" {
		cfg.Gateway.ID = v
	}
	if v := os.Getenv("DEVICE_ID"); v != "" {
		cfg.Sensor.DeviceID = v
	}
	if v := os.Getenv("SENSOR_TYPE"); v != "" {
		cfg.Sensor.SensorType = v
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.MQTT.Topics) == 1 && strings.Contains(cfg.MQTT.Topics[0], ",") {
		cfg.MQTT.Topics = strings.Split(cfg.MQTT.Topics[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Gateway: GatewayConfig{
			ID:                   "gateway-01",
			CloudURL:             "http://cloud-api:8000",
			APIKey:               "secretAPIkey",
			Secret:               "gateway-secret",
			BatchSize:            10,
			MaxWaitSeconds:       5,
			WorkerCount:          20,
			UploadConcurrency:    4,
			ConfigCheckSeconds:   30,
			ModelCheckSeconds:    20,
			CompressUploads:      false,
			DrainIdleMs:          100,
			UploadTimeoutSeconds: 5,
		},
		MQTT: MQTTConfig{
			BrokerHost: "mqtt-broker",
			BrokerPort: 1883,
			ShareGroup: "gw",
			Topics: []string{
				"sensors/temperature",
				"sensors/humidity",
				"sensors/pressure",
			},
			ReconnectIntervalSeconds: 2,
		},
		Peer: PeerConfig{
			Listen:              ":5000",
			Port:                5000,
			SyncIntervalSeconds: 10,
			WarmupSeconds:       5,
			LogMax:              5000,
			SeenMax:             20000,
			PullTimeoutSeconds:  3,
		},
		Cloud: CloudConfig{
			Listen:                    ":8000",
			APIKey:                    "secretAPIkey",
			DataDir:                   "/data",
			AutoExportIntervalSeconds: 20,
			DedupMax:                  50000,
			ProfileWindow:             50,
		},
		Autoscaler: AutoscalerConfig{
			CloudURL:            "http://localhost:8000",
			APIKey:              "secretAPIkey",
			PollIntervalSeconds: 15,
			ScaleUpThreshold:    1500,
			ScaleDownThreshold:  100,
			MaxGateways:         10,
			CooldownSeconds:     30,
			DockerNetwork:       "5ggateway_default",
			DockerImage:         "5ggateway-gateway-01",
		},
		Trainer: TrainerConfig{
			DataDir:            "/data",
			IntervalSeconds:    20,
			MinObservations:    20,
			TrainingWindowSize: 50,
		},
		Sensor: SensorConfig{
			DeviceID:   "device-01",
			SensorType: "temperature",
			BrokerHost: "mqtt-broker",
			BrokerPort: 1883,
			IntervalMs: 1000,
		},
	}
}

func (c *Config) Validate() error {
	if c.Gateway.ID == "" {
		return fmt.Errorf("config: gateway.id is required")
	}
	if c.Gateway.BatchSize <= 0 {
		return fmt.Errorf("config: gateway.batch_size must be > 0 (got %d)", c.Gateway.BatchSize)
	}
	if c.Gateway.MaxWaitSeconds <= 0 {
		return fmt.Errorf("config: gateway.max_wait_seconds must be > 0 (got %d)", c.Gateway.MaxWaitSeconds)
	}
	if c.Gateway.WorkerCount <= 0 {
		return fmt.Errorf("config: gateway.worker_count must be > 0 (got %d)", c.Gateway.WorkerCount)
	}
	if c.Gateway.UploadConcurrency <= 0 {
		return fmt.Errorf("config: gateway.upload_concurrency must be > 0 (got %d)", c.Gateway.UploadConcurrency)
	}
	if c.Gateway.CloudURL == "" {
		return fmt.Errorf("config: gateway.cloud_url is required")
	}
	if c.MQTT.BrokerHost == "" {
		return fmt.Errorf("config: mqtt.broker_host is required")
	}
	if c.MQTT.BrokerPort <= 0 {
		return fmt.Errorf("config: mqtt.broker_port must be > 0 (got %d)", c.MQTT.BrokerPort)
	}
	if len(c.MQTT.Topics) == 0 {
		return fmt.Errorf("config: mqtt.topics is required")
	}
	if c.Peer.SyncIntervalSeconds <= 0 {
		return fmt.Errorf("config: peer.sync_interval_seconds must be > 0 (got %d)", c.Peer.SyncIntervalSeconds)
	}
	if c.Peer.LogMax <= 0 {
		return fmt.Errorf("config: peer.log_max must be > 0 (got %d)", c.Peer.LogMax)
	}
	if c.Peer.SeenMax <= 0 {
		return fmt.Errorf("config: peer.seen_max must be > 0 (got %d)", c.Peer.SeenMax)
	}
	if c.Cloud.DedupMax <= 0 {
		return fmt.Errorf("config: cloud.dedup_max must be > 0 (got %d)", c.Cloud.DedupMax)
	}
	if c.Cloud.ProfileWindow <= 0 {
		return fmt.Errorf("config: cloud.profile_window must be > 0 (got %d)", c.Cloud.ProfileWindow)
	}
	if c.Cloud.AutoExportIntervalSeconds <= 0 {
		return fmt.Errorf("config: cloud.auto_export_interval_seconds must be > 0 (got %d)", c.Cloud.AutoExportIntervalSeconds)
	}
	if c.Autoscaler.MaxGateways <= 0 {
		return fmt.Errorf("config: autoscaler.max_gateways must be > 0 (got %d)", c.Autoscaler.MaxGateways)
	}
	if c.Autoscaler.ScaleDownThreshold >= c.Autoscaler.ScaleUpThreshold {
		return fmt.Errorf("config: autoscaler.scale_down_threshold (%g) must be below scale_up_threshold (%g)",
			c.Autoscaler.ScaleDownThreshold, c.Autoscaler.ScaleUpThreshold)
	}
	if c.Trainer.MinObservations <= 0 {
		return fmt.Errorf("config: trainer.min_observations must be > 0 (got %d)", c.Trainer.MinObservations)
	}
	if c.Trainer.IntervalSeconds <= 0 {
		return fmt.Errorf("config: trainer.interval_seconds must be > 0 (got %d)", c.Trainer.IntervalSeconds)
	}
	if c.Sensor.SensorType != "" {
		switch c.Sensor.SensorType {
		case "temperature", "humidity", "pressure":
		default:
			return fmt.Errorf("config: sensor.sensor_type must be temperature, humidity or pressure (got %q)", c.Sensor.SensorType)
		}
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	return nil
}
