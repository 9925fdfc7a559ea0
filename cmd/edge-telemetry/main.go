package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/5ggateway/edge-telemetry/internal/autoscaler"
	"github.com/5ggateway/edge-telemetry/internal/cloud"
	"github.com/5ggateway/edge-telemetry/internal/config"
	"github.com/5ggateway/edge-telemetry/internal/controlplane"
	"github.com/5ggateway/edge-telemetry/internal/gateway"
	"github.com/5ggateway/edge-telemetry/internal/metrics"
	"github.com/5ggateway/edge-telemetry/internal/provision"
	"github.com/5ggateway/edge-telemetry/internal/sensor"
	"github.com/5ggateway/edge-telemetry/internal/trainer"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "gateway":
		runGateway()
	case "cloud":
		runCloud()
	case "autoscaler":
		runAutoscaler()
	case "trainer":
		runTrainer()
	case "sensor":
		runSensor()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: edge-telemetry <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  gateway      Run an edge gateway")
	fmt.Println("  cloud        Run the cloud ingest API")
	fmt.Println("  autoscaler   Run the gateway fleet autoscaler")
	fmt.Println("  trainer      Run the anomaly model trainer")
	fmt.Println("  sensor       Run a sensor simulator")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// signalContext returns a context cancelled on SIGTERM/SIGINT.
func signalContext(logger *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()
	return ctx, cancel
}

func runGateway() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting gateway",
		zap.String("gateway_id", cfg.Gateway.ID),
		zap.String("cloud_url", cfg.Gateway.CloudURL),
	)

	ctx, cancel := signalContext(logger)
	defer cancel()

	sup := gateway.NewSupervisor(cfg, logger)
	if err := sup.Run(ctx); err != nil {
		logger.Fatal("gateway failed", zap.Error(err))
	}
}

func runCloud() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	if err := os.MkdirAll(cfg.Cloud.DataDir, 0o755); err != nil {
		logger.Fatal("creating data directory", zap.Error(err))
	}

	store := cloud.NewStore(
		cfg.Cloud.DedupMax,
		cfg.Cloud.ProfileWindow,
		cfg.Cloud.DataDir,
		time.Duration(cfg.Cloud.AutoExportIntervalSeconds)*time.Second,
	)
	registry := provision.NewRegistry()
	srv := cloud.NewServer(cfg.Cloud.Listen, cfg.Cloud.APIKey, store, registry, logger.Named("cloud"))

	if err := srv.Start(); err != nil {
		logger.Fatal("failed to start cloud API", zap.Error(err))
	}

	ctx, cancel := signalContext(logger)
	defer cancel()
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Service.ShutdownTimeoutSeconds)*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("cloud API shutdown error", zap.Error(err))
	}
	logger.Info("cloud API stopped")
}

func runAutoscaler() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	ctx, cancel := signalContext(logger)
	defer cancel()

	client := controlplane.NewClient(cfg.Autoscaler.CloudURL, cfg.Autoscaler.APIKey, "autoscaler")
	scaler := autoscaler.New(cfg.Autoscaler, client, autoscaler.NewDockerRunner(), logger.Named("autoscaler"))
	scaler.Run(ctx)
	logger.Info("autoscaler stopped")
}

func runTrainer() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	ctx, cancel := signalContext(logger)
	defer cancel()

	t := trainer.New(
		cfg.Trainer.DataDir,
		time.Duration(cfg.Trainer.IntervalSeconds)*time.Second,
		cfg.Trainer.MinObservations,
		cfg.Trainer.TrainingWindowSize,
		logger.Named("trainer"),
	)
	t.Run(ctx)
	logger.Info("trainer stopped")
}

func runSensor() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	if _, ok := sensor.Types[cfg.Sensor.SensorType]; !ok {
		logger.Fatal("unknown sensor type", zap.String("sensor_type", cfg.Sensor.SensorType))
	}

	ctx, cancel := signalContext(logger)
	defer cancel()

	pub := sensor.NewPublisher(
		sensor.New(cfg.Sensor.DeviceID, cfg.Sensor.SensorType),
		cfg.Sensor.BrokerHost,
		cfg.Sensor.BrokerPort,
		time.Duration(cfg.Sensor.IntervalMs)*time.Millisecond,
		logger.Named("sensor"),
	)
	if err := pub.Run(ctx); err != nil {
		logger.Fatal("sensor failed", zap.Error(err))
	}
	logger.Info("sensor stopped")
}
