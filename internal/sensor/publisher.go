package sensor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/5ggateway/edge-telemetry/internal/auth"
	"github.com/5ggateway/edge-telemetry/internal/model"
)

// Publisher runs one simulated sensor against the broker.
type Publisher struct {
	sensor   *Sensor
	interval time.Duration
	client   paho.Client
	logger   *zap.Logger
}

func NewPublisher(sensor *Sensor, brokerHost string, brokerPort int, interval time.Duration, logger *zap.Logger) *Publisher {
	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", brokerHost, brokerPort)).
		SetClientID("sensor-" + sensor.DeviceID + "-" + sensor.SensorType).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second)

	return &Publisher{
		sensor:   sensor,
		interval: interval,
		client:   paho.NewClient(opts),
		logger:   logger,
	}
}

// Run publishes readings until the context is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	if token := p.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connecting to broker: %w", token.Error())
	}
	defer p.client.Disconnect(250)

	p.logger.Info("sensor publishing",
		zap.String("device_id", p.sensor.DeviceID),
		zap.String("topic", p.sensor.Config.Topic),
		zap.Duration("interval", p.interval),
	)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		reading := model.Reading{
			DeviceID:   p.sensor.DeviceID,
			SensorType: p.sensor.SensorType,
			Timestamp:  time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
			Value:      p.sensor.Value(),
			Unit:       p.sensor.Config.Unit,
			Signature:  auth.ProvisioningSecret,
		}

		payload, err := json.Marshal(&reading)
		if err != nil {
			return fmt.Errorf("marshaling reading: %w", err)
		}

		if token := p.client.Publish(p.sensor.Config.Topic, 1, false, payload); token.Wait() && token.Error() != nil {
			p.logger.Warn("publish failed", zap.Error(token.Error()))
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}
