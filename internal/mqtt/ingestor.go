// Package mqtt consumes the shared sensor subscription and feeds decoded
// readings into the per-message pipeline through a bounded worker pool.
package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/5ggateway/edge-telemetry/internal/metrics"
	"github.com/5ggateway/edge-telemetry/internal/model"
)

// Handler runs the per-message pipeline for one decoded reading.
type Handler func(r *model.Reading)

// Options configure the broker connection and the worker pool.
type Options struct {
	BrokerHost        string
	BrokerPort        int
	ClientID          string
	ShareGroup        string
	Topics            []string
	ReconnectInterval time.Duration
	WorkerCount       int
}

type Ingestor struct {
	opts    Options
	handler Handler
	client  paho.Client
	msgCh   chan *model.Reading
	wg      sync.WaitGroup
	logger  *zap.Logger

	// stopMu fences message callbacks against Stop: paho runs callbacks in
	// their own goroutines and Disconnect does not join them, so a late
	// delivery must never reach the closed channel.
	stopMu  sync.RWMutex
	stopped bool
}

func NewIngestor(opts Options, handler Handler, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		opts:    opts,
		handler: handler,
		msgCh:   make(chan *model.Reading, 4096),
		logger:  logger,
	}
}

// Start connects to the broker and launches the worker pool. Connection loss
// is recovered by the client with a fixed retry interval; Start itself also
// retries the initial connect indefinitely.
func (i *Ingestor) Start() error {
	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", i.opts.BrokerHost, i.opts.BrokerPort)).
		SetClientID(i.opts.ClientID).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(i.opts.ReconnectInterval).
		SetMaxReconnectInterval(i.opts.ReconnectInterval)

	opts.OnConnectionLost = func(_ paho.Client, err error) {
		i.logger.Warn("mqtt connection lost", zap.Error(err))
	}
	opts.OnConnect = func(c paho.Client) {
		for _, topic := range i.opts.Topics {
			shared := topic
			if i.opts.ShareGroup != "" {
				// EMQX shared subscription: the broker load-balances each
				// message across the members of the group.
				shared = fmt.Sprintf("$share/%s/%s", i.opts.ShareGroup, topic)
			}
			if token := c.Subscribe(shared, 1, i.onMessage); token.Wait() && token.Error() != nil {
				i.logger.Error("subscribe failed",
					zap.String("topic", shared),
					zap.Error(token.Error()),
				)
				continue
			}
			i.logger.Info("subscribed", zap.String("topic", shared))
		}
	}

	i.client = paho.NewClient(opts)
	if token := i.client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}

	for n := 0; n < i.opts.WorkerCount; n++ {
		i.wg.Add(1)
		go func() {
			defer i.wg.Done()
			for r := range i.msgCh {
				i.handler(r)
			}
		}()
	}

	i.logger.Info("mqtt ingestor started",
		zap.Int("workers", i.opts.WorkerCount),
		zap.Strings("topics", i.opts.Topics),
	)
	return nil
}

// Stop disconnects from the broker and drains the worker queue: readings
// already consumed from the broker are still run through the pipeline before
// Stop returns, so the final buffer flush includes them.
func (i *Ingestor) Stop() {
	if i.client != nil && i.client.IsConnected() {
		i.client.Disconnect(500)
	}
	// Taking the write lock waits out any callback currently holding the
	// read lock; callbacks arriving later see stopped and drop.
	i.stopMu.Lock()
	i.stopped = true
	i.stopMu.Unlock()
	close(i.msgCh)
	i.wg.Wait()
}

func (i *Ingestor) IsConnected() bool {
	return i.client != nil && i.client.IsConnected()
}

func (i *Ingestor) onMessage(_ paho.Client, m paho.Message) {
	var r model.Reading
	if err := json.Unmarshal(m.Payload(), &r); err != nil {
		metrics.MessagesTotal.WithLabelValues(m.Topic(), "invalid").Inc()
		i.logger.Warn("invalid JSON payload, dropping message",
			zap.String("topic", m.Topic()),
			zap.Error(err),
		)
		return
	}

	r.Topic = m.Topic()
	if r.MessageID == "" {
		// First gateway touch: the ID assigned here survives buffering,
		// replication and cloud ingest unchanged.
		r.MessageID = uuid.NewString()
	}

	i.stopMu.RLock()
	defer i.stopMu.RUnlock()
	if i.stopped {
		i.logger.Debug("dropping delivery after shutdown", zap.String("topic", m.Topic()))
		return
	}
	i.msgCh <- &r
}
