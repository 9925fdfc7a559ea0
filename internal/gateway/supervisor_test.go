package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/5ggateway/edge-telemetry/internal/auth"
	"github.com/5ggateway/edge-telemetry/internal/config"
	"github.com/5ggateway/edge-telemetry/internal/controlplane"
	"github.com/5ggateway/edge-telemetry/internal/model"
	"github.com/5ggateway/edge-telemetry/internal/uploader"
)

func testSupervisorConfig(cloudURL string) *config.Config {
	return &config.Config{
		Service: config.ServiceConfig{
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 5,
		},
		Gateway: config.GatewayConfig{
			ID:                   "gateway-01",
			CloudURL:             cloudURL,
			APIKey:               "key",
			Secret:               "gateway-secret",
			BatchSize:            3,
			MaxWaitSeconds:       60,
			WorkerCount:          2,
			UploadConcurrency:    2,
			ConfigCheckSeconds:   30,
			ModelCheckSeconds:    20,
			DrainIdleMs:          10,
			UploadTimeoutSeconds: 2,
		},
		MQTT: config.MQTTConfig{
			BrokerHost:               "localhost",
			BrokerPort:               1883,
			ShareGroup:               "gw",
			Topics:                   []string{"sensors/temperature"},
			ReconnectIntervalSeconds: 2,
		},
		Peer: config.PeerConfig{
			Listen:              ":0",
			Port:                5000,
			SyncIntervalSeconds: 10,
			WarmupSeconds:       1,
			LogMax:              100,
			SeenMax:             1000,
			PullTimeoutSeconds:  1,
		},
	}
}

func newTestSupervisor(cloudURL string) *Supervisor {
	return NewSupervisor(testSupervisorConfig(cloudURL), zap.NewNop())
}

func incoming(deviceID, messageID string, value float64) *model.Reading {
	return &model.Reading{
		DeviceID:   deviceID,
		SensorType: "temperature",
		Timestamp:  "2026-08-24T10:00:00.000Z",
		Value:      value,
		Topic:      "sensors/temperature",
		MessageID:  messageID,
		Signature:  auth.ProvisioningSecret,
	}
}

func TestPipeline_AcceptsAndBuffers(t *testing.T) {
	s := newTestSupervisor("http://cloud:8000")

	s.pipeline(incoming("device-01", "m-1", 22.5))

	if s.buffer().Len() != 1 {
		t.Fatalf("expected 1 buffered record, got %d", s.buffer().Len())
	}
	if got := s.msgCount.Load(); got != 1 {
		t.Errorf("expected message counter 1, got %d", got)
	}
	if got := len(s.engine.Entries(0)); got != 1 {
		t.Errorf("accepted record should enter the replication log, got %d", got)
	}
}

func TestPipeline_RejectsBadSignature(t *testing.T) {
	s := newTestSupervisor("http://cloud:8000")

	r := incoming("device-01", "m-1", 22.5)
	r.Signature = "forged"
	s.pipeline(r)

	if s.buffer().Len() != 0 {
		t.Error("rejected record must not be buffered")
	}
	if s.msgCount.Load() != 0 {
		t.Error("rejected record must not count toward the message rate")
	}
}

func TestPipeline_StripsSignatureAndScores(t *testing.T) {
	s := newTestSupervisor("http://cloud:8000")

	s.pipeline(incoming("device-01", "m-1", 22.5))

	got := s.buffer().FlushAll()[0]
	if got.Signature != "" {
		t.Error("signature must be stripped before buffering")
	}
	if !got.Scored {
		t.Error("record should carry scoring fields after the pipeline")
	}
	if got.IsAnomaly || got.HasProfile {
		t.Errorf("no model loaded: expected passthrough, got %+v", got)
	}
}

func TestPipeline_DuplicateSuppressed(t *testing.T) {
	s := newTestSupervisor("http://cloud:8000")

	s.pipeline(incoming("device-01", "m-1", 22.5))
	s.pipeline(incoming("device-01", "m-1", 22.5))

	if s.buffer().Len() != 1 {
		t.Errorf("duplicate must not be buffered twice, len=%d", s.buffer().Len())
	}
	if s.msgCount.Load() != 1 {
		t.Errorf("duplicate must not count twice, count=%d", s.msgCount.Load())
	}
}

func TestPipeline_AutoProvisionsNewDevice(t *testing.T) {
	s := newTestSupervisor("http://cloud:8000")

	s.pipeline(incoming("device-99", "m-1", 22.5))
	if s.buffer().Len() != 1 {
		t.Error("device presenting the provisioning secret should be admitted")
	}
}

func TestApplyRuntimeConfig_PreservesPendingRecords(t *testing.T) {
	s := newTestSupervisor("http://cloud:8000")

	s.pipeline(incoming("device-01", "x", 1))
	s.pipeline(incoming("device-01", "y", 2))

	s.applyRuntimeConfig(&controlplane.RuntimeConfig{BatchSize: 2, MaxWaitSeconds: 1})

	batch := s.buffer().BatchIfReady()
	if len(batch) != 2 || batch[0].MessageID != "x" || batch[1].MessageID != "y" {
		t.Fatalf("pending records must survive the swap in order, got %v", batch)
	}
	if s.buffer().BatchSize() != 2 {
		t.Errorf("expected new batch size 2, got %d", s.buffer().BatchSize())
	}
}

func TestApplyRuntimeConfig_NoopWhenUnchanged(t *testing.T) {
	s := newTestSupervisor("http://cloud:8000")
	before := s.buffer()

	s.applyRuntimeConfig(&controlplane.RuntimeConfig{BatchSize: 3, MaxWaitSeconds: 60})
	if s.buffer() != before {
		t.Error("unchanged config must not swap the buffer")
	}
}

func TestApplyRuntimeConfig_RejectsInvalid(t *testing.T) {
	s := newTestSupervisor("http://cloud:8000")
	before := s.buffer()

	s.applyRuntimeConfig(nil)
	s.applyRuntimeConfig(&controlplane.RuntimeConfig{BatchSize: 0, MaxWaitSeconds: 5})
	s.applyRuntimeConfig(&controlplane.RuntimeConfig{BatchSize: 5, MaxWaitSeconds: 0})

	if s.buffer() != before {
		t.Error("invalid runtime config must be ignored")
	}
}

func TestApplyRuntimeConfig_RedirectsPeerEngine(t *testing.T) {
	s := newTestSupervisor("http://cloud:8000")

	s.applyRuntimeConfig(&controlplane.RuntimeConfig{BatchSize: 7, MaxWaitSeconds: 9})

	// A record replicated after the swap must land in the new buffer. The
	// engine and supervisor share the buffer handle, so comparing lengths
	// through both views is enough.
	s.pipeline(incoming("device-01", "m-after", 3))
	if s.buffer().Len() != 1 {
		t.Errorf("expected record in swapped buffer, len=%d", s.buffer().Len())
	}
}

func TestApplyRuntimeConfig_ConcurrentAddsNotStranded(t *testing.T) {
	s := newTestSupervisor("http://cloud:8000")

	const n = 300
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			s.pipeline(incoming("device-01", fmt.Sprintf("m-%d", i), 1))
		}
	}()

	// Alternate batch sizings so every apply swaps the buffer while the
	// pipeline is still adding.
	for i := 0; i < 20; i++ {
		s.applyRuntimeConfig(&controlplane.RuntimeConfig{BatchSize: 5 + i%2, MaxWaitSeconds: 60})
	}
	<-done

	if got := s.buffer().Len(); got != n {
		t.Fatalf("records stranded in a discarded buffer: got %d of %d", got, n)
	}
}

func TestDrainRemaining_ChunksByBatchSize(t *testing.T) {
	var mu sync.Mutex
	var batches [][]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p uploader.Payload
		json.NewDecoder(r.Body).Decode(&p)
		ids := make([]string, len(p.Data))
		for i, rec := range p.Data {
			ids[i] = rec.MessageID
		}
		mu.Lock()
		batches = append(batches, ids)
		mu.Unlock()
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	s := newTestSupervisor(srv.URL)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		s.pipeline(incoming("device-01", id, 1))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.drainRemaining(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 2 {
		t.Fatalf("expected 2 chunks (batch size 3), got %d", len(batches))
	}
	if len(batches[0]) != 3 || len(batches[1]) != 2 {
		t.Errorf("unexpected chunk sizes: %v", batches)
	}
	if batches[0][0] != "a" || batches[1][1] != "e" {
		t.Errorf("drain must preserve order: %v", batches)
	}
	if s.buffer().Len() != 0 {
		t.Errorf("buffer should be empty after drain, len=%d", s.buffer().Len())
	}
}
