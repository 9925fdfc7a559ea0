package cloud

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/5ggateway/edge-telemetry/internal/controlplane"
	"github.com/5ggateway/edge-telemetry/internal/model"
	"github.com/5ggateway/edge-telemetry/internal/provision"
	"github.com/5ggateway/edge-telemetry/internal/uploader"
)

const testAPIKey = "super-secret-api-key"

func newFixture(t *testing.T) (*httptest.Server, *Store, string) {
	t.Helper()
	dataDir := t.TempDir()
	store := NewStore(1000, 100, dataDir, time.Hour)
	srv := NewServer(":0", testAPIKey, store, provision.NewRegistry(), zap.NewNop())
	ts := httptest.NewServer(srv.srv.Handler)
	t.Cleanup(ts.Close)
	return ts, store, dataDir
}

func ingestRequest(t *testing.T, url string, payload uploader.Payload, decorate func(*http.Request)) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, url+"/ingest", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("gatewayId", "gateway-01")
	req.Header.Set("secret", provision.GatewaySecret)
	if decorate != nil {
		decorate(req)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func testBatch(ids ...string) []*model.Reading {
	out := make([]*model.Reading, len(ids))
	for i, id := range ids {
		out[i] = &model.Reading{
			DeviceID:   "device-01",
			SensorType: "temperature",
			Timestamp:  "2026-08-24T10:00:00.000Z",
			Value:      22.5,
			MessageID:  id,
		}
	}
	return out
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func TestIngest_StoresBatch(t *testing.T) {
	ts, store, _ := newFixture(t)

	resp := ingestRequest(t, ts.URL, uploader.Payload{GatewayID: "gateway-01", Data: testBatch("a", "b", "c")}, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["received"].(float64) != 3 || body["duplicates"].(float64) != 0 {
		t.Errorf("expected received=3 duplicates=0, got %v", body)
	}
	if got := len(store.Records(nil)); got != 3 {
		t.Errorf("expected 3 stored records, got %d", got)
	}
}

func TestIngest_DuplicatesSuppressed(t *testing.T) {
	ts, store, _ := newFixture(t)

	ingestRequest(t, ts.URL, uploader.Payload{GatewayID: "gateway-01", Data: testBatch("a", "b")}, nil).Body.Close()

	// The same batch arrives again, e.g. via a second gateway after
	// replication.
	resp := ingestRequest(t, ts.URL, uploader.Payload{GatewayID: "gateway-02", Data: testBatch("a", "b")}, func(r *http.Request) {
		r.Header.Set("gatewayId", "gateway-02")
	})
	body := decodeBody(t, resp)
	if body["received"].(float64) != 0 || body["duplicates"].(float64) != 2 {
		t.Errorf("expected received=0 duplicates=2, got %v", body)
	}
	if got := len(store.Records(nil)); got != 2 {
		t.Errorf("expected 2 stored records, got %d", got)
	}
}

func TestIngest_MissingBearerRejected(t *testing.T) {
	ts, _, _ := newFixture(t)

	resp := ingestRequest(t, ts.URL, uploader.Payload{GatewayID: "gateway-01", Data: testBatch("a")}, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer wrong")
	})
	defer resp.Body.Close()
	if resp.StatusCode != 401 {
		t.Errorf("expected 401 with bad api key, got %d", resp.StatusCode)
	}
}

func TestIngest_UnknownGatewayBadSecretRejected(t *testing.T) {
	ts, _, _ := newFixture(t)

	resp := ingestRequest(t, ts.URL, uploader.Payload{GatewayID: "rogue", Data: testBatch("a")}, func(r *http.Request) {
		r.Header.Set("gatewayId", "rogue")
		r.Header.Set("secret", "not-the-secret")
	})
	defer resp.Body.Close()
	if resp.StatusCode != 401 {
		t.Errorf("expected 401 for unknown gateway with bad secret, got %d", resp.StatusCode)
	}
}

func TestIngest_AutoRegistersScaledGateway(t *testing.T) {
	ts, _, _ := newFixture(t)

	// A freshly started replica presents the shared secret.
	resp := ingestRequest(t, ts.URL, uploader.Payload{GatewayID: "gateway-02", Data: testBatch("a")}, func(r *http.Request) {
		r.Header.Set("gatewayId", "gateway-02")
	})
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("expected auto-registration to admit the replica, got %d", resp.StatusCode)
	}
}

func TestDataEndpoints_Filters(t *testing.T) {
	ts, store, _ := newFixture(t)

	store.Ingest([]*model.Reading{
		{DeviceID: "device-01", SensorType: "temperature", MessageID: "a"},
		{DeviceID: "device-02", SensorType: "humidity", MessageID: "b"},
	})

	resp, err := http.Get(ts.URL + "/data/by-type/humidity")
	if err != nil {
		t.Fatal(err)
	}
	body := decodeBody(t, resp)
	if body["count"].(float64) != 1 {
		t.Errorf("expected 1 humidity record, got %v", body["count"])
	}

	resp, err = http.Get(ts.URL + "/data/by-device/device-01")
	if err != nil {
		t.Fatal(err)
	}
	body = decodeBody(t, resp)
	if body["count"].(float64) != 1 {
		t.Errorf("expected 1 record for device-01, got %v", body["count"])
	}
}

func TestConfig_DefaultAndMerge(t *testing.T) {
	ts, _, _ := newFixture(t)

	resp, err := http.Get(ts.URL + "/config/gateway-01")
	if err != nil {
		t.Fatal(err)
	}
	body := decodeBody(t, resp)
	if body["batch_size"].(float64) != 10 || body["max_wait_seconds"].(float64) != 5 {
		t.Errorf("unexpected default config: %v", body)
	}

	update := bytes.NewReader([]byte(`{"batch_size": 50}`))
	resp, err = http.Post(ts.URL+"/config/gateway-01", "application/json", update)
	if err != nil {
		t.Fatal(err)
	}
	body = decodeBody(t, resp)
	if body["batch_size"].(float64) != 50 {
		t.Errorf("update not applied: %v", body)
	}
	if body["max_wait_seconds"].(float64) != 5 {
		t.Errorf("merge clobbered untouched key: %v", body)
	}

	// The merged config is what subsequent GETs see.
	resp, err = http.Get(ts.URL + "/config/gateway-01")
	if err != nil {
		t.Fatal(err)
	}
	body = decodeBody(t, resp)
	if body["batch_size"].(float64) != 50 {
		t.Errorf("merge not persisted: %v", body)
	}
}

func TestHeartbeatStatusDeregister(t *testing.T) {
	ts, _, _ := newFixture(t)

	hb, _ := json.Marshal(controlplane.Heartbeat{
		GatewayID:   "gateway-02",
		Status:      "alive",
		MessageRate: 12,
		RecordsSent: 400,
	})
	resp, err := http.Post(ts.URL+"/heartbeat", "application/json", bytes.NewReader(hb))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("heartbeat rejected: %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/gateway-status")
	if err != nil {
		t.Fatal(err)
	}
	var status controlplane.StatusResponse
	json.NewDecoder(resp.Body).Decode(&status)
	resp.Body.Close()
	if status.Count != 1 || status.TotalRecordsSent != 400 {
		t.Errorf("unexpected status: %+v", status)
	}
	if status.Gateways["gateway-02"].MessageRate != 12 {
		t.Errorf("message rate not recorded: %+v", status.Gateways["gateway-02"])
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/gateway/gateway-02", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("deregister failed: %d", resp.StatusCode)
	}

	// Second delete: the gateway is gone.
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Errorf("expected 404 for unknown gateway, got %d", resp.StatusCode)
	}
}

func TestHeartbeat_InvalidBody(t *testing.T) {
	ts, _, _ := newFixture(t)

	resp, err := http.Post(ts.URL+"/heartbeat", "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Errorf("expected 400 for heartbeat without gateway id, got %d", resp.StatusCode)
	}
}

func TestModel_PendingThenServed(t *testing.T) {
	ts, _, dataDir := newFixture(t)

	resp, err := http.Get(ts.URL + "/ml/model")
	if err != nil {
		t.Fatal(err)
	}
	body := decodeBody(t, resp)
	if body["status"] != "pending" {
		t.Errorf("expected pending before training, got %v", body)
	}

	artifact := model.Artifact{
		ModelType:   model.ZScoreModelType,
		GeneratedAt: 1700000000,
		Features: map[string]model.Profile{
			"device-01::temperature": {Mean: 22, Stddev: 1.5, Samples: 40, NSigma: 3},
		},
	}
	data, _ := json.Marshal(artifact)
	if err := os.WriteFile(filepath.Join(dataDir, ModelFile), data, 0o644); err != nil {
		t.Fatal(err)
	}

	resp, err = http.Get(ts.URL + "/ml/model")
	if err != nil {
		t.Fatal(err)
	}
	var served model.Artifact
	json.NewDecoder(resp.Body).Decode(&served)
	resp.Body.Close()
	if served.GeneratedAt != 1700000000 || len(served.Features) != 1 {
		t.Errorf("unexpected artifact: %+v", served)
	}
}

func TestModel_CorruptFileReportsPending(t *testing.T) {
	ts, _, dataDir := newFixture(t)

	os.WriteFile(filepath.Join(dataDir, ModelFile), []byte("{not json"), 0o644)

	resp, err := http.Get(ts.URL + "/ml/model")
	if err != nil {
		t.Fatal(err)
	}
	body := decodeBody(t, resp)
	if body["status"] != "pending" {
		t.Errorf("corrupt artifact should read as pending, got %v", body)
	}
}

func TestIngest_TriggersSnapshotExport(t *testing.T) {
	dataDir := t.TempDir()
	store := NewStore(1000, 100, dataDir, 0) // export due on every ingest
	srv := NewServer(":0", testAPIKey, store, provision.NewRegistry(), zap.NewNop())
	ts := httptest.NewServer(srv.srv.Handler)
	defer ts.Close()

	ingestRequest(t, ts.URL, uploader.Payload{GatewayID: "gateway-01", Data: testBatch("a", "b")}, nil).Body.Close()

	data, err := os.ReadFile(filepath.Join(dataDir, HistoricalDataFile))
	if err != nil {
		t.Fatalf("snapshot not exported: %v", err)
	}
	var snapshot []*model.Reading
	if err := json.Unmarshal(data, &snapshot); err != nil {
		t.Fatalf("snapshot is not valid json: %v", err)
	}
	if len(snapshot) != 2 {
		t.Errorf("expected 2 records in snapshot, got %d", len(snapshot))
	}
}

func TestRegisterDevice(t *testing.T) {
	ts, _, _ := newFixture(t)

	resp, err := http.Post(ts.URL+"/devices/register?gateway_id=gateway-01", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	body := decodeBody(t, resp)
	if body["device_id"] == "" || body["device_secret"] == "" {
		t.Errorf("expected generated credentials, got %v", body)
	}
}

func TestHealthz(t *testing.T) {
	ts, _, _ := newFixture(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("expected 200 from healthz, got %d", resp.StatusCode)
	}
}
