package model

import (
	"encoding/json"
	"testing"
)

func TestProfileKey(t *testing.T) {
	r := &Reading{DeviceID: "device-01", SensorType: "temperature"}
	if got := r.ProfileKey(); got != "device-01::temperature" {
		t.Errorf("expected device-01::temperature, got %s", got)
	}
}

func TestUnmarshal_KnownAndExtraFields(t *testing.T) {
	payload := []byte(`{
		"deviceId": "device-01",
		"sensorType": "temperature",
		"timestamp": "2026-08-24T10:00:00.000Z",
		"value": 22.5,
		"unit": "°C",
		"signature": "device-secret",
		"firmware": "v1.2.3"
	}`)

	var r Reading
	if err := json.Unmarshal(payload, &r); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if r.DeviceID != "device-01" || r.Value != 22.5 || r.Signature != "device-secret" {
		t.Errorf("known fields not decoded: %+v", r)
	}
	if r.Scored {
		t.Error("unscored payload must not be marked scored")
	}
	if _, ok := r.Extra["firmware"]; !ok {
		t.Error("unknown field should land in Extra")
	}
	if _, ok := r.Extra["deviceId"]; ok {
		t.Error("known field must not land in Extra")
	}
}

func TestMarshal_RoundTripPreservesExtras(t *testing.T) {
	r := &Reading{
		DeviceID:   "device-01",
		SensorType: "humidity",
		Timestamp:  "2026-08-24T10:00:00.000Z",
		Value:      55,
		Unit:       "%",
		MessageID:  "m-1",
		Extra:      map[string]json.RawMessage{"firmware": json.RawMessage(`"v1.2.3"`)},
	}

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var back Reading
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if back.MessageID != "m-1" {
		t.Errorf("messageId did not survive the round trip: %q", back.MessageID)
	}
	if string(back.Extra["firmware"]) != `"v1.2.3"` {
		t.Errorf("extra field did not survive the round trip: %s", back.Extra["firmware"])
	}
}

func TestMarshal_ScoringFieldsOnlyWhenScored(t *testing.T) {
	r := &Reading{DeviceID: "d", SensorType: "temperature", Value: 1}

	data, _ := json.Marshal(r)
	var m map[string]any
	json.Unmarshal(data, &m)
	if _, ok := m["isAnomaly"]; ok {
		t.Error("unscored reading must not carry isAnomaly")
	}

	r.Scored = true
	r.IsAnomaly = true
	r.AnomalyScore = 4.2
	r.HasProfile = true

	data, _ = json.Marshal(r)
	m = nil
	json.Unmarshal(data, &m)
	if m["isAnomaly"] != true {
		t.Error("scored reading must carry isAnomaly")
	}
	if m["anomalyScore"].(float64) != 4.2 {
		t.Errorf("expected anomalyScore 4.2, got %v", m["anomalyScore"])
	}
	if m["profileKey"] != "d::temperature" {
		t.Errorf("expected profileKey on the wire, got %v", m["profileKey"])
	}
}

func TestStripReplication(t *testing.T) {
	r := &Reading{
		DeviceID: "d",
		Origin:   "gateway-02",
		ReplTS:   123.45,
		Extra: map[string]json.RawMessage{
			"_shard": json.RawMessage(`1`),
			"note":   json.RawMessage(`"keep"`),
		},
	}

	r.StripReplication()

	if r.Origin != "" || r.ReplTS != 0 {
		t.Error("replication fields should be cleared")
	}
	if _, ok := r.Extra["_shard"]; ok {
		t.Error("underscore-prefixed extras should be stripped")
	}
	if _, ok := r.Extra["note"]; !ok {
		t.Error("regular extras should survive")
	}
}

func TestClone_Independent(t *testing.T) {
	r := &Reading{
		DeviceID: "d",
		Extra:    map[string]json.RawMessage{"k": json.RawMessage(`1`)},
	}
	c := r.Clone()
	c.DeviceID = "other"
	c.Extra["k2"] = json.RawMessage(`2`)

	if r.DeviceID != "d" {
		t.Error("clone mutated the original")
	}
	if _, ok := r.Extra["k2"]; ok {
		t.Error("clone shares the Extra map with the original")
	}
}

func TestUnmarshal_ReplicationFields(t *testing.T) {
	payload := []byte(`{"deviceId":"d","messageId":"m-1","_origin":"gateway-02","_repl_ts":99.5}`)

	var r Reading
	if err := json.Unmarshal(payload, &r); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if r.Origin != "gateway-02" || r.ReplTS != 99.5 {
		t.Errorf("replication fields not decoded: %+v", r)
	}
	if len(r.Extra) != 0 {
		t.Errorf("replication fields must not leak into Extra: %v", r.Extra)
	}
}
