package model

import (
	"encoding/json"
	"fmt"
)

// Reading is a single sensor measurement as it moves through the gateway.
//
// The wire format is schemaless JSON: sensors and older gateways may attach
// fields we do not know about, and those must survive a round trip through
// buffering, replication and cloud ingest unchanged. Known fields are typed;
// everything else lands in Extra.
type Reading struct {
	DeviceID   string  `json:"deviceId"`
	SensorType string  `json:"sensorType"`
	Timestamp  string  `json:"timestamp"`
	Value      float64 `json:"value"`
	Unit       string  `json:"unit"`

	// Topic is set by the ingestor from the MQTT delivery.
	Topic string `json:"topic,omitempty"`

	// MessageID is assigned exactly once, at the first gateway that accepts
	// the reading. Optional on the wire for backward compatibility.
	MessageID string `json:"messageId,omitempty"`

	// Signature is the device shared secret carried on the wire. It is
	// verified and stripped by the authenticator, never persisted.
	Signature string `json:"signature,omitempty"`

	// Scoring output. Present only after the detector has seen the reading.
	Scored         bool    `json:"-"`
	IsAnomaly      bool    `json:"-"`
	AnomalyScore   float64 `json:"-"`
	HasProfile     bool    `json:"-"`
	ModelTimestamp int64   `json:"-"`

	// Replication metadata. Origin and ReplTS are set only on replication
	// log entries; ReplicatedFrom is set on records received from a peer.
	Origin         string  `json:"-"`
	ReplTS         float64 `json:"-"`
	ReplicatedFrom string  `json:"-"`

	// Extra holds unknown wire fields so they can be forwarded verbatim.
	Extra map[string]json.RawMessage `json:"-"`
}

// ProfileKey identifies the statistical profile a reading is scored against.
func (r *Reading) ProfileKey() string {
	return r.DeviceID + "::" + r.SensorType
}

// StripReplication removes replication-internal fields, including any
// underscore-prefixed extras a peer may have leaked into the payload.
func (r *Reading) StripReplication() {
	r.Origin = ""
	r.ReplTS = 0
	r.ReplicatedFrom = ""
	for k := range r.Extra {
		if len(k) > 0 && k[0] == '_' {
			delete(r.Extra, k)
		}
	}
}

// Clone returns a deep copy of the reading.
func (r *Reading) Clone() *Reading {
	c := *r
	if r.Extra != nil {
		c.Extra = make(map[string]json.RawMessage, len(r.Extra))
		for k, v := range r.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// knownKeys are the wire fields handled by the typed struct; they are kept
// out of Extra on decode.
var knownKeys = map[string]struct{}{
	"deviceId": {}, "sensorType": {}, "timestamp": {}, "value": {},
	"unit": {}, "topic": {}, "messageId": {}, "signature": {},
	"isAnomaly": {}, "anomalyScore": {}, "hasProfile": {}, "modelTimestamp": {},
	"_origin": {}, "_repl_ts": {}, "_replicated_from": {}, "profileKey": {},
}

func (r *Reading) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Extra)+16)
	for k, v := range r.Extra {
		m[k] = v
	}

	m["deviceId"] = r.DeviceID
	m["sensorType"] = r.SensorType
	m["timestamp"] = r.Timestamp
	m["value"] = r.Value
	m["unit"] = r.Unit
	m["profileKey"] = r.ProfileKey()
	if r.Topic != "" {
		m["topic"] = r.Topic
	}
	if r.MessageID != "" {
		m["messageId"] = r.MessageID
	}
	if r.Signature != "" {
		m["signature"] = r.Signature
	}
	if r.Scored {
		m["isAnomaly"] = r.IsAnomaly
		m["anomalyScore"] = r.AnomalyScore
		m["hasProfile"] = r.HasProfile
		if r.ModelTimestamp != 0 {
			m["modelTimestamp"] = r.ModelTimestamp
		}
	}
	if r.Origin != "" {
		m["_origin"] = r.Origin
	}
	if r.ReplTS != 0 {
		m["_repl_ts"] = r.ReplTS
	}
	if r.ReplicatedFrom != "" {
		m["_replicated_from"] = r.ReplicatedFrom
	}

	return json.Marshal(m)
}

func (r *Reading) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	get := func(key string, dst any) error {
		v, ok := raw[key]
		if !ok {
			return nil
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("field %s: %w", key, err)
		}
		return nil
	}

	for _, f := range []struct {
		key string
		dst any
	}{
		{"deviceId", &r.DeviceID},
		{"sensorType", &r.SensorType},
		{"timestamp", &r.Timestamp},
		{"value", &r.Value},
		{"unit", &r.Unit},
		{"topic", &r.Topic},
		{"messageId", &r.MessageID},
		{"signature", &r.Signature},
		{"anomalyScore", &r.AnomalyScore},
		{"hasProfile", &r.HasProfile},
		{"modelTimestamp", &r.ModelTimestamp},
		{"_origin", &r.Origin},
		{"_repl_ts", &r.ReplTS},
		{"_replicated_from", &r.ReplicatedFrom},
	} {
		if err := get(f.key, f.dst); err != nil {
			return err
		}
	}

	if v, ok := raw["isAnomaly"]; ok {
		if err := json.Unmarshal(v, &r.IsAnomaly); err != nil {
			return fmt.Errorf("field isAnomaly: %w", err)
		}
		r.Scored = true
	}

	for k, v := range raw {
		if _, ok := knownKeys[k]; ok {
			continue
		}
		if r.Extra == nil {
			r.Extra = map[string]json.RawMessage{}
		}
		r.Extra[k] = v
	}

	return nil
}
