package cloud

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/5ggateway/edge-telemetry/internal/controlplane"
	"github.com/5ggateway/edge-telemetry/internal/dedup"
	"github.com/5ggateway/edge-telemetry/internal/model"
)

// HistoricalDataFile is the training snapshot consumed by the trainer.
const HistoricalDataFile = "historical_data.json"

// ModelFile is the trained artifact served to gateways.
const ModelFile = "anomaly_model.json"

// Store is the cloud tier's in-memory state: the record list, the dedup
// ring, the per-profile training windows and the gateway load registry.
type Store struct {
	mu sync.Mutex

	records     []*model.Reading
	seen        *dedup.Ring
	profileBufs map[string][]*model.Reading
	profileCap  int

	loads   map[string]controlplane.GatewayLoad
	configs map[string]map[string]any

	dataDir        string
	exportInterval time.Duration
	lastExport     time.Time
}

func NewStore(dedupMax, profileCap int, dataDir string, exportInterval time.Duration) *Store {
	return &Store{
		seen:           dedup.NewRing(dedupMax),
		profileBufs:    map[string][]*model.Reading{},
		profileCap:     profileCap,
		loads:          map[string]controlplane.GatewayLoad{},
		configs:        map[string]map[string]any{},
		dataDir:        dataDir,
		exportInterval: exportInterval,
		lastExport:     time.Now(),
	}
}

// Ingest stores a batch of records, skipping message IDs already seen.
// Records without a message ID bypass dedup entirely; older gateways may
// omit it. It returns (stored, duplicates) and whether a training snapshot
// export is due.
func (s *Store) Ingest(batch []*model.Reading) (stored, duplicates int, exportDue bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range batch {
		if r.MessageID != "" && s.seen.Observe(r.MessageID) {
			duplicates++
			continue
		}
		s.records = append(s.records, r)

		key := r.ProfileKey()
		buf := append(s.profileBufs[key], r)
		if len(buf) > s.profileCap {
			buf = buf[len(buf)-s.profileCap:]
		}
		s.profileBufs[key] = buf
		stored++
	}

	if time.Since(s.lastExport) >= s.exportInterval {
		s.lastExport = time.Now()
		exportDue = true
	}
	return stored, duplicates, exportDue
}

// Snapshot returns the concatenated per-profile training windows sorted by
// timestamp.
func (s *Store) Snapshot() []*model.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Reading
	for _, buf := range s.profileBufs {
		out = append(out, buf...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}

// ExportSnapshot writes the training snapshot via tmp+rename so the trainer
// never observes a partial file.
func (s *Store) ExportSnapshot() error {
	snapshot := s.Snapshot()
	if snapshot == nil {
		snapshot = []*model.Reading{}
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	dst := filepath.Join(s.dataDir, HistoricalDataFile)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("publishing snapshot: %w", err)
	}
	return nil
}

// ReadModel loads the current trained artifact bytes. Errors mean the model
// is not available yet; callers report "pending".
func (s *Store) ReadModel() ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dataDir, ModelFile))
	if err != nil {
		return nil, err
	}
	var probe model.Artifact
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parsing model artifact: %w", err)
	}
	return data, nil
}

// Records returns a copy of the stored record list, optionally filtered.
func (s *Store) Records(filter func(*model.Reading) bool) []*model.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*model.Reading, 0, len(s.records))
	for _, r := range s.records {
		if filter == nil || filter(r) {
			out = append(out, r)
		}
	}
	return out
}

// UpdateLoad records a heartbeat. It returns true if this gateway was not
// previously known, so the caller can seed a default config.
func (s *Store) UpdateLoad(gatewayID string, load controlplane.GatewayLoad) (isNew bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, known := s.loads[gatewayID]
	s.loads[gatewayID] = load
	return !known
}

// RemoveLoad deletes a gateway from the load registry. It returns false if
// the gateway was not present.
func (s *Store) RemoveLoad(gatewayID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.loads[gatewayID]; !ok {
		return false
	}
	delete(s.loads, gatewayID)
	return true
}

// Status assembles the /gateway-status payload.
func (s *Store) Status() *controlplane.StatusResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	gateways := make(map[string]controlplane.GatewayLoad, len(s.loads))
	var totalSent int64
	for id, load := range s.loads {
		gateways[id] = load
		totalSent += load.RecordsSent
	}
	return &controlplane.StatusResponse{
		Gateways:         gateways,
		TotalRecordsSent: totalSent,
		Count:            len(gateways),
	}
}

// Config returns the stored config for a gateway, or the default sizing if
// none has been set.
func (s *Store) Config(gatewayID string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg, ok := s.configs[gatewayID]; ok {
		out := make(map[string]any, len(cfg))
		for k, v := range cfg {
			out[k] = v
		}
		return out
	}
	return defaultRuntimeConfig()
}

// EnsureConfig seeds the default config for a newly seen gateway.
func (s *Store) EnsureConfig(gatewayID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.configs[gatewayID]; !ok {
		s.configs[gatewayID] = defaultRuntimeConfig()
	}
}

// MergeConfig applies a partial config update on top of the stored values.
func (s *Store) MergeConfig(gatewayID string, update map[string]any) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.configs[gatewayID]
	if !ok {
		cfg = defaultRuntimeConfig()
		s.configs[gatewayID] = cfg
	}
	for k, v := range update {
		cfg[k] = v
	}

	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	return out
}

func defaultRuntimeConfig() map[string]any {
	return map[string]any{
		"batch_size":       10,
		"max_wait_seconds": 5,
	}
}
