// Package peer implements pull-based anti-entropy replication between
// gateways: an append-only log of locally accepted readings served over
// HTTP, and a sync loop that pulls peers' logs into the local buffer.
package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/5ggateway/edge-telemetry/internal/buffer"
	"github.com/5ggateway/edge-telemetry/internal/controlplane"
	"github.com/5ggateway/edge-telemetry/internal/dedup"
	"github.com/5ggateway/edge-telemetry/internal/metrics"
	"github.com/5ggateway/edge-telemetry/internal/model"
)

// StatusFetcher provides the fleet view used for peer discovery.
type StatusFetcher interface {
	GatewayStatus(ctx context.Context) (*controlplane.StatusResponse, error)
}

// Options bound the engine's state and cadence.
type Options struct {
	LogMax       int
	SeenMax      int
	SyncInterval time.Duration
	Warmup       time.Duration
	PullTimeout  time.Duration
	PeerPort     int
}

// pullResponse is the body of GET /peer/data.
type pullResponse struct {
	GatewayID string           `json:"gateway_id"`
	Data      []*model.Reading `json:"data"`
	Count     int              `json:"count"`
}

type Engine struct {
	gatewayID string
	opts      Options
	status    StatusFetcher
	client    *http.Client
	logger    *zap.Logger

	// Each state field carries its own lock; none is held across I/O.
	logMu sync.Mutex
	log   []*model.Reading

	seenMu sync.Mutex
	seen   *dedup.Ring

	peersMu sync.Mutex
	peers   []string

	cursorMu sync.Mutex
	cursors  map[string]float64

	bufMu sync.Mutex
	buf   *buffer.Buffer
}

func NewEngine(gatewayID string, buf *buffer.Buffer, status StatusFetcher, opts Options, logger *zap.Logger) *Engine {
	return &Engine{
		gatewayID: gatewayID,
		opts:      opts,
		status:    status,
		client:    &http.Client{Timeout: opts.PullTimeout},
		logger:    logger,
		seen:      dedup.NewRing(opts.SeenMax),
		cursors:   make(map[string]float64),
		buf:       buf,
	}
}

// SetBuffer re-points the engine at a new buffer after a config swap.
func (e *Engine) SetBuffer(buf *buffer.Buffer) {
	e.bufMu.Lock()
	e.buf = buf
	e.bufMu.Unlock()
}

// addToBuffer holds the buffer lock across the add so a pull racing a
// config swap can never land a record in a buffer that SetBuffer has
// already replaced and the supervisor is about to drain.
func (e *Engine) addToBuffer(r *model.Reading) {
	e.bufMu.Lock()
	defer e.bufMu.Unlock()
	e.buf.Add(r)
}

// observe marks an ID as seen, returning true if it already was.
func (e *Engine) observe(id string) bool {
	e.seenMu.Lock()
	defer e.seenMu.Unlock()
	return e.seen.Observe(id)
}

// AddToLog records a locally accepted reading so peers can pull it. Records
// received from peers must not be passed here; preserving the original
// _origin at first touch is what stops replication loops.
func (e *Engine) AddToLog(r *model.Reading) {
	if r.MessageID == "" {
		return
	}
	if e.observe(r.MessageID) {
		return
	}

	entry := r.Clone()
	entry.Origin = e.gatewayID
	entry.ReplTS = float64(time.Now().UnixNano()) / 1e9

	e.logMu.Lock()
	e.log = append(e.log, entry)
	if excess := len(e.log) - e.opts.LogMax; excess > 0 {
		e.log = append(e.log[:0], e.log[excess:]...)
	}
	e.logMu.Unlock()
}

// Entries returns log entries appended after the given replication
// timestamp, oldest first.
func (e *Engine) Entries(since float64) []*model.Reading {
	e.logMu.Lock()
	defer e.logMu.Unlock()

	var out []*model.Reading
	for _, entry := range e.log {
		if entry.ReplTS > since {
			out = append(out, entry)
		}
	}
	return out
}

// Run drives discovery and pulls until the context is cancelled. A short
// warm-up gives the cloud time to learn about this gateway before the first
// discovery round.
func (e *Engine) Run(ctx context.Context) {
	select {
	case <-time.After(e.opts.Warmup):
	case <-ctx.Done():
		return
	}

	e.logger.Info("peer sync active", zap.Duration("interval", e.opts.SyncInterval))

	ticker := time.NewTicker(e.opts.SyncInterval)
	defer ticker.Stop()

	for {
		e.discoverPeers(ctx)
		if len(e.Peers()) > 0 {
			e.pullFromPeers(ctx)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// Peers returns the current peer table.
func (e *Engine) Peers() []string {
	e.peersMu.Lock()
	defer e.peersMu.Unlock()
	return append([]string(nil), e.peers...)
}

func (e *Engine) discoverPeers(ctx context.Context) {
	status, err := e.status.GatewayStatus(ctx)
	if err != nil {
		e.logger.Warn("peer discovery failed", zap.Error(err))
		return
	}

	var peers []string
	for id, load := range status.Gateways {
		if id != e.gatewayID && load.Status == "alive" {
			peers = append(peers, id)
		}
	}

	e.peersMu.Lock()
	e.peers = peers
	e.peersMu.Unlock()
}

func (e *Engine) pullFromPeers(ctx context.Context) {
	for _, peerID := range e.Peers() {
		if ctx.Err() != nil {
			return
		}
		e.pullFromPeer(ctx, peerID)
	}
}

func (e *Engine) pullFromPeer(ctx context.Context, peerID string) {
	e.cursorMu.Lock()
	since := e.cursors[peerID]
	e.cursorMu.Unlock()

	url := fmt.Sprintf("http://%s:%d/peer/data?since=%s",
		peerID, e.opts.PeerPort, strconv.FormatFloat(since, 'f', -1, 64))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return
	}

	resp, err := e.client.Do(req)
	if err != nil {
		// A peer that is mid-restart or already torn down is routine;
		// discovery will drop it next round.
		e.logger.Debug("peer unreachable", zap.String("peer", peerID), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		e.logger.Warn("peer pull rejected",
			zap.String("peer", peerID),
			zap.Int("status", resp.StatusCode),
		)
		return
	}

	var body pullResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		e.logger.Warn("peer pull decode failed", zap.String("peer", peerID), zap.Error(err))
		return
	}

	replicated := 0
	for _, r := range body.Data {
		if r.MessageID == "" {
			continue
		}
		if e.observe(r.MessageID) {
			continue
		}

		origin := r.Origin
		if origin == "" {
			origin = peerID
		}
		r.StripReplication()
		r.ReplicatedFrom = origin

		// Into the buffer only. Replicated records are never re-logged,
		// so a record has exactly one serving origin fleet-wide.
		e.addToBuffer(r)
		replicated++
	}

	e.cursorMu.Lock()
	e.cursors[peerID] = float64(time.Now().UnixNano()) / 1e9
	e.cursorMu.Unlock()

	if replicated > 0 {
		metrics.ReplicationRecordsTotal.WithLabelValues("pulled").Add(float64(replicated))
		e.logger.Info("replicated records from peer",
			zap.String("peer", peerID),
			zap.Int("records", replicated),
		)
	}
}
