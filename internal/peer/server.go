package peer

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/5ggateway/edge-telemetry/internal/metrics"
)

// Server exposes this gateway's replication log to its peers.
type Server struct {
	srv    *http.Server
	engine *Engine
	logger *zap.Logger
}

func NewServer(addr string, engine *Engine, logger *zap.Logger) *Server {
	s := &Server{
		engine: engine,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/peer/data", s.handleData)
	mux.HandleFunc("/peer/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("peer replication server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("peer server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	since := 0.0
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			http.Error(w, `{"error":"invalid since"}`, http.StatusBadRequest)
			return
		}
		since = parsed
	}

	entries := s.engine.Entries(since)
	if len(entries) > 0 {
		metrics.ReplicationRecordsTotal.WithLabelValues("served").Add(float64(len(entries)))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(pullResponse{
		GatewayID: s.engine.gatewayID,
		Data:      entries,
		Count:     len(entries),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":     "ok",
		"gateway_id": s.engine.gatewayID,
	})
}
