// Package cloud implements the ingest API: authenticated batch ingest with
// server-side dedup, bounded training snapshots, per-gateway config, and
// the fleet load registry the autoscaler and peer discovery depend on.
package cloud

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/5ggateway/edge-telemetry/internal/controlplane"
	"github.com/5ggateway/edge-telemetry/internal/metrics"
	"github.com/5ggateway/edge-telemetry/internal/model"
	"github.com/5ggateway/edge-telemetry/internal/provision"
	"github.com/5ggateway/edge-telemetry/internal/uploader"
)

// protectedPaths require gateway credentials in addition to the API key.
var protectedPaths = []string{"/ingest"}

type Server struct {
	srv      *http.Server
	store    *Store
	registry *provision.Registry
	apiKey   string
	logger   *zap.Logger
}

func NewServer(addr, apiKey string, store *Store, registry *provision.Registry, logger *zap.Logger) *Server {
	s := &Server{
		store:    store,
		registry: registry,
		apiKey:   apiKey,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /ingest", s.handleIngest)
	mux.HandleFunc("POST /devices/register", s.handleRegisterDevice)
	mux.HandleFunc("GET /data", s.handleData)
	mux.HandleFunc("GET /data/by-type/{sensorType}", s.handleDataByType)
	mux.HandleFunc("GET /data/by-device/{deviceId}", s.handleDataByDevice)
	mux.HandleFunc("GET /config/{gatewayId}", s.handleGetConfig)
	mux.HandleFunc("POST /config/{gatewayId}", s.handlePostConfig)
	mux.HandleFunc("POST /heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /gateway-status", s.handleGatewayStatus)
	mux.HandleFunc("DELETE /gateway/{gatewayId}", s.handleDeregister)
	mux.HandleFunc("GET /ml/model", s.handleModel)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.gatewayAuth(mux),
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("cloud API listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("cloud API server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// gatewayAuth validates gateway credentials on protected paths. Unknown
// gateways presenting the shared provisioning secret are registered on the
// spot, which is how autoscaled replicas join the fleet.
func (s *Server) gatewayAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		protected := false
		for _, p := range protectedPaths {
			if r.URL.Path == p {
				protected = true
				break
			}
		}
		if !protected {
			next.ServeHTTP(w, r)
			return
		}

		gatewayID := r.Header.Get("gatewayId")
		secret := r.Header.Get("secret")

		if !s.registry.ValidateGateway(gatewayID, secret) {
			if gatewayID != "" && !s.registry.KnownGateway(gatewayID) && secret == provision.GatewaySecret {
				s.registry.RegisterGateway(gatewayID, secret)
				s.logger.Info("auto-registered gateway", zap.String("gateway_id", gatewayID))
			} else {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid gateway"})
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+s.apiKey {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	body := io.Reader(r.Body)
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "zstd") {
		dec, err := zstd.NewReader(r.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad content encoding"})
			return
		}
		defer dec.Close()
		body = dec
	}

	var payload uploader.Payload
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	stored, duplicates, exportDue := s.store.Ingest(payload.Data)
	metrics.IngestRecordsTotal.WithLabelValues("stored").Add(float64(stored))
	metrics.IngestRecordsTotal.WithLabelValues("duplicate").Add(float64(duplicates))

	s.logger.Debug("ingested batch",
		zap.String("gateway_id", payload.GatewayID),
		zap.Int("stored", stored),
		zap.Int("duplicates", duplicates),
	)

	if exportDue {
		start := time.Now()
		if err := s.store.ExportSnapshot(); err != nil {
			s.logger.Error("training snapshot export failed", zap.Error(err))
		} else {
			metrics.ExportDuration.Observe(time.Since(start).Seconds())
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"received":   stored,
		"duplicates": duplicates,
	})
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	gatewayID := r.URL.Query().Get("gateway_id")
	deviceID, secret := s.registry.RegisterDevice(gatewayID)
	writeJSON(w, http.StatusOK, map[string]string{
		"device_id":     deviceID,
		"device_secret": secret,
	})
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	records := s.store.Records(nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(records),
		"data":  records,
	})
}

func (s *Server) handleDataByType(w http.ResponseWriter, r *http.Request) {
	sensorType := r.PathValue("sensorType")
	records := s.store.Records(func(rec *model.Reading) bool {
		return rec.SensorType == sensorType
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(records),
		"data":  records,
	})
}

func (s *Server) handleDataByDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("deviceId")
	records := s.store.Records(func(rec *model.Reading) bool {
		return rec.DeviceID == deviceID
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(records),
		"data":  records,
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Config(r.PathValue("gatewayId")))
}

func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	var update map[string]any
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid config"})
		return
	}
	merged := s.store.MergeConfig(r.PathValue("gatewayId"), update)
	writeJSON(w, http.StatusOK, merged)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb controlplane.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil || hb.GatewayID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid heartbeat"})
		return
	}

	isNew := s.store.UpdateLoad(hb.GatewayID, controlplane.GatewayLoad{
		Status:        hb.Status,
		MessageRate:   hb.MessageRate,
		RecordsSent:   hb.RecordsSent,
		LastHeartbeat: float64(time.Now().UnixNano()) / 1e9,
	})
	if isNew {
		s.store.EnsureConfig(hb.GatewayID)
		s.logger.Info("gateway joined", zap.String("gateway_id", hb.GatewayID))
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGatewayStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Status())
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	gatewayID := r.PathValue("gatewayId")
	if !s.store.RemoveLoad(gatewayID) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown gateway"})
		return
	}
	s.logger.Info("gateway deregistered", zap.String("gateway_id", gatewayID))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleModel serves the current trained artifact from the shared volume.
// A missing or mid-rotation file is not an error; gateways treat "pending"
// as a no-op.
func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	data, err := s.store.ReadModel()
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
