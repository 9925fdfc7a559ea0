// Package uploader forwards batched readings to the cloud ingest API with
// bounded retries and failed-batch requeue.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/5ggateway/edge-telemetry/internal/metrics"
	"github.com/5ggateway/edge-telemetry/internal/model"
)

const (
	maxRetries = 3
	retryDelay = 2 * time.Second
)

var zstdEncoder, _ = zstd.NewWriter(nil)

// Payload is the /ingest request body.
type Payload struct {
	GatewayID string           `json:"gatewayId"`
	Data      []*model.Reading `json:"data"`
}

type Uploader struct {
	url        string
	apiKey     string
	gatewayID  string
	secret     string
	compress   bool
	client     *http.Client
	retryDelay time.Duration
	sent       atomic.Int64
	logger     *zap.Logger
}

func New(cloudURL, apiKey, gatewayID, secret string, timeout time.Duration, compress bool, logger *zap.Logger) *Uploader {
	return &Uploader{
		url:        cloudURL + "/ingest",
		apiKey:     apiKey,
		gatewayID:  gatewayID,
		secret:     secret,
		compress:   compress,
		client:     &http.Client{Timeout: timeout},
		retryDelay: retryDelay,
		logger:     logger,
	}
}

// RecordsSent returns the cumulative count of records successfully delivered.
func (u *Uploader) RecordsSent() int64 {
	return u.sent.Load()
}

// Send delivers one batch, retrying on any non-200 response or network error.
// A non-nil return means the batch should be requeued by the caller.
func (u *Uploader) Send(ctx context.Context, batch []*model.Reading) error {
	if len(batch) == 0 {
		return nil
	}

	body, err := json.Marshal(Payload{GatewayID: u.gatewayID, Data: batch})
	if err != nil {
		return fmt.Errorf("marshaling batch: %w", err)
	}

	encoding := ""
	if u.compress {
		body = zstdEncoder.EncodeAll(body, nil)
		encoding = "zstd"
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		lastErr = u.attempt(ctx, body, encoding)
		if lastErr == nil {
			u.sent.Add(int64(len(batch)))
			metrics.UploadBatchesTotal.WithLabelValues("ok").Inc()
			u.logger.Debug("batch uploaded", zap.Int("records", len(batch)))
			return nil
		}

		u.logger.Warn("cloud upload failed",
			zap.Int("attempt", attempt),
			zap.Int("records", len(batch)),
			zap.Error(lastErr),
		)

		if attempt < maxRetries {
			select {
			case <-time.After(u.retryDelay):
			case <-ctx.Done():
				metrics.UploadBatchesTotal.WithLabelValues("cancelled").Inc()
				return ctx.Err()
			}
		}
	}

	metrics.UploadBatchesTotal.WithLabelValues("failed").Inc()
	return fmt.Errorf("upload failed after %d attempts: %w", maxRetries, lastErr)
}

func (u *Uploader) attempt(ctx context.Context, body []byte, encoding string) error {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+u.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("gatewayId", u.gatewayID)
	req.Header.Set("secret", u.secret)
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	metrics.UploadDuration.Observe(time.Since(start).Seconds())

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("cloud returned %d: %s", resp.StatusCode, snippet)
	}
	return nil
}
