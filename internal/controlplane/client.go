// Package controlplane talks to the cloud API's control surface: per-gateway
// config, heartbeats, model distribution and fleet status.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/5ggateway/edge-telemetry/internal/model"
)

const requestTimeout = 5 * time.Second

// RuntimeConfig is the dynamically adjustable part of a gateway's behavior.
type RuntimeConfig struct {
	BatchSize      int     `json:"batch_size"`
	MaxWaitSeconds float64 `json:"max_wait_seconds"`
}

// Heartbeat is the load report a gateway posts each control interval.
type Heartbeat struct {
	GatewayID   string  `json:"gatewayId"`
	Status      string  `json:"status"`
	Timestamp   string  `json:"timestamp"`
	MessageRate int64   `json:"message_rate"`
	RecordsSent int64   `json:"records_sent"`
}

// GatewayLoad is the cloud's view of one gateway, as returned by
// /gateway-status.
type GatewayLoad struct {
	Status        string  `json:"status"`
	MessageRate   int64   `json:"message_rate"`
	RecordsSent   int64   `json:"records_sent"`
	LastHeartbeat float64 `json:"last_heartbeat"`
}

// StatusResponse is the /gateway-status payload.
type StatusResponse struct {
	Gateways         map[string]GatewayLoad `json:"gateways"`
	TotalRecordsSent int64                  `json:"total_records_sent"`
	Count            int                    `json:"count"`
}

type Client struct {
	baseURL   string
	apiKey    string
	gatewayID string
	client    *http.Client
}

func NewClient(baseURL, apiKey, gatewayID string) *Client {
	return &Client{
		baseURL:   baseURL,
		apiKey:    apiKey,
		gatewayID: gatewayID,
		client:    &http.Client{Timeout: requestTimeout},
	}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("POST %s: status %d", path, resp.StatusCode)
	}
	return nil
}

// FetchConfig retrieves this gateway's runtime config.
func (c *Client) FetchConfig(ctx context.Context) (*RuntimeConfig, error) {
	var cfg RuntimeConfig
	if err := c.get(ctx, "/config/"+c.gatewayID, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SendHeartbeat reports current load. messageRate is the accepted-message
// count since the previous heartbeat; recordsSent is cumulative.
func (c *Client) SendHeartbeat(ctx context.Context, messageRate, recordsSent int64) error {
	return c.post(ctx, "/heartbeat", Heartbeat{
		GatewayID:   c.gatewayID,
		Status:      "alive",
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		MessageRate: messageRate,
		RecordsSent: recordsSent,
	})
}

// FetchModel retrieves the current anomaly model. It returns (nil, nil) when
// the cloud reports the model as still pending.
func (c *Client) FetchModel(ctx context.Context) (*model.Artifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ml/model", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET /ml/model: status %d", resp.StatusCode)
	}

	var probe struct {
		Status string `json:"status"`
		model.Artifact
	}
	if err := json.NewDecoder(resp.Body).Decode(&probe); err != nil {
		return nil, fmt.Errorf("decoding model: %w", err)
	}
	if probe.Status == "pending" {
		return nil, nil
	}
	return &probe.Artifact, nil
}

// GatewayStatus retrieves the fleet load view.
func (c *Client) GatewayStatus(ctx context.Context) (*StatusResponse, error) {
	var status StatusResponse
	if err := c.get(ctx, "/gateway-status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Deregister removes a gateway from the cloud's load registry.
func (c *Client) Deregister(ctx context.Context, gatewayID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/gateway/"+gatewayID, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("DELETE /gateway/%s: status %d", gatewayID, resp.StatusCode)
	}
	return nil
}
