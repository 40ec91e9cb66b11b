// Package pulseboard provides the official Go SDK for the Pulseboard
// server-monitoring API.
//
// Covers the REST API and the realtime channels (live metrics, alerts,
// upload sync) with a sub-module access pattern.
//
// Example:
//
//	client := pulseboard.NewClient("pb-...")
//
//	// REST API
//	servers, _ := client.Servers(ctx)
//
//	// Realtime (sub-module pattern)
//	ch := client.Realtime().MetricsChannel(&pulseboard.ChannelConfig{
//		Subscription: []int64{1, 2, 3},
//	})
//	ch.OnMetric(func(m pulseboard.MetricUpdate) { ... })
//	ch.Start(ctx)
//	defer ch.Stop()
package pulseboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production Environment = "production"
)

var environments = map[Environment]string{
	Production: "https://pulseboard.io",
}

const (
	DefaultBaseURL = "https://pulseboard.io"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	realtime   *RealtimeClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new Pulseboard client.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.realtime = &RealtimeClient{client: c}
	return c
}

// Realtime returns the realtime sub-client.
func (c *Client) Realtime() *RealtimeClient {
	return c.realtime
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var result APIResult
		if json.Unmarshal(data, &result) == nil && result.Error != nil {
			return nil, result.Error
		}
		return nil, fmt.Errorf("request failed: %s", resp.Status)
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Monitoring API Methods
// ============================================================================

// Health returns the API health report.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	data, err := c.doRequest(ctx, "GET", "/api/health", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[HealthInfo](data)
}

// Servers lists the monitored hosts.
func (c *Client) Servers(ctx context.Context) ([]Server, error) {
	data, err := c.doRequest(ctx, "GET", "/api/servers", nil, nil)
	if err != nil {
		return nil, err
	}
	servers, err := decodeJSON[[]Server](data)
	if err != nil {
		return nil, err
	}
	return *servers, nil
}

// UploadStatus fetches a point-in-time status snapshot for one upload.
// It satisfies StatusFunc, so it can be handed directly to NewSyncTracker.
func (c *Client) UploadStatus(ctx context.Context, uploadID string) (*UploadStatus, error) {
	if uploadID == "" {
		return nil, &APIError{Code: "INVALID_INPUT", Message: "upload id is required"}
	}
	data, err := c.doRequest(ctx, "GET", "/api/uploads/"+url.PathEscape(uploadID)+"/status", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[UploadStatus](data)
}

// ============================================================================
// Realtime Sub-Client
// ============================================================================

// Realtime endpoint paths. One channel serves exactly one path.
const (
	MetricsPath = "/ws/metrics"
	AlertsPath  = "/ws/alerts"
	SyncPath    = "/ws/health-sync"
)

// defaultSyncHeartbeat keeps the long-lived sync socket alive through
// proxies that drop idle connections.
const defaultSyncHeartbeat = 25 * time.Second

// RealtimeClient is the realtime connection factory.
type RealtimeClient struct{ client *Client }

func (r *RealtimeClient) wsURL(path string) string {
	base := strings.Replace(r.client.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if r.client.apiKey != "" {
		return base + path + "?token=" + url.QueryEscape(r.client.apiKey)
	}
	return base + path
}

// MetricsURL returns the live-metrics WebSocket URL.
func (r *RealtimeClient) MetricsURL() string { return r.wsURL(MetricsPath) }

// AlertsURL returns the alerts WebSocket URL.
func (r *RealtimeClient) AlertsURL() string { return r.wsURL(AlertsPath) }

// SyncURL returns the upload-sync WebSocket URL.
func (r *RealtimeClient) SyncURL() string { return r.wsURL(SyncPath) }

// MetricsChannel creates a channel for live metric updates. Call Start to
// connect.
func (r *RealtimeClient) MetricsChannel(config *ChannelConfig) *Channel {
	return NewChannel(r.MetricsURL(), config)
}

// AlertsChannel creates a channel for alert notifications. Call Start to
// connect.
func (r *RealtimeClient) AlertsChannel(config *ChannelConfig) *Channel {
	return NewChannel(r.AlertsURL(), config)
}

// SyncChannel creates a channel for upload lifecycle events. Heartbeats
// default on for this channel; the sync socket tends to sit idle between
// uploads. Call Start to connect.
func (r *RealtimeClient) SyncChannel(config *ChannelConfig) *Channel {
	var cfg ChannelConfig
	if config != nil {
		cfg = *config
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = defaultSyncHeartbeat
	}
	return NewChannel(r.SyncURL(), &cfg)
}
