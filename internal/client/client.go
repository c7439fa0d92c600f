// Package client talks to a detection server over its JSON API.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"nutbolt/internal/model"
)

// ErrDetectionFailed is returned when the server answers success=false.
var ErrDetectionFailed = errors.New("detection failed")

// Client posts frames to POST /detect.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dropped    atomic.Int64
}

// New creates a client for baseURL (for example http://localhost:5000).
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Detect sends a JPEG frame. A confidence <= 0 lets the server use its default.
// Malformed detections in the reply are dropped individually.
func (c *Client) Detect(ctx context.Context, image []byte, confidence float64) (*model.DetectResponse, error) {
	request := model.DetectRequest{
		Image: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image),
	}
	if confidence > 0 {
		request.Confidence = &confidence
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/detect", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var raw model.RawDetectResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode response (status %d): %w", resp.StatusCode, err)
	}

	detections, dropped := model.ParseDetections(raw.Detections)
	c.dropped.Add(int64(dropped))
	result := &model.DetectResponse{
		Success:          raw.Success,
		Error:            raw.Error,
		Detections:       detections,
		Counts:           raw.Counts,
		Total:            raw.Total,
		ProcessingTimeMs: raw.ProcessingTimeMs,
		ImageSize:        raw.ImageSize,
	}

	if !raw.Success || resp.StatusCode >= http.StatusBadRequest {
		msg := raw.Error
		if msg == "" {
			msg = resp.Status
		}
		return result, fmt.Errorf("%w: %s", ErrDetectionFailed, msg)
	}
	return result, nil
}

// Dropped returns the number of malformed detections discarded so far.
func (c *Client) Dropped() int64 {
	return c.dropped.Load()
}

// Health fetches GET /health.
func (c *Client) Health(ctx context.Context) (*model.HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("health check returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var health model.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}
	return &health, nil
}
