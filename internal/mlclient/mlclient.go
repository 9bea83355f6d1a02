// Package mlclient talks to the external ML anomaly-detection service
// (§6): one request per evaluated reading, a score/confidence pair back.
// The core treats the score as an orthogonal, flag-only signal (§4.G);
// it never changes severity, only the ml_warning flag.
package mlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// BaselineStatsPayload mirrors one metric's frozen baseline numbers in the
// request body; omitted when the caller has no ready baseline.
type BaselineStatsPayload struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	P05  float64 `json:"p05"`
	P95  float64 `json:"p95"`
}

// Request is the exact wire shape described in §6.
type Request struct {
	MachineID     string                          `json:"machine_id"`
	SensorID      string                          `json:"sensor_id"`
	Timestamp     time.Time                       `json:"timestamp"`
	Readings      map[string]float64              `json:"readings"`
	ProfileID     string                          `json:"profile_id,omitempty"`
	MaterialID    string                          `json:"material_id,omitempty"`
	BaselineStats map[string]BaselineStatsPayload `json:"baseline_stats,omitempty"`
}

// Response is the exact wire shape described in §6. Contributions is
// carried through for observability but unused by the evaluator.
type Response struct {
	Score           float64            `json:"score"`
	Confidence      float64            `json:"confidence"`
	Contributions   map[string]float64 `json:"contributions,omitempty"`
}

// Client posts scoring requests to the ML service, adapted from the
// teacher's internal/notifications HTTP client: a bare *http.Client with a
// fixed timeout, same request-building and status-check idiom.
type Client struct {
	http *http.Client
	url  string
}

// New constructs a client against baseURL. An empty baseURL disables
// scoring entirely; Score then returns (nil, nil) without making a call,
// mirroring the teacher's "not initialized" guard.
func New(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		log.Warn().Msg("ML service URL not configured - anomaly scoring disabled")
		return &Client{}
	}
	return &Client{
		http: &http.Client{Timeout: timeout},
		url:  baseURL,
	}
}

// Score posts one scoring request and returns the service's response, or
// nil if the client is disabled. Scoring failures are treated as
// transient and non-fatal: the caller proceeds without an ML signal.
func (c *Client) Score(ctx context.Context, req Request) (*Response, error) {
	if c.http == nil {
		return nil, nil
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ML scoring request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build ML scoring request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ML scoring request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ML service returned non-success status: %d", resp.StatusCode)
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode ML scoring response: %w", err)
	}

	log.Debug().
		Str("machine_id", req.MachineID).
		Float64("score", out.Score).
		Float64("confidence", out.Confidence).
		Msg("ML scoring response received")

	return &out, nil
}
