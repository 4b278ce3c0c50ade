// Package pipelinehttp sends reconciliation rows to a downstream time-series
// service over HTTP and reads back the pairs it committed.
package pipelinehttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/couchcryptid/manual-obs-collector/internal/domain"
	"github.com/couchcryptid/manual-obs-collector/internal/reconcile"
)

// Client implements reconcile.Pipeline against an HTTP endpoint.
type Client struct {
	token      string
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// NewClient creates a pipeline client rooted at baseURL. An empty token
// sends no Authorization header.
func NewClient(baseURL, token string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		token: token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

// Materialize posts the rows for one station and returns the reported commits.
func (c *Client) Materialize(ctx context.Context, station domain.StationLink, rows []reconcile.ObservationRow) ([]reconcile.Commit, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(request{
		StationLinkID: station.ID,
		Timezone:      station.Timezone,
		Rows:          rows,
	})
	if err != nil {
		return nil, fmt.Errorf("encode rows: %w", err)
	}

	u := fmt.Sprintf("%s/stations/%d/observations", c.baseURL, station.ID)
	resp, err := c.doRequest(ctx, u, body)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("pipeline accepted rows",
		"station_link_id", station.ID,
		"rows", len(rows),
		"committed", len(resp.Committed),
	)
	return resp.Committed, nil
}

func (c *Client) doRequest(ctx context.Context, fullURL string, body []byte) (response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(body))
	if err != nil {
		return response{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return response{}, fmt.Errorf("pipeline request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return response{}, fmt.Errorf("pipeline API error: status %d: %s", resp.StatusCode, msg)
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return response{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// Pipeline API wire types.

type request struct {
	StationLinkID int64                      `json:"station_link_id"`
	Timezone      string                     `json:"timezone"`
	Rows          []reconcile.ObservationRow `json:"rows"`
}

type response struct {
	Committed []reconcile.Commit `json:"committed"`
}
