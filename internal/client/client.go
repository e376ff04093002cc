// Package client talks to a forecast server over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mcules/forecast-inference/internal/frame"
	"github.com/mcules/forecast-inference/internal/inference"
)

type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Detail)
}

// ErrorKind lets inference.KindOf classify remote failures like local ones.
// Client errors are final, except for timeouts, rate limiting and auth
// failures: a bad key is a deployment problem, not a bad message, so the
// consumer must not reject and commit on it.
func (e *APIError) ErrorKind() inference.Kind {
	switch {
	case e.Status == http.StatusRequestTimeout, e.Status == http.StatusTooManyRequests,
		e.Status == http.StatusUnauthorized, e.Status == http.StatusForbidden:
		return inference.KindUnavailable
	case e.Status == http.StatusNotFound:
		return inference.KindNotFound
	case e.Status/100 == 4:
		return inference.KindInvalid
	case e.Status == http.StatusServiceUnavailable, e.Status == http.StatusBadGateway, e.Status == http.StatusGatewayTimeout:
		return inference.KindUnavailable
	default:
		return inference.KindInternal
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	res, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		apiErr := &APIError{Status: res.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
		var d struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(raw, &d) == nil && d.Detail != "" {
			apiErr.Detail = d.Detail
		} else {
			apiErr.Detail = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// Predict implements trigger.Predictor against a remote server.
func (c *Client) Predict(ctx context.Context, req inference.PredictRequest) (*inference.Forecast, error) {
	var out inference.Forecast
	if err := c.do(ctx, http.MethodPost, "/predict", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Ingest(ctx context.Context, records []frame.Record) (inference.IngestResult, error) {
	var out inference.IngestResult
	body := struct {
		Data []frame.Record `json:"data"`
	}{Data: records}
	err := c.do(ctx, http.MethodPost, "/ingest", body, &out)
	return out, err
}

func (c *Client) Last(ctx context.Context) (*inference.Forecast, error) {
	var out inference.Forecast
	if err := c.do(ctx, http.MethodGet, "/predict/last", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type Health struct {
	Status         string `json:"status"`
	CachingEnabled bool   `json:"caching_enabled"`
	Rows           int    `json:"rows"`
	Generation     uint64 `json:"generation"`
	ModelVersion   uint64 `json:"model_version"`
	ModelState     string `json:"model_state"`
}

func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ready reports whether /ready answers 200.
func (c *Client) Ready(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/ready", nil, nil)
}
