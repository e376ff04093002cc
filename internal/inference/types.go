package inference

import (
	"time"

	"github.com/mcules/forecast-inference/internal/forecast"
	"github.com/mcules/forecast-inference/internal/frame"
)

type PredictRequest struct {
	Data    []frame.Record `json:"data,omitempty"`
	Target  string         `json:"target,omitempty"`
	Horizon int            `json:"horizon,omitempty"`

	// Source names the trigger (http, kafka, mqtt) for metrics and history.
	Source string `json:"-"`
}

type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Lower     float64   `json:"lower"`
	Upper     float64   `json:"upper"`
}

type Forecast struct {
	ID           string        `json:"id"`
	Target       string        `json:"target"`
	Model        forecast.Kind `json:"model"`
	ModelVersion uint64        `json:"model_version"`
	GeneratedAt  time.Time     `json:"generated_at"`
	StepSeconds  float64       `json:"step_seconds"`
	HistoryRows  int           `json:"history_rows"`
	LastObserved time.Time     `json:"last_observed"`
	Points       []Point       `json:"points"`
	Cached       bool          `json:"cached"`
}

type IngestResult struct {
	Accepted   int    `json:"accepted"`
	Rows       int    `json:"rows"`
	Generation uint64 `json:"generation"`
}

type Stats struct {
	CachingEnabled bool      `json:"caching_enabled"`
	Rows           int       `json:"rows"`
	Generation     uint64    `json:"generation"`
	First          time.Time `json:"first,omitempty"`
	Last           time.Time `json:"last,omitempty"`
	ModelVersion   uint64    `json:"model_version"`
	ModelState     string    `json:"model_state"`
	ModelError     string    `json:"model_error,omitempty"`
}
