package store

import "time"

type PredictionRecord struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	Target       string    `json:"target"`
	Model        string    `json:"model"`
	ModelVersion uint64    `json:"model_version"`
	Horizon      int       `json:"horizon"`
	StepSecs     float64   `json:"step_seconds"`
	RowsUsed     int       `json:"rows_used"`
	Source       string    `json:"source"`
	DurationMs   float64   `json:"duration_ms"`
	ForecastJSON string    `json:"forecast,omitempty"`
}

type APIKeyRecord struct {
	ID         string
	Name       string
	Prefix     string
	HashedKey  string
	CreatedAt  time.Time
	LastUsedAt *time.Time
}
