package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS predictions (
  id TEXT PRIMARY KEY,
  created_at DATETIME NOT NULL,
  target TEXT NOT NULL,
  model TEXT NOT NULL,
  model_version INTEGER NOT NULL DEFAULT 0,
  horizon INTEGER NOT NULL,
  step_secs REAL NOT NULL DEFAULT 0,
  rows_used INTEGER NOT NULL DEFAULT 0,
  source TEXT NOT NULL DEFAULT '',
  duration_ms REAL NOT NULL DEFAULT 0,
  forecast_json TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS predictions_target_created ON predictions(target, created_at);

CREATE TABLE IF NOT EXISTS api_keys (
  key_id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  prefix TEXT NOT NULL,
  hashed_key TEXT NOT NULL,
  created_at DATETIME NOT NULL,
  last_used_at DATETIME
);

CREATE INDEX IF NOT EXISTS api_keys_prefix ON api_keys(prefix);
`)
	return err
}

func (s *Store) RecordPrediction(ctx context.Context, p PredictionRecord) error {
	if s.db == nil {
		return nil
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO predictions(id, created_at, target, model, model_version, horizon, step_secs, rows_used, source, duration_ms, forecast_json)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, p.ID, p.CreatedAt.UTC(), p.Target, p.Model, int64(p.ModelVersion), p.Horizon, p.StepSecs, p.RowsUsed, p.Source, p.DurationMs, p.ForecastJSON)
	return err
}

// ListPredictions returns the newest predictions first. An empty target
// matches every target. The limit is clamped to 1..500 (0 means 50).
func (s *Store) ListPredictions(ctx context.Context, target string, limit int) ([]PredictionRecord, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, created_at, target, model, model_version, horizon, step_secs, rows_used, source, duration_ms, forecast_json
FROM predictions
WHERE (? = '' OR target = ?)
ORDER BY created_at DESC
LIMIT ?;
`, target, target, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PredictionRecord
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) GetPrediction(ctx context.Context, id string) (PredictionRecord, bool, error) {
	if s.db == nil {
		return PredictionRecord{}, false, nil
	}
	row := s.db.QueryRowContext(ctx, `
SELECT id, created_at, target, model, model_version, horizon, step_secs, rows_used, source, duration_ms, forecast_json
FROM predictions WHERE id=?;
`, id)
	p, err := scanPrediction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PredictionRecord{}, false, nil
	}
	if err != nil {
		return PredictionRecord{}, false, err
	}
	return p, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPrediction(sc scanner) (PredictionRecord, error) {
	var p PredictionRecord
	var version int64
	err := sc.Scan(&p.ID, &p.CreatedAt, &p.Target, &p.Model, &version, &p.Horizon, &p.StepSecs, &p.RowsUsed, &p.Source, &p.DurationMs, &p.ForecastJSON)
	if err != nil {
		return PredictionRecord{}, err
	}
	p.ModelVersion = uint64(version)
	return p, nil
}

func (s *Store) CreateAPIKey(ctx context.Context, record APIKeyRecord) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO api_keys(key_id, name, prefix, hashed_key, created_at)
VALUES(?, ?, ?, ?, ?);
`, record.ID, record.Name, record.Prefix, record.HashedKey, record.CreatedAt.UTC())
	return err
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]APIKeyRecord, error) {
	return s.queryAPIKeys(ctx, `
SELECT key_id, name, prefix, hashed_key, created_at, last_used_at
FROM api_keys ORDER BY created_at DESC;
`)
}

func (s *Store) FindAPIKeysByPrefix(ctx context.Context, prefix string) ([]APIKeyRecord, error) {
	return s.queryAPIKeys(ctx, `
SELECT key_id, name, prefix, hashed_key, created_at, last_used_at
FROM api_keys WHERE prefix=?;
`, prefix)
}

func (s *Store) queryAPIKeys(ctx context.Context, query string, args ...any) ([]APIKeyRecord, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []APIKeyRecord
	for rows.Next() {
		var r APIKeyRecord
		if err := rows.Scan(&r.ID, &r.Name, &r.Prefix, &r.HashedKey, &r.CreatedAt, &r.LastUsedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) DeleteAPIKey(ctx context.Context, id string) (bool, error) {
	if s.db == nil {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM api_keys WHERE key_id=?;", id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "UPDATE api_keys SET last_used_at=? WHERE key_id=?;", time.Now().UTC(), id)
	return err
}
