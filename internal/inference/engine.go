package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mcules/forecast-inference/internal/activity"
	"github.com/mcules/forecast-inference/internal/cache"
	"github.com/mcules/forecast-inference/internal/forecast"
	"github.com/mcules/forecast-inference/internal/frame"
	"github.com/mcules/forecast-inference/internal/metrics"
	"github.com/mcules/forecast-inference/internal/state"
	"github.com/mcules/forecast-inference/internal/store"
)

type Config struct {
	CachingEnabled bool
	Target         string
	DefaultHorizon int
	MaxHorizon     int
	MaxRows        int
	ModelKind      forecast.Kind
	Params         forecast.Params
	IntervalZ      float64
	ResultTTL      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Target == "" {
		c.Target = "y"
	}
	if c.DefaultHorizon <= 0 {
		c.DefaultHorizon = 12
	}
	if c.MaxHorizon <= 0 {
		c.MaxHorizon = 1000
	}
	if c.MaxRows <= 0 {
		c.MaxRows = 10000
	}
	if c.ModelKind == "" {
		c.ModelKind = forecast.KindHolt
	}
	if c.IntervalZ <= 0 {
		c.IntervalZ = 1.96
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = 5 * time.Minute
	}
	return c
}

var lastKey = cache.Key("forecast", "last")

// Recorder persists prediction history.
type Recorder interface {
	RecordPrediction(ctx context.Context, p store.PredictionRecord) error
}

// Appender receives one JSON document per prediction (the object log).
type Appender interface {
	Append(v any) error
}

// Engine owns the cached frame and produces forecasts from it.
type Engine struct {
	cfg Config
	log *zap.Logger

	Registry  *state.Registry
	Results   cache.Cache
	Recorder  Recorder
	Activity  *activity.Log
	ObjectLog Appender
	Metrics   *metrics.Collectors
	Latency   *metrics.LatencyTracker

	mu         sync.RWMutex
	frame      *frame.Frame
	generation uint64

	// Single writer for model refits.
	fitMu sync.Mutex

	lastMu sync.RWMutex
	last   *Forecast
}

func New(cfg Config, registry *state.Registry, log *zap.Logger) (*Engine, error) {
	cfg = cfg.withDefaults()
	if _, err := forecast.Build(cfg.ModelKind, cfg.Params); err != nil {
		return nil, err
	}
	if cfg.DefaultHorizon > cfg.MaxHorizon {
		return nil, fmt.Errorf("default horizon %d exceeds max horizon %d", cfg.DefaultHorizon, cfg.MaxHorizon)
	}
	if registry == nil {
		registry = state.NewRegistry()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg,
		log:      log.Named("engine"),
		Registry: registry,
		Results:  cache.Noop{},
	}, nil
}

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) CachingEnabled() bool { return e.cfg.CachingEnabled }

// Ingest merges records into the cached frame.
func (e *Engine) Ingest(ctx context.Context, records []frame.Record, source string) (IngestResult, error) {
	if !e.cfg.CachingEnabled {
		return IngestResult{}, cachingDisabled()
	}
	if len(records) == 0 {
		return IngestResult{}, invalid(ErrEmptyPayload)
	}
	res, err := e.ingest(records)
	if err != nil {
		return IngestResult{}, err
	}
	e.Activity.Add(activity.Event{
		Type:   activity.EventIngest,
		Source: source,
		Note:   fmt.Sprintf("%d rows, generation %d", res.Accepted, res.Generation),
	})
	return res, nil
}

func (e *Engine) ingest(records []frame.Record) (IngestResult, error) {
	incoming, err := frame.FromRecords(records)
	if err != nil {
		return IngestResult{}, invalid(err)
	}

	e.mu.Lock()
	e.frame = e.frame.Merge(incoming)
	if e.frame.Len() > e.cfg.MaxRows {
		e.frame = e.frame.Tail(e.cfg.MaxRows)
	}
	e.generation++
	res := IngestResult{Accepted: len(records), Rows: e.frame.Len(), Generation: e.generation}
	e.mu.Unlock()

	e.Metrics.SetFrame(res.Rows, res.Generation)
	return res, nil
}

// Predict produces a forecast. Without payload data it uses the cached frame,
// which requires caching to be enabled.
func (e *Engine) Predict(ctx context.Context, req PredictRequest) (*Forecast, error) {
	start := time.Now()
	if req.Source == "" {
		req.Source = "http"
	}
	fc, err := e.predict(ctx, req)
	e.observe(ctx, req, fc, err, time.Since(start))
	return fc, err
}

func (e *Engine) predict(ctx context.Context, req PredictRequest) (*Forecast, error) {
	horizon := req.Horizon
	if horizon == 0 {
		horizon = e.cfg.DefaultHorizon
	}
	if horizon < 0 || horizon > e.cfg.MaxHorizon {
		return nil, invalid(fmt.Errorf("%w: %d (allowed 1..%d)", ErrInvalidHorizon, horizon, e.cfg.MaxHorizon))
	}
	target := req.Target
	if target == "" {
		target = e.cfg.Target
	}

	if len(req.Data) == 0 {
		if !e.cfg.CachingEnabled {
			return nil, cachingDisabled()
		}
		return e.predictFromCache(ctx, target, horizon)
	}

	if e.cfg.CachingEnabled {
		if _, err := e.ingest(req.Data); err != nil {
			return nil, err
		}
		return e.predictFromCache(ctx, target, horizon)
	}

	fr, err := frame.FromRecords(req.Data)
	if err != nil {
		return nil, invalid(err)
	}
	snap, err := e.fit(fr, target, 0)
	if err != nil {
		return nil, err
	}
	return e.forecast(snap, horizon)
}

func (e *Engine) predictFromCache(ctx context.Context, target string, horizon int) (*Forecast, error) {
	snap, _, err := e.ensureFitted(target)
	if err != nil {
		return nil, err
	}

	key := cache.Key("forecast", target, string(snap.Kind),
		strconv.FormatUint(snap.Version, 10),
		strconv.FormatUint(snap.Generation, 10),
		strconv.Itoa(horizon))

	if b, ok, err := e.Results.Get(ctx, key); err != nil {
		e.log.Warn("result cache get", zap.String("key", key), zap.Error(err))
	} else if ok {
		var fc Forecast
		if err := json.Unmarshal(b, &fc); err == nil {
			fc.Cached = true
			return &fc, nil
		}
	}

	fc, err := e.forecast(snap, horizon)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(fc); err == nil {
		if err := e.Results.Set(ctx, key, b, e.cfg.ResultTTL); err != nil {
			e.log.Warn("result cache set", zap.String("key", key), zap.Error(err))
		}
	}
	return fc, nil
}

// ensureFitted returns a snapshot fitted on the current cache generation,
// refitting under the writer lock if the published one is stale.
func (e *Engine) ensureFitted(target string) (*state.Snapshot, bool, error) {
	if s := e.Registry.Current(); s != nil && s.Target == target && s.Generation == e.Generation() {
		return s, false, nil
	}

	e.fitMu.Lock()
	defer e.fitMu.Unlock()

	fr, gen := e.snapshotFrame()
	if fr.Len() == 0 {
		return nil, false, invalid(ErrNoData)
	}
	if s := e.Registry.Current(); s != nil && s.Target == target && s.Generation == gen {
		return s, false, nil
	}

	e.Registry.SetState(state.ModelLoading, nil)
	snap, err := e.fit(fr, target, gen)
	if err != nil {
		e.Registry.SetState(state.ModelError, err)
		return nil, false, err
	}
	published := e.Registry.Swap(*snap)
	e.Metrics.SetModelVersion(published.Version)
	e.Activity.Add(activity.Event{
		Type:   activity.EventRefit,
		Target: target,
		Note:   fmt.Sprintf("version %d on %d rows (generation %d)", published.Version, published.Rows, gen),
	})
	return published, true, nil
}

func (e *Engine) snapshotFrame() (*frame.Frame, uint64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.frame == nil {
		return nil, e.generation
	}
	return e.frame.Clone(), e.generation
}

func (e *Engine) fit(fr *frame.Frame, target string, gen uint64) (*state.Snapshot, error) {
	step, err := fr.CheckUniform()
	if err != nil {
		return nil, invalid(err)
	}
	reg, err := fr.Regularize(step)
	if err != nil {
		return nil, invalid(err)
	}
	y, err := reg.Series(target)
	if err != nil {
		return nil, invalid(err)
	}

	m, err := forecast.Build(e.cfg.ModelKind, e.cfg.Params)
	if err != nil {
		return nil, inferenceFailed(err)
	}
	if err := m.Fit(y); err != nil {
		if errors.Is(err, forecast.ErrTooFewPoints) || errors.Is(err, forecast.ErrBadInput) {
			return nil, invalid(err)
		}
		return nil, inferenceFailed(err)
	}

	return &state.Snapshot{
		Kind:       m.Kind(),
		Target:     target,
		Generation: gen,
		Step:       step,
		LastTime:   reg.Last(),
		Rows:       reg.Len(),
		FittedAt:   time.Now(),
		Model:      m,
	}, nil
}

func (e *Engine) forecast(snap *state.Snapshot, horizon int) (*Forecast, error) {
	values, err := snap.Model.Predict(horizon)
	if err != nil {
		return nil, inferenceFailed(err)
	}
	sigma := snap.Model.Sigma()
	if !finite(sigma) {
		return nil, inferenceFailed(fmt.Errorf("%w: residual sigma %v", ErrNonFinite, sigma))
	}
	lower, upper := forecast.Intervals(values, sigma, e.cfg.IntervalZ)

	points := make([]Point, len(values))
	for i, v := range values {
		if !finite(v) || !finite(lower[i]) || !finite(upper[i]) {
			return nil, inferenceFailed(fmt.Errorf("%w: step %d", ErrNonFinite, i+1))
		}
		points[i] = Point{
			Timestamp: snap.LastTime.Add(time.Duration(i+1) * snap.Step),
			Value:     v,
			Lower:     lower[i],
			Upper:     upper[i],
		}
	}

	return &Forecast{
		ID:           uuid.NewString(),
		Target:       snap.Target,
		Model:        snap.Kind,
		ModelVersion: snap.Version,
		GeneratedAt:  time.Now().UTC(),
		StepSeconds:  snap.Step.Seconds(),
		HistoryRows:  snap.Rows,
		LastObserved: snap.LastTime,
		Points:       points,
	}, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// predictionLogLine is the object log document for one prediction.
type predictionLogLine struct {
	At         time.Time `json:"at"`
	Source     string    `json:"source"`
	Target     string    `json:"target"`
	Horizon    int       `json:"horizon"`
	DurationMs float64   `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	Forecast   *Forecast `json:"forecast,omitempty"`
}

func (e *Engine) observe(ctx context.Context, req PredictRequest, fc *Forecast, err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = KindOf(err).String()
		e.Latency.ObserveError(req.Source, d)
	} else {
		e.Latency.ObserveOK(req.Source, d)
	}
	e.Metrics.ObserveInference(req.Source, result, d.Seconds())

	line := predictionLogLine{
		At:         time.Now().UTC(),
		Source:     req.Source,
		Target:     req.Target,
		Horizon:    req.Horizon,
		DurationMs: float64(d) / float64(time.Millisecond),
		Forecast:   fc,
	}
	if err != nil {
		line.Error = Detail(err)
	}
	if e.ObjectLog != nil {
		if aerr := e.ObjectLog.Append(line); aerr != nil {
			e.log.Warn("object log append", zap.Error(aerr))
		}
	}

	if err != nil {
		if KindOf(err) == KindInternal {
			e.log.Error("prediction failed", zap.String("source", req.Source), zap.Error(err))
		} else {
			e.log.Debug("prediction rejected", zap.String("source", req.Source), zap.Error(err))
		}
		e.Activity.Add(activity.Event{Type: activity.EventError, Source: req.Source, Target: req.Target, Note: Detail(err)})
		return
	}

	e.lastMu.Lock()
	e.last = fc
	e.lastMu.Unlock()
	if b, merr := json.Marshal(fc); merr == nil {
		if serr := e.Results.Set(ctx, lastKey, b, e.cfg.ResultTTL); serr != nil {
			e.log.Warn("result cache set", zap.String("key", lastKey), zap.Error(serr))
		}
	}

	e.Activity.Add(activity.Event{
		Type:   activity.EventPredict,
		Source: req.Source,
		Target: fc.Target,
		Note:   fmt.Sprintf("%d points, model v%d, cached=%t", len(fc.Points), fc.ModelVersion, fc.Cached),
	})

	if e.Recorder != nil {
		body, merr := json.Marshal(fc)
		if merr != nil {
			e.log.Warn("encode forecast for history", zap.String("id", fc.ID), zap.Error(merr))
		}
		rec := store.PredictionRecord{
			ID:           fc.ID,
			CreatedAt:    fc.GeneratedAt,
			Target:       fc.Target,
			Model:        string(fc.Model),
			ModelVersion: fc.ModelVersion,
			Horizon:      len(fc.Points),
			StepSecs:     fc.StepSeconds,
			RowsUsed:     fc.HistoryRows,
			Source:       req.Source,
			DurationMs:   line.DurationMs,
			ForecastJSON: string(body),
		}
		if fc.Cached {
			rec.ID = uuid.NewString()
			rec.CreatedAt = time.Now().UTC()
		}
		if rerr := e.Recorder.RecordPrediction(context.WithoutCancel(ctx), rec); rerr != nil {
			e.log.Warn("record prediction", zap.String("id", rec.ID), zap.Error(rerr))
		}
	}
}

// Refit brings the published model up to date with the cache, keeping the
// target it was last fitted for. It reports whether a new model was swapped in.
func (e *Engine) Refit(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if e.Rows() == 0 {
		return false, nil
	}
	target := e.cfg.Target
	if cur := e.Registry.Current(); cur != nil {
		target = cur.Target
	}
	_, refitted, err := e.ensureFitted(target)
	return refitted, err
}

// Last returns the most recent successful forecast. The shared result cache
// is consulted first so replicas behind a redis cache agree.
func (e *Engine) Last(ctx context.Context) (*Forecast, bool) {
	if b, ok, err := e.Results.Get(ctx, lastKey); err == nil && ok {
		var fc Forecast
		if json.Unmarshal(b, &fc) == nil {
			return &fc, true
		}
	}
	e.lastMu.RLock()
	defer e.lastMu.RUnlock()
	return e.last, e.last != nil
}

// Trim keeps only the newest rows and returns how many were dropped.
func (e *Engine) Trim(rows int) int {
	if rows < 0 {
		rows = 0
	}
	e.mu.Lock()
	if e.frame == nil || e.frame.Len() <= rows {
		e.mu.Unlock()
		return 0
	}
	dropped := e.frame.Len() - rows
	e.frame = e.frame.Tail(rows)
	e.generation++
	n, gen := e.frame.Len(), e.generation
	e.mu.Unlock()

	e.Metrics.SetFrame(n, gen)
	e.Activity.Add(activity.Event{Type: activity.EventTrim, Note: fmt.Sprintf("dropped %d rows, kept %d", dropped, n)})
	return dropped
}

func (e *Engine) Generation() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.generation
}

func (e *Engine) Rows() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.frame.Len()
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	st := Stats{
		CachingEnabled: e.cfg.CachingEnabled,
		Rows:           e.frame.Len(),
		Generation:     e.generation,
	}
	if e.frame != nil {
		st.First = e.frame.First()
		st.Last = e.frame.Last()
	}
	e.mu.RUnlock()

	if s := e.Registry.Current(); s != nil {
		st.ModelVersion = s.Version
	}
	ms, err := e.Registry.Status()
	st.ModelState = string(ms)
	if err != nil {
		st.ModelError = err.Error()
	}
	return st
}
