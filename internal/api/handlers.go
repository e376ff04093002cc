package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mcules/forecast-inference/internal/activity"
	"github.com/mcules/forecast-inference/internal/frame"
	"github.com/mcules/forecast-inference/internal/inference"
	"github.com/mcules/forecast-inference/internal/metrics"
	"github.com/mcules/forecast-inference/internal/perf"
	"github.com/mcules/forecast-inference/internal/store"
)

// handlePredict serves POST /predict.
func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req inference.PredictRequest
	if code, err := s.readJSON(w, r, &req); err != nil {
		writeDetail(w, code, err.Error())
		return
	}
	req.Source = "http"

	fc, err := s.Engine.Predict(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fc)
}

type ingestRequest struct {
	Data []frame.Record `json:"data"`
}

// handleIngest serves POST /ingest.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req ingestRequest
	if code, err := s.readJSON(w, r, &req); err != nil {
		writeDetail(w, code, err.Error())
		return
	}

	res, err := s.Engine.Ingest(r.Context(), req.Data, "http")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleLast(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	fc, ok := s.Engine.Last(r.Context())
	if !ok {
		writeDetail(w, http.StatusNotFound, "no prediction available")
		return
	}
	writeJSON(w, http.StatusOK, fc)
}

// predictionView shadows the stored forecast string with raw JSON.
type predictionView struct {
	store.PredictionRecord
	Forecast json.RawMessage `json:"forecast,omitempty"`
}

func viewOf(p store.PredictionRecord, withForecast bool) predictionView {
	v := predictionView{PredictionRecord: p}
	if withForecast && p.ForecastJSON != "" {
		v.Forecast = json.RawMessage(p.ForecastJSON)
	}
	return v
}

// handleListPredictions serves GET /predictions?target=&limit=.
func (s *Server) handleListPredictions(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	if s.History == nil {
		writeDetail(w, http.StatusNotFound, "prediction history is not enabled")
		return
	}

	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}

	recs, err := s.History.ListPredictions(r.Context(), q.Get("target"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]predictionView, 0, len(recs))
	for _, p := range recs {
		out = append(out, viewOf(p, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"predictions": out})
}

// handleGetPrediction serves GET /predictions/{id}.
func (s *Server) handleGetPrediction(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/predictions/")
	if id == "" || strings.Contains(id, "/") {
		writeDetail(w, http.StatusNotFound, "not found")
		return
	}
	if s.History == nil {
		writeDetail(w, http.StatusNotFound, "prediction history is not enabled")
		return
	}

	p, ok, err := s.History.GetPrediction(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		writeDetail(w, http.StatusNotFound, "prediction not found")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(p, true))
}

type healthResponse struct {
	Status         string `json:"status"`
	CachingEnabled bool   `json:"caching_enabled"`
	Rows           int    `json:"rows"`
	Generation     uint64 `json:"generation"`
	ModelVersion   uint64 `json:"model_version"`
	ModelState     string `json:"model_state"`
	First          string `json:"first,omitempty"`
	Last           string `json:"last,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	st := s.Engine.Stats()
	resp := healthResponse{
		Status:         "ok",
		CachingEnabled: st.CachingEnabled,
		Rows:           st.Rows,
		Generation:     st.Generation,
		ModelVersion:   st.ModelVersion,
		ModelState:     st.ModelState,
	}
	if !st.First.IsZero() {
		resp.First = st.First.Format(time.RFC3339Nano)
		resp.Last = st.Last.Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleReady is 200 once a model is published. In payload-only mode there
// is nothing to warm up, so it is always ready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	st := s.Engine.Stats()
	switch {
	case !st.CachingEnabled:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "mode": "payload"})
	case st.ModelVersion > 0:
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "mode": "cache", "model_version": st.ModelVersion})
	case st.ModelError != "":
		writeDetail(w, http.StatusServiceUnavailable, "model failed to fit: "+st.ModelError)
	default:
		writeDetail(w, http.StatusServiceUnavailable, "model not ready ("+st.ModelState+")")
	}
}

// handleActivity serves GET /debug/activity?limit=&type=.
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeDetail(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	var types []activity.EventType
	for _, t := range q["type"] {
		types = append(types, activity.EventType(t))
	}
	events := s.Activity.List(limit, types...)
	if events == nil {
		events = []activity.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type partitionView struct {
	perf.PartitionStats
	Partition string  `json:"partition"`
	ErrorRate float64 `json:"error_rate"`
}

// PerfHandler serves smoothed inference latency per trigger source and
// consumer stats per partition.
func PerfHandler(lat *metrics.LatencyTracker, parts *perf.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !allow(w, r, http.MethodGet) {
			return
		}
		latency := lat.Snapshot()
		if latency == nil {
			latency = map[string]metrics.SourceLatency{}
		}
		partitions := []partitionView{}
		for _, k := range parts.Keys() {
			st, ok := parts.Snapshot(k)
			if !ok {
				continue
			}
			partitions = append(partitions, partitionView{PartitionStats: st, Partition: k, ErrorRate: perf.ErrorRate(st)})
		}
		writeJSON(w, http.StatusOK, map[string]any{"latency": latency, "partitions": partitions})
	})
}
