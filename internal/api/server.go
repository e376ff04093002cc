// Package api serves the forecast HTTP surface.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mcules/forecast-inference/internal/activity"
	"github.com/mcules/forecast-inference/internal/frame"
	"github.com/mcules/forecast-inference/internal/httpx"
	"github.com/mcules/forecast-inference/internal/inference"
	"github.com/mcules/forecast-inference/internal/metrics"
	"github.com/mcules/forecast-inference/internal/perf"
	"github.com/mcules/forecast-inference/internal/store"
)

const defaultMaxBodyBytes = 8 << 20

// Engine is the part of *inference.Engine the handlers use.
type Engine interface {
	Predict(ctx context.Context, req inference.PredictRequest) (*inference.Forecast, error)
	Ingest(ctx context.Context, records []frame.Record, source string) (inference.IngestResult, error)
	Last(ctx context.Context) (*inference.Forecast, bool)
	Stats() inference.Stats
}

type History interface {
	ListPredictions(ctx context.Context, target string, limit int) ([]store.PredictionRecord, error)
	GetPrediction(ctx context.Context, id string) (store.PredictionRecord, bool, error)
}

// Middleware wraps the mutating routes (auth).
type Middleware interface {
	Middleware(next http.Handler) http.Handler
}

type Server struct {
	Engine   Engine
	History  History
	Activity *activity.Log
	Auth     Middleware
	Metrics  *metrics.Collectors
	Gatherer prometheus.Gatherer

	// Latency and Partitions back /debug/perf. Either may be nil.
	Latency    *metrics.LatencyTracker
	Partitions *perf.Store

	MaxBodyBytes int64
	CORS         httpx.CORS

	log *zap.Logger
}

func NewServer(engine Engine, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		Engine:       engine,
		MaxBodyBytes: defaultMaxBodyBytes,
		log:          log.Named("api"),
	}
}

var routes = []string{"/predict", "/predict/last", "/ingest", "/predictions", "/health", "/ready", "/metrics", "/debug/activity", "/debug/perf"}

func routeOf(r *http.Request) string {
	for _, rt := range routes {
		if r.URL.Path == rt {
			return rt
		}
	}
	if strings.HasPrefix(r.URL.Path, "/predictions/") {
		return "/predictions/{id}"
	}
	return "other"
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)

	var h http.Handler = mux
	h = s.CORS.Wrap(h)
	h = httpx.AccessLog{Log: s.log, Metrics: s.Metrics, RouteOf: routeOf}.Wrap(h)
	return h
}

func (s *Server) Register(mux *http.ServeMux) {
	protect := func(h http.HandlerFunc) http.Handler {
		if s.Auth == nil {
			return h
		}
		return s.Auth.Middleware(h)
	}

	mux.Handle("/predict", protect(s.handlePredict))
	mux.Handle("/ingest", protect(s.handleIngest))
	mux.HandleFunc("/predict/last", s.handleLast)
	mux.HandleFunc("/predictions", s.handleListPredictions)
	mux.HandleFunc("/predictions/", s.handleGetPrediction)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/debug/activity", s.handleActivity)
	mux.Handle("/debug/perf", PerfHandler(s.Latency, s.Partitions))

	g := s.Gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeDetail(w, http.StatusNotFound, "not found")
	})
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

// readJSON decodes the request body into v. An empty body decodes as {}.
func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, v any) (int, error) {
	limit := s.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return http.StatusRequestEntityTooLarge, fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return http.StatusBadRequest, fmt.Errorf("read body: %w", err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return http.StatusBadRequest, fmt.Errorf("invalid json: %w", err)
	}
	return 0, nil
}

// writeJSON encodes before writing the status so an unencodable value
// becomes a 500 instead of a 200 with an empty body.
func writeJSON(w http.ResponseWriter, code int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		buf.Reset()
		code = http.StatusInternalServerError
		_ = json.NewEncoder(&buf).Encode(map[string]string{"detail": "encode response: " + err.Error()})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(buf.Bytes())
}

func writeDetail(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}

func statusFor(k inference.Kind) int {
	switch k {
	case inference.KindInvalid:
		return http.StatusBadRequest
	case inference.KindNotFound:
		return http.StatusNotFound
	case inference.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(inference.KindOf(err))
	if code >= 500 {
		s.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", httpx.RequestID(r.Context())),
			zap.Error(err))
	}
	writeDetail(w, code, inference.Detail(err))
}
