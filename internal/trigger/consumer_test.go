package trigger

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcules/forecast-inference/internal/client"
	"github.com/mcules/forecast-inference/internal/inference"
	"github.com/mcules/forecast-inference/internal/metrics"
	"github.com/mcules/forecast-inference/internal/objstore"
	"github.com/mcules/forecast-inference/internal/perf"
)

type fakeSource struct {
	ch chan Message

	mu        sync.Mutex
	committed []int64
}

func newFakeSource(msgs ...Message) *fakeSource {
	s := &fakeSource{ch: make(chan Message, len(msgs))}
	for _, m := range msgs {
		s.ch <- m
	}
	return s
}

func (s *fakeSource) Name() string { return "kafka" }

func (s *fakeSource) Fetch(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case m := <-s.ch:
		return m, nil
	}
}

func (s *fakeSource) Commit(_ context.Context, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append(s.committed, m.Offset)
	return nil
}

func (s *fakeSource) Close() error { return nil }

func (s *fakeSource) commits() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.committed...)
}

type fakePredictor struct {
	calls atomic.Int32
	fn    func(n int32, req inference.PredictRequest) (*inference.Forecast, error)
}

func (p *fakePredictor) Predict(_ context.Context, req inference.PredictRequest) (*inference.Forecast, error) {
	n := p.calls.Add(1)
	return p.fn(n, req)
}

type fakeSink struct {
	mu   sync.Mutex
	keys []string
}

func (s *fakeSink) Publish(_ context.Context, key []byte, _ *inference.Forecast) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, string(key))
	return nil
}

func (s *fakeSink) Close() error { return nil }

type fakeClaims map[string][]byte

func (f fakeClaims) Fetch(_ context.Context, bucket, key string) ([]byte, error) {
	b, ok := f[bucket+"/"+key]
	if !ok {
		return nil, objstore.ErrNotFound
	}
	return b, nil
}

func msg(offset int64, value string) Message {
	return Message{Topic: "features", Partition: 0, Offset: offset, Key: []byte("k"), Value: []byte(value), Time: time.Now()}
}

func runUntil(t *testing.T, c *Consumer, src *fakeSource, want int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	require.Eventually(t, func() bool { return len(src.commits()) >= want }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestConsumerOutcomes(t *testing.T) {
	src := newFakeSource(
		msg(1, `{"data":[{"ds":"2024-03-01","y":1}],"horizon":2}`),
		msg(2, `not json`),
		msg(3, `{"horizon":-1}`),
		msg(4, `{}`),
	)
	pred := &fakePredictor{fn: func(_ int32, req inference.PredictRequest) (*inference.Forecast, error) {
		if req.Horizon < 0 {
			return nil, inference.NewError(inference.KindInvalid, inference.ErrInvalidHorizon)
		}
		assert.Equal(t, "kafka", req.Source)
		return &inference.Forecast{ID: "f"}, nil
	}}
	sink := &fakeSink{}
	reg := prometheus.NewRegistry()
	m := metrics.NewCollectors(reg)
	ps := perf.New(0.2)

	c := NewConsumer(src, pred, nil)
	c.Sink = sink
	c.Metrics = m
	c.Perf = ps
	runUntil(t, c, src, 4)

	assert.Equal(t, []int64{1, 2, 3, 4}, src.commits())
	assert.Equal(t, int32(3), pred.calls.Load())
	assert.Equal(t, []string{"k", "k"}, sink.keys)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConsumerMessages.WithLabelValues(OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConsumerMessages.WithLabelValues(OutcomePoison)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConsumerMessages.WithLabelValues(OutcomeRejected)))

	st, ok := ps.Snapshot(perf.Key("features", 0))
	require.True(t, ok)
	assert.Equal(t, uint64(4), st.Messages)
	assert.Equal(t, uint64(2), st.Errors)
	assert.Equal(t, int64(4), st.LastOffset)
}

func TestConsumerRetriesThenFails(t *testing.T) {
	src := newFakeSource(msg(7, `{}`))
	pred := &fakePredictor{fn: func(int32, inference.PredictRequest) (*inference.Forecast, error) {
		return nil, errors.New("connection reset")
	}}
	reg := prometheus.NewRegistry()
	m := metrics.NewCollectors(reg)

	c := NewConsumer(src, pred, nil)
	c.Metrics = m
	c.MaxAttempts = 3
	c.Backoff = time.Millisecond
	runUntil(t, c, src, 1)

	assert.Equal(t, int32(3), pred.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConsumerMessages.WithLabelValues(OutcomeFailed)))
}

func TestConsumerRemoteAuthFailureIsRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"invalid api key"}`))
	}))
	defer srv.Close()

	src := newFakeSource(msg(3, `{}`))
	reg := prometheus.NewRegistry()
	m := metrics.NewCollectors(reg)

	c := NewConsumer(src, client.New(srv.URL, "wrong"), nil)
	c.Metrics = m
	c.MaxAttempts = 3
	c.Backoff = time.Millisecond
	runUntil(t, c, src, 1)

	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConsumerMessages.WithLabelValues(OutcomeFailed)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ConsumerMessages.WithLabelValues(OutcomeRejected)))
}

func TestConsumerRetryRecovers(t *testing.T) {
	src := newFakeSource(msg(1, `{}`))
	pred := &fakePredictor{fn: func(n int32, _ inference.PredictRequest) (*inference.Forecast, error) {
		if n < 3 {
			return nil, errors.New("unavailable")
		}
		return &inference.Forecast{ID: "ok"}, nil
	}}
	c := NewConsumer(src, pred, nil)
	c.Backoff = time.Millisecond
	runUntil(t, c, src, 1)
	assert.Equal(t, int32(3), pred.calls.Load())
}

func TestConsumerShutdownDuringBackoffLeavesUncommitted(t *testing.T) {
	src := newFakeSource(msg(1, `{}`))
	pred := &fakePredictor{fn: func(int32, inference.PredictRequest) (*inference.Forecast, error) {
		return nil, errors.New("down")
	}}
	c := NewConsumer(src, pred, nil)
	c.Backoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	require.Eventually(t, func() bool { return pred.calls.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Empty(t, src.commits())
}

func TestConsumerClaimCheck(t *testing.T) {
	claims := fakeClaims{
		"in/rows.json": []byte(`[{"ds":"2024-03-01","y":1},{"ds":"2024-03-02","y":2}]`),
		"in/env.json":  []byte(`{"data":[{"ds":"2024-03-01","y":1}],"horizon":4}`),
	}
	src := newFakeSource(
		msg(1, `{"claim":{"bucket":"in","key":"rows.json"},"horizon":3}`),
		msg(2, `{"claim":{"bucket":"in","key":"env.json"}}`),
		msg(3, `{"claim":{"bucket":"in","key":"gone.json"}}`),
	)

	var mu sync.Mutex
	var got []inference.PredictRequest
	pred := &fakePredictor{fn: func(_ int32, req inference.PredictRequest) (*inference.Forecast, error) {
		mu.Lock()
		got = append(got, req)
		mu.Unlock()
		return &inference.Forecast{}, nil
	}}

	c := NewConsumer(src, pred, nil)
	c.Claims = claims
	runUntil(t, c, src, 3)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Len(t, got[0].Data, 2)
	assert.Equal(t, 3, got[0].Horizon)
	assert.Len(t, got[1].Data, 1)
	assert.Equal(t, 4, got[1].Horizon)
	assert.Equal(t, []int64{1, 2, 3}, src.commits())
}

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope(nil)
	require.NoError(t, err)
	assert.Nil(t, env.Claim)

	_, err = DecodeEnvelope([]byte(`{"claim":{"bucket":"b"}}`))
	assert.ErrorIs(t, err, ErrPoison)

	_, err = DecodeEnvelope([]byte(`{"claim":{"bucket":"b","key":"k"},"data":[{"ds":"2024-03-01","y":1}]}`))
	assert.ErrorIs(t, err, ErrPoison)

	_, err = Resolve(context.Background(), Envelope{Claim: &Claim{Bucket: "b", Key: "k"}}, nil)
	assert.ErrorIs(t, err, ErrPoison)
}
