package trigger

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mcules/forecast-inference/internal/inference"
	"github.com/mcules/forecast-inference/internal/metrics"
	"github.com/mcules/forecast-inference/internal/perf"
)

const (
	OutcomeOK       = "ok"
	OutcomePoison   = "poison"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Consumer feeds messages from a Source through a bounded queue to a pool
// of workers. Every message is committed once it reaches a final outcome,
// so a poison message never blocks its partition.
type Consumer struct {
	Source    Source
	Sink      Sink
	Predictor Predictor
	Claims    ClaimFetcher

	// Workers above 1 may commit out of order within a partition.
	Workers     int
	QueueSize   int
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration

	Metrics *metrics.Collectors
	Perf    *perf.Store

	log *zap.Logger
	now func() time.Time
}

func NewConsumer(src Source, pred Predictor, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{
		Source:      src,
		Sink:        NopSink{},
		Predictor:   pred,
		Workers:     1,
		QueueSize:   64,
		MaxAttempts: 5,
		Backoff:     200 * time.Millisecond,
		MaxBackoff:  10 * time.Second,
		log:         log.Named("consumer").With(zap.String("source", src.Name())),
		now:         time.Now,
	}
}

// Run fetches until ctx is cancelled or the source fails. Queued messages
// are still handled before Run returns; a retry backoff is cut short.
func (c *Consumer) Run(ctx context.Context) error {
	workers := c.Workers
	if workers <= 0 {
		workers = 1
	}
	size := c.QueueSize
	if size <= 0 {
		size = 1
	}

	queue := make(chan Message, size)
	work := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range queue {
				c.Metrics.SetQueueDepth(len(queue))
				c.handle(work, ctx, m)
			}
		}()
	}

	var runErr error
	for {
		m, err := c.Source.Fetch(ctx)
		if err != nil {
			if ctx.Err() == nil {
				runErr = err
			}
			break
		}
		select {
		case queue <- m:
			c.Metrics.SetQueueDepth(len(queue))
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}

	close(queue)
	wg.Wait()
	c.Metrics.SetQueueDepth(0)
	return runErr
}

// handle processes one message to a final outcome. stop only interrupts
// retry sleeps; a message abandoned that way is left uncommitted.
func (c *Consumer) handle(ctx, stop context.Context, m Message) {
	start := c.now()
	key := perf.Key(m.Topic, m.Partition)
	log := c.log.With(zap.String("topic", m.Topic), zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset))

	if !m.Time.IsZero() {
		c.Metrics.SetLag(start.Sub(m.Time).Seconds())
	}

	env, err := DecodeEnvelope(m.Value)
	if err != nil {
		c.finish(ctx, log, m, key, OutcomePoison, err, start)
		return
	}

	backoff := c.Backoff
	for attempt := 1; ; attempt++ {
		fc, err := c.attempt(ctx, env)
		if err == nil {
			if perr := c.Sink.Publish(ctx, m.Key, fc); perr != nil {
				log.Warn("publish forecast", zap.String("forecast_id", fc.ID), zap.Error(perr))
			}
			c.finish(ctx, log, m, key, OutcomeOK, nil, start)
			return
		}

		switch {
		case errors.Is(err, ErrPoison):
			c.finish(ctx, log, m, key, OutcomePoison, err, start)
			return
		case inference.KindOf(err) == inference.KindInvalid:
			c.finish(ctx, log, m, key, OutcomeRejected, err, start)
			return
		case attempt >= c.MaxAttempts:
			c.finish(ctx, log, m, key, OutcomeFailed, err, start)
			return
		}

		log.Warn("predict failed, retrying", zap.Int("attempt", attempt), zap.Duration("backoff", backoff), zap.Error(err))
		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-stop.Done():
			t.Stop()
			log.Info("shutdown during retry, leaving message uncommitted")
			return
		}
		backoff *= 2
		if c.MaxBackoff > 0 && backoff > c.MaxBackoff {
			backoff = c.MaxBackoff
		}
	}
}

func (c *Consumer) attempt(ctx context.Context, env Envelope) (*inference.Forecast, error) {
	req, err := Resolve(ctx, env, c.Claims)
	if err != nil {
		return nil, err
	}
	req.Source = c.Source.Name()
	return c.Predictor.Predict(ctx, req)
}

func (c *Consumer) finish(ctx context.Context, log *zap.Logger, m Message, key, outcome string, err error, start time.Time) {
	d := c.now().Sub(start)
	c.Metrics.CountMessage(outcome)

	switch outcome {
	case OutcomeOK:
		c.Perf.ObserveOK(key, m.Offset, d)
		log.Debug("message handled", zap.Duration("duration", d))
	case OutcomeFailed:
		c.Perf.ObserveError(key, m.Offset)
		log.Error("message failed", zap.String("outcome", outcome), zap.Error(err))
	default:
		c.Perf.ObserveError(key, m.Offset)
		log.Warn("message dropped", zap.String("outcome", outcome), zap.Error(err))
	}

	if cerr := c.Source.Commit(ctx, m); cerr != nil {
		log.Error("commit failed", zap.Error(cerr))
	}
}
