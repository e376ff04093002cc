package objstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mcules/forecast-inference/internal/metrics"
)

const (
	defaultSegmentBytes  = 1 << 20
	defaultFlushInterval = 30 * time.Second
)

// LogAppender batches JSON lines and uploads each batch as a new object.
// S3 has no append, so a log is a prefix of time-partitioned segments.
type LogAppender struct {
	API    ObjectAPI
	Bucket string
	Prefix string

	// MaxBytes triggers an early flush. The buffer holds at most 4x this
	// while uploads fail; older lines are dropped beyond that.
	MaxBytes      int
	FlushInterval time.Duration

	Metrics *metrics.Collectors

	log *zap.Logger
	now func() time.Time

	mu   sync.Mutex
	buf  []byte
	seq  uint64
	kick chan struct{}

	// flushMu keeps segment uploads in order.
	flushMu sync.Mutex
}

func NewLogAppender(api ObjectAPI, bucket, prefix string, log *zap.Logger) *LogAppender {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogAppender{
		API:           api,
		Bucket:        bucket,
		Prefix:        prefix,
		MaxBytes:      defaultSegmentBytes,
		FlushInterval: defaultFlushInterval,
		log:           log.Named("objectlog"),
		now:           time.Now,
		kick:          make(chan struct{}, 1),
	}
}

func (a *LogAppender) maxBytes() int {
	if a.MaxBytes <= 0 {
		return defaultSegmentBytes
	}
	return a.MaxBytes
}

// Append encodes v as one JSON line.
func (a *LogAppender) Append(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode log line: %w", err)
	}

	a.mu.Lock()
	a.buf = append(a.buf, line...)
	a.buf = append(a.buf, '\n')
	a.capLocked()
	full := len(a.buf) >= a.maxBytes()
	a.mu.Unlock()

	if full {
		select {
		case a.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// capLocked drops whole lines from the front once the buffer exceeds its cap.
func (a *LogAppender) capLocked() {
	limit := 4 * a.maxBytes()
	if len(a.buf) <= limit {
		return
	}
	cut := len(a.buf) - limit
	if i := bytes.IndexByte(a.buf[cut:], '\n'); i >= 0 {
		cut += i + 1
	} else {
		cut = len(a.buf)
	}
	a.buf = append([]byte(nil), a.buf[cut:]...)
	a.Metrics.AddDropped(cut)
	a.log.Warn("object log buffer full, dropped oldest lines", zap.Int("bytes", cut))
}

// Pending returns the number of buffered bytes.
func (a *LogAppender) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

func (a *LogAppender) objectKey(now time.Time, seq uint64) string {
	now = now.UTC()
	name := fmt.Sprintf("%d-%d.jsonl", now.UnixNano(), seq)
	return path.Join(a.Prefix, now.Format("2006/01/02/15"), name)
}

// Flush uploads the buffered lines as one object. On failure the lines are
// put back in front of anything appended meanwhile.
func (a *LogAppender) Flush(ctx context.Context) error {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	a.mu.Lock()
	data := a.buf
	a.buf = nil
	a.seq++
	key := a.objectKey(a.now(), a.seq)
	a.mu.Unlock()

	if len(data) == 0 {
		return nil
	}

	err := a.API.PutObject(ctx, a.Bucket, key, bytes.NewReader(data), int64(len(data)), "application/x-ndjson")
	if err != nil {
		a.mu.Lock()
		a.buf = append(data, a.buf...)
		a.capLocked()
		a.mu.Unlock()
		a.Metrics.CountFlush("error")
		return fmt.Errorf("put %s/%s: %w", a.Bucket, key, err)
	}

	a.Metrics.CountFlush("ok")
	a.log.Debug("segment uploaded", zap.String("key", key), zap.Int("bytes", len(data)))
	return nil
}

// Run flushes on the interval and when the buffer fills, until ctx ends.
// A final flush runs on the way out.
func (a *LogAppender) Run(ctx context.Context) {
	interval := a.FlushInterval
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			if err := a.Flush(fctx); err != nil {
				a.log.Error("final flush failed", zap.Int("pending_bytes", a.Pending()), zap.Error(err))
			}
			cancel()
			return
		case <-t.C:
		case <-a.kick:
		}
		if err := a.Flush(ctx); err != nil {
			a.log.Warn("flush failed", zap.Error(err))
		}
	}
}

func (a *LogAppender) Close(ctx context.Context) error {
	return a.Flush(ctx)
}

// Start runs the appender in the background, detached from ctx's
// cancellation. The returned stop ends Run, then flushes whatever was
// appended after its final flush; call it once every writer has drained.
func (a *LogAppender) Start(ctx context.Context) (stop func(context.Context) error) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(runCtx)
	}()
	return func(sctx context.Context) error {
		cancel()
		<-done
		return a.Close(sctx)
	}
}
