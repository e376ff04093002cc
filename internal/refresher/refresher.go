// Package refresher keeps the published model in step with the cached frame
// and sheds rows under host memory pressure.
package refresher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mcules/forecast-inference/internal/activity"
	"github.com/mcules/forecast-inference/internal/sysmem"
)

type Engine interface {
	Refit(ctx context.Context) (bool, error)
	Trim(rows int) int
	Rows() int
}

type Refresher struct {
	Engine   Engine
	Activity *activity.Log

	// Tick frequency.
	Interval time.Duration

	// MinFreeBytes triggers a trim if available host RAM drops below it.
	MinFreeBytes     uint64
	PressureKeepRows int
	MeminfoPath      string
	ReadMem          func(path string) (total, avail uint64, err error)

	log     *zap.Logger
	lastErr string
	memErr  bool
}

func New(engine Engine, log *zap.Logger) *Refresher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Refresher{
		Engine:           engine,
		Interval:         5 * time.Second,
		PressureKeepRows: 1000,
		MeminfoPath:      sysmem.DefaultPath,
		ReadMem:          sysmem.ReadMeminfo,
		log:              log.Named("refresher"),
	}
}

func (r *Refresher) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.tick(ctx)
		}
	}
}

func (r *Refresher) tick(ctx context.Context) {
	// 1) Refit pass. Only a change of error is logged.
	refitted, err := r.Engine.Refit(ctx)
	switch {
	case err != nil:
		if msg := err.Error(); msg != r.lastErr {
			r.lastErr = msg
			r.log.Warn("refit failed", zap.Error(err))
			r.Activity.Add(activity.Event{Type: activity.EventError, Source: "refresher", Note: msg})
		}
	case refitted:
		r.lastErr = ""
		r.log.Debug("model refitted", zap.Int("rows", r.Engine.Rows()))
	}

	// 2) RAM pressure pass.
	if r.MinFreeBytes == 0 || r.ReadMem == nil {
		return
	}
	_, avail, err := r.ReadMem(r.MeminfoPath)
	if err != nil {
		if !r.memErr {
			r.memErr = true
			r.log.Warn("meminfo unavailable, skipping pressure checks", zap.String("path", r.MeminfoPath), zap.Error(err))
		}
		return
	}
	r.memErr = false
	if avail >= r.MinFreeBytes {
		return
	}
	if dropped := r.Engine.Trim(r.PressureKeepRows); dropped > 0 {
		r.log.Warn("memory pressure, trimmed cached frame",
			zap.Uint64("avail_bytes", avail),
			zap.Uint64("min_free_bytes", r.MinFreeBytes),
			zap.Int("dropped_rows", dropped))
	}
}
