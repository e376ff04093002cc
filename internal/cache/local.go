package cache

import (
	"context"
	"errors"
	"time"

	"github.com/coocood/freecache"
)

// freecache refuses caches smaller than 512 KiB and silently bumps them.
const minLocalSize = 512 * 1024

// Local is an in-process cache backed by freecache.
type Local struct {
	fc *freecache.Cache
}

func NewLocal(sizeBytes int) *Local {
	if sizeBytes < minLocalSize {
		sizeBytes = minLocalSize
	}
	return &Local{fc: freecache.NewCache(sizeBytes)}
}

func (l *Local) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, err := l.fc.Get([]byte(key))
	if errors.Is(err, freecache.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Set stores val. freecache expires in whole seconds, so any positive ttl
// below one second becomes one second. A ttl <= 0 never expires.
func (l *Local) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	secs := 0
	if ttl > 0 {
		secs = int((ttl + time.Second - 1) / time.Second)
	}
	return l.fc.Set([]byte(key), val, secs)
}

func (l *Local) Close() error {
	l.fc.Clear()
	return nil
}
