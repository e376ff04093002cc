package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
)

const DefaultMaxClaimBytes = 32 << 20

var ErrClaimTooLarge = errors.New("claimed object exceeds size limit")

// ClaimStore reads claim-check payloads referenced by consumer messages.
type ClaimStore struct {
	API      ObjectAPI
	MaxBytes int64
}

func (c *ClaimStore) Fetch(ctx context.Context, bucket, key string) ([]byte, error) {
	limit := c.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxClaimBytes
	}

	rc, size, err := c.API.GetObject(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	if size > limit {
		return nil, fmt.Errorf("%w: %s/%s is %d bytes (limit %d)", ErrClaimTooLarge, bucket, key, size, limit)
	}
	b, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", bucket, key, err)
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("%w: %s/%s (limit %d)", ErrClaimTooLarge, bucket, key, limit)
	}
	return b, nil
}
