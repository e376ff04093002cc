// Package trigger runs predictions when messages arrive on Kafka or MQTT.
package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mcules/forecast-inference/internal/frame"
	"github.com/mcules/forecast-inference/internal/inference"
	"github.com/mcules/forecast-inference/internal/objstore"
)

// ErrPoison marks a message that can never be processed.
var ErrPoison = errors.New("undecodable message")

type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Time      time.Time

	// ack is set by sources that acknowledge per message (MQTT).
	ack func()
}

type Source interface {
	Name() string
	Fetch(ctx context.Context) (Message, error)
	Commit(ctx context.Context, m Message) error
	Close() error
}

type Sink interface {
	Publish(ctx context.Context, key []byte, fc *inference.Forecast) error
	Close() error
}

// Predictor is satisfied by *inference.Engine and *client.Client.
type Predictor interface {
	Predict(ctx context.Context, req inference.PredictRequest) (*inference.Forecast, error)
}

// ClaimFetcher loads claim-check payloads from object storage.
type ClaimFetcher interface {
	Fetch(ctx context.Context, bucket, key string) ([]byte, error)
}

type NopSink struct{}

func (NopSink) Publish(context.Context, []byte, *inference.Forecast) error { return nil }
func (NopSink) Close() error { return nil }

type Claim struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// Envelope is the message body. Either Data or Claim carries the rows; an
// empty envelope asks for a forecast from the cached frame.
type Envelope struct {
	Data    []frame.Record `json:"data,omitempty"`
	Target  string         `json:"target,omitempty"`
	Horizon int            `json:"horizon,omitempty"`
	Claim   *Claim         `json:"claim,omitempty"`
}

func DecodeEnvelope(value []byte) (Envelope, error) {
	var env Envelope
	if len(bytes.TrimSpace(value)) == 0 {
		return env, nil
	}
	if err := json.Unmarshal(value, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrPoison, err)
	}
	if env.Claim != nil {
		if env.Claim.Bucket == "" || env.Claim.Key == "" {
			return Envelope{}, fmt.Errorf("%w: claim needs bucket and key", ErrPoison)
		}
		if len(env.Data) > 0 {
			return Envelope{}, fmt.Errorf("%w: claim and inline data are exclusive", ErrPoison)
		}
	}
	return env, nil
}

// Resolve turns an envelope into a predict request, fetching claimed data.
// The claimed object holds a JSON array of records or an envelope with data.
func Resolve(ctx context.Context, env Envelope, claims ClaimFetcher) (inference.PredictRequest, error) {
	req := inference.PredictRequest{Data: env.Data, Target: env.Target, Horizon: env.Horizon}
	if env.Claim == nil {
		return req, nil
	}
	if claims == nil {
		return req, fmt.Errorf("%w: claim-check message but no object store configured", ErrPoison)
	}

	raw, err := claims.Fetch(ctx, env.Claim.Bucket, env.Claim.Key)
	if err != nil {
		if errors.Is(err, objstore.ErrClaimTooLarge) || errors.Is(err, objstore.ErrNotFound) {
			return req, fmt.Errorf("%w: %v", ErrPoison, err)
		}
		return req, fmt.Errorf("fetch claim %s/%s: %w", env.Claim.Bucket, env.Claim.Key, err)
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &req.Data); err != nil {
			return req, fmt.Errorf("%w: claimed rows: %v", ErrPoison, err)
		}
		return req, nil
	}

	var inner Envelope
	if err := json.Unmarshal(raw, &inner); err != nil {
		return req, fmt.Errorf("%w: claimed envelope: %v", ErrPoison, err)
	}
	req.Data = inner.Data
	if req.Target == "" {
		req.Target = inner.Target
	}
	if req.Horizon == 0 {
		req.Horizon = inner.Horizon
	}
	return req, nil
}
