package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var ErrBadRecord = errors.New("invalid record")

// Accepted timestamp layouts. Layouts without a zone are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// timeKeys are the record keys that may carry the row time.
var timeKeys = []string{"timestamp", "ds", "time"}

type Timestamp struct {
	time.Time
}

// ParseTimestamp parses s with the accepted layouts and returns it in UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognised timestamp %q", ErrBadRecord, s)
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return fmt.Errorf("%w: timestamp is null", ErrBadRecord)
	}

	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("%w: %v", ErrBadRecord, err)
		}
		parsed, err := ParseTimestamp(s)
		if err != nil {
			return err
		}
		t.Time = parsed
		return nil
	}

	// Unix seconds, fractional part allowed.
	secs, err := strconv.ParseFloat(string(b), 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return fmt.Errorf("%w: timestamp %s is neither a string nor unix seconds", ErrBadRecord, b)
	}
	whole, frac := math.Modf(secs)
	t.Time = time.Unix(int64(whole), int64(math.Round(frac*1e9))).UTC()
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// Record is one row of the frame. On the wire it is a flat object: one time
// key plus numeric feature columns.
type Record struct {
	Time   Timestamp
	Values map[string]float64
}

func (r *Record) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRecord, err)
	}

	found := false
	for _, k := range timeKeys {
		v, ok := raw[k]
		if !ok {
			continue
		}
		if found {
			return fmt.Errorf("%w: more than one time key", ErrBadRecord)
		}
		if err := r.Time.UnmarshalJSON(v); err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
		found = true
		delete(raw, k)
	}
	if !found {
		return fmt.Errorf("%w: missing time key (one of %s)", ErrBadRecord, strings.Join(timeKeys, ", "))
	}

	r.Values = make(map[string]float64, len(raw))
	for k, v := range raw {
		if string(bytes.TrimSpace(v)) == "null" {
			continue
		}
		var f float64
		if err := json.Unmarshal(v, &f); err != nil {
			return fmt.Errorf("%w: column %q is not numeric", ErrBadRecord, k)
		}
		r.Values[k] = f
	}
	return nil
}

func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Values)+1)
	for k, v := range r.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out[k] = v
	}
	out["timestamp"] = r.Time
	return json.Marshal(out)
}
