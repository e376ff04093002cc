package frame

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRecords(t *testing.T, raw string) []Record {
	t.Helper()
	var out []Record
	require.NoError(t, json.Unmarshal([]byte(raw), &out))
	return out
}

func TestRecordUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    time.Time
		values  map[string]float64
		wantErr bool
	}{
		{
			name:   "rfc3339 with offset is converted to utc",
			raw:    `{"timestamp":"2024-03-01T12:00:00+02:00","y":1.5}`,
			want:   time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
			values: map[string]float64{"y": 1.5},
		},
		{
			name:   "prophet style ds key",
			raw:    `{"ds":"2024-03-01 12:00:00","y":2,"cpu":0.25}`,
			want:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
			values: map[string]float64{"y": 2, "cpu": 0.25},
		},
		{
			name:   "unix seconds",
			raw:    `{"time":1709294400.5,"y":3}`,
			want:   time.Unix(1709294400, 500_000_000).UTC(),
			values: map[string]float64{"y": 3},
		},
		{
			name:   "null values are skipped",
			raw:    `{"timestamp":"2024-03-01","y":null,"x":1}`,
			want:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			values: map[string]float64{"x": 1},
		},
		{name: "missing time key", raw: `{"y":1}`, wantErr: true},
		{name: "two time keys", raw: `{"ds":"2024-03-01","timestamp":"2024-03-01","y":1}`, wantErr: true},
		{name: "non numeric column", raw: `{"ds":"2024-03-01","y":"high"}`, wantErr: true},
		{name: "garbage timestamp", raw: `{"ds":"yesterday","y":1}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r Record
			err := json.Unmarshal([]byte(tt.raw), &r)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBadRecord)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(r.Time.Time), "got %s", r.Time)
			assert.Equal(t, time.UTC, r.Time.Location())
			assert.Equal(t, tt.values, r.Values)
		})
	}
}

func TestFromRecordsSortsAndStripsZones(t *testing.T) {
	recs := mustRecords(t, `[
		{"timestamp":"2024-01-01T02:00:00+01:00","y":2},
		{"timestamp":"2024-01-01T00:00:00Z","y":1},
		{"timestamp":"2024-01-01T02:00:00Z","y":3,"x":7}
	]`)

	f, err := FromRecords(recs)
	require.NoError(t, err)
	require.Equal(t, 3, f.Len())

	idx := f.Index()
	for _, at := range idx {
		assert.Equal(t, time.UTC, at.Location())
	}
	assert.Equal(t, []string{"x", "y"}, f.Columns())

	y, err := f.Series("y")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, y)

	_, err = f.Series("x")
	assert.ErrorIs(t, err, ErrMissingValues)
	_, err = f.Series("nope")
	assert.ErrorIs(t, err, ErrUnknownColumn)

	_, err = FromRecords(nil)
	assert.ErrorIs(t, err, ErrEmptyFrame)
}

func TestCheckUniform(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	build := func(offsets ...time.Duration) *Frame {
		recs := make([]Record, len(offsets))
		for i, off := range offsets {
			recs[i] = Record{Time: Timestamp{base.Add(off)}, Values: map[string]float64{"y": float64(i)}}
		}
		f, err := FromRecords(recs)
		require.NoError(t, err)
		return f
	}

	step, err := build(0, time.Hour, 2*time.Hour).CheckUniform()
	require.NoError(t, err)
	assert.Equal(t, time.Hour, step)

	step, err = build(0, time.Hour, 3*time.Hour, 4*time.Hour).CheckUniform()
	require.NoError(t, err)
	assert.Equal(t, time.Hour, step, "gaps that are whole steps are accepted")

	_, err = build(0, time.Hour, time.Hour).CheckUniform()
	assert.ErrorIs(t, err, ErrZeroFrequency)
	assert.Contains(t, err.Error(), "time frequency is zero")

	_, err = build(0, time.Hour, 2*time.Hour, 150*time.Minute).CheckUniform()
	assert.ErrorIs(t, err, ErrNonUniform)

	_, err = build(0).CheckUniform()
	assert.ErrorIs(t, err, ErrTooFewRows)
}

func TestZonesCollapsingToSameInstantAreDetected(t *testing.T) {
	recs := mustRecords(t, `[
		{"timestamp":"2024-01-01T01:00:00+01:00","y":1},
		{"timestamp":"2024-01-01T00:00:00Z","y":2},
		{"timestamp":"2024-01-01T01:00:00Z","y":3}
	]`)
	f, err := FromRecords(recs)
	require.NoError(t, err)

	_, err = f.CheckUniform()
	assert.ErrorIs(t, err, ErrZeroFrequency)
}

func TestMergeLastWriteWins(t *testing.T) {
	a, err := FromRecords(mustRecords(t, `[
		{"ds":"2024-01-01T00:00:00Z","y":1,"x":10},
		{"ds":"2024-01-01T01:00:00Z","y":2,"x":20}
	]`))
	require.NoError(t, err)
	b, err := FromRecords(mustRecords(t, `[
		{"ds":"2024-01-01T01:00:00Z","y":5},
		{"ds":"2024-01-01T02:00:00Z","y":6},
		{"ds":"2024-01-01T02:00:00Z","y":7}
	]`))
	require.NoError(t, err)

	m := a.Merge(b)
	require.Equal(t, 3, m.Len())

	y, err := m.Series("y")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 5, 7}, y)

	recs := m.Records()
	assert.Equal(t, 20.0, recs[1].Values["x"], "nan in the newer row keeps the older cell")

	// Inputs are untouched.
	assert.Equal(t, 2, a.Len())
	assert.Equal(t, 3, b.Len())
}

func TestMergeIntoNilCollapsesDuplicates(t *testing.T) {
	b, err := FromRecords(mustRecords(t, `[
		{"ds":"2024-01-01T00:00:00Z","y":1},
		{"ds":"2024-01-01T00:00:00Z","y":2},
		{"ds":"2024-01-01T01:00:00Z","y":3}
	]`))
	require.NoError(t, err)

	var empty *Frame
	m := empty.Merge(b)
	require.Equal(t, 2, m.Len())
	y, err := m.Series("y")
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 3}, y)

	step, err := m.CheckUniform()
	require.NoError(t, err)
	assert.Equal(t, time.Hour, step)

	assert.Equal(t, 0, empty.Merge(nil).Len())
}

func TestRegularizeInterpolates(t *testing.T) {
	f, err := FromRecords(mustRecords(t, `[
		{"ds":"2024-01-01T00:00:00Z","y":0},
		{"ds":"2024-01-01T03:00:00Z","y":3},
		{"ds":"2024-01-01T04:00:00Z","y":10}
	]`))
	require.NoError(t, err)

	step, err := f.CheckUniform()
	require.NoError(t, err)

	r, err := f.Regularize(step)
	require.NoError(t, err)
	require.Equal(t, 5, r.Len())

	y, err := r.Series("y")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 1, 2, 3, 10}, y, 1e-9)
	assert.Equal(t, 3, f.Len(), "receiver is not modified")
}

func TestTailAndClone(t *testing.T) {
	f, err := FromRecords(mustRecords(t, `[
		{"ds":"2024-01-01T00:00:00Z","y":1},
		{"ds":"2024-01-01T01:00:00Z","y":2},
		{"ds":"2024-01-01T02:00:00Z","y":3}
	]`))
	require.NoError(t, err)

	tail := f.Tail(2)
	y, _ := tail.Series("y")
	assert.Equal(t, []float64{2, 3}, y)

	c := f.Clone()
	c.cols["y"][0] = math.NaN()
	y, err = f.Series("y")
	require.NoError(t, err)
	assert.Equal(t, 1.0, y[0])

	assert.Equal(t, 3, f.Tail(10).Len())
}

func TestRecordRoundTripKeepsUTC(t *testing.T) {
	r := Record{
		Time:   Timestamp{time.Date(2024, 5, 1, 8, 0, 0, 0, time.FixedZone("X", 3600))},
		Values: map[string]float64{"y": 1, "bad": math.NaN()},
	}
	b, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"timestamp":"2024-05-01T07:00:00Z","y":1}`, string(b))
}
