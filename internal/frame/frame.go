package frame

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

var (
	ErrEmptyFrame    = errors.New("frame is empty")
	ErrTooFewRows    = errors.New("at least two rows are required")
	ErrZeroFrequency = errors.New("time frequency is zero")
	ErrNonUniform    = errors.New("time index is not uniformly spaced")
	ErrUnknownColumn = errors.New("unknown column")
	ErrMissingValues = errors.New("column has missing values")
	ErrTooManyGaps   = errors.New("gap filling would exceed the row limit")
)

// maxRegularizedRows bounds the row count Regularize may produce.
const maxRegularizedRows = 1_000_000

// Frame is a columnar table indexed by time. The index is sorted ascending
// and always in UTC. Missing cells are NaN.
type Frame struct {
	index []time.Time
	cols  map[string][]float64
}

type row struct {
	at   time.Time
	vals map[string]float64
}

// FromRecords builds a frame from records. Duplicate timestamps are kept as
// separate rows so CheckUniform can report them.
func FromRecords(records []Record) (*Frame, error) {
	if len(records) == 0 {
		return nil, ErrEmptyFrame
	}
	rows := make([]row, 0, len(records))
	for _, r := range records {
		if r.Time.IsZero() {
			return nil, fmt.Errorf("%w: zero timestamp", ErrBadRecord)
		}
		rows = append(rows, row{at: r.Time.Time, vals: r.Values})
	}
	f := fromRows(rows)
	f.StripTimezones()
	return f, nil
}

func fromRows(rows []row) *Frame {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].at.Before(rows[j].at) })

	names := map[string]struct{}{}
	for _, r := range rows {
		for k := range r.vals {
			names[k] = struct{}{}
		}
	}

	f := &Frame{
		index: make([]time.Time, len(rows)),
		cols:  make(map[string][]float64, len(names)),
	}
	for name := range names {
		f.cols[name] = make([]float64, len(rows))
	}
	for i, r := range rows {
		f.index[i] = r.at
		for name, col := range f.cols {
			v, ok := r.vals[name]
			if !ok {
				v = math.NaN()
			}
			col[i] = v
		}
	}
	return f
}

func (f *Frame) rows() []row {
	if f == nil {
		return nil
	}
	out := make([]row, len(f.index))
	for i, at := range f.index {
		vals := make(map[string]float64, len(f.cols))
		for name, col := range f.cols {
			if !math.IsNaN(col[i]) {
				vals[name] = col[i]
			}
		}
		out[i] = row{at: at, vals: vals}
	}
	return out
}

// StripTimezones converts every index entry to UTC.
func (f *Frame) StripTimezones() {
	for i, at := range f.index {
		f.index[i] = at.UTC()
	}
}

func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.index)
}

// Columns returns the column names in sorted order.
func (f *Frame) Columns() []string {
	out := make([]string, 0, len(f.cols))
	for name := range f.cols {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (f *Frame) Index() []time.Time {
	return append([]time.Time(nil), f.index...)
}

func (f *Frame) First() time.Time {
	if f.Len() == 0 {
		return time.Time{}
	}
	return f.index[0]
}

func (f *Frame) Last() time.Time {
	if f.Len() == 0 {
		return time.Time{}
	}
	return f.index[len(f.index)-1]
}

func (f *Frame) Clone() *Frame {
	if f == nil {
		return &Frame{cols: map[string][]float64{}}
	}
	out := &Frame{
		index: append([]time.Time(nil), f.index...),
		cols:  make(map[string][]float64, len(f.cols)),
	}
	for name, col := range f.cols {
		out.cols[name] = append([]float64(nil), col...)
	}
	return out
}

// Tail returns the newest n rows.
func (f *Frame) Tail(n int) *Frame {
	if n >= f.Len() {
		return f.Clone()
	}
	if n < 0 {
		n = 0
	}
	start := len(f.index) - n
	out := &Frame{
		index: append([]time.Time(nil), f.index[start:]...),
		cols:  make(map[string][]float64, len(f.cols)),
	}
	for name, col := range f.cols {
		out.cols[name] = append([]float64(nil), col[start:]...)
	}
	return out
}

// Merge returns the union of f and other. When both hold the same timestamp
// the newer value wins cell by cell: rows of other beat rows of f, later rows
// beat earlier ones, and NaN never overwrites a value. A nil receiver is an
// empty frame, so merging into it collapses duplicates within other.
func (f *Frame) Merge(other *Frame) *Frame {
	if other == nil || other.Len() == 0 {
		return f.Clone()
	}
	all := append(f.rows(), other.rows()...)

	byTime := make(map[int64]int, len(all))
	merged := make([]row, 0, len(all))
	for _, r := range all {
		key := r.at.UnixNano()
		pos, ok := byTime[key]
		if !ok {
			byTime[key] = len(merged)
			merged = append(merged, row{at: r.at, vals: copyVals(r.vals)})
			continue
		}
		for k, v := range r.vals {
			merged[pos].vals[k] = v
		}
	}
	return fromRows(merged)
}

func copyVals(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// CheckUniform validates the spacing of the index and returns its step. The
// step is the most frequent positive difference (smallest on ties). Whole
// multiples of the step are gaps and are accepted.
func (f *Frame) CheckUniform() (time.Duration, error) {
	if f.Len() < 2 {
		return 0, ErrTooFewRows
	}

	counts := map[time.Duration]int{}
	for i := 1; i < len(f.index); i++ {
		d := f.index[i].Sub(f.index[i-1])
		if d == 0 {
			return 0, fmt.Errorf("%w: duplicate timestamp %s", ErrZeroFrequency, f.index[i].Format(time.RFC3339Nano))
		}
		counts[d]++
	}

	var step time.Duration
	best := 0
	for d, n := range counts {
		if n > best || (n == best && d < step) {
			step, best = d, n
		}
	}

	for d := range counts {
		if d%step != 0 {
			return 0, fmt.Errorf("%w: step %s, found difference %s", ErrNonUniform, step, d)
		}
	}
	return step, nil
}

// Regularize returns a frame on a complete grid of the given step. Missing
// grid points are filled per column by linear interpolation between the
// nearest known values; leading and trailing gaps stay NaN. The receiver must
// already pass CheckUniform for step.
func (f *Frame) Regularize(step time.Duration) (*Frame, error) {
	if step <= 0 {
		return nil, ErrZeroFrequency
	}
	if f.Len() == 0 {
		return nil, ErrEmptyFrame
	}

	span := f.Last().Sub(f.First())
	if span%step != 0 {
		return nil, fmt.Errorf("%w: span %s is not a multiple of %s", ErrNonUniform, span, step)
	}
	n := int(span/step) + 1
	if n > maxRegularizedRows {
		return nil, ErrTooManyGaps
	}
	if n == f.Len() {
		return f.Clone(), nil
	}

	out := &Frame{
		index: make([]time.Time, n),
		cols:  make(map[string][]float64, len(f.cols)),
	}
	first := f.First()
	for i := range out.index {
		out.index[i] = first.Add(time.Duration(i) * step)
	}

	pos := make([]int, len(f.index))
	for i, at := range f.index {
		pos[i] = int(at.Sub(first) / step)
	}

	for name, col := range f.cols {
		dst := make([]float64, n)
		for i := range dst {
			dst[i] = math.NaN()
		}
		prev := -1
		for i, v := range col {
			if math.IsNaN(v) {
				continue
			}
			dst[pos[i]] = v
			if prev >= 0 {
				p0, p1 := pos[prev], pos[i]
				v0 := col[prev]
				for k := p0 + 1; k < p1; k++ {
					frac := float64(k-p0) / float64(p1-p0)
					dst[k] = v0 + frac*(v-v0)
				}
			}
			prev = i
		}
		out.cols[name] = dst
	}
	return out, nil
}

// Series returns a copy of one column.
func (f *Frame) Series(name string) ([]float64, error) {
	col, ok := f.cols[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownColumn, name)
	}
	for i, v := range col {
		if math.IsNaN(v) {
			return nil, fmt.Errorf("%w: %q at %s", ErrMissingValues, name, f.index[i].Format(time.RFC3339))
		}
	}
	return append([]float64(nil), col...), nil
}

// Records converts the frame back to rows. NaN cells are omitted.
func (f *Frame) Records() []Record {
	rows := f.rows()
	out := make([]Record, len(rows))
	for i, r := range rows {
		out[i] = Record{Time: Timestamp{Time: r.at}, Values: r.vals}
	}
	return out
}
