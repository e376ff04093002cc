// Package forecast holds the univariate forecasters the engine fits on the
// cached frame.
package forecast

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

type Kind string

const (
	KindNaive  Kind = "naive"
	KindLinear Kind = "linear"
	KindHolt   Kind = "holt"
)

var (
	ErrUnknownKind  = errors.New("unknown model kind")
	ErrTooFewPoints = errors.New("at least two points are required to fit")
	ErrNotFitted    = errors.New("model is not fitted")
	ErrBadInput     = errors.New("series contains NaN or Inf")
	ErrBadHorizon   = errors.New("horizon must be positive")
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindNaive, KindLinear, KindHolt:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Params holds smoothing factors for holt. Zero values select the defaults.
type Params struct {
	Alpha float64
	Beta  float64
}

type Forecaster interface {
	Kind() Kind
	Fit(y []float64) error
	Predict(horizon int) ([]float64, error)
	// Sigma is the in-sample residual standard deviation.
	Sigma() float64
}

func Build(kind Kind, p Params) (Forecaster, error) {
	switch kind {
	case KindNaive:
		return &Naive{}, nil
	case KindLinear:
		return &Linear{}, nil
	case KindHolt:
		alpha, beta := p.Alpha, p.Beta
		if alpha == 0 {
			alpha = 0.5
		}
		if beta == 0 {
			beta = 0.3
		}
		if alpha < 0 || alpha > 1 || beta < 0 || beta > 1 {
			return nil, fmt.Errorf("holt: alpha and beta must be in (0,1], got %v/%v", alpha, beta)
		}
		return &Holt{Alpha: alpha, Beta: beta}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// Intervals returns symmetric bands v ∓ z·sigma·sqrt(k) for 1-based step k.
func Intervals(values []float64, sigma, z float64) (lower, upper []float64) {
	lower = make([]float64, len(values))
	upper = make([]float64, len(values))
	for i, v := range values {
		w := z * sigma * math.Sqrt(float64(i+1))
		lower[i] = v - w
		upper[i] = v + w
	}
	return lower, upper
}

func checkSeries(y []float64) error {
	if len(y) < 2 {
		return ErrTooFewPoints
	}
	if floats.HasNaN(y) {
		return ErrBadInput
	}
	for _, v := range y {
		if math.IsInf(v, 0) {
			return ErrBadInput
		}
	}
	return nil
}

// stdDev is the sample standard deviation, 0 for fewer than two values.
func stdDev(x []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	return stat.StdDev(x, nil)
}

// Naive repeats the last observation.
type Naive struct {
	last   float64
	sigma  float64
	fitted bool
}

func (m *Naive) Kind() Kind { return KindNaive }

func (m *Naive) Fit(y []float64) error {
	if err := checkSeries(y); err != nil {
		return err
	}
	diffs := make([]float64, len(y)-1)
	for i := 1; i < len(y); i++ {
		diffs[i-1] = y[i] - y[i-1]
	}
	m.last = y[len(y)-1]
	m.sigma = stdDev(diffs)
	m.fitted = true
	return nil
}

func (m *Naive) Predict(horizon int) ([]float64, error) {
	if !m.fitted {
		return nil, ErrNotFitted
	}
	if horizon <= 0 {
		return nil, ErrBadHorizon
	}
	out := make([]float64, horizon)
	for i := range out {
		out[i] = m.last
	}
	return out, nil
}

func (m *Naive) Sigma() float64 { return m.sigma }

// Linear fits y = a + b·t by ordinary least squares over t = 0..n-1.
type Linear struct {
	Intercept float64
	Slope     float64
	n         int
	sigma     float64
}

func (m *Linear) Kind() Kind { return KindLinear }

func (m *Linear) Fit(y []float64) error {
	if err := checkSeries(y); err != nil {
		return err
	}
	xs := make([]float64, len(y))
	for i := range xs {
		xs[i] = float64(i)
	}
	m.Intercept, m.Slope = stat.LinearRegression(xs, y, nil, false)

	resid := make([]float64, len(y))
	for i, v := range y {
		resid[i] = v - (m.Intercept + m.Slope*xs[i])
	}
	m.sigma = stdDev(resid)
	m.n = len(y)
	return nil
}

func (m *Linear) Predict(horizon int) ([]float64, error) {
	if m.n == 0 {
		return nil, ErrNotFitted
	}
	if horizon <= 0 {
		return nil, ErrBadHorizon
	}
	out := make([]float64, horizon)
	for k := range out {
		t := float64(m.n - 1 + k + 1)
		out[k] = m.Intercept + m.Slope*t
	}
	return out, nil
}

func (m *Linear) Sigma() float64 { return m.sigma }

// Holt is double exponential smoothing (level + trend).
type Holt struct {
	Alpha float64
	Beta  float64

	level  float64
	trend  float64
	sigma  float64
	fitted bool
}

func (m *Holt) Kind() Kind { return KindHolt }

func (m *Holt) Fit(y []float64) error {
	if err := checkSeries(y); err != nil {
		return err
	}
	level := y[0]
	trend := y[1] - y[0]

	errs := make([]float64, 0, len(y)-1)
	for t := 1; t < len(y); t++ {
		pred := level + trend
		errs = append(errs, y[t]-pred)

		next := m.Alpha*y[t] + (1-m.Alpha)*(level+trend)
		trend = m.Beta*(next-level) + (1-m.Beta)*trend
		level = next
	}

	m.level, m.trend = level, trend
	m.sigma = math.Sqrt(floats.Dot(errs, errs) / float64(len(errs)))
	m.fitted = true
	return nil
}

func (m *Holt) Predict(horizon int) ([]float64, error) {
	if !m.fitted {
		return nil, ErrNotFitted
	}
	if horizon <= 0 {
		return nil, ErrBadHorizon
	}
	out := make([]float64, horizon)
	for k := range out {
		out[k] = m.level + float64(k+1)*m.trend
	}
	return out, nil
}

func (m *Holt) Sigma() float64 { return m.sigma }
