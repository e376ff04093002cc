package forecast

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" Holt ")
	require.NoError(t, err)
	assert.Equal(t, KindHolt, k)

	_, err = ParseKind("prophet")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestLinearRecoversTrend(t *testing.T) {
	y := []float64{1, 3, 5, 7, 9}
	m, err := Build(KindLinear, Params{})
	require.NoError(t, err)
	require.NoError(t, m.Fit(y))

	out, err := m.Predict(3)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{11, 13, 15}, out, 1e-9)
	assert.InDelta(t, 0, m.Sigma(), 1e-9)
}

func TestNaiveRepeatsLast(t *testing.T) {
	m, err := Build(KindNaive, Params{})
	require.NoError(t, err)
	require.NoError(t, m.Fit([]float64{4, 6, 5}))

	out, err := m.Predict(2)
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 5}, out)
	assert.Greater(t, m.Sigma(), 0.0)
}

func TestHoltFollowsLinearSeries(t *testing.T) {
	y := make([]float64, 20)
	for i := range y {
		y[i] = 10 + 2*float64(i)
	}
	m, err := Build(KindHolt, Params{Alpha: 0.8, Beta: 0.2})
	require.NoError(t, err)
	require.NoError(t, m.Fit(y))

	out, err := m.Predict(2)
	require.NoError(t, err)
	assert.InDelta(t, 50, out[0], 1e-6)
	assert.InDelta(t, 52, out[1], 1e-6)
}

func TestFitErrors(t *testing.T) {
	for _, kind := range []Kind{KindNaive, KindLinear, KindHolt} {
		m, err := Build(kind, Params{})
		require.NoError(t, err)

		_, err = m.Predict(1)
		assert.ErrorIs(t, err, ErrNotFitted, kind)

		assert.ErrorIs(t, m.Fit([]float64{1}), ErrTooFewPoints, kind)
		assert.ErrorIs(t, m.Fit([]float64{1, math.NaN()}), ErrBadInput, kind)

		require.NoError(t, m.Fit([]float64{1, 2}))
		_, err = m.Predict(0)
		assert.ErrorIs(t, err, ErrBadHorizon, kind)
	}
}

func TestBuildRejectsBadParams(t *testing.T) {
	_, err := Build(KindHolt, Params{Alpha: 1.5})
	assert.Error(t, err)

	_, err = Build("arima", Params{})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestIntervalsWiden(t *testing.T) {
	lower, upper := Intervals([]float64{10, 10, 10, 10}, 1, 2)
	assert.InDelta(t, 8, lower[0], 1e-9)
	assert.InDelta(t, 12, upper[0], 1e-9)
	assert.InDelta(t, 10-2*2, lower[3], 1e-9)
	for i := 1; i < len(lower); i++ {
		assert.Less(t, lower[i], lower[i-1])
		assert.Greater(t, upper[i], upper[i-1])
	}
}
