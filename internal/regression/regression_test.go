package regression

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/gasflow/internal/models"
)

var firstPeriod = time.Date(2021, 1, 8, 0, 0, 0, 0, time.UTC)

// synthetic builds n weekly rows with flow = intercept + bh·HDD + bc·CDD + noise(i).
func synthetic(n int, intercept, bh, bc float64, noise func(i int) float64) []models.RegressionRow {
	rows := make([]models.RegressionRow, n)
	for i := range rows {
		hdd := 100 + 80*math.Sin(float64(i)/8)
		cdd := math.Max(0, 40*math.Sin(float64(i)/8+math.Pi))
		flow := intercept + bh*hdd + bc*cdd
		if noise != nil {
			flow += noise(i)
		}
		rows[i] = models.RegressionRow{
			Period:      firstPeriod.AddDate(0, 0, 7*i),
			ImpliedFlow: flow,
			HDD:         hdd,
			CDD:         cdd,
		}
	}
	return rows
}

func TestFit_InsufficientData(t *testing.T) {
	_, err := Fit(synthetic(5, 10, -0.5, -0.2, nil))

	var insufficient *InsufficientDataError
	require.True(t, errors.As(err, &insufficient), "err = %v", err)
	assert.Equal(t, 5, insufficient.Have)
	assert.Equal(t, MinObservations, insufficient.Need)
}

func TestFit_TenRows(t *testing.T) {
	c, err := Fit(synthetic(10, 10, -0.5, -0.2, nil))
	require.NoError(t, err)
	assert.Equal(t, 10, c.NObs)
}

func TestFit_RecoversExactCoefficients(t *testing.T) {
	rows := synthetic(60, 85, -1.2, 0.4, nil)
	c, err := Fit(rows)
	require.NoError(t, err)

	assert.InDelta(t, 85, c.Intercept, 1e-6)
	assert.InDelta(t, -1.2, c.BetaHDD, 1e-8)
	assert.InDelta(t, 0.4, c.BetaCDD, 1e-8)
	assert.InDelta(t, 1, c.RSquared, 1e-9)
	assert.Equal(t, rows[0].Period, c.Start)
	assert.Equal(t, rows[59].Period, c.End)
}

func TestFit_MatchesClosedForm(t *testing.T) {
	rows := synthetic(40, 20, -0.9, 0.3, func(i int) float64 { return float64((i*7)%11) - 5 })
	c, err := Fit(rows)
	require.NoError(t, err)

	// normal equations with explicit 3x3 inverse
	var s [3][3]float64
	var b [3]float64
	for _, r := range rows {
		x := [3]float64{1, r.HDD, r.CDD}
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				s[i][j] += x[i] * x[j]
			}
			b[i] += x[i] * r.ImpliedFlow
		}
	}
	want := solve3(s, b)

	assert.InDelta(t, want[0], c.Intercept, 1e-6)
	assert.InDelta(t, want[1], c.BetaHDD, 1e-8)
	assert.InDelta(t, want[2], c.BetaCDD, 1e-8)
	assert.GreaterOrEqual(t, c.RSquared, 0.0)
	assert.LessOrEqual(t, c.RSquared, 1.0)
}

func solve3(a [3][3]float64, b [3]float64) [3]float64 {
	det := func(m [3][3]float64) float64 {
		return m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
			m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
			m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
	}
	d := det(a)
	var out [3]float64
	for col := 0; col < 3; col++ {
		m := a
		for row := 0; row < 3; row++ {
			m[row][col] = b[row]
		}
		out[col] = det(m) / d
	}
	return out
}

func TestFit_ConstantFlowHasZeroRSquared(t *testing.T) {
	rows := synthetic(20, 0, 0, 0, nil)
	for i := range rows {
		rows[i].ImpliedFlow = -12
	}
	c, err := Fit(rows)
	require.NoError(t, err)
	assert.Equal(t, 0.0, c.RSquared)
	assert.InDelta(t, -12, c.Intercept+c.BetaHDD*rows[0].HDD+c.BetaCDD*rows[0].CDD, 1e-8)
}

func TestFit_RSquaredBounded(t *testing.T) {
	for seed := 1; seed <= 5; seed++ {
		rows := synthetic(50, 5, -0.3, 0.1, func(i int) float64 {
			return float64(((i+seed)*37)%23) * float64(seed)
		})
		c, err := Fit(rows)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, c.RSquared, 0.0, "seed %d", seed)
		assert.LessOrEqual(t, c.RSquared, 1.0, "seed %d", seed)
	}
}

func TestFit_DegenerateColumn(t *testing.T) {
	rows := synthetic(30, 40, -0.8, 0, nil)
	for i := range rows {
		rows[i].CDD = 0
		rows[i].ImpliedFlow = 40 - 0.8*rows[i].HDD
	}
	c, err := Fit(rows)
	require.NoError(t, err)
	assert.InDelta(t, -0.8, c.BetaHDD, 1e-8)
	assert.InDelta(t, 0, c.BetaCDD, 1e-8)
}

func TestFit_UsesMostRecentWindow(t *testing.T) {
	rows := synthetic(Window+40, 10, -1, 0.5, nil)
	// corrupt the oldest rows; they fall outside the window
	for i := 0; i < 40; i++ {
		rows[i].ImpliedFlow = 1e6
	}
	// shuffle order to check sorting
	rows[0], rows[len(rows)-1] = rows[len(rows)-1], rows[0]

	c, err := Fit(rows)
	require.NoError(t, err)
	assert.Equal(t, Window, c.NObs)
	assert.InDelta(t, -1, c.BetaHDD, 1e-8)
	assert.Equal(t, firstPeriod.AddDate(0, 0, 7*40), c.Start)
}

func TestFit_DropsNonFiniteRows(t *testing.T) {
	rows := synthetic(12, 10, -1, 0.5, nil)
	rows[3].HDD = math.NaN()
	rows[7].ImpliedFlow = math.Inf(1)
	rows[9].CDD = math.NaN()

	_, err := Fit(rows)
	var insufficient *InsufficientDataError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 9, insufficient.Have)
}

func TestFitRolling(t *testing.T) {
	rows := synthetic(Window+5, 10, -1, 0.5, nil)
	points := FitRolling(rows)

	require.Len(t, points, 6)
	for i, p := range points {
		assert.Equal(t, Window, p.NObs)
		assert.Equal(t, rows[Window-1+i].Period, p.WeekEnd)
		assert.Equal(t, p.End, p.WeekEnd)
	}
}

func TestFitRolling_TooShort(t *testing.T) {
	assert.Empty(t, FitRolling(synthetic(Window-1, 10, -1, 0.5, nil)))
}
