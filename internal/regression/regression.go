// Package regression fits weekly implied storage flow against heating and
// cooling degree days and projects the fit onto a daily forecast.
package regression

import (
	"errors"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/lox/gasflow/internal/models"
)

const (
	// Window is three years of weekly observations.
	Window          = 156
	MinObservations = 10

	rankTolerance = 1e-10
)

// Coefficients of implied_flow ≈ Intercept + BetaHDD·HDD + BetaCDD·CDD.
type Coefficients struct {
	BetaHDD   float64   `json:"beta_hdd"`
	BetaCDD   float64   `json:"beta_cdd"`
	Intercept float64   `json:"intercept"`
	RSquared  float64   `json:"r_squared"`
	NObs      int       `json:"n_obs"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

// RollingPoint is one window of FitRolling, tagged by the window's last period.
type RollingPoint struct {
	Coefficients
	WeekEnd time.Time `json:"week_end"`
}

// Fit runs OLS over the most recent Window rows, after dropping rows with a
// non-finite flow or degree-day value.
func Fit(rows []models.RegressionRow) (Coefficients, error) {
	sorted := sortedByPeriod(rows)
	if len(sorted) > Window {
		sorted = sorted[len(sorted)-Window:]
	}
	return fitOLS(clean(sorted))
}

// FitRolling slides a Window-row window one row at a time across the clean
// history, oldest first. Windows that cannot be fit are skipped.
func FitRolling(rows []models.RegressionRow) []RollingPoint {
	sorted := clean(sortedByPeriod(rows))

	var out []RollingPoint
	for i := Window; i <= len(sorted); i++ {
		window := sorted[i-Window : i]
		c, err := fitOLS(window)
		if err != nil {
			continue
		}
		out = append(out, RollingPoint{Coefficients: c, WeekEnd: window[len(window)-1].Period})
	}
	return out
}

func fitOLS(rows []models.RegressionRow) (Coefficients, error) {
	n := len(rows)
	if n < MinObservations {
		return Coefficients{}, &InsufficientDataError{Have: n, Need: MinObservations}
	}

	x := mat.NewDense(n, 3, nil)
	y := make([]float64, n)
	for i, r := range rows {
		x.Set(i, 0, 1)
		x.Set(i, 1, r.HDD)
		x.Set(i, 2, r.CDD)
		y[i] = r.ImpliedFlow
	}

	var svd mat.SVD
	if !svd.Factorize(x, mat.SVDThin) {
		return Coefficients{}, errors.New("svd factorization did not converge")
	}
	var beta mat.Dense
	svd.SolveTo(&beta, mat.NewVecDense(n, y), svd.Rank(rankTolerance))

	c := Coefficients{
		Intercept: beta.At(0, 0),
		BetaHDD:   beta.At(1, 0),
		BetaCDD:   beta.At(2, 0),
		NObs:      n,
		Start:     rows[0].Period,
		End:       rows[n-1].Period,
	}

	mean := stat.Mean(y, nil)
	var ssRes, ssTot float64
	for i, r := range rows {
		pred := c.Intercept + c.BetaHDD*r.HDD + c.BetaCDD*r.CDD
		ssRes += (y[i] - pred) * (y[i] - pred)
		ssTot += (y[i] - mean) * (y[i] - mean)
	}
	if ssTot > 0 {
		c.RSquared = math.Min(1, math.Max(0, 1-ssRes/ssTot))
	}
	return c, nil
}

func sortedByPeriod(rows []models.RegressionRow) []models.RegressionRow {
	out := append([]models.RegressionRow(nil), rows...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Period.Before(out[j].Period) })
	return out
}

func clean(rows []models.RegressionRow) []models.RegressionRow {
	out := make([]models.RegressionRow, 0, len(rows))
	for _, r := range rows {
		if finite(r.ImpliedFlow) && finite(r.HDD) && finite(r.CDD) {
			out = append(out, r)
		}
	}
	return out
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
