// Package export writes cached forecasts, storage history and regression
// output to Parquet files for offline analysis.
package export

import (
	"fmt"

	"github.com/parquet-go/parquet-go"

	"github.com/lox/gasflow/internal/models"
	"github.com/lox/gasflow/internal/regression"
)

type CycleRow struct {
	Model     string  `parquet:"model"`
	RunDate   string  `parquet:"run_date"`
	RunHour   int32   `parquet:"run_hour"`
	ValidDate string  `parquet:"valid_date"`
	HDD       float64 `parquet:"hdd"`
	CDD       float64 `parquet:"cdd"`
}

type StorageRow struct {
	Period      string   `parquet:"period"`
	StorageBcf  float64  `parquet:"storage_bcf"`
	ImpliedFlow *float64 `parquet:"implied_flow,optional"`
}

type RegressionRow struct {
	Period      string  `parquet:"period"`
	StorageBcf  float64 `parquet:"storage_bcf"`
	ImpliedFlow float64 `parquet:"implied_flow"`
	HDD         float64 `parquet:"hdd"`
	CDD         float64 `parquet:"cdd"`
}

type CoefficientRow struct {
	WeekEnd   string  `parquet:"week_end"`
	BetaHDD   float64 `parquet:"beta_hdd"`
	BetaCDD   float64 `parquet:"beta_cdd"`
	Intercept float64 `parquet:"intercept"`
	RSquared  float64 `parquet:"r_squared"`
	NObs      int32   `parquet:"n_obs"`
}

type ProjectionRow struct {
	WeekEnd          string  `parquet:"week_end"`
	ForecastHDD      float64 `parquet:"forecast_hdd"`
	ForecastCDD      float64 `parquet:"forecast_cdd"`
	ImpliedFlow      float64 `parquet:"implied_flow"`
	ProjectedStorage float64 `parquet:"projected_storage"`
	DaysCovered      int32   `parquet:"days_covered"`
}

// WriteCycles flattens cycles to one row per valid date.
func WriteCycles(path string, cycles []models.Cycle) (int, error) {
	var rows []CycleRow
	for _, c := range cycles {
		for _, d := range c.Days {
			rows = append(rows, CycleRow{
				Model:     c.ID.Model,
				RunDate:   c.ID.DateString(),
				RunHour:   int32(c.ID.Hour),
				ValidDate: d.ValidDate.Format(models.DateLayout),
				HDD:       d.HDD,
				CDD:       d.CDD,
			})
		}
	}
	return write(path, rows)
}

func WriteStorage(path string, obs []models.StorageObservation) (int, error) {
	rows := make([]StorageRow, len(obs))
	for i, o := range obs {
		rows[i] = StorageRow{Period: o.Period.Format(models.DateLayout), StorageBcf: o.StorageBcf}
		if o.ImpliedFlow.Valid {
			f := o.ImpliedFlow.Float64
			rows[i].ImpliedFlow = &f
		}
	}
	return write(path, rows)
}

func WriteRegressionDataset(path string, data []models.RegressionRow) (int, error) {
	rows := make([]RegressionRow, len(data))
	for i, r := range data {
		rows[i] = RegressionRow{
			Period:      r.Period.Format(models.DateLayout),
			StorageBcf:  r.StorageBcf,
			ImpliedFlow: r.ImpliedFlow,
			HDD:         r.HDD,
			CDD:         r.CDD,
		}
	}
	return write(path, rows)
}

func WriteRolling(path string, points []regression.RollingPoint) (int, error) {
	rows := make([]CoefficientRow, len(points))
	for i, p := range points {
		rows[i] = CoefficientRow{
			WeekEnd:   p.WeekEnd.Format(models.DateLayout),
			BetaHDD:   p.BetaHDD,
			BetaCDD:   p.BetaCDD,
			Intercept: p.Intercept,
			RSquared:  p.RSquared,
			NObs:      int32(p.NObs),
		}
	}
	return write(path, rows)
}

func WriteProjection(path string, weeks []regression.ProjectedWeek) (int, error) {
	rows := make([]ProjectionRow, len(weeks))
	for i, w := range weeks {
		rows[i] = ProjectionRow{
			WeekEnd:          w.WeekEnd.Format(models.DateLayout),
			ForecastHDD:      w.ForecastHDD,
			ForecastCDD:      w.ForecastCDD,
			ImpliedFlow:      w.ImpliedFlow,
			ProjectedStorage: w.ProjectedStorage,
			DaysCovered:      int32(w.DaysCovered),
		}
	}
	return write(path, rows)
}

func write[T any](path string, rows []T) (int, error) {
	if err := parquet.WriteFile(path, rows); err != nil {
		return 0, fmt.Errorf("write %s: %w", path, err)
	}
	return len(rows), nil
}
