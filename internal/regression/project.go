package regression

import (
	"time"

	"github.com/lox/gasflow/internal/models"
)

type ProjectedWeek struct {
	WeekEnd          time.Time `json:"week_end"`
	ForecastHDD      float64   `json:"forecast_hdd"`
	ForecastCDD      float64   `json:"forecast_cdd"`
	ImpliedFlow      float64   `json:"implied_flow"`
	ProjectedStorage float64   `json:"projected_storage"`
	DaysCovered      int       `json:"days_covered"`
}

// Project applies coefficients to a daily forecast, week by week. Each
// week's storage is the previous week's plus its flow, seeded by
// startingStorage.
func Project(c Coefficients, days []models.DailyDegreeDays, startingStorage float64) []ProjectedWeek {
	weeks := AggregateToFiscalWeeks(days)
	out := make([]ProjectedWeek, 0, len(weeks))

	storage := startingStorage
	for _, w := range weeks {
		flow := c.Intercept + c.BetaHDD*w.HDD + c.BetaCDD*w.CDD
		storage += flow
		out = append(out, ProjectedWeek{
			WeekEnd:          w.WeekEnd,
			ForecastHDD:      w.HDD,
			ForecastCDD:      w.CDD,
			ImpliedFlow:      flow,
			ProjectedStorage: storage,
			DaysCovered:      w.Days,
		})
	}
	return out
}
