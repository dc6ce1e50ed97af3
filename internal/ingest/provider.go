package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/lox/gasflow/internal/models"
)

const (
	DefaultMinCompleteness        = 0.75
	DefaultMaxConsecutiveFailures = 3
)

// Provider fetches the daily degree day series for one forecast cycle. A
// short series is returned as-is; callers decide whether to keep it.
type Provider interface {
	FetchCycle(ctx context.Context, id models.CycleID) ([]models.DailyDegreeDays, error)
}

// HourSample is the grid-weighted HDD/CDD for one forecast hour.
type HourSample struct {
	ValidTime time.Time `json:"valid_time"`
	HDD       float64   `json:"hdd"`
	CDD       float64   `json:"cdd"`
}

type HourlySource interface {
	FetchHour(ctx context.Context, id models.CycleID, fxx int) (HourSample, error)
}

// RunAssembler builds a cycle's daily series from per-hour samples, walking
// the model's forecast hours in order.
type RunAssembler struct {
	source  HourlySource
	catalog *models.Catalog
	logger  *slog.Logger

	// MinCompleteness is the fraction of forecast hours a run needs to be kept.
	MinCompleteness float64
	// MaxConsecutiveFailures stops the run early; the run is then kept only if
	// it still meets MinCompleteness.
	MaxConsecutiveFailures int
}

func NewRunAssembler(source HourlySource, catalog *models.Catalog, logger *slog.Logger) *RunAssembler {
	return &RunAssembler{
		source:                 source,
		catalog:                catalog,
		logger:                 logger.With("component", "assembler"),
		MinCompleteness:        DefaultMinCompleteness,
		MaxConsecutiveFailures: DefaultMaxConsecutiveFailures,
	}
}

func (a *RunAssembler) FetchCycle(ctx context.Context, id models.CycleID) ([]models.DailyDegreeDays, error) {
	spec, ok := a.catalog.Get(id.Model)
	if !ok {
		return nil, &ProviderError{ID: id, Err: fmt.Errorf("unknown model %q", id.Model)}
	}

	hours := spec.ForecastHours
	total := len(hours)
	required := int(float64(total) * a.MinCompleteness)

	var samples []HourSample
	consecutive := 0
	aborted := false
	var lastErr error
	for _, fxx := range hours {
		sample, err := a.source.FetchHour(ctx, id, fxx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			lastErr = err
			consecutive++
			a.logger.Debug("forecast hour failed", "cycle", id.String(), "fxx", fxx, "error", err)
			if consecutive >= a.MaxConsecutiveFailures {
				aborted = true
				break
			}
			continue
		}
		consecutive = 0
		samples = append(samples, sample)
	}

	if len(samples) == 0 && lastErr != nil && !aborted {
		return nil, &ProviderError{ID: id, Err: lastErr}
	}
	if len(samples) < required || len(samples) == 0 {
		return nil, &IncompleteRunError{ID: id, Got: len(samples), Total: total, Required: required, Aborted: aborted}
	}
	if aborted || len(samples) < total {
		a.logger.Info("keeping partial run", "cycle", id.String(), "got", len(samples), "total", total, "required", required)
	}
	return DailyMeans(samples), nil
}

// DailyMeans averages hourly samples per UTC valid date, rounded to 2dp.
func DailyMeans(samples []HourSample) []models.DailyDegreeDays {
	type acc struct {
		hdd, cdd float64
		n        int
	}
	byDate := make(map[time.Time]*acc)
	for _, s := range samples {
		v := s.ValidTime.UTC()
		day := time.Date(v.Year(), v.Month(), v.Day(), 0, 0, 0, 0, time.UTC)
		a, ok := byDate[day]
		if !ok {
			a = &acc{}
			byDate[day] = a
		}
		a.hdd += s.HDD
		a.cdd += s.CDD
		a.n++
	}

	days := make([]models.DailyDegreeDays, 0, len(byDate))
	for day, a := range byDate {
		days = append(days, models.DailyDegreeDays{
			ValidDate: day,
			HDD:       round2(a.hdd / float64(a.n)),
			CDD:       round2(a.cdd / float64(a.n)),
		})
	}
	sort.Slice(days, func(i, j int) bool { return days[i].ValidDate.Before(days[j].ValidDate) })
	return days
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
