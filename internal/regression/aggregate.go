package regression

import (
	"sort"
	"time"

	"github.com/lox/gasflow/internal/models"
)

// FiscalWeek sums a Friday to Thursday gas week. Days counts the calendar
// days actually present, so partial weeks at either end are visible.
type FiscalWeek struct {
	WeekEnd time.Time `json:"week_end"`
	HDD     float64   `json:"hdd"`
	CDD     float64   `json:"cdd"`
	Days    int       `json:"days"`
}

// GasWeekEnd returns the Thursday that closes the gas week containing d.
func GasWeekEnd(d time.Time) time.Time {
	// Monday = 0 ... Sunday = 6
	wd := (int(d.Weekday()) + 6) % 7
	if wd <= 3 {
		return d.AddDate(0, 0, 3-wd)
	}
	return d.AddDate(0, 0, 10-wd)
}

func AggregateToFiscalWeeks(days []models.DailyDegreeDays) []FiscalWeek {
	buckets := make(map[time.Time]*FiscalWeek)
	for _, d := range days {
		end := GasWeekEnd(d.ValidDate)
		w, ok := buckets[end]
		if !ok {
			w = &FiscalWeek{WeekEnd: end}
			buckets[end] = w
		}
		w.HDD += d.HDD
		w.CDD += d.CDD
		w.Days++
	}

	out := make([]FiscalWeek, 0, len(buckets))
	for _, w := range buckets {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WeekEnd.Before(out[j].WeekEnd) })
	return out
}
