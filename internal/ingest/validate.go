package ingest

import (
	"encoding/json"
	"math"

	"github.com/lox/gasflow/internal/models"
)

const (
	FlagNegativeHDD      = "negative_hdd"
	FlagNegativeCDD      = "negative_cdd"
	FlagNonFinite        = "non_finite"
	FlagDuplicateDate    = "duplicate_valid_date"
	FlagDateOutOfOrder   = "valid_date_out_of_order"
	FlagNegativeStorage  = "negative_storage"
	FlagDuplicatePeriod  = "duplicate_period"
	FlagDegreeDayTooHigh = "degree_days_unlikely"
)

// maxWeeklyDegreeDays bounds a national weekly total; anything larger is a parse fault.
const maxWeeklyDegreeDays = 7 * 80

// ValidateSeries checks a cycle's daily series before it is cached. Each flag
// appears at most once.
func ValidateSeries(days []models.DailyDegreeDays) []string {
	var flags flagSet
	seen := make(map[int64]bool, len(days))
	for i, d := range days {
		if !isFinite(d.HDD) || !isFinite(d.CDD) {
			flags.add(FlagNonFinite)
			continue
		}
		if d.HDD < 0 {
			flags.add(FlagNegativeHDD)
		}
		if d.CDD < 0 {
			flags.add(FlagNegativeCDD)
		}
		key := d.ValidDate.Unix()
		if seen[key] {
			flags.add(FlagDuplicateDate)
		}
		seen[key] = true
		if i > 0 && d.ValidDate.Before(days[i-1].ValidDate) {
			flags.add(FlagDateOutOfOrder)
		}
	}
	return flags.list
}

// ValidateStorage flags storage reports that are physically implausible.
func ValidateStorage(obs []models.StorageObservation) []string {
	var flags flagSet
	seen := make(map[int64]bool, len(obs))
	for _, o := range obs {
		if !isFinite(o.StorageBcf) {
			flags.add(FlagNonFinite)
			continue
		}
		if o.StorageBcf < 0 {
			flags.add(FlagNegativeStorage)
		}
		key := o.Period.Unix()
		if seen[key] {
			flags.add(FlagDuplicatePeriod)
		}
		seen[key] = true
	}
	return flags.list
}

func ValidateDegreeDays(obs models.DegreeDayObservation) []string {
	var flags flagSet
	if obs.HDD < 0 {
		flags.add(FlagNegativeHDD)
	}
	if obs.CDD < 0 {
		flags.add(FlagNegativeCDD)
	}
	if obs.HDD > maxWeeklyDegreeDays || obs.CDD > maxWeeklyDegreeDays {
		flags.add(FlagDegreeDayTooHigh)
	}
	return flags.list
}

func QualityFlagsToJSON(flags []string) string {
	if len(flags) == 0 {
		return ""
	}
	b, _ := json.Marshal(flags)
	return string(b)
}

type flagSet struct {
	list []string
}

func (f *flagSet) add(flag string) {
	for _, existing := range f.list {
		if existing == flag {
			return
		}
	}
	f.list = append(f.list, flag)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
