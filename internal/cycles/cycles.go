// Package cycles computes which forecast model runs should already be
// published at a given instant.
package cycles

import (
	"time"

	"github.com/lox/gasflow/internal/models"
)

// DefaultLookback is how far back the backfill looks for missing cycles.
const DefaultLookback = 48 * time.Hour

// Latest returns the most recent cycle boundary that should be published by
// now: now minus the publication delay, floored to the issuance interval
// within its UTC day.
func Latest(intervalHours, delayHours int, now time.Time) time.Time {
	available := now.UTC().Add(-time.Duration(delayHours) * time.Hour)
	hour := (available.Hour() / intervalHours) * intervalHours
	return time.Date(available.Year(), available.Month(), available.Day(), hour, 0, 0, 0, time.UTC)
}

// Recent returns every cycle boundary in the lookback window ending at the
// latest boundary, newest first. The window is anchored on Latest, so a 48h
// lookback on a 6h model always yields 8 cycles.
func Recent(intervalHours, delayHours int, now time.Time, lookback time.Duration) []time.Time {
	latest := Latest(intervalHours, delayHours, now)
	cutoff := latest.Add(-lookback)
	step := time.Duration(intervalHours) * time.Hour

	var out []time.Time
	for t := latest; t.After(cutoff); t = t.Add(-step) {
		out = append(out, t)
	}
	return out
}

// ForModel expands Recent into cycle identities for one catalog entry.
func ForModel(spec models.ModelSpec, now time.Time, lookback time.Duration) []models.CycleID {
	times := Recent(spec.CycleHours, spec.DelayHours, now, lookback)
	ids := make([]models.CycleID, len(times))
	for i, t := range times {
		ids[i] = models.NewCycleID(spec.Name, t)
	}
	return ids
}

// DefaultRun is the run used when none is named: now minus six hours,
// floored to a six hour boundary.
func DefaultRun(now time.Time) time.Time {
	return Latest(6, 6, now)
}
