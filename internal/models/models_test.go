package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(s string) time.Time {
	t, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()

	gfs, ok := c.Get("gfs")
	require.True(t, ok)
	assert.Equal(t, 6, gfs.CycleHours)
	assert.Equal(t, 4, gfs.DelayHours)
	assert.Len(t, gfs.ForecastHours, 42)
	assert.Equal(t, 6, gfs.ForecastHours[0])
	assert.Equal(t, 384, gfs.ForecastHours[len(gfs.ForecastHours)-1])

	ecmwf, ok := c.Get("ecmwf")
	require.True(t, ok)
	assert.Equal(t, 12, ecmwf.CycleHours)
	assert.Len(t, ecmwf.ForecastHours, 40)

	_, ok = c.Get("nam")
	assert.False(t, ok)
}

func TestCatalog_DistinctSkipsAliases(t *testing.T) {
	c := DefaultCatalog()

	var names []string
	for _, spec := range c.Distinct() {
		names = append(names, spec.Name)
	}
	assert.Equal(t, []string{"aifs", "ecmwf", "ecmwf-ens", "gefs", "gfs"}, names)
}

func TestParseCatalog_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", "models: {}"},
		{"cycle does not divide day", "models: {x: {cycle_hours: 5, forecast_hours: [{from: 6, to: 12, step: 6}]}}"},
		{"zero step", "models: {x: {cycle_hours: 6, forecast_hours: [{from: 6, to: 12, step: 0}]}}"},
		{"no hours", "models: {x: {cycle_hours: 6}}"},
		{"not yaml", "models: ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestCycleID(t *testing.T) {
	id := NewCycleID("gfs", time.Date(2024, 1, 4, 18, 0, 0, 0, time.UTC))
	assert.Equal(t, "gfs 2024-01-04 18z", id.String())
	assert.Equal(t, time.Date(2024, 1, 4, 18, 0, 0, 0, time.UTC), id.Time())

	earlier := NewCycleID("gfs", time.Date(2024, 1, 4, 12, 0, 0, 0, time.UTC))
	assert.True(t, earlier.Before(id))
	assert.False(t, id.Before(earlier))
}

func TestTrendTable(t *testing.T) {
	cycles := []Cycle{
		{ID: CycleID{Model: "gfs", Date: day("2024-01-05"), Hour: 0}, Days: []DailyDegreeDays{
			{ValidDate: day("2024-01-05"), HDD: 30},
			{ValidDate: day("2024-01-06"), HDD: 31},
		}},
		{ID: CycleID{Model: "gfs", Date: day("2024-01-04"), Hour: 18}, Days: []DailyDegreeDays{
			{ValidDate: day("2024-01-04"), HDD: 28},
			{ValidDate: day("2024-01-05"), HDD: 29},
		}},
	}

	rows := TrendTable(cycles)
	require.Len(t, rows, 3)
	assert.Equal(t, day("2024-01-04"), rows[0].ValidDate)
	assert.Nil(t, rows[0].Values[0])
	require.NotNil(t, rows[0].Values[1])
	assert.Equal(t, 28.0, rows[0].Values[1].HDD)

	require.NotNil(t, rows[1].Values[0])
	require.NotNil(t, rows[1].Values[1])
	assert.Equal(t, 30.0, rows[1].Values[0].HDD)
	assert.Equal(t, 29.0, rows[1].Values[1].HDD)

	assert.Nil(t, rows[2].Values[1])
}

func TestDiffCycles(t *testing.T) {
	current := []DailyDegreeDays{
		{ValidDate: day("2024-01-05"), HDD: 30, CDD: 0},
		{ValidDate: day("2024-01-06"), HDD: 25, CDD: 1},
	}
	previous := []DailyDegreeDays{
		{ValidDate: day("2024-01-04"), HDD: 20},
		{ValidDate: day("2024-01-05"), HDD: 27, CDD: 0.5},
	}

	changes := DiffCycles(current, previous)
	require.Len(t, changes, 1)
	assert.Equal(t, day("2024-01-05"), changes[0].ValidDate)
	assert.InDelta(t, 3.0, changes[0].DeltaHDD, 1e-9)
	assert.InDelta(t, -0.5, changes[0].DeltaCDD, 1e-9)
}
