package models

import (
	"database/sql"
	"fmt"
	"sort"
	"time"
)

const DateLayout = "2006-01-02"

// CycleID identifies one issuance of a forecast model.
type CycleID struct {
	Model string
	Date  time.Time // UTC midnight
	Hour  int
}

func NewCycleID(model string, issued time.Time) CycleID {
	issued = issued.UTC()
	return CycleID{
		Model: model,
		Date:  time.Date(issued.Year(), issued.Month(), issued.Day(), 0, 0, 0, 0, time.UTC),
		Hour:  issued.Hour(),
	}
}

// Time returns the issuance instant.
func (c CycleID) Time() time.Time {
	return c.Date.Add(time.Duration(c.Hour) * time.Hour)
}

func (c CycleID) DateString() string {
	return c.Date.Format(DateLayout)
}

func (c CycleID) String() string {
	return fmt.Sprintf("%s %s %02dz", c.Model, c.DateString(), c.Hour)
}

// Before orders cycles by (date, hour).
func (c CycleID) Before(o CycleID) bool {
	return c.Time().Before(o.Time())
}

type DailyDegreeDays struct {
	ValidDate time.Time `json:"valid_date"`
	HDD       float64   `json:"hdd"`
	CDD       float64   `json:"cdd"`
}

// Cycle is a read-only snapshot of one cached model run.
type Cycle struct {
	ID   CycleID
	Days []DailyDegreeDays
}

type StorageObservation struct {
	Period      time.Time
	StorageBcf  float64
	ImpliedFlow sql.NullFloat64 // null until an earlier period exists
}

type DegreeDayObservation struct {
	WeekEnd time.Time
	HDD     float64
	CDD     float64
}

// RegressionRow pairs a storage report with the CPC week that ended the day before.
type RegressionRow struct {
	Period      time.Time `json:"period"`
	StorageBcf  float64   `json:"storage_bcf"`
	ImpliedFlow float64   `json:"implied_flow"`
	HDD         float64   `json:"hdd"`
	CDD         float64   `json:"cdd"`
}

// TrendRow is one valid date across several cycles. Missing entries are nil.
type TrendRow struct {
	ValidDate time.Time
	Values    []*DailyDegreeDays
}

// TrendTable pivots recent cycles by valid date, keeping the cycle order given.
func TrendTable(cycles []Cycle) []TrendRow {
	index := make(map[time.Time]*TrendRow)
	var dates []time.Time
	for i, c := range cycles {
		for j := range c.Days {
			d := c.Days[j]
			row, ok := index[d.ValidDate]
			if !ok {
				row = &TrendRow{ValidDate: d.ValidDate, Values: make([]*DailyDegreeDays, len(cycles))}
				index[d.ValidDate] = row
				dates = append(dates, d.ValidDate)
			}
			row.Values[i] = &d
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	rows := make([]TrendRow, 0, len(dates))
	for _, d := range dates {
		rows = append(rows, *index[d])
	}
	return rows
}

// DayChange is the run-to-run change for one valid date present in both cycles.
type DayChange struct {
	ValidDate time.Time
	HDD       float64
	CDD       float64
	DeltaHDD  float64
	DeltaCDD  float64
}

// DiffCycles compares a current series against an earlier one on shared valid dates.
func DiffCycles(current, previous []DailyDegreeDays) []DayChange {
	prev := make(map[time.Time]DailyDegreeDays, len(previous))
	for _, d := range previous {
		prev[d.ValidDate] = d
	}
	var changes []DayChange
	for _, d := range current {
		p, ok := prev[d.ValidDate]
		if !ok {
			continue
		}
		changes = append(changes, DayChange{
			ValidDate: d.ValidDate,
			HDD:       d.HDD,
			CDD:       d.CDD,
			DeltaHDD:  d.HDD - p.HDD,
			DeltaCDD:  d.CDD - p.CDD,
		})
	}
	return changes
}

// ParseDate parses a YYYY-MM-DD date as UTC midnight.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}
