// Package normals provides CONUS-average daily HDD/CDD normals by day of year
// and departures of a forecast from them.
package normals

import (
	"math"
	"time"

	"github.com/lox/gasflow/internal/models"
)

const baseTemperatureF = 65.0

// Normal is the expected HDD and CDD for one day of the year.
type Normal struct {
	HDD float64 `json:"hdd"`
	CDD float64 `json:"cdd"`
}

// Table holds normals indexed by day of year, 1 through 366.
type Table struct {
	days [367]Normal
}

// Synthetic builds normals from a sinusoidal mean temperature: 52°F annual
// mean, 25°F amplitude, peaking around 20 July.
func Synthetic() *Table {
	t := &Table{}
	for doy := 1; doy <= 366; doy++ {
		avg := 52.0 + 25.0*math.Sin(2*math.Pi*float64(doy-110)/365)
		t.days[doy] = Normal{
			HDD: round2(math.Max(0, baseTemperatureF-avg)),
			CDD: round2(math.Max(0, avg-baseTemperatureF)),
		}
	}
	return t
}

func (t *Table) For(date time.Time) Normal {
	return t.days[date.YearDay()]
}

// Departure compares one forecast day to its normal.
type Departure struct {
	ValidDate time.Time `json:"valid_date"`
	HDD       float64   `json:"hdd"`
	CDD       float64   `json:"cdd"`
	NormalHDD float64   `json:"normal_hdd"`
	NormalCDD float64   `json:"normal_cdd"`
	DeltaHDD  float64   `json:"delta_hdd"`
	DeltaCDD  float64   `json:"delta_cdd"`
}

func (t *Table) Departures(days []models.DailyDegreeDays) []Departure {
	out := make([]Departure, len(days))
	for i, d := range days {
		n := t.For(d.ValidDate)
		out[i] = Departure{
			ValidDate: d.ValidDate,
			HDD:       d.HDD,
			CDD:       d.CDD,
			NormalHDD: n.HDD,
			NormalCDD: n.CDD,
			DeltaHDD:  d.HDD - n.HDD,
			DeltaCDD:  d.CDD - n.CDD,
		}
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
