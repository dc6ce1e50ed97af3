package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/mattn/go-isatty"

	"github.com/lox/gasflow/internal/models"
	"github.com/lox/gasflow/internal/normals"
	"github.com/lox/gasflow/internal/regression"
)

const (
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiBlue   = "\033[34m"
	ansiYellow = "\033[33m"
	ansiReset  = "\033[0m"
)

// printer renders command output as aligned tables, colouring values when
// writing to a terminal.
type printer struct {
	w     io.Writer
	color bool
}

func newPrinter(f *os.File) *printer {
	return &printer{w: f, color: isatty.IsTerminal(f.Fd())}
}

func (p *printer) Printf(format string, args ...any) {
	fmt.Fprintf(p.w, format, args...)
}

func (p *printer) paint(code, s string) string {
	if !p.color {
		return s
	}
	return code + s + ansiReset
}

func (p *printer) table(title string, header ...string) *tabwriter.Writer {
	if title != "" {
		fmt.Fprintln(p.w, title)
	}
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, strings.Join(header, "\t")+"\t")
	return tw
}

func row(tw *tabwriter.Writer, cols ...string) {
	fmt.Fprintln(tw, strings.Join(cols, "\t")+"\t")
}

// departure colours warmer-than-normal red and colder blue, beyond half a degree day.
func (p *printer) departure(v float64) string {
	switch {
	case v > 0.5:
		return p.paint(ansiRed, fmt.Sprintf("%+.1f", v))
	case v < -0.5:
		return p.paint(ansiBlue, fmt.Sprintf("%.1f", v))
	}
	return fmt.Sprintf("%.1f", v)
}

func (p *printer) flow(v float64) string {
	if v < 0 {
		return p.paint(ansiRed, fmt.Sprintf("%+.0f", v))
	}
	return p.paint(ansiGreen, fmt.Sprintf("%+.0f", v))
}

func (p *printer) Departures(deps []normals.Departure) {
	tw := p.table("Degree Day Forecast vs. Normals", "Date", "HDD", "Normal HDD", "HDD Dep.", "CDD", "Normal CDD", "CDD Dep.")
	for _, d := range deps {
		row(tw,
			d.ValidDate.Format(models.DateLayout),
			fmt.Sprintf("%.1f", d.HDD),
			fmt.Sprintf("%.1f", d.NormalHDD),
			p.departure(d.DeltaHDD),
			fmt.Sprintf("%.1f", d.CDD),
			fmt.Sprintf("%.1f", d.NormalCDD),
			p.departure(d.DeltaCDD),
		)
	}
	tw.Flush()
}

func (p *printer) Trend(model string, recent []models.Cycle) {
	if len(recent) == 0 {
		p.Printf("No cached %s cycles found.\n", model)
		return
	}
	header := []string{"Date"}
	for _, c := range recent {
		header = append(header, fmt.Sprintf("%s %02dz", c.ID.DateString(), c.ID.Hour))
	}
	tw := p.table("Forecast Trend: "+strings.ToUpper(model), header...)
	for _, r := range models.TrendTable(recent) {
		cols := []string{r.ValidDate.Format(models.DateLayout)}
		for _, v := range r.Values {
			if v == nil {
				cols = append(cols, "-")
				continue
			}
			cols = append(cols, fmt.Sprintf("H%.0f/C%.0f", v.HDD, v.CDD))
		}
		row(tw, cols...)
	}
	tw.Flush()
}

func (p *printer) Changes(id models.CycleID, hours int, changes []models.DayChange) {
	tw := p.table(fmt.Sprintf("%s vs %dh earlier", id, hours), "Date", "HDD", "Δ HDD", "CDD", "Δ CDD")
	for _, c := range changes {
		row(tw,
			c.ValidDate.Format(models.DateLayout),
			fmt.Sprintf("%.1f", c.HDD),
			p.departure(c.DeltaHDD),
			fmt.Sprintf("%.1f", c.CDD),
			p.departure(c.DeltaCDD),
		)
	}
	tw.Flush()
}

func (p *printer) Coefficients(c regression.Coefficients) {
	tw := p.table("Gas Flow Regression (Rolling 3-Year OLS)", "Metric", "Value")
	row(tw, "Training period", c.Start.Format(models.DateLayout)+" to "+c.End.Format(models.DateLayout))
	row(tw, "N observations", fmt.Sprint(c.NObs))
	row(tw, "Beta HDD", fmt.Sprintf("%+.3f Bcf/HDD", c.BetaHDD))
	row(tw, "Beta CDD", fmt.Sprintf("%+.3f Bcf/CDD", c.BetaCDD))
	row(tw, "Intercept", fmt.Sprintf("%+.2f Bcf", c.Intercept))
	row(tw, "R-squared", fmt.Sprintf("%.4f", c.RSquared))
	tw.Flush()
	fmt.Fprintln(p.w)
}

func (p *printer) Rolling(points []regression.RollingPoint) {
	tw := p.table("Rolling Coefficients", "Week End", "Beta HDD", "Beta CDD", "Intercept", "R²")
	for _, pt := range points {
		row(tw,
			pt.WeekEnd.Format(models.DateLayout),
			fmt.Sprintf("%+.3f", pt.BetaHDD),
			fmt.Sprintf("%+.3f", pt.BetaCDD),
			fmt.Sprintf("%+.2f", pt.Intercept),
			fmt.Sprintf("%.4f", pt.RSquared),
		)
	}
	tw.Flush()
}

func (p *printer) Storage(obs []models.StorageObservation) {
	tw := p.table(fmt.Sprintf("Recent EIA Storage Reports (last %d weeks)", len(obs)), "Week End", "Storage (Bcf)", "Flow (Bcf)")
	for _, o := range obs {
		flow := "-"
		if o.ImpliedFlow.Valid {
			flow = p.flow(o.ImpliedFlow.Float64)
		}
		row(tw, o.Period.Format(models.DateLayout), fmt.Sprintf("%.0f", o.StorageBcf), flow)
	}
	tw.Flush()
}

func (p *printer) Projection(start float64, weeks []regression.ProjectedWeek) {
	if len(weeks) == 0 {
		p.Printf("No forecast weeks generated.\n")
		return
	}
	tw := p.table(fmt.Sprintf("Gas Storage Forecast (from %.0f Bcf)", start), "Week End", "Days", "HDD", "CDD", "Flow (Bcf)", "Storage (Bcf)")
	for _, w := range weeks {
		days := fmt.Sprint(w.DaysCovered)
		if w.DaysCovered < 7 {
			days = p.paint(ansiYellow, days+"*")
		}
		row(tw,
			w.WeekEnd.Format("Jan 02"),
			days,
			fmt.Sprintf("%.0f", w.ForecastHDD),
			fmt.Sprintf("%.0f", w.ForecastCDD),
			p.flow(w.ImpliedFlow),
			fmt.Sprintf("%.0f", w.ProjectedStorage),
		)
	}
	tw.Flush()
}

func (p *printer) Models(specs []models.ModelSpec) {
	tw := p.table("", "Model", "Description", "Cycle", "Delay", "Hours")
	for _, s := range specs {
		hours := "-"
		if n := len(s.ForecastHours); n > 0 {
			hours = fmt.Sprintf("%d-%d (%d)", s.ForecastHours[0], s.ForecastHours[n-1], n)
		}
		row(tw, s.Name, s.Description, fmt.Sprintf("%dh", s.CycleHours), fmt.Sprintf("%dh", s.DelayHours), hours)
	}
	tw.Flush()
}
