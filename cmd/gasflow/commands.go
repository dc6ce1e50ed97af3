package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/lox/gasflow/internal/api"
	"github.com/lox/gasflow/internal/cycles"
	"github.com/lox/gasflow/internal/export"
	"github.com/lox/gasflow/internal/ingest"
	"github.com/lox/gasflow/internal/models"
	"github.com/lox/gasflow/internal/normals"
	"github.com/lox/gasflow/internal/regression"
)

var defaultModels = []string{"gfs", "gefs", "ecmwf", "ecmwf-ens", "aifs"}

// ProviderFlags configure the grid decoding service and run assembly.
type ProviderFlags struct {
	GridURL                string  `help:"Base URL of the grid decoding service." default:"http://localhost:8090" env:"GASFLOW_GRID_URL"`
	MinCompleteness        float64 `help:"Fraction of forecast hours a run needs to be kept." default:"0.75"`
	MaxConsecutiveFailures int     `help:"Consecutive failed forecast hours that abort a run." default:"3"`
}

func (f ProviderFlags) provider(app *App) ingest.Provider {
	a := ingest.NewRunAssembler(ingest.NewGridClient(f.GridURL), app.Catalog, app.Logger)
	a.MinCompleteness = f.MinCompleteness
	a.MaxConsecutiveFailures = f.MaxConsecutiveFailures
	return a
}

type EIAFlags struct {
	EIAKey string `help:"EIA API v2 key." env:"EIA_API_KEY" name:"eia-key"`
}

func (f EIAFlags) refresher(app *App) (*ingest.Refresher, error) {
	eia, err := ingest.NewEIAClient(f.EIAKey)
	if err != nil {
		return nil, err
	}
	return ingest.NewRefresher(app.Store, eia, ingest.NewCPCClient(app.Logger), app.Clock, app.Logger), nil
}

// CycleFlags select a cycle; the default is the newest cached one.
type CycleFlags struct {
	Date string `help:"Run date (YYYY-MM-DD)."`
	Hour int    `help:"Run hour (UTC)." default:"0"`
}

func (f CycleFlags) resolve(app *App, model string) (models.Cycle, error) {
	if f.Date == "" {
		recent, err := app.Store.GetRecentCycles(model, 1)
		if err != nil {
			return models.Cycle{}, err
		}
		if len(recent) == 0 {
			return models.Cycle{}, fmt.Errorf("no cached %s cycles: run fetch or backfill", model)
		}
		return recent[0], nil
	}
	date, err := models.ParseDate(f.Date)
	if err != nil {
		return models.Cycle{}, fmt.Errorf("invalid --date: %w", err)
	}
	id := models.CycleID{Model: model, Date: date, Hour: f.Hour}
	days, ok, err := app.Store.GetCycle(id)
	if err != nil {
		return models.Cycle{}, err
	}
	if !ok {
		return models.Cycle{}, fmt.Errorf("%s is not cached", id)
	}
	return models.Cycle{ID: id, Days: days}, nil
}

type FetchCmd struct {
	ProviderFlags
	Model   string `arg:"" optional:"" default:"gfs" help:"Forecast model."`
	Date    string `help:"Run date (YYYY-MM-DD). Defaults to the latest run six hours ago."`
	Hour    *int   `help:"Run hour (UTC)."`
	NoCache bool   `help:"Fetch even when cached, and do not save the result."`
}

func (c *FetchCmd) Run(ctx context.Context, app *App) error {
	if _, ok := app.Catalog.Get(c.Model); !ok {
		return fmt.Errorf("unknown model %q (known: %v)", c.Model, app.Catalog.Names())
	}

	issued := cycles.DefaultRun(app.Clock.Now())
	if c.Date != "" {
		date, err := models.ParseDate(c.Date)
		if err != nil {
			return fmt.Errorf("invalid --date: %w", err)
		}
		issued = date
	}
	if c.Hour != nil {
		issued = time.Date(issued.Year(), issued.Month(), issued.Day(), *c.Hour, 0, 0, 0, time.UTC)
	}
	id := models.NewCycleID(c.Model, issued)

	if !c.NoCache {
		days, ok, err := app.Store.GetCycle(id)
		if err != nil {
			return err
		}
		if ok {
			app.Out.Printf("Using cached %s\n", id)
			app.Out.Departures(normals.Synthetic().Departures(days))
			return nil
		}
	}

	app.Out.Printf("Fetching %s ...\n", id)
	days, err := c.provider(app).FetchCycle(ctx, id)
	if err != nil {
		return err
	}
	if flags := ingest.ValidateSeries(days); len(flags) > 0 {
		return fmt.Errorf("%s rejected: %s", id, ingest.QualityFlagsToJSON(flags))
	}
	if !c.NoCache {
		if err := app.Store.UpsertCycle(id, days); err != nil {
			return err
		}
		app.Out.Printf("Cached %d days.\n", len(days))
	}
	app.Out.Departures(normals.Synthetic().Departures(days))
	return nil
}

type BackfillCmd struct {
	ProviderFlags
	Models   []string      `arg:"" optional:"" help:"Models to backfill."`
	Lookback time.Duration `help:"How far back to look for missing cycles." default:"48h"`
}

func (c *BackfillCmd) Run(ctx context.Context, app *App) error {
	b := ingest.NewBackfiller(app.Store, c.provider(app), app.Catalog, app.Clock, app.Logger)
	b.Lookback = c.Lookback
	res, err := b.RunOnce(ctx, modelsOrDefault(c.Models))
	if err != nil {
		return err
	}
	app.Out.Printf("Done. Fetched %d new cycle(s), %d failed, %d attempted.\n", res.Fetched, res.Failed, res.Attempted)
	return nil
}

type ScheduleCmd struct {
	ProviderFlags
	EIAFlags
	Models   []string      `arg:"" optional:"" help:"Models to keep current."`
	Interval time.Duration `help:"Time between passes." default:"30m"`
	Lookback time.Duration `help:"How far back to look for missing cycles." default:"48h"`
	Refresh  bool          `help:"Also refresh EIA storage and CPC degree days."`
}

func (c *ScheduleCmd) Run(ctx context.Context, app *App) error {
	s, err := c.scheduler(app)
	if err != nil {
		return err
	}
	return s.Run(ctx)
}

func (c *ScheduleCmd) scheduler(app *App) (*ingest.Scheduler, error) {
	b := ingest.NewBackfiller(app.Store, c.provider(app), app.Catalog, app.Clock, app.Logger)
	b.Lookback = c.Lookback
	s := ingest.NewScheduler(b, modelsOrDefault(c.Models), app.Clock, app.Logger)
	s.Interval = c.Interval
	if c.Refresh {
		r, err := c.refresher(app)
		if err != nil {
			return nil, err
		}
		s.SetRefresher(r)
	}
	return s, nil
}

type TrendCmd struct {
	Model string `arg:"" optional:"" default:"gfs" help:"Forecast model."`
	Runs  int    `help:"Number of recent cycles." default:"5" short:"n"`
}

func (c *TrendCmd) Run(app *App) error {
	recent, err := app.Store.GetRecentCycles(c.Model, c.Runs)
	if err != nil {
		return err
	}
	app.Out.Trend(c.Model, recent)
	return nil
}

type ChangesCmd struct {
	CycleFlags
	Model string `arg:"" optional:"" default:"gfs" help:"Forecast model."`
	Hours int    `help:"Compare against the cycle this many hours earlier." default:"24"`
}

func (c *ChangesCmd) Run(app *App) error {
	cycle, err := c.resolve(app, c.Model)
	if err != nil {
		return err
	}
	previous, ok, err := app.Store.GetCycleByOffset(cycle.ID, c.Hours)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no cycle cached %dh before %s", c.Hours, cycle.ID)
	}
	app.Out.Changes(cycle.ID, c.Hours, models.DiffCycles(cycle.Days, previous))
	return nil
}

type BootstrapCmd struct {
	EIAFlags
}

func (c *BootstrapCmd) Run(ctx context.Context, app *App) error {
	r, err := c.refresher(app)
	if err != nil {
		return err
	}
	return r.Bootstrap(ctx)
}

type UpdateCmd struct {
	EIAFlags
	PayloadRetention int `help:"Delete archived raw payloads older than this many days (0 keeps all)." default:"0"`
}

func (c *UpdateCmd) Run(ctx context.Context, app *App) error {
	r, err := c.refresher(app)
	if err != nil {
		return err
	}
	if err := r.Update(ctx); err != nil {
		return err
	}
	if c.PayloadRetention > 0 {
		n, err := app.Store.CleanupOldRawPayloads(c.PayloadRetention)
		if err != nil {
			return fmt.Errorf("cleanup raw payloads: %w", err)
		}
		app.Logger.Info("removed old raw payloads", "count", n)
	}
	return nil
}

type CoefficientsCmd struct {
	Rolling bool `help:"Also fit every rolling three-year window."`
}

func (c *CoefficientsCmd) Run(app *App) error {
	coefs, err := fitCurrent(app)
	if err != nil {
		return err
	}
	app.Out.Coefficients(coefs)

	if c.Rolling {
		rows, err := app.Store.GetRegressionDataset(0)
		if err != nil {
			return err
		}
		app.Out.Rolling(regression.FitRolling(rows))
	}
	return nil
}

type HistoryCmd struct {
	Weeks int `help:"Number of recent reports." default:"10" short:"n"`
}

func (c *HistoryCmd) Run(app *App) error {
	obs, err := app.Store.GetStorage(nil, nil)
	if err != nil {
		return err
	}
	if len(obs) == 0 {
		return errors.New("no storage data: run bootstrap")
	}
	if len(obs) > c.Weeks {
		obs = obs[len(obs)-c.Weeks:]
	}
	app.Out.Storage(obs)
	return nil
}

type ForecastCmd struct {
	CycleFlags
	Model string `arg:"" optional:"" default:"gfs" help:"Forecast model."`
}

func (c *ForecastCmd) Run(app *App) error {
	weeks, latest, err := c.project(app)
	if err != nil {
		return err
	}
	app.Out.Projection(latest, weeks)
	return nil
}

func (c *ForecastCmd) project(app *App) ([]regression.ProjectedWeek, float64, error) {
	coefs, err := fitCurrent(app)
	if err != nil {
		return nil, 0, err
	}
	app.Out.Coefficients(coefs)

	cycle, err := c.resolve(app, c.Model)
	if err != nil {
		return nil, 0, err
	}
	latest, err := app.Store.GetLatestStorage()
	if err != nil {
		return nil, 0, err
	}
	if latest == nil {
		return nil, 0, errors.New("no storage data: run bootstrap")
	}
	app.Out.Printf("Using %s from %.0f Bcf (%s)\n\n", cycle.ID, latest.StorageBcf, latest.Period.Format(models.DateLayout))
	return regression.Project(coefs, cycle.Days, latest.StorageBcf), latest.StorageBcf, nil
}

type ExportCmd struct {
	CycleFlags
	Dataset string `arg:"" enum:"cycles,storage,dataset,rolling,projection" help:"What to export (${enum})."`
	Out     string `help:"Output file." type:"path" short:"o"`
	Model   string `help:"Forecast model for cycles and projection." default:"gfs"`
	Runs    int    `help:"Recent cycles to export." default:"20"`
}

func (c *ExportCmd) Run(app *App) error {
	out := c.Out
	if out == "" {
		out = filepath.Join(".", c.Dataset+".parquet")
	}

	var n int
	var err error
	switch c.Dataset {
	case "cycles":
		var recent []models.Cycle
		if recent, err = app.Store.GetRecentCycles(c.Model, c.Runs); err == nil {
			n, err = export.WriteCycles(out, recent)
		}
	case "storage":
		var obs []models.StorageObservation
		if obs, err = app.Store.GetStorage(nil, nil); err == nil {
			n, err = export.WriteStorage(out, obs)
		}
	case "dataset":
		var rows []models.RegressionRow
		if rows, err = app.Store.GetRegressionDataset(0); err == nil {
			n, err = export.WriteRegressionDataset(out, rows)
		}
	case "rolling":
		var rows []models.RegressionRow
		if rows, err = app.Store.GetRegressionDataset(0); err == nil {
			n, err = export.WriteRolling(out, regression.FitRolling(rows))
		}
	case "projection":
		fc := ForecastCmd{CycleFlags: c.CycleFlags, Model: c.Model}
		var weeks []regression.ProjectedWeek
		if weeks, _, err = fc.project(app); err == nil {
			n, err = export.WriteProjection(out, weeks)
		}
	}
	if err != nil {
		return err
	}
	app.Out.Printf("Wrote %d rows to %s\n", n, out)
	return nil
}

type ServeCmd struct {
	ScheduleCmd
	Listen string `help:"Listen address." default:":8080" env:"GASFLOW_LISTEN"`
	NoPoll bool   `help:"Serve only; do not run the scheduler."`
}

func (c *ServeCmd) Run(ctx context.Context, app *App) error {
	server := api.NewServer(app.Store, app.Catalog, c.Listen, app.Logger)
	if c.NoPoll {
		app.Logger.Info("polling disabled (--no-poll)")
		return server.Run(ctx)
	}

	s, err := c.scheduler(app)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		errc <- s.Run(ctx)
		cancel()
	}()
	if err := server.Run(ctx); err != nil {
		return err
	}
	return <-errc
}

type ModelsCmd struct{}

func (c *ModelsCmd) Run(app *App) error {
	app.Out.Models(app.Catalog.Distinct())
	return nil
}

func fitCurrent(app *App) (regression.Coefficients, error) {
	rows, err := app.Store.GetRegressionDataset(regression.Window)
	if err != nil {
		return regression.Coefficients{}, err
	}
	coefs, err := regression.Fit(rows)
	var insufficient *regression.InsufficientDataError
	if errors.As(err, &insufficient) {
		return coefs, fmt.Errorf("%w: run bootstrap", err)
	}
	return coefs, err
}

func modelsOrDefault(m []string) []string {
	if len(m) == 0 {
		return defaultModels
	}
	return m
}
