package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/lox/gasflow/internal/metrics"
	"github.com/lox/gasflow/internal/models"
	"github.com/lox/gasflow/internal/store"
)

// ErrNotBootstrapped is returned by Update when no storage history exists yet.
var ErrNotBootstrapped = errors.New("no EIA storage cached: run bootstrap first")

// Refresher keeps the weekly EIA storage and CPC degree day tables current.
type Refresher struct {
	store  *store.Store
	eia    *EIAClient
	cpc    *CPCClient
	clock  clockwork.Clock
	logger *slog.Logger
}

func NewRefresher(st *store.Store, eia *EIAClient, cpc *CPCClient, clock clockwork.Clock, logger *slog.Logger) *Refresher {
	return &Refresher{
		store:  st,
		eia:    eia,
		cpc:    cpc,
		clock:  clock,
		logger: logger.With("component", "refresh"),
	}
}

// Bootstrap downloads the full storage history and every archived CPC week
// since 1993 that is not already stored.
func (r *Refresher) Bootstrap(ctx context.Context) error {
	passID := uuid.NewString()

	r.logger.Info("bootstrapping EIA storage history")
	n, err := r.syncStorage(ctx, passID, EIAFirstYear)
	if err != nil {
		return err
	}
	r.logger.Info("EIA bootstrap complete", "reports", n)

	start, _ := models.ParseDate(EIAFirstYear)
	r.logger.Info("bootstrapping NOAA CPC degree day history", "from", EIAFirstYear)
	saved, err := r.syncDegreeDayArchive(ctx, passID, start)
	if err != nil {
		return err
	}
	r.logger.Info("NOAA CPC bootstrap complete", "weeks", saved)
	return nil
}

// Update fetches storage reports since the latest stored period, the live CPC
// week, and any archived CPC weeks missing since a week before the latest one.
func (r *Refresher) Update(ctx context.Context) error {
	passID := uuid.NewString()

	latest, ok, err := r.store.GetLatestStoragePeriod()
	if err != nil {
		return fmt.Errorf("latest storage period: %w", err)
	}
	if !ok {
		return ErrNotBootstrapped
	}

	r.logger.Info("updating EIA storage", "from", latest.Format(models.DateLayout))
	n, err := r.syncStorage(ctx, passID, latest.Format(models.DateLayout))
	if err != nil {
		return err
	}
	r.logger.Info("EIA update complete", "reports", n)

	today := r.today()
	startDD := today.AddDate(0, 0, -30)
	if latestDD, ok, err := r.store.GetLatestDegreeDayWeek(); err != nil {
		return fmt.Errorf("latest degree day week: %w", err)
	} else if ok {
		startDD = latestDD.AddDate(0, 0, -7)
	}

	if err := r.syncLiveDegreeDays(ctx, passID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.logger.Info("updating NOAA CPC degree days", "from", startDD.Format(models.DateLayout))
	saved, err := r.syncDegreeDayArchive(ctx, passID, startDD)
	if err != nil {
		return err
	}
	r.logger.Info("NOAA CPC update complete", "weeks", saved)
	return nil
}

func (r *Refresher) today() time.Time {
	now := r.clock.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func (r *Refresher) syncStorage(ctx context.Context, passID, start string) (int, error) {
	run, err := r.store.StartFetchRun(passID, "eia", EIAEndpoint+" from "+start)
	if err != nil {
		return 0, fmt.Errorf("start fetch run: %w", err)
	}

	obs, pages, fetchErr := r.eia.FetchStorage(ctx, start, "")
	for _, p := range pages {
		if _, err := r.store.StoreRawPayload("eia", fmt.Sprintf("%s?offset=%d", EIAEndpoint, p.Offset), p.Body); err != nil {
			r.logger.Warn("store EIA raw payload", "error", err)
		}
	}
	if fetchErr != nil {
		run.ErrorMessage = sql.NullString{String: fetchErr.Error(), Valid: true}
		if err := r.store.CompleteFetchRun(run); err != nil {
			r.logger.Warn("complete fetch run", "error", err)
		}
		return 0, fmt.Errorf("fetch EIA storage: %w", fetchErr)
	}

	if flags := ValidateStorage(obs); len(flags) > 0 {
		r.logger.Warn("EIA storage quality flags", "flags", QualityFlagsToJSON(flags))
	}
	if err := r.store.UpsertStorage(obs); err != nil {
		return 0, fmt.Errorf("save storage: %w", err)
	}
	metrics.ObservationsIngested.WithLabelValues("eia").Add(float64(len(obs)))

	run.Success = true
	run.RecordsStored = sql.NullInt64{Int64: int64(len(obs)), Valid: true}
	if err := r.store.CompleteFetchRun(run); err != nil {
		return 0, fmt.Errorf("complete fetch run: %w", err)
	}
	return len(obs), nil
}

// syncLiveDegreeDays logs fetch and parse failures and returns only store errors.
func (r *Refresher) syncLiveDegreeDays(ctx context.Context, passID string) error {
	run, err := r.store.StartFetchRun(passID, "cpc", "live")
	if err != nil {
		return fmt.Errorf("start fetch run: %w", err)
	}

	live, err := r.cpc.FetchLive(ctx)
	if err == nil {
		if _, perr := r.store.StoreRawPayload("cpc", "live/wsahddy.txt", live.HDDBody); perr != nil {
			r.logger.Warn("store CPC raw payload", "error", perr)
		}
		if _, perr := r.store.StoreRawPayload("cpc", "live/wsacddy.txt", live.CDDBody); perr != nil {
			r.logger.Warn("store CPC raw payload", "error", perr)
		}
		if flags := ValidateDegreeDays(live.Observation); len(flags) > 0 {
			err = fmt.Errorf("live CPC week %s rejected: %s", live.Observation.WeekEnd.Format(models.DateLayout), QualityFlagsToJSON(flags))
		}
	}
	if err != nil {
		r.logger.Warn("live CPC fetch failed", "error", err)
		run.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
		if cerr := r.store.CompleteFetchRun(run); cerr != nil {
			return fmt.Errorf("complete fetch run: %w", cerr)
		}
		return nil
	}

	if err := r.store.UpsertDegreeDays([]models.DegreeDayObservation{live.Observation}); err != nil {
		return fmt.Errorf("save live degree days: %w", err)
	}
	metrics.ObservationsIngested.WithLabelValues("cpc").Inc()
	r.logger.Info("updated live CPC week", "week", live.Observation.WeekEnd.Format(models.DateLayout),
		"hdd", live.Observation.HDD, "cdd", live.Observation.CDD)

	run.Success = true
	run.RecordsStored = sql.NullInt64{Int64: 1, Valid: true}
	if err := r.store.CompleteFetchRun(run); err != nil {
		return fmt.Errorf("complete fetch run: %w", err)
	}
	return nil
}

func (r *Refresher) syncDegreeDayArchive(ctx context.Context, passID string, start time.Time) (int, error) {
	existing, err := r.store.GetDegreeDays(nil, nil)
	if err != nil {
		return 0, fmt.Errorf("load cached degree days: %w", err)
	}
	have := make(map[time.Time]bool, len(existing))
	for _, o := range existing {
		have[o.WeekEnd] = true
	}

	run, err := r.store.StartFetchRun(passID, "cpc", "archive from "+start.Format(models.DateLayout))
	if err != nil {
		return 0, fmt.Errorf("start fetch run: %w", err)
	}

	saved, err := r.cpc.FetchHistoryRange(ctx, start, r.today(), have, func(o models.DegreeDayObservation) error {
		if flags := ValidateDegreeDays(o); len(flags) > 0 {
			r.logger.Warn("skipping CPC week", "week", o.WeekEnd.Format(models.DateLayout), "flags", QualityFlagsToJSON(flags))
			return nil
		}
		if err := r.store.UpsertDegreeDays([]models.DegreeDayObservation{o}); err != nil {
			return fmt.Errorf("save degree days %s: %w", o.WeekEnd.Format(models.DateLayout), err)
		}
		metrics.ObservationsIngested.WithLabelValues("cpc").Inc()
		return nil
	})

	run.Success = err == nil
	run.RecordsStored = sql.NullInt64{Int64: int64(saved), Valid: true}
	if err != nil {
		run.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
	}
	if cerr := r.store.CompleteFetchRun(run); cerr != nil && err == nil {
		err = fmt.Errorf("complete fetch run: %w", cerr)
	}
	return saved, err
}
