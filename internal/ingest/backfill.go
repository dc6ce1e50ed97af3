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

	"github.com/lox/gasflow/internal/cycles"
	"github.com/lox/gasflow/internal/metrics"
	"github.com/lox/gasflow/internal/models"
	"github.com/lox/gasflow/internal/store"
)

// PassResult summarises one backfill pass.
type PassResult struct {
	PassID    string
	Attempted int
	Fetched   int
	Failed    int
	Skipped   int // unknown models
}

// Backfiller fetches every expected cycle in the lookback window that is
// missing from the store. Each missing cycle gets one attempt per pass.
type Backfiller struct {
	store    *store.Store
	provider Provider
	catalog  *models.Catalog
	clock    clockwork.Clock
	logger   *slog.Logger

	Lookback time.Duration
}

func NewBackfiller(st *store.Store, provider Provider, catalog *models.Catalog, clock clockwork.Clock, logger *slog.Logger) *Backfiller {
	return &Backfiller{
		store:    st,
		provider: provider,
		catalog:  catalog,
		clock:    clock,
		logger:   logger.With("component", "backfill"),
		Lookback: cycles.DefaultLookback,
	}
}

// RunOnce reconciles each named model. Provider and completeness failures are
// logged and recorded but never stop sibling cycles; a store error ends the
// pass and is returned.
func (b *Backfiller) RunOnce(ctx context.Context, modelNames []string) (PassResult, error) {
	res := PassResult{PassID: uuid.NewString()}
	now := b.clock.Now()

	for _, name := range modelNames {
		spec, ok := b.catalog.Get(name)
		if !ok {
			b.logger.Warn("unknown model, skipping", "model", name)
			res.Skipped++
			continue
		}

		have, err := b.store.ListCycles(name)
		if err != nil {
			return res, fmt.Errorf("list cycles for %s: %w", name, err)
		}

		expected := cycles.ForModel(spec, now, b.Lookback)
		// oldest first so an interrupted pass leaves the newest gaps for next time
		for i := len(expected) - 1; i >= 0; i-- {
			id := expected[i]
			if have[id] {
				continue
			}
			if err := ctx.Err(); err != nil {
				return res, err
			}

			res.Attempted++
			stored, err := b.fetchCycle(ctx, res.PassID, spec, id)
			if err != nil {
				return res, err
			}
			if stored {
				res.Fetched++
			} else {
				res.Failed++
			}
		}
	}

	b.logger.Info("pass complete", "pass_id", res.PassID, "attempted", res.Attempted,
		"fetched", res.Fetched, "failed", res.Failed, "skipped", res.Skipped)
	return res, nil
}

// fetchCycle returns stored=false for a per-cycle failure and a non-nil error
// only for store failures or cancellation.
func (b *Backfiller) fetchCycle(ctx context.Context, passID string, spec models.ModelSpec, id models.CycleID) (bool, error) {
	run, err := b.store.StartFetchRun(passID, id.Model, id.String())
	if err != nil {
		return false, fmt.Errorf("start fetch run: %w", err)
	}

	b.logger.Info("fetching cycle", "model", spec.Description, "cycle", id.String())
	start := b.clock.Now()
	days, err := b.provider.FetchCycle(ctx, id)
	metrics.ProviderLatency.WithLabelValues(id.Model).Observe(b.clock.Since(start).Seconds())

	if err != nil && ctx.Err() != nil {
		return false, ctx.Err()
	}

	fail := func(reason string, cause error) (bool, error) {
		metrics.BackfillFailures.WithLabelValues(id.Model, reason).Inc()
		b.logger.Warn("cycle failed", "cycle", id.String(), "reason", reason, "error", cause)
		run.ErrorMessage = sql.NullString{String: cause.Error(), Valid: true}
		if err := b.store.CompleteFetchRun(run); err != nil {
			return false, fmt.Errorf("complete fetch run: %w", err)
		}
		return false, nil
	}

	if err != nil {
		return fail(failureReason(err), err)
	}
	if len(days) == 0 {
		return fail("empty", errors.New("no data returned"))
	}
	if flags := ValidateSeries(days); len(flags) > 0 {
		return fail("invalid", fmt.Errorf("invalid series: %s", QualityFlagsToJSON(flags)))
	}

	if err := b.store.UpsertCycle(id, days); err != nil {
		return false, fmt.Errorf("store %s: %w", id, err)
	}
	metrics.CyclesCached.WithLabelValues(id.Model).Inc()
	b.logger.Info("cached cycle", "cycle", id.String(), "days", len(days))

	run.Success = true
	run.RecordsStored = sql.NullInt64{Int64: int64(len(days)), Valid: true}
	if err := b.store.CompleteFetchRun(run); err != nil {
		return true, fmt.Errorf("complete fetch run: %w", err)
	}
	return true, nil
}

func failureReason(err error) string {
	var incomplete *IncompleteRunError
	if errors.As(err, &incomplete) {
		return "incomplete"
	}
	return "provider"
}
