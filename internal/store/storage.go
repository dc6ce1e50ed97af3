package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lox/gasflow/internal/models"
)

// UpsertStorage writes raw storage levels for the batch, then recomputes
// implied flows over the whole period-sorted series. Batch order does not
// matter.
func (s *Store) UpsertStorage(obs []models.StorageObservation) error {
	if len(obs) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin upsert storage: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO eia_storage (period, storage_bcf)
		VALUES (?, ?)
		ON CONFLICT(period) DO UPDATE SET storage_bcf = excluded.storage_bcf
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert storage: %w", err)
	}
	defer stmt.Close()

	for _, o := range obs {
		if _, err := stmt.Exec(o.Period.Format(models.DateLayout), o.StorageBcf); err != nil {
			return fmt.Errorf("upsert storage %s: %w", o.Period.Format(models.DateLayout), err)
		}
	}

	if err := recomputeImpliedFlows(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// RecomputeAllImpliedFlows repairs implied flow for every stored period in a
// single pass over the period-sorted series.
func (s *Store) RecomputeAllImpliedFlows() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin recompute implied flows: %w", err)
	}
	defer tx.Rollback()

	if err := recomputeImpliedFlows(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func recomputeImpliedFlows(tx *sql.Tx) error {
	rows, err := tx.Query(`SELECT period, storage_bcf FROM eia_storage ORDER BY period ASC`)
	if err != nil {
		return fmt.Errorf("read storage levels: %w", err)
	}

	type level struct {
		period  string
		storage float64
	}
	var levels []level
	for rows.Next() {
		var l level
		if err := rows.Scan(&l.period, &l.storage); err != nil {
			rows.Close()
			return err
		}
		levels = append(levels, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`UPDATE eia_storage SET implied_flow = ? WHERE period = ?`)
	if err != nil {
		return fmt.Errorf("prepare implied flow update: %w", err)
	}
	defer stmt.Close()

	for i, l := range levels {
		var flow sql.NullFloat64
		if i > 0 {
			flow = sql.NullFloat64{Float64: l.storage - levels[i-1].storage, Valid: true}
		}
		if _, err := stmt.Exec(flow, l.period); err != nil {
			return fmt.Errorf("update implied flow %s: %w", l.period, err)
		}
	}
	return nil
}

// GetStorage returns storage observations ordered by period. Either bound may be nil.
func (s *Store) GetStorage(start, end *time.Time) ([]models.StorageObservation, error) {
	where, args := dateRange("period", start, end)
	rows, err := s.db.Query(`SELECT period, storage_bcf, implied_flow FROM eia_storage`+where+` ORDER BY period ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query storage: %w", err)
	}
	defer rows.Close()

	var out []models.StorageObservation
	for rows.Next() {
		var period string
		var o models.StorageObservation
		if err := rows.Scan(&period, &o.StorageBcf, &o.ImpliedFlow); err != nil {
			return nil, err
		}
		if o.Period, err = models.ParseDate(period); err != nil {
			return nil, fmt.Errorf("parse period %q: %w", period, err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// GetLatestStorage returns the most recent storage report, or nil if none.
func (s *Store) GetLatestStorage() (*models.StorageObservation, error) {
	var period string
	var o models.StorageObservation
	err := s.db.QueryRow(`
		SELECT period, storage_bcf, implied_flow
		FROM eia_storage
		ORDER BY period DESC
		LIMIT 1
	`).Scan(&period, &o.StorageBcf, &o.ImpliedFlow)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest storage: %w", err)
	}
	if o.Period, err = models.ParseDate(period); err != nil {
		return nil, fmt.Errorf("parse period %q: %w", period, err)
	}
	return &o, nil
}

func (s *Store) GetLatestStoragePeriod() (time.Time, bool, error) {
	return s.maxDate(`SELECT MAX(period) FROM eia_storage`)
}

func (s *Store) UpsertDegreeDays(obs []models.DegreeDayObservation) error {
	if len(obs) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin upsert degree days: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO noaa_cpc_degree_days (week_end_date, hdd, cdd)
		VALUES (?, ?, ?)
		ON CONFLICT(week_end_date) DO UPDATE SET
			hdd = excluded.hdd,
			cdd = excluded.cdd
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert degree days: %w", err)
	}
	defer stmt.Close()

	for _, o := range obs {
		if _, err := stmt.Exec(o.WeekEnd.Format(models.DateLayout), o.HDD, o.CDD); err != nil {
			return fmt.Errorf("upsert degree days %s: %w", o.WeekEnd.Format(models.DateLayout), err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetDegreeDays(start, end *time.Time) ([]models.DegreeDayObservation, error) {
	where, args := dateRange("week_end_date", start, end)
	rows, err := s.db.Query(`SELECT week_end_date, hdd, cdd FROM noaa_cpc_degree_days`+where+` ORDER BY week_end_date ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query degree days: %w", err)
	}
	defer rows.Close()

	var out []models.DegreeDayObservation
	for rows.Next() {
		var weekEnd string
		var o models.DegreeDayObservation
		if err := rows.Scan(&weekEnd, &o.HDD, &o.CDD); err != nil {
			return nil, err
		}
		if o.WeekEnd, err = models.ParseDate(weekEnd); err != nil {
			return nil, fmt.Errorf("parse week_end_date %q: %w", weekEnd, err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) GetLatestDegreeDayWeek() (time.Time, bool, error) {
	return s.maxDate(`SELECT MAX(week_end_date) FROM noaa_cpc_degree_days`)
}

// GetRegressionDataset joins each storage report to the CPC week ending the
// day before it, drops rows without an implied flow, and returns the most
// recent lookbackWeeks rows oldest first. A non-positive lookback returns
// every row.
func (s *Store) GetRegressionDataset(lookbackWeeks int) ([]models.RegressionRow, error) {
	limit := lookbackWeeks
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT s.period, s.storage_bcf, s.implied_flow, d.hdd, d.cdd
		FROM eia_storage s
		INNER JOIN noaa_cpc_degree_days d
			ON s.period = date(d.week_end_date, '+1 day')
		WHERE s.implied_flow IS NOT NULL
		ORDER BY s.period DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query regression dataset: %w", err)
	}
	defer rows.Close()

	var out []models.RegressionRow
	for rows.Next() {
		var period string
		var r models.RegressionRow
		if err := rows.Scan(&period, &r.StorageBcf, &r.ImpliedFlow, &r.HDD, &r.CDD); err != nil {
			return nil, err
		}
		if r.Period, err = models.ParseDate(period); err != nil {
			return nil, fmt.Errorf("parse period %q: %w", period, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) maxDate(query string) (time.Time, bool, error) {
	var v sql.NullString
	if err := s.db.QueryRow(query).Scan(&v); err != nil {
		return time.Time{}, false, err
	}
	if !v.Valid || v.String == "" {
		return time.Time{}, false, nil
	}
	t, err := models.ParseDate(v.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse date %q: %w", v.String, err)
	}
	return t, true, nil
}

func dateRange(column string, start, end *time.Time) (string, []any) {
	var clauses []string
	var args []any
	if start != nil {
		clauses = append(clauses, column+" >= ?")
		args = append(args, start.Format(models.DateLayout))
	}
	if end != nil {
		clauses = append(clauses, column+" <= ?")
		args = append(args, end.Format(models.DateLayout))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
