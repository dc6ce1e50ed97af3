package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lox/gasflow/internal/models"
)

// Store owns every persisted row: forecast cycles, weekly storage and CPC
// degree days, plus the fetch audit tables. Callers get copies.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// UpsertCycle writes one row per valid date, replacing rows that share
// (model, run_date, run_hour, valid_date).
func (s *Store) UpsertCycle(id models.CycleID, days []models.DailyDegreeDays) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin upsert cycle %s: %w", id, err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO forecasts (model, run_date, run_hour, valid_date, hdd, cdd)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(model, run_date, run_hour, valid_date) DO UPDATE SET
			hdd = excluded.hdd,
			cdd = excluded.cdd,
			created_at = CURRENT_TIMESTAMP
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert cycle: %w", err)
	}
	defer stmt.Close()

	for _, d := range days {
		if _, err := stmt.Exec(id.Model, id.DateString(), id.Hour, d.ValidDate.Format(models.DateLayout), d.HDD, d.CDD); err != nil {
			return fmt.Errorf("upsert %s valid %s: %w", id, d.ValidDate.Format(models.DateLayout), err)
		}
	}
	return tx.Commit()
}

// GetCycle returns the stored series ordered by valid date. ok is false when
// no rows exist for the cycle.
func (s *Store) GetCycle(id models.CycleID) ([]models.DailyDegreeDays, bool, error) {
	rows, err := s.db.Query(`
		SELECT valid_date, hdd, cdd
		FROM forecasts
		WHERE model = ? AND run_date = ? AND run_hour = ?
		ORDER BY valid_date ASC
	`, id.Model, id.DateString(), id.Hour)
	if err != nil {
		return nil, false, fmt.Errorf("query cycle %s: %w", id, err)
	}
	defer rows.Close()

	var days []models.DailyDegreeDays
	for rows.Next() {
		var validDate string
		var d models.DailyDegreeDays
		if err := rows.Scan(&validDate, &d.HDD, &d.CDD); err != nil {
			return nil, false, err
		}
		if d.ValidDate, err = models.ParseDate(validDate); err != nil {
			return nil, false, fmt.Errorf("parse valid_date %q: %w", validDate, err)
		}
		days = append(days, d)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	return days, len(days) > 0, nil
}

// ListCycles returns the distinct cycle identities cached for a model.
func (s *Store) ListCycles(model string) (map[models.CycleID]bool, error) {
	ids, err := s.cycleIDs(model, -1)
	if err != nil {
		return nil, err
	}
	set := make(map[models.CycleID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

// GetRecentCycles returns up to n cycles, most recent first by (date, hour).
func (s *Store) GetRecentCycles(model string, n int) ([]models.Cycle, error) {
	ids, err := s.cycleIDs(model, n)
	if err != nil {
		return nil, err
	}

	cycles := make([]models.Cycle, 0, len(ids))
	for _, id := range ids {
		days, ok, err := s.GetCycle(id)
		if err != nil {
			return nil, err
		}
		if ok {
			cycles = append(cycles, models.Cycle{ID: id, Days: days})
		}
	}
	return cycles, nil
}

// GetCycleByOffset resolves the cycle exactly hoursBack hours before the
// anchor. It does not search for the nearest cached cycle.
func (s *Store) GetCycleByOffset(anchor models.CycleID, hoursBack int) ([]models.DailyDegreeDays, bool, error) {
	target := models.NewCycleID(anchor.Model, anchor.Time().Add(-time.Duration(hoursBack)*time.Hour))
	return s.GetCycle(target)
}

// cycleIDs lists distinct cycles newest first; limit < 0 means no limit.
func (s *Store) cycleIDs(model string, limit int) ([]models.CycleID, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT run_date, run_hour
		FROM forecasts
		WHERE model = ?
		ORDER BY run_date DESC, run_hour DESC
		LIMIT ?
	`, model, limit)
	if err != nil {
		return nil, fmt.Errorf("list cycles for %s: %w", model, err)
	}
	defer rows.Close()

	var ids []models.CycleID
	for rows.Next() {
		var runDate string
		var hour int
		if err := rows.Scan(&runDate, &hour); err != nil {
			return nil, err
		}
		date, err := models.ParseDate(runDate)
		if err != nil {
			return nil, fmt.Errorf("parse run_date %q: %w", runDate, err)
		}
		ids = append(ids, models.CycleID{Model: model, Date: date, Hour: hour})
	}
	return ids, rows.Err()
}
