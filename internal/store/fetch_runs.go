package store

import (
	"database/sql"
	"fmt"
	"time"
)

// FetchRun records one provider fetch attempt for auditing.
type FetchRun struct {
	ID            int64
	PassID        string
	StartedAt     time.Time
	FinishedAt    sql.NullTime
	Source        string // "gfs", "eia", "cpc", ...
	Target        string // cycle or period fetched
	RecordsStored sql.NullInt64
	Success       bool
	ErrorMessage  sql.NullString
}

// StartFetchRun creates a fetch run record and returns it.
func (s *Store) StartFetchRun(passID, source, target string) (*FetchRun, error) {
	run := &FetchRun{
		PassID:    passID,
		StartedAt: time.Now().UTC(),
		Source:    source,
		Target:    target,
	}

	result, err := s.db.Exec(`
		INSERT INTO fetch_runs (pass_id, started_at, source, target, success)
		VALUES (?, ?, ?, ?, FALSE)
	`, run.PassID, run.StartedAt, run.Source, run.Target)
	if err != nil {
		return nil, fmt.Errorf("insert fetch run: %w", err)
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteFetchRun stamps the finish time and outcome.
func (s *Store) CompleteFetchRun(run *FetchRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	_, err := s.db.Exec(`
		UPDATE fetch_runs SET
			finished_at = ?,
			records_stored = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.RecordsStored, run.Success, run.ErrorMessage, run.ID)
	return err
}

// GetRecentFetchFailures returns the latest failed fetch runs, newest first.
func (s *Store) GetRecentFetchFailures(limit int) ([]FetchRun, error) {
	rows, err := s.db.Query(`
		SELECT id, pass_id, started_at, finished_at, source, target,
		       records_stored, success, error_message
		FROM fetch_runs
		WHERE success = FALSE
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []FetchRun
	for rows.Next() {
		var r FetchRun
		if err := rows.Scan(&r.ID, &r.PassID, &r.StartedAt, &r.FinishedAt, &r.Source, &r.Target,
			&r.RecordsStored, &r.Success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
