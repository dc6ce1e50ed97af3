package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lox/gasflow/internal/models"
	"github.com/lox/gasflow/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestStore(t *testing.T) (*store.Store, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st := store.New(db)
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st, db
}

func mustDate(s string) time.Time {
	d, err := models.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func weekSeries(start time.Time, n int) []models.DailyDegreeDays {
	out := make([]models.DailyDegreeDays, n)
	for i := range out {
		out[i] = models.DailyDegreeDays{
			ValidDate: start.AddDate(0, 0, i),
			HDD:       30 + float64(i),
			CDD:       float64(i) / 4,
		}
	}
	return out
}

// fakeProvider returns a fixed series per call unless an error is configured
// for the cycle.
type fakeProvider struct {
	mu     sync.Mutex
	calls  []models.CycleID
	errs   map[string]error
	series map[string][]models.DailyDegreeDays
	onCall func(n int)
}

func (p *fakeProvider) FetchCycle(ctx context.Context, id models.CycleID) ([]models.DailyDegreeDays, error) {
	p.mu.Lock()
	p.calls = append(p.calls, id)
	n := len(p.calls)
	p.mu.Unlock()

	if p.onCall != nil {
		p.onCall(n)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err, ok := p.errs[id.String()]; ok {
		return nil, err
	}
	if s, ok := p.series[id.String()]; ok {
		return s, nil
	}
	return weekSeries(id.Date, 7), nil
}

func (p *fakeProvider) Calls() []models.CycleID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.CycleID(nil), p.calls...)
}

// fakeArchive serves CPC archive files from memory.
type fakeArchive struct {
	files   map[string][]byte
	fetched []string
}

func (a *fakeArchive) Fetch(_ context.Context, path string) ([]byte, error) {
	a.fetched = append(a.fetched, path)
	if b, ok := a.files[path]; ok {
		return b, nil
	}
	return nil, ErrArchiveMissing
}

func (a *fakeArchive) Close() error { return nil }

// cpcFile renders a weekly CPC text file in the published fixed-width layout.
func cpcFile(weekEnd time.Time, total int) []byte {
	date := fmt.Sprintf("%s %2d, %d", [...]string{"", "JAN", "FEB", "MAR", "APR", "MAY", "JUN", "JUL", "AUG", "SEP", "OCT", "NOV", "DEC"}[weekEnd.Month()], weekEnd.Day(), weekEnd.Year())
	return []byte(fmt.Sprintf(`
                  HEATING DEGREE DAY DATA WEEKLY SUMMARY
          POPULATION-WEIGHTED STATE,REGIONAL,AND NATIONAL AVERAGES
 LAST DATE OF DATA COLLECTION PERIOD IS %s

   STATE       WEEK  WEEK  WEEK   CUM   CUM   CUM   CUM   CUM
                TOTAL  DEV   DEV  TOTAL  DEV   DEV   DEV   DEV
 ALABAMA          120   10    30   1500  -100   90    -6     5
 UNITED STATES    %d   19    57   2699  -155   115    -5     4
 UNITED STATES    999    0     0      0     0     0     0     0
`, date, total))
}
