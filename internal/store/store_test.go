package store

import (
	"database/sql"
	"math/rand"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lox/gasflow/internal/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// every pooled connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store := New(db)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func date(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := models.ParseDate(s)
	if err != nil {
		t.Fatalf("parse date %q: %v", s, err)
	}
	return d
}

func cycleID(t *testing.T, model, day string, hour int) models.CycleID {
	return models.CycleID{Model: model, Date: date(t, day), Hour: hour}
}

func series(t *testing.T, start string, hdd ...float64) []models.DailyDegreeDays {
	t.Helper()
	first := date(t, start)
	out := make([]models.DailyDegreeDays, len(hdd))
	for i, h := range hdd {
		out[i] = models.DailyDegreeDays{ValidDate: first.AddDate(0, 0, i), HDD: h, CDD: float64(i) * 0.5}
	}
	return out
}

func TestMigrate_Idempotent(t *testing.T) {
	store := setupTestStore(t)
	if err := store.Migrate(); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	version, err := store.MigrationVersion()
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("version = %d, want %d", version, len(migrations))
	}
}

func TestUpsertAndGetCycle(t *testing.T) {
	store := setupTestStore(t)
	id := cycleID(t, "gfs", "2024-01-04", 0)
	want := series(t, "2024-01-04", 30, 31.5, 29, 27.25, 26, 25, 24)

	if err := store.UpsertCycle(id, want); err != nil {
		t.Fatalf("UpsertCycle: %v", err)
	}

	got, ok, err := store.GetCycle(id)
	if err != nil {
		t.Fatalf("GetCycle: %v", err)
	}
	if !ok {
		t.Fatal("GetCycle: cycle not found")
	}
	if len(got) != 7 {
		t.Fatalf("len(days) = %d, want 7", len(got))
	}
	for i := range want {
		if !got[i].ValidDate.Equal(want[i].ValidDate) {
			t.Errorf("day %d ValidDate = %s, want %s", i, got[i].ValidDate, want[i].ValidDate)
		}
		if got[i].HDD != want[i].HDD || got[i].CDD != want[i].CDD {
			t.Errorf("day %d = %+v, want %+v", i, got[i], want[i])
		}
		if i > 0 && !got[i].ValidDate.After(got[i-1].ValidDate) {
			t.Errorf("valid dates not ascending at %d", i)
		}
	}
}

func TestUpsertCycle_ReplacesWithoutDuplicates(t *testing.T) {
	store := setupTestStore(t)
	id := cycleID(t, "gfs", "2024-01-04", 6)

	if err := store.UpsertCycle(id, series(t, "2024-01-04", 10, 11, 12)); err != nil {
		t.Fatal(err)
	}
	last := series(t, "2024-01-04", 20, 21, 22)
	if err := store.UpsertCycle(id, last); err != nil {
		t.Fatal(err)
	}

	got, ok, err := store.GetCycle(id)
	if err != nil || !ok {
		t.Fatalf("GetCycle: ok=%v err=%v", ok, err)
	}
	if len(got) != 3 {
		t.Fatalf("len(days) = %d, want 3", len(got))
	}
	for i := range last {
		if got[i].HDD != last[i].HDD {
			t.Errorf("day %d HDD = %v, want %v", i, got[i].HDD, last[i].HDD)
		}
	}
}

func TestGetCycle_Absent(t *testing.T) {
	store := setupTestStore(t)

	days, ok, err := store.GetCycle(cycleID(t, "gfs", "2024-01-04", 0))
	if err != nil {
		t.Fatalf("GetCycle: %v", err)
	}
	if ok || days != nil {
		t.Errorf("GetCycle = %v, %v; want nil, false", days, ok)
	}
}

func TestListCycles(t *testing.T) {
	store := setupTestStore(t)
	ids := []models.CycleID{
		cycleID(t, "gfs", "2024-01-04", 0),
		cycleID(t, "gfs", "2024-01-04", 6),
		cycleID(t, "ecmwf", "2024-01-04", 0),
	}
	for _, id := range ids {
		if err := store.UpsertCycle(id, series(t, "2024-01-04", 1, 2)); err != nil {
			t.Fatal(err)
		}
	}

	set, err := store.ListCycles("gfs")
	if err != nil {
		t.Fatalf("ListCycles: %v", err)
	}
	if len(set) != 2 {
		t.Fatalf("len(set) = %d, want 2", len(set))
	}
	if !set[ids[0]] || !set[ids[1]] {
		t.Errorf("set = %v, missing gfs cycles", set)
	}
	if set[ids[2]] {
		t.Error("set contains ecmwf cycle")
	}
}

func TestGetRecentCycles_Order(t *testing.T) {
	store := setupTestStore(t)
	for _, id := range []models.CycleID{
		cycleID(t, "gfs", "2024-01-03", 18),
		cycleID(t, "gfs", "2024-01-04", 12),
		cycleID(t, "gfs", "2024-01-04", 6),
		cycleID(t, "gfs", "2024-01-04", 18),
	} {
		if err := store.UpsertCycle(id, series(t, "2024-01-05", 1)); err != nil {
			t.Fatal(err)
		}
	}

	cycles, err := store.GetRecentCycles("gfs", 3)
	if err != nil {
		t.Fatalf("GetRecentCycles: %v", err)
	}
	want := []string{"gfs 2024-01-04 18z", "gfs 2024-01-04 12z", "gfs 2024-01-04 06z"}
	if len(cycles) != len(want) {
		t.Fatalf("len(cycles) = %d, want %d", len(cycles), len(want))
	}
	for i, c := range cycles {
		if c.ID.String() != want[i] {
			t.Errorf("cycles[%d] = %s, want %s", i, c.ID, want[i])
		}
		if len(c.Days) != 1 {
			t.Errorf("cycles[%d] has %d days, want 1", i, len(c.Days))
		}
	}
}

func TestGetCycleByOffset(t *testing.T) {
	store := setupTestStore(t)
	prev := cycleID(t, "gfs", "2023-12-31", 18)
	if err := store.UpsertCycle(prev, series(t, "2024-01-01", 40)); err != nil {
		t.Fatal(err)
	}

	anchor := cycleID(t, "gfs", "2024-01-01", 0)

	days, ok, err := store.GetCycleByOffset(anchor, 6)
	if err != nil {
		t.Fatalf("GetCycleByOffset: %v", err)
	}
	if !ok || len(days) != 1 || days[0].HDD != 40 {
		t.Errorf("GetCycleByOffset(6) = %v, %v; want the 2023-12-31 18z run", days, ok)
	}

	// exact offset only: 12 hours back is 12z, which is not cached
	_, ok, err = store.GetCycleByOffset(anchor, 12)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("GetCycleByOffset(12) found a cycle, want absent")
	}
}

func TestRecomputeImpliedFlows_Example(t *testing.T) {
	store := setupTestStore(t)
	err := store.UpsertStorage([]models.StorageObservation{
		{Period: date(t, "2024-01-19"), StorageBcf: 110},
		{Period: date(t, "2024-01-05"), StorageBcf: 100},
		{Period: date(t, "2024-01-12"), StorageBcf: 95},
	})
	if err != nil {
		t.Fatalf("UpsertStorage: %v", err)
	}
	if err := store.RecomputeAllImpliedFlows(); err != nil {
		t.Fatalf("RecomputeAllImpliedFlows: %v", err)
	}

	obs, err := store.GetStorage(nil, nil)
	if err != nil {
		t.Fatalf("GetStorage: %v", err)
	}
	if len(obs) != 3 {
		t.Fatalf("len(obs) = %d, want 3", len(obs))
	}
	if obs[0].ImpliedFlow.Valid {
		t.Errorf("first implied flow = %v, want null", obs[0].ImpliedFlow.Float64)
	}
	if !obs[1].ImpliedFlow.Valid || obs[1].ImpliedFlow.Float64 != -5 {
		t.Errorf("second implied flow = %+v, want -5", obs[1].ImpliedFlow)
	}
	if !obs[2].ImpliedFlow.Valid || obs[2].ImpliedFlow.Float64 != 15 {
		t.Errorf("third implied flow = %+v, want 15", obs[2].ImpliedFlow)
	}
}

func TestImpliedFlows_OrderIndependent(t *testing.T) {
	start := date(t, "2020-01-03")
	var all []models.StorageObservation
	for i := 0; i < 40; i++ {
		// irregular spacing near the start, like real report boundaries
		offset := i * 7
		if i > 0 && i < 3 {
			offset += 1
		}
		all = append(all, models.StorageObservation{
			Period:     start.AddDate(0, 0, offset),
			StorageBcf: 2000 + float64(i*i%37)*10,
		})
	}

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 3; trial++ {
		store := setupTestStore(t)
		shuffled := append([]models.StorageObservation(nil), all...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		// insert in several batches so each batch sees a partial history
		for i := 0; i < len(shuffled); i += 7 {
			end := min(i+7, len(shuffled))
			if err := store.UpsertStorage(shuffled[i:end]); err != nil {
				t.Fatalf("UpsertStorage: %v", err)
			}
		}
		if err := store.RecomputeAllImpliedFlows(); err != nil {
			t.Fatal(err)
		}

		got, err := store.GetStorage(nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != len(all) {
			t.Fatalf("len = %d, want %d", len(got), len(all))
		}
		for i := range got {
			if i == 0 {
				if got[i].ImpliedFlow.Valid {
					t.Errorf("trial %d: earliest implied flow should be null", trial)
				}
				continue
			}
			want := all[i].StorageBcf - all[i-1].StorageBcf
			if !got[i].ImpliedFlow.Valid || got[i].ImpliedFlow.Float64 != want {
				t.Errorf("trial %d period %s: implied flow = %+v, want %v",
					trial, got[i].Period.Format(models.DateLayout), got[i].ImpliedFlow, want)
			}
		}
	}
}

func TestGetStorage_Range(t *testing.T) {
	store := setupTestStore(t)
	if err := store.UpsertStorage([]models.StorageObservation{
		{Period: date(t, "2024-01-05"), StorageBcf: 100},
		{Period: date(t, "2024-01-12"), StorageBcf: 95},
		{Period: date(t, "2024-01-19"), StorageBcf: 110},
	}); err != nil {
		t.Fatal(err)
	}

	start := date(t, "2024-01-10")
	obs, err := store.GetStorage(&start, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(obs) != 2 {
		t.Fatalf("len(obs) = %d, want 2", len(obs))
	}

	latest, ok, err := store.GetLatestStoragePeriod()
	if err != nil || !ok {
		t.Fatalf("GetLatestStoragePeriod: ok=%v err=%v", ok, err)
	}
	if !latest.Equal(date(t, "2024-01-19")) {
		t.Errorf("latest = %s, want 2024-01-19", latest)
	}

	obsLatest, err := store.GetLatestStorage()
	if err != nil || obsLatest == nil {
		t.Fatalf("GetLatestStorage: %v %v", obsLatest, err)
	}
	if obsLatest.StorageBcf != 110 {
		t.Errorf("latest storage = %v, want 110", obsLatest.StorageBcf)
	}
}

func TestLatest_Empty(t *testing.T) {
	store := setupTestStore(t)

	if _, ok, err := store.GetLatestStoragePeriod(); err != nil || ok {
		t.Errorf("GetLatestStoragePeriod on empty store: ok=%v err=%v", ok, err)
	}
	if _, ok, err := store.GetLatestDegreeDayWeek(); err != nil || ok {
		t.Errorf("GetLatestDegreeDayWeek on empty store: ok=%v err=%v", ok, err)
	}
	if obs, err := store.GetLatestStorage(); err != nil || obs != nil {
		t.Errorf("GetLatestStorage on empty store = %v, %v", obs, err)
	}
}

func TestDegreeDays_Upsert(t *testing.T) {
	store := setupTestStore(t)
	week := date(t, "2024-01-04")
	if err := store.UpsertDegreeDays([]models.DegreeDayObservation{{WeekEnd: week, HDD: 200, CDD: 1}}); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertDegreeDays([]models.DegreeDayObservation{{WeekEnd: week, HDD: 210, CDD: 0}}); err != nil {
		t.Fatal(err)
	}

	dd, err := store.GetDegreeDays(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(dd) != 1 || dd[0].HDD != 210 {
		t.Errorf("degree days = %+v, want one row with HDD 210", dd)
	}
}

func seedRegression(t *testing.T, store *Store, weeks int) {
	t.Helper()
	firstThursday := date(t, "2021-01-07")
	var storage []models.StorageObservation
	var dd []models.DegreeDayObservation
	for i := 0; i < weeks; i++ {
		thu := firstThursday.AddDate(0, 0, 7*i)
		storage = append(storage, models.StorageObservation{Period: thu.AddDate(0, 0, 1), StorageBcf: 3000 - float64(i)})
		dd = append(dd, models.DegreeDayObservation{WeekEnd: thu, HDD: float64(100 + i), CDD: float64(i % 5)})
	}
	if err := store.UpsertStorage(storage); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertDegreeDays(dd); err != nil {
		t.Fatal(err)
	}
}

func TestGetRegressionDataset_Join(t *testing.T) {
	store := setupTestStore(t)
	seedRegression(t, store, 20)

	// a storage report with no matching CPC week must not appear
	if err := store.UpsertStorage([]models.StorageObservation{{Period: date(t, "2022-01-01"), StorageBcf: 1}}); err != nil {
		t.Fatal(err)
	}

	rows, err := store.GetRegressionDataset(156)
	if err != nil {
		t.Fatalf("GetRegressionDataset: %v", err)
	}
	// first storage period has a null implied flow and is dropped
	if len(rows) != 19 {
		t.Fatalf("len(rows) = %d, want 19", len(rows))
	}

	storage, err := store.GetStorage(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	periods := make(map[time.Time]bool)
	for _, o := range storage {
		periods[o.Period] = true
	}
	weeks, err := store.GetDegreeDays(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	weekEnds := make(map[time.Time]bool)
	for _, w := range weeks {
		weekEnds[w.WeekEnd] = true
	}

	for i, r := range rows {
		if !periods[r.Period] {
			t.Errorf("row %d period %s not a stored storage period", i, r.Period)
		}
		if !weekEnds[r.Period.AddDate(0, 0, -1)] {
			t.Errorf("row %d period %s has no CPC week ending the day before", i, r.Period)
		}
		if i > 0 && !r.Period.After(rows[i-1].Period) {
			t.Errorf("rows not oldest-first at %d", i)
		}
		if r.ImpliedFlow != -1 {
			t.Errorf("row %d implied flow = %v, want -1", i, r.ImpliedFlow)
		}
	}
}

func TestGetRegressionDataset_Lookback(t *testing.T) {
	store := setupTestStore(t)
	seedRegression(t, store, 30)

	rows, err := store.GetRegressionDataset(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 10 {
		t.Fatalf("len(rows) = %d, want 10", len(rows))
	}
	last, _, _ := store.GetLatestStoragePeriod()
	if !rows[9].Period.Equal(last) {
		t.Errorf("newest row = %s, want %s", rows[9].Period, last)
	}

	all, err := store.GetRegressionDataset(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 29 {
		t.Errorf("len(all) = %d, want 29", len(all))
	}
}

func TestFetchRuns(t *testing.T) {
	store := setupTestStore(t)

	ok, err := store.StartFetchRun("pass-1", "gfs", "gfs 2024-01-04 00z")
	if err != nil {
		t.Fatalf("StartFetchRun: %v", err)
	}
	ok.Success = true
	ok.RecordsStored = sql.NullInt64{Int64: 16, Valid: true}
	if err := store.CompleteFetchRun(ok); err != nil {
		t.Fatal(err)
	}

	failed, err := store.StartFetchRun("pass-1", "gfs", "gfs 2024-01-04 06z")
	if err != nil {
		t.Fatal(err)
	}
	failed.ErrorMessage = sql.NullString{String: "incomplete run", Valid: true}
	if err := store.CompleteFetchRun(failed); err != nil {
		t.Fatal(err)
	}

	failures, err := store.GetRecentFetchFailures(10)
	if err != nil {
		t.Fatalf("GetRecentFetchFailures: %v", err)
	}
	if len(failures) != 1 {
		t.Fatalf("len(failures) = %d, want 1", len(failures))
	}
	if failures[0].Target != "gfs 2024-01-04 06z" || failures[0].ErrorMessage.String != "incomplete run" {
		t.Errorf("failure = %+v", failures[0])
	}
	if !failures[0].FinishedAt.Valid {
		t.Error("FinishedAt not set")
	}
}

func TestRawPayloads(t *testing.T) {
	store := setupTestStore(t)
	payload := []byte(`{"response":{"total":1,"data":[{"period":"2024-01-05","value":"3000"}]}}`)

	id, err := store.StoreRawPayload("eia", "natural-gas/stor/wkly", payload)
	if err != nil {
		t.Fatalf("StoreRawPayload: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero payload id")
	}

	dup, err := store.StoreRawPayload("eia", "natural-gas/stor/wkly", payload)
	if err != nil {
		t.Fatal(err)
	}
	if dup != 0 {
		t.Errorf("duplicate payload id = %d, want 0", dup)
	}

	got, err := store.GetRawPayload(id)
	if err != nil {
		t.Fatalf("GetRawPayload: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("payload = %q, want %q", got, payload)
	}

	missing, err := store.GetRawPayload(id + 100)
	if err != nil || missing != nil {
		t.Errorf("GetRawPayload(missing) = %v, %v", missing, err)
	}

	removed, err := store.CleanupOldRawPayloads(30)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0 for fresh payloads", removed)
	}
}
