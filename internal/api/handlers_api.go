package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/lox/gasflow/internal/models"
	"github.com/lox/gasflow/internal/normals"
	"github.com/lox/gasflow/internal/regression"
)

type ModelInfo struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	CycleHours    int    `json:"cycle_hours"`
	DelayHours    int    `json:"delay_hours"`
	ForecastHours []int  `json:"forecast_hours"`
}

type CycleResponse struct {
	Model string                   `json:"model"`
	Date  string                   `json:"date"`
	Hour  int                      `json:"hour"`
	Days  []models.DailyDegreeDays `json:"days"`
}

type TrendResponse struct {
	Model  string     `json:"model"`
	Cycles []string   `json:"cycles"`
	Rows   []TrendRow `json:"rows"`
}

type TrendRow struct {
	ValidDate string     `json:"valid_date"`
	HDD       []*float64 `json:"hdd"`
	CDD       []*float64 `json:"cdd"`
}

type ChangesResponse struct {
	Current  string      `json:"current"`
	HoursAgo int         `json:"hours_ago"`
	Changes  []DayChange `json:"changes"`
}

type DayChange struct {
	ValidDate string  `json:"valid_date"`
	HDD       float64 `json:"hdd"`
	CDD       float64 `json:"cdd"`
	DeltaHDD  float64 `json:"delta_hdd"`
	DeltaCDD  float64 `json:"delta_cdd"`
}

type StoragePoint struct {
	Period      string   `json:"period"`
	StorageBcf  float64  `json:"storage_bcf"`
	ImpliedFlow *float64 `json:"implied_flow"`
}

type ProjectionResponse struct {
	Cycle           string                     `json:"cycle"`
	StartingPeriod  string                     `json:"starting_period"`
	StartingStorage float64                    `json:"starting_storage"`
	Coefficients    regression.Coefficients    `json:"coefficients"`
	Weeks           []regression.ProjectedWeek `json:"weeks"`
}

type FetchFailure struct {
	PassID    string    `json:"pass_id"`
	StartedAt time.Time `json:"started_at"`
	Source    string    `json:"source"`
	Target    string    `json:"target"`
	Error     string    `json:"error"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	specs := s.catalog.Distinct()
	out := make([]ModelInfo, 0, len(specs))
	for _, spec := range specs {
		out = append(out, ModelInfo{
			Name:          spec.Name,
			Description:   spec.Description,
			CycleHours:    spec.CycleHours,
			DelayHours:    spec.DelayHours,
			ForecastHours: spec.ForecastHours,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type badRequest struct{ msg string }

func (e badRequest) Error() string { return e.msg }

// resolveCycle picks the cycle named by ?date=&hour=, or the newest cached one.
func (s *Server) resolveCycle(r *http.Request) (models.Cycle, bool, error) {
	model := r.PathValue("model")
	if _, ok := s.catalog.Get(model); !ok {
		return models.Cycle{}, false, badRequest{fmt.Sprintf("unknown model %q", model)}
	}

	if ds := r.URL.Query().Get("date"); ds != "" {
		date, err := models.ParseDate(ds)
		if err != nil {
			return models.Cycle{}, false, badRequest{fmt.Sprintf("invalid date %q", ds)}
		}
		hour, err := strconv.Atoi(r.URL.Query().Get("hour"))
		if err != nil || hour < 0 || hour > 23 {
			return models.Cycle{}, false, badRequest{"hour must be 0-23"}
		}
		id := models.CycleID{Model: model, Date: date, Hour: hour}
		days, ok, err := s.store.GetCycle(id)
		if err != nil || !ok {
			return models.Cycle{}, false, err
		}
		return models.Cycle{ID: id, Days: days}, true, nil
	}

	recent, err := s.store.GetRecentCycles(model, 1)
	if err != nil || len(recent) == 0 {
		return models.Cycle{}, false, err
	}
	return recent[0], true, nil
}

// cycleOr404 writes the error response itself and reports whether to continue.
func (s *Server) cycleOr404(w http.ResponseWriter, r *http.Request) (models.Cycle, bool) {
	cycle, ok, err := s.resolveCycle(r)
	var bad badRequest
	switch {
	case errors.As(err, &bad):
		writeError(w, http.StatusBadRequest, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	case !ok:
		writeError(w, http.StatusNotFound, errors.New("cycle not cached"))
	default:
		return cycle, true
	}
	return cycle, false
}

func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	cycle, ok := s.cycleOr404(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, CycleResponse{
		Model: cycle.ID.Model,
		Date:  cycle.ID.DateString(),
		Hour:  cycle.ID.Hour,
		Days:  cycle.Days,
	})
}

func (s *Server) handleTrend(w http.ResponseWriter, r *http.Request) {
	model := r.PathValue("model")
	if _, ok := s.catalog.Get(model); !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown model %q", model))
		return
	}
	n, err := intParam(r, "n", 5)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	cycles, err := s.store.GetRecentCycles(model, n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := TrendResponse{Model: model, Cycles: make([]string, len(cycles)), Rows: []TrendRow{}}
	for i, c := range cycles {
		resp.Cycles[i] = c.ID.String()
	}
	for _, row := range models.TrendTable(cycles) {
		tr := TrendRow{
			ValidDate: row.ValidDate.Format(models.DateLayout),
			HDD:       make([]*float64, len(row.Values)),
			CDD:       make([]*float64, len(row.Values)),
		}
		for i, v := range row.Values {
			if v != nil {
				tr.HDD[i] = &v.HDD
				tr.CDD[i] = &v.CDD
			}
		}
		resp.Rows = append(resp.Rows, tr)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	hours, err := intParam(r, "hours", 24)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cycle, ok := s.cycleOr404(w, r)
	if !ok {
		return
	}

	previous, ok, err := s.store.GetCycleByOffset(cycle.ID, hours)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no cycle cached %dh before %s", hours, cycle.ID))
		return
	}

	resp := ChangesResponse{Current: cycle.ID.String(), HoursAgo: hours, Changes: []DayChange{}}
	for _, c := range models.DiffCycles(cycle.Days, previous) {
		resp.Changes = append(resp.Changes, DayChange{
			ValidDate: c.ValidDate.Format(models.DateLayout),
			HDD:       c.HDD,
			CDD:       c.CDD,
			DeltaHDD:  c.DeltaHDD,
			DeltaCDD:  c.DeltaCDD,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDepartures(w http.ResponseWriter, r *http.Request) {
	cycle, ok := s.cycleOr404(w, r)
	if !ok {
		return
	}
	deps := s.normals.Departures(cycle.Days)
	if deps == nil {
		deps = []normals.Departure{}
	}
	writeJSON(w, http.StatusOK, deps)
}

func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request) {
	start, err := dateParam(r, "start")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	end, err := dateParam(r, "end")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	obs, err := s.store.GetStorage(start, end)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]StoragePoint, len(obs))
	for i, o := range obs {
		out[i] = StoragePoint{Period: o.Period.Format(models.DateLayout), StorageBcf: o.StorageBcf}
		if o.ImpliedFlow.Valid {
			f := o.ImpliedFlow.Float64
			out[i].ImpliedFlow = &f
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDataset(w http.ResponseWriter, r *http.Request) {
	weeks, err := intParam(r, "weeks", regression.Window)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rows, err := s.store.GetRegressionDataset(weeks)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if rows == nil {
		rows = []models.RegressionRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) fit(w http.ResponseWriter) (regression.Coefficients, bool) {
	rows, err := s.store.GetRegressionDataset(regression.Window)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return regression.Coefficients{}, false
	}
	c, err := regression.Fit(rows)
	var insufficient *regression.InsufficientDataError
	if errors.As(err, &insufficient) {
		writeError(w, http.StatusUnprocessableEntity, err)
		return c, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return c, false
	}
	return c, true
}

func (s *Server) handleCoefficients(w http.ResponseWriter, r *http.Request) {
	if c, ok := s.fit(w); ok {
		writeJSON(w, http.StatusOK, c)
	}
}

func (s *Server) handleRolling(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.GetRegressionDataset(0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	points := regression.FitRolling(rows)
	if points == nil {
		points = []regression.RollingPoint{}
	}
	writeJSON(w, http.StatusOK, points)
}

func (s *Server) handleProjection(w http.ResponseWriter, r *http.Request) {
	cycle, ok := s.cycleOr404(w, r)
	if !ok {
		return
	}
	latest, err := s.store.GetLatestStorage()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if latest == nil {
		writeError(w, http.StatusNotFound, errors.New("no storage history cached"))
		return
	}
	c, ok := s.fit(w)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, ProjectionResponse{
		Cycle:           cycle.ID.String(),
		StartingPeriod:  latest.Period.Format(models.DateLayout),
		StartingStorage: latest.StorageBcf,
		Coefficients:    c,
		Weeks:           regression.Project(c, cycle.Days, latest.StorageBcf),
	})
}

func (s *Server) handleFetchFailures(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	runs, err := s.store.GetRecentFetchFailures(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]FetchFailure, len(runs))
	for i, run := range runs {
		out[i] = FetchFailure{
			PassID:    run.PassID,
			StartedAt: run.StartedAt,
			Source:    run.Source,
			Target:    run.Target,
			Error:     run.ErrorMessage.String,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func dateParam(r *http.Request, name string) (*time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	t, err := models.ParseDate(v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q", name, v)
	}
	return &t, nil
}
