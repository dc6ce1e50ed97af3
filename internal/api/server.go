package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lox/gasflow/internal/models"
	"github.com/lox/gasflow/internal/normals"
	"github.com/lox/gasflow/internal/store"
)

// Server exposes cached cycles, storage history and regression output as JSON.
type Server struct {
	store   *store.Store
	catalog *models.Catalog
	normals *normals.Table
	clock   clockwork.Clock
	logger  *slog.Logger
	addr    string
}

func NewServer(st *store.Store, catalog *models.Catalog, addr string, logger *slog.Logger) *Server {
	return &Server{
		store:   st,
		catalog: catalog,
		normals: normals.Synthetic(),
		clock:   clockwork.NewRealClock(),
		logger:  logger.With("component", "api"),
		addr:    addr,
	}
}

// SetClock overrides the clock used for freshness checks.
func (s *Server) SetClock(c clockwork.Clock) {
	s.clock = c
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/models", s.handleModels)
	mux.HandleFunc("GET /api/cycles/{model}", s.handleCycle)
	mux.HandleFunc("GET /api/trend/{model}", s.handleTrend)
	mux.HandleFunc("GET /api/changes/{model}", s.handleChanges)
	mux.HandleFunc("GET /api/departures/{model}", s.handleDepartures)
	mux.HandleFunc("GET /api/storage", s.handleStorage)
	mux.HandleFunc("GET /api/regression/dataset", s.handleDataset)
	mux.HandleFunc("GET /api/regression/coefficients", s.handleCoefficients)
	mux.HandleFunc("GET /api/regression/rolling", s.handleRolling)
	mux.HandleFunc("GET /api/projection/{model}", s.handleProjection)
	mux.HandleFunc("GET /api/fetch-failures", s.handleFetchFailures)
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("listening", "addr", s.addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type HealthStatus struct {
	Status           string     `json:"status"`
	SchemaVersion    int        `json:"schema_version"`
	LatestStorage    *time.Time `json:"latest_storage,omitempty"`
	LatestDegreeDays *time.Time `json:"latest_degree_days,omitempty"`
	StorageStale     bool       `json:"storage_stale"`
}

// storage reports are weekly; two missed releases means the refresh is stuck
const staleStorageAfter = 15 * 24 * time.Hour

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	version, err := s.store.MigrationVersion()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
		return
	}
	health := HealthStatus{Status: "ok", SchemaVersion: version}

	if latest, ok, err := s.store.GetLatestStoragePeriod(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
		return
	} else if ok {
		health.LatestStorage = &latest
		health.StorageStale = s.clock.Since(latest) > staleStorageAfter
	}
	if latest, ok, err := s.store.GetLatestDegreeDayWeek(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
		return
	} else if ok {
		health.LatestDegreeDays = &latest
	}

	if health.StorageStale {
		health.Status = "stale"
	}
	writeJSON(w, http.StatusOK, health)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
