package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Prometheus metrics
	stageRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mobility_stage_runs_total",
		Help: "Total number of stage runs by outcome",
	}, []string{"stage", "status"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mobility_stage_duration_seconds",
		Help:    "Duration of pipeline stages",
		Buckets: []float64{0.1, 1, 5, 10, 30, 60, 300, 900},
	}, []string{"stage"})

	lastStageSuccess = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mobility_stage_last_success_timestamp_seconds",
		Help: "Unix time of the last successful run per stage",
	}, []string{"stage"})

	pipelineRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mobility_pipeline_run_duration_seconds",
		Help:    "Duration of chained pipeline runs",
		Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600},
	})

	partitionsSwapped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mobility_partitions_swapped_total",
		Help: "Total number of partitions replaced per store",
	}, []string{"store"})

	rowsPromoted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mobility_silver_rows_promoted_total",
		Help: "Total number of staging rows promoted to silver",
	})

	cleanRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mobility_quality_clean_rows_total",
		Help: "Total number of clean rows produced by the quality gate",
	})

	outliersRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mobility_quality_outliers_removed_total",
		Help: "Total number of rows removed as statistical outliers",
	})

	statsGroups = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mobility_zone_stats_groups",
		Help: "Number of groups in the current zone stats snapshot",
	})

	sourcesAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mobility_sources_available",
		Help: "Source files found by the last discovery",
	})
)

// HealthServer manages the HTTP health and metrics endpoints
type HealthServer struct {
	pipeline  *Pipeline
	port      string
	startTime time.Time
	server    *http.Server
	logger    zerolog.Logger
}

// NewHealthServer creates a new health server
func NewHealthServer(pipeline *Pipeline, port string, logger zerolog.Logger) *HealthServer {
	h := &HealthServer{
		pipeline:  pipeline,
		port:      port,
		startTime: time.Now(),
		logger:    logger,
	}
	h.server = &http.Server{
		Addr:              ":" + port,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return h
}

// Router returns the routes served by the health server
func (h *HealthServer) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", h.handleHealth).Methods("GET")
	// Ready endpoint (for k8s readiness probes)
	router.HandleFunc("/ready", h.handleReady).Methods("GET")
	// Live endpoint (for k8s liveness probes)
	router.HandleFunc("/live", h.handleLive).Methods("GET")
	router.HandleFunc("/runs", h.handleRuns).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return router
}

// Start serves until Shutdown is called
func (h *HealthServer) Start() error {
	h.logger.Info().Str("addr", h.server.Addr).Msg("🏥 Health server listening")
	if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully
func (h *HealthServer) Shutdown(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

// handleHealth returns detailed health information
func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := h.pipeline.GetStats()
	config := h.pipeline.config

	health := map[string]interface{}{
		"status":         "healthy",
		"service":        config.Service.Name,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
		"stats": map[string]interface{}{
			"runs_total":                stats.RunsTotal,
			"run_errors":                stats.RunErrors,
			"last_run_id":               stats.LastRunID,
			"last_run_time":             stats.LastRunTime,
			"last_run_duration_seconds": stats.LastRunDuration.Seconds(),
			"stage_status":              stats.StageStatus,
		},
		"config": map[string]interface{}{
			"catalog_type":         config.Catalog.Type,
			"bronze_path":          config.Storage.BronzePath,
			"silver_path":          config.Storage.SilverPath,
			"batch_size":           config.Ingest.BatchSize,
			"holiday_country":      config.Calendar.Country,
			"run_interval_minutes": config.Service.RunIntervalMinutes,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleReady reports ready once the catalog answers
func (h *HealthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.pipeline.Ping(ctx); err != nil {
		http.Error(w, "catalog unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "ready")
}

// handleLive returns liveness status (for k8s)
func (h *HealthServer) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "live")
}

// handleRuns lists the latest stage runs from the audit trail
func (h *HealthServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := h.pipeline.RecentRuns(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type runView struct {
		RunID      string    `json:"run_id"`
		Stage      string    `json:"stage"`
		Status     string    `json:"status"`
		Detail     string    `json:"detail,omitempty"`
		Rows       int64     `json:"rows"`
		StartedAt  time.Time `json:"started_at"`
		FinishedAt time.Time `json:"finished_at"`
	}
	out := make([]runView, 0, len(runs))
	for _, run := range runs {
		out = append(out, runView{
			RunID:      run.RunID,
			Stage:      run.Stage,
			Status:     run.Status,
			Detail:     run.Detail,
			Rows:       run.Rows,
			StartedAt:  run.StartedAt,
			FinishedAt: run.FinishedAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"runs": out})
}
