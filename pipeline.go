package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/IsmaelHA/lakehouse-spain-mobility/audit"
	"github.com/IsmaelHA/lakehouse-spain-mobility/bronze"
	"github.com/IsmaelHA/lakehouse-spain-mobility/calendar"
	"github.com/IsmaelHA/lakehouse-spain-mobility/catalog"
	"github.com/IsmaelHA/lakehouse-spain-mobility/discovery"
	"github.com/IsmaelHA/lakehouse-spain-mobility/logging"
	"github.com/IsmaelHA/lakehouse-spain-mobility/manifest"
	"github.com/IsmaelHA/lakehouse-spain-mobility/quality"
	"github.com/IsmaelHA/lakehouse-spain-mobility/silver"
	"github.com/IsmaelHA/lakehouse-spain-mobility/stats"
)

// Stage names, used in logs, metrics and the audit trail
const (
	StageDiscover = "discover"
	StageBronze   = "bronze"
	StageQuality  = "quality"
	StageSilver   = "silver"
	StageStats    = "stats"
)

// Pipeline wires the stages together. Each stage method is independently callable and
// idempotent for the same dates; Run chains them in order.
type Pipeline struct {
	config    *Config
	client    *catalog.Client
	prober    *discovery.Prober
	ingestor  *bronze.Ingestor
	gate      *quality.Gate
	promoter  *silver.Promoter
	refresher *stats.Refresher
	recorder  audit.Recorder
	runsTable *audit.TableRecorder
	closers   []func()
	logger    *logging.ComponentLogger
	now       func() time.Time

	// Stats
	mu              sync.RWMutex
	runsTotal       int64
	runErrors       int64
	lastRunTime     time.Time
	lastRunDuration time.Duration
	lastRunID       string
	lastStatus      map[string]string
}

// PipelineStats holds run statistics for the health endpoint
type PipelineStats struct {
	RunsTotal       int64
	RunErrors       int64
	LastRunTime     time.Time
	LastRunDuration time.Duration
	LastRunID       string
	StageStatus     map[string]string
}

// RunSummary reports what one chained run did
type RunSummary struct {
	RunID    string
	URLs     []string
	Dates    []time.Time
	Bronze   *bronze.Result
	Quality  *quality.Result
	Silver   *silver.Result
	Stats    *stats.Result
	Duration time.Duration
}

// NewPipeline opens the catalog and builds every stage
func NewPipeline(ctx context.Context, config *Config, logger *logging.ComponentLogger) (*Pipeline, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	client, err := catalog.Open(config.Catalog, logger.Stage("catalog"))
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	p := &Pipeline{
		config:     config,
		client:     client,
		logger:     logger,
		now:        time.Now,
		lastStatus: map[string]string{},
	}

	source, err := calendar.NewSource(config.Calendar.Provider, config.Calendar.BaseURL,
		config.Calendar.Timeout, logger.Stage("calendar"))
	if err != nil {
		client.Close()
		return nil, err
	}
	store := calendar.NewStore(config.Calendar.Country, source, logger.Stage(StageQuality))

	var bronzeManifests, silverManifests *manifest.Builder
	if config.Manifest.Enabled {
		bronzeManifests = manifest.NewBuilder(StageBronze, config.Storage.BronzePath, logger.Stage(StageBronze))
		silverManifests = manifest.NewBuilder(StageSilver, config.Storage.SilverPath, logger.Stage(StageSilver))
	}

	p.prober = discovery.NewProber(config.Discovery, logger.Stage(StageDiscover))
	p.ingestor = bronze.NewIngestor(client, config.BronzeConfig(), bronzeManifests, logger.Stage(StageBronze))
	p.gate = quality.NewGate(client.DB(), store, bronze.ViewName, config.Quality, logger.Stage(StageQuality))
	p.promoter = silver.NewPromoter(client, config.SilverConfig(), silverManifests, logger.Stage(StageSilver))
	p.refresher = stats.NewRefresher(client.DB(), silver.ViewName, config.Stats.MinObservations, logger.Stage(StageStats))

	if err := p.initAudit(ctx); err != nil {
		p.Close()
		return nil, err
	}

	// Views over existing stores so stages can run standalone in a fresh process
	if _, err := p.ingestor.EnsureView(ctx); err != nil {
		p.Close()
		return nil, err
	}
	if _, err := p.promoter.EnsureView(ctx); err != nil {
		p.Close()
		return nil, err
	}

	return p, nil
}

func (p *Pipeline) initAudit(ctx context.Context) error {
	var recorders audit.Multi
	if p.config.Audit.Enabled {
		table, err := audit.NewTableRecorder(ctx, p.client.DB())
		if err != nil {
			return err
		}
		recorders = append(recorders, table)
		p.runsTable = table
	}
	if p.config.Audit.PostgresDSN != "" {
		pg, err := audit.NewPostgresRecorder(ctx, p.config.Audit.PostgresDSN)
		if err != nil {
			return err
		}
		recorders = append(recorders, pg)
		p.closers = append(p.closers, pg.Close)
	}
	p.recorder = audit.Logged{Recorder: recorders, Logger: p.logger.Stage("audit")}
	return nil
}

// Close releases the catalog and audit connections
func (p *Pipeline) Close() error {
	for _, c := range p.closers {
		c()
	}
	return p.client.Close()
}

// Discover returns the published source URLs between start and end
func (p *Pipeline) Discover(ctx context.Context, start, end time.Time) ([]string, error) {
	var urls []string
	err := p.runStage(ctx, StageDiscover, func(ctx context.Context) (stageOutcome, error) {
		candidates, err := discovery.URLsForRange(p.config.Discovery.URLPattern, start, end)
		if err != nil {
			return stageOutcome{}, err
		}
		urls, err = p.prober.Probe(ctx, candidates)
		if err != nil {
			return stageOutcome{}, err
		}
		sourcesAvailable.Set(float64(len(urls)))
		return stageOutcome{
			rows:   int64(len(urls)),
			detail: fmt.Sprintf("%d of %d candidates available", len(urls), len(candidates)),
		}, nil
	})
	return urls, err
}

// Ingest lands source files in bronze
func (p *Pipeline) Ingest(ctx context.Context, urls []string) (*bronze.Result, error) {
	var result *bronze.Result
	err := p.runStage(ctx, StageBronze, func(ctx context.Context) (stageOutcome, error) {
		var err error
		result, err = p.ingestor.Ingest(ctx, urls)
		if result != nil {
			partitionsSwapped.WithLabelValues(StageBronze).Add(float64(len(result.Partitions)))
		}
		if err != nil {
			return stageOutcome{}, err
		}
		return stageOutcome{
			rows:    int64(len(result.Partitions)),
			detail:  fmt.Sprintf("%d files, %d batches", result.Files, result.Batches),
			skipped: len(urls) == 0,
		}, nil
	})
	return result, err
}

// Quality rebuilds the staging rows of dates
func (p *Pipeline) Quality(ctx context.Context, dates []time.Time) (*quality.Result, error) {
	var result *quality.Result
	err := p.runStage(ctx, StageQuality, func(ctx context.Context) (stageOutcome, error) {
		var err error
		result, err = p.gate.Run(ctx, dates)
		if err != nil {
			return stageOutcome{}, err
		}
		cleanRows.Add(float64(result.CleanRows))
		outliersRemoved.Add(float64(result.OutliersRemoved))
		return stageOutcome{
			rows:    result.CleanRows,
			detail:  fmt.Sprintf("%d dates, %d outliers removed", len(result.Dates), result.OutliersRemoved),
			skipped: len(result.Dates) == 0,
		}, nil
	})
	return result, err
}

// Promote moves staging into silver
func (p *Pipeline) Promote(ctx context.Context) (*silver.Result, error) {
	var result *silver.Result
	err := p.runStage(ctx, StageSilver, func(ctx context.Context) (stageOutcome, error) {
		var err error
		result, err = p.promoter.Promote(ctx)
		if err != nil {
			return stageOutcome{}, err
		}
		rowsPromoted.Add(float64(result.Rows))
		partitionsSwapped.WithLabelValues(StageSilver).Add(float64(len(result.Partitions)))
		return stageOutcome{rows: result.Rows, detail: result.Reason, skipped: result.Skipped}, nil
	})
	return result, err
}

// RefreshStats rebuilds the zone stats when silver moved on
func (p *Pipeline) RefreshStats(ctx context.Context) (*stats.Result, error) {
	var result *stats.Result
	err := p.runStage(ctx, StageStats, func(ctx context.Context) (stageOutcome, error) {
		var err error
		result, err = p.refresher.Refresh(ctx)
		if err != nil {
			return stageOutcome{}, err
		}
		if !result.Skipped {
			statsGroups.Set(float64(result.Groups))
		}
		return stageOutcome{rows: result.Groups, detail: result.Reason, skipped: result.Skipped}, nil
	})
	return result, err
}

// Run chains discover, bronze, quality, silver and stats for the dates between start and end.
// The first failing stage stops the run; re-running the same range is safe.
func (p *Pipeline) Run(ctx context.Context, start, end time.Time) (*RunSummary, error) {
	begin := time.Now()
	summary := &RunSummary{RunID: audit.NewRunID()}
	ctx = audit.WithRunID(ctx, summary.RunID)

	log := p.logger.Logger().With().Str("run_id", summary.RunID).Logger()
	log.Info().
		Str("start", start.Format(time.DateOnly)).
		Str("end", end.Format(time.DateOnly)).
		Msg("🚀 Starting pipeline run")

	err := p.chain(ctx, summary, start, end)

	summary.Duration = time.Since(begin)
	p.recordRun(summary, err)

	if err != nil {
		log.Error().Err(err).Dur("duration", summary.Duration).Msg("❌ Pipeline run failed")
		return summary, err
	}
	log.Info().Dur("duration", summary.Duration).Int("urls", len(summary.URLs)).Msg("✅ Pipeline run completed")
	return summary, nil
}

func (p *Pipeline) chain(ctx context.Context, summary *RunSummary, start, end time.Time) error {
	var err error

	if summary.URLs, err = p.Discover(ctx, start, end); err != nil {
		return err
	}
	if len(summary.URLs) == 0 {
		p.logger.Warn().Msg("No source files published for the requested range")
	}

	if summary.Bronze, err = p.Ingest(ctx, summary.URLs); err != nil {
		return err
	}

	summary.Dates = quality.DatesFromURLs(summary.URLs)
	if summary.Quality, err = p.Quality(ctx, summary.Dates); err != nil {
		return err
	}

	if summary.Silver, err = p.Promote(ctx); err != nil {
		return err
	}

	summary.Stats, err = p.RefreshStats(ctx)
	return err
}

// Start runs the chain over the trailing window on every interval until ctx is canceled
func (p *Pipeline) Start(ctx context.Context) error {
	interval := p.config.RunInterval()
	p.logger.Info().Dur("interval", interval).Int("lag_days", p.config.Service.LagDays).
		Int("lookback_days", p.config.Service.LookbackDays).
		Msg("Starting scheduled runs")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run immediately on start
	p.runScheduled(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("Scheduled runs stopped")
			return nil
		case <-ticker.C:
			p.runScheduled(ctx)
		}
	}
}

// scheduledWindow returns the dates one scheduled tick covers: the lagged day and the
// lookback days before it, so late files and failed days are picked up again
func (p *Pipeline) scheduledWindow() (time.Time, time.Time) {
	now := p.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	end := today.AddDate(0, 0, -p.config.Service.LagDays)
	return end.AddDate(0, 0, -p.config.Service.LookbackDays), end
}

func (p *Pipeline) runScheduled(ctx context.Context) {
	start, end := p.scheduledWindow()
	if _, err := p.Run(ctx, start, end); err != nil {
		// Error already logged and counted; later ticks cover the same dates again
		return
	}
}

// GetStats returns current run statistics
func (p *Pipeline) GetStats() PipelineStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status := make(map[string]string, len(p.lastStatus))
	for k, v := range p.lastStatus {
		status[k] = v
	}
	return PipelineStats{
		RunsTotal:       p.runsTotal,
		RunErrors:       p.runErrors,
		LastRunTime:     p.lastRunTime,
		LastRunDuration: p.lastRunDuration,
		LastRunID:       p.lastRunID,
		StageStatus:     status,
	}
}

// RecentRuns returns the latest audited stage runs, newest first
func (p *Pipeline) RecentRuns(ctx context.Context, limit int) ([]audit.Run, error) {
	if p.runsTable == nil {
		return nil, nil
	}
	return p.runsTable.Recent(ctx, limit)
}

// Ping checks the catalog connection
func (p *Pipeline) Ping(ctx context.Context) error {
	return p.client.DB().PingContext(ctx)
}

type stageOutcome struct {
	rows    int64
	detail  string
	skipped bool
}

// runStage times a stage and records its outcome in metrics, the audit trail and stats
func (p *Pipeline) runStage(ctx context.Context, stage string, fn func(ctx context.Context) (stageOutcome, error)) error {
	// Stages called outside Run get their own run id
	if audit.RunIDFrom(ctx) == "" {
		ctx = audit.WithRunID(ctx, audit.NewRunID())
	}
	start := time.Now()
	log := p.logger.Stage(stage)

	outcome, err := fn(ctx)
	duration := time.Since(start)

	status := audit.StatusSuccess
	switch {
	case err != nil:
		status = audit.StatusFailed
		outcome.detail = err.Error()
	case outcome.skipped:
		status = audit.StatusSkipped
	}

	stageRuns.WithLabelValues(stage, status).Inc()
	stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
	if err == nil {
		lastStageSuccess.WithLabelValues(stage).SetToCurrentTime()
	}

	// Audit with a context that survives cancellation of the stage
	p.recorder.Record(context.WithoutCancel(ctx), audit.Run{
		RunID:      audit.RunIDFrom(ctx),
		Stage:      stage,
		Status:     status,
		Detail:     outcome.detail,
		Rows:       outcome.rows,
		StartedAt:  start,
		FinishedAt: start.Add(duration),
	})

	p.mu.Lock()
	p.lastStatus[stage] = status
	p.mu.Unlock()

	if err != nil {
		stageErr := NewStageError(stage, err)
		logStageError(log, stageErr)
		return stageErr
	}

	p.logger.LogStageDuration(stage, status, outcome.rows, duration)
	return nil
}

func (p *Pipeline) recordRun(summary *RunSummary, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.runsTotal++
	if err != nil {
		p.runErrors++
	}
	p.lastRunTime = time.Now()
	p.lastRunDuration = summary.Duration
	p.lastRunID = summary.RunID

	pipelineRunDuration.Observe(summary.Duration.Seconds())
}

func logStageError(log zerolog.Logger, err *StageError) {
	event := log.Error()
	if err.Severity == SeverityWarning {
		event = log.Warn()
	}
	event.Err(err.Err).Str("severity", string(err.Severity)).Msg("Stage failed")
}
