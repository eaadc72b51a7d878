package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/LPredmore/fieldflow-client-connect-sub002/internal/platform/metrics"
)

const (
	retryBase = 30 * time.Second
	retryMax  = time.Hour
)

// RetryDelay is the wait before attempt+1: 30s doubling up to an hour.
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := retryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= retryMax {
			return retryMax
		}
	}
	return d
}

// TenantScope runs fn with ctx bound to tenantID's schema.
type TenantScope func(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error

// TenantLister returns every provisioned tenant.
type TenantLister func(ctx context.Context) ([]string, error)

type WorkerConfig struct {
	OutboxSchedule  string
	HorizonSchedule string
	MaxAttempts     int
	BatchSize       int
	MonthsAhead     int
	MaxOccurrences  int
}

// Worker drains the materialization outbox and rolls every active series'
// horizon forward. Ticks run one at a time.
type Worker struct {
	jobs         JobRepository
	series       SeriesRepository
	materializer Materializer
	scope        TenantScope
	tenants      TenantLister
	cfg          WorkerConfig
	logger       zerolog.Logger
	metrics      *metrics.SchedulingMetrics
	now          func() time.Time

	cron *cron.Cron
}

func NewWorker(jobs JobRepository, series SeriesRepository, m Materializer, scope TenantScope, tenants TenantLister,
	cfg WorkerConfig, logger zerolog.Logger, sm *metrics.SchedulingMetrics) *Worker {
	if cfg.OutboxSchedule == "" {
		cfg.OutboxSchedule = "@every 30s"
	}
	if cfg.HorizonSchedule == "" {
		cfg.HorizonSchedule = "@daily"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	return &Worker{
		jobs:         jobs,
		series:       series,
		materializer: m,
		scope:        scope,
		tenants:      tenants,
		cfg:          cfg,
		logger:       logger.With().Str("component", "materialization_worker").Logger(),
		metrics:      sm,
		now:          time.Now,
	}
}

// Start schedules both entries. The jobs run with ctx until Stop.
func (w *Worker) Start(ctx context.Context) error {
	cl := cronLogger{w.logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(w.cfg.OutboxSchedule, func() {
		if _, err := w.RunOnce(ctx); err != nil {
			w.logger.Error().Err(err).Msg("outbox run failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule outbox %q: %w", w.cfg.OutboxSchedule, err)
	}
	if _, err := c.AddFunc(w.cfg.HorizonSchedule, func() {
		if _, err := w.RollHorizon(ctx); err != nil {
			w.logger.Error().Err(err).Msg("horizon roll failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule horizon %q: %w", w.cfg.HorizonSchedule, err)
	}

	w.cron = c
	c.Start()
	w.logger.Info().Str("outbox", w.cfg.OutboxSchedule).Str("horizon", w.cfg.HorizonSchedule).Msg("worker started")
	return nil
}

// Stop halts scheduling; the returned context is done once running jobs end.
func (w *Worker) Stop() context.Context {
	if w.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return w.cron.Stop()
}

// RunOnce processes the due jobs of one batch and returns how many
// completed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	jobs, err := w.jobs.FetchDue(ctx, w.now(), w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch due jobs: %w", err)
	}

	done := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if w.process(ctx, job) {
			done++
		}
	}
	return done, nil
}

func (w *Worker) process(ctx context.Context, job *MaterializationJob) bool {
	var created int
	err := w.scope(ctx, job.TenantID, func(ctx context.Context) error {
		var err error
		created, err = w.materializer.Materialize(ctx, job.Request())
		return err
	})

	log := w.logger.With().Str("job_id", job.ID.String()).Str("tenant_id", job.TenantID).
		Str("series_id", job.SeriesID.String()).Logger()
	attempts := job.Attempts + 1

	if err == nil {
		if mErr := w.jobs.MarkDone(ctx, job.ID, created, w.now()); mErr != nil {
			log.Error().Err(mErr).Msg("failed to mark job done")
		}
		w.metrics.ObserveJob("done")
		log.Info().Int("created", created).Int("attempts", attempts).Msg("materialization job done")
		return true
	}

	msg := backendErr("materialize", err).Error()
	var ve *ValidationError
	if attempts >= w.cfg.MaxAttempts || errors.Is(err, ErrNotFound) || errors.As(err, &ve) {
		if mErr := w.jobs.MarkFailed(ctx, job.ID, attempts, msg); mErr != nil {
			log.Error().Err(mErr).Msg("failed to mark job failed")
		}
		w.metrics.ObserveJob("failed")
		log.Error().Err(err).Int("attempts", attempts).Msg("materialization job gave up")
		return false
	}

	next := w.now().Add(RetryDelay(attempts))
	if mErr := w.jobs.MarkRetry(ctx, job.ID, attempts, next, msg); mErr != nil {
		log.Error().Err(mErr).Msg("failed to reschedule job")
	}
	w.metrics.ObserveJob("retry")
	log.Warn().Err(err).Int("attempts", attempts).Time("next_attempt_at", next).Msg("materialization job will retry")
	return false
}

// RollHorizon queues a job for every active series of every tenant so the
// materialized window keeps moving forward. It returns the number queued.
func (w *Worker) RollHorizon(ctx context.Context) (int, error) {
	tenants, err := w.tenants(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tenants: %w", err)
	}

	queued := 0
	for _, tenantID := range tenants {
		err := w.scope(ctx, tenantID, func(ctx context.Context) error {
			ids, err := w.series.ListActiveIDs(ctx)
			if err != nil {
				return err
			}
			for _, id := range ids {
				if err := w.jobs.Enqueue(ctx, &MaterializationJob{
					TenantID:       tenantID,
					SeriesID:       id,
					MonthsAhead:    w.cfg.MonthsAhead,
					MaxOccurrences: w.cfg.MaxOccurrences,
					NextAttemptAt:  w.now(),
				}); err != nil {
					return err
				}
				queued++
			}
			return nil
		})
		if err != nil {
			w.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("horizon roll failed for tenant")
		}
	}
	w.logger.Info().Int("queued", queued).Int("tenants", len(tenants)).Msg("horizon rolled")
	return queued, nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct{ l zerolog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
