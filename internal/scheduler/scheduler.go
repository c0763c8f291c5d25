package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/i474232898/station-weather/internal/weather"
)

// ForecastRunner is the cycle the scheduler triggers.
type ForecastRunner interface {
	FetchAndStoreForecastAllStations(ctx context.Context) (weather.FetchSummary, error)
}

// Scheduler runs the all-stations forecast cycle on a cron schedule. A cycle
// never overlaps a previous one that is still running.
type Scheduler struct {
	scheduler *gocron.Scheduler
	runner    ForecastRunner
	cron      string
	timeout   time.Duration
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Scheduler evaluating cron in loc.
func New(cron string, loc *time.Location, timeout time.Duration, runner ForecastRunner, logger *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		scheduler: gocron.NewScheduler(loc),
		runner:    runner,
		cron:      cron,
		timeout:   timeout,
		logger:    logger.With("component", "scheduler"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start schedules the job and starts the underlying scheduler. An invalid
// cron expression is reported here.
func (s *Scheduler) Start() error {
	job, err := s.scheduler.Cron(s.cron).SingletonMode().Do(s.RunOnce)
	if err != nil {
		return err
	}

	s.scheduler.StartAsync()
	s.logger.Info("forecast cycle scheduled", "cron", s.cron, "next_run", job.NextRun())
	return nil
}

// RunOnce executes one forecast cycle bounded by the cycle timeout.
func (s *Scheduler) RunOnce() {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	s.logger.Info("running forecast cycle")
	summary, err := s.runner.FetchAndStoreForecastAllStations(ctx)
	if err != nil {
		s.logger.Error("forecast cycle aborted", "run_id", summary.RunID, "error", err)
		return
	}
	s.logger.Info("forecast cycle completed", "run_id", summary.RunID,
		"stored", summary.Stored, "skipped", summary.Skipped, "failed", summary.Failed)
}

// Stop stops the scheduler and cancels any in-flight cycle.
func (s *Scheduler) Stop() {
	s.cancel()
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
