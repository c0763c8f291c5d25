package weather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/i474232898/station-weather/internal/observability"
)

// ServiceConfig carries the fan-out and read-side settings of a Service.
type ServiceConfig struct {
	Stations []Station

	// CoordPrecision rounds echoed coordinates before dedup; negative disables.
	CoordPrecision int

	// MaxHistoricalHours bounds a single historical range request (0 = unlimited).
	MaxHistoricalHours int

	// CalendarLocation is where "today" is evaluated for closest-day queries.
	CalendarLocation *time.Location

	// Clock defaults to the real clock.
	Clock clockwork.Clock

	// MarshalPayload overrides the raw payload encoder; json.Marshal when nil.
	MarshalPayload func(v any) ([]byte, error)
}

// Service orchestrates fetching from the provider and persisting
// deduplicated observations. Stations and hours are processed sequentially.
type Service struct {
	provider    Provider
	store       Store
	normalizer  *Normalizer
	stations    []Station
	maxHours    int
	calendarLoc *time.Location
	clock       clockwork.Clock
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// NewService creates a new Service. A nil logger uses slog.Default; nil
// metrics get an unregistered set that is never exported.
func NewService(provider Provider, store Store, cfg ServiceConfig, logger *slog.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NewMetricsForTesting()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	loc := cfg.CalendarLocation
	if loc == nil {
		loc = time.UTC
	}
	stations := cfg.Stations
	if len(stations) == 0 {
		stations = DefaultStations()
	}

	normalizer := NewNormalizer(cfg.CoordPrecision, logger)
	normalizer.Marshal = cfg.MarshalPayload

	return &Service{
		provider:    provider,
		store:       store,
		normalizer:  normalizer,
		stations:    append([]Station(nil), stations...),
		maxHours:    cfg.MaxHistoricalHours,
		calendarLoc: loc,
		clock:       clock,
		logger:      logger,
		metrics:     metrics,
	}
}

// Stations returns the configured fan-out list in fetch order.
func (s *Service) Stations() []Station {
	return append([]Station(nil), s.stations...)
}

// FetchAndStoreForecast fetches the hourly forecast for one coordinate and
// stores every sample not already present. The whole call is a single unit,
// so an upstream failure is returned.
func (s *Service) FetchAndStoreForecast(ctx context.Context, lat, lon float64) (FetchSummary, error) {
	c := s.beginCycle(KindForecast)
	defer c.finish()

	st := Station{Lat: lat, Lon: lon}
	if err := s.forecastUnit(ctx, c, st); err != nil {
		c.fail(st, time.Time{}, err)
		return c.summary, err
	}
	return c.summary, nil
}

// FetchAndStoreForecastAllStations runs the forecast unit for each station in
// order. A station whose upstream call fails is recorded and skipped; a
// storage failure or cancellation aborts the cycle.
func (s *Service) FetchAndStoreForecastAllStations(ctx context.Context) (FetchSummary, error) {
	c := s.beginCycle(KindForecast)
	defer c.finish()

	for _, st := range s.stations {
		if err := s.forecastUnit(ctx, c, st); err != nil {
			c.fail(st, time.Time{}, err)
			if s.isFatal(ctx, err) {
				return c.summary, err
			}
		}
	}
	return c.summary, nil
}

// FetchAndStoreHistoricalRange issues one time-machine call per hour from
// start to end inclusive for a single coordinate.
func (s *Service) FetchAndStoreHistoricalRange(ctx context.Context, lat, lon float64, start, end time.Time) (FetchSummary, error) {
	slots, err := s.hourlySlots(start, end)
	if err != nil {
		return FetchSummary{Kind: KindHistorical}, err
	}

	c := s.beginCycle(KindHistorical)
	defer c.finish()

	err = s.historicalRange(ctx, c, Station{Lat: lat, Lon: lon}, slots)
	return c.summary, err
}

// FetchAndStoreHistoricalRangeAllStations applies the historical range to
// every configured station in order.
func (s *Service) FetchAndStoreHistoricalRangeAllStations(ctx context.Context, start, end time.Time) (FetchSummary, error) {
	slots, err := s.hourlySlots(start, end)
	if err != nil {
		return FetchSummary{Kind: KindHistorical}, err
	}

	c := s.beginCycle(KindHistorical)
	defer c.finish()

	for _, st := range s.stations {
		if err := s.historicalRange(ctx, c, st, slots); err != nil {
			return c.summary, err
		}
	}
	return c.summary, nil
}

// ClosestDays evaluates ClosestDaysFor at the current date in the calendar location.
func (s *Service) ClosestDays() ClosestDays {
	return ClosestDaysFor(s.clock.Now().In(s.calendarLoc))
}

// ObservationsForClosestDays returns the stored rows at hhmm on the closest
// weekday, Saturday and Sunday.
func (s *Service) ObservationsForClosestDays(ctx context.Context, hhmm string) (ClosestDayObservations, error) {
	if err := ValidateTimeOfDay(hhmm); err != nil {
		return ClosestDayObservations{}, err
	}

	days := s.ClosestDays()
	out := ClosestDayObservations{Days: days}

	var err error
	if out.Weekday, err = s.store.FindByDateAndLocalTime(ctx, days.Weekday, hhmm); err != nil {
		return ClosestDayObservations{}, fmt.Errorf("weekday observations: %w", err)
	}
	if out.Saturday, err = s.store.FindByDateAndLocalTime(ctx, days.Saturday, hhmm); err != nil {
		return ClosestDayObservations{}, fmt.Errorf("saturday observations: %w", err)
	}
	if out.Sunday, err = s.store.FindByDateAndLocalTime(ctx, days.Sunday, hhmm); err != nil {
		return ClosestDayObservations{}, fmt.Errorf("sunday observations: %w", err)
	}
	return out, nil
}

func (s *Service) historicalRange(ctx context.Context, c *cycle, st Station, slots []time.Time) error {
	for _, at := range slots {
		if err := s.historicalUnit(ctx, c, st, at); err != nil {
			c.fail(st, at, err)
			if s.isFatal(ctx, err) {
				return err
			}
		}
	}
	return nil
}

func (s *Service) forecastUnit(ctx context.Context, c *cycle, st Station) error {
	c.summary.Units++

	started := s.clock.Now()
	resp, err := s.provider.FetchForecast(ctx, st.Lat, st.Lon)
	s.metrics.UpstreamDuration.WithLabelValues(string(KindForecast), s.provider.Name()).Observe(s.clock.Since(started).Seconds())
	if err != nil {
		return err
	}

	if err := s.storeSamples(ctx, c, resp); err != nil {
		return err
	}
	s.metrics.FetchUnits.WithLabelValues(string(KindForecast), "success").Inc()
	c.logger.Debug("station stored", "station", st.Key(), "samples", len(resp.Samples))
	return nil
}

func (s *Service) historicalUnit(ctx context.Context, c *cycle, st Station, at time.Time) error {
	c.summary.Units++

	started := s.clock.Now()
	resp, err := s.provider.FetchHistorical(ctx, st.Lat, st.Lon, at)
	s.metrics.UpstreamDuration.WithLabelValues(string(KindHistorical), s.provider.Name()).Observe(s.clock.Since(started).Seconds())
	if err != nil {
		return err
	}

	if err := s.storeSamples(ctx, c, resp); err != nil {
		return err
	}
	s.metrics.FetchUnits.WithLabelValues(string(KindHistorical), "success").Inc()
	return nil
}

// storeSamples normalizes each sample and inserts it unless its triple is
// already present. Any store error other than a conflict is returned.
func (s *Service) storeSamples(ctx context.Context, c *cycle, resp ProviderResponse) error {
	for _, sample := range resp.Samples {
		obs := s.normalizer.Normalize(resp, sample)

		exists, err := s.store.ExistsAt(ctx, obs.Lat, obs.Lon, obs.Timestamp)
		if err != nil {
			return err
		}
		if exists {
			c.skip()
			continue
		}

		if _, err := s.store.Save(ctx, obs); err != nil {
			// Another cycle inserted the same triple between ExistsAt and Save.
			if errors.Is(err, ErrStorageConflict) {
				c.skip()
				continue
			}
			return err
		}
		c.summary.Stored++
		s.metrics.ObservationsStored.Inc()
	}
	return nil
}

// hourlySlots returns start, start+1h, ... up to and including end, using
// absolute instants so DST transitions neither skip nor repeat an hour.
func (s *Service) hourlySlots(start, end time.Time) ([]time.Time, error) {
	if start.IsZero() || end.IsZero() {
		return nil, fmt.Errorf("%w: start and end are required", ErrInvalidRange)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end %s is before start %s", ErrInvalidRange,
			end.Format(time.RFC3339), start.Format(time.RFC3339))
	}

	count := int(end.Sub(start)/time.Hour) + 1
	if s.maxHours > 0 && count > s.maxHours {
		return nil, fmt.Errorf("%w: %d hours requested, limit is %d", ErrInvalidRange, count, s.maxHours)
	}

	slots := make([]time.Time, 0, count)
	for t := start.UTC(); !t.After(end); t = t.Add(time.Hour) {
		slots = append(slots, t)
	}
	return slots, nil
}

// isFatal reports whether err must abort the cycle. Only upstream failures
// are isolated to their unit.
func (s *Service) isFatal(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		return false
	}
	return !errors.Is(err, ErrUpstreamUnavailable) && !errors.Is(err, ErrUpstreamMalformed)
}

type cycle struct {
	svc     *Service
	summary FetchSummary
	logger  *slog.Logger
	started time.Time
}

func (s *Service) beginCycle(kind ResponseKind) *cycle {
	id := uuid.NewString()
	c := &cycle{
		svc:     s,
		summary: FetchSummary{RunID: id, Kind: kind},
		logger:  s.logger.With("run_id", id, "kind", string(kind), "provider", s.provider.Name()),
		started: s.clock.Now(),
	}
	s.metrics.CyclesRunning.Inc()
	c.logger.Info("fetch cycle started")
	return c
}

func (c *cycle) skip() {
	c.summary.Skipped++
	c.svc.metrics.ObservationsSkipped.Inc()
}

func (c *cycle) fail(st Station, at time.Time, err error) {
	c.summary.recordFailure(err)
	c.svc.metrics.FetchUnits.WithLabelValues(string(c.summary.Kind), "failed").Inc()

	attrs := []any{"station", st.Key(), "error", err}
	if !at.IsZero() {
		attrs = append(attrs, "at", at.Format(time.RFC3339))
	}
	c.logger.Warn("fetch unit failed", attrs...)
}

func (c *cycle) finish() {
	c.svc.metrics.CyclesRunning.Dec()
	attrs := c.summary.logAttrs(c.svc.clock.Since(c.started))
	if c.summary.Failed > 0 {
		c.logger.Warn("fetch cycle finished with failures", append(attrs, "errors", c.summary.Err())...)
		return
	}
	c.logger.Info("fetch cycle finished", attrs...)
}
