package weather_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/station-weather/internal/observability"
	"github.com/i474232898/station-weather/internal/store"
	"github.com/i474232898/station-weather/internal/weather"
)

// fakeProvider answers forecasts per coordinate and records historical calls.
type fakeProvider struct {
	mu sync.Mutex

	forecast   func(lat, lon float64) (weather.ProviderResponse, error)
	historical func(lat, lon float64, at time.Time) (weather.ProviderResponse, error)

	forecastCalls   int
	historicalCalls []time.Time
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) FetchForecast(_ context.Context, lat, lon float64) (weather.ProviderResponse, error) {
	p.mu.Lock()
	p.forecastCalls++
	p.mu.Unlock()
	return p.forecast(lat, lon)
}

func (p *fakeProvider) FetchHistorical(_ context.Context, lat, lon float64, at time.Time) (weather.ProviderResponse, error) {
	p.mu.Lock()
	p.historicalCalls = append(p.historicalCalls, at)
	p.mu.Unlock()
	if p.historical == nil {
		return weather.ProviderResponse{Kind: weather.KindHistorical, Lat: lat, Lon: lon,
			Samples: []weather.ObservationSample{{EpochSeconds: at.Unix(), TemperatureC: 1}}}, nil
	}
	return p.historical(lat, lon, at)
}

func hourlyForecast(lat, lon float64, epochs ...int64) weather.ProviderResponse {
	samples := make([]weather.ObservationSample, 0, len(epochs))
	for _, e := range epochs {
		samples = append(samples, weather.ObservationSample{EpochSeconds: e, TemperatureC: 20})
	}
	return weather.ProviderResponse{Kind: weather.KindForecast, Lat: lat, Lon: lon, Samples: samples}
}

// flakyStore wraps a MemoryStore and can fail or force conflicts.
type flakyStore struct {
	*store.MemoryStore
	existsErr     error
	alwaysMissing bool
	saveErr       error
}

func (s *flakyStore) ExistsAt(ctx context.Context, lat, lon float64, ts time.Time) (bool, error) {
	if s.existsErr != nil {
		return false, s.existsErr
	}
	if s.alwaysMissing {
		return false, nil
	}
	return s.MemoryStore.ExistsAt(ctx, lat, lon, ts)
}

func (s *flakyStore) Save(ctx context.Context, obs weather.StoredObservation) (weather.StoredObservation, error) {
	if s.saveErr != nil {
		return weather.StoredObservation{}, s.saveErr
	}
	return s.MemoryStore.Save(ctx, obs)
}

var testStations = []weather.Station{
	{Name: "a", Lat: 37.5531, Lon: 126.9725},
	{Name: "b", Lat: 37.5673, Lon: 126.8295},
	{Name: "c", Lat: 37.5216, Lon: 126.9242},
}

func newTestService(p weather.Provider, s weather.Store, mutate ...func(*weather.ServiceConfig)) *weather.Service {
	cfg := weather.ServiceConfig{
		Stations:           testStations,
		CoordPrecision:     4,
		MaxHistoricalHours: 48,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return weather.NewService(p, s, cfg, logger, observability.NewMetricsForTesting())
}

func TestService_FetchAndStoreForecast_Dedup(t *testing.T) {
	p := &fakeProvider{forecast: func(lat, lon float64) (weather.ProviderResponse, error) {
		return hourlyForecast(lat, lon, 1704531600, 1704535200), nil
	}}
	mem := store.NewMemoryStore(nil)
	svc := newTestService(p, mem)
	ctx := context.Background()

	first, err := svc.FetchAndStoreForecast(ctx, 37.5531, 126.9725)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Stored)
	assert.Equal(t, 0, first.Skipped)
	assert.NotEmpty(t, first.RunID)

	second, err := svc.FetchAndStoreForecast(ctx, 37.5531, 126.9725)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Stored)
	assert.Equal(t, 2, second.Skipped)
	assert.NotEqual(t, first.RunID, second.RunID)

	assert.Equal(t, 2, mem.Len())
}

func TestService_FetchAndStoreForecast_UpstreamFailureIsReturned(t *testing.T) {
	p := &fakeProvider{forecast: func(lat, lon float64) (weather.ProviderResponse, error) {
		return weather.ProviderResponse{}, &weather.UpstreamError{Op: "forecast", Lat: lat, Lon: lon, Err: weather.ErrUpstreamUnavailable}
	}}
	svc := newTestService(p, store.NewMemoryStore(nil))

	summary, err := svc.FetchAndStoreForecast(context.Background(), 1, 2)
	assert.ErrorIs(t, err, weather.ErrUpstreamUnavailable)
	assert.Equal(t, 1, summary.Failed)
}

func TestService_FetchAndStoreForecast_EmptyHourly(t *testing.T) {
	p := &fakeProvider{forecast: func(lat, lon float64) (weather.ProviderResponse, error) {
		return hourlyForecast(lat, lon), nil
	}}
	mem := store.NewMemoryStore(nil)
	svc := newTestService(p, mem)

	summary, err := svc.FetchAndStoreForecast(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Stored)
	assert.Equal(t, 0, mem.Len())
}

func TestService_FetchAndStoreForecast_UsesEchoedCoordinates(t *testing.T) {
	p := &fakeProvider{forecast: func(lat, lon float64) (weather.ProviderResponse, error) {
		// The provider echoes more digits than were requested.
		return hourlyForecast(lat+0.000004, lon-0.000004, 1704531600), nil
	}}
	mem := store.NewMemoryStore(nil)
	svc := newTestService(p, mem)

	_, err := svc.FetchAndStoreForecast(context.Background(), 37.5531, 126.9725)
	require.NoError(t, err)

	rows := mem.All()
	require.Len(t, rows, 1)
	assert.Equal(t, 37.5531, rows[0].Lat)
	assert.Equal(t, 126.9725, rows[0].Lon)
	assert.Nil(t, rows[0].RainMm)
	assert.Equal(t, int64(1704531600), rows[0].Timestamp.Unix())
}

func TestService_FetchAndStoreForecastAllStations_ContinuesAfterUpstreamFailure(t *testing.T) {
	p := &fakeProvider{forecast: func(lat, lon float64) (weather.ProviderResponse, error) {
		if lat == testStations[1].Lat {
			return weather.ProviderResponse{}, &weather.UpstreamError{Op: "forecast", Lat: lat, Lon: lon,
				Err: fmt.Errorf("%w: 503", weather.ErrUpstreamUnavailable)}
		}
		return hourlyForecast(lat, lon, 1704531600), nil
	}}
	mem := store.NewMemoryStore(nil)
	svc := newTestService(p, mem)

	summary, err := svc.FetchAndStoreForecastAllStations(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, p.forecastCalls)
	assert.Equal(t, 3, summary.Units)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 2, summary.Stored)
	assert.Len(t, summary.Failures(), 1)
	assert.ErrorIs(t, summary.Err(), weather.ErrUpstreamUnavailable)
	assert.Equal(t, 2, mem.Len())
}

func TestService_FetchAndStoreForecastAllStations_StorageFailureAborts(t *testing.T) {
	p := &fakeProvider{forecast: func(lat, lon float64) (weather.ProviderResponse, error) {
		return hourlyForecast(lat, lon, 1704531600), nil
	}}
	s := &flakyStore{MemoryStore: store.NewMemoryStore(nil), existsErr: fmt.Errorf("exists: %w", weather.ErrStorageUnavailable)}
	svc := newTestService(p, s)

	_, err := svc.FetchAndStoreForecastAllStations(context.Background())
	assert.ErrorIs(t, err, weather.ErrStorageUnavailable)
	assert.Equal(t, 1, p.forecastCalls)
}

func TestService_FetchAndStoreForecastAllStations_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &fakeProvider{forecast: func(lat, lon float64) (weather.ProviderResponse, error) {
		cancel()
		return weather.ProviderResponse{}, &weather.UpstreamError{Op: "forecast", Err: context.Canceled}
	}}
	svc := newTestService(p, store.NewMemoryStore(nil))

	_, err := svc.FetchAndStoreForecastAllStations(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, p.forecastCalls)
}

func TestService_SaveConflictCountsAsSkip(t *testing.T) {
	p := &fakeProvider{forecast: func(lat, lon float64) (weather.ProviderResponse, error) {
		return hourlyForecast(lat, lon, 1704531600), nil
	}}
	s := &flakyStore{MemoryStore: store.NewMemoryStore(nil), alwaysMissing: true}
	svc := newTestService(p, s)
	ctx := context.Background()

	_, err := svc.FetchAndStoreForecast(ctx, 1, 2)
	require.NoError(t, err)

	// ExistsAt now misses the stored row, so Save hits the conflict path.
	summary, err := svc.FetchAndStoreForecast(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 1, s.Len())
}

func TestService_SerializationFailureStillStoresRow(t *testing.T) {
	p := &fakeProvider{forecast: func(lat, lon float64) (weather.ProviderResponse, error) {
		return hourlyForecast(lat, lon, 1704531600), nil
	}}
	mem := store.NewMemoryStore(nil)
	svc := newTestService(p, mem, func(cfg *weather.ServiceConfig) {
		cfg.MarshalPayload = func(any) ([]byte, error) { return nil, errors.New("unsupported value") }
	})

	summary, err := svc.FetchAndStoreForecast(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Stored)

	rows := mem.All()
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].RawPayloadJSON)
}

func TestService_FetchAndStoreHistoricalRange_InclusiveHours(t *testing.T) {
	p := &fakeProvider{}
	mem := store.NewMemoryStore(nil)
	svc := newTestService(p, mem)

	start := time.Date(2024, 1, 6, 9, 0, 0, 0, time.UTC)
	summary, err := svc.FetchAndStoreHistoricalRange(context.Background(), 1, 2, start, start.Add(3*time.Hour))
	require.NoError(t, err)

	require.Len(t, p.historicalCalls, 4)
	for i, at := range p.historicalCalls {
		assert.True(t, start.Add(time.Duration(i)*time.Hour).Equal(at), "call %d at %s", i, at)
	}
	assert.Equal(t, 4, summary.Units)
	assert.Equal(t, 4, summary.Stored)
	assert.Equal(t, 4, mem.Len())
}

func TestService_FetchAndStoreHistoricalRange_EmptySamples(t *testing.T) {
	p := &fakeProvider{historical: func(lat, lon float64, _ time.Time) (weather.ProviderResponse, error) {
		return weather.ProviderResponse{Kind: weather.KindHistorical, Lat: lat, Lon: lon, Samples: []weather.ObservationSample{}}, nil
	}}
	mem := store.NewMemoryStore(nil)
	svc := newTestService(p, mem)
	start := time.Date(2024, 1, 6, 0, 0, 0, 0, time.UTC)

	summary, err := svc.FetchAndStoreHistoricalRange(context.Background(), 1, 2, start, start.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Units)
	assert.Equal(t, 0, summary.Stored)
	assert.Equal(t, 0, summary.Skipped)
	assert.Equal(t, 0, summary.Failed)
	assert.NoError(t, summary.Err())
	assert.Equal(t, 0, mem.Len())
	assert.Len(t, p.historicalCalls, 3)
}

func TestService_FetchAndStoreHistoricalRange_SingleHour(t *testing.T) {
	p := &fakeProvider{}
	svc := newTestService(p, store.NewMemoryStore(nil))

	at := time.Date(2024, 1, 6, 9, 0, 0, 0, time.UTC)
	_, err := svc.FetchAndStoreHistoricalRange(context.Background(), 1, 2, at, at)
	require.NoError(t, err)
	assert.Len(t, p.historicalCalls, 1)
}

func TestService_FetchAndStoreHistoricalRange_InvalidRange(t *testing.T) {
	p := &fakeProvider{}
	svc := newTestService(p, store.NewMemoryStore(nil))
	start := time.Date(2024, 1, 6, 9, 0, 0, 0, time.UTC)

	_, err := svc.FetchAndStoreHistoricalRange(context.Background(), 1, 2, start, start.Add(-time.Hour))
	assert.ErrorIs(t, err, weather.ErrInvalidRange)

	_, err = svc.FetchAndStoreHistoricalRange(context.Background(), 1, 2, start, start.Add(48*time.Hour))
	assert.ErrorIs(t, err, weather.ErrInvalidRange, "49 slots exceed the 48 hour limit")

	assert.Empty(t, p.historicalCalls)
}

func TestService_FetchAndStoreHistoricalRangeAllStations(t *testing.T) {
	p := &fakeProvider{historical: func(lat, lon float64, at time.Time) (weather.ProviderResponse, error) {
		if lat == testStations[0].Lat && at.Hour() == 10 {
			return weather.ProviderResponse{}, &weather.UpstreamError{Op: "historical", Lat: lat, Lon: lon, At: at, Err: weather.ErrUpstreamMalformed}
		}
		return weather.ProviderResponse{Kind: weather.KindHistorical, Lat: lat, Lon: lon,
			Samples: []weather.ObservationSample{{EpochSeconds: at.Unix(), TemperatureC: 1}}}, nil
	}}
	mem := store.NewMemoryStore(nil)
	svc := newTestService(p, mem)

	start := time.Date(2024, 1, 6, 9, 0, 0, 0, time.UTC)
	summary, err := svc.FetchAndStoreHistoricalRangeAllStations(context.Background(), start, start.Add(time.Hour))
	require.NoError(t, err)

	assert.Len(t, p.historicalCalls, 6)
	assert.Equal(t, 6, summary.Units)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 5, mem.Len())

	// A rerun only fills the gap.
	summary, err = svc.FetchAndStoreHistoricalRangeAllStations(context.Background(), start, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Stored)
	assert.Equal(t, 5, summary.Skipped)
}

func TestService_ObservationsForClosestDays(t *testing.T) {
	mem := store.NewMemoryStore(nil)
	ctx := context.Background()
	for _, ts := range []time.Time{
		time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 6, 9, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 7, 9, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 7, 10, 0, 0, 0, time.UTC),
	} {
		_, err := mem.Save(ctx, weather.StoredObservation{Lat: 1, Lon: 2, Timestamp: ts, TemperatureC: 5})
		require.NoError(t, err)
	}

	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 3, 14, 0, 0, 0, time.UTC)) // Wednesday
	svc := newTestService(&fakeProvider{}, mem, func(cfg *weather.ServiceConfig) { cfg.Clock = clock })

	got, err := svc.ObservationsForClosestDays(ctx, "09:00")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Days.Weekday.Day())
	assert.Len(t, got.Weekday, 1)
	assert.Len(t, got.Saturday, 1)
	assert.Len(t, got.Sunday, 1)

	_, err = svc.ObservationsForClosestDays(ctx, "9am")
	assert.ErrorIs(t, err, weather.ErrInvalidTimeOfDay)
}

func TestService_CycleLogsCarryProviderName(t *testing.T) {
	p := &fakeProvider{forecast: func(lat, lon float64) (weather.ProviderResponse, error) {
		return hourlyForecast(lat, lon, 1704531600), nil
	}}
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	svc := weather.NewService(p, store.NewMemoryStore(nil), weather.ServiceConfig{Stations: testStations}, logger, observability.NewMetricsForTesting())

	summary, err := svc.FetchAndStoreForecast(context.Background(), 1, 2)
	require.NoError(t, err)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.GreaterOrEqual(t, len(lines), 2)
	for _, line := range lines {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(line, &rec))
		assert.Equal(t, "fake", rec["provider"])
		assert.Equal(t, summary.RunID, rec["run_id"])
	}
}

func TestService_TimingFollowsClock(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 6, 0, 0, 0, 0, time.UTC))
	p := &fakeProvider{forecast: func(lat, lon float64) (weather.ProviderResponse, error) {
		clock.Advance(1500 * time.Millisecond)
		return hourlyForecast(lat, lon, 1704531600), nil
	}}
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	metrics := observability.NewMetricsForTesting()
	svc := weather.NewService(p, store.NewMemoryStore(nil), weather.ServiceConfig{
		Stations: testStations,
		Clock:    clock,
	}, logger, metrics)

	_, err := svc.FetchAndStoreForecastAllStations(context.Background())
	require.NoError(t, err)

	var m dto.Metric
	observer := metrics.UpstreamDuration.WithLabelValues(string(weather.KindForecast), "fake")
	require.NoError(t, observer.(prometheus.Metric).Write(&m))
	assert.Equal(t, uint64(3), m.GetHistogram().GetSampleCount())
	assert.InDelta(t, 4.5, m.GetHistogram().GetSampleSum(), 1e-9)

	assert.Contains(t, buf.String(), `"elapsed":"4.5s"`)
}

func TestService_DefaultStations(t *testing.T) {
	svc := weather.NewService(&fakeProvider{}, store.NewMemoryStore(nil), weather.ServiceConfig{}, nil, nil)
	assert.Len(t, svc.Stations(), 5)
	assert.Equal(t, "seoul-station", svc.Stations()[0].Name)
}
