package weather

import (
	"context"
	"time"
)

// Provider abstracts the upstream weather API (OpenWeather One Call).
type Provider interface {
	Name() string
	// FetchForecast returns the provider's hourly forecast block for the coordinate.
	FetchForecast(ctx context.Context, lat, lon float64) (ProviderResponse, error)
	// FetchHistorical returns the time-machine data block for one instant.
	FetchHistorical(ctx context.Context, lat, lon float64, at time.Time) (ProviderResponse, error)
}

// Store is the contract every observation store (gorm-backed or in-memory)
// must satisfy.
type Store interface {
	// ExistsAt reports whether a row with exactly this (lat, lon, ts) triple exists.
	ExistsAt(ctx context.Context, lat, lon float64, ts time.Time) (bool, error)
	// Save inserts obs. It returns ErrStorageConflict when the triple is
	// already present; existing rows are never overwritten.
	Save(ctx context.Context, obs StoredObservation) (StoredObservation, error)
	// FindByDateAndLocalTime returns rows whose UTC calendar date is date and
	// whose zero-padded "HH:MM" equals hhmm.
	FindByDateAndLocalTime(ctx context.Context, date time.Time, hhmm string) ([]StoredObservation, error)
}
