package weather

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	// ErrUpstreamUnavailable covers network failures, timeouts, non-2xx
	// statuses and an open circuit breaker.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrUpstreamMalformed is returned when the provider body cannot be decoded.
	ErrUpstreamMalformed = errors.New("upstream payload malformed")
	// ErrSerialization is logged, never returned, when the raw payload cannot be encoded.
	ErrSerialization = errors.New("raw payload serialization failed")
	// ErrStorageConflict means the (lat, lon, ts) triple is already stored.
	ErrStorageConflict = errors.New("observation already stored")
	// ErrStorageUnavailable wraps any failure talking to the database.
	ErrStorageUnavailable = errors.New("storage unavailable")

	ErrInvalidRange     = errors.New("invalid time range")
	ErrInvalidTimeOfDay = errors.New(`time of day must be zero-padded "HH:MM"`)
)

// UpstreamError describes a failed provider call for a single coordinate/instant.
type UpstreamError struct {
	Op  string // "forecast" or "historical"
	Lat float64
	Lon float64
	At  time.Time // zero for forecast calls
	Err error
}

func (e *UpstreamError) Error() string {
	if e.At.IsZero() {
		return fmt.Sprintf("%s %.6f,%.6f: %v", e.Op, e.Lat, e.Lon, e.Err)
	}
	return fmt.Sprintf("%s %.6f,%.6f at %s: %v", e.Op, e.Lat, e.Lon, e.At.UTC().Format(time.RFC3339), e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

var timeOfDayPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// ValidateTimeOfDay checks hhmm is a zero-padded 24-hour "HH:MM".
func ValidateTimeOfDay(hhmm string) error {
	if !timeOfDayPattern.MatchString(hhmm) {
		return fmt.Errorf("%w: got %q", ErrInvalidTimeOfDay, hhmm)
	}
	return nil
}
