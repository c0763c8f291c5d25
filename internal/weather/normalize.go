package weather

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// Normalizer maps provider samples into StoredObservation rows.
type Normalizer struct {
	// CoordPrecision is the number of decimals echoed coordinates are rounded
	// to before they become part of the dedup key. Negative disables rounding.
	CoordPrecision int

	// Marshal encodes the raw payload; json.Marshal when nil.
	Marshal func(v any) ([]byte, error)

	Logger *slog.Logger
}

// NewNormalizer creates a Normalizer rounding coordinates to precision decimals.
func NewNormalizer(precision int, logger *slog.Logger) *Normalizer {
	return &Normalizer{CoordPrecision: precision, Logger: logger}
}

// Normalize builds an unsaved row from one sample. Coordinates come from the
// provider echo, not from the request. A payload that cannot be encoded
// leaves RawPayloadJSON nil.
func (n *Normalizer) Normalize(resp ProviderResponse, sample ObservationSample) StoredObservation {
	obs := StoredObservation{
		Lat:          n.roundCoord(resp.Lat),
		Lon:          n.roundCoord(resp.Lon),
		Timestamp:    time.Unix(sample.EpochSeconds, 0).UTC(),
		TemperatureC: sample.TemperatureC,
		RainMm:       sample.OneHourRainMm(),
	}

	raw, err := n.encode(resp)
	if err != nil {
		n.logger().Warn("raw payload dropped",
			"error", fmt.Errorf("%w: %v", ErrSerialization, err),
			"lat", obs.Lat, "lon", obs.Lon, "ts", obs.Timestamp)
		return obs
	}
	s := string(raw)
	obs.RawPayloadJSON = &s
	return obs
}

func (n *Normalizer) encode(resp ProviderResponse) ([]byte, error) {
	if n.Marshal != nil {
		return n.Marshal(resp)
	}
	return json.Marshal(resp)
}

func (n *Normalizer) roundCoord(v float64) float64 {
	return RoundCoord(v, n.CoordPrecision)
}

func (n *Normalizer) logger() *slog.Logger {
	if n.Logger == nil {
		return slog.Default()
	}
	return n.Logger
}

// RoundCoord rounds v to precision decimals. Negative precision returns v unchanged.
func RoundCoord(v float64, precision int) float64 {
	if precision < 0 {
		return v
	}
	p := math.Pow10(precision)
	return math.Round(v*p) / p
}
