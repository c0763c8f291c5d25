// Package stations turns configured street addresses into fetch stations.
package stations

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/kelvins/geocoder"

	"github.com/i474232898/station-weather/internal/weather"
)

// GeocodeFunc resolves a free-text address to a coordinate.
type GeocodeFunc func(address string) (lat, lon float64, err error)

// Resolver geocodes addresses one at a time.
type Resolver struct {
	geocode GeocodeFunc
	logger  *slog.Logger
}

// NewResolver wraps an arbitrary geocoding function.
func NewResolver(fn GeocodeFunc, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{geocode: fn, logger: logger}
}

// NewGoogleResolver uses the Google Geocoding API through kelvins/geocoder.
// The library keeps its key in a package variable, so one key per process.
func NewGoogleResolver(apiKey string, logger *slog.Logger) *Resolver {
	geocoder.ApiKey = apiKey
	return NewResolver(googleGeocode, logger)
}

func googleGeocode(address string) (float64, float64, error) {
	loc, err := geocoder.Geocoding(geocoder.Address{Street: address})
	if err != nil {
		return 0, 0, err
	}
	return loc.Latitude, loc.Longitude, nil
}

// Resolve returns a station per address that could be geocoded, in input
// order. Failed addresses are collected into the returned error; the
// stations that did resolve are returned alongside it.
func (r *Resolver) Resolve(ctx context.Context, addresses []string) ([]weather.Station, error) {
	var (
		out  []weather.Station
		errs *multierror.Error
	)
	for _, addr := range addresses {
		if err := ctx.Err(); err != nil {
			return out, multierror.Append(errs, err).ErrorOrNil()
		}
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}

		lat, lon, err := r.geocode(addr)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("geocode %q: %w", addr, err))
			continue
		}
		if lat == 0 && lon == 0 {
			errs = multierror.Append(errs, fmt.Errorf("geocode %q: no result", addr))
			continue
		}

		st := weather.Station{Name: addr, Lat: lat, Lon: lon}
		r.logger.Info("station geocoded", "station", st.Key())
		out = append(out, st)
	}
	return out, errs.ErrorOrNil()
}
