package weather

import (
	"encoding/json"
	"fmt"
	"time"
)

// Station is a fixed coordinate that is fetched on every cycle.
type Station struct {
	Name string  `json:"name" yaml:"name"`
	Lat  float64 `json:"lat" yaml:"lat"`
	Lon  float64 `json:"lon" yaml:"lon"`
}

// Key returns a readable identifier used in logs.
func (s Station) Key() string {
	if s.Name != "" {
		return fmt.Sprintf("%s(%.6f,%.6f)", s.Name, s.Lat, s.Lon)
	}
	return fmt.Sprintf("%.6f,%.6f", s.Lat, s.Lon)
}

// DefaultStations are the five Seoul subway stations monitored when no
// station list is configured.
func DefaultStations() []Station {
	return []Station{
		{Name: "seoul-station", Lat: 37.553150, Lon: 126.972533},
		{Name: "magongnaru", Lat: 37.567336, Lon: 126.829497},
		{Name: "yeouido", Lat: 37.521624, Lon: 126.924191},
		{Name: "gangnam", Lat: 37.497958, Lon: 127.027539},
		{Name: "konkuk-univ", Lat: 37.540408, Lon: 127.069231},
	}
}

// Rain is the nested precipitation block of an hourly sample.
type Rain struct {
	OneHour *float64 `json:"1h,omitempty"`
}

// ObservationSample is one hourly entry as returned by the provider.
type ObservationSample struct {
	EpochSeconds             int64    `json:"dt"`
	TemperatureC             float64  `json:"temp"`
	PrecipitationProbability *float64 `json:"pop,omitempty"`
	Rain                     *Rain    `json:"rain,omitempty"`
}

// OneHourRainMm returns the one-hour rain amount, or nil when the provider
// reported no precipitation block.
func (s ObservationSample) OneHourRainMm() *float64 {
	if s.Rain == nil || s.Rain.OneHour == nil {
		return nil
	}
	v := *s.Rain.OneHour
	return &v
}

// ResponseKind tells which provider endpoint produced a response.
type ResponseKind string

const (
	KindForecast   ResponseKind = "forecast"
	KindHistorical ResponseKind = "historical"
)

// ProviderResponse is the provider payload with the `hourly`/`data` split
// folded into Samples. Kind records which list the samples came from.
type ProviderResponse struct {
	Kind           ResponseKind
	Lat            float64
	Lon            float64
	Timezone       string
	TimezoneOffset int
	Samples        []ObservationSample
}

type forecastPayload struct {
	Lat            float64             `json:"lat"`
	Lon            float64             `json:"lon"`
	Timezone       string              `json:"timezone,omitempty"`
	TimezoneOffset int                 `json:"timezone_offset"`
	Hourly         []ObservationSample `json:"hourly"`
}

type historicalPayload struct {
	Lat            float64             `json:"lat"`
	Lon            float64             `json:"lon"`
	Timezone       string              `json:"timezone,omitempty"`
	TimezoneOffset int                 `json:"timezone_offset"`
	Data           []ObservationSample `json:"data"`
}

// MarshalJSON writes the response back in the provider's own layout so the
// stored raw payload looks like what the provider sent.
func (r ProviderResponse) MarshalJSON() ([]byte, error) {
	samples := r.Samples
	if samples == nil {
		samples = []ObservationSample{}
	}
	if r.Kind == KindHistorical {
		return json.Marshal(historicalPayload{
			Lat: r.Lat, Lon: r.Lon, Timezone: r.Timezone, TimezoneOffset: r.TimezoneOffset,
			Data: samples,
		})
	}
	return json.Marshal(forecastPayload{
		Lat: r.Lat, Lon: r.Lon, Timezone: r.Timezone, TimezoneOffset: r.TimezoneOffset,
		Hourly: samples,
	})
}

// StoredObservation is the persisted, append-only record.
// (Lat, Lon, Timestamp) is unique.
type StoredObservation struct {
	ID             int64     `json:"id"`
	Lat            float64   `json:"lat"`
	Lon            float64   `json:"lon"`
	Timestamp      time.Time `json:"ts"` // always UTC
	TemperatureC   float64   `json:"temp"`
	RainMm         *float64  `json:"rain"`
	RawPayloadJSON *string   `json:"rawJson,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ClosestDays holds the dates used to align read queries to representative
// days of the week.
type ClosestDays struct {
	Weekday  time.Time `json:"weekday"`
	Saturday time.Time `json:"saturday"`
	Sunday   time.Time `json:"sunday"`
}

// ClosestDayObservations groups stored rows by the closest day they matched.
type ClosestDayObservations struct {
	Days     ClosestDays         `json:"days"`
	Weekday  []StoredObservation `json:"weekday"`
	Saturday []StoredObservation `json:"saturday"`
	Sunday   []StoredObservation `json:"sunday"`
}
