package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/station-weather/internal/weather"
)

// DefaultOpenWeatherBaseURL is the One Call 3.0 endpoint. Historical calls go
// to its /timemachine child.
const DefaultOpenWeatherBaseURL = "https://api.openweathermap.org/data/3.0/onecall"

// OpenWeatherProvider implements the weather.Provider interface for OpenWeatherMap.
type OpenWeatherProvider struct {
	name    string
	apiKey  string
	baseURL string
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
}

// Option customises an OpenWeatherProvider.
type Option func(*OpenWeatherProvider)

// WithBaseURL points the provider at another One Call endpoint.
func WithBaseURL(base string) Option {
	return func(p *OpenWeatherProvider) {
		if base != "" {
			p.baseURL = strings.TrimRight(base, "/")
		}
	}
}

// WithBackoff overrides the retry policy.
func WithBackoff(b BackoffConfig) Option {
	return func(p *OpenWeatherProvider) { p.httpCfg.Backoff = b }
}

func NewOpenWeatherProvider(client *http.Client, apiKey string, opts ...Option) *OpenWeatherProvider {
	p := &OpenWeatherProvider{
		name:    "openweathermap",
		apiKey:  apiKey,
		baseURL: DefaultOpenWeatherBaseURL,
		httpCfg: HTTPClientConfig{
			Client:  client,
			Backoff: DefaultBackoff(),
		},
		circuit: newBreaker("openweather"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *OpenWeatherProvider) Name() string {
	return p.name
}

// oneCallPayload accepts both response layouts: forecasts fill Hourly,
// time-machine calls fill Data.
type oneCallPayload struct {
	Lat            float64                     `json:"lat"`
	Lon            float64                     `json:"lon"`
	Timezone       string                      `json:"timezone"`
	TimezoneOffset int                         `json:"timezone_offset"`
	Hourly         []weather.ObservationSample `json:"hourly"`
	Data           []weather.ObservationSample `json:"data"`
}

// FetchForecast returns the hourly forecast block exactly as long as the
// provider sends it.
func (p *OpenWeatherProvider) FetchForecast(ctx context.Context, lat, lon float64) (weather.ProviderResponse, error) {
	values := p.baseQuery(lat, lon)
	values.Set("exclude", "minutely,daily,alerts")

	payload, err := p.get(ctx, p.baseURL, values)
	if err != nil {
		return weather.ProviderResponse{}, &weather.UpstreamError{Op: string(weather.KindForecast), Lat: lat, Lon: lon, Err: err}
	}
	return payload.toResponse(weather.KindForecast, payload.Hourly), nil
}

// FetchHistorical returns the time-machine data block for the hour at.
func (p *OpenWeatherProvider) FetchHistorical(ctx context.Context, lat, lon float64, at time.Time) (weather.ProviderResponse, error) {
	values := p.baseQuery(lat, lon)
	values.Set("dt", strconv.FormatInt(at.Unix(), 10))

	payload, err := p.get(ctx, p.baseURL+"/timemachine", values)
	if err != nil {
		return weather.ProviderResponse{}, &weather.UpstreamError{Op: string(weather.KindHistorical), Lat: lat, Lon: lon, At: at, Err: err}
	}
	return payload.toResponse(weather.KindHistorical, payload.Data), nil
}

func (p *OpenWeatherProvider) baseQuery(lat, lon float64) url.Values {
	values := url.Values{}
	values.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	values.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	values.Set("units", "metric")
	values.Set("appid", p.apiKey)
	return values
}

func (p *OpenWeatherProvider) get(ctx context.Context, endpoint string, values url.Values) (oneCallPayload, error) {
	if p.apiKey == "" {
		return oneCallPayload{}, fmt.Errorf("%w: openweather api key is not configured", weather.ErrUpstreamUnavailable)
	}

	buildRequest := func(ctx context.Context) (*http.Request, error) {
		u := fmt.Sprintf("%s?%s", endpoint, values.Encode())
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	}

	resp, err := doRequestWithResilience(ctx, p.httpCfg, p.circuit, buildRequest)
	if err != nil {
		return oneCallPayload{}, fmt.Errorf("%w: %w", weather.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	var payload oneCallPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return oneCallPayload{}, fmt.Errorf("%w: %w", weather.ErrUpstreamMalformed, err)
	}
	return payload, nil
}

func (p oneCallPayload) toResponse(kind weather.ResponseKind, samples []weather.ObservationSample) weather.ProviderResponse {
	if samples == nil {
		samples = []weather.ObservationSample{}
	}
	return weather.ProviderResponse{
		Kind:           kind,
		Lat:            p.Lat,
		Lon:            p.Lon,
		Timezone:       p.Timezone,
		TimezoneOffset: p.TimezoneOffset,
		Samples:        samples,
	}
}
