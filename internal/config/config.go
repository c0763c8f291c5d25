package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/i474232898/station-weather/internal/store"
	"github.com/i474232898/station-weather/internal/weather"
)

// DriverMemory selects the process-local store instead of a SQL database.
const DriverMemory = "memory"

type AppConfig struct {
	Port            string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	OpenWeatherAPIKey  string
	OpenWeatherBaseURL string
	HTTPTimeout        time.Duration

	// FetchCron is the standard 5-field cron expression of the forecast cycle.
	FetchCron         string
	SchedulerEnabled  bool
	SchedulerLocation *time.Location
	CycleTimeout      time.Duration

	// CalendarLocation is where "today" is evaluated for closest-day queries.
	CalendarLocation *time.Location

	// Stations in fan-out order. Geocoded addresses are appended at startup.
	Stations         []weather.Station
	StationAddresses []string
	GeocoderAPIKey   string

	DBDriver       string // canonical dialect name or DriverMemory
	DBDSN          string
	DBMaxOpenConns int

	CoordPrecision  int
	MaxHistoryHours int
}

// defaultTimezone is where the stations are, and where the daily cycle and
// "today" are reckoned unless overridden.
const defaultTimezone = "Asia/Seoul"

// Load reads configuration from environment with sensible defaults. A .env
// file in the working directory is applied first when present.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &AppConfig{
		Port:               getenvDefault("PORT", "8080"),
		LogLevel:           getenvDefault("LOG_LEVEL", "info"),
		LogFormat:          getenvDefault("LOG_FORMAT", "json"),
		OpenWeatherAPIKey:  os.Getenv("OPENWEATHER_API_KEY"),
		OpenWeatherBaseURL: getenvDefault("OPENWEATHER_BASE_URL", "https://api.openweathermap.org/data/3.0/onecall"),
		FetchCron:          getenvDefault("FETCH_CRON", "23 11 * * *"),
		GeocoderAPIKey:     os.Getenv("GEOCODER_API_KEY"),
		DBDriver:           strings.ToLower(getenvDefault("DB_DRIVER", "sqlite")),
		DBDSN:              getenvDefault("DB_DSN", "file:station-weather.db"),
	}

	var err error
	if cfg.ShutdownTimeout, err = getenvDuration("SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.HTTPTimeout, err = getenvDuration("HTTP_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.CycleTimeout, err = getenvDuration("CYCLE_TIMEOUT", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SchedulerEnabled, err = getenvBool("SCHEDULER_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.SchedulerLocation, err = getenvLocation("SCHEDULER_TIMEZONE", defaultTimezone); err != nil {
		return nil, err
	}
	if cfg.CalendarLocation, err = getenvLocation("CALENDAR_TIMEZONE", defaultTimezone); err != nil {
		return nil, err
	}
	if cfg.DBMaxOpenConns, err = getenvInt("DB_MAX_OPEN_CONNS", 10); err != nil {
		return nil, err
	}
	if cfg.CoordPrecision, err = getenvInt("COORD_PRECISION", 4); err != nil {
		return nil, err
	}
	if cfg.MaxHistoryHours, err = getenvInt("MAX_HISTORY_HOURS", 744); err != nil {
		return nil, err
	}

	if cfg.DBDriver != DriverMemory {
		dialect, err := store.ParseDialect(cfg.DBDriver)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_DRIVER: %w", err)
		}
		cfg.DBDriver = string(dialect)
	}

	if cfg.Stations, err = loadStations(); err != nil {
		return nil, err
	}
	cfg.StationAddresses = splitList(os.Getenv("STATION_ADDRESSES"))

	return cfg, nil
}

// loadStations prefers STATIONS_FILE, then STATIONS, then the built-in list.
func loadStations() ([]weather.Station, error) {
	if path := os.Getenv("STATIONS_FILE"); path != "" {
		stations, err := LoadStationsFile(path)
		if err != nil {
			return nil, fmt.Errorf("invalid STATIONS_FILE: %w", err)
		}
		return stations, nil
	}
	if raw := os.Getenv("STATIONS"); raw != "" {
		stations, err := ParseStations(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid STATIONS: %w", err)
		}
		return stations, nil
	}
	return weather.DefaultStations(), nil
}

// ParseStations parses "name@lat,lon;lat,lon;...". The name is optional.
func ParseStations(raw string) ([]weather.Station, error) {
	var stations []weather.Station
	for _, entry := range splitList(raw) {
		var st weather.Station
		coords := entry
		if name, rest, ok := strings.Cut(entry, "@"); ok {
			st.Name = strings.TrimSpace(name)
			coords = rest
		}

		latStr, lonStr, ok := strings.Cut(coords, ",")
		if !ok {
			return nil, fmt.Errorf("station %q: want lat,lon", entry)
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
		if err != nil {
			return nil, fmt.Errorf("station %q: latitude: %w", entry, err)
		}
		lon, err := strconv.ParseFloat(strings.TrimSpace(lonStr), 64)
		if err != nil {
			return nil, fmt.Errorf("station %q: longitude: %w", entry, err)
		}
		st.Lat, st.Lon = lat, lon
		if err := validateStation(st); err != nil {
			return nil, err
		}
		stations = append(stations, st)
	}
	if len(stations) == 0 {
		return nil, errors.New("no stations listed")
	}
	return stations, nil
}

// stationEntry keeps lat and lon optional while decoding so an omitted
// coordinate is not mistaken for 0.
type stationEntry struct {
	Name string   `yaml:"name"`
	Lat  *float64 `yaml:"lat"`
	Lon  *float64 `yaml:"lon"`
}

// LoadStationsFile reads a YAML list of {name, lat, lon}. Both coordinates
// are required.
func LoadStationsFile(path string) ([]weather.Station, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []stationEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%s lists no stations", path)
	}

	stations := make([]weather.Station, 0, len(entries))
	for i, e := range entries {
		if e.Lat == nil || e.Lon == nil {
			return nil, fmt.Errorf("%s: station %d (%q): lat and lon are required", path, i+1, e.Name)
		}
		st := weather.Station{Name: e.Name, Lat: *e.Lat, Lon: *e.Lon}
		if err := validateStation(st); err != nil {
			return nil, err
		}
		stations = append(stations, st)
	}
	return stations, nil
}

func validateStation(st weather.Station) error {
	if st.Lat < -90 || st.Lat > 90 {
		return fmt.Errorf("station %s: latitude out of range", st.Key())
	}
	if st.Lon < -180 || st.Lon > 180 {
		return fmt.Errorf("station %s: longitude out of range", st.Key())
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ";") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func getenvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getenvLocation(key, def string) (*time.Location, error) {
	loc, err := time.LoadLocation(getenvDefault(key, def))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return loc, nil
}
