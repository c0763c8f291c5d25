package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/i474232898/station-weather/internal/weather"
)

// tripleKey is the dedup key of a stored observation.
type tripleKey struct {
	lat, lon float64
	unix     int64
	nanos    int
}

func keyOf(lat, lon float64, ts time.Time) tripleKey {
	ts = ts.UTC()
	return tripleKey{lat: lat, lon: lon, unix: ts.Unix(), nanos: ts.Nanosecond()}
}

// MemoryStore is a concurrency-safe in-memory implementation of weather.Store.
// Save checks and inserts under one lock, so it never stores a duplicate triple.
type MemoryStore struct {
	mu sync.RWMutex

	rows   []weather.StoredObservation
	index  map[tripleKey]int // position in rows
	nextID int64
	clock  clockwork.Clock
}

// NewMemoryStore creates an empty MemoryStore. A nil clock uses real time
// for CreatedAt.
func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		index: make(map[tripleKey]int),
		clock: clock,
	}
}

// ExistsAt reports whether the exact (lat, lon, ts) triple has been saved.
func (s *MemoryStore) ExistsAt(_ context.Context, lat, lon float64, ts time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.index[keyOf(lat, lon, ts)]
	return ok, nil
}

// Save appends obs with a new ID and creation time. An existing triple is
// left untouched and weather.ErrStorageConflict is returned.
func (s *MemoryStore) Save(_ context.Context, obs weather.StoredObservation) (weather.StoredObservation, error) {
	key := keyOf(obs.Lat, obs.Lon, obs.Timestamp)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[key]; ok {
		return weather.StoredObservation{}, weather.ErrStorageConflict
	}

	s.nextID++
	obs.ID = s.nextID
	obs.Timestamp = obs.Timestamp.UTC()
	obs.CreatedAt = s.clock.Now().UTC()

	s.index[key] = len(s.rows)
	s.rows = append(s.rows, obs)
	return obs, nil
}

// FindByDateAndLocalTime returns rows whose UTC date and "HH:MM" match.
func (s *MemoryStore) FindByDateAndLocalTime(_ context.Context, date time.Time, hhmm string) ([]weather.StoredObservation, error) {
	if err := weather.ValidateTimeOfDay(hhmm); err != nil {
		return nil, err
	}
	day := date.Format(dateLayout)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []weather.StoredObservation
	for _, row := range s.rows {
		ts := row.Timestamp.UTC()
		if ts.Format(dateLayout) == day && ts.Format(timeOfDayLayout) == hhmm {
			result = append(result, row)
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].Timestamp.Before(result[j].Timestamp)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// Len returns the number of stored rows.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// All returns a copy of every stored row in insertion order.
func (s *MemoryStore) All() []weather.StoredObservation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]weather.StoredObservation(nil), s.rows...)
}
