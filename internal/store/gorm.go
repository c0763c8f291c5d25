package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/i474232898/station-weather/internal/weather"
)

const tableName = "weather_raw"

// observationRow is the weather_raw table layout.
type observationRow struct {
	ID        int64           `gorm:"column:id;primaryKey;autoIncrement"`
	Lat       float64         `gorm:"column:lat;not null"`
	Lon       float64         `gorm:"column:lon;not null"`
	Ts        time.Time       `gorm:"column:ts;not null"`
	Temp      float64         `gorm:"column:temp;not null"`
	Rain      *float64        `gorm:"column:rain"`
	RawJSON   *datatypes.JSON `gorm:"column:raw_json"`
	CreatedAt time.Time       `gorm:"column:created_at;autoCreateTime"`
}

func (observationRow) TableName() string { return tableName }

func toRow(obs weather.StoredObservation) observationRow {
	row := observationRow{
		Lat:  obs.Lat,
		Lon:  obs.Lon,
		Ts:   obs.Timestamp.UTC(),
		Temp: obs.TemperatureC,
		Rain: obs.RainMm,
	}
	if obs.RawPayloadJSON != nil {
		raw := datatypes.JSON(*obs.RawPayloadJSON)
		row.RawJSON = &raw
	}
	return row
}

func (r observationRow) toObservation() weather.StoredObservation {
	obs := weather.StoredObservation{
		ID:           r.ID,
		Lat:          r.Lat,
		Lon:          r.Lon,
		Timestamp:    r.Ts.UTC(),
		TemperatureC: r.Temp,
		RainMm:       r.Rain,
		CreatedAt:    r.CreatedAt.UTC(),
	}
	if r.RawJSON != nil {
		raw := string(*r.RawJSON)
		obs.RawPayloadJSON = &raw
	}
	return obs
}

// Options configures Open.
type Options struct {
	Dialect      Dialect
	DSN          string
	MaxOpenConns int
	Logger       *slog.Logger
}

// Open connects to the configured database and tunes the pool.
func Open(opts Options) (*gorm.DB, error) {
	dialector, err := opts.Dialect.dialector(opts.DSN)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, gormConfig(opts.Dialect, opts.Logger))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Dialect, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
		sqlDB.SetMaxIdleConns(opts.MaxOpenConns)
	}
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if opts.Logger != nil {
		opts.Logger.Info("database connected", "dialect", string(opts.Dialect), "max_open_conns", opts.MaxOpenConns)
	}
	return db, nil
}

// gormConfig enables error translation only where the driver supports it;
// the sqlite driver does not, and classify covers it by message.
func gormConfig(d Dialect, logger *slog.Logger) *gorm.Config {
	return &gorm.Config{
		SkipDefaultTransaction: true,
		TranslateError:         d != DialectSQLite,
		Logger:                 newGormLogger(logger),
		NowFunc:                func() time.Time { return time.Now().UTC() },
	}
}

// GormStore persists observations in the weather_raw table.
type GormStore struct {
	db      *gorm.DB
	dialect Dialect
}

// NewGormStore wraps an open connection. The dialect selects the SQL used
// for the date and time-of-day filter.
func NewGormStore(db *gorm.DB, dialect Dialect) *GormStore {
	return &GormStore{db: db, dialect: dialect}
}

// ExistsAt reports whether a row with the exact triple is stored.
func (s *GormStore) ExistsAt(ctx context.Context, lat, lon float64, ts time.Time) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&observationRow{}).
		Where("lat = ? AND lon = ? AND ts = ?", lat, lon, ts.UTC()).
		Count(&count).Error
	if err != nil {
		return false, classify("exists", err)
	}
	return count > 0, nil
}

// Save inserts obs. A row whose triple is already present, including one
// written concurrently by another cycle, yields weather.ErrStorageConflict.
func (s *GormStore) Save(ctx context.Context, obs weather.StoredObservation) (weather.StoredObservation, error) {
	row := toRow(obs)
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return weather.StoredObservation{}, classify("save", res.Error)
	}
	if res.RowsAffected == 0 {
		return weather.StoredObservation{}, weather.ErrStorageConflict
	}
	return row.toObservation(), nil
}

// FindByDateAndLocalTime returns rows whose UTC date and "HH:MM" match,
// ordered by timestamp then id.
func (s *GormStore) FindByDateAndLocalTime(ctx context.Context, date time.Time, hhmm string) ([]weather.StoredObservation, error) {
	if err := weather.ValidateTimeOfDay(hhmm); err != nil {
		return nil, err
	}

	var rows []observationRow
	err := s.db.WithContext(ctx).
		Where(s.dialect.dateAndTimeFilter(), date.Format(dateLayout), hhmm).
		Order("ts").
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, classify("find", err)
	}

	out := make([]weather.StoredObservation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toObservation())
	}
	return out, nil
}

// Ping checks the connection, used by the health endpoint.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return classify("ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}
