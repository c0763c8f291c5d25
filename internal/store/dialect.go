package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dateLayout      = "2006-01-02"
	timeOfDayLayout = "15:04"
)

// Dialect names a supported SQL backend.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite"
)

// ParseDialect accepts the DB_DRIVER spellings used in configuration.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgres", "postgresql", "pg":
		return DialectPostgres, nil
	case "mysql":
		return DialectMySQL, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", s)
	}
}

func (d Dialect) dialector(dsn string) (gorm.Dialector, error) {
	switch d {
	case DialectPostgres:
		return postgres.Open(dsn), nil
	case DialectMySQL:
		normalized, err := mysqlDSN(dsn)
		if err != nil {
			return nil, err
		}
		return mysql.Open(normalized), nil
	default:
		return sqlite.Open(dsn), nil
	}
}

// mysqlDSN forces parseTime so DATETIME scans into time.Time, and UTC so
// stored instants round-trip unchanged.
func mysqlDSN(dsn string) (string, error) {
	cfg, err := gomysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

// dateAndTimeFilter matches the UTC calendar date and zero-padded "HH:MM" of
// ts as strings. Rows are always written in UTC.
func (d Dialect) dateAndTimeFilter() string {
	switch d {
	case DialectPostgres:
		return "TO_CHAR(ts AT TIME ZONE 'UTC', 'YYYY-MM-DD') = ? AND TO_CHAR(ts AT TIME ZONE 'UTC', 'HH24:MI') = ?"
	case DialectMySQL:
		return "DATE_FORMAT(ts, '%Y-%m-%d') = ? AND DATE_FORMAT(ts, '%H:%i') = ?"
	default:
		return "strftime('%Y-%m-%d', ts) = ? AND strftime('%H:%M', ts) = ?"
	}
}

func (d Dialect) migrateDriver(db *sql.DB) (database.Driver, error) {
	switch d {
	case DialectPostgres:
		return migratepostgres.WithInstance(db, &migratepostgres.Config{})
	case DialectMySQL:
		return migratemysql.WithInstance(db, &migratemysql.Config{})
	case DialectSQLite:
		return migratesqlite.WithInstance(db, &migratesqlite.Config{})
	default:
		return nil, fmt.Errorf("unsupported database type for migration: %s", d)
	}
}
