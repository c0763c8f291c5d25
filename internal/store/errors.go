package store

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/i474232898/station-weather/internal/weather"
)

// hasAny returns true if s contains any of the substrings.
func hasAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// isUniqueViolation recognises duplicate-key failures from every supported
// driver, including ones gorm does not translate.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return hasAny(strings.ToLower(err.Error()),
		"duplicate key",     // postgres
		"unique constraint", // sqlite
		"duplicate entry",   // mysql
		"sqlstate 23505",
	)
}

// classify maps a driver error onto the weather storage sentinels.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%s: %w", op, weather.ErrStorageConflict)
	}
	return fmt.Errorf("%s: %w: %w", op, weather.ErrStorageUnavailable, err)
}
