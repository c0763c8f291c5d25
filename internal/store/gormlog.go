package store

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	gormlogger "gorm.io/gorm/logger"
)

// newGormLogger routes gorm's warnings, errors and slow queries into slog.
func newGormLogger(logger *slog.Logger) gormlogger.Interface {
	if logger == nil {
		logger = slog.Default()
	}
	return gormlogger.New(
		&slogWriter{logger: logger.With("component", "gorm")},
		gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

// slogWriter implements gormlogger.Writer. At Warn level gorm prints tagged
// warnings, slow queries and failed statements; failed statements carry no tag.
type slogWriter struct {
	logger *slog.Logger
}

func (w *slogWriter) Printf(format string, v ...interface{}) {
	msg := strings.Join(strings.Fields(fmt.Sprintf(format, v...)), " ")

	switch {
	case strings.Contains(msg, "SLOW SQL"):
		w.logger.Warn("slow query", "detail", msg)
	case strings.Contains(msg, "[warn]"):
		w.logger.Warn("database", "detail", msg)
	default:
		w.logger.Error("database", "detail", msg)
	}
}
