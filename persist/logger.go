package persist

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/trickstertwo/xlog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// gormLogger sends GORM's output to xlog. Statements are logged at debug,
// slow ones at warn and failures at error; record-not-found is not a failure.
type gormLogger struct {
	l     *xlog.Logger
	level logger.LogLevel
	slow  time.Duration
}

func newGormLogger(l *xlog.Logger, slow time.Duration) logger.Interface {
	return &gormLogger{l: l, level: logger.Warn, slow: slow}
}

func (g *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	cp := *g
	cp.level = level
	return &cp
}

func (g *gormLogger) Info(_ context.Context, msg string, args ...any) {
	if g.level >= logger.Info {
		g.l.Info().Str("component", "gorm").Msg(fmt.Sprintf(msg, args...))
	}
}

func (g *gormLogger) Warn(_ context.Context, msg string, args ...any) {
	if g.level >= logger.Warn {
		g.l.Warn().Str("component", "gorm").Msg(fmt.Sprintf(msg, args...))
	}
}

func (g *gormLogger) Error(_ context.Context, msg string, args ...any) {
	if g.level >= logger.Error {
		g.l.Error().Str("component", "gorm").Msg(fmt.Sprintf(msg, args...))
	}
}

func (g *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && g.level >= logger.Error:
		sql, rows := fc()
		g.l.Error().Err(err).Str("sql", sql).Str("rows", strconv.FormatInt(rows, 10)).Dur("elapsed", elapsed).Msg("query failed")
	case g.slow > 0 && elapsed > g.slow && g.level >= logger.Warn:
		sql, rows := fc()
		g.l.Warn().Str("sql", sql).Str("rows", strconv.FormatInt(rows, 10)).Dur("elapsed", elapsed).Msg("slow query")
	case g.level >= logger.Info:
		sql, rows := fc()
		g.l.Debug().Str("sql", sql).Str("rows", strconv.FormatInt(rows, 10)).Dur("elapsed", elapsed).Msg("query")
	}
}
