package db

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/arencloud/bucketbridge/internal/logging"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// slowQuery promotes a statement to info when it takes longer than this.
const slowQuery = 200 * time.Millisecond

// sqlLogger routes gorm output into the structured logger. Raw SQL is never
// logged; only the operation and the table are.
type sqlLogger struct {
	l     logging.Logger
	level logger.LogLevel
}

func newGormLogger(l logging.Logger, lvl logger.LogLevel) *sqlLogger {
	return &sqlLogger{l: l, level: lvl}
}

func (g *sqlLogger) LogMode(l logger.LogLevel) logger.Interface {
	cp := *g
	cp.level = l
	return &cp
}

func (g *sqlLogger) Info(_ context.Context, msg string, data ...any) {
	if g.level >= logger.Info {
		g.l.Info("gorm", "msg", fmt.Sprintf(msg, data...))
	}
}

func (g *sqlLogger) Warn(_ context.Context, msg string, data ...any) {
	if g.level >= logger.Warn {
		g.l.Error("gorm_warn", "msg", fmt.Sprintf(msg, data...))
	}
}

func (g *sqlLogger) Error(_ context.Context, msg string, data ...any) {
	if g.level >= logger.Error {
		g.l.Error("gorm_error", "msg", fmt.Sprintf(msg, data...))
	}
}

func (g *sqlLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= logger.Silent {
		return
	}
	sql, rows := fc()
	dur := time.Since(begin)
	op, table := summarizeSQL(sql)
	fields := []any{"op", op, "table", table, "rows", rows, "durationMs", float64(dur) / 1e6, "caller", callerFileLine()}
	switch {
	case err != nil && errors.Is(err, gorm.ErrRecordNotFound):
		if g.level >= logger.Info {
			g.l.Debug("gorm_sql", append(fields, "notFound", true)...)
		}
	case err != nil:
		g.l.Error("gorm_sql", append(fields, "error", err.Error())...)
	case dur > slowQuery && g.level >= logger.Warn:
		g.l.Info("gorm_sql_slow", fields...)
	case g.level >= logger.Info:
		g.l.Debug("gorm_sql", fields...)
	}
}

// callerFileLine returns the first frame outside gorm.
func callerFileLine() string {
	for i := 3; i < 15; i++ {
		_, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if !strings.Contains(file, "gorm.io") {
			return fmt.Sprintf("%s:%d", file, line)
		}
	}
	return ""
}

// summarizeSQL reduces a statement to its verb and target table,
// e.g. "SELECT", "trace_rows".
func summarizeSQL(sql string) (op, table string) {
	words := strings.Fields(sql)
	if len(words) == 0 {
		return "", ""
	}
	op = strings.ToUpper(words[0])
	var marker string
	switch op {
	case "UPDATE":
		if len(words) > 1 {
			return op, cleanIdent(words[1])
		}
		return op, ""
	case "INSERT", "REPLACE":
		marker = "INTO"
	default:
		marker = "FROM"
	}
	for i, w := range words[:len(words)-1] {
		if strings.EqualFold(w, marker) {
			return op, cleanIdent(words[i+1])
		}
	}
	return op, ""
}

func cleanIdent(s string) string {
	if i := strings.IndexByte(s, '('); i >= 0 {
		s = s[:i]
	}
	return strings.ToLower(strings.Trim(s, "`\"'"))
}
