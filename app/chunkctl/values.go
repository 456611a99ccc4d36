package chunkctl

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ppdbx/chunkpromoter/pkg/db/chunks"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// parseValues turns column=value pairs into typed values. Integers, floats and booleans are
// converted so typed Postgres columns accept them; "null" becomes NULL.
func parseValues(pairs []string) (chunks.Values, error) {
	values := make(chunks.Values, len(pairs))
	for _, pair := range pairs {
		col, raw, ok := strings.Cut(pair, "=")
		col = strings.TrimSpace(col)
		if !ok || col == "" {
			return nil, fmt.Errorf("invalid --set %q: want column=value", pair)
		}
		if _, dup := values[col]; dup {
			return nil, fmt.Errorf("column %q set twice", col)
		}
		values[col] = parseValue(raw)
	}
	return values, nil
}

func parseValue(raw string) any {
	if raw == "null" {
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}

// CronLogger routes cron scheduler logs to zap.
type CronLogger struct{ l *zap.SugaredLogger }

var _ cron.Logger = CronLogger{}

func NewCronLogger(logger *zap.Logger) CronLogger {
	return CronLogger{l: logger.Sugar()}
}

func (c CronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
