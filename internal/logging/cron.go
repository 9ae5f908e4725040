package logging

import (
	"context"

	"github.com/robfig/cron/v3"
)

// CronLogger adapts Logger to cron.Logger so scheduler events (skipped
// overlapping runs, recovered panics) end up in the service log.
type CronLogger struct {
	l Logger
}

var _ cron.Logger = (*CronLogger)(nil)

func NewCronLogger(l Logger) *CronLogger {
	return &CronLogger{l: l.With("module", "cron")}
}

// Info is routed to Debug: cron reports every wake-up at info level.
func (c *CronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(context.Background(), msg, keysAndValues...)
}

func (c *CronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(context.Background(), msg, append(keysAndValues, "error", err)...)
}
