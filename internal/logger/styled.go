package logger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/olla-mesh/streamrouter/internal/domain"
)

// LogContext carries the two-tier log payload used by the *WithContext
// methods: UserArgs go on a short line, and a non-empty DetailedArgs adds
// a second, detailed line. Both lines go to every configured handler.
type LogContext struct {
	UserArgs     []any
	DetailedArgs []any
}

// StyledLogger wraps slog.Logger with a small set of router-specific
// convenience methods (endpoint-tagged, connection-tagged, state-tagged
// log lines) used throughout the Acceptor/Balancer/Duplex call paths.
type StyledLogger struct {
	logger *slog.Logger
}

func NewStyledLogger(logger *slog.Logger) *StyledLogger {
	return &StyledLogger{logger: logger}
}

// NewLoggers builds both the raw slog.Logger and a StyledLogger wrapping
// it, sharing one set of handlers and one cleanup function.
func NewLoggers(cfg *Config) (*slog.Logger, *StyledLogger, func(), error) {
	logger, cleanup, err := New(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return logger, NewStyledLogger(logger), cleanup, nil
}

func (sl *StyledLogger) Debug(msg string, args ...any) { sl.logger.Debug(msg, args...) }
func (sl *StyledLogger) Info(msg string, args ...any)  { sl.logger.Info(msg, args...) }
func (sl *StyledLogger) Warn(msg string, args ...any)  { sl.logger.Warn(msg, args...) }
func (sl *StyledLogger) Error(msg string, args ...any) { sl.logger.Error(msg, args...) }

func (sl *StyledLogger) InfoWithCount(msg string, count int, args ...any) {
	sl.logger.Info(fmt.Sprintf("%s (%d)", msg, count), args...)
}

func (sl *StyledLogger) InfoWithEndpoint(msg string, endpoint string, args ...any) {
	sl.logger.Info(fmt.Sprintf("%s %s", msg, endpoint), args...)
}

func (sl *StyledLogger) WarnWithEndpoint(msg string, endpoint string, args ...any) {
	sl.logger.Warn(fmt.Sprintf("%s %s", msg, endpoint), args...)
}

func (sl *StyledLogger) ErrorWithEndpoint(msg string, endpoint string, args ...any) {
	sl.logger.Error(fmt.Sprintf("%s %s", msg, endpoint), args...)
}

// InfoEndpointState logs a balancer endpoint-table transition, e.g. an
// endpoint entering cooldown or returning to idle.
func (sl *StyledLogger) InfoEndpointState(msg string, key string, state domain.EndpointState, args ...any) {
	sl.logger.Info(fmt.Sprintf("%s %s is %s", msg, key, state), args...)
}

func (sl *StyledLogger) InfoWithNumbers(msg string, numbers ...int64) {
	vals := make([]interface{}, len(numbers))
	for i, n := range numbers {
		vals[i] = n
	}
	sl.logger.Info(fmt.Sprintf(msg, vals...))
}

// InfoConfigChange logs a one-line notice that the named config section
// changed, with a free-form detail.
func (sl *StyledLogger) InfoConfigChange(section, detail string) {
	sl.logger.Info(fmt.Sprintf("configuration changed for %s: %s", section, detail))
}

// GetUnderlying returns the underlying slog.Logger for cases where direct access is needed
func (sl *StyledLogger) GetUnderlying() *slog.Logger {
	return sl.logger
}

func (sl *StyledLogger) WithConnID(connID string) *StyledLogger {
	return sl.With("conn_id", connID)
}

func (sl *StyledLogger) WithAttrs(attrs ...slog.Attr) *StyledLogger {
	args := make([]any, 0, len(attrs)*2)
	for _, attr := range attrs {
		args = append(args, attr.Key, attr.Value)
	}
	return &StyledLogger{logger: sl.logger.With(args...)}
}

func (sl *StyledLogger) With(args ...any) *StyledLogger {
	return &StyledLogger{logger: sl.logger.With(args...)}
}

func (sl *StyledLogger) InfoWithContext(msg string, endpoint string, ctx LogContext) {
	sl.logWithContext(LogLevelInfo, msg, endpoint, ctx)
}

func (sl *StyledLogger) WarnWithContext(msg string, endpoint string, ctx LogContext) {
	sl.logWithContext(LogLevelWarn, msg, endpoint, ctx)
}

func (sl *StyledLogger) ErrorWithContext(msg string, endpoint string, ctx LogContext) {
	sl.logWithContext(LogLevelError, msg, endpoint, ctx)
}

// logWithContext sends a short line to every handler, then, when
// ctx.DetailedArgs is non-empty, a detailed line carrying them. The
// detailed line's context holds DefaultDetailedCookie, but no handler
// filters on it, so both lines reach every handler.
func (sl *StyledLogger) logWithContext(level string, msg string, endpoint string, ctx LogContext) {
	styledMsg := fmt.Sprintf("%s %s", msg, endpoint)

	switch level {
	case LogLevelInfo:
		sl.logger.Info(styledMsg, ctx.UserArgs...)
	case LogLevelWarn:
		sl.logger.Warn(styledMsg, ctx.UserArgs...)
	case LogLevelError:
		sl.logger.Error(styledMsg, ctx.UserArgs...)
	}

	if len(ctx.DetailedArgs) > 0 {
		allArgs := make([]interface{}, 0, len(ctx.UserArgs)+len(ctx.DetailedArgs)+2)
		allArgs = append(allArgs, "endpoint", endpoint)
		allArgs = append(allArgs, ctx.UserArgs...)
		allArgs = append(allArgs, ctx.DetailedArgs...)

		detailedCtx := context.WithValue(context.Background(), DefaultDetailedCookie, true)

		switch level {
		case LogLevelInfo:
			sl.logger.InfoContext(detailedCtx, msg, allArgs...)
		case LogLevelWarn:
			sl.logger.WarnContext(detailedCtx, msg, allArgs...)
		case LogLevelError:
			sl.logger.ErrorContext(detailedCtx, msg, allArgs...)
		}
	}
}
