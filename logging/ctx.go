package logging

import "context"

type contextKey string

const loggerCacheKey contextKey = "logger"

// WithLogger returns a derived context with the provided logger factory attached.
func WithLogger(ctx context.Context, l LoggerFactory) context.Context {
	if l == nil {
		l = getNullLogger
	}

	return context.WithValue(ctx, loggerCacheKey, l)
}

// Module returns an accessor function that retrieves the logger for the given
// module from the context.
func Module(module string) func(ctx context.Context) Logger {
	return func(ctx context.Context) Logger {
		if l, ok := ctx.Value(loggerCacheKey).(LoggerFactory); ok {
			return l(module)
		}

		return nullLogger{}
	}
}
