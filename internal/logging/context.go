package logging

import (
	"context"
	"net/http"
)

type contextLoggersKey string

const globalContextLoggersKey contextLoggersKey = "GlobalContextLoggers"

// FromContext returns the Loggers attached to ctx by Middleware, or a disabled
// Loggers if none was attached.
func FromContext(ctx context.Context) *Loggers {
	if v := ctx.Value(globalContextLoggersKey); v != nil {
		if l, ok := v.(*Loggers); ok {
			return l
		}
	}
	return NewDisabledLoggers()
}

// Middleware attaches loggers to every incoming request's context.
func Middleware(loggers *Loggers) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r1 := r.WithContext(context.WithValue(r.Context(), globalContextLoggersKey, loggers))
			next.ServeHTTP(w, r1)
		})
	}
}
