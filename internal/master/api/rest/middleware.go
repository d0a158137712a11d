package rest

import (
	"net/http"
	"time"
)

// requestLog remembers what a handler wrote.
type requestLog struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (l *requestLog) WriteHeader(code int) {
	if l.status == 0 {
		l.status = code
	}
	l.ResponseWriter.WriteHeader(code)
}

func (l *requestLog) Write(b []byte) (int, error) {
	if l.status == 0 {
		l.status = http.StatusOK
	}
	n, err := l.ResponseWriter.Write(b)
	l.bytes += n
	return n, err
}

// quiet reports whether requests to path are only logged at debug level.
// Scrapers and liveness checks poll these every few seconds.
func quiet(path string) bool {
	return path == metricsPath || path == healthzPath
}

// instrument logs one line per request and answers a panicking handler with
// a 500 error response.
func (a *API) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &requestLog{ResponseWriter: w}

		defer func() {
			if p := recover(); p != nil {
				a.logger.Error("Status API handler panicked", "method", r.Method, "path", r.URL.Path, "panic", p)
				if rec.status == 0 {
					a.respondError(rec, http.StatusInternalServerError, "internal error", "")
				}
			}
			if rec.status == 0 {
				rec.status = http.StatusOK
			}

			log := a.logger.Info
			switch {
			case rec.status >= http.StatusInternalServerError:
				log = a.logger.Warn
			case quiet(r.URL.Path):
				log = a.logger.Debug
			}
			log("Status API request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"bytes", rec.bytes,
				"duration", time.Since(start).String(),
			)
		}()

		next.ServeHTTP(rec, r)
	})
}
