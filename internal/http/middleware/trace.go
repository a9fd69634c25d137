package middleware

import (
	"log"
	"net/http"
	"time"
)

// statusRecorder captures the response status. Unwrap lets
// http.ResponseController reach the underlying Flusher for streams.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(body []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	written, err := r.ResponseWriter.Write(body)
	r.bytes += written
	return written, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func Trace(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(recorder, r)
			if logger == nil {
				return
			}
			status := recorder.status
			if status == 0 {
				status = http.StatusOK
			}
			logger.Printf(
				"trace request_id=%s method=%s path=%s status=%d bytes=%d duration_ms=%d",
				GetRequestID(r.Context()),
				r.Method,
				r.URL.Path,
				status,
				recorder.bytes,
				time.Since(start).Milliseconds(),
			)
		})
	}
}
