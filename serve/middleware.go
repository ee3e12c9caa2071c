package serve

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

func accessLogMiddleware(log *logrus.Entry) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			llog := log.WithFields(logrus.Fields{
				"http_method": r.Method,
				"remote_addr": r.RemoteAddr,
				"url":         r.URL.String(),
				"range":       r.Header.Get("Range"),
			})

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			llog.Debug("request started")

			defer func(start time.Time) {
				llog.WithFields(logrus.Fields{
					"elapsed":     time.Since(start),
					"status_code": rec.status,
					"bytes":       rec.written,
				}).Info("request completed")
			}(time.Now())

			next.ServeHTTP(rec, r)
		})
	}
}

func panicCatchMiddleware(log *logrus.Entry) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				log.WithField("url", r.URL.String()).Errorf("panic handling request: %v", rec)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// statusRecorder records the status code and body size of a response.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	n, err := s.ResponseWriter.Write(b)
	s.written += int64(n)
	return n, err
}
