package metrics

import (
	"net/http"
	"time"
)

// InstrumentHandler wraps next so every request is counted and timed under
// route. route should be the pattern, not the concrete path, to keep label
// cardinality bounded (e.g. "/api/v1/submissions/{id}").
func InstrumentHandler(m *Metrics, route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		m.RecordHTTPRequest(route, r.Method, rec.status, time.Since(start).Seconds())
	})
}

// statusRecorder remembers the first status code written.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

// Since returns a func that reports the seconds elapsed from start to record.
// Typical use is:
//
//	defer metrics.Since(time.Now(), func(d float64) { m.RecordDBQuery("get", "submissions", d, err) })()
func Since(start time.Time, record func(float64)) func() {
	return func() {
		record(time.Since(start).Seconds())
	}
}
