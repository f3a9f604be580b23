package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/brandur/signpost/internal/util/stringutil"
)

//
// CORSMiddleware
//

// CORSMiddleware lets browser clients hosted elsewhere use the API, and
// answers preflight requests directly.
type CORSMiddleware struct{}

func (m *CORSMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Access-Control-Allow-Methods", "DELETE, GET, OPTIONS, POST")
		w.Header().Add("Access-Control-Allow-Origin", "*")
		w.Header().Add("Access-Control-Allow-Headers", "Content-Type, Secret")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

//
// CanonicalLogLineMiddleware
//

type CanonicalLogLineMiddleware struct {
	// A channel over which log data is sent as it's generated, if the channel
	// is set. This is intended for testing purposes so that we can verify log
	// data being generated.
	logDataChan chan map[string]any

	logger *logrus.Logger
}

func (m *CanonicalLogLineMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inspectableWriter, ok := w.(*InspectableWriter)
		if !ok {
			inspectableWriter = &InspectableWriter{ResponseWriter: w}
		}

		requestStart := time.Now()

		next.ServeHTTP(inspectableWriter, r)

		duration := PrettyDuration(time.Since(requestStart))

		var routeStr string
		route := mux.CurrentRoute(r)
		if route != nil {
			pathTemplate, _ := route.GetPathTemplate()
			routeStr = pathTemplate
		}

		routeOrPath := routeStr
		if routeOrPath == "" {
			routeOrPath = r.URL.Path
		}

		// The query string may hold a read secret, so only its length goes
		// out.
		logData := map[string]any{
			"content_type": r.Header.Get("Content-Type"),
			"duration":     duration,
			"http_method":  r.Method,
			"http_path":    stringutil.SampleLong(r.URL.Path),
			"http_route":   routeStr,
			"ip":           m.getIP(r).String(),
			"query_length": len(r.URL.RawQuery),
			"status":       inspectableWriter.StatusCode,
			"user_agent":   r.UserAgent(),
		}

		if m.logDataChan != nil {
			m.logDataChan <- logData
		}

		m.logger.WithFields(logrus.Fields(logData)).
			Infof("canonical_log_line %s %s -> %v (%s)", r.Method, routeOrPath, inspectableWriter.StatusCode, duration)
	})
}

func (m *CanonicalLogLineMiddleware) getIP(r *http.Request) net.IP {
	if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
		// `X-Forwarded-For` may contain a number of IP addresses, with the
		// original client in the leftmost position, and each intermediary proxy
		// following. In these cases, just include the original IP so that we
		// can aggregate on it from logging.
		ips := strings.Split(forwardedFor, ",")
		return net.ParseIP(strings.TrimSpace(ips[0]))
	}

	ipStr, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return nil
	}

	return net.ParseIP(ipStr)
}

// PrettyDuration exists for the simple purpose of making a duration more useful
// when it's emitted to a JSON log or as a string.
//
// A duration will normally produce a string like "42.334µs" which is somewhat
// useful for humans, but not friendly for machine ingestion or aggregation.
// This standardizes the way we spit out durations in the log line to give us a
// normal seconds fraction like "0.000042" instead.
type PrettyDuration time.Duration

func (d PrettyDuration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d PrettyDuration) String() string {
	return fmt.Sprintf(`%05fs`, time.Duration(d).Seconds())
}

//
// InspectableWriterMiddleware
//

// InspectableWriter wraps a response writer so that middleware further up the
// stack can see the status that was written to it. The body passes straight
// through.
type InspectableWriter struct {
	http.ResponseWriter

	StatusCode int
}

func (w *InspectableWriter) WriteHeader(statusCode int) {
	if w.StatusCode == 0 {
		w.StatusCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *InspectableWriter) Write(data []byte) (int, error) {
	if w.StatusCode == 0 {
		w.StatusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(data) //nolint:wrapcheck
}

type InspectableWriterMiddleware struct{}

func NewInspectableWriterMiddleware() *InspectableWriterMiddleware {
	return &InspectableWriterMiddleware{}
}

func (m *InspectableWriterMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(&InspectableWriter{ResponseWriter: w}, r)
	})
}

//
// TimeoutMiddleware
//

// TimeoutMiddleware puts a deadline on each request's context. A handler that
// hasn't finished by the deadline has its response discarded in favor of a
// 504, so that backend calls stuck on a bad connection can't hold a client
// forever.
type TimeoutMiddleware struct {
	timeout time.Duration
}

func NewTimeoutMiddleware(timeout time.Duration) *TimeoutMiddleware {
	return &TimeoutMiddleware{timeout: timeout}
}

func (m *TimeoutMiddleware) Wrapper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestStart := time.Now()

		ctx, cancel := context.WithTimeout(r.Context(), m.timeout)
		defer cancel()

		// The handler writes into a buffer that's only copied out if it
		// finishes in time. It may keep running after we've given up on it.
		buffered := newBufferedResponseWriter()
		done := make(chan struct{})

		go func() {
			defer close(done)
			next.ServeHTTP(buffered, r.WithContext(ctx))
		}()

		select {
		case <-done:
		case <-ctx.Done():
		}

		if err := ctx.Err(); err != nil {
			verb := "was canceled"
			if errors.Is(err, context.DeadlineExceeded) {
				verb = "timed out"
			}

			writeJSON(w, http.StatusGatewayTimeout, &messageResponse{
				Message: fmt.Sprintf("The request %s after %s (maximum request time is %s).",
					verb, PrettyDuration(time.Since(requestStart)), PrettyDuration(m.timeout)),
			})
			return
		}

		buffered.flushTo(w)
	})
}

type bufferedResponseWriter struct {
	body       bytes.Buffer
	header     http.Header
	statusCode int
}

func newBufferedResponseWriter() *bufferedResponseWriter {
	return &bufferedResponseWriter{header: make(http.Header)}
}

func (w *bufferedResponseWriter) Header() http.Header { return w.header }

func (w *bufferedResponseWriter) Write(data []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.body.Write(data) //nolint:wrapcheck
}

func (w *bufferedResponseWriter) WriteHeader(statusCode int) {
	if w.statusCode == 0 {
		w.statusCode = statusCode
	}
}

func (w *bufferedResponseWriter) flushTo(dst http.ResponseWriter) {
	for k, vs := range w.header {
		for _, v := range vs {
			dst.Header().Add(k, v)
		}
	}

	if w.statusCode != 0 {
		dst.WriteHeader(w.statusCode)
	}

	_, _ = dst.Write(w.body.Bytes())
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"message":"` + ErrMessageInternalError + `"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(data)
}
