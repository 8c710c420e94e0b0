package main

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pegboardhq/engine/pkg/log"
)

const requestIDHeader = "X-Request-Id"

// requestLogMiddleware stamps every inbound request with a correlation ID
// (generated if the caller didn't supply one), echoes it back in the
// response, and logs method/path/status/duration keyed by that ID —
// mirroring evalgo-org-eve's uuid-per-operation tracking middleware, adapted
// from an Echo middleware into a plain net/http wrapper since this CLI hand-
// rolls its mux rather than pulling in a web framework.
func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		requestID := req.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, requestID)

		logger := log.WithRequestID(requestID)
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, req)

		logger.Info().
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request handled")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack passes through to the underlying ResponseWriter's Hijacker, since
// the guard route's runner_connect WebSocket upgrade needs it and wrapping
// http.ResponseWriter in an interface-typed struct field otherwise hides it.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not support hijacking")
	}
	return hj.Hijack()
}
