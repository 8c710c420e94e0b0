package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestLogMiddlewareGeneratesRequestID(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/anything", nil)

	requestLogMiddleware(inner).ServeHTTP(rec, req)

	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestRequestLogMiddlewarePreservesSuppliedRequestID(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.Header.Set(requestIDHeader, "caller-supplied-id")

	requestLogMiddleware(inner).ServeHTTP(rec, req)

	assert.Equal(t, "caller-supplied-id", rec.Header().Get(requestIDHeader))
}

func TestStatusRecorderDefaultsToOK(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec, status: http.StatusOK}
	assert.Equal(t, http.StatusOK, sr.status)
}
