package logging

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
)

func captureLogger() (*slog.Logger, *strings.Builder) {
	var out strings.Builder
	logger := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	return logger, &out
}

func serveLogged(handler http.Handler, path, requestID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if requestID != "" {
		req = req.WithContext(context.WithValue(req.Context(), middleware.RequestIDKey, requestID))
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestLoggingMiddlewareQuietPaths(t *testing.T) {
	logger, out := captureLogger()
	handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	tests := []struct {
		path   string
		logged bool
	}{
		{"/health", false},
		{"/metrics", false},
		{"/biomarkers/alt", true},
		{"/carts", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			out.Reset()
			rr := serveLogged(handler, tt.path, "req-1")

			if rr.Code != http.StatusOK {
				t.Errorf("Expected status 200, got %d", rr.Code)
			}
			if got := out.String() != ""; got != tt.logged {
				t.Errorf("Expected logged=%v for %s, got output: %q", tt.logged, tt.path, out.String())
			}
		})
	}
}

func TestLoggingMiddlewareFields(t *testing.T) {
	logger, out := captureLogger()
	handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	}))

	serveLogged(handler, "/carts?seed=1", "req-42")

	logs := out.String()
	for _, want := range []string{
		"HTTP request",
		"request_id=req-42",
		"method=GET",
		"path=/carts",
		"query=\"seed=1\"",
		"status_code=201",
		"bytes_written=7",
	} {
		if !strings.Contains(logs, want) {
			t.Errorf("Expected log to contain %q, got: %s", want, logs)
		}
	}
}

func TestLoggingMiddlewareOmitsEmptyQuery(t *testing.T) {
	logger, out := captureLogger()
	handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	serveLogged(handler, "/carts", "req-1")

	if strings.Contains(out.String(), "query=") {
		t.Errorf("Expected no query field for a bare path, got: %s", out.String())
	}
}

func TestLoggingMiddlewareServerErrorLevel(t *testing.T) {
	logger, out := captureLogger()
	handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	serveLogged(handler, "/carts", "req-1")

	logs := out.String()
	if !strings.Contains(logs, "level=ERROR") {
		t.Errorf("Expected a 500 to log at Error level, got: %s", logs)
	}
	if !strings.Contains(logs, "status_code=500") {
		t.Errorf("Expected status_code=500, got: %s", logs)
	}
}

func TestLoggingMiddlewareImplicitStatus(t *testing.T) {
	logger, out := captureLogger()
	handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No explicit WriteHeader and no body.
	}))

	serveLogged(handler, "/carts", "req-1")

	if !strings.Contains(out.String(), "status_code=200") {
		t.Errorf("Expected implicit 200, got: %s", out.String())
	}
}

func TestLoggingMiddlewareRequestIDFallback(t *testing.T) {
	logger, out := captureLogger()
	handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	serveLogged(handler, "/carts", "")

	if !strings.Contains(out.String(), "request_id=unknown") {
		t.Errorf("Expected request_id=unknown without chi's RequestID middleware, got: %s", out.String())
	}
}
