package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/panelyt/panelyt-api/config"
)

func TestGetTokenCost(t *testing.T) {
	tests := []struct {
		name         string
		path         string
		expectedCost int64
	}{
		{"Index page", "/", 0},
		{"Docs page", "/docs", 0},
		{"OpenAPI spec", "/docs/openapi.yaml", 0},
		{"Favicon", "/favicon.ico", 0},
		{"Metrics scrape", "/metrics", 0},
		{"Health endpoint", "/health", 5},
		{"One-shot comparison", "/compare", 100},
		{"Create cart", "/carts", 30},
		{"Catalog search", "/biomarkers/search/tsh", 30},
		{"Catalog by code", "/biomarkers/ALT", 10},
		{"Catalog by slug", "/biomarkers/slug/zelazo", 10},
		{"Cart read", "/carts/abc123", 20},
		{"Cart selection mutation", "/carts/abc123/biomarkers", 20},
		{"Cart comparison", "/carts/abc123/comparison", 50},
		{"Cart share link", "/carts/abc123/share", 20},
		{"Unknown endpoint", "/unknown", 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if cost := getTokenCost(req); cost != tt.expectedCost {
				t.Errorf("Expected cost %d for path %s, got %d", tt.expectedCost, tt.path, cost)
			}
		})
	}
}

func TestRealIPMiddleware(t *testing.T) {
	tests := []struct {
		name         string
		forwardedFor string
		remoteAddr   string
		expected     string
	}{
		{"No header keeps RemoteAddr", "", "10.0.0.1:5555", "10.0.0.1:5555"},
		{"Single forwarded IP", "1.2.3.4", "10.0.0.1:5555", "1.2.3.4"},
		{"First of the chain wins", "1.2.3.4, 5.6.7.8, 9.9.9.9", "10.0.0.1:5555", "1.2.3.4"},
		{"Whitespace trimmed", "  9.9.9.9  ", "10.0.0.1:5555", "9.9.9.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := RealIPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = r.RemoteAddr
			}))

			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.forwardedFor)
			}
			handler.ServeHTTP(httptest.NewRecorder(), req)

			if seen != tt.expected {
				t.Errorf("Expected RemoteAddr %q, got %q", tt.expected, seen)
			}
		})
	}
}

func TestBlockDirectAccessMiddleware(t *testing.T) {
	tests := []struct {
		name         string
		remoteAddr   string
		realIP       string
		forwardedFor string
		expectedCode int
	}{
		{"Proxied via X-Real-IP", "203.0.113.5:9999", "1.2.3.4", "", http.StatusOK},
		{"Proxied via X-Forwarded-For", "203.0.113.5:9999", "", "1.2.3.4", http.StatusOK},
		{"Direct localhost allowed", "127.0.0.1:1234", "", "", http.StatusOK},
		{"Direct IPv6 loopback allowed", "[::1]:1234", "", "", http.StatusOK},
		{"Unparseable host falls through", "localhost", "", "", http.StatusOK},
		{"Direct external blocked", "203.0.113.5:9999", "", "", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := BlockDirectAccessMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			if tt.forwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.forwardedFor)
			}

			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.expectedCode {
				t.Errorf("Expected status %d, got %d", tt.expectedCode, rr.Code)
			}
		})
	}
}

// plainBody hides the concrete reader type so httptest leaves
// ContentLength unset, like a chunked upload.
type plainBody struct {
	io.Reader
}

func TestRequestSizeMiddleware(t *testing.T) {
	cfg := &config.Config{
		MaxRequestBody: 100,
		MaxHeaderSize:  200,
	}

	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("small request passes", func(t *testing.T) {
		handler := RequestSizeMiddleware(cfg)(okHandler)
		req := httptest.NewRequest(http.MethodPost, "/carts", strings.NewReader(`{"code":"alt"}`))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("Expected 200, got %d", rr.Code)
		}
	})

	t.Run("declared body too large", func(t *testing.T) {
		handler := RequestSizeMiddleware(cfg)(okHandler)
		req := httptest.NewRequest(http.MethodPost, "/carts", strings.NewReader(strings.Repeat("x", 150)))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("Expected 413, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "Request body too large") {
			t.Errorf("Unexpected body: %s", rr.Body.String())
		}
	})

	t.Run("headers too large", func(t *testing.T) {
		handler := RequestSizeMiddleware(cfg)(okHandler)
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("X-Big", strings.Repeat("a", 300))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusRequestHeaderFieldsTooLarge {
			t.Errorf("Expected 431, got %d", rr.Code)
		}
	})

	t.Run("undeclared body capped while reading", func(t *testing.T) {
		var readErr error
		reader := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, readErr = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusOK)
		})
		handler := RequestSizeMiddleware(cfg)(reader)

		req := httptest.NewRequest(http.MethodPost, "/carts", plainBody{strings.NewReader(strings.Repeat("x", 150))})
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if readErr == nil {
			t.Error("Expected the capped reader to fail past the limit")
		}
	})
}

func TestRateLimiterMiddleware(t *testing.T) {
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("free route never drains", func(t *testing.T) {
		rl := NewRateLimiter()
		defer rl.Close()
		handler := rl.Middleware(okHandler)

		for i := 0; i < 50; i++ {
			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			req.RemoteAddr = "10.1.1.1:1000"
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != http.StatusOK {
				t.Fatalf("Request %d: expected 200, got %d", i, rr.Code)
			}
		}
	})

	t.Run("drained client gets 429", func(t *testing.T) {
		rl := NewRateLimiter()
		defer rl.Close()
		handler := rl.Middleware(okHandler)

		// /compare costs 100, the bucket holds 1000
		for i := 0; i < 10; i++ {
			req := httptest.NewRequest(http.MethodGet, "/compare?biomarkers=alt", nil)
			req.RemoteAddr = "10.2.2.2:1000"
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != http.StatusOK {
				t.Fatalf("Request %d: expected 200, got %d", i, rr.Code)
			}
		}

		req := httptest.NewRequest(http.MethodGet, "/compare?biomarkers=alt", nil)
		req.RemoteAddr = "10.2.2.2:1000"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusTooManyRequests {
			t.Fatalf("Expected 429, got %d", rr.Code)
		}
		if rr.Header().Get("Retry-After") != "60" {
			t.Errorf("Expected Retry-After header, got %q", rr.Header().Get("Retry-After"))
		}
		if rr.Header().Get("X-RateLimit-Remaining") != "0" {
			t.Errorf("Expected zero remaining, got %q", rr.Header().Get("X-RateLimit-Remaining"))
		}
	})

	t.Run("buckets are per client", func(t *testing.T) {
		rl := NewRateLimiter()
		defer rl.Close()
		handler := rl.Middleware(okHandler)

		for i := 0; i < 11; i++ {
			req := httptest.NewRequest(http.MethodGet, "/compare?biomarkers=alt", nil)
			req.RemoteAddr = "10.3.3.3:1000"
			handler.ServeHTTP(httptest.NewRecorder(), req)
		}

		req := httptest.NewRequest(http.MethodGet, "/compare?biomarkers=alt", nil)
		req.RemoteAddr = "10.4.4.4:1000"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("Expected a fresh client to pass, got %d", rr.Code)
		}
	})

	t.Run("rate limit headers present", func(t *testing.T) {
		rl := NewRateLimiter()
		defer rl.Close()
		handler := rl.Middleware(okHandler)

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "10.5.5.5:1000"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Header().Get("X-RateLimit-Limit") != "1000" {
			t.Errorf("Expected limit header 1000, got %q", rr.Header().Get("X-RateLimit-Limit"))
		}
		if rr.Header().Get("X-RateLimit-Rate") != "3" {
			t.Errorf("Expected rate header 3, got %q", rr.Header().Get("X-RateLimit-Rate"))
		}
		if rr.Header().Get("X-RateLimit-Remaining") == "" {
			t.Error("Expected remaining header to be set")
		}
	})

	t.Run("close is idempotent", func(t *testing.T) {
		rl := NewRateLimiter()
		rl.Close()
		rl.Close()
	})
}
