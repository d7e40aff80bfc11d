package server

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/ratelimit"

	"github.com/panelyt/panelyt-api/config"
	"github.com/panelyt/panelyt-api/handlers"
	"github.com/panelyt/panelyt-api/logging"
	"github.com/panelyt/panelyt-api/metrics"
)

// Token bucket parameters shared by every client IP.
const (
	bucketFillPerSecond = 3
	bucketCapacity      = 1000
)

// RealIPMiddleware rewrites RemoteAddr from X-Forwarded-For so everything
// downstream keys on the address the proxy saw.
func RealIPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// The proxy appends, so the client sits first in the list.
			first, _, _ := strings.Cut(xff, ",")
			r.RemoteAddr = strings.TrimSpace(first)
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopbackHost(host string) bool {
	return host == "127.0.0.1" || host == "::1" || host == "localhost"
}

// BlockDirectAccessMiddleware refuses requests that reached the socket
// without passing the reverse proxy. Loopback clients stay open so local
// development keeps working.
func BlockDirectAccessMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxied := r.Header.Get("X-Real-IP") != "" || r.Header.Get("X-Forwarded-For") != ""

		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}

		if !proxied && !isLoopbackHost(host) {
			logging.Warn("Blocked unproxied request", "remote_addr", r.RemoteAddr, "user_agent", r.UserAgent())
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestSizeMiddleware rejects oversized requests before handlers read
// them. Bodies without a declared length get capped by MaxBytesReader.
func RequestSizeMiddleware(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > cfg.MaxRequestBody {
				logging.Warn("Request body too large",
					"content_length", r.ContentLength,
					"max_allowed", cfg.MaxRequestBody,
					"remote_addr", r.RemoteAddr,
					"user_agent", r.UserAgent())
				handlers.RespondWithError(w, http.StatusRequestEntityTooLarge,
					fmt.Sprintf("Request body too large. Maximum allowed size is %d bytes", cfg.MaxRequestBody))
				return
			}

			if size := headerBytes(r.Header); size > cfg.MaxHeaderSize {
				logging.Warn("Request headers too large",
					"header_size", size,
					"max_allowed", cfg.MaxHeaderSize,
					"remote_addr", r.RemoteAddr,
					"user_agent", r.UserAgent())
				handlers.RespondWithError(w, http.StatusRequestHeaderFieldsTooLarge,
					fmt.Sprintf("Request headers too large. Maximum allowed size is %d bytes", cfg.MaxHeaderSize))
				return
			}

			// Chunked uploads carry no Content-Length, so cap the body too
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxRequestBody)
			}

			next.ServeHTTP(w, r)
		})
	}
}

// headerBytes sums keys and values, ignoring separators.
func headerBytes(h http.Header) int64 {
	var n int64
	for key, values := range h {
		n += int64(len(key))
		for _, value := range values {
			n += int64(len(value))
		}
	}
	return n
}

// RateLimiter manages per-client token buckets. Buckets refill at
// bucketFillPerSecond and drained clients get 429s until they recover.
type RateLimiter struct {
	clients  map[string]*ratelimit.Bucket
	mu       sync.RWMutex
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRateLimiter creates a rate limiter and starts its sweep loop.
// Call Close to release it.
func NewRateLimiter() *RateLimiter {
	rl := &RateLimiter{
		clients: make(map[string]*ratelimit.Bucket),
		stop:    make(chan struct{}),
	}
	rl.wg.Add(1)
	go rl.sweep()
	return rl
}

func (rl *RateLimiter) bucketFor(clientIP string) *ratelimit.Bucket {
	rl.mu.RLock()
	b, ok := rl.clients[clientIP]
	rl.mu.RUnlock()
	if ok {
		return b
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok = rl.clients[clientIP]; ok {
		return b
	}
	b = ratelimit.NewBucketWithRate(bucketFillPerSecond, bucketCapacity)
	rl.clients[clientIP] = b
	metrics.RateLimiterBucketsTotal.Set(float64(len(rl.clients)))
	return b
}

// sweep drops clients whose buckets refilled completely, so idle IPs do
// not accumulate forever.
func (rl *RateLimiter) sweep() {
	defer rl.wg.Done()
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			for ip, bucket := range rl.clients {
				if bucket.Available() == bucket.Capacity() {
					delete(rl.clients, ip)
				}
			}
			metrics.RateLimiterBucketsTotal.Set(float64(len(rl.clients)))
			rl.mu.Unlock()
		case <-rl.stop:
			return
		}
	}
}

// Close stops the sweep loop.
func (rl *RateLimiter) Close() {
	rl.stopOnce.Do(func() { close(rl.stop) })
	rl.wg.Wait()
}

// getTokenCost prices a request by how much work it causes. Static
// pages and the metrics scrape are free, catalog lookups are cheap,
// anything that fans out to the pricing service costs real tokens.
func getTokenCost(r *http.Request) int64 {
	path := r.URL.Path

	switch path {
	case "/", "/docs", "/docs/openapi.yaml", "/favicon.ico", "/metrics":
		return 0
	case "/health":
		return 5
	case "/compare":
		return 100
	case "/carts":
		return 30
	}

	switch {
	case strings.HasPrefix(path, "/biomarkers/search/"):
		return 30
	case strings.HasPrefix(path, "/biomarkers/"):
		return 10
	case strings.HasPrefix(path, "/carts/"):
		if strings.HasSuffix(path, "/comparison") {
			return 50
		}
		return 20
	}

	return 20
}

// Middleware enforces the limiter keyed by RemoteAddr, which holds the
// client IP once RealIPMiddleware has run.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := rl.bucketFor(r.RemoteAddr)
		cost := getTokenCost(r)

		// Advertise the limits before consuming tokens
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(bucketCapacity))
		w.Header().Set("X-RateLimit-Rate", strconv.Itoa(bucketFillPerSecond))

		if b.TakeAvailable(cost) < cost {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("Retry-After", "60")
			http.Error(w, "Too many requests, slow down.", http.StatusTooManyRequests)
			return
		}

		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(b.Available(), 10))

		next.ServeHTTP(w, r)
	})
}
