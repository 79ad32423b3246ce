package gateway

import (
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/harun/sandesh/pkg/ratelimit"
)

var (
	errRateLimited       = errors.New("rate limit exceeded")
	errTooManyConcurrent = errors.New("too many concurrent requests")
)

// ClientRateLimiter applies a sliding request window and a concurrency cap
// per client address.
type ClientRateLimiter struct {
	window        *ratelimit.Limiter
	maxConcurrent int
	now           func() time.Time

	mu         sync.Mutex
	concurrent map[string]int
}

// NewClientRateLimiter creates a limiter with the default limits of 60
// requests per minute and 10 concurrent requests.
func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(60, 10)
}

// NewClientRateLimiterWithLimits creates a rate limiter with custom limits
func NewClientRateLimiterWithLimits(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &ClientRateLimiter{
		window:        ratelimit.New(requestsPerMinute, time.Minute),
		maxConcurrent: maxConcurrent,
		now:           time.Now,
		concurrent:    make(map[string]int),
	}
}

// Acquire admits a request from client. The returned release must be called
// when the request finishes.
func (r *ClientRateLimiter) Acquire(client string) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrent[client] >= r.maxConcurrent {
		return nil, errTooManyConcurrent
	}
	if !r.window.Admit(client, r.now()) {
		return nil, errRateLimited
	}
	r.concurrent[client]++

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.concurrent[client] <= 1 {
				delete(r.concurrent, client)
				return
			}
			r.concurrent[client]--
		})
	}, nil
}

// GetStats returns the requests counted in the current window and the
// requests still running for client.
func (r *ClientRateLimiter) GetStats(client string) (requestCount, concurrentCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.window.Count(client, r.now()), r.concurrent[client]
}

// Sweep drops clients whose window is empty.
func (r *ClientRateLimiter) Sweep() int {
	return r.window.Sweep(r.now())
}

// Middleware answers 429 to clients over their limits.
func (r *ClientRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		release, err := r.Acquire(clientAddress(req))
		if err != nil {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate_limited", err.Error())
			return
		}
		defer release()
		next.ServeHTTP(w, req)
	})
}

func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
