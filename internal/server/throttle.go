package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// throttle caps attempts per client key within a fixed window.
type throttle struct {
	mu     sync.Mutex
	cache  *cache.Cache
	max    int
	window time.Duration
}

func newThrottle(max int, window time.Duration) *throttle {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &throttle{
		cache:  cache.New(window, window*2),
		max:    max,
		window: window,
	}
}

// allow counts one attempt for key and reports whether it is within the limit.
func (t *throttle) allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.cache.Add(key, 1, t.window); err == nil {
		return true
	}
	n, err := t.cache.IncrementInt(key, 1)
	if err != nil {
		t.cache.Set(key, 1, t.window)
		return true
	}
	return n <= t.max
}

type clientIPKey struct{}

// withClientIP records the peer address for handlers that throttle by client.
func withClientIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clientIPKey{}, host)))
	})
}

func clientIP(ctx context.Context) string {
	if ip, ok := ctx.Value(clientIPKey{}).(string); ok {
		return ip
	}
	return "unknown"
}
