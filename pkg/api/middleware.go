package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ClientLimiter throttles requests per client IP ahead of the scoped
// kernel limits, shielding the store from abusive clients.
type ClientLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClientLimiter builds a per-IP limiter and starts its janitor.
func NewClientLimiter(rps, burst int) *ClientLimiter {
	if rps <= 0 {
		rps = 20
	}
	if burst <= 0 {
		burst = 40
	}
	cl := &ClientLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go cl.evictIdle()
	return cl
}

// Wrap throttles the handler.
func (cl *ClientLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !cl.limiterFor(ip).Allow() {
			WriteJSON(w, http.StatusTooManyRequests, errorBody{Error: "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (cl *ClientLimiter) limiterFor(ip string) *rate.Limiter {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	v, ok := cl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(cl.rps, cl.burst)}
		cl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

func (cl *ClientLimiter) evictIdle() {
	for range time.Tick(time.Minute) {
		cl.mu.Lock()
		for ip, v := range cl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(cl.visitors, ip)
			}
		}
		cl.mu.Unlock()
	}
}
