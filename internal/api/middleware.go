package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	xerrors "github.com/Coding-With-Josh/aegis/internal/errors"
	"github.com/Coding-With-Josh/aegis/internal/observability/metrics"
)

// statusRecorder 捕获响应状态码。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument 以路由模式为维度记录请求指标。
func (s *Server) instrument(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(pattern, r.Method, rec.status, time.Since(start))
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientKey(r)) {
			w.Header().Set("Retry-After", "1")
			s.writeError(w, r, xerrors.New(xerrors.CodeRateLimited, ""))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey 按来源 IP 区分客户端。限流发生在认证之前，
// 请求头中的凭证尚未校验，不能作为分桶依据。
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return host
}

const (
	limiterIdleTTL    = 10 * time.Minute
	limiterSweepSize  = 4096
	limiterMaxClients = 4 * limiterSweepSize
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiter 为每个客户端维护一个令牌桶。
type clientLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	clients map[string]*limiterEntry
	now     func() time.Time
}

func newClientLimiter(rps float64, burst int) *clientLimiter {
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &clientLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		clients: make(map[string]*limiterEntry),
		now:     time.Now,
	}
}

func (c *clientLimiter) allow(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if len(c.clients) >= limiterSweepSize {
		for k, e := range c.clients {
			if now.Sub(e.lastSeen) > limiterIdleTTL {
				delete(c.clients, k)
			}
		}
	}
	e, ok := c.clients[key]
	if !ok {
		if len(c.clients) >= limiterMaxClients {
			c.evictOldest()
		}
		e = &limiterEntry{limiter: rate.NewLimiter(c.limit, c.burst)}
		c.clients[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (c *clientLimiter) evictOldest() {
	var (
		oldest string
		seen   time.Time
	)
	for k, e := range c.clients {
		if oldest == "" || e.lastSeen.Before(seen) {
			oldest, seen = k, e.lastSeen
		}
	}
	delete(c.clients, oldest)
}
