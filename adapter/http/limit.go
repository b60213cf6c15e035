package http

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apierrors "github.com/scttfrdmn/agenkit/incident-go/adapter/errors"
)

// idleLimiter is how long an unused client bucket is kept.
const idleLimiter = 10 * time.Minute

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiter keeps one token bucket per client address.
type clientLimiter struct {
	rate  rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*clientBucket
	swept   time.Time
}

func newClientLimiter(perSecond float64, burst int) *clientLimiter {
	if burst < 1 {
		burst = 1
	}
	return &clientLimiter{
		rate:    rate.Limit(perSecond),
		burst:   burst,
		clients: make(map[string]*clientBucket),
		swept:   time.Now(),
	}
}

func (l *clientLimiter) allow(client string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.swept) > idleLimiter {
		for k, b := range l.clients {
			if now.Sub(b.lastSeen) > idleLimiter {
				delete(l.clients, k)
			}
		}
		l.swept = now
	}

	b, ok := l.clients[client]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[client] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// limit rejects clients over their request budget with 429 and records the
// rejection in the audit log.
func (s *Server) limit(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			client := s.clientAddr(r)
			if !s.limiter.allow(client) {
				s.app.Audit.RateLimited(r.Context(), client, r.URL.Path)
				s.writeError(w, r, apierrors.NewRateLimitError(client))
				return
			}
		}
		next(w, r)
	})
}
