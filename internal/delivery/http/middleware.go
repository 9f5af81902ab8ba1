package http

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenValidator resolves a bearer token to the identity it was issued for.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

type identityKey struct{}

// Authenticate stores the identity of a valid "Authorization: Bearer" token
// in the request context. Requests without a token pass through anonymous;
// requests with a bad one are rejected.
func Authenticate(tokens TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}

			scheme, token, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
				writeError(w, http.StatusUnauthorized, "INVALID_TOKEN", "malformed authorization header")
				return
			}

			identity, err := tokens.ValidateToken(strings.TrimSpace(token))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, identity)))
		})
	}
}

func IdentityFromContext(ctx context.Context) (string, bool) {
	identity, ok := ctx.Value(identityKey{}).(string)
	return identity, ok && identity != ""
}

// Throttle limits request rate per caller: one request per period with the
// given burst. Callers are keyed by authenticated identity, or by client IP
// for anonymous requests.
type Throttle struct {
	period time.Duration
	burst  int

	mu        sync.Mutex
	limiters  map[string]*throttleEntry
	lastSweep time.Time
}

type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewThrottle(period time.Duration, burst int) *Throttle {
	return &Throttle{
		period:    period,
		burst:     burst,
		limiters:  make(map[string]*throttleEntry),
		lastSweep: time.Now(),
	}
}

func (t *Throttle) Allow(key string) bool {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.sweep(now)
	entry, ok := t.limiters[key]
	if !ok {
		entry = &throttleEntry{limiter: rate.NewLimiter(rate.Every(t.period), t.burst)}
		t.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// sweep drops callers idle long enough for their bucket to be full again.
func (t *Throttle) sweep(now time.Time) {
	idle := t.period * time.Duration(t.burst+1)
	if now.Sub(t.lastSweep) < idle {
		return
	}
	for key, entry := range t.limiters {
		if now.Sub(entry.lastSeen) >= idle {
			delete(t.limiters, key)
		}
	}
	t.lastSweep = now
}

func (t *Throttle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := IdentityFromContext(r.Context())
		if !ok {
			key = "ip:" + extractIP(r)
		}
		if !t.Allow(key) {
			w.Header().Set("Retry-After", retryAfterSeconds(t.period))
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractIP uses the connection address only. Deployments behind a proxy
// mount chi's RealIP middleware first so RemoteAddr holds the client.
func extractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
