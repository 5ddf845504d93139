package api

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

// sourceIP resolves the caller's network address. With TrustProxyHeaders the
// leftmost X-Forwarded-For entry wins, otherwise the socket peer address is
// authoritative.
func (s *Server) sourceIP(r *http.Request) (string, error) {
	if s.opts.TrustProxyHeaders {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first := strings.TrimSpace(strings.Split(fwd, ",")[0])
			if ip := net.ParseIP(first); ip != nil {
				return ip.String(), nil
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr may already be a bare IP in tests.
		if ip := net.ParseIP(r.RemoteAddr); ip != nil {
			return ip.String(), nil
		}
		return "", fmt.Errorf("unparseable remote addr %q: %w", r.RemoteAddr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return "", fmt.Errorf("unparseable remote host %q", host)
	}
	return ip.String(), nil
}

// =============================================================================
// RATE LIMITING
// =============================================================================

// ipRateLimiter keeps one token bucket per source address. Stale entries are
// pruned opportunistically so the map does not grow with churn.
type ipRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiterEntry
	rps      rate.Limit
	burst    int

	lastPrune time.Time
}

type ipLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPRateLimiter(rps float64, burst int) *ipRateLimiter {
	return &ipRateLimiter{
		limiters:  make(map[string]*ipLimiterEntry),
		rps:       rate.Limit(rps),
		burst:     burst,
		lastPrune: time.Now(),
	}
}

// Allow reports whether a request from ip may proceed.
func (l *ipRateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipLimiterEntry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now

	if now.Sub(l.lastPrune) > 10*time.Minute {
		for k, e := range l.limiters {
			if now.Sub(e.lastSeen) > 10*time.Minute {
				delete(l.limiters, k)
			}
		}
		l.lastPrune = now
	}

	return entry.limiter.Allow()
}

// =============================================================================
// AGENT AUTH
// =============================================================================

// AgentAuthConfig controls agent token authentication behavior.
type AgentAuthConfig struct {
	// Enabled controls whether authentication is enforced. When false,
	// tokens are checked but never rejected (grace period mode).
	Enabled bool

	// Logger for authentication events.
	Logger *slog.Logger
}

// AgentAuthMiddleware validates agent access tokens against the hash stored
// at registration. Source address identity is checked separately by the
// submission handler; the token is a second factor that fleets opt into.
func (s *Server) AgentAuthMiddleware(config AgentAuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sourceIP, err := s.sourceIP(r)
			if err != nil {
				http.Error(w, "cannot resolve source address", http.StatusBadRequest)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				if config.Enabled {
					config.Logger.Warn("agent auth failed: missing token",
						"path", r.URL.Path,
						"source_ip", sourceIP,
					)
					http.Error(w, "unauthorized: missing token", http.StatusUnauthorized)
					return
				}
				config.Logger.Debug("agent auth: missing token (grace period)",
					"path", r.URL.Path,
					"source_ip", sourceIP,
				)
				next.ServeHTTP(w, r)
				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")

			expectedHash, err := s.tokens.GetAgentTokenHash(r.Context(), sourceIP)
			if err != nil {
				config.Logger.Error("agent auth failed: database error",
					"source_ip", sourceIP,
					"error", err,
				)
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}

			if expectedHash == "" {
				if config.Enabled {
					config.Logger.Warn("agent auth failed: no token configured",
						"source_ip", sourceIP,
						"path", r.URL.Path,
					)
					http.Error(w, "unauthorized: no token configured", http.StatusUnauthorized)
					return
				}
				config.Logger.Debug("agent auth: no token configured (grace period)",
					"source_ip", sourceIP,
				)
				next.ServeHTTP(w, r)
				return
			}

			if err := bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(token)); err != nil {
				if config.Enabled {
					config.Logger.Warn("agent auth failed: invalid token",
						"source_ip", sourceIP,
						"path", r.URL.Path,
					)
					http.Error(w, "unauthorized: invalid token", http.StatusUnauthorized)
					return
				}
				config.Logger.Warn("agent auth: invalid token (grace period - would reject)",
					"source_ip", sourceIP,
				)
				next.ServeHTTP(w, r)
				return
			}

			config.Logger.Debug("agent auth successful",
				"source_ip", sourceIP,
				"path", r.URL.Path,
			)
			next.ServeHTTP(w, r)
		})
	}
}

// wrapHandler converts an http.HandlerFunc to use middleware.
func wrapHandler(h http.HandlerFunc, middleware func(http.Handler) http.Handler) http.HandlerFunc {
	return middleware(h).ServeHTTP
}
