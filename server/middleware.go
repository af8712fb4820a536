package server

import (
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// authConfig holds the credentials guarding /status.
type authConfig struct {
	username string
	password string
	token    string
	enabled  bool
}

func loadAuthConfig() *authConfig {
	cfg := &authConfig{
		username: os.Getenv("STATUS_USERNAME"),
		password: os.Getenv("STATUS_PASSWORD"),
		token:    os.Getenv("STATUS_TOKEN"),
	}
	cfg.enabled = (cfg.username != "" && cfg.password != "") || cfg.token != ""
	if !cfg.enabled {
		slog.Warn("status endpoint is unprotected; set STATUS_TOKEN or STATUS_USERNAME+STATUS_PASSWORD", slog.String("component", "http"))
	}
	return cfg
}

// requireAuth accepts an X-Status-Token header or Basic credentials. With nothing
// configured every request passes.
func requireAuth(next http.Handler, cfg *authConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.enabled || cfg.authorized(r) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="memes2telegram"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		slog.Warn("status auth failed", slog.String("path", r.URL.Path), slog.String("remote_addr", r.RemoteAddr))
	})
}

func (c *authConfig) authorized(r *http.Request) bool {
	if c.token != "" {
		if t := r.Header.Get("X-Status-Token"); t != "" && equal(t, c.token) {
			return true
		}
	}
	if c.username == "" || c.password == "" {
		return false
	}
	u, p, ok := r.BasicAuth()
	// evaluate both so timing does not reveal which one differs
	userOK, passOK := equal(u, c.username), equal(p, c.password)
	return ok && userOK && passOK
}

func equal(a, b string) bool { return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1 }

type rateLimiterConfig struct {
	enabled bool
	rps     rate.Limit
	burst   int
	idle    time.Duration
	// trusted lists the reverse proxies whose X-Forwarded-For is believed.
	trusted []netip.Prefix
}

func loadRateLimiterConfig() *rateLimiterConfig {
	cfg := &rateLimiterConfig{
		enabled: os.Getenv("RATE_LIMIT_ENABLED") != "0",
		rps:     1,
		burst:   10,
		idle:    10 * time.Minute,
	}
	if v, err := strconv.ParseFloat(os.Getenv("RATE_LIMIT_RPS"), 64); err == nil && v > 0 {
		cfg.rps = rate.Limit(v)
	}
	if v, err := strconv.Atoi(os.Getenv("RATE_LIMIT_BURST")); err == nil && v > 0 {
		cfg.burst = v
	}
	cfg.trusted = parseTrustedProxies(os.Getenv("TRUSTED_PROXIES"))
	return cfg
}

// parseTrustedProxies reads a comma separated list of IPs and CIDR prefixes. Invalid
// entries are logged and skipped.
func parseTrustedProxies(v string) []netip.Prefix {
	var out []netip.Prefix
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if p, err := netip.ParsePrefix(part); err == nil {
			out = append(out, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(part); err == nil {
			out = append(out, netip.PrefixFrom(a.Unmap(), a.Unmap().BitLen()))
			continue
		}
		slog.Warn("ignoring invalid TRUSTED_PROXIES entry", slog.String("entry", part), slog.String("component", "http"))
	}
	return out
}

const maxTrackedVisitors = 4096

// ipRateLimiter keeps a token bucket per client IP. Buckets idle for cfg.idle are forgotten.
type ipRateLimiter struct {
	cfg      *rateLimiterConfig
	visitors *expirable.LRU[string, *rate.Limiter]
}

func newIPRateLimiter(cfg *rateLimiterConfig) *ipRateLimiter {
	return &ipRateLimiter{
		cfg:      cfg,
		visitors: expirable.NewLRU[string, *rate.Limiter](maxTrackedVisitors, nil, cfg.idle),
	}
}

func (rl *ipRateLimiter) allow(ip string) bool {
	if !rl.cfg.enabled {
		return true
	}
	l, ok := rl.visitors.Get(ip)
	if !ok {
		l = rate.NewLimiter(rl.cfg.rps, rl.cfg.burst)
	}
	// re-adding refreshes the expiry
	rl.visitors.Add(ip, l)
	return l.Allow()
}

func rateLimitMiddleware(next http.Handler, limiter *ipRateLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r, limiter.cfg.trusted)
		if !limiter.allow(ip) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, "Too Many Requests - rate limit exceeded", http.StatusTooManyRequests)
			slog.Warn("rate limit exceeded", slog.String("ip", ip), slog.String("path", r.URL.Path))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP is the peer address without its port. When the peer is a trusted proxy the
// X-Forwarded-For chain is walked from the right and the first untrusted hop wins.
func clientIP(r *http.Request, trusted []netip.Prefix) string {
	peer := stripPort(r.RemoteAddr)
	if !isTrusted(peer, trusted) {
		return peer
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := stripPort(strings.TrimSpace(hops[i]))
		if hop == "" {
			continue
		}
		if !isTrusted(hop, trusted) || i == 0 {
			return hop
		}
	}
	return peer
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.Trim(addr, "[]")
}

func isTrusted(ip string, trusted []netip.Prefix) bool {
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, p := range trusted {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

type corsConfig struct {
	allowedOrigins []string
	permissive     bool
}

func loadCORSConfig() *corsConfig {
	mode := strings.ToLower(os.Getenv("ENV"))
	cfg := &corsConfig{permissive: mode == "" || mode == "dev" || mode == "development"}
	if v := os.Getenv("CORS_PERMISSIVE"); v != "" {
		cfg.permissive = v == "1" || v == "true"
	}
	for _, origin := range strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.allowedOrigins = append(cfg.allowedOrigins, origin)
		}
	}
	return cfg
}

// withCORSConfig lets dashboards on other origins read the ops endpoints.
func withCORSConfig(next http.Handler, cfg *corsConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case cfg.permissive:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && isOriginAllowed(origin, cfg.allowedOrigins):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		if w.Header().Get("Access-Control-Allow-Origin") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, X-Status-Token, X-Correlation-ID")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isOriginAllowed matches exact origins and "*.example.com" wildcards.
func isOriginAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if origin == a {
			return true
		}
		if domain, ok := strings.CutPrefix(a, "*."); ok {
			if strings.HasSuffix(origin, "."+domain) || origin == "https://"+domain || origin == "http://"+domain {
				return true
			}
		}
	}
	return false
}
