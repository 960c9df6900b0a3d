package middleware

import (
	"crypto/subtle"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
)

// HeaderAPIKey carries the API key. The apikey query parameter is accepted
// for clients that cannot set headers, such as websocket upgrades.
const HeaderAPIKey = "X-Api-Key"

const (
	DefaultMaxFailedAttempts = 5
	DefaultLockoutDuration   = 15 * time.Minute
	MaxLockoutDuration       = time.Hour
)

type lockout struct {
	failures    int
	lockouts    int
	lockedUntil time.Time
}

// APIKeyGuard rejects requests without the configured key and locks out
// clients that keep presenting a wrong one.
type APIKeyGuard struct {
	key   []byte
	clock clockwork.Clock

	maxFailures int
	lockout     time.Duration

	mu      sync.Mutex
	clients map[string]*lockout
}

// NewAPIKeyGuard creates a guard for key. An empty key lets every request
// through.
func NewAPIKeyGuard(key string, clock clockwork.Clock) *APIKeyGuard {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &APIKeyGuard{
		key:         []byte(key),
		clock:       clock,
		maxFailures: DefaultMaxFailedAttempts,
		lockout:     DefaultLockoutDuration,
		clients:     make(map[string]*lockout),
	}
}

// Middleware returns the echo middleware.
func (g *APIKeyGuard) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if len(g.key) == 0 {
				return next(c)
			}
			ip := c.RealIP()
			if g.locked(ip) {
				return echo.NewHTTPError(http.StatusTooManyRequests, "too many invalid api keys, try again later")
			}

			presented := c.Request().Header.Get(HeaderAPIKey)
			if presented == "" {
				presented = c.QueryParam("apikey")
			}
			if presented == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "api key required")
			}
			if subtle.ConstantTimeCompare([]byte(presented), g.key) != 1 {
				g.recordFailure(ip)
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid api key")
			}
			g.reset(ip)
			return next(c)
		}
	}
}

func (g *APIKeyGuard) locked(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.clients[ip]
	return ok && g.clock.Now().Before(l.lockedUntil)
}

func (g *APIKeyGuard) recordFailure(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.clients[ip]
	if !ok {
		l = &lockout{}
		g.clients[ip] = l
	}
	l.failures++
	if l.failures < g.maxFailures {
		return
	}
	l.failures = 0
	l.lockouts++
	l.lockedUntil = g.clock.Now().Add(min(g.lockout*time.Duration(l.lockouts), MaxLockoutDuration))
}

func (g *APIKeyGuard) reset(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.clients, ip)
}
