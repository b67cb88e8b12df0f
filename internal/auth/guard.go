package auth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/slipstream/grabber/internal/config"
)

const (
	// tokenRequestsPerMinute caps how often one client may call the token
	// endpoint, right or wrong password.
	tokenRequestsPerMinute = 10

	maxLockout = 24 * time.Hour
)

// Guard throttles the password exchange. The daemon has a single password,
// so failures are counted per client address instead of per account.
type Guard struct {
	maxFailures int
	lockout     time.Duration
	now         func() time.Time

	mu      sync.Mutex
	clients map[string]*client
}

type client struct {
	windowStart time.Time
	requests    int

	failures    int
	lockouts    int
	lockedUntil time.Time
	lastSeen    time.Time
}

// NewGuard builds a Guard from the auth settings. Zero values fall back to
// the defaults.
func NewGuard(cfg config.AuthConfig) *Guard {
	d := config.Default().Auth
	if cfg.MaxFailedAttempts <= 0 {
		cfg.MaxFailedAttempts = d.MaxFailedAttempts
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = d.LockoutDuration
	}
	return &Guard{
		maxFailures: cfg.MaxFailedAttempts,
		lockout:     cfg.LockoutDuration,
		now:         time.Now,
		clients:     make(map[string]*client),
	}
}

func (g *Guard) get(addr string) *client {
	c, ok := g.clients[addr]
	if !ok {
		c = &client{}
		g.clients[addr] = c
	}
	c.lastSeen = g.now()
	return c
}

// Middleware rejects clients that are locked out or calling too often.
func (g *Guard) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if wait, ok := g.admit(c.RealIP()); !ok {
				c.Response().Header().Set("Retry-After", strconv.Itoa(int(wait.Round(time.Second).Seconds())))
				return echo.NewHTTPError(http.StatusTooManyRequests,
					fmt.Sprintf("too many attempts, try again in %s", wait.Round(time.Second)))
			}
			return next(c)
		}
	}
}

// admit counts one request and reports how long the client must wait when
// it is refused.
func (g *Guard) admit(addr string) (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	c := g.get(addr)
	if now.Before(c.lockedUntil) {
		return c.lockedUntil.Sub(now), false
	}
	if now.Sub(c.windowStart) >= time.Minute {
		c.windowStart = now
		c.requests = 0
	}
	if c.requests >= tokenRequestsPerMinute {
		return c.windowStart.Add(time.Minute).Sub(now), false
	}
	c.requests++
	return 0, true
}

// Locked returns the remaining lockout of addr, or zero.
func (g *Guard) Locked(addr string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.clients[addr]
	if !ok {
		return 0
	}
	if left := c.lockedUntil.Sub(g.now()); left > 0 {
		return left
	}
	return 0
}

// Failed records a wrong password from addr. Reaching the failure limit
// locks the address; each repeated lockout doubles in length.
func (g *Guard) Failed(addr string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	c := g.get(addr)
	c.failures++
	if c.failures < g.maxFailures {
		return
	}
	d := g.lockout << c.lockouts
	if d <= 0 || d > maxLockout {
		d = maxLockout
	}
	c.lockedUntil = g.now().Add(d)
	c.lockouts++
	c.failures = 0
}

// Succeeded forgets the failure history of addr.
func (g *Guard) Succeeded(addr string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.clients, addr)
}

// prune drops clients that are neither locked nor seen within the lockout
// window.
func (g *Guard) prune() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for addr, c := range g.clients {
		if now.After(c.lockedUntil) && now.Sub(c.lastSeen) > g.lockout {
			delete(g.clients, addr)
		}
	}
}

// Run prunes stale clients every interval until ctx is done.
func (g *Guard) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.prune()
			}
		}
	}()
}
