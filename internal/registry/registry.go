// Package registry implements the subdomain → upstream map (spec.md §3,
// §4.3): registration with TTL, lookup, and a ticker-driven cleanup
// sweep that evicts expired entries and calls back into the engine so
// it can tear down the owning session. The mutex-guarded map plus
// ticker-driven cleanup goroutine is the same shape as the karoo
// reference repo's internal/ratelimit.Limiter.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/subwayhq/subway/internal/metrics"
	"github.com/subwayhq/subway/internal/relayerr"
)

// DefaultTTL is the upstream lifetime applied on registration when the
// registry isn't configured with a different TTL (spec.md §3: "default
// one hour").
const DefaultTTL = time.Hour

// DefaultCleanupInterval is how often the sweep runs when unconfigured
// (spec.md §4.3: "default 60 s").
const DefaultCleanupInterval = 60 * time.Second

const maxGenerateAttempts = 64

// Upstream is the loopback address a tenant's request listener is bound
// to, plus its absolute expiry.
type Upstream struct {
	Host      string
	Port      int
	ExpiresAt time.Time
}

// Addr formats the upstream as a host:port pair suitable for net.Dial
// or a reverse proxy target URL.
func (u Upstream) Addr() string {
	return fmt.Sprintf("%s:%d", u.Host, u.Port)
}

// OnEvict is invoked once per evicted subdomain, outside the registry's
// lock, so the callback is free to re-enter the registry.
type OnEvict func(subdomain string)

// Registry is the subdomain -> Upstream map. All operations are
// goroutine-safe.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]Upstream
	ttl      time.Duration
	interval time.Duration
	onEvict  OnEvict
	log      zerolog.Logger
	metrics  *metrics.Collectors

	stopOnce sync.Once
	stop     chan struct{}
	stopped  chan struct{}
}

// Config configures a new Registry; zero values fall back to the
// package defaults.
type Config struct {
	TTL             time.Duration
	CleanupInterval time.Duration
	OnEvict         OnEvict
	Logger          zerolog.Logger
	Metrics         *metrics.Collectors
}

// New constructs a Registry. Call Run to start its cleanup loop.
func New(cfg Config) *Registry {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	onEvict := cfg.OnEvict
	if onEvict == nil {
		onEvict = func(string) {}
	}

	return &Registry{
		entries:  make(map[string]Upstream),
		ttl:      ttl,
		interval: interval,
		onEvict:  onEvict,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Register records port under subdomain (allocating a fresh random
// subdomain if subdomain is empty or already taken) and returns the
// canonical subdomain together with the public endpoint URL for it.
func (r *Registry) Register(ctx context.Context, subdomain, scheme, domain string, port int) (string, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if subdomain == "" {
		free, err := r.generateLocked()
		if err != nil {
			return "", "", err
		}
		subdomain = free
	} else if _, taken := r.entries[subdomain]; taken {
		free, err := r.generateLocked()
		if err != nil {
			return "", "", err
		}
		subdomain = free
	}

	r.entries[subdomain] = Upstream{
		Host:      "127.0.0.1",
		Port:      port,
		ExpiresAt: time.Now().Add(r.ttl),
	}
	if r.metrics != nil {
		r.metrics.TunnelsRegistered.Inc()
		r.metrics.TunnelsActive.Set(float64(len(r.entries)))
	}

	endpoint := fmt.Sprintf("%s://%s.%s", scheme, subdomain, domain)
	return subdomain, endpoint, nil
}

// generateLocked must be called with r.mu held for writing.
func (r *Registry) generateLocked() (string, error) {
	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		candidate, err := randomSubdomain()
		if err != nil {
			return "", relayerr.Config("failed to generate random subdomain", err)
		}
		if _, taken := r.entries[candidate]; !taken {
			return candidate, nil
		}
	}
	return "", relayerr.Config("exhausted attempts generating a free subdomain", nil)
}

// Lookup returns the Upstream registered for subdomain, if any.
func (r *Registry) Lookup(subdomain string) (Upstream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.entries[subdomain]
	return u, ok
}

// Touch bumps subdomain's expiry by the configured TTL from now. It
// reports whether the subdomain was present.
func (r *Registry) Touch(subdomain string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.entries[subdomain]
	if !ok {
		return false
	}
	u.ExpiresAt = time.Now().Add(r.ttl)
	r.entries[subdomain] = u
	return true
}

// Remove deletes subdomain and returns its prior entry, if any.
func (r *Registry) Remove(subdomain string) (Upstream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.entries[subdomain]
	if ok {
		delete(r.entries, subdomain)
		if r.metrics != nil {
			r.metrics.TunnelsActive.Set(float64(len(r.entries)))
		}
	}
	return u, ok
}

// Len reports the number of live entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Run starts the cleanup loop; it blocks until ctx is canceled.
func (r *Registry) Run(ctx context.Context) {
	defer close(r.stopped)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// Stop asks a running cleanup loop to exit and waits for it to do so.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.stopped
}

func (r *Registry) sweep() {
	now := time.Now()

	r.mu.Lock()
	var expired []string
	for subdomain, u := range r.entries {
		if u.ExpiresAt.Before(now) {
			expired = append(expired, subdomain)
		}
	}
	for _, subdomain := range expired {
		delete(r.entries, subdomain)
	}
	if r.metrics != nil && len(expired) > 0 {
		r.metrics.TunnelsEvicted.Add(float64(len(expired)))
		r.metrics.TunnelsActive.Set(float64(len(r.entries)))
	}
	r.mu.Unlock()

	for _, subdomain := range expired {
		r.log.Debug().Str("subdomain", subdomain).Msg("evicting expired tunnel")
		r.onEvict(subdomain)
	}
}
