package registry

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// subdomainShape matches spec.md §4.3's literal generation rule: 12
// lowercase-alphanumeric-with-hyphen characters.
var subdomainShape = regexp.MustCompile(`^[a-z0-9-]{12}$`)

func TestRegisterGeneratesUniqueSubdomains(t *testing.T) {
	r := New(Config{})

	const workers = 50
	var wg sync.WaitGroup
	subdomains := make([]string, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			subdomain, endpoint, err := r.Register(context.Background(), "", "https", "example.com", 9000+i)
			require.NoError(t, err)
			require.NotEmpty(t, endpoint)
			subdomains[i] = subdomain
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, workers)
	for _, s := range subdomains {
		require.True(t, subdomainShape.MatchString(s), "generated subdomain %q is not 12 lowercase-alphanumeric-with-hyphen characters", s)
		require.False(t, seen[s], "duplicate subdomain %q generated under concurrency", s)
		seen[s] = true
	}
	require.Equal(t, workers, r.Len())
}

func TestRegisterRequestedSubdomainFallsBackOnCollision(t *testing.T) {
	r := New(Config{})

	first, _, err := r.Register(context.Background(), "happy-cat", "https", "example.com", 9001)
	require.NoError(t, err)
	require.Equal(t, "happy-cat", first)

	second, _, err := r.Register(context.Background(), "happy-cat", "https", "example.com", 9002)
	require.NoError(t, err)
	require.NotEqual(t, "happy-cat", second)
	require.True(t, subdomainShape.MatchString(second), "fallback subdomain %q is not 12 lowercase-alphanumeric-with-hyphen characters", second)
}

func TestLookupTouchRemove(t *testing.T) {
	r := New(Config{TTL: time.Minute})

	subdomain, _, err := r.Register(context.Background(), "", "https", "example.com", 9003)
	require.NoError(t, err)

	u, ok := r.Lookup(subdomain)
	require.True(t, ok)
	require.Equal(t, 9003, u.Port)

	require.True(t, r.Touch(subdomain))
	require.False(t, r.Touch("nonexistent"))

	removed, ok := r.Remove(subdomain)
	require.True(t, ok)
	require.Equal(t, 9003, removed.Port)

	_, ok = r.Lookup(subdomain)
	require.False(t, ok)
}

func TestCleanupSweepEvictsExpiredEntries(t *testing.T) {
	var evicted []string
	var mu sync.Mutex

	r := New(Config{
		TTL:             10 * time.Millisecond,
		CleanupInterval: 20 * time.Millisecond,
		OnEvict: func(subdomain string) {
			mu.Lock()
			evicted = append(evicted, subdomain)
			mu.Unlock()
		},
	})

	subdomain, _, err := r.Register(context.Background(), "", "https", "example.com", 9004)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	defer r.Stop()

	require.Eventually(t, func() bool {
		_, ok := r.Lookup(subdomain)
		return !ok
	}, time.Second, 5*time.Millisecond, "expired entry was never swept")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(evicted) == 1 && evicted[0] == subdomain
	}, time.Second, 5*time.Millisecond, "OnEvict was never called for the expired subdomain")
}

func TestCleanupSweepKeepsTouchedEntries(t *testing.T) {
	r := New(Config{
		TTL:             40 * time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
	})

	subdomain, _, err := r.Register(context.Background(), "", "https", "example.com", 9005)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	defer r.Stop()

	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		r.Touch(subdomain)
		time.Sleep(5 * time.Millisecond)
	}

	_, ok := r.Lookup(subdomain)
	require.True(t, ok, "entry touched continuously should survive the sweep")
}
